package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/cobalt/asm"
	"github.com/chazu/cobalt/chunk"
	"github.com/chazu/cobalt/config"
	"github.com/chazu/cobalt/vm"
)

const sumListing = `
.function main
.vararg
.upvalue _ENV stack 0
    VARARGPREP 0
    LOADI 0 0
    LOADI 1 1
    LOADI 2 10
    LOADI 3 1
    FORPREP 1 done
body:
    ADD 0 0 4
    MMBIN 0 4 6
done:
    FORLOOP 1 body
    RETURN 0 2 1
.end
`

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestReadProgram(t *testing.T) {
	dir := t.TempDir()
	listing := writeFile(t, dir, "sum.s", []byte(sumListing))

	p, err := readProgram(listing)
	require.NoError(t, err)
	assert.Equal(t, "sum.s", p.ChunkID())

	encoded, err := chunk.Marshal(p)
	require.NoError(t, err)
	compiled := writeFile(t, dir, "sum.cbc", encoded)

	q, err := readProgram(compiled)
	require.NoError(t, err)
	want, err := chunk.Hash(p)
	require.NoError(t, err)
	got, err := chunk.Hash(q)
	require.NoError(t, err)
	assert.Equal(t, want, got, "a chunk round-trips to the same program")

	_, err = readProgram(filepath.Join(dir, "missing.s"))
	assert.Error(t, err)

	broken := writeFile(t, dir, "broken.s", []byte(".function main\n    BOGUS 1\n.end\n"))
	_, err = readProgram(broken)
	assert.Error(t, err)
}

func TestHandleRunExitCode(t *testing.T) {
	dir := t.TempDir()
	listing := writeFile(t, dir, "sum.s", []byte(sumListing))

	for _, mode := range []string{"switch", "table"} {
		code := handleRun([]string{"-dispatch", mode, listing}, config.Default())
		assert.Equal(t, 55, code, mode)
	}
}

func TestHandleRunFailures(t *testing.T) {
	dir := t.TempDir()
	listing := writeFile(t, dir, "sum.s", []byte(sumListing))
	broken := writeFile(t, dir, "broken.s", []byte(".function main\n    NOSUCHOP 0\n.end\n"))

	assert.Equal(t, 2, handleRun(nil, config.Default()))
	assert.Equal(t, 1, handleRun([]string{filepath.Join(dir, "missing.s")}, config.Default()))
	assert.Equal(t, 1, handleRun([]string{broken}, config.Default()))

	// The database's parent is a regular file, so opening the store fails
	// after the state is built; the call must return rather than exit.
	cfg := config.Default()
	cfg.Profile.Enabled = true
	cfg.Profile.Database = filepath.Join(listing, "profiles.db")
	assert.Equal(t, 1, handleRun([]string{listing}, cfg))
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, config.FileName, []byte("[vm]\nmax-call-depth = 77\n"))

	cfg, err := loadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 77, cfg.VM.MaxCallDepth)

	_, err = loadConfig(filepath.Join(dir, "nowhere"))
	assert.Error(t, err)
}

func TestProfileStoreNeedsEnabling(t *testing.T) {
	cfg := config.Default()
	cfg.Profile.Database = filepath.Join(t.TempDir(), "profiles.db")

	store, err := openProfileStore(cfg)
	require.NoError(t, err)
	assert.Nil(t, store)

	cfg.Profile.Enabled = true
	store, err = openProfileStore(cfg)
	require.NoError(t, err)
	require.NotNil(t, store)
	assert.NoError(t, store.Close())
}

func TestListingComplete(t *testing.T) {
	assert.False(t, listingComplete(".function main\n"))
	assert.False(t, listingComplete(".function main\n  .function inner\n  .end\n"))
	assert.True(t, listingComplete(".function main\n  .function inner\n  .end\n.end\n"))
	assert.True(t, listingComplete(sumListing))
	assert.True(t, listingComplete("RETURN0\n"), "a bare line is handed to the assembler as is")
}

func TestEvalListingKeepsGlobals(t *testing.T) {
	g := vm.NewState(vm.Options{})
	defer g.Close()
	vm.OpenLibraries(g)

	set, err := asm.Assemble(`
.function main
.upvalue _ENV stack 0
    LOADI 0 42
    SETTABUP 0 "answer" 0
    RETURN0
.end
`, "=stdin:1")
	require.NoError(t, err)
	get, err := asm.Assemble(`
.function main
.upvalue _ENV stack 0
    GETTABUP 0 0 "answer"
    LOADK 1 "ok"
    RETURN 0 3 0
.end
`, "=stdin:2")
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, evalListing(&out, g, set))
	assert.Empty(t, out.String())
	require.NoError(t, evalListing(&out, g, get))
	assert.Equal(t, "42\nok\n", out.String())

	fail, err := asm.Assemble(`
.function main
.line 3
    LOADTRUE 0
    GETFIELD 0 0 "x"
    RETURN0
.end
`, "=stdin:3")
	require.NoError(t, err)
	err = evalListing(&out, g, fail)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stdin:3:3: attempt to index a boolean value")
	assert.Contains(t, err.Error(), "stack traceback:")
}
