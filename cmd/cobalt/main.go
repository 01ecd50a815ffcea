// Cobalt CLI - assemble, inspect and run cobalt bytecode
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/cobalt/asm"
	"github.com/chazu/cobalt/chunk"
	"github.com/chazu/cobalt/config"
	"github.com/chazu/cobalt/vm"
)

func main() {
	verbose := flag.Int("v", 0, "Log verbosity (0 = warnings, 1 = info, 2 = debug)")
	configDir := flag.String("config", "", "Directory containing cobalt.toml (default: search upwards from cwd)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cobalt [options] <command> [arguments]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  run <file> [args...]        Run a listing (.s) or chunk (.cbc)\n")
		fmt.Fprintf(os.Stderr, "  asm <file.s> [-o out.cbc]   Assemble a listing into a chunk\n")
		fmt.Fprintf(os.Stderr, "  dis <file>                  Disassemble a chunk or listing\n")
		fmt.Fprintf(os.Stderr, "  hash <file>                 Print the content hash of a program\n")
		fmt.Fprintf(os.Stderr, "  serve [-addr host:port]     Start the execution server\n")
		fmt.Fprintf(os.Stderr, "  remote <addr> <file>        Run a program on an execution server\n")
		fmt.Fprintf(os.Stderr, "  repl                        Assemble and run listings interactively\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	commonlog.Configure(*verbose, nil)

	cfg, err := loadConfig(*configDir)
	if err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	switch args[0] {
	case "run":
		os.Exit(handleRun(args[1:], cfg))
	case "asm":
		handleAsm(args[1:])
	case "dis":
		handleDis(args[1:])
	case "hash":
		handleHash(args[1:])
	case "serve":
		handleServe(args[1:], cfg)
	case "remote":
		handleRemote(args[1:])
	case "repl":
		os.Exit(handleRepl(args[1:], cfg))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "cobalt: "+format+"\n", args...)
	os.Exit(1)
}

// failf reports an error like fatalf but returns the exit status, so the
// caller's deferred cleanup still runs.
func failf(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, "cobalt: "+format+"\n", args...)
	return 1
}

func loadConfig(dir string) (*config.Config, error) {
	if dir != "" {
		return config.Load(dir)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.FindAndLoad(cwd)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// readProgram loads a chunk or, failing that, assembles a listing.
func readProgram(path string) (*vm.Proto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(data, []byte{0xa3}) || filepath.Ext(path) == ".cbc" {
		return chunk.Unmarshal(data)
	}
	return asm.Assemble(string(data), "@"+filepath.Base(path))
}

func handleRun(args []string, cfg *config.Config) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	trace := fs.Bool("trace", cfg.VM.Trace, "Log every executed instruction at debug level")
	dispatch := fs.String("dispatch", cfg.VM.Dispatch, "Dispatch mode: switch or table")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: cobalt run <file> [args...]")
		return 2
	}

	p, err := readProgram(fs.Arg(0))
	if err != nil {
		return failf("%v", err)
	}

	cfg.VM.Trace = *trace
	cfg.VM.Dispatch = *dispatch
	opts := cfg.Options()
	g := vm.NewState(opts)
	defer g.Close()
	vm.OpenLibraries(g)

	store, err := openProfileStore(cfg)
	if err != nil {
		return failf("opening profile store: %v", err)
	}
	if store != nil {
		defer store.Close()
		if _, err := store.Load(p, opts.Profiler); err != nil {
			commonlog.GetLogger("cobalt.profile").Debugf("no saved profile: %v", err)
		}
	}

	scriptArgs := make([]vm.Value, 0, fs.NArg()-1)
	for _, a := range fs.Args()[1:] {
		scriptArgs = append(scriptArgs, vm.String(a))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	results, err := g.Do(ctx, p, scriptArgs...)
	if store != nil {
		if serr := store.Save(p, opts.Profiler); serr != nil {
			fmt.Fprintf(os.Stderr, "Warning: saving profile: %v\n", serr)
		}
	}
	if err != nil {
		failf("%v", err)
		if e, ok := vm.AsError(err); ok {
			fmt.Fprintln(os.Stderr, e.TracebackString())
		}
		return 1
	}
	// An integer result is the exit code.
	if len(results) > 0 {
		if code, ok := results[0].(vm.Int); ok {
			return int(code)
		}
	}
	return 0
}

func handleAsm(args []string) {
	fs := flag.NewFlagSet("asm", flag.ExitOnError)
	out := fs.String("o", "", "Output chunk path (default: input with .cbc extension)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fatalf("usage: cobalt asm <file.s> [-o out.cbc]")
	}
	in := fs.Arg(0)
	data, err := os.ReadFile(in)
	if err != nil {
		fatalf("%v", err)
	}
	p, err := asm.Assemble(string(data), "@"+filepath.Base(in))
	if err != nil {
		fatalf("%s: %v", in, err)
	}
	encoded, err := chunk.Marshal(p)
	if err != nil {
		fatalf("%v", err)
	}
	path := *out
	if path == "" {
		path = strings.TrimSuffix(in, filepath.Ext(in)) + ".cbc"
	}
	if err := os.WriteFile(path, encoded, 0644); err != nil {
		fatalf("%v", err)
	}
}

func handleDis(args []string) {
	if len(args) != 1 {
		fatalf("usage: cobalt dis <file>")
	}
	p, err := readProgram(args[0])
	if err != nil {
		fatalf("%v", err)
	}
	if err := asm.Disassemble(os.Stdout, p); err != nil {
		fatalf("%v", err)
	}
}

func handleHash(args []string) {
	if len(args) != 1 {
		fatalf("usage: cobalt hash <file>")
	}
	p, err := readProgram(args[0])
	if err != nil {
		fatalf("%v", err)
	}
	h, err := chunk.Hash(p)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Println(chunk.HashString(h))
}
