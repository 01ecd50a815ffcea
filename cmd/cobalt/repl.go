package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/chazu/cobalt/asm"
	"github.com/chazu/cobalt/config"
	"github.com/chazu/cobalt/vm"
)

const (
	historyFile = ".cobalt_history"
	promptMain  = "cobalt> "
	promptCont  = "   ...> "
)

// handleRepl runs an interactive assembler session. Each complete listing
// is assembled and run in the same State, so globals persist between
// entries.
func handleRepl(args []string, cfg *config.Config) int {
	fs := flag.NewFlagSet("repl", flag.ExitOnError)
	fs.Parse(args)

	home, _ := os.UserHomeDir()
	histPath := filepath.Join(home, historyFile)

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	if f, err := os.Open(histPath); err == nil {
		_, _ = ln.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(histPath); err == nil {
			_, _ = ln.WriteHistory(f)
			f.Close()
		}
	}()

	g := vm.NewState(cfg.Options())
	defer g.Close()
	vm.OpenLibraries(g)

	fmt.Println("cobalt assembler REPL. Enter a .function ... .end listing; :dis shows the last program, :quit exits.")
	var last *vm.Proto
	n := 0
	for {
		src, ok := readListing(ln)
		if !ok {
			fmt.Println()
			return 0
		}
		switch cmd := strings.TrimSpace(src); {
		case cmd == "":
			continue
		case cmd == ":quit":
			return 0
		case cmd == ":dis":
			if last == nil {
				fmt.Println("nothing assembled yet")
			} else if err := asm.Disassemble(os.Stdout, last); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
			continue
		case strings.HasPrefix(cmd, ":"):
			fmt.Println("unknown command. Type :quit to exit.")
			continue
		}
		ln.AppendHistory(strings.ReplaceAll(src, "\n", " "))

		n++
		p, err := asm.Assemble(src, fmt.Sprintf("=stdin:%d", n))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		last = p
		if err := evalListing(os.Stdout, g, p); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}

// readListing reads lines until the .function blocks entered so far are
// all closed. A line starting with ':' is a REPL command.
func readListing(ln *liner.State) (string, bool) {
	var b strings.Builder
	for {
		prompt := promptMain
		if b.Len() > 0 {
			prompt = promptCont
		}
		line, err := ln.Prompt(prompt)
		if errors.Is(err, io.EOF) {
			return "", false
		}
		if err != nil {
			// ctrl-c drops the pending listing
			return "", true
		}
		if b.Len() == 0 && strings.HasPrefix(strings.TrimSpace(line), ":") {
			return line, true
		}
		b.WriteString(line)
		b.WriteByte('\n')
		if listingComplete(b.String()) {
			return b.String(), true
		}
	}
}

// listingComplete reports whether every .function in src has its .end.
func listingComplete(src string) bool {
	depth, opened := 0, false
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, ".function"):
			depth++
			opened = true
		case line == ".end" || strings.HasPrefix(line, ".end "):
			depth--
		}
	}
	return !opened || depth <= 0
}

// evalListing runs p and prints its results, one per line.
func evalListing(w io.Writer, g *vm.State, p *vm.Proto) error {
	results, err := g.Do(context.Background(), p)
	if err != nil {
		if e, ok := vm.AsError(err); ok {
			return fmt.Errorf("%v\n%s", err, e.TracebackString())
		}
		return err
	}
	for _, v := range results {
		s, err := g.Main().ToStringMeta(v)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, s)
	}
	return nil
}
