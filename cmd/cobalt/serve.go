package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/chazu/cobalt/chunk"
	"github.com/chazu/cobalt/config"
	"github.com/chazu/cobalt/profile"
	"github.com/chazu/cobalt/server"
	"github.com/chazu/cobalt/vm"
)

func openProfileStore(cfg *config.Config) (*profile.Store, error) {
	path := cfg.DatabasePath()
	if path == "" || !cfg.Profile.Enabled {
		return nil, nil
	}
	return profile.Open(path)
}

// handleServe processes the `cobalt serve` subcommand.
func handleServe(args []string, cfg *config.Config) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", cfg.Server.Addr, "Listen address")
	fs.Parse(args)

	store, err := openProfileStore(cfg)
	if err != nil {
		fatalf("%v", err)
	}
	opts := []server.ServerOption{
		server.WithVMOptions(cfg.Options),
	}
	if store != nil {
		defer store.Close()
		opts = append(opts, server.WithProfileStore(store))
	}
	srv := server.New(opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(shutdown)
	}()

	if err := srv.ListenAndServe(*addr); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

// handleRemote processes the `cobalt remote` subcommand: it loads a program
// into a fresh session on a server, runs it and prints its output.
func handleRemote(args []string) {
	fs := flag.NewFlagSet("remote", flag.ExitOnError)
	timeout := fs.Duration("timeout", 0, "Execution time limit")
	fs.Parse(args)
	if fs.NArg() < 2 {
		fatalf("usage: cobalt remote <addr> <file> [args...]")
	}
	base := fs.Arg(0)
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	p, err := readProgram(fs.Arg(1))
	if err != nil {
		fatalf("%v", err)
	}
	data, err := chunk.Marshal(p)
	if err != nil {
		fatalf("%v", err)
	}

	ctx := context.Background()
	client := server.NewClient(http.DefaultClient, base)
	id, err := client.CreateSession(ctx, fs.Arg(1))
	if err != nil {
		fatalf("%v", err)
	}
	defer client.DestroySession(ctx, id)

	loaded, err := client.Load(ctx, &server.LoadRequest{SessionID: id, Chunk: data})
	if err != nil {
		fatalf("%v", err)
	}
	req := &server.ExecuteRequest{SessionID: id, Hash: loaded.Hash, TimeoutMs: timeout.Milliseconds()}
	for _, a := range fs.Args()[2:] {
		req.Args = append(req.Args, server.ToWire(vm.String(a)))
	}
	resp, err := client.Execute(ctx, req)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Print(resp.Output)
	if resp.Error != nil {
		fmt.Fprintf(os.Stderr, "cobalt: %s\n", resp.Error.Message)
		for _, f := range resp.Error.Traceback {
			fmt.Fprintf(os.Stderr, "\t%s\n", f)
		}
		os.Exit(1)
	}
	for _, r := range resp.Results {
		fmt.Println(vm.Repr(r.Value()))
	}
}
