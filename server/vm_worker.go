package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/cobalt/vm"
)

var errWorkerStopped = errors.New("vm worker stopped")

// queueDepth bounds the requests waiting for the worker.
const queueDepth = 64

// vmRequest is a closure for the worker goroutine plus the channel that
// receives its outcome.
type vmRequest struct {
	fn   func(*vm.State) (any, error)
	done chan vmResult
}

// vmResult is what a vmRequest produced.
type vmResult struct {
	value any
	err   error
}

// VMWorker serializes all access to one State through a single goroutine.
// A State and its threads must be driven from one goroutine at a time; all
// RPC handlers go through the worker.
type VMWorker struct {
	state    *vm.State
	requests chan vmRequest
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	closeErr error
}

// NewVMWorker takes ownership of g and starts its goroutine.
func NewVMWorker(g *vm.State) *VMWorker {
	w := &VMWorker{
		state:    g,
		requests: make(chan vmRequest, queueDepth),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop runs requests one at a time until Stop.
func (w *VMWorker) loop() {
	defer close(w.stopped)
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs fn against the State. A panic escaping the interpreter is
// turned into an error so one bad request cannot kill the worker.
func (w *VMWorker) execute(fn func(*vm.State) (any, error)) (result vmResult) {
	defer func() {
		if r := recover(); r != nil {
			result.err = fmt.Errorf("vm worker: %v", r)
		}
	}()
	result.value, result.err = fn(w.state)
	return result
}

// Do runs fn on the worker goroutine and waits for its outcome. If ctx ends
// before the worker picks fn up, fn never runs and Do returns ctx.Err().
// Cancelling ctx afterwards does not stop fn; callers pass ctx to the State
// for that.
func (w *VMWorker) Do(ctx context.Context, fn func(*vm.State) (any, error)) (any, error) {
	req := vmRequest{
		fn:   fn,
		done: make(chan vmResult, 1),
	}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, errWorkerStopped
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-w.stopped:
		select {
		case result := <-req.done:
			return result.value, result.err
		default:
			return nil, errWorkerStopped
		}
	}
}

// Stop shuts down the worker goroutine, waits for in-flight work and
// closes the State.
func (w *VMWorker) Stop() error {
	w.stopOnce.Do(func() {
		close(w.quit)
		<-w.stopped
		w.closeErr = w.state.Close()
	})
	return w.closeErr
}
