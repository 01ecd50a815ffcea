package vm

import "errors"

// ---------------------------------------------------------------------------
// Coroutines
// ---------------------------------------------------------------------------

// CoStatus is the state of a coroutine.
type CoStatus int

const (
	CoSuspended CoStatus = iota // created or yielded
	CoRunning                   // the running coroutine
	CoNormal                    // resumed another coroutine
	CoDead                      // finished, failed or closed
)

var coStatusNames = [...]string{"suspended", "running", "normal", "dead"}

func (s CoStatus) String() string { return coStatusNames[s] }

// transfer carries values across a resume or yield.
type transfer struct {
	values []Value
	err    *Error
	done   bool // the body returned or failed
	kill   bool // resume request that closes a suspended coroutine
}

// coroutine runs a thread's body on its own goroutine. Control is handed
// back and forth over unbuffered channels so exactly one side runs at a
// time.
type coroutine struct {
	fn      Value
	status  CoStatus
	started bool
	resume  chan transfer
	yield   chan transfer
	err     *Error // error that killed the coroutine
}

// coroutineKill unwinds a suspended coroutine's goroutine on close.
type coroutineKill struct{}

// ErrNotCoroutine is returned when a coroutine operation targets the main
// thread or a plain thread.
var ErrNotCoroutine = errors.New("not a coroutine")

func (*Thread) Type() Type { return TypeThread }

// NewThread creates a coroutine that will run fn when first resumed. The
// new thread inherits t's hook.
func (t *Thread) NewThread(fn Value) *Thread {
	co := newThread(t.g)
	co.hook, co.hookMask, co.baseCount = t.hook, t.hookMask, t.baseCount
	co.hookCount = co.baseCount
	co.co = &coroutine{
		fn:     fn,
		resume: make(chan transfer),
		yield:  make(chan transfer),
	}
	t.g.gc.Allocated(basicStackSize * 16)
	return co
}

// NewThread creates a coroutine on the main thread.
func (g *State) NewThread(fn Value) *Thread { return g.main.NewThread(fn) }

// Status returns the coroutine status of co as seen from t.
func (t *Thread) Status(co *Thread) CoStatus {
	if co == t {
		return CoRunning
	}
	if co.co == nil {
		// the main thread is never suspended
		return CoNormal
	}
	return co.co.status
}

// IsYieldable reports whether t can yield.
func (t *Thread) IsYieldable() bool { return t.co != nil }

// IsMain reports whether t is its State's main thread.
func (t *Thread) IsMain() bool { return t == t.g.main }

// Resume starts or continues co with args and waits until it yields,
// returns or fails. Errors raised in co come back as *Error; co is dead
// afterwards.
func (t *Thread) Resume(co *Thread, args ...Value) ([]Value, error) {
	c := co.co
	if c == nil {
		return nil, ErrNotCoroutine
	}
	switch {
	case c.status == CoDead:
		return nil, &Error{Kind: KindRuntime, Value: String("cannot resume dead coroutine")}
	case c.status != CoSuspended || co == t:
		return nil, &Error{Kind: KindRuntime, Value: String("cannot resume non-suspended coroutine")}
	}

	if t.co != nil {
		t.co.status = CoNormal
	}
	c.status = CoRunning
	co.ctx = t.ctx
	if !c.started {
		c.started = true
		co.nCcalls = t.nCcalls + 1
		t.g.trackCoroutine(co, true)
		go co.run(args)
	} else {
		c.resume <- transfer{values: args}
	}
	tr := <-c.yield
	if t.co != nil {
		t.co.status = CoRunning
	}

	if tr.done {
		c.status = CoDead
		t.g.trackCoroutine(co, false)
		if tr.err != nil {
			c.err = tr.err
			return nil, tr.err
		}
		return tr.values, nil
	}
	c.status = CoSuspended
	return tr.values, nil
}

// run is the body of a coroutine's goroutine.
func (t *Thread) run(args []Value) {
	c := t.co
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(coroutineKill); !ok {
				panic(r)
			}
			c.yield <- transfer{done: true, err: t.unwindKilled()}
		}
	}()
	results, err := t.Call(c.fn, args...)
	if err != nil {
		e, ok := AsError(err)
		if !ok {
			e = &Error{Kind: KindRuntime, Value: String(err.Error()), Cause: err}
		}
		c.yield <- transfer{done: true, err: e}
		return
	}
	c.yield <- transfer{done: true, values: results}
}

// unwindKilled closes the pending to-be-closed variables of a coroutine
// killed while suspended. The stack is intact: the kill panic restored no
// frame state on its way out.
func (t *Thread) unwindKilled() *Error {
	t.ci = &t.baseCI
	t.nci = 0
	t.nCcalls = 0
	t.allowHook = true
	t.handlingError = false
	var err *Error
	for {
		var errVal Value
		if err != nil {
			errVal = err.Value
		}
		e := t.protect(func() { t.closeFrom(1, errVal) })
		if e == nil {
			return err
		}
		err = e
	}
}

// Yield suspends the running coroutine, handing values to its resumer, and
// returns the values passed to the next resume.
func (t *Thread) Yield(values ...Value) ([]Value, error) {
	c := t.co
	if c == nil {
		return nil, &Error{Kind: KindRuntime, Value: String("attempt to yield from outside a coroutine")}
	}
	c.yield <- transfer{values: values}
	tr := <-c.resume
	if tr.kill {
		panic(coroutineKill{})
	}
	return tr.values, nil
}

// CloseThread closes a suspended or dead coroutine, running its pending
// to-be-closed variables. It returns the error that killed the coroutine,
// or the error raised while closing it.
func (t *Thread) CloseThread(co *Thread) error {
	c := co.co
	if c == nil {
		return ErrNotCoroutine
	}
	switch c.status {
	case CoDead:
		if c.err != nil {
			return c.err
		}
		return nil
	case CoSuspended:
		return co.closeCoroutine()
	}
	return &Error{Kind: KindRuntime, Value: String("cannot close a " + t.Status(co).String() + " coroutine")}
}

// closeCoroutine kills a suspended coroutine.
func (t *Thread) closeCoroutine() error {
	c := t.co
	if c == nil || c.status != CoSuspended {
		return nil
	}
	c.status = CoDead
	if !c.started {
		return nil
	}
	c.resume <- transfer{kill: true}
	tr := <-c.yield
	t.g.trackCoroutine(t, false)
	if tr.err != nil {
		c.err = tr.err
		return tr.err
	}
	return nil
}
