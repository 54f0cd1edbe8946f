package commit

import (
	"context"
	"sync"
)

// Outcome is the terminal result of one commit attempt.
type Outcome int

const (
	// Unresolved is the zero Outcome. A resolved Future never holds it; it is what Wait and Result return while
	// the commit is still running.
	Unresolved Outcome = iota
	// Succeeded means every requirement held and every mutation was applied.
	Succeeded
	// Conflict means a required key changed since it was required. Nothing was applied. This is an expected
	// outcome of concurrent use, not an error.
	Conflict
	// Failed means the store could not run the commit. Result.Err holds the cause.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Unresolved:
		return "unresolved"
	case Succeeded:
		return "succeeded"
	case Conflict:
		return "conflict"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Result is what a Future resolves to.
type Result struct {
	Outcome Outcome
	// Err is the cause of a Failed outcome and nil otherwise.
	Err error
}

// Future is a single-assignment result slot. The coordinator resolves it exactly once; any number of goroutines
// may wait on it and all of them see the same Result. Waiting never cancels the commit behind it.
type Future struct {
	once   sync.Once
	done   chan struct{}
	result Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve sets the result. Only the first call has an effect.
func (f *Future) resolve(r Result) {
	f.once.Do(func() {
		f.result = r
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the result and true if the commit has finished, or false if it is still running.
func (f *Future) Result() (Result, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the commit finishes or ctx is done. A ctx error only means the caller stopped waiting; the
// commit itself keeps running and the Future still resolves. The Result returned with a ctx error is Unresolved.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
