package ink

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Factory creates a recognizer instance.
type Factory func(ctx context.Context) (Recognizer, error)

// Runtime is a process-wide, lazily initialised, reference-counted
// handle on a recognizer. The first Acquire creates the recognizer; the
// last release tears it down.
type Runtime struct {
	factory Factory

	mu      sync.Mutex
	current Recognizer
	refs    int
}

// NewRuntime returns a Runtime that builds recognizers with factory.
func NewRuntime(factory Factory) *Runtime {
	return &Runtime{factory: factory}
}

// Acquire returns the shared recognizer, creating it if needed. Call
// release exactly once when done.
func (r *Runtime) Acquire(ctx context.Context) (rec Recognizer, release func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		rec, err := r.factory(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("init recognizer: %w", err)
		}
		r.current = rec
	}
	r.refs++

	var once sync.Once
	return r.current, func() { once.Do(r.release) }, nil
}

// Reinit replaces the shared recognizer with a fresh instance, keeping
// the reference count. Used after the recognizer session expires.
func (r *Runtime) Reinit(ctx context.Context) (Recognizer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("reinit recognizer: %w", err)
	}
	closeRecognizer(r.current)
	r.current = rec
	return rec, nil
}

// Refs returns the number of outstanding acquisitions.
func (r *Runtime) Refs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}

func (r *Runtime) release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refs--
	if r.refs > 0 {
		return
	}
	r.refs = 0
	closeRecognizer(r.current)
	r.current = nil
}

func closeRecognizer(rec Recognizer) {
	if c, ok := rec.(io.Closer); ok {
		_ = c.Close()
	}
}
