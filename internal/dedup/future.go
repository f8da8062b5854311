package dedup

import (
	"context"
	"sync"
)

// Future is the single-shot completion handle of a dispatched call.
// It completes exactly once, either with the call outcome or with
// ErrCancelled.
type Future[R any] struct {
	once   sync.Once
	done   chan struct{}
	result R
	err    error
}

func newFuture[R any]() *Future[R] {
	return &Future[R]{done: make(chan struct{})}
}

// complete resolves the future. Only the first call has any effect.
func (f *Future[R]) complete(result R, err error) bool {
	completed := false
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
		completed = true
	})
	return completed
}

// Done is closed once the future is resolved
func (f *Future[R]) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome. It must only be called after Done is closed.
func (f *Future[R]) Result() (R, error) {
	return f.result, f.err
}

// Wait blocks until the future resolves or ctx is done
func (f *Future[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}
