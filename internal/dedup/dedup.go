// Package dedup ensures at most one in-flight backend call per request key.
// Callers asking for keys that are already being fetched are merged into the
// running call instead of dispatching a new one.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/StreetsDigital/thenexusengine/bidsdk/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/bidsdk/pkg/logger"
)

// ErrCancelled resolves the future of a call dropped by CancelAll
var ErrCancelled = errors.New("dedup: call cancelled")

// Task performs the backend call for keys. ctx is cancelled by CancelAll.
type Task[K comparable, R any] func(ctx context.Context, keys []K) (R, error)

// Callbacks observe one dispatched call. Every field is optional.
type Callbacks[K comparable, R any] struct {
	// OnRequest runs on the issuing goroutine before the task is dispatched
	OnRequest func(keys []K)
	// OnSuccess runs after the keys have been released
	OnSuccess func(keys []K, result R)
	// OnFailure runs after the keys have been released
	OnFailure func(keys []K, err error)
}

type call[K comparable, R any] struct {
	keys      []K
	future    *Future[R]
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled bool
}

// Deduplicator maps request keys to in-flight calls. The pending map is the
// single source of truth and is only touched under mu, together with the
// decision to dispatch.
type Deduplicator[K comparable, R any] struct {
	mu      sync.Mutex
	pending map[K]*call[K, R]
	calls   map[*call[K, R]]struct{}
	wg      sync.WaitGroup
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New creates an empty deduplicator
func New[K comparable, R any](m *metrics.Metrics) *Deduplicator[K, R] {
	return &Deduplicator[K, R]{
		pending: make(map[K]*call[K, R]),
		calls:   make(map[*call[K, R]]struct{}),
		metrics: m,
		log:     logger.Dedup(),
	}
}

// Issue dispatches task for the requested keys that are not already pending.
// It returns nil without any effect when every key is pending. Otherwise it
// returns the future of the new call, which covers exactly the new keys.
//
// On completion the keys are released before OnSuccess or OnFailure runs,
// so a callback issuing the same keys again dispatches a fresh call.
func (d *Deduplicator[K, R]) Issue(keys []K, task Task[K, R], cb Callbacks[K, R]) *Future[R] {
	if task == nil {
		return nil
	}

	d.mu.Lock()
	newKeys := make([]K, 0, len(keys))
	seen := make(map[K]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if _, busy := d.pending[k]; !busy {
			newKeys = append(newKeys, k)
		}
	}
	merged := len(seen) - len(newKeys)

	if len(newKeys) == 0 {
		d.mu.Unlock()
		d.metrics.RecordDedupDispatch(false, merged)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &call[K, R]{
		keys:   newKeys,
		future: newFuture[R](),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, k := range newKeys {
		d.pending[k] = c
	}
	d.calls[c] = struct{}{}
	pending := len(d.pending)
	d.wg.Add(1)
	d.mu.Unlock()

	d.metrics.RecordDedupDispatch(true, merged)
	d.metrics.SetDedupPending(pending)
	d.log.Debug().Int("keys", len(newKeys)).Int("merged", merged).Msg("Dispatching call")

	if cb.OnRequest != nil {
		d.safeCallback("on_request", func() { cb.OnRequest(newKeys) })
	}

	go d.run(c, task, cb)
	return c.future
}

func (d *Deduplicator[K, R]) run(c *call[K, R], task Task[K, R], cb Callbacks[K, R]) {
	defer d.wg.Done()
	defer c.cancel()

	result, err := d.execute(c, task)

	d.mu.Lock()
	if c.cancelled {
		d.mu.Unlock()
		return
	}
	for _, k := range c.keys {
		if d.pending[k] == c {
			delete(d.pending, k)
		}
	}
	delete(d.calls, c)
	pending := len(d.pending)
	d.mu.Unlock()

	d.metrics.SetDedupPending(pending)

	if err != nil {
		if cb.OnFailure != nil {
			d.safeCallback("on_failure", func() { cb.OnFailure(c.keys, err) })
		}
	} else if cb.OnSuccess != nil {
		d.safeCallback("on_success", func() { cb.OnSuccess(c.keys, result) })
	}
	c.future.complete(result, err)
}

func (d *Deduplicator[K, R]) execute(c *call[K, R], task Task[K, R]) (result R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dedup: task panicked: %v", r)
		}
	}()
	return task(c.ctx, c.keys)
}

func (d *Deduplicator[K, R]) safeCallback(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("callback", name).Str("panic", fmt.Sprint(r)).Msg("Callback panicked")
		}
	}()
	fn()
}

// CancelAll cancels every pending call and clears the pending map. Cancelled
// calls never run their callbacks; their futures resolve with ErrCancelled.
func (d *Deduplicator[K, R]) CancelAll() int {
	d.mu.Lock()
	cancelled := make([]*call[K, R], 0, len(d.calls))
	for c := range d.calls {
		c.cancelled = true
		c.cancel()
		cancelled = append(cancelled, c)
	}
	d.calls = make(map[*call[K, R]]struct{})
	d.pending = make(map[K]*call[K, R])
	d.mu.Unlock()

	var zero R
	for _, c := range cancelled {
		c.future.complete(zero, ErrCancelled)
	}

	if len(cancelled) > 0 {
		d.metrics.RecordDedupCancelled(len(cancelled))
		d.log.Debug().Int("calls", len(cancelled)).Msg("Cancelled pending calls")
	}
	d.metrics.SetDedupPending(0)
	return len(cancelled)
}

// IsPending reports whether key is covered by an in-flight call
func (d *Deduplicator[K, R]) IsPending(key K) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// PendingCount returns the number of pending keys
func (d *Deduplicator[K, R]) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Wait blocks until every dispatched task has returned
func (d *Deduplicator[K, R]) Wait() {
	d.wg.Wait()
}
