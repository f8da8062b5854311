// Package bidding issues deduplicated bid calls and reports their lifecycle
// to the client-side metrics tracker
package bidding

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/StreetsDigital/thenexusengine/bidsdk/internal/csm"
	"github.com/StreetsDigital/thenexusengine/bidsdk/internal/dedup"
	"github.com/StreetsDigital/thenexusengine/bidsdk/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/bidsdk/pkg/cdb"
	"github.com/StreetsDigital/thenexusengine/bidsdk/pkg/logger"
)

// AdUnit identifies a slot the host wants bids for
type AdUnit struct {
	PlacementID string
	Size        string // e.g. "320x50"
}

// CallClient performs bid calls. *cdb.Client satisfies it.
type CallClient interface {
	PerformCall(ctx context.Context, request *cdb.Request) (*cdb.Response, error)
}

// Config configures a Prefetcher
type Config struct {
	ProfileID      int
	WrapperVersion string
	Timeout        time.Duration
}

type cachedBid struct {
	slot         cdb.ResponseSlot
	impressionID string
}

// Prefetcher fetches bids ahead of display and caches the valid ones
type Prefetcher struct {
	client  CallClient
	tracker *csm.Tracker
	calls   *dedup.Deduplicator[AdUnit, *cdb.Response]
	config  Config
	log     zerolog.Logger

	mu    sync.Mutex
	cache map[AdUnit]cachedBid

	now func() time.Time
}

// NewPrefetcher creates a prefetcher reporting to tracker
func NewPrefetcher(client CallClient, tracker *csm.Tracker, cfg Config, m *metrics.Metrics) *Prefetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Prefetcher{
		client:  client,
		tracker: tracker,
		calls:   dedup.New[AdUnit, *cdb.Response](m),
		config:  cfg,
		log:     logger.Log.With().Str("component", "bidding").Logger(),
		cache:   make(map[AdUnit]cachedBid),
		now:     time.Now,
	}
}

// Prefetch requests bids for every unit not already being fetched. It
// returns nil when all units are in flight.
func (p *Prefetcher) Prefetch(units []AdUnit) *dedup.Future[*cdb.Response] {
	var (
		groupID       string
		impressionIDs = make(map[AdUnit]string, len(units))
	)

	idsFor := func(keys []AdUnit) []string {
		ids := make([]string, len(keys))
		for i, k := range keys {
			ids[i] = impressionIDs[k]
		}
		return ids
	}

	task := func(ctx context.Context, keys []AdUnit) (*cdb.Response, error) {
		ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()

		req := &cdb.Request{
			ID:             groupID,
			ProfileID:      p.config.ProfileID,
			WrapperVersion: p.config.WrapperVersion,
			Slots:          make([]cdb.RequestSlot, 0, len(keys)),
		}
		for _, k := range keys {
			req.Slots = append(req.Slots, cdb.RequestSlot{
				ImpressionID: impressionIDs[k],
				PlacementID:  k.PlacementID,
				Sizes:        []string{k.Size},
			})
		}
		return p.client.PerformCall(ctx, req)
	}

	return p.calls.Issue(units, task, dedup.Callbacks[AdUnit, *cdb.Response]{
		OnRequest: func(keys []AdUnit) {
			groupID = uuid.NewString()
			for _, k := range keys {
				impressionIDs[k] = uuid.NewString()
			}
			p.tracker.OnCallStarted(idsFor(keys), groupID, p.now())
		},
		OnSuccess: func(keys []AdUnit, resp *cdb.Response) {
			p.handleResponse(keys, impressionIDs, resp)
		},
		OnFailure: func(keys []AdUnit, err error) {
			timeout := isTimeout(err)
			p.log.Debug().Err(err).Bool("timeout", timeout).Int("units", len(keys)).Msg("Bid call failed")
			p.tracker.OnCallFailed(idsFor(keys), timeout, p.now())
		},
	})
}

func (p *Prefetcher) handleResponse(keys []AdUnit, impressionIDs map[AdUnit]string, resp *cdb.Response) {
	byImpression := make(map[string]cdb.ResponseSlot)
	if resp != nil {
		for _, slot := range resp.Slots {
			byImpression[slot.ImpressionID] = slot
		}
	}

	now := p.now()
	ids := make([]string, 0, len(keys))
	outcomes := make(map[string]csm.Outcome, len(keys))
	var replaced []string

	p.mu.Lock()
	for _, k := range keys {
		id := impressionIDs[k]
		ids = append(ids, id)

		slot, ok := byImpression[id]
		switch {
		case !ok:
			outcomes[id] = csm.OutcomeNoResult
		case !slot.IsValid():
			outcomes[id] = csm.OutcomeInvalidResult
		default:
			outcomes[id] = csm.OutcomeValidResult
			if old, exists := p.cache[k]; exists {
				replaced = append(replaced, old.impressionID)
			}
			p.cache[k] = cachedBid{slot: slot, impressionID: id}
		}
	}
	p.mu.Unlock()

	p.tracker.OnCallFinished(ids, outcomes, now)

	// A bid pushed out of the cache will never be displayed
	for _, id := range replaced {
		p.tracker.OnResultConsumed(id, true, now)
	}
}

// Consume takes the cached bid for unit. An expired bid is dropped and
// reported as such; ok is false when no usable bid exists.
func (p *Prefetcher) Consume(unit AdUnit) (cdb.ResponseSlot, bool) {
	p.mu.Lock()
	bid, ok := p.cache[unit]
	if ok {
		delete(p.cache, unit)
	}
	p.mu.Unlock()

	if !ok {
		return cdb.ResponseSlot{}, false
	}

	now := p.now()
	expired := bid.slot.IsExpired(now)
	p.tracker.OnResultConsumed(bid.impressionID, expired, now)
	if expired {
		return cdb.ResponseSlot{}, false
	}
	return bid.slot, true
}

// Cached reports whether a bid is cached for unit
func (p *Prefetcher) Cached(unit AdUnit) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.cache[unit]
	return ok
}

// CancelAll abandons every in-flight call
func (p *Prefetcher) CancelAll() int {
	return p.calls.CancelAll()
}

// Wait blocks until every dispatched call has returned
func (p *Prefetcher) Wait() {
	p.calls.Wait()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
