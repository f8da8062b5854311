package csm

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/StreetsDigital/thenexusengine/bidsdk/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/bidsdk/pkg/logger"
)

// Store is the durable, size-bounded metric store keyed by impression id.
//
// Operations on the same id are serialized by a per-id lock; operations on
// different ids only contend on the short size-accounting lock. Once the
// store holds maxBytes, upserts of new ids are dropped while updates of
// existing ids keep succeeding.
type Store struct {
	backend  recordBackend
	maxBytes int64
	metrics  *metrics.Metrics
	locks    *keyedMutex

	mu       sync.Mutex
	sizes    map[string]int64
	total    int64
	reserved int64 // encoded bytes of new records being written
}

// OpenStore opens the store rooted at dir. An unreadable directory is wiped
// and recreated; if that also fails the store keeps records in memory for
// the rest of the process lifetime.
func OpenStore(dir string, maxBytes int64, m *metrics.Metrics) *Store {
	log := logger.CSM()

	backend, sizes, err := openDirBackend(dir)
	if err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Metric store unreadable, recreating")
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			log.Warn().Err(rmErr).Str("path", dir).Msg("Failed to remove metric store")
		}
		backend, sizes, err = openDirBackend(dir)
	}

	var rb recordBackend = backend
	if err != nil {
		log.Error().Err(err).Str("path", dir).Msg("Metric store falling back to memory")
		rb = newMemBackend()
		sizes = map[string]int64{}
	}

	return newStore(rb, sizes, maxBytes, m)
}

func openDirBackend(dir string) (*dirBackend, map[string]int64, error) {
	backend, err := newDirBackend(dir)
	if err != nil {
		return nil, nil, err
	}
	sizes, err := backend.load()
	if err != nil {
		return nil, nil, err
	}
	return backend, sizes, nil
}

// NewMemoryStore returns a non-durable store
func NewMemoryStore(maxBytes int64, m *metrics.Metrics) *Store {
	return newStore(newMemBackend(), map[string]int64{}, maxBytes, m)
}

func newStore(backend recordBackend, sizes map[string]int64, maxBytes int64, m *metrics.Metrics) *Store {
	s := &Store{
		backend:  backend,
		maxBytes: maxBytes,
		metrics:  m,
		locks:    newKeyedMutex(),
		sizes:    sizes,
	}
	for _, size := range sizes {
		s.total += size
	}
	m.SetStoreBytes(s.total)
	return s
}

// Durable reports whether records are persisted to disk
func (s *Store) Durable() bool {
	return s.backend.durable()
}

// Upsert reads the record for id, or a default empty record when absent or
// unreadable, applies update and persists the result. The impression id of
// the record cannot be changed by update. New ids are silently dropped once
// the store is full.
func (s *Store) Upsert(id string, update func(*Metric)) {
	if id == "" || update == nil {
		return
	}
	log := logger.Metric(id)

	unlock := s.locks.lock(id)
	defer unlock()

	exists := s.contains(id)
	if !exists && s.full() {
		s.metrics.RecordStoreOp("upsert", "dropped")
		log.Debug().Int64("max_bytes", s.maxBytes).Msg("Metric store full, dropping new metric")
		return
	}

	next := s.readLocked(id)
	if !safeUpdate(&next, update) {
		s.metrics.RecordStoreOp("upsert", "error")
		log.Error().Msg("Metric update panicked, record left untouched")
		return
	}
	next.ImpressionID = id

	data, err := encodeMetric(next)
	if err != nil {
		s.metrics.RecordStoreOp("upsert", "error")
		log.Error().Err(err).Msg("Failed to encode metric")
		return
	}
	size := int64(len(data))

	// New records are charged against the limit before the write
	if !exists && !s.reserve(size) {
		s.metrics.RecordStoreOp("upsert", "dropped")
		log.Debug().Int64("max_bytes", s.maxBytes).Msg("Metric store full, dropping new metric")
		return
	}

	if err := s.backend.write(id, data); err != nil {
		if !exists {
			s.unreserve(size)
		}
		s.metrics.RecordStoreOp("upsert", "error")
		log.Warn().Err(err).Msg("Failed to persist metric")
		return
	}

	s.setSize(id, size, !exists)
	s.metrics.RecordStoreOp("upsert", "ok")
}

// Relocate hands the record for id to move. When move returns true the
// record is deleted from the store; when it returns false or panics the
// record is left untouched. Returns whether the record was moved. Relocating
// an unknown id is a no-op.
func (s *Store) Relocate(id string, move func(Metric) bool) bool {
	if id == "" || move == nil {
		return false
	}
	log := logger.Metric(id)

	unlock := s.locks.lock(id)
	defer unlock()

	if !s.contains(id) {
		s.metrics.RecordStoreOp("relocate", "missing")
		return false
	}

	data, err := s.backend.read(id)
	if err != nil && !errors.Is(err, errRecordNotFound) {
		log.Warn().Err(err).Msg("Failed to read metric for relocation")
		s.metrics.RecordStoreOp("relocate", "error")
		return false
	}
	if errors.Is(err, errRecordNotFound) {
		s.forget(id)
		s.metrics.RecordStoreOp("relocate", "missing")
		return false
	}

	record, err := decodeMetric(data)
	if err != nil {
		log.Warn().Err(err).Msg("Dropping corrupted metric")
		if err := s.backend.stage(id); err == nil {
			s.backend.commit(id)
		}
		s.forget(id)
		s.metrics.RecordStoreOp("relocate", "corrupted")
		return false
	}

	// Move the record aside first so a failed delete can never leave it in
	// both the store and the destination.
	if err := s.backend.stage(id); err != nil {
		log.Warn().Err(err).Msg("Failed to stage metric for relocation")
		s.metrics.RecordStoreOp("relocate", "error")
		return false
	}

	if !safeMove(record, move) {
		if err := s.backend.restore(id); err != nil {
			log.Error().Err(err).Msg("Failed to restore metric after rejected relocation")
			s.forget(id)
			s.metrics.RecordStoreOp("relocate", "error")
			return false
		}
		s.metrics.RecordStoreOp("relocate", "kept")
		return false
	}

	if err := s.backend.commit(id); err != nil {
		log.Warn().Err(err).Msg("Failed to remove staged metric")
	}
	s.forget(id)
	s.metrics.RecordStoreOp("relocate", "moved")
	return true
}

// AllRecords returns a snapshot of every stored record. Each record is read
// atomically; the collection as a whole is not.
func (s *Store) AllRecords() []Metric {
	ids := s.ids()
	records := make([]Metric, 0, len(ids))
	for _, id := range ids {
		unlock := s.locks.lock(id)
		if s.contains(id) {
			records = append(records, s.readLocked(id))
		}
		unlock()
	}
	return records
}

// Get returns the record for id
func (s *Store) Get(id string) (Metric, bool) {
	unlock := s.locks.lock(id)
	defer unlock()
	if !s.contains(id) {
		return Metric{}, false
	}
	return s.readLocked(id), true
}

// Contains reports whether a record exists for id
func (s *Store) Contains(id string) bool {
	unlock := s.locks.lock(id)
	defer unlock()
	return s.contains(id)
}

// TotalSizeBytes returns the accounted size of all records
func (s *Store) TotalSizeBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Len returns the number of stored records
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sizes)
}

// readLocked reads and decodes id; unreadable records yield the default record.
// The per-id lock must be held.
func (s *Store) readLocked(id string) Metric {
	log := logger.Metric(id)
	data, err := s.backend.read(id)
	if err != nil {
		if !errors.Is(err, errRecordNotFound) {
			log.Warn().Err(err).Msg("Failed to read metric, using empty record")
		}
		return newMetric(id)
	}
	record, err := decodeMetric(data)
	if err != nil || record.ImpressionID != id {
		log.Warn().Err(err).Msg("Corrupted metric, using empty record")
		return newMetric(id)
	}
	return record
}

// full reports whether new records are currently refused
func (s *Store) full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total+s.reserved >= s.maxBytes
}

// reserve charges size bytes for a new record. It fails once stored and
// reserved bytes together reach the limit, so the total overshoots maxBytes
// by at most one record.
func (s *Store) reserve(size int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.total+s.reserved >= s.maxBytes {
		return false
	}
	s.reserved += size
	return true
}

// unreserve returns the charge of a new record that was never written
func (s *Store) unreserve(size int64) {
	s.mu.Lock()
	s.reserved -= size
	s.mu.Unlock()
}

// setSize records the written size of id, settling its reservation when the
// record is new
func (s *Store) setSize(id string, size int64, reserved bool) {
	s.mu.Lock()
	if reserved {
		s.reserved -= size
	}
	if old, ok := s.sizes[id]; ok {
		s.total -= old
	}
	s.sizes[id] = size
	s.total += size
	total := s.total
	s.mu.Unlock()
	s.metrics.SetStoreBytes(total)
}

func (s *Store) forget(id string) {
	s.mu.Lock()
	if old, ok := s.sizes[id]; ok {
		s.total -= old
		delete(s.sizes, id)
	}
	total := s.total
	s.mu.Unlock()
	s.metrics.SetStoreBytes(total)
}

func (s *Store) contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sizes[id]
	return ok
}

func (s *Store) ids() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sizes))
	for id := range s.sizes {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func safeUpdate(m *Metric, update func(*Metric)) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	update(m)
	return true
}

func safeMove(m Metric, move func(Metric) bool) (moved bool) {
	defer func() {
		if r := recover(); r != nil {
			log := logger.Metric(m.ImpressionID)
			log.Error().
				Str("panic", fmt.Sprint(r)).
				Msg("Metric relocation panicked, rolling back")
			moved = false
		}
	}()
	return move(m)
}
