package csm

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/StreetsDigital/thenexusengine/bidsdk/internal/config"
	"github.com/StreetsDigital/thenexusengine/bidsdk/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/bidsdk/pkg/logger"
)

const (
	storeDirName  = "metrics"
	queueFileName = "sending.queue"
)

// Service owns the metric pipeline of one process: store, queue, producer,
// sender and tracker, wired explicitly.
type Service struct {
	store    *Store
	queue    *SendingQueue
	producer *Producer
	sender   *BatchSender
	tracker  *Tracker

	enabled  bool
	interval time.Duration

	sending atomic.Bool
	closed  atomic.Bool
	// mu orders wg.Add in TriggerSend against the closing wg.Wait
	mu sync.Mutex
	wg sync.WaitGroup
}

// New builds the pipeline rooted at cfg.StorageDir
func New(cfg *config.Config, client MetricsClient, m *metrics.Metrics) *Service {
	store := OpenStore(filepath.Join(cfg.StorageDir, storeDirName), cfg.StoreMaxBytes, m)
	queue := OpenSendingQueue(filepath.Join(cfg.StorageDir, queueFileName), cfg.QueueMaxBytes, m)
	return newService(cfg, store, queue, client, m)
}

// NewInMemory builds a non-durable pipeline
func NewInMemory(cfg *config.Config, client MetricsClient, m *metrics.Metrics) *Service {
	return newService(cfg, NewMemoryStore(cfg.StoreMaxBytes, m), NewMemorySendingQueue(cfg.QueueMaxBytes, m), client, m)
}

func newService(cfg *config.Config, store *Store, queue *SendingQueue, client MetricsClient, m *metrics.Metrics) *Service {
	producer := NewProducer(queue)
	sender := NewBatchSender(queue, client, SenderConfig{
		BatchSize:      cfg.BatchSize,
		ProfileID:      cfg.ProfileID,
		WrapperVersion: cfg.WrapperVersion,
		Timeout:        cfg.CDBTimeout,
	}, m)

	return &Service{
		store:    store,
		queue:    queue,
		producer: producer,
		sender:   sender,
		tracker:  NewTracker(store, queue, producer, cfg.Enabled, m),
		enabled:  cfg.Enabled,
		interval: cfg.SendInterval,
	}
}

// Tracker returns the lifecycle event entry point
func (s *Service) Tracker() *Tracker {
	return s.tracker
}

// Store returns the metric store
func (s *Service) Store() *Store {
	return s.store
}

// Queue returns the sending queue
func (s *Service) Queue() *SendingQueue {
	return s.queue
}

// Run sends one batch every interval until ctx is done
func (s *Service) Run(ctx context.Context) error {
	if s.closed.Load() {
		return ErrQueueClosed
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sendExclusive(ctx)
		}
	}
}

// TriggerSend starts an asynchronous send unless one is already running.
// It returns whether a send was started.
func (s *Service) TriggerSend() bool {
	if !s.enabled {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() || !s.sending.CompareAndSwap(false, true) {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sending.Store(false)
		s.sender.SendBatch(context.Background())
	}()
	return true
}

// sendExclusive runs a send on the calling goroutine, skipping it while
// another send is in progress
func (s *Service) sendExclusive(ctx context.Context) {
	if !s.enabled {
		return
	}
	if !s.sending.CompareAndSwap(false, true) {
		return
	}
	defer s.sending.Store(false)
	s.sender.SendBatch(ctx)
}

// Status is a point-in-time summary of the pipeline
type Status struct {
	Enabled        bool  `json:"enabled"`
	StoreRecords   int   `json:"store_records"`
	StoreBytes     int64 `json:"store_bytes"`
	StoreDurable   bool  `json:"store_durable"`
	QueueEntries   int   `json:"queue_entries"`
	QueueBytes     int64 `json:"queue_bytes"`
	QueueDurable   bool  `json:"queue_durable"`
	SendInProgress bool  `json:"send_in_progress"`
}

// Status returns the current pipeline summary
func (s *Service) Status() Status {
	return Status{
		Enabled:        s.enabled,
		StoreRecords:   s.store.Len(),
		StoreBytes:     s.store.TotalSizeBytes(),
		StoreDurable:   s.store.Durable(),
		QueueEntries:   s.queue.Len(),
		QueueBytes:     s.queue.TotalSizeBytes(),
		QueueDurable:   s.queue.Durable(),
		SendInProgress: s.sending.Load(),
	}
}

// Close waits for in-flight sends and releases the queue file
func (s *Service) Close() error {
	s.mu.Lock()
	if !s.closed.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.wg.Wait()
	if err := s.queue.Close(); err != nil {
		log := logger.CSM()
		log.Warn().Err(err).Msg("Failed to close sending queue")
		return err
	}
	return nil
}
