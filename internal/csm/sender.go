package csm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/StreetsDigital/thenexusengine/bidsdk/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/bidsdk/pkg/cdb"
	"github.com/StreetsDigital/thenexusengine/bidsdk/pkg/logger"
)

// MetricsClient delivers metric batches to the backend. *cdb.Client satisfies it.
type MetricsClient interface {
	PostMetricsBatch(ctx context.Context, batch *cdb.MetricRequest) error
}

// SenderConfig configures a BatchSender
type SenderConfig struct {
	BatchSize      int
	ProfileID      int
	WrapperVersion string
	Timeout        time.Duration
}

// BatchSender drains the sending queue in bounded batches
type BatchSender struct {
	queue   *SendingQueue
	client  MetricsClient
	config  SenderConfig
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewBatchSender creates a sender polling queue and posting through client
func NewBatchSender(queue *SendingQueue, client MetricsClient, cfg SenderConfig, m *metrics.Metrics) *BatchSender {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 8
	}
	return &BatchSender{
		queue:   queue,
		client:  client,
		config:  cfg,
		metrics: m,
		log:     logger.CSM(),
	}
}

// SendBatch polls one batch and posts it. On any failure the polled entries
// are offered back to the queue in their original order, so a failed batch
// may be delivered twice but is never lost. Errors are logged, never returned.
func (s *BatchSender) SendBatch(ctx context.Context) {
	entries := s.queue.Poll(s.config.BatchSize)
	if len(entries) == 0 {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	err := s.post(ctx, s.buildRequest(entries))
	if err == nil {
		s.metrics.RecordBatch(len(entries), true)
		s.log.Debug().Int("batch_size", len(entries)).Msg("Sent metrics batch")
		return
	}

	s.metrics.RecordBatch(len(entries), false)
	s.log.Warn().Err(err).Int("batch_size", len(entries)).Msg("Failed to send metrics batch, re-queueing")
	for _, m := range entries {
		if !s.queue.Offer(m) {
			log := logger.Metric(m.ImpressionID)
			log.Error().Msg("Failed to re-queue metric after send failure")
		}
	}
}

func (s *BatchSender) post(ctx context.Context, req *cdb.MetricRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("metrics client panicked: %v", r)
		}
	}()
	return s.client.PostMetricsBatch(ctx, req)
}

func (s *BatchSender) buildRequest(entries []Metric) *cdb.MetricRequest {
	req := &cdb.MetricRequest{
		Feedbacks:      make([]cdb.Feedback, 0, len(entries)),
		WrapperVersion: s.config.WrapperVersion,
		ProfileID:      s.config.ProfileID,
	}
	for _, m := range entries {
		req.Feedbacks = append(req.Feedbacks, toFeedback(m))
	}
	return req
}

func toFeedback(m Metric) cdb.Feedback {
	fb := cdb.Feedback{
		ImpressionIDs:     []string{m.ImpressionID},
		CachedBidUsed:     m.CachedResultUsed,
		Elapsed:           elapsedMillis(m.CallStartedAt, m.ResultConsumedAt),
		CDBCallEndElapsed: elapsedMillis(m.CallStartedAt, m.CallEndedAt),
		IsTimeout:         m.CallTimedOutAt != nil,
	}
	if m.RequestGroupID != "" {
		id := m.RequestGroupID
		fb.RequestGroupID = &id
	}
	return fb
}

func elapsedMillis(from, to *time.Time) *int64 {
	if from == nil || to == nil {
		return nil
	}
	ms := to.Sub(*from).Milliseconds()
	return &ms
}
