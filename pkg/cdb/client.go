// Package cdb provides the client for the bid-serving backend (CDB): bid
// calls and client-side metric delivery
package cdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/StreetsDigital/thenexusengine/bidsdk/pkg/logger"
)

// Maximum response size to prevent OOM from malformed responses
const maxResponseSize = 1024 * 1024

const (
	endpointCSM  = "csm"
	endpointCall = "inapp"

	pathCSM  = "/csm"
	pathCall = "/inapp/v2"
)

// Recorder receives client instrumentation. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordCDBRequest(endpoint, status string, latency time.Duration)
	SetCDBCircuitState(state string)
}

// Config configures a Client
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	RetryMax       int
	RetryWaitMin   time.Duration
	RetryWaitMax   time.Duration
	CircuitBreaker *CircuitBreakerConfig
}

// DefaultConfig returns sensible defaults for baseURL
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		Timeout:        3 * time.Second,
		RetryMax:       1,
		RetryWaitMin:   100 * time.Millisecond,
		RetryWaitMax:   time.Second,
		CircuitBreaker: DefaultCircuitBreakerConfig(),
	}
}

// Client communicates with the CDB
type Client struct {
	baseURL        string
	httpClient     *retryablehttp.Client
	timeout        time.Duration
	circuitBreaker *CircuitBreaker
	recorder       Recorder
	log            zerolog.Logger
}

// NewClient creates a new CDB client
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}

	httpClient := retryablehttp.NewClient()
	httpClient.HTTPClient.Timeout = cfg.Timeout
	httpClient.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		httpClient.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		httpClient.RetryWaitMax = cfg.RetryWaitMax
	}
	// Hand the final response back so status handling stays in one place
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	log := logger.CDB()
	httpClient.Logger = leveledLogger{log: log}

	c := &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:     httpClient,
		timeout:        cfg.Timeout,
		circuitBreaker: NewCircuitBreaker(cfg.CircuitBreaker),
		log:            log,
	}
	c.circuitBreaker.SetOnStateChange(func(from, to CircuitState) {
		c.log.Warn().Str("from", string(from)).Str("to", string(to)).Msg("CDB circuit breaker state changed")
		if c.recorder != nil {
			c.recorder.SetCDBCircuitState(string(to))
		}
	})
	return c
}

// WithMetrics attaches an instrumentation recorder
func (c *Client) WithMetrics(r Recorder) *Client {
	c.recorder = r
	if r != nil {
		r.SetCDBCircuitState(string(c.circuitBreaker.State()))
	}
	return c
}

// PostMetricsBatch delivers a batch of client-side metrics. Any non-2xx
// status is an error.
func (c *Client) PostMetricsBatch(ctx context.Context, batch *MetricRequest) error {
	if batch == nil || len(batch.Feedbacks) == 0 {
		return nil
	}

	start := time.Now()
	err := c.circuitBreaker.Execute(func() error {
		resp, err := c.post(ctx, pathCSM, batch)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("CDB metrics endpoint returned status %d", resp.StatusCode)
		}
		return nil
	})
	c.record(endpointCSM, err, time.Since(start))
	return err
}

// PerformCall sends a bid request and returns the decoded response. Every
// returned slot is stamped with the receive time.
func (c *Client) PerformCall(ctx context.Context, request *Request) (*Response, error) {
	if request == nil {
		return nil, errors.New("nil request")
	}

	var result *Response
	start := time.Now()
	err := c.circuitBreaker.Execute(func() error {
		resp, err := c.post(ctx, pathCall, request)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNoContent {
			result = &Response{}
			return nil
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("CDB returned status %d", resp.StatusCode)
		}

		limitedReader := io.LimitReader(resp.Body, maxResponseSize)
		var response Response
		if err := json.NewDecoder(limitedReader).Decode(&response); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		result = &response
		return nil
	})
	c.record(endpointCall, err, time.Since(start))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for i := range result.Slots {
		result.Slots[i].ReceivedAt = now
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(body); err != nil {
		return nil, fmt.Errorf("failed to write data to gzip writer: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("failed to call CDB: %w", err)
	}
	return resp, nil
}

func (c *Client) record(endpoint string, err error, latency time.Duration) {
	status := "ok"
	switch {
	case errors.Is(err, ErrCircuitOpen):
		status = "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	if err != nil {
		c.log.Debug().Err(err).Str("endpoint", endpoint).Dur("latency", latency).Msg("CDB request failed")
	}
	if c.recorder != nil {
		c.recorder.RecordCDBRequest(endpoint, status, latency)
	}
}

// CircuitBreakerStats returns the current circuit breaker statistics
func (c *Client) CircuitBreakerStats() CircuitBreakerStats {
	return c.circuitBreaker.Stats()
}

// IsCircuitOpen returns true if the circuit breaker is open
func (c *Client) IsCircuitOpen() bool {
	return c.circuitBreaker.IsOpen()
}

// ResetCircuitBreaker resets the circuit breaker to closed state
func (c *Client) ResetCircuitBreaker() {
	c.circuitBreaker.Reset()
}

// leveledLogger routes retryablehttp logs through zerolog
type leveledLogger struct {
	log zerolog.Logger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Error().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warn().Fields(keysAndValues).Msg(msg)
}
