// Package csm implements the client-side metrics pipeline: a durable per-impression
// metric store, the lifecycle state machine feeding it, a bounded durable sending
// queue, and the batch sender that delivers queued metrics to the backend.
package csm

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// State is the lifecycle state of a metric record
type State int

const (
	// StateCreated is the default state of a record that has seen no call yet
	StateCreated State = iota
	// StateCallStarted means the backend call covering the impression is in flight
	StateCallStarted
	// StateCallSucceededNoResult means the call returned no result for the impression
	StateCallSucceededNoResult
	// StateCallSucceededWithResult means a valid result is cached, awaiting consumption
	StateCallSucceededWithResult
	// StateCallTimedOut means the call timed out
	StateCallTimedOut
	// StateCallNetworkError means the call failed for a reason other than a timeout
	StateCallNetworkError
	// StateReadyToSend means data collection is over and the record may be queued
	StateReadyToSend
)

var stateNames = map[State]string{
	StateCreated:                 "created",
	StateCallStarted:             "call_started",
	StateCallSucceededNoResult:   "call_succeeded_no_result",
	StateCallSucceededWithResult: "call_succeeded_with_result",
	StateCallTimedOut:            "call_timed_out",
	StateCallNetworkError:        "call_network_error",
	StateReadyToSend:             "ready_to_send",
}

// String returns the state name
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// rank orders states along the lifecycle. Call outcomes share a rank so a
// record cannot move from one outcome to another.
func (s State) rank() int {
	switch s {
	case StateCreated:
		return 0
	case StateCallStarted:
		return 1
	case StateCallSucceededNoResult, StateCallSucceededWithResult, StateCallTimedOut, StateCallNetworkError:
		return 2
	case StateReadyToSend:
		return 3
	default:
		return -1
	}
}

// canMoveTo reports whether the lifecycle allows s -> to.
// READY_TO_SEND is reachable from anywhere and is terminal.
func (s State) canMoveTo(to State) bool {
	if to == StateReadyToSend {
		return true
	}
	if to.rank() < 0 || s == StateReadyToSend {
		return false
	}
	return to.rank() > s.rank()
}

// Outcome is the per-impression result of a finished backend call
type Outcome int

const (
	// OutcomeNoResult means the backend returned nothing for the impression
	OutcomeNoResult Outcome = iota
	// OutcomeInvalidResult means the backend returned an unusable result
	OutcomeInvalidResult
	// OutcomeValidResult means the result was cached for later consumption
	OutcomeValidResult
)

// Metric is the record tracked for one outbound call attempt of one impression.
// Readiness is carried by State rather than a separate flag.
type Metric struct {
	ImpressionID     string     `json:"impressionId"`
	State            State      `json:"state"`
	CallStartedAt    *time.Time `json:"cdbCallStartTimestamp,omitempty"`
	CallEndedAt      *time.Time `json:"cdbCallEndTimestamp,omitempty"`
	CallTimedOutAt   *time.Time `json:"cdbCallTimeoutTimestamp,omitempty"`
	CachedResultUsed bool       `json:"cachedBidUsed,omitempty"`
	ResultConsumedAt *time.Time `json:"elapsedTimestamp,omitempty"`
	RequestGroupID   string     `json:"requestGroupId,omitempty"`
}

// newMetric returns the default empty record for an impression
func newMetric(impressionID string) Metric {
	return Metric{ImpressionID: impressionID, State: StateCreated}
}

// ReadyToSend reports whether the record may be relocated to the sending queue
func (m Metric) ReadyToSend() bool {
	return m.State == StateReadyToSend
}

// moveTo advances the state when the lifecycle allows it
func (m *Metric) moveTo(to State) bool {
	if !m.State.canMoveTo(to) {
		return false
	}
	m.State = to
	return true
}

// markCallStarted records the call start. A start timestamp is never replaced.
func (m *Metric) markCallStarted(requestGroupID string, now time.Time) {
	if m.CallStartedAt == nil {
		m.CallStartedAt = timePtr(now)
	}
	if m.RequestGroupID == "" && requestGroupID != "" {
		m.RequestGroupID = requestGroupID
	}
	m.moveTo(StateCallStarted)
}

// markCallFinished applies a successful call outcome
func (m *Metric) markCallFinished(outcome Outcome, now time.Time) {
	switch outcome {
	case OutcomeValidResult:
		setOnce(&m.CallEndedAt, now)
		m.CachedResultUsed = true
		m.moveTo(StateCallSucceededWithResult)
	case OutcomeInvalidResult:
		m.moveTo(StateReadyToSend)
	default:
		setOnce(&m.CallEndedAt, now)
		m.moveTo(StateCallSucceededNoResult)
		m.moveTo(StateReadyToSend)
	}
}

// markCallFailed applies a failed call
func (m *Metric) markCallFailed(isTimeout bool, now time.Time) {
	if isTimeout {
		setOnce(&m.CallTimedOutAt, now)
		m.moveTo(StateCallTimedOut)
	} else {
		m.moveTo(StateCallNetworkError)
	}
	m.moveTo(StateReadyToSend)
}

// markResultConsumed applies the consumption (or expiry) of a cached result
func (m *Metric) markResultConsumed(isExpired bool, now time.Time) {
	if !isExpired {
		setOnce(&m.ResultConsumedAt, now)
	}
	m.moveTo(StateReadyToSend)
}

func encodeMetric(m Metric) ([]byte, error) {
	return json.Marshal(m)
}

func decodeMetric(data []byte) (Metric, error) {
	var m Metric
	if err := json.Unmarshal(data, &m); err != nil {
		return Metric{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if m.ImpressionID == "" {
		return Metric{}, fmt.Errorf("%w: missing impression id", ErrCorrupted)
	}
	if m.State.rank() < 0 {
		return Metric{}, fmt.Errorf("%w: unknown state %d", ErrCorrupted, int(m.State))
	}
	return m, nil
}

func setOnce(field **time.Time, now time.Time) {
	if *field == nil {
		*field = timePtr(now)
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
