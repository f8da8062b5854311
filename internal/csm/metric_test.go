package csm

import (
	"errors"
	"testing"
)

func TestStateCanMoveTo(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateCreated, StateCallStarted, true},
		{StateCallStarted, StateCallSucceededWithResult, true},
		{StateCallStarted, StateCallTimedOut, true},
		{StateCreated, StateCallNetworkError, true},
		{StateCallSucceededWithResult, StateReadyToSend, true},
		{StateCreated, StateReadyToSend, true},
		{StateCallSucceededWithResult, StateCallTimedOut, false},
		{StateCallTimedOut, StateCallStarted, false},
		{StateReadyToSend, StateCallStarted, false},
		{StateReadyToSend, StateReadyToSend, true},
		{StateCreated, State(42), false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			if got := tt.from.canMoveTo(tt.to); got != tt.want {
				t.Errorf("canMoveTo = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMetricCallStartedKeepsFirstTimestamp(t *testing.T) {
	m := newMetric("imp1")
	m.markCallStarted("g1", at(100))
	m.markCallStarted("g2", at(200))

	if !m.CallStartedAt.Equal(at(100)) {
		t.Errorf("start time replaced: %v", m.CallStartedAt)
	}
	if m.RequestGroupID != "g1" {
		t.Errorf("group id replaced: %s", m.RequestGroupID)
	}
}

func TestMetricCallFinished(t *testing.T) {
	tests := []struct {
		name       string
		outcome    Outcome
		wantState  State
		wantEnded  bool
		wantCached bool
	}{
		{"no result", OutcomeNoResult, StateReadyToSend, true, false},
		{"invalid result", OutcomeInvalidResult, StateReadyToSend, false, false},
		{"valid result", OutcomeValidResult, StateCallSucceededWithResult, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMetric("imp1")
			m.markCallStarted("", at(100))
			m.markCallFinished(tt.outcome, at(150))

			if m.State != tt.wantState {
				t.Errorf("expected %s, got %s", tt.wantState, m.State)
			}
			if (m.CallEndedAt != nil) != tt.wantEnded {
				t.Errorf("expected ended=%v, got %v", tt.wantEnded, m.CallEndedAt)
			}
			if m.CachedResultUsed != tt.wantCached {
				t.Errorf("expected cached=%v", tt.wantCached)
			}
		})
	}
}

func TestMetricCallFailed(t *testing.T) {
	timedOut := newMetric("imp1")
	timedOut.markCallStarted("", at(100))
	timedOut.markCallFailed(true, at(400))
	if timedOut.CallTimedOutAt == nil || !timedOut.ReadyToSend() {
		t.Errorf("unexpected timed out record: %+v", timedOut)
	}

	networkError := newMetric("imp2")
	networkError.markCallStarted("", at(100))
	networkError.markCallFailed(false, at(400))
	if networkError.CallTimedOutAt != nil || !networkError.ReadyToSend() {
		t.Errorf("unexpected network error record: %+v", networkError)
	}
}

func TestMetricResultConsumed(t *testing.T) {
	consumed := newMetric("imp1")
	consumed.markCallFinished(OutcomeValidResult, at(150))
	consumed.markResultConsumed(false, at(900))
	if consumed.ResultConsumedAt == nil || !consumed.ReadyToSend() {
		t.Errorf("unexpected consumed record: %+v", consumed)
	}

	expired := newMetric("imp2")
	expired.markCallFinished(OutcomeValidResult, at(150))
	expired.markResultConsumed(true, at(900))
	if expired.ResultConsumedAt != nil || !expired.ReadyToSend() {
		t.Errorf("unexpected expired record: %+v", expired)
	}
}

func TestMetricReadyIsTerminal(t *testing.T) {
	m := newMetric("imp1")
	m.markCallFailed(false, at(10))
	m.markCallStarted("", at(20))

	if !m.ReadyToSend() {
		t.Errorf("ready record moved back to %s", m.State)
	}
}

func TestDecodeMetricRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "{{"},
		{"missing id", `{"state":1}`},
		{"unknown state", `{"impressionId":"imp1","state":99}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeMetric([]byte(tt.data)); !errors.Is(err, ErrCorrupted) {
				t.Errorf("expected ErrCorrupted, got %v", err)
			}
		})
	}
}
