package cdb

import (
	"strconv"
	"time"
)

// DefaultTTL applies to response slots that carry no TTL of their own
const DefaultTTL = 15 * time.Minute

// MetricRequest is the batch of client-side metrics posted to the backend
type MetricRequest struct {
	Feedbacks      []Feedback `json:"feedbacks"`
	WrapperVersion string     `json:"wrapper_version"`
	ProfileID      int        `json:"profile_id"`
}

// Feedback is the delivered form of one metric record. Elapsed times are in
// milliseconds from the call start and are null when unknown.
type Feedback struct {
	ImpressionIDs     []string `json:"impressionIds"`
	CachedBidUsed     bool     `json:"cachedBidUsed"`
	Elapsed           *int64   `json:"elapsed"`
	CDBCallEndElapsed *int64   `json:"cdbCallEndElapsed"`
	IsTimeout         bool     `json:"isTimeout"`
	RequestGroupID    *string  `json:"requestGroupId"`
}

// Request is a bid request covering one or more slots
type Request struct {
	ID             string        `json:"id"`
	ProfileID      int           `json:"profileId"`
	WrapperVersion string        `json:"sdkVersion"`
	Slots          []RequestSlot `json:"slots"`
}

// RequestSlot is a single requested slot
type RequestSlot struct {
	ImpressionID string   `json:"impId"`
	PlacementID  string   `json:"placementId"`
	Sizes        []string `json:"sizes"`
}

// Response is the backend answer to a Request
type Response struct {
	Slots          []ResponseSlot `json:"slots"`
	TimeToNextCall int            `json:"timeToNextCall,omitempty"`
}

// ResponseSlot is a bid returned for one requested slot
type ResponseSlot struct {
	ImpressionID string `json:"impId"`
	PlacementID  string `json:"placementId"`
	CPM          string `json:"cpm"`
	Currency     string `json:"currency,omitempty"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	DisplayURL   string `json:"displayUrl"`
	TTLSeconds   int    `json:"ttl"`

	// ReceivedAt is stamped by the client when the response is decoded
	ReceivedAt time.Time `json:"-"`
}

// CPMValue parses the CPM. ok is false for a missing or malformed value.
func (s ResponseSlot) CPMValue() (float64, bool) {
	if s.CPM == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s.CPM, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// IsValid reports whether the slot can be cached and later displayed.
// A zero CPM with a zero TTL is a "silent" slot and carries no bid.
func (s ResponseSlot) IsValid() bool {
	cpm, ok := s.CPMValue()
	if !ok || cpm < 0 {
		return false
	}
	if cpm == 0 && s.TTLSeconds == 0 {
		return false
	}
	return s.DisplayURL != ""
}

// TTL returns the slot lifetime
func (s ResponseSlot) TTL() time.Duration {
	if s.TTLSeconds <= 0 {
		return DefaultTTL
	}
	return time.Duration(s.TTLSeconds) * time.Second
}

// IsExpired reports whether the slot is past its TTL at now
func (s ResponseSlot) IsExpired(now time.Time) bool {
	return !now.Before(s.ReceivedAt.Add(s.TTL()))
}
