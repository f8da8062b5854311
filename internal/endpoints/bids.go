package endpoints

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/StreetsDigital/thenexusengine/bidsdk/internal/bidding"
	"github.com/StreetsDigital/thenexusengine/bidsdk/internal/dedup"
	"github.com/StreetsDigital/thenexusengine/bidsdk/pkg/cdb"
)

// Bids is the part of *bidding.Prefetcher the bid endpoints need
type Bids interface {
	Prefetch(units []bidding.AdUnit) *dedup.Future[*cdb.Response]
	Consume(unit bidding.AdUnit) (cdb.ResponseSlot, bool)
}

// AdUnitJSON is the wire form of an ad unit
type AdUnitJSON struct {
	PlacementID string `json:"placement_id"`
	Size        string `json:"size"`
}

// PrefetchRequest is the body of /prefetch
type PrefetchRequest struct {
	Units []AdUnitJSON `json:"units"`
}

// PrefetchHandler handles /prefetch requests. The call runs in the
// background; the response only says whether a new call was dispatched.
type PrefetchHandler struct {
	bids Bids
}

// NewPrefetchHandler creates a new prefetch handler
func NewPrefetchHandler(bids Bids) *PrefetchHandler {
	return &PrefetchHandler{bids: bids}
}

// ServeHTTP handles prefetch requests
func (h *PrefetchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var req PrefetchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Units) == 0 {
		writeError(w, "units: at least one unit is required", http.StatusBadRequest)
		return
	}

	units := make([]bidding.AdUnit, 0, len(req.Units))
	for _, u := range req.Units {
		if u.PlacementID == "" || u.Size == "" {
			writeError(w, "units: placement_id and size are required", http.StatusBadRequest)
			return
		}
		units = append(units, bidding.AdUnit{PlacementID: u.PlacementID, Size: u.Size})
	}

	dispatched := h.bids.Prefetch(units) != nil
	writeJSON(w, http.StatusAccepted, map[string]bool{"dispatched": dispatched})
}

// ConsumeHandler handles /consume requests, handing out a cached bid
type ConsumeHandler struct {
	bids Bids
}

// NewConsumeHandler creates a new consume handler
func NewConsumeHandler(bids Bids) *ConsumeHandler {
	return &ConsumeHandler{bids: bids}
}

// ServeHTTP handles consume requests
func (h *ConsumeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	unit := bidding.AdUnit{PlacementID: chi.URLParam(r, "placement"), Size: chi.URLParam(r, "size")}

	slot, ok := h.bids.Consume(unit)
	if !ok {
		writeError(w, "no bid available", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, slot)
}
