package api

import (
	"encoding/json"
	"net/http"

	"github.com/covergrid/outreachd/internal/scheduler"
	"github.com/covergrid/outreachd/internal/webhook"
)

type TriggerHandler struct {
	engine *webhook.Engine
	poller *scheduler.Poller
}

func NewTriggerHandler(engine *webhook.Engine, poller *scheduler.Poller) *TriggerHandler {
	return &TriggerHandler{engine: engine, poller: poller}
}

// ProcessActions runs one poll cycle over due actions. It backs the cron
// endpoint; the internal runner calls the poller directly.
func (h *TriggerHandler) ProcessActions(w http.ResponseWriter, r *http.Request) {
	result, err := h.poller.ProcessDue(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to process due actions")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type triggerEventRequest struct {
	PartnerID  string          `json:"partner_id"`
	EventType  string          `json:"event_type"`
	Data       json.RawMessage `json:"data"`
	LocationID string          `json:"location_id,omitempty"`
}

// TriggerEvent fans an event out to every matching subscription and reports
// the per-endpoint outcome counts.
func (h *TriggerHandler) TriggerEvent(w http.ResponseWriter, r *http.Request) {
	var req triggerEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PartnerID == "" {
		writeError(w, r, http.StatusBadRequest, "partner_id is required")
		return
	}
	if !validEventType(req.EventType) {
		writeError(w, r, http.StatusBadRequest, "unknown event type: "+req.EventType)
		return
	}
	if len(req.Data) == 0 {
		req.Data = json.RawMessage("{}")
	}

	result, err := h.engine.Trigger(r.Context(), req.PartnerID, req.EventType, req.Data, req.LocationID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to trigger event")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
