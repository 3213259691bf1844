package api

import (
	"net/http"
	"time"

	"github.com/covergrid/outreachd/internal/models"
	"github.com/covergrid/outreachd/internal/storage"
)

type StatsHandler struct {
	store storage.Store
}

func NewStatsHandler(store storage.Store) *StatsHandler {
	return &StatsHandler{store: store}
}

func (h *StatsHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

type statsResponse struct {
	Actions    *models.ActionStats   `json:"actions"`
	Deliveries *models.DeliveryStats `json:"deliveries"`
}

func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	actions, err := h.store.ActionStats(r.Context(), time.Now().UTC())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to load action stats")
		return
	}
	deliveries, err := h.store.DeliveryStats(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to load delivery stats")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Actions: actions, Deliveries: deliveries})
}
