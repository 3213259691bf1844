package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/covergrid/outreachd/internal/models"
	"github.com/covergrid/outreachd/internal/scheduler"
	"github.com/covergrid/outreachd/internal/storage"
)

type ActionHandler struct {
	store   storage.Store
	planner *scheduler.Planner
}

func NewActionHandler(store storage.Store, planner *scheduler.Planner) *ActionHandler {
	return &ActionHandler{store: store, planner: planner}
}

type followUpRequest struct {
	Disposition string `json:"disposition"`
}

func (h *ActionHandler) ScheduleFollowUp(w http.ResponseWriter, r *http.Request) {
	leadID := chi.URLParam(r, "leadID")

	var req followUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	summary, err := h.planner.ScheduleFollowUp(r.Context(), leadID, scheduler.Disposition(req.Disposition))
	if err != nil {
		if errors.Is(err, scheduler.ErrUnknownDisposition) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if errors.Is(err, scheduler.ErrLeadNotFound) {
			writeError(w, r, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, "failed to schedule follow-ups")
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

type campaignRequest struct {
	InterestLevel string `json:"interest_level"`
}

func (h *ActionHandler) ScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	leadID := chi.URLParam(r, "leadID")

	var req campaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	summary, err := h.planner.ScheduleNurtureCampaign(r.Context(), leadID, models.InterestLevel(req.InterestLevel))
	if err != nil {
		if errors.Is(err, scheduler.ErrUnknownInterestLevel) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if errors.Is(err, scheduler.ErrLeadNotFound) {
			writeError(w, r, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, "failed to schedule campaign")
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

type callbackRequest struct {
	At      time.Time `json:"at"`
	Message string    `json:"message,omitempty"`
}

func (h *ActionHandler) ScheduleCallback(w http.ResponseWriter, r *http.Request) {
	leadID := chi.URLParam(r, "leadID")

	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.At.IsZero() {
		writeError(w, r, http.StatusBadRequest, "at is required")
		return
	}

	action, err := h.planner.ScheduleCallback(r.Context(), leadID, req.At, req.Message)
	if err != nil {
		if errors.Is(err, scheduler.ErrCallbackNotFuture) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, "failed to schedule callback")
		return
	}
	writeJSON(w, http.StatusCreated, action)
}

func (h *ActionHandler) CancelPending(w http.ResponseWriter, r *http.Request) {
	leadID := chi.URLParam(r, "leadID")

	cancelled, err := h.planner.CancelPending(r.Context(), leadID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to cancel pending actions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cancelled": cancelled})
}

func (h *ActionHandler) ListByLead(w http.ResponseWriter, r *http.Request) {
	leadID := chi.URLParam(r, "leadID")

	status := models.ActionStatus(r.URL.Query().Get("status"))
	actions, err := h.store.ActionsByLead(r.Context(), leadID, status)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to list actions")
		return
	}
	if actions == nil {
		actions = []models.ScheduledAction{}
	}
	writeJSON(w, http.StatusOK, actions)
}

func (h *ActionHandler) Get(w http.ResponseWriter, r *http.Request) {
	action, err := h.store.GetAction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to get action")
		return
	}
	if action == nil {
		writeError(w, r, http.StatusNotFound, "action not found")
		return
	}
	writeJSON(w, http.StatusOK, action)
}
