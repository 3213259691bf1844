package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/covergrid/outreachd/internal/models"
	"github.com/covergrid/outreachd/internal/storage"
)

// ValidEventTypes is the closed set of domain events partners may subscribe to.
var ValidEventTypes = []string{
	"policy.created",
	"policy.updated",
	"policy.cancelled",
	"commission.earned",
	"commission.paid",
	"claim.filed",
	"claim.updated",
}

func validEventType(event string) bool {
	for _, e := range ValidEventTypes {
		if e == event {
			return true
		}
	}
	return false
}

var blockedHosts = map[string]bool{
	"localhost": true,
	"0.0.0.0":   true,
	"::1":       true,
}

// validateWebhookURL rejects targets that would let a partner point us at
// internal infrastructure.
func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errInvalidURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errInvalidURL
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || blockedHosts[host] {
		return errInvalidURL
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return errInvalidURL
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return errInvalidURL
		}
	}
	return nil
}

var errInvalidURL = errors.New("url must be a public http(s) endpoint")

type SubscriptionHandler struct {
	store storage.Store
}

func NewSubscriptionHandler(store storage.Store) *SubscriptionHandler {
	return &SubscriptionHandler{store: store}
}

// subscriptionView is the API shape of a subscription. The secret is shown
// exactly once, in the create response; afterwards only its presence.
type subscriptionView struct {
	ID              string            `json:"id"`
	PartnerID       string            `json:"partner_id"`
	LocationID      string            `json:"location_id,omitempty"`
	URL             string            `json:"url"`
	HasSecret       bool              `json:"has_secret"`
	Events          []string          `json:"events"`
	Headers         map[string]string `json:"headers,omitempty"`
	IsActive        bool              `json:"is_active"`
	FailureCount    int               `json:"failure_count"`
	Suppressed      bool              `json:"suppressed"`
	LastTriggeredAt *time.Time        `json:"last_triggered_at,omitempty"`
	LastSuccessAt   *time.Time        `json:"last_success_at,omitempty"`
	LastFailureAt   *time.Time        `json:"last_failure_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func viewSubscription(sub *models.WebhookSubscription) subscriptionView {
	var headers map[string]string
	if sub.Headers != "" {
		// Malformed stored headers are simply omitted from the view.
		_ = json.Unmarshal([]byte(sub.Headers), &headers)
	}
	return subscriptionView{
		ID:              sub.ID,
		PartnerID:       sub.PartnerID,
		LocationID:      sub.LocationID,
		URL:             sub.URL,
		HasSecret:       sub.Secret != "",
		Events:          sub.Events,
		Headers:         headers,
		IsActive:        sub.IsActive,
		FailureCount:    sub.FailureCount,
		Suppressed:      sub.Suppressed(),
		LastTriggeredAt: sub.LastTriggeredAt,
		LastSuccessAt:   sub.LastSuccessAt,
		LastFailureAt:   sub.LastFailureAt,
		CreatedAt:       sub.CreatedAt,
		UpdatedAt:       sub.UpdatedAt,
	}
}

type createSubscriptionRequest struct {
	URL        string            `json:"url"`
	Events     []string          `json:"events"`
	Headers    map[string]string `json:"headers,omitempty"`
	LocationID string            `json:"location_id,omitempty"`
}

func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	partnerID := chi.URLParam(r, "partnerID")

	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateWebhookURL(req.URL); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Events) == 0 {
		writeError(w, r, http.StatusBadRequest, "at least one event type is required")
		return
	}
	for _, e := range req.Events {
		if !validEventType(e) {
			writeError(w, r, http.StatusBadRequest, "unknown event type: "+e)
			return
		}
	}

	headers := ""
	if len(req.Headers) > 0 {
		b, _ := json.Marshal(req.Headers)
		headers = string(b)
	}

	now := time.Now().UTC()
	sub := &models.WebhookSubscription{
		ID:         models.NewID("sub"),
		PartnerID:  partnerID,
		LocationID: req.LocationID,
		URL:        req.URL,
		Secret:     models.NewSecret(),
		Events:     req.Events,
		Headers:    headers,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := h.store.CreateSubscription(r.Context(), sub); err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to create subscription")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"subscription": viewSubscription(sub),
		// Shown once; store it now.
		"secret": sub.Secret,
	})
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	partnerID := chi.URLParam(r, "partnerID")

	subs, err := h.store.ListSubscriptions(r.Context(), partnerID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}

	views := make([]subscriptionView, 0, len(subs))
	for i := range subs {
		views = append(views, viewSubscription(&subs[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sub, err := h.store.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	if sub == nil {
		writeError(w, r, http.StatusNotFound, "subscription not found")
		return
	}
	writeJSON(w, http.StatusOK, viewSubscription(sub))
}

type updateSubscriptionRequest struct {
	URL              *string            `json:"url,omitempty"`
	Events           *[]string          `json:"events,omitempty"`
	Headers          *map[string]string `json:"headers,omitempty"`
	LocationID       *string            `json:"location_id,omitempty"`
	IsActive         *bool              `json:"is_active,omitempty"`
	RegenerateSecret bool               `json:"regenerate_secret,omitempty"`
}

func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	sub, err := h.store.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	if sub == nil {
		writeError(w, r, http.StatusNotFound, "subscription not found")
		return
	}

	var req updateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.URL != nil {
		if err := validateWebhookURL(*req.URL); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		sub.URL = *req.URL
	}
	if req.Events != nil {
		if len(*req.Events) == 0 {
			writeError(w, r, http.StatusBadRequest, "at least one event type is required")
			return
		}
		for _, e := range *req.Events {
			if !validEventType(e) {
				writeError(w, r, http.StatusBadRequest, "unknown event type: "+e)
				return
			}
		}
		sub.Events = *req.Events
	}
	if req.Headers != nil {
		if len(*req.Headers) == 0 {
			sub.Headers = ""
		} else {
			b, _ := json.Marshal(*req.Headers)
			sub.Headers = string(b)
		}
	}
	if req.LocationID != nil {
		sub.LocationID = *req.LocationID
	}
	if req.IsActive != nil {
		sub.IsActive = *req.IsActive
	}

	newSecret := ""
	if req.RegenerateSecret {
		newSecret = models.NewSecret()
		sub.Secret = newSecret
	}

	if err := h.store.UpdateSubscription(r.Context(), sub); err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to update subscription")
		return
	}

	resp := map[string]interface{}{"subscription": viewSubscription(sub)}
	if newSecret != "" {
		resp["secret"] = newSecret
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := h.store.GetSubscription(r.Context(), id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	if sub == nil {
		writeError(w, r, http.StatusNotFound, "subscription not found")
		return
	}

	if err := h.store.DeleteSubscription(r.Context(), id); err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (h *SubscriptionHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := h.store.DeliveryLogsBySubscription(r.Context(), id, limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	if entries == nil {
		entries = []models.WebhookDeliveryLog{}
	}
	writeJSON(w, http.StatusOK, entries)
}
