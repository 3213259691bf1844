package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covergrid/outreachd/internal/config"
	"github.com/covergrid/outreachd/internal/models"
	"github.com/covergrid/outreachd/internal/scheduler"
	"github.com/covergrid/outreachd/internal/storage"
	"github.com/covergrid/outreachd/internal/webhook"
)

const (
	testAdminToken = "test-admin-token"
	testCronSecret = "test-cron-secret"
)

type apiFixture struct {
	handler http.Handler
	store   storage.Store
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	log := zerolog.Nop()
	gateways := map[models.ActionType]scheduler.Gateway{
		models.ActionCall: scheduler.GatewayFunc(func(ctx context.Context, contact, message string) error {
			return nil
		}),
	}
	dispatcher := scheduler.NewDispatcher(store, gateways, log)
	policy := scheduler.NewRetryPolicy(time.Minute, time.Hour)
	poller := scheduler.NewPoller(store, dispatcher, policy, 50, log)
	planner := scheduler.NewPlanner(store, log)

	sender := webhook.NewSender(5*time.Second, log)
	recorder := webhook.NewRecorder(store, log)
	engine := webhook.NewEngine(store, sender, recorder, log)

	cfg := config.ServerConfig{
		AdminToken: testAdminToken,
		CronSecret: testCronSecret,
	}
	server := NewServer(cfg, store, poller, planner, engine, log)

	return &apiFixture{handler: server.Handler(), store: store}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestHealthNoAuth(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/stats", "wrong-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/stats", testAdminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCronRouteUsesSeparateSecret(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/cron/process-actions", testAdminToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/cron/process-actions", testCronSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result scheduler.Result
	decodeBody(t, rec, &result)
	assert.Equal(t, 0, result.Processed)
}

func TestSubscriptionLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/partners/partner-1/webhooks", testAdminToken, map[string]interface{}{
		"url":    "https://partner.example.com/hooks",
		"events": []string{"policy.created", "commission.paid"},
		"headers": map[string]string{
			"X-Api-Key": "abc",
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Subscription subscriptionView `json:"subscription"`
		Secret       string           `json:"secret"`
	}
	decodeBody(t, rec, &created)
	assert.NotEmpty(t, created.Subscription.ID)
	assert.True(t, created.Subscription.HasSecret)
	assert.Contains(t, created.Secret, "whsec_")

	// Secret shows up only in the create response.
	rec = f.do(t, http.MethodGet, "/api/v1/webhooks/"+created.Subscription.ID, testAdminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), created.Secret)

	// Patch deactivates and changes an event set.
	rec = f.do(t, http.MethodPatch, "/api/v1/webhooks/"+created.Subscription.ID, testAdminToken, map[string]interface{}{
		"is_active": false,
		"events":    []string{"claim.filed"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var updated struct {
		Subscription subscriptionView `json:"subscription"`
	}
	decodeBody(t, rec, &updated)
	assert.False(t, updated.Subscription.IsActive)
	assert.Equal(t, []string{"claim.filed"}, updated.Subscription.Events)

	// Regenerating the secret returns the new one, once.
	rec = f.do(t, http.MethodPatch, "/api/v1/webhooks/"+created.Subscription.ID, testAdminToken, map[string]interface{}{
		"regenerate_secret": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var regen struct {
		Secret string `json:"secret"`
	}
	decodeBody(t, rec, &regen)
	assert.NotEmpty(t, regen.Secret)
	assert.NotEqual(t, created.Secret, regen.Secret)

	rec = f.do(t, http.MethodDelete, "/api/v1/webhooks/"+created.Subscription.ID, testAdminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/webhooks/"+created.Subscription.ID, testAdminToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubscriptionValidation(t *testing.T) {
	f := newAPIFixture(t)

	cases := []struct {
		name string
		body map[string]interface{}
	}{
		{"localhost url", map[string]interface{}{
			"url": "http://localhost:8080/hook", "events": []string{"policy.created"}}},
		{"loopback ip", map[string]interface{}{
			"url": "http://127.0.0.1/hook", "events": []string{"policy.created"}}},
		{"private ip", map[string]interface{}{
			"url": "http://10.0.0.5/hook", "events": []string{"policy.created"}}},
		{"internal suffix", map[string]interface{}{
			"url": "https://db.corp.internal/hook", "events": []string{"policy.created"}}},
		{"bad scheme", map[string]interface{}{
			"url": "ftp://partner.example.com/hook", "events": []string{"policy.created"}}},
		{"no events", map[string]interface{}{
			"url": "https://partner.example.com/hook", "events": []string{}}},
		{"unknown event", map[string]interface{}{
			"url": "https://partner.example.com/hook", "events": []string{"policy.exploded"}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/partners/partner-1/webhooks", testAdminToken, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestTriggerEventDeliversToSeededSubscription(t *testing.T) {
	f := newAPIFixture(t)

	received := make(chan *http.Request, 1)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Clone(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	// Seeded directly; the create endpoint refuses loopback URLs.
	now := time.Now().UTC()
	sub := &models.WebhookSubscription{
		ID:        models.NewID("sub"),
		PartnerID: "partner-1",
		URL:       target.URL,
		Secret:    models.NewSecret(),
		Events:    []string{"policy.created"},
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.store.CreateSubscription(context.Background(), sub))

	rec := f.do(t, http.MethodPost, "/api/v1/events", testAdminToken, map[string]interface{}{
		"partner_id": "partner-1",
		"event_type": "policy.created",
		"data":       map[string]string{"policy_id": "pol-9"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result webhook.Result
	decodeBody(t, rec, &result)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 0, result.Failed)

	select {
	case r := <-received:
		assert.Equal(t, "policy.created", r.Header.Get("X-Webhook-Event"))
		assert.NotEmpty(t, r.Header.Get("X-Webhook-Signature"))
	case <-time.After(time.Second):
		t.Fatal("target endpoint never received the delivery")
	}
}

func TestTriggerEventRejectsUnknownType(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/events", testAdminToken, map[string]interface{}{
		"partner_id": "partner-1",
		"event_type": "policy.exploded",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLeadActionRoutes(t *testing.T) {
	f := newAPIFixture(t)

	now := time.Now().UTC()
	lead := &models.Lead{
		ID:            models.NewID("led"),
		FirstName:     "Dana",
		LastName:      "Reyes",
		Phone:         "+15550100",
		Email:         "dana@example.com",
		InterestLevel: models.InterestWarm,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, f.store.CreateLead(context.Background(), lead))

	rec := f.do(t, http.MethodPost, "/api/v1/leads/"+lead.ID+"/follow-ups", testAdminToken, map[string]string{
		"disposition": "voicemail",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var summary scheduler.ScheduleSummary
	decodeBody(t, rec, &summary)
	assert.Equal(t, 2, summary.Scheduled)

	rec = f.do(t, http.MethodGet, "/api/v1/leads/"+lead.ID+"/actions", testAdminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var actions []models.ScheduledAction
	decodeBody(t, rec, &actions)
	assert.Len(t, actions, 2)

	rec = f.do(t, http.MethodGet, "/api/v1/actions/"+actions[0].ID, testAdminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/leads/"+lead.ID+"/actions", testAdminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var cancelled map[string]int64
	decodeBody(t, rec, &cancelled)
	assert.Equal(t, int64(2), cancelled["cancelled"])
}

func TestFollowUpUnknownDisposition(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/leads/led-x/follow-ups", testAdminToken, map[string]string{
		"disposition": "teleported",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackPastTimeRejected(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/leads/led-x/callbacks", testAdminToken, map[string]interface{}{
		"at": time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]string
	decodeBody(t, rec, &resp)
	assert.Contains(t, resp["error"], "future")
}

func TestStatsShape(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/stats", testAdminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats struct {
		Actions    *models.ActionStats   `json:"actions"`
		Deliveries *models.DeliveryStats `json:"deliveries"`
	}
	decodeBody(t, rec, &stats)
	require.NotNil(t, stats.Actions)
	require.NotNil(t, stats.Deliveries)
	assert.Equal(t, int64(0), stats.Actions.Pending)
}

func TestErrorEnvelopeCarriesRequestID(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/stats", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp struct {
		Error     string `json:"error"`
		RequestID string `json:"request_id"`
	}
	decodeBody(t, rec, &resp)
	assert.NotEmpty(t, resp.Error)
	assert.NotEmpty(t, resp.RequestID)
}

func TestFollowUpMissingLeadIsNotFound(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/leads/led-missing/follow-ups", testAdminToken, map[string]string{
		"disposition": "voicemail",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
