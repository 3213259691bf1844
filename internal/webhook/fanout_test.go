package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covergrid/outreachd/internal/models"
	"github.com/covergrid/outreachd/internal/signing"
	"github.com/covergrid/outreachd/internal/storage"
)

type receivedRequest struct {
	Body    []byte
	Headers http.Header
}

// capturingServer records every request and answers with the given status.
type capturingServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []receivedRequest
}

func newCapturingServer(t *testing.T, status int) *capturingServer {
	t.Helper()
	cs := &capturingServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		cs.mu.Lock()
		cs.requests = append(cs.requests, receivedRequest{Body: body, Headers: r.Header.Clone()})
		cs.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *capturingServer) received() []receivedRequest {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]receivedRequest(nil), cs.requests...)
}

type engineFixture struct {
	store  *storage.SQLiteStore
	engine *Engine
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "webhook_test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })

	log := zerolog.Nop()
	sender := NewSender(5*time.Second, log)
	recorder := NewRecorder(store, log)
	return &engineFixture{store: store, engine: NewEngine(store, sender, recorder, log)}
}

func (f *engineFixture) seedSubscription(t *testing.T, url string, mutate func(*models.WebhookSubscription)) *models.WebhookSubscription {
	t.Helper()
	now := time.Now().UTC()
	sub := &models.WebhookSubscription{
		ID:        models.NewID("sub"),
		PartnerID: "partner-1",
		URL:       url,
		Secret:    models.NewSecret(),
		Events:    []string{"policy.created"},
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if mutate != nil {
		mutate(sub)
	}
	require.NoError(t, f.store.CreateSubscription(context.Background(), sub))
	return sub
}

func TestTriggerDeliversToMatchingSubscriptions(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	srvA := newCapturingServer(t, http.StatusOK)
	srvB := newCapturingServer(t, http.StatusOK)
	srvC := newCapturingServer(t, http.StatusOK)

	subA := f.seedSubscription(t, srvA.URL, nil)
	subB := f.seedSubscription(t, srvB.URL, nil)
	// Subscribed to a different event: must be left alone entirely.
	other := f.seedSubscription(t, srvC.URL, func(s *models.WebhookSubscription) {
		s.Events = []string{"commission.earned"}
	})

	result, err := f.engine.Trigger(ctx, "partner-1", "policy.created", map[string]string{"policy_id": "pol_1"}, "")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Sent)
	assert.Equal(t, 0, result.Failed)

	assert.Len(t, srvA.received(), 1)
	assert.Len(t, srvB.received(), 1)
	assert.Empty(t, srvC.received())

	// Exactly one log row per delivered subscription, none for the bystander.
	logsA, err := f.store.DeliveryLogsBySubscription(ctx, subA.ID, 10)
	require.NoError(t, err)
	assert.Len(t, logsA, 1)
	logsB, err := f.store.DeliveryLogsBySubscription(ctx, subB.ID, 10)
	require.NoError(t, err)
	assert.Len(t, logsB, 1)
	logsC, err := f.store.DeliveryLogsBySubscription(ctx, other.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, logsC)

	untouched, err := f.store.GetSubscription(ctx, other.ID)
	require.NoError(t, err)
	assert.Nil(t, untouched.LastTriggeredAt)
	assert.Equal(t, 0, untouched.FailureCount)
}

func TestTriggerSignsPayload(t *testing.T) {
	f := newEngineFixture(t)
	srv := newCapturingServer(t, http.StatusOK)
	sub := f.seedSubscription(t, srv.URL, nil)

	_, err := f.engine.Trigger(context.Background(), "partner-1", "policy.created", map[string]string{"policy_id": "pol_1"}, "loc-1")
	require.NoError(t, err)

	reqs := srv.received()
	require.Len(t, reqs, 1)

	sig := reqs[0].Headers.Get("X-Webhook-Signature")
	require.NotEmpty(t, sig)
	assert.True(t, signing.Verify(sub.Secret, reqs[0].Body, sig))

	// A single altered byte must break verification.
	tampered := append([]byte(nil), reqs[0].Body...)
	tampered[0] ^= 0x01
	assert.False(t, signing.Verify(sub.Secret, tampered, sig))

	assert.Equal(t, "policy.created", reqs[0].Headers.Get("X-Webhook-Event"))
	_, err = time.Parse(time.RFC3339, reqs[0].Headers.Get("X-Webhook-Timestamp"))
	assert.NoError(t, err)

	var payload struct {
		Event      string          `json:"event"`
		Timestamp  string          `json:"timestamp"`
		PartnerID  string          `json:"partner_id"`
		LocationID string          `json:"location_id"`
		Data       json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(reqs[0].Body, &payload))
	assert.Equal(t, "policy.created", payload.Event)
	assert.Equal(t, "partner-1", payload.PartnerID)
	assert.Equal(t, "loc-1", payload.LocationID)
	assert.JSONEq(t, `{"policy_id":"pol_1"}`, string(payload.Data))
}

func TestTriggerCustomHeaders(t *testing.T) {
	f := newEngineFixture(t)
	srv := newCapturingServer(t, http.StatusOK)
	f.seedSubscription(t, srv.URL, func(s *models.WebhookSubscription) {
		s.Headers = `{"X-Custom-Header":"value-1"}`
	})

	_, err := f.engine.Trigger(context.Background(), "partner-1", "policy.created", nil, "")
	require.NoError(t, err)

	reqs := srv.received()
	require.Len(t, reqs, 1)
	assert.Equal(t, "value-1", reqs[0].Headers.Get("X-Custom-Header"))
}

func TestTriggerMalformedCustomHeadersStillDelivers(t *testing.T) {
	f := newEngineFixture(t)
	srv := newCapturingServer(t, http.StatusOK)
	f.seedSubscription(t, srv.URL, func(s *models.WebhookSubscription) {
		s.Headers = `{not json`
	})

	result, err := f.engine.Trigger(context.Background(), "partner-1", "policy.created", nil, "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
	assert.Len(t, srv.received(), 1)
}

func TestTriggerRecordsFailure(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	srv := newCapturingServer(t, http.StatusBadGateway)
	sub := f.seedSubscription(t, srv.URL, nil)

	result, err := f.engine.Trigger(ctx, "partner-1", "policy.created", nil, "")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Sent)
	assert.Equal(t, 1, result.Failed)

	logs, err := f.store.DeliveryLogsBySubscription(ctx, sub.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
	assert.Equal(t, http.StatusBadGateway, logs[0].StatusCode)

	got, err := f.store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailureCount)
	assert.NotNil(t, got.LastFailureAt)
	assert.NotNil(t, got.LastTriggeredAt)
}

func TestTriggerUnreachableEndpoint(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	// Nothing listens here; the transport error must be recorded, not raised.
	sub := f.seedSubscription(t, "http://127.0.0.1:1", nil)

	result, err := f.engine.Trigger(ctx, "partner-1", "policy.created", nil, "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	logs, err := f.store.DeliveryLogsBySubscription(ctx, sub.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
	assert.NotEmpty(t, logs[0].ErrorMessage)
}

func TestTriggerSuppressThresholdBoundary(t *testing.T) {
	f := newEngineFixture(t)
	srvA := newCapturingServer(t, http.StatusOK)
	srvB := newCapturingServer(t, http.StatusOK)

	f.seedSubscription(t, srvA.URL, func(s *models.WebhookSubscription) {
		s.FailureCount = models.SuppressThreshold - 1
	})
	f.seedSubscription(t, srvB.URL, func(s *models.WebhookSubscription) {
		s.FailureCount = models.SuppressThreshold
	})

	result, err := f.engine.Trigger(context.Background(), "partner-1", "policy.created", nil, "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
	assert.Len(t, srvA.received(), 1)
	assert.Empty(t, srvB.received())
}

func TestTriggerLocationScoping(t *testing.T) {
	f := newEngineFixture(t)
	srvAny := newCapturingServer(t, http.StatusOK)
	srvLoc1 := newCapturingServer(t, http.StatusOK)
	srvLoc2 := newCapturingServer(t, http.StatusOK)

	f.seedSubscription(t, srvAny.URL, nil) // unscoped
	f.seedSubscription(t, srvLoc1.URL, func(s *models.WebhookSubscription) { s.LocationID = "loc-1" })
	f.seedSubscription(t, srvLoc2.URL, func(s *models.WebhookSubscription) { s.LocationID = "loc-2" })

	result, err := f.engine.Trigger(context.Background(), "partner-1", "policy.created", nil, "loc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Sent)
	assert.Len(t, srvAny.received(), 1)
	assert.Len(t, srvLoc1.received(), 1)
	assert.Empty(t, srvLoc2.received())
}

func TestTriggerNoMatches(t *testing.T) {
	f := newEngineFixture(t)

	result, err := f.engine.Trigger(context.Background(), "partner-unknown", "policy.created", nil, "")
	require.NoError(t, err)
	assert.Equal(t, Result{}, result)
}
