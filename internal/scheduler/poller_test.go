package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covergrid/outreachd/internal/models"
	"github.com/covergrid/outreachd/internal/storage"
)

type countingGateway struct {
	calls int
	err   error
}

func (g *countingGateway) Send(ctx context.Context, contact, message string) error {
	g.calls++
	return g.err
}

type pollerFixture struct {
	store   *storage.SQLiteStore
	gateway *countingGateway
	poller  *Poller
}

func newPollerFixture(t *testing.T) *pollerFixture {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "scheduler_test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })

	gw := &countingGateway{}
	gateways := map[models.ActionType]Gateway{
		models.ActionCall:  gw,
		models.ActionSMS:   gw,
		models.ActionEmail: gw,
	}
	log := zerolog.Nop()
	dispatcher := NewDispatcher(store, gateways, log)
	poller := NewPoller(store, dispatcher, fixedPolicy(0), 50, log)

	return &pollerFixture{store: store, gateway: gw, poller: poller}
}

func (f *pollerFixture) seedLead(t *testing.T) *models.Lead {
	t.Helper()
	now := time.Now().UTC()
	lead := &models.Lead{
		ID:            models.NewID("led"),
		FirstName:     "Ada",
		Phone:         "+15550100",
		Email:         "ada@example.com",
		InterestLevel: models.InterestWarm,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, f.store.CreateLead(context.Background(), lead))
	return lead
}

func (f *pollerFixture) seedAction(t *testing.T, leadID string, actionType models.ActionType, scheduledFor time.Time) *models.ScheduledAction {
	t.Helper()
	now := time.Now().UTC()
	a := &models.ScheduledAction{
		ID:           models.NewID("act"),
		LeadID:       leadID,
		ActionType:   actionType,
		ScheduledFor: scheduledFor,
		Status:       models.ActionPending,
		MaxAttempts:  models.DefaultMaxAttempts,
		Reason:       models.ReasonFollowUp,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, f.store.CreateAction(context.Background(), a))
	return a
}

func TestProcessDueNothingDue(t *testing.T) {
	f := newPollerFixture(t)

	result, err := f.poller.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 0, result.Failed)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 0, f.gateway.calls)
}

func TestProcessDueCompletesAction(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()
	lead := f.seedLead(t)
	a := f.seedAction(t, lead.ID, models.ActionSMS, time.Now().UTC().Add(-time.Second))

	result, err := f.poller.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 1, f.gateway.calls)

	got, err := f.store.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.ProcessedAt)

	// The successful send left an audit record.
	recs, err := f.store.CommunicationsByLead(ctx, lead.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.ActionSMS, recs[0].Channel)
	assert.Equal(t, a.ID, recs[0].ActionID)
}

func TestProcessDueExhaustsRetries(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()
	lead := f.seedLead(t)
	a := f.seedAction(t, lead.ID, models.ActionSMS, time.Now().UTC().Add(-time.Second))

	f.gateway.err = errors.New("gateway unavailable")

	// Three poll cycles; the clock jumps past each backoff so the retry is
	// due again on the next cycle.
	for cycle := 0; cycle < 3; cycle++ {
		offset := time.Duration(cycle) * 3 * time.Hour
		f.poller.now = func() time.Time { return time.Now().UTC().Add(offset) }

		result, err := f.poller.ProcessDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed, "cycle %d", cycle)
		assert.NotEmpty(t, result.Errors)
	}

	got, err := f.store.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Contains(t, got.LastError, "gateway unavailable")
	assert.Equal(t, 3, f.gateway.calls)

	// Terminal: one more cycle must not touch the row.
	f.poller.now = func() time.Time { return time.Now().UTC().Add(100 * time.Hour) }
	result, err := f.poller.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 3, f.gateway.calls)
}

func TestProcessDueTransientThenSuccess(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()
	lead := f.seedLead(t)
	a := f.seedAction(t, lead.ID, models.ActionEmail, time.Now().UTC().Add(-time.Second))

	f.gateway.err = errors.New("timeout")
	_, err := f.poller.ProcessDue(ctx)
	require.NoError(t, err)

	got, err := f.store.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.LastError, "timeout")

	f.gateway.err = nil
	f.poller.now = func() time.Time { return time.Now().UTC().Add(3 * time.Hour) }
	result, err := f.poller.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)

	got, err = f.store.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

func TestProcessDuePermanentFailureSkipsRetries(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()

	// A lead without an email makes an email action permanently undeliverable.
	now := time.Now().UTC()
	lead := &models.Lead{
		ID:            models.NewID("led"),
		FirstName:     "Ben",
		Phone:         "+15550101",
		InterestLevel: models.InterestCold,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, f.store.CreateLead(ctx, lead))
	a := f.seedAction(t, lead.ID, models.ActionEmail, now.Add(-time.Second))

	result, err := f.poller.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	got, err := f.store.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.LastError, "no email address")
	assert.Equal(t, 0, f.gateway.calls)
}

func TestProcessDueDoNotContactLead(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()

	now := time.Now().UTC()
	lead := &models.Lead{
		ID:           models.NewID("led"),
		Phone:        "+15550102",
		DoNotContact: true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, f.store.CreateLead(ctx, lead))
	a := f.seedAction(t, lead.ID, models.ActionCall, now.Add(-time.Second))

	result, err := f.poller.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	got, err := f.store.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionFailed, got.Status)
	assert.Equal(t, 0, f.gateway.calls)
}
