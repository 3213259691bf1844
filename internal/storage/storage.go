package storage

import (
	"context"
	"time"

	"github.com/covergrid/outreachd/internal/models"
)

// DefaultBatchLimit caps one poll cycle's fetch when the caller passes a
// non-positive limit. The cap bounds cycle duration, not priority.
const DefaultBatchLimit = 50

type Store interface {
	// Leads
	CreateLead(ctx context.Context, lead *models.Lead) error
	GetLead(ctx context.Context, id string) (*models.Lead, error)

	// Scheduled actions
	CreateAction(ctx context.Context, a *models.ScheduledAction) error
	GetAction(ctx context.Context, id string) (*models.ScheduledAction, error)
	ActionsByLead(ctx context.Context, leadID string, status models.ActionStatus) ([]models.ScheduledAction, error)
	DueActions(ctx context.Context, now time.Time, limit int) ([]models.ScheduledAction, error)
	// ClaimAction is the atomic pending->processing transition. It increments
	// the attempt counter and reports whether this caller won the row; a false
	// return means another poller claimed it first or it is no longer pending.
	ClaimAction(ctx context.Context, id string) (bool, error)
	CompleteAction(ctx context.Context, id string, processedAt time.Time) error
	FailAction(ctx context.Context, id string, lastError string, processedAt time.Time) error
	RescheduleAction(ctx context.Context, id string, nextAt time.Time, lastError string) error
	CancelPendingActions(ctx context.Context, leadID string) (int64, error)
	ActionStats(ctx context.Context, now time.Time) (*models.ActionStats, error)

	// Communication audit
	CreateCommunication(ctx context.Context, rec *models.CommunicationRecord) error
	CommunicationsByLead(ctx context.Context, leadID string) ([]models.CommunicationRecord, error)

	// Webhook subscriptions
	CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error
	GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error)
	ListSubscriptions(ctx context.Context, partnerID string) ([]models.WebhookSubscription, error)
	UpdateSubscription(ctx context.Context, sub *models.WebhookSubscription) error
	DeleteSubscription(ctx context.Context, id string) error
	// MatchingSubscriptions returns the fan-out selection: partner match,
	// active, below the suppress threshold, subscribed to eventType, and in
	// location scope (an unscoped subscription matches any location).
	MatchingSubscriptions(ctx context.Context, partnerID, eventType, locationID string) ([]models.WebhookSubscription, error)

	// Delivery audit trail
	CreateDeliveryLog(ctx context.Context, entry *models.WebhookDeliveryLog) error
	DeliveryLogsBySubscription(ctx context.Context, subscriptionID string, limit int) ([]models.WebhookDeliveryLog, error)
	// RecordDeliveryOutcome updates the subscription health counters:
	// last_triggered_at unconditionally; on success last_success_at is set and
	// the failure streak resets, on failure last_failure_at is set and the
	// streak increments.
	RecordDeliveryOutcome(ctx context.Context, subscriptionID string, success bool, now time.Time) error
	DeliveryStats(ctx context.Context) (*models.DeliveryStats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
