package webhook

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/covergrid/outreachd/internal/models"
	"github.com/covergrid/outreachd/internal/storage"
)

// Recorder persists every delivery attempt and keeps the subscription health
// counters current. Recording failures are logged, never propagated: the
// audit trail must not affect delivery flow.
type Recorder struct {
	store storage.Store
	log   zerolog.Logger
}

func NewRecorder(store storage.Store, log zerolog.Logger) *Recorder {
	return &Recorder{store: store, log: log}
}

func (r *Recorder) Record(ctx context.Context, sub *models.WebhookSubscription, eventType string, payload []byte, res *SendResult) {
	now := time.Now().UTC()

	body := res.ResponseBody
	if len(body) > models.MaxResponseBody {
		body = body[:models.MaxResponseBody]
	}

	entry := &models.WebhookDeliveryLog{
		ID:             models.NewID("dlv"),
		SubscriptionID: sub.ID,
		EventType:      eventType,
		Payload:        string(payload),
		StatusCode:     res.StatusCode,
		ResponseBody:   body,
		ResponseTimeMs: res.ResponseTimeMs,
		Success:        res.Success(),
		ErrorMessage:   res.Err,
		DeliveredAt:    now,
	}
	if err := r.store.CreateDeliveryLog(ctx, entry); err != nil {
		r.log.Error().Err(err).Str("subscription_id", sub.ID).Msg("failed to append delivery log")
	}

	if err := r.store.RecordDeliveryOutcome(ctx, sub.ID, res.Success(), now); err != nil {
		r.log.Error().Err(err).Str("subscription_id", sub.ID).Msg("failed to update subscription counters")
	}
}
