package webhook

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/covergrid/outreachd/internal/storage"
)

// Result is the aggregate a trigger caller gets back. Individual delivery
// failures never propagate further: a partner outage must not block or roll
// back the business operation that raised the event.
type Result struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Engine fans one domain event out to all matching subscriptions. Delivery is
// best-effort and single-attempt per event occurrence; the retrying path in
// this system is the scheduled-action one, not this.
type Engine struct {
	store    storage.Store
	sender   *Sender
	recorder *Recorder
	log      zerolog.Logger

	now func() time.Time
}

func NewEngine(store storage.Store, sender *Sender, recorder *Recorder, log zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		sender:   sender,
		recorder: recorder,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Trigger delivers eventType to every active, non-suppressed subscription of
// the partner that subscribes to it and matches the location scope. All
// deliveries run concurrently; each owns its own timeout, so one hanging
// endpoint cannot stall the rest.
func (e *Engine) Trigger(ctx context.Context, partnerID, eventType string, data interface{}, locationID string) (Result, error) {
	subs, err := e.store.MatchingSubscriptions(ctx, partnerID, eventType, locationID)
	if err != nil {
		return Result{}, fmt.Errorf("select subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return Result{}, nil
	}

	payload, err := NewEvent(partnerID, eventType, data, locationID, e.now()).Marshal()
	if err != nil {
		return Result{}, fmt.Errorf("marshal event payload: %w", err)
	}

	e.log.Info().
		Str("partner_id", partnerID).
		Str("event", eventType).
		Int("subscriptions", len(subs)).
		Msg("fanning out webhook event")

	var sent, failed atomic.Int64
	var wg conc.WaitGroup
	for i := range subs {
		sub := subs[i]
		wg.Go(func() {
			res := e.sender.Send(ctx, &sub, eventType, payload)
			e.recorder.Record(ctx, &sub, eventType, payload, res)

			if res.Success() {
				sent.Add(1)
				e.log.Debug().
					Str("subscription_id", sub.ID).
					Int("status_code", res.StatusCode).
					Int64("response_time_ms", res.ResponseTimeMs).
					Msg("webhook delivered")
			} else {
				failed.Add(1)
				e.log.Warn().
					Str("subscription_id", sub.ID).
					Int("status_code", res.StatusCode).
					Str("error", res.Err).
					Msg("webhook delivery failed")
			}
		})
	}
	wg.Wait()

	return Result{Sent: int(sent.Load()), Failed: int(failed.Load())}, nil
}
