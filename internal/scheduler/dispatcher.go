package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/covergrid/outreachd/internal/models"
	"github.com/covergrid/outreachd/internal/storage"
)

// Dispatcher executes one claimed action against the channel gateway. It never
// decides retry or terminal state; it only reports the attempt's error, tagged
// permanent where retrying is pointless.
type Dispatcher struct {
	store    storage.Store
	gateways map[models.ActionType]Gateway
	log      zerolog.Logger
}

func NewDispatcher(store storage.Store, gateways map[models.ActionType]Gateway, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		gateways: gateways,
		log:      log,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, a *models.ScheduledAction) error {
	gw, ok := d.gateways[a.ActionType]
	if !ok {
		return Permanentf("no gateway for action type %q", a.ActionType)
	}

	lead, err := d.store.GetLead(ctx, a.LeadID)
	if err != nil {
		return fmt.Errorf("fetch lead %s: %w", a.LeadID, err)
	}
	if lead == nil {
		return Permanentf("lead %s not found", a.LeadID)
	}
	if lead.DoNotContact {
		return Permanentf("lead %s is marked do-not-contact", a.LeadID)
	}

	contact, err := contactFor(a.ActionType, lead)
	if err != nil {
		return err
	}

	message := renderMessage(a, lead)

	if err := gw.Send(ctx, contact, message); err != nil {
		return fmt.Errorf("send %s to lead %s: %w", a.ActionType, a.LeadID, err)
	}

	rec := &models.CommunicationRecord{
		ID:        models.NewID("com"),
		LeadID:    a.LeadID,
		ActionID:  a.ID,
		Channel:   a.ActionType,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.store.CreateCommunication(ctx, rec); err != nil {
		// The send went out; a missing audit row must not fail the action.
		d.log.Error().Err(err).Str("action_id", a.ID).Msg("failed to record communication")
	}

	d.log.Info().
		Str("action_id", a.ID).
		Str("lead_id", a.LeadID).
		Str("channel", string(a.ActionType)).
		Msg("action dispatched")

	return nil
}

func contactFor(t models.ActionType, lead *models.Lead) (string, error) {
	switch t {
	case models.ActionCall, models.ActionSMS:
		if lead.Phone == "" {
			return "", Permanentf("lead %s has no phone number", lead.ID)
		}
		return lead.Phone, nil
	case models.ActionEmail:
		if lead.Email == "" {
			return "", Permanentf("lead %s has no email address", lead.ID)
		}
		return lead.Email, nil
	default:
		return "", Permanentf("unknown action type %q", t)
	}
}

func renderMessage(a *models.ScheduledAction, lead *models.Lead) string {
	if a.CustomMessage != "" {
		return a.CustomMessage
	}
	name := lead.FirstName
	if name == "" {
		name = "there"
	}
	switch a.Reason {
	case models.ReasonReminder:
		return fmt.Sprintf("Hi %s, just a quick reminder from our team.", name)
	case models.ReasonOnboarding:
		return fmt.Sprintf("Hi %s, here are your next steps to get started.", name)
	case models.ReasonReEngagement:
		return fmt.Sprintf("Hi %s, we have some updates we'd love to share with you.", name)
	default:
		return fmt.Sprintf("Hi %s, following up on our recent conversation.", name)
	}
}
