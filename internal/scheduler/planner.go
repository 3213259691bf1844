package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/covergrid/outreachd/internal/models"
	"github.com/covergrid/outreachd/internal/storage"
)

// Planner errors callers branch on. Anything not wrapping one of these is an
// infrastructure failure.
var (
	ErrUnknownDisposition   = errors.New("unknown disposition")
	ErrUnknownInterestLevel = errors.New("unknown interest level")
	ErrLeadNotFound         = errors.New("lead not found")
	ErrCallbackNotFuture    = errors.New("callback time must be in the future")
)

// Disposition is the outcome of a call that drives follow-up planning.
type Disposition string

const (
	DispositionReached           Disposition = "reached"
	DispositionVoicemail         Disposition = "voicemail"
	DispositionNoAnswer          Disposition = "no_answer"
	DispositionBusy              Disposition = "busy"
	DispositionCallbackRequested Disposition = "callback_requested"
	DispositionNotInterested     Disposition = "not_interested"
	DispositionDNC               Disposition = "dnc"
)

type SequenceStep struct {
	ActionType    models.ActionType
	Delay         time.Duration
	Reason        models.ActionReason
	CustomMessage string
}

// followUpSequences maps each call disposition to its outreach sequence.
// callback_requested is handled separately with a caller-provided time; dnc
// schedules nothing.
var followUpSequences = map[Disposition][]SequenceStep{
	DispositionVoicemail: {
		{ActionType: models.ActionCall, Delay: 4 * time.Hour, Reason: models.ReasonFollowUp},
		{ActionType: models.ActionSMS, Delay: 24 * time.Hour, Reason: models.ReasonFollowUp,
			CustomMessage: "Hi! I tried reaching you earlier about daily event insurance. When would be a good time to connect?"},
	},
	DispositionNoAnswer: {
		{ActionType: models.ActionCall, Delay: 2 * time.Hour, Reason: models.ReasonFollowUp},
		{ActionType: models.ActionCall, Delay: 24 * time.Hour, Reason: models.ReasonFollowUp},
		{ActionType: models.ActionCall, Delay: 48 * time.Hour, Reason: models.ReasonFollowUp},
	},
	DispositionBusy: {
		{ActionType: models.ActionCall, Delay: time.Hour, Reason: models.ReasonFollowUp},
	},
	DispositionReached: {
		{ActionType: models.ActionEmail, Delay: 24 * time.Hour, Reason: models.ReasonOnboarding,
			CustomMessage: "Thank you for speaking with us! Here are your next steps to get started with daily event insurance."},
	},
	DispositionNotInterested: {
		{ActionType: models.ActionEmail, Delay: 7 * 24 * time.Hour, Reason: models.ReasonNurture,
			CustomMessage: "We wanted to follow up and share some success stories from businesses like yours using daily event insurance."},
	},
	DispositionCallbackRequested: {},
	DispositionDNC:               {},
}

// nurtureCampaigns are the multi-step warming sequences per interest level.
var nurtureCampaigns = map[models.InterestLevel][]SequenceStep{
	models.InterestCold: {
		{ActionType: models.ActionEmail, Delay: 0, Reason: models.ReasonNurture,
			CustomMessage: "Introducing daily event insurance - protect your events affordably."},
		{ActionType: models.ActionEmail, Delay: 72 * time.Hour, Reason: models.ReasonNurture,
			CustomMessage: "Did you know? Daily event insurance can save you up to 60% compared to annual policies."},
		{ActionType: models.ActionCall, Delay: 7 * 24 * time.Hour, Reason: models.ReasonFollowUp},
		{ActionType: models.ActionEmail, Delay: 14 * 24 * time.Hour, Reason: models.ReasonReEngagement,
			CustomMessage: "We have some exciting updates about our coverage options."},
	},
	models.InterestWarm: {
		{ActionType: models.ActionCall, Delay: 0, Reason: models.ReasonFollowUp},
		{ActionType: models.ActionSMS, Delay: 24 * time.Hour, Reason: models.ReasonReminder,
			CustomMessage: "Quick reminder - I'd love to discuss how we can help protect your events. Reply with a good time to chat!"},
		{ActionType: models.ActionEmail, Delay: 48 * time.Hour, Reason: models.ReasonNurture,
			CustomMessage: "Here's a quick overview of our coverage options tailored for your business."},
		{ActionType: models.ActionCall, Delay: 96 * time.Hour, Reason: models.ReasonFollowUp},
	},
	models.InterestHot: {
		{ActionType: models.ActionCall, Delay: 0, Reason: models.ReasonFollowUp},
		{ActionType: models.ActionSMS, Delay: 2 * time.Hour, Reason: models.ReasonReminder,
			CustomMessage: "Just following up on our conversation. Ready to help you get started!"},
		{ActionType: models.ActionCall, Delay: 24 * time.Hour, Reason: models.ReasonFollowUp},
		{ActionType: models.ActionEmail, Delay: 48 * time.Hour, Reason: models.ReasonOnboarding,
			CustomMessage: "Getting started is easy - here's everything you need to know."},
	},
}

type ScheduleSummary struct {
	Scheduled int      `json:"scheduled"`
	ActionIDs []string `json:"action_ids"`
}

// Planner creates scheduled actions from business outcomes. It only ever
// inserts pending rows or cancels pending rows; execution belongs to the
// poller.
type Planner struct {
	store       storage.Store
	maxAttempts int
	log         zerolog.Logger
	now         func() time.Time
}

func NewPlanner(store storage.Store, log zerolog.Logger) *Planner {
	return &Planner{
		store:       store,
		maxAttempts: models.DefaultMaxAttempts,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// NewPlannerWithMaxAttempts overrides the per-action attempt budget, which is
// otherwise models.DefaultMaxAttempts. Callbacks stay single-attempt either way.
func NewPlannerWithMaxAttempts(store storage.Store, maxAttempts int, log zerolog.Logger) *Planner {
	p := NewPlanner(store, log)
	if maxAttempts > 0 {
		p.maxAttempts = maxAttempts
	}
	return p
}

// ScheduleFollowUp plans the outreach sequence for a call disposition.
func (p *Planner) ScheduleFollowUp(ctx context.Context, leadID string, disposition Disposition) (ScheduleSummary, error) {
	summary := ScheduleSummary{ActionIDs: []string{}}

	if disposition == DispositionDNC {
		p.log.Info().Str("lead_id", leadID).Msg("lead marked do-not-contact, no follow-ups scheduled")
		return summary, nil
	}

	sequence, ok := followUpSequences[disposition]
	if !ok {
		return summary, fmt.Errorf("%w: %q", ErrUnknownDisposition, disposition)
	}
	if len(sequence) == 0 {
		return summary, nil
	}

	lead, err := p.store.GetLead(ctx, leadID)
	if err != nil {
		return summary, fmt.Errorf("fetch lead %s: %w", leadID, err)
	}
	if lead == nil {
		return summary, fmt.Errorf("lead %s: %w", leadID, ErrLeadNotFound)
	}
	if lead.DoNotContact {
		return summary, nil
	}

	return p.scheduleSequence(ctx, leadID, sequence)
}

// ScheduleNurtureCampaign starts the warming sequence for the given interest
// level, cancelling the lead's pending actions first so campaigns never stack.
func (p *Planner) ScheduleNurtureCampaign(ctx context.Context, leadID string, level models.InterestLevel) (ScheduleSummary, error) {
	summary := ScheduleSummary{ActionIDs: []string{}}

	steps, ok := nurtureCampaigns[level]
	if !ok {
		return summary, fmt.Errorf("%w: %q", ErrUnknownInterestLevel, level)
	}

	lead, err := p.store.GetLead(ctx, leadID)
	if err != nil {
		return summary, fmt.Errorf("fetch lead %s: %w", leadID, err)
	}
	if lead == nil {
		return summary, fmt.Errorf("lead %s: %w", leadID, ErrLeadNotFound)
	}
	if lead.DoNotContact {
		return summary, nil
	}

	cancelled, err := p.store.CancelPendingActions(ctx, leadID)
	if err != nil {
		return summary, fmt.Errorf("cancel pending actions for lead %s: %w", leadID, err)
	}
	if cancelled > 0 {
		p.log.Info().Str("lead_id", leadID).Int64("cancelled", cancelled).Msg("replaced pending actions with new campaign")
	}

	return p.scheduleSequence(ctx, leadID, steps)
}

// ScheduleCallback plans a single call at the time the lead asked for.
// Requested callbacks get exactly one attempt.
func (p *Planner) ScheduleCallback(ctx context.Context, leadID string, at time.Time, message string) (*models.ScheduledAction, error) {
	if !at.After(p.now()) {
		return nil, ErrCallbackNotFuture
	}
	if message == "" {
		message = "Callback requested by lead"
	}

	a := p.newAction(leadID, models.ActionCall, at, models.ReasonCallbackRequested, message)
	a.MaxAttempts = 1
	if err := p.store.CreateAction(ctx, a); err != nil {
		return nil, fmt.Errorf("create callback action: %w", err)
	}

	p.log.Info().Str("lead_id", leadID).Time("at", at).Msg("callback scheduled")
	return a, nil
}

// CancelPending cancels a lead's pending actions (conversion, DNC).
func (p *Planner) CancelPending(ctx context.Context, leadID string) (int64, error) {
	return p.store.CancelPendingActions(ctx, leadID)
}

func (p *Planner) scheduleSequence(ctx context.Context, leadID string, steps []SequenceStep) (ScheduleSummary, error) {
	summary := ScheduleSummary{ActionIDs: []string{}}
	base := p.now()

	for _, step := range steps {
		a := p.newAction(leadID, step.ActionType, base.Add(step.Delay), step.Reason, step.CustomMessage)
		if err := p.store.CreateAction(ctx, a); err != nil {
			return summary, fmt.Errorf("create %s action for lead %s: %w", step.ActionType, leadID, err)
		}
		summary.Scheduled++
		summary.ActionIDs = append(summary.ActionIDs, a.ID)
	}

	p.log.Info().Str("lead_id", leadID).Int("scheduled", summary.Scheduled).Msg("sequence scheduled")
	return summary, nil
}

func (p *Planner) newAction(leadID string, t models.ActionType, at time.Time, reason models.ActionReason, message string) *models.ScheduledAction {
	now := p.now()
	return &models.ScheduledAction{
		ID:            models.NewID("act"),
		LeadID:        leadID,
		ActionType:    t,
		ScheduledFor:  at,
		Status:        models.ActionPending,
		MaxAttempts:   p.maxAttempts,
		Reason:        reason,
		CustomMessage: message,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
