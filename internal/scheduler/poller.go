package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/covergrid/outreachd/internal/models"
	"github.com/covergrid/outreachd/internal/storage"
)

// Result summarizes one poll cycle.
type Result struct {
	Processed int      `json:"processed"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors"`
}

// Poller claims due actions and runs them through the dispatcher and retry
// policy. One ProcessDue call is one logical cron invocation; it is idempotent
// when nothing is due. Concurrent pollers are safe because the claim is an
// atomic conditional update; a row lost to another instance is skipped.
type Poller struct {
	store      storage.Store
	dispatcher *Dispatcher
	policy     RetryPolicy
	batchLimit int
	log        zerolog.Logger

	now func() time.Time
}

func NewPoller(store storage.Store, dispatcher *Dispatcher, policy RetryPolicy, batchLimit int, log zerolog.Logger) *Poller {
	if batchLimit <= 0 {
		batchLimit = storage.DefaultBatchLimit
	}
	return &Poller{
		store:      store,
		dispatcher: dispatcher,
		policy:     policy,
		batchLimit: batchLimit,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (p *Poller) ProcessDue(ctx context.Context) (Result, error) {
	result := Result{Errors: []string{}}
	now := p.now()

	due, err := p.store.DueActions(ctx, now, p.batchLimit)
	if err != nil {
		return result, err
	}
	if len(due) == 0 {
		return result, nil
	}

	p.log.Info().Int("due", len(due)).Msg("processing due actions")

	for i := range due {
		a := due[i]

		claimed, err := p.store.ClaimAction(ctx, a.ID)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		if !claimed {
			// Lost the row to a concurrent poller.
			p.log.Debug().Str("action_id", a.ID).Msg("claim lost, skipping")
			continue
		}
		a.Status = models.ActionProcessing
		a.Attempts++

		p.processOne(ctx, &a, &result)
	}

	p.log.Info().
		Int("processed", result.Processed).
		Int("failed", result.Failed).
		Msg("poll cycle complete")

	return result, nil
}

func (p *Poller) processOne(ctx context.Context, a *models.ScheduledAction, result *Result) {
	dispatchErr := p.dispatcher.Dispatch(ctx, a)

	outcome := OutcomeSuccess
	if dispatchErr != nil {
		if IsPermanent(dispatchErr) {
			outcome = OutcomePermanent
		} else {
			outcome = OutcomeTransient
		}
	}

	now := p.now()
	decision := p.policy.Next(outcome, a.Attempts, a.MaxAttempts, now)

	switch decision.Status {
	case models.ActionCompleted:
		if err := p.store.CompleteAction(ctx, a.ID, now); err != nil {
			result.Errors = append(result.Errors, err.Error())
			return
		}
		result.Processed++

	case models.ActionFailed:
		if err := p.store.FailAction(ctx, a.ID, dispatchErr.Error(), now); err != nil {
			result.Errors = append(result.Errors, err.Error())
			return
		}
		result.Failed++
		result.Errors = append(result.Errors, dispatchErr.Error())
		p.log.Warn().
			Str("action_id", a.ID).
			Int("attempts", a.Attempts).
			Str("error", dispatchErr.Error()).
			Msg("action permanently failed")

	case models.ActionPending:
		if err := p.store.RescheduleAction(ctx, a.ID, decision.RetryAt, dispatchErr.Error()); err != nil {
			result.Errors = append(result.Errors, err.Error())
			return
		}
		result.Failed++
		result.Errors = append(result.Errors, dispatchErr.Error())
		p.log.Info().
			Str("action_id", a.ID).
			Int("attempt", a.Attempts).
			Time("next_retry", decision.RetryAt).
			Msg("action scheduled for retry")
	}
}

// Runner drives the poller on a fixed interval for serve mode. Deployments
// that trigger cycles externally (cron hitting the API, or the process
// subcommand) do not start it.
type Runner struct {
	poller   *Poller
	interval time.Duration
	log      zerolog.Logger
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewRunner(poller *Poller, interval time.Duration, log zerolog.Logger) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Runner{
		poller:   poller,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
	}
}

func (r *Runner) Start(ctx context.Context) {
	r.log.Info().Dur("interval", r.interval).Msg("starting scheduler runner")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.poller.ProcessDue(ctx); err != nil {
					r.log.Error().Err(err).Msg("poll cycle failed")
				}
			}
		}
	}()
}

func (r *Runner) Stop() {
	r.log.Info().Msg("stopping scheduler runner")
	close(r.stop)
	r.wg.Wait()
	r.log.Info().Msg("scheduler runner stopped")
}
