package engine

import (
	"context"
	"strings"
	"time"

	humanfn "github.com/goliatone/go-humanfn"
)

// HandleWakeup is the scheduler delivery handler. It reloads the execution
// and decides between timeout, re-routing after a retry delay, or re-arming.
// Delivering the same wake-up twice is harmless.
func (e *Engine) HandleWakeup(ctx context.Context, w humanfn.Wakeup) (err error) {
	outcome := WakeupOutcomeNoop
	defer func() {
		if err != nil {
			outcome = WakeupOutcomeError
		}
		e.metrics.WakeupHandled(w.Kind, outcome)
	}()

	w.ExecutionID = strings.TrimSpace(w.ExecutionID)
	unlock := e.locks.Lock(w.ExecutionID)
	defer unlock()

	rec, err := e.store.Load(ctx, w.ExecutionID)
	if err != nil {
		return e.persistenceError("load", w.ExecutionID, err)
	}
	if rec == nil {
		outcome = WakeupOutcomeMissing
		e.logger.Warn("wake-up for unknown execution %s ignored", w.ExecutionID)
		return nil
	}
	if rec.Status.IsTerminal() {
		return nil
	}

	now := e.now()
	if !w.ScheduledFor.Before(rec.TimeoutAt) || !now.Before(rec.TimeoutAt) {
		outcome = WakeupOutcomeTimeout
		return e.timeoutLocked(ctx, rec)
	}
	if rec.NextRetryAt != nil && !now.Before(*rec.NextRetryAt) {
		outcome = WakeupOutcomeRouted
		return e.rerouteLocked(ctx, rec, now)
	}

	outcome = WakeupOutcomeRearmed
	return e.rearm(ctx, rec)
}

func (e *Engine) rerouteLocked(ctx context.Context, rec *humanfn.ExecutionRecord, now time.Time) error {
	rec.NextRetryAt = nil
	rec.AppendEvent(humanfn.AuditEvent{
		Type:      humanfn.EventRouted,
		Actor:     actorScheduler,
		Timestamp: now,
		Data: map[string]any{
			"attempt": rec.Attempts,
			"channel": rec.Channel,
		},
	})
	if err := e.persist(ctx, rec); err != nil {
		return err
	}
	if err := e.rearm(ctx, rec); err != nil {
		return err
	}
	e.route(ctx, rec, "retry")
	e.notify(ctx, humanfn.UpdateRouted, rec)
	return nil
}

// rearm arms the wake-up implied by the record: the pending retry if one is
// set, otherwise the timeout.
func (e *Engine) rearm(ctx context.Context, rec *humanfn.ExecutionRecord) error {
	w := humanfn.Wakeup{
		Kind:         humanfn.WakeupTimeout,
		ExecutionID:  rec.ExecutionID,
		ScheduledFor: rec.TimeoutAt,
	}
	if rec.NextRetryAt != nil {
		w.Kind = humanfn.WakeupRetry
		w.ScheduledFor = *rec.NextRetryAt
	}
	_, err := e.sched.Arm(ctx, w)
	return err
}

// Rearm restores the wake-up of a non-terminal execution, for example after
// the wake-up store was lost or repaired.
func (e *Engine) Rearm(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	unlock := e.locks.Lock(id)
	defer unlock()

	rec, err := e.load(ctx, id)
	if err != nil {
		return false, err
	}
	if rec.Status.IsTerminal() {
		return false, nil
	}
	if err := e.rearm(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}
