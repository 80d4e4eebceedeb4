package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	humanfn "github.com/goliatone/go-humanfn"
	"github.com/goliatone/go-humanfn/fanout"
	"github.com/goliatone/go-humanfn/registry"
	"github.com/goliatone/go-humanfn/routing"
	"github.com/goliatone/go-humanfn/store"
)

const (
	actorSystem    = "system"
	actorScheduler = "scheduler"
	actorOnTimeout = "onTimeout"
)

// Definitions resolves function definitions by name.
type Definitions interface {
	Lookup(name string) (humanfn.FunctionDefinition, bool)
	Ensure(def humanfn.FunctionDefinition) error
}

// Scheduler arms and cancels the single wake-up slot of an execution.
type Scheduler interface {
	Arm(ctx context.Context, w humanfn.Wakeup) (humanfn.Wakeup, error)
	Cancel(ctx context.Context, executionID string) error
}

// Hub fans updates out to live subscribers.
type Hub interface {
	Add(executionID string, sub fanout.Subscriber) error
	Remove(executionID, subscriberID string) bool
	Send(ctx context.Context, sub fanout.Subscriber, u humanfn.Update) error
	Publish(ctx context.Context, u humanfn.Update) int
}

// Engine owns the lifecycle of human function executions. Every operation on
// one execution runs under that execution's lock and reloads the record from
// the store before mutating it.
type Engine struct {
	store   store.RecordStore
	sched   Scheduler
	router  routing.Router
	defs    Definitions
	hub     Hub
	metrics Metrics
	logger  humanfn.Logger
	now     func() time.Time
	locks   *keyLock

	defaultTimeout time.Duration
	hookTimeout    time.Duration
	routeTimeout   time.Duration
	defaultChannel string
	retryDefaults  humanfn.RetryPolicy
}

// New builds an engine over a record store and a wake-up scheduler.
func New(rs store.RecordStore, sched Scheduler, opts ...Option) (*Engine, error) {
	if rs == nil {
		return nil, errors.New("record store required")
	}
	if sched == nil {
		return nil, errors.New("scheduler required")
	}
	e := &Engine{
		store:          rs,
		sched:          sched,
		defs:           registry.New(),
		metrics:        NopMetrics{},
		logger:         humanfn.NewFmtLogger(nil),
		now:            func() time.Time { return time.Now().UTC() },
		locks:          newKeyLock(),
		defaultTimeout: humanfn.DefaultTimeout,
		hookTimeout:    30 * time.Second,
		routeTimeout:   10 * time.Second,
		defaultChannel: humanfn.DefaultChannel,
		retryDefaults: humanfn.RetryPolicy{
			MaxRetries: humanfn.DefaultMaxRetries,
			Backoff:    humanfn.BackoffExponential,
			Delay:      humanfn.DefaultRetryDelay,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = humanfn.WithLoggerFields(e.logger, map[string]any{"component": "engine"})
	if e.hub == nil {
		e.hub = fanout.NewHub(fanout.WithLogger(e.logger))
	}
	return e, nil
}

// Execute creates an execution and returns its id without waiting for the
// human response.
func (e *Engine) Execute(ctx context.Context, def humanfn.FunctionDefinition, input any, opts humanfn.ExecuteOptions) (id string, err error) {
	started := time.Now()
	defer func() { e.metrics.ObserveOperation("execute", time.Since(started), err) }()

	if err := def.Validate(); err != nil {
		return "", err
	}
	def.Name = strings.TrimSpace(def.Name)
	if err := e.defs.Ensure(def); err != nil {
		return "", err
	}

	meta := map[string]any{"function": def.Name}
	normalized, err := humanfn.NormalizeJSON(input)
	if err != nil {
		return "", humanfn.NewError(humanfn.ErrValidation, "input is not JSON serializable", err, meta)
	}
	if err := humanfn.ValidateValue(def.Input, normalized, "input"); err != nil {
		return "", err
	}
	if opts.RetryBackoff != "" && !humanfn.IsValidBackoffStrategy(string(opts.RetryBackoff)) {
		return "", humanfn.NewError(humanfn.ErrValidation, "unknown retry backoff "+string(opts.RetryBackoff), nil, meta)
	}
	if opts.MaxRetries != nil && *opts.MaxRetries < 0 {
		return "", humanfn.NewError(humanfn.ErrValidation, "max retries cannot be negative", nil, meta)
	}

	id = strings.TrimSpace(opts.ExecutionID)
	if id == "" {
		id = humanfn.NewExecutionID()
	}
	actor := strings.TrimSpace(opts.Actor)
	if actor == "" {
		actor = humanfn.ActorFromContext(ctx, actorSystem)
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	existing, err := e.store.Load(ctx, id)
	if err != nil {
		return "", e.persistenceError("load", id, err)
	}
	if existing != nil {
		return "", humanfn.NewError(humanfn.ErrDuplicateExecution, "", nil, map[string]any{"execution_id": id})
	}

	rec := e.newRecord(id, def, normalized, opts, actor)
	if err := e.persist(ctx, rec); err != nil {
		return "", err
	}

	if _, err := e.sched.Arm(ctx, humanfn.Wakeup{
		Kind:         humanfn.WakeupTimeout,
		ExecutionID:  id,
		ScheduledFor: rec.TimeoutAt,
	}); err != nil {
		e.logger.Error("failed to arm timeout for %s: %v", id, err)
		e.markFailed(ctx, rec, "failed to arm timeout wake-up", actorSystem)
		return id, err
	}

	e.metrics.ExecutionCreated(rec.FunctionName)
	e.metrics.Transition(rec.FunctionName, humanfn.StatusPending)
	e.logger.Info("execution %s created for %s on %s", id, rec.FunctionName, rec.Channel)

	e.route(ctx, rec, "created")
	e.notify(ctx, humanfn.UpdateCreated, rec)
	return id, nil
}

// ExecuteByName resolves the definition before executing it.
func (e *Engine) ExecuteByName(ctx context.Context, name string, input any, opts humanfn.ExecuteOptions) (string, error) {
	def, ok := e.defs.Lookup(name)
	if !ok {
		return "", humanfn.NewError(humanfn.ErrFunctionNotFound, "", nil, map[string]any{"function": name})
	}
	return e.Execute(ctx, def, input, opts)
}

func (e *Engine) newRecord(id string, def humanfn.FunctionDefinition, input any, opts humanfn.ExecuteOptions, actor string) *humanfn.ExecutionRecord {
	now := e.now()
	timeout := humanfn.ResolveTimeout(opts, def)
	if opts.Timeout <= 0 && def.Routing.Timeout <= 0 {
		timeout = e.defaultTimeout
	}

	policy := def.Retry
	if policy == (humanfn.RetryPolicy{}) {
		policy = e.retryDefaults
	}
	if opts.MaxRetries != nil {
		policy.MaxRetries = *opts.MaxRetries
	}
	if opts.RetryBackoff != "" {
		policy.Backoff = opts.RetryBackoff
	}
	if opts.RetryDelay > 0 {
		policy.Delay = opts.RetryDelay
	}

	rec := &humanfn.ExecutionRecord{
		ExecutionID:   id,
		FunctionName:  def.Name,
		Function:      def.Spec(),
		Input:         input,
		Status:        humanfn.StatusPending,
		Channel:       humanfn.ResolveChannel(opts, def, e.defaultChannel),
		AssignedTo:    humanfn.ResolveAssignee(opts, def),
		CreatedAt:     now,
		TimeoutAt:     now.Add(timeout),
		TimeoutMs:     timeout.Milliseconds(),
		MaxRetries:    policy.MaxRetries,
		RetryBackoff:  humanfn.ParseBackoffStrategy(string(policy.Backoff)),
		RetryDelayMs:  policy.Delay.Milliseconds(),
		Metadata:      copyMetadata(opts.Metadata),
		CorrelationID: strings.TrimSpace(opts.CorrelationID),
	}
	rec.AppendEvent(humanfn.AuditEvent{
		Type:      humanfn.EventCreated,
		Actor:     actor,
		Timestamp: now,
		Data: map[string]any{
			"channel":    rec.Channel,
			"timeout_at": rec.TimeoutAt.Format(time.RFC3339Nano),
			"timeout_ms": rec.TimeoutMs,
		},
	})
	if rec.AssignedTo != "" {
		rec.AssignedAt = &now
		rec.AppendEvent(humanfn.AuditEvent{
			Type:      humanfn.EventAssigned,
			Actor:     actor,
			Timestamp: now,
			Data:      map[string]any{"assigned_to": rec.AssignedTo},
		})
	}
	return rec
}

// Start records that a human opened the task.
func (e *Engine) Start(ctx context.Context, id, startedBy string) (ok bool, err error) {
	started := time.Now()
	defer func() { e.metrics.ObserveOperation("start", time.Since(started), err) }()

	id = strings.TrimSpace(id)
	unlock := e.locks.Lock(id)
	defer unlock()

	rec, err := e.load(ctx, id)
	if err != nil {
		return false, err
	}
	if rec.Status != humanfn.StatusPending {
		return false, nil
	}
	startedBy = e.actor(ctx, startedBy)
	now := e.now()
	rec.Status = humanfn.StatusStarted
	rec.StartedBy = startedBy
	rec.StartedAt = &now
	rec.AppendEvent(humanfn.AuditEvent{Type: humanfn.EventStarted, Actor: startedBy, Timestamp: now})
	if err := e.persist(ctx, rec); err != nil {
		return false, err
	}
	e.metrics.Transition(rec.FunctionName, rec.Status)
	e.notify(ctx, humanfn.UpdateStarted, rec)
	return true, nil
}

// Respond completes the execution with a human output. It returns false when
// the execution already reached a terminal status.
func (e *Engine) Respond(ctx context.Context, id string, output any, respondedBy string) (ok bool, err error) {
	started := time.Now()
	defer func() { e.metrics.ObserveOperation("respond", time.Since(started), err) }()

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

	def, known := e.defs.Lookup(rec.FunctionName)
	normalized, err := humanfn.NormalizeJSON(output)
	if err != nil {
		return false, humanfn.NewError(humanfn.ErrValidation, "output is not JSON serializable", err, map[string]any{
			"execution_id": rec.ExecutionID,
		})
	}
	if known {
		if err := humanfn.ValidateValue(def.Output, normalized, "output"); err != nil {
			return false, err
		}
	} else {
		e.logger.Warn("definition %s not registered, accepting output for %s unvalidated", rec.FunctionName, rec.ExecutionID)
	}
	if err := checkTransition(rec, humanfn.StatusCompleted); err != nil {
		return false, err
	}

	respondedBy = e.actor(ctx, respondedBy)
	now := e.now()
	rec.Output = normalized
	rec.Status = humanfn.StatusCompleted
	rec.RespondedBy = respondedBy
	rec.RespondedAt = &now
	rec.CompletedAt = &now
	rec.NextRetryAt = nil
	rec.AppendEvent(humanfn.AuditEvent{Type: humanfn.EventResponded, Actor: respondedBy, Timestamp: now})
	rec.AppendEvent(humanfn.AuditEvent{Type: humanfn.EventCompleted, Actor: respondedBy, Timestamp: now})
	if err := e.persist(ctx, rec); err != nil {
		return false, err
	}
	e.cancelWakeup(ctx, rec.ExecutionID)
	e.metrics.Transition(rec.FunctionName, rec.Status)

	if known && def.Hooks.OnComplete != nil {
		snapshot := *rec.Clone()
		failure := e.invokeHook(ctx, rec, hookOnComplete, func(hctx context.Context) error {
			return def.Hooks.OnComplete(hctx, snapshot)
		})
		e.recordHookFailure(ctx, rec, failure)
	}

	e.notify(ctx, humanfn.UpdateCompleted, rec)
	return true, nil
}

// Timeout expires the execution. It is driven by wake-up delivery; calling it
// on a terminal execution does nothing.
func (e *Engine) Timeout(ctx context.Context, id string) (err error) {
	started := time.Now()
	defer func() { e.metrics.ObserveOperation("timeout", time.Since(started), err) }()

	id = strings.TrimSpace(id)
	unlock := e.locks.Lock(id)
	defer unlock()

	rec, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	return e.timeoutLocked(ctx, rec)
}

func (e *Engine) timeoutLocked(ctx context.Context, rec *humanfn.ExecutionRecord) error {
	if rec.Status.IsTerminal() {
		return nil
	}
	def, known := e.defs.Lookup(rec.FunctionName)
	if !known {
		e.logger.Error("definition %s unavailable at timeout of %s", rec.FunctionName, rec.ExecutionID)
		return e.failLocked(ctx, rec, "function definition unavailable at timeout", actorScheduler)
	}

	now := e.now()
	rec.Status = humanfn.StatusTimeout
	rec.CompletedAt = &now
	rec.NextRetryAt = nil
	rec.AppendEvent(humanfn.AuditEvent{
		Type:      humanfn.EventTimeout,
		Actor:     actorScheduler,
		Timestamp: now,
		Data:      map[string]any{"timeout_at": rec.TimeoutAt.Format(time.RFC3339Nano)},
	})

	promoted := false
	if def.Hooks.OnTimeout != nil {
		snapshot := *rec.Clone()
		var fallback any
		failure := e.invokeHook(ctx, rec, hookOnTimeout, func(hctx context.Context) error {
			out, err := def.Hooks.OnTimeout(hctx, snapshot)
			fallback = out
			return err
		})
		switch {
		case failure != nil:
			rec.HookErrors = append(rec.HookErrors, *failure)
		case fallback != nil:
			normalized, err := humanfn.NormalizeJSON(fallback)
			if err == nil {
				err = humanfn.ValidateValue(def.Output, normalized, "output")
			}
			if err != nil {
				e.logger.Error("onTimeout fallback rejected for %s: %v", rec.ExecutionID, err)
				e.metrics.HookFailed(rec.FunctionName, hookOnTimeout)
				rec.HookErrors = append(rec.HookErrors, humanfn.HookFailure{
					Hook:     hookOnTimeout,
					Message:  "fallback output rejected: " + err.Error(),
					Code:     humanfn.ErrorCode(err),
					FailedAt: e.now(),
				})
				break
			}
			rec.Output = normalized
			rec.Status = humanfn.StatusCompleted
			rec.AppendEvent(humanfn.AuditEvent{Type: humanfn.EventCompleted, Actor: actorOnTimeout, Timestamp: now})
			promoted = true
		}
	}

	if err := e.persist(ctx, rec); err != nil {
		return err
	}
	e.cancelWakeup(ctx, rec.ExecutionID)
	e.metrics.Transition(rec.FunctionName, humanfn.StatusTimeout)
	e.notify(ctx, humanfn.UpdateTimeout, rec)
	if promoted {
		e.metrics.Transition(rec.FunctionName, humanfn.StatusCompleted)
		e.notify(ctx, humanfn.UpdateCompleted, rec)
	}
	e.logger.Info("execution %s timed out (promoted=%t)", rec.ExecutionID, promoted)
	return nil
}

// Escalate reassigns the execution to a backup without touching its
// timeout. With no explicit target the next configured assignee is used.
func (e *Engine) Escalate(ctx context.Context, id, reason, escalateTo string) (ok bool, err error) {
	started := time.Now()
	defer func() { e.metrics.ObserveOperation("escalate", time.Since(started), err) }()

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

	target := strings.TrimSpace(escalateTo)
	if target == "" {
		target, _ = humanfn.NextAssignee(rec.Function.Routing.Assignees, rec.AssignedTo)
	}
	if target == "" || target == rec.AssignedTo {
		return false, humanfn.NewError(humanfn.ErrNoEscalationTarget, "", nil, map[string]any{
			"execution_id": rec.ExecutionID,
			"assigned_to":  rec.AssignedTo,
		})
	}
	if err := checkTransition(rec, humanfn.StatusEscalated); err != nil {
		return false, err
	}

	now := e.now()
	from := rec.AssignedTo
	rec.Status = humanfn.StatusEscalated
	rec.AssignedTo = target
	rec.AssignedAt = &now
	rec.Attempts++
	rec.AppendEvent(humanfn.AuditEvent{
		Type:      humanfn.EventEscalated,
		Actor:     e.actor(ctx, actorSystem),
		Timestamp: now,
		Message:   reason,
		Data: map[string]any{
			"from":    from,
			"to":      target,
			"attempt": rec.Attempts,
		},
	})
	if err := e.persist(ctx, rec); err != nil {
		return false, err
	}
	e.metrics.Transition(rec.FunctionName, rec.Status)

	if def, known := e.defs.Lookup(rec.FunctionName); known && def.Hooks.OnEscalate != nil {
		snapshot := *rec.Clone()
		failure := e.invokeHook(ctx, rec, hookOnEscalate, func(hctx context.Context) error {
			return def.Hooks.OnEscalate(hctx, snapshot, reason)
		})
		e.recordHookFailure(ctx, rec, failure)
	}

	e.route(ctx, rec, "escalated")
	e.notify(ctx, humanfn.UpdateEscalated, rec)
	return true, nil
}

// Retry schedules another delivery attempt after the backoff delay. It
// returns false when the retry budget is spent or the execution is final.
func (e *Engine) Retry(ctx context.Context, id string) (ok bool, err error) {
	started := time.Now()
	defer func() { e.metrics.ObserveOperation("retry", time.Since(started), err) }()

	id = strings.TrimSpace(id)
	unlock := e.locks.Lock(id)
	defer unlock()

	rec, err := e.load(ctx, id)
	if err != nil {
		return false, err
	}
	if !humanfn.CanTransition(rec.Status, humanfn.StatusPending) {
		return false, nil
	}
	if rec.Attempts >= rec.MaxRetries {
		e.logger.Debug("retry rejected for %s: attempts=%d max=%d", rec.ExecutionID, rec.Attempts, rec.MaxRetries)
		return false, nil
	}

	now := e.now()
	from := rec.Status
	delay := humanfn.BackoffDelay(rec.Attempts, rec.RetryBackoff, rec.RetryDelay())
	next := now.Add(delay)

	// The wake-up is armed before the record changes so a scheduling
	// failure leaves the execution exactly as it was.
	if _, err := e.sched.Arm(ctx, humanfn.Wakeup{
		Kind:         humanfn.WakeupRetry,
		ExecutionID:  rec.ExecutionID,
		ScheduledFor: next,
	}); err != nil {
		e.logger.Error("failed to arm retry for %s: %v", rec.ExecutionID, err)
		return false, err
	}
	prev := rec.Clone()

	rec.NextRetryAt = &next
	rec.TimeoutAt = next.Add(rec.TimeoutWindow())
	rec.Attempts++
	rec.Status = humanfn.StatusPending
	rec.CompletedAt = nil
	rec.AppendEvent(humanfn.AuditEvent{
		Type:      humanfn.EventRetry,
		Actor:     e.actor(ctx, actorSystem),
		Timestamp: now,
		Data: map[string]any{
			"attempt":       rec.Attempts,
			"from":          string(from),
			"delay_ms":      delay.Milliseconds(),
			"next_retry_at": next.Format(time.RFC3339Nano),
		},
	})
	if err := e.persist(ctx, rec); err != nil {
		e.restoreWakeup(ctx, prev)
		return false, err
	}
	e.metrics.Transition(rec.FunctionName, rec.Status)
	e.notify(ctx, humanfn.UpdateRetry, rec)
	return true, nil
}

// Cancel aborts the execution. Cancelling a terminal execution returns false.
func (e *Engine) Cancel(ctx context.Context, id, reason string) (ok bool, err error) {
	started := time.Now()
	defer func() { e.metrics.ObserveOperation("cancel", time.Since(started), err) }()

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

	now := e.now()
	rec.Status = humanfn.StatusCancelled
	rec.CompletedAt = &now
	rec.NextRetryAt = nil
	rec.AppendEvent(humanfn.AuditEvent{
		Type:      humanfn.EventCancelled,
		Actor:     e.actor(ctx, actorSystem),
		Timestamp: now,
		Message:   reason,
	})
	if err := e.persist(ctx, rec); err != nil {
		return false, err
	}
	e.cancelWakeup(ctx, rec.ExecutionID)
	e.metrics.Transition(rec.FunctionName, rec.Status)

	if def, known := e.defs.Lookup(rec.FunctionName); known && def.Hooks.OnCancel != nil {
		snapshot := *rec.Clone()
		failure := e.invokeHook(ctx, rec, hookOnCancel, func(hctx context.Context) error {
			return def.Hooks.OnCancel(hctx, snapshot, reason)
		})
		e.recordHookFailure(ctx, rec, failure)
	}

	e.notify(ctx, humanfn.UpdateCancelled, rec)
	return true, nil
}

// Fail moves a non-terminal execution to failed.
func (e *Engine) Fail(ctx context.Context, id, reason string) (ok bool, err error) {
	started := time.Now()
	defer func() { e.metrics.ObserveOperation("fail", time.Since(started), err) }()

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
	if err := e.failLocked(ctx, rec, reason, e.actor(ctx, actorSystem)); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) failLocked(ctx context.Context, rec *humanfn.ExecutionRecord, reason, actor string) error {
	now := e.now()
	rec.Status = humanfn.StatusFailed
	rec.CompletedAt = &now
	rec.NextRetryAt = nil
	rec.AppendEvent(humanfn.AuditEvent{Type: humanfn.EventFailed, Actor: actor, Timestamp: now, Message: reason})
	if err := e.persist(ctx, rec); err != nil {
		return err
	}
	e.cancelWakeup(ctx, rec.ExecutionID)
	e.metrics.Transition(rec.FunctionName, rec.Status)
	e.notify(ctx, humanfn.UpdateFailed, rec)
	return nil
}

// restoreWakeup puts back the wake-up implied by rec after a failed commit.
func (e *Engine) restoreWakeup(ctx context.Context, rec *humanfn.ExecutionRecord) {
	if rec.Status.IsTerminal() {
		e.cancelWakeup(ctx, rec.ExecutionID)
		return
	}
	if err := e.rearm(ctx, rec); err != nil {
		e.logger.Error("failed to restore wake-up for %s: %v", rec.ExecutionID, err)
	}
}

// markFailed is the best-effort variant used when a created execution
// cannot be armed.
func (e *Engine) markFailed(ctx context.Context, rec *humanfn.ExecutionRecord, reason, actor string) {
	if err := e.failLocked(ctx, rec, reason, actor); err != nil {
		e.logger.Error("failed to mark %s as failed: %v", rec.ExecutionID, err)
	}
}

// GetStatus returns the status projection of an execution.
func (e *Engine) GetStatus(ctx context.Context, id string) (*humanfn.ExecutionStatus, error) {
	rec, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Project(), nil
}

// GetHistory returns a copy of the audit trail.
func (e *Engine) GetHistory(ctx context.Context, id string) ([]humanfn.AuditEvent, error) {
	rec, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Clone().History, nil
}

// List returns status projections matching filter, newest first.
func (e *Engine) List(ctx context.Context, filter store.ListFilter) ([]*humanfn.ExecutionStatus, error) {
	recs, err := e.store.List(ctx, filter)
	if err != nil {
		return nil, e.persistenceError("list", "", err)
	}
	out := make([]*humanfn.ExecutionStatus, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Project())
	}
	return out, nil
}

// Connect subscribes sub to an execution and immediately sends it the
// current status.
func (e *Engine) Connect(ctx context.Context, id string, sub fanout.Subscriber) error {
	id = strings.TrimSpace(id)
	unlock := e.locks.Lock(id)
	defer unlock()

	rec, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	if err := e.hub.Add(rec.ExecutionID, sub); err != nil {
		return humanfn.NewError(humanfn.ErrSubscriberRejected, err.Error(), err, map[string]any{"execution_id": rec.ExecutionID})
	}
	if err := e.hub.Send(ctx, sub, humanfn.Update{
		Type:        humanfn.UpdateStatus,
		ExecutionID: rec.ExecutionID,
		Data:        rec.Project(),
		Timestamp:   e.now(),
	}); err != nil {
		return humanfn.NewError(humanfn.ErrSubscriberRejected, "initial status delivery failed", err, map[string]any{
			"execution_id":  rec.ExecutionID,
			"subscriber_id": sub.ID(),
		})
	}
	return nil
}

// Disconnect removes a subscriber.
func (e *Engine) Disconnect(id, subscriberID string) bool {
	return e.hub.Remove(strings.TrimSpace(id), subscriberID)
}

// Definitions exposes the resolver used by the engine.
func (e *Engine) Definitions() Definitions {
	return e.defs
}

func (e *Engine) load(ctx context.Context, id string) (*humanfn.ExecutionRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, humanfn.NewError(humanfn.ErrValidation, "execution id required", nil, nil)
	}
	rec, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, e.persistenceError("load", id, err)
	}
	if rec == nil {
		return nil, humanfn.NewError(humanfn.ErrNotFound, "", nil, map[string]any{"execution_id": id})
	}
	return rec, nil
}

func (e *Engine) persist(ctx context.Context, rec *humanfn.ExecutionRecord) error {
	rec.UpdatedAt = e.now()
	version, err := e.store.Save(ctx, rec, rec.Version)
	if err != nil {
		if errors.Is(err, store.ErrStateVersionConflict) {
			return humanfn.NewError(humanfn.ErrVersionConflict, "", err, map[string]any{
				"execution_id": rec.ExecutionID,
				"version":      rec.Version,
			})
		}
		return e.persistenceError("save", rec.ExecutionID, err)
	}
	rec.Version = version
	return nil
}

func (e *Engine) persistenceError(op, id string, err error) error {
	meta := map[string]any{"operation": op}
	if id != "" {
		meta["execution_id"] = id
	}
	return humanfn.NewError(humanfn.ErrPersistence, fmt.Sprintf("failed to %s execution", op), err, meta)
}

// cancelWakeup clears the armed wake-up after a terminal commit. A failure
// only leaves a wake-up that will find a terminal record.
func (e *Engine) cancelWakeup(ctx context.Context, id string) {
	if err := e.sched.Cancel(ctx, id); err != nil {
		e.logger.Warn("failed to cancel wake-up for %s: %v", id, err)
	}
}

func (e *Engine) route(ctx context.Context, rec *humanfn.ExecutionRecord, reason string) {
	if e.router == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.routeTimeout)
	defer cancel()

	req := routing.RouteRequest{
		ExecutionID: rec.ExecutionID,
		Function:    rec.FunctionName,
		Channel:     rec.Channel,
		Assignee:    rec.AssignedTo,
		Priority:    rec.Function.Routing.Priority,
		Attempt:     rec.Attempts,
		Reason:      reason,
		Payload:     rec.Input,
		TimeoutAt:   rec.TimeoutAt,
		Metadata:    copyMetadata(rec.Metadata),
	}
	if err := callRouter(rctx, e.router, req); err != nil {
		e.logger.Warn("routing %s to %s failed: %v", rec.ExecutionID, rec.Channel, err)
		e.metrics.RoutingFailed(rec.Channel)
	}
}

func callRouter(ctx context.Context, r routing.Router, req routing.RouteRequest) (err error) {
	defer humanfn.RecoverPanic("router", &err)
	return r.Route(ctx, req)
}

func (e *Engine) notify(ctx context.Context, typ humanfn.UpdateType, rec *humanfn.ExecutionRecord) {
	e.hub.Publish(context.WithoutCancel(ctx), humanfn.Update{
		Type:        typ,
		ExecutionID: rec.ExecutionID,
		Data:        rec.Project(),
		Timestamp:   e.now(),
	})
}

func (e *Engine) actor(ctx context.Context, explicit string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	return humanfn.ActorFromContext(ctx, actorSystem)
}

func checkTransition(rec *humanfn.ExecutionRecord, to humanfn.Status) error {
	if humanfn.CanTransition(rec.Status, to) {
		return nil
	}
	return humanfn.NewError(humanfn.ErrInvalidTransition, "", nil, map[string]any{
		"execution_id": rec.ExecutionID,
		"from":         string(rec.Status),
		"to":           string(to),
	})
}

func copyMetadata(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
