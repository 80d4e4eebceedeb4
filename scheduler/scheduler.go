package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	humanfn "github.com/goliatone/go-humanfn"
	"github.com/goliatone/go-humanfn/store"
	rcron "github.com/robfig/cron/v3"
)

// Handler receives a due wake-up. Returning an error keeps the wake-up armed
// so the next sweep delivers it again.
type Handler func(ctx context.Context, w humanfn.Wakeup) error

// Report summarizes one sweep.
type Report struct {
	Due       int
	Delivered int
	Skipped   int
	Failed    int
}

// Scheduler delivers durable wake-ups at least once. Wake-ups live in the
// store so they survive restarts; local timers only shorten latency.
type Scheduler struct {
	store   store.WakeupStore
	handler Handler
	logger  humanfn.Logger
	now     func() time.Time

	sweepInterval   time.Duration
	batchSize       int
	deliveryTimeout time.Duration
	location        *time.Location
	localTimers     bool

	mu       sync.Mutex
	running  bool
	cron     *rcron.Cron
	baseCtx  context.Context
	cancel   context.CancelFunc
	timers   map[string]*armedTimer
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

type armedTimer struct {
	token string
	timer *time.Timer
}

// New builds a scheduler over a wake-up store.
func New(ws store.WakeupStore, handler Handler, opts ...Option) (*Scheduler, error) {
	if ws == nil {
		return nil, errors.New("wake-up store required")
	}
	if handler == nil {
		return nil, errors.New("wake-up handler required")
	}
	s := &Scheduler{
		store:           ws,
		handler:         handler,
		logger:          humanfn.NewFmtLogger(nil),
		now:             func() time.Time { return time.Now().UTC() },
		sweepInterval:   time.Second,
		batchSize:       100,
		deliveryTimeout: 30 * time.Second,
		location:        time.UTC,
		localTimers:     true,
		timers:          make(map[string]*armedTimer),
		inflight:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = humanfn.WithLoggerFields(s.logger, map[string]any{"component": "scheduler"})
	return s, nil
}

// SetHandler replaces the delivery handler. It exists so the engine and the
// scheduler can reference each other.
func (s *Scheduler) SetHandler(handler Handler) {
	if s == nil || handler == nil {
		return
	}
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

// Arm persists w as the execution's only wake-up, superseding any previous
// one, and returns it with its token.
func (s *Scheduler) Arm(ctx context.Context, w humanfn.Wakeup) (humanfn.Wakeup, error) {
	if s == nil {
		return w, errors.New("scheduler not configured")
	}
	w.ExecutionID = strings.TrimSpace(w.ExecutionID)
	if w.Token == "" {
		w.Token = humanfn.NewToken()
	}
	w.ScheduledFor = w.ScheduledFor.UTC()
	if err := s.store.PutWakeup(ctx, w); err != nil {
		return w, humanfn.NewError(humanfn.ErrSchedulingFailed, "persist wake-up", err, map[string]any{
			"execution_id": w.ExecutionID,
			"kind":         string(w.Kind),
		})
	}
	s.setTimer(w)
	s.logger.Debug("armed %s wake-up for %s at %s", w.Kind, w.ExecutionID, w.ScheduledFor.Format(time.RFC3339Nano))
	return w, nil
}

// Cancel removes the pending wake-up for an execution.
func (s *Scheduler) Cancel(ctx context.Context, executionID string) error {
	if s == nil {
		return errors.New("scheduler not configured")
	}
	executionID = strings.TrimSpace(executionID)
	s.stopTimer(executionID, "")
	if _, err := s.store.DeleteWakeup(ctx, executionID, ""); err != nil {
		return humanfn.NewError(humanfn.ErrSchedulingFailed, "delete wake-up", err, map[string]any{
			"execution_id": executionID,
		})
	}
	return nil
}

// Pending returns the armed wake-up of an execution, or nil.
func (s *Scheduler) Pending(ctx context.Context, executionID string) (*humanfn.Wakeup, error) {
	if s == nil {
		return nil, errors.New("scheduler not configured")
	}
	return s.store.GetWakeup(ctx, strings.TrimSpace(executionID))
}

// RunDue delivers every wake-up due now, up to the batch size.
func (s *Scheduler) RunDue(ctx context.Context) (Report, error) {
	var report Report
	if s == nil {
		return report, errors.New("scheduler not configured")
	}
	due, err := s.store.DueWakeups(ctx, s.now(), s.batchSize)
	if err != nil {
		return report, err
	}
	report.Due = len(due)
	var errs error
	for _, w := range due {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		delivered, err := s.deliver(ctx, w, false)
		switch {
		case err != nil:
			report.Failed++
			errs = errors.Join(errs, err)
		case delivered:
			report.Delivered++
		default:
			report.Skipped++
		}
	}
	return report, errs
}

// Start recovers wake-ups that came due while the process was down, re-arms
// local timers and starts the periodic sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("scheduler not configured")
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.running = true
	s.cron = rcron.New(
		rcron.WithLocation(s.location),
		rcron.WithLogger(cronLogger{logger: s.logger}),
		rcron.WithChain(
			rcron.Recover(cronLogger{logger: s.logger}),
			rcron.SkipIfStillRunning(cronLogger{logger: s.logger}),
		),
	)
	s.mu.Unlock()

	report, err := s.RunDue(ctx)
	if err != nil {
		s.logger.Warn("startup sweep finished with errors: %v", err)
	}
	if report.Due > 0 {
		s.logger.Info("startup sweep delivered=%d skipped=%d failed=%d", report.Delivered, report.Skipped, report.Failed)
	}

	if s.localTimers {
		pending, err := s.store.PendingWakeups(ctx, s.batchSize)
		if err != nil {
			return fmt.Errorf("load pending wake-ups: %w", err)
		}
		for _, w := range pending {
			s.setTimer(w)
		}
	}

	spec := "@every " + s.sweepInterval.String()
	if _, err := s.cron.AddFunc(spec, s.sweep); err != nil {
		return fmt.Errorf("failed to add sweep job: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the sweep and local timers and waits for in-flight deliveries.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	c := s.cron
	cancel := s.cancel
	for id, armed := range s.timers {
		armed.timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	stopped := c.Stop()
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
	cancel()
	return nil
}

func (s *Scheduler) sweep() {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	report, err := s.RunDue(ctx)
	if err != nil {
		s.logger.Warn("sweep finished with errors: %v", err)
		return
	}
	if report.Delivered > 0 {
		s.logger.Debug("sweep delivered=%d skipped=%d", report.Delivered, report.Skipped)
	}
}

// deliver hands w to the handler when it is still the armed wake-up.
// Timer deliveries are dropped once the scheduler stopped.
func (s *Scheduler) deliver(ctx context.Context, w humanfn.Wakeup, fromTimer bool) (bool, error) {
	key := w.ExecutionID + "/" + w.Token
	s.mu.Lock()
	if fromTimer && !s.running {
		s.mu.Unlock()
		return false, nil
	}
	if _, busy := s.inflight[key]; busy {
		s.mu.Unlock()
		return false, nil
	}
	s.inflight[key] = struct{}{}
	handler := s.handler
	s.wg.Add(1)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
		s.wg.Done()
	}()

	current, err := s.store.GetWakeup(ctx, w.ExecutionID)
	if err != nil {
		return false, err
	}
	if current == nil || current.Token != w.Token {
		// superseded or already consumed
		return false, nil
	}

	dctx, cancel := context.WithTimeout(ctx, s.deliveryTimeout)
	defer cancel()
	if err := invoke(dctx, handler, *current); err != nil {
		s.logger.Warn("wake-up delivery failed for %s (%s): %v", current.ExecutionID, current.Kind, err)
		return false, err
	}
	s.stopTimer(current.ExecutionID, current.Token)
	if _, err := s.store.DeleteWakeup(ctx, current.ExecutionID, current.Token); err != nil {
		return true, fmt.Errorf("clear delivered wake-up: %w", err)
	}
	return true, nil
}

func invoke(ctx context.Context, handler Handler, w humanfn.Wakeup) (err error) {
	defer humanfn.RecoverPanic("wakeup handler", &err)
	return handler(ctx, w)
}

func (s *Scheduler) setTimer(w humanfn.Wakeup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.timers[w.ExecutionID]; ok {
		prev.timer.Stop()
		delete(s.timers, w.ExecutionID)
	}
	if !s.running || !s.localTimers {
		return
	}
	wait := w.ScheduledFor.Sub(s.now())
	if wait < 0 {
		wait = 0
	}
	ctx := s.baseCtx
	s.timers[w.ExecutionID] = &armedTimer{
		token: w.Token,
		timer: time.AfterFunc(wait, func() {
			// failures stay armed for the next sweep
			_, _ = s.deliver(ctx, w, true)
		}),
	}
}

func (s *Scheduler) stopTimer(executionID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	armed, ok := s.timers[executionID]
	if !ok {
		return
	}
	if token != "" && armed.token != token {
		return
	}
	armed.timer.Stop()
	delete(s.timers, executionID)
}
