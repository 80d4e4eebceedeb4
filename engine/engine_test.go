package engine

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	humanfn "github.com/goliatone/go-humanfn"
	"github.com/goliatone/go-humanfn/fanout"
	"github.com/goliatone/go-humanfn/registry"
	"github.com/goliatone/go-humanfn/routing"
	"github.com/goliatone/go-humanfn/scheduler"
	"github.com/goliatone/go-humanfn/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type routeRecorder struct {
	mu       sync.Mutex
	requests []routing.RouteRequest
	err      error
}

func (r *routeRecorder) Route(_ context.Context, req routing.RouteRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return r.err
}

func (r *routeRecorder) Requests() []routing.RouteRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]routing.RouteRequest(nil), r.requests...)
}

type countingMetrics struct {
	NopMetrics
	mu           sync.Mutex
	created      int
	hookFailures map[string]int
	routeFails   int
	wakeups      map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{hookFailures: map[string]int{}, wakeups: map[string]int{}}
}

func (m *countingMetrics) ExecutionCreated(string) {
	m.mu.Lock()
	m.created++
	m.mu.Unlock()
}

func (m *countingMetrics) HookFailed(_, hook string) {
	m.mu.Lock()
	m.hookFailures[hook]++
	m.mu.Unlock()
}

func (m *countingMetrics) RoutingFailed(string) {
	m.mu.Lock()
	m.routeFails++
	m.mu.Unlock()
}

func (m *countingMetrics) WakeupHandled(_ humanfn.WakeupKind, outcome string) {
	m.mu.Lock()
	m.wakeups[outcome]++
	m.mu.Unlock()
}

// switchScheduler fails Arm while failArm is set.
type switchScheduler struct {
	*scheduler.Scheduler
	failArm atomic.Bool
}

func (s *switchScheduler) Arm(ctx context.Context, w humanfn.Wakeup) (humanfn.Wakeup, error) {
	if s.failArm.Load() {
		return w, errors.New("wake-up store unavailable")
	}
	return s.Scheduler.Arm(ctx, w)
}

type harness struct {
	t       *testing.T
	engine  *Engine
	sched   *scheduler.Scheduler
	arms    *switchScheduler
	store   *store.MemoryStore
	clock   *fakeClock
	router  *routeRecorder
	metrics *countingMetrics
	defs    *registry.Registry
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		store:   store.NewMemoryStore(),
		clock:   newFakeClock(),
		router:  &routeRecorder{},
		metrics: newCountingMetrics(),
		defs:    registry.New(),
	}
	sched, err := scheduler.New(h.store, func(context.Context, humanfn.Wakeup) error { return nil },
		scheduler.WithClock(h.clock.Now),
		scheduler.WithLogger(humanfn.NopLogger{}),
		scheduler.WithLocalTimers(false),
	)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	base := []Option{
		WithClock(h.clock.Now),
		WithLogger(humanfn.NopLogger{}),
		WithRouter(h.router),
		WithMetrics(h.metrics),
		WithDefinitions(h.defs),
	}
	h.arms = &switchScheduler{Scheduler: sched}
	eng, err := New(h.store, h.arms, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	sched.SetHandler(eng.HandleWakeup)
	h.engine = eng
	h.sched = sched
	return h
}

func (h *harness) advance(d time.Duration) scheduler.Report {
	h.t.Helper()
	h.clock.Advance(d)
	report, err := h.sched.RunDue(context.Background())
	if err != nil {
		h.t.Fatalf("run due: %v", err)
	}
	return report
}

func (h *harness) status(id string) *humanfn.ExecutionStatus {
	h.t.Helper()
	st, err := h.engine.GetStatus(context.Background(), id)
	if err != nil {
		h.t.Fatalf("get status: %v", err)
	}
	return st
}

func (h *harness) record(id string) *humanfn.ExecutionRecord {
	h.t.Helper()
	rec, err := h.store.Load(context.Background(), id)
	if err != nil || rec == nil {
		h.t.Fatalf("load %s: rec=%v err=%v", id, rec, err)
	}
	return rec
}

func approvalDef(name string) humanfn.FunctionDefinition {
	return humanfn.FunctionDefinition{
		Name: name,
		Input: humanfn.MustCompileJSONSchema(`{
			"type": "object",
			"required": ["amount"],
			"properties": {"amount": {"type": "number"}}
		}`),
		Output: humanfn.MustCompileJSONSchema(`{
			"type": "object",
			"required": ["approved"],
			"properties": {"approved": {"type": "boolean"}}
		}`),
		Routing: humanfn.Routing{
			Channels:  []string{"slack"},
			Assignees: []string{"alice", "bob"},
			Priority:  "high",
		},
	}
}

func intPtr(v int) *int { return &v }

func eventTypes(events []humanfn.AuditEvent) []humanfn.EventType {
	out := make([]humanfn.EventType, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.Type)
	}
	return out
}

func hasEvent(events []humanfn.AuditEvent, typ humanfn.EventType) bool {
	for _, evt := range events {
		if evt.Type == typ {
			return true
		}
	}
	return false
}

func (h *harness) execute(def humanfn.FunctionDefinition, opts humanfn.ExecuteOptions) string {
	h.t.Helper()
	id, err := h.engine.Execute(context.Background(), def, map[string]any{"amount": 42}, opts)
	if err != nil {
		h.t.Fatalf("execute: %v", err)
	}
	return id
}

func TestTimeoutWithoutHookEndsInTimeout(t *testing.T) {
	h := newHarness(t)
	id := h.execute(approvalDef("approve"), humanfn.ExecuteOptions{Timeout: 5 * time.Minute})

	if report := h.advance(4 * time.Minute); report.Due != 0 {
		t.Fatalf("expected nothing due before the timeout, got %+v", report)
	}
	if report := h.advance(time.Minute); report.Delivered != 1 {
		t.Fatalf("expected timeout delivery, got %+v", report)
	}

	st := h.status(id)
	if st.Status != humanfn.StatusTimeout {
		t.Fatalf("expected timeout, got %s", st.Status)
	}
	if st.Output != nil {
		t.Fatalf("expected no output, got %#v", st.Output)
	}
	if st.CompletedAt == nil || !st.CompletedAt.Equal(h.clock.Now()) {
		t.Fatalf("expected completedAt at the timeout, got %v", st.CompletedAt)
	}
	if w, _ := h.sched.Pending(context.Background(), id); w != nil {
		t.Fatalf("expected no wake-up after timeout, got %#v", w)
	}
}

func TestTimeoutHookPromotesToCompleted(t *testing.T) {
	h := newHarness(t)
	def := approvalDef("approve")
	def.Hooks.OnTimeout = func(_ context.Context, rec humanfn.ExecutionRecord) (any, error) {
		if rec.Status != humanfn.StatusTimeout {
			return nil, errors.New("hook saw unexpected status " + string(rec.Status))
		}
		return map[string]any{"approved": false}, nil
	}
	updates := fanout.NewChanSubscriber(8)
	id := h.execute(def, humanfn.ExecuteOptions{Timeout: 5 * time.Minute})
	if err := h.engine.Connect(context.Background(), id, updates); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-updates.Updates()

	h.advance(5 * time.Minute)

	st := h.status(id)
	if st.Status != humanfn.StatusCompleted {
		t.Fatalf("expected promoted completion, got %s (hook errors %v)", st.Status, st.HookErrors)
	}
	if !reflect.DeepEqual(st.Output, map[string]any{"approved": false}) {
		t.Fatalf("unexpected output %#v", st.Output)
	}
	history, _ := h.engine.GetHistory(context.Background(), id)
	got := eventTypes(history)
	want := []humanfn.EventType{humanfn.EventCreated, humanfn.EventAssigned, humanfn.EventTimeout, humanfn.EventCompleted}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected history %v", got)
	}
	if history[3].Actor != actorOnTimeout {
		t.Fatalf("expected completion attributed to onTimeout, got %q", history[3].Actor)
	}

	first := <-updates.Updates()
	second := <-updates.Updates()
	if first.Type != humanfn.UpdateTimeout || second.Type != humanfn.UpdateCompleted {
		t.Fatalf("expected timeout then completed updates, got %s, %s", first.Type, second.Type)
	}
}

func TestSecondRespondIsNoop(t *testing.T) {
	h := newHarness(t)
	id := h.execute(approvalDef("approve"), humanfn.ExecuteOptions{})
	ctx := context.Background()

	ok, err := h.engine.Respond(ctx, id, map[string]any{"approved": true}, "alice")
	if err != nil || !ok {
		t.Fatalf("first respond: ok=%v err=%v", ok, err)
	}
	historyLen := len(h.record(id).History)

	ok, err = h.engine.Respond(ctx, id, map[string]any{"approved": false}, "mallory")
	if err != nil || ok {
		t.Fatalf("expected second respond to be a no-op, ok=%v err=%v", ok, err)
	}

	st := h.status(id)
	if !reflect.DeepEqual(st.Output, map[string]any{"approved": true}) || st.RespondedBy != "alice" {
		t.Fatalf("expected first response to stand, got %#v by %s", st.Output, st.RespondedBy)
	}
	if len(h.record(id).History) != historyLen {
		t.Fatalf("expected history unchanged by no-op respond")
	}
}

func TestRetryBoundIsEnforced(t *testing.T) {
	h := newHarness(t)
	id := h.execute(approvalDef("approve"), humanfn.ExecuteOptions{MaxRetries: intPtr(1)})
	ctx := context.Background()

	ok, err := h.engine.Retry(ctx, id)
	if err != nil || !ok {
		t.Fatalf("first retry: ok=%v err=%v", ok, err)
	}
	if st := h.status(id); st.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", st.Attempts)
	}

	for i := 0; i < 3; i++ {
		ok, err = h.engine.Retry(ctx, id)
		if err != nil || ok {
			t.Fatalf("expected retry at the bound to be rejected, ok=%v err=%v", ok, err)
		}
	}
	if st := h.status(id); st.Attempts != 1 {
		t.Fatalf("expected attempts to stay at the bound, got %d", st.Attempts)
	}
}

func TestRespondAfterCancelIsNoop(t *testing.T) {
	h := newHarness(t)
	id := h.execute(approvalDef("approve"), humanfn.ExecuteOptions{})
	ctx := context.Background()

	ok, err := h.engine.Cancel(ctx, id, "no longer needed")
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	ok, err = h.engine.Respond(ctx, id, map[string]any{"approved": true}, "alice")
	if err != nil || ok {
		t.Fatalf("expected respond after cancel to be a no-op, ok=%v err=%v", ok, err)
	}
	st := h.status(id)
	if st.Status != humanfn.StatusCancelled || st.Output != nil {
		t.Fatalf("expected cancelled without output, got %s %#v", st.Status, st.Output)
	}
	if ok, _ := h.engine.Cancel(ctx, id, "again"); ok {
		t.Fatalf("expected second cancel to be a no-op")
	}
	if w, _ := h.sched.Pending(ctx, id); w != nil {
		t.Fatalf("expected cancel to disarm the wake-up")
	}
	last, _ := h.record(id).LastEvent()
	if last.Type != humanfn.EventCancelled || last.Message != "no longer needed" {
		t.Fatalf("unexpected last event %#v", last)
	}
}

func TestExecuteRecordsCreationAndRoutes(t *testing.T) {
	h := newHarness(t)
	id, err := h.engine.Execute(context.Background(), approvalDef("approve"), map[string]any{"amount": 10}, humanfn.ExecuteOptions{
		ExecutionID:   "exec-fixed",
		Metadata:      map[string]any{"team": "finance"},
		CorrelationID: "order-7",
		Actor:         "pipeline",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if id != "exec-fixed" {
		t.Fatalf("expected caller supplied id, got %s", id)
	}

	rec := h.record(id)
	if rec.Status != humanfn.StatusPending || rec.Channel != "slack" || rec.AssignedTo != "alice" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !rec.TimeoutAt.Equal(h.clock.Now().Add(humanfn.DefaultTimeout)) {
		t.Fatalf("expected default timeout, got %v", rec.TimeoutAt)
	}
	if rec.MaxRetries != humanfn.DefaultMaxRetries || rec.RetryBackoff != humanfn.BackoffExponential {
		t.Fatalf("expected engine retry defaults, got %d %s", rec.MaxRetries, rec.RetryBackoff)
	}
	if got := eventTypes(rec.History); !reflect.DeepEqual(got, []humanfn.EventType{humanfn.EventCreated, humanfn.EventAssigned}) {
		t.Fatalf("unexpected history %v", got)
	}
	if rec.History[0].Actor != "pipeline" {
		t.Fatalf("expected actor on created event, got %q", rec.History[0].Actor)
	}

	w, _ := h.sched.Pending(context.Background(), id)
	if w == nil || w.Kind != humanfn.WakeupTimeout || !w.ScheduledFor.Equal(rec.TimeoutAt) {
		t.Fatalf("expected timeout wake-up at timeoutAt, got %#v", w)
	}

	reqs := h.router.Requests()
	if len(reqs) != 1 || reqs[0].Channel != "slack" || reqs[0].Assignee != "alice" || reqs[0].Priority != "high" {
		t.Fatalf("unexpected route requests %#v", reqs)
	}
	if _, ok := h.defs.Lookup("approve"); !ok {
		t.Fatalf("expected execute to register the definition")
	}
}

func TestExecuteRejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Execute(context.Background(), approvalDef("approve"), map[string]any{"amount": "lots"}, humanfn.ExecuteOptions{})
	if !humanfn.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	recs, _ := h.store.List(context.Background(), store.ListFilter{})
	if len(recs) != 0 {
		t.Fatalf("expected nothing persisted, got %d records", len(recs))
	}
	if len(h.router.Requests()) != 0 {
		t.Fatalf("expected no routing for rejected input")
	}
}

func TestExecuteSurvivesRoutingFailure(t *testing.T) {
	h := newHarness(t)
	h.router.err = errors.New("slack unavailable")
	id := h.execute(approvalDef("approve"), humanfn.ExecuteOptions{})
	if st := h.status(id); st.Status != humanfn.StatusPending {
		t.Fatalf("expected pending execution, got %s", st.Status)
	}
	if h.metrics.routeFails != 1 {
		t.Fatalf("expected routing failure to be counted, got %d", h.metrics.routeFails)
	}
}

func TestExecuteRejectsDuplicateID(t *testing.T) {
	h := newHarness(t)
	h.execute(approvalDef("approve"), humanfn.ExecuteOptions{ExecutionID: "dup"})
	_, err := h.engine.Execute(context.Background(), approvalDef("approve"), map[string]any{"amount": 1}, humanfn.ExecuteOptions{ExecutionID: "dup"})
	if humanfn.ErrorCode(err) != humanfn.ErrCodeDuplicateExecution {
		t.Fatalf("expected duplicate execution error, got %v", err)
	}
}

func TestExecuteByName(t *testing.T) {
	h := newHarness(t)
	if err := h.defs.Register(approvalDef("approve")); err != nil {
		t.Fatalf("register: %v", err)
	}
	id, err := h.engine.ExecuteByName(context.Background(), "approve", map[string]any{"amount": 3}, humanfn.ExecuteOptions{})
	if err != nil || id == "" {
		t.Fatalf("execute by name: id=%q err=%v", id, err)
	}
	if _, err := h.engine.ExecuteByName(context.Background(), "missing", nil, humanfn.ExecuteOptions{}); !humanfn.IsNotFound(err) {
		t.Fatalf("expected function not found, got %v", err)
	}
}

func TestRespondRejectsInvalidOutputWithoutMutation(t *testing.T) {
	h := newHarness(t)
	id := h.execute(approvalDef("approve"), humanfn.ExecuteOptions{})
	ctx := context.Background()
	if ok, err := h.engine.Start(ctx, id, "alice"); err != nil || !ok {
		t.Fatalf("start: ok=%v err=%v", ok, err)
	}
	before := h.record(id)

	ok, err := h.engine.Respond(ctx, id, map[string]any{"approved": "yes"}, "alice")
	if ok || !humanfn.IsValidation(err) {
		t.Fatalf("expected validation failure, ok=%v err=%v", ok, err)
	}
	after := h.record(id)
	if after.Status != humanfn.StatusStarted || after.Version != before.Version || len(after.History) != len(before.History) {
		t.Fatalf("expected record untouched, got status=%s version=%d", after.Status, after.Version)
	}
}

func TestRespondDisarmsTimeout(t *testing.T) {
	h := newHarness(t)
	id := h.execute(approvalDef("approve"), humanfn.ExecuteOptions{Timeout: time.Minute})
	if ok, err := h.engine.Respond(context.Background(), id, map[string]any{"approved": true}, "bob"); err != nil || !ok {
		t.Fatalf("respond: ok=%v err=%v", ok, err)
	}
	if w, _ := h.sched.Pending(context.Background(), id); w != nil {
		t.Fatalf("expected respond to disarm the wake-up")
	}
	h.advance(time.Hour)
	st := h.status(id)
	if st.Status != humanfn.StatusCompleted || st.RespondedBy != "bob" {
		t.Fatalf("expected completed by bob, got %s by %s", st.Status, st.RespondedBy)
	}
	history, _ := h.engine.GetHistory(context.Background(), id)
	if hasEvent(history, humanfn.EventTimeout) {
		t.Fatalf("timeout must not follow a response")
	}
}

func TestStartOnlyFromPending(t *testing.T) {
	h := newHarness(t)
	id := h.execute(approvalDef("approve"), humanfn.ExecuteOptions{})
	ctx := context.Background()
	if ok, _ := h.engine.Start(ctx, id, "alice"); !ok {
		t.Fatalf("expected start from pending")
	}
	if ok, _ := h.engine.Start(ctx, id, "bob"); ok {
		t.Fatalf("expected second start to be a no-op")
	}
	st := h.status(id)
	if st.Status != humanfn.StatusStarted || st.StartedAt == nil {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestRetryReroutesThenTimesOut(t *testing.T) {
	h := newHarness(t)
	id := h.execute(approvalDef("approve"), humanfn.ExecuteOptions{
		Timeout:      5 * time.Minute,
		MaxRetries:   intPtr(2),
		RetryDelay:   time.Minute,
		RetryBackoff: humanfn.BackoffExponential,
	})
	ctx := context.Background()
	start := h.clock.Now()

	if ok, err := h.engine.Retry(ctx, id); err != nil || !ok {
		t.Fatalf("retry: ok=%v err=%v", ok, err)
	}
	rec := h.record(id)
	if rec.NextRetryAt == nil || !rec.NextRetryAt.Equal(start.Add(time.Minute)) {
		t.Fatalf("expected next retry in one minute, got %v", rec.NextRetryAt)
	}
	if !rec.TimeoutAt.Equal(start.Add(6 * time.Minute)) {
		t.Fatalf("expected timeout recomputed from next retry, got %v", rec.TimeoutAt)
	}
	w, _ := h.sched.Pending(ctx, id)
	if w == nil || w.Kind != humanfn.WakeupRetry {
		t.Fatalf("expected retry wake-up, got %#v", w)
	}

	h.advance(time.Minute)
	rec = h.record(id)
	if rec.NextRetryAt != nil || rec.Status != humanfn.StatusPending {
		t.Fatalf("expected retry to be consumed, got next=%v status=%s", rec.NextRetryAt, rec.Status)
	}
	if last, _ := rec.LastEvent(); last.Type != humanfn.EventRouted {
		t.Fatalf("expected routed event, got %s", last.Type)
	}
	if reqs := h.router.Requests(); len(reqs) != 2 || reqs[1].Reason != "retry" || reqs[1].Attempt != 1 {
		t.Fatalf("expected re-route on retry, got %#v", reqs)
	}
	w, _ = h.sched.Pending(ctx, id)
	if w == nil || w.Kind != humanfn.WakeupTimeout || !w.ScheduledFor.Equal(rec.TimeoutAt) {
		t.Fatalf("expected timeout re-armed, got %#v", w)
	}

	h.advance(5 * time.Minute)
	if st := h.status(id); st.Status != humanfn.StatusTimeout {
		t.Fatalf("expected timeout after retry window, got %s", st.Status)
	}
}

func TestRetryAfterTimeout(t *testing.T) {
	h := newHarness(t)
	id := h.execute(approvalDef("approve"), humanfn.ExecuteOptions{Timeout: time.Minute, RetryDelay: time.Second})
	h.advance(time.Minute)
	if st := h.status(id); st.Status != humanfn.StatusTimeout {
		t.Fatalf("expected timeout, got %s", st.Status)
	}

	ok, err := h.engine.Retry(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("retry after timeout: ok=%v err=%v", ok, err)
	}
	st := h.status(id)
	if st.Status != humanfn.StatusPending || st.CompletedAt != nil || st.Attempts != 1 {
		t.Fatalf("expected execution back to pending, got %+v", st)
	}
}

func TestEscalateUsesNextAssignee(t *testing.T) {
	h := newHarness(t)
	id := h.execute(approvalDef("approve"), humanfn.ExecuteOptions{Timeout: time.Hour})
	ctx := context.Background()
	timeoutAt := h.record(id).TimeoutAt

	var hookReason string
	def, _ := h.defs.Lookup("approve")
	def.Hooks.OnEscalate = func(_ context.Context, _ humanfn.ExecutionRecord, reason string) error {
		hookReason = reason
		return nil
	}
	if err := h.defs.Replace(def); err != nil {
		t.Fatalf("replace: %v", err)
	}

	h.clock.Advance(10 * time.Minute)
	ok, err := h.engine.Escalate(ctx, id, "alice is away", "")
	if err != nil || !ok {
		t.Fatalf("escalate: ok=%v err=%v", ok, err)
	}
	rec := h.record(id)
	if rec.Status != humanfn.StatusEscalated || rec.AssignedTo != "bob" || rec.Attempts != 1 {
		t.Fatalf("unexpected escalation result %+v", rec)
	}
	if !rec.TimeoutAt.Equal(timeoutAt) {
		t.Fatalf("escalation must not move timeoutAt")
	}
	if rec.AssignedAt == nil || !rec.AssignedAt.Equal(h.clock.Now()) {
		t.Fatalf("expected assignedAt updated, got %v", rec.AssignedAt)
	}
	last, _ := rec.LastEvent()
	if last.Type != humanfn.EventEscalated || last.Data["from"] != "alice" || last.Data["to"] != "bob" {
		t.Fatalf("unexpected escalation event %#v", last)
	}
	if hookReason != "alice is away" {
		t.Fatalf("expected onEscalate to receive the reason, got %q", hookReason)
	}
	reqs := h.router.Requests()
	if len(reqs) != 2 || reqs[1].Assignee != "bob" || reqs[1].Reason != "escalated" {
		t.Fatalf("expected re-route to bob, got %#v", reqs)
	}

	if ok, err := h.engine.Escalate(ctx, id, "manager", "carol"); err != nil || !ok {
		t.Fatalf("explicit escalation: ok=%v err=%v", ok, err)
	}
	if rec := h.record(id); rec.AssignedTo != "carol" || rec.Attempts != 2 {
		t.Fatalf("expected carol after explicit escalation, got %s", rec.AssignedTo)
	}
}

func TestEscalateWithoutBackupFails(t *testing.T) {
	h := newHarness(t)
	def := approvalDef("solo")
	def.Routing.Assignees = []string{"alice"}
	id := h.execute(def, humanfn.ExecuteOptions{})

	ok, err := h.engine.Escalate(context.Background(), id, "nobody else", "")
	if ok || humanfn.ErrorCode(err) != humanfn.ErrCodeNoEscalationTarget {
		t.Fatalf("expected no escalation target, ok=%v err=%v", ok, err)
	}
	if !humanfn.IsPolicyRejection(err) {
		t.Fatalf("expected policy rejection classification")
	}
	if st := h.status(id); st.Status != humanfn.StatusPending || st.Attempts != 0 {
		t.Fatalf("expected execution untouched, got %+v", st)
	}
}

func TestHookFailuresAreRecordedNotPropagated(t *testing.T) {
	h := newHarness(t)
	def := approvalDef("hooks")
	def.Hooks.OnComplete = func(context.Context, humanfn.ExecutionRecord) error {
		return errors.New("ledger offline")
	}
	def.Hooks.OnCancel = func(context.Context, humanfn.ExecutionRecord, string) error {
		panic("cancel hook exploded")
	}
	ctx := context.Background()

	done := h.execute(def, humanfn.ExecuteOptions{})
	ok, err := h.engine.Respond(ctx, done, map[string]any{"approved": true}, "alice")
	if err != nil || !ok {
		t.Fatalf("respond must succeed despite hook failure: ok=%v err=%v", ok, err)
	}
	st := h.status(done)
	if st.Status != humanfn.StatusCompleted || len(st.HookErrors) != 1 || st.HookErrors[0].Hook != hookOnComplete {
		t.Fatalf("expected recorded onComplete failure, got %+v", st)
	}

	cancelled := h.execute(def, humanfn.ExecuteOptions{})
	ok, err = h.engine.Cancel(ctx, cancelled, "stop")
	if err != nil || !ok {
		t.Fatalf("cancel must succeed despite hook panic: ok=%v err=%v", ok, err)
	}
	st = h.status(cancelled)
	if st.Status != humanfn.StatusCancelled || len(st.HookErrors) != 1 || st.HookErrors[0].Hook != hookOnCancel {
		t.Fatalf("expected recorded onCancel failure, got %+v", st)
	}
	if h.metrics.hookFailures[hookOnComplete] != 1 || h.metrics.hookFailures[hookOnCancel] != 1 {
		t.Fatalf("expected hook failures counted, got %v", h.metrics.hookFailures)
	}
}

func TestTimeoutHookFailureKeepsTimeout(t *testing.T) {
	h := newHarness(t)
	def := approvalDef("approve")
	def.Hooks.OnTimeout = func(context.Context, humanfn.ExecutionRecord) (any, error) {
		return nil, errors.New("fallback service down")
	}
	failing := h.execute(def, humanfn.ExecuteOptions{Timeout: time.Minute})

	invalid := approvalDef("invalid-fallback")
	invalid.Hooks.OnTimeout = func(context.Context, humanfn.ExecutionRecord) (any, error) {
		return map[string]any{"approved": "maybe"}, nil
	}
	rejected := h.execute(invalid, humanfn.ExecuteOptions{Timeout: time.Minute})

	h.advance(time.Minute)

	for _, id := range []string{failing, rejected} {
		st := h.status(id)
		if st.Status != humanfn.StatusTimeout || st.Output != nil {
			t.Fatalf("%s: expected plain timeout, got %s %#v", id, st.Status, st.Output)
		}
		if len(st.HookErrors) != 1 || st.HookErrors[0].Hook != hookOnTimeout {
			t.Fatalf("%s: expected onTimeout failure recorded, got %+v", id, st.HookErrors)
		}
	}
}

func TestTimeoutOnTerminalIsNoop(t *testing.T) {
	h := newHarness(t)
	id := h.execute(approvalDef("approve"), humanfn.ExecuteOptions{})
	ctx := context.Background()
	if _, err := h.engine.Respond(ctx, id, map[string]any{"approved": true}, "alice"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	version := h.record(id).Version
	if err := h.engine.Timeout(ctx, id); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	if err := h.engine.HandleWakeup(ctx, humanfn.Wakeup{Kind: humanfn.WakeupTimeout, ExecutionID: id, ScheduledFor: h.clock.Now().Add(48 * time.Hour)}); err != nil {
		t.Fatalf("handle wake-up: %v", err)
	}
	if rec := h.record(id); rec.Status != humanfn.StatusCompleted || rec.Version != version {
		t.Fatalf("expected terminal record untouched, got %s v%d", rec.Status, rec.Version)
	}
}

func TestTimeoutWithUnknownDefinitionFails(t *testing.T) {
	h := newHarness(t)
	id := h.execute(approvalDef("approve"), humanfn.ExecuteOptions{Timeout: time.Minute})

	restarted, err := New(h.store, h.sched, WithClock(h.clock.Now), WithLogger(humanfn.NopLogger{}))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.sched.SetHandler(restarted.HandleWakeup)
	h.advance(time.Minute)

	st, _ := restarted.GetStatus(context.Background(), id)
	if st.Status != humanfn.StatusFailed {
		t.Fatalf("expected failed when the definition is gone, got %s", st.Status)
	}
}

func TestFailIsTerminal(t *testing.T) {
	h := newHarness(t)
	id := h.execute(approvalDef("approve"), humanfn.ExecuteOptions{})
	ctx := context.Background()
	if ok, err := h.engine.Fail(ctx, id, "upstream rejected"); err != nil || !ok {
		t.Fatalf("fail: ok=%v err=%v", ok, err)
	}
	if ok, _ := h.engine.Retry(ctx, id); ok {
		t.Fatalf("expected retry on failed execution to be rejected")
	}
	if ok, _ := h.engine.Fail(ctx, id, "again"); ok {
		t.Fatalf("expected second fail to be a no-op")
	}
}

func TestWakeupsSurviveEngineRestart(t *testing.T) {
	h := newHarness(t)
	id := h.execute(approvalDef("approve"), humanfn.ExecuteOptions{Timeout: 5 * time.Minute})

	// new scheduler and engine over the same durable store
	sched, err := scheduler.New(h.store, func(context.Context, humanfn.Wakeup) error { return nil },
		scheduler.WithClock(h.clock.Now), scheduler.WithLogger(humanfn.NopLogger{}), scheduler.WithLocalTimers(false))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	eng, err := New(h.store, sched, WithClock(h.clock.Now), WithLogger(humanfn.NopLogger{}), WithDefinitions(h.defs))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	sched.SetHandler(eng.HandleWakeup)

	h.clock.Advance(5 * time.Minute)
	if report, err := sched.RunDue(context.Background()); err != nil || report.Delivered != 1 {
		t.Fatalf("expected recovered delivery, report=%+v err=%v", report, err)
	}
	if st, _ := eng.GetStatus(context.Background(), id); st.Status != humanfn.StatusTimeout {
		t.Fatalf("expected timeout after restart, got %s", st.Status)
	}
}

func TestEarlyWakeupRearms(t *testing.T) {
	h := newHarness(t)
	id := h.execute(approvalDef("approve"), humanfn.ExecuteOptions{Timeout: time.Hour})
	ctx := context.Background()

	err := h.engine.HandleWakeup(ctx, humanfn.Wakeup{Kind: humanfn.WakeupTimeout, ExecutionID: id, ScheduledFor: h.clock.Now()})
	if err != nil {
		t.Fatalf("handle early wake-up: %v", err)
	}
	if st := h.status(id); st.Status != humanfn.StatusPending {
		t.Fatalf("early wake-up must not time out, got %s", st.Status)
	}
	w, _ := h.sched.Pending(ctx, id)
	if w == nil || !w.ScheduledFor.Equal(h.record(id).TimeoutAt) {
		t.Fatalf("expected timeout re-armed, got %#v", w)
	}
	if h.metrics.wakeups[WakeupOutcomeRearmed] != 1 {
		t.Fatalf("expected rearm outcome recorded, got %v", h.metrics.wakeups)
	}
}

func TestConcurrentRespondAndTimeout(t *testing.T) {
	for i := 0; i < 25; i++ {
		h := newHarness(t)
		id := h.execute(approvalDef("approve"), humanfn.ExecuteOptions{Timeout: time.Minute})
		h.clock.Advance(time.Minute)

		var (
			wg        sync.WaitGroup
			responded bool
			respErr   error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			responded, respErr = h.engine.Respond(context.Background(), id, map[string]any{"approved": true}, "alice")
		}()
		go func() {
			defer wg.Done()
			_, _ = h.sched.RunDue(context.Background())
		}()
		wg.Wait()

		if respErr != nil {
			t.Fatalf("respond: %v", respErr)
		}
		rec := h.record(id)
		terminal := 0
		for _, evt := range rec.History {
			if evt.Type == humanfn.EventTimeout || evt.Type == humanfn.EventResponded {
				terminal++
			}
		}
		if terminal != 1 {
			t.Fatalf("expected exactly one of respond/timeout to win, history %v", eventTypes(rec.History))
		}
		switch {
		case responded && rec.Status != humanfn.StatusCompleted:
			t.Fatalf("respond won but status is %s", rec.Status)
		case !responded && rec.Status != humanfn.StatusTimeout:
			t.Fatalf("respond lost but status is %s", rec.Status)
		}
	}
}

func TestConnectPushesStatusAndUpdates(t *testing.T) {
	h := newHarness(t)
	id := h.execute(approvalDef("approve"), humanfn.ExecuteOptions{})
	ctx := context.Background()
	sub := fanout.NewChanSubscriber(4)

	if err := h.engine.Connect(ctx, id, sub); err != nil {
		t.Fatalf("connect: %v", err)
	}
	first := <-sub.Updates()
	if first.Type != humanfn.UpdateStatus {
		t.Fatalf("expected status snapshot first, got %s", first.Type)
	}
	if st, ok := first.Data.(*humanfn.ExecutionStatus); !ok || st.Status != humanfn.StatusPending {
		t.Fatalf("unexpected snapshot %#v", first.Data)
	}

	if _, err := h.engine.Respond(ctx, id, map[string]any{"approved": true}, "alice"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if u := <-sub.Updates(); u.Type != humanfn.UpdateCompleted || u.ExecutionID != id {
		t.Fatalf("expected completion update, got %#v", u)
	}

	if !h.engine.Disconnect(id, sub.ID()) {
		t.Fatalf("expected disconnect to remove subscriber")
	}
}

func TestConnectErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.engine.Connect(ctx, "missing", fanout.NewChanSubscriber(1)); !humanfn.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	id := h.execute(approvalDef("approve"), humanfn.ExecuteOptions{})
	broken := fanout.FuncSubscriber{SubscriberID: "broken", Fn: func(context.Context, humanfn.Update) error {
		return errors.New("closed")
	}}
	if err := h.engine.Connect(ctx, id, broken); humanfn.ErrorCode(err) != humanfn.ErrCodeSubscriberRejected {
		t.Fatalf("expected subscriber rejected, got %v", err)
	}
	if h.engine.Disconnect(id, "broken") {
		t.Fatalf("expected rejected subscriber to be gone already")
	}
}

func TestReadsOfUnknownExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.engine.GetStatus(ctx, "nope"); !humanfn.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := h.engine.GetHistory(ctx, "nope"); !humanfn.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := h.engine.Respond(ctx, "nope", nil, "x"); !humanfn.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetHistoryReturnsCopy(t *testing.T) {
	h := newHarness(t)
	id := h.execute(approvalDef("approve"), humanfn.ExecuteOptions{})
	history, _ := h.engine.GetHistory(context.Background(), id)
	history[0].Type = humanfn.EventCancelled
	again, _ := h.engine.GetHistory(context.Background(), id)
	if again[0].Type != humanfn.EventCreated {
		t.Fatalf("expected history to be isolated from callers")
	}
}

func TestListFiltersByStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.execute(approvalDef("approve"), humanfn.ExecuteOptions{})
	h.execute(approvalDef("approve"), humanfn.ExecuteOptions{})
	if _, err := h.engine.Cancel(ctx, a, "dup"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	list, err := h.engine.List(ctx, store.ListFilter{Status: humanfn.StatusCancelled})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ExecutionID != a {
		t.Fatalf("expected only the cancelled execution, got %#v", list)
	}
}

func TestKeyLockReleasesEntries(t *testing.T) {
	k := newKeyLock()
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("exec-1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("expected serialized increments, got %d", counter)
	}
	if k.size() != 0 {
		t.Fatalf("expected lock table to drain, got %d entries", k.size())
	}
}

func TestRetryArmFailureLeavesExecutionUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.execute(approvalDef("approve"), humanfn.ExecuteOptions{Timeout: time.Minute, RetryDelay: time.Second})
	h.advance(time.Minute)
	before := h.record(id)
	if before.Status != humanfn.StatusTimeout {
		t.Fatalf("expected timeout, got %s", before.Status)
	}

	h.arms.failArm.Store(true)
	ok, err := h.engine.Retry(ctx, id)
	if err == nil || ok {
		t.Fatalf("expected retry to fail when the wake-up cannot be armed, ok=%v err=%v", ok, err)
	}
	after := h.record(id)
	if after.Status != humanfn.StatusTimeout || after.Attempts != 0 || after.NextRetryAt != nil || after.Version != before.Version {
		t.Fatalf("expected record unchanged, got status=%s attempts=%d next=%v version=%d", after.Status, after.Attempts, after.NextRetryAt, after.Version)
	}
	if len(after.History) != len(before.History) {
		t.Fatalf("expected no retry event, got %v", eventTypes(after.History))
	}

	h.arms.failArm.Store(false)
	ok, err = h.engine.Retry(ctx, id)
	if err != nil || !ok {
		t.Fatalf("retry after recovery: ok=%v err=%v", ok, err)
	}
	w, err := h.sched.Pending(ctx, id)
	if err != nil || w == nil || w.Kind != humanfn.WakeupRetry {
		t.Fatalf("expected retry wake-up armed, got %#v err=%v", w, err)
	}
	if st := h.status(id); st.Status != humanfn.StatusPending || st.Attempts != 1 {
		t.Fatalf("expected pending attempt 1, got %s attempts=%d", st.Status, st.Attempts)
	}
}

func TestRetryArmFailureKeepsTimeoutArmed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.execute(approvalDef("approve"), humanfn.ExecuteOptions{Timeout: time.Minute, RetryDelay: time.Second})

	h.arms.failArm.Store(true)
	if ok, err := h.engine.Retry(ctx, id); err == nil || ok {
		t.Fatalf("expected retry to fail, ok=%v err=%v", ok, err)
	}
	h.arms.failArm.Store(false)

	w, err := h.sched.Pending(ctx, id)
	if err != nil || w == nil || w.Kind != humanfn.WakeupTimeout {
		t.Fatalf("expected original timeout still armed, got %#v err=%v", w, err)
	}
	if rec := h.record(id); rec.Status != humanfn.StatusPending || rec.Attempts != 0 {
		t.Fatalf("expected untouched pending record, got %s attempts=%d", rec.Status, rec.Attempts)
	}

	h.advance(time.Minute)
	if st := h.status(id); st.Status != humanfn.StatusTimeout {
		t.Fatalf("expected execution to still time out, got %s", st.Status)
	}
}

func TestOperationsLockTrimmedID(t *testing.T) {
	h := newHarness(t)
	id := h.execute(approvalDef("approve"), humanfn.ExecuteOptions{})

	unlock := h.engine.locks.Lock(id)
	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Respond(context.Background(), "  "+id+" ", map[string]any{"approved": true}, "alice")
		done <- err
	}()

	select {
	case err := <-done:
		unlock()
		t.Fatalf("respond ran while the execution lock was held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	unlock()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("respond: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("respond did not finish after the lock was released")
	}
	if st := h.status(id); st.Status != humanfn.StatusCompleted {
		t.Fatalf("expected completed, got %s", st.Status)
	}
}
