package engine

import (
	"context"
	"testing"
	"time"

	humanfn "github.com/goliatone/go-humanfn"
	"pgregory.net/rapid"
)

func TestRandomOperationSequencesKeepHistoryConsistent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(t)
		ctx := context.Background()
		id := h.execute(approvalDef("approve"), humanfn.ExecuteOptions{
			Timeout:    10 * time.Minute,
			RetryDelay: time.Minute,
			MaxRetries: intPtr(2),
		})

		prevLen := 0
		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			op := rapid.SampledFrom([]string{
				"respond", "start", "escalate", "retry", "cancel", "timeout", "advance",
			}).Draw(rt, "op")

			switch op {
			case "respond":
				_, _ = h.engine.Respond(ctx, id, map[string]any{"approved": true}, "alice")
			case "start":
				_, _ = h.engine.Start(ctx, id, "alice")
			case "escalate":
				_, _ = h.engine.Escalate(ctx, id, "no answer", "")
			case "retry":
				_, _ = h.engine.Retry(ctx, id)
			case "cancel":
				_, _ = h.engine.Cancel(ctx, id, "withdrawn")
			case "timeout":
				if err := h.engine.Timeout(ctx, id); err != nil {
					rt.Fatalf("timeout: %v", err)
				}
			case "advance":
				h.clock.Advance(time.Duration(rapid.IntRange(1, 12).Draw(rt, "minutes")) * time.Minute)
				if _, err := h.sched.RunDue(ctx); err != nil {
					rt.Fatalf("run due: %v", err)
				}
			}

			rec, err := h.store.Load(ctx, id)
			if err != nil || rec == nil {
				rt.Fatalf("load after %s: rec=%v err=%v", op, rec, err)
			}
			if len(rec.History) < prevLen {
				rt.Fatalf("history shrank after %s: %d -> %d", op, prevLen, len(rec.History))
			}
			prevLen = len(rec.History)

			if rec.History[0].Type != humanfn.EventCreated {
				rt.Fatalf("expected history to start with created, got %s", rec.History[0].Type)
			}
			if last, ok := lastStatusEvent(rec.History); !ok || last != rec.Status {
				rt.Fatalf("after %s status is %s but last status event records %s", op, rec.Status, last)
			}
			if (rec.Output != nil) != (rec.Status == humanfn.StatusCompleted) {
				rt.Fatalf("after %s output presence %v does not match status %s", op, rec.Output != nil, rec.Status)
			}
			if rec.Attempts > rec.MaxRetries {
				rt.Fatalf("attempts %d exceed max retries %d", rec.Attempts, rec.MaxRetries)
			}
		}
	})
}

func lastStatusEvent(events []humanfn.AuditEvent) (humanfn.Status, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if s, ok := events[i].Type.Status(); ok {
			return s, true
		}
	}
	return "", false
}
