package luahook

import (
	"context"
	"strings"
	"testing"
	"time"

	humanfn "github.com/goliatone/go-humanfn"
)

func TestCompileDiscoversDefinedHooks(t *testing.T) {
	script, err := Compile("review", `
function on_complete(execution) end
function on_escalate(execution, reason) end
`, WithLogger(humanfn.NopLogger{}))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	hooks := script.Hooks()
	if hooks.OnComplete == nil || hooks.OnEscalate == nil {
		t.Fatalf("expected complete and escalate hooks")
	}
	if hooks.OnTimeout != nil || hooks.OnCancel != nil {
		t.Fatalf("expected undefined hooks to stay nil")
	}
}

func TestCompileRejectsInvalidScripts(t *testing.T) {
	for name, src := range map[string]string{
		"empty":   "   ",
		"syntax":  "function on_complete(",
		"nothing": "local x = 1",
		"runtime": "error('boom')",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Compile(name, src); err == nil {
				t.Fatalf("expected compile error")
			} else if !humanfn.IsValidation(err) {
				t.Fatalf("expected definition error, got %v", err)
			}
		})
	}
}

func TestOnTimeoutReceivesExecutionAndReturnsValue(t *testing.T) {
	script, err := Compile("expense", `
function on_timeout(execution)
  if execution.input.amount > 100 then
    return { approved = false, tags = { "auto", execution.function_name } }
  end
  return nil
end
`, WithLogger(humanfn.NopLogger{}))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	hook := script.Hooks().OnTimeout

	out, err := hook(context.Background(), humanfn.ExecutionRecord{
		ExecutionID:  "exec-1",
		FunctionName: "approve-expense",
		Input:        map[string]any{"amount": 250.0},
		TimeoutAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("on_timeout: %v", err)
	}
	got, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected table result, got %#v", out)
	}
	if got["approved"] != false {
		t.Fatalf("expected approved=false, got %#v", got)
	}
	tags, ok := got["tags"].([]any)
	if !ok || len(tags) != 2 || tags[0] != "auto" || tags[1] != "approve-expense" {
		t.Fatalf("expected array tags, got %#v", got["tags"])
	}

	out, err = hook(context.Background(), humanfn.ExecutionRecord{Input: map[string]any{"amount": 5.0}})
	if err != nil || out != nil {
		t.Fatalf("expected nil result, got %#v err %v", out, err)
	}
}

func TestLuaErrorBecomesGoError(t *testing.T) {
	script, err := Compile("cancel", `
function on_cancel(execution, reason)
  error("refusing: " .. reason)
end
`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	err = script.Hooks().OnCancel(context.Background(), humanfn.ExecutionRecord{}, "late")
	if err == nil || !strings.Contains(err.Error(), "refusing: late") {
		t.Fatalf("expected lua error to surface, got %v", err)
	}
}

func TestSandboxRemovesUnsafeGlobals(t *testing.T) {
	script, err := Compile("sandbox", `
function on_complete(execution)
  if dofile ~= nil or loadstring ~= nil or print ~= nil or require ~= nil then
    error("unsafe global available")
  end
  if math.random ~= nil then
    error("random available")
  end
  if io ~= nil or os ~= nil then
    error("io or os available")
  end
  log("completed " .. execution.execution_id)
end
`, WithLogger(humanfn.NopLogger{}))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if err := script.Hooks().OnComplete(context.Background(), humanfn.ExecutionRecord{ExecutionID: "exec-9"}); err != nil {
		t.Fatalf("expected sandboxed call to succeed: %v", err)
	}
}

func TestCallHonoursContextCancellation(t *testing.T) {
	script, err := Compile("spin", `
function on_complete(execution)
  while true do end
end
`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := script.Hooks().OnComplete(ctx, humanfn.ExecutionRecord{}); err == nil {
		t.Fatalf("expected cancelled script to fail")
	}
}

func TestCallUndefinedHook(t *testing.T) {
	script, err := Compile("only-complete", "function on_complete(e) end")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := script.Call(context.Background(), FuncOnTimeout, humanfn.ExecutionRecord{}); err == nil {
		t.Fatalf("expected undefined hook call to fail")
	}
}
