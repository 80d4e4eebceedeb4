package engine

import (
	"context"

	humanfn "github.com/goliatone/go-humanfn"
)

const (
	hookOnComplete = "onComplete"
	hookOnTimeout  = "onTimeout"
	hookOnEscalate = "onEscalate"
	hookOnCancel   = "onCancel"
)

// invokeHook runs fn with a bounded context and converts errors and panics
// into a HookFailure. It never propagates.
func (e *Engine) invokeHook(ctx context.Context, rec *humanfn.ExecutionRecord, hook string, fn func(context.Context) error) *humanfn.HookFailure {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.hookTimeout)
	defer cancel()

	err := callHook(hctx, hook, fn)
	if err == nil {
		return nil
	}
	e.logger.Error("%s hook failed for %s: %v", hook, rec.ExecutionID, err)
	e.metrics.HookFailed(rec.FunctionName, hook)
	code := humanfn.ErrorCode(err)
	if code == "" {
		code = humanfn.ErrCodeHookFailed
	}
	return &humanfn.HookFailure{
		Hook:     hook,
		Message:  err.Error(),
		Code:     code,
		FailedAt: e.now(),
	}
}

func callHook(ctx context.Context, hook string, fn func(context.Context) error) (err error) {
	defer humanfn.RecoverPanic(hook, &err)
	return fn(ctx)
}

// recordHookFailure appends failure to an already committed record and
// persists it. The transition itself stays committed either way.
func (e *Engine) recordHookFailure(ctx context.Context, rec *humanfn.ExecutionRecord, failure *humanfn.HookFailure) {
	if failure == nil {
		return
	}
	rec.HookErrors = append(rec.HookErrors, *failure)
	if err := e.persist(ctx, rec); err != nil {
		e.logger.Error("failed to record %s failure on %s: %v", failure.Hook, rec.ExecutionID, err)
	}
}
