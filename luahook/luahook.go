package luahook

import (
	"context"
	"fmt"
	"strings"
	"time"

	humanfn "github.com/goliatone/go-humanfn"
	lua "github.com/yuin/gopher-lua"
)

// Global function names a script may define.
const (
	FuncOnComplete = "on_complete"
	FuncOnTimeout  = "on_timeout"
	FuncOnEscalate = "on_escalate"
	FuncOnCancel   = "on_cancel"
)

var hookFuncs = []string{FuncOnComplete, FuncOnTimeout, FuncOnEscalate, FuncOnCancel}

// Script is a compiled lifecycle hook script. Every call runs in a fresh,
// sandboxed Lua state because LState is not safe for concurrent use.
type Script struct {
	name    string
	source  string
	defined map[string]bool
	logger  humanfn.Logger
}

// Option configures a Script.
type Option func(*Script)

// WithLogger routes the script's log() calls.
func WithLogger(logger humanfn.Logger) Option {
	return func(s *Script) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Compile loads source once to check syntax and discover defined hooks.
func Compile(name, source string, opts ...Option) (*Script, error) {
	s := &Script{
		name:    strings.TrimSpace(name),
		source:  source,
		defined: make(map[string]bool),
		logger:  humanfn.NopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if strings.TrimSpace(source) == "" {
		return nil, humanfn.NewError(humanfn.ErrInvalidDefinition, "hook script empty", nil, map[string]any{"script": s.name})
	}
	L := s.newState(context.Background())
	defer L.Close()
	if err := L.DoString(source); err != nil {
		return nil, humanfn.NewError(humanfn.ErrInvalidDefinition, "failed to load hook script", err, map[string]any{"script": s.name})
	}
	for _, fn := range hookFuncs {
		if _, ok := L.GetGlobal(fn).(*lua.LFunction); ok {
			s.defined[fn] = true
		}
	}
	if len(s.defined) == 0 {
		return nil, humanfn.NewError(humanfn.ErrInvalidDefinition, "hook script defines no hook functions", nil, map[string]any{
			"script":   s.name,
			"expected": strings.Join(hookFuncs, ", "),
		})
	}
	return s, nil
}

// Defines reports whether the script declares fn.
func (s *Script) Defines(fn string) bool {
	return s != nil && s.defined[fn]
}

// Hooks returns the lifecycle hooks backed by the script.
func (s *Script) Hooks() humanfn.Hooks {
	var h humanfn.Hooks
	if s == nil {
		return h
	}
	if s.Defines(FuncOnComplete) {
		h.OnComplete = func(ctx context.Context, rec humanfn.ExecutionRecord) error {
			_, err := s.Call(ctx, FuncOnComplete, rec)
			return err
		}
	}
	if s.Defines(FuncOnTimeout) {
		h.OnTimeout = func(ctx context.Context, rec humanfn.ExecutionRecord) (any, error) {
			return s.Call(ctx, FuncOnTimeout, rec)
		}
	}
	if s.Defines(FuncOnEscalate) {
		h.OnEscalate = func(ctx context.Context, rec humanfn.ExecutionRecord, reason string) error {
			_, err := s.Call(ctx, FuncOnEscalate, rec, reason)
			return err
		}
	}
	if s.Defines(FuncOnCancel) {
		h.OnCancel = func(ctx context.Context, rec humanfn.ExecutionRecord, reason string) error {
			_, err := s.Call(ctx, FuncOnCancel, rec, reason)
			return err
		}
	}
	return h
}

// Call runs fn(execution, reason?) and returns its first result.
func (s *Script) Call(ctx context.Context, fn string, rec humanfn.ExecutionRecord, args ...string) (any, error) {
	if !s.Defines(fn) {
		return nil, fmt.Errorf("script %s does not define %s", s.name, fn)
	}
	L := s.newState(ctx)
	defer L.Close()
	if err := L.DoString(s.source); err != nil {
		return nil, fmt.Errorf("failed to load script %s: %w", s.name, err)
	}
	L.Push(L.GetGlobal(fn))
	L.Push(recordToTable(L, rec))
	for _, arg := range args {
		L.Push(lua.LString(arg))
	}
	if err := L.PCall(1+len(args), 1, nil); err != nil {
		return nil, fmt.Errorf("%s.%s failed: %w", s.name, fn, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return luaToGo(ret), nil
}

func (s *Script) newState(ctx context.Context) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	if ctx != nil {
		L.SetContext(ctx)
	}
	openSafeLibs(L)
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		s.logger.Info("[%s] %s", s.name, L.CheckString(1))
		return 0
	}))
	L.SetGlobal("now", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(time.Now().UTC().Format(time.RFC3339)))
		return 1
	}))
	return L
}

// openSafeLibs loads the base, table, string and math libraries without
// file loading, printing or randomness.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("module", lua.LNil)

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}
