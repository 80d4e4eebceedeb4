package humanfn

import (
	"context"
	"strings"
	"time"
)

// DefaultTimeout applies when neither the caller nor the function sets one.
const DefaultTimeout = 24 * time.Hour

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Minute
	DefaultChannel    = "web"
)

// Routing describes where and to whom a task is delivered.
type Routing struct {
	Channels  []string      `json:"channels,omitempty" yaml:"channels"`
	Timeout   time.Duration `json:"timeout,omitempty" yaml:"timeout"`
	Assignees []string      `json:"assignees,omitempty" yaml:"assignees"`
	Priority  string        `json:"priority,omitempty" yaml:"priority"`
}

// RetryPolicy bounds how often an execution may be re-routed.
type RetryPolicy struct {
	MaxRetries int             `json:"max_retries,omitempty" yaml:"max_retries"`
	Backoff    BackoffStrategy `json:"backoff,omitempty" yaml:"backoff"`
	Delay      time.Duration   `json:"delay,omitempty" yaml:"delay"`
}

type (
	CompleteHook func(ctx context.Context, rec ExecutionRecord) error
	// TimeoutHook returns a fallback output; a non-nil value completes the execution.
	TimeoutHook  func(ctx context.Context, rec ExecutionRecord) (any, error)
	EscalateHook func(ctx context.Context, rec ExecutionRecord, reason string) error
	CancelHook   func(ctx context.Context, rec ExecutionRecord, reason string) error
)

// Hooks are optional lifecycle callbacks. Failures never abort the
// transition that triggered them.
type Hooks struct {
	OnComplete CompleteHook
	OnTimeout  TimeoutHook
	OnEscalate EscalateHook
	OnCancel   CancelHook
}

// Merge returns h with unset hooks taken from other.
func (h Hooks) Merge(other Hooks) Hooks {
	if h.OnComplete == nil {
		h.OnComplete = other.OnComplete
	}
	if h.OnTimeout == nil {
		h.OnTimeout = other.OnTimeout
	}
	if h.OnEscalate == nil {
		h.OnEscalate = other.OnEscalate
	}
	if h.OnCancel == nil {
		h.OnCancel = other.OnCancel
	}
	return h
}

// FunctionDefinition declares a human function.
type FunctionDefinition struct {
	Name        string
	Description string
	Input       Schema
	Output      Schema
	Routing     Routing
	Retry       RetryPolicy
	Hooks       Hooks
}

// FunctionSpec is the serializable part of a definition kept on records.
type FunctionSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Routing     Routing     `json:"routing"`
	Retry       RetryPolicy `json:"retry"`
}

// Clone returns a copy with independent slices.
func (s FunctionSpec) Clone() FunctionSpec {
	s.Routing.Channels = append([]string(nil), s.Routing.Channels...)
	s.Routing.Assignees = append([]string(nil), s.Routing.Assignees...)
	return s
}

// Spec returns the serializable snapshot.
func (d FunctionDefinition) Spec() FunctionSpec {
	return FunctionSpec{
		Name:        strings.TrimSpace(d.Name),
		Description: d.Description,
		Routing:     d.Routing,
		Retry:       d.Retry,
	}.Clone()
}

// Validate checks the definition for structural errors.
func (d FunctionDefinition) Validate() error {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return NewError(ErrInvalidDefinition, "function name required", nil, nil)
	}
	meta := map[string]any{"function": name}
	if d.Routing.Timeout < 0 {
		return NewError(ErrInvalidDefinition, "routing timeout cannot be negative", nil, meta)
	}
	if d.Retry.MaxRetries < 0 {
		return NewError(ErrInvalidDefinition, "max retries cannot be negative", nil, meta)
	}
	if d.Retry.Delay < 0 {
		return NewError(ErrInvalidDefinition, "retry delay cannot be negative", nil, meta)
	}
	if !IsValidBackoffStrategy(string(d.Retry.Backoff)) {
		return NewError(ErrInvalidDefinition, "unknown retry backoff "+string(d.Retry.Backoff), nil, meta)
	}
	return nil
}

// ExecuteOptions is the per-invocation context of an execution.
type ExecuteOptions struct {
	ExecutionID   string
	Timeout       time.Duration
	Channel       string
	AssignTo      string
	MaxRetries    *int
	RetryBackoff  BackoffStrategy
	RetryDelay    time.Duration
	Metadata      map[string]any
	CorrelationID string
	Actor         string
}

// ResolveTimeout applies option, then routing, then DefaultTimeout.
func ResolveTimeout(opts ExecuteOptions, def FunctionDefinition) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	if def.Routing.Timeout > 0 {
		return def.Routing.Timeout
	}
	return DefaultTimeout
}

// ResolveChannel picks the delivery channel for an execution.
func ResolveChannel(opts ExecuteOptions, def FunctionDefinition, fallback string) string {
	if ch := strings.TrimSpace(opts.Channel); ch != "" {
		return ch
	}
	for _, ch := range def.Routing.Channels {
		if ch = strings.TrimSpace(ch); ch != "" {
			return ch
		}
	}
	if fallback = strings.TrimSpace(fallback); fallback != "" {
		return fallback
	}
	return DefaultChannel
}

// ResolveAssignee picks the initial assignee, if any.
func ResolveAssignee(opts ExecuteOptions, def FunctionDefinition) string {
	if who := strings.TrimSpace(opts.AssignTo); who != "" {
		return who
	}
	for _, who := range def.Routing.Assignees {
		if who = strings.TrimSpace(who); who != "" {
			return who
		}
	}
	return ""
}

// NextAssignee returns the assignee after current in the routing list.
func NextAssignee(assignees []string, current string) (string, bool) {
	current = strings.TrimSpace(current)
	cleaned := make([]string, 0, len(assignees))
	for _, who := range assignees {
		if who = strings.TrimSpace(who); who != "" {
			cleaned = append(cleaned, who)
		}
	}
	if len(cleaned) == 0 {
		return "", false
	}
	idx := -1
	for i, who := range cleaned {
		if who == current {
			idx = i
			break
		}
	}
	for step := 1; step <= len(cleaned); step++ {
		candidate := cleaned[(idx+step+len(cleaned))%len(cleaned)]
		if candidate != current {
			return candidate, true
		}
	}
	return "", false
}
