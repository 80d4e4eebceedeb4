package humanfn

import (
	"encoding/json"
	"time"
)

// HookFailure records a lifecycle hook error that did not abort an operation.
type HookFailure struct {
	Hook     string    `json:"hook"`
	Message  string    `json:"message"`
	Code     string    `json:"code,omitempty"`
	FailedAt time.Time `json:"failed_at"`
}

// ExecutionRecord is the persisted state of one execution.
type ExecutionRecord struct {
	ExecutionID  string       `json:"execution_id"`
	FunctionName string       `json:"function_name"`
	Function     FunctionSpec `json:"function"`
	Input        any          `json:"input,omitempty"`
	Output       any          `json:"output,omitempty"`
	Status       Status       `json:"status"`

	Channel     string `json:"channel,omitempty"`
	AssignedTo  string `json:"assigned_to,omitempty"`
	StartedBy   string `json:"started_by,omitempty"`
	RespondedBy string `json:"responded_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	TimeoutAt   time.Time  `json:"timeout_at"`
	TimeoutMs   int64      `json:"timeout_ms"`

	Attempts     int             `json:"attempts"`
	MaxRetries   int             `json:"max_retries"`
	RetryBackoff BackoffStrategy `json:"retry_backoff"`
	RetryDelayMs int64           `json:"retry_delay_ms"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`

	History       []AuditEvent   `json:"history"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	HookErrors    []HookFailure  `json:"hook_errors,omitempty"`

	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TimeoutWindow returns the configured timeout duration.
func (r *ExecutionRecord) TimeoutWindow() time.Duration {
	if r == nil {
		return 0
	}
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// RetryDelay returns the base retry delay.
func (r *ExecutionRecord) RetryDelay() time.Duration {
	if r == nil {
		return 0
	}
	return time.Duration(r.RetryDelayMs) * time.Millisecond
}

// AppendEvent is the only writer of History.
func (r *ExecutionRecord) AppendEvent(evt AuditEvent) {
	if r == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.Data = copyMap(evt.Data)
	r.History = append(r.History, evt)
}

// LastEvent returns the most recent history entry.
func (r *ExecutionRecord) LastEvent() (AuditEvent, bool) {
	if r == nil || len(r.History) == 0 {
		return AuditEvent{}, false
	}
	return r.History[len(r.History)-1], true
}

// Clone returns a deep copy safe to mutate.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Function = r.Function.Clone()
	cp.Input = cloneValue(r.Input)
	cp.Output = cloneValue(r.Output)
	cp.AssignedAt = cloneTime(r.AssignedAt)
	cp.StartedAt = cloneTime(r.StartedAt)
	cp.RespondedAt = cloneTime(r.RespondedAt)
	cp.CompletedAt = cloneTime(r.CompletedAt)
	cp.NextRetryAt = cloneTime(r.NextRetryAt)
	cp.Metadata = copyMap(r.Metadata)
	if r.History != nil {
		cp.History = make([]AuditEvent, len(r.History))
		for i, evt := range r.History {
			evt.Data = copyMap(evt.Data)
			cp.History[i] = evt
		}
	}
	if r.HookErrors != nil {
		cp.HookErrors = append([]HookFailure(nil), r.HookErrors...)
	}
	return &cp
}

// ExecutionStatus is the read projection returned by status queries.
type ExecutionStatus struct {
	ExecutionID   string         `json:"execution_id"`
	FunctionName  string         `json:"function_name"`
	Status        Status         `json:"status"`
	Channel       string         `json:"channel,omitempty"`
	AssignedTo    string         `json:"assigned_to,omitempty"`
	Output        any            `json:"output,omitempty"`
	Attempts      int            `json:"attempts"`
	MaxRetries    int            `json:"max_retries"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	RespondedAt   *time.Time     `json:"responded_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	TimeoutAt     time.Time      `json:"timeout_at"`
	NextRetryAt   *time.Time     `json:"next_retry_at,omitempty"`
	RespondedBy   string         `json:"responded_by,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	HookErrors    []HookFailure  `json:"hook_errors,omitempty"`
	Events        int            `json:"events"`
}

// Project builds the status projection.
func (r *ExecutionRecord) Project() *ExecutionStatus {
	if r == nil {
		return nil
	}
	cp := r.Clone()
	return &ExecutionStatus{
		ExecutionID:   cp.ExecutionID,
		FunctionName:  cp.FunctionName,
		Status:        cp.Status,
		Channel:       cp.Channel,
		AssignedTo:    cp.AssignedTo,
		Output:        cp.Output,
		Attempts:      cp.Attempts,
		MaxRetries:    cp.MaxRetries,
		CreatedAt:     cp.CreatedAt,
		StartedAt:     cp.StartedAt,
		RespondedAt:   cp.RespondedAt,
		CompletedAt:   cp.CompletedAt,
		TimeoutAt:     cp.TimeoutAt,
		NextRetryAt:   cp.NextRetryAt,
		RespondedBy:   cp.RespondedBy,
		CorrelationID: cp.CorrelationID,
		Metadata:      cp.Metadata,
		HookErrors:    cp.HookErrors,
		Events:        len(cp.History),
	}
}

// NormalizeJSON converts a Go value into its decoded JSON form so it can be
// validated by JSON Schema and persisted without losing shape.
func NormalizeJSON(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	if raw, ok := value.(json.RawMessage); ok {
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return copyMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
