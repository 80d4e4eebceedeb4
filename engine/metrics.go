package engine

import (
	"time"

	humanfn "github.com/goliatone/go-humanfn"
)

// Wake-up outcomes reported to Metrics.WakeupHandled.
const (
	WakeupOutcomeTimeout = "timeout"
	WakeupOutcomeRouted  = "routed"
	WakeupOutcomeRearmed = "rearmed"
	WakeupOutcomeNoop    = "noop"
	WakeupOutcomeMissing = "missing"
	WakeupOutcomeError   = "error"
)

// Metrics receives engine measurements.
type Metrics interface {
	ExecutionCreated(function string)
	Transition(function string, to humanfn.Status)
	HookFailed(function, hook string)
	RoutingFailed(channel string)
	WakeupHandled(kind humanfn.WakeupKind, outcome string)
	ObserveOperation(op string, duration time.Duration, err error)
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) ExecutionCreated(string)                       {}
func (NopMetrics) Transition(string, humanfn.Status)             {}
func (NopMetrics) HookFailed(string, string)                     {}
func (NopMetrics) RoutingFailed(string)                          {}
func (NopMetrics) WakeupHandled(humanfn.WakeupKind, string)      {}
func (NopMetrics) ObserveOperation(string, time.Duration, error) {}
