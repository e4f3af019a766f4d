// Package worker runs view cycles. A single loop waits for its trigger,
// compiles the view, snapshots market data and executes; coordinators wrap
// loops to recompile in parallel or to partition a long sequence.
package worker

import (
	"errors"
	"time"

	"github.com/coachpo/vantage/internal/app/compilation"
	"github.com/coachpo/vantage/internal/app/execution"
	"github.com/coachpo/vantage/internal/domain/schema"
)

// ErrNoMarketDataSpecifications is reported when a cycle names no market data source.
var ErrNoMarketDataSpecifications = errors.New("no market data specifications for cycle")

// Action is a listener's instruction back to the loop that notified it.
type Action uint8

const (
	// Proceed continues normally.
	Proceed Action = iota
	// Defer holds the notification back to be delivered later.
	Defer
	// Block parks the loop until another action is supplied.
	Block
	// Terminate stops the loop.
	Terminate
)

func (a Action) String() string {
	switch a {
	case Proceed:
		return "proceed"
	case Defer:
		return "defer"
	case Block:
		return "block"
	case Terminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// EventKind names a worker notification.
type EventKind uint8

const (
	EventCompiled EventKind = iota
	EventCompilationFailed
	EventCycleStarted
	EventFragmentCompleted
	EventCycleCompleted
	EventCycleFailed
	EventWorkerCompleted
)

func (k EventKind) String() string {
	switch k {
	case EventCompiled:
		return "view_compiled"
	case EventCompilationFailed:
		return "compilation_failed"
	case EventCycleStarted:
		return "cycle_started"
	case EventFragmentCompleted:
		return "fragment_completed"
	case EventCycleCompleted:
		return "cycle_completed"
	case EventCycleFailed:
		return "cycle_failed"
	case EventWorkerCompleted:
		return "worker_completed"
	default:
		return "unknown"
	}
}

// Event is one notification from a worker. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind          EventKind
	View          *compilation.CompiledView
	Metadata      execution.Metadata
	Fragment      execution.Fragment
	Cycle         *execution.Cycle
	Options       schema.CycleOptions
	ValuationTime time.Time
	Err           error
}

// Context receives a worker's notifications. Implementations resolve Defer
// and Block themselves; a loop treats every answer other than Terminate as
// Proceed.
type Context interface {
	Notify(ev Event) Action
}

// ContextFunc adapts a function to Context.
type ContextFunc func(Event) Action

// Notify calls f.
func (f ContextFunc) Notify(ev Event) Action { return f(ev) }

// Worker is the control surface of a running worker.
type Worker interface {
	// TriggerCycle forces a cycle regardless of eligibility. It reports
	// false once the worker terminated.
	TriggerCycle() bool
	// RequestCycle asks for a cycle as soon as the trigger allows.
	RequestCycle() bool
	// UpdateViewDefinition takes effect at the next cycle.
	UpdateViewDefinition(def *schema.ViewDefinition)
	Terminate()
	Join()
	JoinTimeout(d time.Duration) bool
	IsTerminated() bool
}

// Factory starts workers.
type Factory interface {
	NewWorker(wctx Context, opts schema.ExecutionOptions, def *schema.ViewDefinition) (Worker, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(wctx Context, opts schema.ExecutionOptions, def *schema.ViewDefinition) (Worker, error)

// NewWorker calls f.
func (f FactoryFunc) NewWorker(wctx Context, opts schema.ExecutionOptions, def *schema.ViewDefinition) (Worker, error) {
	return f(wctx, opts, def)
}
