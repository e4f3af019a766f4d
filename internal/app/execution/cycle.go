// Package execution defines view cycles and the executor contract a worker
// drives them through. Evaluating graph nodes is the executor's business; the
// package only tracks cycle state, results and timing.
package execution

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/vantage/errs"
	"github.com/coachpo/vantage/internal/app/compilation"
	"github.com/coachpo/vantage/internal/app/marketdata"
	"github.com/coachpo/vantage/internal/domain/schema"
)

// State is the lifecycle of a cycle.
type State uint8

const (
	StateAwaitingExecution State = iota
	StateExecuting
	StateExecuted
	StateFailed
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateAwaitingExecution:
		return "awaiting_execution"
	case StateExecuting:
		return "executing"
	case StateExecuted:
		return "executed"
	case StateFailed:
		return "failed"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Cycle is one execution of a compiled view against one snapshot.
type Cycle struct {
	ID                string
	View              *compilation.CompiledView
	Options           schema.CycleOptions
	VersionCorrection schema.VersionCorrection
	Snapshot          marketdata.Snapshot
	Type              schema.CycleType

	mu       sync.RWMutex
	state    State
	started  time.Time
	duration time.Duration
	results  map[string]map[schema.ValueSpecification]decimal.Decimal
}

// NewCycle prepares a cycle. The valuation time in opts must be resolved and
// fall inside the view's validity window.
func NewCycle(view *compilation.CompiledView, opts schema.CycleOptions, vc schema.VersionCorrection, snap marketdata.Snapshot, cycleType schema.CycleType) (*Cycle, error) {
	if view == nil {
		return nil, errs.New("execution", errs.CodeInvalid, errs.WithMessage("compiled view required"))
	}
	if snap == nil {
		return nil, errs.New("execution", errs.CodeMarketData, errs.WithMessage("snapshot required"))
	}
	if opts.ValuationTime.IsZero() {
		return nil, errs.New("execution", errs.CodeInvalid, errs.WithMessage("valuation time required"))
	}
	if !view.IsValidFor(opts.ValuationTime) {
		return nil, errs.New("execution", errs.CodeInvalid,
			errs.WithMessage("compiled view is not valid for valuation time"),
			errs.WithField("valuationTime", opts.ValuationTime.UTC().Format(time.RFC3339Nano)),
			errs.WithTarget(view.ID))
	}
	return &Cycle{
		ID:                uuid.NewString(),
		View:              view,
		Options:           opts,
		VersionCorrection: vc,
		Snapshot:          snap,
		Type:              cycleType,
		results:           make(map[string]map[schema.ValueSpecification]decimal.Decimal),
	}, nil
}

// ValuationTime is the resolved valuation time.
func (c *Cycle) ValuationTime() time.Time { return c.Options.ValuationTime }

// State returns the current lifecycle state.
func (c *Cycle) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Duration is how long execution took; zero until it finishes.
func (c *Cycle) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.duration
}

// SetResult records a computed value.
func (c *Cycle) SetResult(calcConfig string, spec schema.ValueSpecification, v decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	values, ok := c.results[calcConfig]
	if !ok {
		values = make(map[schema.ValueSpecification]decimal.Decimal)
		c.results[calcConfig] = values
	}
	values[spec] = v
}

// Result returns a computed value.
func (c *Cycle) Result(calcConfig string, spec schema.ValueSpecification) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.results[calcConfig][spec]
	return v, ok
}

// Results copies the values computed for calcConfig.
func (c *Cycle) Results(calcConfig string) map[schema.ValueSpecification]decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[schema.ValueSpecification]decimal.Decimal, len(c.results[calcConfig]))
	for k, v := range c.results[calcConfig] {
		out[k] = v
	}
	return out
}

// Metadata describes a cycle before it executes.
type Metadata struct {
	CycleID           string
	SnapshotID        string
	ViewDefinitionID  schema.UniqueID
	CompiledViewID    string
	VersionCorrection schema.VersionCorrection
	ValuationTime     time.Time
	Name              string
	Type              schema.CycleType
	CalcConfigs       []string
	// TerminalOutputs lists each calc config's requested outputs, sorted.
	TerminalOutputs map[string][]schema.ValueSpecification
}

// Metadata summarises the cycle for listeners.
func (c *Cycle) Metadata() Metadata {
	md := Metadata{
		CycleID:           c.ID,
		SnapshotID:        c.Snapshot.ID(),
		CompiledViewID:    c.View.ID,
		VersionCorrection: c.VersionCorrection,
		ValuationTime:     c.Options.ValuationTime,
		Name:              c.Options.Name,
		Type:              c.Type,
		CalcConfigs:       c.View.CalcConfigs(),
		TerminalOutputs:   make(map[string][]schema.ValueSpecification, len(c.View.Graphs)),
	}
	if c.View.Definition != nil {
		md.ViewDefinitionID = c.View.Definition.ID
	}
	for name, g := range c.View.Graphs {
		outputs := make([]schema.ValueSpecification, 0)
		for spec := range g.Terminals() {
			outputs = append(outputs, spec)
		}
		sort.Slice(outputs, func(i, j int) bool { return outputs[i].String() < outputs[j].String() })
		md.TerminalOutputs[name] = outputs
	}
	return md
}

// Fragment is a partial result delivered while a cycle executes.
type Fragment struct {
	CycleID    string
	CalcConfig string
	Values     map[schema.ValueSpecification]decimal.Decimal
}

// Request is one execution.
type Request struct {
	Cycle *Cycle
	// Previous is the last executed cycle a delta execution may reuse; nil
	// requests a full execution.
	Previous         *Cycle
	SuppressOnNoData bool
	// Emit delivers a fragment; returning false aborts execution.
	Emit func(Fragment) bool
}

// Executor evaluates compiled graphs.
type Executor interface {
	Execute(ctx context.Context, req Request) error
	// Release frees anything the executor holds for the cycle.
	Release(c *Cycle)
}

// Run executes req through exec, maintaining the cycle's state and timing.
func Run(ctx context.Context, exec Executor, req Request) error {
	c := req.Cycle
	if c == nil {
		return errs.New("execution", errs.CodeInvalid, errs.WithMessage("cycle required"))
	}
	c.mu.Lock()
	if c.state != StateAwaitingExecution {
		state := c.state
		c.mu.Unlock()
		return errs.New("execution", errs.CodeInvalid, errs.WithMessage("cycle already ran"), errs.WithField("state", state.String()))
	}
	c.state = StateExecuting
	c.started = time.Now()
	c.mu.Unlock()

	if req.Previous != nil && req.Previous.State() != StateExecuted {
		req.Previous = nil
	}
	if req.Emit == nil {
		req.Emit = func(Fragment) bool { return true }
	}
	err := exec.Execute(ctx, req)

	c.mu.Lock()
	c.duration = time.Since(c.started)
	if err != nil {
		c.state = StateFailed
	} else {
		c.state = StateExecuted
	}
	c.mu.Unlock()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errs.New("execution", errs.CodeTerminated, errs.WithCause(ctxErr))
	}
	if errs.HasCode(err, errs.CodeTerminated) {
		return err
	}
	return errs.New("execution", errs.CodeExecution, errs.WithMessage("execute cycle"), errs.WithTarget(c.ID), errs.WithCause(err))
}

// Release hands the cycle back to the executor and marks it destroyed.
func Release(exec Executor, c *Cycle) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.state == StateDestroyed {
		c.mu.Unlock()
		return
	}
	c.state = StateDestroyed
	c.mu.Unlock()
	exec.Release(c)
}
