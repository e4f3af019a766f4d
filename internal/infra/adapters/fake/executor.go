package fake

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/vantage/errs"
	"github.com/coachpo/vantage/internal/app/execution"
	"github.com/coachpo/vantage/internal/app/marketdata"
	"github.com/coachpo/vantage/internal/domain/depgraph"
	"github.com/coachpo/vantage/internal/domain/schema"
)

// Executor evaluates graphs built by Compiler: market data nodes read the
// snapshot, pricing nodes multiply by the position quantity and aggregates sum
// their inputs. A delta execution reuses a node's previous value when its
// inputs are unchanged.
type Executor struct {
	mu       sync.Mutex
	values   map[string]map[string]map[schema.ValueSpecification]decimal.Decimal
	failures []error
	hold     chan struct{}

	executions int
	full       int
	delta      int
	reused     int
	released   int
}

// NewExecutor creates an executor.
func NewExecutor() *Executor {
	return &Executor{values: make(map[string]map[string]map[schema.ValueSpecification]decimal.Decimal)}
}

// FailNext queues err for the next execution.
func (e *Executor) FailNext(err error) {
	e.mu.Lock()
	e.failures = append(e.failures, err)
	e.mu.Unlock()
}

// Hold blocks every execution until the returned function is called.
func (e *Executor) Hold() (release func()) {
	ch := make(chan struct{})
	e.mu.Lock()
	e.hold = ch
	e.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			if e.hold == ch {
				e.hold = nil
			}
			e.mu.Unlock()
			close(ch)
		})
	}
}

// Executions counts Execute calls.
func (e *Executor) Executions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executions
}

// FullExecutions counts executions without a previous cycle.
func (e *Executor) FullExecutions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.full
}

// DeltaExecutions counts executions against a previous cycle.
func (e *Executor) DeltaExecutions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.delta
}

// Reused counts node values carried over from previous cycles.
func (e *Executor) Reused() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reused
}

// Released counts released cycles.
func (e *Executor) Released() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

// Live counts cycles whose values are still held.
func (e *Executor) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.values)
}

// Execute evaluates every graph of the cycle's view in arena order.
func (e *Executor) Execute(ctx context.Context, req execution.Request) error {
	e.mu.Lock()
	e.executions++
	if req.Previous != nil {
		e.delta++
	} else {
		e.full++
	}
	hold := e.hold
	var failure error
	if len(e.failures) > 0 {
		failure = e.failures[0]
		e.failures = e.failures[1:]
	}
	var previous map[string]map[schema.ValueSpecification]decimal.Decimal
	if req.Previous != nil {
		previous = e.values[req.Previous.ID]
	}
	e.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failure != nil {
		return failure
	}

	cycle := req.Cycle
	quantities := positionQuantities(cycle.View.Portfolio)
	computed := make(map[string]map[schema.ValueSpecification]decimal.Decimal, len(cycle.View.Graphs))
	reused := 0
	names := make([]string, 0, len(cycle.View.Graphs))
	for name := range cycle.View.Graphs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		g := cycle.View.Graphs[name]
		ev := &evaluation{
			graph:      g,
			snapshot:   cycle.Snapshot,
			quantities: quantities,
			previous:   previous[name],
			suppress:   req.SuppressOnNoData,
			values:     make(map[schema.ValueSpecification]decimal.Decimal, g.Len()),
		}
		for _, n := range g.Nodes() {
			ev.evaluate(n)
		}
		reused += ev.reused
		computed[name] = ev.values

		fragment := execution.Fragment{CycleID: cycle.ID, CalcConfig: name, Values: make(map[schema.ValueSpecification]decimal.Decimal)}
		for spec := range g.Terminals() {
			if v, ok := ev.values[spec]; ok {
				cycle.SetResult(name, spec, v)
				fragment.Values[spec] = v
			}
		}
		if len(fragment.Values) == 0 {
			continue
		}
		if !req.Emit(fragment) {
			return errs.New("fake", errs.CodeTerminated, errs.WithMessage("fragment rejected"), errs.WithTarget(cycle.ID))
		}
	}

	e.mu.Lock()
	e.values[cycle.ID] = computed
	e.reused += reused
	e.mu.Unlock()
	return nil
}

// Release drops the values held for c.
func (e *Executor) Release(c *execution.Cycle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.values, c.ID)
	e.released++
}

type evaluation struct {
	graph      *depgraph.Graph
	snapshot   marketdata.Snapshot
	quantities map[schema.UniqueID]decimal.Decimal
	previous   map[schema.ValueSpecification]decimal.Decimal
	suppress   bool
	values     map[schema.ValueSpecification]decimal.Decimal
	reused     int
}

func (ev *evaluation) inputs(n *depgraph.Node) ([]decimal.Decimal, bool) {
	out := make([]decimal.Decimal, 0, len(n.Inputs))
	unchanged := ev.previous != nil
	for _, id := range n.Inputs {
		in, ok := ev.graph.Node(id)
		if !ok || len(in.Outputs) == 0 {
			continue
		}
		v, ok := ev.values[in.Outputs[0]]
		if !ok {
			unchanged = false
			continue
		}
		if prev, ok := ev.previous[in.Outputs[0]]; !ok || !prev.Equal(v) {
			unchanged = false
		}
		out = append(out, v)
	}
	return out, unchanged
}

func (ev *evaluation) evaluate(n *depgraph.Node) {
	if len(n.Outputs) == 0 {
		return
	}
	out := n.Outputs[0]
	switch n.Kind {
	case depgraph.KindMarketData:
		if v, ok := ev.snapshot.Query(out); ok {
			ev.values[out] = v
		}
		return
	case depgraph.KindAlias:
		if in, _ := ev.inputs(n); len(in) > 0 {
			ev.values[out] = in[0]
		}
		return
	}

	in, unchanged := ev.inputs(n)
	if unchanged {
		if prev, ok := ev.previous[out]; ok {
			ev.values[out] = prev
			ev.reused++
			return
		}
	}
	switch n.Function.ID {
	case FunctionPV, FunctionPVNext:
		if len(in) == 0 {
			return
		}
		ev.values[out] = in[0].Mul(ev.quantities[n.Target.UniqueID])
	default:
		if len(in) == 0 && ev.suppress {
			return
		}
		total := decimal.Zero
		for _, v := range in {
			total = total.Add(v)
		}
		ev.values[out] = total
	}
}

func positionQuantities(p *schema.Portfolio) map[schema.UniqueID]decimal.Decimal {
	out := make(map[schema.UniqueID]decimal.Decimal)
	p.Walk(func(n *schema.PortfolioNode) {
		for _, pos := range n.Positions {
			out[pos.ID] = pos.Quantity
		}
	})
	return out
}
