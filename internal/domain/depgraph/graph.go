// Package depgraph holds compiled dependency graphs as an arena of nodes with an
// inverted edge index, so pruning cascades through dependants by id.
package depgraph

import (
	"sort"
	"time"

	"github.com/coachpo/vantage/internal/domain/schema"
)

// NodeID addresses a node inside one graph's arena.
type NodeID int

// NodeKind distinguishes how a node obtains its outputs.
type NodeKind uint8

const (
	// KindFunction invokes a function over its inputs.
	KindFunction NodeKind = iota
	// KindMarketData sources a raw value from the market data provider.
	KindMarketData
	// KindAlias republishes its single input under another specification.
	KindAlias
)

func (k NodeKind) String() string {
	switch k {
	case KindFunction:
		return "function"
	case KindMarketData:
		return "market_data"
	case KindAlias:
		return "alias"
	default:
		return "unknown"
	}
}

// FunctionRef names the function a node invokes and the window in which that
// function may be invoked. Zero bounds are open.
type FunctionRef struct {
	ID        string
	ValidFrom time.Time
	ValidTo   time.Time
}

// ValidAt reports whether t falls inside [ValidFrom, ValidTo).
func (f FunctionRef) ValidAt(t time.Time) bool {
	if !f.ValidFrom.IsZero() && t.Before(f.ValidFrom) {
		return false
	}
	if !f.ValidTo.IsZero() && !t.Before(f.ValidTo) {
		return false
	}
	return true
}

// Node is one computation step.
type Node struct {
	ID       NodeID
	Kind     NodeKind
	Function FunctionRef
	Target   schema.TargetSpecification
	Inputs   []NodeID
	Outputs  []schema.ValueSpecification
	// Requirement is the raw request a market data or alias node satisfies.
	Requirement schema.ValueRequirement
}

// Graph is the dependency graph of one calculation configuration.
type Graph struct {
	calcConfig string
	nodes      []*Node
	live       int
	dependents map[NodeID][]NodeID
	producers  map[schema.ValueSpecification]NodeID
	terminals  map[schema.ValueSpecification][]schema.ValueRequirement
}

// New creates an empty graph.
func New(calcConfig string) *Graph {
	return &Graph{
		calcConfig: calcConfig,
		dependents: make(map[NodeID][]NodeID),
		producers:  make(map[schema.ValueSpecification]NodeID),
		terminals:  make(map[schema.ValueSpecification][]schema.ValueRequirement),
	}
}

// CalcConfig returns the calculation configuration the graph belongs to.
func (g *Graph) CalcConfig() string { return g.calcConfig }

// Len returns the number of live nodes.
func (g *Graph) Len() int { return g.live }

// Add appends a node and returns its id. Inputs must already exist.
func (g *Graph) Add(n Node) NodeID {
	id := NodeID(len(g.nodes))
	n.ID = id
	n.Inputs = append([]NodeID(nil), n.Inputs...)
	n.Outputs = append([]schema.ValueSpecification(nil), n.Outputs...)
	stored := n
	g.nodes = append(g.nodes, &stored)
	g.live++
	for _, in := range n.Inputs {
		g.dependents[in] = append(g.dependents[in], id)
	}
	for _, out := range n.Outputs {
		g.producers[out] = id
	}
	return id
}

// AddTerminal records that spec satisfies the given view requirements.
func (g *Graph) AddTerminal(spec schema.ValueSpecification, reqs ...schema.ValueRequirement) {
	g.terminals[spec] = append(g.terminals[spec], reqs...)
}

// Node returns a live node.
func (g *Graph) Node(id NodeID) (*Node, bool) {
	if id < 0 || int(id) >= len(g.nodes) || g.nodes[id] == nil {
		return nil, false
	}
	return g.nodes[id], true
}

// Producer returns the node producing spec.
func (g *Graph) Producer(spec schema.ValueSpecification) (*Node, bool) {
	id, ok := g.producers[spec]
	if !ok {
		return nil, false
	}
	return g.Node(id)
}

// Nodes returns live nodes in arena order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, g.live)
	for _, n := range g.nodes {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

// NodeIDs returns live node ids in arena order.
func (g *Graph) NodeIDs() []NodeID {
	out := make([]NodeID, 0, g.live)
	for _, n := range g.nodes {
		if n != nil {
			out = append(out, n.ID)
		}
	}
	return out
}

// Terminals returns a copy of the terminal output map.
func (g *Graph) Terminals() map[schema.ValueSpecification][]schema.ValueRequirement {
	out := make(map[schema.ValueSpecification][]schema.ValueRequirement, len(g.terminals))
	for spec, reqs := range g.terminals {
		out[spec] = append([]schema.ValueRequirement(nil), reqs...)
	}
	return out
}

// RequiredMarketData lists the outputs of every market data node, sorted.
func (g *Graph) RequiredMarketData() []schema.ValueSpecification {
	var out []schema.ValueSpecification
	for _, n := range g.nodes {
		if n != nil && n.Kind == KindMarketData {
			out = append(out, n.Outputs...)
		}
	}
	schema.SortSpecifications(out)
	return out
}

// Targets returns the distinct targets of live nodes.
func (g *Graph) Targets() []schema.TargetSpecification {
	seen := make(map[schema.TargetSpecification]struct{})
	var out []schema.TargetSpecification
	for _, n := range g.nodes {
		if n == nil {
			continue
		}
		if _, ok := seen[n.Target]; ok {
			continue
		}
		seen[n.Target] = struct{}{}
		out = append(out, n.Target)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Clone deep-copies the graph so the copy can be pruned independently.
func (g *Graph) Clone() *Graph {
	out := &Graph{
		calcConfig: g.calcConfig,
		nodes:      make([]*Node, len(g.nodes)),
		live:       g.live,
		dependents: make(map[NodeID][]NodeID, len(g.dependents)),
		producers:  make(map[schema.ValueSpecification]NodeID, len(g.producers)),
		terminals:  g.Terminals(),
	}
	for i, n := range g.nodes {
		if n == nil {
			continue
		}
		cp := *n
		cp.Inputs = append([]NodeID(nil), n.Inputs...)
		cp.Outputs = append([]schema.ValueSpecification(nil), n.Outputs...)
		out.nodes[i] = &cp
	}
	for id, deps := range g.dependents {
		out.dependents[id] = append([]NodeID(nil), deps...)
	}
	for spec, id := range g.producers {
		out.producers[spec] = id
	}
	return out
}
