package depgraph

import (
	"sort"
	"time"

	"github.com/coachpo/vantage/internal/domain/schema"
)

// Filter selects nodes to discard.
type Filter func(*Node) bool

// Prune discards every node matched by reject together with everything that
// depends on it. Terminal outputs whose producer was discarded are removed and
// their requirements returned so a later compile can satisfy them again.
func (g *Graph) Prune(reject Filter) []schema.ValueRequirement {
	var queue []NodeID
	for _, n := range g.nodes {
		if n != nil && reject(n) {
			queue = append(queue, n.ID)
		}
	}
	if len(queue) == 0 {
		return nil
	}
	removed := make(map[NodeID]struct{}, len(queue))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, done := removed[id]; done {
			continue
		}
		n := g.nodes[id]
		if n == nil {
			continue
		}
		removed[id] = struct{}{}
		queue = append(queue, g.dependents[id]...)
	}
	return g.remove(removed)
}

// PruneIDs discards the given nodes and their dependants.
func (g *Graph) PruneIDs(ids ...NodeID) []schema.ValueRequirement {
	set := make(map[NodeID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return g.Prune(func(n *Node) bool {
		_, ok := set[n.ID]
		return ok
	})
}

func (g *Graph) remove(ids map[NodeID]struct{}) []schema.ValueRequirement {
	missing := make(map[schema.ValueRequirement]struct{})
	for id := range ids {
		n := g.nodes[id]
		for _, out := range n.Outputs {
			if g.producers[out] == id {
				delete(g.producers, out)
			}
			if reqs, ok := g.terminals[out]; ok {
				for _, req := range reqs {
					missing[req] = struct{}{}
				}
				delete(g.terminals, out)
			}
		}
		for _, in := range n.Inputs {
			if deps, ok := g.dependents[in]; ok {
				g.dependents[in] = without(deps, id)
			}
		}
		delete(g.dependents, id)
		g.nodes[id] = nil
		g.live--
	}
	out := make([]schema.ValueRequirement, 0, len(missing))
	for req := range missing {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func without(ids []NodeID, drop NodeID) []NodeID {
	out := ids[:0]
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}

// RemoveTerminals drops terminal requirements matched by drop and returns how
// many were removed. Nodes stay in the graph.
func (g *Graph) RemoveTerminals(drop func(schema.ValueSpecification, schema.ValueRequirement) bool) int {
	removed := 0
	for spec, reqs := range g.terminals {
		kept := reqs[:0]
		for _, req := range reqs {
			if drop(spec, req) {
				removed++
				continue
			}
			kept = append(kept, req)
		}
		if len(kept) == 0 {
			delete(g.terminals, spec)
		} else {
			g.terminals[spec] = kept
		}
	}
	return removed
}

// RewriteTargets replaces node targets (and the targets of their outputs)
// according to mapping and returns the number of nodes rewritten.
func (g *Graph) RewriteTargets(mapping map[schema.UniqueID]schema.UniqueID) int {
	if len(mapping) == 0 {
		return 0
	}
	rewritten := 0
	renamed := make(map[schema.ValueSpecification]schema.ValueSpecification)
	for _, n := range g.nodes {
		if n == nil {
			continue
		}
		next, ok := mapping[n.Target.UniqueID]
		if ok {
			n.Target.UniqueID = next
			rewritten++
		}
		for i, out := range n.Outputs {
			if to, ok := mapping[out.Target.UniqueID]; ok {
				updated := out
				updated.Target.UniqueID = to
				renamed[out] = updated
				n.Outputs[i] = updated
			}
		}
	}
	for from, to := range renamed {
		if id, ok := g.producers[from]; ok {
			delete(g.producers, from)
			g.producers[to] = id
		}
		if reqs, ok := g.terminals[from]; ok {
			delete(g.terminals, from)
			g.terminals[to] = append(g.terminals[to], reqs...)
		}
	}
	return rewritten
}

// OnTargets rejects nodes whose target unique id is in ids.
func OnTargets(ids map[schema.UniqueID]struct{}) Filter {
	return func(n *Node) bool {
		_, ok := ids[n.Target.UniqueID]
		return ok
	}
}

// InvalidFunctionAt rejects nodes whose function cannot be invoked at t.
func InvalidFunctionAt(t time.Time) Filter {
	return func(n *Node) bool {
		return n.Kind == KindFunction && !n.Function.ValidAt(t)
	}
}

// UnmappedPortfolioTargets rejects portfolio-derived nodes whose target has no
// entry in mapping.
func UnmappedPortfolioTargets(mapping map[schema.UniqueID]schema.UniqueID) Filter {
	return func(n *Node) bool {
		if !n.Target.Type.IsPortfolioDerived() {
			return false
		}
		_, ok := mapping[n.Target.UniqueID]
		return !ok
	}
}

// SourceOf follows alias nodes back to the node that sources the value.
func (g *Graph) SourceOf(id NodeID) (*Node, bool) {
	seen := make(map[NodeID]struct{})
	for {
		n, ok := g.Node(id)
		if !ok {
			return nil, false
		}
		if n.Kind != KindAlias || len(n.Inputs) != 1 {
			return n, true
		}
		if _, loop := seen[id]; loop {
			return nil, false
		}
		seen[id] = struct{}{}
		id = n.Inputs[0]
	}
}
