// Package compilation caches compiled views and recompiles them incrementally
// when only parts of a previous compilation are invalid.
package compilation

import (
	"sort"
	"time"

	"github.com/coachpo/vantage/internal/domain/depgraph"
	"github.com/coachpo/vantage/internal/domain/schema"
)

// CompiledView is one compiled form of a view definition. A published view is
// shared read-only between workers and is superseded, never mutated.
type CompiledView struct {
	// ID identifies the compilation; relabelled copies keep it.
	ID                        string
	Definition                *schema.ViewDefinition
	Graphs                    map[string]*depgraph.Graph
	Portfolio                 *schema.Portfolio
	ResolverVersionCorrection schema.VersionCorrection
	// ValidFrom and ValidTo bound the valuation times the graphs are valid for;
	// zero bounds are open.
	ValidFrom           time.Time
	ValidTo             time.Time
	ResolvedIdentifiers map[schema.TargetReference]schema.UniqueID
	FunctionInitID      int64
}

// IsValidFor reports whether t falls inside [ValidFrom, ValidTo).
func (v *CompiledView) IsValidFor(t time.Time) bool {
	if v == nil {
		return false
	}
	if !v.ValidFrom.IsZero() && t.Before(v.ValidFrom) {
		return false
	}
	if !v.ValidTo.IsZero() && !t.Before(v.ValidTo) {
		return false
	}
	return true
}

// MarketDataRequirements is the sorted union of raw values every graph sources.
func (v *CompiledView) MarketDataRequirements() []schema.ValueSpecification {
	if v == nil {
		return nil
	}
	set := make(schema.SpecificationSet)
	for _, g := range v.Graphs {
		for _, spec := range g.RequiredMarketData() {
			set[spec] = struct{}{}
		}
	}
	return set.Sorted()
}

// CalcConfigs returns the graph names in sorted order.
func (v *CompiledView) CalcConfigs() []string {
	names := make([]string, 0, len(v.Graphs))
	for name := range v.Graphs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PortfolioReference is the reference the portfolio was resolved through.
func (v *CompiledView) PortfolioReference() (schema.TargetReference, bool) {
	if v == nil || v.Portfolio == nil {
		return schema.TargetReference{}, false
	}
	return schema.TargetReference{Type: schema.TargetPortfolio, ObjectID: v.Portfolio.ID.ObjectID()}, true
}

// ObjectIDs lists the distinct object ids behind the resolved identifiers.
func (v *CompiledView) ObjectIDs() []schema.ObjectID {
	seen := make(map[schema.ObjectID]struct{}, len(v.ResolvedIdentifiers))
	out := make([]schema.ObjectID, 0, len(v.ResolvedIdentifiers))
	for _, uid := range v.ResolvedIdentifiers {
		oid := uid.ObjectID()
		if _, ok := seen[oid]; ok {
			continue
		}
		seen[oid] = struct{}{}
		out = append(out, oid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// SameResolutions reports whether both views resolved every reference identically.
func SameResolutions(a, b *CompiledView) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.ResolvedIdentifiers) != len(b.ResolvedIdentifiers) {
		return false
	}
	for ref, uid := range a.ResolvedIdentifiers {
		if other, ok := b.ResolvedIdentifiers[ref]; !ok || other != uid {
			return false
		}
	}
	return true
}

// relabel returns a copy stamped with vc that shares the immutable graphs.
func (v *CompiledView) relabel(vc schema.VersionCorrection) *CompiledView {
	out := *v
	out.ResolverVersionCorrection = vc
	return &out
}

// cloneGraphs deep-copies the graphs so they can be pruned without touching v.
func (v *CompiledView) cloneGraphs() map[string]*depgraph.Graph {
	out := make(map[string]*depgraph.Graph, len(v.Graphs))
	for name, g := range v.Graphs {
		out[name] = g.Clone()
	}
	return out
}
