package compilation

import (
	"github.com/rs/zerolog"

	"github.com/coachpo/vantage/internal/domain/depgraph"
	"github.com/coachpo/vantage/internal/domain/schema"
)

// workspace holds private copies of a cached view's graphs while they are
// pruned ahead of an incremental compile. The copies are taken lazily so an
// untouched view is never cloned.
type workspace struct {
	log     zerolog.Logger
	base    *CompiledView
	graphs  map[string]*depgraph.Graph
	missing map[string][]schema.ValueRequirement
}

func newWorkspace(base *CompiledView, log zerolog.Logger) *workspace {
	return &workspace{log: log, base: base}
}

func (w *workspace) touched() bool { return w.graphs != nil }

func (w *workspace) touch() {
	if w.graphs != nil {
		return
	}
	w.graphs = w.base.cloneGraphs()
	w.missing = make(map[string][]schema.ValueRequirement, len(w.graphs))
}

// current returns the copies once touched, otherwise the shared graphs, which
// must then only be read.
func (w *workspace) current() map[string]*depgraph.Graph {
	if w.graphs != nil {
		return w.graphs
	}
	return w.base.Graphs
}

func (w *workspace) filter(reason string, reject depgraph.Filter) {
	for name, g := range w.graphs {
		before := g.Len()
		if before == 0 {
			continue
		}
		w.record(name, reason, before, g.Prune(reject))
	}
}

func (w *workspace) pruneNodes(reason string, ids map[string][]depgraph.NodeID) {
	for name, nodes := range ids {
		g, ok := w.graphs[name]
		if !ok {
			continue
		}
		w.record(name, reason, g.Len(), g.PruneIDs(nodes...))
	}
}

func (w *workspace) record(name, reason string, before int, missing []schema.ValueRequirement) {
	g := w.graphs[name]
	w.missing[name] = append(w.missing[name], missing...)
	removed := before - g.Len()
	if removed == 0 {
		return
	}
	if g.Len() == 0 {
		w.log.Info().Str("calcConfig", name).Str("reason", reason).Msg("discarded total dependency graph")
		delete(w.graphs, name)
		delete(w.missing, name)
		return
	}
	w.log.Info().Str("calcConfig", name).Str("reason", reason).Int("removed", removed).Msg("removed nodes from dependency graph")
}

// removePortfolioTerminals drops portfolio-derived terminal requirements on
// targets without an equivalent in the new portfolio, unless the view asks for
// them explicitly.
func (w *workspace) removePortfolioTerminals(def *schema.ViewDefinition, mapping map[schema.UniqueID]schema.UniqueID) {
	for name, g := range w.graphs {
		removed := g.RemoveTerminals(func(spec schema.ValueSpecification, req schema.ValueRequirement) bool {
			if !spec.Target.Type.IsPortfolioDerived() || def.IsSpecificRequirement(name, req) {
				return false
			}
			_, mapped := mapping[spec.Target.UniqueID]
			return !mapped
		})
		if removed > 0 {
			w.log.Debug().Str("calcConfig", name).Int("removed", removed).Msg("removed portfolio terminal outputs")
		}
	}
}

func (w *workspace) rewrite(mapping map[schema.UniqueID]schema.UniqueID) {
	for name, g := range w.graphs {
		if n := g.RewriteTargets(mapping); n > 0 {
			w.log.Debug().Str("calcConfig", name).Int("rewritten", n).Msg("remapped equivalent portfolio targets")
		}
	}
}
