package depgraph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/vantage/internal/domain/schema"
)

func uid(scheme, value string) schema.UniqueID {
	return schema.UniqueID{Scheme: scheme, Value: value, Version: "1"}
}

// buildGraph wires ticker -> alias -> position value -> portfolio aggregate.
func buildGraph(t *testing.T) (*Graph, map[string]NodeID, schema.ValueRequirement) {
	t.Helper()
	g := New("Default")
	ticker := schema.TargetSpecification{Type: schema.TargetPrimitive, UniqueID: uid("TICKER", "AAPL")}
	position := schema.TargetSpecification{Type: schema.TargetPosition, UniqueID: uid("Pos", "a")}
	portfolio := schema.TargetSpecification{Type: schema.TargetPortfolioNode, UniqueID: uid("Node", "root")}

	rawSpec := schema.ValueSpecification{Name: "Market_Value", Target: ticker}
	ids := map[string]NodeID{}
	ids["md"] = g.Add(Node{Kind: KindMarketData, Target: ticker, Outputs: []schema.ValueSpecification{rawSpec},
		Requirement: schema.ValueRequirement{Name: "Market_Value", Target: ticker.Reference()}})
	aliasSpec := schema.ValueSpecification{Name: "Market_Value", Target: ticker, Properties: schema.NewProperties("Function", "alias")}
	ids["alias"] = g.Add(Node{Kind: KindAlias, Target: ticker, Inputs: []NodeID{ids["md"]}, Outputs: []schema.ValueSpecification{aliasSpec}})
	pvSpec := schema.ValueSpecification{Name: "PV", Target: position}
	ids["pv"] = g.Add(Node{Kind: KindFunction, Function: FunctionRef{ID: "PositionPV"}, Target: position, Inputs: []NodeID{ids["alias"]}, Outputs: []schema.ValueSpecification{pvSpec}})
	aggSpec := schema.ValueSpecification{Name: "PV", Target: portfolio}
	ids["agg"] = g.Add(Node{Kind: KindFunction, Function: FunctionRef{ID: "Sum"}, Target: portfolio, Inputs: []NodeID{ids["pv"]}, Outputs: []schema.ValueSpecification{aggSpec}})

	req := schema.ValueRequirement{Name: "PV", Target: portfolio.Reference()}
	g.AddTerminal(aggSpec, req)
	return g, ids, req
}

func TestPruneCascadesToDependants(t *testing.T) {
	g, ids, req := buildGraph(t)
	require.Equal(t, 4, g.Len())

	missing := g.PruneIDs(ids["alias"])
	require.Equal(t, []schema.ValueRequirement{req}, missing)
	require.Equal(t, 1, g.Len())
	require.Empty(t, g.Terminals())
	_, ok := g.Node(ids["pv"])
	require.False(t, ok)
	_, ok = g.Node(ids["md"])
	require.True(t, ok)
}

func TestCloneIsIndependent(t *testing.T) {
	g, ids, _ := buildGraph(t)
	cp := g.Clone()
	cp.PruneIDs(ids["md"])
	require.Equal(t, 0, cp.Len())
	require.Equal(t, 4, g.Len())
	require.Len(t, g.Terminals(), 1)
}

func TestInvalidFunctionFilter(t *testing.T) {
	g, ids, _ := buildGraph(t)
	node, _ := g.Node(ids["agg"])
	node.Function.ValidTo = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	missing := g.Prune(InvalidFunctionAt(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))
	require.Len(t, missing, 1)
	require.Equal(t, 3, g.Len())
}

func TestRewriteTargetsRekeysProducersAndTerminals(t *testing.T) {
	g, ids, req := buildGraph(t)
	next := schema.UniqueID{Scheme: "Node", Value: "root", Version: "2"}
	n := g.RewriteTargets(map[schema.UniqueID]schema.UniqueID{uid("Node", "root"): next})
	require.Equal(t, 1, n)

	node, _ := g.Node(ids["agg"])
	require.Equal(t, next, node.Target.UniqueID)
	spec := schema.ValueSpecification{Name: "PV", Target: schema.TargetSpecification{Type: schema.TargetPortfolioNode, UniqueID: next}}
	producer, ok := g.Producer(spec)
	require.True(t, ok)
	require.Equal(t, ids["agg"], producer.ID)
	require.Equal(t, []schema.ValueRequirement{req}, g.Terminals()[spec])
}

func TestUnmappedPortfolioTargetsFilter(t *testing.T) {
	g, _, _ := buildGraph(t)
	mapping := map[schema.UniqueID]schema.UniqueID{uid("Node", "root"): uid("Node", "root")}
	g.Prune(UnmappedPortfolioTargets(mapping))
	require.Equal(t, 2, g.Len(), "position and its aggregate are pruned")
}

func TestSourceOfFollowsAliases(t *testing.T) {
	g, ids, _ := buildGraph(t)
	src, ok := g.SourceOf(ids["alias"])
	require.True(t, ok)
	require.Equal(t, ids["md"], src.ID)
	require.Len(t, g.RequiredMarketData(), 1)
	require.Len(t, g.Targets(), 3)
}

func TestRemoveTerminals(t *testing.T) {
	g, _, _ := buildGraph(t)
	removed := g.RemoveTerminals(func(_ schema.ValueSpecification, r schema.ValueRequirement) bool {
		return r.Target.Type.IsPortfolioDerived()
	})
	require.Equal(t, 1, removed)
	require.Empty(t, g.Terminals())
	require.Equal(t, 4, g.Len())
}
