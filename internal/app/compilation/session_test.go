package compilation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/vantage/errs"
	"github.com/coachpo/vantage/internal/app/compilation"
	"github.com/coachpo/vantage/internal/domain/depgraph"
	"github.com/coachpo/vantage/internal/domain/schema"
	"github.com/coachpo/vantage/internal/infra/adapters/fake"
)

var (
	t0       = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	aaplRef  = schema.TargetReference{Type: schema.TargetSecurity, ObjectID: schema.ObjectID{Scheme: "Ticker", Value: "AAPL"}}
	msftRef  = schema.TargetReference{Type: schema.TargetSecurity, ObjectID: schema.ObjectID{Scheme: "Ticker", Value: "MSFT"}}
	spxValue = schema.ValueRequirement{
		Name:   fake.ValueMarket,
		Target: schema.TargetReference{Type: schema.TargetPrimitive, ObjectID: schema.ObjectID{Scheme: "Ticker", Value: "SPX"}},
	}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type portfolioVersions struct {
	portfolio, root, p1 string
	p1Quantity          int64
}

func samplePortfolio(v portfolioVersions) *schema.Portfolio {
	return &schema.Portfolio{
		ID:   schema.UniqueID{Scheme: "Port", Value: "main", Version: v.portfolio},
		Name: "main",
		Root: &schema.PortfolioNode{
			ID:   schema.UniqueID{Scheme: "Node", Value: "root", Version: v.root},
			Name: "root",
			Positions: []schema.Position{
				{ID: schema.UniqueID{Scheme: "Pos", Value: "p1", Version: v.p1}, SecurityKey: "AAPL", Quantity: decimal.NewFromInt(v.p1Quantity)},
				{ID: schema.UniqueID{Scheme: "Pos", Value: "p2", Version: "1"}, SecurityKey: "MSFT", Quantity: decimal.NewFromInt(5)},
			},
		},
	}
}

type fixture struct {
	clock    *testClock
	resolver *fake.Resolver
	compiler *fake.Compiler
	cache    *compilation.MemoryCache
	session  *compilation.Session
	def      *schema.ViewDefinition
	avail    fake.Availability
}

func newFixture(t *testing.T, expiry time.Time, opts ...compilation.SessionOption) *fixture {
	t.Helper()
	clock := &testClock{now: t0}
	resolver := fake.NewResolver(clock.Now)
	resolver.PutSecurity("AAPL", "1")
	resolver.PutSecurity("MSFT", "1")
	resolver.PutPortfolio(samplePortfolio(portfolioVersions{portfolio: "1", root: "1", p1: "1", p1Quantity: 10}))
	clock.Advance(time.Minute)

	compiler := fake.NewCompiler(resolver, expiry)
	cache := compilation.NewMemoryCache()
	f := &fixture{
		clock:    clock,
		resolver: resolver,
		compiler: compiler,
		cache:    cache,
		session:  compilation.NewSession(cache, compiler, resolver, opts...),
		def: &schema.ViewDefinition{
			ID:          schema.UniqueID{Scheme: "View", Value: "risk", Version: "1"},
			Name:        "risk",
			PortfolioID: schema.ObjectID{Scheme: "Port", Value: "main"},
			CalcConfigs: []schema.CalcConfig{{
				Name:                 "Default",
				PortfolioOutputs:     []string{"PV"},
				SpecificRequirements: []schema.ValueRequirement{spxValue},
			}},
		},
		avail: fake.Availability{Source: "bbg"},
	}
	t.Cleanup(f.session.Close)
	return f
}

func (f *fixture) request(valuation time.Time) compilation.Request {
	return compilation.Request{
		Definition:        f.def,
		ValuationTime:     valuation,
		VersionCorrection: schema.VersionCorrectionAt(f.clock.Now()),
		Availability:      f.avail,
	}
}

func (f *fixture) compile(t *testing.T, req compilation.Request) *compilation.CompiledView {
	t.Helper()
	view, err := f.session.GetOrCompile(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, view)
	return view
}

func functionsIn(g *depgraph.Graph) map[string]int {
	out := make(map[string]int)
	for _, n := range g.Nodes() {
		if n.Kind == depgraph.KindFunction {
			out[n.Function.ID]++
		}
	}
	return out
}

func TestGetOrCompileReusesCachedView(t *testing.T) {
	f := newFixture(t, time.Time{})
	req := f.request(t0)

	first := f.compile(t, req)
	require.Equal(t, 1, f.compiler.FullCalls())
	require.Equal(t, 7, f.compiler.Added())
	require.NotEmpty(t, first.ID)
	require.Equal(t, []string{"Default"}, first.CalcConfigs())
	require.Equal(t, 1, f.cache.Len())

	second := f.compile(t, req)
	require.Same(t, first, second)
	require.Equal(t, 1, f.compiler.FullCalls())
	require.Zero(t, f.compiler.IncrementalCalls())
	require.Same(t, second, f.session.Latest())
}

func TestVersionCorrectionChangeWithoutEditsRelabels(t *testing.T) {
	f := newFixture(t, time.Time{})
	first := f.compile(t, f.request(t0))

	f.clock.Advance(time.Minute)
	req := f.request(t0)
	second := f.compile(t, req)

	require.NotSame(t, first, second)
	require.Equal(t, first.ID, second.ID)
	require.True(t, second.ResolverVersionCorrection.Equal(req.VersionCorrection))
	require.Same(t, first.Graphs["Default"], second.Graphs["Default"])
	require.Equal(t, 1, f.compiler.FullCalls())
	require.Zero(t, f.compiler.IncrementalCalls())

	cached, ok := f.cache.Get(f.session.Key())
	require.True(t, ok)
	require.Same(t, second, cached)
}

func TestChangedSecurityRecompilesIncrementally(t *testing.T) {
	f := newFixture(t, time.Time{})
	first := f.compile(t, f.request(t0))

	f.clock.Advance(time.Minute)
	f.resolver.PutSecurity("AAPL", "2")
	f.clock.Advance(time.Minute)
	second := f.compile(t, f.request(t0))

	require.Equal(t, 1, f.compiler.FullCalls())
	require.Equal(t, 1, f.compiler.IncrementalCalls())
	require.NotEqual(t, first.ID, second.ID)
	// market data, position and the root aggregate are rebuilt
	require.Equal(t, 3, f.compiler.Added())
	require.Equal(t, "2", second.ResolvedIdentifiers[aaplRef].Version)
	require.Equal(t, "1", second.ResolvedIdentifiers[msftRef].Version)
	require.Equal(t, 7, first.Graphs["Default"].Len(), "published graphs are never mutated")
	require.Equal(t, 7, second.Graphs["Default"].Len())

	last := f.compiler.LastIncremental()
	require.NotNil(t, last)
	_, stillValid := last.PreviousResolutions[aaplRef]
	require.False(t, stillValid)
	require.Len(t, last.Missing["Default"], 2)
}

func TestEquivalentPortfolioIsRemapped(t *testing.T) {
	f := newFixture(t, time.Time{})
	f.compile(t, f.request(t0))

	f.clock.Advance(time.Minute)
	f.resolver.PutPortfolio(samplePortfolio(portfolioVersions{portfolio: "2", root: "2", p1: "1", p1Quantity: 10}))
	f.clock.Advance(time.Minute)
	view := f.compile(t, f.request(t0))

	require.Equal(t, 1, f.compiler.IncrementalCalls())
	require.Zero(t, f.compiler.Added())
	require.Equal(t, "2", view.Portfolio.ID.Version)

	last := f.compiler.LastIncremental()
	_, ok := last.UnchangedNodes[schema.UniqueID{Scheme: "Node", Value: "root", Version: "2"}]
	require.True(t, ok)
	root := schema.TargetSpecification{Type: schema.TargetPortfolioNode, UniqueID: schema.UniqueID{Scheme: "Node", Value: "root", Version: "2"}}
	_, ok = view.Graphs["Default"].Producer(schema.ValueSpecification{Name: "PV", Target: root, Properties: schema.NewProperties("function", fake.FunctionSum)})
	require.True(t, ok)
}

func TestChangedPortfolioRebuildsUnmappedElements(t *testing.T) {
	f := newFixture(t, time.Time{})
	f.compile(t, f.request(t0))

	f.clock.Advance(time.Minute)
	f.resolver.PutPortfolio(samplePortfolio(portfolioVersions{portfolio: "2", root: "2", p1: "2", p1Quantity: 20}))
	f.clock.Advance(time.Minute)
	view := f.compile(t, f.request(t0))

	require.Equal(t, 1, f.compiler.IncrementalCalls())
	// the changed position and its parent node
	require.Equal(t, 2, f.compiler.Added())
	require.Equal(t, 7, view.Graphs["Default"].Len())
	for _, target := range view.Graphs["Default"].Targets() {
		require.NotEqual(t, schema.UniqueID{Scheme: "Pos", Value: "p1", Version: "1"}, target.UniqueID)
	}
}

func TestExpiredFunctionsAreReplaced(t *testing.T) {
	expiry := t0.Add(time.Hour)
	f := newFixture(t, expiry)

	first := f.compile(t, f.request(t0))
	require.Equal(t, expiry, first.ValidTo)
	require.True(t, first.IsValidFor(t0))
	require.False(t, first.IsValidFor(expiry))

	second := f.compile(t, f.request(expiry.Add(time.Minute)))
	require.Equal(t, 1, f.compiler.IncrementalCalls())
	require.Equal(t, expiry, second.ValidFrom)
	require.Equal(t, 3, f.compiler.Added())
	require.Equal(t, map[string]int{fake.FunctionPVNext: 2, fake.FunctionSum: 1}, functionsIn(second.Graphs["Default"]))
	require.Equal(t, map[string]int{fake.FunctionPV: 2, fake.FunctionSum: 1}, functionsIn(first.Graphs["Default"]))
}

func TestMarketDataProviderChangeRebuildsSources(t *testing.T) {
	f := newFixture(t, time.Time{})
	first := f.compile(t, f.request(t0))
	firstKey := f.session.Key()

	f.avail = fake.Availability{Source: "ice", Generation: 1}
	req := f.request(t0)
	req.MarketDataDirty = true
	second := f.compile(t, req)

	require.NotEqual(t, firstKey, f.session.Key())
	require.NotEqual(t, first.ID, second.ID)
	// every node hangs off a market data node, so nothing survives
	require.Equal(t, 2, f.compiler.FullCalls())
	for _, spec := range second.MarketDataRequirements() {
		source, _ := spec.Properties.Get("source")
		require.Equal(t, "ice", source)
	}
	require.Len(t, second.MarketDataRequirements(), 3)
}

// splitAvailability sources primitive targets from one vendor and every other
// target from another.
type splitAvailability struct{ primitive, other string }

func (a splitAvailability) Resolve(req schema.ValueRequirement) (schema.ValueSpecification, bool) {
	if req.Target.ObjectID.IsZero() {
		return schema.ValueSpecification{}, false
	}
	source := a.other
	if req.Target.Type == schema.TargetPrimitive {
		source = a.primitive
	}
	return fake.MarketValue(req.Name, req.Target.ObjectID.Value, source), true
}

func (a splitAvailability) Fingerprint() string { return a.primitive + "/" + a.other }

func TestMarketDataChangeSeenThroughAlias(t *testing.T) {
	f := newFixture(t, time.Time{})
	aaplPrimitive := schema.ValueRequirement{
		Name:   fake.ValueMarket,
		Target: schema.TargetReference{Type: schema.TargetPrimitive, ObjectID: aaplRef.ObjectID},
	}
	// both requirements share one source node, created for the security one
	f.def.CalcConfigs[0].SpecificRequirements = []schema.ValueRequirement{{Name: fake.ValueMarket, Target: aaplRef}, aaplPrimitive}
	first := f.compile(t, f.request(t0))
	require.Contains(t, first.MarketDataRequirements(), fake.MarketValue(fake.ValueMarket, "AAPL", "bbg"))
	require.NotContains(t, first.MarketDataRequirements(), fake.MarketValue(fake.ValueMarket, "AAPL", "ice"))

	req := f.request(t0)
	req.Availability = splitAvailability{primitive: "ice", other: "bbg"}
	req.MarketDataDirty = true
	second := f.compile(t, req)

	require.Equal(t, 1, f.compiler.FullCalls())
	require.Equal(t, 1, f.compiler.IncrementalCalls())
	require.Contains(t, second.MarketDataRequirements(), fake.MarketValue(fake.ValueMarket, "AAPL", "ice"))
	require.Contains(t, second.MarketDataRequirements(), fake.MarketValue(fake.ValueMarket, "AAPL", "bbg"))
	require.Contains(t, second.MarketDataRequirements(), fake.MarketValue(fake.ValueMarket, "MSFT", "bbg"))
}

func TestCachedLookupDoesNotWaitForCompile(t *testing.T) {
	f := newFixture(t, time.Time{})
	req := f.request(t0)
	first := f.compile(t, req)

	locks := f.cache.Locks(f.session.Key())
	locks.LockCompile()
	defer locks.UnlockCompile()

	done := make(chan *compilation.CompiledView, 1)
	go func() {
		view, _ := f.session.GetOrCompile(context.Background(), req)
		done <- view
	}()
	select {
	case view := <-done:
		require.Same(t, first, view)
	case <-time.After(time.Second):
		t.Fatal("cached view waited for the compile lock")
	}

	view, ok := f.session.Lookup(context.Background(), req)
	require.True(t, ok)
	require.Same(t, first, view)

	dirty := req
	dirty.MarketDataDirty = true
	_, ok = f.session.Lookup(context.Background(), dirty)
	require.False(t, ok)

	later := req
	later.VersionCorrection = schema.VersionCorrectionAt(t0.Add(time.Hour))
	_, ok = f.session.Lookup(context.Background(), later)
	require.False(t, ok)
	require.Equal(t, 1, f.compiler.FullCalls())
}

func TestStaleResolutionRetriesWithTargetInvalidated(t *testing.T) {
	f := newFixture(t, time.Time{})
	f.compile(t, f.request(t0))

	f.clock.Advance(time.Minute)
	f.resolver.PutSecurity("AAPL", "2")
	f.clock.Advance(time.Minute)
	msft := msftRef.ObjectID
	f.compiler.StaleNext(&msft)
	view := f.compile(t, f.request(t0))

	require.Equal(t, 2, f.compiler.IncrementalCalls())
	require.Equal(t, 1, f.compiler.FullCalls())
	require.Equal(t, "2", view.ResolvedIdentifiers[aaplRef].Version)
}

func TestStaleResolutionWithoutTargetForcesFullCompile(t *testing.T) {
	f := newFixture(t, time.Time{})
	f.compile(t, f.request(t0))

	f.clock.Advance(time.Minute)
	f.resolver.PutSecurity("AAPL", "2")
	f.clock.Advance(time.Minute)
	f.compiler.StaleNext(nil)
	f.compile(t, f.request(t0))

	require.Equal(t, 1, f.compiler.IncrementalCalls())
	require.Equal(t, 2, f.compiler.FullCalls())
}

func TestRepeatedStaleResolutionFails(t *testing.T) {
	f := newFixture(t, time.Time{})
	f.compiler.StaleNext(nil)
	f.compiler.StaleNext(nil)

	_, err := f.session.GetOrCompile(context.Background(), f.request(t0))
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeStaleResolution))
	require.Nil(t, f.session.Latest())
}

func TestCompileFailurePublishesNothing(t *testing.T) {
	f := newFixture(t, time.Time{})
	first := f.compile(t, f.request(t0))

	f.clock.Advance(time.Minute)
	f.resolver.PutSecurity("AAPL", "2")
	f.clock.Advance(time.Minute)
	f.compiler.FailNext(errors.New("function repository unavailable"))
	_, err := f.session.GetOrCompile(context.Background(), f.request(t0))
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeCompilation))
	require.Contains(t, err.Error(), "function repository unavailable")

	require.Same(t, first, f.session.Latest())
	cached, ok := f.cache.Get(f.session.Key())
	require.True(t, ok)
	require.Same(t, first, cached)

	second := f.compile(t, f.request(t0))
	require.Equal(t, 2, f.compiler.IncrementalCalls())
	require.NotEqual(t, first.ID, second.ID)
}

func TestCancelledCompileReportsTermination(t *testing.T) {
	f := newFixture(t, time.Time{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.session.GetOrCompile(ctx, f.request(t0))
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeTerminated))
}

func TestDefinitionOrFunctionChangeForcesFullCompile(t *testing.T) {
	initID := int64(1)
	f := newFixture(t, time.Time{}, compilation.WithFunctionInitID(func() int64 { return initID }))
	f.compile(t, f.request(t0))

	initID = 2
	view := f.compile(t, f.request(t0))
	require.Equal(t, 2, f.compiler.FullCalls())
	require.Equal(t, int64(2), view.FunctionInitID)

	def := *f.def
	def.ID.Version = "2"
	f.def = &def
	f.compile(t, f.request(t0))
	require.Equal(t, 3, f.compiler.FullCalls())
	require.Zero(t, f.compiler.IncrementalCalls())
}

func TestChangeTrackingLimitsResolution(t *testing.T) {
	var notified int
	f := newFixture(t, time.Time{}, compilation.WithChangeListener(func() { notified++ }))
	f.session.TrackChanges(true)
	require.Equal(t, 1, f.resolver.Watchers())

	f.compile(t, f.request(t0))

	// first version-correction change checks every newly watched target
	f.clock.Advance(time.Minute)
	before := f.resolver.Resolves()
	f.compile(t, f.request(t0))
	require.Equal(t, before+1, f.resolver.Resolves())

	// nothing changed since: no resolution at all
	f.clock.Advance(time.Minute)
	before = f.resolver.Resolves()
	f.compile(t, f.request(t0))
	require.Equal(t, before, f.resolver.Resolves())
	require.Zero(t, f.compiler.IncrementalCalls())

	f.resolver.PutSecurity("AAPL", "2")
	require.Equal(t, 1, notified)
	f.clock.Advance(time.Minute)
	view := f.compile(t, f.request(t0))
	require.Equal(t, 1, f.compiler.IncrementalCalls())
	require.Equal(t, "2", view.ResolvedIdentifiers[aaplRef].Version)

	f.session.Close()
	require.Zero(t, f.resolver.Watchers())
}

func TestGetOrCompileValidatesRequest(t *testing.T) {
	f := newFixture(t, time.Time{})

	_, err := f.session.GetOrCompile(context.Background(), compilation.Request{Availability: f.avail})
	require.True(t, errs.HasCode(err, errs.CodeInvalid))

	req := f.request(t0)
	req.Availability = nil
	_, err = f.session.GetOrCompile(context.Background(), req)
	require.True(t, errs.HasCode(err, errs.CodeMarketData))
	require.ErrorIs(t, err, compilation.ErrNoAvailability)
}

func TestSessionsShareCachedCompilation(t *testing.T) {
	f := newFixture(t, time.Time{})
	other := compilation.NewSession(f.cache, f.compiler, f.resolver)
	defer other.Close()

	first := f.compile(t, f.request(t0))
	second, err := other.GetOrCompile(context.Background(), f.request(t0))
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, f.compiler.FullCalls())
}
