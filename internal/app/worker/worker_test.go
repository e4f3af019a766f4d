package worker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/vantage/errs"
	"github.com/coachpo/vantage/internal/app/compilation"
	"github.com/coachpo/vantage/internal/domain/schema"
	"github.com/coachpo/vantage/internal/infra/adapters/fake"
	"github.com/coachpo/vantage/lib/async"
)

const waitFor = 5 * time.Second

var (
	t0        = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	liveBBG   = schema.MarketDataSpecification{Kind: schema.MarketDataLive, Source: "bbg"}
	aaplValue = fake.MarketValue(fake.ValueMarket, "AAPL", "bbg")
)

type harness struct {
	resolver  *fake.Resolver
	compiler  *fake.Compiler
	providers *fake.ProviderResolver
	executor  *fake.Executor
	svc       Services
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	resolver := fake.NewResolver(time.Now)
	resolver.PutSecurity("AAPL", "1")
	resolver.PutSecurity("MSFT", "1")
	resolver.PutPortfolio(&schema.Portfolio{
		ID:   schema.UniqueID{Scheme: "Port", Value: "main", Version: "1"},
		Name: "main",
		Root: &schema.PortfolioNode{
			ID:   schema.UniqueID{Scheme: "Node", Value: "root", Version: "1"},
			Name: "root",
			Positions: []schema.Position{
				{ID: schema.UniqueID{Scheme: "Pos", Value: "p1", Version: "1"}, SecurityKey: "AAPL", Quantity: decimal.NewFromInt(10)},
				{ID: schema.UniqueID{Scheme: "Pos", Value: "p2", Version: "1"}, SecurityKey: "MSFT", Quantity: decimal.NewFromInt(5)},
			},
		},
	})
	time.Sleep(time.Millisecond)

	pool, err := async.NewPool(16)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	h := &harness{
		resolver:  resolver,
		compiler:  fake.NewCompiler(resolver, time.Time{}),
		providers: fake.NewProviderResolver(fake.MarketDataOptions{AutoConfirm: true}),
		executor:  fake.NewExecutor(),
	}
	h.svc = Services{
		Cache:      compilation.NewMemoryCache(),
		Compiler:   h.compiler,
		Resolver:   compilation.NewSharedResolver(resolver),
		MarketData: h.providers,
		Executor:   h.executor,
		Pool:       pool,
	}
	return h
}

func definition(name, version string) *schema.ViewDefinition {
	return &schema.ViewDefinition{
		ID:          schema.UniqueID{Scheme: "View", Value: "risk", Version: version},
		Name:        name,
		PortfolioID: schema.ObjectID{Scheme: "Port", Value: "main"},
		CalcConfigs: []schema.CalcConfig{{Name: "Default", PortfolioOutputs: []string{"PV"}}},
	}
}

func valuations(n int) *schema.FixedSequence {
	times := make([]time.Time, n)
	for i := range times {
		times[i] = t0.Add(time.Duration(i) * time.Hour)
	}
	return schema.NewValuationSequence(times...)
}

func options(seq schema.ExecutionSequence, flags schema.ExecutionFlags) schema.ExecutionOptions {
	return schema.ExecutionOptions{
		Sequence: seq,
		Flags:    flags,
		Defaults: schema.CycleOptions{MarketData: []schema.MarketDataSpecification{liveBBG}},
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	answer func(Event) Action
}

func (r *recorder) Notify(ev Event) Action {
	r.mu.Lock()
	r.events = append(r.events, ev)
	answer := r.answer
	r.mu.Unlock()
	if answer != nil {
		return answer(ev)
	}
	return Proceed
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) completed() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Event
	for i := range r.events {
		if r.events[i].Kind == EventCycleCompleted {
			out = append(out, &r.events[i])
		}
	}
	return out
}

func (r *recorder) cycleTypes() []schema.CycleType {
	var out []schema.CycleType
	for _, ev := range r.completed() {
		out = append(out, ev.Cycle.Type)
	}
	return out
}

func (r *recorder) completedViews() []string {
	var out []string
	for _, ev := range r.completed() {
		out = append(out, ev.Cycle.View.Definition.Name)
	}
	return out
}

func (r *recorder) first(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}

func TestSingleWorkerRunsSequenceAsFastAsPossible(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	w, err := NewSingleWorker(h.svc, rec, options(valuations(3), schema.FlagRunAsFastAsPossible), definition("risk", "1"))
	require.NoError(t, err)

	require.True(t, w.JoinTimeout(waitFor))
	require.True(t, w.IsTerminated())
	require.Equal(t, []schema.CycleType{schema.CycleFull, schema.CycleDelta, schema.CycleDelta}, rec.cycleTypes())
	require.Equal(t, 1, rec.count(EventCompiled))
	require.Equal(t, 3, rec.count(EventCycleStarted))
	require.Equal(t, 1, rec.count(EventWorkerCompleted))
	require.Equal(t, 1, h.compiler.FullCalls())
	require.Equal(t, 3, h.executor.Executions())
	require.Equal(t, 2, h.executor.DeltaExecutions())
	require.Zero(t, h.executor.Live())
	require.False(t, w.TriggerCycle())
}

func TestSingleWorkerForcesFullAfterDeltaLimit(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	opts := options(valuations(3), schema.FlagRunAsFastAsPossible)
	opts.MaxSuccessiveDeltaCycles = 1
	w, err := NewSingleWorker(h.svc, rec, opts, definition("risk", "1"))
	require.NoError(t, err)

	require.True(t, w.JoinTimeout(waitFor))
	require.Equal(t, []schema.CycleType{schema.CycleFull, schema.CycleDelta, schema.CycleFull}, rec.cycleTypes())
	require.Equal(t, 1, h.executor.DeltaExecutions())
}

func TestSingleWorkerReportsCyclesWithoutMarketData(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	opts := options(valuations(2), schema.FlagRunAsFastAsPossible)
	opts.Defaults = schema.CycleOptions{}
	w, err := NewSingleWorker(h.svc, rec, opts, definition("risk", "1"))
	require.NoError(t, err)

	require.True(t, w.JoinTimeout(waitFor))
	require.Equal(t, 2, rec.count(EventCycleFailed))
	require.Equal(t, 1, rec.count(EventWorkerCompleted))
	require.Zero(t, rec.count(EventCycleStarted))
	ev, ok := rec.first(EventCycleFailed)
	require.True(t, ok)
	require.True(t, errors.Is(ev.Err, ErrNoMarketDataSpecifications))
	require.Zero(t, h.compiler.FullCalls())
}

func TestSingleWorkerCompileOnly(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	w, err := NewSingleWorker(h.svc, rec, options(valuations(2), schema.FlagRunAsFastAsPossible|schema.FlagCompileOnly), definition("risk", "1"))
	require.NoError(t, err)

	require.True(t, w.JoinTimeout(waitFor))
	require.Equal(t, 1, rec.count(EventCompiled))
	require.Zero(t, rec.count(EventCycleStarted))
	require.Equal(t, 1, rec.count(EventWorkerCompleted))
	require.Zero(t, h.executor.Executions())
}

func TestSingleWorkerWaitsForInitialTrigger(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	w, err := NewSingleWorker(h.svc, rec, options(valuations(1), schema.FlagWaitForInitialTrigger), definition("risk", "1"))
	require.NoError(t, err)
	t.Cleanup(func() { w.Terminate(); w.Join() })

	require.Never(t, func() bool { return h.executor.Executions() > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	require.True(t, w.TriggerCycle())
	require.True(t, w.JoinTimeout(waitFor))
	require.Equal(t, []schema.CycleType{schema.CycleFull}, rec.cycleTypes())
	require.Equal(t, 1, rec.count(EventWorkerCompleted))
}

func TestSingleWorkerCyclesOnMarketDataChange(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	w, err := NewSingleWorker(h.svc, rec, options(valuations(3), schema.FlagTriggerOnMarketDataChanged), definition("risk", "1"))
	require.NoError(t, err)
	t.Cleanup(func() { w.Terminate(); w.Join() })

	require.Eventually(t, func() bool { return rec.count(EventCycleCompleted) == 1 }, waitFor, time.Millisecond)
	provider := h.providers.Provider("", liveBBG)
	require.NotNil(t, provider)

	provider.SetValue(fake.MarketValue(fake.ValueMarket, "IBM", "bbg"), decimal.NewFromInt(1))
	require.Never(t, func() bool { return rec.count(EventCycleCompleted) > 1 }, 100*time.Millisecond, 5*time.Millisecond)

	provider.SetValue(aaplValue, decimal.NewFromInt(101))
	require.Eventually(t, func() bool { return rec.count(EventCycleCompleted) == 2 }, waitFor, time.Millisecond)
	require.Equal(t, []schema.CycleType{schema.CycleFull, schema.CycleDelta}, rec.cycleTypes())
}

func TestSingleWorkerTerminatesWhileWaiting(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	w, err := NewSingleWorker(h.svc, rec, options(schema.InfiniteSequence{}, 0), definition("risk", "1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count(EventCycleCompleted) == 1 }, waitFor, time.Millisecond)
	w.Terminate()
	require.True(t, w.JoinTimeout(waitFor))
	require.True(t, w.IsTerminated())
	require.False(t, w.RequestCycle())
	require.Zero(t, rec.count(EventWorkerCompleted))
	require.Zero(t, h.executor.Live())
}

func TestSingleWorkerStopsWhenListenerTerminates(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{answer: func(ev Event) Action {
		if ev.Kind == EventCycleStarted {
			return Terminate
		}
		return Proceed
	}}
	w, err := NewSingleWorker(h.svc, rec, options(valuations(3), schema.FlagRunAsFastAsPossible), definition("risk", "1"))
	require.NoError(t, err)

	require.True(t, w.JoinTimeout(waitFor))
	require.Equal(t, 1, rec.count(EventCycleStarted))
	require.Zero(t, rec.count(EventCycleCompleted))
	require.Zero(t, h.executor.Executions())
}

func TestSingleWorkerAppliesDefinitionUpdate(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	w, err := NewSingleWorker(h.svc, rec, options(valuations(2), 0), definition("risk", "1"))
	require.NoError(t, err)
	t.Cleanup(func() { w.Terminate(); w.Join() })

	require.Eventually(t, func() bool { return rec.count(EventCycleCompleted) == 1 }, waitFor, time.Millisecond)
	w.UpdateViewDefinition(definition("risk-v2", "2"))
	require.True(t, w.RequestCycle())
	require.True(t, w.JoinTimeout(waitFor))
	require.Equal(t, []string{"risk", "risk-v2"}, rec.completedViews())
	require.Equal(t, 2, rec.count(EventCompiled))
}

func TestParallelImmediateRetiresPrimaryOnceSecondaryCompiled(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	release := h.executor.Hold()
	defer release()

	pw, err := NewParallelWorker(ParallelFactory{Delegate: SingleFactory{Services: h.svc}, Policy: PolicyImmediate, Resolver: h.resolver},
		rec, options(valuations(3), 0), definition("risk", "1"))
	require.NoError(t, err)
	t.Cleanup(func() { pw.Terminate(); pw.Join() })

	require.Eventually(t, func() bool { return h.executor.Executions() == 1 }, waitFor, time.Millisecond)
	pw.UpdateViewDefinition(definition("risk-v2", "2"))
	require.Eventually(t, func() bool { return h.executor.Executions() == 2 }, waitFor, time.Millisecond)
	release()

	require.Eventually(t, func() bool { return len(rec.completed()) == 1 }, waitFor, time.Millisecond)
	require.Never(t, func() bool { return len(rec.completed()) > 1 }, 100*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, []string{"risk-v2"}, rec.completedViews())
	require.Equal(t, 2, rec.count(EventCompiled))
	require.False(t, pw.IsTerminated())
}

func TestParallelDeferredParksSecondaryUntilPrimaryCycles(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	pw, err := NewParallelWorker(ParallelFactory{Delegate: SingleFactory{Services: h.svc}, Policy: PolicyDeferred, Resolver: h.resolver},
		rec, options(valuations(4), 0), definition("risk", "1"))
	require.NoError(t, err)
	t.Cleanup(func() { pw.Terminate(); pw.Join() })

	require.Eventually(t, func() bool { return rec.count(EventCycleCompleted) == 1 }, waitFor, time.Millisecond)
	pw.UpdateViewDefinition(definition("risk-v2", "2"))
	require.Eventually(t, func() bool {
		pw.mu.Lock()
		defer pw.mu.Unlock()
		return pw.secondary != nil && pw.secondary.compiled()
	}, waitFor, time.Millisecond)
	require.Never(t, func() bool { return h.executor.Executions() > 1 }, 100*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, 1, rec.count(EventCompiled))

	require.True(t, pw.RequestCycle())
	require.Eventually(t, func() bool { return rec.count(EventCycleCompleted) == 2 }, waitFor, time.Millisecond)
	require.Equal(t, []string{"risk", "risk-v2"}, rec.completedViews())
	require.Equal(t, 2, rec.count(EventCompiled))

	pw.mu.Lock()
	require.Nil(t, pw.secondary)
	require.Equal(t, "risk-v2", pw.primary.lastCompiled.Definition.Name)
	pw.mu.Unlock()
}

func TestParallelSecondaryRejectedWithSameResolutions(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	pw, err := NewParallelWorker(ParallelFactory{Delegate: SingleFactory{Services: h.svc}, Policy: PolicyParallel, Resolver: h.resolver},
		rec, options(valuations(3), 0), definition("risk", "1"))
	require.NoError(t, err)
	t.Cleanup(func() { pw.Terminate(); pw.Join() })

	require.Eventually(t, func() bool { return rec.count(EventCycleCompleted) == 1 }, waitFor, time.Millisecond)
	pw.UpdateViewDefinition(definition("risk", "1"))
	require.Eventually(t, func() bool {
		pw.mu.Lock()
		defer pw.mu.Unlock()
		return pw.secondary == nil
	}, waitFor, time.Millisecond)
	require.Equal(t, 1, rec.count(EventCompiled))

	require.True(t, pw.RequestCycle())
	require.Eventually(t, func() bool { return rec.count(EventCycleCompleted) == 2 }, waitFor, time.Millisecond)
	require.Equal(t, []string{"risk", "risk"}, rec.completedViews())
}

func TestParallelCompletesWithSequence(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	pw, err := NewParallelWorker(ParallelFactory{Delegate: SingleFactory{Services: h.svc}, Policy: PolicyParallel, Resolver: h.resolver},
		rec, options(valuations(2), schema.FlagRunAsFastAsPossible), definition("risk", "1"))
	require.NoError(t, err)

	require.True(t, pw.JoinTimeout(waitFor))
	require.True(t, pw.IsTerminated())
	require.Equal(t, 2, rec.count(EventCycleCompleted))
	require.Equal(t, 1, rec.count(EventWorkerCompleted))
	require.Zero(t, h.resolver.Watchers())
}

func TestParallelResolverChangeStartsSecondary(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	pw, err := NewParallelWorker(ParallelFactory{Delegate: SingleFactory{Services: h.svc}, Policy: PolicyImmediate, Resolver: h.resolver},
		rec, options(valuations(4), 0), definition("risk", "1"))
	require.NoError(t, err)
	t.Cleanup(func() { pw.Terminate(); pw.Join() })

	require.Eventually(t, func() bool { return rec.count(EventCycleCompleted) == 1 }, waitFor, time.Millisecond)
	pw.mu.Lock()
	require.NotNil(t, pw.changes)
	require.Nil(t, pw.secondary)
	pw.mu.Unlock()

	h.resolver.PutSecurity("AAPL", "2")
	require.Eventually(t, func() bool { return rec.count(EventCycleCompleted) >= 2 }, waitFor, time.Millisecond)
	pw.mu.Lock()
	started := pw.nextID
	pw.mu.Unlock()
	require.Equal(t, 2, started)
}

func TestParallelPrimaryCarriesOnAfterCycleFailure(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	boom := errors.New("pricing library unavailable")
	h.executor.FailNext(boom)
	pw, err := NewParallelWorker(ParallelFactory{Delegate: SingleFactory{Services: h.svc}, Policy: PolicyParallel, Resolver: h.resolver},
		rec, options(valuations(3), schema.FlagRunAsFastAsPossible), definition("risk", "1"))
	require.NoError(t, err)

	require.True(t, pw.JoinTimeout(waitFor))
	require.True(t, pw.IsTerminated())
	require.Equal(t, 1, rec.count(EventCycleFailed))
	require.Equal(t, 2, rec.count(EventCycleCompleted))
	require.Equal(t, 1, rec.count(EventWorkerCompleted))
	ev, ok := rec.first(EventCycleFailed)
	require.True(t, ok)
	require.ErrorIs(t, ev.Err, boom)

	pw.mu.Lock()
	defer pw.mu.Unlock()
	require.Len(t, pw.started, 1)
}

func TestParallelPrimaryCarriesOnAfterCompileFailure(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	h.compiler.FailNext(errors.New("function repository offline"))
	pw, err := NewParallelWorker(ParallelFactory{Delegate: SingleFactory{Services: h.svc}, Policy: PolicyImmediate, Resolver: h.resolver},
		rec, options(valuations(3), schema.FlagRunAsFastAsPossible), definition("risk", "1"))
	require.NoError(t, err)

	require.True(t, pw.JoinTimeout(waitFor))
	require.True(t, pw.IsTerminated())
	require.Equal(t, 1, rec.count(EventCompilationFailed))
	require.Equal(t, 1, rec.count(EventCycleFailed))
	require.Equal(t, 2, rec.count(EventCycleCompleted))
	require.Equal(t, 1, rec.count(EventWorkerCompleted))
	ev, ok := rec.first(EventCompilationFailed)
	require.True(t, ok)
	require.True(t, errs.HasCode(ev.Err, errs.CodeCompilation))
}

func TestParallelFailedPrimaryHandsOverToSecondary(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	pw, err := NewParallelWorker(ParallelFactory{Delegate: SingleFactory{Services: h.svc}, Policy: PolicyParallel, Resolver: h.resolver},
		rec, options(valuations(5), 0), definition("risk", "1"))
	require.NoError(t, err)
	t.Cleanup(func() { pw.Terminate(); pw.Join() })

	require.Eventually(t, func() bool { return rec.count(EventCycleCompleted) == 1 }, waitFor, time.Millisecond)
	release := h.executor.Hold()
	defer release()
	pw.UpdateViewDefinition(definition("risk-v2", "2"))
	require.Eventually(t, func() bool { return h.executor.Executions() == 2 }, waitFor, time.Millisecond)

	// the secondary has no results yet, so the primary runs and fails
	h.executor.FailNext(errors.New("grid node lost"))
	require.True(t, pw.RequestCycle())
	require.Eventually(t, func() bool { return h.executor.Executions() == 3 }, waitFor, time.Millisecond)
	release()

	require.Eventually(t, func() bool {
		pw.mu.Lock()
		defer pw.mu.Unlock()
		return pw.secondary == nil && pw.primary != nil && pw.primary.lastCompiled.Definition.Name == "risk-v2"
	}, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return rec.count(EventCycleCompleted) == 2 }, waitFor, time.Millisecond)
	require.Equal(t, 1, rec.count(EventCycleFailed))
	require.Equal(t, []string{"risk", "risk-v2"}, rec.completedViews())
	require.False(t, pw.IsTerminated())

	require.True(t, pw.RequestCycle())
	require.Eventually(t, func() bool { return rec.count(EventCycleCompleted) == 3 }, waitFor, time.Millisecond)
	require.Equal(t, []string{"risk", "risk-v2", "risk-v2"}, rec.completedViews())
}

func TestParallelSecondaryTakesOverAfterFirstResults(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	pw, err := NewParallelWorker(ParallelFactory{Delegate: SingleFactory{Services: h.svc}, Policy: PolicyParallel, Resolver: h.resolver},
		rec, options(valuations(5), 0), definition("risk", "1"))
	require.NoError(t, err)
	t.Cleanup(func() { pw.Terminate(); pw.Join() })

	require.Eventually(t, func() bool { return rec.count(EventCycleCompleted) == 1 }, waitFor, time.Millisecond)
	release := h.executor.Hold()
	defer release()
	pw.UpdateViewDefinition(definition("risk-v2", "2"))

	// the secondary executes but its start is held back until it has results
	require.Eventually(t, func() bool { return h.executor.Executions() == 2 }, waitFor, time.Millisecond)
	require.Equal(t, 1, rec.count(EventCycleStarted))
	require.Equal(t, 1, rec.count(EventCompiled))
	release()

	require.Eventually(t, func() bool { return rec.count(EventCycleCompleted) == 2 }, waitFor, time.Millisecond)
	require.Equal(t, 2, rec.count(EventCycleStarted))
	require.Equal(t, 2, rec.count(EventCompiled))
	pw.mu.Lock()
	require.NotNil(t, pw.secondary)
	require.True(t, pw.secondary.resultsAvailable.Load())
	pw.mu.Unlock()

	// the primary retires on its next cycle instead of running it
	require.True(t, pw.RequestCycle())
	require.Eventually(t, func() bool {
		pw.mu.Lock()
		defer pw.mu.Unlock()
		return pw.secondary == nil && pw.primary != nil && pw.primary.lastCompiled.Definition.Name == "risk-v2"
	}, waitFor, time.Millisecond)
	require.Never(t, func() bool { return rec.count(EventCycleCompleted) > 2 }, 100*time.Millisecond, 5*time.Millisecond)

	require.True(t, pw.RequestCycle())
	require.Eventually(t, func() bool { return rec.count(EventCycleCompleted) == 3 }, waitFor, time.Millisecond)
	require.Equal(t, []string{"risk", "risk-v2", "risk-v2"}, rec.completedViews())
}

func TestParallelPromotedWorkerKeepsMarketData(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	pw, err := NewParallelWorker(ParallelFactory{Delegate: SingleFactory{Services: h.svc}, Policy: PolicyImmediate, Resolver: h.resolver},
		rec, options(valuations(8), schema.FlagTriggerOnMarketDataChanged), definition("risk", "1"))
	require.NoError(t, err)
	t.Cleanup(func() { pw.Terminate(); pw.Join() })

	require.Eventually(t, func() bool { return rec.count(EventCycleCompleted) == 1 }, waitFor, time.Millisecond)
	provider := h.providers.Provider("", liveBBG)
	require.NotNil(t, provider)

	pw.mu.Lock()
	retiring := pw.primary
	pw.mu.Unlock()
	pw.UpdateViewDefinition(definition("risk-v2", "2"))
	require.Eventually(t, func() bool { return rec.count(EventCycleCompleted) == 2 }, waitFor, time.Millisecond)
	require.Equal(t, 2, provider.Listeners())

	provider.SetValue(aaplValue, decimal.NewFromInt(101))
	require.Eventually(t, func() bool {
		pw.mu.Lock()
		defer pw.mu.Unlock()
		return pw.primary != nil && pw.primary != retiring
	}, waitFor, time.Millisecond)
	require.True(t, retiring.worker.JoinTimeout(waitFor))
	require.Equal(t, 1, provider.Listeners())
	require.True(t, provider.Subscribed(aaplValue))

	require.Eventually(t, func() bool { return rec.count(EventCycleCompleted) == 3 }, waitFor, time.Millisecond)
	provider.SetValue(aaplValue, decimal.NewFromInt(102))
	require.Eventually(t, func() bool { return rec.count(EventCycleCompleted) == 4 }, waitFor, time.Millisecond)
	require.Equal(t, []string{"risk", "risk-v2", "risk-v2", "risk-v2"}, rec.completedViews())
}

func TestPartitionBatchSize(t *testing.T) {
	cfg := PartitionConfig{Saturation: 4, MinBatch: 2, MaxBatch: 10}
	require.Equal(t, 3, cfg.BatchSize(10))
	require.Equal(t, 2, cfg.BatchSize(3))
	require.Equal(t, 10, cfg.BatchSize(100))
	require.Equal(t, 10, cfg.BatchSize(-1))
	require.Equal(t, 100, PartitionConfig{}.BatchSize(-1))
}

func TestPartitionerSpreadsSequenceAcrossLoops(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	factory := PartitioningFactory{Delegate: SingleFactory{Services: h.svc}, Config: PartitionConfig{Saturation: 2, MinBatch: 1, MaxBatch: 2}}
	w, err := factory.NewWorker(rec, options(valuations(7), schema.FlagRunAsFastAsPossible), definition("risk", "1"))
	require.NoError(t, err)
	pw, ok := w.(*PartitionedWorker)
	require.True(t, ok)

	require.True(t, pw.JoinTimeout(waitFor))
	require.True(t, pw.IsTerminated())
	require.Equal(t, 7, rec.count(EventCycleCompleted))
	require.Equal(t, 1, rec.count(EventWorkerCompleted))
	require.Len(t, pw.all, 4)

	seen := make(map[time.Time]bool)
	for _, ev := range rec.completed() {
		seen[ev.Cycle.ValuationTime()] = true
	}
	require.Len(t, seen, 7)
}

func TestPartitionerDelegatesOtherWorkloads(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	factory := PartitioningFactory{Delegate: SingleFactory{Services: h.svc}}
	w, err := factory.NewWorker(rec, options(valuations(1), 0), definition("risk", "1"))
	require.NoError(t, err)
	_, ok := w.(*SingleWorker)
	require.True(t, ok)
	require.True(t, w.JoinTimeout(waitFor))
}

func TestPartitionerTerminateStopsAllLoops(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	release := h.executor.Hold()
	defer release()
	factory := PartitioningFactory{Delegate: SingleFactory{Services: h.svc}, Config: PartitionConfig{Saturation: 3, MinBatch: 1, MaxBatch: 1}}
	w, err := factory.NewWorker(rec, options(valuations(10), schema.FlagRunAsFastAsPossible), definition("risk", "1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.executor.Executions() == 3 }, waitFor, time.Millisecond)
	w.Terminate()
	require.True(t, w.JoinTimeout(waitFor))
	require.True(t, w.IsTerminated())
	require.Zero(t, rec.count(EventWorkerCompleted))
	require.Zero(t, rec.count(EventCycleCompleted))
}

func TestPartitionerRespawnsWithinPoolCapacity(t *testing.T) {
	h := newHarness(t)
	pool, err := async.NewPool(2)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	h.svc.Pool = pool

	rec := &recorder{}
	factory := PartitioningFactory{Delegate: SingleFactory{Services: h.svc}, Config: PartitionConfig{Saturation: 2, MinBatch: 1, MaxBatch: 1}}
	w, err := factory.NewWorker(rec, options(valuations(5), schema.FlagRunAsFastAsPossible), definition("risk", "1"))
	require.NoError(t, err)
	pw, ok := w.(*PartitionedWorker)
	require.True(t, ok)

	require.True(t, pw.JoinTimeout(waitFor))
	require.True(t, pw.IsTerminated())
	require.Equal(t, 5, rec.count(EventCycleCompleted))
	require.Zero(t, rec.count(EventCycleFailed))
	require.Equal(t, 1, rec.count(EventWorkerCompleted))
	require.Len(t, pw.all, 5)
}

func TestPartitionerRetriesBatchAfterStartFailure(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	var calls atomic.Int32
	delegate := FactoryFunc(func(wctx Context, opts schema.ExecutionOptions, def *schema.ViewDefinition) (Worker, error) {
		if calls.Add(1) == 2 {
			return nil, errors.New("loop slots exhausted")
		}
		return SingleFactory{Services: h.svc}.NewWorker(wctx, opts, def)
	})
	factory := PartitioningFactory{Delegate: delegate, Config: PartitionConfig{Saturation: 2, MinBatch: 1, MaxBatch: 2}}
	w, err := factory.NewWorker(rec, options(valuations(6), schema.FlagRunAsFastAsPossible), definition("risk", "1"))
	require.NoError(t, err)
	pw, ok := w.(*PartitionedWorker)
	require.True(t, ok)

	require.True(t, pw.JoinTimeout(waitFor))
	require.True(t, pw.IsTerminated())
	require.Equal(t, 6, rec.count(EventCycleCompleted))
	require.Zero(t, rec.count(EventCycleFailed))
	require.Equal(t, 1, rec.count(EventWorkerCompleted))
	require.Len(t, pw.all, 3)

	seen := make(map[time.Time]bool)
	for _, ev := range rec.completed() {
		seen[ev.Cycle.ValuationTime()] = true
	}
	require.Len(t, seen, 6)
}

func TestPartitionerFailsCyclesNoLoopCanRun(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	var calls atomic.Int32
	delegate := FactoryFunc(func(wctx Context, opts schema.ExecutionOptions, def *schema.ViewDefinition) (Worker, error) {
		if calls.Add(1) > 1 {
			return nil, errors.New("loop slots exhausted")
		}
		return SingleFactory{Services: h.svc}.NewWorker(wctx, opts, def)
	})
	factory := PartitioningFactory{Delegate: delegate, Config: PartitionConfig{Saturation: 2, MinBatch: 1, MaxBatch: 2}}
	w, err := factory.NewWorker(rec, options(valuations(6), schema.FlagRunAsFastAsPossible), definition("risk", "1"))
	require.NoError(t, err)

	require.True(t, w.JoinTimeout(waitFor))
	require.True(t, w.IsTerminated())
	require.Equal(t, 2, rec.count(EventCycleCompleted))
	require.Equal(t, 4, rec.count(EventCycleFailed))
	require.Equal(t, 1, rec.count(EventWorkerCompleted))
	ev, ok := rec.first(EventCycleFailed)
	require.True(t, ok)
	require.True(t, errs.HasCode(ev.Err, errs.CodeUnavailable))
	require.False(t, ev.Options.ValuationTime.IsZero())
}

func TestPartitionerReportsFailuresAndRunsTheRest(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	h.compiler.FailNext(errors.New("function repository offline"))
	h.executor.FailNext(errors.New("grid node lost"))
	factory := PartitioningFactory{Delegate: SingleFactory{Services: h.svc}, Config: PartitionConfig{Saturation: 2, MinBatch: 1, MaxBatch: 2}}
	w, err := factory.NewWorker(rec, options(valuations(5), schema.FlagRunAsFastAsPossible), definition("risk", "1"))
	require.NoError(t, err)

	require.True(t, w.JoinTimeout(waitFor))
	require.True(t, w.IsTerminated())
	require.Equal(t, 1, rec.count(EventCompilationFailed))
	require.Equal(t, 2, rec.count(EventCycleFailed))
	require.Equal(t, 3, rec.count(EventCycleCompleted))
	require.Equal(t, 1, rec.count(EventWorkerCompleted))
}
