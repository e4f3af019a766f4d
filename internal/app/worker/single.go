package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coachpo/vantage/errs"
	"github.com/coachpo/vantage/internal/app/compilation"
	"github.com/coachpo/vantage/internal/app/execution"
	"github.com/coachpo/vantage/internal/app/marketdata"
	"github.com/coachpo/vantage/internal/app/trigger"
	"github.com/coachpo/vantage/internal/domain/schema"
	"github.com/coachpo/vantage/internal/infra/telemetry"
	"github.com/coachpo/vantage/lib/async"
)

const (
	// DefaultMarketDataTimeout bounds snapshot initialisation when awaiting market data.
	DefaultMarketDataTimeout = 10 * time.Second
	closeTimeout             = 5 * time.Second
)

// Services are the collaborators shared by every worker of a process.
type Services struct {
	Cache          *compilation.MemoryCache
	Compiler       compilation.GraphCompiler
	Resolver       compilation.TargetResolver
	MarketData     marketdata.ProviderResolver
	Executor       execution.Executor
	Pool           *async.Pool
	Subscriptions  marketdata.Config
	FunctionInitID func() int64
	Manipulation   string
	Clock          func() time.Time
	// MarketDataTimeout bounds snapshot initialisation when awaiting market data.
	MarketDataTimeout time.Duration
	Log               zerolog.Logger
}

func (s Services) validate() error {
	switch {
	case s.Cache == nil:
		return errs.New("worker", errs.CodeInvalid, errs.WithMessage("compiled view cache required"))
	case s.Compiler == nil:
		return errs.New("worker", errs.CodeInvalid, errs.WithMessage("graph compiler required"))
	case s.Resolver == nil:
		return errs.New("worker", errs.CodeInvalid, errs.WithMessage("target resolver required"))
	case s.MarketData == nil:
		return errs.New("worker", errs.CodeInvalid, errs.WithMessage("market data provider resolver required"))
	case s.Executor == nil:
		return errs.New("worker", errs.CodeInvalid, errs.WithMessage("graph executor required"))
	case s.Pool == nil:
		return errs.New("worker", errs.CodeInvalid, errs.WithMessage("goroutine pool required"))
	}
	return nil
}

func (s Services) normalise() Services {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.MarketDataTimeout <= 0 {
		s.MarketDataTimeout = DefaultMarketDataTimeout
	}
	return s
}

// SingleFactory starts single loops over shared services.
type SingleFactory struct {
	Services Services
}

// NewWorker starts a SingleWorker.
func (f SingleFactory) NewWorker(wctx Context, opts schema.ExecutionOptions, def *schema.ViewDefinition) (Worker, error) {
	return NewSingleWorker(f.Services, wctx, opts, def)
}

// SingleWorker runs one cycle at a time on a goroutine borrowed from the
// services' pool, polling its sequence until it is exhausted or terminated.
type SingleWorker struct {
	id      string
	log     zerolog.Logger
	svc     Services
	wctx    Context
	opts    schema.ExecutionOptions
	execute bool
	metrics *cycleMetrics

	definition   atomic.Pointer[schema.ViewDefinition]
	pending      atomic.Pointer[schema.ViewDefinition]
	requirements atomic.Pointer[schema.SpecificationSet]

	trigger *trigger.Combined
	expiry  *trigger.FixedTime
	manager *marketdata.Manager
	session *compilation.Session

	mu             sync.Mutex
	cycleRequested bool
	forceTrigger   bool
	wakeOnRequest  bool
	wake           chan struct{}

	terminated atomic.Bool
	cancel     context.CancelFunc
	handle     *async.Handle

	// owned by the loop goroutine
	previous  *execution.Cycle
	cycles    int
	totalTime time.Duration
}

// NewSingleWorker validates its inputs and starts the loop.
func NewSingleWorker(svc Services, wctx Context, opts schema.ExecutionOptions, def *schema.ViewDefinition) (*SingleWorker, error) {
	if err := svc.validate(); err != nil {
		return nil, err
	}
	if wctx == nil {
		return nil, errs.New("worker", errs.CodeInvalid, errs.WithMessage("worker context required"))
	}
	if opts.Sequence == nil {
		return nil, errs.New("worker", errs.CodeInvalid, errs.WithMessage("execution sequence required"))
	}
	if def == nil {
		return nil, errs.New("worker", errs.CodeInvalid, errs.WithMessage("view definition required"))
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	svc = svc.normalise()
	id := uuid.NewString()
	log := svc.Log.With().Str("component", "worker").Str("worker", id).Str("view", def.Name).Logger()

	w := &SingleWorker{
		id:             id,
		log:            log,
		svc:            svc,
		wctx:           wctx,
		opts:           opts,
		execute:        !opts.Flags.Has(schema.FlagCompileOnly),
		metrics:        newCycleMetrics(),
		expiry:         trigger.NewFixedTime(),
		cycleRequested: !opts.Flags.Has(schema.FlagWaitForInitialTrigger),
		wake:           make(chan struct{}, 1),
	}
	w.definition.Store(def)
	w.trigger = w.buildTrigger()
	w.manager = marketdata.NewManager(svc.MarketData, svc.Subscriptions,
		marketdata.WithLogger(log),
		marketdata.WithClock(svc.Clock),
		marketdata.WithListener(w))
	w.session = compilation.NewSession(svc.Cache, svc.Compiler, svc.Resolver,
		compilation.WithLogger(log),
		compilation.WithManipulation(svc.Manipulation),
		compilation.WithFunctionInitID(svc.FunctionInitID),
		compilation.WithChangeListener(func() { w.RequestCycle() }))

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	handle, err := svc.Pool.Borrow(ctx, "worker-"+id, w.run)
	if err != nil {
		cancel()
		w.terminated.Store(true)
		return nil, err
	}
	w.handle = handle
	return w, nil
}

func (w *SingleWorker) buildTrigger() *trigger.Combined {
	c := trigger.NewCombined()
	switch {
	case w.opts.Flags.Has(schema.FlagRunAsFastAsPossible):
		c.Add(trigger.RunAsFastAsPossible{})
	case w.opts.Flags.Has(schema.FlagTriggerOnTimeElapsed):
		c.Add(trigger.NewRecomputationPeriod(w.definition.Load))
	}
	if w.opts.MaxSuccessiveDeltaCycles > 0 {
		c.Add(trigger.NewSuccessiveDeltaLimit(w.opts.MaxSuccessiveDeltaCycles))
	}
	c.Add(w.expiry)
	return c
}

// ID identifies the worker in logs.
func (w *SingleWorker) ID() string { return w.id }

// Manager exposes the worker's subscription manager.
func (w *SingleWorker) Manager() *marketdata.Manager { return w.manager }

// TriggerCycle forces the next cycle.
func (w *SingleWorker) TriggerCycle() bool {
	if w.terminated.Load() {
		return false
	}
	w.mu.Lock()
	w.forceTrigger = true
	w.mu.Unlock()
	w.signal()
	return true
}

// RequestCycle asks for a cycle once the trigger is eligible.
func (w *SingleWorker) RequestCycle() bool {
	if w.terminated.Load() {
		return false
	}
	w.mu.Lock()
	w.cycleRequested = true
	wake := w.wakeOnRequest
	w.mu.Unlock()
	if wake {
		w.signal()
	}
	return true
}

func (w *SingleWorker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// UpdateViewDefinition replaces the definition from the next cycle on.
func (w *SingleWorker) UpdateViewDefinition(def *schema.ViewDefinition) {
	if def == nil {
		return
	}
	w.pending.Store(def)
}

// Terminate stops the loop at its next suspension point.
func (w *SingleWorker) Terminate() {
	w.terminated.Store(true)
	w.cancel()
}

// IsTerminated reports whether the worker was told to stop.
func (w *SingleWorker) IsTerminated() bool { return w.terminated.Load() }

// Join waits for the loop goroutine to exit.
func (w *SingleWorker) Join() {
	_ = w.handle.Join()
}

// JoinTimeout waits up to d for the loop goroutine to exit.
func (w *SingleWorker) JoinTimeout(d time.Duration) bool {
	return w.handle.JoinTimeout(d)
}

// ValuesChanged requests a cycle when a ticking value feeds the current view.
func (w *SingleWorker) ValuesChanged(specs []schema.ValueSpecification) {
	if !w.opts.Flags.Has(schema.FlagTriggerOnMarketDataChanged) {
		return
	}
	required := w.requirements.Load()
	if required == nil || !required.ContainsAny(specs) {
		return
	}
	w.RequestCycle()
}

func (w *SingleWorker) run(ctx context.Context) error {
	w.log.Info().Msg("worker started")
	if err := w.manager.StartMonitor(); err != nil {
		w.log.Warn().Err(err).Msg("subscription monitor not started")
	}
	defer w.postRun()
	for !w.terminated.Load() {
		if !w.runOneCycle(ctx) {
			break
		}
	}
	return nil
}

func (w *SingleWorker) postRun() {
	if w.previous != nil {
		execution.Release(w.svc.Executor, w.previous)
		w.previous = nil
	}
	w.session.Close()
	w.session.Reset()
	w.expiry.Reset()
	w.requirements.Store(nil)
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	w.manager.Close(ctx)
	w.terminated.Store(true)
	w.log.Info().Int("cycles", w.cycles).Msg("worker stopped")
}

// waitForNextCycle blocks until the trigger allows a cycle, returning its
// type, or reports false once the worker is terminated.
func (w *SingleWorker) waitForNextCycle(ctx context.Context) (schema.CycleType, bool) {
	for {
		now := w.svc.Clock()
		state := w.trigger.Query(now)
		w.mu.Lock()
		if w.forceTrigger {
			state.Eligibility = trigger.Force
			w.forceTrigger = false
		}
		if state.Eligibility == trigger.Force || (state.Eligibility == trigger.Eligible && w.cycleRequested) {
			w.cycleRequested = false
			w.wakeOnRequest = false
			w.mu.Unlock()
			cycleType := state.CycleType
			switch {
			case w.previous == nil:
				cycleType = schema.CycleFull
			case cycleType == schema.CycleUnspecified:
				cycleType = schema.CycleDelta
			}
			w.trigger.CycleTriggered(now, cycleType)
			return cycleType, true
		}
		if w.cycleRequested {
			w.wakeOnRequest = false
		} else {
			w.wakeOnRequest = state.Eligibility == trigger.Eligible
		}
		w.mu.Unlock()

		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if !state.NextStateChange.IsZero() {
			timer = time.NewTimer(state.NextStateChange.Sub(now) + time.Millisecond)
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return schema.CycleUnspecified, false
		case <-w.wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (w *SingleWorker) applyPendingDefinition() *schema.ViewDefinition {
	next := w.pending.Swap(nil)
	if next == nil {
		return w.definition.Load()
	}
	old := w.definition.Swap(next)
	w.session.Reset()
	if old == nil || old.MarketDataUser != next.MarketDataUser {
		w.manager.ReplaceUser(next.MarketDataUser)
	}
	w.log.Info().Str("definition", next.ID.String()).Msg("view definition updated")
	return next
}

// resolverVersionCorrection resolves the cycle's version-correction, falling
// back to latest. A latest resolution tracks resolver changes.
func (w *SingleWorker) resolverVersionCorrection(opts schema.CycleOptions) schema.VersionCorrection {
	vc := schema.Latest
	if opts.ResolverVersionCorrection != nil {
		vc = *opts.ResolverVersionCorrection
	}
	w.session.TrackChanges(vc.IsLatest())
	return vc.WithLatestFixed(w.svc.Clock())
}

func (w *SingleWorker) notify(ev Event) Action {
	action := w.wctx.Notify(ev)
	if action == Terminate {
		w.log.Debug().Str("event", ev.Kind.String()).Msg("listener terminated worker")
		w.Terminate()
	}
	return action
}

func (w *SingleWorker) cycleFailed(opts schema.CycleOptions, err error) {
	w.log.Error().Err(err).Str("cycle", opts.Name).Msg("cycle execution failed")
	w.metrics.record(w.definition.Load().Name, schema.CycleUnspecified.String(), telemetry.ResultError, 0)
	w.notify(Event{Kind: EventCycleFailed, Options: opts, Err: err})
}

func (w *SingleWorker) jobCompleted() {
	w.log.Info().Msg("execution sequence completed")
	w.notify(Event{Kind: EventWorkerCompleted})
	w.Terminate()
}

func (w *SingleWorker) compile(ctx context.Context, def *schema.ViewDefinition, valuation time.Time, vc schema.VersionCorrection) (*compilation.CompiledView, error) {
	previous := w.session.Latest()
	req := compilation.Request{
		Definition:        def,
		ValuationTime:     valuation,
		VersionCorrection: vc,
		Availability:      w.manager.Availability(),
		MarketDataDirty:   w.manager.ConsumeDirty(),
	}
	view, ok := w.session.Lookup(ctx, req)
	var err error
	if !ok {
		lock := w.svc.Cache.VersionLock(vc)
		lock.Lock()
		view, err = w.session.GetOrCompile(ctx, req)
		lock.Unlock()
	}
	if err != nil {
		if !errs.HasCode(err, errs.CodeTerminated) {
			w.log.Error().Err(err).Time("valuationTime", valuation).Msg("view compilation failed")
			w.notify(Event{Kind: EventCompilationFailed, ValuationTime: valuation, Err: err})
		}
		return nil, err
	}

	required := make(schema.SpecificationSet)
	for _, spec := range view.MarketDataRequirements() {
		required[spec] = struct{}{}
	}
	w.requirements.Store(&required)
	if view.ValidTo.IsZero() || !w.opts.Flags.Has(schema.FlagTriggerOnMarketDataChanged) {
		w.expiry.Reset()
	} else {
		w.expiry.Set(view.ValidTo, trigger.Result{Eligibility: trigger.Force, CycleType: schema.CycleFull})
	}
	if previous == nil || previous.ID != view.ID {
		w.log.Info().Str("compiledView", view.ID).Int("marketData", len(required)).Msg("view definition compiled")
		w.notify(Event{Kind: EventCompiled, View: view})
	}
	return view, nil
}

// runOneCycle reports whether the loop should continue.
func (w *SingleWorker) runOneCycle(ctx context.Context) bool {
	cycleType, ok := w.waitForNextCycle(ctx)
	if !ok {
		return false
	}
	def := w.applyPendingDefinition()
	opts, ok := w.opts.Sequence.Poll(w.opts.Defaults)
	if !ok {
		w.jobCompleted()
		return false
	}
	if len(opts.MarketData) == 0 {
		w.cycleFailed(opts, errs.New("worker", errs.CodeMarketData, errs.WithCause(ErrNoMarketDataSpecifications)))
		return !w.terminated.Load()
	}

	session, err := w.manager.CreateSnapshotSession(ctx, def.MarketDataUser, opts.MarketData)
	if err != nil {
		w.cycleFailed(opts, err)
		return !w.terminated.Load()
	}
	valuation := opts.ValuationTime
	if valuation.IsZero() {
		valuation = session.TimeIndication()
	}
	vc := w.resolverVersionCorrection(opts)
	view, err := w.compile(ctx, def, valuation, vc)
	if err != nil {
		if ctx.Err() != nil || w.terminated.Load() {
			return false
		}
		w.cycleFailed(opts, err)
		return !w.terminated.Load()
	}
	if w.terminated.Load() {
		return false
	}
	if !w.execute {
		if w.opts.Sequence.IsEmpty() {
			w.jobCompleted()
		}
		return !w.terminated.Load()
	}

	session.AddRequirements(view.MarketDataRequirements())
	if err := session.RequestSubscriptions(ctx); err != nil {
		w.log.Warn().Err(err).Msg("market data subscriptions not requested")
	}
	if err := session.Init(ctx, w.opts.Flags.Has(schema.FlagAwaitMarketData), w.svc.MarketDataTimeout); err != nil {
		if ctx.Err() != nil {
			return false
		}
		w.cycleFailed(opts, err)
		return !w.terminated.Load()
	}
	if opts.ValuationTime.IsZero() {
		opts.ValuationTime = valuation
	}
	cycle, err := execution.NewCycle(view, opts, vc, session.Snapshot(), cycleType)
	if err != nil {
		w.cycleFailed(opts, err)
		return !w.terminated.Load()
	}
	return w.executeCycle(ctx, def, cycle)
}

func (w *SingleWorker) executeCycle(ctx context.Context, def *schema.ViewDefinition, cycle *execution.Cycle) bool {
	exec := w.svc.Executor
	if w.notify(Event{Kind: EventCycleStarted, Metadata: cycle.Metadata(), Cycle: cycle}) == Terminate {
		execution.Release(exec, cycle)
		return false
	}
	var previous *execution.Cycle
	if cycle.Type == schema.CycleDelta {
		previous = w.previous
	}
	err := execution.Run(ctx, exec, execution.Request{
		Cycle:            cycle,
		Previous:         previous,
		SuppressOnNoData: w.opts.Flags.Has(schema.FlagSuppressOnNoData),
		Emit: func(f execution.Fragment) bool {
			return w.notify(Event{Kind: EventFragmentCompleted, Fragment: f, Cycle: cycle}) != Terminate
		},
	})
	if err != nil {
		execution.Release(exec, cycle)
		if w.terminated.Load() || errs.HasCode(err, errs.CodeTerminated) {
			return false
		}
		w.cycleFailed(cycle.Options, err)
		return !w.terminated.Load()
	}
	w.metrics.record(def.Name, cycle.Type.String(), telemetry.ResultSuccess, cycle.Duration())
	w.recordLatency(cycle)
	if w.terminated.Load() {
		execution.Release(exec, cycle)
		return false
	}
	w.notify(Event{Kind: EventCycleCompleted, Cycle: cycle})
	if w.opts.Sequence.IsEmpty() {
		w.jobCompleted()
	}
	if w.previous != nil {
		execution.Release(exec, w.previous)
	}
	w.previous = cycle
	return !w.terminated.Load()
}

func (w *SingleWorker) recordLatency(cycle *execution.Cycle) {
	w.cycles++
	w.totalTime += cycle.Duration()
	w.log.Info().
		Str("cycle", cycle.ID).
		Str("type", cycle.Type.String()).
		Dur("last", cycle.Duration()).
		Dur("average", w.totalTime/time.Duration(w.cycles)).
		Msg("cycle executed")
}
