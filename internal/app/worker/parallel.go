package worker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coachpo/vantage/errs"
	"github.com/coachpo/vantage/internal/app/compilation"
	"github.com/coachpo/vantage/internal/domain/schema"
)

// Policy decides when a secondary loop takes over from the primary.
type Policy uint8

const (
	// PolicyParallel lets both loops run until the secondary produced a result.
	PolicyParallel Policy = iota
	// PolicyDeferred parks the secondary until the primary completes a cycle.
	PolicyDeferred
	// PolicyImmediate retires the primary as soon as the secondary compiled.
	PolicyImmediate
)

func (p Policy) String() string {
	switch p {
	case PolicyParallel:
		return "parallel"
	case PolicyDeferred:
		return "deferred"
	case PolicyImmediate:
		return "immediate"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a configured name to a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "parallel":
		return PolicyParallel, nil
	case "deferred":
		return PolicyDeferred, nil
	case "immediate":
		return PolicyImmediate, nil
	}
	return PolicyParallel, errs.New("worker", errs.CodeInvalid, errs.WithMessage("unknown recompilation policy"), errs.WithTarget(name))
}

// ParallelFactory wraps Delegate so that recompilation happens on a second
// loop while the first keeps producing results.
type ParallelFactory struct {
	Delegate Factory
	Policy   Policy
	Resolver compilation.TargetResolver
	Log      zerolog.Logger
}

// NewWorker starts a ParallelWorker.
func (f ParallelFactory) NewWorker(wctx Context, opts schema.ExecutionOptions, def *schema.ViewDefinition) (Worker, error) {
	return NewParallelWorker(f, wctx, opts, def)
}

// ParallelWorker coordinates a primary loop and at most one secondary. All
// coordination state sits behind mu; loops call in from their own goroutines.
type ParallelWorker struct {
	factory    Factory
	downstream Context
	opts       schema.ExecutionOptions
	policy     Policy
	resolver   compilation.TargetResolver
	metrics    *coordinatorMetrics
	log        zerolog.Logger

	mu         sync.Mutex
	def        *schema.ViewDefinition
	nextID     int
	primary    *delegate
	secondary  *delegate
	started    []*delegate
	terminated bool
	changes    *resolverChanges
}

// NewParallelWorker starts the primary loop.
func NewParallelWorker(f ParallelFactory, wctx Context, opts schema.ExecutionOptions, def *schema.ViewDefinition) (*ParallelWorker, error) {
	switch {
	case f.Delegate == nil:
		return nil, errs.New("worker", errs.CodeInvalid, errs.WithMessage("delegate factory required"))
	case f.Resolver == nil:
		return nil, errs.New("worker", errs.CodeInvalid, errs.WithMessage("target resolver required"))
	case wctx == nil:
		return nil, errs.New("worker", errs.CodeInvalid, errs.WithMessage("worker context required"))
	case opts.Sequence == nil:
		return nil, errs.New("worker", errs.CodeInvalid, errs.WithMessage("execution sequence required"))
	}
	p := &ParallelWorker{
		factory:    f.Delegate,
		downstream: wctx,
		opts:       opts,
		policy:     f.Policy,
		resolver:   f.Resolver,
		metrics:    newCoordinatorMetrics(),
		log:        f.Log.With().Str("component", "worker.parallel").Str("policy", f.Policy.String()).Logger(),
		def:        def,
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	d, err := p.newDelegate(opts)
	if err != nil {
		return nil, err
	}
	p.primary = d
	return p, nil
}

// newDelegate starts a loop on opts.Sequence. Callers hold mu, so callbacks
// from the new loop wait until the delegate is registered.
func (p *ParallelWorker) newDelegate(opts schema.ExecutionOptions) (*delegate, error) {
	d := &delegate{
		id:     p.nextID,
		coord:  p,
		seq:    opts.Sequence,
		action: make(chan Action, 1),
		stop:   make(chan struct{}),
	}
	p.nextID++
	w, err := p.factory.NewWorker(d, opts, p.def)
	if err != nil {
		return nil, err
	}
	d.worker = w
	d.live = true
	p.started = append(p.started, d)
	return d, nil
}

// TriggerCycle forwards to the current primary, retrying after a promotion.
func (p *ParallelWorker) TriggerCycle() bool {
	return p.toPrimary(Worker.TriggerCycle)
}

// RequestCycle forwards to the current primary, retrying after a promotion.
func (p *ParallelWorker) RequestCycle() bool {
	return p.toPrimary(Worker.RequestCycle)
}

func (p *ParallelWorker) toPrimary(call func(Worker) bool) bool {
	for {
		p.mu.Lock()
		d := p.primary
		if p.terminated || d == nil || !d.live {
			p.mu.Unlock()
			return false
		}
		w := d.worker
		p.mu.Unlock()
		if call(w) {
			return true
		}
		p.mu.Lock()
		same := p.primary == d
		p.mu.Unlock()
		if same {
			return false
		}
	}
}

// UpdateViewDefinition starts a fresh secondary over the primary's remaining
// sequence, replacing any secondary already running.
func (p *ParallelWorker) UpdateViewDefinition(def *schema.ViewDefinition) {
	p.mu.Lock()
	p.def = def
	if p.terminated || p.primary == nil {
		p.mu.Unlock()
		return
	}
	old := p.secondary
	p.secondary = nil
	p.startSecondary(p.primary.seq.Copy(), "definition_updated")
	p.mu.Unlock()
	if old != nil {
		p.terminateDelegate(old)
		p.metrics.record(p.policy.String(), "replaced")
	}
}

// Terminate stops both loops.
func (p *ParallelWorker) Terminate() {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return
	}
	p.terminated = true
	primary, secondary := p.primary, p.secondary
	p.closeChanges()
	p.mu.Unlock()
	for _, d := range []*delegate{primary, secondary} {
		if d != nil {
			p.terminateDelegate(d)
		}
	}
}

// IsTerminated reports whether the coordinator stopped or ran out of loops.
func (p *ParallelWorker) IsTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated || p.primary == nil
}

// Join waits for the primary, following promotions, until no loop is left.
// Retired loops are joined as well.
func (p *ParallelWorker) Join() {
	for {
		d := p.joinTarget()
		if d == nil {
			break
		}
		d.worker.Join()
		p.joined(d)
	}
	for _, d := range p.startedDelegates() {
		d.worker.Join()
	}
}

// JoinTimeout is Join bounded by timeout.
func (p *ParallelWorker) JoinTimeout(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		d := p.joinTarget()
		if d == nil {
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 || !d.worker.JoinTimeout(remaining) {
			return false
		}
		p.joined(d)
	}
	for _, d := range p.startedDelegates() {
		remaining := time.Until(deadline)
		if remaining <= 0 || !d.worker.JoinTimeout(remaining) {
			return false
		}
	}
	return true
}

func (p *ParallelWorker) startedDelegates() []*delegate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*delegate(nil), p.started...)
}

func (p *ParallelWorker) joinTarget() *delegate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.primary
}

func (p *ParallelWorker) joined(d *delegate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.primary != d {
		return
	}
	if p.secondary != nil {
		p.promote("joined")
		return
	}
	p.primary = nil
}

// promote makes the secondary the primary. Callers hold mu.
func (p *ParallelWorker) promote(reason string) {
	p.log.Debug().Int("from", p.primary.id).Int("to", p.secondary.id).Str("reason", reason).Msg("promoting secondary worker")
	p.primary = p.secondary
	p.secondary = nil
	p.metrics.record(p.policy.String(), "promoted")
}

// dropSecondary forgets the secondary. Callers hold mu.
func (p *ParallelWorker) dropSecondary(reason string) {
	p.log.Debug().Int("worker", p.secondary.id).Str("reason", reason).Msg("dropping secondary worker")
	p.secondary = nil
	p.metrics.record(p.policy.String(), "dropped")
}

// startSecondary runs a loop over tail. Callers hold mu.
func (p *ParallelWorker) startSecondary(tail schema.ExecutionSequence, reason string) {
	d, err := p.newDelegate(p.opts.WithSequence(tail))
	if err != nil {
		p.log.Warn().Err(err).Str("reason", reason).Msg("secondary worker not started")
		return
	}
	p.log.Debug().Int("worker", d.id).Str("reason", reason).Msg("secondary worker started")
	p.secondary = d
	p.metrics.record(p.policy.String(), "started")
}

// terminateDelegate stops d's loop once. It reports whether this call did it.
func (p *ParallelWorker) terminateDelegate(d *delegate) bool {
	p.mu.Lock()
	if !d.live {
		p.mu.Unlock()
		return false
	}
	d.live = false
	p.mu.Unlock()
	d.stopOnce.Do(func() { close(d.stop) })
	d.worker.Terminate()
	return true
}

// closeChanges stops watching the resolver. Callers hold mu.
func (p *ParallelWorker) closeChanges() {
	if p.changes != nil {
		p.changes.close()
		p.changes = nil
	}
}

func (p *ParallelWorker) requestPrimaryCycle() {
	p.mu.Lock()
	var w Worker
	if !p.terminated && p.primary != nil && p.primary.live {
		w = p.primary.worker
	}
	p.mu.Unlock()
	if w != nil {
		w.RequestCycle()
	}
}

// checkForRecompilation looks at the primary's next cycle. A fixed resolver
// version-correction always gets a secondary compiled for it; a latest one
// gets a secondary only when a resolved target changed since the last look.
// Callers hold mu.
func (p *ParallelWorker) checkForRecompilation(primary *delegate, view *compilation.CompiledView) {
	if view == nil {
		return
	}
	var tail schema.ExecutionSequence
	if p.secondary == nil {
		tail = primary.seq.Copy()
	}
	next, ok := primary.seq.Copy().Poll(p.opts.Defaults)
	if !ok {
		return
	}
	changed := false
	if vc := next.ResolverVersionCorrection; vc == nil || vc.IsLatest() {
		if p.changes == nil {
			p.changes = newResolverChanges(p.resolver, p.requestPrimaryCycle)
		}
		oids := view.ObjectIDs()
		if tail != nil {
			for _, oid := range oids {
				if p.changes.isChanged(oid) {
					changed = true
					break
				}
			}
		}
		p.changes.watchOnly(oids)
	} else {
		p.closeChanges()
	}
	if tail != nil && (p.changes == nil || changed) {
		p.startSecondary(tail, "resolution_changed")
	}
}

func (p *ParallelWorker) viewDefinitionCompiled(d *delegate, view *compilation.CompiledView) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return false
	}
	switch d {
	case p.primary:
		d.lastCompiled = view
		p.checkForRecompilation(d, view)
		return true
	case p.secondary:
		if prev := p.primary.lastCompiled; prev != nil && sameDefinition(prev, view) && compilation.SameResolutions(prev, view) {
			p.dropSecondary("same_resolutions")
			return false
		}
		d.lastCompiled = view
		return true
	}
	return false
}

func sameDefinition(a, b *compilation.CompiledView) bool {
	if a.Definition == nil || b.Definition == nil {
		return a.Definition == b.Definition
	}
	return a.Definition.ID == b.Definition.ID
}

func (p *ParallelWorker) cycleStarted(d *delegate) Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return Terminate
	}
	switch d {
	case p.primary:
		p.checkForRecompilation(d, d.lastCompiled)
		if p.secondary == nil {
			return Proceed
		}
		action := p.secondary.primaryCycleStarted()
		if action == Terminate {
			p.promote("secondary_ready")
		}
		return action
	case p.secondary:
		action := p.primary.secondaryCycleStarted()
		if action == Terminate {
			p.dropSecondary("refused")
		}
		return action
	}
	return Terminate
}

func (p *ParallelWorker) fragmentCompleted(d *delegate) Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return Terminate
	}
	switch d {
	case p.primary:
		if p.secondary == nil {
			return Proceed
		}
		action := p.secondary.primaryFragmentCompleted()
		if action == Terminate {
			p.promote("secondary_ready")
		}
		return action
	case p.secondary:
		return Proceed
	}
	return Terminate
}

func (p *ParallelWorker) cycleCompleted(d *delegate) Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return Terminate
	}
	switch d {
	case p.primary:
		if p.secondary == nil {
			return Proceed
		}
		action := p.secondary.primaryCycleCompleted()
		if action == Terminate {
			p.promote("secondary_ready")
		}
		return action
	case p.secondary:
		return Proceed
	}
	return Terminate
}

func (p *ParallelWorker) isPrimary(d *delegate) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.terminated && p.primary == d
}

// primaryFailed hands over to a secondary once the primary's failure went
// downstream. Without a secondary the primary keeps running; it reports
// whether d should retire.
func (p *ParallelWorker) primaryFailed(d *delegate) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated || p.primary != d {
		return true
	}
	s := p.secondary
	if s == nil {
		return false
	}
	p.promote("primary_failed")
	s.unblock(Proceed)
	return true
}

// secondaryFailed forgets d; the primary carries on.
func (p *ParallelWorker) secondaryFailed(d *delegate, ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.secondary != d {
		return
	}
	p.log.Warn().Err(ev.Err).Str("event", ev.Kind.String()).Int("worker", d.id).Msg("secondary worker failed")
	p.dropSecondary("secondary_failed")
}

// workerCompleted retires d. It reports whether the coordinator as a whole
// finished and the completion should go downstream.
func (p *ParallelWorker) workerCompleted(d *delegate) bool {
	if !p.terminateDelegate(d) {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch d {
	case p.primary:
		if s := p.secondary; s != nil {
			p.promote("primary_completed")
			s.unblock(Proceed)
			return false
		}
		p.primary = nil
		p.closeChanges()
		return true
	case p.secondary:
		p.secondary = nil
	}
	return false
}

// delegate is the Context a coordinated loop reports to.
type delegate struct {
	id    int
	coord *ParallelWorker
	seq   schema.ExecutionSequence

	// guarded by coord.mu
	worker       Worker
	live         bool
	lastCompiled *compilation.CompiledView

	resultsAvailable atomic.Bool
	action           chan Action
	stop             chan struct{}
	stopOnce         sync.Once

	mu               sync.Mutex
	deferredCompiled *Event
	deferredStarted  *Event
}

// Notify applies the coordinator's answer to ev before anything reaches the
// downstream context.
func (d *delegate) Notify(ev Event) Action {
	p := d.coord
	switch ev.Kind {
	case EventCompiled:
		if !p.viewDefinitionCompiled(d, ev.View) {
			p.terminateDelegate(d)
			return Terminate
		}
		d.mu.Lock()
		d.deferredCompiled = &ev
		d.mu.Unlock()
		return Proceed
	case EventCompilationFailed, EventCycleFailed:
		if !p.isPrimary(d) {
			p.secondaryFailed(d, ev)
			p.terminateDelegate(d)
			return Terminate
		}
		if d.forward(ev) == Terminate {
			return Terminate
		}
		if p.primaryFailed(d) {
			p.terminateDelegate(d)
			return Terminate
		}
		return Proceed
	case EventCycleStarted:
		switch d.await(p.cycleStarted(d)) {
		case Terminate:
			p.terminateDelegate(d)
			return Terminate
		case Defer:
			d.mu.Lock()
			d.deferredStarted = &ev
			d.mu.Unlock()
			return Proceed
		}
		return d.forward(ev)
	case EventFragmentCompleted:
		switch d.await(p.fragmentCompleted(d)) {
		case Terminate:
			p.terminateDelegate(d)
			return Terminate
		case Defer:
			return Proceed
		}
		return d.forward(ev)
	case EventCycleCompleted:
		if d.await(p.cycleCompleted(d)) == Terminate {
			p.terminateDelegate(d)
			return Terminate
		}
		return d.forward(ev)
	case EventWorkerCompleted:
		if p.workerCompleted(d) {
			p.downstream.Notify(ev)
		}
		return Terminate
	}
	return Proceed
}

func (d *delegate) forward(ev Event) Action {
	d.flush()
	if ev.Kind == EventFragmentCompleted || ev.Kind == EventCycleCompleted {
		d.resultsAvailable.Store(true)
	}
	if d.coord.downstream.Notify(ev) == Terminate {
		d.coord.Terminate()
		return Terminate
	}
	return Proceed
}

// flush delivers held back notifications in the order they were raised.
func (d *delegate) flush() {
	d.mu.Lock()
	compiled, started := d.deferredCompiled, d.deferredStarted
	d.deferredCompiled, d.deferredStarted = nil, nil
	d.mu.Unlock()
	if compiled != nil {
		d.coord.downstream.Notify(*compiled)
	}
	if started != nil {
		d.coord.downstream.Notify(*started)
	}
}

func (d *delegate) await(action Action) Action {
	for action == Block {
		select {
		case action = <-d.action:
		case <-d.stop:
			action = Terminate
		}
	}
	return action
}

// unblock hands action to a parked loop, replacing any unread one.
func (d *delegate) unblock(action Action) {
	for {
		select {
		case d.action <- action:
			return
		default:
		}
		select {
		case <-d.action:
		default:
		}
	}
}

// The policy hooks below run on the delegate being asked about the other
// loop's progress. Callers hold coord.mu.

func (d *delegate) compiled() bool { return d.lastCompiled != nil }

func (d *delegate) primaryCycleStarted() Action {
	switch d.coord.policy {
	case PolicyParallel:
		return d.retireWhenResults()
	case PolicyDeferred:
		if d.compiled() {
			d.unblock(Proceed)
			return Terminate
		}
		return Proceed
	default:
		return d.retireWhenCompiled()
	}
}

func (d *delegate) primaryFragmentCompleted() Action {
	switch d.coord.policy {
	case PolicyParallel:
		return d.retireWhenResults()
	case PolicyDeferred:
		return Proceed
	default:
		return d.retireWhenCompiled()
	}
}

func (d *delegate) primaryCycleCompleted() Action {
	switch d.coord.policy {
	case PolicyParallel:
		return d.retireWhenResults()
	case PolicyDeferred:
		if d.compiled() {
			d.unblock(Proceed)
		}
		return Proceed
	default:
		return d.retireWhenCompiled()
	}
}

func (d *delegate) secondaryCycleStarted() Action {
	switch d.coord.policy {
	case PolicyParallel:
		return Defer
	case PolicyDeferred:
		return Block
	default:
		return Proceed
	}
}

func (d *delegate) retireWhenResults() Action {
	if d.resultsAvailable.Load() {
		return Terminate
	}
	return Proceed
}

func (d *delegate) retireWhenCompiled() Action {
	if d.compiled() {
		return Terminate
	}
	return Proceed
}

// resolverChanges tracks whether any watched target changed since the last
// watchOnly call.
type resolverChanges struct {
	mu      sync.Mutex
	watched map[schema.ObjectID]bool
	cancel  func()
}

func newResolverChanges(resolver compilation.TargetResolver, onChanged func()) *resolverChanges {
	rc := &resolverChanges{watched: make(map[schema.ObjectID]bool)}
	rc.cancel = resolver.Watch(func(changed []schema.ObjectID) {
		hit := false
		rc.mu.Lock()
		for _, oid := range changed {
			if _, ok := rc.watched[oid]; ok {
				rc.watched[oid] = true
				hit = true
			}
		}
		rc.mu.Unlock()
		if hit {
			onChanged()
		}
	})
	return rc
}

func (rc *resolverChanges) isChanged(oid schema.ObjectID) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.watched[oid]
}

func (rc *resolverChanges) watchOnly(oids []schema.ObjectID) {
	watched := make(map[schema.ObjectID]bool, len(oids))
	for _, oid := range oids {
		watched[oid] = false
	}
	rc.mu.Lock()
	rc.watched = watched
	rc.mu.Unlock()
}

func (rc *resolverChanges) close() {
	if rc.cancel != nil {
		rc.cancel()
	}
}
