package worker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/vantage/errs"
	"github.com/coachpo/vantage/internal/domain/schema"
)

// PartitionConfig sizes the batches a long sequence is split into.
type PartitionConfig struct {
	// Saturation is the number of loops kept running at once.
	Saturation int `yaml:"saturation"`
	MinBatch   int `yaml:"minBatch"`
	MaxBatch   int `yaml:"maxBatch"`
}

// DefaultPartitionConfig returns the defaults used when fields are unset.
func DefaultPartitionConfig() PartitionConfig {
	return PartitionConfig{Saturation: 4, MinBatch: 1, MaxBatch: 100}
}

func (c PartitionConfig) normalise() PartitionConfig {
	def := DefaultPartitionConfig()
	if c.Saturation <= 0 {
		c.Saturation = def.Saturation
	}
	if c.MinBatch <= 0 {
		c.MinBatch = def.MinBatch
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = def.MaxBatch
	}
	if c.MaxBatch < c.MinBatch {
		c.MaxBatch = c.MinBatch
	}
	return c
}

// BatchSize returns how many cycles each loop takes from a sequence with
// remaining items; a negative remaining means unbounded.
func (c PartitionConfig) BatchSize(remaining int) int {
	c = c.normalise()
	if remaining < 0 {
		return c.MaxBatch
	}
	size := (remaining + c.Saturation - 1) / c.Saturation
	if size < c.MinBatch {
		size = c.MinBatch
	}
	if size > c.MaxBatch {
		size = c.MaxBatch
	}
	return size
}

// PartitioningFactory splits run-as-fast-as-possible sequences across
// several loops started by Delegate. Other workloads go to Delegate directly.
type PartitioningFactory struct {
	Delegate Factory
	Config   PartitionConfig
	Log      zerolog.Logger
}

// NewWorker starts a PartitionedWorker or a plain delegate worker.
func (f PartitioningFactory) NewWorker(wctx Context, opts schema.ExecutionOptions, def *schema.ViewDefinition) (Worker, error) {
	if f.Delegate == nil {
		return nil, errs.New("worker", errs.CodeInvalid, errs.WithMessage("delegate factory required"))
	}
	if !opts.Flags.Has(schema.FlagRunAsFastAsPossible) || opts.Sequence == nil || opts.Sequence.IsEmpty() {
		return f.Delegate.NewWorker(wctx, opts, def)
	}
	return NewPartitionedWorker(f, wctx, opts, def)
}

// PartitionedWorker keeps up to Saturation loops busy, each on its own batch
// dequeued from the shared sequence.
type PartitionedWorker struct {
	factory    Factory
	downstream Context
	opts       schema.ExecutionOptions
	cfg        PartitionConfig
	batch      int
	log        zerolog.Logger

	mu         sync.Mutex
	def        *schema.ViewDefinition
	nextID     int
	backlog    []schema.CycleOptions
	active     map[*partition]struct{}
	all        []*partition
	terminated bool
	completed  bool

	notifyMu sync.Mutex
}

type partition struct {
	id      int
	coord   *PartitionedWorker
	worker  Worker
	joined  bool
	settled chan struct{}
	// set from the loop's own goroutine before it exits
	completing atomic.Bool
}

// NewPartitionedWorker starts the first loops.
func NewPartitionedWorker(f PartitioningFactory, wctx Context, opts schema.ExecutionOptions, def *schema.ViewDefinition) (*PartitionedWorker, error) {
	if wctx == nil {
		return nil, errs.New("worker", errs.CodeInvalid, errs.WithMessage("worker context required"))
	}
	cfg := f.Config.normalise()
	p := &PartitionedWorker{
		factory:    f.Delegate,
		downstream: wctx,
		opts:       opts,
		cfg:        cfg,
		batch:      cfg.BatchSize(opts.Sequence.EstimatedRemaining()),
		def:        def,
		active:     make(map[*partition]struct{}),
	}
	p.log = f.Log.With().Str("component", "worker.partition").Int("batch", p.batch).Logger()

	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for len(p.active) < cfg.Saturation {
		ok, err := p.spawn()
		if err != nil && first == nil {
			first = err
		}
		if !ok {
			break
		}
	}
	if len(p.active) == 0 {
		if first == nil {
			first = errs.New("worker", errs.CodeUnavailable, errs.WithMessage("no partition started"))
		}
		return nil, first
	}
	return p, nil
}

// spawn starts a loop on the next batch, held-back items first. A batch
// whose loop cannot start is held back for the next spawn. Callers hold mu.
func (p *PartitionedWorker) spawn() (bool, error) {
	items := p.backlog
	p.backlog = nil
	for len(items) < p.batch {
		next, ok := p.opts.Sequence.Poll(schema.CycleOptions{})
		if !ok {
			break
		}
		items = append(items, next)
	}
	if len(items) == 0 {
		return false, nil
	}
	part := &partition{id: p.nextID, coord: p, settled: make(chan struct{})}
	w, err := p.factory.NewWorker(part, p.opts.WithSequence(schema.NewFixedSequence(items...)), p.def)
	if err != nil {
		p.backlog = items
		p.log.Warn().Err(err).Int("cycles", len(items)).Int("active", len(p.active)).Msg("partition not started")
		return false, err
	}
	p.nextID++
	part.worker = w
	p.active[part] = struct{}{}
	p.all = append(p.all, part)
	p.log.Debug().Int("partition", part.id).Int("cycles", len(items)).Msg("partition started")
	return true, nil
}

// abandon drains every item no loop will run. An unbounded sequence only
// gives up its held-back items. Callers hold mu.
func (p *PartitionedWorker) abandon() []schema.CycleOptions {
	items := p.backlog
	p.backlog = nil
	if p.opts.Sequence.EstimatedRemaining() < 0 {
		return items
	}
	for {
		next, ok := p.opts.Sequence.Poll(schema.CycleOptions{})
		if !ok {
			return items
		}
		items = append(items, next)
	}
}

// Notify forwards everything but completion, which is settled once the loop
// released its goroutine.
func (part *partition) Notify(ev Event) Action {
	p := part.coord
	if ev.Kind == EventWorkerCompleted {
		if part.completing.CompareAndSwap(false, true) {
			go p.settle(part)
		}
		return Terminate
	}
	p.notifyMu.Lock()
	action := p.downstream.Notify(ev)
	p.notifyMu.Unlock()
	if action == Terminate {
		p.Terminate()
	}
	return action
}

func (p *PartitionedWorker) settle(part *partition) {
	defer close(part.settled)
	p.mu.Lock()
	w := part.worker
	p.mu.Unlock()
	w.Join()
	p.partitionCompleted(part)
}

func (p *PartitionedWorker) partitionCompleted(part *partition) {
	p.mu.Lock()
	delete(p.active, part)
	var (
		abandoned []schema.CycleOptions
		spawnErr  error
	)
	if !p.terminated {
		for len(p.active) < p.cfg.Saturation {
			ok, err := p.spawn()
			if err != nil {
				spawnErr = err
			}
			if !ok {
				break
			}
		}
		if len(p.active) == 0 && spawnErr != nil {
			abandoned = p.abandon()
		}
	}
	finished := len(p.active) == 0 && !p.completed && !p.terminated
	if finished {
		p.completed = true
	}
	p.mu.Unlock()

	if len(abandoned) > 0 {
		p.log.Error().Err(spawnErr).Int("cycles", len(abandoned)).Msg("no partition could be started, failing remaining cycles")
		err := errs.New("worker", errs.CodeUnavailable, errs.WithMessage("partition not started"), errs.WithCause(spawnErr))
		p.notifyMu.Lock()
		for _, opts := range abandoned {
			p.downstream.Notify(Event{Kind: EventCycleFailed, Options: opts, Err: err})
		}
		p.notifyMu.Unlock()
	}
	if finished {
		p.log.Info().Int("partitions", len(p.all)).Msg("all partitions completed")
		p.notifyMu.Lock()
		p.downstream.Notify(Event{Kind: EventWorkerCompleted})
		p.notifyMu.Unlock()
	}
}

func (p *PartitionedWorker) running() []Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Worker, 0, len(p.active))
	for part := range p.active {
		out = append(out, part.worker)
	}
	return out
}

// TriggerCycle forwards to every running loop.
func (p *PartitionedWorker) TriggerCycle() bool {
	sent := false
	for _, w := range p.running() {
		if w.TriggerCycle() {
			sent = true
		}
	}
	return sent
}

// RequestCycle forwards to every running loop.
func (p *PartitionedWorker) RequestCycle() bool {
	sent := false
	for _, w := range p.running() {
		if w.RequestCycle() {
			sent = true
		}
	}
	return sent
}

// UpdateViewDefinition applies to running loops and to those started later.
func (p *PartitionedWorker) UpdateViewDefinition(def *schema.ViewDefinition) {
	p.mu.Lock()
	p.def = def
	p.mu.Unlock()
	for _, w := range p.running() {
		w.UpdateViewDefinition(def)
	}
}

// Terminate stops every loop and spawns no more.
func (p *PartitionedWorker) Terminate() {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	for _, w := range p.running() {
		w.Terminate()
	}
}

// IsTerminated reports whether no loop is running and none will be started.
func (p *PartitionedWorker) IsTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for part := range p.active {
		if !part.worker.IsTerminated() {
			return false
		}
	}
	return p.terminated || p.completed || (len(p.backlog) == 0 && p.opts.Sequence.IsEmpty())
}

func (p *PartitionedWorker) unjoined() []*partition {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*partition
	for _, part := range p.all {
		if !part.joined {
			out = append(out, part)
		}
	}
	return out
}

func (p *PartitionedWorker) markJoined(parts []*partition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, part := range parts {
		part.joined = true
	}
}

// Join waits for every loop, including those spawned while waiting.
func (p *PartitionedWorker) Join() {
	for {
		pending := p.unjoined()
		if len(pending) == 0 {
			return
		}
		var wg conc.WaitGroup
		for _, part := range pending {
			wg.Go(func() {
				part.worker.Join()
				if part.completing.Load() {
					<-part.settled
				}
			})
		}
		wg.Wait()
		p.markJoined(pending)
	}
}

// JoinTimeout is Join bounded by d.
func (p *PartitionedWorker) JoinTimeout(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		pending := p.unjoined()
		if len(pending) == 0 {
			return true
		}
		for _, part := range pending {
			remaining := time.Until(deadline)
			if remaining <= 0 || !part.worker.JoinTimeout(remaining) {
				return false
			}
			if part.completing.Load() {
				select {
				case <-part.settled:
				case <-time.After(time.Until(deadline)):
					return false
				}
			}
		}
		p.markJoined(pending)
	}
}
