// Package fake provides in-memory collaborators for the view scheduler: a
// synthetic market data provider, a target resolver, a graph compiler and a
// graph executor. They back the demo command and the package tests.
package fake

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/vantage/errs"
	"github.com/coachpo/vantage/internal/app/marketdata"
	"github.com/coachpo/vantage/internal/domain/schema"
)

// MarketDataOptions configures the synthetic provider.
type MarketDataOptions struct {
	Name string
	// TickInterval drives the random walk started by Start.
	TickInterval time.Duration
	// AutoConfirm acknowledges subscriptions synchronously from Subscribe.
	AutoConfirm bool
	// Reject lists values the provider reports as failed subscriptions.
	Reject func(spec schema.ValueSpecification) bool
	Clock  func() time.Time
}

// MarketData is a synthetic market data feed. Every Resolve of the same user
// and sources shares one feed through its own Connection; MarketData itself
// is also usable as a single-connection marketdata.Provider.
type MarketData struct {
	name         string
	tickInterval time.Duration
	autoConfirm  bool
	reject       func(schema.ValueSpecification) bool
	clock        func() time.Time

	mu           sync.Mutex
	direct       *Connection
	conns        map[*Connection]struct{}
	values       map[schema.ValueSpecification]decimal.Decimal
	refs         map[schema.ValueSpecification]int
	subscribes   [][]schema.ValueSpecification
	unsubscribes [][]schema.ValueSpecification
	failCalls    int
	changed      chan struct{}
	source       string
	sourceGen    int

	started atomic.Bool
	cancel  context.CancelFunc
	wg      conc.WaitGroup
}

// NewMarketData constructs a provider with defaults applied.
func NewMarketData(opts MarketDataOptions) *MarketData {
	name := opts.Name
	if name == "" {
		name = "fake"
	}
	interval := opts.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	p := &MarketData{
		name:         name,
		tickInterval: interval,
		autoConfirm:  opts.AutoConfirm,
		reject:       opts.Reject,
		clock:        clock,
		conns:        make(map[*Connection]struct{}),
		values:       make(map[schema.ValueSpecification]decimal.Decimal),
		refs:         make(map[schema.ValueSpecification]int),
		changed:      make(chan struct{}),
		source:       name,
	}
	p.direct = p.Connect()
	return p
}

// Connect opens a connection with its own listener and subscriptions.
func (p *MarketData) Connect() *Connection {
	return &Connection{feed: p, held: make(schema.SpecificationSet)}
}

// Name returns the provider name.
func (p *MarketData) Name() string { return p.name }

// SetListener installs the callback sink of the default connection.
func (p *MarketData) SetListener(l marketdata.ProviderListener) { p.direct.SetListener(l) }

// Subscribe subscribes through the default connection.
func (p *MarketData) Subscribe(ctx context.Context, specs []schema.ValueSpecification) error {
	return p.direct.Subscribe(ctx, specs)
}

// Unsubscribe unsubscribes through the default connection.
func (p *MarketData) Unsubscribe(ctx context.Context, specs []schema.ValueSpecification) error {
	return p.direct.Unsubscribe(ctx, specs)
}

// FailCalls makes the next n Subscribe or Unsubscribe calls return an error.
func (p *MarketData) FailCalls(n int) {
	p.mu.Lock()
	p.failCalls = n
	p.mu.Unlock()
}

func (p *MarketData) subscribe(c *Connection, specs []schema.ValueSpecification) error {
	p.mu.Lock()
	batch := append([]schema.ValueSpecification(nil), specs...)
	p.subscribes = append(p.subscribes, batch)
	if p.failCalls > 0 {
		p.failCalls--
		p.mu.Unlock()
		return errors.New("fake provider: subscribe rejected")
	}
	var ok, rejected []schema.ValueSpecification
	for _, spec := range batch {
		if p.reject != nil && p.reject(spec) {
			rejected = append(rejected, spec)
			continue
		}
		if !c.held.Contains(spec) {
			c.held[spec] = struct{}{}
			p.refs[spec]++
		}
		ok = append(ok, spec)
	}
	listener := c.listener
	confirm := p.autoConfirm
	p.mu.Unlock()

	if listener == nil {
		return nil
	}
	for _, spec := range rejected {
		listener.SubscriptionFailed(spec, "rejected by "+p.name)
	}
	if confirm && len(ok) > 0 {
		listener.SubscriptionsSucceeded(ok)
	}
	return nil
}

func (p *MarketData) unsubscribe(c *Connection, specs []schema.ValueSpecification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubscribes = append(p.unsubscribes, append([]schema.ValueSpecification(nil), specs...))
	if p.failCalls > 0 {
		p.failCalls--
		return errors.New("fake provider: unsubscribe rejected")
	}
	for _, spec := range specs {
		p.release(c, spec)
	}
	return nil
}

// release drops c's reference on spec. Callers hold mu.
func (p *MarketData) release(c *Connection, spec schema.ValueSpecification) bool {
	if !c.held.Contains(spec) {
		return false
	}
	delete(c.held, spec)
	if p.refs[spec]--; p.refs[spec] <= 0 {
		delete(p.refs, spec)
	}
	return true
}

// SubscribeCalls returns a copy of every Subscribe batch seen so far.
func (p *MarketData) SubscribeCalls() [][]schema.ValueSpecification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]schema.ValueSpecification(nil), p.subscribes...)
}

// UnsubscribeCalls returns a copy of every Unsubscribe batch seen so far.
func (p *MarketData) UnsubscribeCalls() [][]schema.ValueSpecification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]schema.ValueSpecification(nil), p.unsubscribes...)
}

// Subscribed reports whether any connection holds spec.
func (p *MarketData) Subscribed(spec schema.ValueSpecification) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs[spec] > 0
}

// Listeners counts connections with a listener installed.
func (p *MarketData) Listeners() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// SetValue publishes a value and notifies every listening connection.
func (p *MarketData) SetValue(spec schema.ValueSpecification, v decimal.Decimal) {
	p.mu.Lock()
	p.values[spec] = v
	close(p.changed)
	p.changed = make(chan struct{})
	listeners := p.listenersLocked()
	p.mu.Unlock()
	for _, l := range listeners {
		l.ValuesChanged([]schema.ValueSpecification{spec})
	}
}

// Stop reports spec as stopped to every connection holding it.
func (p *MarketData) Stop(spec schema.ValueSpecification) {
	p.mu.Lock()
	var listeners []marketdata.ProviderListener
	for c := range p.conns {
		if p.release(c, spec) {
			listeners = append(listeners, c.listener)
		}
	}
	p.release(p.direct, spec)
	p.mu.Unlock()
	for _, l := range listeners {
		l.SubscriptionStopped(spec)
	}
}

func (p *MarketData) listenersLocked() []marketdata.ProviderListener {
	out := make([]marketdata.ProviderListener, 0, len(p.conns))
	for c := range p.conns {
		out = append(out, c.listener)
	}
	return out
}

// Start random-walks subscribed values until ctx ends or Close is called.
func (p *MarketData) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("fake provider already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Go(func() {
		ticker := time.NewTicker(p.tickInterval)
		defer ticker.Stop()
		step := int64(0)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				step++
				p.tick(step)
			}
		}
	})
	return nil
}

// Close stops the random walk.
func (p *MarketData) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *MarketData) tick(step int64) {
	p.mu.Lock()
	held := make(schema.SpecificationSet, len(p.refs))
	for spec := range p.refs {
		held[spec] = struct{}{}
	}
	p.mu.Unlock()
	specs := held.Sorted()
	for i, spec := range specs {
		p.mu.Lock()
		current, ok := p.values[spec]
		p.mu.Unlock()
		if !ok {
			current = decimal.NewFromInt(100)
		}
		delta := decimal.NewFromInt((step+int64(i))%7 - 3).Div(decimal.NewFromInt(100))
		p.SetValue(spec, current.Add(delta))
	}
}

// Connection is one subscriber's handle on a shared feed. Subscriptions are
// reference counted across connections, so one connection unsubscribing does
// not cancel values another still holds.
type Connection struct {
	feed *MarketData

	// guarded by feed.mu
	listener marketdata.ProviderListener
	held     schema.SpecificationSet
}

// Feed returns the shared feed behind c.
func (c *Connection) Feed() *MarketData { return c.feed }

// SetListener installs the callback sink; nil detaches it.
func (c *Connection) SetListener(l marketdata.ProviderListener) {
	c.feed.mu.Lock()
	defer c.feed.mu.Unlock()
	c.listener = l
	if l == nil {
		delete(c.feed.conns, c)
		return
	}
	c.feed.conns[c] = struct{}{}
}

// Subscribe takes a reference on each value.
func (c *Connection) Subscribe(_ context.Context, specs []schema.ValueSpecification) error {
	return c.feed.subscribe(c, specs)
}

// Unsubscribe drops c's references.
func (c *Connection) Unsubscribe(_ context.Context, specs []schema.ValueSpecification) error {
	return c.feed.unsubscribe(c, specs)
}

// Snapshot creates an uninitialised snapshot of the feed.
func (c *Connection) Snapshot(specs []schema.MarketDataSpecification) marketdata.Snapshot {
	return c.feed.Snapshot(specs)
}

// Availability returns the feed's resolution rules.
func (c *Connection) Availability() marketdata.AvailabilityProvider {
	return c.feed.Availability()
}

// Snapshot creates an uninitialised snapshot.
func (p *MarketData) Snapshot(specs []schema.MarketDataSpecification) marketdata.Snapshot {
	indication := p.clock()
	for _, spec := range specs {
		if spec.Kind == schema.MarketDataHistorical && !spec.Date.IsZero() {
			indication = spec.Date
			break
		}
	}
	return &Snapshot{provider: p, id: uuid.NewString(), indication: indication}
}

// Availability returns the resolution rules in force now.
func (p *MarketData) Availability() marketdata.AvailabilityProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Availability{Source: p.source, Generation: p.sourceGen}
}

// Availability resolves every requirement to a raw value tagged with its source.
type Availability struct {
	Source     string
	Generation int
}

// Resolve maps a requirement to the raw value specification.
func (a Availability) Resolve(req schema.ValueRequirement) (schema.ValueSpecification, bool) {
	if req.Target.ObjectID.IsZero() {
		return schema.ValueSpecification{}, false
	}
	return MarketValue(req.Name, req.Target.ObjectID.Value, a.Source), true
}

// Fingerprint identifies the resolution rules.
func (a Availability) Fingerprint() string {
	return a.Source + "#" + strconv.Itoa(a.Generation)
}

// MarketValue builds the raw value specification for a ticker.
func MarketValue(name, ticker, source string) schema.ValueSpecification {
	return schema.ValueSpecification{
		Name: name,
		Target: schema.TargetSpecification{
			Type:     schema.TargetPrimitive,
			UniqueID: schema.UniqueID{Scheme: "Ticker", Value: ticker},
		},
		Properties: schema.NewProperties("source", source),
	}
}

// Snapshot captures provider values at Init.
type Snapshot struct {
	provider   *MarketData
	id         string
	indication time.Time

	mu       sync.RWMutex
	captured map[schema.ValueSpecification]decimal.Decimal
	at       time.Time
}

// ID identifies the snapshot.
func (s *Snapshot) ID() string { return s.id }

// TimeIndication returns the expected snapshot time.
func (s *Snapshot) TimeIndication() time.Time { return s.indication }

// Init captures values, waiting up to timeout for every required value.
func (s *Snapshot) Init(ctx context.Context, required []schema.ValueSpecification, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 && len(required) > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		s.provider.mu.Lock()
		missing := 0
		for _, spec := range required {
			if _, ok := s.provider.values[spec]; !ok {
				missing++
			}
		}
		changed := s.provider.changed
		if missing == 0 || deadline == nil {
			s.capture()
			s.provider.mu.Unlock()
			return nil
		}
		s.provider.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("snapshot %s init: %w", s.id, ctx.Err())
		case <-changed:
		case <-deadline:
			s.provider.mu.Lock()
			s.capture()
			s.provider.mu.Unlock()
			return errs.New("fake", errs.CodeTimeout,
				errs.WithMessage("market data not available before timeout"),
				errs.WithField("missing", strconv.Itoa(missing)))
		}
	}
}

// capture requires the provider lock.
func (s *Snapshot) capture() {
	values := make(map[schema.ValueSpecification]decimal.Decimal, len(s.provider.values))
	for k, v := range s.provider.values {
		values[k] = v
	}
	s.mu.Lock()
	s.captured = values
	s.at = s.provider.clock()
	s.mu.Unlock()
}

// IsInitialized reports whether Init has captured values.
func (s *Snapshot) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.captured != nil
}

// SnapshotTime is when values were captured.
func (s *Snapshot) SnapshotTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.at
}

// Query returns a captured value.
func (s *Snapshot) Query(spec schema.ValueSpecification) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.captured[spec]
	return v, ok
}

// ProviderResolver hands out a fresh Connection per Resolve, backed by one
// MarketData feed per distinct user and source list.
type ProviderResolver struct {
	opts MarketDataOptions

	mu        sync.Mutex
	providers map[string]*MarketData
	resolves  int
	running   context.Context
}

// NewProviderResolver creates a resolver building providers from opts.
func NewProviderResolver(opts MarketDataOptions) *ProviderResolver {
	return &ProviderResolver{opts: opts, providers: make(map[string]*MarketData)}
}

// Resolve connects to the feed for user and specs, creating it on first use.
func (r *ProviderResolver) Resolve(user string, specs []schema.MarketDataSpecification) (marketdata.Provider, error) {
	if len(specs) == 0 {
		return nil, errs.New("fake", errs.CodeMarketData, errs.WithMessage("no market data specifications"))
	}
	key := user
	for _, spec := range specs {
		key += "|" + spec.String()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolves++
	p, ok := r.providers[key]
	if !ok {
		opts := r.opts
		opts.Name = specs[0].Source
		p = NewMarketData(opts)
		r.providers[key] = p
		if r.running != nil {
			_ = p.Start(r.running)
		}
	}
	return p.Connect(), nil
}

// Start random-walks every provider built so far and every provider built
// until ctx ends.
func (r *ProviderResolver) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = ctx
	for _, p := range r.providers {
		_ = p.Start(ctx)
	}
}

// Close stops every provider.
func (r *ProviderResolver) Close() {
	r.mu.Lock()
	providers := make([]*MarketData, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.running = nil
	r.mu.Unlock()
	for _, p := range providers {
		p.Close()
	}
}

// Provider returns the feed previously built for user and specs.
func (r *ProviderResolver) Provider(user string, specs ...schema.MarketDataSpecification) *MarketData {
	key := user
	for _, spec := range specs {
		key += "|" + spec.String()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.providers[key]
}

// Resolves counts Resolve calls.
func (r *ProviderResolver) Resolves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolves
}
