package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/coachpo/vantage/errs"
	"github.com/coachpo/vantage/internal/domain/schema"
)

const (
	// DefaultBatchSize caps the values passed to one provider call.
	DefaultBatchSize = 10000
	// DefaultRetryAfter is how long a pending subscription waits before being re-requested.
	DefaultRetryAfter = 5 * time.Minute
	// DefaultAbandonAfter is how long a pending subscription waits before being given up.
	DefaultAbandonAfter = 15 * time.Minute
	// DefaultMonitorPeriod is the interval of the pending-subscription monitor.
	DefaultMonitorPeriod = 5 * time.Minute
)

// Config tunes subscription batching, retry and pacing.
type Config struct {
	BatchSize     int
	RetryAfter    time.Duration
	AbandonAfter  time.Duration
	MonitorPeriod time.Duration
	// CallAttempts bounds immediate retries of a failing provider call.
	CallAttempts uint
	// CallBackoff is the initial interval between immediate retries.
	CallBackoff time.Duration
	// RequestRate paces provider calls per second; zero disables pacing.
	RequestRate  float64
	RequestBurst int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     DefaultBatchSize,
		RetryAfter:    DefaultRetryAfter,
		AbandonAfter:  DefaultAbandonAfter,
		MonitorPeriod: DefaultMonitorPeriod,
		CallAttempts:  3,
		CallBackoff:   200 * time.Millisecond,
	}
}

func (c Config) normalise() Config {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = def.RetryAfter
	}
	if c.AbandonAfter <= 0 {
		c.AbandonAfter = def.AbandonAfter
	}
	if c.MonitorPeriod <= 0 {
		c.MonitorPeriod = def.MonitorPeriod
	}
	if c.CallAttempts == 0 {
		c.CallAttempts = 1
	}
	if c.CallBackoff <= 0 {
		c.CallBackoff = def.CallBackoff
	}
	if c.RequestBurst <= 0 {
		c.RequestBurst = 1
	}
	return c
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = log.With().Str("component", "marketdata").Logger()
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithListener installs the values-changed sink.
func WithListener(l Listener) Option {
	return func(m *Manager) {
		m.listener = l
	}
}

// Manager owns the subscription ledger of one worker and the provider it
// subscribes through.
type Manager struct {
	log      zerolog.Logger
	cfg      Config
	resolver ProviderResolver
	now      func() time.Time
	limiter  *rate.Limiter
	metrics  *metrics

	listenerMu sync.RWMutex
	listener   Listener

	mu            sync.Mutex
	ledger        *Ledger
	provider      Provider
	providerUser  string
	providerSpecs []schema.MarketDataSpecification
	dirty         bool

	cronMu sync.Mutex
	cron   *cron.Cron
}

// NewManager creates a manager resolving providers through resolver.
func NewManager(resolver ProviderResolver, cfg Config, opts ...Option) *Manager {
	cfg = cfg.normalise()
	m := &Manager{
		log:      zerolog.Nop(),
		cfg:      cfg,
		resolver: resolver,
		now:      time.Now,
		ledger:   NewLedger(),
		metrics:  newMetrics(),
	}
	if cfg.RequestRate > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RequestRate), cfg.RequestBurst)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// SetListener replaces the values-changed sink.
func (m *Manager) SetListener(l Listener) {
	m.listenerMu.Lock()
	m.listener = l
	m.listenerMu.Unlock()
}

// RequestSubscriptions reconciles the ledger with the required set: values no
// longer required are unsubscribed and new values are subscribed in batches.
// Provider failures are logged and leave the values pending for the monitor.
func (m *Manager) RequestSubscriptions(ctx context.Context, required schema.SpecificationSet) error {
	m.mu.Lock()
	provider := m.provider
	if provider == nil {
		m.mu.Unlock()
		return errs.New("marketdata", errs.CodeMarketData, errs.WithMessage("no market data provider"))
	}
	now := m.now()
	current := m.ledger.Tracked()
	var unused, added []schema.ValueSpecification
	for spec := range current {
		if !required.Contains(spec) {
			unused = append(unused, spec)
			m.ledger.Set(spec, StateRemoved, now)
		}
	}
	for spec := range required {
		if !current.Contains(spec) {
			added = append(added, spec)
			m.ledger.Set(spec, StatePending, now)
		}
	}
	m.mu.Unlock()

	if len(unused) > 0 {
		m.log.Debug().Int("count", len(unused)).Msg("removing unused market data subscriptions")
		m.dispatch(ctx, provider, opUnsubscribe, unused)
	}
	if len(added) > 0 {
		m.log.Debug().Int("count", len(added)).Msg("adding market data subscriptions")
		m.dispatch(ctx, provider, opSubscribe, added)
	}
	m.metrics.recordStates(ctx, m.ledger)
	return nil
}

// RetryFailedSubscriptions moves every failed entry back to pending and
// re-requests it from the provider.
func (m *Manager) RetryFailedSubscriptions(ctx context.Context) int {
	m.mu.Lock()
	provider := m.provider
	failed := m.ledger.InState(StateFailed)
	if provider == nil || len(failed) == 0 {
		m.mu.Unlock()
		return 0
	}
	now := m.now()
	specs := make([]schema.ValueSpecification, 0, len(failed))
	for _, rec := range failed {
		specs = append(specs, rec.Spec)
		m.ledger.Set(rec.Spec, StatePending, now)
	}
	m.mu.Unlock()

	m.log.Info().Int("count", len(specs)).Msg("retrying failed market data subscriptions")
	m.dispatch(ctx, provider, opUnsubscribe, specs)
	m.dispatch(ctx, provider, opSubscribe, specs)
	return len(specs)
}

// CreateSnapshotSession prepares a snapshot for one cycle, replacing the
// provider when the user or the ordered sources differ from the current one.
func (m *Manager) CreateSnapshotSession(ctx context.Context, user string, specs []schema.MarketDataSpecification) (*SnapshotSession, error) {
	if len(specs) == 0 {
		return nil, errs.New("marketdata", errs.CodeMarketData, errs.WithMessage("no market data specifications for cycle"))
	}
	m.mu.Lock()
	var (
		old        Provider
		oldTracked []schema.ValueSpecification
	)
	if m.provider == nil || m.providerUser != user || !schema.EqualMarketData(m.providerSpecs, specs) {
		next, err := m.resolver.Resolve(user, specs)
		if err != nil {
			m.mu.Unlock()
			return nil, errs.New("marketdata", errs.CodeMarketData, errs.WithMessage("resolve market data provider"), errs.WithCause(err))
		}
		if m.provider != nil {
			old = m.provider
			now := m.now()
			for spec := range m.ledger.Tracked() {
				oldTracked = append(oldTracked, spec)
				m.ledger.Set(spec, StateRemoved, now)
			}
			m.log.Info().Str("user", user).Msg("replacing market data provider between cycles")
		}
		next.SetListener(m)
		m.provider = next
		m.providerUser = user
		m.providerSpecs = append([]schema.MarketDataSpecification(nil), specs...)
		m.dirty = true
	}
	provider := m.provider
	m.mu.Unlock()

	if old != nil {
		old.SetListener(nil)
		m.dispatch(ctx, old, opUnsubscribe, oldTracked)
	}
	return newSnapshotSession(m, provider.Snapshot(specs)), nil
}

// ReplaceUser forces a provider change on the next session when the market
// data user changes with a new view definition.
func (m *Manager) ReplaceUser(user string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.provider != nil && m.providerUser != user {
		m.providerSpecs = nil
	}
}

// ConsumeDirty reports whether the provider changed since the last call and clears the flag.
func (m *Manager) ConsumeDirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	dirty := m.dirty
	m.dirty = false
	return dirty
}

// Availability returns the current provider's availability, or nil.
func (m *Manager) Availability() AvailabilityProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.provider == nil {
		return nil
	}
	return m.provider.Availability()
}

// Close stops the monitor and unsubscribes everything from the provider.
func (m *Manager) Close(ctx context.Context) {
	m.StopMonitor()
	m.mu.Lock()
	provider := m.provider
	var tracked []schema.ValueSpecification
	if provider != nil {
		now := m.now()
		for spec := range m.ledger.Tracked() {
			tracked = append(tracked, spec)
			m.ledger.Set(spec, StateRemoved, now)
		}
		m.provider = nil
		m.providerSpecs = nil
		m.dirty = true
	}
	m.mu.Unlock()
	if provider != nil {
		provider.SetListener(nil)
		m.dispatch(ctx, provider, opUnsubscribe, tracked)
	}
}

// Count returns the number of entries in state.
func (m *Manager) Count(state State) int {
	return m.ledger.Count(state)
}

// QuerySubscriptionState returns the ledger entries mentioning identifier.
func (m *Manager) QuerySubscriptionState(identifier string) []Record {
	return m.ledger.Find(identifier)
}

type report struct {
	States        map[string]int `json:"states"`
	OldestPending string         `json:"oldestPending,omitempty"`
}

// Report renders per-state counts and the age of the oldest pending entry as JSON.
func (m *Manager) Report() ([]byte, error) {
	out := report{States: map[string]int{}}
	for s := StatePending; s < stateCount; s++ {
		out.States[s.String()] = m.ledger.Count(s)
	}
	if age := m.age(); age > 0 {
		out.OldestPending = age.Round(time.Second).String()
	}
	return json.Marshal(out)
}

// SubscriptionsSucceeded marks the values active.
func (m *Manager) SubscriptionsSucceeded(specs []schema.ValueSpecification) {
	m.mu.Lock()
	now := m.now()
	for _, spec := range specs {
		if rec, ok := m.ledger.Get(spec); ok && rec.State != StateRemoved {
			m.ledger.Set(spec, StateActive, now)
		}
	}
	m.mu.Unlock()
	m.log.Debug().Int("count", len(specs)).Msg("subscriptions succeeded")
}

// SubscriptionFailed marks the value failed.
func (m *Manager) SubscriptionFailed(spec schema.ValueSpecification, msg string) {
	m.mu.Lock()
	if rec, ok := m.ledger.Get(spec); ok && rec.State != StateRemoved {
		m.ledger.Set(spec, StateFailed, m.now())
	}
	m.mu.Unlock()
	m.log.Debug().Str("spec", spec.String()).Str("reason", msg).Msg("market data subscription failed; value may be missing from cycles")
}

// SubscriptionStopped moves an active value to failed so a later retry can revive it.
func (m *Manager) SubscriptionStopped(spec schema.ValueSpecification) {
	m.mu.Lock()
	if rec, ok := m.ledger.Get(spec); ok && rec.State == StateActive {
		m.ledger.Set(spec, StateFailed, m.now())
	}
	m.mu.Unlock()
}

// ValuesChanged forwards the notification to the listener.
func (m *Manager) ValuesChanged(specs []schema.ValueSpecification) {
	m.listenerMu.RLock()
	l := m.listener
	m.listenerMu.RUnlock()
	if l != nil {
		l.ValuesChanged(specs)
	}
}

type operation string

const (
	opSubscribe   operation = "subscribe"
	opUnsubscribe operation = "unsubscribe"
)

// dispatch issues the provider call in sorted batches of at most BatchSize.
// It returns the number of failed batches.
func (m *Manager) dispatch(ctx context.Context, provider Provider, op operation, specs []schema.ValueSpecification) int {
	if len(specs) == 0 {
		return 0
	}
	schema.SortSpecifications(specs)
	call := provider.Subscribe
	if op == opUnsubscribe {
		call = provider.Unsubscribe
	}
	failed := 0
	for _, batch := range chunkSpecs(specs, m.cfg.BatchSize) {
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				m.log.Warn().Err(err).Str("operation", string(op)).Msg("provider call pacing interrupted")
				return failed + 1
			}
		}
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = m.cfg.CallBackoff
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, call(ctx, batch)
		}, backoff.WithBackOff(policy), backoff.WithMaxTries(m.cfg.CallAttempts))
		m.metrics.recordCall(ctx, op, err)
		if err != nil {
			failed++
			m.log.Warn().Err(err).Str("operation", string(op)).Int("batch", len(batch)).Msg("market data provider call failed")
		}
	}
	return failed
}

func chunkSpecs(specs []schema.ValueSpecification, size int) [][]schema.ValueSpecification {
	if len(specs) == 0 {
		return nil
	}
	if size <= 0 || len(specs) <= size {
		snapshot := make([]schema.ValueSpecification, len(specs))
		copy(snapshot, specs)
		return [][]schema.ValueSpecification{snapshot}
	}
	chunks := make([][]schema.ValueSpecification, 0, (len(specs)+size-1)/size)
	for start := 0; start < len(specs); start += size {
		end := start + size
		if end > len(specs) {
			end = len(specs)
		}
		chunk := make([]schema.ValueSpecification, end-start)
		copy(chunk, specs[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}
