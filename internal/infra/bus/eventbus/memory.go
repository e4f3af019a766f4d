package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/vantage/errs"
	"github.com/coachpo/vantage/internal/app/worker"
	"github.com/coachpo/vantage/internal/infra/telemetry"
)

const (
	resultDelivered     = "delivered"
	resultNoSubscribers = "no_subscribers"
	resultDropped       = "dropped"
)

// MemoryBus is an in-memory implementation of the event bus.
type MemoryBus struct {
	cfg MemoryConfig
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	deliveryBlockedCounter metric.Int64Counter
	publishDuration        metric.Float64Histogram
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	kinds  map[worker.EventKind]struct{}
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// NewMemoryBus constructs a memory-backed event bus.
func NewMemoryBus(cfg MemoryConfig, log zerolog.Logger) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := &MemoryBus{
		cfg:         cfg,
		log:         log.With().Str("component", "eventbus").Logger(),
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[SubscriptionID]*subscriber),
	}

	meter := otel.Meter("eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of worker events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.deliveryBlockedCounter, _ = meter.Int64Counter("eventbus.delivery.blocked",
		metric.WithDescription("Number of deliveries dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))
	return bus
}

// Publish fans the event out to every subscriber of its kind.
func (b *MemoryBus) Publish(ctx context.Context, evt Event) error {
	if err := b.ctx.Err(); err != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if evt.PublishedAt.IsZero() {
		evt.PublishedAt = time.Now()
	}
	start := time.Now()
	result := resultDelivered
	defer func() {
		b.publishDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(telemetry.EventAttributes(evt.Kind.String(), result)...))
	}()

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.wants(evt.Kind) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		result = resultNoSubscribers
		return nil
	}

	p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
	var dropped atomic.Int64
	for _, sub := range targets {
		p.Go(func() {
			if !b.deliver(sub, evt) {
				dropped.Add(1)
			}
		})
	}
	p.Wait()

	b.eventsPublishedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.EventAttributes(evt.Kind.String(), result)...))
	if n := dropped.Load(); n > 0 {
		result = resultDropped
		b.deliveryBlockedCounter.Add(ctx, n, metric.WithAttributes(telemetry.EventAttributes(evt.Kind.String(), result)...))
	}
	return nil
}

// Subscribe registers for events of the given kinds and returns a
// subscription ID and channel. The channel closes on Unsubscribe, Close, or
// when ctx ends.
func (b *MemoryBus) Subscribe(ctx context.Context, kinds ...worker.EventKind) (SubscriptionID, <-chan Event, error) {
	if b.ctx.Err() != nil {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		ctx:    ctx,
		cancel: cancel,
		ch:     make(chan Event, b.cfg.BufferSize),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[worker.EventKind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}
	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()
	b.subscriberGauge.Add(ctx, 1)

	go b.observe(id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	b.mu.Unlock()
	if ok {
		sub.cancel()
	}
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		subs := make([]*subscriber, 0, len(b.subscribers))
		for _, sub := range b.subscribers {
			subs = append(subs, sub)
		}
		b.mu.Unlock()
		for _, sub := range subs {
			sub.cancel()
		}
	})
}

func (b *MemoryBus) observe(id SubscriptionID, sub *subscriber) {
	select {
	case <-sub.ctx.Done():
	case <-b.ctx.Done():
	}
	b.mu.Lock()
	if stored, ok := b.subscribers[id]; ok && stored == sub {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	sub.close()
	b.subscriberGauge.Add(context.Background(), -1)
}

// deliver enqueues evt, dropping the oldest buffered event when the
// subscriber is full. It reports false when an event was lost.
func (b *MemoryBus) deliver(sub *subscriber, evt Event) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return true
	}
	select {
	case sub.ch <- evt:
		return true
	default:
	}
	select {
	case old := <-sub.ch:
		b.log.Warn().Str("dropped", old.Kind.String()).Str("kind", evt.Kind.String()).Msg("subscriber buffer full; dropped oldest event")
	default:
	}
	select {
	case sub.ch <- evt:
	default:
	}
	return false
}

func (s *subscriber) wants(kind worker.EventKind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
