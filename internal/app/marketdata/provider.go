// Package marketdata manages market data subscriptions for a worker: the
// subscription ledger, batched provider calls with retry and abandonment, and
// per-cycle snapshot sessions.
package marketdata

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/vantage/internal/domain/schema"
)

// Provider is the market data source a worker subscribes through.
type Provider interface {
	Subscribe(ctx context.Context, specs []schema.ValueSpecification) error
	Unsubscribe(ctx context.Context, specs []schema.ValueSpecification) error
	Snapshot(specs []schema.MarketDataSpecification) Snapshot
	Availability() AvailabilityProvider
	// SetListener installs the callback sink; nil detaches it.
	SetListener(l ProviderListener)
}

// ProviderListener receives asynchronous provider callbacks.
type ProviderListener interface {
	SubscriptionsSucceeded(specs []schema.ValueSpecification)
	SubscriptionFailed(spec schema.ValueSpecification, msg string)
	SubscriptionStopped(spec schema.ValueSpecification)
	ValuesChanged(specs []schema.ValueSpecification)
}

// ProviderResolver builds a provider for a market data user and ordered sources.
type ProviderResolver interface {
	Resolve(user string, specs []schema.MarketDataSpecification) (Provider, error)
}

// AvailabilityProvider decides which raw value, if any, satisfies a requirement.
type AvailabilityProvider interface {
	Resolve(req schema.ValueRequirement) (schema.ValueSpecification, bool)
	// Fingerprint changes whenever Resolve could answer differently.
	Fingerprint() string
}

// Snapshot is a point-in-time capture of market data values.
type Snapshot interface {
	ID() string
	// TimeIndication returns the expected snapshot time without initialising.
	TimeIndication() time.Time
	// Init captures values. With a positive timeout it waits until every
	// required value is present or the timeout elapses.
	Init(ctx context.Context, required []schema.ValueSpecification, timeout time.Duration) error
	IsInitialized() bool
	SnapshotTime() time.Time
	Query(spec schema.ValueSpecification) (decimal.Decimal, bool)
}

// Listener is told when values a worker may depend on change.
type Listener interface {
	ValuesChanged(specs []schema.ValueSpecification)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(specs []schema.ValueSpecification)

// ValuesChanged calls f.
func (f ListenerFunc) ValuesChanged(specs []schema.ValueSpecification) { f(specs) }
