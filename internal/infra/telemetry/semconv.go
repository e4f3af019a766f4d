// Package telemetry provides semantic conventions for Vantage observability.
package telemetry

import (
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for scheduler telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrView names the view definition a worker computes.
	AttrView = attribute.Key("view")
	// AttrWorker identifies a single worker loop.
	AttrWorker = attribute.Key("worker")
	// AttrSubscriptionState labels ledger state transitions (pending, active, failed, removed).
	AttrSubscriptionState = attribute.Key("subscription.state")
	// AttrOperation differentiates provider operations (subscribe, unsubscribe).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrCompileKind distinguishes full, incremental and relabel compilations.
	AttrCompileKind = attribute.Key("compile.kind")
	// AttrCycleType records whether a cycle ran FULL or DELTA.
	AttrCycleType = attribute.Key("cycle.type")
	// AttrCache names the cache a hit or miss refers to.
	AttrCache = attribute.Key("cache")
	// AttrPolicy labels coordinator metrics with the hand-off policy.
	AttrPolicy = attribute.Key("policy")
	// AttrEventKind labels worker notifications carried by the event bus.
	AttrEventKind = attribute.Key("event.kind")
	// AttrReason provides additional free-form context for errors/rejections.
	AttrReason = attribute.Key("reason")
)

// Result values
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Compile kinds
const (
	CompileFull        = "full"
	CompileIncremental = "incremental"
	CompileRelabel     = "relabel"
	CompileCached      = "cached"
)

var environment atomic.Value

// SetEnvironment records the environment name used in metric labels.
func SetEnvironment(env string) {
	environment.Store(strings.TrimSpace(env))
}

// Environment returns the configured environment name for use in metric labels.
func Environment() string {
	if v, ok := environment.Load().(string); ok && v != "" {
		return v
	}
	return "dev"
}

// OperationResultAttributes returns attributes for provider operation metrics.
func OperationResultAttributes(operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// SubscriptionAttributes returns attributes for ledger metrics.
func SubscriptionAttributes(state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrSubscriptionState.String(state),
	}
}

// CompileAttributes returns attributes for compilation metrics.
func CompileAttributes(view, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrView.String(view),
		AttrCompileKind.String(kind),
	}
}

// CycleAttributes returns attributes for cycle metrics.
func CycleAttributes(view, cycleType, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrView.String(view),
		AttrCycleType.String(cycleType),
		AttrResult.String(result),
	}
}

// CacheAttributes returns attributes for cache hit/miss metrics.
func CacheAttributes(cache, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrCache.String(cache),
		AttrResult.String(result),
	}
}

// PolicyAttributes returns attributes for coordinator metrics.
func PolicyAttributes(policy, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrPolicy.String(policy),
		AttrReason.String(reason),
	}
}

// EventAttributes returns attributes for event bus metrics.
func EventAttributes(kind, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrEventKind.String(kind),
		AttrResult.String(result),
	}
}
