// Package eventbus fans worker notifications out to in-process subscribers.
package eventbus

import (
	"context"
	"time"

	"github.com/coachpo/vantage/internal/app/worker"
	"github.com/coachpo/vantage/internal/domain/schema"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Event is a detached copy of a worker notification. It holds no reference
// to the cycle, which the executor may recycle once the listener returns.
type Event struct {
	Kind          worker.EventKind
	View          string
	CompiledView  string
	CycleID       string
	CycleType     schema.CycleType
	ValuationTime time.Time
	Outputs       map[string]int
	Err           error
	PublishedAt   time.Time
}

// FromWorker copies the fields of ev that outlive the notification.
func FromWorker(ev worker.Event) Event {
	out := Event{Kind: ev.Kind, ValuationTime: ev.ValuationTime, Err: ev.Err}
	if ev.View != nil {
		out.CompiledView = ev.View.ID
		if ev.View.Definition != nil {
			out.View = ev.View.Definition.Name
		}
	}
	if c := ev.Cycle; c != nil {
		md := c.Metadata()
		out.CycleID = md.CycleID
		out.CycleType = md.Type
		out.ValuationTime = md.ValuationTime
		out.CompiledView = md.CompiledViewID
		if c.View != nil && c.View.Definition != nil {
			out.View = c.View.Definition.Name
		}
		if ev.Kind == worker.EventCycleCompleted {
			out.Outputs = make(map[string]int, len(md.CalcConfigs))
			for _, name := range md.CalcConfigs {
				out.Outputs[name] = len(c.Results(name))
			}
		}
	}
	return out
}

// Bus delivers worker events to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	// Subscribe registers for the given kinds, or every kind when none are given.
	Subscribe(ctx context.Context, kinds ...worker.EventKind) (SubscriptionID, <-chan Event, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int `yaml:"bufferSize"`
	FanoutWorkers int `yaml:"fanoutWorkers"`
}

// DefaultMemoryConfig returns the buffer sizing used when none is configured.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{}.normalize()
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}

// Listener adapts a bus to worker.Context: every notification is published
// and answered with Proceed.
type Listener struct {
	Bus Bus
	Ctx context.Context
}

// Notify publishes ev.
func (l Listener) Notify(ev worker.Event) worker.Action {
	ctx := l.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	_ = l.Bus.Publish(ctx, FromWorker(ev))
	return worker.Proceed
}
