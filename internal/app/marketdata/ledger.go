package marketdata

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/vantage/internal/domain/schema"
)

// State is the lifecycle state of a subscription.
type State uint8

const (
	// StatePending awaits a provider callback.
	StatePending State = iota
	// StateActive is confirmed by the provider.
	StateActive
	// StateFailed was rejected, stopped or abandoned.
	StateFailed
	// StateRemoved is no longer required.
	StateRemoved
	stateCount
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Record is one ledger entry.
type Record struct {
	Spec  schema.ValueSpecification `json:"spec"`
	State State                     `json:"state"`
	// Since is when the entry entered its current state.
	Since time.Time `json:"since"`
	// LastAttempt is the most recent subscribe call for a pending entry.
	LastAttempt time.Time `json:"lastAttempt"`
	Attempts    int       `json:"attempts"`
}

// Ledger tracks exactly one record per value specification. Mutations require
// the owner's lock; Lookup, Count and Find are lock-free.
type Ledger struct {
	entries map[schema.ValueSpecification]*Record
	view    sync.Map
	counts  [stateCount]atomic.Int64
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[schema.ValueSpecification]*Record)}
}

// Set moves spec into state, creating the entry if needed.
func (l *Ledger) Set(spec schema.ValueSpecification, state State, now time.Time) *Record {
	rec, ok := l.entries[spec]
	if ok {
		if rec.State == state {
			return rec
		}
		l.counts[rec.State].Add(-1)
		next := *rec
		rec = &next
	} else {
		rec = &Record{Spec: spec}
	}
	rec.State = state
	rec.Since = now
	if state == StatePending {
		rec.LastAttempt = now
		rec.Attempts = 1
	}
	l.entries[spec] = rec
	l.counts[state].Add(1)
	l.view.Store(spec, *rec)
	return rec
}

// Touch records another subscribe attempt for a pending entry.
func (l *Ledger) Touch(spec schema.ValueSpecification, now time.Time) {
	rec, ok := l.entries[spec]
	if !ok || rec.State != StatePending {
		return
	}
	next := *rec
	next.LastAttempt = now
	next.Attempts++
	l.entries[spec] = &next
	l.view.Store(spec, next)
}

// Get returns the owner's view of an entry.
func (l *Ledger) Get(spec schema.ValueSpecification) (Record, bool) {
	rec, ok := l.entries[spec]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Tracked returns every entry that is pending, active or failed.
func (l *Ledger) Tracked() schema.SpecificationSet {
	out := make(schema.SpecificationSet, len(l.entries))
	for spec, rec := range l.entries {
		if rec.State != StateRemoved {
			out[spec] = struct{}{}
		}
	}
	return out
}

// InState returns entries currently in state.
func (l *Ledger) InState(state State) []Record {
	var out []Record
	for _, rec := range l.entries {
		if rec.State == state {
			out = append(out, *rec)
		}
	}
	return out
}

// Lookup reads an entry without the owner's lock.
func (l *Ledger) Lookup(spec schema.ValueSpecification) (Record, bool) {
	v, ok := l.view.Load(spec)
	if !ok {
		return Record{}, false
	}
	return v.(Record), true
}

// Count reads the number of entries in state without the owner's lock.
func (l *Ledger) Count(state State) int {
	if state >= stateCount {
		return 0
	}
	return int(l.counts[state].Load())
}

// Find returns entries whose specification mentions identifier, without the owner's lock.
func (l *Ledger) Find(identifier string) []Record {
	needle := strings.TrimSpace(identifier)
	var out []Record
	l.view.Range(func(_, v any) bool {
		rec := v.(Record)
		if needle == "" || strings.Contains(rec.Spec.Target.UniqueID.Value, needle) || strings.Contains(rec.Spec.Name, needle) {
			out = append(out, rec)
		}
		return true
	})
	return out
}
