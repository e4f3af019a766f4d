package schema

import (
	"sync"
	"time"
)

// CycleOptions configures a single cycle. Zero fields fall back to defaults.
type CycleOptions struct {
	Name          string
	ValuationTime time.Time
	// ResolverVersionCorrection is nil when the cycle does not pin resolution.
	ResolverVersionCorrection *VersionCorrection
	MarketData                []MarketDataSpecification
}

// Merge fills unset fields of o from defaults.
func (o CycleOptions) Merge(defaults CycleOptions) CycleOptions {
	out := o
	if out.Name == "" {
		out.Name = defaults.Name
	}
	if out.ValuationTime.IsZero() {
		out.ValuationTime = defaults.ValuationTime
	}
	if out.ResolverVersionCorrection == nil && defaults.ResolverVersionCorrection != nil {
		vc := *defaults.ResolverVersionCorrection
		out.ResolverVersionCorrection = &vc
	}
	if len(out.MarketData) == 0 && len(defaults.MarketData) > 0 {
		out.MarketData = append([]MarketDataSpecification(nil), defaults.MarketData...)
	}
	return out
}

// ExecutionSequence hands out cycle options one at a time. Items are consumed
// when polled and the sequence cannot be restarted; Copy returns an independent
// cursor positioned at the current head.
type ExecutionSequence interface {
	Poll(defaults CycleOptions) (CycleOptions, bool)
	IsEmpty() bool
	// EstimatedRemaining returns -1 for an unbounded sequence.
	EstimatedRemaining() int
	Copy() ExecutionSequence
}

// FixedSequence replays a finite list of cycle options.
type FixedSequence struct {
	mu    sync.Mutex
	items []CycleOptions
}

// NewFixedSequence builds a finite sequence.
func NewFixedSequence(items ...CycleOptions) *FixedSequence {
	return &FixedSequence{items: append([]CycleOptions(nil), items...)}
}

// NewValuationSequence builds a finite sequence with one cycle per valuation time.
func NewValuationSequence(times ...time.Time) *FixedSequence {
	items := make([]CycleOptions, len(times))
	for i, t := range times {
		items[i] = CycleOptions{ValuationTime: t}
	}
	return &FixedSequence{items: items}
}

// Poll removes and returns the head merged with defaults.
func (s *FixedSequence) Poll(defaults CycleOptions) (CycleOptions, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return CycleOptions{}, false
	}
	head := s.items[0]
	s.items = s.items[1:]
	return head.Merge(defaults), true
}

// IsEmpty reports whether all items were consumed.
func (s *FixedSequence) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items) == 0
}

// EstimatedRemaining returns the number of unconsumed items.
func (s *FixedSequence) EstimatedRemaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Copy returns an independent cursor over the remaining items.
func (s *FixedSequence) Copy() ExecutionSequence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &FixedSequence{items: append([]CycleOptions(nil), s.items...)}
}

// Take removes up to n items from the head as a new finite sequence.
func (s *FixedSequence) Take(n int) *FixedSequence {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.items) {
		n = len(s.items)
	}
	if n < 0 {
		n = 0
	}
	batch := append([]CycleOptions(nil), s.items[:n]...)
	s.items = s.items[n:]
	return &FixedSequence{items: batch}
}

// InfiniteSequence yields the defaults forever.
type InfiniteSequence struct{}

// Poll returns the defaults.
func (InfiniteSequence) Poll(defaults CycleOptions) (CycleOptions, bool) {
	return CycleOptions{}.Merge(defaults), true
}

// IsEmpty is always false.
func (InfiniteSequence) IsEmpty() bool { return false }

// EstimatedRemaining is always unbounded.
func (InfiniteSequence) EstimatedRemaining() int { return -1 }

// Copy returns the same stateless sequence.
func (InfiniteSequence) Copy() ExecutionSequence { return InfiniteSequence{} }

// ExecutionFlags toggles worker behaviour.
type ExecutionFlags uint16

const (
	// FlagTriggerOnMarketDataChanged requests a cycle when a required value ticks.
	FlagTriggerOnMarketDataChanged ExecutionFlags = 1 << iota
	// FlagTriggerOnTimeElapsed enables recomputation periods from the view definition.
	FlagTriggerOnTimeElapsed
	// FlagRunAsFastAsPossible forces a cycle whenever the previous one completes.
	FlagRunAsFastAsPossible
	// FlagWaitForInitialTrigger suppresses the implicit first cycle request.
	FlagWaitForInitialTrigger
	// FlagAwaitMarketData blocks snapshot initialisation until required values arrive.
	FlagAwaitMarketData
	// FlagCompileOnly compiles the view without executing cycles.
	FlagCompileOnly
	// FlagSuppressOnNoData asks the executor to skip nodes whose inputs are all missing.
	FlagSuppressOnNoData
)

// Has reports whether every bit in f is set.
func (flags ExecutionFlags) Has(f ExecutionFlags) bool {
	return flags&f == f
}

// ExecutionOptions configures a worker.
type ExecutionOptions struct {
	Sequence ExecutionSequence
	Flags    ExecutionFlags
	// MaxSuccessiveDeltaCycles forces a full cycle after that many deltas; zero disables.
	MaxSuccessiveDeltaCycles int
	Defaults                 CycleOptions
}

// WithSequence returns a copy of the options driving a different sequence.
func (o ExecutionOptions) WithSequence(seq ExecutionSequence) ExecutionOptions {
	out := o
	out.Sequence = seq
	return out
}

// CycleType distinguishes cycles that recompute everything from cycles that
// may reuse values of the previous cycle.
type CycleType uint8

const (
	// CycleUnspecified leaves the choice to the worker.
	CycleUnspecified CycleType = iota
	// CycleDelta may reuse unchanged values of the previous executed cycle.
	CycleDelta
	// CycleFull recomputes every node.
	CycleFull
)

func (t CycleType) String() string {
	switch t {
	case CycleDelta:
		return "delta"
	case CycleFull:
		return "full"
	default:
		return "unspecified"
	}
}
