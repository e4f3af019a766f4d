// Package trigger decides when a worker may or must run its next cycle.
// Sub-triggers each report an eligibility and the next time their answer could
// change; Combined folds them into one answer.
package trigger

import (
	"sync"
	"time"

	"github.com/coachpo/vantage/internal/domain/schema"
)

// Eligibility orders how strongly a trigger wants a cycle.
type Eligibility uint8

const (
	// Prevent blocks a cycle even when one is requested.
	Prevent Eligibility = iota
	// Eligible allows a requested cycle to run.
	Eligible
	// Force runs a cycle whether or not one is requested.
	Force
)

func (e Eligibility) String() string {
	switch e {
	case Prevent:
		return "not_eligible"
	case Eligible:
		return "eligible"
	case Force:
		return "force"
	default:
		return "unknown"
	}
}

// Result is a trigger's answer at one instant. A zero NextStateChange means
// the answer does not change with time alone.
type Result struct {
	Eligibility     Eligibility
	CycleType       schema.CycleType
	NextStateChange time.Time
}

// Trigger is consulted before every cycle.
type Trigger interface {
	Query(now time.Time) Result
	// CycleTriggered tells the trigger a cycle of the given type started.
	CycleTriggered(now time.Time, cycleType schema.CycleType)
}

// Combined folds sub-triggers: any Force forces; otherwise any Prevent
// prevents; full beats delta; the earliest state change wins.
type Combined struct {
	mu       sync.Mutex
	triggers []Trigger
}

// NewCombined creates a combinator over the given triggers.
func NewCombined(triggers ...Trigger) *Combined {
	c := &Combined{}
	for _, t := range triggers {
		c.Add(t)
	}
	return c
}

// Add appends a sub-trigger.
func (c *Combined) Add(t Trigger) {
	if t == nil {
		return
	}
	c.mu.Lock()
	c.triggers = append(c.triggers, t)
	c.mu.Unlock()
}

func (c *Combined) snapshot() []Trigger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Trigger(nil), c.triggers...)
}

// Query combines the sub-trigger answers at now.
func (c *Combined) Query(now time.Time) Result {
	out := Result{Eligibility: Eligible}
	forced := false
	for _, t := range c.snapshot() {
		r := t.Query(now)
		switch r.Eligibility {
		case Force:
			forced = true
		case Prevent:
			out.Eligibility = Prevent
		}
		if r.CycleType > out.CycleType {
			out.CycleType = r.CycleType
		}
		if !r.NextStateChange.IsZero() && (out.NextStateChange.IsZero() || r.NextStateChange.Before(out.NextStateChange)) {
			out.NextStateChange = r.NextStateChange
		}
	}
	if forced {
		out.Eligibility = Force
	}
	return out
}

// CycleTriggered notifies every sub-trigger.
func (c *Combined) CycleTriggered(now time.Time, cycleType schema.CycleType) {
	for _, t := range c.snapshot() {
		t.CycleTriggered(now, cycleType)
	}
}

// FixedTime yields a stored answer from a set instant until a cycle starts
// at or after it. Unset, it is eligible.
type FixedTime struct {
	mu     sync.Mutex
	at     time.Time
	result Result
}

// NewFixedTime creates an unset trigger.
func NewFixedTime() *FixedTime { return &FixedTime{} }

// Set arms the trigger to answer result from at on.
func (t *FixedTime) Set(at time.Time, result Result) {
	t.mu.Lock()
	t.at = at
	t.result = result
	t.mu.Unlock()
}

// Reset disarms the trigger.
func (t *FixedTime) Reset() {
	t.mu.Lock()
	t.at = time.Time{}
	t.result = Result{}
	t.mu.Unlock()
}

// Query reports the stored answer once at has passed.
func (t *FixedTime) Query(now time.Time) Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.at.IsZero():
		return Result{Eligibility: Eligible}
	case now.Before(t.at):
		return Result{Eligibility: Eligible, NextStateChange: t.at}
	default:
		return t.result
	}
}

// CycleTriggered disarms the trigger once it has fired.
func (t *FixedTime) CycleTriggered(now time.Time, _ schema.CycleType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.at.IsZero() && !now.Before(t.at) {
		t.at = time.Time{}
		t.result = Result{}
	}
}

// RecomputationPeriod applies the minimum and maximum delta and full periods
// of the current view definition.
type RecomputationPeriod struct {
	definition func() *schema.ViewDefinition

	mu       sync.Mutex
	last     time.Time
	lastFull time.Time
}

// NewRecomputationPeriod reads periods from definition on every query so a
// view definition update takes effect immediately.
func NewRecomputationPeriod(definition func() *schema.ViewDefinition) *RecomputationPeriod {
	return &RecomputationPeriod{definition: definition}
}

// Query applies the periods measured from the last cycles.
func (t *RecomputationPeriod) Query(now time.Time) Result {
	def := t.definition()
	t.mu.Lock()
	last, lastFull := t.last, t.lastFull
	t.mu.Unlock()
	if def == nil || last.IsZero() || lastFull.IsZero() {
		return Result{Eligibility: Force, CycleType: schema.CycleFull}
	}

	var next time.Time
	consider := func(at time.Time) {
		if at.After(now) && (next.IsZero() || at.Before(next)) {
			next = at
		}
	}
	if def.MaxFullPeriod > 0 {
		due := lastFull.Add(def.MaxFullPeriod)
		if !now.Before(due) {
			return Result{Eligibility: Force, CycleType: schema.CycleFull}
		}
		consider(due)
	}
	cycleType := schema.CycleDelta
	if def.MinFullPeriod > 0 {
		eligible := lastFull.Add(def.MinFullPeriod)
		if !now.Before(eligible) {
			cycleType = schema.CycleUnspecified
		} else {
			consider(eligible)
		}
	}
	if def.MaxDeltaPeriod > 0 {
		due := last.Add(def.MaxDeltaPeriod)
		if !now.Before(due) {
			return Result{Eligibility: Force, CycleType: cycleType, NextStateChange: next}
		}
		consider(due)
	}
	eligibility := Eligible
	if def.MinDeltaPeriod > 0 {
		eligible := last.Add(def.MinDeltaPeriod)
		if now.Before(eligible) {
			eligibility = Prevent
			consider(eligible)
		}
	}
	return Result{Eligibility: eligibility, CycleType: cycleType, NextStateChange: next}
}

// CycleTriggered records the cycle start.
func (t *RecomputationPeriod) CycleTriggered(now time.Time, cycleType schema.CycleType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = now
	if cycleType == schema.CycleFull {
		t.lastFull = now
	}
}

// SuccessiveDeltaLimit demands a full cycle after limit consecutive deltas.
type SuccessiveDeltaLimit struct {
	limit int

	mu     sync.Mutex
	deltas int
}

// NewSuccessiveDeltaLimit creates the trigger; limit must be positive.
func NewSuccessiveDeltaLimit(limit int) *SuccessiveDeltaLimit {
	return &SuccessiveDeltaLimit{limit: limit}
}

// Query asks for a full cycle once the limit is reached.
func (t *SuccessiveDeltaLimit) Query(time.Time) Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.deltas >= t.limit {
		return Result{Eligibility: Eligible, CycleType: schema.CycleFull}
	}
	return Result{Eligibility: Eligible}
}

// CycleTriggered counts consecutive deltas.
func (t *SuccessiveDeltaLimit) CycleTriggered(_ time.Time, cycleType schema.CycleType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch cycleType {
	case schema.CycleFull:
		t.deltas = 0
	case schema.CycleDelta:
		t.deltas++
	}
}

// RunAsFastAsPossible forces a delta cycle on every query.
type RunAsFastAsPossible struct{}

// Query always forces.
func (RunAsFastAsPossible) Query(time.Time) Result {
	return Result{Eligibility: Force, CycleType: schema.CycleDelta}
}

// CycleTriggered does nothing.
func (RunAsFastAsPossible) CycleTriggered(time.Time, schema.CycleType) {}
