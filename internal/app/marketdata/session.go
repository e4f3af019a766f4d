package marketdata

import (
	"context"
	"time"

	"github.com/coachpo/vantage/errs"
	"github.com/coachpo/vantage/internal/domain/schema"
)

// SnapshotSession accumulates the values one cycle needs and initialises the
// cycle's snapshot. It is owned by the loop that created it.
type SnapshotSession struct {
	manager  *Manager
	snapshot Snapshot
	required schema.SpecificationSet
}

func newSnapshotSession(m *Manager, snap Snapshot) *SnapshotSession {
	return &SnapshotSession{manager: m, snapshot: snap, required: make(schema.SpecificationSet)}
}

// AddRequirements adds values the cycle will read.
func (s *SnapshotSession) AddRequirements(specs []schema.ValueSpecification) {
	for _, spec := range specs {
		s.required[spec] = struct{}{}
	}
}

// Required returns the accumulated values in canonical order.
func (s *SnapshotSession) Required() []schema.ValueSpecification {
	return s.required.Sorted()
}

// RequestSubscriptions reconciles the manager's subscriptions with the
// accumulated requirements.
func (s *SnapshotSession) RequestSubscriptions(ctx context.Context) error {
	return s.manager.RequestSubscriptions(ctx, s.required)
}

// TimeIndication is the expected snapshot time, available before Init.
func (s *SnapshotSession) TimeIndication() time.Time {
	return s.snapshot.TimeIndication()
}

// Init captures the snapshot. With await it blocks until every required value
// is present or timeout elapses; a timeout is logged and the cycle proceeds
// with the values available.
func (s *SnapshotSession) Init(ctx context.Context, await bool, timeout time.Duration) error {
	if !await {
		return s.snapshot.Init(ctx, nil, 0)
	}
	required := s.Required()
	err := s.snapshot.Init(ctx, required, timeout)
	if errs.HasCode(err, errs.CodeTimeout) {
		s.manager.log.Warn().
			Str("snapshot", s.snapshot.ID()).
			Int("required", len(required)).
			Dur("timeout", timeout).
			Msg("timed out waiting for market data; continuing with available values")
		return nil
	}
	return err
}

// Snapshot returns the underlying snapshot.
func (s *SnapshotSession) Snapshot() Snapshot {
	return s.snapshot
}
