package marketdata

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/coachpo/vantage/errs"
	"github.com/coachpo/vantage/internal/domain/schema"
)

const pendingSummaryLimit = 20

// MonitorResult summarises one monitor pass.
type MonitorResult struct {
	Retried   int
	Abandoned int
	Pending   int
}

// StartMonitor schedules RunMonitor every MonitorPeriod.
func (m *Manager) StartMonitor() error {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()
	if m.cron != nil {
		return nil
	}
	c := cron.New()
	spec := "@every " + m.cfg.MonitorPeriod.String()
	if _, err := c.AddFunc(spec, func() {
		m.RunMonitor(context.Background())
	}); err != nil {
		return errs.New("marketdata", errs.CodeInvalid, errs.WithMessage("schedule subscription monitor"), errs.WithCause(err))
	}
	c.Start()
	m.cron = c
	m.log.Debug().Dur("period", m.cfg.MonitorPeriod).Msg("subscription monitor started")
	return nil
}

// StopMonitor cancels the schedule and waits for a running pass to finish.
func (m *Manager) StopMonitor() {
	m.cronMu.Lock()
	c := m.cron
	m.cron = nil
	m.cronMu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// RunMonitor re-requests pending subscriptions older than RetryAfter and
// abandons those older than AbandonAfter by moving them to failed.
func (m *Manager) RunMonitor(ctx context.Context) MonitorResult {
	m.mu.Lock()
	provider := m.provider
	now := m.now()
	var retry, abandoned []schema.ValueSpecification
	for _, rec := range m.ledger.InState(StatePending) {
		switch {
		case now.Sub(rec.Since) >= m.cfg.AbandonAfter:
			abandoned = append(abandoned, rec.Spec)
			m.ledger.Set(rec.Spec, StateFailed, now)
		case now.Sub(rec.LastAttempt) >= m.cfg.RetryAfter && provider != nil:
			retry = append(retry, rec.Spec)
			m.ledger.Touch(rec.Spec, now)
		}
	}
	pending := m.ledger.InState(StatePending)
	m.mu.Unlock()

	if len(abandoned) > 0 {
		schema.SortSpecifications(abandoned)
		m.log.Warn().Int("count", len(abandoned)).Dur("after", m.cfg.AbandonAfter).
			Str("sample", summarise(abandoned)).Msg("abandoning stale market data subscriptions")
		m.metrics.recordAbandoned(ctx, len(abandoned))
	}
	if len(retry) > 0 {
		m.log.Info().Int("count", len(retry)).Msg("re-requesting pending market data subscriptions")
		m.dispatch(ctx, provider, opSubscribe, retry)
		m.metrics.recordRetried(ctx, len(retry))
	}
	if len(pending) > 0 && m.log.Debug().Enabled() {
		specs := make([]schema.ValueSpecification, 0, len(pending))
		for _, rec := range pending {
			specs = append(specs, rec.Spec)
		}
		schema.SortSpecifications(specs)
		m.log.Debug().Int("pending", len(pending)).Str("sample", summarise(specs)).Msg("pending market data subscriptions")
	}
	m.metrics.recordStates(ctx, m.ledger)
	return MonitorResult{Retried: len(retry), Abandoned: len(abandoned), Pending: len(pending)}
}

func summarise(specs []schema.ValueSpecification) string {
	n := len(specs)
	if n > pendingSummaryLimit {
		n = pendingSummaryLimit
	}
	parts := make([]string, 0, n)
	for _, spec := range specs[:n] {
		parts = append(parts, spec.String())
	}
	out := strings.Join(parts, ", ")
	if len(specs) > n {
		out += ", ..."
	}
	return out
}

// age is how long the oldest pending entry has waited.
func (m *Manager) age() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest time.Time
	for _, rec := range m.ledger.InState(StatePending) {
		if oldest.IsZero() || rec.Since.Before(oldest) {
			oldest = rec.Since
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return m.now().Sub(oldest)
}
