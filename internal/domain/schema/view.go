package schema

import (
	"strings"
	"time"

	"github.com/coachpo/vantage/errs"
)

// CalcConfig is one named calculation configuration of a view.
type CalcConfig struct {
	Name string `json:"name"`
	// SpecificRequirements are requested explicitly rather than derived from the portfolio.
	SpecificRequirements []ValueRequirement `json:"specificRequirements,omitempty"`
	// PortfolioOutputs are value names computed on every position of the portfolio.
	PortfolioOutputs []string `json:"portfolioOutputs,omitempty"`
}

// ViewDefinition configures which calculations run over which portfolio.
type ViewDefinition struct {
	ID             UniqueID      `json:"id"`
	Name           string        `json:"name"`
	PortfolioID    ObjectID      `json:"portfolioId"`
	MarketDataUser string        `json:"marketDataUser"`
	CalcConfigs    []CalcConfig  `json:"calcConfigs"`
	MinDeltaPeriod time.Duration `json:"minDeltaPeriod"`
	MaxDeltaPeriod time.Duration `json:"maxDeltaPeriod"`
	MinFullPeriod  time.Duration `json:"minFullPeriod"`
	MaxFullPeriod  time.Duration `json:"maxFullPeriod"`
}

// HasPortfolio reports whether the view computes over a portfolio.
func (d *ViewDefinition) HasPortfolio() bool {
	return d != nil && !d.PortfolioID.IsZero()
}

// CalcConfig returns the named configuration.
func (d *ViewDefinition) CalcConfig(name string) (CalcConfig, bool) {
	if d == nil {
		return CalcConfig{}, false
	}
	for _, cfg := range d.CalcConfigs {
		if cfg.Name == name {
			return cfg, true
		}
	}
	return CalcConfig{}, false
}

// IsSpecificRequirement reports whether req is listed explicitly by the named configuration.
func (d *ViewDefinition) IsSpecificRequirement(calcConfig string, req ValueRequirement) bool {
	cfg, ok := d.CalcConfig(calcConfig)
	if !ok {
		return false
	}
	for _, candidate := range cfg.SpecificRequirements {
		if candidate == req {
			return true
		}
	}
	return false
}

// Validate checks the definition is usable by a worker.
func (d *ViewDefinition) Validate() error {
	if d == nil {
		return errs.New("schema/view-definition", errs.CodeInvalid, errs.WithMessage("view definition required"))
	}
	if strings.TrimSpace(d.Name) == "" {
		return errs.New("schema/view-definition", errs.CodeInvalid, errs.WithMessage("view name required"))
	}
	if len(d.CalcConfigs) == 0 {
		return errs.New("schema/view-definition", errs.CodeInvalid, errs.WithMessage("at least one calculation configuration required"), errs.WithTarget(d.Name))
	}
	seen := make(map[string]struct{}, len(d.CalcConfigs))
	for _, cfg := range d.CalcConfigs {
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			return errs.New("schema/view-definition", errs.CodeInvalid, errs.WithMessage("calculation configuration name required"), errs.WithTarget(d.Name))
		}
		if _, dup := seen[name]; dup {
			return errs.New("schema/view-definition", errs.CodeInvalid, errs.WithMessage("duplicate calculation configuration"), errs.WithTarget(name))
		}
		seen[name] = struct{}{}
	}
	if d.MinDeltaPeriod < 0 || d.MaxDeltaPeriod < 0 || d.MinFullPeriod < 0 || d.MaxFullPeriod < 0 {
		return errs.New("schema/view-definition", errs.CodeInvalid, errs.WithMessage("recomputation periods must be >= 0"), errs.WithTarget(d.Name))
	}
	if d.MaxDeltaPeriod > 0 && d.MinDeltaPeriod > d.MaxDeltaPeriod {
		return errs.New("schema/view-definition", errs.CodeInvalid, errs.WithMessage("minDeltaPeriod exceeds maxDeltaPeriod"), errs.WithTarget(d.Name))
	}
	if d.MaxFullPeriod > 0 && d.MinFullPeriod > d.MaxFullPeriod {
		return errs.New("schema/view-definition", errs.CodeInvalid, errs.WithMessage("minFullPeriod exceeds maxFullPeriod"), errs.WithTarget(d.Name))
	}
	return nil
}

// MarketDataKind distinguishes where a market data source gets its values.
type MarketDataKind string

const (
	// MarketDataLive ticks from a live source.
	MarketDataLive MarketDataKind = "live"
	// MarketDataHistorical replays values for a fixed date.
	MarketDataHistorical MarketDataKind = "historical"
	// MarketDataSnapshot reads a stored user snapshot.
	MarketDataSnapshot MarketDataKind = "snapshot"
)

// MarketDataSpecification selects one market data source.
type MarketDataSpecification struct {
	Kind   MarketDataKind `json:"kind"`
	Source string         `json:"source"`
	Date   time.Time      `json:"date,omitempty"`
}

func (s MarketDataSpecification) String() string {
	if s.Date.IsZero() {
		return string(s.Kind) + ":" + s.Source
	}
	return string(s.Kind) + ":" + s.Source + "@" + s.Date.UTC().Format("2006-01-02")
}

// EqualMarketData compares two ordered source lists.
func EqualMarketData(a, b []MarketDataSpecification) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Kind != b[i].Kind || a[i].Source != b[i].Source || !a[i].Date.Equal(b[i].Date) {
			return false
		}
	}
	return true
}
