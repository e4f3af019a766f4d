package compilation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coachpo/vantage/internal/app/marketdata"
	"github.com/coachpo/vantage/internal/domain/depgraph"
	"github.com/coachpo/vantage/internal/domain/schema"
)

// CompileRequest carries what every compilation needs.
type CompileRequest struct {
	Definition        *schema.ViewDefinition
	ValuationTime     time.Time
	VersionCorrection schema.VersionCorrection
	Availability      marketdata.AvailabilityProvider
}

// IncrementalRequest seeds a compilation with pruned previous graphs.
type IncrementalRequest struct {
	CompileRequest
	// PreviousGraphs are private copies the compiler may extend in place.
	PreviousGraphs map[string]*depgraph.Graph
	// Missing lists, per calculation configuration, terminal requirements
	// whose producers were pruned.
	Missing map[string][]schema.ValueRequirement
	// PreviousResolutions are the resolutions still known to be valid.
	PreviousResolutions map[schema.TargetReference]schema.UniqueID
	// Portfolio is the current portfolio structure when it was reloaded.
	Portfolio *schema.Portfolio
	// ChangedPositions are the new ids of positions that resolved differently.
	ChangedPositions []schema.UniqueID
	// UnchangedNodes are portfolio elements remapped to an equivalent new id.
	UnchangedNodes map[schema.UniqueID]struct{}
}

// GraphCompiler builds dependency graphs for a view definition.
type GraphCompiler interface {
	FullCompile(ctx context.Context, req CompileRequest) (*CompiledView, error)
	IncrementalCompile(ctx context.Context, req IncrementalRequest) (*CompiledView, error)
}

// StaleResolutionError reports that a resolution changed while compiling.
// Target is nil when the compiler cannot tell which object changed.
type StaleResolutionError struct {
	Target *schema.ObjectID
}

func (e *StaleResolutionError) Error() string {
	if e.Target == nil {
		return "resolution changed during compilation"
	}
	return fmt.Sprintf("resolution of %s changed during compilation", e.Target)
}

// ErrNoAvailability is returned when no market data provider is attached.
var ErrNoAvailability = errors.New("compilation: no market data availability provider")
