package compilation

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/vantage/errs"
	"github.com/coachpo/vantage/internal/app/marketdata"
	"github.com/coachpo/vantage/internal/domain/depgraph"
	"github.com/coachpo/vantage/internal/domain/schema"
	"github.com/coachpo/vantage/internal/infra/telemetry"
)

// marketDataBatch is the number of market data nodes checked per pool task.
const marketDataBatch = 32

// Request asks for a compiled view for one cycle.
type Request struct {
	Definition        *schema.ViewDefinition
	ValuationTime     time.Time
	VersionCorrection schema.VersionCorrection
	Availability      marketdata.AvailabilityProvider
	// MarketDataDirty is set when the provider changed since the last request.
	MarketDataDirty bool
	// Force skips every reuse and compiles from scratch.
	Force bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the session logger.
func WithLogger(log zerolog.Logger) SessionOption {
	return func(s *Session) {
		s.log = log.With().Str("component", "compilation").Logger()
	}
}

// WithManipulation sets the manipulation fingerprint folded into cache keys.
func WithManipulation(fingerprint string) SessionOption {
	return func(s *Session) {
		s.manipulation = fingerprint
	}
}

// WithFunctionInitID supplies the function repository generation; a change
// invalidates every previous graph.
func WithFunctionInitID(fn func() int64) SessionOption {
	return func(s *Session) {
		if fn != nil {
			s.functionInitID = fn
		}
	}
}

// WithChangeListener is called when a watched target changes.
func WithChangeListener(fn func()) SessionOption {
	return func(s *Session) {
		s.onChange = fn
	}
}

// Session is one worker's view onto the shared cache. It remembers the
// worker's latest compilation and is not safe for concurrent use.
type Session struct {
	log            zerolog.Logger
	cache          *MemoryCache
	compiler       GraphCompiler
	resolver       TargetResolver
	manipulation   string
	functionInitID func() int64
	onChange       func()
	metrics        *compileMetrics

	key     CacheKey
	latest  *CompiledView
	tracker *changeTracker
}

// NewSession creates a session over the shared cache.
func NewSession(cache *MemoryCache, compiler GraphCompiler, resolver TargetResolver, opts ...SessionOption) *Session {
	s := &Session{
		log:            zerolog.Nop(),
		cache:          cache,
		compiler:       compiler,
		resolver:       resolver,
		functionInitID: func() int64 { return 0 },
		metrics:        newCompileMetrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Latest returns the most recent view obtained through the session.
func (s *Session) Latest() *CompiledView { return s.latest }

// Key returns the cache key of the last request.
func (s *Session) Key() CacheKey { return s.key }

// Reset forgets the latest compilation after a view definition change.
func (s *Session) Reset() { s.latest = nil }

// TrackChanges enables or disables resolver change tracking. While enabled
// only targets reported as changed are re-resolved on a version-correction
// change.
func (s *Session) TrackChanges(enabled bool) {
	switch {
	case enabled && s.tracker == nil:
		s.tracker = newChangeTracker(s.resolver, s.onChange)
	case !enabled && s.tracker != nil:
		s.tracker.close()
		s.tracker = nil
	}
}

// Close releases the change subscription.
func (s *Session) Close() { s.TrackChanges(false) }

// GetOrCompile returns a compiled view for the request, reusing the cached
// compilation where it is still valid and recompiling only invalid parts.
func (s *Session) GetOrCompile(ctx context.Context, req Request) (*CompiledView, error) {
	if req.Definition == nil {
		return nil, errs.New("compilation", errs.CodeInvalid, errs.WithMessage("view definition required"))
	}
	if req.Availability == nil {
		return nil, errs.New("compilation", errs.CodeMarketData, errs.WithCause(ErrNoAvailability))
	}
	key, err := NewCacheKey(req.Definition, req.Availability.Fingerprint(), s.manipulation)
	if err != nil {
		return nil, err
	}
	if key != s.key {
		s.log.Debug().Str("key", key.Short()).Str("view", req.Definition.Name).Msg("execution cache key changed")
		s.key = key
	}
	if view, ok := s.lookup(ctx, key, req); ok {
		return view, nil
	}

	start := time.Now()
	view, kind, err := s.getOrCompile(ctx, key, req, nil)
	var stale *StaleResolutionError
	if errors.As(err, &stale) {
		retry := req
		var dirty map[schema.ObjectID]struct{}
		if stale.Target != nil {
			s.log.Info().Str("target", stale.Target.String()).Msg("resolution changed during compilation; retrying with target invalidated")
			dirty = map[schema.ObjectID]struct{}{*stale.Target: {}}
		} else {
			s.log.Info().Msg("resolution changed during compilation; forcing full rebuild")
			retry.Force = true
		}
		view, kind, err = s.getOrCompile(ctx, key, retry, dirty)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errs.New("compilation", errs.CodeTerminated, errs.WithCause(ctxErr))
		}
		code := errs.CodeCompilation
		if errors.As(err, &stale) {
			code = errs.CodeStaleResolution
		}
		return nil, errs.New("compilation", code,
			errs.WithMessage("compile view definition"),
			errs.WithTarget(req.Definition.Name),
			errs.WithField("valuationTime", req.ValuationTime.UTC().Format(time.RFC3339Nano)),
			errs.WithCause(err))
	}
	s.metrics.record(ctx, req.Definition.Name, kind, time.Since(start))
	return view, nil
}

// Lookup returns the published view when it serves req unchanged. It reads
// under the key's use lock only, so it never waits behind a compile.
func (s *Session) Lookup(ctx context.Context, req Request) (*CompiledView, bool) {
	if req.Definition == nil || req.Availability == nil {
		return nil, false
	}
	key, err := NewCacheKey(req.Definition, req.Availability.Fingerprint(), s.manipulation)
	if err != nil {
		return nil, false
	}
	view, ok := s.lookup(ctx, key, req)
	if ok {
		s.key = key
	}
	return view, ok
}

func (s *Session) lookup(ctx context.Context, key CacheKey, req Request) (*CompiledView, bool) {
	if req.Force || req.MarketDataDirty {
		return nil, false
	}
	cached := s.cache.Locks(key).Current()
	if !reusable(cached, req, s.functionInitID()) {
		return nil, false
	}
	s.cache.metrics.hit()
	s.latest = cached
	s.metrics.record(ctx, req.Definition.Name, telemetry.CompileCached, 0)
	return cached, true
}

func reusable(cached *CompiledView, req Request, initID int64) bool {
	return cached != nil &&
		cached.FunctionInitID == initID &&
		cached.Definition != nil && cached.Definition.ID == req.Definition.ID &&
		cached.ResolverVersionCorrection.Equal(req.VersionCorrection) &&
		cached.IsValidFor(req.ValuationTime)
}

func (s *Session) getOrCompile(ctx context.Context, key CacheKey, req Request, dirty map[schema.ObjectID]struct{}) (*CompiledView, string, error) {
	locks := s.cache.Locks(key)
	locks.LockCompile()
	defer locks.UnlockCompile()

	initID := s.functionInitID()
	if req.Force {
		view, err := s.fullCompile(ctx, key, req, initID)
		return view, telemetry.CompileFull, err
	}
	cached, ok := s.cache.Get(key)
	if !ok {
		cached = s.latest
	}
	if cached == nil || cached.FunctionInitID != initID || cached.Definition == nil || cached.Definition.ID != req.Definition.ID {
		view, err := s.fullCompile(ctx, key, req, initID)
		return view, telemetry.CompileFull, err
	}

	sameVC := cached.ResolverVersionCorrection.Equal(req.VersionCorrection)
	if len(dirty) == 0 && !req.MarketDataDirty && reusable(cached, req, initID) {
		s.latest = cached
		return cached, telemetry.CompileCached, nil
	}

	w := newWorkspace(cached, s.log)
	var (
		previousResolutions map[schema.TargetReference]schema.UniqueID
		changedPositions    []schema.UniqueID
		unchanged           map[schema.UniqueID]struct{}
		portfolio           = cached.Portfolio
	)
	if !sameVC || len(dirty) > 0 {
		invalid, err := s.invalidIdentifiers(ctx, cached.ResolvedIdentifiers, req.VersionCorrection, dirty)
		if err != nil {
			return nil, "", err
		}
		if len(invalid) > 0 {
			w.touch()
			var mapping map[schema.UniqueID]schema.UniqueID
			if cached.Portfolio != nil {
				if _, ok := invalid[cached.Portfolio.ID]; ok {
					next, err := s.resolver.Portfolio(ctx, cached.Portfolio.ID.ObjectID(), req.VersionCorrection)
					if err != nil {
						return nil, "", err
					}
					mapping = schema.EquivalenceMapping(cached.Portfolio, next)
					w.removePortfolioTerminals(req.Definition, mapping)
					w.filter("unmapped portfolio targets", depgraph.UnmappedPortfolioTargets(mapping))
					w.rewrite(mapping)
					portfolio = next
					unchanged = make(map[schema.UniqueID]struct{}, len(mapping))
					for _, to := range mapping {
						unchanged[to] = struct{}{}
					}
				}
			}
			ids := make(map[schema.UniqueID]struct{}, len(invalid))
			for uid := range invalid {
				ids[uid] = struct{}{}
			}
			w.filter("invalid targets", depgraph.OnTargets(ids))

			previousResolutions = make(map[schema.TargetReference]schema.UniqueID, len(cached.ResolvedIdentifiers))
			for ref, uid := range cached.ResolvedIdentifiers {
				next, bad := invalid[uid]
				if !bad {
					previousResolutions[ref] = uid
					continue
				}
				if mapping != nil {
					if to, ok := mapping[uid]; ok {
						previousResolutions[ref] = to
					}
					continue
				}
				if ref.Type == schema.TargetPosition && !next.IsZero() {
					changedPositions = append(changedPositions, next)
				}
			}
		}
	}
	if !cached.IsValidFor(req.ValuationTime) {
		w.touch()
		w.filter("invalid functions", depgraph.InvalidFunctionAt(req.ValuationTime))
	}
	if req.MarketDataDirty {
		if bad := s.invalidMarketData(w.current(), req.Availability); len(bad) > 0 {
			w.touch()
			w.pruneNodes("invalid market data", bad)
		}
	}

	if !w.touched() {
		if sameVC {
			s.latest = cached
			return cached, telemetry.CompileCached, nil
		}
		relabelled := cached.relabel(req.VersionCorrection)
		s.publish(key, relabelled)
		return relabelled, telemetry.CompileRelabel, nil
	}
	if len(w.graphs) == 0 {
		s.log.Info().Str("view", req.Definition.Name).Msg("no usable graph remains; performing full graph compilation")
		view, err := s.fullCompile(ctx, key, req, initID)
		return view, telemetry.CompileFull, err
	}
	if previousResolutions == nil {
		previousResolutions = make(map[schema.TargetReference]schema.UniqueID, len(cached.ResolvedIdentifiers))
		for ref, uid := range cached.ResolvedIdentifiers {
			previousResolutions[ref] = uid
		}
	}
	sort.Slice(changedPositions, func(i, j int) bool { return changedPositions[i].String() < changedPositions[j].String() })

	s.log.Info().Str("view", req.Definition.Name).Bool("portfolio", unchanged != nil).Msg("performing incremental graph compilation")
	view, err := s.compiler.IncrementalCompile(ctx, IncrementalRequest{
		CompileRequest:      compileRequest(req),
		PreviousGraphs:      w.graphs,
		Missing:             w.missing,
		PreviousResolutions: previousResolutions,
		Portfolio:           portfolio,
		ChangedPositions:    changedPositions,
		UnchangedNodes:      unchanged,
	})
	if err != nil {
		return nil, "", err
	}
	s.stamp(view, req, initID)
	s.publish(key, view)
	return view, telemetry.CompileIncremental, nil
}

func (s *Session) fullCompile(ctx context.Context, key CacheKey, req Request, initID int64) (*CompiledView, error) {
	s.log.Info().Str("view", req.Definition.Name).Msg("performing full graph compilation")
	view, err := s.compiler.FullCompile(ctx, compileRequest(req))
	if err != nil {
		return nil, err
	}
	s.stamp(view, req, initID)
	s.publish(key, view)
	return view, nil
}

func compileRequest(req Request) CompileRequest {
	return CompileRequest{
		Definition:        req.Definition,
		ValuationTime:     req.ValuationTime,
		VersionCorrection: req.VersionCorrection,
		Availability:      req.Availability,
	}
}

func (s *Session) stamp(view *CompiledView, req Request, initID int64) {
	view.ID = uuid.NewString()
	view.Definition = req.Definition
	view.ResolverVersionCorrection = req.VersionCorrection
	view.FunctionInitID = initID
}

func (s *Session) publish(key CacheKey, view *CompiledView) {
	s.cache.Put(key, view)
	s.latest = view
	if s.tracker != nil {
		s.tracker.require(view.ObjectIDs())
	}
}

// invalidIdentifiers maps each previously resolved unique id that now resolves
// differently to its new resolution; the zero id means it no longer resolves.
func (s *Session) invalidIdentifiers(ctx context.Context, resolutions map[schema.TargetReference]schema.UniqueID, vc schema.VersionCorrection, dirty map[schema.ObjectID]struct{}) (map[schema.UniqueID]schema.UniqueID, error) {
	var check map[schema.TargetReference]struct{}
	if s.tracker != nil {
		check = s.tracker.toCheck(resolutions)
	} else {
		check = make(map[schema.TargetReference]struct{}, len(resolutions))
		for ref := range resolutions {
			check[ref] = struct{}{}
		}
	}
	for ref, uid := range resolutions {
		if _, ok := dirty[uid.ObjectID()]; ok {
			check[ref] = struct{}{}
		}
	}
	if len(check) == 0 {
		s.log.Debug().Int("resolutions", len(resolutions)).Msg("no resolutions to check")
		return nil, nil
	}
	refs := make([]schema.TargetReference, 0, len(check))
	for ref := range check {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })

	start := time.Now()
	resolved, err := s.resolver.Resolve(ctx, refs, vc)
	if err != nil {
		return nil, err
	}
	invalid := make(map[schema.UniqueID]schema.UniqueID)
	for _, ref := range refs {
		previous := resolutions[ref]
		next, ok := resolved[ref]
		if ok && next == previous {
			continue
		}
		s.log.Info().Str("target", ref.String()).Str("previous", previous.String()).Str("next", next.String()).Msg("new resolution")
		invalid[previous] = next
	}
	s.log.Debug().Int("checked", len(refs)).Int("of", len(resolutions)).Dur("elapsed", time.Since(start)).Msg("resolutions checked")
	return invalid, nil
}

// invalidMarketData finds market data nodes whose requirement no longer
// resolves to the value they source. An alias is checked against the node it
// ultimately reads from, and a mismatch invalidates that source. Batches are
// checked on a pool.
func (s *Session) invalidMarketData(graphs map[string]*depgraph.Graph, availability marketdata.AvailabilityProvider) map[string][]depgraph.NodeID {
	type sourced struct {
		req    schema.ValueRequirement
		source *depgraph.Node
	}
	type invalidNode struct {
		graph string
		id    depgraph.NodeID
	}
	p := pool.NewWithResults[[]invalidNode]().WithMaxGoroutines(runtime.GOMAXPROCS(0))
	for name, g := range graphs {
		var batch []sourced
		flush := func() {
			items := batch
			batch = nil
			p.Go(func() []invalidNode {
				var out []invalidNode
				for _, item := range items {
					spec, ok := availability.Resolve(item.req)
					if !ok || !producesSpec(item.source, spec) {
						out = append(out, invalidNode{graph: name, id: item.source.ID})
					}
				}
				return out
			})
		}
		for _, n := range g.Nodes() {
			switch n.Kind {
			case depgraph.KindMarketData:
				batch = append(batch, sourced{req: n.Requirement, source: n})
			case depgraph.KindAlias:
				if n.Requirement.Name == "" {
					continue
				}
				src, ok := g.SourceOf(n.ID)
				if !ok || src.Kind != depgraph.KindMarketData {
					continue
				}
				batch = append(batch, sourced{req: n.Requirement, source: src})
			default:
				continue
			}
			if len(batch) == marketDataBatch {
				flush()
			}
		}
		if len(batch) > 0 {
			flush()
		}
	}
	out := make(map[string][]depgraph.NodeID)
	for _, found := range p.Wait() {
		for _, n := range found {
			out[n.graph] = append(out[n.graph], n.id)
		}
	}
	return out
}

func producesSpec(n *depgraph.Node, spec schema.ValueSpecification) bool {
	for _, out := range n.Outputs {
		if out == spec {
			return true
		}
	}
	return false
}
