package fake

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/vantage/errs"
	"github.com/coachpo/vantage/internal/app/compilation"
	"github.com/coachpo/vantage/internal/app/marketdata"
	"github.com/coachpo/vantage/internal/domain/depgraph"
	"github.com/coachpo/vantage/internal/domain/schema"
)

const (
	// ValueMarket is the raw value every security is priced from.
	ValueMarket = "Market_Value"
	// FunctionPV prices a position before the configured expiry.
	FunctionPV = "pv"
	// FunctionPVNext prices a position from the configured expiry on.
	FunctionPVNext = "pv.next"
	// FunctionSum aggregates a portfolio node.
	FunctionSum = "sum"
)

// Compiler builds small, predictable graphs: each position is priced by one
// function over its security's market value and each portfolio node sums its
// children. Specific requirements become a market data node and an alias.
type Compiler struct {
	resolver compilation.TargetResolver
	expiry   time.Time

	mu          sync.Mutex
	full        int
	incremental int
	added       int
	last        *compilation.IncrementalRequest
	failures    []error
}

// NewCompiler creates a compiler resolving targets through resolver. A
// non-zero expiry splits position pricing into two function windows.
func NewCompiler(resolver compilation.TargetResolver, expiry time.Time) *Compiler {
	return &Compiler{resolver: resolver, expiry: expiry}
}

// FailNext queues err to be returned by the next compilation.
func (c *Compiler) FailNext(err error) {
	c.mu.Lock()
	c.failures = append(c.failures, err)
	c.mu.Unlock()
}

// StaleNext makes the next compilation report a stale resolution of target.
func (c *Compiler) StaleNext(target *schema.ObjectID) {
	c.FailNext(&compilation.StaleResolutionError{Target: target})
}

// FullCalls counts full compilations.
func (c *Compiler) FullCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.full
}

// IncrementalCalls counts incremental compilations.
func (c *Compiler) IncrementalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.incremental
}

// Added returns the nodes created by the last compilation.
func (c *Compiler) Added() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.added
}

// LastIncremental returns the most recent incremental request.
func (c *Compiler) LastIncremental() *compilation.IncrementalRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Compiler) FullCompile(ctx context.Context, req compilation.CompileRequest) (*compilation.CompiledView, error) {
	c.mu.Lock()
	c.full++
	c.mu.Unlock()
	if err := c.failure(); err != nil {
		return nil, err
	}
	return c.build(ctx, req, nil, nil)
}

func (c *Compiler) IncrementalCompile(ctx context.Context, req compilation.IncrementalRequest) (*compilation.CompiledView, error) {
	c.mu.Lock()
	c.incremental++
	cp := req
	c.last = &cp
	c.mu.Unlock()
	if err := c.failure(); err != nil {
		return nil, err
	}
	return c.build(ctx, req.CompileRequest, req.PreviousGraphs, req.PreviousResolutions)
}

func (c *Compiler) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.failures) == 0 {
		return nil
	}
	err := c.failures[0]
	c.failures = c.failures[1:]
	return err
}

// Function returns the pricing function valid at t.
func (c *Compiler) Function(t time.Time) depgraph.FunctionRef {
	if c.expiry.IsZero() {
		return depgraph.FunctionRef{ID: FunctionPV}
	}
	if t.Before(c.expiry) {
		return depgraph.FunctionRef{ID: FunctionPV, ValidTo: c.expiry}
	}
	return depgraph.FunctionRef{ID: FunctionPVNext, ValidFrom: c.expiry}
}

type graphBuilder struct {
	g            *depgraph.Graph
	availability marketdata.AvailabilityProvider
	pricing      depgraph.FunctionRef
	added        int
}

func (c *Compiler) build(ctx context.Context, req compilation.CompileRequest, previous map[string]*depgraph.Graph, known map[schema.TargetReference]schema.UniqueID) (*compilation.CompiledView, error) {
	def := req.Definition
	resolutions := make(map[schema.TargetReference]schema.UniqueID, len(known))
	for ref, uid := range known {
		resolutions[ref] = uid
	}
	resolve := func(ref schema.TargetReference) (schema.UniqueID, bool, error) {
		if ref.Type == schema.TargetPrimitive {
			return ref.ObjectID.AtVersion(""), true, nil
		}
		if uid, ok := resolutions[ref]; ok {
			return uid, true, nil
		}
		found, err := c.resolver.Resolve(ctx, []schema.TargetReference{ref}, req.VersionCorrection)
		if err != nil {
			return schema.UniqueID{}, false, err
		}
		uid, ok := found[ref]
		if ok {
			resolutions[ref] = uid
		}
		return uid, ok, nil
	}

	var portfolio *schema.Portfolio
	if def.HasPortfolio() {
		p, err := c.resolver.Portfolio(ctx, def.PortfolioID, req.VersionCorrection)
		if err != nil {
			return nil, err
		}
		portfolio = p
		for _, target := range p.Targets() {
			resolutions[target.Reference()] = target.UniqueID
		}
	}

	pricing := c.Function(req.ValuationTime)
	graphs := make(map[string]*depgraph.Graph, len(def.CalcConfigs))
	added := 0
	for _, cfg := range def.CalcConfigs {
		g, ok := previous[cfg.Name]
		if !ok {
			g = depgraph.New(cfg.Name)
		}
		b := &graphBuilder{g: g, availability: req.Availability, pricing: pricing}
		for _, sr := range cfg.SpecificRequirements {
			uid, ok, err := resolve(sr.Target)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			b.specific(sr, schema.TargetSpecification{Type: sr.Target.Type, UniqueID: uid})
		}
		if portfolio != nil && portfolio.Root != nil {
			for _, output := range cfg.PortfolioOutputs {
				if _, err := b.node(output, portfolio.Root, resolve); err != nil {
					return nil, err
				}
			}
		}
		added += b.added
		if g.Len() > 0 {
			graphs[cfg.Name] = g
		}
	}
	if len(graphs) == 0 {
		return nil, errs.New("fake", errs.CodeCompilation, errs.WithMessage("no graph could be built"), errs.WithTarget(def.Name))
	}

	c.mu.Lock()
	c.added = added
	c.mu.Unlock()
	return &compilation.CompiledView{
		Graphs:              graphs,
		Portfolio:           portfolio,
		ValidFrom:           pricing.ValidFrom,
		ValidTo:             pricing.ValidTo,
		ResolvedIdentifiers: resolutions,
	}, nil
}

func (b *graphBuilder) marketData(req schema.ValueRequirement, target schema.TargetSpecification) (depgraph.NodeID, bool) {
	spec, ok := b.availability.Resolve(req)
	if !ok {
		return 0, false
	}
	if n, ok := b.g.Producer(spec); ok {
		return n.ID, true
	}
	b.added++
	return b.g.Add(depgraph.Node{
		Kind:        depgraph.KindMarketData,
		Target:      target,
		Outputs:     []schema.ValueSpecification{spec},
		Requirement: req,
	}), true
}

func (b *graphBuilder) specific(req schema.ValueRequirement, target schema.TargetSpecification) {
	spec := schema.ValueSpecification{Name: req.Name, Target: target, Properties: schema.NewProperties("alias", "specific")}
	if _, ok := b.g.Producer(spec); ok {
		return
	}
	source, ok := b.marketData(req, target)
	if !ok {
		return
	}
	b.added++
	b.g.Add(depgraph.Node{
		Kind:        depgraph.KindAlias,
		Target:      target,
		Inputs:      []depgraph.NodeID{source},
		Outputs:     []schema.ValueSpecification{spec},
		Requirement: req,
	})
	b.g.AddTerminal(spec, req)
}

type resolveFunc func(schema.TargetReference) (schema.UniqueID, bool, error)

func (b *graphBuilder) position(output string, pos schema.Position, resolve resolveFunc) (depgraph.NodeID, bool, error) {
	target := schema.TargetSpecification{Type: schema.TargetPosition, UniqueID: pos.ID}
	spec := schema.ValueSpecification{Name: output, Target: target, Properties: schema.NewProperties("function", b.pricing.ID)}
	if n, ok := b.g.Producer(spec); ok {
		return n.ID, true, nil
	}
	ref := schema.TargetReference{Type: schema.TargetSecurity, ObjectID: schema.ObjectID{Scheme: "Ticker", Value: pos.SecurityKey}}
	security, ok, err := resolve(ref)
	if err != nil || !ok {
		return 0, false, err
	}
	md, ok := b.marketData(schema.ValueRequirement{Name: ValueMarket, Target: ref}, schema.TargetSpecification{Type: schema.TargetSecurity, UniqueID: security})
	if !ok {
		return 0, false, nil
	}
	b.added++
	id := b.g.Add(depgraph.Node{
		Kind:     depgraph.KindFunction,
		Function: b.pricing,
		Target:   target,
		Inputs:   []depgraph.NodeID{md},
		Outputs:  []schema.ValueSpecification{spec},
	})
	b.g.AddTerminal(spec, schema.ValueRequirement{Name: output, Target: target.Reference()})
	return id, true, nil
}

func (b *graphBuilder) node(output string, n *schema.PortfolioNode, resolve resolveFunc) (depgraph.NodeID, error) {
	target := schema.TargetSpecification{Type: schema.TargetPortfolioNode, UniqueID: n.ID}
	spec := schema.ValueSpecification{Name: output, Target: target, Properties: schema.NewProperties("function", FunctionSum)}
	if existing, ok := b.g.Producer(spec); ok {
		return existing.ID, nil
	}
	var inputs []depgraph.NodeID
	for _, child := range n.Children {
		id, err := b.node(output, child, resolve)
		if err != nil {
			return 0, err
		}
		inputs = append(inputs, id)
	}
	for _, pos := range n.Positions {
		id, ok, err := b.position(output, pos, resolve)
		if err != nil {
			return 0, err
		}
		if ok {
			inputs = append(inputs, id)
		}
	}
	b.added++
	id := b.g.Add(depgraph.Node{
		Kind:     depgraph.KindFunction,
		Function: depgraph.FunctionRef{ID: FunctionSum},
		Target:   target,
		Inputs:   inputs,
		Outputs:  []schema.ValueSpecification{spec},
	})
	b.g.AddTerminal(spec, schema.ValueRequirement{Name: output, Target: target.Reference()})
	return id, nil
}
