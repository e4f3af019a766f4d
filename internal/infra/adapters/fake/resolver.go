package fake

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/vantage/errs"
	"github.com/coachpo/vantage/internal/domain/schema"
)

type revision struct {
	at  time.Time
	uid schema.UniqueID
}

type portfolioRevision struct {
	at        time.Time
	portfolio *schema.Portfolio
}

// Resolver is a versioned in-memory target store. Every write is stamped with
// the clock so version-corrections resolve against history.
type Resolver struct {
	clock func() time.Time

	mu         sync.RWMutex
	entities   map[schema.ObjectID][]revision
	portfolios map[schema.ObjectID][]portfolioRevision
	watchers   map[int]func([]schema.ObjectID)
	nextWatch  int

	resolves atomic.Int64
}

// NewResolver creates an empty store; a nil clock uses time.Now.
func NewResolver(clock func() time.Time) *Resolver {
	if clock == nil {
		clock = time.Now
	}
	return &Resolver{
		clock:      clock,
		entities:   make(map[schema.ObjectID][]revision),
		portfolios: make(map[schema.ObjectID][]portfolioRevision),
		watchers:   make(map[int]func([]schema.ObjectID)),
	}
}

// Put records a new revision of uid's object.
func (r *Resolver) Put(uid schema.UniqueID) {
	r.mu.Lock()
	changed := r.putLocked(uid)
	r.mu.Unlock()
	if changed {
		r.notify([]schema.ObjectID{uid.ObjectID()})
	}
}

// PutSecurity records a ticker at version.
func (r *Resolver) PutSecurity(ticker, version string) schema.UniqueID {
	uid := schema.UniqueID{Scheme: "Ticker", Value: ticker, Version: version}
	r.Put(uid)
	return uid
}

// PutPortfolio records the portfolio structure and every element in it.
func (r *Resolver) PutPortfolio(p *schema.Portfolio) {
	var changed []schema.ObjectID
	r.mu.Lock()
	oid := p.ID.ObjectID()
	r.portfolios[oid] = append(r.portfolios[oid], portfolioRevision{at: r.clock(), portfolio: p})
	for _, target := range p.Targets() {
		if r.putLocked(target.UniqueID) {
			changed = append(changed, target.UniqueID.ObjectID())
		}
	}
	r.mu.Unlock()
	if len(changed) > 0 {
		r.notify(changed)
	}
}

func (r *Resolver) putLocked(uid schema.UniqueID) bool {
	oid := uid.ObjectID()
	revs := r.entities[oid]
	if n := len(revs); n > 0 && revs[n-1].uid == uid {
		return false
	}
	r.entities[oid] = append(revs, revision{at: r.clock(), uid: uid})
	return true
}

// Resolve returns each reference's unique id as of vc.
func (r *Resolver) Resolve(ctx context.Context, refs []schema.TargetReference, vc schema.VersionCorrection) (map[schema.TargetReference]schema.UniqueID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.resolves.Add(1)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[schema.TargetReference]schema.UniqueID, len(refs))
	for _, ref := range refs {
		revs := r.entities[ref.ObjectID]
		for i := len(revs) - 1; i >= 0; i-- {
			if visibleAt(revs[i].at, vc) {
				out[ref] = revs[i].uid
				break
			}
		}
	}
	return out, nil
}

// Portfolio returns the portfolio structure as of vc.
func (r *Resolver) Portfolio(ctx context.Context, id schema.ObjectID, vc schema.VersionCorrection) (*schema.Portfolio, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	revs := r.portfolios[id]
	for i := len(revs) - 1; i >= 0; i-- {
		if visibleAt(revs[i].at, vc) {
			return revs[i].portfolio, nil
		}
	}
	return nil, errs.New("fake", errs.CodeNotFound, errs.WithMessage("portfolio not found"), errs.WithTarget(id.String()))
}

// Watch registers fn for change notifications.
func (r *Resolver) Watch(fn func([]schema.ObjectID)) func() {
	r.mu.Lock()
	id := r.nextWatch
	r.nextWatch++
	r.watchers[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.watchers, id)
		r.mu.Unlock()
	}
}

// Watchers counts registered change listeners.
func (r *Resolver) Watchers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.watchers)
}

// Resolves counts Resolve calls.
func (r *Resolver) Resolves() int { return int(r.resolves.Load()) }

func (r *Resolver) notify(changed []schema.ObjectID) {
	sort.Slice(changed, func(i, j int) bool { return changed[i].String() < changed[j].String() })
	r.mu.RLock()
	fns := make([]func([]schema.ObjectID), 0, len(r.watchers))
	for _, fn := range r.watchers {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(changed)
	}
}

func visibleAt(at time.Time, vc schema.VersionCorrection) bool {
	return vc.VersionAsOf.IsZero() || !at.After(vc.VersionAsOf)
}
