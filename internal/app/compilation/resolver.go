package compilation

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/coachpo/vantage/internal/domain/schema"
)

// TargetResolver resolves target references at a version-correction.
type TargetResolver interface {
	// Resolve returns the unique id each reference resolves to; references
	// that no longer resolve are absent from the result.
	Resolve(ctx context.Context, refs []schema.TargetReference, vc schema.VersionCorrection) (map[schema.TargetReference]schema.UniqueID, error)
	// Portfolio loads the portfolio structure.
	Portfolio(ctx context.Context, id schema.ObjectID, vc schema.VersionCorrection) (*schema.Portfolio, error)
	// Watch delivers the object ids of changed entities until cancel is called.
	Watch(fn func(changed []schema.ObjectID)) (cancel func())
}

// SharedResolver collapses identical concurrent lookups from several workers
// into one call to the underlying resolver.
type SharedResolver struct {
	inner TargetResolver
	group singleflight.Group
}

// NewSharedResolver wraps inner.
func NewSharedResolver(inner TargetResolver) *SharedResolver {
	return &SharedResolver{inner: inner}
}

// Resolve delegates, sharing the result of an identical in-flight call.
func (r *SharedResolver) Resolve(ctx context.Context, refs []schema.TargetReference, vc schema.VersionCorrection) (map[schema.TargetReference]schema.UniqueID, error) {
	v, err, _ := r.group.Do(resolveKey(refs, vc), func() (any, error) {
		return r.inner.Resolve(ctx, refs, vc)
	})
	if err != nil {
		return nil, err
	}
	shared := v.(map[schema.TargetReference]schema.UniqueID)
	out := make(map[schema.TargetReference]schema.UniqueID, len(shared))
	for k, uid := range shared {
		out[k] = uid
	}
	return out, nil
}

// Portfolio delegates, sharing an identical in-flight load.
func (r *SharedResolver) Portfolio(ctx context.Context, id schema.ObjectID, vc schema.VersionCorrection) (*schema.Portfolio, error) {
	v, err, _ := r.group.Do("portfolio|"+id.String()+"|"+vc.String(), func() (any, error) {
		return r.inner.Portfolio(ctx, id, vc)
	})
	if err != nil {
		return nil, err
	}
	return v.(*schema.Portfolio), nil
}

// Watch delegates.
func (r *SharedResolver) Watch(fn func(changed []schema.ObjectID)) func() {
	return r.inner.Watch(fn)
}

func resolveKey(refs []schema.TargetReference, vc schema.VersionCorrection) string {
	parts := make([]string, 0, len(refs)+1)
	for _, ref := range refs {
		parts = append(parts, ref.String())
	}
	sort.Strings(parts)
	parts = append(parts, vc.String())
	return "resolve|" + strings.Join(parts, ",")
}
