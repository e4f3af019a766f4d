package compilation_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/vantage/internal/app/compilation"
	"github.com/coachpo/vantage/internal/domain/schema"
	"github.com/coachpo/vantage/internal/infra/adapters/fake"
)

func TestCacheKeyFingerprintsInputs(t *testing.T) {
	def := &schema.ViewDefinition{
		ID:          schema.UniqueID{Scheme: "View", Value: "risk", Version: "1"},
		Name:        "risk",
		CalcConfigs: []schema.CalcConfig{{Name: "Default", PortfolioOutputs: []string{"PV"}}},
	}
	a, err := compilation.NewCacheKey(def, "bbg#0", "")
	require.NoError(t, err)
	require.Len(t, string(a), 64)
	require.Len(t, a.Short(), 12)

	same, err := compilation.NewCacheKey(def, "bbg#0", "")
	require.NoError(t, err)
	require.Equal(t, a, same)

	otherSource, err := compilation.NewCacheKey(def, "bbg#1", "")
	require.NoError(t, err)
	require.NotEqual(t, a, otherSource)

	shocked, err := compilation.NewCacheKey(def, "bbg#0", "shift+1bp")
	require.NoError(t, err)
	require.NotEqual(t, a, shocked)

	_, err = compilation.NewCacheKey(nil, "bbg#0", "")
	require.Error(t, err)
}

func TestMemoryCachePublishAndDiscard(t *testing.T) {
	cache := compilation.NewMemoryCache()
	_, ok := cache.Get("k")
	require.False(t, ok)

	view := &compilation.CompiledView{ID: "v1"}
	cache.Put("k", view)
	cache.Put("k2", nil)
	got, ok := cache.Get("k")
	require.True(t, ok)
	require.Same(t, view, got)
	require.Equal(t, 1, cache.Len())
	require.Same(t, view, cache.Locks("k").Current())

	cache.Discard("k")
	_, ok = cache.Get("k")
	require.False(t, ok)
	require.Zero(t, cache.Len())
}

func TestVersionLockIsStablePerVersionCorrection(t *testing.T) {
	cache := compilation.NewMemoryCache()
	vc := schema.VersionCorrectionAt(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	require.Same(t, cache.VersionLock(vc), cache.VersionLock(vc))
	require.Same(t, cache.VersionLock(schema.Latest), cache.VersionLock(schema.VersionCorrection{}))
}

type blockingResolver struct {
	*fake.Resolver
	calls   atomic.Int32
	release chan struct{}
}

func (r *blockingResolver) Resolve(ctx context.Context, refs []schema.TargetReference, vc schema.VersionCorrection) (map[schema.TargetReference]schema.UniqueID, error) {
	r.calls.Add(1)
	<-r.release
	return r.Resolver.Resolve(ctx, refs, vc)
}

func TestSharedResolverCollapsesConcurrentLookups(t *testing.T) {
	inner := &blockingResolver{Resolver: fake.NewResolver(nil), release: make(chan struct{})}
	inner.PutSecurity("AAPL", "1")
	shared := compilation.NewSharedResolver(inner)
	refs := []schema.TargetReference{aaplRef}

	const callers = 4
	var wg sync.WaitGroup
	results := make([]map[schema.TargetReference]schema.UniqueID, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := shared.Resolve(context.Background(), refs, schema.Latest)
			require.NoError(t, err)
			results[i] = out
		}(i)
	}
	require.Eventually(t, func() bool { return inner.calls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(inner.release)
	wg.Wait()

	require.LessOrEqual(t, int(inner.calls.Load()), callers)
	for _, out := range results {
		require.Equal(t, "1", out[aaplRef].Version)
	}
	// callers own their copy
	results[0][aaplRef] = schema.UniqueID{}
	require.Equal(t, "1", results[1][aaplRef].Version)
}
