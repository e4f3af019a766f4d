package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/vantage/internal/app/compilation"
	"github.com/coachpo/vantage/internal/app/worker"
	"github.com/coachpo/vantage/internal/domain/schema"
	"github.com/coachpo/vantage/internal/infra/adapters/fake"
	"github.com/coachpo/vantage/internal/infra/config"
)

func TestDemoViewModes(t *testing.T) {
	opts, def, err := demoView(runOptions{mode: modeLive}, 5)
	require.NoError(t, err)
	require.NoError(t, def.Validate())
	require.Equal(t, -1, opts.Sequence.EstimatedRemaining())
	require.True(t, opts.Flags.Has(schema.FlagTriggerOnMarketDataChanged))
	require.Equal(t, 5, opts.MaxSuccessiveDeltaCycles)

	opts, _, err = demoView(runOptions{mode: modeBatch, days: 3}, 0)
	require.NoError(t, err)
	require.Equal(t, 3, opts.Sequence.EstimatedRemaining())
	require.True(t, opts.Flags.Has(schema.FlagRunAsFastAsPossible))

	first, ok := opts.Sequence.Copy().Poll(schema.CycleOptions{})
	require.True(t, ok)
	require.Len(t, first.MarketData, 1)
	require.Equal(t, schema.MarketDataHistorical, first.MarketData[0].Kind)
}

func TestDemoViewRejectsBadInput(t *testing.T) {
	_, _, err := demoView(runOptions{mode: "replay"}, 0)
	require.ErrorContains(t, err, "unknown mode")

	_, _, err = demoView(runOptions{mode: modeBatch}, 0)
	require.ErrorContains(t, err, "positive day count")
}

func TestFactoryLayersShareOneResolver(t *testing.T) {
	store := fake.NewResolver(time.Now)
	seedPortfolio(store)
	resolver := compilation.NewSharedResolver(store)
	cfg := config.Default()

	factory := newFactory(cfg, worker.PolicyDeferred, worker.Services{Resolver: resolver}, zerolog.Nop())
	parallel, ok := factory.Delegate.(worker.ParallelFactory)
	require.True(t, ok)
	require.Same(t, resolver, parallel.Resolver)
	single, ok := parallel.Delegate.(worker.SingleFactory)
	require.True(t, ok)
	require.Same(t, resolver, single.Services.Resolver)
	require.Equal(t, worker.PolicyDeferred, parallel.Policy)
	require.Equal(t, cfg.Partition, factory.Config)
}

func TestRunBatchCompletes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := config.Default()
	cfg.Partition.Saturation = 2
	cfg.Partition.MaxBatch = 3

	stats, err := run(ctx, cfg, runOptions{mode: modeBatch, days: 6, tick: time.Hour}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, ctx.Err(), "batch run should finish before the deadline")
	require.EqualValues(t, 6, stats.cycles.Load())
	require.Zero(t, stats.failures.Load())
}

func TestRunLiveStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := config.Default()

	go func() {
		time.Sleep(time.Second)
		cancel()
	}()
	stats, err := run(ctx, cfg, runOptions{mode: modeLive, tick: 20 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)
	require.GreaterOrEqual(t, stats.cycles.Load(), int64(1))
}
