// Command viewproc runs a demo risk view against synthetic market data.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/vantage/internal/app/compilation"
	"github.com/coachpo/vantage/internal/app/worker"
	"github.com/coachpo/vantage/internal/domain/schema"
	"github.com/coachpo/vantage/internal/infra/adapters/fake"
	"github.com/coachpo/vantage/internal/infra/bus/eventbus"
	"github.com/coachpo/vantage/internal/infra/config"
	"github.com/coachpo/vantage/internal/infra/telemetry"
	"github.com/coachpo/vantage/lib/async"
	"github.com/coachpo/vantage/lib/logger"
	otel "github.com/coachpo/vantage/lib/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	modeLive                 = "live"
	modeBatch                = "batch"
	workerShutdownTimeout    = 10 * time.Second
	poolShutdownTimeout      = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

type runOptions struct {
	mode string
	days int
	tick time.Duration
}

func main() {
	cfgPath, opts := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	appCfg, err := config.LoadOrDefault(ctx, cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(logger.Config{Level: appCfg.Logging.Level, Format: appCfg.Logging.Format}, os.Stdout)
	logger.SetGlobal(log)
	log.Info().Str("environment", string(appCfg.Environment)).Str("mode", opts.mode).Msg("configuration initialised")

	telemetry.SetEnvironment(string(appCfg.Environment))
	_, shutdownTelemetry, err := otel.Init(ctx, appCfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("initialise telemetry")
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer shutdownCancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	stats, err := run(ctx, appCfg, opts, log)
	if err != nil {
		log.Error().Err(err).Msg("view processor stopped")
		return
	}
	log.Info().Int64("cycles", stats.cycles.Load()).Int64("failures", stats.failures.Load()).Msg("view processor stopped")
}

func parseFlags() (string, runOptions) {
	cfgPath := flag.String("config", defaultConfigPath, "Path to application configuration file")
	mode := flag.String("mode", modeLive, "live: tick forever; batch: value the portfolio over past days")
	days := flag.Int("days", 30, "Number of daily valuations in batch mode")
	tick := flag.Duration("tick", time.Second, "Synthetic market data tick interval")
	flag.Parse()
	return *cfgPath, runOptions{mode: *mode, days: *days, tick: *tick}
}

// run starts one view and blocks until its sequence completes or ctx ends.
func run(ctx context.Context, cfg config.AppConfig, opts runOptions, log zerolog.Logger) (*eventLog, error) {
	policy, err := cfg.Worker.RecompilationPolicy()
	if err != nil {
		return nil, err
	}

	store := fake.NewResolver(time.Now)
	seedPortfolio(store)
	resolver := compilation.NewSharedResolver(store)

	providers := fake.NewProviderResolver(fake.MarketDataOptions{TickInterval: opts.tick, AutoConfirm: true})
	providers.Start(ctx)
	defer providers.Close()

	pool, err := async.NewPool(cfg.Worker.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), poolShutdownTimeout)
		defer cancel()
		if err := pool.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("worker pool shutdown")
		}
	}()

	svc := worker.Services{
		Cache:             compilation.NewMemoryCache(),
		Compiler:          fake.NewCompiler(resolver, time.Time{}),
		Resolver:          resolver,
		MarketData:        providers,
		Executor:          fake.NewExecutor(),
		Pool:              pool,
		Subscriptions:     cfg.Subscriptions.Manager(),
		Manipulation:      cfg.Worker.Manipulation,
		MarketDataTimeout: cfg.Worker.MarketDataTimeout,
		Log:               log,
	}
	factory := newFactory(cfg, policy, svc, log)

	execOpts, def, err := demoView(opts, cfg.Worker.MaxSuccessiveDeltaCycles)
	if err != nil {
		return nil, err
	}

	bus := eventbus.NewMemoryBus(cfg.Events, log)
	_, ch, err := bus.Subscribe(ctx,
		worker.EventCompiled, worker.EventCycleCompleted, worker.EventCycleFailed,
		worker.EventCompilationFailed, worker.EventWorkerCompleted)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("subscribe to worker events: %w", err)
	}
	events := newEventLog(log)
	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { events.consume(ch) })
	defer func() {
		bus.Close()
		lifecycle.Wait()
	}()

	w, err := factory.NewWorker(eventbus.Listener{Bus: bus}, execOpts, def)
	if err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	log.Info().Str("view", def.Name).Str("policy", policy.String()).Msg("view processor started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case <-events.done:
	}

	w.Terminate()
	if !w.JoinTimeout(workerShutdownTimeout) {
		log.Warn().Dur("timeout", workerShutdownTimeout).Msg("worker did not stop in time")
	}
	return events, nil
}

// newFactory chains partitioning over parallel recompilation over single
// loops. Every layer resolves targets through svc.Resolver.
func newFactory(cfg config.AppConfig, policy worker.Policy, svc worker.Services, log zerolog.Logger) worker.PartitioningFactory {
	return worker.PartitioningFactory{
		Delegate: worker.ParallelFactory{
			Delegate: worker.SingleFactory{Services: svc},
			Policy:   policy,
			Resolver: svc.Resolver,
			Log:      log,
		},
		Config: cfg.Partition,
		Log:    log,
	}
}

func demoView(opts runOptions, maxDeltas int) (schema.ExecutionOptions, *schema.ViewDefinition, error) {
	def := &schema.ViewDefinition{
		ID:          schema.UniqueID{Scheme: "View", Value: "demo", Version: "1"},
		Name:        "demo-risk",
		PortfolioID: schema.ObjectID{Scheme: "Port", Value: "demo"},
		CalcConfigs: []schema.CalcConfig{{Name: "Default", PortfolioOutputs: []string{"PV"}}},
	}
	switch opts.mode {
	case modeLive:
		def.MinDeltaPeriod = 500 * time.Millisecond
		def.MaxFullPeriod = time.Minute
		return schema.ExecutionOptions{
			Sequence:                 schema.InfiniteSequence{},
			Flags:                    schema.FlagTriggerOnMarketDataChanged | schema.FlagTriggerOnTimeElapsed,
			MaxSuccessiveDeltaCycles: maxDeltas,
			Defaults: schema.CycleOptions{
				MarketData: []schema.MarketDataSpecification{{Kind: schema.MarketDataLive, Source: "synthetic"}},
			},
		}, def, nil
	case modeBatch:
		if opts.days <= 0 {
			return schema.ExecutionOptions{}, nil, fmt.Errorf("batch mode needs a positive day count, got %d", opts.days)
		}
		today := time.Now().UTC().Truncate(24 * time.Hour)
		items := make([]schema.CycleOptions, opts.days)
		for i := range items {
			date := today.AddDate(0, 0, i-opts.days)
			items[i] = schema.CycleOptions{
				Name:          date.Format("2006-01-02"),
				ValuationTime: date.Add(17 * time.Hour),
				MarketData:    []schema.MarketDataSpecification{{Kind: schema.MarketDataHistorical, Source: "synthetic", Date: date}},
			}
		}
		return schema.ExecutionOptions{
			Sequence: schema.NewFixedSequence(items...),
			Flags:    schema.FlagRunAsFastAsPossible,
		}, def, nil
	default:
		return schema.ExecutionOptions{}, nil, fmt.Errorf("unknown mode %q", opts.mode)
	}
}

func seedPortfolio(resolver *fake.Resolver) {
	positions := []struct {
		ticker string
		qty    int64
	}{{"AAPL", 100}, {"MSFT", 40}, {"NVDA", 25}}
	var held []schema.Position
	for i, p := range positions {
		resolver.PutSecurity(p.ticker, "1")
		held = append(held, schema.Position{
			ID:          schema.UniqueID{Scheme: "Pos", Value: fmt.Sprintf("p%d", i+1), Version: "1"},
			SecurityKey: p.ticker,
			Quantity:    decimal.NewFromInt(p.qty),
		})
	}
	resolver.PutPortfolio(&schema.Portfolio{
		ID:   schema.UniqueID{Scheme: "Port", Value: "demo", Version: "1"},
		Name: "demo",
		Root: &schema.PortfolioNode{
			ID:        schema.UniqueID{Scheme: "Node", Value: "root", Version: "1"},
			Name:      "root",
			Positions: held,
		},
	})
}

// eventLog consumes worker events from the bus, logs them and closes done
// once the worker reports completion.
type eventLog struct {
	log      zerolog.Logger
	cycles   atomic.Int64
	failures atomic.Int64
	done     chan struct{}
	once     sync.Once
}

func newEventLog(log zerolog.Logger) *eventLog {
	return &eventLog{log: log.With().Str("component", "viewproc").Logger(), done: make(chan struct{})}
}

// consume drains events until the channel closes.
func (e *eventLog) consume(events <-chan eventbus.Event) {
	for ev := range events {
		e.handle(ev)
	}
}

func (e *eventLog) handle(ev eventbus.Event) {
	switch ev.Kind {
	case worker.EventCompiled:
		e.log.Info().Str("view", ev.View).Str("compiledView", ev.CompiledView).Msg("view compiled")
	case worker.EventCycleCompleted:
		e.cycles.Add(1)
		e.log.Info().
			Str("cycle", ev.CycleID).
			Str("type", ev.CycleType.String()).
			Time("valuationTime", ev.ValuationTime).
			Interface("outputs", ev.Outputs).
			Msg("cycle completed")
	case worker.EventCycleFailed, worker.EventCompilationFailed:
		e.failures.Add(1)
		e.log.Warn().Err(ev.Err).Str("event", ev.Kind.String()).Msg("view processing failed")
	case worker.EventWorkerCompleted:
		e.once.Do(func() { close(e.done) })
	}
}
