package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/canopy-network/modelserve/pkg/autoscaler"
	"github.com/canopy-network/modelserve/pkg/config"
	"github.com/canopy-network/modelserve/pkg/db/clickhouse"
	"github.com/canopy-network/modelserve/pkg/logging"
	"github.com/canopy-network/modelserve/pkg/metrics"
	"github.com/canopy-network/modelserve/pkg/redis"
	"github.com/canopy-network/modelserve/pkg/registry"
	"github.com/canopy-network/modelserve/pkg/scheduler"
	"github.com/canopy-network/modelserve/pkg/store"
	"github.com/canopy-network/modelserve/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// App hosts one worker pool: the registry and scheduler, the autoscaling
// controller and the periodic validation loop, behind an HTTP API.
type App struct {
	Config *config.Config
	Logger *zap.Logger

	Metrics    *metrics.Aggregator
	Registry   *registry.Registry
	Scheduler  *scheduler.Scheduler
	Controller *autoscaler.Controller

	// Runner ticks the controller on Config.AutoscalerCron.
	Runner *autoscaler.Runner

	// Cron runs validation on Config.ValidationCron.
	Cron *cron.Cron

	// History keeps recent records for the API; Sink also fans out to
	// Redis and ClickHouse when they are enabled.
	History *store.Memory
	Sink    store.Sink

	Hub        *telemetry.Hub
	Emitter    telemetry.Emitter
	Prometheus *prometheus.Registry

	RedisClient *redis.Client
	ClickHouse  *clickhouse.Client

	Server *http.Server

	clock clock.Clock
}

// Deps are optional collaborators. Zero values are fine.
type Deps struct {
	Redis      *redis.Client
	ClickHouse *clickhouse.Client
	Probe      autoscaler.ResourceProbe
	Hardware   registry.HardwareProbe
	Clock      clock.Clock
}

// Initialize loads configuration, connects the optional backends and builds
// the App.
func Initialize(ctx context.Context) (*App, error) {
	logger, err := logging.New("serve")
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	cfg, err := config.Load(logger)
	if err != nil {
		return nil, err
	}

	var deps Deps
	if cfg.RedisEnabled {
		deps.Redis, err = redis.NewClient(ctx, logger)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - stream sink and pub/sub disabled", zap.Error(err))
			deps.Redis = nil
		}
	} else {
		logger.Info("Redis disabled - scaling events will not be streamed")
	}

	if cfg.ClickHouseEnabled {
		deps.ClickHouse, err = clickhouse.New(ctx, logger, cfg.ClickHouseDB, clickhouse.GetPoolConfigForComponent("serve"))
		if err != nil {
			logger.Warn("Failed to initialize ClickHouse client - history will not be persisted", zap.Error(err))
			deps.ClickHouse = nil
		}
	}

	return New(ctx, cfg, logger, deps)
}

// New builds and wires every component from cfg. It does not start
// anything.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, deps Deps) (*App, error) {
	logger = logging.OrNop(logger)
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = autoscaler.DefaultTickTimeout
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	app := &App{
		Config:      cfg,
		Logger:      logger,
		History:     store.NewMemory(store.DefaultMemoryLimit),
		Hub:         telemetry.NewHub(logger),
		Prometheus:  prometheus.NewRegistry(),
		RedisClient: deps.Redis,
		ClickHouse:  deps.ClickHouse,
		clock:       clk,
	}
	app.Prometheus.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	prom, err := telemetry.NewPrometheus(app.Prometheus)
	if err != nil {
		return nil, err
	}
	emitters := telemetry.Multi{telemetry.NewLogger(logger), prom, app.Hub}
	sinks := store.Multi{app.History}
	if deps.Redis != nil {
		emitters = append(emitters, telemetry.NewRedisPublisher(deps.Redis, cfg.RedisPrefix, logger))
		sinks = append(sinks, store.NewRedisStream(deps.Redis, cfg.RedisPrefix))
	}
	if deps.ClickHouse != nil {
		ch := store.NewClickHouse(deps.ClickHouse, deps.ClickHouse.Database)
		if err := ch.InitSchema(ctx); err != nil {
			logger.Warn("Unable to create ClickHouse tables - history will not be persisted", zap.Error(err))
		} else {
			sinks = append(sinks, ch)
		}
	}
	app.Emitter = emitters
	app.Sink = sinks

	app.Metrics = metrics.NewAggregator(
		metrics.WithCapacity(cfg.MetricsCapacity),
		metrics.WithWindow(cfg.MetricsWindow),
		metrics.WithClock(clk),
	)

	regOpts := []registry.Option{
		registry.WithLogger(logger),
		registry.WithEmitter(app.Emitter),
		registry.WithClock(clk),
	}
	if deps.Hardware != nil {
		regOpts = append(regOpts, registry.WithHardwareProbe(deps.Hardware))
	}
	app.Registry = registry.New(app.Metrics, regOpts...)
	if err := app.registerWorkers(); err != nil {
		return nil, err
	}

	app.Scheduler = scheduler.New(app.Registry,
		scheduler.WithLogger(logger),
		scheduler.WithClock(clk),
		scheduler.WithRegisterer(app.Prometheus),
	)

	app.Controller, err = autoscaler.New(autoscaler.Config{
		ResourceID:   cfg.ResourceID,
		Rules:        cfg.Rules,
		InstanceCost: cfg.InstanceCost,
	}, autoscaler.NewRegistryActuator(app.Registry, logger),
		autoscaler.WithSource(autoscaler.NewRegistrySource(app.Registry, deps.Probe)),
		autoscaler.WithSink(app.Sink),
		autoscaler.WithEmitter(app.Emitter),
		autoscaler.WithClock(clk),
		autoscaler.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("autoscaler: %w", err)
	}

	app.Runner, err = autoscaler.NewRunner(app.Controller, cfg.AutoscalerCron, cfg.TickTimeout, logger)
	if err != nil {
		return nil, err
	}
	if err := app.SetupScheduler(ctx, logging.CronLogger(logger), cfg.ValidationCron); err != nil {
		return nil, err
	}
	app.SetupServer()

	return app, nil
}

// registerWorkers adds the configured workers and brings up the initial
// set: the first InitialInstances when set, otherwise those marked enabled.
func (a *App) registerWorkers() error {
	for i, w := range a.Config.Workers {
		if err := a.Registry.Register(w); err != nil {
			return fmt.Errorf("register worker %s: %w", w.ID, err)
		}
		up := w.Enabled
		if a.Config.InitialInstances > 0 {
			up = i < a.Config.InitialInstances
		}
		if !up {
			continue
		}
		if err := a.Registry.SetLoaded(w.ID, true); err != nil {
			return err
		}
		if err := a.Registry.SetEnabled(w.ID, true); err != nil {
			return err
		}
	}
	enabled, slots, _ := a.Registry.Capacity()
	a.Logger.Info("Workers registered",
		zap.Int("workers", len(a.Config.Workers)),
		zap.Int("enabled", enabled),
		zap.Int("slots", slots))
	return nil
}

// SetupScheduler schedules the validation loop.
func (a *App) SetupScheduler(ctx context.Context, logger cron.Logger, cronSpec string) error {
	// Seconds field, optional
	a.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	_, err := a.Cron.AddFunc(cronSpec, func() {
		// keep each run bounded
		rctx, cancel := context.WithTimeout(ctx, a.Config.TickTimeout)
		defer cancel()
		a.RunValidation(rctx, a.Config.Criteria, metrics.Window{})
		// samples older than the window are never read again
		a.Metrics.Prune(a.clock.Now().Add(-a.Metrics.Window()))
	})
	if err != nil {
		return fmt.Errorf("validation cron spec %q: %w", cronSpec, err)
	}
	return nil
}

// Ready reports whether at least one worker can take traffic.
func (a *App) Ready() bool {
	enabled, _, _ := a.Registry.Capacity()
	return enabled > 0
}

// Start runs the HTTP server and both loops until ctx is done, then shuts
// everything down.
func (a *App) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	a.Runner.Start(gctx)
	a.Cron.Start()
	a.Logger.Info("Validation loop started", zap.String("cronSpec", a.Config.ValidationCron))

	g.Go(func() error {
		a.Logger.Info("Starting server", zap.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Stop()
		return nil
	})

	err := g.Wait()
	a.Logger.Info("さようなら!")
	return err
}

// Stop shuts down the server and loops and closes backend connections.
func (a *App) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.Server != nil {
		_ = a.Server.Shutdown(shutdownCtx)
	}
	a.Runner.Stop()
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}

	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Logger.Error("Failed to close Redis connection", zap.Error(err))
		}
	}
	if a.ClickHouse != nil {
		if err := a.ClickHouse.Close(); err != nil {
			a.Logger.Error("Failed to close database connection", zap.Error(err))
		}
	}
}
