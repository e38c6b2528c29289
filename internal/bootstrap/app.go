// Package bootstrap assembles the process: configuration, logging,
// telemetry, the bus clients, persistence, and the task manager.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"execution_engine/internal/alert"
	"execution_engine/internal/bus"
	"execution_engine/internal/config"
	"execution_engine/internal/core"
	"execution_engine/internal/infrastructure/metrics"
	"execution_engine/internal/mock"
	"execution_engine/internal/store"
	"execution_engine/pkg/concurrency"
	"execution_engine/pkg/logging"
	"execution_engine/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// App holds every process-level dependency
type App struct {
	Cfg       *config.Config
	Logger    core.ILogger
	Telemetry *telemetry.Telemetry

	Bus        core.IBus
	Alerts     *alert.AlertManager
	Pool       *concurrency.WorkerPool
	OrderCache *store.OrderCache
	History    *store.HistoryStore
	Metrics    *metrics.Server
	Manager    *Manager

	mainBus  *bus.Client
	alarmBus *bus.Client
	gateway  *mock.Gateway
}

// New builds the application from a config file
func New(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	tel, err := telemetry.Setup("execution_engine")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "io",
		MaxWorkers:  4,
		MaxCapacity: 256,
		NonBlocking: true,
	}, logger)

	alerts := alert.NewAlertManager(logger)
	alerts.SetPool(pool)
	if cfg.Alert.Enabled {
		if url := cfg.Alert.SlackWebhookURL.Value(); url != "" {
			alerts.AddChannel(alert.NewSlackChannel(url))
		}
		if token := cfg.Alert.TelegramToken.Value(); token != "" {
			alerts.AddChannel(alert.NewTelegramChannel(token, cfg.Alert.TelegramChatID))
		}
	}

	mainBus := bus.NewClient(cfg.Bus.URL, cfg.Bus.PublishRate, cfg.Bus.PublishBurst, logger)
	app := &App{
		Cfg:       cfg,
		Logger:    logger,
		Telemetry: tel,
		Alerts:    alerts,
		Pool:      pool,
		mainBus:   mainBus,
		Bus:       mainBus,
	}

	// Alarms leave on their own endpoint so a wedged trade bus cannot
	// silence the pager
	if cfg.Bus.AlarmURL != "" && cfg.Bus.AlarmURL != cfg.Bus.URL {
		app.alarmBus = bus.NewClient(cfg.Bus.AlarmURL, cfg.Bus.PublishRate, cfg.Bus.PublishBurst, logger)
		app.Bus = &routedBus{
			IBus:         mainBus,
			alarm:        app.alarmBus,
			alarmChannel: cfg.Channels.StrategyAlarm,
		}
	}

	orderCache, err := store.NewOrderCache(cfg.Storage.OrderDir, logger)
	if err != nil {
		return nil, fmt.Errorf("order cache: %w", err)
	}
	app.OrderCache = orderCache

	history, err := store.OpenHistory(cfg.Storage.HistoryDBPath)
	if err != nil {
		return nil, fmt.Errorf("history store: %w", err)
	}
	app.History = history

	if cfg.Telemetry.EnableMetrics {
		app.Metrics = metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
	}
	if cfg.App.TestMode {
		app.gateway = mock.NewGateway(app.Bus, cfg.App.StrategyName, logger)
	}

	app.Manager = NewManager(cfg, app.Bus, logger, alerts, orderCache, history, pool)
	return app, nil
}

// Run starts everything and blocks until a signal or a fatal error
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.mainBus.Start()
	if a.alarmBus != nil {
		a.alarmBus.Start()
	}
	if a.Metrics != nil {
		a.Metrics.Start()
	}
	if a.gateway != nil {
		if err := a.gateway.Start(ctx); err != nil {
			return fmt.Errorf("mock gateway: %w", err)
		}
		a.Logger.Warn("Test mode: simulated gateway answering all orders")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Manager.Run(ctx) })

	a.Logger.Info("Execution engine started",
		"bus", a.Cfg.Bus.URL, "test_mode", a.Cfg.App.TestMode)

	err := g.Wait()
	a.shutdown()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func (a *App) shutdown() {
	a.Logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.Metrics != nil {
		if err := a.Metrics.Stop(ctx); err != nil {
			a.Logger.Warn("Metrics server stop failed", "error", err)
		}
	}
	a.Pool.Stop()
	if err := a.History.Close(); err != nil {
		a.Logger.Warn("History close failed", "error", err)
	}
	if err := a.mainBus.Close(); err != nil {
		a.Logger.Warn("Bus close failed", "error", err)
	}
	if a.alarmBus != nil {
		if err := a.alarmBus.Close(); err != nil {
			a.Logger.Warn("Alarm bus close failed", "error", err)
		}
	}
	if err := a.Telemetry.Shutdown(ctx); err != nil {
		a.Logger.Warn("Telemetry shutdown failed", "error", err)
	}
}

// routedBus sends alarm traffic over the dedicated alarm connection and
// everything else over the main one
type routedBus struct {
	core.IBus
	alarm        core.IBus
	alarmChannel string
}

func (r *routedBus) Publish(ctx context.Context, channel string, payload interface{}) error {
	if channel == r.alarmChannel {
		return r.alarm.Publish(ctx, channel, payload)
	}
	return r.IBus.Publish(ctx, channel, payload)
}
