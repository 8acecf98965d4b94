package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Strob0t/AgentForge/internal/adapter/blake2"
	afhttp "github.com/Strob0t/AgentForge/internal/adapter/http"
	"github.com/Strob0t/AgentForge/internal/adapter/memstore"
	afnats "github.com/Strob0t/AgentForge/internal/adapter/nats"
	"github.com/Strob0t/AgentForge/internal/adapter/natskv"
	afotel "github.com/Strob0t/AgentForge/internal/adapter/otel"
	"github.com/Strob0t/AgentForge/internal/adapter/postgres"
	afredis "github.com/Strob0t/AgentForge/internal/adapter/redis"
	"github.com/Strob0t/AgentForge/internal/adapter/ristretto"
	"github.com/Strob0t/AgentForge/internal/adapter/tiered"
	"github.com/Strob0t/AgentForge/internal/adapter/uuidgen"
	"github.com/Strob0t/AgentForge/internal/adapter/ws"
	"github.com/Strob0t/AgentForge/internal/config"
	"github.com/Strob0t/AgentForge/internal/domain/agent"
	"github.com/Strob0t/AgentForge/internal/domain/task"
	"github.com/Strob0t/AgentForge/internal/logger"
	"github.com/Strob0t/AgentForge/internal/port/broadcast"
	"github.com/Strob0t/AgentForge/internal/port/cache"
	"github.com/Strob0t/AgentForge/internal/port/monitor"
	"github.com/Strob0t/AgentForge/internal/port/statestore"
	"github.com/Strob0t/AgentForge/internal/resilience"
	"github.com/Strob0t/AgentForge/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	log.Info("config loaded",
		"port", cfg.Server.Port,
		"storage", cfg.Storage.Backend,
		"nats_enabled", cfg.NATS.Enabled,
	)

	ctx := context.Background()

	ids := uuidgen.New()
	sums := blake2.New()

	// --- Telemetry ---
	var mon monitor.Monitor = monitor.Nop{}
	if cfg.Telemetry.Enabled {
		shutdown, err := afotel.Setup(ctx, cfg.Logging.Service, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.Interval)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Warn("telemetry shutdown failed", "error", err)
			}
		}()

		otelMon, err := afotel.NewMonitor(log)
		if err != nil {
			return fmt.Errorf("telemetry monitor: %w", err)
		}
		mon = otelMon
	}

	// --- Storage backend ---
	var store statestore.Store
	var migrationVersion func(ctx context.Context) (int64, error)
	switch cfg.Storage.Backend {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			pool.Close()
			return fmt.Errorf("migrations: %w", err)
		}
		log.Info("postgres connected, migrations applied")
		store = postgres.NewStore(pool, ids)
		migrationVersion = func(ctx context.Context) (int64, error) {
			return postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
		}
	case "redis":
		rdb, err := afredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		log.Info("redis connected", "addr", cfg.Redis.Addr)
		store = afredis.NewStore(rdb, ids)
	case "memory":
		store = memstore.New(ids)
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	defer func() {
		if err := store.Cleanup(context.Background()); err != nil {
			log.Warn("store cleanup failed", "error", err)
		}
	}()

	if err := store.Initialize(ctx); err != nil {
		return fmt.Errorf("store initialize: %w", err)
	}

	// --- NATS mirror and L2 cache ---
	var mirror *afnats.Transport
	if cfg.NATS.Enabled {
		mirror, err = afnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() {
			if err := mirror.Drain(); err != nil {
				log.Warn("nats drain failed", "error", err)
			}
		}()
	}

	// --- State cache ---
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	defer l1.Close()

	var stateCache cache.Cache = l1
	if mirror != nil {
		l2, err := natskv.Open(ctx, mirror.JetStream(), cfg.Cache.L2Bucket, cfg.Cache.StateTTL)
		if err != nil {
			return fmt.Errorf("l2 cache: %w", err)
		}
		stateCache = tiered.New(l1, l2, cfg.Cache.L1TTL)
	}

	// --- Core services ---
	faults := service.NewErrorHandler(mon, ids, log, cfg.Fault.HistoryCap, cfg.Fault.AlertCap)

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	recovery := service.NewStateRecovery(store, sums, ids, log, cfg.State.RecoveryPointCap)
	states := service.NewStateManager(store, stateCache, recovery, breaker, log,
		cfg.State.SaveAttempts, cfg.Cache.StateTTL)

	broker := service.NewMessageBroker(log)
	queue := service.NewMessageQueue(cfg.Bus.MaxAttempts, ids, log)
	bus := service.NewCommunicationBus(broker, queue, faults, ids, log, cfg.Bus)
	if mirror != nil {
		bus.SetMirror(mirror)
	}
	bus.Start(ctx)
	defer bus.Stop()

	hub := ws.NewHub(log, cfg.Server.CORSOrigin)
	var events broadcast.Broadcaster = hub
	if mirror != nil {
		events = afnats.NewEventMirror(mirror, hub, log)
	}
	faults.SetEventStream(events)

	registry := service.NewRegistry(bus, states, faults, mon, ids, log)
	registry.SetEventStream(events)

	if err := registry.RegisterType("echo", echoFactory); err != nil {
		return fmt.Errorf("register agent type: %w", err)
	}

	// --- Periodic snapshots ---
	snapCtx, snapCancel := context.WithCancel(ctx)
	defer snapCancel()
	go snapshotLoop(snapCtx, registry, states, log, cfg.State.SnapshotInterval)

	// --- HTTP ---
	handlers := &afhttp.Handlers{
		Registry:         registry,
		Bus:              bus,
		States:           states,
		Faults:           faults,
		MigrationVersion: migrationVersion,
	}
	router := afhttp.NewRouter(handlers, hub.HandleWS, cfg.Server.CORSOrigin)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
		}
	}()

	<-done
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := registry.CleanupAll(shutdownCtx); err != nil {
		log.Warn("agent cleanup failed", "error", err)
	}
	return srv.Shutdown(shutdownCtx)
}

// snapshotLoop periodically snapshots every live agent's state.
func snapshotLoop(ctx context.Context, reg *service.Registry, states *service.StateManager,
	log *slog.Logger, interval time.Duration,
) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, info := range reg.List() {
			if _, err := states.CreateSnapshot(ctx, info.ID, "periodic"); err != nil {
				log.Debug("periodic snapshot failed", "agent_id", info.ID, "error", err)
			}
		}
	}
}

// echoRunner is the built-in agent type: executing a task returns its
// payload unchanged.
type echoRunner struct {
	service.NopRunner
}

func (echoRunner) OnExecute(_ context.Context, t task.Task) (any, error) {
	return t.Payload, nil
}

func echoFactory(agent.Info) (service.Runner, []string, error) {
	return echoRunner{}, nil, nil
}
