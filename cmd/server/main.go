package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	gonats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/signpulse/internal/adapter/httpserver"
	"github.com/pscheid92/signpulse/internal/adapter/memory"
	"github.com/pscheid92/signpulse/internal/adapter/metrics"
	"github.com/pscheid92/signpulse/internal/adapter/nats"
	"github.com/pscheid92/signpulse/internal/adapter/postgres"
	"github.com/pscheid92/signpulse/internal/adapter/redis"
	"github.com/pscheid92/signpulse/internal/adapter/websocket"
	"github.com/pscheid92/signpulse/internal/app"
	"github.com/pscheid92/signpulse/internal/auth"
	"github.com/pscheid92/signpulse/internal/broker"
	"github.com/pscheid92/signpulse/internal/domain"
	"github.com/pscheid92/signpulse/internal/platform/config"
	"github.com/pscheid92/signpulse/internal/platform/logging"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	setupTimeout    = 10 * time.Second
	shutdownTimeout = 10 * time.Second
	reaperLeaderKey = "broker:reaper:leader"
)

type deviceRepository interface {
	domain.DeviceStore
	domain.DeviceDirectory
}

type brokerMetrics struct {
	registry  *prometheus.Registry
	broker    *metrics.BrokerMetrics
	websocket *metrics.WebSocketMetrics
	redis     *metrics.RedisMetrics
	db        *metrics.DBMetrics
	http      *metrics.HTTPMetrics
}

func setupMetrics(instanceID string) brokerMetrics {
	reg := metrics.NewRegistry(instanceID)
	return brokerMetrics{
		registry:  reg,
		broker:    metrics.NewBrokerMetrics(reg),
		websocket: metrics.NewWebSocketMetrics(reg),
		redis:     metrics.NewRedisMetrics(reg),
		db:        metrics.NewDBMetrics(reg),
		http:      metrics.NewHTTPMetrics(reg),
	}
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// setupDevices returns the Postgres store when DATABASE_URL is set and an
// in-memory store otherwise.
func setupDevices(cfg *config.Config, m *metrics.DBMetrics) (deviceRepository, *pgxpool.Pool) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, device state is kept in memory")
		return memory.NewDeviceStore(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, m)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return postgres.NewDeviceStore(pool), pool
}

func needsRedis(cfg *config.Config) bool {
	return cfg.ClusterStore == config.ClusterStoreRedis || cfg.FanoutBackend == config.FanoutRedis
}

func setupRedis(cfg *config.Config, m *metrics.RedisMetrics) *goredis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL, m)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupNATS(cfg *config.Config) *gonats.Conn {
	nc, err := nats.Connect(cfg.NatsURL, "signpulse-"+cfg.InstanceID)
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	return nc
}

func setupFanout(cfg *config.Config, rdb *goredis.Client, nc *gonats.Conn) domain.FanoutBus {
	switch cfg.FanoutBackend {
	case config.FanoutRedis:
		return redis.NewFanoutBus(rdb)
	case config.FanoutNATS:
		return nats.NewFanoutBus(nc)
	default:
		return nil
	}
}

func healthChecks(pool *pgxpool.Pool, rdb *goredis.Client, nc *gonats.Conn) []httpserver.HealthCheck {
	var checks []httpserver.HealthCheck
	if rdb != nil {
		checks = append(checks, httpserver.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}
	if pool != nil {
		checks = append(checks, httpserver.HealthCheck{
			Name:  "postgres",
			Check: func(ctx context.Context) error { return postgres.CheckSchema(ctx, pool) },
		})
	}
	if nc != nil {
		checks = append(checks, httpserver.HealthCheck{
			Name: "nats",
			Check: func(context.Context) error {
				if !nc.IsConnected() {
					return fmt.Errorf("nats connection is %s", nc.Status())
				}
				return nil
			},
		})
	}
	return checks
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting",
		"env", cfg.AppEnv,
		"port", cfg.Port,
		"instance_id", cfg.InstanceID,
		"fanout", cfg.FanoutBackend,
		"cluster_store", cfg.ClusterStore)

	m := setupMetrics(cfg.InstanceID)

	devices, pool := setupDevices(cfg, m.db)
	if pool != nil {
		defer pool.Close()
	}

	var rdb *goredis.Client
	if needsRedis(cfg) {
		rdb = setupRedis(cfg, m.redis)
		defer func() { _ = rdb.Close() }()
	}

	var nc *gonats.Conn
	if cfg.FanoutBackend == config.FanoutNATS {
		nc = setupNATS(cfg)
		defer nc.Close()
	}

	// Interfaces stay nil unless configured to avoid typed-nil comparisons.
	var cluster domain.ClusterStore
	registryOpts := []broker.RegistryOption{
		broker.WithClock(clock),
		broker.WithRegistryMetrics(m.broker),
	}
	if cfg.ClusterStore == config.ClusterStoreRedis {
		cluster = redis.NewClusterStore(rdb)
		registryOpts = append(registryOpts, broker.WithClusterStore(cluster, cfg.InstanceID))
	}
	registry := broker.NewRegistry(registryOpts...)

	hub := websocket.NewHub(registry, websocket.HubConfig{
		MaxConnections: cfg.MaxWebSocketConnections,
		CheckOrigin:    websocket.NewCheckOrigin(cfg.Origins(), cfg.IsDevelopment()),
	}, clock, m.websocket)

	broadcasterOpts := []broker.BroadcasterOption{
		broker.WithBroadcasterClock(clock),
		broker.WithBroadcasterMetrics(m.broker),
	}
	bus := setupFanout(cfg, rdb, nc)
	if bus != nil {
		broadcasterOpts = append(broadcasterOpts, broker.WithFanoutBus(bus))
	}
	if cluster != nil {
		broadcasterOpts = append(broadcasterOpts, broker.WithMemberCounts(cluster))
	}
	broadcaster := broker.NewBroadcaster(registry, hub, broker.BroadcasterConfig{
		SendTimeout:        cfg.SendTimeout,
		MaxConcurrentSends: cfg.MaxConcurrentSends,
		InstanceID:         cfg.InstanceID,
	}, broadcasterOpts...)

	var presenceOpts []broker.PresenceOption
	if cluster != nil {
		presenceOpts = append(presenceOpts, broker.WithClusterDevices(cluster))
	}
	presence := broker.NewPresenceCoordinator(devices, broadcaster, registry, clock, m.broker, presenceOpts...)
	registry.Observe(presence)
	registry.Observe(hub)

	reporter := broker.NewStatusReporter(registry, cluster)
	sweeper := broker.NewSweeper(registry, clock, cfg.SessionIdleTimeout, cfg.SweepInterval, m.broker)
	appSvc := app.NewService(registry, broadcaster, reporter, devices)

	gate := auth.NewGate(auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer, clock))

	srv := httpserver.NewServer(cfg, httpserver.Dependencies{
		App:          appSvc,
		Gate:         gate,
		Sockets:      hub,
		Registry:     m.registry,
		HTTPMetrics:  m.http,
		HealthChecks: healthChecks(pool, rdb, nc),
		Sessions:     registry,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sub domain.Subscription
	if bus != nil {
		var err error
		sub, err = bus.Subscribe(ctx, broadcaster.DeliverEnvelope)
		if err != nil {
			slog.Error("Failed to subscribe to fan-out bus", "error", err)
			os.Exit(1)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})

	if cluster != nil {
		lock := redis.NewLeaderElector(rdb, reaperLeaderKey, cfg.InstanceID, 3*cfg.SweepInterval)
		reaper := app.NewReaper(cluster, lock, presence, clock, cfg.InstanceID, cfg.SessionIdleTimeout, cfg.SweepInterval, m.broker)
		g.Go(func() error {
			reaper.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		if sub != nil {
			if err := sub.Close(); err != nil {
				slog.Error("Failed to close fan-out subscription", "error", err)
			}
		}

		closed := registry.CloseAll(shutdownCtx, domain.CloseShutdown)
		hub.Shutdown()
		presence.Wait()
		slog.Info("Sessions closed for shutdown", "count", closed)
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}
