// Command server wires the ingestion core's components together and
// runs them: ConnectionPool subscribed to the broker, MessageReceiver
// decoding and batching inbound payloads, Processor driving each
// decoded report through validation, caching, persistence, and
// broadcast, HealthMonitor sweeping every subsystem on a timer, and a
// gin HTTP server exposing the operational-only /health, /metrics, and
// /ws endpoints. Generalized from the teacher's cmd/server/main.go,
// adapted from one global MQTT client and TimescaleDB connection into
// the pooled, multi-component core. Construction order: config,
// database and repository, vehicle cache, location store, batch
// persister, broadcaster, alerts, processor, receiver, MQTT pool,
// health monitor, metrics, router, then graceful shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fleettrack/ingestion-core/internal/alerts"
	"github.com/fleettrack/ingestion-core/internal/broadcaster"
	"github.com/fleettrack/ingestion-core/internal/cache"
	"github.com/fleettrack/ingestion-core/internal/config"
	"github.com/fleettrack/ingestion-core/internal/healthmonitor"
	"github.com/fleettrack/ingestion-core/internal/locationstore"
	"github.com/fleettrack/ingestion-core/internal/metrics"
	"github.com/fleettrack/ingestion-core/internal/models"
	"github.com/fleettrack/ingestion-core/internal/mqttpool"
	"github.com/fleettrack/ingestion-core/internal/persist"
	"github.com/fleettrack/ingestion-core/internal/processor"
	"github.com/fleettrack/ingestion-core/internal/receiver"
	"github.com/fleettrack/ingestion-core/internal/repository"
)

const defaultGracefulTimeout = 30 * time.Second

// disabledPool stands in for healthmonitor.ConnectionPool when MQTT is
// disabled (e.g. a standalone processor deployment), so the health
// sweep still runs without a nil-pointer connection pool dependency.
type disabledPool struct{}

func (disabledPool) HealthyCount() int { return 0 }
func (disabledPool) Size() int         { return 0 }
func (disabledPool) ConnectStats() (successes, failures uint64, avg time.Duration) {
	return 0, 0, 0
}
func (disabledPool) BreakerState() gobreaker.State { return gobreaker.StateClosed }

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting ingestion core")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx := context.Background()

	pool, err := newDatabasePool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	repo, err := repository.New(ctx, pool, repository.Config{Schema: cfg.Database.Schema})
	if err != nil {
		logger.Fatal("failed to initialize repository", zap.Error(err))
	}
	defer repo.Close()

	vehicleCache, err := cache.New(cfg.Cache, logger)
	if err != nil {
		logger.Fatal("failed to initialize vehicle cache", zap.Error(err))
	}
	defer vehicleCache.Close()

	dbBreaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "db-write",
		MaxRequests: uint32(cfg.Health.CBHalfOpenMaxCalls),
		Timeout:     cfg.Health.CBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.Health.CBFailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	locationStore := locationstore.New(repo, vehicleCache, dbBreaker, logger)
	batchPersister := persist.New(cfg.Batch, repo, logger)
	defer batchPersister.Close()

	bcast := broadcaster.New(broadcaster.DefaultQueueCapacity, logger)
	defer bcast.Close()

	alertSink := alerts.NewSink(cfg.Health.AlertRateLimit, logger)

	proc := processor.New(cfg.Processor, repo, vehicleCache, batchPersister, locationStore, bcast, alertSink, logger)

	msgReceiver := receiver.New(logger, func(batch []*models.DeviceReport) {
		proc.ProcessBatch(ctx, batch)
	})
	defer msgReceiver.Close()

	var healthPool healthmonitor.ConnectionPool = disabledPool{}
	if cfg.MQTT.Enabled {
		connPool, err := mqttpool.NewConnectionPool(cfg.Pool, cfg.MQTT, cfg.Health, logger, func(topic string, payload []byte, receivedAt time.Time) {
			if err := msgReceiver.Ingest(topic, payload, receivedAt); err != nil {
				logger.Warn("failed to ingest inbound message", zap.String("topic", topic), zap.Error(err))
			}
		})
		if err != nil {
			logger.Fatal("failed to initialize mqtt connection pool", zap.Error(err))
		}
		defer connPool.Close()
		healthPool = connPool
	}

	monitor := healthmonitor.New(cfg.Health, healthPool, msgReceiver, batchPersister, proc, alertSink, logger)
	monitor.Start()
	defer monitor.Close()

	collector := metrics.New(healthPool, msgReceiver, batchPersister, bcast, proc)
	registry := metrics.NewRegistry(collector)

	router := setupRouter(bcast, monitor, registry, logger)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: router,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.HTTP.Port))
		if srvErr := server.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
			logger.Fatal("http server listen error", zap.Error(srvErr))
		}
	}()

	sig := <-quit
	logger.Info("caught signal, shutting down", zap.String("signal", sig.String()))
	gracefulShutdown(server, logger)
}

func newDatabasePool(ctx context.Context, dbCfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s pool_max_conns=%d connect_timeout=%d",
		dbCfg.Host, dbCfg.Port, dbCfg.Username, dbCfg.Password, dbCfg.Database,
		dbCfg.MaxConnections, int(dbCfg.ConnectionTimeout.Seconds()),
	)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse db connection config: %w", err)
	}
	poolCfg.MaxConnIdleTime = dbCfg.MaxConnectionLifetime
	poolCfg.MaxConns = int32(dbCfg.MaxConnections)
	poolCfg.MinConns = int32(dbCfg.MinConnections)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// setupRouter builds the operational HTTP surface: /health, /metrics,
// and /ws only, matching the external interfaces section's explicit
// scope.
func setupRouter(bcast *broadcaster.Broadcaster, monitor *healthmonitor.HealthMonitor, registry *prometheus.Registry, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		report := monitor.LastReport()
		status := http.StatusOK
		if !report.Healthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"healthy":    report.Healthy,
			"at":         report.At,
			"subsystems": report.Subsystems,
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	router.GET("/ws", func(c *gin.Context) {
		if err := bcast.ServeWS(c.Writer, c.Request); err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "websocket upgrade failed"})
		}
	})

	return router
}

func gracefulShutdown(server *http.Server, logger *zap.Logger) {
	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil && err != http.ErrServerClosed {
		logger.Error("http server shutdown encountered an error", zap.Error(err))
	}

	logger.Sync()
	logger.Info("graceful shutdown completed")
}
