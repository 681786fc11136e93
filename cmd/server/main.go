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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/widgetsync/internal/app"
	"github.com/pscheid92/widgetsync/internal/auth"
	"github.com/pscheid92/widgetsync/internal/config"
	"github.com/pscheid92/widgetsync/internal/database"
	"github.com/pscheid92/widgetsync/internal/delivery"
	"github.com/pscheid92/widgetsync/internal/dispatch"
	"github.com/pscheid92/widgetsync/internal/domain"
	"github.com/pscheid92/widgetsync/internal/logging"
	"github.com/pscheid92/widgetsync/internal/redis"
	"github.com/pscheid92/widgetsync/internal/server"
	"github.com/pscheid92/widgetsync/internal/websocket"
	"github.com/pscheid92/widgetsync/internal/widget"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := database.RunMigrations(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRedis(ctx context.Context, cfg *config.Config) *goredis.Client {
	client, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

// instanceName identifies this instance in the feed consumer group and
// the ticker leader election.
func instanceName() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
}

const (
	tickerLeaderKey = "leader:widget_ticker"
	tickerLeaderTTL = 15 * time.Second
)

// runLeaderTicker runs the periodic widget updater only while this
// instance holds the leader lock, so countdowns tick exactly once across
// the fleet.
func runLeaderTicker(ctx context.Context, election *redis.LeaderElection, ticker *widget.Ticker, clock clockwork.Clock) {
	var stopTicker context.CancelFunc
	leading := false

	defer func() {
		if stopTicker != nil {
			stopTicker()
		}
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = election.ReleaseLease(releaseCtx)
	}()

	check := clock.NewTicker(tickerLeaderTTL / 3)
	defer check.Stop()

	for {
		if leading {
			if err := election.RenewLease(ctx); err != nil {
				slog.Warn("Lost ticker leadership", "error", err)
				leading = false
				stopTicker()
				stopTicker = nil
			}
		} else {
			ok, err := election.TryBecomeLeader(ctx)
			if err != nil {
				slog.Warn("Leader election attempt failed", "error", err)
			} else if ok {
				slog.Info("Acquired ticker leadership")
				leading = true
				tickerCtx, cancel := context.WithCancel(ctx)
				stopTicker = cancel
				go ticker.Run(tickerCtx)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-check.Chan():
		}
	}
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "relay_mode", cfg.RelayMode)

	pool := setupDB(cfg)
	defer pool.Close()

	redisClient := setupRedis(context.Background(), cfg)
	defer func() { _ = redisClient.Close() }()

	connRepo := redis.NewConnectionRepo(redisClient, clock)
	feedPublisher := redis.NewFeedPublisher(redisClient)
	widgetRepo := database.NewWidgetRepo(pool, feedPublisher)

	jwks := auth.NewJWKSClient(cfg.JWKSURL, &http.Client{Timeout: 10 * time.Second}, clock)
	verifier := auth.NewVerifier(jwks, cfg.JWTAudience, widgetRepo)

	hub := websocket.NewHub()

	var relay domain.Relay = hub
	if cfg.RelayMode == config.RelayModeHTTP {
		relay = delivery.NewHTTPRelay(cfg.RelayEndpoint)
	}
	sender := delivery.NewSender(relay, connRepo)

	engine := widget.NewEngine(clock)
	appSvc := app.NewService(connRepo, widgetRepo, engine, sender, clock)

	instance := instanceName()
	dispatcher := dispatch.NewDispatcher(connRepo, sender)
	consumer := redis.NewFeedConsumer(redisClient, instance, dispatcher)
	ticker := widget.NewTicker(widgetRepo, clock, cfg.TickInterval)
	election := redis.NewLeaderElection(redisClient, instance, tickerLeaderKey, tickerLeaderTTL)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	workers, workerCtx := errgroup.WithContext(workerCtx)
	workers.Go(func() error {
		err := consumer.Run(workerCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	workers.Go(func() error {
		runLeaderTicker(workerCtx, election, ticker, clock)
		return nil
	})

	srv := server.NewServer(cfg, appSvc, verifier, hub, redisClient, pool)

	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		stopWorkers()
		if err := workers.Wait(); err != nil {
			slog.Error("Worker shutdown error", "error", err)
		}
		hub.Stop()

		close(done)
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
