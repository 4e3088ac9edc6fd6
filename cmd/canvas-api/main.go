package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sharedcanvas/project/internal/app/canvasapi"
	"github.com/sharedcanvas/project/internal/app/identity"
	"github.com/sharedcanvas/project/internal/canvas"
	"github.com/sharedcanvas/project/internal/history"
	"github.com/sharedcanvas/project/internal/platform/dbpool"
	"github.com/sharedcanvas/project/internal/platform/env"
	"github.com/sharedcanvas/project/internal/platform/logging"
	"github.com/sharedcanvas/project/internal/platform/metrics"
	"github.com/sharedcanvas/project/internal/platform/natsutil"
	"github.com/sharedcanvas/project/internal/platform/redisutil"
	"github.com/sharedcanvas/project/internal/store"
)

// backends holds whatever external connections the chosen configuration
// opened, for readiness checks and shutdown.
type backends struct {
	pool  *pgxpool.Pool
	nats  *natsutil.Client
	redis *redis.Client
	bolt  *history.BoltLog

	objects  store.ObjectStore
	log      history.Log
	identity identity.Repository
}

func main() {
	logger := logging.New("canvas-api", env.String("LOG_LEVEL", "info"), env.String("LOG_FORMAT", "json"))

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := env.String("CANVAS_API_ADDR", env.DefaultCanvasAddr)
	uiOrigin := env.String("UI_ORIGIN", "http://localhost:3000")
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	b, err := openBackends(runCtx, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("backend setup failed")
	}
	defer b.close(logger)

	cfg := canvas.DefaultConfig("", "")
	cfg.Debounce = env.Duration("HISTORY_DEBOUNCE", cfg.Debounce)
	cfg.CommitDelay = env.Duration("COMMIT_DELAY", cfg.CommitDelay)
	cfg.EchoGrace = env.DurationAllowZero("ECHO_GRACE", cfg.EchoGrace)
	cfg.MaxEntries = env.Int("HISTORY_MAX_ENTRIES", cfg.MaxEntries)
	cfg.MaxConflictRetries = env.Int("HISTORY_CONFLICT_RETRIES", cfg.MaxConflictRetries)

	sessions := canvasapi.NewRegistry(b.objects, b.log, cfg,
		env.Duration("SESSION_IDLE_TIMEOUT", canvasapi.DefaultIdleTimeout), logger)
	defer sessions.Close()

	identitySvc := identity.NewService(b.identity, identity.NewTokenManager(jwtSecret))
	handler := canvasapi.NewHandler(identitySvc, sessions, uiOrigin, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := b.ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", handler.Router())

	// No WriteTimeout: WebSocket sessions hold the connection open.
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info().
		Str("addr", addr).
		Str("store", env.String("STORE_BACKEND", "postgres")).
		Str("history", env.String("HISTORY_BACKEND", "redis")).
		Msg("canvas api listening")
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		logger.Fatal().Err(err).Msg("http server failed")
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func openBackends(ctx context.Context, logger zerolog.Logger) (*backends, error) {
	b := &backends{}
	storeBackend := strings.ToLower(env.String("STORE_BACKEND", "postgres"))
	historyBackend := strings.ToLower(env.String("HISTORY_BACKEND", "redis"))

	switch storeBackend {
	case "postgres":
		pool, err := dbpool.New(ctx, env.String("DATABASE_URL", env.DefaultDatabaseURL))
		if err != nil {
			return nil, err
		}
		b.pool = pool

		client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), 20*time.Second, logger)
		if err != nil {
			b.close(logger)
			return nil, err
		}
		b.nats = client

		objects := store.NewPostgresStore(pool,
			natsutil.JetStreamPublisher{JS: client.JS}.Publish,
			natsutil.JetStreamSource{JS: client.JS},
			logger)
		identityRepo := identity.NewPostgresRepository(pool)
		if err := dbpool.WaitReady(ctx, pool, 30*time.Second, logger, objects.EnsureSchema, identityRepo.EnsureSchema); err != nil {
			b.close(logger)
			return nil, err
		}
		b.objects = objects
		b.identity = identityRepo
	case "memory":
		b.objects = store.NewMemoryStore()
		b.identity = identity.NewMemoryRepository()
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", storeBackend)
	}

	switch historyBackend {
	case "redis":
		client, err := redisutil.Connect(ctx, env.String("REDIS_ADDR", env.DefaultRedisAddr), 20*time.Second, logger)
		if err != nil {
			b.close(logger)
			return nil, err
		}
		b.redis = client
		b.log = history.NewRedisLog(client, logger)
	case "bolt":
		log, err := history.OpenBoltLog(env.String("BOLT_PATH", env.DefaultBoltPath))
		if err != nil {
			b.close(logger)
			return nil, err
		}
		b.bolt = log
		b.log = log
	case "memory":
		b.log = history.NewMemoryLog()
	default:
		b.close(logger)
		return nil, fmt.Errorf("unknown HISTORY_BACKEND %q", historyBackend)
	}
	return b, nil
}

func (b *backends) ready(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if b.nats != nil {
		if err := b.nats.Ready(); err != nil {
			return err
		}
	}
	if b.pool != nil {
		if err := b.pool.Ping(checkCtx); err != nil {
			return fmt.Errorf("postgres ping failed: %w", err)
		}
	}
	if b.redis != nil {
		if err := b.redis.Ping(checkCtx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
	}
	return nil
}

func (b *backends) close(logger zerolog.Logger) {
	if b.bolt != nil {
		if err := b.bolt.Close(); err != nil {
			logger.Warn().Err(err).Msg("close history db")
		}
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.nats != nil {
		b.nats.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}
