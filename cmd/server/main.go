package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/veilex/venue-engine/internal/access"
	"github.com/veilex/venue-engine/internal/fhe"
	"github.com/veilex/venue-engine/internal/metrics"
	"github.com/veilex/venue-engine/internal/pauser"
	"github.com/veilex/venue-engine/internal/store"
	"github.com/veilex/venue-engine/internal/venue"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := envOr("PORT", "8080")
	owner := envOr("OWNER_ID", "owner")
	venuePrincipal := envOr("VENUE_PRINCIPAL", "venue")

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Privacy provider ---
	// The real decryption oracle lives out of process; the in-memory mock
	// stands in for development and single-node deployments.
	provider := fhe.NewMockProvider()

	// --- Pauser authority ---
	pauserIDs := strings.Split(envOr("PAUSER_IDS", owner), ",")
	pausers, err := pauser.New(pauserIDs)
	if err != nil {
		slog.Error("invalid pauser set", "err", err)
		os.Exit(1)
	}

	// --- Access registry ---
	registry := access.NewRegistry(st, provider, access.Config{
		Owner:             owner,
		VenuePrincipal:    venuePrincipal,
		MinInitialBalance: envUint("MIN_INITIAL_BALANCE", 1000),
		Cooldown:          envDuration("ACTION_COOLDOWN", 30*time.Second),
	})

	// --- Event hub ---
	hub := venue.NewHub()
	go hub.Run()

	// --- Engine ---
	engine, err := venue.NewEngine(context.Background(), st, provider, registry, pausers, venue.Config{
		Owner:            owner,
		MinDuration:      envDuration("MIN_SESSION_DURATION", time.Minute),
		MaxDuration:      envDuration("MAX_SESSION_DURATION", 7*24*time.Hour),
		DecryptionWindow: envDuration("DECRYPTION_WINDOW", time.Hour),
		EmergencyDelay:   envDuration("EMERGENCY_DELAY", 24*time.Hour),
		FeeBps:           envUint("FEE_BPS", 30),
	}, hub)
	if err != nil {
		slog.Error("engine state recovery failed", "err", err)
		os.Exit(1)
	}

	svc := venue.NewService(engine, registry, pausers)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"venue-engine"}`))
	})

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", hub.HandleWS)
		r.Mount("/", svc.Routes())
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("venue-engine listening", "port", port, "owner", owner)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down venue-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("venue-engine stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envUint(key string, fallback uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
		slog.Warn("invalid value, using default", "key", key, "value", v)
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("invalid duration, using default", "key", key, "value", v)
	}
	return fallback
}
