// Package app wires the Parlor server runtime: config, logging, HTTP routes,
// storage, the rate limiter backend, and the room gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"parlor/cmd/internal/limiter"
	"parlor/cmd/internal/room"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// App is the Parlor server runtime: it owns HTTP server wiring, the room
// registry, and the storage and limiter backends behind it.
type App struct {
	cfg Config
	log Logger

	store room.Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	rdb *redis.Client

	registry *room.Registry
	gateway  *room.Gateway

	promReg *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	store, dbPool, dbEnabled, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	metrics := room.NewMetrics(promReg)

	svcCfg := limiter.ServiceConfig{
		WritePenalty: cfg.WritePenalty,
		Grace:        cfg.Grace,
		IdleAfter:    cfg.LimiterIdle,
	}

	var rdb *redis.Client
	var dialFor func(addr string) limiter.Dialer
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		dialFor = func(addr string) limiter.Dialer {
			return limiter.RedisDialer(rdb, addr, svcCfg)
		}
		log.Info("limiter.backend.redis", "addr", cfg.RedisAddr)
	} else {
		svc := limiter.NewService(log, svcCfg)
		dialFor = svc.Dialer
		log.Info("limiter.backend.inprocess")
	}

	limiters := func(addr string) *limiter.Client {
		return limiter.NewClient(log, dialFor(addr), limiter.ClientConfig{
			MaxFailures: cfg.MaxFailures,
			CooldownCap: cfg.CooldownCap,
			RetryDelay:  cfg.RetryDelay,
			ReportError: func(error) { metrics.LimiterFailOpen() },
		})
	}

	registry := room.NewRegistry(log, store, limiters, metrics, room.Config{
		HistoryLimit: cfg.HistoryLimit,
		SendQueue:    cfg.SendQueue,
		WriteTimeout: cfg.WriteTimeout,
		SweepEvery:   cfg.SweepEvery,
		StaleAfter:   cfg.StaleAfter,
	})

	gateway := room.NewGateway(log, registry, room.GatewayConfig{
		InsecureOrigins: cfg.InsecureOrigins,
		OriginPatterns:  cfg.AllowedOrigins,
		ReadLimit:       int64(cfg.ReadLimit),
		FrameRate:       rate.Limit(cfg.FrameRate),
		FrameBurst:      cfg.FrameBurst,
	})

	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		rdb:       rdb,
		registry:  registry,
		gateway:   gateway,
		promReg:   promReg,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.gateway, a.promReg)

	// ReadTimeout and WriteTimeout stay zero: websocket connections are
	// long-lived and must not be cut by server-wide deadlines.
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.close()

	a.log.Info("server.stopped")
	return nil
}

// close releases backend resources after the HTTP server has drained.
// Rooms stop first so nothing writes to the store or limiter afterwards.
func (a *App) close() {
	a.registry.Close()

	if err := a.store.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres, SQLite, and the in-memory dev store.
func newStore(ctx context.Context, cfg Config, log Logger) (room.Store, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL != "" {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, false, err
		}

		// Ownership model:
		// - app owns pool lifecycle
		// - PostgresStore.Close() is a no-op
		st, err := room.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, false, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, false, err
		}

		log.Info("db.enabled.postgres_store")
		return st, pool, true, nil
	}

	if cfg.SQLitePath != "" {
		st, err := room.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, false, err
		}
		log.Info("db.enabled.sqlite_store", "path", cfg.SQLitePath)
		return st, nil, true, nil
	}

	log.Info("db.disabled.inmemory_store")
	return room.NewInMemoryStore(), nil, false, nil
}
