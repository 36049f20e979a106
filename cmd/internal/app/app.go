// Package app wires the Snippix messaging runtime: config, logging, HTTP
// routes, persistence, and the websocket gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"snippix/cmd/internal/messaging"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// App owns the HTTP server wiring and the messaging component lifecycles.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	store    messaging.Store
	notifier *messaging.Notifier
	relay    messaging.EventRelay
	svc      *messaging.Service
	ws       *messaging.Gateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	messaging.RegisterMetrics()

	store, dbPool, dbEnabled, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	resolver, err := newResolver(cfg)
	if err != nil {
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	notifier := messaging.NewNotifier(log)

	var (
		relay   messaging.EventRelay
		svcOpts []messaging.ServiceOption
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		relay, err = messaging.NewRedisRelay(log, rdb, "", notifier.Publish)
		if err != nil {
			if dbPool != nil {
				dbPool.Close()
			}
			return nil, err
		}
		svcOpts = append(svcOpts, messaging.WithRelay(relay))
		log.Info("relay.enabled", "addr", cfg.RedisAddr)
	}

	svc := messaging.NewService(log, store, notifier, svcOpts...)

	ws := messaging.NewGateway(log, svc, resolver, messaging.GatewayConfig{
		OriginRequired:   cfg.WSOriginRequired,
		AllowedOrigins:   cfg.WSAllowedOrigins,
		DevInsecure:      cfg.WSDevInsecure,
		WriteTimeout:     cfg.WSWriteTimeout,
		ReadIdleTimeout:  cfg.WSReadIdleTimeout,
		SendQueueSize:    cfg.WSSendQueue,
		SubscriberQueue:  cfg.WSSubscriberQueue,
		HeartbeatEvery:   cfg.WSHeartbeatEvery,
		HeartbeatTimeout: cfg.WSHeartbeatGrace,
		RateEvents:       cfg.WSRateEvents,
		RateWindow:       cfg.WSRateWindow,
	})

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		store:     store,
		notifier:  notifier,
		relay:     relay,
		svc:       svc,
		ws:        ws,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or a fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled, "relay_enabled", a.relay != nil)

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()
	if a.relay != nil {
		go func() {
			if err := a.relay.Run(relayCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("relay.run.fail", "err", err)
			}
		}()
	}

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

	relayCancel()
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			a.log.Error("relay.close.fail", "err", err)
		}
	}

	if err := a.store.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return nil
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

// newStore decides between Postgres-backed persistence and the in-memory dev
// store. The app owns the pool lifecycle; PostgresStore.Close is a no-op.
func newStore(ctx context.Context, cfg Config, log Logger) (messaging.Store, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return messaging.NewInMemoryStore(), nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	store, err := messaging.NewPostgresStore(pool, messaging.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return store, pool, true, nil
}

// newResolver enforces the identity policy: HMAC-verified tokens unless
// insecure auth is explicitly allowed for local development.
func newResolver(cfg Config) (messaging.IdentityResolver, error) {
	if cfg.TokenHMACKey != "" {
		return messaging.NewHMACResolver([]byte(cfg.TokenHMACKey))
	}
	if cfg.AllowInsecureAuth {
		return messaging.InsecureResolver{}, nil
	}
	return nil, errors.New("identity policy: set SNIPPIX_TOKEN_HMAC_KEY or explicitly enable SNIPPIX_ALLOW_INSECURE_AUTH")
}
