package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"stockroom.app/internal/auth"
	"stockroom.app/internal/config"
	"stockroom.app/internal/httpapi"
	"stockroom.app/internal/mail"
	"stockroom.app/internal/obs"
	"stockroom.app/internal/ratelimit"
	"stockroom.app/internal/store/memstore"
	"stockroom.app/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type store interface {
	auth.Store
	Ping(ctx context.Context) error
}

func main() {
	log := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	// Инициализация observability (регистрация метрик, build_info, трассировка)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.InitTracing(ctx, log, "stockroom-api", cfg.Env, cfg.OTLPEndpoint)
	if err != nil {
		log.WithError(err).Fatal("init tracing")
	}

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = mail.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("connect redis")
		}
	}
	mailer, throttle, relay := mailAndThrottle(cfg, rdb, log)

	codec, err := auth.NewTokenCodec(cfg.Auth.Secret, auth.WithCodecIssuer(cfg.Auth.Issuer))
	if err != nil {
		log.WithError(err).Fatal("token codec")
	}
	sessions, err := auth.NewSessionService(st, auth.NewHasher(0), codec, mailer, auth.SessionConfig{
		SessionTTL:      cfg.Auth.SessionTTL,
		ResetTTL:        cfg.Auth.ResetTTL,
		InviteTTL:       cfg.Auth.InviteTTL,
		TenantInviteTTL: cfg.Auth.TenantInviteTTL,
		BaseURL:         cfg.BaseURL,
	}, auth.WithLogger(log), auth.WithResetThrottle(throttle))
	if err != nil {
		log.WithError(err).Fatal("session service")
	}
	tenants, err := auth.NewTenantService(st, sessions)
	if err != nil {
		log.WithError(err).Fatal("tenant service")
	}
	roles, err := auth.NewRoleAdmin(st)
	if err != nil {
		log.WithError(err).Fatal("role admin")
	}

	proxies, err := cfg.ProxyPrefixes()
	if err != nil {
		log.WithError(err).Fatal("trusted proxies")
	}

	ready := httpapi.ReadyCheck{Store: st}
	api, err := httpapi.New(httpapi.Services{
		Sessions: sessions,
		Tenants:  tenants,
		Roles:    roles,
		Gate:     auth.NewGate(codec),
	}, ready, version,
		httpapi.WithRateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
		httpapi.WithCORSOrigins(cfg.CORSOrigins...),
		httpapi.WithTrustedProxies(proxies...),
		httpapi.WithLogger(log),
	)
	if err != nil {
		log.WithError(err).Fatal("http api")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(), // уже обёрнут метриками и трассировкой в httpapi
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{"addr": srv.Addr, "version": version}).Info("http_listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}

	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.WithError(err).Fatal("grpc listen")
		}
		grpcServer, health := httpapi.NewGRPCServer(ready, log)
		g.Go(func() error {
			log.WithField("addr", cfg.GRPCAddr).Info("grpc_listening")
			return grpcServer.Serve(lis)
		})
		g.Go(func() error {
			health.Run(gctx, 5*time.Second)
			grpcServer.GracefulStop()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server stopped with error")
	}
	log.Info("shutting_down")

	tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(tctx); err != nil {
		log.WithError(err).Warn("tracing shutdown")
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	closeStore()
	log.Info("stopped")
}

// openStore connects Postgres when a DSN is configured and seeds the
// permission catalog. Without a DSN the in-memory store is used, which is
// only allowed in dev.
func openStore(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (store, func(), error) {
	if cfg.PGDSN == "" {
		if cfg.Env != "dev" {
			return nil, nil, errors.New("STOCKROOM_PG_DSN is required outside dev")
		}
		log.Warn("no database configured, using in-memory store")
		return memstore.New(), func() {}, nil
	}
	st, err := pg.Open(cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := st.Ping(pctx); err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	if err := st.EnsurePermissions(pctx, auth.BuiltinPermissions); err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return st, func() { _ = st.Close() }, nil
}

// mailAndThrottle queues mail in Redis and throttles resets there when Redis
// is configured, and falls back to logging and in-process counters otherwise.
// With Redis the returned relay drains the outbox; it is nil without it.
// A non-positive reset limit disables throttling.
func mailAndThrottle(cfg config.Config, rdb *redis.Client, log logrus.FieldLogger) (auth.Mailer, auth.Throttle, *mail.Relay) {
	var throttle auth.Throttle
	logMailer := mail.NewLogMailer(log, cfg.MailFrom)
	if rdb == nil {
		if cfg.RateLimit.ResetLimit > 0 {
			throttle = ratelimit.NewMemoryLimiter(cfg.RateLimit.ResetLimit, time.Hour)
		}
		return logMailer, throttle, nil
	}
	outbox := mail.NewRedisOutbox(rdb, cfg.MailFrom)
	if cfg.RateLimit.ResetLimit > 0 {
		throttle = ratelimit.NewRedisLimiter(rdb, "stockroom:reset", cfg.RateLimit.ResetLimit, time.Hour)
	}
	return outbox, throttle, mail.NewRelay(outbox, logMailer, log)
}
