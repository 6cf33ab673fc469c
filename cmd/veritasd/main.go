package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"veritas/internal/app"
	"veritas/internal/config"
	"veritas/internal/domain"
	"veritas/internal/infra/grants"
	httpinfra "veritas/internal/infra/http"
	"veritas/internal/infra/kafka"
	"veritas/internal/infra/logging"
	"veritas/internal/infra/metrics"
	"veritas/internal/infra/ratelimit"
	"veritas/internal/usecase"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("veritasd exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage, err := app.OpenStorage(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer storage.Close()

	policy, err := app.PIIPolicy(ctx, cfg.Audit)
	if err != nil {
		return err
	}

	resolver, err := grants.Load(cfg.GrantsFile, logger)
	if err != nil {
		return err
	}
	if cfg.GrantsFile != "" {
		if err := resolver.Watch(); err != nil {
			return err
		}
	}
	defer resolver.Close()

	m := metrics.New()

	var sinks []usecase.AuditSink
	var hub *httpinfra.Hub
	if cfg.LiveStream {
		hub = httpinfra.NewHub(logger.WithField("component", "stream"))
		go hub.Run(ctx)
		sinks = append(sinks, hub)
	}
	if cfg.Kafka.Brokers != "" {
		pub, err := kafka.NewPublisher(kafka.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		defer pub.Close()
		sinks = append(sinks, pub)
	}

	svc, err := app.NewServices(app.ServicesConfig{
		Audit:    cfg.Audit,
		Records:  storage.Records,
		Policy:   policy,
		Observer: m,
		Sinks:    sinks,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	limiter, closeLimiter, err := rateLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	srv, err := httpinfra.NewServer(httpinfra.Options{
		AdminAPIKey:         cfg.AdminAPIKey,
		RateLimitRequests:   cfg.RateLimit.Requests,
		RateLimitWindow:     cfg.RateLimit.Window,
		RateLimitFailClosed: cfg.RateLimit.FailClosed,
	}, httpinfra.Deps{
		Audit:       svc.Audit,
		Reports:     svc.Reports,
		Grants:      resolver,
		RateLimiter: limiter,
		Metrics:     m,
		Stream:      hub,
		Ready:       storage.Ping,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(log.Fields{
			"addr":    cfg.HTTPAddr,
			"storage": cfg.Storage.Driver,
		}).Info("veritasd listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// rateLimiter picks redis when configured so limits hold across replicas.
func rateLimiter(ctx context.Context, cfg config.Config, logger log.FieldLogger) (domain.RateLimiter, func(), error) {
	if cfg.RateLimit.Requests <= 0 {
		return nil, func() {}, nil
	}
	if cfg.Redis.Addr == "" {
		return ratelimit.NewMemory(ratelimit.MemoryConfig{MaxKeys: cfg.RateLimit.MaxKeys}), func() {}, nil
	}
	r, err := ratelimit.NewRedis(ratelimit.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := r.Ping(ctx); err != nil {
		logger.WithError(err).Warn("redis not reachable at startup")
	}
	return r, func() { _ = r.Close() }, nil
}
