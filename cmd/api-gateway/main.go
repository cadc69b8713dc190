package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	_ "github.com/noah-isme/session-gateway/api/swagger"
	"github.com/noah-isme/session-gateway/internal/handler"
	"github.com/noah-isme/session-gateway/internal/middleware"
	"github.com/noah-isme/session-gateway/internal/repository"
	"github.com/noah-isme/session-gateway/internal/service"
	"github.com/noah-isme/session-gateway/pkg/cache"
	"github.com/noah-isme/session-gateway/pkg/config"
	"github.com/noah-isme/session-gateway/pkg/database"
	"github.com/noah-isme/session-gateway/pkg/jobs"
	"github.com/noah-isme/session-gateway/pkg/logger"
	"github.com/noah-isme/session-gateway/pkg/sessioncookie"
)

// @title Session Gateway
// @version 0.1.0
// @description Cookie sessions in front of a token issuing credential service
// @BasePath /
// @schemes http https

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	metrics := service.NewMetricsService()

	store, ready, closeStore, err := openTokenStore(cfg, logr)
	if err != nil {
		logr.Sugar().Fatalw("failed to open token store", "store", cfg.Session.Store, "error", err)
	}
	defer closeStore()

	tokens := service.NewInstrumentedTokenStore(store, metrics)

	var purge *jobs.Periodic
	if _, ok := store.(service.ExpiredPurger); ok {
		purge = jobs.NewPeriodic("token-purge", func(ctx context.Context) error {
			n, err := tokens.PurgeExpired(ctx, time.Now())
			if n > 0 {
				logr.Sugar().Infow("purged expired sessions", "count", n)
			}
			return err
		}, jobs.PeriodicConfig{Interval: cfg.Session.PurgeInterval, Logger: logr})
		purge.Start(context.Background())
	}

	throttle := service.NewEndpointThrottle(cfg.Backend.ThrottleInterval, metrics, logr)
	client := service.NewCredentialClient(cfg.Backend, throttle, metrics, logr)
	sessions := service.NewSessionService(tokens, client, validator.New(), metrics, logr, service.SessionConfig{
		AccessTokenLifetime:  cfg.Session.AccessTokenLifetime,
		RefreshTokenLifetime: cfg.Session.RefreshTokenLifetime,
		RefreshTimeout:       cfg.Backend.Timeout + throttle.Interval(),
		LogoutTimeout:        cfg.Backend.Timeout + throttle.Interval(),
	})

	var cookieOpts []sessioncookie.Option
	if cfg.Session.CookieDomain != "" {
		cookieOpts = append(cookieOpts, sessioncookie.WithDomain(cfg.Session.CookieDomain))
	}
	cookies := sessioncookie.New(cfg.Session.CookieName, cfg.Session.CookieMaxAge, cookieOpts...)

	routes := service.NewRouteGuard(cfg.Routes)
	router := handler.NewRouter(handler.RouterDeps{
		Config:  cfg,
		Logger:  logr,
		Metrics: metrics,
		Auth:    handler.NewAuthHandler(sessions, cookies, cfg.Routes, cfg.Auth, logr),
		Probe:   handler.NewMetricsHandler(metrics, map[string]handler.ReadinessCheck{"token_store": ready}),
		Guard:   middleware.SessionGuard(sessions, routes, cookies, metrics, logr),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "store", cfg.Session.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logr.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logr.Warn("server shutdown incomplete", zap.Error(err))
	}
	if purge != nil {
		purge.Stop()
	}

	drained := make(chan struct{})
	go func() {
		sessions.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		logr.Warn("pending token revocations abandoned")
	}
}

// openTokenStore builds the configured token store along with its readiness
// check and a close function.
func openTokenStore(cfg *config.Config, logr *zap.Logger) (service.TokenStore, handler.ReadinessCheck, func(), error) {
	switch cfg.Session.Store {
	case config.TokenStoreRedis:
		client, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			return nil, nil, nil, err
		}
		ready := func(ctx context.Context) error { return client.Ping(ctx).Err() }
		return repository.NewTokenRedisRepository(client, logr), ready, func() { _ = client.Close() }, nil
	case config.TokenStorePostgres:
		db, err := database.NewPostgres(cfg.Database)
		if err != nil {
			return nil, nil, nil, err
		}
		repo := repository.NewTokenPostgresRepository(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, nil, fmt.Errorf("ensure session schema: %w", err)
		}
		return repo, db.PingContext, func() { _ = db.Close() }, nil
	default:
		logr.Warn("using in-memory token store; sessions are lost on restart and not shared between instances")
		ready := func(context.Context) error { return nil }
		return repository.NewTokenMemoryRepository(), ready, func() {}, nil
	}
}
