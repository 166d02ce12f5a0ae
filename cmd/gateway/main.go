package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"gatekeeper/internal/config"
	"gatekeeper/internal/gateway"
	"gatekeeper/pkg/logger"
)

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg, err := config.LoadGateway()
	if err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}

	log := logger.Setup(cfg.Env, "gateway")
	log.Info("starting gateway", "env", cfg.Env, "addr", cfg.Addr(),
		"authn_url", cfg.AuthnURL, "authz_url", cfg.AuthzURL)

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			TracesSampleRate: 1.0,
			Environment:      cfg.Env,
		})
		if err != nil {
			log.Error("sentry init failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
			log.Info("sentry initialized")
		}
	}

	if cfg.AuthzFallbackEnabled && cfg.IsProduction() {
		log.Warn("AUTHZ_FALLBACK_ENABLED is set but ignored in production")
	}

	g := gateway.New(gateway.Config{
		AuthnURL:           cfg.AuthnURL,
		AuthzURL:           cfg.AuthzURL,
		UpstreamTimeout:    cfg.UpstreamTimeout,
		RateLimitEnabled:   cfg.RateLimitEnabled,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		FallbackEnabled:    cfg.AuthzFallbackEnabled,
		Production:         cfg.IsProduction(),
		MaxConnsPerHost:    cfg.Workers * 8,
		ProbeInterval:      cfg.HealthProbeInterval,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go g.Prober().Run(ctx)
	if limiter := g.Limiter(); limiter != nil {
		go limiter.EvictIdle(ctx, time.Minute)
	}

	srv := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     gateway.NewRouter(g),
		ReadTimeout: 5 * time.Second,
		// Proxied responses take as long as the upstream takes; give the
		// write deadline headroom past the upstream budget.
		WriteTimeout: cfg.UpstreamTimeout + 5*time.Second,
	}

	serverErrors := make(chan error, 1)

	go func() {
		log.Info("listening", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("server failed", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig)
		cancel()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
			if err := srv.Close(); err != nil {
				log.Error("forced close failed", "error", err)
			}
		}

		log.Info("shutdown complete")
	}
}
