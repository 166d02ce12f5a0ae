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

	"gatekeeper/internal/audit"
	"gatekeeper/internal/authn"
	authnapi "gatekeeper/internal/authn/api"
	"gatekeeper/internal/config"
	"gatekeeper/internal/crypto"
	"gatekeeper/internal/storage"
	"gatekeeper/pkg/logger"
)

func main() {
	// Missing env files are fine: production injects real env vars.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg, err := config.LoadAuthn()
	if err != nil {
		fmt.Fprintln(os.Stderr, "authn:", err)
		os.Exit(1)
	}

	log := logger.Setup(cfg.Env, "authn")
	log.Info("starting authn service", "env", cfg.Env, "addr", cfg.Addr())

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

	ctx := context.Background()

	if cfg.AutoMigrate {
		if err := storage.Migrate(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			log.Error("migration failed", "error", err)
			os.Exit(1)
		}
	}

	pool, err := storage.NewPostgres(ctx, cfg.DatabaseURL, cfg.Workers*4)
	if err != nil {
		log.Error("database connect failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	log.Info("database connected")

	// Redis is an accelerator, not a dependency. Without it revocation
	// checks fall through to Postgres on every validate.
	var revoked authn.RevocationCache
	rdb, err := storage.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		log.Warn("redis unavailable, revocation cache disabled", "error", err)
		rdb = nil
	} else {
		revoked = authn.NewRedisRevocationCache(rdb, log)
		defer rdb.Close()
		log.Info("redis connected")
	}

	auditStore := audit.NewPostgresStore(pool)
	auditWriter := audit.NewWriter(auditStore, cfg.AuditQueueSize, cfg.AuditFlushInterval, log)

	var secrets *crypto.SecretBox
	if cfg.MFASecretKey != "" {
		secrets, err = crypto.NewSecretBox(cfg.MFASecretKey)
		if err != nil {
			log.Error("invalid MFA_SECRET_KEY", "error", err)
			os.Exit(1)
		}
	} else {
		log.Warn("MFA_SECRET_KEY not set, TOTP secrets stored unencrypted")
	}

	service, err := authn.NewService(
		authn.Config{
			AccessTokenTTL:    cfg.AccessTokenTTL,
			RefreshTokenTTL:   cfg.RefreshTokenTTL,
			RefreshRotation:   cfg.RefreshRotation,
			MaxFailedAttempts: cfg.MaxFailedAttempts,
			LockoutDuration:   cfg.LockoutDuration,
			UserCacheTTL:      cfg.UserCacheTTL,
			MFAIssuer:         cfg.MFAIssuer,
		},
		authn.NewPostgresUserStore(pool),
		authn.NewPostgresSessionStore(pool),
		authn.NewBcryptHasher(cfg.BcryptCost),
		authn.NewJWTProvider(cfg.TokenSigningSecret, ""),
		revoked,
		secrets,
		auditWriter,
		log,
	)
	if err != nil {
		log.Error("service init failed", "error", err)
		os.Exit(1)
	}

	if err := service.EnsureDefaultAdmin(ctx, cfg.DefaultAdminPassword); err != nil {
		log.Error("default admin bootstrap failed", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      authnapi.NewRouter(service, pool, rdb),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
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

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
			if err := srv.Close(); err != nil {
				log.Error("forced close failed", "error", err)
			}
		}

		// Drain the audit queue before the pool goes away under it.
		if err := auditWriter.Close(ctx); err != nil {
			log.Error("audit drain failed", "error", err)
		}

		pool.Close()
		log.Info("shutdown complete")
	}
}
