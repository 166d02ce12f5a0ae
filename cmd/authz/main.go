package main

import (
	"context"
	"encoding/json"
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
	"gatekeeper/internal/authz"
	authzapi "gatekeeper/internal/authz/api"
	"gatekeeper/internal/config"
	"gatekeeper/internal/storage"
	"gatekeeper/pkg/logger"
)

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg, err := config.LoadAuthz()
	if err != nil {
		fmt.Fprintln(os.Stderr, "authz:", err)
		os.Exit(1)
	}

	log := logger.Setup(cfg.Env, "authz")
	log.Info("starting authz service", "env", cfg.Env, "addr", cfg.Addr())

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	auditStore := audit.NewPostgresStore(pool)
	auditWriter := audit.NewWriter(auditStore, cfg.AuditQueueSize, cfg.AuditFlushInterval, log)

	// Subject attributes come straight from the user directory. Both services
	// share one database, so the policy store and the resolver ride the same
	// pool.
	engine := authz.NewEngine(
		authz.Config{
			DefaultEffect:   authz.Effect(cfg.DefaultEffect),
			CacheTTL:        cfg.DecisionCacheTTL,
			CacheSize:       cfg.DecisionCacheSize,
			BulkConcurrency: cfg.BulkMaxConcurrency,
		},
		authz.NewPostgresPolicyStore(pool),
		authz.NewDirectoryResolver(authn.NewPostgresUserStore(pool)),
		auditWriter,
		log,
	)

	var warmTuples []authz.WarmTuple
	if cfg.WarmCacheTuples != "" {
		if err := json.Unmarshal([]byte(cfg.WarmCacheTuples), &warmTuples); err != nil {
			log.Warn("ignoring malformed WARM_CACHE_TUPLES", "error", err)
			warmTuples = nil
		}
	}
	if len(warmTuples) > 0 {
		warmed := engine.WarmCache(ctx, warmTuples)
		log.Info("decision cache warmed", "tuples", warmed)
	}

	analyzer := audit.NewAnalyzer(auditStore, auditStore,
		cfg.AlertFailedLoginThreshold, cfg.AlertWindow, cfg.AlertScanInterval, log)
	go analyzer.Run(ctx)

	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: authzapi.NewRouter(authzapi.Deps{
			Engine:     engine,
			AuditStore: auditStore,
			AlertStore: auditStore,
			Writer:     auditWriter,
			Pool:       pool,
			WarmTuples: warmTuples,
		}),
		ReadTimeout: 5 * time.Second,
		// Bulk authorize holds the response open longer than single calls.
		WriteTimeout: 30 * time.Second,
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

		if err := auditWriter.Close(ctx); err != nil {
			log.Error("audit drain failed", "error", err)
		}

		pool.Close()
		log.Info("shutdown complete")
	}
}
