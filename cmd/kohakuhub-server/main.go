// Command kohakuhub-server is the registry's process entrypoint: a
// cobra.Command tree exposing serve, migrate, and recalc-quota, in place
// of the teacher's flag-only main.go (cobra is already a direct teacher
// dependency, and a multi-subcommand CLI fits a service that also needs
// one-off operational commands).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kohakuhub/hub/internal/auth"
	"github.com/kohakuhub/hub/internal/config"
	"github.com/kohakuhub/hub/internal/db"
	"github.com/kohakuhub/hub/internal/download"
	"github.com/kohakuhub/hub/internal/fallback"
	"github.com/kohakuhub/hub/internal/gitbridge"
	"github.com/kohakuhub/hub/internal/httpapi"
	"github.com/kohakuhub/hub/internal/likes"
	"github.com/kohakuhub/hub/internal/logging"
	"github.com/kohakuhub/hub/internal/metrics"
	"github.com/kohakuhub/hub/internal/objectstore"
	"github.com/kohakuhub/hub/internal/quota"
	"github.com/kohakuhub/hub/internal/registry"
	"github.com/kohakuhub/hub/internal/upload"
	"github.com/kohakuhub/hub/internal/versioned"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var configPath string
	var development bool

	root := &cobra.Command{
		Use:     "kohakuhub-server",
		Short:   "KohakuHub registry server",
		Version: fmt.Sprintf("%s (%s)", version, commit),
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().BoolVar(&development, "development", false, "use development logging (console encoder, debug level)")

	root.AddCommand(
		serveCmd(&configPath, &development),
		migrateCmd(&configPath, &development),
		recalcQuotaCmd(&configPath, &development),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// bootstrap wires the ambient stack (logging, config, database) shared by
// every subcommand.
func bootstrap(configPath string, development bool) (*config.Config, *db.DB, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	log, sync, err := logging.New(development)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logging: %w", err)
	}

	database, err := db.Open(context.Background(), cfg.App)
	if err != nil {
		sync()
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}

	_ = log
	return cfg, database, func() { sync(); _ = database.Close() }, nil
}

func migrateCmd(configPath *string, development *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, database, cleanup, err := bootstrap(*configPath, *development)
			if err != nil {
				return err
			}
			defer cleanup()
			_ = cfg
			return database.Migrate(cmd.Context())
		},
	}
}

func recalcQuotaCmd(configPath *string, development *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "recalc-quota",
		Short: "Recompute every namespace's stored-bytes totals from repository usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, database, cleanup, err := bootstrap(*configPath, *development)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			q := quota.New(database)

			users, err := database.ListNamespaceNames(ctx, false)
			if err != nil {
				return fmt.Errorf("list users: %w", err)
			}
			for _, u := range users {
				if err := q.Recalculate(ctx, u, false); err != nil {
					return fmt.Errorf("recalc user %q: %w", u, err)
				}
			}

			orgs, err := database.ListNamespaceNames(ctx, true)
			if err != nil {
				return fmt.Errorf("list organizations: %w", err)
			}
			for _, o := range orgs {
				if err := q.Recalculate(ctx, o, true); err != nil {
					return fmt.Errorf("recalc organization %q: %w", o, err)
				}
			}

			fmt.Printf("recalculated quota for %d users and %d organizations\n", len(users), len(orgs))
			return nil
		},
	}
}

func serveCmd(configPath *string, development *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP registry server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath, *development)
		},
	}
}

func runServe(configPath string, development bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, syncLog, err := logging.New(development)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer syncLog()
	setupLog := log.WithName("setup")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.Open(ctx, cfg.App)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	store, err := objectstore.New(ctx, objectstore.Config{
		Endpoint: cfg.S3.Endpoint, PublicEndpoint: cfg.S3.PublicEndpoint,
		AccessKey: cfg.S3.AccessKey, SecretKey: cfg.S3.SecretKey,
		Bucket: cfg.S3.Bucket, Region: cfg.S3.Region, ForcePathStyle: cfg.S3.ForcePathStyle,
	})
	if err != nil {
		return fmt.Errorf("init object store: %w", err)
	}

	vs := versioned.New(versioned.Config{
		Endpoint: cfg.LakeFS.Endpoint, AccessKey: cfg.LakeFS.AccessKey, SecretKey: cfg.LakeFS.SecretKey,
	})

	authSvc, err := auth.New(database, log)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}

	quotaEngine := quota.New(database)
	registrySvc := registry.New(database, vs, quotaEngine, authSvc, cfg.S3.Bucket, log)
	uploadSvc := upload.New(database, store, vs, quotaEngine, authSvc, upload.Config{
		BaseURL: cfg.App.BaseURL, Bucket: cfg.S3.Bucket,
		DefaultLFSThreshold: cfg.App.LFSThresholdBytes, DefaultKeepVersions: cfg.App.LFSKeepVersions,
	}, log)
	downloadSvc := download.New(database, download.Config{
		TimeBucketSeconds: cfg.App.DownloadTimeBucketSeconds, KeepSessionsDays: cfg.App.DownloadKeepSessionsDays,
		SessionCleanupThreshold: int64(cfg.App.DownloadSessionCleanupThresh),
	}, log)
	likesSvc := likes.New(database, authSvc)
	gitSvc := gitbridge.New(database, vs, authSvc, log)
	metricsReg := metrics.New()

	fallbackCache, err := fallback.NewCache(cfg.Fallback.CacheSize, cfg.Fallback.CacheTTL)
	if err != nil {
		return fmt.Errorf("init fallback cache: %w", err)
	}
	fallbackEngine := fallback.New(database, fallbackCache, cfg.Fallback.Enabled, cfg.Fallback.SourceRatePerSecond, cfg.Fallback.SourceBurst)

	server := httpapi.New(httpapi.Config{
		DB: database, VS: vs, Store: store, Quota: quotaEngine, Auth: authSvc,
		Registry: registrySvc, Upload: uploadSvc, Download: downloadSvc, Likes: likesSvc,
		Fallback: fallbackEngine, Git: gitSvc, Metrics: metricsReg, Log: log,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		setupLog.Info("received shutdown signal, shutting down")
		cancel()
	}()

	serverErrChan := make(chan error, 1)
	go func() {
		setupLog.Info("starting HTTP server", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown HTTP server: %w", err)
		}
		setupLog.Info("server shutdown complete")
		return nil
	case err := <-serverErrChan:
		return fmt.Errorf("HTTP server error: %w", err)
	}
}
