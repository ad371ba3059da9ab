package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rushilwiz/director4/httpapi"
	"github.com/Rushilwiz/director4/internal/appconfig"
	"github.com/Rushilwiz/director4/internal/credbroker"
	"github.com/Rushilwiz/director4/internal/eventbus"
	"github.com/Rushilwiz/director4/internal/imagebuilder"
	"github.com/Rushilwiz/director4/internal/metrics"
	"github.com/Rushilwiz/director4/internal/quota"
	"github.com/Rushilwiz/director4/internal/runscript"
	sandboxbuildkit "github.com/Rushilwiz/director4/internal/sandbox/buildkit"
	sandboxcontainerd "github.com/Rushilwiz/director4/internal/sandbox/containerd"
	"github.com/Rushilwiz/director4/internal/sitestore"
	"github.com/Rushilwiz/director4/internal/supervisor"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := validateServeConfig(cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.SitesRoot, 0o755); err != nil {
				return fmt.Errorf("sites root: %w", err)
			}
			if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
				return fmt.Errorf("state dir: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("containerd connect start", "address", cfg.Runtime.Containerd.Address, "namespace", cfg.Runtime.Containerd.Namespace)
			runtime, err := sandboxcontainerd.New(ctx, sandboxcontainerd.Config{
				Address:     cfg.Runtime.Containerd.Address,
				Namespace:   cfg.Runtime.Containerd.Namespace,
				PullTimeout: time.Duration(cfg.Runtime.PullTimeout) * time.Minute,
			})
			if err != nil {
				return err
			}
			defer func() { _ = runtime.Close() }()
			logger.Info("containerd connect ok")

			catalog := imagebuilder.NewCatalog(cfg.Images.Bases, cfg.Images.Default)
			store, err := sitestore.New(filepath.Join(cfg.StateDir, "sites"), catalog, logger)
			if err != nil {
				return err
			}

			recorder := metrics.New()
			backend := sandboxbuildkit.New(sandboxbuildkit.Config{Address: cfg.Runtime.BuildKit.Address})
			images := imagebuilder.New(backend, runtime, catalog, time.Duration(cfg.Images.BuildTimeout)*time.Minute, recorder)

			scripts, err := runscript.New(cfg.SitesRoot, "")
			if err != nil {
				return err
			}

			logger.Info("database connect start", "endpoint", cfg.Database.Endpoint)
			pool, err := credbroker.Connect(ctx, cfg.Database.AdminDSN)
			if err != nil {
				return err
			}
			defer pool.Close()
			broker, err := credbroker.New(pool, credbroker.Config{
				Endpoint: cfg.Database.Endpoint,
				TTL:      time.Duration(cfg.Database.TTLHours) * time.Hour,
			})
			if err != nil {
				return err
			}
			logger.Info("database connect ok")

			defaults := quota.PlatformDefaults()
			if cfg.Quota.MemoryBytes > 0 {
				defaults.MemoryBytes = cfg.Quota.MemoryBytes
			}
			if cfg.Quota.NanoCPUs > 0 {
				defaults.NanoCPUs = cfg.Quota.NanoCPUs
			}

			bus := eventbus.New(logger)
			sup, err := supervisor.New(store, runtime, images, scripts, broker, quota.NewObserver(), bus, recorder,
				defaults,
				supervisor.Config{
					IssueAttempts:  cfg.Supervisor.IssueAttempts,
					IssueBackoff:   time.Duration(cfg.Supervisor.IssueBackoffMS) * time.Millisecond,
					SampleInterval: time.Duration(cfg.Supervisor.SampleIntervalSeconds) * time.Second,
					StopTimeout:    time.Duration(cfg.Supervisor.StopTimeoutSeconds) * time.Second,
					MountDir:       cfg.Supervisor.MountDir,
				})
			if err != nil {
				return err
			}

			logger.Info("reconcile start", "sites", len(store.List()))
			if err := sup.Reconcile(ctx); err != nil {
				logger.Warn("reconcile incomplete", "err", err)
			}
			logger.Info("reconcile ok")

			server := httpapi.NewServer(httpapi.Config{
				Store:   store,
				Orch:    sup,
				Bus:     bus,
				Dropper: broker,
				Metrics: recorder.Handler(),
				Logger:  logger,
			})

			err = httpapi.ListenAndServe(ctx, cfg.HTTP.Addr, server)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if stopErr := sup.Shutdown(shutdownCtx); stopErr != nil {
				logger.Warn("supervisor shutdown failed", "err", stopErr)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}

func validateServeConfig(cfg appconfig.Config) error {
	if strings.TrimSpace(cfg.Database.AdminDSN) == "" {
		return errors.New("database.admin_dsn is required to broker site credentials")
	}
	if strings.TrimSpace(cfg.Runtime.Containerd.Address) == "" {
		return errors.New("runtime.containerd.address is required")
	}
	if len(cfg.Images.Bases) == 0 {
		return errors.New("images.bases must list at least one base image")
	}
	return nil
}
