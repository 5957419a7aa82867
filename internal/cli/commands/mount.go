package commands

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/remotefs/remotefs/internal/circuit"
	"github.com/remotefs/remotefs/internal/config"
	"github.com/remotefs/remotefs/internal/fuse"
	"github.com/remotefs/remotefs/internal/health"
	"github.com/remotefs/remotefs/internal/metrics"
	"github.com/remotefs/remotefs/internal/remote"
	"github.com/remotefs/remotefs/pkg/retry"
	"github.com/remotefs/remotefs/pkg/utils"
)

type mountOptions struct {
	verbose    bool
	allowOther bool
	fsName     string
	timeout    time.Duration
}

func newMountCommand(c *CLI) *cobra.Command {
	var opts mountOptions

	cmd := &cobra.Command{
		Use:   "mount [OPTIONS] SERVER_URL MOUNTPOINT",
		Short: "Mount the remote file API at MOUNTPOINT",
		Long: `Mount the remote file API at MOUNTPOINT and serve it until the
process receives SIGINT or SIGTERM, or the filesystem is unmounted
externally. The server's /health endpoint is probed first; an
unreachable server fails the mount immediately.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := c.Config()
			cfg.Remote.ServerURL = args[0]
			cfg.Mount.MountPoint = args[1]
			if cmd.Flags().Changed("allow-other") {
				cfg.Mount.AllowOther = opts.allowOther
			}
			if opts.fsName != "" {
				cfg.Mount.FSName = opts.fsName
			}
			if opts.timeout > 0 {
				cfg.Remote.Timeout = opts.timeout
			}
			if opts.verbose {
				cfg.Mount.Debug = true
				logrus.SetLevel(logrus.DebugLevel)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runMount(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log every FUSE request and remote call")
	flags.BoolVar(&opts.allowOther, "allow-other", false, "Allow other users to access the mount")
	flags.StringVar(&opts.fsName, "fsname", "", "Filesystem name shown in the mount table")
	flags.DurationVar(&opts.timeout, "timeout", 0, "Timeout for each remote request")

	return cmd
}

func runMount(ctx context.Context, cfg *config.Configuration) error {
	logger := utils.ComponentLogger("cli")

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      cfg.Global.MetricsPort,
		Path:      "/metrics",
		Namespace: "remotefs",
	})
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return fmt.Errorf("failed to start metrics endpoint: %w", err)
	}

	clientCfg := remote.Config{
		BaseURL:   cfg.Remote.ServerURL,
		Timeout:   cfg.Remote.Timeout,
		UserAgent: fmt.Sprintf("%s/%s", cfg.Remote.UserAgent, Version),
		Metrics:   collector,
	}
	if cb := cfg.Network.CircuitBreaker; cb.Enabled {
		clientCfg.Breaker = &circuit.Config{
			MaxRequests: 1,
			Timeout:     cb.Timeout,
			ReadyToTrip: circuit.ConsecutiveFailures(uint32(cb.FailureThreshold)),
		}
	}
	client, err := remote.NewClient(clientCfg)
	if err != nil {
		return err
	}

	maxWrite, err := cfg.MaxWriteBytes()
	if err != nil {
		return err
	}
	maxFileSize, err := cfg.MaxFileSizeBytes()
	if err != nil {
		return err
	}

	bridgeOpts := fuse.DefaultOptions()
	bridgeOpts.UID = cfg.Mount.UID
	bridgeOpts.GID = cfg.Mount.GID
	bridgeOpts.FileMode = os.FileMode(cfg.Mount.FileMode).Perm()
	bridgeOpts.DirMode = os.FileMode(cfg.Mount.DirMode).Perm()
	bridgeOpts.AttrTimeout = cfg.Mount.AttrTimeout
	bridgeOpts.EntryTimeout = cfg.Mount.EntryTimeout
	bridgeOpts.CacheTTL = cfg.Cache.AttrTTL
	bridgeOpts.CacheMaxEntries = cfg.Cache.MaxEntries
	bridgeOpts.MaxFileSize = maxFileSize
	bridgeOpts.Retry = retry.Config{
		MaxAttempts:  cfg.Network.Retry.MaxAttempts,
		InitialDelay: cfg.Network.Retry.BaseDelay,
		MaxDelay:     cfg.Network.Retry.MaxDelay,
		Jitter:       true,
	}
	bridgeOpts.Metrics = collector
	bridgeOpts.Logger = utils.ComponentLogger("fuse")

	if cfg.Mount.Debug {
		// go-fuse writes its request trace through the standard logger.
		w := logrus.StandardLogger().WriterLevel(logrus.DebugLevel)
		defer w.Close()
		log.SetOutput(w)
		log.SetFlags(0)
	}

	mgr := fuse.CreatePlatformMountManager(client, bridgeOpts, &fuse.MountConfig{
		MountPoint: cfg.Mount.MountPoint,
		FSName:     cfg.Mount.FSName,
		AllowOther: cfg.Mount.AllowOther,
		Debug:      cfg.Mount.Debug,
		MaxWrite:   maxWrite,
	})

	if err := mgr.Mount(ctx); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"server":      cfg.Remote.ServerURL,
		"mount_point": cfg.Mount.MountPoint,
	}).Info("Serving filesystem; press Ctrl+C to unmount")

	if cfg.Remote.HealthInterval > 0 {
		checker, err := health.NewChecker(client.Health, health.Config{
			Interval:    cfg.Remote.HealthInterval,
			Timeout:     cfg.Remote.Timeout,
			MaxFailures: cfg.Remote.HealthFailures,
			OnChange: func(_, to health.Status, _ error) {
				collector.SetRemoteHealthy(to == health.StatusHealthy)
			},
			Logger: utils.ComponentLogger("health"),
		})
		if err != nil {
			_ = mgr.Unmount()
			return err
		}
		collector.SetRemoteHealthy(true)
		go checker.Run(ctx)
	}

	served := make(chan struct{})
	go func() {
		mgr.Wait()
		close(served)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Signal received, unmounting")
		if err := mgr.Unmount(); err != nil {
			return err
		}
		<-served
	case <-served:
		logger.Info("Filesystem was unmounted externally")
	}

	stats := mgr.GetStats()
	logger.WithFields(logrus.Fields{
		"lookups":       stats.Lookups,
		"reads":         stats.Reads,
		"writes":        stats.Writes,
		"bytes_read":    stats.BytesRead,
		"bytes_written": stats.BytesWritten,
		"errors":        stats.Errors,
	}).Info("Session finished")
	return nil
}
