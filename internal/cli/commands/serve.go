package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/remotefs/remotefs/internal/config"
	"github.com/remotefs/remotefs/internal/metrics"
	"github.com/remotefs/remotefs/internal/server"
	"github.com/remotefs/remotefs/internal/storage"
	"github.com/remotefs/remotefs/internal/storage/disk"
	"github.com/remotefs/remotefs/internal/storage/s3"
	"github.com/remotefs/remotefs/pkg/utils"
)

type serveOptions struct {
	listen string
	root   string
	store  string
	bucket string
}

func newServeCommand(c *CLI) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve [OPTIONS]",
		Short: "Run the reference remote file API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := c.Config()
			if opts.listen != "" {
				cfg.Server.Listen = opts.listen
			}
			if opts.root != "" {
				cfg.Server.Root = opts.root
			}
			if opts.store != "" {
				cfg.Server.Store = opts.store
			}
			if opts.bucket != "" {
				cfg.Server.S3.Bucket = opts.bucket
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.listen, "listen", "l", "", "Address to listen on")
	flags.StringVar(&opts.root, "root", "", "Directory served by the disk store")
	flags.StringVar(&opts.store, "store", "", "Storage backend (disk or s3)")
	flags.StringVar(&opts.bucket, "bucket", "", "Bucket served by the s3 store")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Configuration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	maxBody, err := cfg.MaxBodyBytes()
	if err != nil {
		return err
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Global.MetricsPort > 0,
		Port:      cfg.Global.MetricsPort,
		Path:      "/metrics",
		Namespace: "remotefs",
	})
	if err != nil {
		return err
	}

	srv := server.New(server.Config{
		Store:   store,
		MaxBody: maxBody,
		Version: Version,
		Logger:  utils.ComponentLogger("server"),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx, cfg.Server.Listen)
	})
	g.Go(func() error {
		return collector.Start(ctx)
	})

	err = g.Wait()
	logrus.WithField("store", store.Name()).Info("Server stopped")
	return err
}

func openStore(ctx context.Context, cfg *config.Configuration) (storage.Store, error) {
	switch cfg.Server.Store {
	case config.StoreS3:
		s3cfg := s3.NewDefaultConfig()
		s3cfg.Bucket = cfg.Server.S3.Bucket
		s3cfg.Prefix = cfg.Server.S3.Prefix
		s3cfg.Endpoint = cfg.Server.S3.Endpoint
		s3cfg.ForcePathStyle = cfg.Server.S3.ForcePathStyle
		s3cfg.EnableCargoShipOptimization = cfg.Server.S3.UseTransporter
		if cfg.Server.S3.Region != "" {
			s3cfg.Region = cfg.Server.S3.Region
		}
		return s3.NewBackend(ctx, s3cfg)
	default:
		return disk.New(cfg.Server.Root)
	}
}
