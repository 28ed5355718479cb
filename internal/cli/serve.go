package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/tripflow/internal/metrics"
	"github.com/malbeclabs/tripflow/internal/query"
	"github.com/malbeclabs/tripflow/internal/server"
)

type ServeCmd struct {
	build BuildInfo
}

func NewServeCmd(build BuildInfo) *ServeCmd {
	return &ServeCmd{build: build}
}

func (c *ServeCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP query service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := newLogger(cfg.Verbose)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			registry, err := newRegistry(log, cfg)
			if err != nil {
				return err
			}
			defer registry.Close()

			svc, err := query.NewService(query.Config{
				Logger:           log,
				Registry:         registry,
				TrafficCacheSize: cfg.Serve.TrafficCacheSize,
				TrafficCacheTTL:  cfg.Serve.TrafficCacheTTL,
			})
			if err != nil {
				return fmt.Errorf("failed to create query service: %w", err)
			}
			defer svc.Close()

			pipeline, err := newPipeline(log, cfg, registry, svc.Invalidate)
			if err != nil {
				return err
			}

			srv, err := server.New(server.Config{
				Logger:          log,
				ListenAddr:      cfg.Serve.ListenAddr,
				Query:           svc,
				Uploader:        pipeline,
				Readiness:       registry,
				EnableSQL:       cfg.Serve.EnableSQL,
				StaticDir:       cfg.Serve.StaticDir,
				CORSOrigins:     cfg.Serve.CORSOrigins,
				MaxUploadBytes:  cfg.Serve.MaxUploadBytes,
				ShutdownTimeout: cfg.Serve.ShutdownTimeout,
			})
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			metrics.BuildInfo.WithLabelValues(c.build.Version, c.build.Commit, c.build.Date).Set(1)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.Run(ctx)
			})
			if cfg.Serve.MetricsAddr != "" {
				g.Go(func() error {
					return runMetricsServer(ctx, cfg.Serve.MetricsAddr, cfg.Serve.ShutdownTimeout)
				})
				log.Info("server: metrics listening", "metricsAddr", cfg.Serve.MetricsAddr)
			}
			if err := g.Wait(); err != nil {
				log.Error("server: exited with error", "error", err)
				return err
			}
			return nil
		},
	}

	cmd.Flags().String("listen-addr", ":5000", "address to listen on for HTTP requests")
	cmd.Flags().String("metrics-addr", "", "address to listen on for prometheus metrics (disabled when empty)")
	cmd.Flags().Bool("enable-sql", false, "expose GET /sql for arbitrary queries")
	cmd.Flags().String("static-dir", "", "directory of front end files served at /")
	cmd.Flags().StringSlice("cors-origin", nil, "allowed CORS origin (repeatable)")
	cmd.Flags().Int("traffic-cache-size", 1024, "maximum number of cached traffic results")
	cmd.Flags().Duration("traffic-cache-ttl", 0, "lifetime of cached traffic results (0 keeps them until evicted)")
	cmd.Flags().Int64("max-upload-bytes", 512<<20, "maximum request size for dataset uploads")
	cmd.Flags().Duration("shutdown-timeout", 10*time.Second, "grace period for in-flight requests on shutdown")
	return cmd
}

func runMetricsServer(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to serve metrics: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
