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

	"github.com/brinkfield/lakeforge/internal/admission"
	"github.com/brinkfield/lakeforge/internal/catalog"
	"github.com/brinkfield/lakeforge/internal/circuitbreaker"
	"github.com/brinkfield/lakeforge/internal/config"
	"github.com/brinkfield/lakeforge/internal/executor"
	"github.com/brinkfield/lakeforge/internal/iceberg"
	"github.com/brinkfield/lakeforge/internal/logging"
	"github.com/brinkfield/lakeforge/internal/marker"
	"github.com/brinkfield/lakeforge/internal/metrics"
	"github.com/brinkfield/lakeforge/internal/objectstore"
	"github.com/brinkfield/lakeforge/internal/observability"
	"github.com/brinkfield/lakeforge/internal/preview"
	"github.com/brinkfield/lakeforge/internal/registry"
	"github.com/brinkfield/lakeforge/internal/rpc"
)

func daemonCmd() *cobra.Command {
	var (
		grpcAddr    string
		metricsAddr string
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the pipeline runner daemon",
		Long:  "Run the runner with its submission gRPC API, worker pool, registry, and crash-recovery reconciliation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRunnerFromEnv(config.DefaultRunnerConfig())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("grpc") {
				cfg.GRPCAddr = grpcAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}

			logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Tracing.Enabled,
				Exporter:    cfg.Tracing.Exporter,
				Endpoint:    cfg.Tracing.Endpoint,
				ServiceName: cfg.Tracing.ServiceName,
				SampleRate:  cfg.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			var m *metrics.Metrics
			if cfg.Metrics.Enabled {
				m = metrics.New(cfg.Metrics.Namespace)
				mux := http.NewServeMux()
				mux.Handle("/metrics", m.Handler())
				go func() {
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						logging.Op().Error("metrics server error", "error", err)
					}
				}()
			}

			breaker := circuitbreaker.New(circuitbreaker.Config{
				ErrorPct:       50,
				WindowDuration: time.Minute,
				OpenDuration:   30 * time.Second,
				HalfOpenProbes: 2,
			})
			catalogClient := catalog.New(cfg.Catalog.APIV2URL, cfg.Catalog.Timeout, breaker)
			if m != nil {
				catalogClient.SetRetryHook(m.CatalogRetries.Inc)
			}

			icebergCatalog, err := iceberg.NewRESTCatalog(context.Background(), cfg.Catalog.APIV2URL, map[string]string{
				"s3.endpoint":          cfg.S3.Endpoint,
				"s3.region":            cfg.S3.Region,
				"s3.access-key-id":     cfg.S3.AccessKeyID,
				"s3.secret-access-key": cfg.S3.SecretAccessKey,
			})
			if err != nil {
				return fmt.Errorf("open iceberg catalog: %w", err)
			}

			markers, err := marker.New(cfg.StateDir)
			if err != nil {
				return err
			}

			reg := registry.New(cfg.Admission.RunTTL)
			defer reg.Stop()

			objects := objectstore.NewCache()
			execDeps := executor.Dependencies{
				Objects:        objects,
				BaseS3:         cfg.S3,
				Catalog:        catalogClient,
				IcebergCatalog: icebergCatalog,
				Metrics:        m,
				EngineMemoryMB: cfg.Engine.MemoryLimitMB,
				EngineThreads:  cfg.Engine.Threads,
			}

			admitter := admission.New(admission.Dependencies{
				Executor:          execDeps,
				Registry:          reg,
				Markers:           markers,
				Metrics:           m,
				MaxConcurrentRuns: cfg.Admission.MaxConcurrentRuns,
				Workers:           cfg.Admission.Workers,
				CallbackURL:       cfg.Admission.CallbackURL,
			})

			if err := admitter.Reconcile(); err != nil {
				return fmt.Errorf("crash recovery reconciliation: %w", err)
			}

			server := rpc.NewRunnerServer(admitter, reg, preview.Dependencies{
				Objects:        objects,
				BaseS3:         cfg.S3,
				Catalog:        catalogClient,
				EngineMemoryMB: cfg.Engine.MemoryLimitMB,
				EngineThreads:  cfg.Engine.Threads,
			})
			if err := server.Start(cfg.GRPCAddr, cfg.TLS); err != nil {
				return fmt.Errorf("start runner gRPC server: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logging.Op().Info("shutdown signal received", "signal", sig.String())

			server.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			admitter.Shutdown(shutdownCtx)
			return nil
		},
	}

	cmd.Flags().StringVar(&grpcAddr, "grpc", ":7070", "Runner gRPC address")
	cmd.Flags().StringVar(&metricsAddr, "metrics", ":9100", "Prometheus metrics address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	return cmd
}
