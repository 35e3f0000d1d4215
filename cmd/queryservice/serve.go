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

	"github.com/brinkfield/lakeforge/internal/catalog"
	"github.com/brinkfield/lakeforge/internal/circuitbreaker"
	"github.com/brinkfield/lakeforge/internal/config"
	"github.com/brinkfield/lakeforge/internal/logging"
	"github.com/brinkfield/lakeforge/internal/metrics"
	"github.com/brinkfield/lakeforge/internal/observability"
	"github.com/brinkfield/lakeforge/internal/queryservice"
	"github.com/brinkfield/lakeforge/internal/rpc"
)

func serveCmd() *cobra.Command {
	var (
		grpcAddr    string
		metricsAddr string
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the query service daemon",
		Long:  "Serve read-only SQL over Iceberg tables discovered from the catalog, with continuous background refresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadQueryServiceFromEnv(config.DefaultQueryServiceConfig())
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

			if cfg.Metrics.Enabled {
				m := metrics.New(cfg.Metrics.Namespace)
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

			engine, err := queryservice.OpenEngine(context.Background(), cfg.S3, cfg.Engine)
			if err != nil {
				return err
			}
			defer engine.Close()

			discovery := queryservice.NewDiscovery(catalogClient, engine, cfg.Namespaces)
			discovery.Start(context.Background(), cfg.RefreshPeriod)
			defer discovery.Stop()

			server := rpc.NewQueryServer(engine, discovery)
			if err := server.Start(cfg.GRPCAddr, cfg.TLS); err != nil {
				return fmt.Errorf("start query gRPC server: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logging.Op().Info("shutdown signal received", "signal", sig.String())

			server.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&grpcAddr, "grpc", ":7071", "Query service gRPC address")
	cmd.Flags().StringVar(&metricsAddr, "metrics", ":9101", "Prometheus metrics address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	return cmd
}
