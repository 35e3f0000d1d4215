package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/brinkfield/lakeforge/internal/catalog"
	"github.com/brinkfield/lakeforge/internal/config"
	"github.com/brinkfield/lakeforge/internal/domain"
	"github.com/brinkfield/lakeforge/internal/executor"
	"github.com/brinkfield/lakeforge/internal/iceberg"
	"github.com/brinkfield/lakeforge/internal/logging"
	"github.com/brinkfield/lakeforge/internal/objectstore"
)

// runCmd executes exactly one pipeline and exits — the container-executor
// entry point, where an orchestrator owns scheduling and only needs one
// run per process. Parameters come from flags (or the run-id from the
// platform), the terminal result goes to stdout as a single JSON line,
// and the exit code is 0 only on Success.
func runCmd() *cobra.Command {
	var (
		runID     string
		namespace string
		layer     string
		pipeline  string
		trigger   string
		logLevel  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a single pipeline run and exit",
		Long:  "Run one pipeline to completion (single-shot mode), print a JSON result line to stdout, and exit 0 on success",
		RunE: func(cmd *cobra.Command, args []string) error {
			if namespace == "" || pipeline == "" {
				return fmt.Errorf("--namespace and --pipeline are required")
			}
			if !domain.ValidLayer(layer) {
				return fmt.Errorf("invalid layer %q (expected bronze, silver, or gold)", layer)
			}

			cfg, err := config.LoadRunnerFromEnv(config.DefaultRunnerConfig())
			if err != nil {
				return err
			}
			logging.InitStructured(cfg.Logging.Format, logLevel)

			catalogClient := catalog.New(cfg.Catalog.APIV2URL, cfg.Catalog.Timeout, nil)
			icebergCatalog, err := iceberg.NewRESTCatalog(context.Background(), cfg.Catalog.APIV2URL, map[string]string{
				"s3.endpoint":          cfg.S3.Endpoint,
				"s3.region":            cfg.S3.Region,
				"s3.access-key-id":     cfg.S3.AccessKeyID,
				"s3.secret-access-key": cfg.S3.SecretAccessKey,
			})
			if err != nil {
				return fmt.Errorf("open iceberg catalog: %w", err)
			}

			if runID == "" {
				runID = uuid.NewString()
			}
			run := domain.NewRun(runID, namespace, layer, pipeline, trigger, nil)
			run.SetStatus(domain.RunRunning)

			logging.Op().Info("single-shot run starting",
				"run_id", runID, "pipeline", namespace+"."+layer+"."+pipeline, "trigger", trigger)

			executor.RunWithRetry(context.Background(), executor.Dependencies{
				Objects:        objectstore.NewCache(),
				BaseS3:         cfg.S3,
				Catalog:        catalogClient,
				IcebergCatalog: icebergCatalog,
				EngineMemoryMB: cfg.Engine.MemoryLimitMB,
				EngineThreads:  cfg.Engine.Threads,
			}, executor.Request{Run: run})

			result := map[string]any{
				"run_id":       run.ID,
				"status":       run.Status(),
				"rows_written": run.RowsWritten(),
				"duration_ms":  run.DurationMs(),
			}
			if run.Error() != "" {
				result["error"] = run.Error()
			}
			line, _ := json.Marshal(result)
			fmt.Fprintln(os.Stdout, string(line))

			if run.Status() != domain.RunSuccess {
				// cobra prints returned errors to stderr; the JSON line above
				// is the machine-readable outcome, so exit silently non-zero.
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "Platform-assigned run ID (generated if empty)")
	cmd.Flags().StringVar(&namespace, "namespace", "", "Pipeline namespace")
	cmd.Flags().StringVar(&layer, "layer", "silver", "Pipeline layer (bronze, silver, gold)")
	cmd.Flags().StringVar(&pipeline, "pipeline", "", "Pipeline name")
	cmd.Flags().StringVar(&trigger, "trigger", "manual", "Trigger tag recorded on the run")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	return cmd
}
