package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/brinkfield/lakeforge/internal/config"
	"github.com/brinkfield/lakeforge/internal/dag"
	"github.com/brinkfield/lakeforge/internal/logging"
	"github.com/brinkfield/lakeforge/internal/objectstore"
	"github.com/brinkfield/lakeforge/internal/templating"
)

// lintCmd validates every SQL pipeline under a namespace without running
// anything: template syntax and anti-patterns per pipeline, then cycle
// detection over the ref() dependency graph. Exit code 1 if any error is
// found, so it slots into CI ahead of a publish.
func lintCmd() *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Validate pipeline templates and the dependency graph",
		Long:  "Read every pipeline.sql under a namespace, check template syntax and anti-patterns, and reject dependency cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			if namespace == "" {
				return fmt.Errorf("--namespace is required")
			}

			cfg, err := config.LoadRunnerFromEnv(config.DefaultRunnerConfig())
			if err != nil {
				return err
			}
			logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level)

			ctx := context.Background()
			store, err := objectstore.NewCache().Get(ctx, cfg.S3)
			if err != nil {
				return fmt.Errorf("open object store: %w", err)
			}

			keys, err := store.ListKeys(ctx, namespace+"/pipelines/")
			if err != nil {
				return fmt.Errorf("list pipelines: %w", err)
			}

			var sources []dag.Source
			problems := 0
			for _, key := range keys {
				if !strings.HasSuffix(key, "/pipeline.sql") {
					continue
				}
				ns, layer, name, ok := splitPipelineKey(key)
				if !ok {
					continue
				}

				body, err := store.GetObjectText(ctx, key)
				if err != nil || body == nil {
					fmt.Fprintf(os.Stderr, "ERROR %s: unreadable: %v\n", key, err)
					problems++
					continue
				}

				result := templating.Validate(*body)
				for _, w := range result.Warnings {
					fmt.Fprintf(os.Stderr, "WARN  %s.%s.%s: %s\n", ns, layer, name, w)
				}
				for _, e := range result.Errors {
					fmt.Fprintf(os.Stderr, "ERROR %s.%s.%s: %s\n", ns, layer, name, e)
					problems++
				}

				sources = append(sources, dag.Source{Namespace: ns, Layer: layer, Name: name, SQL: *body})
			}

			for _, e := range dag.Validate(sources, namespace) {
				fmt.Fprintf(os.Stderr, "ERROR %s\n", e)
				problems++
			}

			fmt.Printf("checked %d pipeline(s), %d error(s)\n", len(sources), problems)
			if problems > 0 {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&namespace, "namespace", "", "Namespace whose pipelines to lint")
	return cmd
}

// splitPipelineKey decomposes <ns>/pipelines/<layer>/<name>/pipeline.sql.
func splitPipelineKey(key string) (ns, layer, name string, ok bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 5 || parts[1] != "pipelines" {
		return "", "", "", false
	}
	return parts[0], parts[2], parts[3], true
}
