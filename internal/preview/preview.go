// Package preview executes a pipeline read-only: no branch, no Iceberg
// write, no quality gate. It returns sampled rows, column info, a phase
// timing profile, the engine's query plan, and the logs the run would have
// produced, so pipeline authors can iterate without committing anything.
//
// Landing-zone references resolve differently here than in a real run: a
// _samples/ subfolder is preferred when present so previews stay cheap on
// large zones, falling back to all files with a warning.
package preview

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/brinkfield/lakeforge/internal/catalog"
	"github.com/brinkfield/lakeforge/internal/config"
	"github.com/brinkfield/lakeforge/internal/domain"
	"github.com/brinkfield/lakeforge/internal/executor"
	"github.com/brinkfield/lakeforge/internal/objectstore"
	"github.com/brinkfield/lakeforge/internal/queryengine"
	"github.com/brinkfield/lakeforge/internal/runlog"
	"github.com/brinkfield/lakeforge/internal/script"
	"github.com/brinkfield/lakeforge/internal/templating"
)

// DefaultLimit bounds the sampled rows returned when the caller doesn't
// ask for a specific count.
const DefaultLimit = 100

// Timeout caps a preview's total execution time; previews are interactive
// and a stuck one should fail fast rather than hold an engine session.
const Timeout = 30 * time.Second

// Dependencies are the long-lived collaborators a preview needs.
type Dependencies struct {
	Objects        *objectstore.Cache
	BaseS3         config.S3Config
	Catalog        *catalog.Client
	EngineMemoryMB int
	EngineThreads  int
}

// Request describes one preview invocation. Code, when non-empty, is used
// in place of the stored pipeline source; PipelineType ("sql" or "python")
// disambiguates inline code and defaults to "sql".
type Request struct {
	Namespace    string
	Layer        string
	PipelineName string
	Limit        int
	Code         string
	PipelineType string
	Env          map[string]string
}

// Column describes one result column.
type Column struct {
	Name string
	Type string
}

// Phase is the timing of one preview execution phase.
type Phase struct {
	Name       string
	DurationMs int64
	Metadata   map[string]string
}

// Result is everything a preview produces. Error is set instead of
// returned so partial diagnostics (logs, phases) survive a failure.
type Result struct {
	Rows          []map[string]any
	Columns       []Column
	TotalRowCount int64
	Phases        []Phase
	ExplainOutput string
	MemoryPeakMB  float64
	Logs          []runlog.Entry
	Error         string
	Warnings      []string
}

// Run executes one preview. It never returns an error: failures are
// recorded on the Result so callers always get whatever diagnostics
// accumulated before the failure.
func Run(ctx context.Context, deps Dependencies, req Request) *Result {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}

	res := &Result{}
	log := runlog.New()
	defer func() {
		entries, _ := log.From(0)
		res.Logs = entries
	}()

	if err := run(ctx, deps, req, res, log); err != nil {
		res.Error = err.Error()
		log.Error(fmt.Sprintf("preview failed: %v", err))
	}
	return res
}

func run(ctx context.Context, deps Dependencies, req Request, res *Result, log *runlog.Log) error {
	store, err := deps.Objects.Get(ctx, deps.BaseS3.WithOverrides(req.Env))
	if err != nil {
		return fmt.Errorf("acquire object store client: %w", err)
	}

	session, err := queryengine.Open(ctx, queryengine.Options{
		MemoryLimitMB: deps.EngineMemoryMB,
		Threads:       deps.EngineThreads,
		S3:            deps.BaseS3.WithOverrides(req.Env),
	})
	if err != nil {
		return fmt.Errorf("open query engine session: %w", err)
	}
	defer session.Close()

	log.Info(fmt.Sprintf("starting preview for %s/%s/%s", req.Namespace, req.Layer, req.PipelineName))

	// Detect phase: inline code skips the object-store read entirely.
	t0 := time.Now()
	source, err := detectSource(ctx, store, req, log)
	if err != nil {
		return err
	}
	cfg, err := executor.LoadConfig(ctx, store, req.Namespace, req.Layer, req.PipelineName, nil, source.Body)
	if err != nil {
		log.Warn(fmt.Sprintf("config load failed, using defaults: %v", err))
		cfg = domain.DefaultPipelineConfig()
	}
	res.Phases = append(res.Phases, Phase{
		Name:       "detect",
		DurationMs: time.Since(t0).Milliseconds(),
		Metadata:   map[string]string{"pipeline_type": string(source.Kind)},
	})

	resolver := &sampleResolver{
		inner: executor.NewRefResolver(executor.RefResolverOptions{
			Catalog:   deps.Catalog,
			Branch:    "main",
			Bucket:    deps.BaseS3.Bucket,
			Namespace: req.Namespace,
			Layer:     req.Layer,
			Name:      req.PipelineName,
		}),
		store:    store,
		bucket:   deps.BaseS3.Bucket,
		warnings: &res.Warnings,
	}

	switch source.Kind {
	case executor.SourceSQL:
		return previewSQL(ctx, session, source.Body, cfg, req, res, resolver, log)
	default:
		return previewScript(ctx, session, source.Body, cfg, req, res, resolver, log)
	}
}

func detectSource(ctx context.Context, store *objectstore.Client, req Request, log *runlog.Log) (executor.PipelineSource, error) {
	if req.Code != "" {
		kind := executor.SourceSQL
		if req.PipelineType == "python" {
			kind = executor.SourceScript
		}
		log.Info(fmt.Sprintf("using inline %s code (%d chars)", kind, len(req.Code)))
		return executor.PipelineSource{Kind: kind, Body: req.Code}, nil
	}
	return executor.LoadSource(ctx, store, req.Namespace, req.Layer, req.PipelineName, nil)
}

func previewSQL(
	ctx context.Context,
	session *queryengine.Session,
	body string,
	cfg domain.PipelineConfig,
	req Request,
	res *Result,
	resolver templating.RefResolver,
	log *runlog.Log,
) error {
	t0 := time.Now()
	compiled, err := templating.Compile(ctx, body, templating.CompileOptions{
		Namespace:    req.Namespace,
		Layer:        req.Layer,
		PipelineName: req.PipelineName,
		Config:       &cfg,
		RunStartedAt: time.Now(),
	}, resolver)
	if err != nil {
		return fmt.Errorf("compile pipeline template: %w", err)
	}
	res.Phases = append(res.Phases, Phase{Name: "compile", DurationMs: time.Since(t0).Milliseconds()})
	log.Info("SQL compiled")

	t0 = time.Now()
	limited := fmt.Sprintf("SELECT * FROM (%s) AS _preview LIMIT %d", compiled, req.Limit)
	result, err := session.Query(ctx, limited)
	if err != nil {
		return fmt.Errorf("execute preview query: %w", err)
	}
	res.Phases = append(res.Phases, Phase{
		Name:       "execute",
		DurationMs: time.Since(t0).Milliseconds(),
		Metadata:   map[string]string{"limit": fmt.Sprintf("%d", req.Limit)},
	})
	res.Rows = result.Rows
	res.Columns = inferColumns(result.Rows)
	log.Info(fmt.Sprintf("executed with LIMIT %d: %d rows", req.Limit, len(result.Rows)))

	// The plan for the LIMIT-wrapped query is representative enough and
	// avoids a second full-data scan.
	t0 = time.Now()
	plan, err := session.Explain(ctx, limited)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("EXPLAIN failed: %v", err))
		log.Warn(fmt.Sprintf("EXPLAIN failed: %v", err))
	} else {
		res.ExplainOutput = plan
	}
	res.Phases = append(res.Phases, Phase{Name: "explain", DurationMs: time.Since(t0).Milliseconds()})

	// When the LIMIT query came back short we already know the exact
	// total; only a full result needs the extra COUNT(*).
	t0 = time.Now()
	if len(result.Rows) < req.Limit {
		res.TotalRowCount = int64(len(result.Rows))
	} else {
		countRes, err := session.Query(ctx, fmt.Sprintf("SELECT COUNT(*) AS n FROM (%s) AS _count", compiled))
		if err != nil || len(countRes.Rows) == 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("COUNT(*) failed: %v", err))
			res.TotalRowCount = int64(len(result.Rows))
		} else if n, ok := countRes.Rows[0]["n"].(int64); ok {
			res.TotalRowCount = n
		}
	}
	res.Phases = append(res.Phases, Phase{Name: "count", DurationMs: time.Since(t0).Milliseconds()})
	log.Info(fmt.Sprintf("total row count: %d", res.TotalRowCount))

	collectMemoryStats(ctx, session, res)
	return nil
}

func previewScript(
	ctx context.Context,
	session *queryengine.Session,
	body string,
	cfg domain.PipelineConfig,
	req Request,
	res *Result,
	resolver script.RefResolver,
	log *runlog.Log,
) error {
	res.Phases = append(res.Phases, Phase{Name: "compile", Metadata: map[string]string{"skipped": "script"}})

	t0 := time.Now()
	rows, err := script.Execute(ctx, body, script.Options{
		Namespace:    req.Namespace,
		Layer:        req.Layer,
		PipelineName: req.PipelineName,
		Config:       &cfg,
		RunStartedAt: time.Now(),
		Logger:       log,
	}, resolver, session)
	if err != nil {
		return err
	}
	res.Phases = append(res.Phases, Phase{
		Name:       "execute",
		DurationMs: time.Since(t0).Milliseconds(),
		Metadata:   map[string]string{"limit": fmt.Sprintf("%d", req.Limit)},
	})

	total := len(rows)
	if total > req.Limit {
		rows = rows[:req.Limit]
	}
	res.Rows = rows
	res.Columns = inferColumns(rows)
	res.TotalRowCount = int64(total)
	log.Info(fmt.Sprintf("executed script pipeline: %d rows (total: %d)", len(rows), total))

	res.Phases = append(res.Phases,
		Phase{Name: "explain", Metadata: map[string]string{"skipped": "script"}},
		Phase{Name: "count"},
	)
	collectMemoryStats(ctx, session, res)
	return nil
}

func collectMemoryStats(ctx context.Context, session *queryengine.Session, res *Result) {
	if used, _, err := session.MemoryStats(ctx); err == nil {
		res.MemoryPeakMB = used
	}
}

// inferColumns derives column names and rough engine type names from the
// first sampled row. Good enough for a preview pane; the authoritative
// schema lives in the catalog.
func inferColumns(rows []map[string]any) []Column {
	if len(rows) == 0 {
		return nil
	}
	names := sortedKeys(rows[0])
	cols := make([]Column, 0, len(names))
	for _, name := range names {
		cols = append(cols, Column{Name: name, Type: typeName(firstNonNil(rows, name))})
	}
	return cols
}

func firstNonNil(rows []map[string]any, col string) any {
	for _, row := range rows {
		if v := row[col]; v != nil {
			return v
		}
	}
	return nil
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "NULL"
	case bool:
		return "BOOLEAN"
	case int, int32, int64:
		return "BIGINT"
	case float32, float64:
		return "DOUBLE"
	case time.Time:
		return "TIMESTAMP"
	case []byte:
		return "BLOB"
	default:
		return "VARCHAR"
	}
}

func sortedKeys(row map[string]any) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
