// Package executor drives a single pipeline run through the six-phase
// lifecycle: branch reservation, source/config load, result construction,
// Iceberg write, quality gate, and branch resolution. It is the
// orchestrator that ties together internal/templating, internal/script,
// internal/iceberg, internal/quality, internal/catalog, internal/
// objectstore, and internal/queryengine behind a single entry point,
// Run, that internal/admission's worker pool calls once per dispatched
// run.
//
// The shape is a linear sequence of named phases sharing one per-call
// struct, each phase's failure mapped to a specific outcome, with
// best-effort side-effects (metrics, maintenance, archival) fired from a
// single deferred cleanup block rather than scattered through the phases
// themselves.
package executor

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/brinkfield/lakeforge/internal/catalog"
	"github.com/brinkfield/lakeforge/internal/config"
	"github.com/brinkfield/lakeforge/internal/domain"
	"github.com/brinkfield/lakeforge/internal/iceberg"
	"github.com/brinkfield/lakeforge/internal/logging"
	"github.com/brinkfield/lakeforge/internal/metrics"
	"github.com/brinkfield/lakeforge/internal/objectstore"
	"github.com/brinkfield/lakeforge/internal/observability"
	"github.com/brinkfield/lakeforge/internal/quality"
	"github.com/brinkfield/lakeforge/internal/queryengine"
	"github.com/brinkfield/lakeforge/internal/runlog"
	"github.com/brinkfield/lakeforge/internal/script"
	"github.com/brinkfield/lakeforge/internal/templating"
)

// mainBranch is the catalog's permanent branch every run merges into.
const mainBranch = "main"

// Dependencies are the long-lived collaborators shared across every run on
// a worker. None of these are per-run; Request carries what varies.
type Dependencies struct {
	Objects        *objectstore.Cache
	BaseS3         config.S3Config
	Catalog        *catalog.Client
	IcebergCatalog iceberg.Catalog
	Metrics        *metrics.Metrics
	EngineMemoryMB int
	EngineThreads  int
}

// Request is the per-run input to Run.
type Request struct {
	Run      *domain.Run
	Versions map[string]string // nil => pipeline never published, unversioned mode
	Env      map[string]string // per-run object-store credential overrides
}

// ErrCancelled is returned internally when a phase boundary observes the
// run's cancellation signal; Run maps it to status Cancelled, never Failed.
type ErrCancelled struct{}

func (ErrCancelled) Error() string { return "run was cancelled" }

// ErrSandboxViolation is raised verbatim from internal/script so its
// message survives to the caller intact: sandbox violations are
// programmer errors worth surfacing unredacted.
type ErrSandboxViolation = script.ErrSandboxViolation

// execution holds everything that accumulates across one run's phases. A
// fresh one is built per Run call; nothing on it is shared across runs.
type execution struct {
	deps     Dependencies
	run      *domain.Run
	versions map[string]string
	log      *runlog.Log

	branch        string
	branchCreated bool
	cfg           domain.PipelineConfig
	source        PipelineSource
	session       *queryengine.Session
	resolver      *RefResolver
	watermark     *string
	resultRows    []map[string]any
	target        iceberg.Identifier
}

// Run executes one attempt of req.Run's pipeline, mutating req.Run's
// status, rows-written, duration, error message, branch, quality results,
// and archived-zone list in place. It never returns an error and never
// panics: every phase's failure is caught here and mapped to a terminal
// status; cleanup always runs.
func Run(ctx context.Context, deps Dependencies, req Request) {
	run := req.Run
	run.SetStatus(domain.RunRunning)
	start := time.Now()

	ctx, span := observability.StartSpan(ctx, "lakeforge.run",
		observability.AttrRunID.String(run.ID),
		observability.AttrNamespace.String(run.Namespace),
		observability.AttrLayer.String(run.Layer),
		observability.AttrPipelineName.String(run.PipelineName),
	)
	defer span.End()

	e := &execution{
		deps:     deps,
		run:      run,
		versions: req.Versions,
		log:      run.Log(),
		target:   iceberg.Identifier{Namespace: run.Namespace, Layer: run.Layer, Name: run.PipelineName},
	}

	defer func() {
		e.cleanup(ctx)
		duration := time.Since(start)
		run.SetDuration(duration)
		recordOutcome(deps.Metrics, run, duration)
	}()

	err := e.runPhases(ctx, req.Env)
	switch {
	case err == nil:
		// status already set by phase5
		observability.SetSpanOK(span)
	case isCancelled(err):
		run.SetStatus(domain.RunCancelled)
		run.SetError("run cancelled")
		e.log.Warn("run cancelled")
		span.SetStatus(codes.Error, "cancelled")
	default:
		run.SetStatus(domain.RunFailed)
		run.SetError(err.Error())
		e.log.Error(fmt.Sprintf("run failed: %v", err))
		observability.SetSpanError(span, err)
	}
}

func isCancelled(err error) bool {
	_, ok := err.(ErrCancelled)
	return ok
}

// runPhases executes phases 0 through 5 in order, checking cancellation at
// each boundary. Phase 0 never returns an error: on failure it degrades to
// the direct-to-main fallback and continues.
func (e *execution) runPhases(ctx context.Context, env map[string]string) error {
	if e.checkCancelled() {
		return ErrCancelled{}
	}
	e.timed("branch_reservation", func() error {
		e.phase0BranchReservation(ctx)
		return nil
	})

	if e.checkCancelled() {
		return ErrCancelled{}
	}
	if err := e.timed("source_and_config", func() error { return e.phase1LoadSourceAndConfig(ctx) }); err != nil {
		return err
	}

	if e.checkCancelled() {
		return ErrCancelled{}
	}
	if err := e.timed("result_construction", func() error { return e.phase2ConstructResult(ctx, env) }); err != nil {
		return err
	}

	if e.checkCancelled() {
		return ErrCancelled{}
	}
	if err := e.timed("iceberg_write", func() error { return e.phase3WriteIceberg(ctx) }); err != nil {
		return err
	}

	if e.checkCancelled() {
		return ErrCancelled{}
	}
	if err := e.timed("quality_gate", func() error { return e.phase4QualityGate(ctx) }); err != nil {
		return err
	}

	return e.timed("branch_resolution", func() error { return e.phase5ResolveBranch(ctx) })
}

// timed runs one phase and records its duration under the phase label.
func (e *execution) timed(phase string, fn func() error) error {
	start := time.Now()
	err := fn()
	if e.deps.Metrics != nil {
		e.deps.Metrics.PhaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
	}
	return err
}

func (e *execution) checkCancelled() bool {
	return e.run.IsCancelled()
}

// phase0BranchReservation creates run-<id> from main. On any failure it
// logs a warning and falls back to writing directly to main; the quality
// gate's rollback path becomes unavailable for this run.
func (e *execution) phase0BranchReservation(ctx context.Context) {
	ctx, span := observability.StartSpan(ctx, "lakeforge.phase0_branch_reservation")
	defer span.End()

	branchName := "run-" + e.run.ID
	if _, err := e.deps.Catalog.CreateBranch(ctx, branchName, mainBranch); err != nil {
		e.log.Warn(fmt.Sprintf("branch reservation failed, writing directly to %s: %v", mainBranch, err))
		observability.SetSpanError(span, err)
		e.branch = mainBranch
		e.branchCreated = false
		e.run.SetBranch(mainBranch)
		return
	}

	e.branch = branchName
	e.branchCreated = true
	e.run.SetBranch(branchName)
	e.log.Info(fmt.Sprintf("reserved branch %s", branchName))
}

// phase1LoadSourceAndConfig reads pipeline source (script over SQL),
// merges config.yaml with source annotations, and validates referenced
// landing zones (empty zones become warnings, never errors).
func (e *execution) phase1LoadSourceAndConfig(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "lakeforge.phase1_source_and_config")
	defer span.End()

	store, err := e.deps.Objects.Get(ctx, e.deps.BaseS3)
	if err != nil {
		observability.SetSpanError(span, err)
		return fmt.Errorf("acquire object store client: %w", err)
	}

	source, err := LoadSource(ctx, store, e.run.Namespace, e.run.Layer, e.run.PipelineName, e.versions)
	if err != nil {
		observability.SetSpanError(span, err)
		return err
	}
	e.source = source

	cfg, err := LoadConfig(ctx, store, e.run.Namespace, e.run.Layer, e.run.PipelineName, e.versions, source.Body)
	if err != nil {
		observability.SetSpanError(span, err)
		return fmt.Errorf("load pipeline config: %w", err)
	}
	e.cfg = cfg

	e.resolver = NewRefResolver(RefResolverOptions{
		Catalog:   e.deps.Catalog,
		Branch:    e.branch,
		Bucket:    e.deps.BaseS3.Bucket,
		Namespace: e.run.Namespace,
		Layer:     e.run.Layer,
		Name:      e.run.PipelineName,
	})

	if source.Kind == SourceSQL {
		validation := templating.Validate(source.Body)
		for _, w := range validation.Warnings {
			e.log.Warn(w)
		}
		if len(validation.Errors) > 0 {
			observability.SetSpanError(span, fmt.Errorf("template validation failed"))
			return fmt.Errorf("template validation failed: %s", validation.Errors[0])
		}

		warnings, err := templating.ValidateLandingZones(ctx, source.Body, e.run.Namespace, store)
		if err != nil {
			e.log.Warn(fmt.Sprintf("landing zone validation failed: %v", err))
		}
		for _, w := range warnings {
			e.log.Warn(w)
		}
	}

	e.log.Info(fmt.Sprintf("loaded %s source, strategy=%s", source.Kind, cfg.MergeStrategy))
	return nil
}

// phase2ConstructResult opens a fresh query-engine session with per-run
// credential overrides, reads the watermark if the strategy needs one,
// compiles and executes the pipeline (SQL template or script), and
// collects the result rows.
func (e *execution) phase2ConstructResult(ctx context.Context, env map[string]string) error {
	ctx, span := observability.StartSpan(ctx, "lakeforge.phase2_result_construction")
	defer span.End()

	s3cfg := e.deps.BaseS3.WithOverrides(env)
	session, err := queryengine.Open(ctx, queryengine.Options{
		MemoryLimitMB: e.deps.EngineMemoryMB,
		Threads:       e.deps.EngineThreads,
		S3:            s3cfg,
	})
	if err != nil {
		observability.SetSpanError(span, err)
		return fmt.Errorf("open query engine session: %w", err)
	}
	e.session = session

	if requiresWatermark(e.cfg.MergeStrategy) && e.cfg.WatermarkColumn != "" {
		wm, err := iceberg.ReadWatermark(ctx, e.deps.IcebergCatalog, e.target, e.cfg.WatermarkColumn)
		if err != nil {
			e.log.Warn(fmt.Sprintf("watermark read failed, proceeding without filter: %v", err))
		} else {
			e.watermark = wm
		}
	}

	compileOpts := templating.CompileOptions{
		Namespace:    e.run.Namespace,
		Layer:        e.run.Layer,
		PipelineName: e.run.PipelineName,
		Config:       &e.cfg,
		RunStartedAt: e.run.CreatedAt,
	}
	if e.watermark != nil {
		compileOpts.WatermarkValue = *e.watermark
	}

	switch e.source.Kind {
	case SourceSQL:
		compiled, err := templating.Compile(ctx, e.source.Body, compileOpts, e.resolver)
		if err != nil {
			observability.SetSpanError(span, err)
			return fmt.Errorf("compile pipeline template: %w", err)
		}
		res, err := session.Query(ctx, compiled)
		if err != nil {
			observability.SetSpanError(span, err)
			return fmt.Errorf("execute pipeline query: %w", err)
		}
		e.resultRows = res.Rows

	case SourceScript:
		rows, err := script.Execute(ctx, e.source.Body, script.Options{
			Namespace:    e.run.Namespace,
			Layer:        e.run.Layer,
			PipelineName: e.run.PipelineName,
			Config:       &e.cfg,
			RunStartedAt: e.run.CreatedAt,
			Logger:       e.log,
		}, e.resolver, session)
		if err != nil {
			observability.SetSpanError(span, err)
			return err
		}
		e.resultRows = rows
	}

	e.log.Info(fmt.Sprintf("constructed result: %d row(s)", len(e.resultRows)))
	return nil
}

// requiresWatermark reports whether the strategy filters new input by the
// table's current high-water mark. Both keyed merge strategies do:
// delete_insert replaces matched rows just like incremental, so both read
// MAX(watermark_col) before constructing the result.
func requiresWatermark(s domain.MergeStrategy) bool {
	return s == domain.Incremental || s == domain.DeleteInsert
}

// phase3WriteIceberg dispatches the result to the configured merge
// strategy, downgrading to full_refresh when required configuration is
// missing, and skipping the write entirely for a zero-row result.
func (e *execution) phase3WriteIceberg(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "lakeforge.phase3_iceberg_write",
		observability.AttrMergeStrategy.String(string(e.cfg.MergeStrategy)))
	defer span.End()

	strategy := e.cfg.MergeStrategy
	if iceberg.RequiresUniqueKey(strategy) && len(e.cfg.UniqueKey) == 0 {
		e.log.Warn(fmt.Sprintf("strategy %s requires unique_key but none configured; downgrading to full_refresh", strategy))
		strategy = domain.FullRefresh
	}
	if iceberg.RequiresPartitionColumn(strategy) && e.cfg.PartitionColumn == "" {
		e.log.Warn(fmt.Sprintf("strategy %s requires partition_column but none configured; downgrading to full_refresh", strategy))
		strategy = domain.FullRefresh
	}

	if len(e.resultRows) == 0 {
		e.run.SetRowsWritten(0)
		e.log.Info("result has zero rows; skipping write")
		return nil
	}

	res, err := iceberg.Write(ctx, e.deps.IcebergCatalog, iceberg.WriteRequest{
		Branch:      e.branch,
		Target:      e.target,
		Strategy:    strategy,
		NewData:     e.resultRows,
		Config:      e.cfg,
		FullRewrite: fullRewrite(e.session, e.run.CreatedAt),
	})
	if err != nil {
		observability.SetSpanError(span, err)
		return fmt.Errorf("write to %s via %s: %w", e.target, strategy, err)
	}

	e.run.SetRowsWritten(res.RowsWritten)
	e.log.Info(fmt.Sprintf("wrote %d row(s) via %s (fast path: %v)", res.RowsWritten, strategy, res.UsedFastPath))
	return nil
}

// phase4QualityGate discovers and runs quality tests against the branch.
// Skipped entirely in unversioned mode (e.versions == nil).
func (e *execution) phase4QualityGate(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "lakeforge.phase4_quality_gate")
	defer span.End()

	keys := quality.Discover(e.versions, e.run.Namespace, e.run.Layer, e.run.PipelineName)
	if len(keys) == 0 {
		e.log.Info("no quality tests to run")
		return nil
	}

	store, err := e.deps.Objects.Get(ctx, e.deps.BaseS3)
	if err != nil {
		observability.SetSpanError(span, err)
		return fmt.Errorf("acquire object store client for quality gate: %w", err)
	}

	compileOpts := templating.CompileOptions{
		Namespace:    e.run.Namespace,
		Layer:        e.run.Layer,
		PipelineName: e.run.PipelineName,
		Config:       &e.cfg,
		RunStartedAt: e.run.CreatedAt,
	}
	if e.watermark != nil {
		compileOpts.WatermarkValue = *e.watermark
	}

	results := make([]domain.QualityTestResult, 0, len(keys))
	for _, key := range keys {
		result := quality.RunOne(ctx, sourceReaderAdapter{store}, queryEngineAdapter{e.session}, key, e.versions[key], compileOpts, e.resolver)
		results = append(results, result)
		e.log.Info(fmt.Sprintf("quality test %s: %s", result.TestName, result.Status))
		if e.deps.Metrics != nil {
			e.deps.Metrics.QualityOutcomes.WithLabelValues(result.Severity, result.Status).Inc()
		}
	}
	e.run.SetQualityResults(results)
	return nil
}

// phase5ResolveBranch merges or deletes the ephemeral branch based on the
// quality gate's outcome, or records a degraded outcome when Phase 0 never
// created a branch.
func (e *execution) phase5ResolveBranch(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "lakeforge.phase5_branch_resolution")
	defer span.End()

	failed := quality.GateFailed(e.run.QualityResults())

	if e.branchCreated {
		if failed {
			if err := e.deps.Catalog.DeleteBranch(ctx, e.branch); err != nil {
				e.log.Warn(fmt.Sprintf("failed to delete branch %s after quality failure: %v", e.branch, err))
			}
			e.branchCreated = false
			e.run.SetStatus(domain.RunFailed)
			return fmt.Errorf("quality gate failed: %s", qualityFailureSummary(e.run.QualityResults()))
		}

		if err := e.deps.Catalog.MergeBranch(ctx, e.branch, mainBranch); err != nil {
			observability.SetSpanError(span, err)
			if e.deps.Metrics != nil {
				e.deps.Metrics.BranchMergeFails.Inc()
			}
			return fmt.Errorf("merge branch %s into %s: %w", e.branch, mainBranch, err)
		}
		e.branchCreated = false
		e.run.SetStatus(domain.RunSuccess)
		e.postSuccess(ctx)
		return nil
	}

	// Phase 0 degraded to direct-to-main: data is already committed, no
	// rollback is possible on quality failure.
	if failed {
		e.run.SetStatus(domain.RunFailed)
		return fmt.Errorf("quality gate failed (data already on %s, no rollback available): %s", mainBranch, qualityFailureSummary(e.run.QualityResults()))
	}
	e.run.SetStatus(domain.RunSuccess)
	e.postSuccess(ctx)
	return nil
}

func qualityFailureSummary(results []domain.QualityTestResult) string {
	for _, r := range results {
		if r.Severity == "error" && (r.Status == "fail" || r.Status == "error") {
			return r.Message
		}
	}
	return "quality test failed"
}

// postSuccess runs the best-effort side effects of a successful run with
// rows written: landing-zone archival and table maintenance. Failures are
// logged, never propagated.
func (e *execution) postSuccess(ctx context.Context) {
	if e.run.RowsWritten() == 0 {
		return
	}

	if e.cfg.ArchiveLandingZones && e.source.Kind == SourceSQL {
		zones := templating.ExtractLandingZones(e.source.Body)
		if len(zones) > 0 {
			store, err := e.deps.Objects.Get(ctx, e.deps.BaseS3)
			if err != nil {
				e.log.Warn(fmt.Sprintf("archive landing zones: acquire object store client: %v", err))
			} else {
				archived := e.archiveLandingZones(ctx, store, zones)
				e.run.SetArchivedZones(archived)
			}
		}
	}

	tbl, err := e.deps.IcebergCatalog.LoadTable(ctx, mainBranch, e.target)
	if err != nil {
		e.log.Warn(fmt.Sprintf("maintenance: load table: %v", err))
		return
	}
	iceberg.Maintain(ctx, tbl, iceberg.DefaultMaintenanceWindow(), e.target.String())
}

func (e *execution) archiveLandingZones(ctx context.Context, store *objectstore.Client, zones []string) []string {
	var archived []string
	for _, zone := range zones {
		srcPrefix := fmt.Sprintf("%s/landing/%s/", e.run.Namespace, zone)
		dstPrefix := fmt.Sprintf("%s/landing/%s/_processed/%s/", e.run.Namespace, zone, e.run.ID)

		keys, err := store.ListKeys(ctx, srcPrefix)
		if err != nil {
			e.log.Warn(fmt.Sprintf("archive zone %s: list keys: %v", zone, err))
			continue
		}
		if err := store.MoveKeys(ctx, keys, srcPrefix, dstPrefix); err != nil {
			e.log.Warn(fmt.Sprintf("archive zone %s: move keys: %v", zone, err))
			continue
		}
		archived = append(archived, zone)
	}
	return archived
}

// cleanup always runs: it deletes the branch if it's still present (a
// no-op against the success path, which already deleted or merged it) and
// closes the query-engine session.
func (e *execution) cleanup(ctx context.Context) {
	if e.branchCreated {
		if err := e.deps.Catalog.DeleteBranch(ctx, e.branch); err != nil {
			logging.Op().Warn("cleanup: failed to delete leftover branch", "branch", e.branch, "run_id", e.run.ID, "error", err)
		}
	}
	if e.session != nil {
		if err := e.session.Close(); err != nil {
			logging.Op().Warn("cleanup: failed to close query engine session", "run_id", e.run.ID, "error", err)
		}
	}
}

func recordOutcome(m *metrics.Metrics, run *domain.Run, duration time.Duration) {
	if m == nil {
		return
	}
	status := string(run.Status())
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.RowsWritten.Add(float64(run.RowsWritten()))
}

// sourceReaderAdapter adapts objectstore.Client to quality.SourceReader.
type sourceReaderAdapter struct{ store *objectstore.Client }

func (a sourceReaderAdapter) ReadSource(ctx context.Context, key, versionID string) (string, error) {
	var body *string
	var err error
	if versionID != "" {
		body, err = a.store.GetObjectTextVersion(ctx, key, versionID)
	} else {
		body, err = a.store.GetObjectText(ctx, key)
	}
	if err != nil {
		return "", err
	}
	if body == nil {
		return "", fmt.Errorf("quality test source not found: %s", key)
	}
	return *body, nil
}

// queryEngineAdapter adapts queryengine.Session to quality.Engine.
type queryEngineAdapter struct{ session *queryengine.Session }

func (a queryEngineAdapter) Query(ctx context.Context, sql string) ([]map[string]any, error) {
	res, err := a.session.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}
