// Package iceberg implements the six merge strategies a pipeline run's
// result can be written through, the optimised delete+append fast path,
// the full-rewrite fallback, partition spec construction, and watermark
// reads. It depends on the Iceberg library only through the narrow Catalog
// and Table interfaces below — see catalog_adapter.go for the thin
// apache/iceberg-go wrapper that satisfies them — so the strategy logic
// itself never touches catalog REST or Parquet-file details directly.
//
// Strategy dispatch is a plain switch over the strategy tag rather than a
// polymorphic Writer interface; the six strategies have genuinely
// different parameter shapes.
package iceberg

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/brinkfield/lakeforge/internal/domain"
	"github.com/brinkfield/lakeforge/internal/logging"
)

// Identifier is a three-part (or two-part, namespace-qualified) table name:
// namespace, layer, name.
type Identifier struct {
	Namespace string
	Layer     string
	Name      string
}

func (id Identifier) String() string { return id.Namespace + "." + id.Layer + "." + id.Name }

// Catalog is the subset of Iceberg catalog operations the write strategies
// need: namespace creation, table lookup/creation, and row-level
// mutation verbs that iceberg-go's table.Transaction exposes as first-class
// operations rather than arbitrary SQL.
type Catalog interface {
	EnsureNamespace(ctx context.Context, namespace, layer string) error
	LoadTable(ctx context.Context, branch string, id Identifier) (Table, error)
	CreateTable(ctx context.Context, branch string, id Identifier, schema Schema, spec []PartitionField) (Table, error)
}

// Table is the subset of iceberg-go's table handle this package drives.
type Table interface {
	Schema() Schema
	Overwrite(ctx context.Context, rows []map[string]any) (int64, error)
	Append(ctx context.Context, rows []map[string]any) (int64, error)
	DeleteWhere(ctx context.Context, column string, values []any) (int64, error)
	CountRows(ctx context.Context) (int64, error)
	ScanColumn(ctx context.Context, column string) ([]any, error)
	ScanAll(ctx context.Context) ([]map[string]any, error)
	MetadataLocation() string
	ExpireSnapshotsOlderThan(ctx context.Context, cutoff time.Time) error
	RemoveOrphanFilesOlderThan(ctx context.Context, cutoff time.Time) error
}

// Schema is the subset of an Iceberg schema the partition-spec builder and
// table-creation path need: an ordered list of column names.
type Schema struct {
	Columns []string
}

// ColumnIndex returns the 0-based position of col, or -1 if absent.
func (s Schema) ColumnIndex(col string) int {
	for i, c := range s.Columns {
		if c == col {
			return i
		}
	}
	return -1
}

// SchemaFromRows infers a Schema from the first row's keys, used when a
// table doesn't exist yet and must be created from the pipeline's result.
func SchemaFromRows(rows []map[string]any) Schema {
	if len(rows) == 0 {
		return Schema{}
	}
	cols := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		cols = append(cols, k)
	}
	return Schema{Columns: cols}
}

// WriteRequest carries everything a strategy dispatch needs for one
// pipeline run's write.
type WriteRequest struct {
	Branch   string
	Target   Identifier
	Strategy domain.MergeStrategy
	NewData  []map[string]any
	Config   domain.PipelineConfig
	// FullRewrite performs the strategy-specific SQL rewrite when the
	// optimised fast path is unavailable or fails. Supplied by the caller
	// (internal/executor) because it needs a query-engine session scoped
	// to the run.
	FullRewrite FullRewriteFunc
}

// FullRewriteFunc executes strategy-specific SQL against existingRows and
// newData and returns the rewritten full row set to overwrite the table
// with. See fullRewrite.go for the SQL each strategy builds.
type FullRewriteFunc func(ctx context.Context, strategy domain.MergeStrategy, existingRows, newData []map[string]any, cfg domain.PipelineConfig) ([]map[string]any, error)

// Result reports what a write actually did.
type Result struct {
	RowsWritten int64
	UsedFastPath bool
}

// Write dispatches req to the strategy body matching req.Strategy. Every
// strategy shares the same preamble: ensure the namespace hierarchy
// exists, load the target table, and on absence create it with the
// configured partition spec and perform a full overwrite.
func Write(ctx context.Context, cat Catalog, req WriteRequest) (Result, error) {
	if len(req.NewData) == 0 {
		return Result{}, nil
	}

	if err := cat.EnsureNamespace(ctx, req.Target.Namespace, req.Target.Layer); err != nil {
		return Result{}, fmt.Errorf("ensure namespace: %w", err)
	}

	tbl, err := cat.LoadTable(ctx, req.Branch, req.Target)
	if err != nil {
		created, createErr := createAndOverwrite(ctx, cat, req)
		if createErr != nil {
			return Result{}, fmt.Errorf("load table %s: %w (and create failed: %v)", req.Target, err, createErr)
		}
		return created, nil
	}

	switch req.Strategy {
	case domain.FullRefresh:
		n, err := tbl.Overwrite(ctx, req.NewData)
		return Result{RowsWritten: n}, err
	case domain.AppendOnly:
		n, err := tbl.Append(ctx, req.NewData)
		return Result{RowsWritten: n}, err
	case domain.Incremental:
		deduped := dedupeLastWins(req.NewData, req.Config.UniqueKey)
		return writeKeyed(ctx, tbl, req, deduped)
	case domain.DeleteInsert:
		return writeKeyed(ctx, tbl, req, req.NewData)
	case domain.SCD2:
		return writeSCD2(ctx, tbl, req)
	case domain.Snapshot:
		return writeSnapshot(ctx, tbl, req)
	default:
		return Result{}, fmt.Errorf("unknown merge strategy %q", req.Strategy)
	}
}

func createAndOverwrite(ctx context.Context, cat Catalog, req WriteRequest) (Result, error) {
	schema := SchemaFromRows(req.NewData)
	spec, err := BuildPartitionSpec(req.Config.PartitionBy, schema)
	if err != nil {
		return Result{}, fmt.Errorf("build partition spec: %w", err)
	}
	tbl, err := cat.CreateTable(ctx, req.Branch, req.Target, schema, spec)
	if err != nil {
		return Result{}, fmt.Errorf("create table %s: %w", req.Target, err)
	}
	n, err := tbl.Overwrite(ctx, req.NewData)
	return Result{RowsWritten: n}, err
}

// writeKeyed implements the shared body of incremental and delete_insert:
// optimised delete+append for a single-column key, full-rewrite fallback
// for composite keys or on any error from the fast path.
func writeKeyed(ctx context.Context, tbl Table, req WriteRequest, newData []map[string]any) (Result, error) {
	if len(req.Config.UniqueKey) == 1 {
		res, err := optimisedDeleteAppend(ctx, tbl, req.Config.UniqueKey[0], newData)
		if err == nil {
			return res, nil
		}
		logging.Op().Warn("optimised delete+append failed, falling back to full rewrite",
			"table", req.Target.String(), "strategy", req.Strategy, "error", err)
	}
	return fullRewriteKeyed(ctx, tbl, req, newData)
}

// optimisedDeleteAppend builds an IN(values) predicate from newData's
// (deduplicated) key column values, deletes matching existing rows, then
// appends newData. Only applicable to single-column keys: the library's
// expression vocabulary lacks precise multi-column OR-of-AND predicates,
// so composite keys always go through fullRewriteKeyed instead of
// calling this at all.
func optimisedDeleteAppend(ctx context.Context, tbl Table, keyColumn string, newData []map[string]any) (Result, error) {
	existingCount, err := tbl.CountRows(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("count existing rows: %w", err)
	}

	seen := make(map[any]bool, len(newData))
	var values []any
	for _, row := range newData {
		v := row[keyColumn]
		if !seen[v] {
			seen[v] = true
			values = append(values, v)
		}
	}

	deleted, err := tbl.DeleteWhere(ctx, keyColumn, values)
	if err != nil {
		return Result{}, fmt.Errorf("delete by key: %w", err)
	}
	appended, err := tbl.Append(ctx, newData)
	if err != nil {
		return Result{}, fmt.Errorf("append after delete: %w", err)
	}

	return Result{
		RowsWritten:  existingCount - deleted + appended,
		UsedFastPath: true,
	}, nil
}

// fullRewriteKeyed runs the caller-supplied FullRewriteFunc (anti-join +
// union-all SQL, see internal/executor's wiring) and overwrites the table
// with the result.
func fullRewriteKeyed(ctx context.Context, tbl Table, req WriteRequest, newData []map[string]any) (Result, error) {
	if req.FullRewrite == nil {
		return Result{}, fmt.Errorf("no full-rewrite function configured for strategy %s", req.Strategy)
	}
	existing, err := tbl.ScanAll(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("scan existing table for rewrite: %w", err)
	}
	rewritten, err := req.FullRewrite(ctx, req.Strategy, existing, newData, req.Config)
	if err != nil {
		return Result{}, fmt.Errorf("full rewrite: %w", err)
	}
	n, err := tbl.Overwrite(ctx, rewritten)
	return Result{RowsWritten: n}, err
}

// writeSCD2 deduplicates new_data, closes open existing rows whose key
// matches an incoming row, keeps unchanged existing rows, and inserts
// every new_data row with a fresh validity window. Always a full rewrite:
// the original's SQL union of four branches has no delete+append analogue.
func writeSCD2(ctx context.Context, tbl Table, req WriteRequest) (Result, error) {
	deduped := dedupeLastWins(req.NewData, req.Config.UniqueKey)
	return fullRewriteKeyed(ctx, tbl, req, deduped)
}

// writeSnapshot replaces only the partitions present in new_data,
// preserving all others, via the optimised path keyed on the partition
// column.
func writeSnapshot(ctx context.Context, tbl Table, req WriteRequest) (Result, error) {
	if req.Config.PartitionColumn == "" {
		return Result{}, fmt.Errorf("snapshot strategy requires partition_column")
	}
	res, err := optimisedDeleteAppend(ctx, tbl, req.Config.PartitionColumn, req.NewData)
	if err == nil {
		return res, nil
	}
	logging.Op().Warn("optimised snapshot replace failed, falling back to full rewrite",
		"table", req.Target.String(), "error", err)
	return fullRewriteKeyed(ctx, tbl, req, req.NewData)
}

// dedupeLastWins keeps, for each distinct value of key, the last row with
// that key by position in rows: last occurrence wins.
func dedupeLastWins(rows []map[string]any, key []string) []map[string]any {
	if len(key) == 0 {
		return rows
	}
	last := make(map[string]int, len(rows))
	order := make([]string, 0, len(rows))
	for i, row := range rows {
		k := keyOf(row, key)
		if _, ok := last[k]; !ok {
			order = append(order, k)
		}
		last[k] = i
	}
	out := make([]map[string]any, 0, len(order))
	for _, k := range order {
		out = append(out, rows[last[k]])
	}
	return out
}

func keyOf(row map[string]any, key []string) string {
	parts := make([]string, len(key))
	for i, k := range key {
		parts[i] = fmt.Sprintf("%v", row[k])
	}
	return strings.Join(parts, "\x1f")
}

// RequiresUniqueKey reports whether strategy needs a configured unique key
// to operate as specified, used by the executor's Phase 3 downgrade check.
func RequiresUniqueKey(s domain.MergeStrategy) bool {
	switch s {
	case domain.Incremental, domain.DeleteInsert, domain.SCD2:
		return true
	default:
		return false
	}
}

// RequiresPartitionColumn reports whether strategy needs a configured
// partition column.
func RequiresPartitionColumn(s domain.MergeStrategy) bool {
	return s == domain.Snapshot
}

// MaintenanceWindow bundles the two retention cutoffs the post-success
// maintenance step applies.
type MaintenanceWindow struct {
	SnapshotExpiry time.Duration // e.g. 7 days
	OrphanFileAge  time.Duration // e.g. 3 days
}

// DefaultMaintenanceWindow is snapshot expiry after 7 days and orphan
// file removal after 3.
func DefaultMaintenanceWindow() MaintenanceWindow {
	return MaintenanceWindow{SnapshotExpiry: 7 * 24 * time.Hour, OrphanFileAge: 3 * 24 * time.Hour}
}

// Maintain runs best-effort snapshot expiry and orphan-file cleanup.
// Errors are logged, never returned; a maintenance failure must not
// change a run's outcome.
func Maintain(ctx context.Context, tbl Table, w MaintenanceWindow, tableName string) {
	now := time.Now()
	if err := tbl.ExpireSnapshotsOlderThan(ctx, now.Add(-w.SnapshotExpiry)); err != nil {
		logging.Op().Warn("snapshot expiry failed", "table", tableName, "error", err)
	}
	if err := tbl.RemoveOrphanFilesOlderThan(ctx, now.Add(-w.OrphanFileAge)); err != nil {
		logging.Op().Warn("orphan file removal failed", "table", tableName, "error", err)
	}
}
