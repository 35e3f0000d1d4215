// Package queryservice is the read-only analytical side of the platform:
// it discovers Iceberg tables from the catalog, registers each as a view
// in one long-lived engine session, and serves SELECT-only SQL over them
// with a background loop keeping the view set fresh.
//
// Unlike the runner's engine usage (one isolated session per run), this
// service keeps a single persistent session — the engine parallelises
// queries internally — with a narrow mutex protecting only view DDL.
package queryservice

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/brinkfield/lakeforge/internal/config"
	"github.com/brinkfield/lakeforge/internal/queryengine"
)

// maxQueryLength bounds incoming SQL to keep abuse cheap to reject.
const maxQueryLength = 100_000

// defaultQueryLimit caps result sets when the caller doesn't give one.
const defaultQueryLimit = 1000

// defaultQueryTimeout stops runaway queries from pinning the shared
// session.
const defaultQueryTimeout = 30 * time.Second

var (
	safeIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

	// Any statement that isn't a read is rejected up front; the service
	// never mutates engine or lake state on behalf of a caller.
	blockedStatements = regexp.MustCompile(`(?i)^\s*(INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|TRUNCATE|ATTACH|DETACH|COPY|EXPORT|IMPORT|INSTALL|LOAD|CALL|SET|RESET|PRAGMA|CHECKPOINT|VACUUM|GRANT|REVOKE)\b`)

	// Functions with direct file/URL/database access would let a query
	// bypass the view layer and read arbitrary objects with the service's
	// credentials.
	blockedFunctions = regexp.MustCompile(`(?i)\b(read_parquet|read_csv_auto|read_csv|read_json_auto|read_json|read_text|read_blob|parquet_scan|parquet_metadata|parquet_schema|csv_scan|json_scan|httpfs_\w*|http_get|http_post|postgres_scan|sqlite_scan|mysql_scan|glob|read_ndjson_auto|read_ndjson|iceberg_scan)\s*\(`)

	lineComment  = regexp.MustCompile(`--[^\n]*`)
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)

	// word.layer.word → quoted three-part reference, so reserved words
	// like "default" survive the parser as namespace names.
	threePartRef = regexp.MustCompile(`\b(\w+)\.(bronze|silver|gold)\.(\w+)\b`)
)

// Engine wraps one long-lived analytical session serving every query.
type Engine struct {
	session *queryengine.Session

	// ddlMu serialises view create/drop; plain queries run unlocked.
	ddlMu sync.Mutex
	views map[string]bool // "ns"."layer"."name" -> registered
}

// OpenEngine starts the persistent engine session.
func OpenEngine(ctx context.Context, s3 config.S3Config, engineCfg config.EngineConfig) (*Engine, error) {
	session, err := queryengine.Open(ctx, queryengine.Options{
		MemoryLimitMB: engineCfg.MemoryLimitMB,
		Threads:       engineCfg.Threads,
		S3:            s3,
	})
	if err != nil {
		return nil, fmt.Errorf("open query service engine: %w", err)
	}
	return &Engine{session: session, views: make(map[string]bool)}, nil
}

// Close releases the engine session.
func (e *Engine) Close() error { return e.session.Close() }

func validateIdentifier(value, label string) error {
	if !safeIdentifier.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", label, value)
	}
	return nil
}

// RegisterView (re)creates the view for one table, reading through the
// exact metadata location the catalog reported.
func (e *Engine) RegisterView(ctx context.Context, namespace, layer, name, metadataLocation string) error {
	if err := validateIdentifier(namespace, "namespace"); err != nil {
		return err
	}
	if err := validateIdentifier(layer, "layer"); err != nil {
		return err
	}
	if err := validateIdentifier(name, "table name"); err != nil {
		return err
	}

	viewSQL := fmt.Sprintf("SELECT * FROM iceberg_scan('%s')", strings.ReplaceAll(metadataLocation, "'", "''"))

	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()

	// Primary registration is per-layer: "<layer>"."<name>". A
	// namespace-qualified alias is attempted on top, best-effort, so
	// fully qualified three-part references also resolve when the engine
	// supports catalog-qualified views.
	if err := e.session.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS "%s"`, layer)); err != nil {
		return fmt.Errorf("create schema %s: %w", layer, err)
	}
	if err := e.session.Exec(ctx, fmt.Sprintf(`CREATE OR REPLACE VIEW "%s"."%s" AS %s`, layer, name, viewSQL)); err != nil {
		return fmt.Errorf("register view %s.%s: %w", layer, name, err)
	}
	_ = e.session.Exec(ctx, fmt.Sprintf(`CREATE OR REPLACE VIEW "%s"."%s"."%s" AS %s`, namespace, layer, name, viewSQL))

	e.views[viewKey(namespace, layer, name)] = true
	return nil
}

// DropView removes one registered view. A view that is already gone is
// not an error.
func (e *Engine) DropView(ctx context.Context, namespace, layer, name string) error {
	if err := validateIdentifier(namespace, "namespace"); err != nil {
		return err
	}
	if err := validateIdentifier(layer, "layer"); err != nil {
		return err
	}
	if err := validateIdentifier(name, "table name"); err != nil {
		return err
	}

	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()
	if err := e.session.Exec(ctx, fmt.Sprintf(`DROP VIEW IF EXISTS "%s"."%s"`, layer, name)); err != nil {
		return fmt.Errorf("drop view %s.%s: %w", layer, name, err)
	}
	_ = e.session.Exec(ctx, fmt.Sprintf(`DROP VIEW IF EXISTS "%s"."%s"."%s"`, namespace, layer, name))
	delete(e.views, viewKey(namespace, layer, name))
	return nil
}

func viewKey(namespace, layer, name string) string {
	return namespace + "." + layer + "." + name
}

// Query runs read-only SQL and returns the materialised rows. Write, DDL
// and session statements, and functions with direct file or URL access,
// are rejected before reaching the engine.
func (e *Engine) Query(ctx context.Context, sql string, limit int) ([]map[string]any, error) {
	if len(sql) > maxQueryLength {
		return nil, fmt.Errorf("query too long (%d chars, max %d)", len(sql), maxQueryLength)
	}

	stripped := strings.TrimSpace(blockComment.ReplaceAllString(lineComment.ReplaceAllString(sql, ""), ""))
	if blockedStatements.MatchString(stripped) {
		return nil, fmt.Errorf("only SELECT queries are allowed")
	}
	if blockedFunctions.MatchString(stripped) {
		return nil, fmt.Errorf("direct file/URL access functions are not allowed in queries")
	}

	wrapped := threePartRef.ReplaceAllString(strings.TrimSuffix(strings.TrimSpace(sql), ";"), `"$1"."$2"."$3"`)
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	wrapped = fmt.Sprintf("SELECT * FROM (%s) AS _q LIMIT %d", wrapped, limit)

	reset := e.queryTimeoutGuard(ctx, defaultQueryTimeout)
	defer reset()

	res, err := e.session.Query(ctx, wrapped)
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}

// DescribeTable returns (column, type) pairs for one registered view.
func (e *Engine) DescribeTable(ctx context.Context, namespace, layer, name string) ([][2]string, error) {
	if err := validateIdentifier(namespace, "namespace"); err != nil {
		return nil, err
	}
	if err := validateIdentifier(layer, "layer"); err != nil {
		return nil, err
	}
	if err := validateIdentifier(name, "table name"); err != nil {
		return nil, err
	}

	rows, err := e.session.Query(ctx, fmt.Sprintf(`DESCRIBE "%s"."%s"`, layer, name))
	if err != nil {
		return nil, fmt.Errorf("describe %s.%s.%s: %w", namespace, layer, name, err)
	}

	out := make([][2]string, 0, len(rows.Rows))
	for _, row := range rows.Rows {
		col, _ := row["column_name"].(string)
		typ, _ := row["column_type"].(string)
		out = append(out, [2]string{col, typ})
	}
	return out, nil
}

// queryTimeoutGuard applies a statement timeout for one query if the
// engine supports it; best-effort on older engine versions.
func (e *Engine) queryTimeoutGuard(ctx context.Context, d time.Duration) func() {
	if err := e.session.Exec(ctx, fmt.Sprintf("SET statement_timeout='%ds'", int(d.Seconds()))); err != nil {
		return func() {}
	}
	return func() { _ = e.session.Exec(ctx, "RESET statement_timeout") }
}
