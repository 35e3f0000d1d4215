// Package queryengine adapts the embedded DuckDB analytical engine into the
// per-run session the executor opens for result construction and the
// full-rewrite fallback paths in internal/iceberg. DuckDB is treated as
// a black box: each run gets an isolated in-process connection with its
// httpfs extension pointed at that run's object-store credentials, so one
// isolated execution context exists per run and nothing leaks between
// them.
package queryengine

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/brinkfield/lakeforge/internal/config"
	"github.com/brinkfield/lakeforge/internal/logging"
)

// Session is a single-use DuckDB connection configured for one run's
// object-store credentials. Not safe for concurrent use: the executor owns
// one Session per run on a single worker goroutine.
type Session struct {
	db  *sql.DB
	mem int
}

// Options configures a Session's memory limit, thread count, and the
// object-store credentials its httpfs extension should present to queries
// that read table data or landing-zone files directly from S3.
type Options struct {
	MemoryLimitMB int
	Threads       int
	S3            config.S3Config
}

// Open starts a fresh, isolated DuckDB session. Each run gets its own
// process-local connection so one run's temp tables, settings, and memory
// budget never leak into another's.
func Open(ctx context.Context, opts Options) (*Session, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb session: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Session{db: db, mem: opts.MemoryLimitMB}

	// httpfs is what lets queries read s3:// URLs directly. Install/load
	// is best-effort: without it the session still serves local SQL, and
	// any query that does touch object storage fails with its own clear
	// error.
	httpfsOK := true
	for _, ext := range []string{"INSTALL httpfs", "LOAD httpfs"} {
		if _, err := db.ExecContext(ctx, ext); err != nil {
			logging.Op().Warn("httpfs extension unavailable", "statement", ext, "error", err)
			httpfsOK = false
			break
		}
	}

	var pragmas []string
	if opts.MemoryLimitMB > 0 {
		pragmas = append(pragmas, fmt.Sprintf("SET memory_limit='%dMB'", opts.MemoryLimitMB))
	}
	if opts.Threads > 0 {
		pragmas = append(pragmas, fmt.Sprintf("SET threads=%d", opts.Threads))
	}
	// s3_* settings only exist once httpfs is loaded.
	if httpfsOK {
		if opts.S3.Endpoint != "" {
			pragmas = append(pragmas, fmt.Sprintf("SET s3_endpoint='%s'", opts.S3.Endpoint))
		}
		if opts.S3.Region != "" {
			pragmas = append(pragmas, fmt.Sprintf("SET s3_region='%s'", opts.S3.Region))
		}
		if opts.S3.AccessKeyID != "" {
			pragmas = append(pragmas, fmt.Sprintf("SET s3_access_key_id='%s'", opts.S3.AccessKeyID))
			pragmas = append(pragmas, fmt.Sprintf("SET s3_secret_access_key='%s'", opts.S3.SecretAccessKey))
		}
		if opts.S3.SessionToken != "" {
			pragmas = append(pragmas, fmt.Sprintf("SET s3_session_token='%s'", opts.S3.SessionToken))
		}
		pragmas = append(pragmas, fmt.Sprintf("SET s3_use_ssl=%t", opts.S3.Endpoint == "" || !forcePlaintext(opts)))
		pragmas = append(pragmas, fmt.Sprintf("SET s3_url_style='%s'", urlStyle(opts)))
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure duckdb session (%s): %w", p, err)
		}
	}
	return s, nil
}

func forcePlaintext(opts Options) bool { return false }

func urlStyle(opts Options) string {
	if opts.S3.ForcePathStyle {
		return "path"
	}
	return "vhost"
}

// Close releases the session's connection. Idempotent.
func (s *Session) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Result is a query's output, materialised as rows of column name to Go
// value, handed to the write strategies. internal/iceberg converts
// Result.Rows into an Arrow record at the write-strategy boundary,
// keeping this package free of a columnar in-memory dependency it does
// not otherwise need.
type Result struct {
	Rows  []map[string]any
	Count int64
}

// Query executes sql and materialises the result as rows of column name to
// Go value, the shape internal/iceberg's write strategies and
// internal/script's exec_sql builtin both consume.
func (s *Session) Query(ctx context.Context, sql string) (*Result, error) {
	rows, err := s.db.QueryContext(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		scanTargets := make([]any, len(cols))
		scanPtrs := make([]any, len(cols))
		for i := range scanTargets {
			scanPtrs[i] = &scanTargets[i]
		}
		if err := rows.Scan(scanPtrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = scanTargets[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return &Result{Rows: out, Count: int64(len(out))}, nil
}

// ExecuteRows implements the script.SQLExecutor interface consumed by the
// Starlark sandbox's exec_sql builtin.
func (s *Session) ExecuteRows(ctx context.Context, query string) ([]map[string]any, error) {
	res, err := s.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}

// Exec runs a statement that produces no result set (CREATE, INSERT via
// register, etc).
func (s *Session) Exec(ctx context.Context, sql string) error {
	_, err := s.db.ExecContext(ctx, sql)
	return err
}

// Explain returns the query plan DuckDB would use for sql, used by
// internal/preview to report an execution plan alongside sampled rows.
func (s *Session) Explain(ctx context.Context, sql string) (string, error) {
	res, err := s.Query(ctx, "EXPLAIN "+sql)
	if err != nil {
		return "", fmt.Errorf("explain: %w", err)
	}
	var plan string
	for _, row := range res.Rows {
		if v, ok := row["explain_value"]; ok {
			plan += fmt.Sprintf("%v\n", v)
		}
	}
	return plan, nil
}

// MemoryStats reports DuckDB's current memory usage, surfaced in preview
// and run diagnostics.
func (s *Session) MemoryStats(ctx context.Context) (usedMB, limitMB float64, err error) {
	res, err := s.Query(ctx, "SELECT * FROM pragma_database_size()")
	if err != nil {
		return 0, 0, fmt.Errorf("read memory stats: %w", err)
	}
	if len(res.Rows) == 0 {
		return 0, 0, nil
	}
	row := res.Rows[0]
	if v, ok := row["memory_usage"].(float64); ok {
		usedMB = v
	}
	if v, ok := row["memory_limit"].(float64); ok {
		limitMB = v
	}
	return usedMB, limitMB, nil
}
