package executor

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/brinkfield/lakeforge/internal/domain"
	"github.com/brinkfield/lakeforge/internal/iceberg"
	"github.com/brinkfield/lakeforge/internal/queryengine"
)

// fullRewrite builds the iceberg.FullRewriteFunc Phase 3 hands to
// internal/iceberg's keyed write strategies when the optimised delete+
// append fast path is unavailable: a composite unique_key, a snapshot
// replace whose partition predicate failed, or scd2 (which has no
// delete+append analogue at all). It materialises both row sets as
// temporary tables in the run's query-engine session and runs one
// strategy-specific anti-join/union query to produce the full
// replacement row set.
func fullRewrite(session *queryengine.Session, runStartedAt time.Time) iceberg.FullRewriteFunc {
	return func(ctx context.Context, strategy domain.MergeStrategy, existingRows, newData []map[string]any, cfg domain.PipelineConfig) ([]map[string]any, error) {
		cols := unionColumns(existingRows, newData)

		if err := materializeTable(ctx, session, "_lf_existing", existingRows, cols); err != nil {
			return nil, fmt.Errorf("materialize existing rows: %w", err)
		}
		defer session.Exec(ctx, "DROP TABLE IF EXISTS _lf_existing")

		if err := materializeTable(ctx, session, "_lf_new_data", newData, cols); err != nil {
			return nil, fmt.Errorf("materialize new rows: %w", err)
		}
		defer session.Exec(ctx, "DROP TABLE IF EXISTS _lf_new_data")

		sql, err := rewriteSQL(strategy, cfg, cols, runStartedAt)
		if err != nil {
			return nil, err
		}

		res, err := session.Query(ctx, sql)
		if err != nil {
			return nil, fmt.Errorf("execute %s rewrite query: %w", strategy, err)
		}
		return res.Rows, nil
	}
}

// unionColumns returns the sorted union of every key present across both
// row sets, giving both materialised tables an identical column list so
// the UNION ALL in rewriteSQL type-checks.
func unionColumns(a, b []map[string]any) []string {
	seen := make(map[string]bool)
	for _, rows := range [][]map[string]any{a, b} {
		for _, row := range rows {
			for k := range row {
				seen[k] = true
			}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// materializeTable creates name as a temporary table holding rows, with
// columns in the fixed order cols so two tables built from different row
// sets still line up for UNION ALL. An empty row set produces a
// zero-row table typed from a single all-NULL row, since DuckDB cannot
// infer column types from zero values.
func materializeTable(ctx context.Context, session *queryengine.Session, name string, rows []map[string]any, cols []string) error {
	quotedCols := make([]string, len(cols))
	for i, c := range cols {
		quotedCols[i] = quoteIdent(c)
	}
	colList := strings.Join(quotedCols, ", ")

	if len(rows) == 0 {
		placeholders := strings.Repeat("NULL, ", len(cols))
		placeholders = strings.TrimSuffix(placeholders, ", ")
		stmt := fmt.Sprintf(
			"CREATE TEMP TABLE %s AS SELECT %s FROM (VALUES (%s)) AS t(%s) WHERE FALSE",
			name, colList, placeholders, colList,
		)
		return session.Exec(ctx, stmt)
	}

	valueRows := make([]string, len(rows))
	for i, row := range rows {
		cells := make([]string, len(cols))
		for j, c := range cols {
			cells[j] = valueLiteral(row[c])
		}
		valueRows[i] = "(" + strings.Join(cells, ", ") + ")"
	}

	stmt := fmt.Sprintf(
		"CREATE TEMP TABLE %s AS SELECT %s FROM (VALUES %s) AS t(%s)",
		name, colList, strings.Join(valueRows, ", "), colList,
	)
	return session.Exec(ctx, stmt)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func valueLiteral(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if t {
			return "TRUE"
		}
		return "FALSE"
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case string:
		return "'" + strings.ReplaceAll(t, "'", "''") + "'"
	default:
		return "'" + strings.ReplaceAll(fmt.Sprintf("%v", t), "'", "''") + "'"
	}
}

// rewriteSQL builds the strategy-specific query that produces the full
// replacement row set from _lf_existing and _lf_new_data.
func rewriteSQL(strategy domain.MergeStrategy, cfg domain.PipelineConfig, cols []string, runStartedAt time.Time) (string, error) {
	colList := quoteIdentList(cols)

	switch strategy {
	case domain.Incremental, domain.DeleteInsert:
		return keyedAntiJoinUnion(cfg.UniqueKey, colList), nil

	case domain.Snapshot:
		if cfg.PartitionColumn == "" {
			return "", fmt.Errorf("snapshot rewrite requires partition_column")
		}
		return keyedAntiJoinUnion([]string{cfg.PartitionColumn}, colList), nil

	case domain.SCD2:
		return scd2RewriteSQL(cfg, runStartedAt), nil

	default:
		return "", fmt.Errorf("strategy %s does not use full-rewrite SQL", strategy)
	}
}

func quoteIdentList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

// keyedAntiJoinUnion keeps every existing row whose key doesn't appear in
// new_data, then appends new_data in full — the shared shape behind
// incremental, delete_insert, and the snapshot partition-replace fallback.
func keyedAntiJoinUnion(key []string, colList string) string {
	predicate := make([]string, len(key))
	for i, k := range key {
		ident := quoteIdent(k)
		predicate[i] = fmt.Sprintf("e.%s = n.%s", ident, ident)
	}
	return fmt.Sprintf(
		"SELECT %s FROM _lf_existing e WHERE NOT EXISTS (SELECT 1 FROM _lf_new_data n WHERE %s) "+
			"UNION ALL SELECT %s FROM _lf_new_data",
		colList, strings.Join(predicate, " AND "), colList,
	)
}

// scd2RewriteSQL closes any currently-open existing row whose unique_key
// matches an incoming row (setting valid_to to the run's start time),
// leaves every other existing row untouched, and appends new_data as
// freshly opened rows (valid_from = run start, valid_to = NULL).
func scd2RewriteSQL(cfg domain.PipelineConfig, runStartedAt time.Time) string {
	ts := runStartedAt.UTC().Format(time.RFC3339)
	validTo := quoteIdent(cfg.SCDValidTo)
	validFrom := quoteIdent(cfg.SCDValidFrom)

	keyPredicate := make([]string, len(cfg.UniqueKey))
	for i, k := range cfg.UniqueKey {
		ident := quoteIdent(k)
		keyPredicate[i] = fmt.Sprintf("e.%s = n.%s", ident, ident)
	}
	matchesIncoming := fmt.Sprintf(
		"EXISTS (SELECT 1 FROM _lf_new_data n WHERE %s)",
		strings.Join(keyPredicate, " AND "),
	)

	return fmt.Sprintf(
		"SELECT * REPLACE (CASE WHEN %s IS NULL AND %s THEN TIMESTAMP '%s' ELSE %s END AS %s) FROM _lf_existing e "+
			"UNION ALL "+
			"SELECT * REPLACE (TIMESTAMP '%s' AS %s, CAST(NULL AS TIMESTAMP) AS %s) FROM _lf_new_data",
		validTo, matchesIncoming, ts, validTo, validTo,
		ts, validFrom, validTo,
	)
}
