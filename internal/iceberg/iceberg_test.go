package iceberg

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brinkfield/lakeforge/internal/domain"
)

// memTable is an in-memory Table used to exercise the strategy bodies
// without a lakehouse behind them.
type memTable struct {
	rows      []map[string]any
	schema    Schema
	failOnDel bool
}

func (t *memTable) Schema() Schema { return t.schema }

func (t *memTable) Overwrite(_ context.Context, rows []map[string]any) (int64, error) {
	t.rows = append([]map[string]any(nil), rows...)
	return int64(len(rows)), nil
}

func (t *memTable) Append(_ context.Context, rows []map[string]any) (int64, error) {
	t.rows = append(t.rows, rows...)
	return int64(len(rows)), nil
}

func (t *memTable) DeleteWhere(_ context.Context, column string, values []any) (int64, error) {
	if t.failOnDel {
		return 0, fmt.Errorf("expression not supported")
	}
	match := make(map[any]bool, len(values))
	for _, v := range values {
		match[v] = true
	}
	var kept []map[string]any
	var deleted int64
	for _, row := range t.rows {
		if match[row[column]] {
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	t.rows = kept
	return deleted, nil
}

func (t *memTable) CountRows(_ context.Context) (int64, error) { return int64(len(t.rows)), nil }

func (t *memTable) ScanColumn(_ context.Context, column string) ([]any, error) {
	out := make([]any, 0, len(t.rows))
	for _, row := range t.rows {
		out = append(out, row[column])
	}
	return out, nil
}

func (t *memTable) ScanAll(_ context.Context) ([]map[string]any, error) {
	return append([]map[string]any(nil), t.rows...), nil
}

func (t *memTable) MetadataLocation() string { return "s3://lake/tbl/metadata/v1.json" }

func (t *memTable) ExpireSnapshotsOlderThan(_ context.Context, _ time.Time) error   { return nil }
func (t *memTable) RemoveOrphanFilesOlderThan(_ context.Context, _ time.Time) error { return nil }

// memCatalog hands out memTables keyed by identifier.
type memCatalog struct {
	tables map[string]*memTable
}

func newMemCatalog() *memCatalog { return &memCatalog{tables: make(map[string]*memTable)} }

func (c *memCatalog) EnsureNamespace(_ context.Context, _, _ string) error { return nil }

func (c *memCatalog) LoadTable(_ context.Context, _ string, id Identifier) (Table, error) {
	tbl, ok := c.tables[id.String()]
	if !ok {
		return nil, fmt.Errorf("table %s not found", id)
	}
	return tbl, nil
}

func (c *memCatalog) CreateTable(_ context.Context, _ string, id Identifier, schema Schema, _ []PartitionField) (Table, error) {
	tbl := &memTable{schema: schema}
	c.tables[id.String()] = tbl
	return tbl, nil
}

var target = Identifier{Namespace: "default", Layer: "silver", Name: "orders"}

// goRewrite mimics the executor's SQL full-rewrite in plain Go so keyed
// strategies can be exercised end to end without an engine session.
func goRewrite(_ context.Context, strategy domain.MergeStrategy, existing, newData []map[string]any, cfg domain.PipelineConfig) ([]map[string]any, error) {
	key := cfg.UniqueKey
	if strategy == domain.Snapshot {
		key = []string{cfg.PartitionColumn}
	}
	incoming := make(map[string]bool)
	for _, row := range newData {
		incoming[keyOf(row, key)] = true
	}
	var out []map[string]any
	for _, row := range existing {
		if !incoming[keyOf(row, key)] {
			out = append(out, row)
		}
	}
	return append(out, newData...), nil
}

func TestWriteCreatesAbsentTable(t *testing.T) {
	cat := newMemCatalog()
	res, err := Write(context.Background(), cat, WriteRequest{
		Branch:   "run-1",
		Target:   target,
		Strategy: domain.FullRefresh,
		NewData:  []map[string]any{{"id": int64(1), "v": "x"}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.RowsWritten)
	require.Len(t, cat.tables[target.String()].rows, 1)
}

func TestWriteZeroRowsIsNoop(t *testing.T) {
	cat := newMemCatalog()
	res, err := Write(context.Background(), cat, WriteRequest{Target: target, Strategy: domain.FullRefresh})
	require.NoError(t, err)
	require.Zero(t, res.RowsWritten)
	require.Empty(t, cat.tables)
}

func TestFullRefreshIdempotent(t *testing.T) {
	cat := newMemCatalog()
	req := WriteRequest{
		Target: target, Strategy: domain.FullRefresh,
		NewData: []map[string]any{{"id": int64(1)}, {"id": int64(2)}},
	}
	_, err := Write(context.Background(), cat, req)
	require.NoError(t, err)
	first := append([]map[string]any(nil), cat.tables[target.String()].rows...)

	_, err = Write(context.Background(), cat, req)
	require.NoError(t, err)
	require.Equal(t, first, cat.tables[target.String()].rows)
}

func TestAppendOnlyDuplicatesOnRerun(t *testing.T) {
	cat := newMemCatalog()
	req := WriteRequest{
		Target: target, Strategy: domain.AppendOnly,
		NewData: []map[string]any{{"id": int64(1)}},
	}
	_, err := Write(context.Background(), cat, req)
	require.NoError(t, err)
	_, err = Write(context.Background(), cat, req)
	require.NoError(t, err)
	require.Len(t, cat.tables[target.String()].rows, 2)
}

func TestIncrementalDedupsAndMerges(t *testing.T) {
	cat := newMemCatalog()
	cat.tables[target.String()] = &memTable{rows: []map[string]any{
		{"id": int64(1), "v": "a"},
		{"id": int64(2), "v": "b"},
		{"id": int64(3), "v": "c"},
	}}

	cfg := domain.DefaultPipelineConfig()
	cfg.UniqueKey = []string{"id"}

	res, err := Write(context.Background(), cat, WriteRequest{
		Target: target, Strategy: domain.Incremental, Config: cfg,
		NewData: []map[string]any{
			{"id": int64(2), "v": "b_updated"},
			{"id": int64(2), "v": "b_final"},
			{"id": int64(4), "v": "d"},
		},
	})
	require.NoError(t, err)
	require.True(t, res.UsedFastPath)
	require.Equal(t, int64(4), res.RowsWritten)

	byID := indexByID(cat.tables[target.String()].rows)
	require.Len(t, byID, 4)
	require.Equal(t, "b_final", byID[2]["v"], "last occurrence wins")
	require.Equal(t, "d", byID[4]["v"])
	require.Equal(t, "a", byID[1]["v"])
}

func TestIncrementalIdempotent(t *testing.T) {
	cfg := domain.DefaultPipelineConfig()
	cfg.UniqueKey = []string{"id"}
	newData := []map[string]any{{"id": int64(2), "v": "new"}, {"id": int64(5), "v": "e"}}

	run := func(cat *memCatalog) {
		_, err := Write(context.Background(), cat, WriteRequest{
			Target: target, Strategy: domain.Incremental, Config: cfg, NewData: newData,
		})
		require.NoError(t, err)
	}

	cat := newMemCatalog()
	cat.tables[target.String()] = &memTable{rows: []map[string]any{{"id": int64(1), "v": "a"}, {"id": int64(2), "v": "b"}}}
	run(cat)
	once := indexByID(cat.tables[target.String()].rows)
	run(cat)
	twice := indexByID(cat.tables[target.String()].rows)
	require.Equal(t, once, twice)
}

func TestDeleteInsertKeepsDuplicateNewRows(t *testing.T) {
	cat := newMemCatalog()
	cat.tables[target.String()] = &memTable{rows: []map[string]any{{"id": int64(1), "v": "a"}}}

	cfg := domain.DefaultPipelineConfig()
	cfg.UniqueKey = []string{"id"}

	res, err := Write(context.Background(), cat, WriteRequest{
		Target: target, Strategy: domain.DeleteInsert, Config: cfg,
		NewData: []map[string]any{{"id": int64(1), "v": "x"}, {"id": int64(1), "v": "y"}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), res.RowsWritten)
	require.Len(t, cat.tables[target.String()].rows, 2)
}

func TestKeyedFastPathFallsBackOnError(t *testing.T) {
	cat := newMemCatalog()
	cat.tables[target.String()] = &memTable{
		rows:      []map[string]any{{"id": int64(1), "v": "a"}, {"id": int64(2), "v": "b"}},
		failOnDel: true,
	}

	cfg := domain.DefaultPipelineConfig()
	cfg.UniqueKey = []string{"id"}

	res, err := Write(context.Background(), cat, WriteRequest{
		Target: target, Strategy: domain.Incremental, Config: cfg,
		NewData:     []map[string]any{{"id": int64(2), "v": "b2"}},
		FullRewrite: goRewrite,
	})
	require.NoError(t, err)
	require.False(t, res.UsedFastPath)
	byID := indexByID(cat.tables[target.String()].rows)
	require.Equal(t, "b2", byID[2]["v"])
	require.Equal(t, "a", byID[1]["v"])
}

func TestCompositeKeySkipsFastPath(t *testing.T) {
	cat := newMemCatalog()
	cat.tables[target.String()] = &memTable{rows: []map[string]any{
		{"id": int64(1), "region": "eu", "v": "a"},
		{"id": int64(1), "region": "us", "v": "b"},
	}}

	cfg := domain.DefaultPipelineConfig()
	cfg.UniqueKey = []string{"id", "region"}

	res, err := Write(context.Background(), cat, WriteRequest{
		Target: target, Strategy: domain.Incremental, Config: cfg,
		NewData:     []map[string]any{{"id": int64(1), "region": "eu", "v": "a2"}},
		FullRewrite: goRewrite,
	})
	require.NoError(t, err)
	require.False(t, res.UsedFastPath, "composite keys must not use delete+append")

	rows := cat.tables[target.String()].rows
	require.Len(t, rows, 2)
	for _, row := range rows {
		if row["region"] == "eu" {
			require.Equal(t, "a2", row["v"])
		} else {
			require.Equal(t, "b", row["v"])
		}
	}
}

func TestSnapshotReplacesOnlyPresentPartitions(t *testing.T) {
	cat := newMemCatalog()
	cat.tables[target.String()] = &memTable{rows: []map[string]any{
		{"day": "2026-01-01", "v": "old1"},
		{"day": "2026-01-02", "v": "old2"},
	}}

	cfg := domain.DefaultPipelineConfig()
	cfg.PartitionColumn = "day"

	res, err := Write(context.Background(), cat, WriteRequest{
		Target: target, Strategy: domain.Snapshot, Config: cfg,
		NewData: []map[string]any{{"day": "2026-01-02", "v": "new2"}, {"day": "2026-01-03", "v": "new3"}},
	})
	require.NoError(t, err)
	require.True(t, res.UsedFastPath)

	byDay := make(map[string]string)
	for _, row := range cat.tables[target.String()].rows {
		byDay[row["day"].(string)] = row["v"].(string)
	}
	require.Equal(t, map[string]string{"2026-01-01": "old1", "2026-01-02": "new2", "2026-01-03": "new3"}, byDay)
}

func TestSCD2AlwaysFullRewrite(t *testing.T) {
	cat := newMemCatalog()
	cat.tables[target.String()] = &memTable{rows: []map[string]any{
		{"id": int64(1), "v": "a", "valid_to": nil},
	}}

	cfg := domain.DefaultPipelineConfig()
	cfg.UniqueKey = []string{"id"}

	called := false
	res, err := Write(context.Background(), cat, WriteRequest{
		Target: target, Strategy: domain.SCD2, Config: cfg,
		NewData: []map[string]any{{"id": int64(1), "v": "a2"}, {"id": int64(1), "v": "a3"}},
		FullRewrite: func(ctx context.Context, strategy domain.MergeStrategy, existing, newData []map[string]any, c domain.PipelineConfig) ([]map[string]any, error) {
			called = true
			require.Equal(t, domain.SCD2, strategy)
			require.Len(t, newData, 1, "new_data must be deduped before the rewrite")
			require.Equal(t, "a3", newData[0]["v"])
			return append(existing, newData...), nil
		},
	})
	require.NoError(t, err)
	require.True(t, called)
	require.False(t, res.UsedFastPath)
}

func TestWriteUnknownStrategy(t *testing.T) {
	cat := newMemCatalog()
	cat.tables[target.String()] = &memTable{}
	_, err := Write(context.Background(), cat, WriteRequest{
		Target: target, Strategy: domain.MergeStrategy("sideways"),
		NewData: []map[string]any{{"id": int64(1)}},
	})
	require.Error(t, err)
}

func TestDedupeLastWins(t *testing.T) {
	rows := []map[string]any{
		{"id": 1, "v": "a"},
		{"id": 2, "v": "b"},
		{"id": 1, "v": "a2"},
	}
	out := dedupeLastWins(rows, []string{"id"})
	require.Len(t, out, 2)
	require.Equal(t, "a2", out[0]["v"], "first-seen key order, last-seen value")
	require.Equal(t, "b", out[1]["v"])
}

func TestDedupeNoKeyPassthrough(t *testing.T) {
	rows := []map[string]any{{"id": 1}, {"id": 1}}
	require.Equal(t, rows, dedupeLastWins(rows, nil))
}

func TestRequiresHelpers(t *testing.T) {
	require.True(t, RequiresUniqueKey(domain.Incremental))
	require.True(t, RequiresUniqueKey(domain.DeleteInsert))
	require.True(t, RequiresUniqueKey(domain.SCD2))
	require.False(t, RequiresUniqueKey(domain.FullRefresh))
	require.True(t, RequiresPartitionColumn(domain.Snapshot))
	require.False(t, RequiresPartitionColumn(domain.Incremental))
}

func indexByID(rows []map[string]any) map[int64]map[string]any {
	out := make(map[int64]map[string]any, len(rows))
	for _, row := range rows {
		out[row["id"].(int64)] = row
	}
	return out
}
