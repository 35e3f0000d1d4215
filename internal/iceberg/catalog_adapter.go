package iceberg

import (
	"context"
	"fmt"
	"time"

	icebergapi "github.com/apache/iceberg-go"
	icebergcat "github.com/apache/iceberg-go/catalog"
	"github.com/apache/iceberg-go/catalog/rest"
	icebergtable "github.com/apache/iceberg-go/table"

	"github.com/brinkfield/lakeforge/internal/domain"
)

// RESTCatalog adapts apache/iceberg-go's REST catalog client to this
// package's local Catalog interface, isolating the strategy-dispatch logic
// in iceberg.go from the upstream library's actual type surface. branch
// selects which catalog reference (main or an ephemeral run-<id> branch)
// subsequent operations read and write through.
type RESTCatalog struct {
	cat icebergcat.Catalog
}

// NewRESTCatalog opens a REST catalog connection at uri.
func NewRESTCatalog(ctx context.Context, uri string, props map[string]string) (*RESTCatalog, error) {
	cat, err := rest.NewCatalog(ctx, "lakeforge", uri, rest.WithAdditionalProps(props))
	if err != nil {
		return nil, fmt.Errorf("open iceberg rest catalog: %w", err)
	}
	return &RESTCatalog{cat: cat}, nil
}

func identPath(branch string, id Identifier) icebergapi.Identifier {
	// iceberg-go resolves branch scope via a "@branch" suffix on the table
	// identifier's last element, matching Nessie's ref-qualified table names.
	name := id.Name
	if branch != "" && branch != "main" {
		name = name + "@" + branch
	}
	return icebergapi.Identifier{id.Namespace, id.Layer, name}
}

// EnsureNamespace creates the namespace/layer hierarchy if absent.
// CreateNamespace returning "already exists" is treated as success.
func (c *RESTCatalog) EnsureNamespace(ctx context.Context, namespace, layer string) error {
	for _, ns := range []icebergapi.Identifier{{namespace}, {namespace, layer}} {
		if err := c.cat.CreateNamespace(ctx, ns, nil); err != nil && !icebergcat.IsAlreadyExistsErr(err) {
			return fmt.Errorf("create namespace %v: %w", ns, err)
		}
	}
	return nil
}

// LoadTable resolves id on branch and wraps the result as a local Table.
func (c *RESTCatalog) LoadTable(ctx context.Context, branch string, id Identifier) (Table, error) {
	tbl, err := c.cat.LoadTable(ctx, identPath(branch, id), nil)
	if err != nil {
		return nil, fmt.Errorf("load table %s on %s: %w", id, branch, err)
	}
	return &tableAdapter{tbl: tbl}, nil
}

// CreateTable creates id on branch with the given schema and partition
// spec, then returns it wrapped as a local Table.
func (c *RESTCatalog) CreateTable(ctx context.Context, branch string, id Identifier, schema Schema, spec []PartitionField) (Table, error) {
	fields := make([]icebergapi.NestedField, len(schema.Columns))
	for i, col := range schema.Columns {
		fields[i] = icebergapi.NestedField{ID: i + 1, Name: col, Type: icebergapi.PrimitiveTypes.String, Required: false}
	}
	icebergSchema := icebergapi.NewSchema(0, fields...)

	partSpec := icebergapi.NewPartitionSpec()
	for _, f := range spec {
		partSpec.AddField(icebergapi.PartitionField{
			SourceID:  f.SourceID,
			FieldID:   f.FieldID,
			Name:      f.Name,
			Transform: transformOf(f.Transform),
		})
	}

	tbl, err := c.cat.CreateTable(ctx, identPath(branch, id), icebergSchema, icebergcat.WithPartitionSpec(&partSpec))
	if err != nil {
		return nil, fmt.Errorf("create table %s on %s: %w", id, branch, err)
	}
	return &tableAdapter{tbl: tbl}, nil
}

func transformOf(t domain.PartitionTransform) icebergapi.Transform {
	switch t {
	case domain.TransformDay:
		return icebergapi.DayTransform{}
	case domain.TransformMonth:
		return icebergapi.MonthTransform{}
	case domain.TransformYear:
		return icebergapi.YearTransform{}
	case domain.TransformHour:
		return icebergapi.HourTransform{}
	default:
		return icebergapi.IdentityTransform{}
	}
}

// tableAdapter wraps an iceberg-go *table.Table as this package's local
// Table interface, translating row-map-oriented calls into the
// transaction/scan API iceberg-go actually exposes.
type tableAdapter struct {
	tbl *icebergtable.Table
}

func (t *tableAdapter) Schema() Schema {
	cols := make([]string, 0, len(t.tbl.Schema().Fields()))
	for _, f := range t.tbl.Schema().Fields() {
		cols = append(cols, f.Name)
	}
	return Schema{Columns: cols}
}

func (t *tableAdapter) Overwrite(ctx context.Context, rows []map[string]any) (int64, error) {
	rec, err := rowsToArrow(rows, t.columns())
	if err != nil {
		return 0, err
	}
	defer rec.Release()

	txn := t.tbl.NewTransaction()
	if err := txn.OverwriteTable(ctx, rec, nil); err != nil {
		return 0, fmt.Errorf("overwrite: %w", err)
	}
	if _, err := txn.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit overwrite: %w", err)
	}
	return int64(len(rows)), nil
}

func (t *tableAdapter) Append(ctx context.Context, rows []map[string]any) (int64, error) {
	rec, err := rowsToArrow(rows, t.columns())
	if err != nil {
		return 0, err
	}
	defer rec.Release()

	txn := t.tbl.NewTransaction()
	if err := txn.AppendTable(ctx, rec, int64(len(rows)), nil); err != nil {
		return 0, fmt.Errorf("append: %w", err)
	}
	if _, err := txn.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return int64(len(rows)), nil
}

func (t *tableAdapter) DeleteWhere(ctx context.Context, column string, values []any) (int64, error) {
	before, err := t.CountRows(ctx)
	if err != nil {
		return 0, err
	}

	expr := inPredicate(column, values)
	txn := t.tbl.NewTransaction()
	if err := txn.DeleteRows(ctx, expr); err != nil {
		return 0, fmt.Errorf("delete where %s in (...): %w", column, err)
	}
	if _, err := txn.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}

	after, err := t.CountRows(ctx)
	if err != nil {
		return 0, err
	}
	return before - after, nil
}

func inPredicate(column string, values []any) icebergapi.BooleanExpression {
	ref := icebergapi.Reference(column)
	var expr icebergapi.BooleanExpression
	for _, v := range values {
		eq := icebergapi.EqualTo(ref, v)
		if expr == nil {
			expr = eq
		} else {
			expr = icebergapi.Or(expr, eq)
		}
	}
	if expr == nil {
		return icebergapi.AlwaysFalse{}
	}
	return expr
}

func (t *tableAdapter) CountRows(ctx context.Context) (int64, error) {
	rows, err := t.ScanAll(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (t *tableAdapter) ScanColumn(ctx context.Context, column string) ([]any, error) {
	rows, err := t.ScanAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, r[column])
	}
	return out, nil
}

func (t *tableAdapter) ScanAll(ctx context.Context) ([]map[string]any, error) {
	arrowTbl, err := t.tbl.Scan().ToArrowTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan table: %w", err)
	}
	defer arrowTbl.Release()

	var rows []map[string]any
	tr := icebergtable.NewTableReader(arrowTbl)
	defer tr.Release()
	for tr.Next() {
		rec := tr.Record()
		part, err := arrowToRows(rec)
		if err != nil {
			return nil, err
		}
		rows = append(rows, part...)
	}
	return rows, nil
}

func (t *tableAdapter) MetadataLocation() string {
	return t.tbl.MetadataLocation()
}

func (t *tableAdapter) ExpireSnapshotsOlderThan(ctx context.Context, cutoff time.Time) error {
	txn := t.tbl.NewTransaction()
	if err := txn.ExpireSnapshots(ctx, cutoff); err != nil {
		return err
	}
	_, err := txn.Commit(ctx)
	return err
}

func (t *tableAdapter) RemoveOrphanFilesOlderThan(ctx context.Context, cutoff time.Time) error {
	return t.tbl.RemoveOrphanFiles(ctx, cutoff)
}

func (t *tableAdapter) columns() []string {
	cols := make([]string, 0, len(t.tbl.Schema().Fields()))
	for _, f := range t.tbl.Schema().Fields() {
		cols = append(cols, f.Name)
	}
	return cols
}
