package iceberg

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// rowsToArrow builds an Arrow record batch from a uniform slice of row
// maps, inferring each column's Arrow type from the first non-null value
// it encounters. This is the boundary between the row-oriented shape this
// package's strategy logic works in and the columnar shape iceberg-go's
// table.Transaction.AppendTable / OverwriteTable calls require.
func rowsToArrow(rows []map[string]any, columns []string) (arrow.Record, error) {
	pool := memory.NewGoAllocator()

	fields := make([]arrow.Field, len(columns))
	for i, col := range columns {
		fields[i] = arrow.Field{Name: col, Type: inferType(rows, col), Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	builders := make([]array.Builder, len(columns))
	for i, f := range fields {
		builders[i] = array.NewBuilder(pool, f.Type)
		defer builders[i].Release()
	}

	for _, row := range rows {
		for i, col := range columns {
			if err := appendValue(builders[i], row[col]); err != nil {
				return nil, fmt.Errorf("column %q: %w", col, err)
			}
		}
	}

	cols := make([]arrow.Array, len(builders))
	for i, b := range builders {
		cols[i] = b.NewArray()
		defer cols[i].Release()
	}
	return array.NewRecord(schema, cols, int64(len(rows))), nil
}

func inferType(rows []map[string]any, col string) arrow.DataType {
	for _, row := range rows {
		switch row[col].(type) {
		case int64, int:
			return arrow.PrimitiveTypes.Int64
		case float64, float32:
			return arrow.PrimitiveTypes.Float64
		case bool:
			return arrow.FixedWidthTypes.Boolean
		case string:
			return arrow.BinaryTypes.String
		}
	}
	return arrow.BinaryTypes.String
}

func appendValue(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch builder := b.(type) {
	case *array.Int64Builder:
		switch n := v.(type) {
		case int64:
			builder.Append(n)
		case int:
			builder.Append(int64(n))
		default:
			builder.AppendNull()
		}
	case *array.Float64Builder:
		switch n := v.(type) {
		case float64:
			builder.Append(n)
		case float32:
			builder.Append(float64(n))
		default:
			builder.AppendNull()
		}
	case *array.BooleanBuilder:
		if n, ok := v.(bool); ok {
			builder.Append(n)
		} else {
			builder.AppendNull()
		}
	case *array.StringBuilder:
		builder.Append(fmt.Sprintf("%v", v))
	default:
		return fmt.Errorf("unsupported builder type %T", b)
	}
	return nil
}

// arrowToRows is the inverse of rowsToArrow, used when reading an existing
// table's data back out for the full-rewrite fallback path.
func arrowToRows(rec arrow.Record) ([]map[string]any, error) {
	schema := rec.Schema()
	rows := make([]map[string]any, rec.NumRows())
	for r := range rows {
		rows[r] = make(map[string]any, len(schema.Fields()))
	}
	for c, col := range rec.Columns() {
		name := schema.Field(c).Name
		for r := 0; r < int(rec.NumRows()); r++ {
			rows[r][name] = arrayValue(col, r)
		}
	}
	return rows, nil
}

func arrayValue(col arrow.Array, i int) any {
	if col.IsNull(i) {
		return nil
	}
	switch a := col.(type) {
	case *array.Int64:
		return a.Value(i)
	case *array.Float64:
		return a.Value(i)
	case *array.Boolean:
		return a.Value(i)
	case *array.String:
		return a.Value(i)
	default:
		return fmt.Sprintf("%v", col)
	}
}
