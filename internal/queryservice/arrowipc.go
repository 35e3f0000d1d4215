package queryservice

import (
	"bytes"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// RowsToIPC serialises a materialised result set to the Arrow IPC stream
// format, the interchange encoding analytical clients (BI connectors,
// notebook kernels) consume without re-parsing rows. columns fixes the
// field order; types are inferred from the first non-null value per
// column, string otherwise.
func RowsToIPC(rows []map[string]any, columns []string) ([]byte, error) {
	pool := memory.NewGoAllocator()

	fields := make([]arrow.Field, len(columns))
	for i, col := range columns {
		fields[i] = arrow.Field{Name: col, Type: ipcColumnType(rows, col), Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	builder := array.NewRecordBuilder(pool, schema)
	defer builder.Release()

	for _, row := range rows {
		for i, col := range columns {
			if err := appendIPCValue(builder.Field(i), row[col]); err != nil {
				return nil, fmt.Errorf("column %q: %w", col, err)
			}
		}
	}

	rec := builder.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return nil, fmt.Errorf("write IPC record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close IPC stream: %w", err)
	}
	return buf.Bytes(), nil
}

func ipcColumnType(rows []map[string]any, col string) arrow.DataType {
	for _, row := range rows {
		switch row[col].(type) {
		case int, int32, int64:
			return arrow.PrimitiveTypes.Int64
		case float32, float64:
			return arrow.PrimitiveTypes.Float64
		case bool:
			return arrow.FixedWidthTypes.Boolean
		case string:
			return arrow.BinaryTypes.String
		}
	}
	return arrow.BinaryTypes.String
}

func appendIPCValue(b array.Builder, v any) error {
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
		case int32:
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
