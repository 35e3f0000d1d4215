package iceberg

import (
	"context"
	"fmt"
)

// ReadWatermark loads the table on main and returns the string-formatted
// MAX(column) value, or nil if the table is absent or has no rows. Used by
// Phase 2 to filter incremental-strategy pipeline input to rows newer than
// the last committed watermark.
func ReadWatermark(ctx context.Context, cat Catalog, id Identifier, column string) (*string, error) {
	tbl, err := cat.LoadTable(ctx, "main", id)
	if err != nil {
		return nil, nil // absent table: no watermark yet, not an error
	}

	values, err := tbl.ScanColumn(ctx, column)
	if err != nil {
		return nil, fmt.Errorf("scan watermark column %q: %w", column, err)
	}
	if len(values) == 0 {
		return nil, nil
	}

	var max any
	for _, v := range values {
		if v == nil {
			continue
		}
		if max == nil || isGreater(v, max) {
			max = v
		}
	}
	if max == nil {
		return nil, nil
	}
	s := fmt.Sprintf("%v", max)
	return &s, nil
}

// isGreater compares two watermark values using the types the query engine
// commonly returns for timestamp/numeric/string watermark columns.
func isGreater(a, b any) bool {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return av > bv
		}
	case int64:
		if bv, ok := b.(int64); ok {
			return av > bv
		}
	case float64:
		if bv, ok := b.(float64); ok {
			return av > bv
		}
	}
	return fmt.Sprintf("%v", a) > fmt.Sprintf("%v", b)
}
