package iceberg

import (
	"fmt"

	"github.com/brinkfield/lakeforge/internal/domain"
)

// PartitionField is a single resolved Iceberg partition spec entry: a
// source column's field ID, its transform, and the display name the
// catalog stores for it.
type PartitionField struct {
	SourceID  int // 1-based position of the source column in the schema
	FieldID   int // generated partition field id, starting at 1000
	Name      string
	Transform domain.PartitionTransform
}

// partitionFieldIDBase is where generated partition field IDs start.
// IDs below this range belong to data columns, so partition fields never
// collide with a wide source schema.
const partitionFieldIDBase = 1000

// BuildPartitionSpec maps each declared partition entry to a resolved
// PartitionField: the source column is resolved to its schema position,
// display names follow "<column>" for identity transforms and
// "<column>_<transform>" otherwise, and field IDs increment from 1000.
// An unknown column or unsupported transform is an error at construction
// time, never at write time.
func BuildPartitionSpec(fields []domain.PartitionField, schema Schema) ([]PartitionField, error) {
	out := make([]PartitionField, 0, len(fields))
	nextID := partitionFieldIDBase
	for _, f := range fields {
		idx := schema.ColumnIndex(f.Column)
		if idx < 0 {
			return nil, fmt.Errorf("partition column %q not found in schema", f.Column)
		}
		if !domain.ValidPartitionTransforms[f.Transform] {
			return nil, fmt.Errorf("unsupported partition transform %q for column %q", f.Transform, f.Column)
		}

		name := f.Column
		if f.Transform != domain.TransformIdentity {
			name = fmt.Sprintf("%s_%s", f.Column, f.Transform)
		}

		out = append(out, PartitionField{
			SourceID:  idx + 1, // Iceberg field IDs are 1-based
			FieldID:   nextID,
			Name:      name,
			Transform: f.Transform,
		})
		nextID++
	}
	return out, nil
}
