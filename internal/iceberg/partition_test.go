package iceberg

import (
	"testing"

	"github.com/brinkfield/lakeforge/internal/domain"
)

func TestBuildPartitionSpec(t *testing.T) {
	schema := Schema{Columns: []string{"id", "created_at", "region"}}
	spec, err := BuildPartitionSpec([]domain.PartitionField{
		{Column: "region", Transform: domain.TransformIdentity},
		{Column: "created_at", Transform: domain.TransformDay},
	}, schema)
	if err != nil {
		t.Fatalf("BuildPartitionSpec: %v", err)
	}
	if len(spec) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(spec))
	}

	if spec[0].Name != "region" {
		t.Errorf("identity transform keeps column name, got %q", spec[0].Name)
	}
	if spec[0].SourceID != 3 {
		t.Errorf("region is column 3, got source id %d", spec[0].SourceID)
	}
	if spec[0].FieldID != 1000 {
		t.Errorf("first field id should be 1000, got %d", spec[0].FieldID)
	}

	if spec[1].Name != "created_at_day" {
		t.Errorf("non-identity name should be column_transform, got %q", spec[1].Name)
	}
	if spec[1].FieldID != 1001 {
		t.Errorf("field ids increment, got %d", spec[1].FieldID)
	}
}

func TestBuildPartitionSpecUnknownColumn(t *testing.T) {
	_, err := BuildPartitionSpec([]domain.PartitionField{
		{Column: "missing", Transform: domain.TransformIdentity},
	}, Schema{Columns: []string{"id"}})
	if err == nil {
		t.Fatal("expected error for unknown column")
	}
}

func TestBuildPartitionSpecUnsupportedTransform(t *testing.T) {
	_, err := BuildPartitionSpec([]domain.PartitionField{
		{Column: "id", Transform: domain.PartitionTransform("bucket[16]")},
	}, Schema{Columns: []string{"id"}})
	if err == nil {
		t.Fatal("expected error for unsupported transform")
	}
}

func TestBuildPartitionSpecEmpty(t *testing.T) {
	spec, err := BuildPartitionSpec(nil, Schema{Columns: []string{"id"}})
	if err != nil {
		t.Fatalf("BuildPartitionSpec: %v", err)
	}
	if len(spec) != 0 {
		t.Fatalf("expected empty spec, got %d fields", len(spec))
	}
}
