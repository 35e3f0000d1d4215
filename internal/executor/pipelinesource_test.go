package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/brinkfield/lakeforge/internal/domain"
)

// fakeStore is an in-memory objectReader keyed by object key, with an
// optional separate version space.
type fakeStore struct {
	head     map[string]string
	versions map[string]map[string]string // key -> versionID -> body
}

func (f *fakeStore) GetObjectText(_ context.Context, key string) (*string, error) {
	if body, ok := f.head[key]; ok {
		return &body, nil
	}
	return nil, nil
}

func (f *fakeStore) GetObjectTextVersion(_ context.Context, key, versionID string) (*string, error) {
	if byVersion, ok := f.versions[key]; ok {
		if body, ok := byVersion[versionID]; ok {
			return &body, nil
		}
	}
	return nil, nil
}

func TestLoadSourceScriptPrecedence(t *testing.T) {
	store := &fakeStore{head: map[string]string{
		"default/pipelines/silver/orders/pipeline.py":  "result = []",
		"default/pipelines/silver/orders/pipeline.sql": "SELECT 1",
	}}

	src, err := LoadSource(context.Background(), store, "default", "silver", "orders", nil)
	if err != nil {
		t.Fatalf("LoadSource: %v", err)
	}
	if src.Kind != SourceScript {
		t.Fatalf("script must win over SQL, got %s", src.Kind)
	}
	if src.Body != "result = []" {
		t.Fatalf("unexpected body %q", src.Body)
	}
}

func TestLoadSourceSQLOnly(t *testing.T) {
	store := &fakeStore{head: map[string]string{
		"default/pipelines/silver/orders/pipeline.sql": "SELECT 1",
	}}
	src, err := LoadSource(context.Background(), store, "default", "silver", "orders", nil)
	if err != nil {
		t.Fatalf("LoadSource: %v", err)
	}
	if src.Kind != SourceSQL {
		t.Fatalf("expected SQL source, got %s", src.Kind)
	}
}

func TestLoadSourceAbsent(t *testing.T) {
	store := &fakeStore{head: map[string]string{}}
	_, err := LoadSource(context.Background(), store, "default", "silver", "orders", nil)
	var absent ErrSourceAbsent
	if !errors.As(err, &absent) {
		t.Fatalf("expected ErrSourceAbsent, got %v", err)
	}
}

func TestLoadSourcePinnedVersion(t *testing.T) {
	store := &fakeStore{
		head: map[string]string{
			"default/pipelines/silver/orders/pipeline.sql": "SELECT 'head'",
		},
		versions: map[string]map[string]string{
			"default/pipelines/silver/orders/pipeline.sql": {"v7": "SELECT 'pinned'"},
		},
	}
	versions := map[string]string{"default/pipelines/silver/orders/pipeline.sql": "v7"}

	src, err := LoadSource(context.Background(), store, "default", "silver", "orders", versions)
	if err != nil {
		t.Fatalf("LoadSource: %v", err)
	}
	if src.Body != "SELECT 'pinned'" {
		t.Fatalf("expected pinned version, got %q", src.Body)
	}
}

func TestLoadConfigDefaultsWhenAbsent(t *testing.T) {
	store := &fakeStore{head: map[string]string{}}
	cfg, err := LoadConfig(context.Background(), store, "default", "silver", "orders", nil, "SELECT 1")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MergeStrategy != domain.FullRefresh {
		t.Fatalf("expected full_refresh default, got %s", cfg.MergeStrategy)
	}
	if cfg.RetryDelaySeconds != 30 {
		t.Fatalf("expected default retry delay, got %d", cfg.RetryDelaySeconds)
	}
}

func TestLoadConfigYAMLApplied(t *testing.T) {
	store := &fakeStore{head: map[string]string{
		"default/pipelines/silver/orders/config.yaml": `
merge_strategy: incremental
unique_key: [id]
watermark_column: updated_at
max_retries: 2
retry_delay_seconds: 5
partition_by:
  - column: created_at
    transform: day
`,
	}}
	cfg, err := LoadConfig(context.Background(), store, "default", "silver", "orders", nil, "SELECT 1")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MergeStrategy != domain.Incremental {
		t.Fatalf("expected incremental, got %s", cfg.MergeStrategy)
	}
	if len(cfg.UniqueKey) != 1 || cfg.UniqueKey[0] != "id" {
		t.Fatalf("unique_key lost: %v", cfg.UniqueKey)
	}
	if cfg.MaxRetries != 2 || cfg.RetryDelaySeconds != 5 {
		t.Fatalf("retry policy lost: %d/%d", cfg.MaxRetries, cfg.RetryDelaySeconds)
	}
	if len(cfg.PartitionBy) != 1 || cfg.PartitionBy[0].Transform != domain.TransformDay {
		t.Fatalf("partition_by lost: %+v", cfg.PartitionBy)
	}
}

func TestLoadConfigAnnotationsWinPerField(t *testing.T) {
	store := &fakeStore{head: map[string]string{
		"default/pipelines/silver/orders/config.yaml": `
merge_strategy: full_refresh
watermark_column: updated_at
description: from yaml
`,
	}}
	source := "-- @merge_strategy: incremental\n-- @unique_key: id\nSELECT 1"

	cfg, err := LoadConfig(context.Background(), store, "default", "silver", "orders", nil, source)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MergeStrategy != domain.Incremental {
		t.Fatalf("annotation should override yaml strategy, got %s", cfg.MergeStrategy)
	}
	if cfg.WatermarkColumn != "updated_at" {
		t.Fatalf("yaml field without annotation must survive, got %q", cfg.WatermarkColumn)
	}
	if cfg.Description != "from yaml" {
		t.Fatalf("yaml description should survive, got %q", cfg.Description)
	}
	if len(cfg.UniqueKey) != 1 || cfg.UniqueKey[0] != "id" {
		t.Fatalf("annotation unique_key lost: %v", cfg.UniqueKey)
	}
}

func TestLoadConfigBadYAML(t *testing.T) {
	store := &fakeStore{head: map[string]string{
		"default/pipelines/silver/orders/config.yaml": "merge_strategy: [unterminated",
	}}
	if _, err := LoadConfig(context.Background(), store, "default", "silver", "orders", nil, "SELECT 1"); err == nil {
		t.Fatal("expected parse error")
	}
}
