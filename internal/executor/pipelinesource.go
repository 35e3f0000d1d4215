package executor

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/brinkfield/lakeforge/internal/domain"
	"github.com/brinkfield/lakeforge/internal/templating"
)

// ErrSourceAbsent is the distinct terminal error Phase 1 raises when
// neither pipeline.py nor pipeline.sql exists at the expected path.
type ErrSourceAbsent struct {
	Namespace, Layer, Name string
}

func (e ErrSourceAbsent) Error() string {
	return fmt.Sprintf("no pipeline source found for %s.%s.%s (checked pipeline.py and pipeline.sql)", e.Namespace, e.Layer, e.Name)
}

// SourceKind distinguishes a script pipeline from a SQL pipeline.
type SourceKind string

const (
	SourceSQL    SourceKind = "sql"
	SourceScript SourceKind = "script"
)

// PipelineSource is the resolved, version-pinned source body plus its kind.
type PipelineSource struct {
	Kind SourceKind
	Body string
}

// objectReader is the subset of objectstore.Client Phase 1 needs, pinned or
// HEAD depending on whether a version is supplied.
type objectReader interface {
	GetObjectText(ctx context.Context, key string) (*string, error)
	GetObjectTextVersion(ctx context.Context, key, versionID string) (*string, error)
}

// readVersioned reads key at versions[key] if present, otherwise HEAD.
func readVersioned(ctx context.Context, store objectReader, key string, versions map[string]string) (*string, error) {
	if v, ok := versions[key]; ok {
		return store.GetObjectTextVersion(ctx, key, v)
	}
	return store.GetObjectText(ctx, key)
}

// LoadSource implements Phase 1's source-detection rule: script sources
// take precedence over SQL sources when both exist; fail with
// ErrSourceAbsent when neither does.
func LoadSource(ctx context.Context, store objectReader, namespace, layer, name string, versions map[string]string) (PipelineSource, error) {
	base := fmt.Sprintf("%s/pipelines/%s/%s/pipeline", namespace, layer, name)

	scriptKey := base + ".py"
	script, err := readVersioned(ctx, store, scriptKey, versions)
	if err != nil {
		return PipelineSource{}, fmt.Errorf("read %s: %w", scriptKey, err)
	}
	if script != nil {
		return PipelineSource{Kind: SourceScript, Body: *script}, nil
	}

	sqlKey := base + ".sql"
	sql, err := readVersioned(ctx, store, sqlKey, versions)
	if err != nil {
		return PipelineSource{}, fmt.Errorf("read %s: %w", sqlKey, err)
	}
	if sql != nil {
		return PipelineSource{Kind: SourceSQL, Body: *sql}, nil
	}

	return PipelineSource{}, ErrSourceAbsent{Namespace: namespace, Layer: layer, Name: name}
}

// yamlPartitionField mirrors a single partition_by list entry in config.yaml.
type yamlPartitionField struct {
	Column    string `yaml:"column"`
	Transform string `yaml:"transform"`
}

// yamlConfig mirrors config.yaml's documented keys.
type yamlConfig struct {
	Description         string               `yaml:"description"`
	Materialized        string               `yaml:"materialized"`
	UniqueKey           []string             `yaml:"unique_key"`
	MergeStrategy       string               `yaml:"merge_strategy"`
	WatermarkColumn     string               `yaml:"watermark_column"`
	ArchiveLandingZones bool                 `yaml:"archive_landing_zones"`
	PartitionColumn     string               `yaml:"partition_column"`
	PartitionBy         []yamlPartitionField `yaml:"partition_by"`
	SCDValidFrom        string               `yaml:"scd_valid_from"`
	SCDValidTo          string               `yaml:"scd_valid_to"`
	MaxRetries          *int                 `yaml:"max_retries"`
	RetryDelaySeconds   *int                 `yaml:"retry_delay_seconds"`
}

// LoadConfig reads and parses config.yaml adjacent to the pipeline source,
// merges it with annotations extracted from the source body (source
// annotations win per-field), and fills any still-unset field from
// domain.DefaultPipelineConfig.
func LoadConfig(ctx context.Context, store objectReader, namespace, layer, name string, versions map[string]string, sourceBody string) (domain.PipelineConfig, error) {
	key := fmt.Sprintf("%s/pipelines/%s/%s/config.yaml", namespace, layer, name)
	raw, err := readVersioned(ctx, store, key, versions)
	if err != nil {
		return domain.PipelineConfig{}, fmt.Errorf("read %s: %w", key, err)
	}

	base := domain.DefaultPipelineConfig()
	if raw != nil {
		var y yamlConfig
		if err := yaml.Unmarshal([]byte(*raw), &y); err != nil {
			return domain.PipelineConfig{}, fmt.Errorf("parse %s: %w", key, err)
		}
		applyYAML(&base, y)
	}

	annotated := templating.AnnotationsToConfig(templating.ExtractAnnotations(sourceBody))
	mergeOverride(&base, annotated)

	return base, nil
}

func applyYAML(cfg *domain.PipelineConfig, y yamlConfig) {
	if y.Description != "" {
		cfg.Description = y.Description
	}
	if y.Materialized != "" {
		cfg.Materialized = y.Materialized
	}
	if len(y.UniqueKey) > 0 {
		cfg.UniqueKey = y.UniqueKey
	}
	if y.MergeStrategy != "" {
		cfg.MergeStrategy = domain.MergeStrategy(y.MergeStrategy)
	}
	if y.WatermarkColumn != "" {
		cfg.WatermarkColumn = y.WatermarkColumn
	}
	cfg.ArchiveLandingZones = y.ArchiveLandingZones
	if y.PartitionColumn != "" {
		cfg.PartitionColumn = y.PartitionColumn
	}
	for _, p := range y.PartitionBy {
		cfg.PartitionBy = append(cfg.PartitionBy, domain.PartitionField{
			Column:    p.Column,
			Transform: domain.PartitionTransform(p.Transform),
		})
	}
	if y.SCDValidFrom != "" {
		cfg.SCDValidFrom = y.SCDValidFrom
	}
	if y.SCDValidTo != "" {
		cfg.SCDValidTo = y.SCDValidTo
	}
	if y.MaxRetries != nil {
		cfg.MaxRetries = *y.MaxRetries
	}
	if y.RetryDelaySeconds != nil {
		cfg.RetryDelaySeconds = *y.RetryDelaySeconds
	}
}

// mergeOverride layers annotation-derived fields over cfg, per-field,
// since source-level annotations win over config.yaml.
func mergeOverride(cfg *domain.PipelineConfig, ann domain.PipelineConfig) {
	if ann.Description != "" {
		cfg.Description = ann.Description
	}
	if ann.Materialized != "" {
		cfg.Materialized = ann.Materialized
	}
	if len(ann.UniqueKey) > 0 {
		cfg.UniqueKey = ann.UniqueKey
	}
	if ann.MergeStrategy != "" {
		cfg.MergeStrategy = ann.MergeStrategy
	}
	if ann.WatermarkColumn != "" {
		cfg.WatermarkColumn = ann.WatermarkColumn
	}
	if ann.PartitionColumn != "" {
		cfg.PartitionColumn = ann.PartitionColumn
	}
	if ann.SCDValidFrom != "" {
		cfg.SCDValidFrom = ann.SCDValidFrom
	}
	if ann.SCDValidTo != "" {
		cfg.SCDValidTo = ann.SCDValidTo
	}
}
