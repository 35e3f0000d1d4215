package domain

// Layers are the medallion tiers a table path may use.
var Layers = []string{"bronze", "silver", "gold"}

// ValidLayer reports whether layer is one of the medallion tiers.
func ValidLayer(layer string) bool {
	for _, l := range Layers {
		if l == layer {
			return true
		}
	}
	return false
}

// MergeStrategy selects how a pipeline's result rows are written into its
// Iceberg table.
type MergeStrategy string

const (
	FullRefresh  MergeStrategy = "full_refresh"
	Incremental  MergeStrategy = "incremental"
	AppendOnly   MergeStrategy = "append_only"
	DeleteInsert MergeStrategy = "delete_insert"
	SCD2         MergeStrategy = "scd2"
	Snapshot     MergeStrategy = "snapshot"
)

// ValidMergeStrategy reports whether s is a recognised strategy.
func ValidMergeStrategy(s string) bool {
	switch MergeStrategy(s) {
	case FullRefresh, Incremental, AppendOnly, DeleteInsert, SCD2, Snapshot:
		return true
	default:
		return false
	}
}

// PartitionTransform is an Iceberg partition transform applied to a column.
type PartitionTransform string

const (
	TransformIdentity PartitionTransform = "identity"
	TransformDay      PartitionTransform = "day"
	TransformMonth    PartitionTransform = "month"
	TransformYear     PartitionTransform = "year"
	TransformHour     PartitionTransform = "hour"
)

// ValidPartitionTransforms are the transforms this platform supports.
var ValidPartitionTransforms = map[PartitionTransform]bool{
	TransformIdentity: true,
	TransformDay:      true,
	TransformMonth:    true,
	TransformYear:     true,
	TransformHour:     true,
}

// PartitionField is a single partition spec entry: column + transform.
type PartitionField struct {
	Column    string
	Transform PartitionTransform
}

// PipelineConfig is the parsed, merged pipeline configuration — from
// config.yaml, from leading "@key: value" source annotations, or both.
type PipelineConfig struct {
	Description         string
	Materialized        string // "table" or "view"
	UniqueKey           []string
	MergeStrategy       MergeStrategy
	WatermarkColumn     string
	ArchiveLandingZones bool
	PartitionColumn     string
	PartitionBy         []PartitionField
	SCDValidFrom        string
	SCDValidTo          string
	MaxRetries          int
	RetryDelaySeconds   int
}

// DefaultPipelineConfig returns the zero-value defaults used when neither
// config.yaml nor source annotations supply a field.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Materialized:      "table",
		MergeStrategy:     FullRefresh,
		SCDValidFrom:      "valid_from",
		SCDValidTo:        "valid_to",
		RetryDelaySeconds: 30,
	}
}

// QualityTestResult is the outcome of a single quality test run against a
// pipeline's output.
type QualityTestResult struct {
	TestName    string
	TestFile    string // object-store key
	Severity    string // "error" or "warn"
	Status      string // "pass", "fail", "error"
	RowCount    int64  // violation count; 0 = pass
	Message     string
	DurationMs  int64
	Description string
	CompiledSQL string
	SampleRows  string
	Tags        []string
	Remediation string
}
