package rpc

// Hand-maintained wire messages for the Runner and Query services,
// serialised by jsonCodec. Field names are stable wire contract; renaming
// a JSON tag is a breaking change.

// S3Credentials carries per-run object-store credential overrides
// (typically short-lived STS tokens minted by the platform).
type S3Credentials struct {
	Endpoint        string `json:"endpoint,omitempty"`
	Region          string `json:"region,omitempty"`
	Bucket          string `json:"bucket,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	SessionToken    string `json:"session_token,omitempty"`
}

// SubmitPipelineRequest asks the runner to materialise one pipeline.
type SubmitPipelineRequest struct {
	Namespace    string `json:"namespace"`
	Layer        string `json:"layer"`
	PipelineName string `json:"pipeline_name"`
	Trigger      string `json:"trigger,omitempty"`
	// RunID is optional; the platform supplies it to keep archive folder
	// names in sync with its own records.
	RunID             string            `json:"run_id,omitempty"`
	S3Credentials     *S3Credentials    `json:"s3_credentials,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	PublishedVersions map[string]string `json:"published_versions,omitempty"`
}

// SubmitPipelineResponse acknowledges an admitted run.
type SubmitPipelineResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// GetRunStatusRequest looks up one run.
type GetRunStatusRequest struct {
	RunID string `json:"run_id"`
}

// GetRunStatusResponse reports a run's current state. Error is sanitised
// before it leaves the server.
type GetRunStatusResponse struct {
	RunID                string   `json:"run_id"`
	Status               string   `json:"status"`
	RowsWritten          int64    `json:"rows_written"`
	DurationMs           int64    `json:"duration_ms"`
	Error                string   `json:"error,omitempty"`
	ArchivedLandingZones []string `json:"archived_landing_zones,omitempty"`
}

// CancelRunRequest requests cooperative cancellation.
type CancelRunRequest struct {
	RunID string `json:"run_id"`
}

// CancelRunResponse reports whether the cancel signal was newly set;
// false means the run was already terminal.
type CancelRunResponse struct {
	Cancelled bool `json:"cancelled"`
}

// StreamLogsRequest opens a log stream for a run. With Follow set the
// stream stays open until the run reaches a terminal state.
type StreamLogsRequest struct {
	RunID  string `json:"run_id"`
	Follow bool   `json:"follow,omitempty"`
}

// LogEntry is one streamed log line.
type LogEntry struct {
	TimestampMs int64  `json:"timestamp_ms"`
	Level       string `json:"level"`
	Message     string `json:"message"`
}

// PreviewPipelineRequest executes a pipeline read-only: no branch, no
// writes, no quality tests. Code, when set, is used in place of the stored
// source; PipelineType ("sql" or "python") disambiguates inline code.
type PreviewPipelineRequest struct {
	Namespace     string         `json:"namespace"`
	Layer         string         `json:"layer"`
	PipelineName  string         `json:"pipeline_name"`
	Limit         int            `json:"limit,omitempty"`
	Code          string         `json:"code,omitempty"`
	PipelineType  string         `json:"pipeline_type,omitempty"`
	S3Credentials *S3Credentials `json:"s3_credentials,omitempty"`
}

// ColumnInfo describes one result column.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// PhaseProfile is the timing of one preview phase.
type PhaseProfile struct {
	Name       string            `json:"name"`
	DurationMs int64             `json:"duration_ms"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// PreviewPipelineResponse carries sampled rows plus diagnostics.
type PreviewPipelineResponse struct {
	Columns       []ColumnInfo     `json:"columns,omitempty"`
	Rows          []map[string]any `json:"rows,omitempty"`
	TotalRowCount int64            `json:"total_row_count"`
	Phases        []PhaseProfile   `json:"phases,omitempty"`
	ExplainOutput string           `json:"explain_output,omitempty"`
	MemoryPeakMB  float64          `json:"memory_peak_mb,omitempty"`
	Logs          []LogEntry       `json:"logs,omitempty"`
	Error         string           `json:"error,omitempty"`
	Warnings      []string         `json:"warnings,omitempty"`
}

// ExecuteQueryRequest runs read-only SQL against the query service's
// registered views. Format selects the result encoding: "json" (default)
// returns Rows; "arrow" returns ArrowIPC instead.
type ExecuteQueryRequest struct {
	SQL    string `json:"sql"`
	Limit  int    `json:"limit,omitempty"`
	Format string `json:"format,omitempty"`
}

// ExecuteQueryResponse carries a query's materialised result. Exactly one
// of Rows and ArrowIPC is populated, per the request's Format.
type ExecuteQueryResponse struct {
	Columns    []ColumnInfo     `json:"columns,omitempty"`
	Rows       []map[string]any `json:"rows,omitempty"`
	ArrowIPC   []byte           `json:"arrow_ipc,omitempty"`
	RowCount   int64            `json:"row_count"`
	DurationMs int64            `json:"duration_ms"`
}

// ListTablesRequest lists registered tables, optionally filtered by
// namespace.
type ListTablesRequest struct {
	Namespace string `json:"namespace,omitempty"`
}

// TableInfo identifies one registered table.
type TableInfo struct {
	Namespace string `json:"namespace"`
	Layer     string `json:"layer"`
	Name      string `json:"name"`
}

// ListTablesResponse is the registered-table listing.
type ListTablesResponse struct {
	Tables []TableInfo `json:"tables,omitempty"`
}

// DescribeTableRequest asks for a table's column schema.
type DescribeTableRequest struct {
	Namespace string `json:"namespace"`
	Layer     string `json:"layer"`
	Name      string `json:"name"`
}

// DescribeTableResponse lists a table's columns.
type DescribeTableResponse struct {
	Columns []ColumnInfo `json:"columns,omitempty"`
}
