// Package domain holds the core types shared by the runner and query
// services: run state, pipeline configuration, and quality test results.
package domain

import (
	"sync"
	"time"

	"github.com/brinkfield/lakeforge/internal/runlog"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status represents a finished run.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// LogEntry is a single line in a run's log.
type LogEntry struct {
	Timestamp time.Time
	Level     string // "info", "warn", "error", "debug"
	Message   string
}

// Run is the mutable state of a single pipeline run. All mutation goes
// through its methods, which hold mu for the duration.
type Run struct {
	ID           string
	Namespace    string
	Layer        string
	PipelineName string
	Trigger      string
	CreatedAt    time.Time
	Env          map[string]string

	mu             sync.Mutex
	status         RunStatus
	rowsWritten    int64
	durationMs     int64
	errMsg         string
	branch         string
	qualityResults []QualityTestResult
	archivedZones  []string

	cancelOnce sync.Once
	cancelCh   chan struct{}

	log *runlog.Log
}

// NewRun constructs a pending run with its own log and cancellation channel.
func NewRun(id, namespace, layer, pipelineName, trigger string, env map[string]string) *Run {
	return &Run{
		ID:           id,
		Namespace:    namespace,
		Layer:        layer,
		PipelineName: pipelineName,
		Trigger:      trigger,
		CreatedAt:    time.Now(),
		Env:          env,
		status:       RunPending,
		cancelCh:     make(chan struct{}),
		log:          runlog.New(),
	}
}

func (r *Run) Log() *runlog.Log { return r.log }

func (r *Run) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Run) SetStatus(s RunStatus) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

func (r *Run) IsTerminal() bool {
	return r.Status().IsTerminal()
}

func (r *Run) SetError(err string) {
	r.mu.Lock()
	r.errMsg = err
	r.mu.Unlock()
}

func (r *Run) Error() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errMsg
}

func (r *Run) SetBranch(b string) {
	r.mu.Lock()
	r.branch = b
	r.mu.Unlock()
}

func (r *Run) Branch() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.branch
}

func (r *Run) SetRowsWritten(n int64) {
	r.mu.Lock()
	r.rowsWritten = n
	r.mu.Unlock()
}

func (r *Run) RowsWritten() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rowsWritten
}

func (r *Run) SetDuration(d time.Duration) {
	r.mu.Lock()
	r.durationMs = d.Milliseconds()
	r.mu.Unlock()
}

func (r *Run) DurationMs() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.durationMs
}

func (r *Run) SetQualityResults(results []QualityTestResult) {
	r.mu.Lock()
	r.qualityResults = results
	r.mu.Unlock()
}

func (r *Run) QualityResults() []QualityTestResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]QualityTestResult, len(r.qualityResults))
	copy(out, r.qualityResults)
	return out
}

func (r *Run) SetArchivedZones(zones []string) {
	r.mu.Lock()
	r.archivedZones = zones
	r.mu.Unlock()
}

func (r *Run) ArchivedZones() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.archivedZones))
	copy(out, r.archivedZones)
	return out
}

// Cancel requests cooperative cancellation. Safe to call more than once
// and from multiple goroutines; only the first call closes the channel.
func (r *Run) Cancel() {
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

// Cancelled returns a channel that is closed once Cancel has been called.
func (r *Run) Cancelled() <-chan struct{} {
	return r.cancelCh
}

// IsCancelled reports cancellation without blocking.
func (r *Run) IsCancelled() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}
