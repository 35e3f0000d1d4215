// Package admission is the runner's submission front door: the single
// critical section that counts in-flight runs against the concurrency cap,
// the crash marker written before dispatch, the fixed-size worker pool that
// actually executes runs, the best-effort status callback, and startup
// crash-recovery reconciliation. The admission rule is to reject before
// anything durable is written, never the other way around.
package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brinkfield/lakeforge/internal/domain"
	"github.com/brinkfield/lakeforge/internal/executor"
	"github.com/brinkfield/lakeforge/internal/logging"
	"github.com/brinkfield/lakeforge/internal/marker"
	"github.com/brinkfield/lakeforge/internal/metrics"
	"github.com/brinkfield/lakeforge/internal/registry"
)

// Dependencies are the long-lived collaborators an Admitter needs.
type Dependencies struct {
	Executor          executor.Dependencies
	Registry          *registry.Registry
	Markers           *marker.Store
	Metrics           *metrics.Metrics
	MaxConcurrentRuns int
	Workers           int
	CallbackURL       string
}

// ResourceExhaustedError is returned when the registry is at its
// concurrency cap. Current and Max let the caller render "2/2" verbatim.
type ResourceExhaustedError struct {
	Current, Max int
}

func (e ResourceExhaustedError) Error() string {
	return fmt.Sprintf("resource exhausted: %d/%d runs active", e.Current, e.Max)
}

// SubmitRequest is the caller-supplied input to Submit.
type SubmitRequest struct {
	RunID        string // optional; generated when empty
	Namespace    string
	Layer        string
	PipelineName string
	Trigger      string
	Versions     map[string]string // nil => unversioned mode
	Env          map[string]string
}

// DuplicateRunError is returned when a caller-supplied run ID is already
// tracked by the registry.
type DuplicateRunError struct{ RunID string }

func (e DuplicateRunError) Error() string {
	return fmt.Sprintf("run %s already exists", e.RunID)
}

// Admitter owns the admission critical section, the worker pool, and the
// bookkeeping around one dispatched run's lifetime.
type Admitter struct {
	deps Dependencies
	pool *workerPool

	admitMu sync.Mutex
	wg      sync.WaitGroup

	httpClient *http.Client

	// runFn executes one dispatched run; swapped in tests to exercise the
	// admission machinery without a real executor behind it.
	runFn func(ctx context.Context, deps executor.Dependencies, req executor.Request)
}

// New constructs an Admitter with a worker pool sized to deps.Workers.
func New(deps Dependencies) *Admitter {
	return &Admitter{
		deps:       deps,
		pool:       newWorkerPool(deps.Workers),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		runFn:      executor.RunWithRetry,
	}
}

// Submit runs the admission check, registers the run, writes its crash
// marker, and dispatches it to the worker pool. It returns
// ResourceExhaustedError without registering anything if the concurrency
// cap is already reached.
func (a *Admitter) Submit(req SubmitRequest) (*domain.Run, error) {
	run, err := a.admit(req)
	if err != nil {
		return nil, err
	}

	if err := a.deps.Markers.Write(marker.CrashedRun{
		RunID:        run.ID,
		Namespace:    run.Namespace,
		Layer:        run.Layer,
		PipelineName: run.PipelineName,
		Trigger:      run.Trigger,
	}); err != nil {
		logging.Op().Warn("failed to write crash marker", "run_id", run.ID, "error", err)
	}

	a.dispatch(run, req.Versions, req.Env)
	return run, nil
}

// admit is the single admission critical section: count non-terminal
// runs, reject at the cap, otherwise mint an ID and insert into the
// registry before releasing the lock. The registry's own mutex protects
// concurrent reads of ActiveCount/Add individually, but only this outer
// lock makes the count-then-insert sequence atomic.
func (a *Admitter) admit(req SubmitRequest) (*domain.Run, error) {
	a.admitMu.Lock()
	defer a.admitMu.Unlock()

	active := a.deps.Registry.ActiveCount()
	if active >= a.deps.MaxConcurrentRuns {
		if a.deps.Metrics != nil {
			a.deps.Metrics.AdmissionReject.Inc()
		}
		return nil, ResourceExhaustedError{Current: active, Max: a.deps.MaxConcurrentRuns}
	}

	// Platform-assigned run IDs are honoured so archive folder names stay
	// in sync with the platform's own records; absent one, mint a UUID.
	id := req.RunID
	if id == "" {
		id = uuid.NewString()
	} else if a.deps.Registry.Get(id) != nil {
		return nil, DuplicateRunError{RunID: id}
	}

	run := domain.NewRun(id, req.Namespace, req.Layer, req.PipelineName, req.Trigger, req.Env)
	a.deps.Registry.Add(run)
	return run, nil
}

// dispatch hands run to the worker pool in its own goroutine. If the pool
// is closed (shutdown in progress) the run is marked Cancelled instead of
// running at all.
func (a *Admitter) dispatch(run *domain.Run, versions, env map[string]string) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		if !a.pool.acquire() {
			run.SetStatus(domain.RunCancelled)
			run.SetError("runner shutting down")
			a.finish(run)
			return
		}
		defer a.pool.release()

		if a.deps.Metrics != nil {
			a.deps.Metrics.ActiveRuns.Inc()
			defer a.deps.Metrics.ActiveRuns.Dec()
		}

		a.runFn(context.Background(), a.deps.Executor, executor.Request{
			Run:      run,
			Versions: versions,
			Env:      env,
		})
		a.finish(run)
	}()
}

// finish marks a run's terminal bookkeeping: starts the registry's TTL
// countdown, removes its crash marker, and fires the best-effort status
// callback.
func (a *Admitter) finish(run *domain.Run) {
	a.deps.Registry.MarkFinished(run.ID)
	a.deps.Markers.Remove(run.ID)
	a.callback(run)
}

// callback POSTs the run's terminal outcome to the configured platform
// endpoint. Best-effort: every failure is logged and swallowed, and it
// never mutates run's state — a callback failure can't turn a Success into
// a Failed.
func (a *Admitter) callback(run *domain.Run) {
	if a.deps.CallbackURL == "" {
		return
	}

	payload := map[string]any{
		"run_id":                 run.ID,
		"status":                 run.Status(),
		"error":                  run.Error(),
		"duration_ms":            run.DurationMs(),
		"rows_written":           run.RowsWritten(),
		"archived_landing_zones": run.ArchivedZones(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		logging.Op().Warn("status callback: marshal payload failed", "run_id", run.ID, "error", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, a.deps.CallbackURL, bytes.NewReader(body))
	if err != nil {
		logging.Op().Warn("status callback: build request failed", "run_id", run.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		logging.Op().Warn("status callback failed", "run_id", run.ID, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logging.Op().Warn("status callback returned non-2xx", "run_id", run.ID, "status", resp.StatusCode)
	}
}

// Cancel requests cooperative cancellation of a tracked run. found is false
// if id names no known run.
func (a *Admitter) Cancel(id string) (found bool) {
	run := a.deps.Registry.Get(id)
	if run == nil {
		return false
	}
	run.Cancel()
	return true
}

// Reconcile registers every leftover crash marker as a Failed run, for a
// process that starts after a prior instance died mid-run. Must be
// called once at startup before Submit is ever invoked.
func (a *Admitter) Reconcile() error {
	crashed, err := a.deps.Markers.CollectCrashed()
	if err != nil {
		return fmt.Errorf("collect crash markers: %w", err)
	}

	for _, c := range crashed {
		run := domain.NewRun(c.RunID, c.Namespace, c.Layer, c.PipelineName, c.Trigger, nil)
		run.SetStatus(domain.RunFailed)
		run.SetError("runner process restarted — run was in-flight when the previous process crashed")
		a.deps.Registry.Add(run)
		a.deps.Registry.MarkFinished(run.ID)
		logging.Op().Warn("reconciled crashed run", "run_id", run.ID, "pipeline", run.PipelineName)
	}
	return nil
}

// Shutdown closes the worker pool to new acquisitions and waits for every
// in-flight run to drain, or for ctx to expire first.
func (a *Admitter) Shutdown(ctx context.Context) {
	a.pool.close()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logging.Op().Warn("shutdown timed out waiting for in-flight runs to drain")
	}
}
