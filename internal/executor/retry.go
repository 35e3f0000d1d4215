package executor

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brinkfield/lakeforge/internal/domain"
)

// RunWithRetry executes req through Run, and retries a Failed outcome
// (never Cancelled) up to the pipeline's configured max_retries, waiting
// retry_delay_seconds between attempts. max_retries and retry_delay_seconds
// are read straight from config.yaml here, independently of whatever Phase 1
// loads inside Run, since retry policy is a server-layer concern that
// source-level annotations never touch. Every attempt, including
// retries, uses the same pinned versions as the original request.
func RunWithRetry(ctx context.Context, deps Dependencies, req Request) {
	run := req.Run
	Run(ctx, deps, req)

	maxRetries, delay := retryPolicy(ctx, deps, req)
	for attempt := 1; run.Status() == domain.RunFailed && attempt <= maxRetries; attempt++ {
		if !interruptibleSleep(run, delay) {
			return
		}

		run.SetRowsWritten(0)
		run.SetDuration(0)
		run.SetError("")
		Run(ctx, deps, req)
	}
}

// retryPolicy loads max_retries/retry_delay_seconds from config.yaml. Any
// failure to read it — store unreachable, pipeline deleted since the
// original attempt — disables retry for this run rather than failing the
// caller; the run simply stays Failed.
func retryPolicy(ctx context.Context, deps Dependencies, req Request) (int, time.Duration) {
	store, err := deps.Objects.Get(ctx, deps.BaseS3)
	if err != nil {
		return 0, 0
	}

	run := req.Run
	key := fmt.Sprintf("%s/pipelines/%s/%s/config.yaml", run.Namespace, run.Layer, run.PipelineName)
	raw, err := readVersioned(ctx, store, key, req.Versions)
	if err != nil || raw == nil {
		return 0, 0
	}

	cfg := domain.DefaultPipelineConfig()
	var y yamlConfig
	if err := yaml.Unmarshal([]byte(*raw), &y); err != nil {
		return 0, 0
	}
	if y.MaxRetries != nil {
		cfg.MaxRetries = *y.MaxRetries
	}
	if y.RetryDelaySeconds != nil {
		cfg.RetryDelaySeconds = *y.RetryDelaySeconds
	}
	return cfg.MaxRetries, time.Duration(cfg.RetryDelaySeconds) * time.Second
}

// interruptibleSleep waits for delay or the run's cancellation signal,
// whichever comes first. Returns false if cancelled before the delay
// elapsed.
func interruptibleSleep(run *domain.Run, delay time.Duration) bool {
	if delay <= 0 {
		return !run.IsCancelled()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-run.Cancelled():
		return false
	}
}
