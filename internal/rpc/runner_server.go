// Package rpc exposes the Runner and Query services over gRPC. The
// message set is small and owned end-to-end by this repository, so the
// wire types are hand-maintained Go structs (messages.go) carried by a
// JSON codec (codec.go) and hand-written service descriptors rather than
// generated protobuf stubs; the service names and method routes below are
// the stable contract.
package rpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/brinkfield/lakeforge/internal/admission"
	"github.com/brinkfield/lakeforge/internal/config"
	"github.com/brinkfield/lakeforge/internal/domain"
	"github.com/brinkfield/lakeforge/internal/logging"
	"github.com/brinkfield/lakeforge/internal/preview"
	"github.com/brinkfield/lakeforge/internal/registry"
)

// streamPollTimeout is how long a following log stream waits for new
// entries before re-checking the run's terminal flag.
const streamPollTimeout = time.Second

// RunnerServer serves the runner's submission-side RPC surface.
type RunnerServer struct {
	admitter *admission.Admitter
	registry *registry.Registry
	preview  preview.Dependencies

	server *grpc.Server
}

// NewRunnerServer wires the runner RPC surface to its collaborators.
func NewRunnerServer(admitter *admission.Admitter, reg *registry.Registry, previewDeps preview.Dependencies) *RunnerServer {
	return &RunnerServer{admitter: admitter, registry: reg, preview: previewDeps}
}

// Start begins serving on addr, optionally with TLS. Non-blocking; serve
// errors are logged.
func (s *RunnerServer) Start(addr string, tlsCfg config.TLSConfig) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.ChainUnaryInterceptor(loggingInterceptor),
	}
	if tlsCfg.Enabled() {
		cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
		if err != nil {
			return fmt.Errorf("load TLS key pair: %w", err)
		}
		opts = append(opts, grpc.Creds(credentials.NewServerTLSFromCert(&cert)))
	}

	s.server = grpc.NewServer(opts...)
	s.server.RegisterService(&runnerServiceDesc, s)

	logging.Op().Info("runner gRPC server started", "addr", addr, "tls", tlsCfg.Enabled())
	go func() {
		if err := s.server.Serve(lis); err != nil {
			logging.Op().Error("runner gRPC server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully stops the server.
func (s *RunnerServer) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
}

// SubmitPipeline admits a run and returns its ID and initial status.
func (s *RunnerServer) SubmitPipeline(ctx context.Context, req *SubmitPipelineRequest) (*SubmitPipelineResponse, error) {
	if !domain.ValidLayer(req.Layer) {
		return nil, status.Errorf(codes.InvalidArgument, "invalid layer: %q", req.Layer)
	}
	if req.PipelineName == "" {
		return nil, status.Error(codes.InvalidArgument, "pipeline name is required")
	}

	run, err := s.admitter.Submit(admission.SubmitRequest{
		RunID:        req.RunID,
		Namespace:    req.Namespace,
		Layer:        req.Layer,
		PipelineName: req.PipelineName,
		Trigger:      req.Trigger,
		Versions:     req.PublishedVersions,
		Env:          mergeCredentialEnv(req.Env, req.S3Credentials),
	})
	if err != nil {
		switch err.(type) {
		case admission.ResourceExhaustedError:
			return nil, status.Error(codes.ResourceExhausted, err.Error())
		case admission.DuplicateRunError:
			return nil, status.Error(codes.AlreadyExists, err.Error())
		default:
			return nil, status.Errorf(codes.Internal, "submit: %v", err)
		}
	}

	return &SubmitPipelineResponse{RunID: run.ID, Status: string(run.Status())}, nil
}

// mergeCredentialEnv folds an S3Credentials record into the per-run env
// override map the executor consumes, without mutating the caller's map.
func mergeCredentialEnv(env map[string]string, creds *S3Credentials) map[string]string {
	if creds == nil {
		return env
	}
	out := make(map[string]string, len(env)+6)
	for k, v := range env {
		out[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set("S3_ENDPOINT", creds.Endpoint)
	set("S3_REGION", creds.Region)
	set("S3_BUCKET", creds.Bucket)
	set("S3_ACCESS_KEY_ID", creds.AccessKeyID)
	set("S3_SECRET_ACCESS_KEY", creds.SecretAccessKey)
	set("S3_SESSION_TOKEN", creds.SessionToken)
	return out
}

// GetRunStatus reports a run's current state with its error sanitised.
func (s *RunnerServer) GetRunStatus(ctx context.Context, req *GetRunStatusRequest) (*GetRunStatusResponse, error) {
	run := s.registry.Get(req.RunID)
	if run == nil {
		return nil, status.Errorf(codes.NotFound, "run not found: %s", req.RunID)
	}

	errMsg := run.Error()
	if errMsg != "" {
		logging.Op().Debug("full run error", "run_id", run.ID, "error", errMsg)
		errMsg = SanitizeError(errMsg)
	}

	return &GetRunStatusResponse{
		RunID:                run.ID,
		Status:               string(run.Status()),
		RowsWritten:          run.RowsWritten(),
		DurationMs:           run.DurationMs(),
		Error:                errMsg,
		ArchivedLandingZones: run.ArchivedZones(),
	}, nil
}

// CancelRun sets a run's cancellation signal. Cancelled is false when the
// run was already terminal.
func (s *RunnerServer) CancelRun(ctx context.Context, req *CancelRunRequest) (*CancelRunResponse, error) {
	run := s.registry.Get(req.RunID)
	if run == nil {
		return nil, status.Errorf(codes.NotFound, "run not found: %s", req.RunID)
	}
	if run.IsTerminal() {
		return &CancelRunResponse{Cancelled: false}, nil
	}
	run.Cancel()
	return &CancelRunResponse{Cancelled: true}, nil
}

// LogStream is the server-side send surface for StreamLogs.
type LogStream interface {
	Send(*LogEntry) error
	Context() context.Context
}

// StreamLogs streams a run's log entries from the beginning. With Follow
// set, it keeps streaming until the run is terminal; otherwise it stops
// after draining what's buffered.
func (s *RunnerServer) StreamLogs(req *StreamLogsRequest, stream LogStream) error {
	run := s.registry.Get(req.RunID)
	if run == nil {
		return status.Errorf(codes.NotFound, "run not found: %s", req.RunID)
	}

	ctx := stream.Context()
	var cursor int64
	for {
		entries, next := run.Log().From(cursor)
		cursor = next
		for _, e := range entries {
			if err := stream.Send(&LogEntry{
				TimestampMs: e.Timestamp.UnixMilli(),
				Level:       e.Level,
				Message:     e.Message,
			}); err != nil {
				return err
			}
		}

		if !req.Follow || run.IsTerminal() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Wait for new entries or the poll timeout, whichever first, so a
		// terminal transition with no final log line still ends the stream.
		run.Log().WaitFrom(cursor, streamPollTimeout, ctx.Done())
	}
}

// PreviewPipeline executes a pipeline read-only and returns sampled rows
// plus diagnostics. Errors inside the preview are reported on the
// response, not as RPC failures, so partial diagnostics reach the caller.
func (s *RunnerServer) PreviewPipeline(ctx context.Context, req *PreviewPipelineRequest) (*PreviewPipelineResponse, error) {
	if !domain.ValidLayer(req.Layer) {
		return nil, status.Errorf(codes.InvalidArgument, "invalid layer: %q", req.Layer)
	}

	res := preview.Run(ctx, s.preview, preview.Request{
		Namespace:    req.Namespace,
		Layer:        req.Layer,
		PipelineName: req.PipelineName,
		Limit:        req.Limit,
		Code:         req.Code,
		PipelineType: req.PipelineType,
		Env:          mergeCredentialEnv(nil, req.S3Credentials),
	})

	resp := &PreviewPipelineResponse{
		Rows:          res.Rows,
		TotalRowCount: res.TotalRowCount,
		ExplainOutput: res.ExplainOutput,
		MemoryPeakMB:  res.MemoryPeakMB,
		Error:         SanitizeError(res.Error),
		Warnings:      res.Warnings,
	}
	for _, c := range res.Columns {
		resp.Columns = append(resp.Columns, ColumnInfo{Name: c.Name, Type: c.Type})
	}
	for _, p := range res.Phases {
		resp.Phases = append(resp.Phases, PhaseProfile{Name: p.Name, DurationMs: p.DurationMs, Metadata: p.Metadata})
	}
	for _, l := range res.Logs {
		resp.Logs = append(resp.Logs, LogEntry{TimestampMs: l.Timestamp.UnixMilli(), Level: l.Level, Message: l.Message})
	}
	return resp, nil
}
