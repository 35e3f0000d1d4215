package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// runnerServiceName is the fully qualified gRPC service route for the
// runner; clients dial methods as /lakeforge.runner.v1.RunnerService/<M>.
const runnerServiceName = "lakeforge.runner.v1.RunnerService"

// runnerService is the interface the descriptor dispatches against;
// *RunnerServer is its only implementation, but tests may supply fakes.
type runnerService interface {
	SubmitPipeline(context.Context, *SubmitPipelineRequest) (*SubmitPipelineResponse, error)
	GetRunStatus(context.Context, *GetRunStatusRequest) (*GetRunStatusResponse, error)
	CancelRun(context.Context, *CancelRunRequest) (*CancelRunResponse, error)
	StreamLogs(*StreamLogsRequest, LogStream) error
	PreviewPipeline(context.Context, *PreviewPipelineRequest) (*PreviewPipelineResponse, error)
}

var runnerServiceDesc = grpc.ServiceDesc{
	ServiceName: runnerServiceName,
	HandlerType: (*runnerService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitPipeline", Handler: submitPipelineHandler},
		{MethodName: "GetRunStatus", Handler: getRunStatusHandler},
		{MethodName: "CancelRun", Handler: cancelRunHandler},
		{MethodName: "PreviewPipeline", Handler: previewPipelineHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamLogs", Handler: streamLogsHandler, ServerStreams: true},
	},
	Metadata: "lakeforge/runner/v1/runner",
}

func submitPipelineHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SubmitPipelineRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(runnerService).SubmitPipeline(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + runnerServiceName + "/SubmitPipeline"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(runnerService).SubmitPipeline(ctx, req.(*SubmitPipelineRequest))
	})
}

func getRunStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetRunStatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(runnerService).GetRunStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + runnerServiceName + "/GetRunStatus"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(runnerService).GetRunStatus(ctx, req.(*GetRunStatusRequest))
	})
}

func cancelRunHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CancelRunRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(runnerService).CancelRun(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + runnerServiceName + "/CancelRun"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(runnerService).CancelRun(ctx, req.(*CancelRunRequest))
	})
}

func previewPipelineHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PreviewPipelineRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(runnerService).PreviewPipeline(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + runnerServiceName + "/PreviewPipeline"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(runnerService).PreviewPipeline(ctx, req.(*PreviewPipelineRequest))
	})
}

func streamLogsHandler(srv any, stream grpc.ServerStream) error {
	in := new(StreamLogsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(runnerService).StreamLogs(in, &logEntryStream{stream})
}

// logEntryStream adapts grpc.ServerStream to the typed LogStream surface.
type logEntryStream struct {
	grpc.ServerStream
}

func (s *logEntryStream) Send(e *LogEntry) error { return s.SendMsg(e) }
