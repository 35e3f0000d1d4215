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

	"github.com/brinkfield/lakeforge/internal/config"
	"github.com/brinkfield/lakeforge/internal/logging"
	"github.com/brinkfield/lakeforge/internal/queryservice"
)

// queryServiceName is the fully qualified gRPC service route for the
// read-only query side.
const queryServiceName = "lakeforge.query.v1.QueryService"

// QueryServer serves read-only SQL over the views Discovery registers.
type QueryServer struct {
	engine    *queryservice.Engine
	discovery *queryservice.Discovery

	server *grpc.Server
}

// NewQueryServer wires the query RPC surface to its collaborators.
func NewQueryServer(engine *queryservice.Engine, discovery *queryservice.Discovery) *QueryServer {
	return &QueryServer{engine: engine, discovery: discovery}
}

// Start begins serving on addr, optionally with TLS. Non-blocking.
func (s *QueryServer) Start(addr string, tlsCfg config.TLSConfig) error {
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
	s.server.RegisterService(&queryServiceDesc, s)

	logging.Op().Info("query gRPC server started", "addr", addr, "tls", tlsCfg.Enabled())
	go func() {
		if err := s.server.Serve(lis); err != nil {
			logging.Op().Error("query gRPC server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully stops the server.
func (s *QueryServer) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
}

// ExecuteQuery runs read-only SQL against the registered views.
func (s *QueryServer) ExecuteQuery(ctx context.Context, req *ExecuteQueryRequest) (*ExecuteQueryResponse, error) {
	if req.SQL == "" {
		return nil, status.Error(codes.InvalidArgument, "sql is required")
	}

	start := time.Now()
	rows, err := s.engine.Query(ctx, req.SQL, req.Limit)
	if err != nil {
		logging.Op().Debug("query failed", "error", err)
		return nil, status.Error(codes.InvalidArgument, SanitizeError(err.Error()))
	}

	resp := &ExecuteQueryResponse{
		RowCount:   int64(len(rows)),
		DurationMs: time.Since(start).Milliseconds(),
	}
	var columns []string
	if len(rows) > 0 {
		columns = sortedColumns(rows[0])
		for _, name := range columns {
			resp.Columns = append(resp.Columns, ColumnInfo{Name: name, Type: goTypeName(firstValue(rows, name))})
		}
	}

	if req.Format == "arrow" {
		payload, err := queryservice.RowsToIPC(rows, columns)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "encode arrow result: %v", err)
		}
		resp.ArrowIPC = payload
		return resp, nil
	}
	resp.Rows = rows
	return resp, nil
}

// ListTables returns the registered tables, optionally filtered by
// namespace.
func (s *QueryServer) ListTables(ctx context.Context, req *ListTablesRequest) (*ListTablesResponse, error) {
	resp := &ListTablesResponse{}
	for _, t := range s.discovery.Tables() {
		if req.Namespace != "" && t.Namespace != req.Namespace {
			continue
		}
		resp.Tables = append(resp.Tables, TableInfo{Namespace: t.Namespace, Layer: t.Layer, Name: t.Name})
	}
	return resp, nil
}

// DescribeTable returns one registered view's column schema.
func (s *QueryServer) DescribeTable(ctx context.Context, req *DescribeTableRequest) (*DescribeTableResponse, error) {
	cols, err := s.engine.DescribeTable(ctx, req.Namespace, req.Layer, req.Name)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "describe table: %v", SanitizeError(err.Error()))
	}
	resp := &DescribeTableResponse{}
	for _, c := range cols {
		resp.Columns = append(resp.Columns, ColumnInfo{Name: c[0], Type: c[1]})
	}
	return resp, nil
}
