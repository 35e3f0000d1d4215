package rpc

import (
	"context"
	"sort"

	"google.golang.org/grpc"
)

type queryService interface {
	ExecuteQuery(context.Context, *ExecuteQueryRequest) (*ExecuteQueryResponse, error)
	ListTables(context.Context, *ListTablesRequest) (*ListTablesResponse, error)
	DescribeTable(context.Context, *DescribeTableRequest) (*DescribeTableResponse, error)
}

var queryServiceDesc = grpc.ServiceDesc{
	ServiceName: queryServiceName,
	HandlerType: (*queryService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ExecuteQuery", Handler: executeQueryHandler},
		{MethodName: "ListTables", Handler: listTablesHandler},
		{MethodName: "DescribeTable", Handler: describeTableHandler},
	},
	Metadata: "lakeforge/query/v1/query",
}

func executeQueryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ExecuteQueryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(queryService).ExecuteQuery(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + queryServiceName + "/ExecuteQuery"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(queryService).ExecuteQuery(ctx, req.(*ExecuteQueryRequest))
	})
}

func listTablesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListTablesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(queryService).ListTables(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + queryServiceName + "/ListTables"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(queryService).ListTables(ctx, req.(*ListTablesRequest))
	})
}

func describeTableHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DescribeTableRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(queryService).DescribeTable(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + queryServiceName + "/DescribeTable"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(queryService).DescribeTable(ctx, req.(*DescribeTableRequest))
	})
}

// sortedColumns returns a row's column names in stable order.
func sortedColumns(row map[string]any) []string {
	names := make([]string, 0, len(row))
	for k := range row {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// firstValue returns the first non-nil value of col across rows, used for
// rough result-type labelling.
func firstValue(rows []map[string]any, col string) any {
	for _, row := range rows {
		if v := row[col]; v != nil {
			return v
		}
	}
	return nil
}

// goTypeName maps a materialised Go value to the engine type label shown
// in query responses.
func goTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "NULL"
	case bool:
		return "BOOLEAN"
	case int, int32, int64:
		return "BIGINT"
	case float32, float64:
		return "DOUBLE"
	case []byte:
		return "BLOB"
	default:
		return "VARCHAR"
	}
}
