package rpc

import (
	"context"

	"github.com/devrev/paircache/internal/model"
	"google.golang.org/grpc"
)

const serviceName = "paircache.v1.NodeService"

// GetRequest reads one key
type GetRequest struct {
	Cache string `json:"cache"`
	Key   string `json:"key"`
}

// GetResponse carries the value of a read
type GetResponse struct {
	Value []byte `json:"value,omitempty"`
	Found bool   `json:"found"`
}

// ReplicateRequest carries a batch of shipped records
type ReplicateRequest struct {
	Records []*model.ReplicationRecord `json:"records"`
}

// ReplicateResponse carries the applied watermark of the passive
type ReplicateResponse struct {
	Applied uint64 `json:"applied"`
}

type StatusRequest struct{}

type SnapshotResponse struct{}

// NodeServiceServer is the server side of the node API
type NodeServiceServer interface {
	Execute(ctx context.Context, req *model.Operation) (*model.OperationResult, error)
	Get(ctx context.Context, req *GetRequest) (*GetResponse, error)
	Replicate(ctx context.Context, req *ReplicateRequest) (*ReplicateResponse, error)
	Status(ctx context.Context, req *StatusRequest) (*model.NodeStatus, error)
	Snapshot(ctx context.Context, req *model.SnapshotChunk) (*SnapshotResponse, error)
}

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

func unaryHandler[Req, Resp any](method string, call func(NodeServiceServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(NodeServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod(method),
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(NodeServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*NodeServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: unaryHandler("Execute", NodeServiceServer.Execute)},
		{MethodName: "Get", Handler: unaryHandler("Get", NodeServiceServer.Get)},
		{MethodName: "Replicate", Handler: unaryHandler("Replicate", NodeServiceServer.Replicate)},
		{MethodName: "Status", Handler: unaryHandler("Status", NodeServiceServer.Status)},
		{MethodName: "Snapshot", Handler: unaryHandler("Snapshot", NodeServiceServer.Snapshot)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "paircache/node_service",
}

// RegisterNodeServiceServer registers srv on s
func RegisterNodeServiceServer(s grpc.ServiceRegistrar, srv NodeServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}
