package rpc

import (
	"context"
	stderrors "errors"
	"time"

	cerrors "github.com/devrev/paircache/internal/errors"
	"github.com/devrev/paircache/internal/model"
	"github.com/devrev/paircache/internal/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server exposes a node over gRPC
type Server struct {
	node   transport.NodeClient
	logger *zap.Logger
}

// NewServer creates a gRPC front for node
func NewServer(node transport.NodeClient, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{node: node, logger: logger}
}

// Register adds the node service to s
func (s *Server) Register(gs grpc.ServiceRegistrar) {
	RegisterNodeServiceServer(gs, s)
}

// toStatus converts an error returned by the node into a gRPC status error
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var ce *cerrors.CacheError
	if stderrors.As(err, &ce) {
		return ce.ToGRPCStatus().Err()
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

func (s *Server) Execute(ctx context.Context, req *model.Operation) (*model.OperationResult, error) {
	res, err := s.node.Execute(ctx, req)
	if err != nil {
		s.logger.Debug("Execute failed",
			zap.String("type", string(req.Type)),
			zap.String("key", req.Key),
			zap.Error(err))
		return nil, toStatus(err)
	}
	return res, nil
}

func (s *Server) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	value, found, err := s.node.Get(ctx, req.Cache, req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetResponse{Value: value, Found: found}, nil
}

func (s *Server) Replicate(ctx context.Context, req *ReplicateRequest) (*ReplicateResponse, error) {
	applied, err := s.node.Replicate(ctx, req.Records)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ReplicateResponse{Applied: applied}, nil
}

func (s *Server) Status(ctx context.Context, _ *StatusRequest) (*model.NodeStatus, error) {
	st, err := s.node.Status(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return st, nil
}

func (s *Server) Snapshot(ctx context.Context, req *model.SnapshotChunk) (*SnapshotResponse, error) {
	if err := s.node.Snapshot(ctx, req); err != nil {
		s.logger.Warn("Snapshot chunk rejected",
			zap.String("cache", req.Cache),
			zap.Int("entries", len(req.Entries)),
			zap.Error(err))
		return nil, toStatus(err)
	}
	return &SnapshotResponse{}, nil
}

// LoggingInterceptor logs slow and failed calls
func LoggingInterceptor(logger *zap.Logger, slow time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		elapsed := time.Since(start)
		if err != nil && status.Code(err) == codes.Internal {
			logger.Error("RPC failed",
				zap.String("method", info.FullMethod),
				zap.Duration("duration", elapsed),
				zap.Error(err))
		} else if slow > 0 && elapsed > slow {
			logger.Warn("Slow RPC",
				zap.String("method", info.FullMethod),
				zap.Duration("duration", elapsed))
		}
		return resp, err
	}
}
