// Package admin exposes the console operations of a node over gRPC. Requests
// and replies use protobuf well-known types, so no generated code is needed.
package admin

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/devrev/swimfs/internal/errors"
	"github.com/devrev/swimfs/internal/model"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "swimfs.admin.v1.Admin"

// Node is the part of a node the admin service drives
type Node interface {
	Join(ctx context.Context, introducer int) error
	Leave() error
	Self() model.Member
	State() model.NodeState
	Members() []model.Member
	AliveSlots() []int
	Successor() int
	LocalFiles() []model.FileRecord
	Put(ctx context.Context, localPath, name string) error
	Get(ctx context.Context, name, localPath string) error
	Delete(ctx context.Context, name string) error
	Locate(ctx context.Context, name string) ([]model.Replica, error)
	ListPrefix(ctx context.Context, prefix string) ([]string, error)
}

// AdminServer is the server API of the admin service
type AdminServer interface {
	Join(context.Context, *wrapperspb.Int32Value) (*emptypb.Empty, error)
	Leave(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Identity(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Members(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	Put(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Get(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Delete(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Store(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	Locate(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
	Ring(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	Next(context.Context, *emptypb.Empty) (*wrapperspb.Int32Value, error)
	ListPrefix(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
}

func unary[Req any, PReq interface {
	*Req
	proto.Message
}, Resp proto.Message](name string, call func(AdminServer, context.Context, PReq) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(AdminServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(s, ctx, req.(PReq))
			})
		},
	}
}

// ServiceDesc describes the admin service for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Join", AdminServer.Join),
		unary("Leave", AdminServer.Leave),
		unary("Identity", AdminServer.Identity),
		unary("Members", AdminServer.Members),
		unary("Put", AdminServer.Put),
		unary("Get", AdminServer.Get),
		unary("Delete", AdminServer.Delete),
		unary("Store", AdminServer.Store),
		unary("Locate", AdminServer.Locate),
		unary("Ring", AdminServer.Ring),
		unary("Next", AdminServer.Next),
		unary("ListPrefix", AdminServer.ListPrefix),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "swimfs/admin/v1/admin.proto",
}

// Server implements AdminServer on top of a Node
type Server struct {
	node   Node
	logger *zap.Logger
	// exit is invoked after a successful Leave
	exit func()
}

// NewServer creates the admin service. onLeave, if set, runs after the node
// has announced its departure.
func NewServer(node Node, onLeave func(), logger *zap.Logger) *Server {
	return &Server{node: node, logger: logger, exit: onLeave}
}

// NewGRPCServer returns a grpc.Server with the admin service registered
func NewGRPCServer(s *Server) *grpc.Server {
	g := grpc.NewServer(grpc.ChainUnaryInterceptor(s.logCalls, toStatus))
	g.RegisterService(&ServiceDesc, s)
	return g
}

func (s *Server) logCalls(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	}
	if err != nil && !errors.IsStorageError(err) {
		s.logger.Error("Admin call failed unexpectedly", fields...)
		return resp, err
	}
	s.logger.Debug("Admin call", fields...)
	return resp, err
}

func toStatus(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	return resp, errors.ToGRPC(err)
}

func field(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func (s *Server) Join(ctx context.Context, in *wrapperspb.Int32Value) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, s.node.Join(ctx, int(in.GetValue()))
}

func (s *Server) Leave(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.node.Leave(); err != nil {
		return nil, err
	}
	if s.exit != nil {
		go s.exit()
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) Identity(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	v := memberValue(s.node.Self())
	v.GetStructValue().Fields["state"] = structpb.NewStringValue(s.node.State().String())
	return v.GetStructValue(), nil
}

func (s *Server) Members(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	members := s.node.Members()
	values := make([]*structpb.Value, 0, len(members))
	for _, m := range members {
		values = append(values, memberValue(m))
	}
	return &structpb.ListValue{Values: values}, nil
}

func (s *Server) Put(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, s.node.Put(ctx, field(in, "local"), field(in, "name"))
}

func (s *Server) Get(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, s.node.Get(ctx, field(in, "name"), field(in, "local"))
}

func (s *Server) Delete(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, s.node.Delete(ctx, in.GetValue())
}

func (s *Server) Store(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	recs := s.node.LocalFiles()
	values := make([]*structpb.Value, 0, len(recs))
	for _, rec := range recs {
		values = append(values, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"name":     structpb.NewStringValue(rec.Name),
			"role":     structpb.NewStringValue(rec.Role.String()),
			"size":     structpb.NewNumberValue(float64(rec.Size)),
			"checksum": structpb.NewNumberValue(float64(rec.Checksum)),
		}}))
	}
	return &structpb.ListValue{Values: values}, nil
}

func (s *Server) Locate(ctx context.Context, in *wrapperspb.StringValue) (*structpb.ListValue, error) {
	replicas, err := s.node.Locate(ctx, in.GetValue())
	if err != nil {
		return nil, err
	}
	values := make([]*structpb.Value, 0, len(replicas))
	for _, r := range replicas {
		values = append(values, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"slot": structpb.NewNumberValue(float64(r.Slot)),
			"role": structpb.NewStringValue(r.Role.String()),
		}}))
	}
	return &structpb.ListValue{Values: values}, nil
}

func (s *Server) Ring(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	slots := s.node.AliveSlots()
	values := make([]*structpb.Value, 0, len(slots))
	for _, slot := range slots {
		values = append(values, structpb.NewNumberValue(float64(slot)))
	}
	return &structpb.ListValue{Values: values}, nil
}

func (s *Server) Next(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.Int32Value, error) {
	return wrapperspb.Int32(int32(s.node.Successor())), nil
}

func (s *Server) ListPrefix(ctx context.Context, in *wrapperspb.StringValue) (*structpb.ListValue, error) {
	names, err := s.node.ListPrefix(ctx, in.GetValue())
	if err != nil {
		return nil, err
	}
	values := make([]*structpb.Value, 0, len(names))
	for _, n := range names {
		values = append(values, structpb.NewStringValue(n))
	}
	return &structpb.ListValue{Values: values}, nil
}

func memberValue(m model.Member) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"slot":       structpb.NewNumberValue(float64(m.Slot)),
		"birth_time": structpb.NewNumberValue(float64(m.BirthTime)),
		"addr":       structpb.NewStringValue(m.Addr.String()),
	}})
}
