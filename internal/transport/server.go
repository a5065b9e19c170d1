// Package transport exposes management operations over gRPC.
//
// The service is described by hand rather than generated: every method takes and
// returns a google.protobuf.Struct, so the default proto codec carries the payloads and
// models stay schemaless on the wire.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"sigs.k8s.io/controller-runtime/pkg/log"

	mgmtv1alpha1 "github.com/anvil-platform/anvil-mgmt/api/v1alpha1"
	"github.com/anvil-platform/anvil-mgmt/internal/errdefs"
	"github.com/anvil-platform/anvil-mgmt/internal/restart"
)

const ServiceName = "anvil.management.v1.Management"

// Operations is the management surface served over gRPC.
type Operations interface {
	Add(ctx context.Context, addr mgmtv1alpha1.Address, attrs map[string]interface{}) (*mgmtv1alpha1.ManagedResource, error)
	WriteAttribute(ctx context.Context, addr mgmtv1alpha1.Address, name string, value interface{}) (restart.Outcome, error)
	Remove(ctx context.Context, addr mgmtv1alpha1.Address) error
	ReadResource(ctx context.Context, addr mgmtv1alpha1.Address, recursive bool) (*mgmtv1alpha1.ManagedResource, error)
	ReadChildrenNames(ctx context.Context, addr mgmtv1alpha1.Address, childType string) ([]string, error)
	ReadChildTypes(ctx context.Context, addr mgmtv1alpha1.Address) ([]string, error)
	Reload(ctx context.Context) error
	ReloadRequired() bool
}

// ManagementServer is the server API of ServiceName.
type ManagementServer interface {
	Add(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WriteAttribute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Remove(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReadResource(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReadChildrenNames(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReadChildTypes(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reload(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ManagementServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Add", ManagementServer.Add),
		unary("WriteAttribute", ManagementServer.WriteAttribute),
		unary("Remove", ManagementServer.Remove),
		unary("ReadResource", ManagementServer.ReadResource),
		unary("ReadChildrenNames", ManagementServer.ReadChildrenNames),
		unary("ReadChildTypes", ManagementServer.ReadChildTypes),
		unary("Reload", ManagementServer.Reload),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "anvil/management/v1/management.proto",
}

func unary(method string, fn func(ManagementServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(ManagementServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return fn(srv.(ManagementServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// RegisterManagementServer registers srv on s.
func RegisterManagementServer(s grpc.ServiceRegistrar, srv ManagementServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Server adapts Operations to ManagementServer.
type Server struct {
	ops Operations
}

var _ ManagementServer = (*Server)(nil)

func NewServer(ops Operations) *Server {
	return &Server{ops: ops}
}

func (s *Server) Add(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	addr, err := addressOf(in)
	if err != nil {
		return nil, ToStatus(err)
	}
	var attrs map[string]interface{}
	if m := in.GetFields()["model"].GetStructValue(); m != nil {
		attrs = m.AsMap()
	}
	res, err := s.ops.Add(ctx, addr, attrs)
	if err != nil {
		return nil, ToStatus(err)
	}
	return resourceStruct(res)
}

func (s *Server) WriteAttribute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	addr, err := addressOf(in)
	if err != nil {
		return nil, ToStatus(err)
	}
	name := in.GetFields()["name"].GetStringValue()
	if name == "" {
		return nil, ToStatus(fmt.Errorf("%w: attribute name is required", errdefs.ErrConstraintViolation))
	}
	var value interface{}
	if v, ok := in.GetFields()["value"]; ok {
		value = v.AsInterface()
	}
	out, err := s.ops.WriteAttribute(ctx, addr, name, value)
	if err != nil {
		return nil, ToStatus(err)
	}
	transitions := make([]interface{}, len(out.Transitions))
	for i, t := range out.Transitions {
		transitions[i] = string(t)
	}
	return structpb.NewStruct(map[string]interface{}{
		"level":           out.Level.String(),
		"transitions":     transitions,
		"reload_required": out.ReloadRequired,
	})
}

func (s *Server) Remove(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	addr, err := addressOf(in)
	if err != nil {
		return nil, ToStatus(err)
	}
	if err := s.ops.Remove(ctx, addr); err != nil {
		return nil, ToStatus(err)
	}
	return reloadStruct(s.ops.ReloadRequired())
}

func (s *Server) ReadResource(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	addr, err := addressOf(in)
	if err != nil {
		return nil, ToStatus(err)
	}
	res, err := s.ops.ReadResource(ctx, addr, in.GetFields()["recursive"].GetBoolValue())
	if err != nil {
		return nil, ToStatus(err)
	}
	return resourceStruct(res)
}

func (s *Server) ReadChildrenNames(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	addr, err := addressOf(in)
	if err != nil {
		return nil, ToStatus(err)
	}
	names, err := s.ops.ReadChildrenNames(ctx, addr, in.GetFields()["child_type"].GetStringValue())
	if err != nil {
		return nil, ToStatus(err)
	}
	return namesStruct(names)
}

func (s *Server) ReadChildTypes(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	addr, err := addressOf(in)
	if err != nil {
		return nil, ToStatus(err)
	}
	types, err := s.ops.ReadChildTypes(ctx, addr)
	if err != nil {
		return nil, ToStatus(err)
	}
	return namesStruct(types)
}

func (s *Server) Reload(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ops.Reload(ctx); err != nil {
		return nil, ToStatus(err)
	}
	return reloadStruct(s.ops.ReloadRequired())
}

// LoggingInterceptor puts a logger tagged with the method into each request context and
// logs completed calls at V(1), failures at Info.
func LoggingInterceptor(logger logr.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		l := logger.WithValues("method", info.FullMethod)
		start := time.Now()
		resp, err := handler(log.IntoContext(ctx, l), req)
		if err != nil {
			l.Info("management call failed", "duration", time.Since(start).String(), "error", err.Error())
		} else {
			l.V(1).Info("management call", "duration", time.Since(start).String())
		}
		return resp, err
	}
}

func addressOf(in *structpb.Struct) (mgmtv1alpha1.Address, error) {
	addr, err := mgmtv1alpha1.ParseAddress(in.GetFields()["address"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrConstraintViolation, err)
	}
	return addr, nil
}

func resourceStruct(res *mgmtv1alpha1.ManagedResource) (*structpb.Struct, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, ToStatus(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, ToStatus(err)
	}
	return structpb.NewStruct(map[string]interface{}{"resource": m})
}

func namesStruct(names []string) (*structpb.Struct, error) {
	items := make([]interface{}, len(names))
	for i, n := range names {
		items[i] = n
	}
	return structpb.NewStruct(map[string]interface{}{"names": items})
}

func reloadStruct(required bool) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{"reload_required": required})
}
