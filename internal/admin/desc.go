// ABOUTME: Hand-written gRPC service descriptor for AdminService
// ABOUTME: Unary methods decode CBOR requests and run through any server interceptor

package admin

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "branchline.admin.v1.AdminService"

// AdminServer is the server API for AdminService.
type AdminServer interface {
	Start(context.Context, *BranchRequest) (*BranchStatus, error)
	Status(context.Context, *BranchRequest) (*BranchStatus, error)
	PairingArtifact(context.Context, *BranchRequest) (*Pairing, error)
	Send(context.Context, *SendRequest) (*Empty, error)
	Disconnect(context.Context, *BranchRequest) (*BranchStatus, error)
	Logout(context.Context, *BranchRequest) (*BranchStatus, error)
	PoolHealth(context.Context, *Empty) (*PoolHealthResponse, error)
}

var _ AdminServer = (*Service)(nil)

// ServiceDesc describes AdminService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Start", AdminServer.Start),
		unary("Status", AdminServer.Status),
		unary("PairingArtifact", AdminServer.PairingArtifact),
		unary("Send", AdminServer.Send),
		unary("Disconnect", AdminServer.Disconnect),
		unary("Logout", AdminServer.Logout),
		unary("PoolHealth", AdminServer.PoolHealth),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "branchline/admin/v1",
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary[Req, Resp any](method string, call func(AdminServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				resp, err := call(srv.(AdminServer), ctx, req.(*Req))
				if err != nil {
					return nil, err
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			return interceptor(ctx, in, info, handler)
		},
	}
}
