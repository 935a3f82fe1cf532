package grpcmesh

import (
	"context"

	"google.golang.org/grpc"
)

// envelope is the single wire message every RPC in this package moves.
// kind distinguishes what the server handler does with it: deliver a
// tagged payload to the local mailbox, feed the rank-0 barrier
// coordinator, or write into a remote window's local buffer. There is
// no .proto file behind this — codec.go's gob codec and the
// hand-written serviceDesc below stand in for generated stubs.
type envelope struct {
	NSID int64
	Kind int32
	Src  int32
	Tag  int32

	WindowScope int64 // 0 for a plain namespace barrier, windowID otherwise
	Offset      int32

	Data []byte
}

const (
	kindData = iota
	kindBarrierEnter
	kindBarrierRelease
	kindWindowPut
)

type ack struct{}

// transportServer is implemented by *node; RegisterTransportServer
// wires it into a *grpc.Server via the hand-written serviceDesc.
type transportServer interface {
	Deliver(ctx context.Context, in *envelope) (*ack, error)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/meshrt.mesh.v1.Transport/Deliver"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(transportServer).Deliver(ctx, req.(*envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// serviceDesc is the hand-authored equivalent of a protoc-generated
// grpc.ServiceDesc: one unary method, Deliver, speaking envelope/ack
// through the gob codec rather than protobuf messages.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "meshrt.mesh.v1.Transport",
	HandlerType: (*transportServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "meshrt/transport",
}

func registerTransportServer(s grpc.ServiceRegistrar, impl transportServer) {
	s.RegisterService(&serviceDesc, impl)
}

// transportClient is the hand-written equivalent of a generated client
// stub for the Deliver RPC.
type transportClient struct {
	cc grpc.ClientConnInterface
}

func (c *transportClient) Deliver(ctx context.Context, in *envelope, opts ...grpc.CallOption) (*ack, error) {
	out := new(ack)
	if err := c.cc.Invoke(ctx, "/meshrt.mesh.v1.Transport/Deliver", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
