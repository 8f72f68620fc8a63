// Package rpcpb is the wire contract for internal/transport's single
// RPC surface: one unary "Send" method carrying an opaque, typed
// envelope. Nothing here is generated by protoc — the pack this module
// was grounded on never shipped the .proto/gen/ pair its grpc
// communicator imports, so this hand-writes the same shape
// protoc-gen-go-grpc would: a grpc.ServiceDesc, a thin client stub, and
// a server interface — paired with a JSON grpc.Codec (codec.go) in
// place of protobuf wire encoding, so no generated proto.Message types
// are required.
package rpcpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Envelope is one request crossing the wire: a typed, opaque payload
// tagged with its logical RPC name and originating node.
type Envelope struct {
	From    string `json:"from"`
	Type    string `json:"type"`
	Payload []byte `json:"payload"`
}

// Reply is the response to an Envelope.
type Reply struct {
	Code string `json:"code"`
	Body []byte `json:"body"`
}

const (
	serviceName = "unifycr.transport.Dispatch"
	sendMethod  = "/unifycr.transport.Dispatch/Send"
)

// DispatchServer is implemented by whatever wants to receive envelopes.
type DispatchServer interface {
	Send(ctx context.Context, in *Envelope) (*Reply, error)
}

// UnimplementedDispatchServer embeds into real implementations for
// forward compatibility with methods added to DispatchServer later.
type UnimplementedDispatchServer struct{}

func (UnimplementedDispatchServer) Send(context.Context, *Envelope) (*Reply, error) {
	return nil, status.Error(codes.Unimplemented, "method Send not implemented")
}

func sendHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DispatchServer).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sendMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DispatchServer).Send(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is registered against a *grpc.Server via
// grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*DispatchServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: sendHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/transport/rpcpb/rpcpb.go",
}

// DispatchClient is the client-side stub for ServiceDesc.
type DispatchClient interface {
	Send(ctx context.Context, in *Envelope, opts ...grpc.CallOption) (*Reply, error)
}

type dispatchClient struct {
	cc grpc.ClientConnInterface
}

// NewDispatchClient wraps a connection with the Dispatch client stub.
func NewDispatchClient(cc grpc.ClientConnInterface) DispatchClient {
	return &dispatchClient{cc: cc}
}

func (c *dispatchClient) Send(ctx context.Context, in *Envelope, opts ...grpc.CallOption) (*Reply, error) {
	out := new(Reply)
	if err := c.cc.Invoke(ctx, sendMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
