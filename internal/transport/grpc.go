package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/unifycr-go/unifycr/internal/logging"
	"github.com/unifycr-go/unifycr/internal/transport/rpcpb"
	"github.com/unifycr-go/unifycr/internal/unifyerr"
)

// GRPCCommunicator is the production Communicator, grounded on the
// teacher's GRPCCommunicator: one long-lived grpc.Server plus a pool
// of lazily-created client connections, keyed by peer address.
type GRPCCommunicator struct {
	listenAddress string
	log           logging.Logger
	registry      *Registry

	server *grpc.Server

	mu      sync.RWMutex
	clients map[string]rpcpb.DispatchClient
	handler Handler
	stopped bool
}

// NewGRPCCommunicator returns a Communicator listening at addr once
// Start is called, decoding payloads via registry.
func NewGRPCCommunicator(addr string, log logging.Logger, registry *Registry) *GRPCCommunicator {
	return &GRPCCommunicator{
		listenAddress: addr,
		log:           log,
		registry:      registry,
		clients:       make(map[string]rpcpb.DispatchClient),
	}
}

func (c *GRPCCommunicator) Address() string { return c.listenAddress }

func (c *GRPCCommunicator) Start(handler Handler) error {
	c.handler = handler
	c.server = grpc.NewServer(grpc.ForceServerCodec(rpcpb.JSONCodec{}))
	c.server.RegisterService(&rpcpb.ServiceDesc, &dispatchServer{comm: c})

	lis, err := net.Listen("tcp", c.listenAddress)
	if err != nil {
		c.log.Error(logging.LogEvent{Message: "transport: listen failed", Metadata: map[string]any{"address": c.listenAddress, "error": err.Error()}})
		return fmt.Errorf("transport: listen on %s: %w", c.listenAddress, err)
	}
	c.listenAddress = lis.Addr().String()

	c.log.Info(logging.LogEvent{Message: "transport: listening", Metadata: map[string]any{"address": c.listenAddress}})

	go func() {
		if err := c.server.Serve(lis); err != nil {
			c.log.Error(logging.LogEvent{Message: "transport: serve error", Metadata: map[string]any{"error": err.Error()}})
		}
	}()
	return nil
}

func (c *GRPCCommunicator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	if c.server != nil {
		c.server.GracefulStop()
	}
	c.stopped = true
	return nil
}

func (c *GRPCCommunicator) dial(to string) (rpcpb.DispatchClient, error) {
	c.mu.RLock()
	client, ok := c.clients[to]
	c.mu.RUnlock()
	if ok {
		return client, nil
	}

	conn, err := grpc.NewClient(to,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rpcpb.JSONCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", to, err)
	}
	client = rpcpb.NewDispatchClient(conn)

	c.mu.Lock()
	c.clients[to] = client
	c.mu.Unlock()
	return client, nil
}

func (c *GRPCCommunicator) Send(ctx context.Context, to string, msg Message) (*Response, error) {
	client, err := c.dial(to)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if msg.Payload != nil {
		payload, err = json.Marshal(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("transport: marshal %s payload: %w", msg.Type, err)
		}
	}

	reply, err := client.Send(ctx, &rpcpb.Envelope{From: msg.From, Type: msg.Type, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", unifyerr.ErrTransport, to, err)
	}
	return &Response{Code: reply.Code, Body: reply.Body}, nil
}

type dispatchServer struct {
	rpcpb.UnimplementedDispatchServer
	comm *GRPCCommunicator
}

func (s *dispatchServer) Send(ctx context.Context, in *rpcpb.Envelope) (*rpcpb.Reply, error) {
	if s.comm.handler == nil {
		return &rpcpb.Reply{Code: CodeInternal, Body: []byte("no handler registered")}, nil
	}

	msg := Message{From: in.From, Type: in.Type}
	if in.Payload != nil {
		payload, err := s.comm.registry.Decode(in.Type, in.Payload)
		if err != nil {
			return &rpcpb.Reply{Code: CodeBadType, Body: []byte(err.Error())}, nil
		}
		msg.Payload = payload
	}

	resp, err := s.comm.handler(msg)
	if err != nil {
		return &rpcpb.Reply{Code: CodeInternal, Body: []byte(err.Error())}, nil
	}
	if resp == nil {
		return &rpcpb.Reply{Code: CodeInternal, Body: []byte("handler returned nil response")}, nil
	}
	return &rpcpb.Reply{Code: resp.Code, Body: resp.Body}, nil
}
