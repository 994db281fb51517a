// Package grpcapi exposes the SafeOps engine over gRPC. The CLI and any
// remote operator tooling talk to safeops-server through it, either on a
// local unix socket or over mutual TLS.
package grpcapi

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/safeops-dev/safeops/internal/engine"
	"github.com/safeops-dev/safeops/internal/pki"
)

// Server wraps the gRPC server and the SafeOps engine.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	handler    *Handler
}

// NewServer creates a gRPC server bound to a unix socket. A stale socket
// file from a previous run is removed first.
func NewServer(socketPath string, e *engine.Engine) (*Server, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", socketPath, err)
	}
	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	return newServer(lis, e), nil
}

// NewTCPServer creates a plaintext gRPC server (for local/dev use only).
func NewTCPServer(addr string, e *engine.Engine) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return newServer(lis, e), nil
}

// NewMTLSServer creates a gRPC server that requires client certificates
// signed by the CA in tlsDir (see pki.WriteBundles).
func NewMTLSServer(addr, tlsDir string, e *engine.Engine) (*Server, error) {
	creds, err := pki.ServerCredentials(tlsDir)
	if err != nil {
		return nil, fmt.Errorf("configuring mTLS: %w", err)
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return newServer(lis, e, grpc.Creds(creds)), nil
}

func newServer(lis net.Listener, e *engine.Engine, opts ...grpc.ServerOption) *Server {
	opts = append(opts,
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.UnaryInterceptor(logCalls(e.Logger)),
	)
	s := grpc.NewServer(opts...)
	h := NewHandler(NewService(e), e.Logger)
	h.RegisterWithGRPC(s)
	return &Server{grpcServer: s, listener: lis, handler: h}
}

func logCalls(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		resp, err := next(ctx, req)
		ev := logger.Debug().Str("rpc", info.FullMethod)
		if r, ok := req.(*RPCRequest); ok {
			ev = ev.Str("method", r.Method)
		}
		if r, ok := resp.(*RPCResponse); ok && r.Error != "" {
			ev = ev.Str("error", r.Error)
		}
		ev.Msg("rpc call")
		return resp, err
	}
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve starts serving gRPC requests.
func (s *Server) Serve() error {
	return s.grpcServer.Serve(s.listener)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

// Handler returns the JSON-RPC handler for direct access.
func (s *Server) Handler() *Handler {
	return s.handler
}

// Client calls a SafeOps server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target ("unix:///path", "host:port"). With an empty
// tlsDir the connection is plaintext.
func Dial(target, tlsDir string) (*Client, error) {
	var creds credentials.TransportCredentials = insecure.NewCredentials()
	if tlsDir != "" {
		c, err := pki.ClientCredentials(tlsDir)
		if err != nil {
			return nil, fmt.Errorf("loading client certificates: %w", err)
		}
		creds = c
	}
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Call invokes method with params (marshaled to JSON). An application
// error comes back in RPCResponse.Error, not as err.
func (c *Client) Call(ctx context.Context, method string, params any) (*RPCResponse, error) {
	req := &RPCRequest{Method: method}
	if params != nil {
		raw, err := jsonCodec{}.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding params: %w", err)
		}
		req.Params = raw
	}
	var resp RPCResponse
	if err := c.conn.Invoke(ctx, CallMethod, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
