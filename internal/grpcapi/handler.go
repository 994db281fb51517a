// handler.go serves a JSON-RPC style API over a single unary gRPC method.
// Requests and responses are JSON on the wire via jsonCodec, so no protoc
// generated stubs are needed.
package grpcapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Wire names of the RPC service.
const (
	ServiceName = "safeops.v1.SafeOpsService"
	CallMethod  = "/" + ServiceName + "/Call"
)

// RPCRequest is a generic JSON-RPC-style request.
type RPCRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is a generic JSON-RPC-style response.
type RPCResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Handler dispatches JSON-RPC requests to the Service.
type Handler struct {
	service  *Service
	logger   zerolog.Logger
	dispatch map[string]handlerFunc
}

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// NewHandler creates a handler backed by the given service.
func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	h := &Handler{service: svc, logger: logger.With().Str("component", "rpc").Logger()}
	h.dispatch = map[string]handlerFunc{
		// Intents
		"intent.process": h.handleProcess,
		"intent.advance": h.handleAdvance,
		"intent.get":     h.handleGetIntent,
		"intent.history": h.handleHistory,

		// Connections
		"connection.store":      h.handleStoreConnection,
		"connection.status":     h.handleConnectionStatus,
		"connection.disconnect": h.handleDisconnect,

		// Providers
		"provider.health":   h.handleHealth,
		"provider.readonly": h.handleReadOnly,

		// Audit
		"audit.verify": h.handleVerifyAudit,
		"audit.list":   h.handleAuditLog,
	}
	return h
}

// Methods lists the method names the handler serves.
func (h *Handler) Methods() []string {
	out := make([]string, 0, len(h.dispatch))
	for m := range h.dispatch {
		out = append(out, m)
	}
	return out
}

// Handle processes a JSON-RPC request and returns a response.
func (h *Handler) Handle(ctx context.Context, req *RPCRequest) *RPCResponse {
	fn, ok := h.dispatch[req.Method]
	if !ok {
		return &RPCResponse{Error: fmt.Sprintf("unknown method: %s", req.Method)}
	}

	result, err := fn(ctx, req.Params)
	if err != nil {
		h.logger.Debug().Str("method", req.Method).Err(err).Msg("rpc failed")
		return &RPCResponse{Error: err.Error()}
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return &RPCResponse{Error: fmt.Sprintf("encoding result: %v", err)}
	}
	return &RPCResponse{Result: resultJSON}
}

// RegisterWithGRPC registers the handler as the Call method of ServiceName.
func (h *Handler) RegisterWithGRPC(s *grpc.Server) {
	sd := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*safeOpsServiceHandler)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Call",
				Handler:    h.grpcCallHandler,
			},
		},
		Streams: []grpc.StreamDesc{},
	}
	s.RegisterService(&sd, h)
}

type safeOpsServiceHandler interface{}

func (h *Handler) grpcCallHandler(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var req RPCRequest
	if err := dec(&req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if interceptor == nil {
		return h.Handle(ctx, &req), nil
	}
	info := &grpc.UnaryServerInfo{Server: h, FullMethod: CallMethod}
	return interceptor(ctx, &req, info, func(ctx context.Context, r any) (any, error) {
		return h.Handle(ctx, r.(*RPCRequest)), nil
	})
}

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// --- Handler implementations ---

func (h *Handler) handleProcess(ctx context.Context, params json.RawMessage) (any, error) {
	var req ProcessRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	return h.service.ProcessIntent(ctx, req)
}

type advanceParams struct {
	IntentID string `json:"intentId"`
	NextStep string `json:"nextStep"`
}

func (h *Handler) handleAdvance(ctx context.Context, params json.RawMessage) (any, error) {
	var p advanceParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return h.service.AdvanceIntent(ctx, p.IntentID, p.NextStep)
}

type intentParam struct {
	IntentID string `json:"intentId"`
}

func (h *Handler) handleGetIntent(ctx context.Context, params json.RawMessage) (any, error) {
	var p intentParam
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return h.service.GetIntent(ctx, p.IntentID)
}

type userParams struct {
	UserID   string `json:"userId"`
	Provider string `json:"provider,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

func (h *Handler) handleHistory(ctx context.Context, params json.RawMessage) (any, error) {
	var p userParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return h.service.History(ctx, p.UserID, p.Limit)
}

type storeParams struct {
	UserID      string         `json:"userId"`
	Provider    string         `json:"provider"`
	Credentials map[string]any `json:"credentials"`
}

func (h *Handler) handleStoreConnection(ctx context.Context, params json.RawMessage) (any, error) {
	var p storeParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	provider, err := ParseProvider(p.Provider)
	if err != nil {
		return nil, err
	}
	if err := h.service.StoreConnection(ctx, p.UserID, provider, p.Credentials); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

func (h *Handler) handleConnectionStatus(ctx context.Context, params json.RawMessage) (any, error) {
	var p userParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return h.service.ConnectionStatus(ctx, p.UserID)
}

func (h *Handler) handleDisconnect(ctx context.Context, params json.RawMessage) (any, error) {
	var p userParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	provider, err := ParseProvider(p.Provider)
	if err != nil {
		return nil, err
	}
	if provider == "" {
		return nil, fmt.Errorf("provider is required")
	}
	return map[string]bool{"success": true}, h.service.Disconnect(ctx, p.UserID, provider)
}

func (h *Handler) handleHealth(ctx context.Context, params json.RawMessage) (any, error) {
	var p userParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	provider, err := ParseProvider(p.Provider)
	if err != nil {
		return nil, err
	}
	return h.service.ProviderHealth(ctx, p.UserID, provider)
}

func (h *Handler) handleReadOnly(_ context.Context, _ json.RawMessage) (any, error) {
	return h.service.ReadOnlyStatus(), nil
}

func (h *Handler) handleVerifyAudit(ctx context.Context, _ json.RawMessage) (any, error) {
	return h.service.VerifyAudit(ctx), nil
}

func (h *Handler) handleAuditLog(ctx context.Context, params json.RawMessage) (any, error) {
	var p userParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return h.service.AuditLog(ctx, p.UserID, p.Limit)
}
