package grpcapi

import "encoding/json"

// jsonCodec carries RPCRequest and RPCResponse as plain JSON in gRPC frames.
// Both ends force it, so the content-subtype never has to be negotiated.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }
