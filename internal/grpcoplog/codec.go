package grpcoplog

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is registered as the gRPC wire content-subtype, so clients
// dial with grpc.CallContentSubtype(codecName) instead of linking a
// protoc-generated stub.
const codecName = "json"

// jsonCodec marshals gRPC messages as JSON instead of protobuf. There
// is no .proto schema for this narrow read-only debug service, so
// messages are plain Go structs (see service.go) round-tripped through
// encoding/json, following the same "skip protoc, decode the wire
// shape directly" approach internal/wireval takes for payload values.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
