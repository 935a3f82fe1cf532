package grpcmesh

import (
	"bytes"
	"encoding/gob"
)

// gobCodec is a grpc encoding.Codec that moves plain Go structs over
// the wire with encoding/gob instead of protobuf. No .proto file ships
// with this package — the service descriptor and client stub in
// service.go are hand-written against this codec via
// grpc.ForceServerCodec/grpc.ForceCodec, the same way a raw byte-stream
// gRPC service skips code generation entirely.
type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return "meshrt-gob" }
