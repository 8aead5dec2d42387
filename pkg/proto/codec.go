// Package proto defines the wire messages and gRPC service descriptors
// spoken between routers, storage nodes and the metadata service. Messages
// travel as JSON through a codec registered under CodecName.
package proto

import (
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype used by every client in this package.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// CallOptions returns the call options every client must pass.
func CallOptions(opts ...grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

// Status is the outcome of a storage or metadata call carried in the
// response body.
type Status string

const (
	Status_OK               Status = "OK"
	Status_NOT_FOUND        Status = "NOT_FOUND"
	Status_VERSION_CONFLICT Status = "VERSION_CONFLICT"
	Status_INVALID_REQUEST  Status = "INVALID_REQUEST"
	Status_INTERNAL_ERROR   Status = "INTERNAL_ERROR"
	Status_UNKNOWN_NODE     Status = "UNKNOWN_NODE"
	Status_NODE_DEAD        Status = "NODE_DEAD"
)
