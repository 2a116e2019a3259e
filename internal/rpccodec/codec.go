// Package rpccodec registers a JSON codec with gRPC so the gateway's RPC
// binding and the HTTP binding serialize the exact same wire types. No
// generated stubs are involved; both bindings share pkg/api.
package rpccodec

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// Name is the content-subtype clients pass to select this codec.
const Name = "json"

func init() {
	encoding.RegisterCodec(codec{})
}

type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (codec) Name() string {
	return Name
}
