package rpc

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/gzip" // registers the "gzip" compressor push.Client requests per call
)

// codecName matches the name grpc's generated protobuf stubs register
// under; overriding it process-wide lets the standard grpc transport,
// compression, and interceptor machinery carry our hand-rolled
// BinaryMessage payloads without any .proto file or codegen step.
const codecName = "proto"

// binaryCodec implements encoding.Codec over BinaryMessage. It is
// registered once, in RegisterCodec, and from then on every grpc call in
// this process that does not request a different codec name uses it.
type binaryCodec struct{}

func (binaryCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(BinaryMessage)
	if !ok {
		return nil, fmt.Errorf("rpc: codec: %T does not implement BinaryMessage", v)
	}
	return m.MarshalBinary()
}

func (binaryCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(BinaryMessage)
	if !ok {
		return fmt.Errorf("rpc: codec: %T does not implement BinaryMessage", v)
	}
	return m.UnmarshalBinary(data)
}

func (binaryCodec) Name() string { return codecName }

// RegisterCodec installs the BinaryMessage codec as grpc's default
// "proto" codec for this process. Call it once, before dialing or
// serving; cmd/aggregator does this in its init path, and push.New does it
// for the agent.
func RegisterCodec() {
	encoding.RegisterCodec(binaryCodec{})
}
