package bridge

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the content-subtype negotiated with the broker. The broker
// owns the message schema; exchanging JSON keeps this side free of generated
// stubs.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
