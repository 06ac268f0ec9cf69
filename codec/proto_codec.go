package codec

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
)

// ProtoCodec handles values that implement proto.Message. Marshaling is
// deterministic so equal messages produce equal payloads.
type ProtoCodec struct{}

func (c *ProtoCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, errors.Errorf("ProtoCodec: %T does not implement proto.Message", v)
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(msg)
}

func (c *ProtoCodec) Decode(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return errors.Errorf("ProtoCodec: %T does not implement proto.Message", v)
	}
	return proto.Unmarshal(data, msg)
}

func (c *ProtoCodec) Type() CodecType {
	return CodecTypeProto
}
