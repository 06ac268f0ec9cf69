// Package codec serializes application values into payload data.
//
// The codec is chosen once per connection and announced in the Setup frame,
// so both peers decode payload data the same way.
package codec

import (
	"strings"

	"github.com/pkg/errors"

	"mini-rsocket/protocol"
)

type CodecType byte

const (
	CodecTypeJSON  CodecType = CodecType(protocol.CodecTypeJSON)
	CodecTypeCBOR  CodecType = CodecType(protocol.CodecTypeCBOR)
	CodecTypeProto CodecType = CodecType(protocol.CodecTypeProto)
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeCBOR:
		return "cbor"
	case CodecTypeProto:
		return "proto"
	default:
		return "unknown"
	}
}

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for codecType, falling back to JSON.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeCBOR:
		return cborCodec
	case CodecTypeProto:
		return &ProtoCodec{}
	default:
		return &JSONCodec{}
	}
}

// Parse maps a configuration name ("json", "cbor", "proto") to a CodecType.
func Parse(name string) (CodecType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return CodecTypeJSON, nil
	case "cbor":
		return CodecTypeCBOR, nil
	case "proto", "protobuf":
		return CodecTypeProto, nil
	default:
		return 0, errors.Errorf("unknown codec %q", name)
	}
}
