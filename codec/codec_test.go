package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type greeting struct {
	Name string `json:"name" cbor:"name"`
	From string `json:"from" cbor:"from"`
}

func TestStructCodecs(t *testing.T) {
	for _, typ := range []CodecType{CodecTypeJSON, CodecTypeCBOR} {
		c := GetCodec(typ)
		assert.Equal(t, typ, c.Type())

		data, err := c.Encode(&greeting{Name: "superpil", From: "client"})
		require.NoError(t, err, typ.String())

		var got greeting
		require.NoError(t, c.Decode(data, &got), typ.String())
		assert.Equal(t, greeting{Name: "superpil", From: "client"}, got)
	}
}

func TestCBORDeterministic(t *testing.T) {
	c := GetCodec(CodecTypeCBOR)
	a, err := c.Encode(map[string]int{"b": 2, "a": 1, "c": 3})
	require.NoError(t, err)
	b, err := c.Encode(map[string]int{"c": 3, "a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestProtoCodec(t *testing.T) {
	c := GetCodec(CodecTypeProto)
	data, err := c.Encode(wrapperspb.String("hi"))
	require.NoError(t, err)

	got := &wrapperspb.StringValue{}
	require.NoError(t, c.Decode(data, got))
	assert.Equal(t, "hi", got.GetValue())

	_, err = c.Encode(&greeting{})
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	for name, want := range map[string]CodecType{"": CodecTypeJSON, "JSON": CodecTypeJSON, "cbor": CodecTypeCBOR, "protobuf": CodecTypeProto} {
		got, err := Parse(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := Parse("xml")
	assert.Error(t, err)
}
