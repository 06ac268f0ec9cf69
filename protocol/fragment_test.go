package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentReassemble(t *testing.T) {
	cases := []*Frame{
		{StreamID: 1, Type: TypeRequestResponse, Metadata: bytes.Repeat([]byte("m"), 70), Data: bytes.Repeat([]byte("d"), 200)},
		{StreamID: 3, Type: TypeRequestChannel, RequestN: 4, Flags: FlagNext | FlagComplete, Data: bytes.Repeat([]byte("c"), 150)},
		{StreamID: 7, Type: TypeRequestChannel, RequestN: 4, Flags: FlagNext, Data: bytes.Repeat([]byte("n"), 150)},
		{StreamID: 9, Type: TypeRequestChannel, RequestN: 4, Flags: FlagComplete, Metadata: bytes.Repeat([]byte("r"), 150)},
		{StreamID: 5, Type: TypePayload, Flags: FlagNext | FlagComplete, Metadata: []byte{}, Data: bytes.Repeat([]byte("p"), 99)},
	}
	for _, f := range cases {
		frags := Fragment(f, 64)
		require.Greater(t, len(frags), 1)

		r := NewReassembler(0)
		var got *Frame
		for i, frag := range frags {
			assert.LessOrEqual(t, frag.Len(), 64)
			require.NoError(t, frag.Validate())
			// fragments must survive the wire
			b, err := AppendFrame(nil, frag)
			require.NoError(t, err)
			decoded, _, err := Decode(b, 0)
			require.NoError(t, err)

			out, err := r.Push(decoded)
			require.NoError(t, err)
			if i < len(frags)-1 {
				assert.Nil(t, out)
			} else {
				got = out
			}
		}
		assert.Equal(t, f, got)
	}
}

func TestFragmentSmallFrameUntouched(t *testing.T) {
	f := &Frame{StreamID: 1, Type: TypeRequestFnf, Data: []byte("x")}
	assert.Equal(t, []*Frame{f}, Fragment(f, 1024))
	assert.Equal(t, []*Frame{f}, Fragment(f, 0))

	r := NewReassembler(0)
	out, err := r.Push(f)
	require.NoError(t, err)
	assert.Same(t, f, out)
}

func TestReassemblerLimit(t *testing.T) {
	r := NewReassembler(HeaderSize + 10)
	_, err := r.Push(&Frame{StreamID: 1, Type: TypePayload, Flags: FlagFollows | FlagNext, Data: make([]byte, 8)})
	require.NoError(t, err)
	_, err = r.Push(&Frame{StreamID: 1, Type: TypePayload, Flags: FlagNext, Data: make([]byte, 8)})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReassemblerCancelInterrupts(t *testing.T) {
	r := NewReassembler(0)
	_, err := r.Push(&Frame{StreamID: 1, Type: TypePayload, Flags: FlagFollows | FlagNext, Data: []byte("a")})
	require.NoError(t, err)
	assert.True(t, r.Pending(1))
	cancel := &Frame{StreamID: 1, Type: TypeCancel}
	out, err := r.Push(cancel)
	require.NoError(t, err)
	assert.Same(t, cancel, out)
	assert.False(t, r.Pending(1))
}
