// Package protocol implements the binary frame format of mini-rsocket.
//
// Every frame starts with a fixed 17-byte header followed by an optional 4-byte
// extension (only for frame types that carry a number) and the variable-length
// metadata and data sections. The receiver reads the header first to learn the
// total frame length, so frames can be cut out of an arbitrary byte stream.
//
// Frame format:
//
//	0      3    4     5          9          13         17       21
//	┌──────┬────┬─────┬──────────┬──────────┬──────────┬────────┬──────────┬──────┐
//	│magic │type│flags│ streamID │ metaLen  │ dataLen  │ [ext]  │ metadata │ data │
//	│ mrs  │    │     │  uint32  │  uint32  │  uint32  │ uint32 │          │      │
//	└──────┴────┴─────┴──────────┴──────────┴──────────┴────────┴──────────┴──────┘
//
// ext carries the initial request N on RequestStream/RequestChannel, n on
// RequestN and the error code on Error frames.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Magic number bytes: "mrs" (mini reactive streams).
// Used to detect a peer that speaks something else, or a stream that lost sync.
const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x73 // 's'
	HeaderSize  int  = 17   // 3 (magic) + 1 (type) + 1 (flags) + 4 (stream) + 4 (metaLen) + 4 (dataLen)
	extSize     int  = 4

	// DefaultMaxFrameSize bounds a single frame, header included.
	DefaultMaxFrameSize = 16 << 20
	// MaxStreamID is the largest stream id either side may allocate.
	MaxStreamID uint32 = 1<<31 - 1
)

// FrameType identifies what a frame means to the receiving stream.
type FrameType byte

const (
	TypeSetup           FrameType = 0x01
	TypeRequestResponse FrameType = 0x04
	TypeRequestFnf      FrameType = 0x05
	TypeRequestStream   FrameType = 0x06
	TypeRequestChannel  FrameType = 0x07
	TypeRequestN        FrameType = 0x08
	TypeCancel          FrameType = 0x09
	TypePayload         FrameType = 0x0A
	TypeError           FrameType = 0x0B
	TypeComplete        FrameType = 0x0C
	TypeKeepAlive       FrameType = 0x03
)

func (t FrameType) String() string {
	switch t {
	case TypeSetup:
		return "SETUP"
	case TypeKeepAlive:
		return "KEEPALIVE"
	case TypeRequestResponse:
		return "REQUEST_RESPONSE"
	case TypeRequestFnf:
		return "REQUEST_FNF"
	case TypeRequestStream:
		return "REQUEST_STREAM"
	case TypeRequestChannel:
		return "REQUEST_CHANNEL"
	case TypeRequestN:
		return "REQUEST_N"
	case TypeCancel:
		return "CANCEL"
	case TypePayload:
		return "PAYLOAD"
	case TypeError:
		return "ERROR"
	case TypeComplete:
		return "COMPLETE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

// IsRequest reports whether the frame opens a new stream.
func (t FrameType) IsRequest() bool {
	return t == TypeRequestResponse || t == TypeRequestFnf || t == TypeRequestStream || t == TypeRequestChannel
}

func (t FrameType) known() bool {
	switch t {
	case TypeSetup, TypeKeepAlive, TypeRequestResponse, TypeRequestFnf, TypeRequestStream,
		TypeRequestChannel, TypeRequestN, TypeCancel, TypePayload, TypeError, TypeComplete:
		return true
	}
	return false
}

func (t FrameType) hasExt() bool {
	return t == TypeRequestStream || t == TypeRequestChannel || t == TypeRequestN || t == TypeError
}

// Flags modify a frame. Only the bits below are visible to callers.
type Flags byte

const (
	FlagFollows  Flags = 1 << 7 // more fragments of this frame follow
	FlagComplete Flags = 1 << 5 // sender half is done
	FlagNext     Flags = 1 << 4 // frame carries an item
	FlagRespond  Flags = 1 << 3 // keepalive asks for an answer

	flagMetadata Flags = 1 << 6 // wire-only: metadata section present
	publicFlags        = FlagFollows | FlagComplete | FlagNext | FlagRespond
)

// Has reports whether all bits of o are set.
func (f Flags) Has(o Flags) bool { return f&o == o }

// Frame is a single unit on the wire. Frames are treated as immutable once
// handed to the codec or the connection.
type Frame struct {
	StreamID  uint32
	Type      FrameType
	Flags     Flags
	RequestN  uint32    // RequestStream, RequestChannel, RequestN
	ErrorCode ErrorCode // Error
	Metadata  []byte    // nil means "no metadata"
	Data      []byte
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s{stream=%d flags=0x%02x n=%d meta=%d data=%d}",
		f.Type, f.StreamID, byte(f.Flags), f.RequestN, len(f.Metadata), len(f.Data))
}

// Len returns the encoded size of the frame in bytes.
func (f *Frame) Len() int {
	n := HeaderSize + len(f.Metadata) + len(f.Data)
	if f.Type.hasExt() {
		n += extSize
	}
	return n
}

// Validate checks the structural rules shared by the encoder and the decoder.
func (f *Frame) Validate() error {
	if !f.Type.known() {
		return errors.Wrapf(ErrMalformedFrame, "unknown frame type 0x%02x", byte(f.Type))
	}
	switch f.Type {
	case TypeSetup, TypeKeepAlive:
		if f.StreamID != 0 {
			return errors.Wrapf(ErrMalformedFrame, "%s on stream %d", f.Type, f.StreamID)
		}
	case TypeError:
		// stream 0 carries connection-level errors
	default:
		if f.StreamID == 0 {
			return errors.Wrapf(ErrMalformedFrame, "%s on stream 0", f.Type)
		}
	}
	if f.StreamID > MaxStreamID {
		return errors.Wrapf(ErrMalformedFrame, "stream id %d out of range", f.StreamID)
	}
	if f.Type == TypeRequestN && f.RequestN == 0 {
		return errors.Wrap(ErrMalformedFrame, "REQUEST_N with n=0")
	}
	if f.Type == TypePayload && !f.Flags.Has(FlagNext) && !f.Flags.Has(FlagComplete) && !f.Flags.Has(FlagFollows) {
		return errors.Wrap(ErrMalformedFrame, "PAYLOAD without NEXT or COMPLETE")
	}
	return nil
}

// Encode writes a complete frame to w.
// Callers sharing w must serialize calls, otherwise frames interleave and the
// receiver loses sync.
func Encode(w io.Writer, f *Frame) error {
	buf, err := AppendFrame(make([]byte, 0, f.Len()), f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// AppendFrame appends the encoding of f to dst.
func AppendFrame(dst []byte, f *Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return dst, err
	}
	flags := f.Flags & publicFlags
	if f.Metadata != nil {
		flags |= flagMetadata
	}
	dst = append(dst, MagicNumber, MagicByte2, MagicByte3, byte(f.Type), byte(flags))
	dst = binary.BigEndian.AppendUint32(dst, f.StreamID)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Metadata)))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Data)))
	switch f.Type {
	case TypeError:
		dst = binary.BigEndian.AppendUint32(dst, uint32(f.ErrorCode))
	case TypeRequestStream, TypeRequestChannel, TypeRequestN:
		dst = binary.BigEndian.AppendUint32(dst, f.RequestN)
	}
	dst = append(dst, f.Metadata...)
	dst = append(dst, f.Data...)
	return dst, nil
}

// Decode cuts one frame out of b.
//
// It returns the frame and the number of bytes it occupied. The error cases
// tell the caller how to continue:
//   - ErrNeedMoreData, n == 0: b holds a partial frame, feed more bytes.
//   - ErrMalformedFrame, n == 0: the magic is wrong; framing is lost.
//   - ErrMalformedFrame, n > 0: the frame is invalid but its length is known;
//     skip n bytes and go on.
//   - ErrFrameTooLarge, n > 0: the declared size exceeds max; the returned
//     frame carries only the header fields and n may exceed len(b).
func Decode(b []byte, max int) (*Frame, int, error) {
	if len(b) < HeaderSize {
		// Check what we have of the magic so garbage is rejected early.
		if !magicPrefix(b) {
			return nil, 0, errors.Wrapf(ErrMalformedFrame, "invalid magic number: %x", b)
		}
		return nil, 0, ErrNeedMoreData
	}
	if b[0] != MagicNumber || b[1] != MagicByte2 || b[2] != MagicByte3 {
		return nil, 0, errors.Wrapf(ErrMalformedFrame, "invalid magic number: %x", b[0:3])
	}

	typ := FrameType(b[3])
	flags := Flags(b[4])
	f := &Frame{
		StreamID: binary.BigEndian.Uint32(b[5:9]),
		Type:     typ,
		Flags:    flags & publicFlags,
	}
	metaLen := uint64(binary.BigEndian.Uint32(b[9:13]))
	dataLen := uint64(binary.BigEndian.Uint32(b[13:17]))
	total := uint64(HeaderSize) + metaLen + dataLen
	if typ.hasExt() {
		total += uint64(extSize)
	}
	if max > 0 && total > uint64(max) {
		return f, int(total), errors.Wrapf(ErrFrameTooLarge, "%s frame of %d bytes exceeds %d", typ, total, max)
	}
	if uint64(len(b)) < total {
		return nil, 0, ErrNeedMoreData
	}
	n := int(total)
	if !flags.Has(flagMetadata) && metaLen != 0 {
		return nil, n, errors.Wrap(ErrMalformedFrame, "metadata length without metadata flag")
	}

	off := HeaderSize
	if typ.hasExt() {
		ext := binary.BigEndian.Uint32(b[off : off+extSize])
		if typ == TypeError {
			f.ErrorCode = ErrorCode(ext)
		} else {
			f.RequestN = ext
		}
		off += extSize
	}
	if flags.Has(flagMetadata) {
		f.Metadata = make([]byte, metaLen)
		copy(f.Metadata, b[off:off+int(metaLen)])
		off += int(metaLen)
	}
	if dataLen > 0 {
		f.Data = make([]byte, dataLen)
		copy(f.Data, b[off:off+int(dataLen)])
	}
	if err := f.Validate(); err != nil {
		return nil, n, err
	}
	return f, n, nil
}

func magicPrefix(b []byte) bool {
	magic := [3]byte{MagicNumber, MagicByte2, MagicByte3}
	for i := 0; i < len(b) && i < len(magic); i++ {
		if b[i] != magic[i] {
			return false
		}
	}
	return true
}
