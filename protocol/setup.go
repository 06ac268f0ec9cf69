package protocol

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

// Protocol version spoken by this implementation. Peers must agree on the
// major version; minor versions are informational.
const (
	MajorVersion uint16 = 1
	MinorVersion uint16 = 0

	setupSize = 2 + 2 + 4 + 4 + 4 + 1
)

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeJSON  byte = 0
	CodecTypeCBOR  byte = 1
	CodecTypeProto byte = 2
)

// Setup is the body of the Setup frame that opens every connection. The
// responder answers with a Setup frame carrying the negotiated values.
//
//	0       2       4           8             12              16      17
//	┌───────┬───────┬───────────┬─────────────┬───────────────┬───────┐
//	│ major │ minor │ keepalive │ maxLifetime │ initialCredit │ codec │
//	│uint16 │uint16 │  ms u32   │   ms u32    │    uint32     │ byte  │
//	└───────┴───────┴───────────┴─────────────┴───────────────┴───────┘
type Setup struct {
	Major         uint16
	Minor         uint16
	KeepAlive     time.Duration
	MaxLifetime   time.Duration
	InitialCredit uint32 // default credit window for streams that do not ask for one
	DataCodec     byte
}

// MarshalBinary encodes the setup body.
func (s Setup) MarshalBinary() ([]byte, error) {
	buf := make([]byte, setupSize)
	binary.BigEndian.PutUint16(buf[0:2], s.Major)
	binary.BigEndian.PutUint16(buf[2:4], s.Minor)
	binary.BigEndian.PutUint32(buf[4:8], uint32(s.KeepAlive/time.Millisecond))
	binary.BigEndian.PutUint32(buf[8:12], uint32(s.MaxLifetime/time.Millisecond))
	binary.BigEndian.PutUint32(buf[12:16], s.InitialCredit)
	buf[16] = s.DataCodec
	return buf, nil
}

// UnmarshalBinary decodes a setup body.
func (s *Setup) UnmarshalBinary(b []byte) error {
	if len(b) < setupSize {
		return errors.Wrapf(ErrMalformedFrame, "setup body of %d bytes", len(b))
	}
	s.Major = binary.BigEndian.Uint16(b[0:2])
	s.Minor = binary.BigEndian.Uint16(b[2:4])
	s.KeepAlive = time.Duration(binary.BigEndian.Uint32(b[4:8])) * time.Millisecond
	s.MaxLifetime = time.Duration(binary.BigEndian.Uint32(b[8:12])) * time.Millisecond
	s.InitialCredit = binary.BigEndian.Uint32(b[12:16])
	s.DataCodec = b[16]
	return nil
}

// Frame wraps the setup body in a Setup frame.
func (s Setup) Frame() *Frame {
	data, _ := s.MarshalBinary()
	return &Frame{Type: TypeSetup, Data: data}
}

// Compatible reports whether a peer announcing other can talk to s.
func (s Setup) Compatible(other Setup) error {
	if s.Major != other.Major {
		return errors.Wrapf(ErrIncompatibleVersion, "local %d.%d, peer %d.%d", s.Major, s.Minor, other.Major, other.Minor)
	}
	return nil
}
