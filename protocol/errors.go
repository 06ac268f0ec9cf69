package protocol

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error taxonomy shared by every layer. Use errors.Is to classify; most of them
// reach callers wrapped with context.
var (
	ErrNeedMoreData        = errors.New("need more data")
	ErrMalformedFrame      = errors.New("malformed frame")
	ErrFrameTooLarge       = errors.New("frame too large")
	ErrDuplicateResponse   = errors.New("duplicate response")
	ErrStrayFrame          = errors.New("stray frame")
	ErrCreditExceeded      = errors.New("credit exceeded")
	ErrIncompatibleVersion = errors.New("incompatible version")
	ErrTransport           = errors.New("transport error")
	ErrTimeout             = errors.New("timeout")
	ErrConnectionClosed    = errors.New("connection closed")
	ErrCanceled            = errors.New("stream canceled")
)

// TransportError wraps a read or write failure of the underlying connection.
// It matches ErrTransport and also unwraps to the I/O error.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport error: " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// FramingError reports that the inbound byte stream lost frame alignment.
// Nothing after it can be decoded, so the connection must be closed.
type FramingError struct {
	Err error
}

func (e *FramingError) Error() string { return "framing lost: " + e.Err.Error() }

func (e *FramingError) Unwrap() error { return e.Err }

// ErrorCode is carried in the extension of an Error frame.
type ErrorCode uint32

const (
	CodeInvalidSetup     ErrorCode = 0x001
	CodeUnsupportedSetup ErrorCode = 0x002
	CodeRejectedSetup    ErrorCode = 0x003
	CodeConnectionError  ErrorCode = 0x101
	CodeConnectionClose  ErrorCode = 0x102
	CodeApplicationError ErrorCode = 0x201
	CodeRejected         ErrorCode = 0x202
	CodeCanceled         ErrorCode = 0x203
	CodeInvalid          ErrorCode = 0x204
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInvalidSetup:
		return "INVALID_SETUP"
	case CodeUnsupportedSetup:
		return "UNSUPPORTED_SETUP"
	case CodeRejectedSetup:
		return "REJECTED_SETUP"
	case CodeConnectionError:
		return "CONNECTION_ERROR"
	case CodeConnectionClose:
		return "CONNECTION_CLOSE"
	case CodeApplicationError:
		return "APPLICATION_ERROR"
	case CodeRejected:
		return "REJECTED"
	case CodeCanceled:
		return "CANCELED"
	case CodeInvalid:
		return "INVALID"
	default:
		return fmt.Sprintf("0x%03x", uint32(c))
	}
}

// ConnectionLevel reports whether the code terminates the whole connection.
func (c ErrorCode) ConnectionLevel() bool {
	return c < CodeApplicationError
}

// RemoteError is the content of an Error frame received from the peer. A
// responder handler may also return one to choose the code sent on the wire.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

// Is maps setup rejections onto ErrIncompatibleVersion.
func (e *RemoteError) Is(target error) bool {
	return target == ErrIncompatibleVersion && e.Code == CodeUnsupportedSetup
}

// ErrorFrame builds an Error frame for the stream.
func ErrorFrame(streamID uint32, code ErrorCode, msg string) *Frame {
	return &Frame{StreamID: streamID, Type: TypeError, ErrorCode: code, Data: []byte(msg)}
}

// RemoteErrorOf converts an Error frame to a RemoteError.
func RemoteErrorOf(f *Frame) *RemoteError {
	return &RemoteError{Code: f.ErrorCode, Message: string(f.Data)}
}
