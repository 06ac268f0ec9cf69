package protocol

import (
	"github.com/pkg/errors"
)

// Decoder is a streaming frame parser over an accumulating buffer. Bytes are
// fed as they arrive from the transport, in chunks of any size, and Next cuts
// complete frames out of them. A Decoder is not safe for concurrent use.
type Decoder struct {
	err     error
	buf     []byte
	max     int
	discard int // bytes of an oversized or invalid frame still to be dropped
}

// NewDecoder creates a Decoder that rejects frames larger than max bytes.
// max <= 0 selects DefaultMaxFrameSize.
func NewDecoder(max int) *Decoder {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	return &Decoder{max: max}
}

// Feed appends p to the internal buffer. p is copied.
func (d *Decoder) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	if d.discard > 0 {
		drop := min(d.discard, len(p))
		d.discard -= drop
		p = p[drop:]
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes waiting to be decoded.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next returns the next complete frame.
//
// ErrNeedMoreData means Feed must be called again. ErrFrameTooLarge and a
// skippable ErrMalformedFrame are recoverable: the offending bytes are dropped
// (without buffering the rest of an oversized frame) and the next call
// continues with the following frame. For ErrFrameTooLarge the returned frame
// carries the header fields so the caller can fail the right stream. Any other
// failure is returned as a *FramingError and repeats on every later call.
func (d *Decoder) Next() (*Frame, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.discard > 0 {
		return nil, ErrNeedMoreData
	}
	f, n, err := Decode(d.buf, d.max)
	switch {
	case err == nil:
		d.consume(n)
		return f, nil
	case errors.Is(err, ErrNeedMoreData):
		return nil, err
	case n > 0:
		d.consume(n)
		return f, err
	default:
		d.err = &FramingError{Err: err}
		return nil, d.err
	}
}

// consume drops n bytes from the front of the buffer; bytes beyond the buffer
// are discarded as they arrive.
func (d *Decoder) consume(n int) {
	if n >= len(d.buf) {
		d.discard = n - len(d.buf)
		d.buf = d.buf[:0]
		return
	}
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}
