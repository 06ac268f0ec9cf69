package transport

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"mini-rsocket/protocol"
	"mini-rsocket/registry"
)

// Dial connects to addr and performs the client side of the handshake.
func Dial(ctx context.Context, network, addr string, cfg Config) (*Connection, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, &protocol.TransportError{Err: err}
	}
	c, err := Client(ctx, conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Client sends SETUP over rwc and waits for the responder's answer. A peer
// speaking another major version fails with protocol.ErrIncompatibleVersion.
// The returned connection owns rwc.
func Client(ctx context.Context, rwc io.ReadWriteCloser, cfg Config) (*Connection, error) {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	clearDeadline := withDeadline(ctx, rwc)
	defer clearDeadline()

	local := cfg.setup()
	if err := protocol.Encode(rwc, local.Frame()); err != nil {
		return nil, &protocol.TransportError{Err: err}
	}
	dec := protocol.NewDecoder(cfg.MaxFrameSize)
	f, err := readFrame(rwc, dec, cfg.ReadBufferSize)
	if err != nil {
		return nil, err
	}

	var negotiated protocol.Setup
	switch f.Type {
	case protocol.TypeSetup:
		if err := negotiated.UnmarshalBinary(f.Data); err != nil {
			return nil, err
		}
		if err := local.Compatible(negotiated); err != nil {
			return nil, err
		}
	case protocol.TypeError:
		return nil, protocol.RemoteErrorOf(f)
	default:
		return nil, errors.Wrapf(protocol.ErrMalformedFrame, "%s during setup", f.Type)
	}

	clearDeadline()
	c := newConnection(rwc, cfg, registry.ClientSide, negotiated, dec)
	c.start()
	return c, nil
}

// Server waits for the client's SETUP on rwc and answers with the negotiated
// parameters: the client's keepalive settings and initial credit, or the
// server's credit when the client left it 0. A major version mismatch is
// answered with UNSUPPORTED_SETUP. The returned connection owns rwc.
func Server(ctx context.Context, rwc io.ReadWriteCloser, cfg Config) (*Connection, error) {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	clearDeadline := withDeadline(ctx, rwc)
	defer clearDeadline()

	dec := protocol.NewDecoder(cfg.MaxFrameSize)
	f, err := readFrame(rwc, dec, cfg.ReadBufferSize)
	if err != nil {
		return nil, err
	}
	if f.Type != protocol.TypeSetup {
		reject(rwc, protocol.CodeInvalidSetup, "expected SETUP, got "+f.Type.String())
		return nil, errors.Wrapf(protocol.ErrMalformedFrame, "%s before SETUP", f.Type)
	}
	var peer protocol.Setup
	if err := peer.UnmarshalBinary(f.Data); err != nil {
		reject(rwc, protocol.CodeInvalidSetup, err.Error())
		return nil, err
	}
	local := cfg.setup()
	if err := local.Compatible(peer); err != nil {
		reject(rwc, protocol.CodeUnsupportedSetup, err.Error())
		return nil, err
	}

	negotiated := protocol.Setup{
		Major:         local.Major,
		Minor:         local.Minor,
		KeepAlive:     peer.KeepAlive,
		MaxLifetime:   peer.MaxLifetime,
		InitialCredit: peer.InitialCredit,
		DataCodec:     peer.DataCodec,
	}
	if negotiated.InitialCredit == 0 {
		negotiated.InitialCredit = local.InitialCredit
	}
	if err := protocol.Encode(rwc, negotiated.Frame()); err != nil {
		return nil, &protocol.TransportError{Err: err}
	}

	clearDeadline()
	c := newConnection(rwc, cfg, registry.ServerSide, negotiated, dec)
	c.start()
	return c, nil
}

func reject(w io.Writer, code protocol.ErrorCode, msg string) {
	_ = protocol.Encode(w, protocol.ErrorFrame(0, code, msg))
}

// readFrame blocks until dec yields one frame.
func readFrame(r io.Reader, dec *protocol.Decoder, bufSize int) (*protocol.Frame, error) {
	buf := make([]byte, bufSize)
	for {
		f, err := dec.Next()
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, protocol.ErrNeedMoreData) {
			return nil, err
		}
		n, rerr := r.Read(buf)
		dec.Feed(buf[:n])
		if rerr != nil {
			if f, err := dec.Next(); err == nil {
				return f, nil
			}
			return nil, &protocol.TransportError{Err: rerr}
		}
	}
}

// withDeadline applies ctx's deadline to conn if it supports deadlines and
// returns a func that clears it.
func withDeadline(ctx context.Context, rwc io.ReadWriteCloser) func() {
	conn, ok := rwc.(interface{ SetDeadline(time.Time) error })
	if !ok {
		return func() {}
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	return func() { _ = conn.SetDeadline(time.Time{}) }
}
