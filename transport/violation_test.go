package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-rsocket/message"
	"mini-rsocket/metrics"
	"mini-rsocket/protocol"
)

// rawPeer speaks the wire protocol by hand so tests can misbehave.
type rawPeer struct {
	t      *testing.T
	conn   net.Conn
	frames chan *protocol.Frame
}

func newRawPeer(t *testing.T, conn net.Conn) *rawPeer {
	p := &rawPeer{t: t, conn: conn, frames: make(chan *protocol.Frame, 256)}
	go func() {
		defer close(p.frames)
		dec := protocol.NewDecoder(0)
		buf := make([]byte, 4096)
		for {
			for {
				f, err := dec.Next()
				if err != nil {
					break
				}
				p.frames <- f
			}
			n, err := conn.Read(buf)
			dec.Feed(buf[:n])
			if err != nil {
				return
			}
		}
	}()
	return p
}

func (p *rawPeer) send(f *protocol.Frame) {
	require.NoError(p.t, protocol.Encode(p.conn, f))
}

func (p *rawPeer) expect(typ protocol.FrameType) *protocol.Frame {
	p.t.Helper()
	select {
	case f, ok := <-p.frames:
		require.True(p.t, ok, "connection closed while waiting for %s", typ)
		require.Equal(p.t, typ, f.Type, "got %s", f)
		return f
	case <-time.After(2 * time.Second):
		p.t.Fatalf("timed out waiting for %s", typ)
		return nil
	}
}

func (p *rawPeer) expectNothing() {
	p.t.Helper()
	select {
	case f, ok := <-p.frames:
		if ok {
			p.t.Fatalf("unexpected frame %s", f)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

// rawServer returns a client Connection whose peer is driven by the test.
func rawServer(t *testing.T, cfg Config, ack protocol.Setup) (*Connection, *rawPeer) {
	a, b := net.Pipe()
	peer := newRawPeer(t, b)
	type result struct {
		c   *Connection
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := Client(context.Background(), a, cfg)
		done <- result{c, err}
	}()
	peer.expect(protocol.TypeSetup)
	peer.send(ack.Frame())
	res := <-done
	require.NoError(t, res.err)
	t.Cleanup(func() {
		res.c.close(protocol.ErrConnectionClosed)
		b.Close()
	})
	return res.c, peer
}

func defaultAck() protocol.Setup {
	return protocol.Setup{Major: protocol.MajorVersion, InitialCredit: 8}
}

func violations(kind string) float64 {
	return testutil.ToFloat64(metrics.Violations.WithLabelValues(kind))
}

// barrier sends a frame for an unknown stream and waits until the connection
// counted it, so every frame sent before has been dispatched.
func barrier(t *testing.T, peer *rawPeer) {
	before := violations(metrics.ViolationStray)
	peer.send(&protocol.Frame{StreamID: 1<<31 - 1, Type: protocol.TypeCancel})
	require.Eventually(t, func() bool {
		return violations(metrics.ViolationStray) == before+1
	}, time.Second, 5*time.Millisecond)
}

func next(p string, complete bool) *protocol.Frame {
	f := &protocol.Frame{Type: protocol.TypePayload, Flags: protocol.FlagNext, Data: []byte(p)}
	if complete {
		f.Flags |= protocol.FlagComplete
	}
	return f
}

func on(id uint32, f *protocol.Frame) *protocol.Frame {
	f.StreamID = id
	return f
}

func TestStreamCreditExceeded(t *testing.T) {
	client, peer := rawServer(t, testConfig(nil), defaultAck())
	ctx := testContext(t)
	before := violations(metrics.ViolationCreditExceeded)

	flux, err := client.RequestStream(ctx, payload("s"), 2)
	require.NoError(t, err)
	req := peer.expect(protocol.TypeRequestStream)
	assert.Equal(t, uint32(2), req.RequestN)

	for _, p := range []string{"a", "b", "c"} {
		peer.send(on(req.StreamID, next(p, false)))
	}
	peer.expect(protocol.TypeCancel)

	items, err := flux.Collect(ctx)
	assert.ErrorIs(t, err, protocol.ErrCreditExceeded)
	assert.Equal(t, []string{"a", "b"}, data(items))
	assert.Equal(t, before+1, violations(metrics.ViolationCreditExceeded))
	assert.Equal(t, 0, streamCount(t, client))
}

func TestCancelDropsLateFrames(t *testing.T) {
	client, peer := rawServer(t, testConfig(nil), defaultAck())
	ctx := testContext(t)

	flux, err := client.RequestStream(ctx, payload("s"), 8)
	require.NoError(t, err)
	req := peer.expect(protocol.TypeRequestStream)
	peer.send(on(req.StreamID, next("first", false)))

	p, err := flux.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", string(p.Data))

	flux.Cancel()
	peer.expect(protocol.TypeCancel)
	dup := violations(metrics.ViolationDuplicate)
	peer.send(on(req.StreamID, next("late-1", false)))
	peer.send(on(req.StreamID, next("late-2", false)))
	barrier(t, peer)

	_, err = flux.Next(ctx)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, dup, violations(metrics.ViolationDuplicate))
}

func TestStrayFrameKeepsConnection(t *testing.T) {
	client, peer := rawServer(t, testConfig(nil), defaultAck())
	ctx := testContext(t)

	barrier(t, peer)

	done := make(chan error, 1)
	go func() {
		resp, err := client.RequestResponse(ctx, payload("ping"))
		if err == nil {
			assert.Equal(t, "pong", string(resp.Data))
		}
		done <- err
	}()
	req := peer.expect(protocol.TypeRequestResponse)
	peer.send(on(req.StreamID, next("pong", true)))
	require.NoError(t, <-done)
}

func TestFragmentOnUnknownStreamIsStray(t *testing.T) {
	client, peer := rawServer(t, testConfig(nil), defaultAck())
	stray := violations(metrics.ViolationStray)

	for id := uint32(101); id <= 109; id += 2 {
		peer.send(on(id, &protocol.Frame{Type: protocol.TypePayload, Flags: protocol.FlagFollows | protocol.FlagNext, Data: []byte("part")}))
	}
	require.Eventually(t, func() bool {
		return violations(metrics.ViolationStray) == stray+5
	}, time.Second, 5*time.Millisecond)
	var pending bool
	require.NoError(t, client.exec(func() { pending = client.frags.Pending(101) }))
	assert.False(t, pending)

	// a fragmented request on the client's own parity is refused up front
	rejected := violations(metrics.ViolationUnexpected)
	peer.send(&protocol.Frame{StreamID: 201, Type: protocol.TypeRequestResponse, Flags: protocol.FlagFollows, Data: []byte("part")})
	barrier(t, peer)
	assert.Equal(t, rejected+1, violations(metrics.ViolationUnexpected))
	assert.False(t, client.Closed())
}

func TestDuplicateResponse(t *testing.T) {
	client, peer := rawServer(t, testConfig(nil), defaultAck())
	ctx := testContext(t)
	before := violations(metrics.ViolationDuplicate)

	done := make(chan error, 1)
	go func() {
		_, err := client.RequestResponse(ctx, payload("once"))
		done <- err
	}()
	req := peer.expect(protocol.TypeRequestResponse)
	peer.send(on(req.StreamID, next("one", true)))
	peer.send(on(req.StreamID, next("two", true)))
	require.NoError(t, <-done)

	barrier(t, peer)
	assert.Equal(t, before+1, violations(metrics.ViolationDuplicate))
}

func TestRequestResponseTimeout(t *testing.T) {
	client, peer := rawServer(t, testConfig(nil), defaultAck())
	dup := violations(metrics.ViolationDuplicate)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := client.RequestResponse(ctx, payload("slow"))
		done <- err
	}()
	req := peer.expect(protocol.TypeRequestResponse)
	cancelFrame := peer.expect(protocol.TypeCancel)
	assert.Equal(t, req.StreamID, cancelFrame.StreamID)
	assert.ErrorIs(t, <-done, protocol.ErrTimeout)

	// the late answer is neither delivered nor a duplicate
	peer.send(on(req.StreamID, next("late", true)))
	barrier(t, peer)
	assert.Equal(t, dup, violations(metrics.ViolationDuplicate))
}

// gatedContext is already cancelled, but Done blocks until gate opens. That
// lets a test make a response and the cancellation ready at the same select.
type gatedContext struct {
	context.Context
	gate chan struct{}
	done chan struct{}
}

func newGatedContext() *gatedContext {
	g := &gatedContext{Context: context.Background(), gate: make(chan struct{}), done: make(chan struct{})}
	close(g.done)
	return g
}

func (g *gatedContext) Done() <-chan struct{} {
	<-g.gate
	return g.done
}

func (g *gatedContext) Err() error { return context.Canceled }

func TestRequestResponseErrorRacingCancel(t *testing.T) {
	client, peer := rawServer(t, testConfig(nil), defaultAck())

	for i := 0; i < 10; i++ {
		ctx := newGatedContext()
		done := make(chan error, 1)
		go func() {
			_, err := client.RequestResponse(ctx, payload("q"))
			done <- err
		}()
		req := peer.expect(protocol.TypeRequestResponse)
		peer.send(protocol.ErrorFrame(req.StreamID, protocol.CodeApplicationError, "boom"))
		barrier(t, peer)
		close(ctx.gate)

		var rerr *protocol.RemoteError
		require.ErrorAs(t, <-done, &rerr, "attempt %d", i)
		assert.Equal(t, "boom", rerr.Message)
	}
	peer.expectNothing()
}

func TestFrameTooLargeFailsStream(t *testing.T) {
	cfg := testConfig(nil)
	cfg.MaxFrameSize = 1024
	client, peer := rawServer(t, cfg, defaultAck())
	ctx := testContext(t)

	flux, err := client.RequestStream(ctx, payload("s"), 4)
	require.NoError(t, err)
	req := peer.expect(protocol.TypeRequestStream)
	peer.send(on(req.StreamID, &protocol.Frame{Type: protocol.TypePayload, Flags: protocol.FlagNext, Data: make([]byte, 4096)}))
	peer.expect(protocol.TypeCancel)

	_, err = flux.Next(ctx)
	assert.ErrorIs(t, err, protocol.ErrFrameTooLarge)
	assert.False(t, client.Closed())
}

func TestConnectionLossFailsAllStreams(t *testing.T) {
	client, peer := rawServer(t, testConfig(nil), defaultAck())
	ctx := testContext(t)

	rr := make(chan error, 1)
	go func() {
		_, err := client.RequestResponse(ctx, payload("rr"))
		rr <- err
	}()
	peer.expect(protocol.TypeRequestResponse)
	flux, err := client.RequestStream(ctx, payload("s"), 4)
	require.NoError(t, err)
	peer.expect(protocol.TypeRequestStream)

	peer.conn.Close()

	assert.ErrorIs(t, <-rr, protocol.ErrTransport)
	_, err = flux.Next(ctx)
	assert.ErrorIs(t, err, protocol.ErrTransport)
	assert.ErrorIs(t, client.Err(), protocol.ErrTransport)
}

func TestFireAndForgetTransportError(t *testing.T) {
	client, peer := rawServer(t, testConfig(nil), defaultAck())
	peer.conn.Close()
	<-client.Done()

	err := client.FireAndForget(testContext(t), payload("lost"))
	assert.ErrorIs(t, err, protocol.ErrTransport)
}

func TestMalformedFrameSkipped(t *testing.T) {
	client, peer := rawServer(t, testConfig(nil), defaultAck())
	before := violations(metrics.ViolationMalformed)

	b, err := protocol.AppendFrame(nil, &protocol.Frame{StreamID: 1, Type: protocol.TypeCancel})
	require.NoError(t, err)
	b[3] = 0x3f // unknown frame type, length still valid
	_, err = peer.conn.Write(b)
	require.NoError(t, err)

	barrier(t, peer)
	assert.Equal(t, before+1, violations(metrics.ViolationMalformed))
	assert.False(t, client.Closed())
}

func TestLostFramingClosesConnection(t *testing.T) {
	client, peer := rawServer(t, testConfig(nil), defaultAck())

	_, err := peer.conn.Write([]byte("not a frame at all"))
	require.NoError(t, err)
	f := peer.expect(protocol.TypeError)
	assert.Equal(t, protocol.CodeConnectionError, f.ErrorCode)

	<-client.Done()
	var fe *protocol.FramingError
	assert.ErrorAs(t, client.Err(), &fe)
}

func TestKeepAliveEchoed(t *testing.T) {
	_, peer := rawServer(t, testConfig(nil), defaultAck())

	peer.send(&protocol.Frame{Type: protocol.TypeKeepAlive, Flags: protocol.FlagRespond, Data: []byte("ka")})
	f := peer.expect(protocol.TypeKeepAlive)
	assert.False(t, f.Flags.Has(protocol.FlagRespond))
	assert.Equal(t, "ka", string(f.Data))
}

func TestKeepAliveSentAndLifetimeEnforced(t *testing.T) {
	ack := defaultAck()
	ack.KeepAlive = 20 * time.Millisecond
	ack.MaxLifetime = 200 * time.Millisecond
	client, peer := rawServer(t, testConfig(nil), ack)

	f := peer.expect(protocol.TypeKeepAlive)
	assert.True(t, f.Flags.Has(protocol.FlagRespond))

	// never answered: the client gives up after MaxLifetime
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection outlived MaxLifetime")
	}
	assert.ErrorIs(t, client.Err(), protocol.ErrTransport)
}

func TestKeepAliveCadence(t *testing.T) {
	ack := defaultAck()
	ack.KeepAlive = 200 * time.Millisecond
	ack.MaxLifetime = 400 * time.Millisecond
	client, peer := rawServer(t, testConfig(nil), ack)

	// the lifetime check runs every 100ms; KEEPALIVE still goes out every 200ms
	var sent []time.Time
	deadline := time.After(700 * time.Millisecond)
collect:
	for {
		select {
		case f, ok := <-peer.frames:
			require.True(t, ok, "connection closed")
			require.Equal(t, protocol.TypeKeepAlive, f.Type)
			sent = append(sent, time.Now())
			peer.send(&protocol.Frame{Type: protocol.TypeKeepAlive})
		case <-deadline:
			break collect
		}
	}
	assert.False(t, client.Closed())
	require.GreaterOrEqual(t, len(sent), 2)
	assert.LessOrEqual(t, len(sent), 4)
	for i := 1; i < len(sent); i++ {
		assert.Greater(t, sent[i].Sub(sent[i-1]), 150*time.Millisecond)
	}
}

func TestConnectionErrorFromPeer(t *testing.T) {
	client, peer := rawServer(t, testConfig(nil), defaultAck())
	peer.send(protocol.ErrorFrame(0, protocol.CodeConnectionError, "bye"))
	<-client.Done()

	var rerr *protocol.RemoteError
	require.ErrorAs(t, client.Err(), &rerr)
	assert.Equal(t, "bye", rerr.Message)
}

func TestClientIncompatibleVersion(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	peer := newRawPeer(t, b)
	done := make(chan error, 1)
	go func() {
		_, err := Client(context.Background(), a, testConfig(nil))
		done <- err
	}()
	peer.expect(protocol.TypeSetup)
	peer.send(protocol.ErrorFrame(0, protocol.CodeUnsupportedSetup, "version 9 only"))
	assert.ErrorIs(t, <-done, protocol.ErrIncompatibleVersion)

	// a Setup answer with another major version is refused too
	a, b2 := net.Pipe()
	defer b2.Close()
	peer = newRawPeer(t, b2)
	go func() {
		_, err := Client(context.Background(), a, testConfig(nil))
		done <- err
	}()
	peer.expect(protocol.TypeSetup)
	peer.send(protocol.Setup{Major: protocol.MajorVersion + 1}.Frame())
	assert.ErrorIs(t, <-done, protocol.ErrIncompatibleVersion)
}

func TestServerRejectsIncompatibleVersion(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	peer := newRawPeer(t, a)
	done := make(chan error, 1)
	go func() {
		_, err := Server(context.Background(), b, testConfig(&echoResponder{}))
		done <- err
	}()
	peer.send(protocol.Setup{Major: protocol.MajorVersion + 1}.Frame())
	f := peer.expect(protocol.TypeError)
	assert.Equal(t, protocol.CodeUnsupportedSetup, f.ErrorCode)
	assert.ErrorIs(t, <-done, protocol.ErrIncompatibleVersion)
}

func TestServerNegotiatesCredit(t *testing.T) {
	a, b := net.Pipe()
	peer := newRawPeer(t, a)
	done := make(chan *Connection, 1)
	cfg := testConfig(&echoResponder{})
	cfg.InitialCredit = 32
	go func() {
		c, err := Server(context.Background(), b, cfg)
		assert.NoError(t, err)
		done <- c
	}()
	peer.send(protocol.Setup{Major: protocol.MajorVersion}.Frame())
	ack := peer.expect(protocol.TypeSetup)
	var got protocol.Setup
	require.NoError(t, got.UnmarshalBinary(ack.Data))
	assert.Equal(t, uint32(32), got.InitialCredit)

	server := <-done
	require.NotNil(t, server)
	defer server.close(protocol.ErrConnectionClosed)

	// the server is a working responder
	peer.send(&protocol.Frame{StreamID: 1, Type: protocol.TypeRequestResponse, Metadata: message.EncodeRoute("echo"), Data: []byte("hi")})
	resp := peer.expect(protocol.TypePayload)
	assert.Equal(t, uint32(1), resp.StreamID)
	assert.Equal(t, "hi", string(resp.Data))
	assert.True(t, resp.Flags.Has(protocol.FlagComplete))
}

func TestResponderChannelGrantsCredit(t *testing.T) {
	a, b := net.Pipe()
	peer := newRawPeer(t, a)
	done := make(chan *Connection, 1)
	go func() {
		c, _ := Server(context.Background(), b, testConfig(&echoResponder{}))
		done <- c
	}()
	peer.send(protocol.Setup{Major: protocol.MajorVersion, InitialCredit: 4}.Frame())
	peer.expect(protocol.TypeSetup)
	server := <-done
	require.NotNil(t, server)
	defer server.close(protocol.ErrConnectionClosed)

	peer.send(&protocol.Frame{StreamID: 1, Type: protocol.TypeRequestChannel, Flags: protocol.FlagNext, RequestN: 10, Data: []byte("x")})
	grant := peer.expect(protocol.TypeRequestN)
	assert.Equal(t, uint32(4), grant.RequestN)
	echo := peer.expect(protocol.TypePayload)
	assert.Equal(t, "x", string(echo.Data))

	peer.send(&protocol.Frame{StreamID: 1, Type: protocol.TypeComplete})
	peer.expect(protocol.TypeComplete)
	peer.expectNothing()
}
