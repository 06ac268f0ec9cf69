package server

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mini-rsocket/codec"
	"mini-rsocket/message"
	"mini-rsocket/middleware"
	"mini-rsocket/protocol"
	"mini-rsocket/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Div(ctx context.Context, args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

// not a route: wrong shape
func (a *Arith) Helper(x int) int { return x }

func testConfig() transport.Config {
	cfg := transport.DefaultConfig()
	cfg.KeepAlive = 0
	cfg.MaxLifetime = 0
	cfg.Logger = zap.NewNop()
	return cfg
}

func startServer(t *testing.T, setup func(svr *Server)) (*Server, string) {
	svr := NewServer(testConfig())
	if setup != nil {
		setup(svr)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- svr.ServeListener(l) }()
	t.Cleanup(func() {
		svr.Shutdown(time.Second)
		assert.NoError(t, <-served)
	})
	return svr, l.Addr().String()
}

func dial(t *testing.T, addr string, cfg transport.Config) *transport.Connection {
	c, err := transport.Dial(context.Background(), "tcp", addr, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func call(t *testing.T, c *transport.Connection, route string, cdc codec.Codec, args, reply any) error {
	data, err := cdc.Encode(args)
	require.NoError(t, err)
	resp, err := c.RequestResponse(testContext(t), message.New(route, data))
	if err != nil {
		return err
	}
	return cdc.Decode(resp.Data, reply)
}

func TestNewServiceFiltersMethods(t *testing.T) {
	svc, err := NewService(&Arith{})
	require.NoError(t, err)
	assert.Equal(t, "Arith", svc.name)
	assert.Contains(t, svc.method, "Add")
	assert.Contains(t, svc.method, "Div")
	assert.NotContains(t, svc.method, "Helper")
	assert.True(t, svc.method["Div"].withCtx)

	_, err = NewService(Arith{})
	assert.Error(t, err)
	_, err = NewService(new(int))
	assert.Error(t, err)
}

func TestServiceCall(t *testing.T) {
	_, addr := startServer(t, func(svr *Server) {
		require.NoError(t, svr.Register(&Arith{}))
	})
	c := dial(t, addr, testConfig())
	cdc := codec.GetCodec(codec.CodecTypeJSON)

	var reply Reply
	require.NoError(t, call(t, c, "Arith.Add", cdc, &Args{A: 1, B: 2}, &reply))
	assert.Equal(t, 3, reply.Result)

	require.NoError(t, call(t, c, "Arith.Div", cdc, &Args{A: 9, B: 3}, &reply))
	assert.Equal(t, 3, reply.Result)

	err := call(t, c, "Arith.Div", cdc, &Args{A: 1}, &reply)
	var rerr *protocol.RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, protocol.CodeApplicationError, rerr.Code)
	assert.Equal(t, "divide by zero", rerr.Message)

	err = call(t, c, "Arith.Mul", cdc, &Args{}, &reply)
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, protocol.CodeInvalid, rerr.Code)
}

func TestServiceCallNegotiatedCodec(t *testing.T) {
	_, addr := startServer(t, func(svr *Server) {
		require.NoError(t, svr.Register(&Arith{}))
	})
	cfg := testConfig()
	cfg.DataCodec = byte(codec.CodecTypeCBOR)
	c := dial(t, addr, cfg)

	var reply Reply
	require.NoError(t, call(t, c, "Arith.Add", codec.GetCodec(codec.CodecTypeCBOR), &Args{A: 20, B: 22}, &reply))
	assert.Equal(t, 42, reply.Result)
}

func TestRoutes(t *testing.T) {
	fired := make(chan string, 1)
	_, addr := startServer(t, func(svr *Server) {
		svr.HandleResponse("echo", func(_ context.Context, req message.Payload) (message.Payload, error) {
			return req, nil
		})
		svr.HandleFireAndForget("log", func(_ context.Context, req message.Payload) {
			fired <- string(req.Data)
		})
		svr.HandleStream("count", func(ctx context.Context, req message.Payload, out *transport.Sender) error {
			n, err := strconv.Atoi(string(req.Data))
			if err != nil {
				return err
			}
			for i := 1; i <= n; i++ {
				if err := out.Send(ctx, message.Payload{Data: []byte(strconv.Itoa(i))}); err != nil {
					return err
				}
			}
			return nil
		})
		svr.HandleChannel("upper", func(ctx context.Context, _ message.Payload, in *transport.Flux, out *transport.Sender) error {
			for p, err := range in.All(ctx) {
				if err != nil {
					return err
				}
				if err := out.Send(ctx, message.Payload{Data: append([]byte("!"), p.Data...)}); err != nil {
					return err
				}
			}
			return nil
		})
	})
	c := dial(t, addr, testConfig())
	ctx := testContext(t)

	resp, err := c.RequestResponse(ctx, message.New("echo", []byte("hi")))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(resp.Data))

	require.NoError(t, c.FireAndForget(ctx, message.New("log", []byte("event"))))
	select {
	case got := <-fired:
		assert.Equal(t, "event", got)
	case <-ctx.Done():
		t.Fatal("fire-and-forget not handled")
	}

	flux, err := c.RequestStream(ctx, message.New("count", []byte("4")), 0)
	require.NoError(t, err)
	items, err := flux.Collect(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 4)
	assert.Equal(t, "4", string(items[3].Data))

	out := make(chan message.Payload, 2)
	out <- message.Payload{Data: []byte("a")}
	out <- message.Payload{Data: []byte("b")}
	close(out)
	flux, err = c.RequestChannel(ctx, message.EncodeRoute("upper"), out, 0)
	require.NoError(t, err)
	items, err = flux.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "!a", string(items[0].Data))
	assert.Equal(t, "!b", string(items[1].Data))

	flux, err = c.RequestStream(ctx, message.New("missing", nil), 0)
	require.NoError(t, err)
	_, err = flux.Next(ctx)
	var rerr *protocol.RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, protocol.CodeInvalid, rerr.Code)
}

func TestMiddleware(t *testing.T) {
	_, addr := startServer(t, func(svr *Server) {
		svr.HandleResponse("echo", func(_ context.Context, req message.Payload) (message.Payload, error) {
			return req, nil
		})
		svr.Use(middleware.LoggingMiddleware(zap.NewNop()))
		svr.Use(middleware.RateLimitMiddleware(0.001, 1))
	})
	c := dial(t, addr, testConfig())
	ctx := testContext(t)

	_, err := c.RequestResponse(ctx, message.New("echo", nil))
	require.NoError(t, err)

	_, err = c.RequestResponse(ctx, message.New("echo", nil))
	var rerr *protocol.RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, protocol.CodeRejected, rerr.Code)
}

func TestGracefulShutdown(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	svr := NewServer(testConfig())
	svr.HandleResponse("slow", func(_ context.Context, req message.Payload) (message.Payload, error) {
		close(started)
		<-release
		return message.Payload{Data: []byte("done")}, nil
	})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- svr.ServeListener(l) }()

	c := dial(t, l.Addr().String(), testConfig())
	ctx := testContext(t)
	result := make(chan error, 1)
	go func() {
		resp, err := c.RequestResponse(ctx, message.New("slow", nil))
		if err == nil && string(resp.Data) != "done" {
			err = errors.New("unexpected response")
		}
		result <- err
	}()
	<-started

	shut := make(chan error, 1)
	go func() { shut <- svr.Shutdown(2 * time.Second) }()
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.NoError(t, <-result)
	require.NoError(t, <-shut)
	require.NoError(t, <-served)

	<-c.Done()
	_, err = transport.Dial(ctx, "tcp", l.Addr().String(), testConfig())
	assert.Error(t, err)
}

func TestShutdownTimeout(t *testing.T) {
	started := make(chan struct{})
	svr := NewServer(testConfig())
	svr.HandleResponse("stuck", func(ctx context.Context, _ message.Payload) (message.Payload, error) {
		close(started)
		time.Sleep(300 * time.Millisecond)
		return message.Payload{}, nil
	})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(l)

	c := dial(t, l.Addr().String(), testConfig())
	go c.RequestResponse(context.Background(), message.New("stuck", nil))
	<-started
	assert.Error(t, svr.Shutdown(50*time.Millisecond))
}

func TestShutdownDuringRequests(t *testing.T) {
	svr := NewServer(testConfig())
	svr.HandleResponse("echo", func(_ context.Context, req message.Payload) (message.Payload, error) {
		return req, nil
	})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- svr.ServeListener(l) }()

	c := dial(t, l.Addr().String(), testConfig())
	ctx := testContext(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				resp, err := c.RequestResponse(ctx, message.New("echo", []byte("x")))
				if err != nil {
					return
				}
				if !assert.Equal(t, "x", string(resp.Data)) {
					return
				}
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, svr.Shutdown(2*time.Second))
	wg.Wait()
	require.NoError(t, <-served)
	assert.False(t, svr.enter(), "no handler may start after shutdown")
}
