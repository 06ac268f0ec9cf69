// Package server implements the responder side: route registration,
// middleware, connection handling and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → transport.Server (SETUP handshake) → one multiplexed Connection
//	  → each stream opened by the peer runs its handler on its own goroutine
//	    → route lookup → Middleware Chain → handler (or reflect.Call) → response frames
package server

import (
	"context"
	"net"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"mini-rsocket/codec"
	"mini-rsocket/message"
	"mini-rsocket/middleware"
	"mini-rsocket/protocol"
	"mini-rsocket/transport"
)

// FireAndForgetHandler consumes a request that expects no answer.
type FireAndForgetHandler func(ctx context.Context, req message.Payload)

// StreamHandler emits any number of items with out; returning nil completes
// the stream.
type StreamHandler func(ctx context.Context, req message.Payload, out *transport.Sender) error

// ChannelHandler exchanges items in both directions. req is also the first
// item of in.
type ChannelHandler func(ctx context.Context, req message.Payload, in *transport.Flux, out *transport.Sender) error

var errShuttingDown = &protocol.RemoteError{Code: protocol.CodeRejected, Message: "server shutting down"}

// Server serves routes over any number of connections.
type Server struct {
	cfg transport.Config
	log *zap.Logger

	mu          sync.RWMutex
	serviceMap  map[string]*service // "Arith" → *service
	responses   map[string]middleware.HandlerFunc
	fireForget  map[string]FireAndForgetHandler
	streams     map[string]StreamHandler
	channels    map[string]ChannelHandler
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(...(dispatchResponse))

	listener net.Listener
	conns    map[*transport.Connection]struct{}
	wg       sync.WaitGroup // in-flight handlers
	shutdown atomic.Bool
}

// NewServer creates a server using cfg for every accepted connection.
func NewServer(cfg transport.Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}
	svr := &Server{
		cfg:        cfg,
		log:        cfg.Logger.Named("server"),
		serviceMap: make(map[string]*service),
		responses:  make(map[string]middleware.HandlerFunc),
		fireForget: make(map[string]FireAndForgetHandler),
		streams:    make(map[string]StreamHandler),
		channels:   make(map[string]ChannelHandler),
		conns:      make(map[*transport.Connection]struct{}),
	}
	svr.handler = svr.dispatchResponse
	svr.cfg.Responder = (*router)(svr)
	return svr
}

// Register exposes the suitable methods of rcvr (e.g. &Arith{}) as
// request-response routes named "Arith.Add".
func (svr *Server) Register(rcvr any) error {
	svc, err := NewService(rcvr)
	if err != nil {
		return err
	}
	svr.mu.Lock()
	svr.serviceMap[svc.name] = svc
	svr.mu.Unlock()
	return nil
}

// HandleResponse routes request-response requests for route to h.
func (svr *Server) HandleResponse(route string, h middleware.HandlerFunc) {
	svr.mu.Lock()
	svr.responses[route] = h
	svr.mu.Unlock()
}

// HandleFireAndForget routes fire-and-forget requests for route to h.
func (svr *Server) HandleFireAndForget(route string, h FireAndForgetHandler) {
	svr.mu.Lock()
	svr.fireForget[route] = h
	svr.mu.Unlock()
}

// HandleStream routes request-stream requests for route to h.
func (svr *Server) HandleStream(route string, h StreamHandler) {
	svr.mu.Lock()
	svr.streams[route] = h
	svr.mu.Unlock()
}

// HandleChannel routes request-channel requests for route to h.
func (svr *Server) HandleChannel(route string, h ChannelHandler) {
	svr.mu.Lock()
	svr.channels[route] = h
	svr.mu.Unlock()
}

// Use registers a middleware around request-response handlers. Middlewares
// are applied in the order they are added:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.middlewares = append(svr.middlewares, mw)
	svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatchResponse)
}

// Serve listens on address and serves until Shutdown.
func (svr *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener)
}

// ServeListener accepts connections from l until Shutdown.
func (svr *Server) ServeListener(l net.Listener) error {
	svr.mu.Lock()
	svr.listener = l
	svr.mu.Unlock()
	svr.log.Info("serving", zap.Stringer("addr", l.Addr()))

	for {
		conn, err := l.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept error is expected.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// Addr returns the listening address, or nil before Serve.
func (svr *Server) Addr() net.Addr {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// handleConn runs the handshake and keeps the connection registered until it
// closes.
func (svr *Server) handleConn(conn net.Conn) {
	c, err := transport.Server(context.Background(), conn, svr.cfg)
	if err != nil {
		svr.log.Warn("handshake failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		conn.Close()
		return
	}
	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		c.Close()
		return
	}
	svr.conns[c] = struct{}{}
	svr.mu.Unlock()
	svr.log.Debug("connection accepted", zap.String("conn", c.ID()), zap.Stringer("remote", conn.RemoteAddr()))

	<-c.Done()
	svr.mu.Lock()
	delete(svr.conns, c)
	svr.mu.Unlock()
}

// Shutdown performs graceful shutdown:
//  1. Set shutdown flag (so Accept error is recognized as intentional and new
//     streams are rejected)
//  2. Close the listener (stop accepting new connections)
//  3. Wait for in-flight handlers to finish and their responses to be
//     queued (with timeout)
//  4. Close every connection
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.Lock()
	svr.shutdown.Store(true)
	if svr.listener != nil {
		svr.listener.Close()
	}
	svr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		// Let each connection queue the responses of finished handlers.
		for _, c := range svr.connections() {
			<-c.Idle()
		}
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.New("timeout waiting for ongoing requests to finish")
	}

	for _, c := range svr.connections() {
		c.Close()
	}
	return err
}

func (svr *Server) connections() []*transport.Connection {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	conns := make([]*transport.Connection, 0, len(svr.conns))
	for c := range svr.conns {
		conns = append(conns, c)
	}
	return conns
}

// enter tracks a handler for graceful shutdown. It checks the flag under mu,
// which Shutdown holds while setting it, so no Add follows the Wait.
func (svr *Server) enter() bool {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.wg.Add(1)
	return true
}

func unknownRoute(route string) error {
	return &protocol.RemoteError{Code: protocol.CodeInvalid, Message: "no handler for route " + strconv.Quote(route)}
}

// dispatchResponse is the innermost request-response handler: a registered
// route, or "Service.Method" through reflection.
//
// Flow for services: parse "Service.Method" → find service → find method →
// reflect.New(args) → codec.Decode(data, args) → reflect.Call →
// codec.Encode(reply)
func (svr *Server) dispatchResponse(ctx context.Context, req message.Payload) (message.Payload, error) {
	route := req.Route()
	svr.mu.RLock()
	h := svr.responses[route]
	var (
		svc    *service
		method *methodType
	)
	if serviceName, methodName, ok := strings.Cut(route, "."); ok && h == nil {
		if svc = svr.serviceMap[serviceName]; svc != nil {
			method = svc.method[methodName]
		}
	}
	svr.mu.RUnlock()

	if h != nil {
		return h(ctx, req)
	}
	if method == nil {
		return message.Payload{}, unknownRoute(route)
	}

	cdc := codec.GetCodec(codec.CodecType(svr.cfg.DataCodec))
	if c, ok := transport.ConnectionFrom(ctx); ok {
		cdc = codec.GetCodec(codec.CodecType(c.Setup().DataCodec))
	}

	argv := reflect.New(method.ArgType)
	replyv := reflect.New(method.ReplyType)
	if err := cdc.Decode(req.Data, argv.Interface()); err != nil {
		return message.Payload{}, &protocol.RemoteError{Code: protocol.CodeInvalid, Message: "decode args: " + err.Error()}
	}
	if err := svc.Call(ctx, method, argv, replyv); err != nil {
		return message.Payload{}, err
	}
	data, err := cdc.Encode(replyv.Interface())
	if err != nil {
		return message.Payload{}, errors.Wrap(err, "encode reply")
	}
	return message.Payload{Metadata: req.Metadata, Data: data}, nil
}

// router adapts the server to transport.Responder.
type router Server

func (r *router) server() *Server { return (*Server)(r) }

func (r *router) FireAndForget(ctx context.Context, p message.Payload) {
	svr := r.server()
	if !svr.enter() {
		return
	}
	defer svr.wg.Done()
	svr.mu.RLock()
	h := svr.fireForget[p.Route()]
	svr.mu.RUnlock()
	if h == nil {
		svr.log.Warn("dropping fire-and-forget for unknown route", zap.String("route", p.Route()))
		return
	}
	h(ctx, p)
}

func (r *router) RequestResponse(ctx context.Context, p message.Payload) (message.Payload, error) {
	svr := r.server()
	if !svr.enter() {
		return message.Payload{}, errShuttingDown
	}
	defer svr.wg.Done()
	svr.mu.RLock()
	h := svr.handler
	svr.mu.RUnlock()
	return h(ctx, p)
}

func (r *router) RequestStream(ctx context.Context, p message.Payload, out *transport.Sender) error {
	svr := r.server()
	if !svr.enter() {
		return errShuttingDown
	}
	defer svr.wg.Done()
	svr.mu.RLock()
	h := svr.streams[p.Route()]
	svr.mu.RUnlock()
	if h == nil {
		return unknownRoute(p.Route())
	}
	return h(ctx, p, out)
}

func (r *router) RequestChannel(ctx context.Context, p message.Payload, in *transport.Flux, out *transport.Sender) error {
	svr := r.server()
	if !svr.enter() {
		return errShuttingDown
	}
	defer svr.wg.Done()
	svr.mu.RLock()
	h := svr.channels[p.Route()]
	svr.mu.RUnlock()
	if h == nil {
		return unknownRoute(p.Route())
	}
	return h(ctx, p, in, out)
}
