// Package client is the requester-side API: it balances requests over a set
// of responder endpoints, keeps a pool of multiplexed connections per
// endpoint and encodes application values with the negotiated codec.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"mini-rsocket/codec"
	"mini-rsocket/config"
	"mini-rsocket/loadbalance"
	"mini-rsocket/message"
	"mini-rsocket/middleware"
	"mini-rsocket/transport"
)

// ErrClientClosed is returned by every call after Close.
var ErrClientClosed = errors.New("client closed")

type Client struct {
	cfg       transport.Config
	network   string
	endpoints []loadbalance.Endpoint
	balancer  loadbalance.Balancer
	codec     codec.Codec
	poolSize  int
	timeout   time.Duration // per attempt, 0 means only the caller's deadline
	log       *zap.Logger

	mu          sync.Mutex
	pools       map[string]*transport.Pool // addr → pool
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	closed      bool
}

// Option customizes a Client.
type Option func(*Client)

// WithBalancer selects the endpoint picking strategy (round robin by default).
func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) { c.balancer = b }
}

// WithCodec sets the codec announced at connection setup.
func WithCodec(t codec.CodecType) Option {
	return func(c *Client) { c.cfg.DataCodec = byte(t) }
}

// WithPoolSize sets how many connections are kept per endpoint.
func WithPoolSize(n int) Option {
	return func(c *Client) { c.poolSize = n }
}

// WithRequestTimeout bounds every Call that has no earlier deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithNetwork sets the dial network, "tcp" by default.
func WithNetwork(network string) Option {
	return func(c *Client) { c.network = network }
}

// New creates a client for endpoints. Connections are dialled on first use.
func New(endpoints []loadbalance.Endpoint, cfg transport.Config, opts ...Option) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, loadbalance.ErrNoEndpoints
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}
	c := &Client{
		cfg:       cfg,
		network:   "tcp",
		endpoints: append([]loadbalance.Endpoint(nil), endpoints...),
		poolSize:  1,
		pools:     make(map[string]*transport.Pool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.balancer == nil {
		c.balancer, _ = loadbalance.New(loadbalance.NameRoundRobin)
	}
	c.codec = codec.GetCodec(codec.CodecType(c.cfg.DataCodec))
	c.log = c.cfg.Logger.Named("client")
	c.handler = c.requestResponse
	return c, nil
}

// FromConfig builds a client from the loaded configuration.
func FromConfig(cfg *config.Config, logger *zap.Logger) (*Client, error) {
	bal, err := loadbalance.New(cfg.Balancer)
	if err != nil {
		return nil, err
	}
	tc := cfg.Transport()
	tc.Logger = logger
	c, err := New(cfg.Balancing(), tc,
		WithBalancer(bal),
		WithPoolSize(cfg.PoolSize),
		WithRequestTimeout(cfg.RequestTimeout),
		WithNetwork(cfg.Network))
	if err != nil {
		return nil, err
	}
	if cfg.Retry.Max > 0 {
		c.Use(middleware.RetryMiddleware(cfg.Retry.Max, cfg.Retry.BaseDelay, logger))
	}
	return c, nil
}

// Use adds a middleware around Call. The first one added runs outermost.
func (c *Client) Use(mw middleware.Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.middlewares = append(c.middlewares, mw)
	c.handler = middleware.Chain(c.middlewares...)(c.requestResponse)
}

// Codec returns the codec used for payload data.
func (c *Client) Codec() codec.Codec { return c.codec }

// Encode builds a payload for route from v.
func (c *Client) Encode(route string, v any) (message.Payload, error) {
	data, err := c.codec.Encode(v)
	if err != nil {
		return message.Payload{}, errors.Wrap(err, "encode")
	}
	return message.New(route, data), nil
}

// Decode decodes the data of p into v.
func (c *Client) Decode(p message.Payload, v any) error {
	return errors.Wrap(c.codec.Decode(p.Data, v), "decode")
}

// Call performs a request-response on route, encoding args and decoding the
// answer into reply (which may be nil).
func (c *Client) Call(ctx context.Context, route string, args, reply any) error {
	req, err := c.Encode(route, args)
	if err != nil {
		return err
	}
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	resp, err := h(ctx, req)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return c.Decode(resp, reply)
}

// requestResponse is the innermost handler of the Call chain. The request
// timeout applies to each attempt unless ctx already has a deadline.
func (c *Client) requestResponse(ctx context.Context, req message.Payload) (message.Payload, error) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	conn, err := c.conn(ctx, req.Route())
	if err != nil {
		return message.Payload{}, err
	}
	return conn.RequestResponse(ctx, req)
}

// Send fires args at route without waiting for any answer.
func (c *Client) Send(ctx context.Context, route string, args any) error {
	req, err := c.Encode(route, args)
	if err != nil {
		return err
	}
	conn, err := c.conn(ctx, route)
	if err != nil {
		return err
	}
	return conn.FireAndForget(ctx, req)
}

// Stream opens a request-stream on route. credit <= 0 uses the negotiated
// window. The stream lives until it ends, ctx is done or the Flux is
// cancelled.
func (c *Client) Stream(ctx context.Context, route string, args any, credit int64) (*transport.Flux, error) {
	req, err := c.Encode(route, args)
	if err != nil {
		return nil, err
	}
	conn, err := c.conn(ctx, route)
	if err != nil {
		return nil, err
	}
	return conn.RequestStream(ctx, req, credit)
}

// Channel opens a request-channel on route sending the items of out (see
// Encode) and returns the responder's items.
func (c *Client) Channel(ctx context.Context, route string, out <-chan message.Payload, credit int64) (*transport.Flux, error) {
	conn, err := c.conn(ctx, route)
	if err != nil {
		return nil, err
	}
	return conn.RequestChannel(ctx, message.EncodeRoute(route), out, credit)
}

// conn picks an endpoint for route and returns one of its connections.
func (c *Client) conn(ctx context.Context, route string) (*transport.Connection, error) {
	ep, err := c.balancer.Pick(c.endpoints, route)
	if err != nil {
		return nil, err
	}
	pool, err := c.pool(ep.Addr)
	if err != nil {
		return nil, err
	}
	return pool.Get(ctx)
}

func (c *Client) pool(addr string) (*transport.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if p, ok := c.pools[addr]; ok {
		return p, nil
	}
	p := transport.NewPool(addr, c.poolSize, func(ctx context.Context) (*transport.Connection, error) {
		c.log.Debug("dialing", zap.String("addr", addr))
		return transport.Dial(ctx, c.network, addr, c.cfg)
	})
	c.pools[addr] = p
	return p, nil
}

// Close closes every pooled connection. Streams still open fail.
func (c *Client) Close() error {
	c.mu.Lock()
	pools := c.pools
	c.pools = nil
	c.closed = true
	c.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
	return nil
}
