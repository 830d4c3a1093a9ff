// Package client is the Go side of a swiboe client: one connection to the
// broker over which it offers RPCs to other clients and calls theirs.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/igxactly-forks/swiboe/codec"
	"github.com/igxactly-forks/swiboe/loadbalance"
	"github.com/igxactly-forks/swiboe/message"
	"github.com/igxactly-forks/swiboe/middleware"
	"github.com/igxactly-forks/swiboe/protocol"
	"github.com/igxactly-forks/swiboe/registry"
	"github.com/igxactly-forks/swiboe/rpc"
	"github.com/igxactly-forks/swiboe/transport"
)

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("client: closed")
	// ErrRPCExists is returned by NewRPC for a name this client already offers.
	ErrRPCExists = errors.New("client: rpc already registered")
)

const DefaultDialTimeout = 5 * time.Second

type options struct {
	codec       codec.CodecType
	logger      *zap.Logger
	heartbeat   time.Duration
	dialTimeout time.Duration
	retries     int
	retryDelay  time.Duration
	middlewares []middleware.Middleware
}

// Option configures Connect.
type Option func(*options)

func WithCodec(codecType codec.CodecType) Option {
	return func(o *options) { o.codec = codecType }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHeartbeat sets the heartbeat interval; zero disables heartbeats.
func WithHeartbeat(interval time.Duration) Option {
	return func(o *options) { o.heartbeat = interval }
}

func WithDialTimeout(timeout time.Duration) Option {
	return func(o *options) { o.dialTimeout = timeout }
}

// WithDialRetry retries a failed dial up to retries times, doubling the delay
// after each attempt.
func WithDialRetry(retries int, baseDelay time.Duration) Option {
	return func(o *options) {
		o.retries = retries
		o.retryDelay = baseDelay
	}
}

// WithMiddleware wraps every handler this client runs. The first middleware
// is the outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

// Client is a live connection to a broker.
type Client struct {
	addr      string
	transport *transport.ClientTransport
	logger    *zap.Logger
	chain     middleware.Middleware

	mu   sync.RWMutex
	rpcs map[string]rpc.Handler

	ctx    context.Context // Cancelled by Close; handed to running handlers
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup // Running handlers
	gate   sync.RWMutex   // Read-held while a handler runs; Close write-locks it to wait them out
}

// Connect dials the broker listening on the unix socket at path.
func Connect(path string, opts ...Option) (*Client, error) {
	o := options{
		codec:       codec.CodecTypeJSON,
		logger:      zap.NewNop(),
		heartbeat:   transport.DefaultHeartbeatInterval,
		dialTimeout: DefaultDialTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	conn, err := dial(path, &o)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		addr:   path,
		logger: o.logger.With(zap.String("broker", path)),
		chain:  middleware.Chain(o.middlewares...),
		rpcs:   make(map[string]rpc.Handler),
		ctx:    ctx,
		cancel: cancel,
	}
	c.transport = transport.NewClientTransport(conn, o.codec,
		transport.WithInvokeFunc(c.onInvoke),
		transport.WithHeartbeat(o.heartbeat),
		transport.WithLogger(c.logger),
	)
	c.logger.Debug("Connected to broker", zap.Stringer("codec", o.codec))
	return c, nil
}

// Discover picks one of the brokers advertised under name and connects to it.
func Discover(ctx context.Context, reg registry.Registry, name string, bal loadbalance.Balancer, opts ...Option) (*Client, error) {
	instances, err := reg.Discover(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", name, err)
	}
	instance, err := bal.Pick(instances)
	if err != nil {
		return nil, fmt.Errorf("pick broker for %s: %w", name, err)
	}
	return Connect(instance.Addr, opts...)
}

func dial(path string, o *options) (net.Conn, error) {
	delay := o.retryDelay
	var err error
	for attempt := 0; ; attempt++ {
		var conn net.Conn
		conn, err = net.DialTimeout("unix", path, o.dialTimeout)
		if err == nil {
			return conn, nil
		}
		if attempt >= o.retries {
			break
		}
		o.logger.Debug("Dial failed, retrying",
			zap.String("broker", path),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		time.Sleep(delay)
		delay *= 2
	}
	return nil, fmt.Errorf("connect to %s: %w", path, err)
}

// NewRPC offers h under name. It returns once the broker acknowledged the
// registration.
func (c *Client) NewRPC(name string, h rpc.Handler) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.mu.Lock()
	if _, exists := c.rpcs[name]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRPCExists, name)
	}
	c.rpcs[name] = h
	c.mu.Unlock()

	err := c.register(name, h.Priority())
	if err != nil {
		c.mu.Lock()
		delete(c.rpcs, name)
		c.mu.Unlock()
		return err
	}

	c.logger.Debug("Registered rpc", zap.String("function", name), zap.Uint16("priority", h.Priority()))
	return nil
}

func (c *Client) register(name string, priority uint16) error {
	_, ch, err := c.transport.Send(protocol.MsgTypeRegister, &message.RPCMessage{Function: name, Priority: priority})
	if err != nil {
		return c.sendErr(err)
	}
	result, err := rpc.ResultFromMessage(<-ch)
	if err != nil {
		return err
	}
	if result.IsOK() {
		return nil
	}
	if rerr, ok := result.Err().(*rpc.Error); ok && rerr.Kind == rpc.ErrorKindIo {
		return fmt.Errorf("register %s: %w", name, transport.ErrClosed)
	}
	return fmt.Errorf("register %s: %w", name, result.Err())
}

// Call invokes function through the broker and waits for its result. args
// is marshaled to JSON unless it already is a json.RawMessage. A broken
// connection is reported as an error, everything the broker answered as a
// Result.
func (c *Client) Call(ctx context.Context, function string, args any) (rpc.Result, error) {
	if c.closed.Load() {
		return rpc.Result{}, ErrClosed
	}

	payload, ok := args.(json.RawMessage)
	if !ok {
		var err error
		if payload, err = json.Marshal(args); err != nil {
			return rpc.Result{}, fmt.Errorf("marshal args for %s: %w", function, err)
		}
	}

	seq, ch, err := c.transport.Send(protocol.MsgTypeRequest, &message.RPCMessage{Function: function, Payload: payload})
	if err != nil {
		return rpc.Result{}, c.sendErr(err)
	}

	select {
	case resp := <-ch:
		result, err := rpc.ResultFromMessage(resp)
		if err != nil {
			return rpc.Result{}, err
		}
		if rerr, ok := result.Err().(*rpc.Error); ok && rerr.Kind == rpc.ErrorKindIo {
			return rpc.Result{}, fmt.Errorf("call %s: %w", function, transport.ErrClosed)
		}
		return result, nil
	case <-ctx.Done():
		c.transport.Forget(seq)
		return rpc.Result{}, ctx.Err()
	}
}

// onInvoke runs on the transport's recv goroutine, so the handler gets its own.
func (c *Client) onInvoke(msg *message.RPCMessage) {
	if c.closed.Load() {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatch(msg)
	}()
}

func (c *Client) dispatch(msg *message.RPCMessage) {
	c.gate.RLock()
	defer c.gate.RUnlock()
	if c.closed.Load() {
		return
	}

	call := rpc.NewContext(msg.Context, msg.Function, c.finisher(msg.Context))
	logger := c.logger.With(zap.String("function", msg.Function), zap.String("context", msg.Context))

	c.mu.RLock()
	h, ok := c.rpcs[msg.Function]
	c.mu.RUnlock()
	if !ok {
		logger.Warn("Invoked for an rpc this client does not offer")
		call.Finish(rpc.NotHandled())
		return
	}

	err := c.chain(middleware.Handler(h))(c.ctx, call, msg.Payload)
	if call.Finished() {
		if err != nil {
			logger.Debug("Handler returned an error after finishing", zap.Error(err))
		}
		return
	}

	result := rpc.Failuref(rpc.ErrorKindInternal, "handler returned without finishing the call")
	if err != nil {
		logger.Error("Handler failed", zap.Error(err))
		result = rpc.Failuref(rpc.ErrorKindInternal, "%v", err)
	}
	if err := call.Finish(result); err != nil && !errors.Is(err, transport.ErrClosed) {
		logger.Warn("Failed to finish call", zap.Error(err))
	}
}

func (c *Client) finisher(contextID string) rpc.Finisher {
	return func(result rpc.Result) error {
		msg := &message.RPCMessage{Context: contextID}
		result.Fill(msg)
		return c.transport.Notify(protocol.MsgTypeFinish, msg)
	}
}

func (c *Client) sendErr(err error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return err
}

// Close disconnects from the broker. Handlers already running see their
// context cancelled and Close waits for them to return; no handler starts
// once Close has returned. Close must not be called from one of this
// client's own handlers. Calling Close again is a no-op.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	err := c.transport.Close()

	c.gate.Lock()
	// Empty section: waits for running handlers, later ones see closed.
	c.gate.Unlock()

	c.logger.Debug("Disconnected from broker")
	return err
}

// Wait blocks until every handler started before Close has returned.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Done is closed when the connection to the broker is gone.
func (c *Client) Done() <-chan struct{} {
	return c.transport.Done()
}

// Addr returns the socket path of the broker.
func (c *Client) Addr() string {
	return c.addr
}
