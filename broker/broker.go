// Package broker implements the process clients connect to. It keeps the
// handlers every client registered, ordered by priority, and routes each call
// to them one after the other until one finishes it with something other than
// not-handled.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  Register → insert into rpcs[name] by priority → Response(ack)
//	  Request  → new call context → Invoke on the first live handler
//	  Finish   → NotHandled: Invoke on the next handler
//	             Ok / Err:   Response to the caller
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/igxactly-forks/swiboe/codec"
	"github.com/igxactly-forks/swiboe/message"
	"github.com/igxactly-forks/swiboe/protocol"
	"github.com/igxactly-forks/swiboe/registry"
	"github.com/igxactly-forks/swiboe/rpc"
)

// DefaultTTL is the lease, in seconds, of the registry entry of a broker.
const DefaultTTL = 10

// registration is one handler offered by one client.
type registration struct {
	conn     *conn
	name     string
	priority uint16
}

// call is a Request being routed through the candidates of its function.
type call struct {
	id         string
	function   string
	args       []byte
	caller     *conn
	callerSeq  uint32
	candidates []*registration // Snapshot taken when the call arrived
	next       int             // Index of the next candidate to try
	current    *registration   // Candidate currently holding the call
}

// Broker routes calls between connected clients.
type Broker struct {
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	rpcs     map[string][]*registration // Sorted by ascending priority, then registration order
	calls    map[string]*call           // In-flight calls by context id
	conns    map[*conn]struct{}
	nextConn uint64

	wg       sync.WaitGroup // Tracks connection goroutines for Shutdown
	shutdown atomic.Bool    // Set during shutdown to suppress Accept errors

	registry   registry.Registry // nil unless the broker advertises itself
	name       string
	ttl        int64
	weight     int
	stopAdvert context.CancelFunc
	advertAddr string
}

// Option configures a Broker.
type Option func(*Broker)

func WithLogger(logger *zap.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

// WithRegistry makes the broker advertise its socket path under name while
// it runs.
func WithRegistry(reg registry.Registry, name string, ttl int64) Option {
	return func(b *Broker) {
		b.registry = reg
		b.name = name
		b.ttl = ttl
	}
}

// WithWeight sets the load-balancing weight advertised to the registry.
func WithWeight(weight int) Option {
	return func(b *Broker) { b.weight = weight }
}

// New creates a broker with no registered handlers.
func New(opts ...Option) *Broker {
	b := &Broker{
		logger: zap.NewNop(),
		rpcs:   make(map[string][]*registration),
		calls:  make(map[string]*call),
		conns:  make(map[*conn]struct{}),
		ttl:    DefaultTTL,
		weight: 1,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Serve listens on address and handles connections until Shutdown.
func (b *Broker) Serve(network, address string) error {
	if err := b.Listen(network, address); err != nil {
		return err
	}
	return b.Accept()
}

// Listen binds the listener and advertises the broker, without accepting yet.
// A stale unix socket file left by a crashed broker is removed first.
func (b *Broker) Listen(network, address string) error {
	if network == "unix" {
		if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale socket %s: %w", address, err)
		}
	}

	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.listener = listener
	b.mu.Unlock()

	if b.registry != nil {
		ctx, cancel := context.WithCancel(context.Background())
		b.stopAdvert = cancel
		b.advertAddr = listener.Addr().String()
		err := b.registry.Register(ctx, b.name, registry.BrokerInstance{
			Addr:   b.advertAddr,
			Weight: b.weight,
		}, b.ttl)
		if err != nil {
			cancel()
			listener.Close()
			return fmt.Errorf("advertise broker %s: %w", b.name, err)
		}
	}

	b.logger.Info("Broker listening", zap.String("network", network), zap.String("address", listener.Addr().String()))
	return nil
}

// Accept runs the accept loop, one goroutine per connection.
func (b *Broker) Accept() error {
	b.mu.Lock()
	listener := b.listener
	b.mu.Unlock()
	if listener == nil {
		return errors.New("broker: Accept called before Listen")
	}

	for {
		nc, err := listener.Accept()
		if err != nil {
			if b.shutdown.Load() {
				return nil
			}
			return err
		}

		b.mu.Lock()
		if b.shutdown.Load() {
			b.mu.Unlock()
			nc.Close()
			return nil
		}
		b.nextConn++
		c := newConn(nc, b.nextConn)
		b.conns[c] = struct{}{}
		b.wg.Add(1)
		b.mu.Unlock()

		go b.handleConn(c)
	}
}

// Addr returns the listen address, or "" before Listen.
func (b *Broker) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// handleConn reads frames sequentially from one client.
func (b *Broker) handleConn(c *conn) {
	defer b.wg.Done()
	defer b.dropConn(c)

	logger := b.logger.With(zap.Uint64("conn", c.id))
	logger.Debug("Client connected")

	for {
		header, body, err := protocol.Decode(c)
		if err != nil {
			logger.Debug("Client disconnected", zap.Error(err))
			return
		}

		c.codec.Store(uint32(header.CodecType))
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		msg := &message.RPCMessage{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, msg); err != nil {
			logger.Warn("Dropping undecodable frame", zap.Stringer("msgType", header.MsgType), zap.Error(err))
			continue
		}

		switch header.MsgType {
		case protocol.MsgTypeRegister:
			b.register(c, header.Seq, msg)
		case protocol.MsgTypeRequest:
			b.request(c, header.Seq, msg)
		case protocol.MsgTypeFinish:
			b.finish(c, msg)
		default:
			logger.Warn("Unexpected frame from client", zap.Stringer("msgType", header.MsgType))
		}
	}
}

func (b *Broker) register(c *conn, seq uint32, msg *message.RPCMessage) {
	result := rpc.Success(nil)
	if msg.Function == "" {
		result = rpc.Failuref(rpc.ErrorKindInvalidArgs, "empty rpc name")
	} else {
		b.mu.Lock()
		list := b.rpcs[msg.Function]
		for _, reg := range list {
			if reg.conn == c {
				result = rpc.Failuref(rpc.ErrorKindRPCAlreadyRegistered, "%s", msg.Function)
				break
			}
		}
		if result.IsOK() {
			list = append(list, &registration{conn: c, name: msg.Function, priority: msg.Priority})
			// Stable: equal priorities keep registration order.
			sort.SliceStable(list, func(i, j int) bool { return list[i].priority < list[j].priority })
			b.rpcs[msg.Function] = list
		}
		b.mu.Unlock()
	}

	b.logger.Debug("Register",
		zap.Uint64("conn", c.id),
		zap.String("function", msg.Function),
		zap.Uint16("priority", msg.Priority),
		zap.Stringer("result", result.Kind))
	b.respond(c, seq, result)
}

func (b *Broker) request(c *conn, seq uint32, msg *message.RPCMessage) {
	b.mu.Lock()
	candidates := append([]*registration(nil), b.rpcs[msg.Function]...)
	if len(candidates) == 0 {
		b.mu.Unlock()
		b.respond(c, seq, rpc.Failuref(rpc.ErrorKindUnknownRPC, "no handler registered for %s", msg.Function))
		return
	}
	cl := &call{
		id:         xid.New().String(),
		function:   msg.Function,
		args:       msg.Payload,
		caller:     c,
		callerSeq:  seq,
		candidates: candidates,
	}
	b.calls[cl.id] = cl
	b.mu.Unlock()

	b.logger.Debug("Call", zap.String("function", cl.function), zap.String("context", cl.id), zap.Int("candidates", len(candidates)))
	b.advance(cl, nil)
}

// advance hands cl to its next live candidate, provided the candidate holding
// it is still from. It answers NotHandled once the candidates are exhausted.
func (b *Broker) advance(cl *call, from *registration) {
	for {
		b.mu.Lock()
		if b.calls[cl.id] != cl || cl.current != from {
			b.mu.Unlock()
			return
		}
		for cl.next < len(cl.candidates) && !cl.candidates[cl.next].conn.alive() {
			cl.next++
		}
		if cl.next >= len(cl.candidates) {
			delete(b.calls, cl.id)
			b.mu.Unlock()
			b.reply(cl, rpc.NotHandled())
			return
		}
		reg := cl.candidates[cl.next]
		cl.next++
		cl.current = reg
		b.mu.Unlock()

		err := reg.conn.send(protocol.MsgTypeInvoke, 0, &message.RPCMessage{
			Function: cl.function,
			Context:  cl.id,
			Payload:  cl.args,
		})
		if err == nil {
			return
		}
		b.logger.Debug("Invoke failed, trying next handler", zap.String("context", cl.id), zap.Uint64("conn", reg.conn.id), zap.Error(err))
		from = reg
	}
}

func (b *Broker) finish(c *conn, msg *message.RPCMessage) {
	result, err := rpc.ResultFromMessage(msg)
	if err != nil {
		result = rpc.Failuref(rpc.ErrorKindInternal, "handler sent %v", err)
	}

	b.mu.Lock()
	cl, ok := b.calls[msg.Context]
	if !ok || cl.current == nil || cl.current.conn != c {
		b.mu.Unlock()
		b.logger.Debug("Ignoring finish for unknown context", zap.String("context", msg.Context), zap.Uint64("conn", c.id))
		return
	}
	if result.IsNotHandled() {
		from := cl.current
		b.mu.Unlock()
		b.advance(cl, from)
		return
	}
	delete(b.calls, cl.id)
	b.mu.Unlock()

	b.reply(cl, result)
}

func (b *Broker) reply(cl *call, result rpc.Result) {
	b.logger.Debug("Call finished", zap.String("context", cl.id), zap.String("function", cl.function), zap.Stringer("result", result.Kind))
	b.respond(cl.caller, cl.callerSeq, result)
}

func (b *Broker) respond(c *conn, seq uint32, result rpc.Result) {
	msg := &message.RPCMessage{}
	result.Fill(msg)
	if err := c.send(protocol.MsgTypeResponse, seq, msg); err != nil {
		b.logger.Debug("Failed to send response", zap.Uint64("conn", c.id), zap.Error(err))
	}
}

// dropConn forgets everything a departed client registered or asked for, and
// moves the calls it was serving on to their next candidate.
func (b *Broker) dropConn(c *conn) {
	c.close()

	type hop struct {
		cl   *call
		from *registration
	}
	var reroute []hop

	b.mu.Lock()
	delete(b.conns, c)
	for name, list := range b.rpcs {
		kept := list[:0]
		for _, reg := range list {
			if reg.conn != c {
				kept = append(kept, reg)
			}
		}
		if len(kept) == 0 {
			delete(b.rpcs, name)
		} else {
			b.rpcs[name] = kept
		}
	}
	for id, cl := range b.calls {
		switch {
		case cl.caller == c:
			delete(b.calls, id)
		case cl.current != nil && cl.current.conn == c:
			reroute = append(reroute, hop{cl: cl, from: cl.current})
		}
	}
	b.mu.Unlock()

	for _, h := range reroute {
		b.advance(h.cl, h.from)
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry so new clients stop finding this broker
//  2. Set the shutdown flag and close the listener
//  3. Close every client connection
//  4. Wait for the connection goroutines to finish (with timeout)
func (b *Broker) Shutdown(timeout time.Duration) error {
	var err error

	if b.registry != nil && b.stopAdvert != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err = multierr.Append(err, b.registry.Deregister(ctx, b.name, b.advertAddr))
		cancel()
		b.stopAdvert()
	}

	b.shutdown.Store(true)

	b.mu.Lock()
	listener := b.listener
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	if listener != nil {
		if closeErr := listener.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			err = multierr.Append(err, closeErr)
		}
	}
	for _, c := range conns {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		err = multierr.Append(err, fmt.Errorf("timeout waiting for %d connections to close", len(conns)))
	}
	return err
}
