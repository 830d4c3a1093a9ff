// Package transport implements one multiplexed client connection to the broker.
//
// Requests and registrations carry a sequence ID; a background goroutine
// (recvLoop) reads every frame and routes responses to the waiting caller via
// its pending channel. Invoke frames, which the broker sends when another
// client calls one of our RPCs, are handed to the invoke function instead.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single socket ──→ Broker
//	handler     ──Notify(fin)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] → goroutine-2 wakes up
//	           ←── invoke(ctx=…)   → onInvoke
package transport

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/igxactly-forks/swiboe/codec"
	"github.com/igxactly-forks/swiboe/message"
	"github.com/igxactly-forks/swiboe/protocol"
)

// ErrClosed is returned by Send and Notify once the connection is gone.
var ErrClosed = errors.New("transport: connection closed")

// IoErrorKind is the Error field of the synthetic response delivered to
// pending callers when the connection breaks.
const IoErrorKind = "Io"

// DefaultHeartbeatInterval is used unless WithHeartbeat overrides it.
const DefaultHeartbeatInterval = 30 * time.Second

// InvokeFunc receives Invoke frames. It runs on the recv goroutine and must
// not block.
type InvokeFunc func(msg *message.RPCMessage)

// ClientTransport manages a single multiplexed connection.
type ClientTransport struct {
	conn      net.Conn
	codec     codec.CodecType
	seq       uint32     // Protected by sending
	pending   sync.Map   // map[uint32]chan *message.RPCMessage
	sending   sync.Mutex // Serializes whole frames on the socket
	onInvoke  InvokeFunc
	heartbeat time.Duration
	logger    *zap.Logger

	closeOnce sync.Once
	closing   chan struct{} // Closed by Close
	done      chan struct{} // Closed when recvLoop exits
}

// Option configures a ClientTransport.
type Option func(*ClientTransport)

// WithInvokeFunc installs the receiver of Invoke frames.
func WithInvokeFunc(fn InvokeFunc) Option {
	return func(t *ClientTransport) { t.onInvoke = fn }
}

// WithHeartbeat sets the heartbeat interval; zero disables heartbeats.
func WithHeartbeat(interval time.Duration) Option {
	return func(t *ClientTransport) { t.heartbeat = interval }
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *ClientTransport) { t.logger = logger }
}

// NewClientTransport wraps conn and starts the recv and heartbeat goroutines.
func NewClientTransport(conn net.Conn, codecType codec.CodecType, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		conn:      conn,
		codec:     codecType,
		heartbeat: DefaultHeartbeatInterval,
		logger:    zap.NewNop(),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.recvLoop()
	if t.heartbeat > 0 {
		go t.heartbeatLoop(t.heartbeat)
	}
	return t
}

// Send writes a frame that expects a Response (Request or Register) and
// returns its sequence number and the channel the response arrives on.
// If the connection breaks first, the channel receives a StatusErr message
// with Error set to IoErrorKind.
func (t *ClientTransport) Send(msgType protocol.MsgType, msg *message.RPCMessage) (uint32, <-chan *message.RPCMessage, error) {
	t.sending.Lock()
	defer t.sending.Unlock()

	if t.isDone() {
		return 0, nil, ErrClosed
	}

	t.seq++
	seq := t.seq

	body, err := codec.GetCodec(t.codec).Encode(msg)
	if err != nil {
		return 0, nil, err
	}

	// Register the response channel BEFORE writing, recvLoop may answer first.
	respChan := make(chan *message.RPCMessage, 1)
	t.pending.Store(seq, respChan)

	if err := t.write(msgType, seq, body); err != nil {
		t.pending.Delete(seq)
		return 0, nil, err
	}

	// recvLoop may have drained pending between the isDone check and Store.
	if t.isDone() {
		if _, ok := t.pending.LoadAndDelete(seq); ok {
			return 0, nil, ErrClosed
		}
	}
	return seq, respChan, nil
}

// Notify writes a frame that gets no Response (Finish).
func (t *ClientTransport) Notify(msgType protocol.MsgType, msg *message.RPCMessage) error {
	body, err := codec.GetCodec(t.codec).Encode(msg)
	if err != nil {
		return err
	}

	t.sending.Lock()
	defer t.sending.Unlock()
	if t.isDone() {
		return ErrClosed
	}
	return t.write(msgType, 0, body)
}

// Forget drops the pending entry of a request whose caller gave up.
func (t *ClientTransport) Forget(seq uint32) {
	t.pending.Delete(seq)
}

// write must be called with sending held.
func (t *ClientTransport) write(msgType protocol.MsgType, seq uint32, body []byte) error {
	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		select {
		case <-t.closing:
			return ErrClosed
		default:
			return err
		}
	}
	return nil
}

// recvLoop is the only reader of the connection; frame boundaries can only be
// parsed sequentially.
func (t *ClientTransport) recvLoop() {
	var err error
	defer func() {
		close(t.done)
		t.closeAllPending(err)
	}()

	for {
		var header *protocol.Header
		var body []byte
		header, body, err = protocol.Decode(t.conn)
		if err != nil {
			select {
			case <-t.closing:
				err = ErrClosed
			default:
				t.logger.Debug("Connection read failed", zap.Error(err))
			}
			return
		}

		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		msg := &message.RPCMessage{}
		if decodeErr := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, msg); decodeErr != nil {
			t.logger.Warn("Dropping undecodable frame",
				zap.Stringer("msgType", header.MsgType),
				zap.Uint32("seq", header.Seq),
				zap.Error(decodeErr))
			continue
		}

		switch header.MsgType {
		case protocol.MsgTypeResponse:
			if channel, ok := t.pending.LoadAndDelete(header.Seq); ok {
				channel.(chan *message.RPCMessage) <- msg
			}
		case protocol.MsgTypeInvoke:
			if t.onInvoke != nil {
				t.onInvoke(msg)
			}
		default:
			t.logger.Warn("Unexpected frame from broker", zap.Stringer("msgType", header.MsgType))
		}
	}
}

// closeAllPending fails every pending caller so none blocks forever.
func (t *ClientTransport) closeAllPending(err error) {
	if err == nil {
		err = ErrClosed
	}
	details, _ := json.Marshal(err.Error())
	t.pending.Range(func(key, _ any) bool {
		if channel, ok := t.pending.LoadAndDelete(key); ok {
			channel.(chan *message.RPCMessage) <- &message.RPCMessage{
				Status:  message.StatusErr,
				Error:   IoErrorKind,
				Payload: details,
			}
		}
		return true
	})
}

// heartbeatLoop keeps idle connections visibly alive to the broker.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.closing:
			return
		case <-t.done:
			return
		case <-ticker.C:
			t.sending.Lock()
			err := t.write(protocol.MsgTypeHeartbeat, 0, nil)
			t.sending.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Close shuts the connection down. Pending callers receive an Io error.
func (t *ClientTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closing)
		err = t.conn.Close()
	})
	return err
}

// Done is closed once the connection stopped reading, for whatever reason.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Conn returns the underlying connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

func (t *ClientTransport) isDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
