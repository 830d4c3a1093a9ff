package broker

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/igxactly-forks/swiboe/codec"
	"github.com/igxactly-forks/swiboe/message"
	"github.com/igxactly-forks/swiboe/protocol"
)

// conn is one connected client. Reads happen only on its handleConn
// goroutine; writes come from any goroutine routing a call and are serialized
// by writeMu so frames never interleave.
type conn struct {
	net.Conn
	id      uint64
	codec   atomic.Uint32 // Codec of the last frame the client sent; replies use the same
	writeMu sync.Mutex
	closed  atomic.Bool
}

func newConn(c net.Conn, id uint64) *conn {
	return &conn{Conn: c, id: id}
}

func (c *conn) send(msgType protocol.MsgType, seq uint32, msg *message.RPCMessage) error {
	codecType := byte(c.codec.Load())
	body, err := codec.GetCodec(codec.CodecType(codecType)).Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.Encode(c.Conn, &protocol.Header{
		CodecType: codecType,
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}, body)
}

func (c *conn) alive() bool {
	return !c.closed.Load()
}

func (c *conn) close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}
