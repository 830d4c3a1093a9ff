package broker

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/igxactly-forks/swiboe/codec"
	"github.com/igxactly-forks/swiboe/message"
	"github.com/igxactly-forks/swiboe/protocol"
	"github.com/igxactly-forks/swiboe/registry"
)

// socketPath returns a path short enough for sun_path on every platform.
func socketPath(t *testing.T) string {
	dir, err := os.MkdirTemp("", "swb")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s")
}

func startBroker(t *testing.T, opts ...Option) (*Broker, string) {
	path := socketPath(t)
	b := New(append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	require.NoError(t, b.Listen("unix", path))

	served := make(chan error, 1)
	go func() { served <- b.Accept() }()
	t.Cleanup(func() {
		assert.NoError(t, b.Shutdown(time.Second))
		assert.NoError(t, <-served)
	})
	return b, path
}

type frame struct {
	header *protocol.Header
	msg    *message.RPCMessage
}

// peer speaks raw frames to the broker.
type peer struct {
	t     *testing.T
	conn  net.Conn
	codec codec.Codec
	seq   uint32
}

func dialPeer(t *testing.T, path string, codecType codec.CodecType) *peer {
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn, codec: codec.GetCodec(codecType)}
}

func (p *peer) send(msgType protocol.MsgType, msg *message.RPCMessage) uint32 {
	p.seq++
	body, err := p.codec.Encode(msg)
	require.NoError(p.t, err)
	require.NoError(p.t, protocol.Encode(p.conn, &protocol.Header{
		CodecType: byte(p.codec.Type()),
		MsgType:   msgType,
		Seq:       p.seq,
		BodyLen:   uint32(len(body)),
	}, body))
	return p.seq
}

func (p *peer) recv() frame {
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	header, body, err := protocol.Decode(p.conn)
	require.NoError(p.t, err)
	msg := &message.RPCMessage{}
	require.NoError(p.t, codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, msg))
	return frame{header: header, msg: msg}
}

// silent asserts nothing arrives for a short while.
func (p *peer) silent() {
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := protocol.Decode(p.conn)
	var netErr net.Error
	require.ErrorAs(p.t, err, &netErr)
	require.True(p.t, netErr.Timeout())
}

func (p *peer) register(name string, priority uint16) *message.RPCMessage {
	seq := p.send(protocol.MsgTypeRegister, &message.RPCMessage{Function: name, Priority: priority})
	f := p.recv()
	require.Equal(p.t, protocol.MsgTypeResponse, f.header.MsgType)
	require.Equal(p.t, seq, f.header.Seq)
	return f.msg
}

func (p *peer) expectInvoke(function string) *message.RPCMessage {
	f := p.recv()
	require.Equal(p.t, protocol.MsgTypeInvoke, f.header.MsgType)
	require.Equal(p.t, function, f.msg.Function)
	require.NotEmpty(p.t, f.msg.Context)
	return f.msg
}

func (p *peer) finish(contextID string, status message.Status, payload string) {
	msg := &message.RPCMessage{Context: contextID, Status: status}
	if payload != "" {
		msg.Payload = []byte(payload)
	}
	p.send(protocol.MsgTypeFinish, msg)
}

func TestRegisterAck(t *testing.T) {
	_, path := startBroker(t)
	p := dialPeer(t, path, codec.CodecTypeJSON)

	ack := p.register("buffer.open", 10)
	assert.Equal(t, message.StatusOK, ack.Status)

	dup := p.register("buffer.open", 5)
	assert.Equal(t, message.StatusErr, dup.Status)
	assert.Equal(t, "RpcAlreadyRegistered", dup.Error)

	empty := p.register("", 5)
	assert.Equal(t, message.StatusErr, empty.Status)
	assert.Equal(t, "InvalidArgs", empty.Error)
}

func TestCallUnknownRPC(t *testing.T) {
	_, path := startBroker(t)
	caller := dialPeer(t, path, codec.CodecTypeJSON)

	seq := caller.send(protocol.MsgTypeRequest, &message.RPCMessage{Function: "nobody.home", Payload: []byte(`{}`)})
	f := caller.recv()
	assert.Equal(t, seq, f.header.Seq)
	assert.Equal(t, message.StatusErr, f.msg.Status)
	assert.Equal(t, "UnknownRpc", f.msg.Error)
}

func TestCallRoutesByPriority(t *testing.T) {
	_, path := startBroker(t)
	late := dialPeer(t, path, codec.CodecTypeJSON)
	early := dialPeer(t, path, codec.CodecTypeMsgPack)
	caller := dialPeer(t, path, codec.CodecTypeBinary)

	late.register("echo", 100)
	early.register("echo", 1)

	seq := caller.send(protocol.MsgTypeRequest, &message.RPCMessage{Function: "echo", Payload: []byte(`{"x":1}`)})

	first := early.expectInvoke("echo")
	assert.JSONEq(t, `{"x":1}`, string(first.Payload))
	late.silent()
	early.finish(first.Context, message.StatusNotHandled, "")

	second := late.expectInvoke("echo")
	assert.Equal(t, first.Context, second.Context)
	late.finish(second.Context, message.StatusOK, `{"x":1}`)

	f := caller.recv()
	assert.Equal(t, seq, f.header.Seq)
	assert.Equal(t, byte(codec.CodecTypeBinary), f.header.CodecType)
	assert.Equal(t, message.StatusOK, f.msg.Status)
	assert.JSONEq(t, `{"x":1}`, string(f.msg.Payload))
}

func TestEqualPrioritiesKeepRegistrationOrder(t *testing.T) {
	_, path := startBroker(t)
	a := dialPeer(t, path, codec.CodecTypeJSON)
	b := dialPeer(t, path, codec.CodecTypeJSON)
	caller := dialPeer(t, path, codec.CodecTypeJSON)

	a.register("same", 7)
	b.register("same", 7)

	caller.send(protocol.MsgTypeRequest, &message.RPCMessage{Function: "same"})
	inv := a.expectInvoke("same")
	b.silent()
	a.finish(inv.Context, message.StatusOK, "")

	assert.Equal(t, message.StatusOK, caller.recv().msg.Status)
}

func TestCallAllNotHandled(t *testing.T) {
	_, path := startBroker(t)
	h1 := dialPeer(t, path, codec.CodecTypeJSON)
	h2 := dialPeer(t, path, codec.CodecTypeJSON)
	caller := dialPeer(t, path, codec.CodecTypeJSON)

	h1.register("maybe", 1)
	h2.register("maybe", 2)

	caller.send(protocol.MsgTypeRequest, &message.RPCMessage{Function: "maybe"})
	inv := h1.expectInvoke("maybe")
	h1.finish(inv.Context, message.StatusNotHandled, "")
	inv = h2.expectInvoke("maybe")
	h2.finish(inv.Context, message.StatusNotHandled, "")

	assert.Equal(t, message.StatusNotHandled, caller.recv().msg.Status)
}

func TestErrorResultEndsTheCall(t *testing.T) {
	_, path := startBroker(t)
	h1 := dialPeer(t, path, codec.CodecTypeJSON)
	h2 := dialPeer(t, path, codec.CodecTypeJSON)
	caller := dialPeer(t, path, codec.CodecTypeJSON)

	h1.register("fails", 1)
	h2.register("fails", 2)

	caller.send(protocol.MsgTypeRequest, &message.RPCMessage{Function: "fails"})
	inv := h1.expectInvoke("fails")
	h1.send(protocol.MsgTypeFinish, &message.RPCMessage{Context: inv.Context, Status: message.StatusErr, Error: "Handler"})

	f := caller.recv()
	assert.Equal(t, message.StatusErr, f.msg.Status)
	assert.Equal(t, "Handler", f.msg.Error)
	h2.silent()
}

func TestFinishFromWrongConnIsIgnored(t *testing.T) {
	_, path := startBroker(t)
	h := dialPeer(t, path, codec.CodecTypeJSON)
	intruder := dialPeer(t, path, codec.CodecTypeJSON)
	caller := dialPeer(t, path, codec.CodecTypeJSON)

	h.register("guarded", 1)
	caller.send(protocol.MsgTypeRequest, &message.RPCMessage{Function: "guarded"})
	inv := h.expectInvoke("guarded")

	intruder.finish(inv.Context, message.StatusOK, `"stolen"`)
	caller.silent()

	h.finish(inv.Context, message.StatusOK, `"mine"`)
	assert.JSONEq(t, `"mine"`, string(caller.recv().msg.Payload))
}

func TestHandlerDisconnectMovesCallOn(t *testing.T) {
	_, path := startBroker(t)
	flaky := dialPeer(t, path, codec.CodecTypeJSON)
	steady := dialPeer(t, path, codec.CodecTypeJSON)
	caller := dialPeer(t, path, codec.CodecTypeJSON)

	flaky.register("work", 1)
	steady.register("work", 2)

	caller.send(protocol.MsgTypeRequest, &message.RPCMessage{Function: "work"})
	flaky.expectInvoke("work")
	require.NoError(t, flaky.conn.Close())

	inv := steady.expectInvoke("work")
	steady.finish(inv.Context, message.StatusOK, `1`)
	assert.Equal(t, message.StatusOK, caller.recv().msg.Status)
}

func TestDisconnectDropsRegistrations(t *testing.T) {
	b, path := startBroker(t)
	h := dialPeer(t, path, codec.CodecTypeJSON)
	h.register("gone", 1)
	require.NoError(t, h.conn.Close())

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.rpcs) == 0 && len(b.conns) == 0
	}, 2*time.Second, 10*time.Millisecond)

	caller := dialPeer(t, path, codec.CodecTypeJSON)
	caller.send(protocol.MsgTypeRequest, &message.RPCMessage{Function: "gone"})
	assert.Equal(t, "UnknownRpc", caller.recv().msg.Error)
}

func TestHeartbeatIsIgnored(t *testing.T) {
	_, path := startBroker(t)
	p := dialPeer(t, path, codec.CodecTypeJSON)

	require.NoError(t, protocol.Encode(p.conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil))
	p.silent()
	assert.Equal(t, message.StatusOK, p.register("still.alive", 0).Status)
}

func TestShutdownClosesClients(t *testing.T) {
	path := socketPath(t)
	b := New(WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, b.Listen("unix", path))
	served := make(chan error, 1)
	go func() { served <- b.Accept() }()

	p := dialPeer(t, path, codec.CodecTypeJSON)
	p.register("x", 0)

	require.NoError(t, b.Shutdown(time.Second))
	require.NoError(t, <-served)

	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := protocol.Decode(p.conn)
	assert.Error(t, err)
}

func TestListenRemovesStaleSocket(t *testing.T) {
	path := socketPath(t)
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	b := New()
	require.NoError(t, b.Listen("unix", path))
	assert.Equal(t, path, b.Addr())
	require.NoError(t, b.Shutdown(time.Second))
}

func TestRegistryAdvertisement(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	b, path := startBroker(t, WithRegistry(reg, "editor", 5), WithWeight(3))

	instances, err := reg.Discover(context.Background(), "editor")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, path, instances[0].Addr)
	assert.Equal(t, 3, instances[0].Weight)
	assert.Equal(t, path, b.Addr())
}
