package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/igxactly-forks/swiboe/message"
)

var errShortBuffer = errors.New("BinaryCodec: short buffer")

// BinaryCodec lays out an RPCMessage as length-prefixed fields:
//
//	function(u16 len + bytes) context(u16 len + bytes) priority(u16)
//	status(u8) error(u16 len + bytes) payload(u32 len + bytes)
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *RPCMessage")
	}
	for _, s := range []string{msg.Function, msg.Context, msg.Error} {
		if len(s) > math.MaxUint16 {
			return nil, fmt.Errorf("BinaryCodec: field of %d bytes does not fit a u16 length", len(s))
		}
	}
	if uint64(len(msg.Payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("BinaryCodec: payload of %d bytes does not fit a u32 length", len(msg.Payload))
	}

	total := 2 + len(msg.Function) + 2 + len(msg.Context) + 2 + 1 + 2 + len(msg.Error) + 4 + len(msg.Payload)
	buf := make([]byte, 0, total)

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Function)))
	buf = append(buf, msg.Function...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Context)))
	buf = append(buf, msg.Context...)
	buf = binary.BigEndian.AppendUint16(buf, msg.Priority)
	buf = append(buf, byte(msg.Status))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Error)))
	buf = append(buf, msg.Error...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errors.New("BinaryCodec: v must be *RPCMessage")
	}

	r := binaryReader{data: data}
	msg.Function = string(r.bytes16())
	msg.Context = string(r.bytes16())
	msg.Priority = r.uint16()
	msg.Status = message.Status(r.uint8())
	msg.Error = string(r.bytes16())
	if payload := r.bytes32(); len(payload) > 0 {
		msg.Payload = append([]byte(nil), payload...)
	} else {
		msg.Payload = nil
	}
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// binaryReader reads big-endian fields and remembers the first short read.
type binaryReader struct {
	data   []byte
	offset int
	err    error
}

func (r *binaryReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.offset < n {
		r.err = errShortBuffer
		return nil
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b
}

func (r *binaryReader) uint8() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *binaryReader) uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *binaryReader) bytes16() []byte {
	return r.take(int(r.uint16()))
}

func (r *binaryReader) bytes32() []byte {
	b := r.take(4)
	if b == nil {
		return nil
	}
	return r.take(int(binary.BigEndian.Uint32(b)))
}
