package codec

import (
	"github.com/vmihailenco/msgpack/v4"
)

// MsgPackCodec encodes frame bodies as MessagePack. Payload bytes travel as
// a binary string instead of base64, which keeps large arguments compact.
type MsgPackCodec struct{}

func (c *MsgPackCodec) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (c *MsgPackCodec) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (c *MsgPackCodec) Type() CodecType {
	return CodecTypeMsgPack
}
