package codec

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// NewMsgpackCodec is the default codec. Loose interface decoding keeps
// round-tripped scalars predictable (all integers come back as int64,
// all floats as float64).
func NewMsgpackCodec() Codec {
	return Codec{encode: MsgpackEncode, decode: MsgpackDecode, tag: "msgpack"}
}

func MsgpackEncode(value any) ([]byte, error) {
	return msgpack.Marshal(value)
}

func MsgpackDecode(data []byte) (any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
