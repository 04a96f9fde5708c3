package codec

import "encoding/json"

// NewJsonCodec trades fidelity for inspectability: all numbers come
// back as float64 and binary payloads are not supported. Useful when
// the stored bytes need to be readable by other tooling.
func NewJsonCodec() Codec {
	return Codec{encode: JsonEncode, decode: JsonDecode, tag: "json"}
}

func JsonEncode(value any) ([]byte, error) {
	return json.Marshal(value)
}

func JsonDecode(data []byte) (any, error) {
	var v any
	err := json.Unmarshal(data, &v)
	return v, err
}
