// Serialization of record payloads crossing the storage boundary.
// Payloads are arbitrary structured data (numbers, strings, nested
// containers), so codecs round-trip `any` values the way the host's
// structured clone does, rather than imposing a schema.
package codec

type (
	Encode func(value any) ([]byte, error)
	Decode func(data []byte) (any, error)
)

type Codec struct {
	encode Encode
	decode Decode
	tag    string
}

func (c Codec) Encode(value any) ([]byte, error) {
	return c.encode(value)
}

func (c Codec) Decode(data []byte) (any, error) {
	return c.decode(data)
}

func (c Codec) Tag() string {
	return c.tag
}
