// Provides the tagged key variant used across the storage boundary and
// its order-preserving binary encoding. Encoded keys compare bytewise
// in the same order as [Key.Compare], so engines can feed them straight
// into their native byte-ordered structures.
package key

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
)

type Type byte

const (
	TypeNone Type = iota
	TypeNumber
	TypeString
	TypeBinary
)

// encoding tag bytes, one per key type; tag order defines cross-type
// ordering (numbers before strings before binary)
const (
	tagNumber byte = 0x10
	tagString byte = 0x20
	tagBinary byte = 0x30
)

var ErrBadEncoding = errors.New("key: malformed encoding")

// Key is a number, string or binary key. The zero value means
// "no key" (absent optional argument, missing lookup result).
type Key struct {
	typ Type
	num float64
	str string
	bin []byte
}

func Int[I ~int | ~int64](v I) Key {
	return Key{typ: TypeNumber, num: float64(v)}
}

func Float(v float64) Key {
	return Key{typ: TypeNumber, num: v}
}

func Str[S ~string](v S) Key {
	return Key{typ: TypeString, str: string(v)}
}

func Bin(v []byte) Key {
	return Key{typ: TypeBinary, bin: v}
}

// FromValue converts a dynamically typed payload field into a Key.
// Used by engines when extracting index keys from decoded records.
func FromValue(v any) (Key, bool) {
	switch x := v.(type) {
	case int:
		return Int(int64(x)), true
	case int8:
		return Int(int64(x)), true
	case int16:
		return Int(int64(x)), true
	case int32:
		return Int(int64(x)), true
	case int64:
		return Int(x), true
	case uint8:
		return Int(int64(x)), true
	case uint16:
		return Int(int64(x)), true
	case uint32:
		return Int(int64(x)), true
	case uint:
		return Float(float64(x)), true
	case uint64:
		return Float(float64(x)), true
	case uintptr:
		return Float(float64(x)), true
	case float32:
		return Float(float64(x)), true
	case float64:
		return Float(x), true
	case string:
		return Str(x), true
	case []byte:
		return Bin(x), true
	}
	return Key{}, false
}

func (k Key) Type() Type   { return k.typ }
func (k Key) IsZero() bool { return k.typ == TypeNone }

func (k Key) Num() float64 { return k.num }
func (k Key) Int() int64   { return int64(k.num) }
func (k Key) Str() string  { return k.str }
func (k Key) Bin() []byte  { return k.bin }

// Value returns the key as a dynamically typed payload.
func (k Key) Value() any {
	switch k.typ {
	case TypeNumber:
		return k.num
	case TypeString:
		return k.str
	case TypeBinary:
		return k.bin
	}
	return nil
}

func (k Key) String() string {
	switch k.typ {
	case TypeNumber:
		return strconv.FormatFloat(k.num, 'g', -1, 64)
	case TypeString:
		return k.str
	case TypeBinary:
		return fmt.Sprintf("0x%x", k.bin)
	}
	return "<none>"
}

// Compare orders keys the way the host orders them: numbers first,
// then strings (bytewise over UTF-8), then binary. A zero Key sorts
// before everything.
func (k Key) Compare(o Key) int {
	if k.typ != o.typ {
		if k.typ < o.typ {
			return -1
		}
		return 1
	}
	switch k.typ {
	case TypeNumber:
		switch {
		case k.num < o.num:
			return -1
		case k.num > o.num:
			return 1
		}
		return 0
	case TypeString:
		switch {
		case k.str < o.str:
			return -1
		case k.str > o.str:
			return 1
		}
		return 0
	case TypeBinary:
		return bytes.Compare(k.bin, o.bin)
	}
	return 0
}

// Append appends the encoded key to dst. Strings and binary payloads
// are escaped (0x00 -> 0x00 0xFF) and 0x00-terminated so that encoded
// keys can be concatenated without breaking bytewise ordering.
func (k Key) Append(dst []byte) []byte {
	switch k.typ {
	case TypeNumber:
		dst = append(dst, tagNumber)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], orderFloatBits(k.num))
		return append(dst, buf[:]...)
	case TypeString:
		dst = append(dst, tagString)
		dst = appendEscaped(dst, []byte(k.str))
		return append(dst, 0x00)
	case TypeBinary:
		dst = append(dst, tagBinary)
		dst = appendEscaped(dst, k.bin)
		return append(dst, 0x00)
	}
	panic("key: cannot encode a zero Key")
}

func (k Key) Encode() []byte {
	return k.Append(nil)
}

// Consume decodes one key from the front of b and returns the rest.
func Consume(b []byte) (Key, []byte, error) {
	if len(b) == 0 {
		return Key{}, nil, ErrBadEncoding
	}
	switch b[0] {
	case tagNumber:
		if len(b) < 9 {
			return Key{}, nil, ErrBadEncoding
		}
		bits := binary.BigEndian.Uint64(b[1:9])
		return Float(unorderFloatBits(bits)), b[9:], nil
	case tagString, tagBinary:
		payload, rest, err := consumeEscaped(b[1:])
		if err != nil {
			return Key{}, nil, err
		}
		if b[0] == tagString {
			return Str(string(payload)), rest, nil
		}
		return Bin(payload), rest, nil
	}
	return Key{}, nil, ErrBadEncoding
}

func Decode(b []byte) (Key, error) {
	k, rest, err := Consume(b)
	if err != nil {
		return Key{}, err
	}
	if len(rest) != 0 {
		return Key{}, ErrBadEncoding
	}
	return k, nil
}

func appendEscaped(dst, payload []byte) []byte {
	for _, c := range payload {
		if c == 0x00 {
			dst = append(dst, 0x00, 0xFF)
			continue
		}
		dst = append(dst, c)
	}
	return dst
}

func consumeEscaped(b []byte) (payload, rest []byte, err error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != 0x00 {
			out = append(out, b[i])
			continue
		}
		if i+1 < len(b) && b[i+1] == 0xFF {
			out = append(out, 0x00)
			i++
			continue
		}
		return out, b[i+1:], nil
	}
	return nil, nil, ErrBadEncoding
}

// maps float64 bit patterns to uint64s that order the same way the
// floats do (sign bit flipped for positives, all bits for negatives)
func orderFloatBits(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | 1<<63
}

func unorderFloatBits(bits uint64) float64 {
	if bits&(1<<63) != 0 {
		return math.Float64frombits(bits &^ (1 << 63))
	}
	return math.Float64frombits(^bits)
}
