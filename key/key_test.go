package key

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareOrdersAcrossTypes(t *testing.T) {
	// arrange
	ordered := []Key{
		Float(-12.5),
		Int(0),
		Int(7),
		Float(7.5),
		Int(100),
		Str("Item 5"),
		Str("a"),
		Str("ab"),
		Str("b"),
		Bin([]byte{0x01}),
		Bin([]byte{0x01, 0x00}),
		Bin([]byte{0x02}),
	}

	// assert
	for i := 1; i < len(ordered); i++ {
		assert.Negative(t, ordered[i-1].Compare(ordered[i]),
			"%v should sort before %v", ordered[i-1], ordered[i])
		assert.Positive(t, ordered[i].Compare(ordered[i-1]))
	}
	for _, k := range ordered {
		assert.Zero(t, k.Compare(k))
	}
}

func TestEncodingPreservesOrder(t *testing.T) {
	// arrange
	keys := []Key{
		Float(-1000),
		Float(-0.5),
		Int(0),
		Int(1),
		Int(21),
		Int(29),
		Int(30),
		Int(99),
		Float(1e9),
		Str(""),
		Str("Item 0"),
		Str("Item 10"),
		Str("a\x00b"),
		Str("a\x00\x00"),
		Str("ab"),
		Bin(nil),
		Bin([]byte{0x00}),
		Bin([]byte{0x00, 0xFF}),
		Bin([]byte{0x10}),
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })

	// act
	encs := make([][]byte, len(keys))
	for i, k := range keys {
		encs[i] = k.Encode()
	}

	// assert
	for i := 1; i < len(encs); i++ {
		assert.Negative(t, bytes.Compare(encs[i-1], encs[i]),
			"enc(%v) should sort before enc(%v)", keys[i-1], keys[i])
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, k := range []Key{
		Int(42),
		Float(-273.15),
		Str("hello"),
		Str("nul\x00inside"),
		Bin([]byte{0x00, 0x01, 0xFF}),
	} {
		got, err := Decode(k.Encode())
		require.NoError(t, err)
		assert.Zero(t, k.Compare(got))
		assert.Equal(t, k.Type(), got.Type())
	}
}

func TestConsumeSplitsConcatenation(t *testing.T) {
	// arrange
	ik := Str("owner\x00one")
	pk := Int(7)
	comp := pk.Append(ik.Encode())

	// act
	gotIK, rest, err := Consume(comp)
	require.NoError(t, err)
	gotPK, rest, err2 := Consume(rest)

	// assert
	require.NoError(t, err2)
	assert.Empty(t, rest)
	assert.Zero(t, ik.Compare(gotIK))
	assert.Zero(t, pk.Compare(gotPK))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, b := range [][]byte{
		nil,
		{0x99},
		{0x10, 0x01},             // truncated number
		{0x20, 0x61},             // unterminated string
		{0x20, 0x61, 0x00, 0x61}, // trailing bytes
	} {
		_, err := Decode(b)
		assert.ErrorIs(t, err, ErrBadEncoding, "input % x", b)
	}
}

func TestFromValue(t *testing.T) {
	k, ok := FromValue(int64(5))
	require.True(t, ok)
	assert.Equal(t, TypeNumber, k.Type())

	k, ok = FromValue(uint(7))
	require.True(t, ok)
	assert.Equal(t, TypeNumber, k.Type())
	assert.Equal(t, int64(7), k.Int())

	k, ok = FromValue(uintptr(9))
	require.True(t, ok)
	assert.Equal(t, TypeNumber, k.Type())

	k, ok = FromValue("s")
	require.True(t, ok)
	assert.Equal(t, TypeString, k.Type())

	_, ok = FromValue(map[string]any{})
	assert.False(t, ok)
}

func TestRangeContains(t *testing.T) {
	// arrange
	open := Bound(Int(20), Int(30), true, true)
	closed := Bound(Int(20), Int(30), false, false)
	lower := LowerBound(Int(50), false)
	only := Only(Str("x"))

	// assert
	assert.False(t, open.Contains(Int(20)))
	assert.True(t, open.Contains(Int(21)))
	assert.True(t, open.Contains(Int(29)))
	assert.False(t, open.Contains(Int(30)))

	assert.True(t, closed.Contains(Int(20)))
	assert.True(t, closed.Contains(Int(30)))

	assert.False(t, lower.Contains(Int(49)))
	assert.True(t, lower.Contains(Int(50)))

	assert.True(t, only.Contains(Str("x")))
	assert.False(t, only.Contains(Str("y")))

	assert.True(t, Range{}.Contains(Int(0)))
	assert.True(t, Range{}.Unbounded())
}

func TestProbeFlagsAreStrict(t *testing.T) {
	// arrange
	rng := Bound(Int(20), Int(30), true, true)

	// act / assert
	match, below, above := rng.Probe(Int(10))
	assert.False(t, match)
	assert.True(t, below)
	assert.False(t, above)

	// on an open bound: excluded but not strictly outside
	match, below, above = rng.Probe(Int(20))
	assert.False(t, match)
	assert.False(t, below)
	assert.False(t, above)

	match, below, above = rng.Probe(Int(25))
	assert.True(t, match)
	assert.False(t, below)
	assert.False(t, above)

	match, below, above = rng.Probe(Int(31))
	assert.False(t, match)
	assert.False(t, below)
	assert.True(t, above)
}
