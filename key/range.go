package key

import "github.com/samber/mo"

// Range is an immutable span of keys used as a query filter. Either
// bound may be absent; a present bound is closed unless its open flag
// is set. The zero Range matches every key.
type Range struct {
	Lower     mo.Option[Key]
	Upper     mo.Option[Key]
	LowerOpen bool
	UpperOpen bool
}

func Bound(lower, upper Key, lowerOpen, upperOpen bool) Range {
	return Range{
		Lower:     mo.Some(lower),
		Upper:     mo.Some(upper),
		LowerOpen: lowerOpen,
		UpperOpen: upperOpen,
	}
}

func LowerBound(k Key, open bool) Range {
	return Range{Lower: mo.Some(k), LowerOpen: open}
}

func UpperBound(k Key, open bool) Range {
	return Range{Upper: mo.Some(k), UpperOpen: open}
}

// Only matches exactly one key.
func Only(k Key) Range {
	return Range{Lower: mo.Some(k), Upper: mo.Some(k)}
}

func (r Range) Contains(k Key) bool {
	if lo, ok := r.Lower.Get(); ok {
		c := k.Compare(lo)
		if c < 0 || (c == 0 && r.LowerOpen) {
			return false
		}
	}
	if hi, ok := r.Upper.Get(); ok {
		c := k.Compare(hi)
		if c > 0 || (c == 0 && r.UpperOpen) {
			return false
		}
	}
	return true
}

// Probe reports whether k matches and whether it lies strictly below
// the lower bound or strictly above the upper one. Engines use the
// flags to cut scans short in either direction.
func (r Range) Probe(k Key) (match, belowLower, aboveUpper bool) {
	if lo, ok := r.Lower.Get(); ok {
		c := k.Compare(lo)
		if c < 0 {
			return false, true, false
		}
		if c == 0 && r.LowerOpen {
			return false, false, false
		}
	}
	if hi, ok := r.Upper.Get(); ok {
		c := k.Compare(hi)
		if c > 0 {
			return false, false, true
		}
		if c == 0 && r.UpperOpen {
			return false, false, false
		}
	}
	return true, false, false
}

// Unbounded reports whether the range has no bounds at all.
func (r Range) Unbounded() bool {
	return r.Lower.IsAbsent() && r.Upper.IsAbsent()
}
