package wren

import (
	"github.com/samber/mo"

	"wren/engine"
	"wren/key"
)

// Mode and Direction come straight from the engine boundary.
type (
	Mode      = engine.Mode
	Direction = engine.Direction
)

const (
	ReadOnly  = engine.ReadOnly
	ReadWrite = engine.ReadWrite

	Next       = engine.Next
	NextUnique = engine.NextUnique
	Prev       = engine.Prev
	PrevUnique = engine.PrevUnique
)

type (
	StoreOptions = engine.StoreOptions
	IndexOptions = engine.IndexOptions
)

// KeyRange is a span of keys. Build one with Bound, LowerBound,
// UpperBound or Only; the zero KeyRange matches every key.
type KeyRange = key.Range

func Bound(lower, upper any, lowerOpen, upperOpen bool) (KeyRange, error) {
	lo, err := toKey(lower)
	if err != nil {
		return KeyRange{}, err
	}
	hi, err := toKey(upper)
	if err != nil {
		return KeyRange{}, err
	}
	return key.Bound(lo, hi, lowerOpen, upperOpen), nil
}

func LowerBound(v any, open bool) (KeyRange, error) {
	k, err := toKey(v)
	if err != nil {
		return KeyRange{}, err
	}
	return key.LowerBound(k, open), nil
}

func UpperBound(v any, open bool) (KeyRange, error) {
	k, err := toKey(v)
	if err != nil {
		return KeyRange{}, err
	}
	return key.UpperBound(k, open), nil
}

func Only(v any) (KeyRange, error) {
	k, err := toKey(v)
	if err != nil {
		return KeyRange{}, err
	}
	return key.Only(k), nil
}

func toKey(v any) (key.Key, error) {
	if k, ok := v.(key.Key); ok {
		return k, nil
	}
	k, ok := key.FromValue(v)
	if !ok {
		return key.Key{}, ErrInvalidKey
	}
	return k, nil
}

// Query selects records for the read-style operations: a single key,
// a range, or (where the operation allows it) everything. Setting both
// fields is rejected with ErrInvalidQuery.
type Query struct {
	Key   mo.Option[any]
	Range mo.Option[KeyRange]
}

func ByKey(v any) Query {
	return Query{Key: mo.Some(v)}
}

func ByRange(r KeyRange) Query {
	return Query{Range: mo.Some(r)}
}

// Everything matches all records. Valid for the bulk operations;
// Get, GetKey and Delete need a bounded query.
func Everything() Query {
	return Query{}
}

func (q Query) resolve(needBound bool) (key.Range, error) {
	if q.Key.IsPresent() && q.Range.IsPresent() {
		return key.Range{}, ErrInvalidQuery
	}
	if v, ok := q.Key.Get(); ok {
		k, err := toKey(v)
		if err != nil {
			return key.Range{}, err
		}
		return key.Only(k), nil
	}
	if r, ok := q.Range.Get(); ok {
		return r, nil
	}
	if needBound {
		return key.Range{}, ErrInvalidQuery
	}
	return key.Range{}, nil
}
