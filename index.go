package wren

import (
	"wren/engine"
	"wren/key"
)

// Index is a secondary-key view over an object store, scoped to the
// same transaction as the store handle it came from. Queries select by
// index key; GetKey and GetAllKeys resolve to primary keys, Get and
// GetAll to record values.
type Index struct {
	o *ObjectStore
	x engine.Idx
}

func (x *Index) Name() string    { return x.x.Name() }
func (x *Index) KeyPath() string { return x.x.KeyPath() }
func (x *Index) Unique() bool    { return x.x.Unique() }

func (x *Index) Get(q Query) *Request[any] {
	rng, err := q.resolve(true)
	if err != nil {
		return failedRequest[any](err)
	}
	req, rerr := x.x.Get(rng)
	return bridge(req, rerr, x.o.t.decodeValue)
}

func (x *Index) GetKey(q Query) *Request[key.Key] {
	rng, err := q.resolve(true)
	if err != nil {
		return failedRequest[key.Key](err)
	}
	req, rerr := x.x.GetKey(rng)
	return bridge(req, rerr, convKey)
}

func (x *Index) GetAll(q Query, limit int) *Request[[]any] {
	rng, err := q.resolve(false)
	if err != nil {
		return failedRequest[[]any](err)
	}
	req, rerr := x.x.GetAll(rng, limit)
	return bridge(req, rerr, x.o.t.decodeValues)
}

func (x *Index) GetAllKeys(q Query, limit int) *Request[[]key.Key] {
	rng, err := q.resolve(false)
	if err != nil {
		return failedRequest[[]key.Key](err)
	}
	req, rerr := x.x.GetAllKeys(rng, limit)
	return bridge(req, rerr, convKeys)
}

func (x *Index) Count(q Query) *Request[uint64] {
	rng, err := q.resolve(false)
	if err != nil {
		return failedRequest[uint64](err)
	}
	req, rerr := x.x.Count(rng)
	return bridge(req, rerr, convCount)
}

func (x *Index) OpenCursor(q Query, dir Direction, opts ...CursorOption) *CursorStream {
	return newCursorStream(x.o.t, q, dir, false, x.x.OpenCursor, opts)
}

func (x *Index) OpenKeyCursor(q Query, dir Direction, opts ...CursorOption) *CursorStream {
	return newCursorStream(x.o.t, q, dir, true, x.x.OpenCursor, opts)
}
