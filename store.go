package wren

import (
	"wren/engine"
	"wren/key"
)

// ObjectStore is a store handle scoped to one transaction. Operations
// queue on the transaction and settle through the returned Requests;
// a handle is dead once its transaction settles.
type ObjectStore struct {
	t *Transaction
	s engine.Store
}

func (o *ObjectStore) Name() string              { return o.s.Name() }
func (o *ObjectStore) AutoIncrement() bool       { return o.s.AutoIncrement() }
func (o *ObjectStore) IndexNames() []string      { return o.s.IndexNames() }
func (o *ObjectStore) Transaction() *Transaction { return o.t }
func (o *ObjectStore) Store() engine.Store       { return o.s }

// Get resolves to the first matching record's decoded value, or nil
// when nothing matches. The query must name a key or a range.
func (o *ObjectStore) Get(q Query) *Request[any] {
	rng, err := q.resolve(true)
	if err != nil {
		return failedRequest[any](err)
	}
	req, rerr := o.s.Get(rng)
	return bridge(req, rerr, o.t.decodeValue)
}

// GetKey resolves to the first matching record's key, or the zero Key.
func (o *ObjectStore) GetKey(q Query) *Request[key.Key] {
	rng, err := q.resolve(true)
	if err != nil {
		return failedRequest[key.Key](err)
	}
	req, rerr := o.s.GetKey(rng)
	return bridge(req, rerr, convKey)
}

// GetAll resolves to the decoded values of every matching record in
// key order. limit <= 0 means no limit.
func (o *ObjectStore) GetAll(q Query, limit int) *Request[[]any] {
	rng, err := q.resolve(false)
	if err != nil {
		return failedRequest[[]any](err)
	}
	req, rerr := o.s.GetAll(rng, limit)
	return bridge(req, rerr, o.t.decodeValues)
}

func (o *ObjectStore) GetAllKeys(q Query, limit int) *Request[[]key.Key] {
	rng, err := q.resolve(false)
	if err != nil {
		return failedRequest[[]key.Key](err)
	}
	req, rerr := o.s.GetAllKeys(rng, limit)
	return bridge(req, rerr, convKeys)
}

func (o *ObjectStore) Count(q Query) *Request[uint64] {
	rng, err := q.resolve(false)
	if err != nil {
		return failedRequest[uint64](err)
	}
	req, rerr := o.s.Count(rng)
	return bridge(req, rerr, convCount)
}

// Add inserts a record, failing with ErrConstraint when the key is
// already taken. A nil k asks an auto-increment store to generate one;
// the request resolves to the effective key either way.
func (o *ObjectStore) Add(k, value any) *Request[key.Key] {
	return o.write(k, value, o.s.Add)
}

// Put inserts or overwrites a record.
func (o *ObjectStore) Put(k, value any) *Request[key.Key] {
	return o.write(k, value, o.s.Put)
}

func (o *ObjectStore) write(k, value any, op func(key.Key, []byte) (engine.Req, error)) *Request[key.Key] {
	var kk key.Key
	if k != nil {
		var err error
		if kk, err = toKey(k); err != nil {
			return failedRequest[key.Key](err)
		}
	}
	raw, err := o.t.db.eng.Codec().Encode(value)
	if err != nil {
		return failedRequest[key.Key](err)
	}
	req, rerr := op(kk, raw)
	return bridge(req, rerr, convKey)
}

// Delete removes every matching record. The query must name a key or
// a range; use Clear to empty the store.
func (o *ObjectStore) Delete(q Query) *Request[struct{}] {
	rng, err := q.resolve(true)
	if err != nil {
		return failedRequest[struct{}](err)
	}
	req, rerr := o.s.Delete(rng)
	return bridge(req, rerr, convNothing)
}

func (o *ObjectStore) Clear() *Request[struct{}] {
	req, rerr := o.s.Clear()
	return bridge(req, rerr, convNothing)
}

// OpenCursor starts a cursor stream over the matching records. By
// default the consumer advances it through the Cursor; pass
// AutoAdvance to have Next step instead.
func (o *ObjectStore) OpenCursor(q Query, dir Direction, opts ...CursorOption) *CursorStream {
	return newCursorStream(o.t, q, dir, false, o.s.OpenCursor, opts)
}

// OpenKeyCursor is OpenCursor without record values; the cursors yield
// keys only.
func (o *ObjectStore) OpenKeyCursor(q Query, dir Direction, opts ...CursorOption) *CursorStream {
	return newCursorStream(o.t, q, dir, true, o.s.OpenCursor, opts)
}

// CreateIndex builds an index over the store's existing and future
// records, keyed by the dotted keyPath into each record's value. Only
// valid during an upgrade.
func (o *ObjectStore) CreateIndex(name, keyPath string, opts IndexOptions) (*Index, error) {
	x, err := o.s.CreateIndex(name, keyPath, opts)
	if err != nil {
		return nil, err
	}
	return &Index{o: o, x: x}, nil
}

func (o *ObjectStore) DeleteIndex(name string) error {
	return o.s.DeleteIndex(name)
}

func (o *ObjectStore) Index(name string) (*Index, error) {
	x, err := o.s.Index(name)
	if err != nil {
		return nil, err
	}
	return &Index{o: o, x: x}, nil
}

// payload converters shared by store and index requests

func (t *Transaction) decodeValue(res any) (any, error) {
	raw, _ := res.([]byte)
	if raw == nil {
		return nil, nil
	}
	return t.db.eng.Codec().Decode(raw)
}

func (t *Transaction) decodeValues(res any) ([]any, error) {
	raws, _ := res.([][]byte)
	out := make([]any, 0, len(raws))
	for _, raw := range raws {
		v, err := t.db.eng.Codec().Decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func convKey(res any) (key.Key, error) {
	k, _ := res.(key.Key)
	return k, nil
}

func convKeys(res any) ([]key.Key, error) {
	ks, _ := res.([]key.Key)
	return ks, nil
}

func convCount(res any) (uint64, error) {
	n, _ := res.(uint64)
	return n, nil
}

func convNothing(any) (struct{}, error) {
	return struct{}{}, nil
}
