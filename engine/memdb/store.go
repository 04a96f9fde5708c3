package memdb

import (
	"fmt"

	"wren/engine"
	"wren/key"
)

type storeHandle struct {
	t *txn
	s *store
}

func (h *storeHandle) Name() string        { return h.s.name }
func (h *storeHandle) AutoIncrement() bool { return h.s.opts.AutoIncrement }

func (h *storeHandle) Get(rng key.Range) (engine.Req, error) {
	return h.t.Submit(func() (any, error) {
		_, _, val, ok := h.s.firstWhere(rng, true, nil)
		if !ok {
			return nil, nil
		}
		return val, nil
	})
}

func (h *storeHandle) GetKey(rng key.Range) (engine.Req, error) {
	return h.t.Submit(func() (any, error) {
		_, k, _, ok := h.s.firstWhere(rng, true, nil)
		if !ok {
			return key.Key{}, nil
		}
		return k, nil
	})
}

func (h *storeHandle) GetAll(rng key.Range, limit int) (engine.Req, error) {
	return h.t.Submit(func() (any, error) {
		var out [][]byte
		h.s.scan(rng, true, func(_ string, _ key.Key, val []byte) bool {
			out = append(out, val)
			return limit <= 0 || len(out) < limit
		})
		return out, nil
	})
}

func (h *storeHandle) GetAllKeys(rng key.Range, limit int) (engine.Req, error) {
	return h.t.Submit(func() (any, error) {
		var out []key.Key
		h.s.scan(rng, true, func(_ string, k key.Key, _ []byte) bool {
			out = append(out, k)
			return limit <= 0 || len(out) < limit
		})
		return out, nil
	})
}

func (h *storeHandle) Count(rng key.Range) (engine.Req, error) {
	return h.t.Submit(func() (any, error) {
		var n uint64
		h.s.scan(rng, true, func(string, key.Key, []byte) bool {
			n++
			return true
		})
		return n, nil
	})
}

func (h *storeHandle) Add(k key.Key, value []byte) (engine.Req, error) {
	return h.write(k, value, true)
}

func (h *storeHandle) Put(k key.Key, value []byte) (engine.Req, error) {
	return h.write(k, value, false)
}

func (h *storeHandle) write(k key.Key, value []byte, addOnly bool) (engine.Req, error) {
	if !h.t.writable() {
		return nil, engine.ErrTxReadOnly
	}
	return h.t.Submit(func() (any, error) {
		kk, err := h.t.putRow(h.s, k, value, addOnly)
		if err != nil {
			return nil, err
		}
		return kk, nil
	})
}

func (h *storeHandle) Delete(rng key.Range) (engine.Req, error) {
	if !h.t.writable() {
		return nil, engine.ErrTxReadOnly
	}
	return h.t.Submit(func() (any, error) {
		var keys []key.Key
		h.s.scan(rng, true, func(_ string, k key.Key, _ []byte) bool {
			keys = append(keys, k)
			return true
		})
		for _, k := range keys {
			if err := h.t.deleteRow(h.s, k); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
}

func (h *storeHandle) Clear() (engine.Req, error) {
	return h.Delete(key.Range{})
}

func (h *storeHandle) OpenCursor(rng key.Range, dir engine.Direction, keysOnly bool) (engine.Req, error) {
	return h.t.Submit(func() (any, error) {
		c := &storeCursor{h: h, rng: rng, dir: dir, keysOnly: keysOnly}
		if !c.seekFirst() {
			return nil, nil
		}
		return c, nil
	})
}

func (h *storeHandle) CreateIndex(name, keyPath string, opts engine.IndexOptions) (engine.Idx, error) {
	if h.t.mode != engine.VersionChange {
		return nil, engine.ErrNotUpgrade
	}
	res, err := h.t.SubmitSync(func() (any, error) {
		if _, exists := h.s.indexes[name]; exists {
			return nil, engine.ErrIndexExists
		}
		idx, err := h.t.backfillIndex(h.s, name, keyPath, opts)
		if err != nil {
			return nil, err
		}
		h.s.indexes[name] = idx
		h.t.undo = append(h.t.undo, func() { delete(h.s.indexes, name) })
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return &idxHandle{h: h, x: res.(*index)}, nil
}

func (h *storeHandle) DeleteIndex(name string) error {
	if h.t.mode != engine.VersionChange {
		return engine.ErrNotUpgrade
	}
	_, err := h.t.SubmitSync(func() (any, error) {
		idx, ok := h.s.indexes[name]
		if !ok {
			return nil, engine.ErrIndexNotFound
		}
		delete(h.s.indexes, name)
		h.t.undo = append(h.t.undo, func() { h.s.indexes[name] = idx })
		return nil, nil
	})
	return err
}

func (h *storeHandle) Index(name string) (engine.Idx, error) {
	x, ok := h.s.indexes[name]
	if !ok {
		return nil, engine.ErrIndexNotFound
	}
	return &idxHandle{h: h, x: x}, nil
}

func (h *storeHandle) IndexNames() []string {
	names := make([]string, 0, len(h.s.indexes))
	for name := range h.s.indexes {
		names = append(names, name)
	}
	return names
}

type idxHandle struct {
	h *storeHandle
	x *index
}

func (ih *idxHandle) Name() string    { return ih.x.name }
func (ih *idxHandle) KeyPath() string { return ih.x.keyPath }
func (ih *idxHandle) Unique() bool    { return ih.x.unique }

func (ih *idxHandle) Get(rng key.Range) (engine.Req, error) {
	return ih.h.t.Submit(func() (any, error) {
		_, _, pk, ok := ih.x.firstWhere(rng, true, nil)
		if !ok {
			return nil, nil
		}
		val, ok := ih.h.s.rows.Load(string(pk.Encode()))
		if !ok {
			return nil, fmt.Errorf("memdb: index %q entry without record", ih.x.name)
		}
		return val, nil
	})
}

func (ih *idxHandle) GetKey(rng key.Range) (engine.Req, error) {
	return ih.h.t.Submit(func() (any, error) {
		_, _, pk, ok := ih.x.firstWhere(rng, true, nil)
		if !ok {
			return key.Key{}, nil
		}
		return pk, nil
	})
}

func (ih *idxHandle) GetAll(rng key.Range, limit int) (engine.Req, error) {
	return ih.h.t.Submit(func() (any, error) {
		var out [][]byte
		var ferr error
		ih.x.scan(rng, true, func(_ string, _, pk key.Key) bool {
			val, ok := ih.h.s.rows.Load(string(pk.Encode()))
			if !ok {
				ferr = fmt.Errorf("memdb: index %q entry without record", ih.x.name)
				return false
			}
			out = append(out, val)
			return limit <= 0 || len(out) < limit
		})
		if ferr != nil {
			return nil, ferr
		}
		return out, nil
	})
}

func (ih *idxHandle) GetAllKeys(rng key.Range, limit int) (engine.Req, error) {
	return ih.h.t.Submit(func() (any, error) {
		var out []key.Key
		ih.x.scan(rng, true, func(_ string, _, pk key.Key) bool {
			out = append(out, pk)
			return limit <= 0 || len(out) < limit
		})
		return out, nil
	})
}

func (ih *idxHandle) Count(rng key.Range) (engine.Req, error) {
	return ih.h.t.Submit(func() (any, error) {
		var n uint64
		ih.x.scan(rng, true, func(string, key.Key, key.Key) bool {
			n++
			return true
		})
		return n, nil
	})
}

func (ih *idxHandle) OpenCursor(rng key.Range, dir engine.Direction, keysOnly bool) (engine.Req, error) {
	return ih.h.t.Submit(func() (any, error) {
		c := &idxCursor{ih: ih, rng: rng, dir: dir, keysOnly: keysOnly}
		if !c.seekFirst() {
			return nil, nil
		}
		return c, nil
	})
}
