package memdb

import (
	"fmt"

	"wren/engine"
	"wren/key"
)

// scan visits in-range records in key order (reverse order when fwd is
// false). The callback returns false to stop early. Reverse scans
// collect matches first; the skipmap only iterates forward.
func (s *store) scan(rng key.Range, fwd bool, f func(enc string, k key.Key, val []byte) bool) {
	type row struct {
		enc string
		k   key.Key
		val []byte
	}
	var collected []row
	s.rows.Range(func(enc string, val []byte) bool {
		k, err := key.Decode([]byte(enc))
		if err != nil {
			return true
		}
		match, past := rangeState(k, rng)
		if past {
			return false
		}
		if !match {
			return true
		}
		if fwd {
			return f(enc, k, val)
		}
		collected = append(collected, row{enc, k, val})
		return true
	})
	for i := len(collected) - 1; i >= 0; i-- {
		r := collected[i]
		if !f(r.enc, r.k, r.val) {
			return
		}
	}
}

// firstWhere returns the first in-range record (in traversal order for
// fwd) that satisfies pred. nil pred matches everything.
func (s *store) firstWhere(rng key.Range, fwd bool, pred func(enc string, k key.Key) bool) (enc string, k key.Key, val []byte, ok bool) {
	s.scan(rng, fwd, func(e string, kk key.Key, v []byte) bool {
		if pred != nil && !pred(e, kk) {
			return true
		}
		enc, k, val, ok = e, kk, v, true
		return false
	})
	return
}

func (x *index) scan(rng key.Range, fwd bool, f func(comp string, ik, pk key.Key) bool) {
	type entry struct {
		comp   string
		ik, pk key.Key
	}
	var collected []entry
	x.rows.Range(func(comp string, _ []byte) bool {
		ik, pk, err := splitComposite([]byte(comp))
		if err != nil {
			return true
		}
		match, past := rangeState(ik, rng)
		if past {
			return false
		}
		if !match {
			return true
		}
		if fwd {
			return f(comp, ik, pk)
		}
		collected = append(collected, entry{comp, ik, pk})
		return true
	})
	for i := len(collected) - 1; i >= 0; i-- {
		e := collected[i]
		if !f(e.comp, e.ik, e.pk) {
			return
		}
	}
}

func (x *index) firstWhere(rng key.Range, fwd bool, pred func(comp string, ik, pk key.Key) bool) (comp string, ik, pk key.Key, ok bool) {
	x.scan(rng, fwd, func(c string, i, p key.Key) bool {
		if pred != nil && !pred(c, i, p) {
			return true
		}
		comp, ik, pk, ok = c, i, p, true
		return false
	})
	return
}

// rangeState reports whether k matches rng and whether an ascending
// scan is already past its upper end.
func rangeState(k key.Key, rng key.Range) (match, past bool) {
	match, _, past = rng.Probe(k)
	return match, past
}

// successor finds the first row above pos in key order. Encodings
// compare like their keys, so every row up to the winner is screened
// with a raw string compare and never decoded.
func (s *store) successor(pos string) (enc string, k key.Key, val []byte, ok bool) {
	s.rows.Range(func(e string, v []byte) bool {
		if e <= pos {
			return true
		}
		kk, err := key.Decode([]byte(e))
		if err != nil {
			return true
		}
		enc, k, val, ok = e, kk, v, true
		return false
	})
	return
}

// predecessor finds the last row below pos, tracking only raw
// encodings during the ascending pass and decoding once at the end.
func (s *store) predecessor(pos string) (enc string, k key.Key, val []byte, ok bool) {
	for {
		var be string
		var bv []byte
		found := false
		s.rows.Range(func(e string, v []byte) bool {
			if e >= pos {
				return false
			}
			be, bv, found = e, v, true
			return true
		})
		if !found {
			return "", key.Key{}, nil, false
		}
		kk, err := key.Decode([]byte(be))
		if err != nil {
			pos = be
			continue
		}
		return be, kk, bv, true
	}
}

func splitComposite(comp []byte) (ik, pk key.Key, err error) {
	ik, rest, err := key.Consume(comp)
	if err != nil {
		return key.Key{}, key.Key{}, err
	}
	pk, _, err = key.Consume(rest)
	if err != nil {
		return key.Key{}, key.Key{}, err
	}
	return ik, pk, nil
}

// groupEnd is a screening position just above every composite of ik's
// key group. Composite continuations begin with a tag byte below 0xff,
// so enc(ik)||0xff sorts after the whole group and before the next one.
func groupEnd(ik key.Key) string {
	return string(append(ik.Encode(), 0xff))
}

func (x *index) successor(pos string) (comp string, ik, pk key.Key, ok bool) {
	x.rows.Range(func(e string, _ []byte) bool {
		if e <= pos {
			return true
		}
		i, p, err := splitComposite([]byte(e))
		if err != nil {
			return true
		}
		comp, ik, pk, ok = e, i, p, true
		return false
	})
	return
}

func (x *index) predecessor(pos string) (comp string, ik, pk key.Key, ok bool) {
	for {
		var be string
		found := false
		x.rows.Range(func(e string, _ []byte) bool {
			if e >= pos {
				return false
			}
			be, found = e, true
			return true
		})
		if !found {
			return "", key.Key{}, key.Key{}, false
		}
		i, p, err := splitComposite([]byte(be))
		if err != nil {
			pos = be
			continue
		}
		return be, i, p, true
	}
}

type storeCursor struct {
	h        *storeHandle
	rng      key.Range
	dir      engine.Direction
	keysOnly bool

	pos string // encoding of the current key
	k   key.Key
	val []byte
}

func (c *storeCursor) Key() key.Key        { return c.k }
func (c *storeCursor) PrimaryKey() key.Key { return c.k }

func (c *storeCursor) Value() []byte {
	if c.keysOnly {
		return nil
	}
	return c.val
}

func (c *storeCursor) seekFirst() bool {
	enc, k, val, ok := c.h.s.firstWhere(c.rng, c.dir.Forward(), nil)
	if !ok {
		return false
	}
	c.pos, c.k, c.val = enc, k, val
	return true
}

// step moves off the current entry. The skipmap only iterates forward,
// so the pass is linear, but neighbors are located through raw string
// compares and at most one key is decoded per advance.
func (c *storeCursor) step() bool {
	var (
		enc string
		k   key.Key
		val []byte
		ok  bool
	)
	if c.dir.Forward() {
		enc, k, val, ok = c.h.s.successor(c.pos)
	} else {
		enc, k, val, ok = c.h.s.predecessor(c.pos)
	}
	if !ok || !c.rng.Contains(k) {
		return false
	}
	c.pos, c.k, c.val = enc, k, val
	return true
}

func (c *storeCursor) submitStep(n int, target key.Key) (engine.Req, error) {
	return c.h.t.Submit(func() (any, error) {
		for i := 0; i < n; i++ {
			if !c.step() {
				return nil, nil
			}
		}
		if !target.IsZero() {
			for c.rng.Contains(c.k) {
				cmp := c.k.Compare(target)
				if (c.dir.Forward() && cmp >= 0) || (!c.dir.Forward() && cmp <= 0) {
					break
				}
				if !c.step() {
					return nil, nil
				}
			}
		}
		return c, nil
	})
}

func (c *storeCursor) Continue() (engine.Req, error) {
	return c.submitStep(1, key.Key{})
}

func (c *storeCursor) ContinueKey(k key.Key) (engine.Req, error) {
	if k.IsZero() {
		return nil, fmt.Errorf("memdb: continue requires a key")
	}
	cmp := k.Compare(c.k)
	if (c.dir.Forward() && cmp <= 0) || (!c.dir.Forward() && cmp >= 0) {
		return nil, fmt.Errorf("memdb: continue key does not advance the cursor")
	}
	return c.submitStep(1, k)
}

func (c *storeCursor) ContinuePrimaryKey(k, primary key.Key) (engine.Req, error) {
	return nil, fmt.Errorf("memdb: continuePrimaryKey is only valid on index cursors")
}

func (c *storeCursor) Advance(count int) (engine.Req, error) {
	if count < 1 {
		return nil, fmt.Errorf("memdb: advance count must be positive, got %d", count)
	}
	return c.submitStep(count, key.Key{})
}

func (c *storeCursor) Update(value []byte) (engine.Req, error) {
	if !c.h.t.writable() {
		return nil, engine.ErrTxReadOnly
	}
	if c.keysOnly {
		return nil, fmt.Errorf("memdb: cannot update through a key cursor")
	}
	k := c.k
	return c.h.t.Submit(func() (any, error) {
		kk, err := c.h.t.putRow(c.h.s, k, value, false)
		if err != nil {
			return nil, err
		}
		return kk, nil
	})
}

func (c *storeCursor) Delete() (engine.Req, error) {
	if !c.h.t.writable() {
		return nil, engine.ErrTxReadOnly
	}
	if c.keysOnly {
		return nil, fmt.Errorf("memdb: cannot delete through a key cursor")
	}
	k := c.k
	return c.h.t.Submit(func() (any, error) {
		return nil, c.h.t.deleteRow(c.h.s, k)
	})
}

type idxCursor struct {
	ih       *idxHandle
	rng      key.Range
	dir      engine.Direction
	keysOnly bool

	pos string // composite encoding of the current entry
	ik  key.Key
	pk  key.Key
	val []byte
}

func (c *idxCursor) Key() key.Key        { return c.ik }
func (c *idxCursor) PrimaryKey() key.Key { return c.pk }

func (c *idxCursor) Value() []byte {
	if c.keysOnly {
		return nil
	}
	return c.val
}

func (c *idxCursor) land(comp string, ik, pk key.Key) (bool, error) {
	c.pos, c.ik, c.pk = comp, ik, pk
	if c.keysOnly {
		return true, nil
	}
	val, ok := c.ih.h.s.rows.Load(string(pk.Encode()))
	if !ok {
		return false, fmt.Errorf("memdb: index %q entry without record", c.ih.x.name)
	}
	c.val = val
	return true, nil
}

func (c *idxCursor) seekFirst() bool {
	var comp string
	var ik, pk key.Key
	var ok bool
	if c.dir == engine.PrevUnique {
		// first entry of the last key group: ascending scan keeping
		// the first entry seen for each distinct index key
		c.ih.x.scan(c.rng, true, func(cc string, i, p key.Key) bool {
			if !ok || i.Compare(ik) != 0 {
				comp, ik, pk, ok = cc, i, p, true
			}
			return true
		})
	} else {
		comp, ik, pk, ok = c.ih.x.firstWhere(c.rng, c.dir.Forward(), nil)
	}
	if !ok {
		return false
	}
	landed, err := c.land(comp, ik, pk)
	return landed && err == nil
}

// step moves one position in the cursor's direction, honoring the
// unique variants. Neighbors are located through raw string compares
// on the composite encodings, so an advance decodes at most two
// entries. Returns false past the last matching entry.
func (c *idxCursor) step() (bool, error) {
	switch c.dir {
	case engine.Prev:
		comp, ik, pk, ok := c.ih.x.predecessor(c.pos)
		if !ok || !c.rng.Contains(ik) {
			return false, nil
		}
		return c.land(comp, ik, pk)
	case engine.NextUnique:
		comp, ik, pk, ok := c.ih.x.successor(groupEnd(c.ik))
		if !ok || !c.rng.Contains(ik) {
			return false, nil
		}
		return c.land(comp, ik, pk)
	case engine.PrevUnique:
		// last entry of the previous key group, then its group start:
		// the bare encoding of an index key sorts just below every
		// composite built on it
		_, g, _, ok := c.ih.x.predecessor(string(c.ik.Encode()))
		if !ok || !c.rng.Contains(g) {
			return false, nil
		}
		comp, ik, pk, ok := c.ih.x.successor(string(g.Encode()))
		if !ok || ik.Compare(g) != 0 {
			return false, nil
		}
		return c.land(comp, ik, pk)
	default: // Next
		comp, ik, pk, ok := c.ih.x.successor(c.pos)
		if !ok || !c.rng.Contains(ik) {
			return false, nil
		}
		return c.land(comp, ik, pk)
	}
}

func (c *idxCursor) submitStep(n int, target, targetPK key.Key) (engine.Req, error) {
	return c.ih.h.t.Submit(func() (any, error) {
		for i := 0; i < n; i++ {
			ok, err := c.step()
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, nil
			}
		}
		for !target.IsZero() {
			cmp := c.ik.Compare(target)
			reached := (c.dir.Forward() && cmp >= 0) || (!c.dir.Forward() && cmp <= 0)
			if reached && !targetPK.IsZero() && cmp == 0 {
				pcmp := c.pk.Compare(targetPK)
				reached = (c.dir.Forward() && pcmp >= 0) || (!c.dir.Forward() && pcmp <= 0)
			}
			if reached {
				break
			}
			ok, err := c.step()
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, nil
			}
		}
		return c, nil
	})
}

func (c *idxCursor) Continue() (engine.Req, error) {
	return c.submitStep(1, key.Key{}, key.Key{})
}

func (c *idxCursor) ContinueKey(k key.Key) (engine.Req, error) {
	if k.IsZero() {
		return nil, fmt.Errorf("memdb: continue requires a key")
	}
	cmp := k.Compare(c.ik)
	if (c.dir.Forward() && cmp <= 0) || (!c.dir.Forward() && cmp >= 0) {
		return nil, fmt.Errorf("memdb: continue key does not advance the cursor")
	}
	return c.submitStep(1, k, key.Key{})
}

func (c *idxCursor) ContinuePrimaryKey(k, primary key.Key) (engine.Req, error) {
	if k.IsZero() || primary.IsZero() {
		return nil, fmt.Errorf("memdb: continuePrimaryKey requires both keys")
	}
	if c.dir.Unique() {
		return nil, fmt.Errorf("memdb: continuePrimaryKey is invalid for unique directions")
	}
	return c.submitStep(1, k, primary)
}

func (c *idxCursor) Advance(count int) (engine.Req, error) {
	if count < 1 {
		return nil, fmt.Errorf("memdb: advance count must be positive, got %d", count)
	}
	return c.submitStep(count, key.Key{}, key.Key{})
}

func (c *idxCursor) Update(value []byte) (engine.Req, error) {
	if !c.ih.h.t.writable() {
		return nil, engine.ErrTxReadOnly
	}
	if c.keysOnly {
		return nil, fmt.Errorf("memdb: cannot update through a key cursor")
	}
	pk := c.pk
	return c.ih.h.t.Submit(func() (any, error) {
		kk, err := c.ih.h.t.putRow(c.ih.h.s, pk, value, false)
		if err != nil {
			return nil, err
		}
		return kk, nil
	})
}

func (c *idxCursor) Delete() (engine.Req, error) {
	if !c.ih.h.t.writable() {
		return nil, engine.ErrTxReadOnly
	}
	if c.keysOnly {
		return nil, fmt.Errorf("memdb: cannot delete through a key cursor")
	}
	pk := c.pk
	return c.ih.h.t.Submit(func() (any, error) {
		return nil, c.ih.h.t.deleteRow(c.ih.h.s, pk)
	})
}
