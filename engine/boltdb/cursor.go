package boltdb

import (
	"bytes"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"wren/engine"
	"wren/key"
)

// scan visits in-range records in key order (reverse when fwd is
// false). The order-preserving key encoding makes bucket byte order
// and key order the same thing, so bounds become seek targets. The
// callback returns false to stop early; its arguments alias bolt
// memory and must not be retained.
func (h *storeHandle) scan(rng key.Range, fwd bool, f func(enc []byte, k key.Key, val []byte) bool) {
	c := h.t.dataBucket(h.s).Cursor()
	var enc, val []byte
	if fwd {
		if lo, ok := rng.Lower.Get(); ok {
			enc, val = c.Seek(lo.Encode())
		} else {
			enc, val = c.First()
		}
		for ; enc != nil; enc, val = c.Next() {
			k, err := key.Decode(enc)
			if err != nil {
				continue
			}
			match, _, past := rng.Probe(k)
			if past {
				return
			}
			if match && !f(enc, k, val) {
				return
			}
		}
		return
	}

	if hi, ok := rng.Upper.Get(); ok {
		enc, val = c.Seek(hi.Encode())
		if enc == nil {
			enc, val = c.Last()
		}
	} else {
		enc, val = c.Last()
	}
	for ; enc != nil; enc, val = c.Prev() {
		k, err := key.Decode(enc)
		if err != nil {
			continue
		}
		match, below, _ := rng.Probe(k)
		if below {
			return
		}
		if match && !f(enc, k, val) {
			return
		}
	}
}

func (h *storeHandle) firstWhere(rng key.Range, fwd bool, pred func(enc []byte, k key.Key) bool) (enc []byte, k key.Key, val []byte, ok bool) {
	h.scan(rng, fwd, func(e []byte, kk key.Key, v []byte) bool {
		if pred != nil && !pred(e, kk) {
			return true
		}
		enc, k, val, ok = e, kk, v, true
		return false
	})
	return
}

func (ih *idxHandle) scan(rng key.Range, fwd bool, f func(comp []byte, ik, pk key.Key) bool) {
	c := ih.h.t.idxBucket(ih.h.s, ih.x).Cursor()
	var comp []byte
	if fwd {
		if lo, ok := rng.Lower.Get(); ok {
			comp, _ = c.Seek(lo.Encode())
		} else {
			comp, _ = c.First()
		}
		for ; comp != nil; comp, _ = c.Next() {
			ik, pk, err := splitComposite(comp)
			if err != nil {
				continue
			}
			match, _, past := rng.Probe(ik)
			if past {
				return
			}
			if match && !f(comp, ik, pk) {
				return
			}
		}
		return
	}

	if hi, ok := rng.Upper.Get(); ok {
		// composites for the upper bound key sort just above its bare
		// encoding, so step forward past them before walking back
		comp, _ = c.Seek(hi.Encode())
		for comp != nil {
			ik, _, err := splitComposite(comp)
			if err == nil {
				if _, _, above := rng.Probe(ik); above {
					break
				}
			}
			comp, _ = c.Next()
		}
		if comp == nil {
			comp, _ = c.Last()
		} else {
			comp, _ = c.Prev()
		}
	} else {
		comp, _ = c.Last()
	}
	for ; comp != nil; comp, _ = c.Prev() {
		ik, pk, err := splitComposite(comp)
		if err != nil {
			continue
		}
		match, below, _ := rng.Probe(ik)
		if below {
			return
		}
		if match && !f(comp, ik, pk) {
			return
		}
	}
}

func (ih *idxHandle) firstWhere(rng key.Range, fwd bool, pred func(comp []byte, ik, pk key.Key) bool) (comp []byte, ik, pk key.Key, ok bool) {
	ih.scan(rng, fwd, func(cc []byte, i, p key.Key) bool {
		if pred != nil && !pred(cc, i, p) {
			return true
		}
		comp, ik, pk, ok = cc, i, p, true
		return false
	})
	return
}

func (ih *idxHandle) cursor() *bolt.Cursor {
	return ih.h.t.idxBucket(ih.h.s, ih.x).Cursor()
}

// groupEnd is a seek target just above every composite of ik's key
// group. Composite continuations begin with a tag byte below 0xff, so
// enc(ik)||0xff sorts after the whole group and before the next one.
func groupEnd(ik key.Key) []byte {
	return append(ik.Encode(), 0xff)
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

type storeCursor struct {
	h        *storeHandle
	rng      key.Range
	dir      engine.Direction
	keysOnly bool

	pos []byte // encoding of the current key, owned copy
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

func (c *storeCursor) land(enc []byte, k key.Key, val []byte) {
	c.pos, c.k = bytes.Clone(enc), k
	if !c.keysOnly {
		c.val = bytes.Clone(val)
	}
}

func (c *storeCursor) seekFirst() bool {
	enc, k, val, ok := c.h.firstWhere(c.rng, c.dir.Forward(), nil)
	if !ok {
		return false
	}
	c.land(enc, k, val)
	return true
}

// step seeks the bucket cursor back to the current entry and moves
// one slot, so an advance costs one B-tree descent rather than a
// rescan from the range boundary.
func (c *storeCursor) step() bool {
	bc := c.h.t.dataBucket(c.h.s).Cursor()
	enc, val := bc.Seek(c.pos)
	if c.dir.Forward() {
		if enc != nil && bytes.Equal(enc, c.pos) {
			enc, val = bc.Next()
		}
		for ; enc != nil; enc, val = bc.Next() {
			k, err := key.Decode(enc)
			if err != nil {
				continue
			}
			match, _, past := c.rng.Probe(k)
			if past {
				return false
			}
			if match {
				c.land(enc, k, val)
				return true
			}
		}
		return false
	}

	// Seek lands at or above the current entry; its predecessor is one
	// Prev away (Last when the position is past the end of the bucket)
	if enc == nil {
		enc, val = bc.Last()
	} else {
		enc, val = bc.Prev()
	}
	for ; enc != nil; enc, val = bc.Prev() {
		k, err := key.Decode(enc)
		if err != nil {
			continue
		}
		match, below, _ := c.rng.Probe(k)
		if below {
			return false
		}
		if match {
			c.land(enc, k, val)
			return true
		}
	}
	return false
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
		return nil, fmt.Errorf("boltdb: continue requires a key")
	}
	cmp := k.Compare(c.k)
	if (c.dir.Forward() && cmp <= 0) || (!c.dir.Forward() && cmp >= 0) {
		return nil, fmt.Errorf("boltdb: continue key does not advance the cursor")
	}
	return c.submitStep(1, k)
}

func (c *storeCursor) ContinuePrimaryKey(k, primary key.Key) (engine.Req, error) {
	return nil, fmt.Errorf("boltdb: continuePrimaryKey is only valid on index cursors")
}

func (c *storeCursor) Advance(count int) (engine.Req, error) {
	if count < 1 {
		return nil, fmt.Errorf("boltdb: advance count must be positive, got %d", count)
	}
	return c.submitStep(count, key.Key{})
}

func (c *storeCursor) Update(value []byte) (engine.Req, error) {
	if !c.h.t.writable() {
		return nil, engine.ErrTxReadOnly
	}
	if c.keysOnly {
		return nil, fmt.Errorf("boltdb: cannot update through a key cursor")
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
		return nil, fmt.Errorf("boltdb: cannot delete through a key cursor")
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

	pos []byte // composite encoding of the current entry, owned copy
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

func (c *idxCursor) land(comp []byte, ik, pk key.Key) (bool, error) {
	c.pos, c.ik, c.pk = bytes.Clone(comp), ik, pk
	if c.keysOnly {
		return true, nil
	}
	val, err := c.ih.record(pk)
	if err != nil {
		return false, err
	}
	c.val = bytes.Clone(val)
	return true, nil
}

func (c *idxCursor) seekFirst() bool {
	comp, ik, pk, ok := c.ih.firstWhere(c.rng, c.dir.Forward(), nil)
	if !ok {
		return false
	}
	if c.dir == engine.PrevUnique {
		// reverse entry order lands on the last entry of the last key
		// group; reseek to that group's first entry
		comp, ik, pk, ok = c.ih.groupStart(ik)
		if !ok {
			return false
		}
	}
	landed, err := c.land(comp, ik, pk)
	return landed && err == nil
}

// groupStart positions at the lowest-primary-key entry of ik's group.
// The bare encoding of ik sorts just below every composite built on
// it, so it is a direct seek target.
func (ih *idxHandle) groupStart(ik key.Key) (comp []byte, gik, pk key.Key, ok bool) {
	comp, _ = ih.cursor().Seek(ik.Encode())
	if comp == nil {
		return nil, key.Key{}, key.Key{}, false
	}
	gik, pk, err := splitComposite(comp)
	if err != nil || gik.Compare(ik) != 0 {
		return nil, key.Key{}, key.Key{}, false
	}
	return comp, gik, pk, true
}

// step moves one position in the cursor's direction, honoring the
// unique variants. Each variant reseeks the bucket cursor near the
// current entry instead of rescanning from the range boundary.
// Returns false past the last matching entry.
func (c *idxCursor) step() (bool, error) {
	bc := c.ih.cursor()
	switch c.dir {
	case engine.Prev:
		comp, _ := bc.Seek(c.pos)
		if comp == nil {
			comp, _ = bc.Last()
		} else {
			comp, _ = bc.Prev()
		}
		return c.walkBack(bc, comp)
	case engine.NextUnique:
		comp, _ := bc.Seek(groupEnd(c.ik))
		return c.walkForward(bc, comp)
	case engine.PrevUnique:
		// last entry of the previous key group, then its group start
		comp, _ := bc.Seek(c.ik.Encode())
		if comp == nil {
			comp, _ = bc.Last()
		} else {
			comp, _ = bc.Prev()
		}
		for ; comp != nil; comp, _ = bc.Prev() {
			ik, _, err := splitComposite(comp)
			if err != nil {
				continue
			}
			match, below, _ := c.rng.Probe(ik)
			if below {
				return false, nil
			}
			if !match {
				continue
			}
			gc, gik, pk, ok := c.ih.groupStart(ik)
			if !ok {
				return false, nil
			}
			return c.land(gc, gik, pk)
		}
		return false, nil
	default: // Next
		comp, _ := bc.Seek(c.pos)
		if comp != nil && bytes.Equal(comp, c.pos) {
			comp, _ = bc.Next()
		}
		return c.walkForward(bc, comp)
	}
}

func (c *idxCursor) walkForward(bc *bolt.Cursor, comp []byte) (bool, error) {
	for ; comp != nil; comp, _ = bc.Next() {
		ik, pk, err := splitComposite(comp)
		if err != nil {
			continue
		}
		match, _, past := c.rng.Probe(ik)
		if past {
			return false, nil
		}
		if match {
			return c.land(comp, ik, pk)
		}
	}
	return false, nil
}

func (c *idxCursor) walkBack(bc *bolt.Cursor, comp []byte) (bool, error) {
	for ; comp != nil; comp, _ = bc.Prev() {
		ik, pk, err := splitComposite(comp)
		if err != nil {
			continue
		}
		match, below, _ := c.rng.Probe(ik)
		if below {
			return false, nil
		}
		if match {
			return c.land(comp, ik, pk)
		}
	}
	return false, nil
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
		return nil, fmt.Errorf("boltdb: continue requires a key")
	}
	cmp := k.Compare(c.ik)
	if (c.dir.Forward() && cmp <= 0) || (!c.dir.Forward() && cmp >= 0) {
		return nil, fmt.Errorf("boltdb: continue key does not advance the cursor")
	}
	return c.submitStep(1, k, key.Key{})
}

func (c *idxCursor) ContinuePrimaryKey(k, primary key.Key) (engine.Req, error) {
	if k.IsZero() || primary.IsZero() {
		return nil, fmt.Errorf("boltdb: continuePrimaryKey requires both keys")
	}
	if c.dir.Unique() {
		return nil, fmt.Errorf("boltdb: continuePrimaryKey is invalid for unique directions")
	}
	return c.submitStep(1, k, primary)
}

func (c *idxCursor) Advance(count int) (engine.Req, error) {
	if count < 1 {
		return nil, fmt.Errorf("boltdb: advance count must be positive, got %d", count)
	}
	return c.submitStep(count, key.Key{}, key.Key{})
}

func (c *idxCursor) Update(value []byte) (engine.Req, error) {
	if !c.ih.h.t.writable() {
		return nil, engine.ErrTxReadOnly
	}
	if c.keysOnly {
		return nil, fmt.Errorf("boltdb: cannot update through a key cursor")
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
		return nil, fmt.Errorf("boltdb: cannot delete through a key cursor")
	}
	pk := c.pk
	return c.ih.h.t.Submit(func() (any, error) {
		return nil, c.ih.h.t.deleteRow(c.ih.h.s, pk)
	})
}
