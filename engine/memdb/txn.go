package memdb

import (
	"sort"

	"github.com/zhangyunhao116/skipmap"

	"wren/engine"
	"wren/key"
)

type txn struct {
	*engine.TxnCore
	eng    *Engine
	db     *database
	mode   engine.Mode
	scope  map[string]*store
	locked []*store
	undo   []func()
	target uint64 // versionchange only
}

func newTxn(eng *Engine, db *database, names []string, mode engine.Mode) (*txn, error) {
	db.mu.RLock()
	scope := make(map[string]*store, len(names))
	for _, name := range names {
		s, ok := db.stores[name]
		if !ok {
			db.mu.RUnlock()
			return nil, engine.ErrStoreNotFound
		}
		scope[name] = s
	}
	db.mu.RUnlock()

	locked := make([]*store, 0, len(scope))
	for _, s := range scope {
		locked = append(locked, s)
	}
	// lock acquisition in a fixed order keeps overlapping scopes from
	// deadlocking each other
	sort.Slice(locked, func(i, j int) bool { return locked[i].name < locked[j].name })

	t := &txn{eng: eng, db: db, mode: mode, scope: scope, locked: locked}
	t.TxnCore = engine.NewTxnCore(mode, t.begin, t.commit, t.rollback)
	return t, nil
}

// newVersionTxn runs with no other connection open, so it takes no
// store locks; schema exclusivity comes from the blocked-open wait.
func newVersionTxn(eng *Engine, db *database, target uint64) *txn {
	t := &txn{eng: eng, db: db, mode: engine.VersionChange, target: target}
	t.TxnCore = engine.NewTxnCore(engine.VersionChange,
		func() error { return nil }, t.commitVersion, t.rollback)
	return t
}

func (t *txn) begin() error {
	for _, s := range t.locked {
		if t.mode == engine.ReadWrite {
			s.mu.Lock()
		} else {
			s.mu.RLock()
		}
	}
	return nil
}

func (t *txn) release() {
	for _, s := range t.locked {
		if t.mode == engine.ReadWrite {
			s.mu.Unlock()
		} else {
			s.mu.RUnlock()
		}
	}
}

func (t *txn) commit() error {
	t.undo = nil
	t.release()
	return nil
}

func (t *txn) commitVersion() error {
	t.db.mu.Lock()
	t.db.version = t.target
	t.db.mu.Unlock()
	t.undo = nil
	return nil
}

func (t *txn) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	if t.mode != engine.VersionChange {
		t.release()
	}
}

func (t *txn) writable() bool {
	return t.mode == engine.ReadWrite || t.mode == engine.VersionChange
}

func (t *txn) Store(name string) (engine.Store, error) {
	if t.mode == engine.VersionChange {
		t.db.mu.RLock()
		s, ok := t.db.stores[name]
		t.db.mu.RUnlock()
		if !ok {
			return nil, engine.ErrStoreNotFound
		}
		return &storeHandle{t: t, s: s}, nil
	}
	s, ok := t.scope[name]
	if !ok {
		return nil, engine.ErrOutOfScope
	}
	return &storeHandle{t: t, s: s}, nil
}

func (t *txn) CreateStore(name string, opts engine.StoreOptions) (engine.Store, error) {
	if t.mode != engine.VersionChange {
		return nil, engine.ErrNotUpgrade
	}
	res, err := t.SubmitSync(func() (any, error) {
		t.db.mu.Lock()
		defer t.db.mu.Unlock()
		if _, exists := t.db.stores[name]; exists {
			return nil, engine.ErrStoreExists
		}
		s := newStore(name, opts)
		t.db.stores[name] = s
		t.undo = append(t.undo, func() {
			t.db.mu.Lock()
			delete(t.db.stores, name)
			t.db.mu.Unlock()
		})
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return &storeHandle{t: t, s: res.(*store)}, nil
}

func (t *txn) DeleteStore(name string) error {
	if t.mode != engine.VersionChange {
		return engine.ErrNotUpgrade
	}
	_, err := t.SubmitSync(func() (any, error) {
		t.db.mu.Lock()
		defer t.db.mu.Unlock()
		s, ok := t.db.stores[name]
		if !ok {
			return nil, engine.ErrStoreNotFound
		}
		delete(t.db.stores, name)
		t.undo = append(t.undo, func() {
			t.db.mu.Lock()
			t.db.stores[name] = s
			t.db.mu.Unlock()
		})
		return nil, nil
	})
	return err
}

// putRow writes a record and keeps every index in step. Runs on the
// transaction loop goroutine.
func (t *txn) putRow(s *store, k key.Key, val []byte, addOnly bool) (key.Key, error) {
	if k.IsZero() {
		if !s.opts.AutoIncrement {
			return key.Key{}, engine.ErrKeyRequired
		}
		prev := s.seq
		s.seq++
		k = key.Float(float64(s.seq))
		t.undo = append(t.undo, func() { s.seq = prev })
	} else if s.opts.AutoIncrement && k.Type() == key.TypeNumber && k.Num() > float64(s.seq) {
		prev := s.seq
		s.seq = uint64(k.Num())
		t.undo = append(t.undo, func() { s.seq = prev })
	}

	enc := string(k.Encode())
	old, existed := s.rows.Load(enc)
	if existed && addOnly {
		return key.Key{}, engine.ErrConstraint
	}

	var oldVal []byte
	if existed {
		oldVal = old
	}
	if err := t.updateIndexes(s, k, oldVal, val); err != nil {
		return key.Key{}, err
	}

	s.rows.Store(enc, val)
	if existed {
		t.undo = append(t.undo, func() { s.rows.Store(enc, old) })
	} else {
		t.undo = append(t.undo, func() { s.rows.Delete(enc) })
	}
	return k, nil
}

func (t *txn) deleteRow(s *store, k key.Key) error {
	enc := string(k.Encode())
	old, existed := s.rows.Load(enc)
	if !existed {
		return nil
	}
	if err := t.updateIndexes(s, k, old, nil); err != nil {
		return err
	}
	s.rows.Delete(enc)
	t.undo = append(t.undo, func() { s.rows.Store(enc, old) })
	return nil
}

// updateIndexes removes the record's old index entries and adds the
// new ones. Constraints are checked across all indexes before anything
// is touched, so a failed operation leaves the record intact.
func (t *txn) updateIndexes(s *store, pk key.Key, oldVal, newVal []byte) error {
	if len(s.indexes) == 0 {
		return nil
	}

	var oldRec, newRec any
	var err error
	if oldVal != nil {
		if oldRec, err = t.eng.cdc.Decode(oldVal); err != nil {
			return err
		}
	}
	if newVal != nil {
		if newRec, err = t.eng.cdc.Decode(newVal); err != nil {
			return err
		}
	}

	type change struct {
		idx      *index
		del, add string
	}
	encPK := pk.Encode()
	var changes []change
	for _, idx := range s.indexes {
		var ch change
		ch.idx = idx
		if oldRec != nil {
			if ik, ok := engine.ExtractKey(oldRec, idx.keyPath); ok {
				ch.del = compositeKey(ik, pk)
			}
		}
		if newRec != nil {
			if ik, ok := engine.ExtractKey(newRec, idx.keyPath); ok {
				ch.add = compositeKey(ik, pk)
				if idx.unique && idx.hasOtherEntry(ik, pk) {
					return engine.ErrConstraint
				}
			}
		}
		changes = append(changes, ch)
	}

	for _, ch := range changes {
		if ch.del != "" && ch.del != ch.add {
			idx, del := ch.idx, ch.del
			if old, ok := idx.rows.Load(del); ok {
				idx.rows.Delete(del)
				t.undo = append(t.undo, func() { idx.rows.Store(del, old) })
			}
		}
		if ch.add != "" && ch.add != ch.del {
			idx, add := ch.idx, ch.add
			idx.rows.Store(add, encPK)
			t.undo = append(t.undo, func() { idx.rows.Delete(add) })
		}
	}
	return nil
}

// backfillIndex builds a fresh index over the store's existing rows.
// Runs on the transaction loop goroutine.
func (t *txn) backfillIndex(s *store, name, keyPath string, opts engine.IndexOptions) (*index, error) {
	idx := &index{
		name:    name,
		keyPath: keyPath,
		unique:  opts.Unique,
		rows:    skipmap.NewString[[]byte](),
	}
	var ferr error
	s.rows.Range(func(enc string, val []byte) bool {
		pk, err := key.Decode([]byte(enc))
		if err != nil {
			ferr = err
			return false
		}
		rec, err := t.eng.cdc.Decode(val)
		if err != nil {
			ferr = err
			return false
		}
		ik, ok := engine.ExtractKey(rec, keyPath)
		if !ok {
			return true
		}
		if idx.unique && idx.hasOtherEntry(ik, pk) {
			ferr = engine.ErrConstraint
			return false
		}
		idx.rows.Store(compositeKey(ik, pk), pk.Encode())
		return true
	})
	if ferr != nil {
		return nil, ferr
	}
	return idx, nil
}

func compositeKey(indexKey, primary key.Key) string {
	return string(primary.Append(indexKey.Encode()))
}

// hasOtherEntry reports whether the index holds ik for a different
// primary key. Prefix matching on the encoding is unsafe for string
// keys containing escapes, so entries are decoded and compared.
func (idx *index) hasOtherEntry(ik, pk key.Key) bool {
	found := false
	idx.rows.Range(func(comp string, _ []byte) bool {
		entryIK, rest, err := key.Consume([]byte(comp))
		if err != nil {
			return true
		}
		c := entryIK.Compare(ik)
		if c > 0 {
			return false
		}
		if c == 0 {
			entryPK, _, err := key.Consume(rest)
			if err == nil && entryPK.Compare(pk) != 0 {
				found = true
				return false
			}
		}
		return true
	})
	return found
}
