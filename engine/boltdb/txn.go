package boltdb

import (
	"bytes"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"wren/engine"
	"wren/key"
)

// txn wraps one bolt transaction. Data changes are covered by bolt's
// own rollback; the undo log only reverts the in-memory schema mirror
// (sequences, store and index maps). The bolt transaction is opened in
// begin and every use of it happens on the loop goroutine, which is
// the single-goroutine discipline bbolt requires.
type txn struct {
	*engine.TxnCore
	eng    *Engine
	st     *dbState
	mode   engine.Mode
	scope  map[string]*storeMeta
	locked []*storeMeta
	btx    *bolt.Tx
	undo   []func()
	target uint64 // versionchange only
}

func newTxn(eng *Engine, st *dbState, names []string, mode engine.Mode) (*txn, error) {
	st.mu.RLock()
	scope := make(map[string]*storeMeta, len(names))
	for _, name := range names {
		s, ok := st.stores[name]
		if !ok {
			st.mu.RUnlock()
			return nil, engine.ErrStoreNotFound
		}
		scope[name] = s
	}
	st.mu.RUnlock()

	locked := make([]*storeMeta, 0, len(scope))
	for _, s := range scope {
		locked = append(locked, s)
	}
	// fixed acquisition order, same discipline as the store locks in
	// any other engine sharing a database between transactions
	sort.Slice(locked, func(i, j int) bool { return locked[i].name < locked[j].name })

	t := &txn{eng: eng, st: st, mode: mode, scope: scope, locked: locked}
	t.TxnCore = engine.NewTxnCore(mode, t.begin, t.commit, t.rollback)
	return t, nil
}

// newVersionTxn runs with no other connection open; exclusivity comes
// from the blocked-open wait, so it takes no store locks.
func newVersionTxn(eng *Engine, st *dbState, target uint64) *txn {
	t := &txn{eng: eng, st: st, mode: engine.VersionChange, target: target}
	t.TxnCore = engine.NewTxnCore(engine.VersionChange,
		t.beginWrite, t.commitVersion, t.rollback)
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
	btx, err := t.st.db.Begin(t.mode == engine.ReadWrite)
	if err != nil {
		t.release()
		return err
	}
	t.btx = btx
	return nil
}

func (t *txn) beginWrite() error {
	btx, err := t.st.db.Begin(true)
	if err != nil {
		return err
	}
	t.btx = btx
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
	var err error
	if t.mode == engine.ReadOnly {
		err = t.btx.Rollback()
	} else {
		err = t.btx.Commit()
	}
	if err != nil {
		t.undoAll()
	} else {
		t.undo = nil
	}
	t.release()
	return err
}

func (t *txn) commitVersion() error {
	meta := t.btx.Bucket(bucketMeta)
	if err := meta.Put(keyVersion, beBytes(t.target)); err != nil {
		t.undoAll()
		t.btx.Rollback()
		return err
	}
	if err := t.btx.Commit(); err != nil {
		t.undoAll()
		return err
	}
	t.st.mu.Lock()
	t.st.version = t.target
	t.st.mu.Unlock()
	t.undo = nil
	return nil
}

func (t *txn) rollback() {
	if t.btx != nil {
		t.btx.Rollback()
	}
	t.undoAll()
	if t.mode != engine.VersionChange {
		t.release()
	}
}

func (t *txn) undoAll() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *txn) writable() bool {
	return t.mode == engine.ReadWrite || t.mode == engine.VersionChange
}

func (t *txn) Store(name string) (engine.Store, error) {
	if t.mode == engine.VersionChange {
		t.st.mu.RLock()
		s, ok := t.st.stores[name]
		t.st.mu.RUnlock()
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
		t.st.mu.Lock()
		defer t.st.mu.Unlock()
		if _, exists := t.st.stores[name]; exists {
			return nil, engine.ErrStoreExists
		}
		if _, err := t.btx.CreateBucket(storeBucket(name)); err != nil {
			return nil, err
		}
		s := &storeMeta{
			name:    name,
			autoInc: opts.AutoIncrement,
			indexes: make(map[string]*indexMeta),
		}
		if err := t.writeStoreRecord(s); err != nil {
			return nil, err
		}
		t.st.stores[name] = s
		t.undo = append(t.undo, func() {
			t.st.mu.Lock()
			delete(t.st.stores, name)
			t.st.mu.Unlock()
		})
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return &storeHandle{t: t, s: res.(*storeMeta)}, nil
}

func (t *txn) DeleteStore(name string) error {
	if t.mode != engine.VersionChange {
		return engine.ErrNotUpgrade
	}
	_, err := t.SubmitSync(func() (any, error) {
		t.st.mu.Lock()
		defer t.st.mu.Unlock()
		s, ok := t.st.stores[name]
		if !ok {
			return nil, engine.ErrStoreNotFound
		}
		if err := t.btx.DeleteBucket(storeBucket(name)); err != nil {
			return nil, err
		}
		if err := t.btx.Bucket(bucketStores).Delete([]byte(name)); err != nil {
			return nil, err
		}
		for idxName := range s.indexes {
			if err := t.btx.DeleteBucket(indexBucket(name, idxName)); err != nil {
				return nil, err
			}
			if err := t.btx.Bucket(bucketIndexes).Delete(indexMetaKey(name, idxName)); err != nil {
				return nil, err
			}
		}
		delete(t.st.stores, name)
		t.undo = append(t.undo, func() {
			t.st.mu.Lock()
			t.st.stores[name] = s
			t.st.mu.Unlock()
		})
		return nil, nil
	})
	return err
}

// writeStoreRecord persists a store's schema record. Runs inside the
// bolt transaction on the loop goroutine.
func (t *txn) writeStoreRecord(s *storeMeta) error {
	raw, err := msgpack.Marshal(storeRecord{AutoIncrement: s.autoInc, Seq: s.seq})
	if err != nil {
		return err
	}
	return t.btx.Bucket(bucketStores).Put([]byte(s.name), raw)
}

func (t *txn) dataBucket(s *storeMeta) *bolt.Bucket {
	return t.btx.Bucket(storeBucket(s.name))
}

func (t *txn) idxBucket(s *storeMeta, idx *indexMeta) *bolt.Bucket {
	return t.btx.Bucket(indexBucket(s.name, idx.name))
}

// putRow writes a record and keeps every index in step. Runs on the
// transaction loop goroutine.
func (t *txn) putRow(s *storeMeta, k key.Key, val []byte, addOnly bool) (key.Key, error) {
	if k.IsZero() {
		if !s.autoInc {
			return key.Key{}, engine.ErrKeyRequired
		}
		prev := s.seq
		s.seq++
		k = key.Float(float64(s.seq))
		t.undo = append(t.undo, func() { s.seq = prev })
		if err := t.writeStoreRecord(s); err != nil {
			return key.Key{}, err
		}
	} else if s.autoInc && k.Type() == key.TypeNumber && k.Num() > float64(s.seq) {
		prev := s.seq
		s.seq = uint64(k.Num())
		t.undo = append(t.undo, func() { s.seq = prev })
		if err := t.writeStoreRecord(s); err != nil {
			return key.Key{}, err
		}
	}

	b := t.dataBucket(s)
	enc := k.Encode()
	old := b.Get(enc)
	if old != nil && addOnly {
		return key.Key{}, engine.ErrConstraint
	}

	if err := t.updateIndexes(s, k, old, val); err != nil {
		return key.Key{}, err
	}
	if err := b.Put(enc, val); err != nil {
		return key.Key{}, err
	}
	return k, nil
}

func (t *txn) deleteRow(s *storeMeta, k key.Key) error {
	b := t.dataBucket(s)
	enc := k.Encode()
	old := b.Get(enc)
	if old == nil {
		return nil
	}
	if err := t.updateIndexes(s, k, old, nil); err != nil {
		return err
	}
	return b.Delete(enc)
}

// updateIndexes removes the record's old index entries and adds the
// new ones. Constraints are checked across all indexes before anything
// is touched, so a failed operation leaves the record intact.
func (t *txn) updateIndexes(s *storeMeta, pk key.Key, oldVal, newVal []byte) error {
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
		idx      *indexMeta
		del, add []byte
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
				if idx.unique && t.hasOtherEntry(s, idx, ik, pk) {
					return engine.ErrConstraint
				}
			}
		}
		changes = append(changes, ch)
	}

	for _, ch := range changes {
		ib := t.idxBucket(s, ch.idx)
		if ch.del != nil && !bytes.Equal(ch.del, ch.add) {
			if err := ib.Delete(ch.del); err != nil {
				return err
			}
		}
		if ch.add != nil && !bytes.Equal(ch.add, ch.del) {
			if err := ib.Put(ch.add, encPK); err != nil {
				return err
			}
		}
	}
	return nil
}

// hasOtherEntry reports whether idx holds ik for a different primary
// key. The encoded key is a valid seek target, but prefix matching on
// it is unsafe for string keys containing escapes, so entries are
// decoded and compared from the seek point on.
func (t *txn) hasOtherEntry(s *storeMeta, idx *indexMeta, ik, pk key.Key) bool {
	c := t.idxBucket(s, idx).Cursor()
	for comp, _ := c.Seek(ik.Encode()); comp != nil; comp, _ = c.Next() {
		entryIK, rest, err := key.Consume(comp)
		if err != nil {
			continue
		}
		cmp := entryIK.Compare(ik)
		if cmp > 0 {
			return false
		}
		if cmp == 0 {
			entryPK, _, err := key.Consume(rest)
			if err == nil && entryPK.Compare(pk) != 0 {
				return true
			}
		}
	}
	return false
}

// backfillIndex builds a fresh index bucket over the store's existing
// rows. Runs on the transaction loop goroutine.
func (t *txn) backfillIndex(s *storeMeta, idx *indexMeta) error {
	ib, err := t.btx.CreateBucket(indexBucket(s.name, idx.name))
	if err != nil {
		return err
	}
	b := t.dataBucket(s)
	bc := b.Cursor()
	for enc, val := bc.First(); enc != nil; enc, val = bc.Next() {
		pk, err := key.Decode(enc)
		if err != nil {
			return err
		}
		rec, err := t.eng.cdc.Decode(val)
		if err != nil {
			return err
		}
		ik, ok := engine.ExtractKey(rec, idx.keyPath)
		if !ok {
			continue
		}
		if idx.unique && t.hasOtherEntry(s, idx, ik, pk) {
			return engine.ErrConstraint
		}
		if err := ib.Put(compositeKey(ik, pk), pk.Encode()); err != nil {
			return err
		}
	}
	return nil
}

func compositeKey(indexKey, primary key.Key) []byte {
	return primary.Append(indexKey.Encode())
}
