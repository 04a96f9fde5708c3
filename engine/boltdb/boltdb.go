// Package boltdb is the persistent host engine, one bbolt file per
// database. bbolt supplies the B-tree, transaction isolation and
// durability; this package only lays records and index entries out in
// buckets and keeps the schema metadata in step.
//
// Layout inside a database file:
//
//	meta            "version" -> big-endian uint64
//	stores          store name -> msgpack storeRecord
//	indexes         store\x00index -> msgpack indexRecord
//	s\x00<store>    record rows, encoded key -> encoded value
//	i\x00<store>\x00<index>
//	                index entries, enc(indexKey)+enc(primaryKey) -> enc(primaryKey)
package boltdb

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"wren/codec"
	"wren/engine"
)

var (
	bucketMeta    = []byte("meta")
	bucketStores  = []byte("stores")
	bucketIndexes = []byte("indexes")
	keyVersion    = []byte("version")
)

func storeBucket(name string) []byte {
	return append([]byte("s\x00"), name...)
}

func indexBucket(store, index string) []byte {
	b := append([]byte("i\x00"), store...)
	b = append(b, 0x00)
	return append(b, index...)
}

// indexMetaKey is the key of an index's record in the indexes bucket.
func indexMetaKey(store, index string) []byte {
	b := append([]byte(store), 0x00)
	return append(b, index...)
}

// storeRecord and indexRecord are the persisted halves of the schema.
type storeRecord struct {
	AutoIncrement bool   `msgpack:"auto"`
	Seq           uint64 `msgpack:"seq"`
}

type indexRecord struct {
	KeyPath string `msgpack:"path"`
	Unique  bool   `msgpack:"unique"`
}

type Engine struct {
	dir   string
	mu    sync.Mutex
	dbs   map[string]*dbState
	conns *engine.ConnSet
	cdc   codec.Codec
	log   *slog.Logger
}

// New stores each database under dir as <name>.db. Database names are
// used as file names verbatim.
func New(dir string, cdc codec.Codec) *Engine {
	return &Engine{
		dir:   dir,
		dbs:   make(map[string]*dbState),
		conns: engine.NewConnSet(),
		cdc:   cdc,
		log:   slog.Default().With("engine", "boltdb"),
	}
}

func (e *Engine) Codec() codec.Codec { return e.cdc }

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var first error
	for name, st := range e.dbs {
		if err := st.db.Close(); err != nil && first == nil {
			first = err
		}
		delete(e.dbs, name)
	}
	return first
}

// dbState is the in-memory mirror of one database file's schema.
// Mutated only by versionchange transactions, which run with no other
// connection open.
type dbState struct {
	name   string
	path   string
	db     *bolt.DB
	openMu sync.Mutex

	mu      sync.RWMutex
	version uint64
	stores  map[string]*storeMeta
}

type storeMeta struct {
	name    string
	autoInc bool
	seq     uint64
	indexes map[string]*indexMeta

	// data lock, same discipline as memdb: writers exclusive for the
	// transaction lifetime, readers shared
	mu sync.RWMutex
}

type indexMeta struct {
	name    string
	keyPath string
	unique  bool
}

// load opens (creating if needed) the database file and reads its
// schema into memory.
func (e *Engine) load(name string) (*dbState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.dbs[name]; ok {
		return st, nil
	}

	path := filepath.Join(e.dir, name+".db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltdb: open %s: %w", path, err)
	}

	st := &dbState{name: name, path: path, db: db, stores: make(map[string]*storeMeta)}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketStores, bucketIndexes} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		if v := tx.Bucket(bucketMeta).Get(keyVersion); v != nil {
			st.version = beUint64(v)
		}

		serr := tx.Bucket(bucketStores).ForEach(func(k, v []byte) error {
			var rec storeRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return err
			}
			st.stores[string(k)] = &storeMeta{
				name:    string(k),
				autoInc: rec.AutoIncrement,
				seq:     rec.Seq,
				indexes: make(map[string]*indexMeta),
			}
			return nil
		})
		if serr != nil {
			return serr
		}

		return tx.Bucket(bucketIndexes).ForEach(func(k, v []byte) error {
			storeName, idxName, ok := splitIndexKey(k)
			if !ok {
				return fmt.Errorf("boltdb: malformed index metadata key %q", k)
			}
			var rec indexRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return err
			}
			s, ok := st.stores[storeName]
			if !ok {
				return fmt.Errorf("boltdb: index %q for unknown store %q", idxName, storeName)
			}
			s.indexes[idxName] = &indexMeta{name: idxName, keyPath: rec.KeyPath, unique: rec.Unique}
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	e.dbs[name] = st
	return st, nil
}

func (e *Engine) Open(name string, version uint64, hooks engine.OpenHooks) {
	go e.open(name, version, hooks)
}

func (e *Engine) open(name string, version uint64, hooks engine.OpenHooks) {
	st, err := e.load(name)
	if err != nil {
		hooks.Error(err)
		return
	}

	st.openMu.Lock()
	defer st.openMu.Unlock()

	old := st.version
	target := version
	if target == 0 {
		target = old
		if target == 0 {
			target = 1
		}
	}

	switch {
	case target < old:
		e.dropIfEmpty(st)
		hooks.Error(fmt.Errorf("%w: have %d, requested %d", engine.ErrVersionTooLow, old, target))
		return
	case target == old:
		hooks.Success(e.newConn(st))
		return
	}

	e.conns.WaitIdle(name, func() {
		if hooks.Blocked != nil {
			hooks.Blocked(old)
		}
	})

	txn := newVersionTxn(e, st, target)
	conn := e.newConn(st)

	var upgradeErr error
	if hooks.Upgrade != nil {
		upgradeErr = hooks.Upgrade(conn, txn, old, target)
	}
	if upgradeErr != nil {
		_ = txn.Abort()
	} else {
		txn.Drain()
	}

	var termErr error
	done := make(chan struct{})
	txn.OnComplete(func() { close(done) })
	txn.OnError(func(err error) { termErr = err; close(done) })
	txn.OnAbort(func() { termErr = engine.ErrTxAborted; close(done) })
	<-done

	if upgradeErr != nil {
		termErr = upgradeErr
	}
	if termErr != nil {
		conn.Close()
		e.dropIfEmpty(st)
		hooks.Error(termErr)
		return
	}
	hooks.Success(conn)
}

// dropIfEmpty removes database files that never reached version 1, so
// a failed creating open leaves nothing on disk.
func (e *Engine) dropIfEmpty(st *dbState) {
	st.mu.RLock()
	empty := st.version == 0
	st.mu.RUnlock()
	if !empty {
		return
	}
	e.mu.Lock()
	delete(e.dbs, st.name)
	e.mu.Unlock()
	if err := st.db.Close(); err == nil {
		os.Remove(st.path)
	}
}

func (e *Engine) DeleteDatabase(name string, done func(error)) {
	go func() {
		path := filepath.Join(e.dir, name+".db")

		e.mu.Lock()
		st, ok := e.dbs[name]
		e.mu.Unlock()
		if !ok {
			if _, err := os.Stat(path); err != nil {
				done(nil)
				return
			}
			done(os.Remove(path))
			return
		}

		st.openMu.Lock()
		defer st.openMu.Unlock()
		e.conns.WaitIdle(name, nil)

		e.mu.Lock()
		delete(e.dbs, name)
		e.mu.Unlock()

		if err := st.db.Close(); err != nil {
			done(err)
			return
		}
		e.log.Debug("database deleted", "db", name)
		done(os.Remove(st.path))
	}()
}

type conn struct {
	eng    *Engine
	st     *dbState
	mu     sync.Mutex
	closed bool
}

func (e *Engine) newConn(st *dbState) *conn {
	e.conns.Add(st.name)
	return &conn{eng: e, st: st}
}

func (c *conn) Name() string { return c.st.name }

func (c *conn) Version() uint64 {
	c.st.mu.RLock()
	defer c.st.mu.RUnlock()
	return c.st.version
}

func (c *conn) StoreNames() []string {
	c.st.mu.RLock()
	defer c.st.mu.RUnlock()
	names := make([]string, 0, len(c.st.stores))
	for name := range c.st.stores {
		names = append(names, name)
	}
	return names
}

func (c *conn) Begin(stores []string, mode engine.Mode) (engine.Txn, error) {
	if mode != engine.ReadOnly && mode != engine.ReadWrite {
		return nil, fmt.Errorf("boltdb: cannot begin a %q transaction", mode)
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, engine.ErrConnClosed
	}
	if len(stores) == 0 {
		return nil, fmt.Errorf("boltdb: empty transaction scope")
	}
	return newTxn(c.eng, c.st, stores, mode)
}

func (c *conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.eng.conns.Remove(c.st.name)
}

func splitIndexKey(k []byte) (store, index string, ok bool) {
	for i, b := range k {
		if b == 0x00 {
			return string(k[:i]), string(k[i+1:]), true
		}
	}
	return "", "", false
}

func beUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}

func beBytes(v uint64) []byte {
	return []byte{
		byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32),
		byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v),
	}
}
