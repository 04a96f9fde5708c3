// Package memdb is an in-memory host engine. Stores are ordered
// skipmaps keyed by the order-preserving key encoding, so cursors walk
// them in native byte order. Nothing survives the process; use boltdb
// when durability matters.
package memdb

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/zhangyunhao116/skipmap"

	"wren/codec"
	"wren/engine"
)

type Engine struct {
	mu    sync.Mutex
	dbs   map[string]*database
	conns *engine.ConnSet
	cdc   codec.Codec
	log   *slog.Logger
}

func New(cdc codec.Codec) *Engine {
	return &Engine{
		dbs:   make(map[string]*database),
		conns: engine.NewConnSet(),
		cdc:   cdc,
		log:   slog.Default().With("engine", "memdb"),
	}
}

func (e *Engine) Codec() codec.Codec { return e.cdc }

func (e *Engine) Close() error { return nil }

type database struct {
	name string

	// serializes open/upgrade/delete flows for this database
	openMu sync.Mutex

	// guards version and the stores map; versionchange transactions
	// run with no other connection open, so plain reads under RLock
	// from live transactions never observe a half-applied upgrade
	mu      sync.RWMutex
	version uint64
	stores  map[string]*store
}

type store struct {
	name string
	opts engine.StoreOptions
	seq  uint64

	// data lock: readwrite transactions hold it exclusively for their
	// whole lifetime, readers share it
	mu      sync.RWMutex
	rows    *skipmap.StringMap[[]byte]
	indexes map[string]*index
}

type index struct {
	name    string
	keyPath string
	unique  bool
	// composite enc(indexKey)+enc(primaryKey) -> enc(primaryKey)
	rows *skipmap.StringMap[[]byte]
}

func newStore(name string, opts engine.StoreOptions) *store {
	return &store{
		name:    name,
		opts:    opts,
		rows:    skipmap.NewString[[]byte](),
		indexes: make(map[string]*index),
	}
}

func (e *Engine) Open(name string, version uint64, hooks engine.OpenHooks) {
	go e.open(name, version, hooks)
}

func (e *Engine) open(name string, version uint64, hooks engine.OpenHooks) {
	e.mu.Lock()
	db, ok := e.dbs[name]
	if !ok {
		db = &database{name: name, stores: make(map[string]*store)}
		e.dbs[name] = db
	}
	e.mu.Unlock()

	db.openMu.Lock()
	defer db.openMu.Unlock()

	old := db.version
	target := version
	if target == 0 {
		target = old
		if target == 0 {
			target = 1
		}
	}

	switch {
	case target < old:
		e.dropIfEmpty(db)
		hooks.Error(fmt.Errorf("%w: have %d, requested %d", engine.ErrVersionTooLow, old, target))
		return
	case target == old:
		hooks.Success(e.newConn(db))
		return
	}

	// version change: wait out other connections, then upgrade inside
	// a versionchange transaction
	e.conns.WaitIdle(name, func() {
		if hooks.Blocked != nil {
			hooks.Blocked(old)
		}
	})

	txn := newVersionTxn(e, db, target)
	conn := e.newConn(db)

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
		e.dropIfEmpty(db)
		hooks.Error(termErr)
		return
	}
	hooks.Success(conn)
}

// dropIfEmpty forgets databases that never reached version 1 (a failed
// creating open leaves no trace).
func (e *Engine) dropIfEmpty(db *database) {
	db.mu.RLock()
	empty := db.version == 0
	db.mu.RUnlock()
	if empty {
		e.mu.Lock()
		delete(e.dbs, db.name)
		e.mu.Unlock()
	}
}

func (e *Engine) DeleteDatabase(name string, done func(error)) {
	go func() {
		e.mu.Lock()
		db, ok := e.dbs[name]
		e.mu.Unlock()
		if !ok {
			done(nil)
			return
		}

		db.openMu.Lock()
		defer db.openMu.Unlock()
		e.conns.WaitIdle(name, nil)

		e.mu.Lock()
		delete(e.dbs, name)
		e.mu.Unlock()
		e.log.Debug("database deleted", "db", name)
		done(nil)
	}()
}

type conn struct {
	eng    *Engine
	db     *database
	mu     sync.Mutex
	closed bool
}

func (e *Engine) newConn(db *database) *conn {
	e.conns.Add(db.name)
	return &conn{eng: e, db: db}
}

func (c *conn) Name() string { return c.db.name }

func (c *conn) Version() uint64 {
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()
	return c.db.version
}

func (c *conn) StoreNames() []string {
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()
	names := make([]string, 0, len(c.db.stores))
	for name := range c.db.stores {
		names = append(names, name)
	}
	return names
}

func (c *conn) Begin(stores []string, mode engine.Mode) (engine.Txn, error) {
	if mode != engine.ReadOnly && mode != engine.ReadWrite {
		return nil, fmt.Errorf("memdb: cannot begin a %q transaction", mode)
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, engine.ErrConnClosed
	}
	if len(stores) == 0 {
		return nil, fmt.Errorf("memdb: empty transaction scope")
	}
	return newTxn(c.eng, c.db, stores, mode)
}

func (c *conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.eng.conns.Remove(c.db.name)
}
