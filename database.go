package wren

import (
	"sort"

	"wren/engine"
)

// Database is an open connection. All record access goes through
// transactions; schema changes are only possible from inside a
// versioned open's upgrade callback.
type Database struct {
	eng  engine.Engine
	conn engine.Conn

	// set only while an upgrade callback runs
	upgradeTxn *Transaction
}

func newDatabase(eng engine.Engine, conn engine.Conn) *Database {
	return &Database{eng: eng, conn: conn}
}

func (d *Database) Name() string    { return d.conn.Name() }
func (d *Database) Version() uint64 { return d.conn.Version() }

func (d *Database) ObjectStoreNames() []string {
	names := d.conn.StoreNames()
	sort.Strings(names)
	return names
}

// Transaction starts a transaction over the named stores. Every store
// touched through it must be listed here.
func (d *Database) Transaction(mode Mode, stores ...string) (*Transaction, error) {
	if mode != ReadOnly && mode != ReadWrite {
		return nil, ErrInvalidMode
	}
	txn, err := d.conn.Begin(stores, mode)
	if err != nil {
		return nil, err
	}
	return newTransaction(d, txn), nil
}

func (d *Database) CreateObjectStore(name string, opts StoreOptions) (*ObjectStore, error) {
	t := d.upgradeTxn
	if t == nil {
		return nil, ErrNotUpgrade
	}
	s, err := t.txn.CreateStore(name, opts)
	if err != nil {
		return nil, err
	}
	return &ObjectStore{t: t, s: s}, nil
}

func (d *Database) DeleteObjectStore(name string) error {
	t := d.upgradeTxn
	if t == nil {
		return ErrNotUpgrade
	}
	return t.txn.DeleteStore(name)
}

// Close releases the connection. Transactions already running are
// unaffected; new ones fail with ErrConnClosed.
func (d *Database) Close() {
	d.conn.Close()
}

// Conn exposes the raw engine connection for callers that need to
// step below the awaitable layer.
func (d *Database) Conn() engine.Conn {
	return d.conn
}
