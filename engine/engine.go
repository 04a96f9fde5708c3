// Package engine defines the narrow request/response boundary between
// the awaitable wrapper layer and a host storage engine. Engines own
// everything hard: ordering, durability, concurrency control, index
// maintenance. The wrapper only bridges the engine's one-shot
// completion signals into awaitables.
//
// Every record operation returns a [Req] that fires exactly one of its
// two listeners, once, on the owning transaction's goroutine, in
// issuance order. Synchronous argument rejection is reported through
// the operation's error return instead, before any work is queued.
package engine

import (
	"errors"

	"wren/codec"
	"wren/key"
)

// Mode controls what a transaction may do. VersionChange cannot be
// requested directly; it is implied by an upgrading open.
type Mode string

const (
	ReadOnly      Mode = "readonly"
	ReadWrite     Mode = "readwrite"
	VersionChange Mode = "versionchange"
)

// Direction of cursor traversal. The unique variants visit only the
// first record of each run of equal index keys.
type Direction string

const (
	Next       Direction = "next"
	NextUnique Direction = "nextunique"
	Prev       Direction = "prev"
	PrevUnique Direction = "prevunique"
)

func (d Direction) Forward() bool {
	return d == Next || d == NextUnique || d == ""
}

func (d Direction) Unique() bool {
	return d == NextUnique || d == PrevUnique
}

var (
	ErrTxFinished    = errors.New("engine: transaction has already settled")
	ErrTxAborted     = errors.New("engine: transaction aborted")
	ErrTxReadOnly    = errors.New("engine: write in a readonly transaction")
	ErrNotUpgrade    = errors.New("engine: schema change outside a versionchange transaction")
	ErrStoreNotFound = errors.New("engine: no such object store")
	ErrIndexNotFound = errors.New("engine: no such index")
	ErrStoreExists   = errors.New("engine: object store already exists")
	ErrIndexExists   = errors.New("engine: index already exists")
	ErrConstraint    = errors.New("engine: constraint violation")
	ErrKeyRequired   = errors.New("engine: a key is required for this store")
	ErrVersionTooLow = errors.New("engine: requested version is below the current version")
	ErrConnClosed    = errors.New("engine: connection is closed")
	ErrOutOfScope    = errors.New("engine: store is not in the transaction scope")
)

// Req is the host's one-shot completion signal pair. Exactly one of
// the two listeners fires, exactly once. Registering after settlement
// fires the matching listener immediately.
type Req interface {
	Listen(success func(result any), fail func(err error))
}

// OpenHooks carries the callbacks an open operation reports through.
// Upgrade (if needed) runs before Success; Blocked may fire first and
// the open then stays pending until the blockers go away. At most one
// of Success/Error fires.
type OpenHooks struct {
	Upgrade func(conn Conn, txn Txn, oldVersion, newVersion uint64) error
	Success func(conn Conn)
	Error   func(err error)
	Blocked func(oldVersion uint64)
}

type Engine interface {
	// Open asynchronously opens (and if needed creates or upgrades)
	// the named database. version 0 means "whatever is current",
	// creating at version 1 when the database does not exist yet.
	Open(name string, version uint64, hooks OpenHooks)
	// DeleteDatabase removes the named database, waiting for open
	// connections to close first.
	DeleteDatabase(name string, done func(err error))
	// Codec is the payload codec this engine extracts index keys with.
	Codec() codec.Codec
	Close() error
}

type Conn interface {
	Name() string
	Version() uint64
	StoreNames() []string
	// Begin starts a transaction scoped to the given stores.
	Begin(stores []string, mode Mode) (Txn, error)
	// Close invalidates the handle. Idempotent.
	Close()
}

type StoreOptions struct {
	// AutoIncrement makes the engine generate numeric keys for
	// records added without one.
	AutoIncrement bool
}

type IndexOptions struct {
	Unique bool
}

// Txn is a host transaction. It settles exactly once: committed,
// failed or aborted; the matching listener fires exactly once and the
// others never do.
type Txn interface {
	Mode() Mode
	Store(name string) (Store, error)

	// Schema operations, valid only in a versionchange transaction.
	CreateStore(name string, opts StoreOptions) (Store, error)
	DeleteStore(name string) error

	// Abort rolls the transaction back and fails its queued requests.
	Abort() error
	// Commit finishes queued requests in issuance order, then commits.
	Commit() error
	// Drain is Commit for callers that learn the outcome through the
	// terminal listeners rather than an error return.
	Drain()

	OnComplete(func())
	OnError(func(err error))
	OnAbort(func())
}

// Store is a record container handle, valid only while its parent
// transaction is active. Result payloads by operation:
//
//	Get        []byte, nil when absent
//	GetKey     key.Key, zero when absent
//	GetAll     [][]byte
//	GetAllKeys []key.Key
//	Count      uint64
//	Add, Put   key.Key (the effective record key)
//	Delete     nil
//	Clear      nil
//	OpenCursor CursorRef, nil when no record matches
type Store interface {
	Name() string
	AutoIncrement() bool

	Get(rng key.Range) (Req, error)
	GetKey(rng key.Range) (Req, error)
	GetAll(rng key.Range, limit int) (Req, error)
	GetAllKeys(rng key.Range, limit int) (Req, error)
	Count(rng key.Range) (Req, error)
	Add(k key.Key, value []byte) (Req, error)
	Put(k key.Key, value []byte) (Req, error)
	Delete(rng key.Range) (Req, error)
	Clear() (Req, error)
	OpenCursor(rng key.Range, dir Direction, keysOnly bool) (Req, error)

	CreateIndex(name, keyPath string, opts IndexOptions) (Idx, error)
	DeleteIndex(name string) error
	Index(name string) (Idx, error)
	IndexNames() []string
}

// Idx is a secondary-key view over a store. GetKey and GetAllKeys
// yield primary keys; Get and GetAll yield record values.
type Idx interface {
	Name() string
	KeyPath() string
	Unique() bool

	Get(rng key.Range) (Req, error)
	GetKey(rng key.Range) (Req, error)
	GetAll(rng key.Range, limit int) (Req, error)
	GetAllKeys(rng key.Range, limit int) (Req, error)
	Count(rng key.Range) (Req, error)
	OpenCursor(rng key.Range, dir Direction, keysOnly bool) (Req, error)
}

// CursorRef is a host cursor position. Advancing yields a Req whose
// payload is the repositioned CursorRef, or nil past the last record.
type CursorRef interface {
	Key() key.Key
	PrimaryKey() key.Key
	// Value is nil for key cursors.
	Value() []byte

	Continue() (Req, error)
	ContinueKey(k key.Key) (Req, error)
	ContinuePrimaryKey(k, primary key.Key) (Req, error)
	Advance(count int) (Req, error)

	// Update rewrites the record at the cursor's primary key; the Req
	// payload is that key. Delete removes it; nil payload.
	Update(value []byte) (Req, error)
	Delete() (Req, error)
}
