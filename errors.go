package wren

import (
	"errors"

	"wren/engine"
)

var (
	ErrInvalidMode    = errors.New("wren: transactions are readonly or readwrite")
	ErrInvalidQuery   = errors.New("wren: query needs a key or a range, not both")
	ErrInvalidKey     = errors.New("wren: value cannot be used as a key")
	ErrInvalidVersion = errors.New("wren: a version and an upgrade callback go together")
)

// Engine-level failures surface unchanged, so callers match on one set
// of sentinels regardless of the backing engine.
var (
	ErrTxFinished    = engine.ErrTxFinished
	ErrTxAborted     = engine.ErrTxAborted
	ErrTxReadOnly    = engine.ErrTxReadOnly
	ErrNotUpgrade    = engine.ErrNotUpgrade
	ErrStoreNotFound = engine.ErrStoreNotFound
	ErrIndexNotFound = engine.ErrIndexNotFound
	ErrStoreExists   = engine.ErrStoreExists
	ErrIndexExists   = engine.ErrIndexExists
	ErrConstraint    = engine.ErrConstraint
	ErrKeyRequired   = engine.ErrKeyRequired
	ErrVersionTooLow = engine.ErrVersionTooLow
	ErrConnClosed    = engine.ErrConnClosed
	ErrOutOfScope    = engine.ErrOutOfScope
)
