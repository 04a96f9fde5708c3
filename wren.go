// Package wren is an awaitable record store in the shape of a browser
// object database: named databases carry integer versions, versioned
// opens run schema upgrades, transactions scope work to a set of
// object stores, and secondary indexes and cursors query them.
//
// Storage itself is delegated to a host engine (see the engine
// package; memdb and boltdb are bundled). The engine reports every
// operation through one-shot completion signals; this package bridges
// those into Requests that are awaited with a context:
//
//	db, err := factory.Open("app").Await(ctx)
//	txn, _ := db.Transaction(wren.ReadWrite, "notes")
//	store, _ := txn.ObjectStore("notes")
//	store.Put(1, map[string]any{"title": "first"})
//	if _, err := txn.Await(ctx); err != nil { ... }
//
// A transaction stays open for more work until Commit or Await is
// called; Await drains the queued requests in order and then commits.
// Each transaction settles exactly once, as committed, failed or
// aborted, no matter how many of its requests fail.
package wren

import (
	"context"
	"log/slog"
	"slices"

	"wren/engine"
)

// Factory opens, upgrades and deletes databases on one engine.
type Factory struct {
	eng engine.Engine
	log *slog.Logger
}

func NewFactory(eng engine.Engine) *Factory {
	return &Factory{eng: eng, log: slog.Default().With("component", "wren")}
}

func (f *Factory) Engine() engine.Engine { return f.eng }

// UpgradeEvent is handed to the upgrade callback of a versioned open.
// DB and Txn are live for the duration of the callback; schema changes
// go through them. Returning an error aborts the upgrade and fails
// the open.
type UpgradeEvent struct {
	OldVersion uint64
	NewVersion uint64
	DB         *Database
	Txn        *Transaction
}

type UpgradeFunc func(ev UpgradeEvent) error

// Open connects to the database at its current version, creating it at
// version 1 when it does not exist.
func (f *Factory) Open(name string) *OpenRequest {
	return f.open(name, 0, nil)
}

// OpenVersion connects at the given version, running upgrade inside a
// versionchange transaction when the stored version is lower. The
// version and the callback are both required; use Open for an
// unversioned connection.
func (f *Factory) OpenVersion(name string, version uint64, upgrade UpgradeFunc) *OpenRequest {
	if version == 0 || upgrade == nil {
		return &OpenRequest{Request: failedRequest[*Database](ErrInvalidVersion)}
	}
	return f.open(name, version, upgrade)
}

func (f *Factory) open(name string, version uint64, upgrade UpgradeFunc) *OpenRequest {
	req := &OpenRequest{Request: newRequest[*Database]()}

	// when the upgrade connection survives into success, reuse the
	// Database the callback already saw
	var upgraded *Database

	hooks := engine.OpenHooks{
		Success: func(conn engine.Conn) {
			if upgraded != nil && upgraded.conn == conn {
				req.settle(upgraded, nil)
				return
			}
			req.settle(newDatabase(f.eng, conn), nil)
		},
		Error: func(err error) {
			f.log.Debug("open failed", "db", name, "err", err)
			req.settle(nil, err)
		},
		Blocked: req.notifyBlocked,
	}
	if upgrade != nil {
		hooks.Upgrade = func(conn engine.Conn, txn engine.Txn, oldV, newV uint64) error {
			db := newDatabase(f.eng, conn)
			t := newTransaction(db, txn)
			db.upgradeTxn = t
			err := upgrade(UpgradeEvent{OldVersion: oldV, NewVersion: newV, DB: db, Txn: t})
			db.upgradeTxn = nil
			if err == nil {
				upgraded = db
			}
			return err
		}
	}

	f.eng.Open(name, version, hooks)
	return req
}

// OpenStore opens the database and guarantees the named object store
// exists, bumping the version by one to create it when it does not.
func (f *Factory) OpenStore(ctx context.Context, dbName, storeName string) (*Database, error) {
	db, err := f.Open(dbName).Await(ctx)
	if err != nil {
		return nil, err
	}
	if slices.Contains(db.ObjectStoreNames(), storeName) {
		return db, nil
	}
	version := db.Version()
	db.Close()
	return f.OpenVersion(dbName, version+1, func(ev UpgradeEvent) error {
		_, err := ev.DB.CreateObjectStore(storeName, StoreOptions{})
		return err
	}).Await(ctx)
}

// DeleteDatabase removes the named database once every open connection
// to it has closed. Deleting a database that does not exist succeeds.
func (f *Factory) DeleteDatabase(name string) *Request[struct{}] {
	r := newRequest[struct{}]()
	f.eng.DeleteDatabase(name, func(err error) {
		r.settle(struct{}{}, err)
	})
	return r
}
