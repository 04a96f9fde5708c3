package wren

import (
	"context"
	"sync"

	"wren/engine"
)

// Transaction wraps one engine transaction. The engine fires exactly
// one of three terminal signals (complete, error, abort); all three
// funnel into a single settlement here, so however a transaction ends,
// Await returns exactly once and Done closes exactly once.
//
// A failing request does not end its transaction. Callers that await
// individual requests can handle the error and keep going; the
// transaction only settles on Commit/Await, on Abort, or when the
// engine itself fails the commit.
type Transaction struct {
	db  *Database
	txn engine.Txn

	drain sync.Once
	done  *Request[*Database]
}

func newTransaction(db *Database, txn engine.Txn) *Transaction {
	t := &Transaction{db: db, txn: txn, done: newRequest[*Database]()}
	txn.OnComplete(func() { t.done.settle(db, nil) })
	txn.OnError(func(err error) { t.done.settle(nil, err) })
	txn.OnAbort(func() { t.done.settle(nil, ErrTxAborted) })
	return t
}

func (t *Transaction) Mode() Mode    { return t.txn.Mode() }
func (t *Transaction) DB() *Database { return t.db }

func (t *Transaction) ObjectStore(name string) (*ObjectStore, error) {
	s, err := t.txn.Store(name)
	if err != nil {
		return nil, err
	}
	return &ObjectStore{t: t, s: s}, nil
}

// Abort rolls the transaction back. Its unsettled requests fail with
// ErrTxAborted, and so does Await.
func (t *Transaction) Abort() error {
	return t.txn.Abort()
}

// Commit closes the transaction to new requests and commits once the
// queued ones have run. The outcome arrives through Await or Done.
func (t *Transaction) Commit() error {
	var err error
	t.drain.Do(func() { err = t.txn.Commit() })
	return err
}

// Await commits (if no one has yet) and blocks until the transaction
// settles. On success it returns the owning database, ready for the
// next transaction.
func (t *Transaction) Await(ctx context.Context) (*Database, error) {
	t.drain.Do(func() { t.txn.Drain() })
	return t.done.Await(ctx)
}

// Done is closed when the transaction settles either way.
func (t *Transaction) Done() <-chan struct{} {
	return t.done.Done()
}

// Txn exposes the raw engine transaction.
func (t *Transaction) Txn() engine.Txn {
	return t.txn
}
