package engine

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

type txnState int

const (
	txnActive txnState = iota
	txnDraining
	txnAborting
	txnCommitting
	txnCommitted
	txnAborted
	txnFailed
)

// TxnCore runs a transaction's requests on a dedicated goroutine, in
// issuance order, and fires exactly one terminal signal. Engines embed
// it and supply the begin/commit/rollback hooks; begin, every queued
// request and commit/rollback all run on the loop goroutine, so hooks
// that are not thread-safe (a bbolt.Tx, an undo log) need no locking
// of their own.
type TxnCore struct {
	ID   uuid.UUID
	mode Mode

	mu    sync.Mutex
	cond  *sync.Cond
	queue []queuedOp
	state txnState

	beginFn    func() error
	commitFn   func() error
	rollbackFn func()

	onComplete []func()
	onError    []func(error)
	onAbort    []func()
	termErr    error

	log *slog.Logger
}

type queuedOp struct {
	sig  *Signal
	exec func() (any, error)
}

func NewTxnCore(mode Mode, begin func() error, commit func() error, rollback func()) *TxnCore {
	c := &TxnCore{
		ID:         uuid.New(),
		mode:       mode,
		beginFn:    begin,
		commitFn:   commit,
		rollbackFn: rollback,
		log:        slog.Default(),
	}
	c.cond = sync.NewCond(&c.mu)
	go c.run()
	return c
}

func (c *TxnCore) Mode() Mode { return c.mode }

// Submit queues a request. The returned Req settles on the loop
// goroutine once exec has run. Fails fast when the transaction is no
// longer active.
func (c *TxnCore) Submit(exec func() (any, error)) (Req, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != txnActive {
		return nil, ErrTxFinished
	}
	sig := NewSignal()
	c.queue = append(c.queue, queuedOp{sig: sig, exec: exec})
	c.cond.Signal()
	return sig, nil
}

// SubmitSync queues a request and waits for it, for host operations
// that are synchronous at the boundary (schema changes) but still have
// to serialize with the request queue.
func (c *TxnCore) SubmitSync(exec func() (any, error)) (any, error) {
	sig, err := c.Submit(exec)
	if err != nil {
		return nil, err
	}
	var (
		res  any
		rerr error
		done = make(chan struct{})
	)
	sig.Listen(
		func(v any) { res = v; close(done) },
		func(e error) { rerr = e; close(done) },
	)
	<-done
	return res, rerr
}

// Abort requests a rollback. Queued and future requests fail with
// ErrTxAborted. Returns ErrTxFinished once commit has started.
func (c *TxnCore) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case txnActive, txnDraining:
		c.state = txnAborting
		c.cond.Signal()
		return nil
	case txnAborting:
		return nil
	}
	return ErrTxFinished
}

// Commit finishes queued requests in order, then commits. Requests
// submitted after Commit fail with ErrTxFinished.
func (c *TxnCore) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case txnActive:
		c.state = txnDraining
		c.cond.Signal()
		return nil
	case txnDraining:
		return nil
	}
	return ErrTxFinished
}

func (c *TxnCore) Drain() {
	_ = c.Commit()
}

func (c *TxnCore) OnComplete(fn func()) {
	c.mu.Lock()
	if c.state == txnCommitted {
		c.mu.Unlock()
		fn()
		return
	}
	c.onComplete = append(c.onComplete, fn)
	c.mu.Unlock()
}

func (c *TxnCore) OnError(fn func(error)) {
	c.mu.Lock()
	if c.state == txnFailed {
		err := c.termErr
		c.mu.Unlock()
		fn(err)
		return
	}
	c.onError = append(c.onError, fn)
	c.mu.Unlock()
}

func (c *TxnCore) OnAbort(fn func()) {
	c.mu.Lock()
	if c.state == txnAborted {
		c.mu.Unlock()
		fn()
		return
	}
	c.onAbort = append(c.onAbort, fn)
	c.mu.Unlock()
}

// Settled reports whether a terminal state has been reached.
func (c *TxnCore) Settled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == txnCommitted || c.state == txnAborted || c.state == txnFailed
}

func (c *TxnCore) run() {
	if err := c.beginFn(); err != nil {
		c.mu.Lock()
		c.state = txnAborting
		c.mu.Unlock()
		c.failQueued(err)
		c.finish(txnFailed, err)
		return
	}

	for {
		c.mu.Lock()
		for len(c.queue) == 0 && c.state == txnActive {
			c.cond.Wait()
		}

		if c.state == txnAborting {
			c.mu.Unlock()
			c.failQueued(ErrTxAborted)
			c.rollbackFn()
			c.finish(txnAborted, nil)
			return
		}

		if len(c.queue) > 0 {
			op := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			res, err := op.exec()
			if err != nil {
				op.sig.Fail(err)
			} else {
				op.sig.Succeed(res)
			}
			continue
		}

		// queue empty in draining state: commit
		c.state = txnCommitting
		c.mu.Unlock()

		if err := c.commitFn(); err != nil {
			c.finish(txnFailed, err)
		} else {
			c.finish(txnCommitted, nil)
		}
		return
	}
}

func (c *TxnCore) failQueued(err error) {
	c.mu.Lock()
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()
	for _, op := range queued {
		op.sig.Fail(err)
	}
}

func (c *TxnCore) finish(state txnState, err error) {
	c.mu.Lock()
	c.state = state
	c.termErr = err
	complete, abort, errored := c.onComplete, c.onAbort, c.onError
	c.onComplete, c.onAbort, c.onError = nil, nil, nil
	c.mu.Unlock()

	switch state {
	case txnCommitted:
		c.log.Debug("transaction committed", "txn", c.ID, "mode", c.mode)
		for _, fn := range complete {
			fn()
		}
	case txnAborted:
		c.log.Debug("transaction aborted", "txn", c.ID, "mode", c.mode)
		for _, fn := range abort {
			fn()
		}
	case txnFailed:
		c.log.Debug("transaction failed", "txn", c.ID, "mode", c.mode, "err", err)
		for _, fn := range errored {
			fn(err)
		}
	}
}
