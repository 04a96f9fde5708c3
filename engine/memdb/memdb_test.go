package memdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wren/codec"
	"wren/engine"
	"wren/key"
)

// await settles a request and returns its outcome. The error parameter
// takes the operation's own synchronous return, so a whole call passes
// through: await(s.Get(rng)).
func await(req engine.Req, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	var (
		res  any
		rerr error
		done = make(chan struct{})
	)
	req.Listen(
		func(v any) { res = v; close(done) },
		func(e error) { rerr = e; close(done) },
	)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		panic("request never settled")
	}
	return res, rerr
}

func settle(t *testing.T, txn engine.Txn) error {
	t.Helper()
	var termErr error
	done := make(chan struct{})
	txn.OnComplete(func() { close(done) })
	txn.OnError(func(err error) { termErr = err; close(done) })
	txn.OnAbort(func() { termErr = engine.ErrTxAborted; close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("transaction never settled")
	}
	return termErr
}

func commit(t *testing.T, txn engine.Txn) {
	t.Helper()
	txn.Drain()
	require.NoError(t, settle(t, txn))
}

func openConn(t *testing.T, e *Engine, name string, version uint64,
	up func(engine.Conn, engine.Txn, uint64, uint64) error) engine.Conn {
	t.Helper()
	var (
		conn engine.Conn
		oerr error
		done = make(chan struct{})
	)
	e.Open(name, version, engine.OpenHooks{
		Upgrade: up,
		Success: func(c engine.Conn) { conn = c; close(done) },
		Error:   func(err error) { oerr = err; close(done) },
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("open never settled")
	}
	require.NoError(t, oerr)
	return conn
}

// arrangeItems opens a database with an "items" store and fills it
// with n records keyed 0..n-1, values {"label": "Item <k>"}.
func arrangeItems(t *testing.T, n int) (*Engine, engine.Conn) {
	t.Helper()
	e := New(codec.NewMsgpackCodec())
	conn := openConn(t, e, "shop", 1, func(_ engine.Conn, txn engine.Txn, _, _ uint64) error {
		_, err := txn.CreateStore("items", engine.StoreOptions{})
		return err
	})

	txn, err := conn.Begin([]string{"items"}, engine.ReadWrite)
	require.NoError(t, err)
	s, err := txn.Store("items")
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		raw, err := e.Codec().Encode(map[string]any{"label": "Item " + key.Int(i).String()})
		require.NoError(t, err)
		req, err := s.Put(key.Int(i), raw)
		_, perr := await(req, err)
		require.NoError(t, perr)
	}
	commit(t, txn)
	return e, conn
}

func label(t *testing.T, e *Engine, raw any) string {
	t.Helper()
	v, err := e.Codec().Decode(raw.([]byte))
	require.NoError(t, err)
	return v.(map[string]any)["label"].(string)
}

func TestUpgradeCreatesStore(t *testing.T) {
	// arrange / act
	e := New(codec.NewMsgpackCodec())
	var oldV, newV uint64
	conn := openConn(t, e, "shop", 3, func(_ engine.Conn, txn engine.Txn, o, n uint64) error {
		oldV, newV = o, n
		_, err := txn.CreateStore("items", engine.StoreOptions{})
		return err
	})

	// assert
	assert.Equal(t, uint64(0), oldV)
	assert.Equal(t, uint64(3), newV)
	assert.Equal(t, uint64(3), conn.Version())
	assert.Equal(t, []string{"items"}, conn.StoreNames())
	conn.Close()
}

func TestPutGet(t *testing.T) {
	// arrange
	e, conn := arrangeItems(t, 3)
	defer conn.Close()

	// act
	txn, err := conn.Begin([]string{"items"}, engine.ReadOnly)
	require.NoError(t, err)
	s, err := txn.Store("items")
	require.NoError(t, err)
	res, gerr := await(s.Get(key.Only(key.Int(1))))
	commit(t, txn)

	// assert
	require.NoError(t, gerr)
	assert.Equal(t, "Item 1", label(t, e, res))
}

func TestGetMissingIsNil(t *testing.T) {
	_, conn := arrangeItems(t, 3)
	defer conn.Close()

	txn, _ := conn.Begin([]string{"items"}, engine.ReadOnly)
	s, _ := txn.Store("items")
	res, err := await(s.Get(key.Only(key.Int(42))))
	commit(t, txn)

	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestAddExistingKeyFails(t *testing.T) {
	// arrange
	e, conn := arrangeItems(t, 3)
	defer conn.Close()
	raw, _ := e.Codec().Encode(map[string]any{"label": "dup"})

	// act
	txn, _ := conn.Begin([]string{"items"}, engine.ReadWrite)
	s, _ := txn.Store("items")
	_, aerr := await(s.Add(key.Int(1), raw))

	// the failed add does not poison the transaction
	res, gerr := await(s.Get(key.Only(key.Int(1))))
	commit(t, txn)

	// assert
	assert.ErrorIs(t, aerr, engine.ErrConstraint)
	require.NoError(t, gerr)
	assert.Equal(t, "Item 1", label(t, e, res))
}

func TestAutoIncrement(t *testing.T) {
	// arrange
	e := New(codec.NewMsgpackCodec())
	conn := openConn(t, e, "shop", 1, func(_ engine.Conn, txn engine.Txn, _, _ uint64) error {
		_, err := txn.CreateStore("items", engine.StoreOptions{AutoIncrement: true})
		return err
	})
	defer conn.Close()
	raw, _ := e.Codec().Encode("x")

	// act
	txn, _ := conn.Begin([]string{"items"}, engine.ReadWrite)
	s, _ := txn.Store("items")
	k1, err1 := await(s.Add(key.Key{}, raw))
	k2, err2 := await(s.Add(key.Key{}, raw))
	_, err3 := await(s.Put(key.Int(10), raw))
	k4, err4 := await(s.Add(key.Key{}, raw))
	commit(t, txn)

	// assert
	require.NoError(t, err1)
	require.NoError(t, err2)
	require.NoError(t, err3)
	require.NoError(t, err4)
	assert.Equal(t, int64(1), k1.(key.Key).Int())
	assert.Equal(t, int64(2), k2.(key.Key).Int())
	assert.Equal(t, int64(11), k4.(key.Key).Int())
}

func TestKeyRequiredWithoutAutoIncrement(t *testing.T) {
	e, conn := arrangeItems(t, 0)
	defer conn.Close()
	raw, _ := e.Codec().Encode("x")

	txn, _ := conn.Begin([]string{"items"}, engine.ReadWrite)
	s, _ := txn.Store("items")
	_, err := await(s.Add(key.Key{}, raw))
	commit(t, txn)

	assert.ErrorIs(t, err, engine.ErrKeyRequired)
}

func TestReadonlyWriteRejected(t *testing.T) {
	e, conn := arrangeItems(t, 1)
	defer conn.Close()
	raw, _ := e.Codec().Encode("x")

	txn, _ := conn.Begin([]string{"items"}, engine.ReadOnly)
	s, _ := txn.Store("items")
	_, err := s.Put(key.Int(5), raw)
	commit(t, txn)

	assert.ErrorIs(t, err, engine.ErrTxReadOnly)
}

func TestCountDeleteClear(t *testing.T) {
	// arrange
	_, conn := arrangeItems(t, 10)
	defer conn.Close()

	// act / assert
	txn, _ := conn.Begin([]string{"items"}, engine.ReadWrite)
	s, _ := txn.Store("items")

	n, err := await(s.Count(key.Range{}))
	require.NoError(t, err)
	assert.Equal(t, uint64(10), n)

	n, err = await(s.Count(key.Bound(key.Int(2), key.Int(5), false, true)))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	_, err = await(s.Delete(key.Only(key.Int(0))))
	require.NoError(t, err)
	n, err = await(s.Count(key.Range{}))
	require.NoError(t, err)
	assert.Equal(t, uint64(9), n)

	_, err = await(s.Clear())
	require.NoError(t, err)
	n, err = await(s.Count(key.Range{}))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
	commit(t, txn)
}

func TestAbortRollsBack(t *testing.T) {
	// arrange
	e, conn := arrangeItems(t, 1)
	defer conn.Close()
	raw, _ := e.Codec().Encode(map[string]any{"label": "overwritten"})

	// act
	txn, _ := conn.Begin([]string{"items"}, engine.ReadWrite)
	s, _ := txn.Store("items")
	_, perr := await(s.Put(key.Int(0), raw))
	require.NoError(t, perr)
	require.NoError(t, txn.Abort())
	assert.ErrorIs(t, settle(t, txn), engine.ErrTxAborted)

	// assert
	check, _ := conn.Begin([]string{"items"}, engine.ReadOnly)
	cs, _ := check.Store("items")
	res, gerr := await(cs.Get(key.Only(key.Int(0))))
	commit(t, check)
	require.NoError(t, gerr)
	assert.Equal(t, "Item 0", label(t, e, res))
}

func walk(t *testing.T, s interface {
	OpenCursor(key.Range, engine.Direction, bool) (engine.Req, error)
}, rng key.Range, dir engine.Direction) []key.Key {
	t.Helper()
	var keys []key.Key
	res, err := await(s.OpenCursor(rng, dir, false))
	require.NoError(t, err)
	for res != nil {
		ref := res.(engine.CursorRef)
		keys = append(keys, ref.Key())
		res, err = await(ref.Continue())
		require.NoError(t, err)
	}
	return keys
}

func TestCursorDirections(t *testing.T) {
	// arrange
	_, conn := arrangeItems(t, 100)
	defer conn.Close()
	txn, _ := conn.Begin([]string{"items"}, engine.ReadOnly)
	s, _ := txn.Store("items")

	// act
	fwd := walk(t, s, key.Range{}, engine.Next)
	rev := walk(t, s, key.Range{}, engine.Prev)
	open := walk(t, s, key.Bound(key.Int(20), key.Int(30), true, true), engine.Next)
	commit(t, txn)

	// assert
	require.Len(t, fwd, 100)
	assert.Equal(t, int64(0), fwd[0].Int())
	assert.Equal(t, int64(99), fwd[99].Int())
	require.Len(t, rev, 100)
	assert.Equal(t, int64(99), rev[0].Int())
	assert.Equal(t, int64(0), rev[99].Int())
	require.Len(t, open, 9)
	assert.Equal(t, int64(21), open[0].Int())
	assert.Equal(t, int64(29), open[8].Int())
}

func TestCursorAdvanceAndContinueKey(t *testing.T) {
	// arrange
	_, conn := arrangeItems(t, 10)
	defer conn.Close()
	txn, _ := conn.Begin([]string{"items"}, engine.ReadOnly)
	s, _ := txn.Store("items")

	// act
	res, err := await(s.OpenCursor(key.Range{}, engine.Next, false))
	require.NoError(t, err)
	ref := res.(engine.CursorRef)
	assert.Equal(t, int64(0), ref.Key().Int())

	res, err = await(ref.Advance(3))
	require.NoError(t, err)
	ref = res.(engine.CursorRef)
	assert.Equal(t, int64(3), ref.Key().Int())

	res, err = await(ref.ContinueKey(key.Int(7)))
	require.NoError(t, err)
	ref = res.(engine.CursorRef)
	assert.Equal(t, int64(7), ref.Key().Int())

	// continue must move forward
	_, err = ref.ContinueKey(key.Int(2))
	assert.Error(t, err)
	_, err = ref.Advance(0)
	assert.Error(t, err)
	commit(t, txn)
}

// arrangeOwners builds a store with an "owner" index over records
// {"owner": <string>, "n": <int>}.
func arrangeOwners(t *testing.T, unique bool, rows map[int]string) (*Engine, engine.Conn) {
	t.Helper()
	e := New(codec.NewMsgpackCodec())
	conn := openConn(t, e, "shop", 1, func(_ engine.Conn, txn engine.Txn, _, _ uint64) error {
		s, err := txn.CreateStore("items", engine.StoreOptions{})
		if err != nil {
			return err
		}
		_, err = s.CreateIndex("by_owner", "owner", engine.IndexOptions{Unique: unique})
		return err
	})

	txn, err := conn.Begin([]string{"items"}, engine.ReadWrite)
	require.NoError(t, err)
	s, err := txn.Store("items")
	require.NoError(t, err)
	for n, owner := range rows {
		raw, err := e.Codec().Encode(map[string]any{"owner": owner, "n": n})
		require.NoError(t, err)
		_, perr := await(s.Put(key.Int(n), raw))
		require.NoError(t, perr)
	}
	commit(t, txn)
	return e, conn
}

func TestIndexLookup(t *testing.T) {
	// arrange
	e, conn := arrangeOwners(t, false, map[int]string{1: "ann", 2: "bob", 3: "ann"})
	defer conn.Close()
	txn, _ := conn.Begin([]string{"items"}, engine.ReadOnly)
	s, _ := txn.Store("items")
	idx, err := s.Index("by_owner")
	require.NoError(t, err)

	// act
	n, cerr := await(idx.Count(key.Only(key.Str("ann"))))
	pks, kerr := await(idx.GetAllKeys(key.Only(key.Str("ann")), 0))
	res, gerr := await(idx.Get(key.Only(key.Str("bob"))))
	commit(t, txn)

	// assert
	require.NoError(t, cerr)
	assert.Equal(t, uint64(2), n)
	require.NoError(t, kerr)
	keys := pks.([]key.Key)
	require.Len(t, keys, 2)
	assert.Equal(t, int64(1), keys[0].Int())
	assert.Equal(t, int64(3), keys[1].Int())
	require.NoError(t, gerr)
	v, _ := e.Codec().Decode(res.([]byte))
	assert.Equal(t, int64(2), v.(map[string]any)["n"])
}

func TestIndexFollowsUpdatesAndDeletes(t *testing.T) {
	// arrange
	e, conn := arrangeOwners(t, false, map[int]string{1: "ann"})
	defer conn.Close()

	// act: reassign the record to another owner, then delete it
	txn, _ := conn.Begin([]string{"items"}, engine.ReadWrite)
	s, _ := txn.Store("items")
	idx, _ := s.Index("by_owner")

	raw, _ := e.Codec().Encode(map[string]any{"owner": "bob", "n": 1})
	_, perr := await(s.Put(key.Int(1), raw))
	require.NoError(t, perr)

	nAnn, _ := await(idx.Count(key.Only(key.Str("ann"))))
	nBob, _ := await(idx.Count(key.Only(key.Str("bob"))))
	assert.Equal(t, uint64(0), nAnn)
	assert.Equal(t, uint64(1), nBob)

	_, derr := await(s.Delete(key.Only(key.Int(1))))
	require.NoError(t, derr)
	nBob, _ = await(idx.Count(key.Only(key.Str("bob"))))
	assert.Equal(t, uint64(0), nBob)
	commit(t, txn)
}

func TestUniqueIndexRejectsDuplicates(t *testing.T) {
	// arrange
	e, conn := arrangeOwners(t, true, map[int]string{1: "ann"})
	defer conn.Close()
	raw, _ := e.Codec().Encode(map[string]any{"owner": "ann", "n": 2})

	// act
	txn, _ := conn.Begin([]string{"items"}, engine.ReadWrite)
	s, _ := txn.Store("items")
	_, perr := await(s.Put(key.Int(2), raw))

	// rewriting the holder itself is fine
	_, serr := await(s.Put(key.Int(1), raw))
	commit(t, txn)

	// assert
	assert.ErrorIs(t, perr, engine.ErrConstraint)
	assert.NoError(t, serr)
}

func TestCreateIndexBackfillsExistingRows(t *testing.T) {
	// arrange
	e, conn := arrangeOwners(t, false, map[int]string{1: "ann", 2: "bob"})
	conn.Close()

	// act: new version adds a second index over the populated store
	conn = openConn(t, e, "shop", 2, func(_ engine.Conn, txn engine.Txn, _, _ uint64) error {
		s, err := txn.Store("items")
		if err != nil {
			return err
		}
		_, err = s.CreateIndex("by_n", "n", engine.IndexOptions{})
		return err
	})
	defer conn.Close()

	// assert
	txn, _ := conn.Begin([]string{"items"}, engine.ReadOnly)
	s, _ := txn.Store("items")
	idx, err := s.Index("by_n")
	require.NoError(t, err)
	n, cerr := await(idx.Count(key.Range{}))
	commit(t, txn)
	require.NoError(t, cerr)
	assert.Equal(t, uint64(2), n)
}

func TestIndexCursorUniqueDirections(t *testing.T) {
	// arrange: ann -> {1, 3}, bob -> {2}
	_, conn := arrangeOwners(t, false, map[int]string{1: "ann", 2: "bob", 3: "ann"})
	defer conn.Close()
	txn, _ := conn.Begin([]string{"items"}, engine.ReadOnly)
	s, _ := txn.Store("items")
	idx, _ := s.Index("by_owner")

	type pos struct {
		owner string
		pk    int64
	}
	collect := func(dir engine.Direction) []pos {
		var out []pos
		res, err := await(idx.OpenCursor(key.Range{}, dir, true))
		require.NoError(t, err)
		for res != nil {
			ref := res.(engine.CursorRef)
			out = append(out, pos{ref.Key().Str(), ref.PrimaryKey().Int()})
			res, err = await(ref.Continue())
			require.NoError(t, err)
		}
		return out
	}

	// act / assert
	assert.Equal(t, []pos{{"ann", 1}, {"ann", 3}, {"bob", 2}}, collect(engine.Next))
	assert.Equal(t, []pos{{"bob", 2}, {"ann", 3}, {"ann", 1}}, collect(engine.Prev))
	assert.Equal(t, []pos{{"ann", 1}, {"bob", 2}}, collect(engine.NextUnique))
	assert.Equal(t, []pos{{"bob", 2}, {"ann", 1}}, collect(engine.PrevUnique))
	commit(t, txn)
}

func TestVersionTooLow(t *testing.T) {
	e := New(codec.NewMsgpackCodec())
	conn := openConn(t, e, "shop", 5, func(_ engine.Conn, txn engine.Txn, _, _ uint64) error {
		_, err := txn.CreateStore("items", engine.StoreOptions{})
		return err
	})
	conn.Close()

	var oerr error
	done := make(chan struct{})
	e.Open("shop", 2, engine.OpenHooks{
		Success: func(c engine.Conn) { c.Close(); close(done) },
		Error:   func(err error) { oerr = err; close(done) },
	})
	<-done
	assert.ErrorIs(t, oerr, engine.ErrVersionTooLow)
}

func TestFailedUpgradeLeavesNoTrace(t *testing.T) {
	e := New(codec.NewMsgpackCodec())

	var oerr error
	done := make(chan struct{})
	e.Open("ghost", 1, engine.OpenHooks{
		Upgrade: func(_ engine.Conn, _ engine.Txn, _, _ uint64) error {
			return assert.AnError
		},
		Success: func(c engine.Conn) { c.Close(); close(done) },
		Error:   func(err error) { oerr = err; close(done) },
	})
	<-done
	require.ErrorIs(t, oerr, assert.AnError)

	// the database was never created, so the next open starts from 0
	conn := openConn(t, e, "ghost", 0, func(_ engine.Conn, txn engine.Txn, o, n uint64) error {
		assert.Equal(t, uint64(0), o)
		assert.Equal(t, uint64(1), n)
		_, err := txn.CreateStore("items", engine.StoreOptions{})
		return err
	})
	conn.Close()
}

func TestBlockedUpgradeWaitsForClose(t *testing.T) {
	// arrange
	e := New(codec.NewMsgpackCodec())
	first := openConn(t, e, "shop", 1, func(_ engine.Conn, txn engine.Txn, _, _ uint64) error {
		_, err := txn.CreateStore("items", engine.StoreOptions{})
		return err
	})

	// act
	blocked := make(chan uint64, 1)
	opened := make(chan engine.Conn, 1)
	e.Open("shop", 2, engine.OpenHooks{
		Upgrade: func(_ engine.Conn, _ engine.Txn, _, _ uint64) error { return nil },
		Success: func(c engine.Conn) { opened <- c },
		Error:   func(err error) { t.Error(err) },
		Blocked: func(old uint64) { blocked <- old },
	})

	select {
	case old := <-blocked:
		assert.Equal(t, uint64(1), old)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked signal never fired")
	}
	select {
	case <-opened:
		t.Fatal("upgrade ran while the first connection was open")
	case <-time.After(50 * time.Millisecond):
	}

	first.Close()

	// assert
	select {
	case c := <-opened:
		assert.Equal(t, uint64(2), c.Version())
		c.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("upgrade never finished after close")
	}
}

func TestDeleteDatabase(t *testing.T) {
	e, conn := arrangeItems(t, 3)
	conn.Close()

	done := make(chan error, 1)
	e.DeleteDatabase("shop", func(err error) { done <- err })
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("delete never finished")
	}

	// recreated from scratch
	conn = openConn(t, e, "shop", 0, func(_ engine.Conn, txn engine.Txn, o, _ uint64) error {
		assert.Equal(t, uint64(0), o)
		_, err := txn.CreateStore("items", engine.StoreOptions{})
		return err
	})
	assert.Equal(t, uint64(1), conn.Version())
	conn.Close()
}
