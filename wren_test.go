package wren

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"wren/codec"
	"wren/engine/boltdb"
	"wren/engine/memdb"
)

func factories(t *testing.T) map[string]*Factory {
	t.Helper()
	return map[string]*Factory{
		"memdb":  NewFactory(memdb.New(codec.NewMsgpackCodec())),
		"boltdb": NewFactory(boltdb.New(t.TempDir(), codec.NewMsgpackCodec())),
	}
}

// seedItems opens "shop" with an "items" store holding n records
// keyed 0..n-1 with values "Item <k>".
func seedItems(t *testing.T, ctx context.Context, f *Factory, n int) *Database {
	t.Helper()
	db, err := f.OpenVersion("shop", 1, func(ev UpgradeEvent) error {
		_, err := ev.DB.CreateObjectStore("items", StoreOptions{})
		return err
	}).Await(ctx)
	require.NoError(t, err)

	txn, err := db.Transaction(ReadWrite, "items")
	require.NoError(t, err)
	store, err := txn.ObjectStore("items")
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		store.Put(i, fmt.Sprintf("Item %d", i))
	}
	_, err = txn.Await(ctx)
	require.NoError(t, err)
	return db
}

func TestPutGetRoundTrip(t *testing.T) {
	for name, f := range factories(t) {
		t.Run(name, func(t *testing.T) {
			// arrange
			ctx := context.Background()
			db := seedItems(t, ctx, f, 0)
			defer db.Close()
			record := map[string]any{
				"title": "first",
				"count": int64(3),
				"tags":  []any{"a", "b"},
			}

			// act: read back within the writing transaction
			txn, err := db.Transaction(ReadWrite, "items")
			require.NoError(t, err)
			store, _ := txn.ObjectStore("items")
			k, perr := store.Put("note-1", record).Await(ctx)
			require.NoError(t, perr)
			assert.Equal(t, "note-1", k.Str())

			got, gerr := store.Get(ByKey("note-1")).Await(ctx)
			require.NoError(t, gerr)
			assert.Equal(t, record, got)
			_, err = txn.Await(ctx)
			require.NoError(t, err)

			// and from a later transaction
			txn2, _ := db.Transaction(ReadOnly, "items")
			store2, _ := txn2.ObjectStore("items")
			got, gerr = store2.Get(ByKey("note-1")).Await(ctx)
			require.NoError(t, gerr)
			assert.Equal(t, record, got)
			_, err = txn2.Await(ctx)
			require.NoError(t, err)
		})
	}
}

func TestCursorWalk(t *testing.T) {
	for name, f := range factories(t) {
		t.Run(name, func(t *testing.T) {
			// arrange
			ctx := context.Background()
			db := seedItems(t, ctx, f, 100)
			defer db.Close()
			txn, err := db.Transaction(ReadOnly, "items")
			require.NoError(t, err)
			store, _ := txn.ObjectStore("items")

			// act: forward walk
			var sum int64
			var count int
			var last any
			stream := store.OpenCursor(Everything(), Next)
			for stream.Next(ctx) {
				c := stream.Cursor()
				sum += c.Key().Int()
				last = c.Value()
				count++
				require.NoError(t, c.Continue())
			}
			require.NoError(t, stream.Err())

			// assert
			assert.Equal(t, 100, count)
			assert.Equal(t, int64(4950), sum)
			assert.Equal(t, "Item 99", last)

			// reverse walk
			var first, final int64 = -1, -1
			rev := store.OpenCursor(Everything(), Prev, AutoAdvance())
			for rev.Next(ctx) {
				k := rev.Cursor().Key().Int()
				if first == -1 {
					first = k
				}
				final = k
			}
			require.NoError(t, rev.Err())
			assert.Equal(t, int64(99), first)
			assert.Equal(t, int64(0), final)

			_, err = txn.Await(ctx)
			require.NoError(t, err)
		})
	}
}

func TestOpenBoundRange(t *testing.T) {
	for name, f := range factories(t) {
		t.Run(name, func(t *testing.T) {
			// arrange
			ctx := context.Background()
			db := seedItems(t, ctx, f, 100)
			defer db.Close()
			rng, err := Bound(20, 30, true, true)
			require.NoError(t, err)

			// act
			txn, _ := db.Transaction(ReadOnly, "items")
			store, _ := txn.ObjectStore("items")
			var keys []int64
			stream := store.OpenCursor(ByRange(rng), Next, AutoAdvance())
			for stream.Next(ctx) {
				keys = append(keys, stream.Cursor().Key().Int())
			}
			require.NoError(t, stream.Err())
			_, err = txn.Await(ctx)
			require.NoError(t, err)

			// assert: open bounds exclude 20 and 30
			require.Len(t, keys, 9)
			assert.Equal(t, int64(21), keys[0])
			assert.Equal(t, int64(29), keys[8])
		})
	}
}

func TestCountClearAdd(t *testing.T) {
	for name, f := range factories(t) {
		t.Run(name, func(t *testing.T) {
			// arrange
			ctx := context.Background()
			db := seedItems(t, ctx, f, 100)
			defer db.Close()

			// act / assert
			txn, _ := db.Transaction(ReadWrite, "items")
			store, _ := txn.ObjectStore("items")

			n, err := store.Count(Everything()).Await(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(100), n)

			_, err = store.Clear().Await(ctx)
			require.NoError(t, err)
			n, err = store.Count(Everything()).Await(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(0), n)

			k, err := store.Add(5, "Item 5").Await(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(5), k.Int())
			n, err = store.Count(Everything()).Await(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), n)

			_, err = txn.Await(ctx)
			require.NoError(t, err)
		})
	}
}

func TestTransactionSettlesOnce(t *testing.T) {
	// arrange
	ctx := context.Background()
	f := NewFactory(memdb.New(codec.NewMsgpackCodec()))
	db := seedItems(t, ctx, f, 3)
	defer db.Close()

	txn, err := db.Transaction(ReadWrite, "items")
	require.NoError(t, err)
	store, _ := txn.ObjectStore("items")

	// act: a failing request, then an abort
	_, aerr := store.Add(1, "dup").Await(ctx)
	assert.ErrorIs(t, aerr, ErrConstraint)
	require.NoError(t, txn.Abort())

	// assert: one settlement, stable across repeated Awaits
	_, err = txn.Await(ctx)
	assert.ErrorIs(t, err, ErrTxAborted)
	_, err = txn.Await(ctx)
	assert.ErrorIs(t, err, ErrTxAborted)
	assert.ErrorIs(t, txn.Abort(), ErrTxFinished)

	// handles are dead now
	_, err = store.Get(ByKey(1)).Await(ctx)
	assert.ErrorIs(t, err, ErrTxFinished)

	// the failed add and the abort left the seed data alone
	check, _ := db.Transaction(ReadOnly, "items")
	cs, _ := check.ObjectStore("items")
	v, gerr := cs.Get(ByKey(1)).Await(ctx)
	require.NoError(t, gerr)
	assert.Equal(t, "Item 1", v)
	_, err = check.Await(ctx)
	require.NoError(t, err)
}

func TestTransactionModeValidation(t *testing.T) {
	ctx := context.Background()
	f := NewFactory(memdb.New(codec.NewMsgpackCodec()))
	db := seedItems(t, ctx, f, 1)
	defer db.Close()

	_, err := db.Transaction("readwriteflush", "items")
	assert.ErrorIs(t, err, ErrInvalidMode)
	_, err = db.Transaction(Mode("versionchange"), "items")
	assert.ErrorIs(t, err, ErrInvalidMode)
	_, err = db.Transaction(ReadOnly, "nope")
	assert.ErrorIs(t, err, ErrStoreNotFound)
}

func TestReadonlyWriteFails(t *testing.T) {
	ctx := context.Background()
	f := NewFactory(memdb.New(codec.NewMsgpackCodec()))
	db := seedItems(t, ctx, f, 1)
	defer db.Close()

	txn, _ := db.Transaction(ReadOnly, "items")
	store, _ := txn.ObjectStore("items")
	_, err := store.Put(9, "nope").Await(ctx)
	assert.ErrorIs(t, err, ErrTxReadOnly)
	_, err = txn.Await(ctx)
	require.NoError(t, err)
}

func TestQueryValidation(t *testing.T) {
	ctx := context.Background()
	f := NewFactory(memdb.New(codec.NewMsgpackCodec()))
	db := seedItems(t, ctx, f, 1)
	defer db.Close()

	txn, _ := db.Transaction(ReadOnly, "items")
	store, _ := txn.ObjectStore("items")

	// Get needs a key or range
	_, err := store.Get(Everything()).Await(ctx)
	assert.ErrorIs(t, err, ErrInvalidQuery)

	// but not both
	rng, _ := Only(1)
	q := ByKey(1)
	q.Range = ByRange(rng).Range
	_, err = store.Get(q).Await(ctx)
	assert.ErrorIs(t, err, ErrInvalidQuery)

	// unkeyable values are rejected up front
	_, err = store.Get(ByKey(struct{}{})).Await(ctx)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = Bound(struct{}{}, 1, false, false)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = txn.Await(ctx)
	require.NoError(t, err)
}

func TestOpenVersionArguments(t *testing.T) {
	f := NewFactory(memdb.New(codec.NewMsgpackCodec()))
	ctx := context.Background()

	_, err := f.OpenVersion("shop", 0, func(UpgradeEvent) error { return nil }).Await(ctx)
	assert.ErrorIs(t, err, ErrInvalidVersion)
	_, err = f.OpenVersion("shop", 2, nil).Await(ctx)
	assert.ErrorIs(t, err, ErrInvalidVersion)
}

func TestOpenExistingAtCurrentVersion(t *testing.T) {
	ctx := context.Background()
	f := NewFactory(memdb.New(codec.NewMsgpackCodec()))
	db := seedItems(t, ctx, f, 1)
	db.Close()

	db2, err := f.Open("shop").Await(ctx)
	require.NoError(t, err)
	defer db2.Close()
	assert.Equal(t, uint64(1), db2.Version())
	assert.Equal(t, []string{"items"}, db2.ObjectStoreNames())
}

func TestVersionTooLowIsRefused(t *testing.T) {
	ctx := context.Background()
	f := NewFactory(memdb.New(codec.NewMsgpackCodec()))
	db, err := f.OpenVersion("shop", 5, func(ev UpgradeEvent) error { return nil }).Await(ctx)
	require.NoError(t, err)
	db.Close()

	_, err = f.OpenVersion("shop", 2, func(ev UpgradeEvent) error { return nil }).Await(ctx)
	assert.ErrorIs(t, err, ErrVersionTooLow)
}

func TestBlockedOpenSignal(t *testing.T) {
	// arrange
	ctx := context.Background()
	f := NewFactory(memdb.New(codec.NewMsgpackCodec()))
	db := seedItems(t, ctx, f, 1)

	// act: a versioned open behind the live connection
	req := f.OpenVersion("shop", 2, func(ev UpgradeEvent) error { return nil })
	blocked := make(chan uint64, 1)
	req.OnBlocked(func(old uint64) { blocked <- old })

	select {
	case old := <-blocked:
		assert.Equal(t, uint64(1), old)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked signal never fired")
	}

	// still pending while the blocker lives
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := req.Await(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// assert: closing the blocker lets the upgrade through
	db.Close()
	db2, err := req.Await(ctx)
	require.NoError(t, err)
	defer db2.Close()
	assert.Equal(t, uint64(2), db2.Version())
}

func TestManualCursorStall(t *testing.T) {
	// arrange
	ctx := context.Background()
	f := NewFactory(memdb.New(codec.NewMsgpackCodec()))
	db := seedItems(t, ctx, f, 3)
	defer db.Close()
	txn, _ := db.Transaction(ReadOnly, "items")
	store, _ := txn.ObjectStore("items")

	stream := store.OpenCursor(Everything(), Next)
	require.True(t, stream.Next(ctx))
	c := stream.Cursor()
	assert.Equal(t, int64(0), c.Key().Int())

	// act: Next without an advance waits, then gives up with the ctx
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.False(t, stream.Next(short))
	assert.NoError(t, stream.Err())

	// assert: the stream is stalled, not dead
	require.NoError(t, c.Continue())
	require.True(t, stream.Next(ctx))
	assert.Equal(t, int64(1), stream.Cursor().Key().Int())

	_, err := txn.Await(ctx)
	require.NoError(t, err)
}

func TestCursorUpdateDelete(t *testing.T) {
	for name, f := range factories(t) {
		t.Run(name, func(t *testing.T) {
			// arrange
			ctx := context.Background()
			db := seedItems(t, ctx, f, 3)
			defer db.Close()

			// act: rewrite key 0, drop key 1
			txn, _ := db.Transaction(ReadWrite, "items")
			store, _ := txn.ObjectStore("items")
			stream := store.OpenCursor(Everything(), Next)
			for stream.Next(ctx) {
				c := stream.Cursor()
				switch c.Key().Int() {
				case 0:
					_, err := c.Update("rewritten").Await(ctx)
					require.NoError(t, err)
				case 1:
					_, err := c.Delete().Await(ctx)
					require.NoError(t, err)
				}
				require.NoError(t, c.Continue())
			}
			require.NoError(t, stream.Err())
			_, err := txn.Await(ctx)
			require.NoError(t, err)

			// assert
			check, _ := db.Transaction(ReadOnly, "items")
			cs, _ := check.ObjectStore("items")
			v, gerr := cs.Get(ByKey(0)).Await(ctx)
			require.NoError(t, gerr)
			assert.Equal(t, "rewritten", v)
			gone, gerr := cs.Get(ByKey(1)).Await(ctx)
			require.NoError(t, gerr)
			assert.Nil(t, gone)
			n, cerr := cs.Count(Everything()).Await(ctx)
			require.NoError(t, cerr)
			assert.Equal(t, uint64(2), n)
			_, err = check.Await(ctx)
			require.NoError(t, err)
		})
	}
}

func TestIndexQueries(t *testing.T) {
	for name, f := range factories(t) {
		t.Run(name, func(t *testing.T) {
			// arrange
			ctx := context.Background()
			db, err := f.OpenVersion("notes", 1, func(ev UpgradeEvent) error {
				store, err := ev.DB.CreateObjectStore("notes", StoreOptions{AutoIncrement: true})
				if err != nil {
					return err
				}
				_, err = store.CreateIndex("by_owner", "owner", IndexOptions{})
				return err
			}).Await(ctx)
			require.NoError(t, err)
			defer db.Close()

			txn, _ := db.Transaction(ReadWrite, "notes")
			store, _ := txn.ObjectStore("notes")
			for _, owner := range []string{"ann", "bob", "ann", "cee"} {
				store.Add(nil, map[string]any{"owner": owner})
			}
			_, err = txn.Await(ctx)
			require.NoError(t, err)

			// act
			check, _ := db.Transaction(ReadOnly, "notes")
			cs, _ := check.ObjectStore("notes")
			assert.Equal(t, []string{"by_owner"}, cs.IndexNames())
			idx, err := cs.Index("by_owner")
			require.NoError(t, err)

			n, cerr := idx.Count(ByKey("ann")).Await(ctx)
			pks, kerr := idx.GetAllKeys(ByKey("ann"), 0).Await(ctx)
			vals, verr := idx.GetAll(Everything(), 0).Await(ctx)
			_, err = check.Await(ctx)
			require.NoError(t, err)

			// assert
			require.NoError(t, cerr)
			assert.Equal(t, uint64(2), n)
			require.NoError(t, kerr)
			require.Len(t, pks, 2)
			assert.Equal(t, int64(1), pks[0].Int())
			assert.Equal(t, int64(3), pks[1].Int())
			require.NoError(t, verr)
			assert.Len(t, vals, 4)
		})
	}
}

func TestConcurrentReaders(t *testing.T) {
	for name, f := range factories(t) {
		t.Run(name, func(t *testing.T) {
			// arrange
			ctx := context.Background()
			db := seedItems(t, ctx, f, 100)
			defer db.Close()

			// act: readers share the store
			g, gctx := errgroup.WithContext(ctx)
			for i := 0; i < 8; i++ {
				g.Go(func() error {
					txn, err := db.Transaction(ReadOnly, "items")
					if err != nil {
						return err
					}
					store, err := txn.ObjectStore("items")
					if err != nil {
						return err
					}
					n, err := store.Count(Everything()).Await(gctx)
					if err != nil {
						return err
					}
					if n != 100 {
						return fmt.Errorf("count = %d, want 100", n)
					}
					_, err = txn.Await(gctx)
					return err
				})
			}

			// assert
			require.NoError(t, g.Wait())
		})
	}
}

func TestOpenStoreBumpsVersion(t *testing.T) {
	// arrange
	ctx := context.Background()
	f := NewFactory(memdb.New(codec.NewMsgpackCodec()))
	db := seedItems(t, ctx, f, 1)
	db.Close()

	// act: an existing store is a plain open
	db, err := f.OpenStore(ctx, "shop", "items")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), db.Version())
	db.Close()

	// a missing one bumps the version to create it
	db, err = f.OpenStore(ctx, "shop", "drafts")
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, uint64(2), db.Version())
	assert.Equal(t, []string{"drafts", "items"}, db.ObjectStoreNames())
}

func TestDeleteDatabaseWaitsForConnections(t *testing.T) {
	// arrange
	ctx := context.Background()
	f := NewFactory(memdb.New(codec.NewMsgpackCodec()))
	db := seedItems(t, ctx, f, 1)

	// act
	req := f.DeleteDatabase("shop")
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := req.Await(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	db.Close()
	_, err = req.Await(ctx)
	require.NoError(t, err)

	// assert: recreated from scratch
	db2, err := f.OpenVersion("shop", 1, func(ev UpgradeEvent) error {
		assert.Equal(t, uint64(0), ev.OldVersion)
		_, err := ev.DB.CreateObjectStore("items", StoreOptions{})
		return err
	}).Await(ctx)
	require.NoError(t, err)
	db2.Close()
}

func TestSchemaChangeOutsideUpgrade(t *testing.T) {
	ctx := context.Background()
	f := NewFactory(memdb.New(codec.NewMsgpackCodec()))
	db := seedItems(t, ctx, f, 1)
	defer db.Close()

	_, err := db.CreateObjectStore("late", StoreOptions{})
	assert.ErrorIs(t, err, ErrNotUpgrade)
	assert.ErrorIs(t, db.DeleteObjectStore("items"), ErrNotUpgrade)
}
