package transaction

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinysync/statesync/kv/config"
	"github.com/tinysync/statesync/kv/storage"
	"github.com/tinysync/statesync/kv/storage/mem_storage"
	"github.com/tinysync/statesync/kv/transaction/commit"
	"golang.org/x/sync/errgroup"
)

// gateStorage blocks CompareAndApply until gate is closed, when a gate is set.
type gateStorage struct {
	*mem_storage.MemStorage
	gate chan struct{}
}

func (s *gateStorage) CompareAndApply(reqs []storage.Requirement, batch []storage.Modify) (bool, error) {
	if s.gate != nil {
		<-s.gate
	}
	return s.MemStorage.CompareAndApply(reqs, batch)
}

// testBuilder is a helper type for running transaction tests against an in-memory engine.
type testBuilder struct {
	t      *testing.T
	engine *Engine
	// mem is always the backing store of engine.
	mem  *mem_storage.MemStorage
	gate *gateStorage
}

// slot identifies a (key, subKey) slot and, in assertions, the value and version expected in it. A nil value
// means the slot must be empty.
type slot struct {
	key     string
	subKey  uint64
	value   []byte
	version storage.Version
}

func newBuilder(t *testing.T) *testBuilder {
	mem := mem_storage.NewMemStorage()
	gate := &gateStorage{MemStorage: mem}
	engine := NewEngine(config.NewTestConfig(), gate)
	require.Nil(t, engine.Start())
	return &testBuilder{t: t, engine: engine, mem: mem, gate: gate}
}

func (builder *testBuilder) stop() {
	require.Nil(builder.t, builder.engine.Stop())
}

func (builder *testBuilder) key(name string) *RefKey {
	k, err := builder.engine.Key([]byte(name))
	require.Nil(builder.t, err)
	return k
}

// init writes values straight to the store.
func (builder *testBuilder) init(slots []slot) {
	for _, s := range slots {
		ok, err := builder.mem.CompareAndApply(nil, []storage.Modify{{Data: storage.Put{Key: []byte(s.key), SubKey: s.subKey, Value: s.value}}})
		require.Nil(builder.t, err)
		require.True(builder.t, ok)
	}
}

func (builder *testBuilder) assert(slots []slot) {
	for _, s := range slots {
		value, version, err := builder.mem.Get([]byte(s.key), s.subKey)
		require.Nil(builder.t, err)
		assert.Equal(builder.t, s.value, value, "value of %s/%d", s.key, s.subKey)
		assert.Equal(builder.t, s.version, version, "version of %s/%d", s.key, s.subKey)
	}
}

func (builder *testBuilder) keyVersion(name string) storage.Version {
	version, err := builder.mem.GetVersion([]byte(name))
	require.Nil(builder.t, err)
	return version
}

func (builder *testBuilder) commit(txn *Txn) commit.Result {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := txn.Commit(ctx)
	require.Nil(builder.t, err)
	return r
}

// A key changed between Require and commit makes the commit conflict and leaves the store as it was.
func TestStaleRequirementConflicts(t *testing.T) {
	builder := newBuilder(t)
	defer builder.stop()
	k := builder.key("K")
	defer k.Release()

	t1 := builder.engine.Begin()
	defer t1.Close()
	t2 := builder.engine.Begin()
	defer t2.Close()

	require.Nil(t, t1.Require(k))
	require.Nil(t, t2.Require(k))
	require.Nil(t, t1.Set(k, 1, []byte("from t1")))
	require.Nil(t, t2.Set(k, 1, []byte("from t2")))

	assert.Equal(t, commit.Succeeded, builder.commit(t1).Outcome)
	assert.Equal(t, Succeeded, t1.State())
	r := builder.commit(t2)
	assert.Equal(t, commit.Conflict, r.Outcome)
	assert.Nil(t, r.Err)
	assert.Equal(t, Conflict, t2.State())

	builder.assert([]slot{{key: "K", subKey: 1, value: []byte("from t1"), version: 1}})
	assert.Equal(t, storage.Version(1), builder.keyVersion("K"))
}

// Requiring a key conflicts with a write to any of its slots, not only the slots the transaction writes.
func TestRequireCoversWholeKey(t *testing.T) {
	builder := newBuilder(t)
	defer builder.stop()
	k := builder.key("K")
	defer k.Release()

	t1 := builder.engine.Begin()
	defer t1.Close()
	require.Nil(t, t1.Require(k))
	require.Nil(t, t1.Set(k, 1, []byte("a")))

	t2 := builder.engine.Begin()
	defer t2.Close()
	require.Nil(t, t2.Set(k, 2, []byte("b")))
	assert.Equal(t, commit.Succeeded, builder.commit(t2).Outcome)

	assert.Equal(t, commit.Conflict, builder.commit(t1).Outcome)
	builder.assert([]slot{
		{key: "K", subKey: 1},
		{key: "K", subKey: 2, value: []byte("b"), version: 1},
	})
}

func TestEmptyValueRejected(t *testing.T) {
	builder := newBuilder(t)
	defer builder.stop()
	k := builder.key("K")
	defer k.Release()

	txn := builder.engine.Begin()
	defer txn.Close()
	require.Nil(t, txn.Set(k, 1, []byte("kept")))
	err := txn.Set(k, 1, nil)
	assert.Equal(t, ErrEmptyValue, err)
	assert.True(t, IsUsageError(err))
	assert.Equal(t, ErrEmptyValue, txn.Set(k, 2, []byte{}))
	assert.Equal(t, Building, txn.State())

	assert.Equal(t, commit.Succeeded, builder.commit(txn).Outcome)
	builder.assert([]slot{
		{key: "K", subKey: 1, value: []byte("kept"), version: 1},
		{key: "K", subKey: 2},
	})
}

func TestLastWriteForSlotWins(t *testing.T) {
	builder := newBuilder(t)
	defer builder.stop()
	builder.init([]slot{{key: "K", subKey: 1, value: []byte("old")}, {key: "K", subKey: 2, value: []byte("old")}})
	k := builder.key("K")
	defer k.Release()

	txn := builder.engine.Begin()
	defer txn.Close()
	require.Nil(t, txn.Set(k, 1, []byte("v")))
	require.Nil(t, txn.Clear(k, 1))
	require.Nil(t, txn.Clear(k, 2))
	require.Nil(t, txn.Set(k, 2, []byte("w")))
	assert.Equal(t, commit.Succeeded, builder.commit(txn).Outcome)

	// One change per slot: each slot version moved by one, the key version by one for the batch.
	builder.assert([]slot{
		{key: "K", subKey: 1, version: 2},
		{key: "K", subKey: 2, value: []byte("w"), version: 2},
	})
	assert.Equal(t, storage.Version(3), builder.keyVersion("K"))
}

func TestClearKeepsVersion(t *testing.T) {
	builder := newBuilder(t)
	defer builder.stop()
	k := builder.key("K")
	defer k.Release()

	for i, value := range [][]byte{[]byte("a"), nil, []byte("b")} {
		txn := builder.engine.Begin()
		if value == nil {
			require.Nil(t, txn.Clear(k, 7))
		} else {
			require.Nil(t, txn.Set(k, 7, value))
		}
		assert.Equal(t, commit.Succeeded, builder.commit(txn).Outcome)
		require.Nil(t, txn.Close())
		builder.assert([]slot{{key: "K", subKey: 7, value: value, version: storage.Version(i + 1)}})
	}
}

func TestBlindWriteAlwaysSucceeds(t *testing.T) {
	builder := newBuilder(t)
	defer builder.stop()
	builder.init([]slot{{key: "K", subKey: 1, value: []byte("a")}})
	k := builder.key("K")
	defer k.Release()

	for i := 0; i < 5; i++ {
		txn := builder.engine.Begin()
		require.Nil(t, txn.Set(k, 1, []byte(fmt.Sprintf("v%d", i))))
		assert.Equal(t, commit.Succeeded, builder.commit(txn).Outcome)
		require.Nil(t, txn.Close())
	}
	builder.assert([]slot{{key: "K", subKey: 1, value: []byte("v4"), version: 6}})
}

func TestEmptyTransactionSucceeds(t *testing.T) {
	builder := newBuilder(t)
	defer builder.stop()

	txn := builder.engine.Begin()
	defer txn.Close()
	assert.Equal(t, commit.Succeeded, builder.commit(txn).Outcome)
	assert.Equal(t, 0, builder.mem.Len())
}

func TestDisposeBeforeCommit(t *testing.T) {
	builder := newBuilder(t)
	defer builder.stop()
	k := builder.key("K")

	txn := builder.engine.Begin()
	require.Nil(t, txn.Require(k))
	require.Nil(t, txn.Set(k, 1, []byte("never")))
	require.Nil(t, txn.Close())
	require.Nil(t, txn.Close())
	assert.Equal(t, Disposed, txn.State())

	assert.Equal(t, ErrDisposed, txn.Require(k))
	assert.Equal(t, ErrDisposed, txn.Set(k, 1, []byte("v")))
	// The value is checked first.
	assert.Equal(t, ErrEmptyValue, txn.Set(k, 1, nil))
	assert.Equal(t, ErrDisposed, txn.Clear(k, 1))
	_, err := txn.CommitAsync()
	assert.Equal(t, ErrDisposed, err)
	_, err = txn.Commit(context.Background())
	assert.True(t, IsUsageError(err))

	// The transaction gave back its reference; ours is the last one.
	require.Nil(t, k.Release())
	assert.False(t, k.Valid())
	assert.Equal(t, 0, builder.engine.keys.Len())
	assert.Equal(t, storage.Version(0), builder.keyVersion("K"))
	assert.Equal(t, 0, builder.mem.Len())
}

func TestDisposeWhileCommitting(t *testing.T) {
	builder := newBuilder(t)
	defer builder.stop()
	builder.gate.gate = make(chan struct{})
	k := builder.key("K")
	defer k.Release()

	txn := builder.engine.Begin()
	require.Nil(t, txn.Set(k, 1, []byte("v")))
	f, err := txn.CommitAsync()
	require.Nil(t, err)
	assert.Equal(t, Committing, txn.State())
	require.Nil(t, txn.Close())

	close(builder.gate.gate)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := f.Wait(ctx)
	require.Nil(t, err)
	assert.Equal(t, commit.Succeeded, r.Outcome)
	assert.Equal(t, Disposed, txn.State())
	builder.assert([]slot{{key: "K", subKey: 1, value: []byte("v"), version: 1}})
}

func TestCommitAsyncTwice(t *testing.T) {
	builder := newBuilder(t)
	defer builder.stop()
	k := builder.key("K")
	defer k.Release()

	txn := builder.engine.Begin()
	defer txn.Close()
	require.Nil(t, txn.Set(k, 1, []byte("once")))
	f1, err := txn.CommitAsync()
	require.Nil(t, err)
	f2, err := txn.CommitAsync()
	require.Nil(t, err)
	assert.True(t, f1 == f2)
	assert.Equal(t, commit.Succeeded, builder.commit(txn).Outcome)

	assert.Equal(t, ErrCommitted, txn.Set(k, 1, []byte("again")))
	assert.Equal(t, ErrEmptyValue, txn.Set(k, 1, []byte{}))
	assert.Equal(t, ErrCommitted, txn.Clear(k, 1))
	assert.Equal(t, ErrCommitted, txn.Require(k))
	builder.assert([]slot{{key: "K", subKey: 1, value: []byte("once"), version: 1}})
}

func TestStoreFailureFails(t *testing.T) {
	builder := newBuilder(t)
	defer builder.stop()
	k := builder.key("K")
	defer k.Release()

	txn := builder.engine.Begin()
	defer txn.Close()
	require.Nil(t, txn.Require(k))
	require.Nil(t, txn.Set(k, 1, []byte("v")))
	boom := errors.New("disk on fire")
	builder.mem.FailNext(boom)

	r := builder.commit(txn)
	assert.Equal(t, commit.Failed, r.Outcome)
	assert.Equal(t, boom, errors.Cause(r.Err))
	assert.Equal(t, Failed, txn.State())
	assert.Equal(t, storage.Version(0), builder.keyVersion("K"))
}

func TestRequireFailureFailsCommit(t *testing.T) {
	builder := newBuilder(t)
	defer builder.stop()
	k := builder.key("K")
	defer k.Release()

	txn := builder.engine.Begin()
	defer txn.Close()
	boom := errors.New("read failed")
	builder.mem.FailNext(boom)
	require.Nil(t, txn.Require(k))
	require.Nil(t, txn.Set(k, 1, []byte("v")))

	r := builder.commit(txn)
	assert.Equal(t, commit.Failed, r.Outcome)
	assert.Equal(t, boom, errors.Cause(r.Err))
	assert.Equal(t, 0, builder.mem.Len())
}

func TestRequireTakesLatestSnapshot(t *testing.T) {
	builder := newBuilder(t)
	defer builder.stop()
	k := builder.key("K")
	defer k.Release()

	txn := builder.engine.Begin()
	defer txn.Close()
	require.Nil(t, txn.Require(k))
	builder.init([]slot{{key: "K", subKey: 1, value: []byte("other")}})
	// Requiring again observes the write above.
	require.Nil(t, txn.Require(k))
	require.Nil(t, txn.Set(k, 1, []byte("mine")))
	assert.Equal(t, commit.Succeeded, builder.commit(txn).Outcome)
	builder.assert([]slot{{key: "K", subKey: 1, value: []byte("mine"), version: 2}})
}

func TestKeyMisuse(t *testing.T) {
	builder := newBuilder(t)
	defer builder.stop()
	other := NewEngine(config.NewTestConfig(), mem_storage.NewMemStorage())
	foreign, err := other.Key([]byte("K"))
	require.Nil(t, err)

	txn := builder.engine.Begin()
	defer txn.Close()
	assert.Equal(t, ErrForeignKey, txn.Set(foreign, 1, []byte("v")))
	assert.Equal(t, ErrEmptyKey, txn.Require(nil))

	released := builder.key("gone")
	require.Nil(t, released.Release())
	err = txn.Clear(released, 1)
	assert.Equal(t, ErrKeyReleased, err)
	assert.True(t, IsUsageError(err))
	assert.False(t, IsUsageError(errors.New("not a usage error")))
}

func TestDisjointCommitsRunConcurrently(t *testing.T) {
	builder := newBuilder(t)
	defer builder.stop()

	const n = 32
	var g errgroup.Group
	results := make([]commit.Outcome, n)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			k, err := builder.engine.Key([]byte(fmt.Sprintf("key-%d", i)))
			if err != nil {
				return err
			}
			defer k.Release()
			txn := builder.engine.Begin()
			defer txn.Close()
			if err := txn.Require(k); err != nil {
				return err
			}
			if err := txn.Set(k, 0, []byte("v")); err != nil {
				return err
			}
			r, err := txn.Commit(context.Background())
			results[i] = r.Outcome
			return err
		})
	}
	require.Nil(t, g.Wait())
	for i, outcome := range results {
		assert.Equal(t, commit.Succeeded, outcome, "key-%d", i)
	}
	assert.Equal(t, n, builder.mem.Len())
}

func TestOverlappingCommitsOneWins(t *testing.T) {
	builder := newBuilder(t)
	defer builder.stop()
	k := builder.key("K")
	defer k.Release()

	const n = 16
	txns := make([]*Txn, n)
	for i := range txns {
		txns[i] = builder.engine.Begin()
		defer txns[i].Close()
		require.Nil(t, txns[i].Require(k))
		require.Nil(t, txns[i].Set(k, uint64(i), []byte("v")))
	}

	var g errgroup.Group
	results := make([]commit.Outcome, n)
	for i := range txns {
		i := i
		g.Go(func() error {
			r, err := txns[i].Commit(context.Background())
			results[i] = r.Outcome
			return err
		})
	}
	require.Nil(t, g.Wait())

	succeeded := 0
	for _, outcome := range results {
		if outcome == commit.Succeeded {
			succeeded++
		} else {
			assert.Equal(t, commit.Conflict, outcome)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, builder.mem.Len())
	assert.Equal(t, storage.Version(1), builder.keyVersion("K"))
}

func TestEngineStopFailsLateCommits(t *testing.T) {
	builder := newBuilder(t)
	k := builder.key("K")
	defer k.Release()
	builder.stop()

	txn := builder.engine.Begin()
	defer txn.Close()
	require.Nil(t, txn.Set(k, 1, []byte("v")))
	r := builder.commit(txn)
	assert.Equal(t, commit.Failed, r.Outcome)
	assert.Equal(t, commit.ErrCoordinatorStopped, r.Err)
}
