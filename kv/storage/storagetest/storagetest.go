// Package storagetest holds the behaviour every storage.Storage implementation has to show. Backend packages run
// it from their own tests.
package storagetest

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinysync/statesync/kv/storage"
)

// NewStorage returns a started, empty store. Cleanup is registered by the factory.
type NewStorage func(t *testing.T) storage.Storage

func put(key string, subKey uint64, value string) storage.Modify {
	return storage.Modify{Data: storage.Put{Key: []byte(key), SubKey: subKey, Value: []byte(value)}}
}

func del(key string, subKey uint64) storage.Modify {
	return storage.Modify{Data: storage.Delete{Key: []byte(key), SubKey: subKey}}
}

// RunStorageTests runs the shared behaviour tests against the stores made by newStorage.
func RunStorageTests(t *testing.T, newStorage NewStorage) {
	t.Run("EmptyStore", func(t *testing.T) { testEmptyStore(t, newStorage(t)) })
	t.Run("ApplyAdvancesVersions", func(t *testing.T) { testApplyAdvancesVersions(t, newStorage(t)) })
	t.Run("StaleRequirement", func(t *testing.T) { testStaleRequirement(t, newStorage(t)) })
	t.Run("DeleteKeepsVersion", func(t *testing.T) { testDeleteKeepsVersion(t, newStorage(t)) })
	t.Run("RejectEmptyValue", func(t *testing.T) { testRejectEmptyValue(t, newStorage(t)) })
	t.Run("ConcurrentCompareAndApply", func(t *testing.T) { testConcurrentCompareAndApply(t, newStorage(t)) })
	t.Run("ConcurrentBlindWrites", func(t *testing.T) { testConcurrentBlindWrites(t, newStorage(t)) })
}

func testEmptyStore(t *testing.T, s storage.Storage) {
	v, err := s.GetVersion([]byte("k"))
	require.Nil(t, err)
	assert.Equal(t, storage.Version(0), v)

	value, sv, err := s.Get([]byte("k"), 1)
	require.Nil(t, err)
	assert.Nil(t, value)
	assert.Equal(t, storage.Version(0), sv)

	// No requirements and no writes is a valid, empty batch.
	ok, err := s.CompareAndApply(nil, nil)
	require.Nil(t, err)
	assert.True(t, ok)
}

func testApplyAdvancesVersions(t *testing.T, s storage.Storage) {
	ok, err := s.CompareAndApply(
		[]storage.Requirement{{Key: []byte("k"), Version: 0}},
		[]storage.Modify{put("k", 1, "a"), put("k", 2, "b"), put("j", 1, "c")})
	require.Nil(t, err)
	require.True(t, ok)

	v, err := s.GetVersion([]byte("k"))
	require.Nil(t, err)
	assert.Equal(t, storage.Version(1), v, "one batch bumps the key version once")
	v, err = s.GetVersion([]byte("j"))
	require.Nil(t, err)
	assert.Equal(t, storage.Version(1), v)

	value, sv, err := s.Get([]byte("k"), 2)
	require.Nil(t, err)
	assert.Equal(t, []byte("b"), value)
	assert.Equal(t, storage.Version(1), sv)

	ok, err = s.CompareAndApply(nil, []storage.Modify{put("k", 2, "bb")})
	require.Nil(t, err)
	require.True(t, ok)

	v, err = s.GetVersion([]byte("k"))
	require.Nil(t, err)
	assert.Equal(t, storage.Version(2), v)
	sv, err = s.GetSlotVersion([]byte("k"), 2)
	require.Nil(t, err)
	assert.Equal(t, storage.Version(2), sv)
	sv, err = s.GetSlotVersion([]byte("k"), 1)
	require.Nil(t, err)
	assert.Equal(t, storage.Version(1), sv, "untouched slot keeps its version")
}

func testStaleRequirement(t *testing.T, s storage.Storage) {
	ok, err := s.CompareAndApply(nil, []storage.Modify{put("k", 1, "a")})
	require.Nil(t, err)
	require.True(t, ok)

	ok, err = s.CompareAndApply(
		[]storage.Requirement{{Key: []byte("k"), Version: 0}},
		[]storage.Modify{put("k", 1, "b"), put("other", 1, "x")})
	require.Nil(t, err)
	assert.False(t, ok)

	value, _, err := s.Get([]byte("k"), 1)
	require.Nil(t, err)
	assert.Equal(t, []byte("a"), value)
	v, err := s.GetVersion([]byte("other"))
	require.Nil(t, err)
	assert.Equal(t, storage.Version(0), v, "a stale batch applies nothing")

	// A requirement on a key that is not written is still checked.
	ok, err = s.CompareAndApply(
		[]storage.Requirement{{Key: []byte("k"), Version: 1}, {Key: []byte("never"), Version: 0}},
		[]storage.Modify{put("other", 1, "x")})
	require.Nil(t, err)
	assert.True(t, ok)
}

func testDeleteKeepsVersion(t *testing.T, s storage.Storage) {
	ok, err := s.CompareAndApply(nil, []storage.Modify{put("k", 1, "a")})
	require.Nil(t, err)
	require.True(t, ok)
	ok, err = s.CompareAndApply(nil, []storage.Modify{del("k", 1)})
	require.Nil(t, err)
	require.True(t, ok)

	value, sv, err := s.Get([]byte("k"), 1)
	require.Nil(t, err)
	assert.Nil(t, value)
	assert.Equal(t, storage.Version(2), sv)

	// Clearing a slot that never held a value still advances its version.
	ok, err = s.CompareAndApply(nil, []storage.Modify{del("fresh", 9)})
	require.Nil(t, err)
	require.True(t, ok)
	sv, err = s.GetSlotVersion([]byte("fresh"), 9)
	require.Nil(t, err)
	assert.Equal(t, storage.Version(1), sv)
}

func testRejectEmptyValue(t *testing.T, s storage.Storage) {
	_, err := s.CompareAndApply(nil, []storage.Modify{put("k", 1, "a"), put("k", 2, "")})
	assert.NotNil(t, err)
	v, err := s.GetVersion([]byte("k"))
	require.Nil(t, err)
	assert.Equal(t, storage.Version(0), v)
}

func testConcurrentCompareAndApply(t *testing.T, s storage.Storage) {
	const writers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.CompareAndApply(
				[]storage.Requirement{{Key: []byte("hot"), Version: 0}},
				[]storage.Modify{put("hot", 1, fmt.Sprintf("w%d", i))})
			assert.Nil(t, err)
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, applied)
	v, err := s.GetVersion([]byte("hot"))
	require.Nil(t, err)
	assert.Equal(t, storage.Version(1), v)
}

// Batches without requirements always apply, however many writers hit the same key.
func testConcurrentBlindWrites(t *testing.T, s storage.Storage) {
	const (
		writers = 32
		rounds  = 10
	)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []error
		stale  int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				ok, err := s.CompareAndApply(nil, []storage.Modify{
					put("hot", uint64(i), fmt.Sprintf("w%d-%d", i, r)),
					put("hot", 1000, "shared"),
				})
				mu.Lock()
				if err != nil {
					failed = append(failed, err)
				} else if !ok {
					stale++
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Empty(t, failed)
	assert.Equal(t, 0, stale)

	v, err := s.GetVersion([]byte("hot"))
	require.Nil(t, err)
	assert.Equal(t, storage.Version(writers*rounds), v)
	sv, err := s.GetSlotVersion([]byte("hot"), 1000)
	require.Nil(t, err)
	assert.Equal(t, storage.Version(writers*rounds), sv)
}
