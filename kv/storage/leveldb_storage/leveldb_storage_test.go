package leveldb_storage

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinysync/statesync/kv/config"
	"github.com/tinysync/statesync/kv/storage"
	"github.com/tinysync/statesync/kv/storage/storagetest"
)

func newTestStorage(t *testing.T) *LevelDBStorage {
	dir, err := ioutil.TempDir("", "statesync-leveldb")
	require.Nil(t, err)
	conf := config.NewTestConfig()
	conf.Storage.Engine = config.EngineLevelDB
	conf.Storage.DBPath = dir
	s := NewLevelDBStorage(conf)
	require.Nil(t, s.Start())
	t.Cleanup(func() {
		s.Stop()
		os.RemoveAll(dir)
	})
	return s
}

func TestLevelDBStorage(t *testing.T) {
	storagetest.RunStorageTests(t, func(t *testing.T) storage.Storage {
		return newTestStorage(t)
	})
}

func TestSameSlotTwiceInBatch(t *testing.T) {
	s := newTestStorage(t)
	ok, err := s.CompareAndApply(nil, []storage.Modify{
		{Data: storage.Put{Key: []byte("a"), SubKey: 1, Value: []byte("x")}},
		{Data: storage.Put{Key: []byte("a"), SubKey: 1, Value: []byte("y")}},
	})
	require.Nil(t, err)
	require.True(t, ok)

	value, version, err := s.Get([]byte("a"), 1)
	require.Nil(t, err)
	assert.Equal(t, []byte("y"), value)
	assert.Equal(t, storage.Version(2), version)
}
