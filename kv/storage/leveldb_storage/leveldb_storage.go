package leveldb_storage

import (
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/tinysync/statesync/kv/config"
	"github.com/tinysync/statesync/kv/storage"
	"github.com/tinysync/statesync/kv/util"
	"github.com/tinysync/statesync/kv/util/codec"
	"go.uber.org/zap"
)

// LevelDBStorage keeps the versioned records in a local leveldb. LevelDB has no read-write transactions, so
// mu is held across the read-validate-write sequence of CompareAndApply and every batch is written with one
// leveldb.Batch.
type LevelDBStorage struct {
	conf config.StorageConfig

	mu sync.RWMutex
	db *leveldb.DB
}

func NewLevelDBStorage(conf *config.Config) *LevelDBStorage {
	return &LevelDBStorage{conf: conf.Storage}
}

func (s *LevelDBStorage) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	if err := util.EnsureDir(s.conf.DBPath); err != nil {
		return err
	}
	db, err := leveldb.OpenFile(s.conf.DBPath, nil)
	if err != nil {
		return errors.Annotatef(err, "open leveldb at %s", s.conf.DBPath)
	}
	s.db = db
	log.Info("leveldb storage started", zap.String("path", s.conf.DBPath))
	return nil
}

func (s *LevelDBStorage) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return errors.Trace(err)
}

func (s *LevelDBStorage) GetVersion(key []byte) (storage.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, storage.ErrNotStarted
	}
	return s.keyVersion(key)
}

func (s *LevelDBStorage) GetSlotVersion(key []byte, subKey uint64) (storage.Version, error) {
	_, version, err := s.Get(key, subKey)
	return version, err
}

func (s *LevelDBStorage) Get(key []byte, subKey uint64) ([]byte, storage.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, 0, storage.ErrNotStarted
	}
	return s.slot(key, subKey)
}

func (s *LevelDBStorage) CompareAndApply(reqs []storage.Requirement, batch []storage.Modify) (bool, error) {
	if err := storage.CheckBatch(batch); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return false, storage.ErrNotStarted
	}

	for _, req := range reqs {
		version, err := s.keyVersion(req.Key)
		if err != nil {
			return false, err
		}
		if version != req.Version {
			return false, nil
		}
	}

	wb := new(leveldb.Batch)
	for _, key := range storage.TouchedKeys(batch) {
		version, err := s.keyVersion(key)
		if err != nil {
			return false, err
		}
		wb.Put(codec.EncodeKeyVersionKey(key), codec.EncodeVersion(uint64(version)+1))
	}
	// A slot written twice in one batch must see its first write, which is not in the db yet.
	pending := make(map[string]storage.Version)
	for _, m := range batch {
		slotKey := codec.EncodeSlotKey(m.Key(), m.SubKey())
		version, ok := pending[string(slotKey)]
		if !ok {
			var err error
			if _, version, err = s.slot(m.Key(), m.SubKey()); err != nil {
				return false, err
			}
		}
		version++
		pending[string(slotKey)] = version
		wb.Put(slotKey, codec.EncodeSlotRecord(uint64(version), m.Value()))
	}
	if err := s.db.Write(wb, &opt.WriteOptions{Sync: s.conf.SyncWrites}); err != nil {
		return false, errors.Trace(err)
	}
	return true, nil
}

func (s *LevelDBStorage) keyVersion(key []byte) (storage.Version, error) {
	val, err := s.db.Get(codec.EncodeKeyVersionKey(key), nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Trace(err)
	}
	version, err := codec.DecodeVersion(val)
	return storage.Version(version), errors.Trace(err)
}

func (s *LevelDBStorage) slot(key []byte, subKey uint64) ([]byte, storage.Version, error) {
	val, err := s.db.Get(codec.EncodeSlotKey(key, subKey), nil)
	if err == leveldb.ErrNotFound {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	version, value, err := codec.DecodeSlotRecord(val)
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	return value, storage.Version(version), nil
}
