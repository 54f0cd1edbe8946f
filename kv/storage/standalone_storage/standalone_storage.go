package standalone_storage

import (
	"sync"

	"github.com/coocood/badger"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/tinysync/statesync/kv/config"
	"github.com/tinysync/statesync/kv/storage"
	"github.com/tinysync/statesync/kv/util"
	"github.com/tinysync/statesync/kv/util/codec"
	"go.uber.org/zap"
)

// StandAloneStorage is an implementation of `Storage` for a single process. It does not communicate with other
// nodes and all data is stored locally in badger. writeMu is held across the read-validate-write transaction of
// CompareAndApply, so concurrent batches never abort each other with badger.ErrConflict.
type StandAloneStorage struct {
	conf config.StorageConfig

	mu sync.RWMutex
	db *badger.DB

	writeMu sync.Mutex
}

func NewStandAloneStorage(conf *config.Config) *StandAloneStorage {
	return &StandAloneStorage{conf: conf.Storage}
}

func (s *StandAloneStorage) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	opts := badger.DefaultOptions
	opts.Dir = s.conf.DBPath
	opts.ValueDir = s.conf.DBPath
	opts.SyncWrites = s.conf.SyncWrites
	if s.conf.VlogFileSize != "" {
		size, err := s.conf.VlogFileSizeBytes()
		if err != nil {
			return err
		}
		opts.ValueLogFileSize = size
	}
	if s.conf.MaxTableSize != "" {
		size, err := s.conf.MaxTableSizeBytes()
		if err != nil {
			return err
		}
		opts.MaxTableSize = size
	}
	if err := util.EnsureDir(opts.Dir); err != nil {
		return err
	}
	db, err := badger.Open(opts)
	if err != nil {
		return errors.Annotatef(err, "open badger at %s", opts.Dir)
	}
	s.db = db
	log.Info("badger storage started", zap.String("path", opts.Dir))
	return nil
}

func (s *StandAloneStorage) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return errors.Trace(err)
}

func (s *StandAloneStorage) getDB() (*badger.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, storage.ErrNotStarted
	}
	return s.db, nil
}

func (s *StandAloneStorage) GetVersion(key []byte) (storage.Version, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var version storage.Version
	err = db.View(func(txn *badger.Txn) error {
		version, err = getKeyVersion(txn, key)
		return err
	})
	return version, errors.Trace(err)
}

func (s *StandAloneStorage) GetSlotVersion(key []byte, subKey uint64) (storage.Version, error) {
	_, version, err := s.Get(key, subKey)
	return version, err
}

func (s *StandAloneStorage) Get(key []byte, subKey uint64) ([]byte, storage.Version, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, 0, err
	}
	var (
		value   []byte
		version storage.Version
	)
	err = db.View(func(txn *badger.Txn) error {
		value, version, err = getSlot(txn, key, subKey)
		return err
	})
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	return value, version, nil
}

func (s *StandAloneStorage) CompareAndApply(reqs []storage.Requirement, batch []storage.Modify) (bool, error) {
	if err := storage.CheckBatch(batch); err != nil {
		return false, err
	}
	db, err := s.getDB()
	if err != nil {
		return false, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	retries := s.conf.ConflictRetries
	for {
		var applied bool
		err = db.Update(func(txn *badger.Txn) error {
			var err1 error
			applied, err1 = compareAndApply(txn, reqs, batch)
			return err1
		})
		if err == badger.ErrConflict && retries > 0 {
			// Writes are serialized by writeMu, so a conflict can only come from a writer outside this
			// StandAloneStorage. The requirements are checked again on the next attempt.
			retries--
			continue
		}
		if err != nil {
			return false, errors.Trace(err)
		}
		return applied, nil
	}
}

func compareAndApply(txn *badger.Txn, reqs []storage.Requirement, batch []storage.Modify) (bool, error) {
	for _, req := range reqs {
		version, err := getKeyVersion(txn, req.Key)
		if err != nil {
			return false, err
		}
		if version != req.Version {
			return false, nil
		}
	}

	for _, key := range storage.TouchedKeys(batch) {
		version, err := getKeyVersion(txn, key)
		if err != nil {
			return false, err
		}
		if err = txn.Set(codec.EncodeKeyVersionKey(key), codec.EncodeVersion(uint64(version)+1)); err != nil {
			return false, err
		}
	}
	for _, m := range batch {
		_, version, err := getSlot(txn, m.Key(), m.SubKey())
		if err != nil {
			return false, err
		}
		record := codec.EncodeSlotRecord(uint64(version)+1, m.Value())
		if err = txn.Set(codec.EncodeSlotKey(m.Key(), m.SubKey()), record); err != nil {
			return false, err
		}
	}
	return true, nil
}

func getKeyVersion(txn *badger.Txn, key []byte) (storage.Version, error) {
	item, err := txn.Get(codec.EncodeKeyVersionKey(key))
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	val, err := item.Value()
	if err != nil {
		return 0, err
	}
	version, err := codec.DecodeVersion(val)
	return storage.Version(version), err
}

func getSlot(txn *badger.Txn, key []byte, subKey uint64) ([]byte, storage.Version, error) {
	item, err := txn.Get(codec.EncodeSlotKey(key, subKey))
	if err == badger.ErrKeyNotFound {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	val, err := item.Value()
	if err != nil {
		return nil, 0, err
	}
	version, value, err := codec.DecodeSlotRecord(val)
	return value, storage.Version(version), err
}
