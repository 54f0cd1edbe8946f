package mem_storage

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"github.com/pingcap/errors"
	"github.com/tinysync/statesync/kv/storage"
)

const btreeDegree = 32

// MemStorage is a versioned store backed by memory. Data is not written to disk, nor sent to other nodes. Key
// versions and slots live in two ordered trees; a single RWMutex makes CompareAndApply atomic.
type MemStorage struct {
	mu       sync.RWMutex
	versions *btree.BTree
	slots    *btree.BTree
	started  bool
	// failNext, when set, is returned by the next store call instead of running it.
	failNext error
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		versions: btree.New(btreeDegree),
		slots:    btree.New(btreeDegree),
	}
}

func (s *MemStorage) Start() error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *MemStorage) Stop() error {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	return nil
}

// FailNext makes the next call on the store return err. It is meant for tests that exercise store failures.
func (s *MemStorage) FailNext(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

// takeFailure must be called with mu held for writing.
func (s *MemStorage) takeFailure() error {
	if !s.started {
		return storage.ErrNotStarted
	}
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *MemStorage) GetVersion(key []byte) (storage.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return 0, errors.Trace(err)
	}
	return s.keyVersion(key), nil
}

func (s *MemStorage) GetSlotVersion(key []byte, subKey uint64) (storage.Version, error) {
	_, version, err := s.Get(key, subKey)
	return version, err
}

func (s *MemStorage) Get(key []byte, subKey uint64) ([]byte, storage.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, 0, errors.Trace(err)
	}
	item := s.slots.Get(slotItem{key: key, subKey: subKey})
	if item == nil {
		return nil, 0, nil
	}
	slot := item.(slotItem)
	if slot.value == nil {
		return nil, slot.version, nil
	}
	return append([]byte(nil), slot.value...), slot.version, nil
}

func (s *MemStorage) CompareAndApply(reqs []storage.Requirement, batch []storage.Modify) (bool, error) {
	if err := storage.CheckBatch(batch); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return false, errors.Trace(err)
	}

	for _, req := range reqs {
		if s.keyVersion(req.Key) != req.Version {
			return false, nil
		}
	}

	for _, key := range storage.TouchedKeys(batch) {
		next := s.keyVersion(key) + 1
		s.versions.ReplaceOrInsert(keyItem{key: append([]byte(nil), key...), version: next})
	}
	for _, m := range batch {
		slot := slotItem{key: append([]byte(nil), m.Key()...), subKey: m.SubKey()}
		if old := s.slots.Get(slot); old != nil {
			slot.version = old.(slotItem).version
		}
		slot.version++
		if value := m.Value(); value != nil {
			slot.value = append([]byte(nil), value...)
		}
		s.slots.ReplaceOrInsert(slot)
	}
	return true, nil
}

// Len returns the number of slots holding a value.
func (s *MemStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	s.slots.Ascend(func(i btree.Item) bool {
		if i.(slotItem).value != nil {
			n++
		}
		return true
	})
	return n
}

func (s *MemStorage) keyVersion(key []byte) storage.Version {
	item := s.versions.Get(keyItem{key: key})
	if item == nil {
		return 0
	}
	return item.(keyItem).version
}

type keyItem struct {
	key     []byte
	version storage.Version
}

func (it keyItem) Less(than btree.Item) bool {
	return bytes.Compare(it.key, than.(keyItem).key) < 0
}

type slotItem struct {
	key     []byte
	subKey  uint64
	version storage.Version
	// value is nil once the slot has been cleared.
	value []byte
}

func (it slotItem) Less(than btree.Item) bool {
	other := than.(slotItem)
	if c := bytes.Compare(it.key, other.key); c != 0 {
		return c < 0
	}
	return it.subKey < other.subKey
}
