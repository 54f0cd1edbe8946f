package mvcc

import (
	"bytes"
	"sort"

	"github.com/pingcap/errors"
	"github.com/tinysync/statesync/kv/storage"
)

type slot struct {
	key    string
	subKey uint64
}

// MutationSet stages writes and clears by (key, subKey) slot. A later Set or Clear of a slot replaces the earlier
// one, so the batch holds at most one change per slot.
//
// Like RequirementSet it is owned by one transaction builder and does no locking.
type MutationSet struct {
	pending map[slot]storage.Modify
}

func NewMutationSet() *MutationSet {
	return &MutationSet{pending: make(map[slot]storage.Modify)}
}

// Set stages value for the slot. The value is copied. An empty value is rejected with storage.ErrEmptyValue and
// the set is left unchanged.
func (ms *MutationSet) Set(key []byte, subKey uint64, value []byte) error {
	if len(value) == 0 {
		return errors.Trace(storage.ErrEmptyValue)
	}
	ms.pending[slot{key: string(key), subKey: subKey}] = storage.Modify{Data: storage.Put{
		Key:    append([]byte(nil), key...),
		SubKey: subKey,
		Value:  append([]byte(nil), value...),
	}}
	return nil
}

// Clear stages the removal of the slot's value.
func (ms *MutationSet) Clear(key []byte, subKey uint64) {
	ms.pending[slot{key: string(key), subKey: subKey}] = storage.Modify{Data: storage.Delete{
		Key:    append([]byte(nil), key...),
		SubKey: subKey,
	}}
}

// Modifies returns the staged batch ordered by key, then subKey.
func (ms *MutationSet) Modifies() []storage.Modify {
	batch := make([]storage.Modify, 0, len(ms.pending))
	for _, m := range ms.pending {
		batch = append(batch, m)
	}
	sort.Slice(batch, func(i, j int) bool {
		if c := bytes.Compare(batch[i].Key(), batch[j].Key()); c != 0 {
			return c < 0
		}
		return batch[i].SubKey() < batch[j].SubKey()
	})
	return batch
}

// Keys returns the distinct keys the batch writes, in order.
func (ms *MutationSet) Keys() [][]byte {
	return storage.TouchedKeys(ms.Modifies())
}

func (ms *MutationSet) Len() int {
	return len(ms.pending)
}
