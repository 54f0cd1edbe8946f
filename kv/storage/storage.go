package storage

import (
	"github.com/pingcap/errors"
)

// Version is the stamp attached to a key and to each of its slots. It starts at 0 ("never written") and grows by
// one on every applied write or clear.
type Version uint64

// Requirement records that Key must still be at Version when a batch is applied.
type Requirement struct {
	Key     []byte
	Version Version
}

// Storage is the versioned key/sub-key store the commit protocol runs against.
//
// Every key has a key-level version that grows once per applied batch touching any of its slots, and every
// (key, subKey) slot has its own version that grows once per applied Put or Delete of that slot. Requirements
// are checked against key-level versions.
type Storage interface {
	Start() error
	Stop() error
	// GetVersion returns the key-level version of key, 0 if the key was never written.
	GetVersion(key []byte) (Version, error)
	// GetSlotVersion returns the version of one slot, 0 if it was never written.
	GetSlotVersion(key []byte, subKey uint64) (Version, error)
	// Get returns the committed value of a slot and its version. The value is nil if the slot is empty or cleared.
	Get(key []byte, subKey uint64) ([]byte, Version, error)
	// CompareAndApply checks every requirement against the current key versions and, only if all of them still
	// hold, applies batch. Checking and applying is a single atomic step with respect to other CompareAndApply
	// calls on the same store. It returns false without applying anything when a requirement is stale. A non-nil
	// error reports a store failure.
	CompareAndApply(reqs []Requirement, batch []Modify) (bool, error)
}

var (
	// ErrEmptyValue is returned when a Put carries an empty value. Empty values can not be stored; a slot is
	// emptied with a Delete.
	ErrEmptyValue = errors.New("storage: empty value, use Delete to clear a slot")
	// ErrNotStarted is returned by stores used before Start or after Stop.
	ErrNotStarted = errors.New("storage: not started")
)

// CheckBatch validates a batch before a store applies it.
func CheckBatch(batch []Modify) error {
	for _, m := range batch {
		switch data := m.Data.(type) {
		case Put:
			if len(data.Value) == 0 {
				return errors.Trace(ErrEmptyValue)
			}
		case Delete:
		default:
			return errors.Errorf("storage: unsupported modify %T", m.Data)
		}
	}
	return nil
}

// TouchedKeys returns the distinct keys written by batch, in first-seen order.
func TouchedKeys(batch []Modify) [][]byte {
	seen := make(map[string]struct{}, len(batch))
	keys := make([][]byte, 0, len(batch))
	for _, m := range batch {
		key := m.Key()
		if _, ok := seen[string(key)]; ok {
			continue
		}
		seen[string(key)] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}
