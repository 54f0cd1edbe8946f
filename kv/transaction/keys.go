package transaction

import (
	"bytes"
	"sync"
)

// KeyTable interns key names. Every live name has exactly one RefKey, so two handles are equal exactly when their
// pointers are equal, and a *RefKey can be used as a map key.
type KeyTable struct {
	mu   sync.Mutex
	keys map[string]*RefKey
}

func NewKeyTable() *KeyTable {
	return &KeyTable{keys: make(map[string]*RefKey)}
}

// RefKey is a shared, reference counted handle to a key name. Whoever acquires or retains it must release it once.
// When the last reference is released the handle leaves its table and every further use fails with
// ErrKeyReleased; acquiring the same name later yields a new handle.
type RefKey struct {
	table *KeyTable
	name  []byte
	// refs is guarded by table.mu.
	refs int
}

// Acquire returns the handle for name with one more reference.
func (kt *KeyTable) Acquire(name []byte) (*RefKey, error) {
	if len(name) == 0 {
		return nil, ErrEmptyKey
	}
	kt.mu.Lock()
	defer kt.mu.Unlock()
	if k, ok := kt.keys[string(name)]; ok {
		k.refs++
		return k, nil
	}
	k := &RefKey{table: kt, name: append([]byte(nil), name...), refs: 1}
	kt.keys[string(name)] = k
	return k, nil
}

// Len returns the number of live handles.
func (kt *KeyTable) Len() int {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	return len(kt.keys)
}

// Name returns the key name. It must not be modified.
func (k *RefKey) Name() []byte {
	return k.name
}

func (k *RefKey) Retain() error {
	k.table.mu.Lock()
	defer k.table.mu.Unlock()
	if k.refs == 0 {
		return ErrKeyReleased
	}
	k.refs++
	return nil
}

func (k *RefKey) Release() error {
	k.table.mu.Lock()
	defer k.table.mu.Unlock()
	if k.refs == 0 {
		return ErrKeyReleased
	}
	k.refs--
	if k.refs == 0 {
		delete(k.table.keys, string(k.name))
	}
	return nil
}

// Valid reports whether the handle still has references.
func (k *RefKey) Valid() bool {
	k.table.mu.Lock()
	defer k.table.mu.Unlock()
	return k.refs > 0
}

// Compare orders keys by name.
func (k *RefKey) Compare(other *RefKey) int {
	return bytes.Compare(k.name, other.name)
}

func (k *RefKey) String() string {
	return string(k.name)
}
