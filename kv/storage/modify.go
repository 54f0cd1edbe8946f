package storage

// Modify is a single change to a slot of the store: either a Put or a Delete.
type Modify struct {
	Data interface{}
}

// Put replaces the value of the (Key, SubKey) slot. Value is never empty.
type Put struct {
	Key    []byte
	SubKey uint64
	Value  []byte
}

// Delete clears the (Key, SubKey) slot.
type Delete struct {
	Key    []byte
	SubKey uint64
}

func (m *Modify) Key() []byte {
	switch m.Data.(type) {
	case Put:
		return m.Data.(Put).Key
	case Delete:
		return m.Data.(Delete).Key
	}
	return nil
}

func (m *Modify) SubKey() uint64 {
	switch m.Data.(type) {
	case Put:
		return m.Data.(Put).SubKey
	case Delete:
		return m.Data.(Delete).SubKey
	}
	return 0
}

// Value returns the new value of a Put, nil for a Delete.
func (m *Modify) Value() []byte {
	if put, ok := m.Data.(Put); ok {
		return put.Value
	}
	return nil
}
