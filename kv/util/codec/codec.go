package codec

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

const (
	encGroupSize = 8
	encMarker    = byte(0xFF)
	encPad       = byte(0x0)
)

// Prefixes separating the two record families kept by the durable stores.
const (
	PrefixKeyVersion byte = 'k'
	PrefixSlot       byte = 's'
)

const (
	recordHeaderSize = 9

	flagLive      byte = 1
	flagTombstone byte = 0
)

var pads = make([]byte, encGroupSize)

// EncodeBytes guarantees the encoded value is in ascending order for comparison,
// encoding with the following rule:
//  [group1][marker1]...[groupN][markerN]
//  group is 8 bytes slice which is padding with 0.
//  marker is `0xFF - padding 0 count`
// For example:
//   [] -> [0, 0, 0, 0, 0, 0, 0, 0, 247]
//   [1, 2, 3] -> [1, 2, 3, 0, 0, 0, 0, 0, 250]
//   [1, 2, 3, 0] -> [1, 2, 3, 0, 0, 0, 0, 0, 251]
//   [1, 2, 3, 4, 5, 6, 7, 8] -> [1, 2, 3, 4, 5, 6, 7, 8, 255, 0, 0, 0, 0, 0, 0, 0, 0, 247]
// Refer: https://github.com/facebook/mysql-5.6/wiki/MyRocks-record-format#memcomparable-format
func EncodeBytes(data []byte) []byte {
	return appendEncodedBytes(nil, data)
}

func appendEncodedBytes(result []byte, data []byte) []byte {
	dLen := len(data)
	if result == nil {
		// make extra room for a prefix byte and an appended sub key
		result = make([]byte, 0, (dLen/encGroupSize+1)*(encGroupSize+1)+9)
	}
	for idx := 0; idx <= dLen; idx += encGroupSize {
		remain := dLen - idx
		padCount := 0
		if remain >= encGroupSize {
			result = append(result, data[idx:idx+encGroupSize]...)
		} else {
			padCount = encGroupSize - remain
			result = append(result, data[idx:]...)
			result = append(result, pads[:padCount]...)
		}

		marker := encMarker - byte(padCount)
		result = append(result, marker)
	}
	return result
}

// DecodeBytes decodes bytes which is encoded by EncodeBytes before,
// returns the leftover bytes and decoded value if no error.
func DecodeBytes(b []byte) ([]byte, []byte, error) {
	data := make([]byte, 0, len(b))
	for {
		if len(b) < encGroupSize+1 {
			return nil, nil, errors.New("insufficient bytes to decode value")
		}

		groupBytes := b[:encGroupSize+1]

		group := groupBytes[:encGroupSize]
		marker := groupBytes[encGroupSize]

		padCount := encMarker - marker
		if padCount > encGroupSize {
			return nil, nil, errors.Errorf("invalid marker byte, group bytes %q", groupBytes)
		}

		realGroupSize := encGroupSize - padCount
		data = append(data, group[:realGroupSize]...)
		b = b[encGroupSize+1:]

		if padCount != 0 {
			var padByte = encPad
			// Check validity of padding bytes.
			for _, v := range group[realGroupSize:] {
				if v != padByte {
					return nil, nil, errors.Errorf("invalid padding byte, group bytes %q", groupBytes)
				}
			}
			break
		}
	}
	return b, data, nil
}

// EncodeKeyVersionKey returns the storage key holding the key-level version of key.
func EncodeKeyVersionKey(key []byte) []byte {
	return appendEncodedBytes([]byte{PrefixKeyVersion}, key)
}

// EncodeSlotKey returns the storage key of the (key, subKey) slot. Slots of one key sort together, ordered by subKey.
func EncodeSlotKey(key []byte, subKey uint64) []byte {
	encoded := appendEncodedBytes([]byte{PrefixSlot}, key)
	var sub [8]byte
	binary.BigEndian.PutUint64(sub[:], subKey)
	return append(encoded, sub[:]...)
}

// DecodeSlotKey splits a slot storage key back into the user key and sub key.
func DecodeSlotKey(b []byte) ([]byte, uint64, error) {
	if len(b) == 0 || b[0] != PrefixSlot {
		return nil, 0, errors.New("not a slot key")
	}
	left, key, err := DecodeBytes(b[1:])
	if err != nil {
		return nil, 0, err
	}
	if len(left) != 8 {
		return nil, 0, errors.Errorf("invalid sub key length %d", len(left))
	}
	return key, binary.BigEndian.Uint64(left), nil
}

// EncodeVersion encodes a version counter as 8 big-endian bytes.
func EncodeVersion(version uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], version)
	return b[:]
}

// DecodeVersion is the inverse of EncodeVersion. A nil slice decodes to version 0.
func DecodeVersion(b []byte) (uint64, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if len(b) != 8 {
		return 0, errors.Errorf("invalid version length %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// EncodeSlotRecord encodes a slot as [version(8)][flag(1)][value]. A nil value writes a tombstone that keeps
// the slot's version after a clear.
func EncodeSlotRecord(version uint64, value []byte) []byte {
	buf := make([]byte, recordHeaderSize, recordHeaderSize+len(value))
	binary.BigEndian.PutUint64(buf, version)
	if value == nil {
		buf[8] = flagTombstone
		return buf
	}
	buf[8] = flagLive
	return append(buf, value...)
}

// DecodeSlotRecord returns the version and value of an encoded slot. The value is nil for a tombstone.
func DecodeSlotRecord(b []byte) (uint64, []byte, error) {
	if len(b) < recordHeaderSize {
		return 0, nil, errors.Errorf("slot record too short: %d bytes", len(b))
	}
	version := binary.BigEndian.Uint64(b)
	switch b[8] {
	case flagTombstone:
		return version, nil, nil
	case flagLive:
		value := make([]byte, len(b)-recordHeaderSize)
		copy(value, b[recordHeaderSize:])
		return version, value, nil
	default:
		return 0, nil, errors.Errorf("invalid slot record flag %d", b[8])
	}
}
