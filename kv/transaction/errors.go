package transaction

import (
	"github.com/pingcap/errors"
)

// Usage errors are returned synchronously by the call that misused the API. They never describe a commit
// outcome; Conflict and store failures are only reported through the commit Future.
var (
	ErrDisposed    = errors.New("transaction: already disposed")
	ErrCommitted   = errors.New("transaction: already committed, begin a new transaction")
	ErrEmptyValue  = errors.New("transaction: empty value, use Clear to remove a slot")
	ErrKeyReleased = errors.New("transaction: key handle already released")
	ErrForeignKey  = errors.New("transaction: key belongs to another engine")
	ErrEmptyKey    = errors.New("transaction: empty key name")
)

// IsUsageError reports whether err was caused by misusing the API rather than by the store.
func IsUsageError(err error) bool {
	switch errors.Cause(err) {
	case ErrDisposed, ErrCommitted, ErrEmptyValue, ErrKeyReleased, ErrForeignKey, ErrEmptyKey:
		return true
	}
	return false
}
