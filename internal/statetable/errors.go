package statetable

import (
	"errors"
	"fmt"
)

// ErrEmptyKey is returned by Set and Del for an empty key.
var ErrEmptyKey = errors.New("empty key")

// InvariantError reports a pending record found in a shape the protocol
// never produces. It indicates a defect (or foreign writes to the store),
// not a condition callers can recover from.
type InvariantError struct {
	// Code identifies the violated invariant.
	Code InvariantCode

	// Table and Key locate the offending record.
	Table string
	Key   string

	// Message is a human-readable description.
	Message string
}

// InvariantCode categorizes invariant violations.
type InvariantCode string

const (
	// ErrCodeUnknownOp indicates an entry whose op tag is neither SET nor DEL.
	ErrCodeUnknownOp InvariantCode = "UNKNOWN_OP"

	// ErrCodeDelWithFields indicates a DEL entry carrying fields.
	ErrCodeDelWithFields InvariantCode = "DEL_WITH_FIELDS"

	// ErrCodeMissingEntry indicates a pending key with no entry.
	ErrCodeMissingEntry InvariantCode = "MISSING_ENTRY"
)

// Error implements the error interface.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s (table=%s, key=%s)", e.Code, e.Message, e.Table, e.Key)
}

// IsInvariantError returns true if err is or wraps an InvariantError.
func IsInvariantError(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

func newInvariantError(code InvariantCode, table, key, msg string) *InvariantError {
	return &InvariantError{Code: code, Table: table, Key: key, Message: msg}
}
