package docstore

import (
	"errors"
	"fmt"
)

// sentinels for the transport port boundary.
// adapters return `ErrNotFound` for an absent document so that
// classification does not depend on adapter error types.
var (
	ErrNotFound = errors.New("document not found")
	ErrDisposed = errors.New("disposed")
)

type ErrorCode int

const (
	ErrorUnknown ErrorCode = iota
	ErrorNotFound
	ErrorPayloadInvalid
	ErrorTransportFailure
	ErrorDisposed
)

func (self ErrorCode) String() string {
	switch self {
	case ErrorNotFound:
		return "not_found"
	case ErrorPayloadInvalid:
		return "payload_invalid"
	case ErrorTransportFailure:
		return "transport_failure"
	case ErrorDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// StoreError is the only error type that crosses the repository boundary.
// every transport or mapping failure is converted into one of the closed
// codes exactly once, at the repository.
type StoreError struct {
	Code ErrorCode
	Op   string
	Key  DocumentKey

	cause error
}

func newStoreError(code ErrorCode, op string, key DocumentKey, cause error) *StoreError {
	return &StoreError{
		Code:  code,
		Op:    op,
		Key:   key,
		cause: cause,
	}
}

func (self *StoreError) Error() string {
	if self.cause != nil {
		return fmt.Sprintf("%s %s: %s: %s", self.Op, self.Key, self.Code, self.cause)
	}
	return fmt.Sprintf("%s %s: %s", self.Op, self.Key, self.Code)
}

func (self *StoreError) Unwrap() error {
	return self.cause
}

func (self *StoreError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return self.Code == ErrorNotFound
	case ErrDisposed:
		return self.Code == ErrorDisposed
	}
	return false
}

// ErrorCodeOf recovers the taxonomy code from any error returned by this
// package. Unclassified errors report `ErrorUnknown`.
func ErrorCodeOf(err error) ErrorCode {
	var storeError *StoreError
	if errors.As(err, &storeError) {
		return storeError.Code
	}
	if errors.Is(err, ErrNotFound) {
		return ErrorNotFound
	}
	if errors.Is(err, ErrDisposed) {
		return ErrorDisposed
	}
	return ErrorUnknown
}
