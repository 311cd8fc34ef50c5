package ledger

import (
	"errors"
	"fmt"

	"github.com/roach88/referra/internal/referral"
)

// ErrClosed is reported by Acks for writes submitted after Close.
var ErrClosed = errors.New("ledger: closed")

// Error is a ledger failure with a category and the user it concerns.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Op names the failing operation (e.g. "save_record").
	Op string

	// User is the affected user, if any.
	User referral.UserID

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes ledger errors.
type ErrorCode string

const (
	// ErrCodePersist means the in-memory change stands but the backend
	// write failed. Callers should tell the user to retry later.
	ErrCodePersist ErrorCode = "PERSIST_FAILED"

	// ErrCodeInvalidPolicy means the payout or engagement policy is unusable.
	ErrCodeInvalidPolicy ErrorCode = "INVALID_POLICY"

	// ErrCodeBackend means the backend could not be initialized or loaded.
	ErrCodeBackend ErrorCode = "BACKEND_UNAVAILABLE"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.User != "" {
		msg += fmt.Sprintf(" (user=%s)", e.User)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsPersistError reports whether err carries a failed backend write.
// Uses errors.As to handle wrapped and joined errors.
func IsPersistError(err error) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Code == ErrCodePersist
	}
	return false
}

// IsBackendError reports whether err is a backend initialization or load failure.
func IsBackendError(err error) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Code == ErrCodeBackend
	}
	return false
}

func persistError(op string, user referral.UserID, err error) *Error {
	return &Error{Code: ErrCodePersist, Op: op, User: user, Err: err}
}

func backendError(op string, err error) *Error {
	return &Error{Code: ErrCodeBackend, Op: op, Err: err}
}
