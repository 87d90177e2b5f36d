package repositories

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateOrderCode reports an order code already used by another order.
	ErrDuplicateOrderCode = errors.New("order code already exists")
	// ErrOpenOrderExists reports a customer already owning an order in a non-terminal status.
	ErrOpenOrderExists = errors.New("customer already has an open order")
	// ErrStaleOrder reports an update whose expected status no longer matches the stored order.
	ErrStaleOrder = errors.New("order status changed concurrently")
	// ErrInvitationExists reports an email that already has a pending invitation.
	ErrInvitationExists = errors.New("email already has a pending invitation")
)

// ErrorKind categorises repository failures.
type ErrorKind string

const (
	ErrorKindUnknown     ErrorKind = "unknown"
	ErrorKindNotFound    ErrorKind = "not_found"
	ErrorKindConflict    ErrorKind = "conflict"
	ErrorKindUnavailable ErrorKind = "unavailable"
)

// Error is a backend-neutral RepositoryError used by stores that do not carry their own error type.
type Error struct {
	Op   string
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

// Unwrap exposes the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) IsNotFound() bool    { return e != nil && e.Kind == ErrorKindNotFound }
func (e *Error) IsConflict() bool    { return e != nil && e.Kind == ErrorKindConflict }
func (e *Error) IsUnavailable() bool { return e != nil && e.Kind == ErrorKindUnavailable }

// NewError constructs a typed repository error.
func NewError(op string, kind ErrorKind, err error) *Error {
	if kind == "" {
		kind = ErrorKindUnknown
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// IsNotFound reports whether err is a repository not-found error.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err is a repository conflict error.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err is a transient repository failure.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}
