package models

import "errors"

var (
	ErrInvalidStatus       = errors.New("invalid status")
	ErrInvalidRejectReason = errors.New("invalid reject reason")
	ErrMissingAttachment   = errors.New("attachment required to accept a request")
	ErrRequestNotFound     = errors.New("request not found")
	ErrOwnerNotFound       = errors.New("no owner holds the mirror entry")
	ErrConflict            = errors.New("concurrent modification")
	ErrForbidden           = errors.New("forbidden")
)

// ValidationError marks caller-correctable failures. They are always raised
// before any store is touched.
type ValidationError struct {
	reason error
}

func NewValidationError(reason error) error {
	return ValidationError{reason: reason}
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
