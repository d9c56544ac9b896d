package models

import "fmt"

// StatusChange is the (status, rejectReason, attachmentRef) triple written to
// both the ledger row and the mirror entry.
type StatusChange struct {
	Status        Status
	RejectReason  *RejectReason
	AttachmentRef *string
}

// NewStatusChange validates the triple and clears whichever of reason and
// attachment is not applicable to the target status.
func NewStatusChange(status Status, reason *RejectReason, ref *string) (StatusChange, error) {
	if !status.Valid() {
		return StatusChange{}, NewValidationError(fmt.Errorf("%q: %w", status, ErrInvalidStatus))
	}

	change := StatusChange{Status: status}
	switch status {
	case StatusRejected:
		if reason == nil || !reason.Valid() {
			return StatusChange{}, NewValidationError(ErrInvalidRejectReason)
		}
		r := *reason
		change.RejectReason = &r
	case StatusAccepted:
		if ref == nil || *ref == "" {
			return StatusChange{}, NewValidationError(ErrMissingAttachment)
		}
		a := *ref
		change.AttachmentRef = &a
	}
	return change, nil
}

// Equal compares two triples by value.
func (c StatusChange) Equal(other StatusChange) bool {
	return c.Status == other.Status &&
		equalPtr(c.RejectReason, other.RejectReason) &&
		equalPtr(c.AttachmentRef, other.AttachmentRef)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
