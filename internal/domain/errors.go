package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed activity result. No ledger entry is created.
	ErrValidation = errors.New("invalid activity result")
	// ErrStorageUnavailable aborts a submission before any external call.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrStatusConflict is returned when a compare-and-set status transition loses.
	ErrStatusConflict = errors.New("ledger status conflict")
	// ErrEntryNotFound is returned when a ledger entry cannot be located.
	ErrEntryNotFound = errors.New("ledger entry not found")
	// ErrTransferRejected is a terminal refusal from the token transfer service.
	ErrTransferRejected = errors.New("token transfer rejected")
	// ErrTransferAmbiguous covers timeouts and network errors; the transfer may be retried.
	ErrTransferAmbiguous = errors.New("token transfer outcome unknown")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Problem string
}

func newValidationError(field, problem string) error {
	return &ValidationError{Field: field, Problem: problem}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Problem)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransferKind classifies a transfer failure.
type TransferKind int

const (
	TransferAmbiguous TransferKind = iota
	TransferRejected
)

// TransferError is returned by TokenTransferer implementations.
type TransferError struct {
	Kind   TransferKind
	Reason string
	Err    error
}

// RejectedTransfer builds a non-retryable transfer error.
func RejectedTransfer(reason string) *TransferError {
	return &TransferError{Kind: TransferRejected, Reason: reason}
}

// AmbiguousTransfer builds a retryable transfer error.
func AmbiguousTransfer(err error) *TransferError {
	return &TransferError{Kind: TransferAmbiguous, Err: err}
}

func (e *TransferError) Error() string {
	switch e.Kind {
	case TransferRejected:
		return fmt.Sprintf("transfer rejected: %s", e.Reason)
	default:
		if e.Err != nil {
			return fmt.Sprintf("transfer ambiguous: %v", e.Err)
		}
		return "transfer ambiguous"
	}
}

// Is maps the kind onto the package sentinels.
func (e *TransferError) Is(target error) bool {
	switch target {
	case ErrTransferRejected:
		return e.Kind == TransferRejected
	case ErrTransferAmbiguous:
		return e.Kind == TransferAmbiguous
	}
	return false
}

func (e *TransferError) Unwrap() error { return e.Err }

// IsRejected reports whether err is a terminal transfer refusal.
func IsRejected(err error) bool {
	return errors.Is(err, ErrTransferRejected)
}
