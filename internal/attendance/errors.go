package attendance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	ErrDuplicateKey      = errors.New("attendance: duplicate event id")
	ErrNotFound          = errors.New("attendance: event not found")
	ErrInvalidTransition = errors.New("attendance: invalid status transition")
	ErrDuplicateWindow   = errors.New("attendance: event within dedup window")
	ErrTransient         = errors.New("attendance: transient sync error")
	ErrPermanent         = errors.New("attendance: permanent sync error")
)

// TransitionError reports a state machine violation.
type TransitionError struct {
	EventID string
	From    SyncStatus
	To      SyncStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("attendance: event %s: illegal transition %s -> %s", e.EventID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// WindowConflictError names the event that blocked an admission.
type WindowConflictError struct {
	ExistingID string
}

func (e *WindowConflictError) Error() string {
	return fmt.Sprintf("attendance: event %s already inside dedup window", e.ExistingID)
}

func (e *WindowConflictError) Unwrap() error { return ErrDuplicateWindow }

// StorageError is a local durability failure. The operation that produced
// it did not take effect.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("attendance: storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Storage wraps err as a *StorageError unless it is nil or already carries a
// domain sentinel.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorage reports whether err is a local durability failure.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// SyncError is a classified failure from a remote collaborator.
type SyncError struct {
	Transient bool
	Reason    string
	Err       error
}

func (e *SyncError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s sync error: %s: %v", kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s sync error: %s", kind, e.Reason)
}

func (e *SyncError) Unwrap() []error {
	sentinel := ErrPermanent
	if e.Transient {
		sentinel = ErrTransient
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

// Transient marks err as retryable.
func Transient(reason string, err error) error {
	return &SyncError{Transient: true, Reason: reason, Err: err}
}

// Rejected marks an explicit, non-retryable rejection from the remote side.
func Rejected(reason string) error {
	return &SyncError{Transient: false, Reason: reason}
}

// IsTransient reports whether err should be retried with backoff. Timeouts,
// refused connections and any network error count as transient in addition
// to errors already marked with Transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsPermanent reports whether err is an explicit rejection.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
