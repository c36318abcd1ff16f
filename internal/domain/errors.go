package domain

import (
	"errors"
	"fmt"

	"example.com/ridesync/internal/record"
)

var (
	// ErrTransportUnreachable indicates the peer could not be connected. Retryable.
	ErrTransportUnreachable = errors.New("peer not reachable")
	// ErrAckTimeout indicates a payload was sent but never acknowledged. Retryable.
	ErrAckTimeout = errors.New("acknowledgement timed out")
	// ErrDecodeFailure marks a malformed payload or record; the item is dropped.
	ErrDecodeFailure = errors.New("decode failure")
	// ErrVersionConflict indicates the cloud holds a newer version of an entity.
	ErrVersionConflict = errors.New("version conflict")
	// ErrPermanentFailure indicates an item exhausted its attempts and was dropped.
	ErrPermanentFailure = errors.New("attempts exhausted")

	// ErrInvalidTransition is returned for a sync status edge that does not exist.
	ErrInvalidTransition = errors.New("invalid sync status transition")
	// ErrUnresolvedConflict is returned when editing an entity that is in conflict.
	ErrUnresolvedConflict = errors.New("entity has an unresolved conflict")
	// ErrNotPermitted is returned when an actor may not edit an entity.
	ErrNotPermitted = errors.New("actor may not edit entity")
	// ErrEntityNotFound is returned when an entity is absent from the local store.
	ErrEntityNotFound = errors.New("entity not found")
)

// ConflictError carries the server version of an entity that rejected a push.
type ConflictError struct {
	Server record.Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s (server modified %s by %s)", e.Server.Key(), e.Server.ModifiedAt.Format("2006-01-02T15:04:05Z07:00"), e.Server.ModifiedBy)
}

// Is reports ErrVersionConflict equivalence.
func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// DecodeError wraps a record decoding failure as ErrDecodeFailure.
func DecodeError(key record.Key, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDecodeFailure, key, err)
}

func errWrongType(got, want record.Type) error {
	return fmt.Errorf("record type %q, want %q", got, want)
}
