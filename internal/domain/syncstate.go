package domain

import (
	"fmt"
	"time"

	"example.com/ridesync/internal/record"
)

// SyncStatus is the cloud reconciliation state of a syncable entity.
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSyncing  SyncStatus = "syncing"
	SyncSynced   SyncStatus = "synced"
	SyncConflict SyncStatus = "conflict"
	SyncFailed   SyncStatus = "failed"
)

// edges lists every reachable status transition. A failed push lands in failed
// and returns to pending on retry or on a local edit.
var edges = map[SyncStatus][]SyncStatus{
	SyncPending:  {SyncSyncing},
	SyncSyncing:  {SyncSynced, SyncConflict, SyncFailed},
	SyncSynced:   {SyncPending},
	SyncConflict: {SyncPending},
	SyncFailed:   {SyncPending},
}

// CanTransition reports whether from->to is a legal edge.
func CanTransition(from, to SyncStatus) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SyncState is attached to every record type that participates in cloud sync.
type SyncState struct {
	Status          SyncStatus     `json:"status"`
	ModifiedAt      time.Time      `json:"modified_at"`
	ModifiedBy      string         `json:"modified_by"`
	ConflictPayload *record.Record `json:"conflict_payload,omitempty"`
	Attempts        int            `json:"attempts"`
	// Rejection holds the reason the cloud refused the entity for good. Only
	// set while failed; such an entity is not retried automatically.
	Rejection string `json:"rejection,omitempty"`
}

// NewPendingState returns the state of a locally created entity.
func NewPendingState(actor string, at time.Time) SyncState {
	return SyncState{Status: SyncPending, ModifiedAt: at.UTC(), ModifiedBy: actor}
}

// NewSyncedState returns the state of an entity created from a cloud pull.
func NewSyncedState(rec record.Record) SyncState {
	return SyncState{Status: SyncSynced, ModifiedAt: rec.ModifiedAt.UTC(), ModifiedBy: rec.ModifiedBy}
}

// Stamp returns the last-write-wins stamp of the local version.
func (s SyncState) Stamp() record.Stamp {
	return record.Stamp{At: s.ModifiedAt, By: s.ModifiedBy}
}

func (s SyncState) move(to SyncStatus) (SyncState, error) {
	if !CanTransition(s.Status, to) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	return s, nil
}

// Touch records a local mutation. A synced or failed entity becomes pending.
func (s SyncState) Touch(actor string, at time.Time) (SyncState, error) {
	switch s.Status {
	case SyncConflict:
		return s, ErrUnresolvedConflict
	case SyncPending:
	case SyncSynced, SyncFailed:
		next, err := s.move(SyncPending)
		if err != nil {
			return s, err
		}
		next.Rejection = ""
		s = next
	default:
		return s, fmt.Errorf("%w: mutation while %s", ErrInvalidTransition, s.Status)
	}
	s.ModifiedAt = at.UTC()
	s.ModifiedBy = actor
	return s, nil
}

// BeginSync claims a pending entity for a push.
func (s SyncState) BeginSync() (SyncState, error) {
	return s.move(SyncSyncing)
}

// CompleteSync reconciles the local timestamp with the one the server accepted.
func (s SyncState) CompleteSync(accepted record.Record) (SyncState, error) {
	next, err := s.move(SyncSynced)
	if err != nil {
		return s, err
	}
	next.ModifiedAt = accepted.ModifiedAt.UTC()
	next.ModifiedBy = accepted.ModifiedBy
	next.Attempts = 0
	return next, nil
}

// MarkConflict retains the server version. Local fields are not touched.
func (s SyncState) MarkConflict(server record.Record) (SyncState, error) {
	next, err := s.move(SyncConflict)
	if err != nil {
		return s, err
	}
	payload := server.Clone()
	next.ConflictPayload = &payload
	return next, nil
}

// FailSync records a push that did not reach a verdict. The attempt is
// counted and the entity waits in failed until Retry.
func (s SyncState) FailSync() (SyncState, error) {
	next, err := s.move(SyncFailed)
	if err != nil {
		return s, err
	}
	next.Attempts++
	next.Rejection = ""
	return next, nil
}

// Reject records a push the cloud refused permanently. The entity stays failed
// until a local edit or an explicit Retry.
func (s SyncState) Reject(reason string) (SyncState, error) {
	next, err := s.FailSync()
	if err != nil {
		return s, err
	}
	if reason == "" {
		reason = "rejected"
	}
	next.Rejection = reason
	return next, nil
}

// Rejected reports whether the entity is parked after a permanent rejection.
func (s SyncState) Rejected() bool {
	return s.Status == SyncFailed && s.Rejection != ""
}

// Retry queues a failed entity for another push. The attempt count is kept.
func (s SyncState) Retry() (SyncState, error) {
	next, err := s.move(SyncPending)
	if err != nil {
		return s, err
	}
	next.Rejection = ""
	return next, nil
}

// Resolve clears the conflict payload and queues the entity for another push.
func (s SyncState) Resolve(actor string, at time.Time) (SyncState, error) {
	if s.Status != SyncConflict {
		return s, fmt.Errorf("%w: resolve while %s", ErrInvalidTransition, s.Status)
	}
	next, err := s.move(SyncPending)
	if err != nil {
		return s, err
	}
	next.ConflictPayload = nil
	next.ModifiedAt = at.UTC()
	next.ModifiedBy = actor
	next.Attempts = 0
	return next, nil
}

// Entry is a locally stored entity: its cloud record fields plus sync state.
type Entry struct {
	Record record.Record
	State  SyncState
}

// Key returns the entry key.
func (e Entry) Key() record.Key {
	return e.Record.Key()
}

// Outgoing returns the record to push, stamped with the local modification.
func (e Entry) Outgoing() record.Record {
	out := e.Record.Clone()
	out.ModifiedAt = e.State.ModifiedAt
	out.ModifiedBy = e.State.ModifiedBy
	return out
}
