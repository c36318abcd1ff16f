package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/ridesync/internal/record"
)

// Service applies local mutations to syncable entities on the primary device.
// Every mutation moves the entity onto the pending edge of its sync state.
type Service struct {
	store   EntityStore
	locks   *Locks
	now     func() time.Time
	changed func()
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides the mutation clock.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithChangeHook registers a function called after every local mutation, used
// to wake the sync engine.
func WithChangeHook(fn func()) ServiceOption {
	return func(s *Service) {
		s.changed = fn
	}
}

// WithLocks shares a lock table with other writers of the same store.
func WithLocks(locks *Locks) ServiceOption {
	return func(s *Service) {
		if locks != nil {
			s.locks = locks
		}
	}
}

// NewService constructs a Service.
func NewService(store EntityStore, opts ...ServiceOption) *Service {
	s := &Service{
		store: store,
		locks: NewLocks(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Locks exposes the lock table so the sync engine serialises with local edits.
func (s *Service) Locks() *Locks {
	return s.locks
}

// RecordArtifactInput captures a finished training session handed to the
// primary device.
type RecordArtifactInput struct {
	ID         string
	OwnerID    string
	Discipline Discipline
	StartedAt  time.Time
	EndedAt    time.Time
	Metrics    Metrics
	Trace      []byte
	Source     string
}

// RecordArtifact stores a new pending artifact. Recording an id that already
// exists returns the stored artifact and false, so relayed sessions apply once.
func (s *Service) RecordArtifact(ctx context.Context, input RecordArtifactInput) (TrainingArtifact, bool, error) {
	if input.ID == "" {
		input.ID = uuid.NewString()
	}
	if strings.TrimSpace(input.OwnerID) == "" {
		return TrainingArtifact{}, false, errors.New("artifact owner is required")
	}
	key := record.Key{Type: record.TypeTrainingArtifact, ID: input.ID}
	unlock := s.locks.Lock(key)
	defer unlock()

	existing, err := s.store.Get(ctx, key)
	switch {
	case err == nil:
		a, err := ArtifactFromEntry(existing)
		return a, false, err
	case !errors.Is(err, ErrEntityNotFound):
		return TrainingArtifact{}, false, err
	}

	a := TrainingArtifact{
		ID:         input.ID,
		OwnerID:    input.OwnerID,
		Discipline: input.Discipline,
		StartedAt:  input.StartedAt.UTC(),
		EndedAt:    input.EndedAt.UTC(),
		Metrics:    input.Metrics,
		Trace:      input.Trace,
		Source:     input.Source,
		Sync:       NewPendingState(input.OwnerID, s.now()),
	}
	if err := s.store.Put(ctx, ArtifactEntry(a)); err != nil {
		return TrainingArtifact{}, false, err
	}
	s.notify()
	return a, true, nil
}

// UpdateArtifactNotes edits the free-text notes of an artifact.
func (s *Service) UpdateArtifactNotes(ctx context.Context, id, actor, notes string) (TrainingArtifact, error) {
	key := record.Key{Type: record.TypeTrainingArtifact, ID: id}
	unlock := s.locks.Lock(key)
	defer unlock()

	entry, err := s.store.Get(ctx, key)
	if err != nil {
		return TrainingArtifact{}, err
	}
	a, err := ArtifactFromEntry(entry)
	if err != nil {
		return TrainingArtifact{}, err
	}
	if a.OwnerID != actor {
		return TrainingArtifact{}, ErrNotPermitted
	}
	next, err := a.Sync.Touch(actor, s.now())
	if err != nil {
		return TrainingArtifact{}, err
	}
	a.Notes = notes
	a.Sync = next
	if err := s.store.Put(ctx, ArtifactEntry(a)); err != nil {
		return TrainingArtifact{}, err
	}
	s.notify()
	return a, nil
}

// SaveCompetition creates or edits a competition on behalf of actor. Edits are
// checked against the ownership of the stored version.
func (s *Service) SaveCompetition(ctx context.Context, c Competition, actor string) (Competition, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, err := ParseOwnershipMode(string(c.Ownership)); err != nil {
		return Competition{}, err
	}
	key := record.Key{Type: record.TypeCompetition, ID: c.ID}
	unlock := s.locks.Lock(key)
	defer unlock()

	entry, err := s.store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrEntityNotFound):
		if !c.CanEdit(actor) {
			return Competition{}, ErrNotPermitted
		}
		c.Sync = NewPendingState(actor, s.now())
	case err != nil:
		return Competition{}, err
	default:
		stored, err := CompetitionFromEntry(entry)
		if err != nil {
			return Competition{}, err
		}
		if !stored.CanEdit(actor) {
			return Competition{}, ErrNotPermitted
		}
		next, err := stored.Sync.Touch(actor, s.now())
		if err != nil {
			return Competition{}, err
		}
		c.Sync = next
	}

	if err := s.store.Put(ctx, CompetitionEntry(c)); err != nil {
		return Competition{}, err
	}
	s.notify()
	return c, nil
}

// Artifact returns one artifact.
func (s *Service) Artifact(ctx context.Context, id string) (TrainingArtifact, error) {
	entry, err := s.store.Get(ctx, record.Key{Type: record.TypeTrainingArtifact, ID: id})
	if err != nil {
		return TrainingArtifact{}, err
	}
	return ArtifactFromEntry(entry)
}

// Artifacts lists every artifact that decodes cleanly.
func (s *Service) Artifacts(ctx context.Context) ([]TrainingArtifact, error) {
	entries, err := s.store.List(ctx, record.TypeTrainingArtifact)
	if err != nil {
		return nil, err
	}
	out := make([]TrainingArtifact, 0, len(entries))
	for _, entry := range entries {
		a, err := ArtifactFromEntry(entry)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Competition returns one competition.
func (s *Service) Competition(ctx context.Context, id string) (Competition, error) {
	entry, err := s.store.Get(ctx, record.Key{Type: record.TypeCompetition, ID: id})
	if err != nil {
		return Competition{}, err
	}
	return CompetitionFromEntry(entry)
}

// Competitions lists every competition that decodes cleanly.
func (s *Service) Competitions(ctx context.Context) ([]Competition, error) {
	entries, err := s.store.List(ctx, record.TypeCompetition)
	if err != nil {
		return nil, err
	}
	out := make([]Competition, 0, len(entries))
	for _, entry := range entries {
		c, err := CompetitionFromEntry(entry)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Conflicts lists entities waiting on manual resolution.
func (s *Service) Conflicts(ctx context.Context) ([]Entry, error) {
	return s.store.ListByStatus(ctx, SyncConflict)
}

// Status returns the sync state of one entity.
func (s *Service) Status(ctx context.Context, key record.Key) (SyncState, error) {
	entry, err := s.store.Get(ctx, key)
	if err != nil {
		return SyncState{}, err
	}
	return entry.State, nil
}

func (s *Service) notify() {
	if s.changed != nil {
		s.changed()
	}
}

// ArtifactEntry builds the stored form of an artifact.
func ArtifactEntry(a TrainingArtifact) Entry {
	return Entry{Record: EncodeTrainingArtifact(a), State: a.Sync}
}

// ArtifactFromEntry decodes a stored artifact.
func ArtifactFromEntry(e Entry) (TrainingArtifact, error) {
	a, err := DecodeTrainingArtifact(e.Record)
	if err != nil {
		return TrainingArtifact{}, err
	}
	a.Sync = e.State
	return a, nil
}

// CompetitionEntry builds the stored form of a competition.
func CompetitionEntry(c Competition) Entry {
	return Entry{Record: EncodeCompetition(c), State: c.Sync}
}

// CompetitionFromEntry decodes a stored competition.
func CompetitionFromEntry(e Entry) (Competition, error) {
	c, err := DecodeCompetition(e.Record)
	if err != nil {
		return Competition{}, err
	}
	c.Sync = e.State
	return c, nil
}

// Validate reports whether a pulled artifact or competition record decodes
// completely. Other record types are not known to this package.
func Validate(rec record.Record) error {
	switch rec.Type {
	case record.TypeTrainingArtifact:
		_, err := DecodeTrainingArtifact(rec)
		return err
	case record.TypeCompetition:
		_, err := DecodeCompetition(rec)
		return err
	default:
		return DecodeError(rec.Key(), fmt.Errorf("unknown record type %q", rec.Type))
	}
}
