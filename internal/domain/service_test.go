package domain

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/ridesync/internal/record"
)

type stubStore struct {
	mu      sync.Mutex
	entries map[record.Key]Entry
}

func newStubStore() *stubStore {
	return &stubStore{entries: make(map[record.Key]Entry)}
}

func (s *stubStore) Get(_ context.Context, key record.Key) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, ErrEntityNotFound
	}
	return e, nil
}

func (s *stubStore) Put(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key()] = entry
	return nil
}

func (s *stubStore) Delete(_ context.Context, key record.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *stubStore) List(_ context.Context, t record.Type) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for k, e := range s.entries {
		if k.Type == t {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Record.ID < out[j].Record.ID })
	return out, nil
}

func (s *stubStore) ListByStatus(_ context.Context, status SyncStatus) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.State.Status == status {
			out = append(out, e)
		}
	}
	return out, nil
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestRecordArtifactIsIdempotentByID(t *testing.T) {
	ctx := context.Background()
	store := newStubStore()
	changes := 0
	svc := NewService(store, WithChangeHook(func() { changes++ }))

	input := RecordArtifactInput{
		ID:         "session-1",
		OwnerID:    "child-1",
		Discipline: DisciplineRiding,
		StartedAt:  time.Date(2026, time.April, 2, 9, 0, 0, 0, time.UTC),
		EndedAt:    time.Date(2026, time.April, 2, 10, 0, 0, 0, time.UTC),
		Metrics:    Metrics{DurationSeconds: 3600, DistanceMeters: 8100},
		Trace:      []byte{0x01, 0x02},
		Source:     "companion",
	}
	first, created, err := svc.RecordArtifact(ctx, input)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, SyncPending, first.Sync.Status)

	second, created, err := svc.RecordArtifact(ctx, input)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, changes)

	stored, err := svc.Artifact(ctx, "session-1")
	require.NoError(t, err)
	require.Equal(t, input.Trace, stored.Trace)
	require.InDelta(t, 8100, stored.Metrics.DistanceMeters, 0.001)
}

func TestUpdateArtifactNotesMovesSyncedToPending(t *testing.T) {
	ctx := context.Background()
	store := newStubStore()
	now := time.Date(2026, time.April, 3, 12, 0, 0, 0, time.UTC)
	svc := NewService(store, WithClock(fixedClock(now)))

	a := TrainingArtifact{ID: "a-1", OwnerID: "child-1", Discipline: DisciplineRunning, StartedAt: now, EndedAt: now,
		Sync: SyncState{Status: SyncSynced, ModifiedAt: now.Add(-time.Hour), ModifiedBy: "child-1"}}
	require.NoError(t, store.Put(ctx, ArtifactEntry(a)))

	updated, err := svc.UpdateArtifactNotes(ctx, "a-1", "child-1", "felt strong")
	require.NoError(t, err)
	require.Equal(t, SyncPending, updated.Sync.Status)
	require.True(t, updated.Sync.ModifiedAt.Equal(now))

	_, err = svc.UpdateArtifactNotes(ctx, "a-1", "stranger", "nope")
	require.ErrorIs(t, err, ErrNotPermitted)
}

func TestSaveCompetitionEnforcesOwnership(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newStubStore())

	comp := Competition{ID: "comp-1", Name: "County Show", Discipline: DisciplineRiding, Date: time.Now().UTC(),
		Ownership: OwnershipParentPrimary, PrimaryOwnerID: "parent-1"}

	_, err := svc.SaveCompetition(ctx, comp, "child-1")
	require.ErrorIs(t, err, ErrNotPermitted)

	saved, err := svc.SaveCompetition(ctx, comp, "parent-1")
	require.NoError(t, err)
	require.Equal(t, SyncPending, saved.Sync.Status)

	comp.Notes = "child edit"
	_, err = svc.SaveCompetition(ctx, comp, "child-1")
	require.ErrorIs(t, err, ErrNotPermitted)
}

func TestSaveCompetitionRejectsEditsWhileInConflict(t *testing.T) {
	ctx := context.Background()
	store := newStubStore()
	svc := NewService(store)

	server := record.New(record.TypeCompetition, "comp-1")
	comp := Competition{ID: "comp-1", Name: "League", Discipline: DisciplineShooting, Date: time.Now().UTC(),
		Ownership: OwnershipShared, PrimaryOwnerID: "child-1",
		Sync: SyncState{Status: SyncConflict, ConflictPayload: &server}}
	require.NoError(t, store.Put(ctx, CompetitionEntry(comp)))

	_, err := svc.SaveCompetition(ctx, comp, "parent-1")
	require.ErrorIs(t, err, ErrUnresolvedConflict)

	conflicts, err := svc.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
}

func TestCanEditIsPureFunctionOfModeAndOwner(t *testing.T) {
	cases := []struct {
		mode  OwnershipMode
		owner string
		actor string
		want  bool
	}{
		{OwnershipShared, "child-1", "parent-1", true},
		{OwnershipShared, "child-1", "child-1", true},
		{OwnershipParentPrimary, "parent-1", "parent-1", true},
		{OwnershipParentPrimary, "parent-1", "child-1", false},
		{OwnershipChildPrimary, "child-1", "parent-1", false},
		{OwnershipChildPrimary, "", "", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, CanEdit(tc.mode, tc.owner, tc.actor), "%s owner=%s actor=%s", tc.mode, tc.owner, tc.actor)
	}
}

func TestDecodeSkipsIncompleteRecords(t *testing.T) {
	comp := Competition{ID: "comp-1", Name: "League", Discipline: DisciplineShooting, Date: time.Now().UTC(),
		Ownership: OwnershipShared, PrimaryOwnerID: "child-1"}
	rec := EncodeCompetition(comp)
	require.NoError(t, Validate(rec))

	delete(rec.Fields, "venue")
	_, err := DecodeCompetition(rec)
	require.ErrorIs(t, err, ErrDecodeFailure)
	require.ErrorIs(t, err, record.ErrMissingField)

	rec = EncodeCompetition(comp)
	rec.Fields["ownership"] = record.String("everyone")
	require.ErrorIs(t, Validate(rec), ErrDecodeFailure)

	bad := EncodeTrainingArtifact(TrainingArtifact{ID: "a", OwnerID: "o", Discipline: DisciplineRiding})
	bad.Fields["max_heart_rate"] = record.String("high")
	_, err = DecodeTrainingArtifact(bad)
	require.ErrorIs(t, err, record.ErrFieldKind)

	require.ErrorIs(t, Validate(record.New("Unknown", "x")), ErrDecodeFailure)
}

func TestCompetitionRoundTripKeepsOptionalScoreNil(t *testing.T) {
	comp := Competition{ID: "comp-1", Name: "League", Discipline: DisciplineSwimming, Date: time.Now().UTC(),
		Ownership: OwnershipChildPrimary, PrimaryOwnerID: "child-1"}
	got, err := DecodeCompetition(EncodeCompetition(comp))
	require.NoError(t, err)
	require.Nil(t, got.Score)

	score := 68.25
	comp.Score = &score
	got, err = DecodeCompetition(EncodeCompetition(comp))
	require.NoError(t, err)
	require.NotNil(t, got.Score)
	require.InDelta(t, score, *got.Score, 0.0001)
}
