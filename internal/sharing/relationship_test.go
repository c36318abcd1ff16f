package sharing

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/record"
)

func TestApplyPresetIsTotal(t *testing.T) {
	r := Relationship{Name: "Coach Sam", Type: RelationshipCoach}
	r.ApplyPreset(FullAccess)
	require.True(t, r.Capabilities.IsEmergencyContact)

	r.ApplyPreset(LiveTrackingOnly)
	require.Equal(t, Capabilities{CanViewLiveRiding: true}, r.Capabilities)
	require.False(t, r.Capabilities.IsEmergencyContact)
	require.Equal(t, []domain.Discipline{domain.DisciplineRiding}, r.Visibility)
}

func TestCompletionAlertFollowsVisibility(t *testing.T) {
	r := Relationship{
		Capabilities: Capabilities{CanViewTrainingSummaries: true, ReceiveCompletionAlerts: true},
		Visibility:   []domain.Discipline{domain.DisciplineRiding},
	}

	require.True(t, r.ShouldReceiveAlert(domain.DisciplineRiding, AlertSessionCompleted))
	require.False(t, r.ShouldReceiveAlert(domain.DisciplineSwimming, AlertSessionCompleted))
}

func TestShouldReceiveAlertRules(t *testing.T) {
	tests := []struct {
		name       string
		caps       Capabilities
		visibility []domain.Discipline
		discipline domain.Discipline
		alert      AlertType
		want       bool
	}{
		{"completion without summaries", Capabilities{ReceiveCompletionAlerts: true}, domain.Disciplines, domain.DisciplineRunning, AlertSessionCompleted, false},
		{"competition needs both flags", Capabilities{ReceiveCompetitionAlerts: true}, nil, domain.DisciplineShooting, AlertCompetition, false},
		{"competition granted", Capabilities{ReceiveCompetitionAlerts: true, CanViewCompetitions: true}, nil, domain.DisciplineShooting, AlertCompetition, true},
		{"live tracking on riding", Capabilities{CanViewLiveRiding: true}, nil, domain.DisciplineRiding, AlertLiveTracking, true},
		{"live tracking on running", Capabilities{CanViewLiveRiding: true}, nil, domain.DisciplineRunning, AlertLiveTracking, false},
		{"safety needs live riding", Capabilities{IsEmergencyContact: true}, nil, domain.DisciplineRiding, AlertSafety, false},
		{"safety granted", Capabilities{CanViewLiveRiding: true}, nil, domain.DisciplineSwimming, AlertSafety, true},
		{"unknown alert", FullAccess.Capabilities, domain.Disciplines, domain.DisciplineRiding, AlertType("digest"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Relationship{Capabilities: tt.caps, Visibility: tt.visibility}
			require.Equal(t, tt.want, r.ShouldReceiveAlert(tt.discipline, tt.alert))
		})
	}
}

func TestQuietHoursWrapMidnight(t *testing.T) {
	q := QuietHours{Enabled: true, StartHour: 22, EndHour: 7}

	require.True(t, q.ContainsHour(23))
	require.True(t, q.ContainsHour(22))
	require.True(t, q.ContainsHour(0))
	require.True(t, q.ContainsHour(6))
	require.False(t, q.ContainsHour(7))
	require.False(t, q.ContainsHour(12))

	empty := QuietHours{Enabled: true, StartHour: 5, EndHour: 5}
	require.False(t, empty.ContainsHour(5))

	disabled := QuietHours{StartHour: 22, EndHour: 7}
	require.False(t, disabled.ContainsHour(23))
}

func TestQuietHoursSuppressAllButSafety(t *testing.T) {
	r := Relationship{QuietHours: QuietHours{Enabled: true, StartHour: 22, EndHour: 7}}
	r.ApplyPreset(FullAccess)
	late := time.Date(2026, time.May, 2, 23, 15, 0, 0, time.UTC)
	noon := time.Date(2026, time.May, 2, 12, 0, 0, 0, time.UTC)

	require.False(t, r.ShouldDeliverAlert(domain.DisciplineRiding, AlertSessionCompleted, late))
	require.False(t, r.ShouldDeliverAlert(domain.DisciplineRiding, AlertLiveTracking, late))
	require.True(t, r.ShouldDeliverAlert(domain.DisciplineRiding, AlertSafety, late))
	require.True(t, r.ShouldDeliverAlert(domain.DisciplineRiding, AlertSessionCompleted, noon))
}

func TestQuietHoursValidate(t *testing.T) {
	require.NoError(t, QuietHours{StartHour: 22, EndHour: 7}.Validate())
	require.Error(t, QuietHours{StartHour: 24, EndHour: 7}.Validate())
	require.Error(t, QuietHours{StartHour: 1, EndHour: 2, Location: "Not/AZone"}.Validate())
}

func TestInviteTransitions(t *testing.T) {
	s, err := InviteNotSent.Send()
	require.NoError(t, err)
	require.Equal(t, InvitePending, s)

	s, err = s.Send()
	require.NoError(t, err)
	require.Equal(t, InvitePending, s)

	_, err = InviteNotSent.Accept()
	require.ErrorIs(t, err, ErrInvalidInviteTransition)

	s, err = s.Accept()
	require.NoError(t, err)
	require.Equal(t, InviteAccepted, s)

	_, err = s.Send()
	require.ErrorIs(t, err, ErrInvalidInviteTransition)
	_, err = s.Accept()
	require.ErrorIs(t, err, ErrInvalidInviteTransition)
}

func TestLoadPresetsRejectsMissingFlag(t *testing.T) {
	doc := `
presets:
  - name: barnOnly
    visibility: [riding]
    capabilities:
      canViewLiveRiding: true
      canViewTrainingSummaries: true
      canViewCompetitions: false
      receiveCompletionAlerts: false
      receiveCompetitionAlerts: false
`
	p := DefaultPresets()
	err := p.Load(strings.NewReader(doc))
	require.Error(t, err)
	require.Contains(t, err.Error(), "isEmergencyContact")

	_, err = p.Get("barnOnly")
	require.ErrorIs(t, err, ErrUnknownPreset)
}

func TestLoadPresetsAddsCompletePreset(t *testing.T) {
	doc := `
presets:
  - name: barnOnly
    visibility: [riding, riding]
    capabilities:
      canViewLiveRiding: true
      canViewTrainingSummaries: true
      canViewCompetitions: false
      receiveCompletionAlerts: true
      receiveCompetitionAlerts: false
      isEmergencyContact: false
`
	p := DefaultPresets()
	require.NoError(t, p.Load(strings.NewReader(doc)))

	got, err := p.Get("barnOnly")
	require.NoError(t, err)
	require.Equal(t, []domain.Discipline{domain.DisciplineRiding}, got.Visibility)
	require.True(t, got.Capabilities.ReceiveCompletionAlerts)
	require.Contains(t, p.Names(), "barnOnly")
	require.Contains(t, p.Names(), "fullAccess")
}

func TestLoadPresetsRejectsRedefinition(t *testing.T) {
	doc := `
presets:
  - name: fullAccess
    visibility: []
    capabilities:
      canViewLiveRiding: false
      canViewTrainingSummaries: false
      canViewCompetitions: false
      receiveCompletionAlerts: false
      receiveCompetitionAlerts: false
      isEmergencyContact: false
`
	err := DefaultPresets().Load(strings.NewReader(doc))
	require.Error(t, err)
}

func TestRelationshipRecordRoundTrip(t *testing.T) {
	created := time.Date(2026, time.April, 1, 8, 0, 0, 0, time.UTC)
	r := Relationship{
		ID:           "rel-1",
		OwnerID:      "parent-1",
		ContactID:    "coach-9",
		Name:         "Coach Sam",
		Type:         RelationshipCoach,
		QuietHours:   QuietHours{Enabled: true, StartHour: 22, EndHour: 7, Location: "UTC"},
		Invite:       InvitePending,
		ActiveShares: []string{"share-1"},
		CreatedAt:    created,
		Sync:         domain.NewPendingState("parent-1", created),
	}
	r.ApplyPreset(SummariesOnly)

	got, err := FromEntry(Entry(r))
	require.NoError(t, err)
	require.Equal(t, r, got)
	require.False(t, Entry(r).Record.IsTombstone())

	r.Deleted = true
	got, err = FromEntry(Entry(r))
	require.NoError(t, err)
	require.Equal(t, r, got)
	require.True(t, Entry(r).Record.IsTombstone())
}

func TestDecodeRelationshipRejectsIncompleteRecord(t *testing.T) {
	rec := Encode(Relationship{ID: "rel-2", Type: RelationshipFriend, Invite: InviteNotSent})
	delete(rec.Fields, "can_view_competitions")

	_, err := Decode(rec)
	require.ErrorIs(t, err, domain.ErrDecodeFailure)
	require.ErrorIs(t, err, record.ErrMissingField)

	rec = Encode(Relationship{ID: "rel-3", Type: RelationshipType("rival"), Invite: InviteNotSent})
	require.ErrorIs(t, Validate(rec), domain.ErrDecodeFailure)
}
