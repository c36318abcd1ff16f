// Package sharing decides what an athlete's connections may see and which
// alerts they receive, and manages the lifecycle of those connections.
package sharing

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"example.com/ridesync/internal/domain"
)

var (
	// ErrInvalidInviteTransition is returned for an invite edge that does not exist.
	ErrInvalidInviteTransition = errors.New("invalid invite transition")
	// ErrRelationshipNotFound is returned when a relationship id is unknown.
	ErrRelationshipNotFound = errors.New("relationship not found")
	// ErrUnknownPreset is returned when a preset name is not registered.
	ErrUnknownPreset = errors.New("unknown permission preset")
	// ErrRevokeFailed is returned when deleting a relationship could not revoke its shares.
	ErrRevokeFailed = errors.New("share revocation failed")
)

// RelationshipType classifies the external party.
type RelationshipType string

const (
	RelationshipFriend RelationshipType = "friend"
	RelationshipCoach  RelationshipType = "coach"
	RelationshipFamily RelationshipType = "family"
)

// ParseRelationshipType validates a relationship type.
func ParseRelationshipType(value string) (RelationshipType, error) {
	switch t := RelationshipType(value); t {
	case RelationshipFriend, RelationshipCoach, RelationshipFamily:
		return t, nil
	default:
		return "", fmt.Errorf("unknown relationship type %q", value)
	}
}

// Capabilities is the full set of permission flags on a relationship.
type Capabilities struct {
	CanViewLiveRiding        bool `json:"canViewLiveRiding" yaml:"canViewLiveRiding"`
	CanViewTrainingSummaries bool `json:"canViewTrainingSummaries" yaml:"canViewTrainingSummaries"`
	CanViewCompetitions      bool `json:"canViewCompetitions" yaml:"canViewCompetitions"`
	ReceiveCompletionAlerts  bool `json:"receiveCompletionAlerts" yaml:"receiveCompletionAlerts"`
	ReceiveCompetitionAlerts bool `json:"receiveCompetitionAlerts" yaml:"receiveCompetitionAlerts"`
	IsEmergencyContact       bool `json:"isEmergencyContact" yaml:"isEmergencyContact"`
}

// AlertType names a notification the athlete's activity can raise.
type AlertType string

const (
	AlertSessionCompleted AlertType = "sessionCompleted"
	AlertCompetition      AlertType = "competitionResult"
	AlertLiveTracking     AlertType = "liveTracking"
	AlertSafety           AlertType = "safety"
)

// Relationship is one external party the athlete shares with.
type Relationship struct {
	ID           string
	OwnerID      string
	ContactID    string
	Name         string
	Type         RelationshipType
	Capabilities Capabilities
	Visibility   []domain.Discipline
	QuietHours   QuietHours
	Invite       InviteState
	ActiveShares []string
	CreatedAt    time.Time
	// Deleted marks a tombstone waiting to reach the cloud.
	Deleted bool
	Sync    domain.SyncState
}

// NormalizeVisibility sorts and deduplicates a discipline set.
func NormalizeVisibility(in []domain.Discipline) []domain.Discipline {
	seen := make(map[domain.Discipline]bool, len(in))
	out := make([]domain.Discipline, 0, len(in))
	for _, d := range in {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Visible reports whether discipline is in the visibility set.
func (r Relationship) Visible(discipline domain.Discipline) bool {
	for _, d := range r.Visibility {
		if d == discipline {
			return true
		}
	}
	return false
}

// CanView requires both training summaries and membership in the visibility set.
func (r Relationship) CanView(discipline domain.Discipline) bool {
	return r.Capabilities.CanViewTrainingSummaries && r.Visible(discipline)
}

// ShouldReceiveAlert reports whether the relationship is entitled to an alert,
// ignoring quiet hours.
func (r Relationship) ShouldReceiveAlert(discipline domain.Discipline, alert AlertType) bool {
	c := r.Capabilities
	switch alert {
	case AlertSessionCompleted:
		return c.ReceiveCompletionAlerts && r.CanView(discipline)
	case AlertCompetition:
		return c.ReceiveCompetitionAlerts && c.CanViewCompetitions
	case AlertLiveTracking:
		return c.CanViewLiveRiding && discipline == domain.LiveTrackedDiscipline
	case AlertSafety:
		return c.CanViewLiveRiding
	default:
		return false
	}
}

// ShouldDeliverAlert applies quiet hours on top of ShouldReceiveAlert. Safety
// alerts are never suppressed.
func (r Relationship) ShouldDeliverAlert(discipline domain.Discipline, alert AlertType, at time.Time) bool {
	if !r.ShouldReceiveAlert(discipline, alert) {
		return false
	}
	if alert == AlertSafety {
		return true
	}
	return !r.QuietHours.Contains(at)
}

// ApplyPreset overwrites every capability flag and the visibility set.
func (r *Relationship) ApplyPreset(p Preset) {
	r.Capabilities = p.Capabilities
	r.Visibility = NormalizeVisibility(p.Visibility)
}

func (r Relationship) hasShare(id string) bool {
	for _, s := range r.ActiveShares {
		if s == id {
			return true
		}
	}
	return false
}

func (r *Relationship) removeShare(id string) {
	out := r.ActiveShares[:0:0]
	for _, s := range r.ActiveShares {
		if s != id {
			out = append(out, s)
		}
	}
	r.ActiveShares = out
}
