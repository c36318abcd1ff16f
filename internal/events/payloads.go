// Package events publishes what the primary device tells the outside world:
// alerts for contacts, workout summaries for the health platform, and widget
// snapshots.
package events

import (
	"time"

	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/sharing"
)

// Topics.
const (
	TopicSharingAlerts    = "sharing_alerts"
	TopicWorkoutSummaries = "workout_summaries"
	TopicWidgetSnapshots  = "widget_snapshots"
)

// SchemaVersion is stamped on every payload.
const SchemaVersion = "v1"

// AlertRaised is emitted once per contact an alert is delivered to.
type AlertRaised struct {
	RelationshipID string            `json:"relationship_id"`
	ContactID      string            `json:"contact_id"`
	ContactName    string            `json:"contact_name"`
	Alert          sharing.AlertType `json:"alert"`
	Discipline     domain.Discipline `json:"discipline"`
	Title          string            `json:"title"`
	Body           string            `json:"body,omitempty"`
	SubjectID      string            `json:"subject_id,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
	Version        string            `json:"version"`
}

// WorkoutRecorded carries a finished session to the health platform.
type WorkoutRecorded struct {
	OwnerID        string            `json:"owner_id"`
	SessionID      string            `json:"session_id"`
	Discipline     domain.Discipline `json:"discipline"`
	StartedAt      time.Time         `json:"started_at"`
	EndedAt        time.Time         `json:"ended_at"`
	DistanceMeters float64           `json:"distance_meters"`
	Calories       float64           `json:"calories"`
	Version        string            `json:"version"`
}

// WidgetSnapshotted wraps a widget snapshot with its owner.
type WidgetSnapshotted struct {
	OwnerID  string `json:"owner_id"`
	Version  string `json:"version"`
	Snapshot any    `json:"snapshot"`
}
