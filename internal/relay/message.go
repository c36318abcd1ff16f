// Package relay carries commands, status snapshots and finished sessions
// between the companion device and the primary device.
package relay

import (
	"time"

	"example.com/ridesync/internal/companion"
)

// Type is the wire tag of a message.
type Type string

const (
	TypeStartRide           Type = "startRide"
	TypeStopRide            Type = "stopRide"
	TypePauseRide           Type = "pauseRide"
	TypeResumeRide          Type = "resumeRide"
	TypeStartMotionTracking Type = "startMotionTracking"
	TypeStopMotionTracking  Type = "stopMotionTracking"
	TypeFallEvent           Type = "fallEvent"
	TypeHeartRate           Type = "heartRate"
	TypeVoiceNote           Type = "voiceNote"
	TypeRequestStats        Type = "requestStats"
	TypeStatusUpdate        Type = "statusUpdate"
	TypeSessionPayload      Type = "sessionPayload"
	TypeAck                 Type = "ack"
)

// Message is one of the concrete message types in this package.
type Message interface {
	Type() Type
	At() time.Time
	messageID() string
	sealed()
}

// Header is embedded in every message. ID is set on queued commands so the
// receiver can drop redeliveries.
type Header struct {
	ID        string
	Timestamp time.Time
}

// At returns the message timestamp.
func (h Header) At() time.Time { return h.Timestamp }

func (h Header) messageID() string { return h.ID }

func (Header) sealed() {}

// Stamp returns a header for now.
func Stamp(now time.Time) Header {
	return Header{Timestamp: now.UTC()}
}

type (
	StartRide           struct{ Header }
	StopRide            struct{ Header }
	PauseRide           struct{ Header }
	ResumeRide          struct{ Header }
	StartMotionTracking struct{ Header }
	StopMotionTracking  struct{ Header }
	RequestStats        struct{ Header }
)

func (StartRide) Type() Type           { return TypeStartRide }
func (StopRide) Type() Type            { return TypeStopRide }
func (PauseRide) Type() Type           { return TypePauseRide }
func (ResumeRide) Type() Type          { return TypeResumeRide }
func (StartMotionTracking) Type() Type { return TypeStartMotionTracking }
func (StopMotionTracking) Type() Type  { return TypeStopMotionTracking }
func (RequestStats) Type() Type        { return TypeRequestStats }

// FallEvent reports a suspected fall and the countdown before help is called.
type FallEvent struct {
	Header
	Detected   *bool
	Confidence *float64
	Countdown  *int
}

func (FallEvent) Type() Type { return TypeFallEvent }

// HeartRate is a single heart rate sample.
type HeartRate struct {
	Header
	BPM int
}

func (HeartRate) Type() Type { return TypeHeartRate }

// VoiceNote carries recorded audio.
type VoiceNote struct {
	Header
	Audio []byte
}

func (VoiceNote) Type() Type { return TypeVoiceNote }

// RideState is the mirrored state of the ride controller.
type RideState string

const (
	RideIdle   RideState = "idle"
	RideActive RideState = "active"
	RidePaused RideState = "paused"
)

// Snapshot is a partial status report. Nil fields were not reported.
type Snapshot struct {
	RideState      *RideState
	Duration       *float64
	Distance       *float64
	HeartRate      *int
	Gait           *string
	WalkPercent    *float64
	TrotPercent    *float64
	CanterPercent  *float64
	GallopPercent  *float64
	SymmetryScore  *float64
	RhythmScore    *float64
	FallDetected   *bool
	FallConfidence *float64
	FallCountdown  *int
}

// StatusUpdate is a lossy, last-state-wins snapshot.
type StatusUpdate struct {
	Header
	Snapshot
}

func (StatusUpdate) Type() Type { return TypeStatusUpdate }

// SessionPayload carries one finished session for confirmed delivery.
type SessionPayload struct {
	Header
	Session companion.QueuedSession
}

func (SessionPayload) Type() Type { return TypeSessionPayload }

// Ack confirms a request. SessionID is set when a session payload was applied.
type Ack struct {
	Header
	SessionID string
}

func (Ack) Type() Type { return TypeAck }
