package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"example.com/ridesync/internal/companion"
	"example.com/ridesync/internal/domain"
)

// wire is the flat JSON envelope exchanged between devices. Every field other
// than type and timestamp is optional and stays nil when absent.
type wire struct {
	Type           Type                     `json:"type"`
	ID             *string                  `json:"id,omitempty"`
	Timestamp      *float64                 `json:"timestamp"`
	Duration       *float64                 `json:"duration,omitempty"`
	Distance       *float64                 `json:"distance,omitempty"`
	HeartRate      *int                     `json:"heartRate,omitempty"`
	Gait           *string                  `json:"gait,omitempty"`
	RideState      *RideState               `json:"rideState,omitempty"`
	WalkPercent    *float64                 `json:"walkPercent,omitempty"`
	TrotPercent    *float64                 `json:"trotPercent,omitempty"`
	CanterPercent  *float64                 `json:"canterPercent,omitempty"`
	GallopPercent  *float64                 `json:"gallopPercent,omitempty"`
	SymmetryScore  *float64                 `json:"symmetryScore,omitempty"`
	RhythmScore    *float64                 `json:"rhythmScore,omitempty"`
	FallDetected   *bool                    `json:"fallDetected,omitempty"`
	FallConfidence *float64                 `json:"fallConfidence,omitempty"`
	FallCountdown  *int                     `json:"fallCountdown,omitempty"`
	Audio          []byte                   `json:"audio,omitempty"`
	Session        *companion.QueuedSession `json:"session,omitempty"`
	SessionID      *string                  `json:"sessionId,omitempty"`
}

func toEpoch(t time.Time) *float64 {
	v := float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
	return &v
}

func fromEpoch(v float64) time.Time {
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(math.Round(frac*float64(time.Second)))).UTC()
}

// Encode serialises a message to its wire form.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("relay: nil message")
	}
	return encode(msg, msg.messageID())
}

// encode serialises msg carrying id in place of its own header id.
func encode(msg Message, id string) ([]byte, error) {
	w := wire{Type: msg.Type(), Timestamp: toEpoch(msg.At())}
	if id != "" {
		w.ID = &id
	}

	switch m := msg.(type) {
	case StartRide, StopRide, PauseRide, ResumeRide, StartMotionTracking, StopMotionTracking, RequestStats:
	case FallEvent:
		w.FallDetected = m.Detected
		w.FallConfidence = m.Confidence
		w.FallCountdown = m.Countdown
	case HeartRate:
		bpm := m.BPM
		w.HeartRate = &bpm
	case VoiceNote:
		w.Audio = m.Audio
	case StatusUpdate:
		s := m.Snapshot
		w.RideState = s.RideState
		w.Duration = s.Duration
		w.Distance = s.Distance
		w.HeartRate = s.HeartRate
		w.Gait = s.Gait
		w.WalkPercent = s.WalkPercent
		w.TrotPercent = s.TrotPercent
		w.CanterPercent = s.CanterPercent
		w.GallopPercent = s.GallopPercent
		w.SymmetryScore = s.SymmetryScore
		w.RhythmScore = s.RhythmScore
		w.FallDetected = s.FallDetected
		w.FallConfidence = s.FallConfidence
		w.FallCountdown = s.FallCountdown
	case SessionPayload:
		session := m.Session
		w.Session = &session
	case Ack:
		if m.SessionID != "" {
			id := m.SessionID
			w.SessionID = &id
		}
	default:
		return nil, fmt.Errorf("relay: cannot encode %T", msg)
	}
	return json.Marshal(w)
}

func decodeFailure(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrDecodeFailure, fmt.Sprintf(format, args...))
}

// Decode parses a wire payload. Unknown types and payloads missing a field
// their type requires fail with domain.ErrDecodeFailure.
func Decode(data []byte) (Message, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, decodeFailure("malformed message: %v", err)
	}
	if w.Timestamp == nil {
		return nil, decodeFailure("message %q has no timestamp", w.Type)
	}
	h := Header{Timestamp: fromEpoch(*w.Timestamp)}
	if w.ID != nil {
		h.ID = *w.ID
	}

	switch w.Type {
	case TypeStartRide:
		return StartRide{h}, nil
	case TypeStopRide:
		return StopRide{h}, nil
	case TypePauseRide:
		return PauseRide{h}, nil
	case TypeResumeRide:
		return ResumeRide{h}, nil
	case TypeStartMotionTracking:
		return StartMotionTracking{h}, nil
	case TypeStopMotionTracking:
		return StopMotionTracking{h}, nil
	case TypeRequestStats:
		return RequestStats{h}, nil
	case TypeFallEvent:
		return FallEvent{Header: h, Detected: w.FallDetected, Confidence: w.FallConfidence, Countdown: w.FallCountdown}, nil
	case TypeHeartRate:
		if w.HeartRate == nil {
			return nil, decodeFailure("heartRate message without heartRate")
		}
		return HeartRate{Header: h, BPM: *w.HeartRate}, nil
	case TypeVoiceNote:
		if len(w.Audio) == 0 {
			return nil, decodeFailure("voiceNote message without audio")
		}
		return VoiceNote{Header: h, Audio: w.Audio}, nil
	case TypeStatusUpdate:
		if w.RideState != nil {
			switch *w.RideState {
			case RideIdle, RideActive, RidePaused:
			default:
				return nil, decodeFailure("unknown ride state %q", *w.RideState)
			}
		}
		for name, pct := range map[string]*float64{
			"walkPercent":   w.WalkPercent,
			"trotPercent":   w.TrotPercent,
			"canterPercent": w.CanterPercent,
			"gallopPercent": w.GallopPercent,
		} {
			if pct != nil && (*pct < 0 || *pct > 100) {
				return nil, decodeFailure("%s %v outside 0-100", name, *pct)
			}
		}
		if c := w.FallConfidence; c != nil && (*c < 0 || *c > 1) {
			return nil, decodeFailure("fallConfidence %v outside 0-1", *c)
		}
		return StatusUpdate{Header: h, Snapshot: Snapshot{
			RideState:      w.RideState,
			Duration:       w.Duration,
			Distance:       w.Distance,
			HeartRate:      w.HeartRate,
			Gait:           w.Gait,
			WalkPercent:    w.WalkPercent,
			TrotPercent:    w.TrotPercent,
			CanterPercent:  w.CanterPercent,
			GallopPercent:  w.GallopPercent,
			SymmetryScore:  w.SymmetryScore,
			RhythmScore:    w.RhythmScore,
			FallDetected:   w.FallDetected,
			FallConfidence: w.FallConfidence,
			FallCountdown:  w.FallCountdown,
		}}, nil
	case TypeSessionPayload:
		if w.Session == nil || w.Session.ID == "" {
			return nil, decodeFailure("sessionPayload without session")
		}
		return SessionPayload{Header: h, Session: *w.Session}, nil
	case TypeAck:
		ack := Ack{Header: h}
		if w.SessionID != nil {
			ack.SessionID = *w.SessionID
		}
		return ack, nil
	case "":
		return nil, decodeFailure("message has no type")
	default:
		return nil, decodeFailure("unknown message type %q", w.Type)
	}
}
