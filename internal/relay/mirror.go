package relay

import (
	"sync"
	"time"
)

// MirrorState is a read-only view of the mirrored ride.
type MirrorState struct {
	Ride           RideState
	MotionTracking bool
	HeartRate      *int
	LastFall       *FallEvent
	Status         *StatusUpdate
	UpdatedAt      time.Time
}

// Mirror holds the local copy of the peer's ride controller. Applying the
// same command twice leaves the state as the first application did.
type Mirror struct {
	mu    sync.Mutex
	state MirrorState
}

// NewMirror returns an idle mirror.
func NewMirror() *Mirror {
	return &Mirror{state: MirrorState{Ride: RideIdle}}
}

// State returns a copy of the mirrored state.
func (m *Mirror) State() MirrorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Apply folds msg into the mirror and reports whether anything changed.
// Commands that do not apply to the current ride state are no-ops, and status
// updates not newer than the latest one are ignored.
func (m *Mirror) Apply(msg Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.state
	switch msg := msg.(type) {
	case StartRide:
		if m.state.Ride == RideIdle {
			m.state.Ride = RideActive
		}
	case StopRide:
		m.state.Ride = RideIdle
	case PauseRide:
		if m.state.Ride == RideActive {
			m.state.Ride = RidePaused
		}
	case ResumeRide:
		if m.state.Ride == RidePaused {
			m.state.Ride = RideActive
		}
	case StartMotionTracking:
		m.state.MotionTracking = true
	case StopMotionTracking:
		m.state.MotionTracking = false
	case HeartRate:
		if m.state.HeartRate == nil || *m.state.HeartRate != msg.BPM {
			bpm := msg.BPM
			m.state.HeartRate = &bpm
		}
	case FallEvent:
		if m.state.LastFall == nil || msg.At().After(m.state.LastFall.At()) {
			fall := msg
			m.state.LastFall = &fall
		}
	case StatusUpdate:
		if m.state.Status != nil && !msg.At().After(m.state.Status.At()) {
			return false
		}
		update := msg
		m.state.Status = &update
		if msg.RideState != nil {
			m.state.Ride = *msg.RideState
		}
		if msg.HeartRate != nil {
			bpm := *msg.HeartRate
			m.state.HeartRate = &bpm
		}
	default:
		return false
	}

	changed := !sameState(before, m.state)
	if changed {
		m.state.UpdatedAt = msg.At()
	}
	return changed
}

// Snapshot renders the mirror as a status report.
func (m *Mirror) Snapshot(now time.Time) StatusUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := StatusUpdate{Header: Stamp(now)}
	if m.state.Status != nil {
		out.Snapshot = m.state.Status.Snapshot
	}
	ride := m.state.Ride
	out.RideState = &ride
	if m.state.HeartRate != nil {
		bpm := *m.state.HeartRate
		out.HeartRate = &bpm
	}
	return out
}

func sameState(a, b MirrorState) bool {
	return a.Ride == b.Ride &&
		a.MotionTracking == b.MotionTracking &&
		a.HeartRate == b.HeartRate &&
		a.LastFall == b.LastFall &&
		a.Status == b.Status
}
