package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/ridesync/internal/companion"
	"example.com/ridesync/internal/domain"
)

var t0 = time.Date(2026, time.September, 12, 15, 4, 5, 0, time.UTC)

func TestDecodeAbsentFieldsStayNil(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"statusUpdate","timestamp":1789225445.5,"distance":0,"rideState":"active"}`))
	require.NoError(t, err)

	update, ok := msg.(StatusUpdate)
	require.True(t, ok)
	require.NotNil(t, update.Distance)
	require.Zero(t, *update.Distance, "reported as zero")
	require.Nil(t, update.Duration, "not reported")
	require.Nil(t, update.HeartRate)
	require.Nil(t, update.GallopPercent)
	require.Equal(t, RideActive, *update.RideState)
	require.Equal(t, int64(500), update.At().Sub(time.Unix(1789225445, 0)).Milliseconds())
}

func TestDecodeRejectsUnknownAndIncompleteMessages(t *testing.T) {
	cases := map[string]string{
		"unknown type":      `{"type":"teleport","timestamp":1}`,
		"missing type":      `{"timestamp":1}`,
		"missing timestamp": `{"type":"stopRide"}`,
		"heart rate empty":  `{"type":"heartRate","timestamp":1}`,
		"voice note empty":  `{"type":"voiceNote","timestamp":1}`,
		"session missing":   `{"type":"sessionPayload","timestamp":1}`,
		"bad ride state":    `{"type":"statusUpdate","timestamp":1,"rideState":"galloping"}`,
		"not json":          `{"type":`,
		"wrong field kind":  `{"type":"heartRate","timestamp":1,"heartRate":"fast"}`,
		"gait over 100":     `{"type":"statusUpdate","timestamp":1,"trotPercent":120}`,
		"negative gait":     `{"type":"statusUpdate","timestamp":1,"walkPercent":-0.5}`,
		"confidence over 1": `{"type":"statusUpdate","timestamp":1,"fallConfidence":1.5}`,
	}
	for name, payload := range cases {
		_, err := Decode([]byte(payload))
		require.ErrorIs(t, err, domain.ErrDecodeFailure, name)
	}
}

func TestEncodeDecodeEveryType(t *testing.T) {
	h := Stamp(t0)
	confidence := 0.92
	countdown := 30
	detected := true
	gait := "trot"
	ride := RidePaused
	trot := 41.5

	messages := []Message{
		StartRide{h}, StopRide{h}, PauseRide{h}, ResumeRide{h},
		StartMotionTracking{h}, StopMotionTracking{h}, RequestStats{h},
		FallEvent{Header: h, Detected: &detected, Confidence: &confidence, Countdown: &countdown},
		HeartRate{Header: h, BPM: 142},
		VoiceNote{Header: h, Audio: []byte("opus")},
		StatusUpdate{Header: h, Snapshot: Snapshot{RideState: &ride, Gait: &gait, TrotPercent: &trot}},
		SessionPayload{Header: h, Session: companion.QueuedSession{ID: "s-1", Discipline: domain.DisciplineRiding, StartedAt: t0, EndedAt: t0}},
		Ack{Header: h, SessionID: "s-1"},
		Ack{Header: h},
	}
	for _, msg := range messages {
		data, err := Encode(msg)
		require.NoError(t, err, msg.Type())
		got, err := Decode(data)
		require.NoError(t, err, msg.Type())
		require.Equal(t, msg.Type(), got.Type())
		require.True(t, got.At().Equal(t0), msg.Type())
	}
}

func TestEncodeOmitsUnreportedFields(t *testing.T) {
	data, err := Encode(StatusUpdate{Header: Stamp(t0)})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"statusUpdate","timestamp":1789225445}`, string(data))
}

func TestStatusUpdateCarriesFallDetection(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"statusUpdate","timestamp":1,"fallDetected":true,"fallConfidence":0.8,"fallCountdown":12,"gallopPercent":100,"walkPercent":0}`))
	require.NoError(t, err)

	update := msg.(StatusUpdate)
	require.True(t, *update.FallDetected)
	require.Equal(t, 0.8, *update.FallConfidence)
	require.Equal(t, 12, *update.FallCountdown)
	require.Equal(t, 100.0, *update.GallopPercent)

	data, err := Encode(update)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"statusUpdate","timestamp":1,"fallDetected":true,"fallConfidence":0.8,"fallCountdown":12,"gallopPercent":100,"walkPercent":0}`, string(data))
}

func TestMessageIDRoundTrips(t *testing.T) {
	data, err := Encode(StopRide{Header{ID: "cmd-7", Timestamp: t0}})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"stopRide","id":"cmd-7","timestamp":1789225445}`, string(data))

	msg, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, "cmd-7", msg.messageID())
}
