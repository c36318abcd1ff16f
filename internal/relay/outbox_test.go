package relay

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/ridesync/internal/domain"
)

func ackAny(int, Message) (Message, error) { return Ack{Header: Stamp(t0)}, nil }

func openOutbox(t *testing.T, path string, link Link) *Outbox {
	t.Helper()
	o, err := OpenOutbox(path, link, WithOutboxLogger(quiet()), WithOutboxPollInterval(time.Hour))
	require.NoError(t, err)
	return o
}

func TestFallEventSurvivesStatusUpdatesWhileUnreachable(t *testing.T) {
	p := startPair(t, false)
	outbox := openOutbox(t, filepath.Join(t.TempDir(), "commands.json"), p.companion)
	r := New(p.companion, WithOutbox(outbox), WithTimeout(2*time.Second), WithLogger(quiet()))

	ctx, cancel := context.WithCancel(context.Background())
	go outbox.Run(ctx)
	t.Cleanup(func() {
		cancel()
		outbox.Wait()
	})

	detected := true
	d, err := r.Send(ctx, FallEvent{Header: Stamp(t0), Detected: &detected})
	require.NoError(t, err)
	require.Equal(t, Queued, d.Mode)

	active := RideActive
	for i := 1; i <= 3; i++ {
		d, err := r.Send(ctx, StatusUpdate{Header: Stamp(t0.Add(time.Duration(i) * time.Second)), Snapshot: Snapshot{RideState: &active}})
		require.NoError(t, err)
		require.Equal(t, Deferred, d.Mode)
	}
	require.Equal(t, 1, outbox.Len())

	p.connect(t)
	require.Eventually(t, func() bool { return outbox.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), p.falls.Load())
	require.Eventually(t, func() bool {
		st := p.mirror.State()
		return st.LastFall != nil && st.Ride == RideActive
	}, 2*time.Second, 5*time.Millisecond)

	res, err := outbox.Drain(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Delivered)
	require.Equal(t, int32(1), p.falls.Load())
}

func TestOutboxSurvivesRestartInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.json")
	down := &stubLink{reachable: false}
	r := New(down, WithOutbox(openOutbox(t, path, down)), WithLogger(quiet()))

	for _, msg := range []Message{StartRide{Stamp(t0)}, FallEvent{Header: Stamp(t0)}, StopRide{Stamp(t0)}} {
		d, err := r.Send(context.Background(), msg)
		require.NoError(t, err)
		require.Equal(t, Queued, d.Mode)
	}
	require.Empty(t, down.requests)

	up := &stubLink{reachable: true, respond: ackAny}
	reopened := openOutbox(t, path, up)
	queued := reopened.Pending()
	require.Len(t, queued, 3)

	res, err := reopened.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, res.Delivered)
	require.Zero(t, reopened.Len())

	require.Len(t, up.requests, 3)
	for i, msg := range up.requests {
		require.Equal(t, queued[i].Type, msg.Type())
		require.Equal(t, queued[i].ID, msg.messageID())
	}
}

func TestUnackedCommandIsRedeliveredUnderSameID(t *testing.T) {
	link := &stubLink{reachable: true, respond: func(n int, msg Message) (Message, error) {
		if n == 1 {
			return nil, domain.ErrAckTimeout
		}
		return ackAny(n, msg)
	}}
	outbox := openOutbox(t, filepath.Join(t.TempDir(), "commands.json"), link)
	r := New(link, WithOutbox(outbox), WithLogger(quiet()))

	d, err := r.Send(context.Background(), StartRide{Stamp(t0)})
	require.NoError(t, err)
	require.Equal(t, Queued, d.Mode)
	require.ErrorIs(t, d.Err, domain.ErrAckTimeout)
	require.Equal(t, 1, outbox.Pending()[0].SyncAttempts)

	d, err = r.Send(context.Background(), StopRide{Stamp(t0)})
	require.NoError(t, err)
	require.Equal(t, Delivered, d.Mode)
	require.Zero(t, outbox.Len())

	require.Len(t, link.requests, 3)
	require.Equal(t, TypeStartRide, link.requests[1].Type())
	require.Equal(t, link.requests[0].messageID(), link.requests[1].messageID())
	require.Equal(t, TypeStopRide, link.requests[2].Type())
}

func TestRejectedCommandIsReportedAndRemoved(t *testing.T) {
	link := &stubLink{reachable: true, respond: func(_ int, msg Message) (Message, error) {
		return nil, &RejectedError{Type: msg.Type(), Reason: "no handler"}
	}}
	outbox := openOutbox(t, filepath.Join(t.TempDir(), "commands.json"), link)
	r := New(link, WithOutbox(outbox), WithLogger(quiet()))

	_, err := r.Send(context.Background(), PauseRide{Stamp(t0)})
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, "no handler", rejected.Reason)
	require.Zero(t, outbox.Len())
}

func TestStatsRequestsAreNeverQueued(t *testing.T) {
	link := &stubLink{reachable: false}
	outbox := openOutbox(t, filepath.Join(t.TempDir(), "commands.json"), link)
	r := New(link, WithOutbox(outbox), WithLogger(quiet()))

	_, err := r.Send(context.Background(), RequestStats{Stamp(t0)})
	require.ErrorIs(t, err, domain.ErrTransportUnreachable)
	require.Zero(t, outbox.Len())
	require.Empty(t, link.contexts)
}

func TestExhaustedCommandsAreDropped(t *testing.T) {
	link := &stubLink{reachable: true, respond: func(int, Message) (Message, error) { return nil, domain.ErrAckTimeout }}
	outbox, err := OpenOutbox(filepath.Join(t.TempDir(), "commands.json"), link,
		WithOutboxLogger(quiet()), WithOutboxMaxAttempts(2))
	require.NoError(t, err)
	_, err = outbox.Enqueue(StartRide{Stamp(t0)})
	require.NoError(t, err)

	res, err := outbox.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Empty(t, res.Dropped)

	res, err = outbox.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Dropped, 1)
	require.Zero(t, outbox.Len())
}

func TestRedeliveredCommandIsAppliedOnce(t *testing.T) {
	var falls int
	c := NewCommands(NewMirror(), OnFall(func(context.Context, FallEvent) { falls++ }))

	fall := FallEvent{Header: Header{ID: "cmd-1", Timestamp: t0}}
	for i := 0; i < 2; i++ {
		reply, err := c.Handle(context.Background(), fall)
		require.NoError(t, err)
		require.Nil(t, reply)
	}
	require.Equal(t, 1, falls)

	_, err := c.Handle(context.Background(), FallEvent{Header: Stamp(t0.Add(time.Second))})
	require.NoError(t, err)
	_, err = c.Handle(context.Background(), FallEvent{Header: Stamp(t0.Add(time.Second))})
	require.NoError(t, err)
	require.Equal(t, 3, falls)
}

func TestRecentIDsForgetsOldest(t *testing.T) {
	seen := newRecentIDs(2)
	require.True(t, seen.add("a"))
	require.True(t, seen.add("b"))
	require.False(t, seen.add("a"))
	require.True(t, seen.add("c"))
	require.True(t, seen.add("a"))
	require.False(t, seen.add("c"))
}
