package sharing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrRequestNotFound is returned when no pending request matches a share id.
var ErrRequestNotFound = errors.New("share request not found")

// Inbox holds shares other athletes have offered to this user.
type Inbox struct {
	requests RequestStore
	cloud    ShareService
	now      func() time.Time
	timeout  time.Duration
}

// NewInbox constructs an Inbox.
func NewInbox(requests RequestStore, cloud ShareService, now func() time.Time) *Inbox {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Inbox{requests: requests, cloud: cloud, now: now, timeout: defaultCallTimeout}
}

// Receive stores an inbound request. Receiving the same share again keeps the
// original receipt time and viewed flag.
func (i *Inbox) Receive(ctx context.Context, req PendingShareRequest) (PendingShareRequest, error) {
	if req.ShareID == "" {
		return PendingShareRequest{}, errors.New("share request without share id")
	}
	existing, err := i.requests.GetRequest(ctx, req.ShareID)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, ErrRequestNotFound):
		return PendingShareRequest{}, err
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = i.now()
	}
	req.Viewed = false
	if err := i.requests.PutRequest(ctx, req); err != nil {
		return PendingShareRequest{}, err
	}
	shareRequests.WithLabelValues("received").Inc()
	return req, nil
}

// MarkViewed flags a request as seen.
func (i *Inbox) MarkViewed(ctx context.Context, shareID string) error {
	req, err := i.live(ctx, shareID)
	if err != nil {
		return err
	}
	if req.Viewed {
		return nil
	}
	req.Viewed = true
	return i.requests.PutRequest(ctx, req)
}

func (i *Inbox) live(ctx context.Context, shareID string) (PendingShareRequest, error) {
	req, err := i.requests.GetRequest(ctx, shareID)
	if err != nil {
		return PendingShareRequest{}, err
	}
	if req.Dismissed {
		return PendingShareRequest{}, fmt.Errorf("%w: %s dismissed", ErrRequestNotFound, shareID)
	}
	return req, nil
}

// Accept tells the cloud the share is accepted and then drops the request.
// The request stays in the inbox when the cloud call fails.
func (i *Inbox) Accept(ctx context.Context, shareID string) error {
	if _, err := i.live(ctx, shareID); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, i.timeout)
	err := i.cloud.AcceptShare(callCtx, shareID)
	cancel()
	if err != nil {
		return fmt.Errorf("accept share %s: %w", shareID, err)
	}
	if err := i.requests.DeleteRequest(ctx, shareID); err != nil {
		return err
	}
	shareRequests.WithLabelValues("accepted").Inc()
	return nil
}

// Dismiss hides a request without accepting it.
func (i *Inbox) Dismiss(ctx context.Context, shareID string) error {
	req, err := i.live(ctx, shareID)
	if err != nil {
		return err
	}
	req.Dismissed = true
	if err := i.requests.PutRequest(ctx, req); err != nil {
		return err
	}
	shareRequests.WithLabelValues("dismissed").Inc()
	return nil
}

// Forget drops every trace of a request, dismissed or not, once the share is
// gone from the cloud.
func (i *Inbox) Forget(ctx context.Context, shareID string) error {
	err := i.requests.DeleteRequest(ctx, shareID)
	if errors.Is(err, ErrRequestNotFound) {
		return nil
	}
	return err
}

// List returns live requests, newest first.
func (i *Inbox) List(ctx context.Context) ([]PendingShareRequest, error) {
	all, err := i.requests.ListRequests(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PendingShareRequest, 0, len(all))
	for _, req := range all {
		if !req.Dismissed {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ReceivedAt.After(out[b].ReceivedAt) })
	return out, nil
}

// Known lists the share ids of every stored request, including dismissed ones.
func (i *Inbox) Known(ctx context.Context) (map[string]struct{}, error) {
	all, err := i.requests.ListRequests(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(all))
	for _, req := range all {
		out[req.ShareID] = struct{}{}
	}
	return out, nil
}

// Unviewed counts live requests not yet seen.
func (i *Inbox) Unviewed(ctx context.Context) (int, error) {
	live, err := i.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, req := range live {
		if !req.Viewed {
			n++
		}
	}
	return n, nil
}
