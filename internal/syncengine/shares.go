package syncengine

import (
	"context"
	"errors"
	"fmt"

	"example.com/ridesync/internal/sharing"
)

// CleanupExpiredShares revokes every tracked share past its expiry in the cloud
// and then drops it locally. A share whose revoke fails is kept for the next
// cycle.
func (e *Engine) CleanupExpiredShares(ctx context.Context) (int, error) {
	if e.shares == nil {
		return 0, nil
	}
	expired, err := e.shares.ExpiredShares(ctx, e.now())
	if err != nil {
		return 0, err
	}

	var (
		removed int
		errs    error
	)
	for _, share := range expired {
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		err := e.remote.RevokeShare(callCtx, share.ID)
		cancel()
		if err != nil && !errors.Is(err, sharing.ErrShareNotFound) {
			errs = errors.Join(errs, fmt.Errorf("revoke %s: %w", share.ID, err))
			continue
		}
		if err := e.shares.ForgetShare(ctx, share); err != nil {
			errs = errors.Join(errs, fmt.Errorf("forget %s: %w", share.ID, err))
			continue
		}
		removed++
	}
	if removed > 0 {
		sharesExpired.Add(float64(removed))
	}
	return removed, errs
}

// PullShareRequests turns shares newly offered to this user into inbox
// requests, and forgets requests whose share the cloud no longer offers.
func (e *Engine) PullShareRequests(ctx context.Context) (int, error) {
	if e.inbox == nil {
		return 0, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	offered, err := e.remote.IncomingShares(callCtx)
	cancel()
	if err != nil {
		return 0, err
	}
	known, err := e.inbox.Known(ctx)
	if err != nil {
		return 0, err
	}

	var (
		received int
		errs     error
		live     = make(map[string]struct{}, len(offered))
	)
	for _, share := range offered {
		live[share.ID] = struct{}{}
		if _, ok := known[share.ID]; ok {
			continue
		}
		req := sharing.PendingShareRequest{
			ShareID:    share.ID,
			SenderID:   share.OwnerID,
			SenderName: e.displayName(ctx, share.OwnerID),
			Category:   share.Category,
			ReceivedAt: e.now(),
		}
		if _, err := e.inbox.Receive(ctx, req); err != nil {
			errs = errors.Join(errs, fmt.Errorf("receive %s: %w", share.ID, err))
			continue
		}
		received++
	}
	for id := range known {
		if _, ok := live[id]; ok {
			continue
		}
		if err := e.inbox.Forget(ctx, id); err != nil {
			errs = errors.Join(errs, fmt.Errorf("forget request %s: %w", id, err))
		}
	}
	return received, errs
}

func (e *Engine) displayName(ctx context.Context, userID string) string {
	if e.senderName != nil {
		if name := e.senderName(ctx, userID); name != "" {
			return name
		}
	}
	return userID
}
