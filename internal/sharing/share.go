package sharing

import (
	"context"
	"errors"
	"time"
)

// ErrShareNotFound is returned when a share id is unknown.
var ErrShareNotFound = errors.New("share not found")

// Share exposes one category of the athlete's data to one relationship
// through the cloud store.
type Share struct {
	ID             string     `json:"id"`
	RelationshipID string     `json:"relationship_id"`
	OwnerID        string     `json:"owner_id"`
	RecipientID    string     `json:"recipient_id"`
	Category       string     `json:"category"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	AcceptedAt     *time.Time `json:"accepted_at,omitempty"`
}

// Expired reports whether the share lapsed at or before now.
func (s Share) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// ShareService is the cloud side of share management.
type ShareService interface {
	CreateShare(ctx context.Context, share Share) (Share, error)
	RevokeShare(ctx context.Context, id string) error
	AcceptShare(ctx context.Context, id string) error
}

// ShareStore keeps the shares the athlete has granted.
type ShareStore interface {
	PutShare(ctx context.Context, share Share) error
	// GetShare and DeleteShare return ErrShareNotFound for an unknown id.
	GetShare(ctx context.Context, id string) (Share, error)
	DeleteShare(ctx context.Context, id string) error
	ListShares(ctx context.Context) ([]Share, error)
}

// PendingShareRequest is an inbound share that has not been accepted.
type PendingShareRequest struct {
	ShareID    string    `json:"share_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Category   string    `json:"category"`
	ReceivedAt time.Time `json:"received_at"`
	Viewed     bool      `json:"viewed"`
	// Dismissed requests are kept so a later poll of the cloud does not
	// offer them again.
	Dismissed bool `json:"dismissed,omitempty"`
}

// RequestStore keeps inbound share requests.
type RequestStore interface {
	PutRequest(ctx context.Context, req PendingShareRequest) error
	// GetRequest and DeleteRequest return ErrRequestNotFound for an unknown id.
	GetRequest(ctx context.Context, shareID string) (PendingShareRequest, error)
	DeleteRequest(ctx context.Context, shareID string) error
	ListRequests(ctx context.Context) ([]PendingShareRequest, error)
}
