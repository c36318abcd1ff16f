// Package cloud is the shared record store every primary device of a family
// space syncs with, along with the share registry and the client devices use.
package cloud

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/ridesync/internal/record"
	"example.com/ridesync/internal/sharing"
)

// ErrNotFound is returned when a share does not exist in the space.
var ErrNotFound = errors.New("not found")

// Outcome classifies how a pushed record was handled.
type Outcome string

const (
	// OutcomeStored means the push won and replaced the stored version.
	OutcomeStored Outcome = "stored"
	// OutcomeReplayed means the push carried the stamp already stored.
	OutcomeReplayed Outcome = "replayed"
	// OutcomeConflict means the stored version wins; Record holds it.
	OutcomeConflict Outcome = "conflict"
)

// PutResult is the stored record after a push and how the push was handled.
type PutResult struct {
	Record  record.Record
	Outcome Outcome
}

// Change is one record as returned by a changes feed.
type Change struct {
	Record   record.Record
	StoredAt time.Time
}

// Store is the persistence behind the cloud HTTP API. Records and shares are
// scoped to a family space.
type Store interface {
	PutRecord(ctx context.Context, space string, rec record.Record) (PutResult, error)
	Changes(ctx context.Context, space string, after *Cursor, limit int) ([]Change, error)
	CreateShare(ctx context.Context, space string, share sharing.Share) (sharing.Share, error)
	RevokeShare(ctx context.Context, space, id string) error
	AcceptShare(ctx context.Context, recipient, id string, at time.Time) error
	IncomingShares(ctx context.Context, recipient string) ([]sharing.Share, error)
}

// decide applies last-write-wins between the stored version and a push.
func decide(stored *record.Record, pushed record.Record) Outcome {
	if stored == nil {
		return OutcomeStored
	}
	s, p := stored.Stamp(), pushed.Stamp()
	switch {
	case p.At.Equal(s.At) && p.By == s.By:
		return OutcomeReplayed
	case p.After(s):
		return OutcomeStored
	default:
		return OutcomeConflict
	}
}

// normalize trims a pushed stamp to the precision the database keeps so a
// replayed push compares equal to what was stored.
func normalize(rec record.Record) record.Record {
	rec.ModifiedAt = rec.ModifiedAt.UTC().Truncate(time.Microsecond)
	if rec.Fields == nil {
		rec.Fields = make(map[string]record.Value)
	}
	return rec
}

// Cursor marks a position in the changes feed.
type Cursor struct {
	StoredAt time.Time
	Type     record.Type
	ID       string
}

// EncodeCursor serialises the cursor to a string token.
func EncodeCursor(c *Cursor) string {
	if c == nil {
		return ""
	}
	raw := fmt.Sprintf("%s|%s|%s", c.StoredAt.UTC().Format(time.RFC3339Nano), c.Type, c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses the encoded cursor token. An empty token is the start of
// the feed.
func DecodeCursor(token string) (*Cursor, error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(string(decoded), "|", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid cursor format")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, err
	}
	return &Cursor{StoredAt: ts.UTC(), Type: record.Type(parts[1]), ID: parts[2]}, nil
}

// before orders changes by store time then key, the order the feed pages in.
func (c Cursor) before(o Cursor) bool {
	if !c.StoredAt.Equal(o.StoredAt) {
		return c.StoredAt.Before(o.StoredAt)
	}
	if c.Type != o.Type {
		return c.Type < o.Type
	}
	return c.ID < o.ID
}
