package sharing

import "fmt"

// InviteState tracks the connection handshake with the external party.
type InviteState string

const (
	InviteNotSent  InviteState = "notSent"
	InvitePending  InviteState = "pending"
	InviteAccepted InviteState = "accepted"
)

// Send moves notSent to pending. Resending a pending invite is allowed.
func (s InviteState) Send() (InviteState, error) {
	switch s {
	case InviteNotSent, InvitePending:
		return InvitePending, nil
	default:
		return s, fmt.Errorf("%w: send while %s", ErrInvalidInviteTransition, s)
	}
}

// Accept moves pending to accepted. An accepted invite only resets by deleting
// and recreating the relationship.
func (s InviteState) Accept() (InviteState, error) {
	if s != InvitePending {
		return s, fmt.Errorf("%w: accept while %s", ErrInvalidInviteTransition, s)
	}
	return InviteAccepted, nil
}

func parseInviteState(value string) (InviteState, error) {
	switch s := InviteState(value); s {
	case InviteNotSent, InvitePending, InviteAccepted:
		return s, nil
	default:
		return "", fmt.Errorf("unknown invite state %q", value)
	}
}
