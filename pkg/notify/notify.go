// Package notify delivers out-of-band messages: login codes and IP trust
// promotion requests.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind identifies the message template.
type Kind string

const (
	KindTrustRequest   Kind = "trust_request"
	KindTrustConfirmed Kind = "trust_confirmed"
	// KindLoginCode carries a one-time password and must only go to
	// senders that reach the owner directly.
	KindLoginCode Kind = "login_code"
)

// Payload carries what a message needs to render.
type Payload struct {
	IP        string    `json:"ip"`
	TokenID   string    `json:"token_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Code      string    `json:"-"`
}

// Sender delivers one notification. Implementations may block.
type Sender interface {
	Send(ctx context.Context, owner string, kind Kind, p Payload) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, owner string, kind Kind, p Payload) error

func (f SenderFunc) Send(ctx context.Context, owner string, kind Kind, p Payload) error {
	return f(ctx, owner, kind, p)
}

// MultiSender fans a notification out to every sender and joins their errors.
type MultiSender []Sender

func (m MultiSender) Send(ctx context.Context, owner string, kind Kind, p Payload) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, owner, kind, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards notifications.
var Nop Sender = SenderFunc(func(context.Context, string, Kind, Payload) error { return nil })

// message renders subject and body for a kind.
func message(kind Kind, owner string, p Payload, approvalBase string) (string, string, error) {
	switch kind {
	case KindTrustRequest:
		link := fmt.Sprintf("%s/approve-ip?token=%s", approvalBase, p.TokenID)
		body := fmt.Sprintf("We noticed several successful logins from a new IP address: %s\n\n"+
			"If this was you, open the link below to trust this address for future logins:\n\n%s\n\n"+
			"The link expires at %s.\n", p.IP, link, p.ExpiresAt.UTC().Format(time.RFC1123))
		return "New IP address detected: approve it?", body, nil
	case KindTrustConfirmed:
		body := fmt.Sprintf("Hello %s,\n\nThe IP address %s is now a trusted login location for your account.\n\n"+
			"If you did not approve this change, contact support immediately.\n", localPart(owner), p.IP)
		return "IP address approved", body, nil
	case KindLoginCode:
		body := fmt.Sprintf("Your OTP is: %s\n\nIt will expire in %s.\n", p.Code, humanTTL(p.ExpiresAt))
		return "Biometrics - Your OTP Code", body, nil
	default:
		return "", "", fmt.Errorf("unknown notification kind %q", kind)
	}
}

func humanTTL(expiresAt time.Time) string {
	d := time.Until(expiresAt).Round(time.Minute)
	if expiresAt.IsZero() || d < time.Minute {
		return "a few minutes"
	}
	if d == time.Minute {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", int(d.Minutes()))
}

func localPart(email string) string {
	for i := 0; i < len(email); i++ {
		if email[i] == '@' {
			return email[:i]
		}
	}
	return email
}
