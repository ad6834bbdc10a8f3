// Package iptrust tracks successful logins per (owner, IP) and promotes an
// address to trusted once the owner confirms an expiring approval token.
package iptrust

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTokenNotFound = errors.New("ip trust token not found")
	ErrTokenExpired  = errors.New("ip trust token expired")
)

// Record is the success counter for one (owner, IP).
type Record struct {
	Owner        string    `json:"owner"`
	IP           string    `json:"ip"`
	SuccessCount int       `json:"success_count"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// Token is an approval request for promoting an IP to trusted.
type Token struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner"`
	IP          string     `json:"ip"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Confirmed   bool       `json:"confirmed"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

// Expired reports whether an unconfirmed token is past its expiry.
// Confirmed tokens never expire.
func (t *Token) Expired(now time.Time) bool {
	return !t.Confirmed && now.After(t.ExpiresAt)
}

// Pending reports whether the token still awaits confirmation.
func (t *Token) Pending(now time.Time) bool {
	return !t.Confirmed && !t.Expired(now)
}

// State is everything known about one (owner, IP). Token is the most
// recently minted token, if any.
type State struct {
	Record *Record
	Token  *Token
}

// Store persists trust state. Update must serialise callers per (owner, IP)
// and apply fn's changes atomically: the record is upserted, and a Token
// whose ID differs from the one loaded is inserted as the new latest token.
// If fn returns an error nothing is written.
type Store interface {
	View(ctx context.Context, owner, ip string) (State, error)
	Update(ctx context.Context, owner, ip string, fn func(*State) error) error
	// UpdateToken loads a token by id under lock and persists fn's changes.
	// Unknown ids return ErrTokenNotFound.
	UpdateToken(ctx context.Context, id string, fn func(*Token) error) (Token, error)
}

// Phase is the coarse state of an (owner, IP) pair.
type Phase string

const (
	PhaseUnseen  Phase = "unseen"
	PhaseSeen    Phase = "seen"
	PhasePending Phase = "pending_approval"
	PhaseTrusted Phase = "trusted"
)

// Transition describes what RegisterSuccess did.
type Transition struct {
	Phase Phase
	Count int
	// Minted is set when this call created a new approval token.
	Minted *Token
	// Replaced is true when Minted superseded an expired token.
	Replaced bool
}

// ConfirmResult distinguishes a fresh confirmation from an idempotent repeat.
type ConfirmResult int

const (
	ConfirmConfirmed ConfirmResult = iota
	ConfirmAlreadyTrusted
)

func (r ConfirmResult) String() string {
	if r == ConfirmAlreadyTrusted {
		return "already_trusted"
	}
	return "confirmed"
}

// Trust scores returned by Evaluate.
const (
	ScoreUnseen  = 0.0
	ScoreSeen    = 0.5
	ScorePending = 0.75
	ScoreTrusted = 1.0
)
