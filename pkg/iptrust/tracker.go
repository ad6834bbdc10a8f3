package iptrust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"behavtrust/pkg/metrics"
	"behavtrust/pkg/notify"
	"behavtrust/pkg/structlog"
)

// Notifier is the fire-and-forget side of notify.Dispatcher.
type Notifier interface {
	Notify(owner string, kind notify.Kind, p notify.Payload)
}

// Config tunes promotion.
type Config struct {
	Threshold int
	TokenTTL  time.Duration
	Now       func() time.Time
}

// Tracker runs the per-(owner, IP) promotion state machine.
type Tracker struct {
	store    Store
	notifier Notifier
	log      *structlog.Logger
	metrics  *metrics.Metrics

	threshold int
	ttl       time.Duration
	now       func() time.Time
}

func NewTracker(store Store, notifier Notifier, cfg Config, log *structlog.Logger, m *metrics.Metrics) *Tracker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 3 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		store:     store,
		notifier:  notifier,
		log:       log.WithComponent("iptrust"),
		metrics:   m,
		threshold: cfg.Threshold,
		ttl:       cfg.TokenTTL,
		now:       cfg.Now,
	}
}

// RegisterSuccess counts a successful second-factor verification from ip and
// mints an approval token when the count is at or above the threshold and no
// pending or confirmed token exists.
func (t *Tracker) RegisterSuccess(ctx context.Context, owner, ip string) (Transition, error) {
	if owner == "" || ip == "" {
		return Transition{}, fmt.Errorf("register ip success: owner and ip are required")
	}

	var tr Transition
	err := t.store.Update(ctx, owner, ip, func(s *State) error {
		tr = Transition{}
		now := t.now()
		if s.Record == nil {
			s.Record = &Record{Owner: owner, IP: ip, SuccessCount: 1, FirstSeen: now, LastSeen: now}
		} else {
			s.Record.SuccessCount++
			s.Record.LastSeen = now
		}
		tr.Count = s.Record.SuccessCount
		tr.Phase = PhaseSeen

		if s.Record.SuccessCount < t.threshold {
			return nil
		}
		switch {
		case s.Token == nil:
		case s.Token.Confirmed:
			tr.Phase = PhaseTrusted
			return nil
		case s.Token.Pending(now):
			tr.Phase = PhasePending
			return nil
		default:
			tr.Replaced = true
		}

		s.Token = &Token{
			ID:        uuid.NewString(),
			Owner:     owner,
			IP:        ip,
			CreatedAt: now,
			ExpiresAt: now.Add(t.ttl),
		}
		minted := *s.Token
		tr.Minted = &minted
		tr.Phase = PhasePending
		return nil
	})
	if err != nil {
		return Transition{}, fmt.Errorf("register ip success for %s: %w", owner, err)
	}

	log := t.log.WithContext(ctx)
	if tr.Minted != nil {
		event := "minted"
		if tr.Replaced {
			event = "reminted"
		}
		t.metrics.IPTokenEvent(event)
		log.SecurityEvent("ip_trust_requested", structlog.Fields{
			"owner": owner, "ip": ip, "count": tr.Count, "replaced_expired": tr.Replaced,
			"expires_at": tr.Minted.ExpiresAt,
		})
		t.notifier.Notify(owner, notify.KindTrustRequest, notify.Payload{
			IP: ip, TokenID: tr.Minted.ID, ExpiresAt: tr.Minted.ExpiresAt,
		})
	} else {
		log.Debug("ip success registered", structlog.Fields{"owner": owner, "ip": ip, "count": tr.Count, "phase": string(tr.Phase)})
	}
	return tr, nil
}

// Confirm approves a token. Repeating a confirmation is an idempotent success.
func (t *Tracker) Confirm(ctx context.Context, tokenID string) (ConfirmResult, error) {
	if _, err := uuid.Parse(tokenID); err != nil {
		return 0, ErrTokenNotFound
	}

	result := ConfirmConfirmed
	tok, err := t.store.UpdateToken(ctx, tokenID, func(tok *Token) error {
		now := t.now()
		switch {
		case tok.Confirmed:
			result = ConfirmAlreadyTrusted
			return nil
		case tok.Expired(now):
			return ErrTokenExpired
		}
		tok.Confirmed = true
		tok.ConfirmedAt = &now
		return nil
	})
	switch {
	case errors.Is(err, ErrTokenExpired):
		t.metrics.IPTokenEvent("expired_confirm")
		return 0, ErrTokenExpired
	case errors.Is(err, ErrTokenNotFound):
		return 0, ErrTokenNotFound
	case err != nil:
		return 0, fmt.Errorf("confirm ip token: %w", err)
	}

	if result == ConfirmConfirmed {
		t.metrics.IPTokenEvent("confirmed")
		t.log.WithContext(ctx).AuditLog("ip_trust_confirmed", structlog.Fields{"owner": tok.Owner, "ip": tok.IP})
		t.notifier.Notify(tok.Owner, notify.KindTrustConfirmed, notify.Payload{IP: tok.IP})
	}
	return result, nil
}

// Evaluate maps the current state to the four-tier trust score:
// 0 unseen, 0.5 seen (no pending token), 0.75 pending approval, 1 trusted.
func (t *Tracker) Evaluate(ctx context.Context, owner, ip string) (float64, error) {
	s, err := t.store.View(ctx, owner, ip)
	if err != nil {
		return 0, fmt.Errorf("evaluate ip trust for %s: %w", owner, err)
	}
	return t.score(s), nil
}

// Phase reports the coarse state of (owner, ip).
func (t *Tracker) Phase(ctx context.Context, owner, ip string) (Phase, error) {
	s, err := t.store.View(ctx, owner, ip)
	if err != nil {
		return "", err
	}
	switch t.score(s) {
	case ScoreTrusted:
		return PhaseTrusted, nil
	case ScorePending:
		return PhasePending, nil
	case ScoreSeen:
		return PhaseSeen, nil
	default:
		return PhaseUnseen, nil
	}
}

func (t *Tracker) score(s State) float64 {
	if s.Record == nil {
		return ScoreUnseen
	}
	if s.Token != nil && s.Token.Confirmed {
		return ScoreTrusted
	}
	if s.Record.SuccessCount >= t.threshold && s.Token != nil && s.Token.Pending(t.now()) {
		return ScorePending
	}
	return ScoreSeen
}
