package notify

import (
	"context"

	"behavtrust/pkg/circuitbreaker"
	"behavtrust/pkg/structlog"
)

// BreakerSender fails fast while the wrapped sender keeps failing, so a dead
// relay neither stalls dispatcher workers nor login requests.
type BreakerSender struct {
	next Sender
	cb   *circuitbreaker.CircuitBreaker
}

func NewBreakerSender(name string, next Sender, settings circuitbreaker.Settings, log *structlog.Logger) *BreakerSender {
	if settings.OnStateChange == nil {
		settings.OnStateChange = func(name string, from, to circuitbreaker.State) {
			log.Warn("notification breaker state changed", structlog.Fields{"sender": name, "from": from.String(), "to": to.String()})
		}
	}
	return &BreakerSender{next: next, cb: circuitbreaker.NewCircuitBreaker(name, settings)}
}

func (b *BreakerSender) Send(ctx context.Context, owner string, kind Kind, p Payload) error {
	return b.cb.Execute(ctx, func() error { return b.next.Send(ctx, owner, kind, p) })
}
