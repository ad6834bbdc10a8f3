package notify

import (
	"context"
	"sync"
	"time"

	"behavtrust/pkg/metrics"
	"behavtrust/pkg/structlog"
)

type job struct {
	owner string
	kind  Kind
	p     Payload
}

// Dispatcher makes delivery fire-and-forget: Notify never blocks the caller,
// and failures are logged and counted instead of returned.
type Dispatcher struct {
	sender  Sender
	log     *structlog.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	queue chan job
	wg    sync.WaitGroup
	once  sync.Once
}

// NewDispatcher starts workers goroutines draining a queue of the given size.
func NewDispatcher(sender Sender, log *structlog.Logger, m *metrics.Metrics, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &Dispatcher{
		sender:  sender,
		log:     log.WithComponent("notify"),
		metrics: m,
		timeout: 15 * time.Second,
		queue:   make(chan job, queueSize),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Notify enqueues a message. A full queue drops it with a warning.
func (d *Dispatcher) Notify(owner string, kind Kind, p Payload) {
	select {
	case d.queue <- job{owner: owner, kind: kind, p: p}:
	default:
		d.metrics.NotificationFailed(string(kind))
		d.log.Warn("notification queue full, dropping", structlog.Fields{"owner": owner, "kind": string(kind), "ip": p.IP})
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.sender.Send(ctx, j.owner, j.kind, j.p); err != nil {
			d.metrics.NotificationFailed(string(j.kind))
			d.log.Error("notification failed", structlog.Fields{"owner": j.owner, "kind": string(j.kind), "ip": j.p.IP, "error": err})
		}
		cancel()
	}
}

// Close stops accepting work and waits for queued messages to drain.
// Notify must not be called after Close.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.queue) })
	d.wg.Wait()
}
