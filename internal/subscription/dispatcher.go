package subscription

import (
	"sync"

	"vigil/internal/clock"
	"vigil/internal/logging"
	"vigil/internal/root"
)

// Dispatcher drives dispatch for all subscriptions on one root. A single
// goroutine consumes the root's settle feed and processes subscriptions
// strictly sequentially, so no subscription is ever evaluated
// concurrently with itself. Subscriptions on different roots run under
// different dispatchers and may overlap freely.
type Dispatcher struct {
	root   *root.Root
	logger *logging.Logger

	mu   sync.Mutex
	subs []*Subscription

	detach    func()
	closeOnce sync.Once
	done      chan struct{}
}

func NewDispatcher(r *root.Root, logger *logging.Logger) *Dispatcher {
	d := &Dispatcher{
		root:   r,
		logger: logger,
		done:   make(chan struct{}),
	}
	events, detach := r.Settled.Subscribe()
	d.detach = detach
	go d.run(events)
	return d
}

func (d *Dispatcher) run(events <-chan clock.Position) {
	defer close(d.done)
	for range events {
		d.DispatchAll()
	}
}

// DispatchAll processes every attached subscription once, in attach order.
func (d *Dispatcher) DispatchAll() {
	if d == nil {
		return
	}
	d.mu.Lock()
	subs := make([]*Subscription, len(d.subs))
	copy(subs, d.subs)
	d.mu.Unlock()

	for _, sub := range subs {
		sub.Process()
	}
}

// Attach connects a subscription to the settle path and returns the
// detach handle stored in the client registry. Detaching twice is a
// no-op.
func (d *Dispatcher) Attach(sub *Subscription) func() {
	if d == nil || sub == nil {
		return func() {}
	}

	d.mu.Lock()
	d.subs = append(d.subs, sub)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.remove(sub)
		})
	}
}

func (d *Dispatcher) remove(sub *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.subs {
		if existing == sub {
			d.subs = append(d.subs[:i], d.subs[i+1:]...)
			return
		}
	}
}

// Len reports the number of attached subscriptions.
func (d *Dispatcher) Len() int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Close detaches from the settle feed and waits for the dispatch
// goroutine to drain.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		if d.detach != nil {
			d.detach()
		}
	})
	<-d.done
}
