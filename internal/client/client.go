// Package client models one connected client: its subscription registry,
// its outbound response queue, and the wake primitive its writer blocks
// on. Transport I/O lives in the server package; nothing here blocks on
// the wire.
package client

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"vigil/internal/logging"
	"vigil/internal/subscription"
)

type Client struct {
	id     string
	logger *logging.Logger

	// Subs co-indexes this client's subscriptions and their feed-detach
	// handles.
	Subs *subscription.Registry

	mu     sync.Mutex
	queue  []map[string]any
	closed bool

	wake chan struct{}
	ref  *Ref
}

func New(logger *logging.Logger) *Client {
	c := &Client{
		id:     uuid.NewString(),
		logger: logger,
		Subs:   subscription.NewRegistry(),
		wake:   make(chan struct{}, 1),
	}
	c.ref = &Ref{}
	c.ref.target.Store(c)
	return c
}

func (c *Client) ID() string {
	if c == nil {
		return ""
	}
	return c.id
}

// Ref returns the weak handle subscriptions hold. All holders share the
// same handle, so vacating it at disconnect is visible everywhere at once.
func (c *Client) Ref() *Ref {
	if c == nil {
		return nil
	}
	return c.ref
}

// EnqueueResponse appends a payload to the outbound queue. Payloads
// enqueued after Close are discarded; delivery to a disconnected client
// is a no-op, not an error.
func (c *Client) EnqueueResponse(payload map[string]any) {
	if c == nil || payload == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.queue = append(c.queue, payload)
}

// Wake nudges the writer without blocking; a pending wake is enough.
func (c *Client) Wake() {
	if c == nil {
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// WakeChan is what the writer selects on.
func (c *Client) WakeChan() <-chan struct{} {
	if c == nil {
		return nil
	}
	return c.wake
}

// Drain removes and returns everything queued so far.
func (c *Client) Drain() []map[string]any {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	queued := c.queue
	c.queue = nil
	return queued
}

// QueueLen reports the number of pending payloads.
func (c *Client) QueueLen() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close tears the client down at disconnect. The weak handle is vacated
// first so any dispatch that has not yet resolved it becomes a no-op,
// then every subscription is destroyed; feed detachment still runs even
// though the client itself is gone.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.queue = nil
	c.mu.Unlock()

	if c.ref != nil {
		c.ref.vacate()
	}
	if c.Subs != nil {
		c.Subs.Clear()
	}
	if c.logger != nil {
		c.logger.Debug("client closed", map[string]string{"client": c.id})
	}
}

// Ref is the weak, resolve-before-use handle to a client. Resolving after
// disconnect reports the client as gone; callers treat that as a normal
// branch, never an error.
type Ref struct {
	target atomic.Pointer[Client]
}

func (r *Ref) Resolve() (subscription.Client, bool) {
	if r == nil {
		return nil, false
	}
	c := r.target.Load()
	if c == nil {
		return nil, false
	}
	return c, true
}

func (r *Ref) vacate() {
	if r == nil {
		return
	}
	r.target.Store(nil)
}
