// Package root models one watched directory tree: its view engine, its
// asserted-state registry, its settle broadcast feed, and accumulated
// warnings. Roots outlive the subscriptions held against them.
package root

import (
	"sync"
	"time"

	"vigil/internal/clock"
	"vigil/internal/event"
	"vigil/internal/metrics"
	"vigil/internal/query"
	"vigil/internal/state"
)

const DefaultLockTimeout = 100 * time.Millisecond

// View is the watch/query engine a root delegates to. The subscription
// engine only ever reads through this interface.
type View interface {
	// CurrentClockPosition returns the most recent root number and tick.
	CurrentClockPosition() clock.Position

	// ExecuteQuery evaluates q relative to since. The view lock must be
	// acquired within lockTimeout or the invocation fails.
	ExecuteQuery(q *query.Query, since clock.Spec, lockTimeout time.Duration) (*query.Result, error)

	// IsVCSOperationInProgress reports whether a version-control operation
	// is currently underway on the root.
	IsVCSOperationInProgress() bool

	Close() error
}

// Options carries per-root tunables.
type Options struct {
	// LockTimeout bounds view lock acquisition during subscription
	// queries. Dispatch runs at settle points where contention is rare,
	// so this stays short.
	LockTimeout time.Duration

	Registry *metrics.Registry
}

// Root is one watched tree.
type Root struct {
	Path   string
	View   View
	States *state.Registry

	// Settled is published once per settle point. Subscribers hold
	// explicit cancel handles.
	Settled *event.Feed[clock.Position]

	options  Options
	mu       sync.Mutex
	warnings []string
}

func New(path string, view View, options Options) *Root {
	if options.LockTimeout <= 0 {
		options.LockTimeout = DefaultLockTimeout
	}
	return &Root{
		Path:   path,
		View:   view,
		States: state.NewRegistry(),
		Settled: event.NewFeed[clock.Position](event.FeedOptions{
			Name:     "settle:" + path,
			Registry: options.Registry,
		}),
		options: options,
	}
}

// LockTimeout returns the configured view lock acquisition bound.
func (r *Root) LockTimeout() time.Duration {
	if r == nil || r.options.LockTimeout <= 0 {
		return DefaultLockTimeout
	}
	return r.options.LockTimeout
}

// AddWarning records a root-level warning to be attached to replies and
// unilateral payloads, e.g. a watch overflow notice.
func (r *Root) AddWarning(message string) {
	if r == nil || message == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.warnings {
		if existing == message {
			return
		}
	}
	r.warnings = append(r.warnings, message)
}

// Warnings returns a copy of the accumulated warnings.
func (r *Root) Warnings() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.warnings) == 0 {
		return nil
	}
	out := make([]string, len(r.warnings))
	copy(out, r.warnings)
	return out
}

// Close releases the view and the settle feed.
func (r *Root) Close() error {
	if r == nil {
		return nil
	}
	r.Settled.Close()
	if r.View == nil {
		return nil
	}
	return r.View.Close()
}
