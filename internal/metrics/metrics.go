// Package metrics counts subscription-engine activity and renders it in
// Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

type Registry struct {
	dispatches    atomic.Int64
	deliveries    atomic.Int64
	drops         atomic.Int64
	defers        atomic.Int64
	queryErrors   atomic.Int64
	feedPublished atomic.Int64
	feedDropped   atomic.Int64
	watcherEvents atomic.Int64
	subscriptions atomic.Int64
	mu            sync.Mutex
	activeByRoot  map[string]int64
}

var Default = &Registry{}

func (r *Registry) IncDispatch() {
	if r == nil {
		return
	}
	r.dispatches.Add(1)
}

func (r *Registry) IncDelivery() {
	if r == nil {
		return
	}
	r.deliveries.Add(1)
}

func (r *Registry) IncDrop() {
	if r == nil {
		return
	}
	r.drops.Add(1)
}

func (r *Registry) IncDefer() {
	if r == nil {
		return
	}
	r.defers.Add(1)
}

func (r *Registry) IncQueryError() {
	if r == nil {
		return
	}
	r.queryErrors.Add(1)
}

func (r *Registry) IncFeedPublished() {
	if r == nil {
		return
	}
	r.feedPublished.Add(1)
}

func (r *Registry) IncFeedDropped() {
	if r == nil {
		return
	}
	r.feedDropped.Add(1)
}

func (r *Registry) IncWatcherEvents() {
	if r == nil {
		return
	}
	r.watcherEvents.Add(1)
}

// AddSubscriptions tracks the active subscription count; delta may be
// negative at unsubscribe or teardown.
func (r *Registry) AddSubscriptions(root string, delta int64) {
	if r == nil {
		return
	}
	r.subscriptions.Add(delta)
	if strings.TrimSpace(root) == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeByRoot == nil {
		r.activeByRoot = make(map[string]int64)
	}
	r.activeByRoot[root] += delta
	if r.activeByRoot[root] <= 0 {
		delete(r.activeByRoot, root)
	}
}

func (r *Registry) ActiveSubscriptions() int64 {
	if r == nil {
		return 0
	}
	return r.subscriptions.Load()
}

func (r *Registry) Deliveries() int64 {
	if r == nil {
		return 0
	}
	return r.deliveries.Load()
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "vigil_dispatches_total", "Total subscription dispatch cycles", r.dispatches.Load())
	writeCounter(writer, "vigil_deliveries_total", "Total unilateral payloads delivered", r.deliveries.Load())
	writeCounter(writer, "vigil_drops_total", "Total dispatch cycles skipped by drop policies", r.drops.Load())
	writeCounter(writer, "vigil_defers_total", "Total dispatch cycles deferred", r.defers.Load())
	writeCounter(writer, "vigil_query_errors_total", "Total failed query invocations", r.queryErrors.Load())
	writeCounter(writer, "vigil_feed_published_total", "Total settle events published", r.feedPublished.Load())
	writeCounter(writer, "vigil_feed_dropped_total", "Total settle events dropped by slow subscribers", r.feedDropped.Load())
	writeCounter(writer, "vigil_watcher_events_total", "Total filesystem events observed", r.watcherEvents.Load())

	fmt.Fprintln(writer, "# HELP vigil_subscriptions_active Active subscriptions per root")
	fmt.Fprintln(writer, "# TYPE vigil_subscriptions_active gauge")
	r.mu.Lock()
	roots := make([]string, 0, len(r.activeByRoot))
	for root := range r.activeByRoot {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	for _, root := range roots {
		fmt.Fprintf(writer, "vigil_subscriptions_active{root=%q} %d\n", root, r.activeByRoot[root])
	}
	r.mu.Unlock()

	return nil
}

func writeCounter(writer io.Writer, name, help string, value int64) {
	fmt.Fprintf(writer, "# HELP %s %s\n", name, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", name)
	fmt.Fprintf(writer, "%s %d\n", name, value)
}
