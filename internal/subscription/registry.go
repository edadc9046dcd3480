package subscription

import "sync"

// Registry holds one client's subscriptions, co-indexing name to
// subscription and subscription to its feed-detach handle. Both entries
// are inserted together at subscribe time and removed together at
// unsubscribe or teardown; removing twice is a no-op.
type Registry struct {
	mu      sync.Mutex
	byName  map[string]*Subscription
	handles map[*Subscription]func()
}

func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]*Subscription),
		handles: make(map[*Subscription]func()),
	}
}

// Add registers sub under its name along with its feed-detach handle. A
// prior subscription of the same name is torn down first; the last writer
// wins and no error is reported.
func (r *Registry) Add(sub *Subscription, detach func()) {
	if r == nil || sub == nil {
		return
	}

	r.mu.Lock()
	previous := r.byName[sub.Name()]
	var previousDetach func()
	if previous != nil {
		previousDetach = r.handles[previous]
		delete(r.handles, previous)
	}
	r.byName[sub.Name()] = sub
	r.handles[sub] = detach
	r.mu.Unlock()

	if previousDetach != nil {
		previousDetach()
	}
	if previous != nil {
		previous.countRemoved()
	}
	sub.countAdded()
}

// Remove tears down the named subscription. It reports whether anything
// was removed; unknown names and double removal are not errors.
func (r *Registry) Remove(name string) bool {
	if r == nil {
		return false
	}

	r.mu.Lock()
	sub, ok := r.byName[name]
	var detach func()
	if ok {
		delete(r.byName, name)
		detach = r.handles[sub]
		delete(r.handles, sub)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if detach != nil {
		detach()
	}
	sub.countRemoved()
	return true
}

// Get looks up a subscription by name.
func (r *Registry) Get(name string) (*Subscription, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byName[name]
	return sub, ok
}

// Len reports the number of registered subscriptions.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName)
}

// Clear tears down every subscription, used when the owning client
// disconnects. Feed detachment still runs for each subscription even
// though the client is already gone.
func (r *Registry) Clear() {
	if r == nil {
		return
	}

	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.byName))
	detaches := make([]func(), 0, len(r.byName))
	for name, sub := range r.byName {
		delete(r.byName, name)
		subs = append(subs, sub)
		if detach := r.handles[sub]; detach != nil {
			detaches = append(detaches, detach)
		}
		delete(r.handles, sub)
	}
	r.mu.Unlock()

	for _, detach := range detaches {
		detach()
	}
	for _, sub := range subs {
		sub.countRemoved()
	}
}

func (s *Subscription) countAdded() {
	if s == nil || s.registry == nil || s.root == nil {
		return
	}
	s.registry.AddSubscriptions(s.root.Path, 1)
}

func (s *Subscription) countRemoved() {
	if s == nil || s.registry == nil || s.root == nil {
		return
	}
	s.registry.AddSubscriptions(s.root.Path, -1)
}
