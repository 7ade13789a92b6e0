package gateway

import "sync"

// SubscriptionRegistry maps worker names to their live sinks. A sink is
// registered for the lifetime of one stream connection.
type SubscriptionRegistry struct {
	mu   sync.RWMutex
	sets map[string]map[Sink]struct{}
}

func newSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{sets: make(map[string]map[Sink]struct{})}
}

// Add registers sink under name.
func (r *SubscriptionRegistry) Add(name string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sets[name]
	if !ok {
		set = make(map[Sink]struct{})
		r.sets[name] = set
	}
	set[sink] = struct{}{}
}

// Remove unregisters sink. Removing an unknown sink is a no-op.
func (r *SubscriptionRegistry) Remove(name string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sets[name]
	if !ok {
		return
	}
	delete(set, sink)
	if len(set) == 0 {
		delete(r.sets, name)
	}
}

// Count returns the number of sinks registered under name.
func (r *SubscriptionRegistry) Count(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sets[name])
}

// Broadcast sends the event to every sink of name and returns how many sinks
// accepted it. Sinks that are closed or full drop the event.
func (r *SubscriptionRegistry) Broadcast(name, event string, data []byte) (sent, dropped int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for sink := range r.sets[name] {
		if sink.Send(event, data) {
			sent++
		} else {
			dropped++
		}
	}
	return sent, dropped
}

// Counts returns a copy of the per-name subscriber counts.
func (r *SubscriptionRegistry) Counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.sets))
	for name, set := range r.sets {
		out[name] = len(set)
	}
	return out
}
