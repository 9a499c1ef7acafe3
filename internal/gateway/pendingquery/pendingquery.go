// Package pendingquery is component B: the correlation-id -> callback
// registry the Client uses to match a native-client response (or error)
// back to the HTTP query that triggered it. Correlation ids are monotonic
// per Client, modeled on the generational-wakeup idiom the teacher uses for
// connection-state waiting (see entitycache's grounding notes for the
// con_manager.go lineage) repurposed here for request/response matching
// instead of connection state.
package pendingquery

import "sync"

// Callback is invoked exactly once, either with a result or an error; never
// both, never neither.
type Callback func(result any, err error)

// Registry maps correlation ids to pending callbacks.
type Registry struct {
	mu       sync.Mutex
	nextID   int64
	pending  map[int64]Callback
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{pending: make(map[int64]Callback)}
}

// Register allocates a new correlation id and stores cb under it.
func (r *Registry) Register(cb Callback) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.pending[id] = cb
	return id
}

// Resolve invokes and removes the callback for id, if still pending.
// Returns false if id was already resolved or never registered (e.g. a
// duplicate native event, or one arriving after Client close already swept
// the registry).
func (r *Registry) Resolve(id int64, result any, err error) bool {
	r.mu.Lock()
	cb, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	cb(result, err)
	return true
}

// FailAll resolves every still-pending callback with err — used by the
// Close FSM (§4.K) when the Client tears down and every parked query must
// be answered with the Closing Error.
func (r *Registry) FailAll(err error) {
	r.mu.Lock()
	remaining := r.pending
	r.pending = make(map[int64]Callback)
	r.mu.Unlock()
	for _, cb := range remaining {
		cb(nil, err)
	}
}

// Len reports the number of still-outstanding callbacks; used by the admin
// introspection surface.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
