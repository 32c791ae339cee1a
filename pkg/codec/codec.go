// Package codec implements the DDP Codec Registry: a per-collection
// mapping from collection name to a typed bidirectional codec that
// round-trips documents through JSON. See spec.md §3, §4.2.
package codec

import "sync"

// Codec is the contract a typed collection element implements. Decode
// turns the raw JSON bytes of a document (including its "_id" field)
// into a typed object; Encode does the reverse for outgoing calls.
//
// A returned error from Decode is treated as spec.md §7's DecodeFailed:
// logged, and the caller falls back to storing the raw document.
type Codec interface {
	Decode(data []byte) (interface{}, error)
	Encode(v interface{}) ([]byte, error)
}

// Registry maps collection name to at most one registered Codec.
// Safe for concurrent use; callers still serialize mutating access
// through the single event loop per spec.md §5, but Get is also used
// from background offline-persist goroutines.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Codec)}
}

// Register associates a Codec with a collection name. Registering
// again for the same name replaces the prior codec; per spec.md §3,
// documents already stored before registration are not retroactively
// converted — the Registry itself has no opinion on that, the
// Collection Store enforces it.
func (r *Registry) Register(collection string, c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[collection] = c
}

// Get returns the codec registered for collection, if any.
func (r *Registry) Get(collection string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[collection]
	return c, ok
}
