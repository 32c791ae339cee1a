// Package offline implements the DDP Offline Overlay: persisting a
// collection's documents to a per-collection cache file, restoring
// them on startup with an "_wasOffline_" marker, and a debounced
// background writer so concurrent persists coalesce. See spec.md
// §4.10.
package offline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ddpgo/internal/store"
	"ddpgo/pkg/codec"
	"ddpgo/pkg/ejson"
)

// DebounceInterval is a 5-second coalescing window for the background
// writer (spec.md §5). NewDebouncedWriter takes its interval as a
// parameter and does not read this constant.
const DebounceInterval = 5 * time.Second

// Overlay persists and restores collections marked offline-capable
// against files under CacheDir.
type Overlay struct {
	store    *store.Store
	registry *codec.Registry
	logger   zerolog.Logger
	cacheDir string
	now      func() time.Time
}

// New constructs an Overlay writing under cacheDir. registry is
// consulted on Restore: a collection with a registered codec is
// decoded into its typed element, the same as a live `added` frame
// (spec.md §4.10 "decode as an array of typed elements").
func New(st *store.Store, registry *codec.Registry, logger zerolog.Logger, cacheDir string) *Overlay {
	return &Overlay{store: st, registry: registry, logger: logger, cacheDir: cacheDir, now: time.Now}
}

func (o *Overlay) path(collection string) string {
	return filepath.Join(o.cacheDir, collection+".cache")
}

// Persist iterates collection's stored values, stamps _lastUpdated_ on
// any raw document lacking one, and serializes the resulting sequence
// as a JSON array to <cache-dir>/<collection>.cache.
func (o *Overlay) Persist(collection string) error {
	c := o.store.Collection(collection)

	docs := make([]interface{}, 0, c.Len())
	c.Each(func(id string, v store.Value) bool {
		val := v.AnyValue()
		if doc, ok := val.(store.Document); ok {
			if _, has := doc["_lastUpdated_"]; !has {
				doc["_lastUpdated_"] = ejson.Date(o.now())
			}
		}
		docs = append(docs, val)
		return true
	})

	data, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("offline: marshaling %s cache: %w", collection, err)
	}
	if err := os.MkdirAll(o.cacheDir, 0o755); err != nil {
		return fmt.Errorf("offline: creating cache dir: %w", err)
	}
	if err := os.WriteFile(o.path(collection), data, 0o644); err != nil {
		return fmt.Errorf("offline: writing %s cache: %w", collection, err)
	}
	return nil
}

// Restore reads <cache-dir>/<collection>.cache if present, decodes it
// as an array of typed elements (spec.md §4.10), and inserts each into
// the collection's ordered map without triggering any RPC, flagged
// _wasOffline_. A collection with a registered codec is decoded into
// its typed element the same way Store.Added does for a live frame,
// falling back to the raw document on a decode failure. A missing
// cache file is not an error.
func (o *Overlay) Restore(collection string) error {
	data, err := os.ReadFile(o.path(collection))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("offline: reading %s cache: %w", collection, err)
	}

	var docs []store.Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return fmt.Errorf("offline: decoding %s cache: %w", collection, err)
	}

	c := o.store.Collection(collection)
	for _, doc := range docs {
		id, _ := doc["_id"].(string)
		if id == "" {
			continue
		}
		doc["_wasOffline_"] = true
		c.Put(id, o.buildValue(collection, id, doc))
	}
	return nil
}

// buildValue mirrors Store.buildValue: run doc through collection's
// registered codec if one exists, falling back to the raw document on
// any marshal/decode failure.
func (o *Overlay) buildValue(collection, id string, doc store.Document) store.Value {
	cd, ok := o.registry.Get(collection)
	if !ok {
		return store.Value{Raw: doc}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		o.logger.Warn().Err(err).Str("collection", collection).Str("id", id).Msg("offline: remarshaling document for codec decode")
		return store.Value{Raw: doc}
	}

	typed, err := cd.Decode(raw)
	if err != nil {
		o.logger.Warn().Err(err).Str("collection", collection).Str("id", id).Msg("offline: codec decode failed, falling back to raw document")
		return store.Value{Raw: doc}
	}
	return store.Value{Typed: typed, IsTyped: true}
}

// ClearOffline removes every element still bearing _wasOffline_==true
// from collection, then deletes its cache file.
func (o *Overlay) ClearOffline(collection string) error {
	c := o.store.Collection(collection)

	var stale []string
	c.Each(func(id string, v store.Value) bool {
		if o.isOffline(collection, v) {
			stale = append(stale, id)
		}
		return true
	})
	for _, id := range stale {
		c.Remove(id)
	}

	err := os.Remove(o.path(collection))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("offline: removing %s cache: %w", collection, err)
	}
	return nil
}

func (o *Overlay) isOffline(collection string, v store.Value) bool {
	doc := v.Raw
	if v.IsTyped {
		cd, ok := o.registry.Get(collection)
		if !ok {
			return false
		}
		data, err := cd.Encode(v.Typed)
		if err != nil || json.Unmarshal(data, &doc) != nil {
			return false
		}
	}
	wasOffline, _ := doc["_wasOffline_"].(bool)
	return wasOffline
}

// DebouncedWriter coalesces repeated dirty-marks for the same
// collection into one Persist call per interval, so
// concurrent writes from the single event loop cannot interleave
// (spec.md §5 "Shared resources").
type DebouncedWriter struct {
	mu       sync.Mutex
	pending  map[string]bool
	timer    *time.Timer
	interval time.Duration
	flush    func(collection string)
}

// NewDebouncedWriter constructs a writer that calls flush for each
// distinct collection marked dirty since the last fire, at most once
// per interval.
func NewDebouncedWriter(interval time.Duration, flush func(collection string)) *DebouncedWriter {
	return &DebouncedWriter{pending: make(map[string]bool), interval: interval, flush: flush}
}

// MarkDirty schedules collection for a flush, coalescing with any
// other collections already marked dirty within the current window.
func (w *DebouncedWriter) MarkDirty(collection string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[collection] = true
	if w.timer == nil {
		w.timer = time.AfterFunc(w.interval, w.fire)
	}
}

func (w *DebouncedWriter) fire() {
	w.mu.Lock()
	cols := make([]string, 0, len(w.pending))
	for c := range w.pending {
		cols = append(cols, c)
	}
	w.pending = make(map[string]bool)
	w.timer = nil
	w.mu.Unlock()

	for _, c := range cols {
		w.flush(c)
	}
}

// Stop cancels any pending flush without running it.
func (w *DebouncedWriter) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
