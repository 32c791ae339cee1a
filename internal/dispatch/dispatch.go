// Package dispatch implements the DDP Change Dispatcher: per-collection
// watcher registration and synchronous fan-out with predicate
// filtering. See spec.md §4.8.
package dispatch

import (
	"github.com/rs/zerolog"

	"ddpgo/internal/idgen"
	"ddpgo/internal/store"
)

// Callback observes one store Change. reason/id/value mirror
// store.Change's fields so a watcher need not import the store
// package itself.
type Callback func(reason store.Reason, id string, value interface{})

// Predicate decides whether a non-removal value should be delivered
// to a predicate-watcher.
type Predicate func(value interface{}) bool

type entry struct {
	id         string
	collection string
	targetID   string    // set for id-watchers
	predicate  Predicate // nil or set for predicate-watchers
	cb         Callback
	isID       bool
}

type tables struct {
	idWatchers   []*entry
	predWatchers []*entry
}

// Dispatcher fans out store changes to registered watchers, one table
// of id-watchers and one table of predicate-watchers per collection.
// Not safe for concurrent use; driven from the single event loop.
type Dispatcher struct {
	ids     *idgen.Generator
	logger  zerolog.Logger
	byColl  map[string]*tables
	byEntry map[string]*entry
}

// New constructs an empty Dispatcher.
func New(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		ids:     &idgen.Generator{},
		logger:  logger,
		byColl:  make(map[string]*tables),
		byEntry: make(map[string]*entry),
	}
}

func (d *Dispatcher) tablesFor(collection string) *tables {
	t, ok := d.byColl[collection]
	if !ok {
		t = &tables{}
		d.byColl[collection] = t
	}
	return t
}

// WatchID registers a watcher invoked only for changes to targetID
// within collection. Returns a watcher id for later Remove.
func (d *Dispatcher) WatchID(collection, targetID string, cb Callback) string {
	e := &entry{id: d.ids.Next(), collection: collection, targetID: targetID, cb: cb, isID: true}
	t := d.tablesFor(collection)
	t.idWatchers = append(t.idWatchers, e)
	d.byEntry[e.id] = e
	return e.id
}

// WatchPredicate registers a watcher invoked for every change in
// collection whose resulting value satisfies predicate (predicate may
// be nil to match everything). Removal events are always delivered
// regardless of predicate, per spec.md §4.8.
func (d *Dispatcher) WatchPredicate(collection string, predicate Predicate, cb Callback) string {
	e := &entry{id: d.ids.Next(), collection: collection, predicate: predicate, cb: cb}
	t := d.tablesFor(collection)
	t.predWatchers = append(t.predWatchers, e)
	d.byEntry[e.id] = e
	return e.id
}

// Remove unregisters a watcher by id. A no-op if unknown.
func (d *Dispatcher) Remove(watcherID string) {
	e, ok := d.byEntry[watcherID]
	if !ok {
		return
	}
	delete(d.byEntry, watcherID)

	t := d.byColl[e.collection]
	if t == nil {
		return
	}
	if e.isID {
		t.idWatchers = removeEntry(t.idWatchers, e)
	} else {
		t.predWatchers = removeEntry(t.predWatchers, e)
	}
}

func removeEntry(list []*entry, target *entry) []*entry {
	out := list[:0:0]
	for _, e := range list {
		if e != target {
			out = append(out, e)
		}
	}
	return out
}

// Dispatch fans a store.Change out to matching watchers: id-watchers
// first, then predicate-watchers, each in registration order
// (spec.md §4.8). A watcher registering or removing watchers on the
// same collection from within its own callback observes the mutated
// table on subsequent events only, never mid-iteration, because
// Dispatch iterates over a snapshot slice taken at call time.
func (d *Dispatcher) Dispatch(change store.Change) {
	t, ok := d.byColl[change.Collection]
	if !ok {
		return
	}

	idWatchers := append([]*entry(nil), t.idWatchers...)
	for _, e := range idWatchers {
		if e.targetID != change.ID {
			continue
		}
		d.invoke(e, change)
	}

	predWatchers := append([]*entry(nil), t.predWatchers...)
	for _, e := range predWatchers {
		if change.Reason == store.ReasonRemoved {
			d.invoke(e, change)
			continue
		}
		if e.predicate != nil && !e.predicate(change.Value) {
			continue
		}
		d.invoke(e, change)
	}
}

func (d *Dispatcher) invoke(e *entry, change store.Change) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Str("collection", change.Collection).Msg("dispatch: watcher callback panicked, isolated")
		}
	}()
	e.cb(change.Reason, change.ID, change.Value)
}
