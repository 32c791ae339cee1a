// Package store implements the DDP Collection Store: per-collection
// ordered maps, with added/addedBefore/movedBefore/changed/removed
// frame application and change dispatch. See spec.md §4.5.
package store

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"ddpgo/pkg/codec"
	"ddpgo/pkg/ordered"
)

// Document is an unordered mapping from field name to EJSON value,
// carrying a mandatory "_id" of string type (spec.md §3).
type Document map[string]interface{}

// Value is the tagged union spec.md §9 recommends in place of
// reflection-driven dispatch: a collection entry is either a raw
// Document or a Typed object produced by a registered codec.
type Value struct {
	Typed   interface{}
	Raw     Document
	IsTyped bool
}

// AnyValue returns the value callers should see: the typed object if
// present, else the raw document.
func (v Value) AnyValue() interface{} {
	if v.IsTyped {
		return v.Typed
	}
	return v.Raw
}

// Reason identifies which frame produced a Change.
type Reason string

const (
	ReasonAdded       Reason = "added"
	ReasonAddedBefore Reason = "addedBefore"
	ReasonChanged     Reason = "changed"
	ReasonMovedBefore Reason = "movedBefore"
	ReasonRemoved     Reason = "removed"
)

// Change is dispatched to watchers after every store mutation.
// Per spec.md §4.5's invariant, every dispatch carries
// (reason, id, post-op-value) except Removed, which carries
// (removed, id, prior-value).
type Change struct {
	Collection string
	Reason     Reason
	ID         string
	Value      interface{} // nil for Removed when no prior document existed
}

// Store holds every collection's ordered map of id -> Value.
// Not safe for concurrent use; the single event loop (spec.md §5) is
// the only caller.
type Store struct {
	logger      zerolog.Logger
	registry    *codec.Registry
	collections map[string]*ordered.Map[string, Value]
	onChange    func(Change)
}

// New constructs an empty Store. onChange is invoked synchronously
// after every mutation, in the order mutation -> dispatch (spec.md §5
// ordering guarantee 2).
func New(logger zerolog.Logger, registry *codec.Registry, onChange func(Change)) *Store {
	return &Store{
		logger:      logger,
		registry:    registry,
		collections: make(map[string]*ordered.Map[string, Value]),
		onChange:    onChange,
	}
}

func (s *Store) collection(name string) *ordered.Map[string, Value] {
	c, ok := s.collections[name]
	if !ok {
		c = ordered.New[string, Value]()
		s.collections[name] = c
	}
	return c
}

// Collection returns the ordered map for name, creating it empty if
// absent. Callers use this for read access (iteration, lookup); it is
// also how the offline overlay reaches into a collection.
func (s *Store) Collection(name string) *ordered.Map[string, Value] {
	return s.collection(name)
}

// Collections returns the set of collection names currently tracked.
func (s *Store) Collections() []string {
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	return names
}

func (s *Store) buildValue(collection, id string, fields json.RawMessage) Value {
	doc := decodeFields(id, fields)

	c, ok := s.registry.Get(collection)
	if !ok {
		return Value{Raw: doc}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		s.logger.Warn().Err(err).Str("collection", collection).Str("id", id).Msg("store: remarshaling document for codec decode")
		return Value{Raw: doc}
	}

	typed, err := c.Decode(raw)
	if err != nil {
		s.logger.Warn().Err(err).Str("collection", collection).Str("id", id).Msg("store: codec decode failed, falling back to raw document")
		return Value{Raw: doc}
	}
	return Value{Typed: typed, IsTyped: true}
}

func decodeFields(id string, fields json.RawMessage) Document {
	doc := Document{}
	if len(fields) > 0 {
		_ = json.Unmarshal(fields, &doc)
	}
	doc["_id"] = id
	return doc
}

// Added applies an `added` frame: append to the end of the
// collection's order and dispatch.
func (s *Store) Added(collection, id string, fields json.RawMessage) {
	v := s.buildValue(collection, id, fields)
	s.collection(collection).Put(id, v)
	s.dispatch(collection, ReasonAdded, id, v.AnyValue())
}

// AddedBefore applies an `addedBefore` frame: insert before the
// position of beforeID, appending if beforeID is unknown.
func (s *Store) AddedBefore(collection, id string, fields json.RawMessage, beforeID string) {
	v := s.buildValue(collection, id, fields)
	c := s.collection(collection)

	idx := c.IndexOf(beforeID)
	if idx == -1 {
		c.Put(id, v)
	} else {
		c.PutAt(id, v, idx)
	}
	s.dispatch(collection, ReasonAddedBefore, id, v.AnyValue())
}

// Changed applies a `changed` frame: fetch the current value, convert
// it back to a plain document, apply the field set/clear, re-decode
// through the codec if registered, and replace in place. An unknown
// document is treated as an `added` frame (spec.md §4.5, §8 boundary
// behaviors).
func (s *Store) Changed(collection, id string, fields json.RawMessage, cleared []string) {
	c := s.collection(collection)
	current, ok := c.Get(id)
	if !ok {
		s.logger.Info().Str("collection", collection).Str("id", id).Msg("store: changed for unknown document, treating as added")
		s.Added(collection, id, fields)
		return
	}

	doc, err := s.toPlainDocument(collection, current)
	if err != nil {
		s.logger.Warn().Err(err).Str("collection", collection).Str("id", id).Msg("store: re-encoding document for changed application")
		doc = Document{"_id": id}
	}

	var updates Document
	if len(fields) > 0 {
		updates = Document{}
		_ = json.Unmarshal(fields, &updates)
		for k, v := range updates {
			doc[k] = v
		}
	}
	for _, k := range cleared {
		delete(doc, k)
	}
	doc["_id"] = id

	v := s.redecodeDocument(collection, doc)
	c.Put(id, v)
	s.dispatch(collection, ReasonChanged, id, v.AnyValue())
}

// toPlainDocument converts a stored Value back to a plain Document via
// the registered codec's Encode, or returns the Raw document directly.
func (s *Store) toPlainDocument(collection string, v Value) (Document, error) {
	if !v.IsTyped {
		out := Document{}
		for k, val := range v.Raw {
			out[k] = val
		}
		return out, nil
	}

	c, ok := s.registry.Get(collection)
	if !ok {
		return Document{}, fmt.Errorf("store: no codec registered for typed collection %q", collection)
	}
	data, err := c.Encode(v.Typed)
	if err != nil {
		return nil, fmt.Errorf("store: encoding typed value: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("store: parsing encoded value: %w", err)
	}
	return doc, nil
}

func (s *Store) redecodeDocument(collection string, doc Document) Value {
	c, ok := s.registry.Get(collection)
	if !ok {
		return Value{Raw: doc}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return Value{Raw: doc}
	}
	typed, err := c.Decode(data)
	if err != nil {
		s.logger.Warn().Err(err).Str("collection", collection).Msg("store: codec decode failed on changed document, storing raw")
		return Value{Raw: doc}
	}
	return Value{Typed: typed, IsTyped: true}
}

// MovedBefore applies a `movedBefore` frame: id is removed and
// reinserted at the index beforeID held before the move, so it lands
// just before beforeID when it started after it, and just after
// beforeID when it started before it. If beforeID is absent or
// unknown, id moves to the end.
func (s *Store) MovedBefore(collection, id, beforeID string) {
	c := s.collection(collection)
	if !c.Has(id) {
		return
	}

	target := c.Len()
	if beforeID != "" {
		if idx := c.IndexOf(beforeID); idx != -1 {
			target = idx
		}
	}
	c.MoveTo(id, target)

	v, _ := c.Get(id)
	s.dispatch(collection, ReasonMovedBefore, id, v.AnyValue())
}

// Removed applies a `removed` frame: remove by id and dispatch the
// prior value (nil if the document was already absent).
func (s *Store) Removed(collection, id string) {
	c := s.collection(collection)
	prior, existed := c.Remove(id)

	var priorValue interface{}
	if existed {
		priorValue = prior.AnyValue()
	}
	s.dispatch(collection, ReasonRemoved, id, priorValue)
}

func (s *Store) dispatch(collection string, reason Reason, id string, value interface{}) {
	if s.onChange == nil {
		return
	}
	s.onChange(Change{Collection: collection, Reason: reason, ID: id, Value: value})
}

// InsertOptimistic writes an optimistic local insert (spec.md §4.5):
// no codec round-trip, the caller's raw value is stored as-is and may
// transiently coexist with an authoritative `added` representation
// for the same _id.
func (s *Store) InsertOptimistic(collection string, doc Document) {
	id, _ := doc["_id"].(string)
	s.collection(collection).Put(id, Value{Raw: doc})
}

// RemoveOptimistic writes an optimistic local remove.
func (s *Store) RemoveOptimistic(collection, id string) {
	s.collection(collection).Remove(id)
}

// Reset clears every collection except entries carrying
// `_wasOffline_ == true` (read from the raw document, or from a typed
// value's codec encoding), used by the Session FSM on reconnect
// (spec.md §4.4, §4.10).
func (s *Store) Reset() {
	for name, c := range s.collections {
		kept := ordered.New[string, Value]()
		c.Each(func(id string, v Value) bool {
			if s.isOffline(name, v) {
				kept.Put(id, v)
			}
			return true
		})
		s.collections[name] = kept
	}
}

func (s *Store) isOffline(collection string, v Value) bool {
	doc := v.Raw
	if v.IsTyped {
		var err error
		if doc, err = s.toPlainDocument(collection, v); err != nil {
			return false
		}
	}
	offline, _ := doc["_wasOffline_"].(bool)
	return offline
}
