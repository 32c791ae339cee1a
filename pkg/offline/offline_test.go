package offline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"ddpgo/internal/store"
	"ddpgo/pkg/codec"
)

func newTestStore(registry *codec.Registry) *store.Store {
	return store.New(zerolog.Nop(), registry, nil)
}

func TestPersistWritesCacheFileWithStampedLastUpdated(t *testing.T) {
	dir := t.TempDir()
	st := newTestStore(codec.NewRegistry())
	st.Added("things", "t1", json.RawMessage(`{"name":"widget"}`))

	ov := New(st, codec.NewRegistry(), zerolog.Nop(), dir)
	require.NoError(t, ov.Persist("things"))

	data, err := os.ReadFile(filepath.Join(dir, "things.cache"))
	require.NoError(t, err)

	var docs []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &docs))
	require.Len(t, docs, 1)

	stamp, ok := docs[0]["_lastUpdated_"].(map[string]interface{})
	require.True(t, ok)
	require.Contains(t, stamp, "$date")
}

func TestPersistDoesNotRestampExistingLastUpdated(t *testing.T) {
	dir := t.TempDir()
	st := newTestStore(codec.NewRegistry())
	st.Added("things", "t1", json.RawMessage(`{"name":"widget","_lastUpdated_":{"$date":1000}}`))

	ov := New(st, codec.NewRegistry(), zerolog.Nop(), dir)
	require.NoError(t, ov.Persist("things"))

	data, _ := os.ReadFile(filepath.Join(dir, "things.cache"))
	var docs []map[string]interface{}
	json.Unmarshal(data, &docs)

	stamp := docs[0]["_lastUpdated_"].(map[string]interface{})
	require.Equal(t, float64(1000), stamp["$date"])
}

func TestRestoreInsertsWithWasOfflineMarker(t *testing.T) {
	dir := t.TempDir()
	cache := `[{"_id":"t1","name":"widget"}]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "things.cache"), []byte(cache), 0o644))

	st := newTestStore(codec.NewRegistry())
	ov := New(st, codec.NewRegistry(), zerolog.Nop(), dir)
	require.NoError(t, ov.Restore("things"))

	v, ok := st.Collection("things").Get("t1")
	require.True(t, ok)
	doc := v.AnyValue().(store.Document)
	require.Equal(t, true, doc["_wasOffline_"])
	require.Equal(t, "widget", doc["name"])
}

// typedThing is a collection element with its own _wasOffline_ field,
// the "typed element declares the offline shape" contract spec.md
// §4.10 describes.
type typedThing struct {
	ID         string `json:"_id"`
	Name       string `json:"name"`
	WasOffline bool   `json:"_wasOffline_"`
}

type thingCodec struct{}

func (thingCodec) Decode(data []byte) (interface{}, error) {
	var t typedThing
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return t, nil
}

func (thingCodec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func TestRestoreDecodesThroughRegisteredCodec(t *testing.T) {
	dir := t.TempDir()
	cache := `[{"_id":"t1","name":"widget"}]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "things.cache"), []byte(cache), 0o644))

	registry := codec.NewRegistry()
	registry.Register("things", thingCodec{})
	st := newTestStore(registry)
	ov := New(st, registry, zerolog.Nop(), dir)
	require.NoError(t, ov.Restore("things"))

	v, ok := st.Collection("things").Get("t1")
	require.True(t, ok)
	require.True(t, v.IsTyped)

	typed := v.Typed.(typedThing)
	require.Equal(t, "widget", typed.Name)
	require.True(t, typed.WasOffline)
}

func TestRestoreMissingFileIsNoop(t *testing.T) {
	dir := t.TempDir()
	st := newTestStore(codec.NewRegistry())
	ov := New(st, codec.NewRegistry(), zerolog.Nop(), dir)

	require.NoError(t, ov.Restore("things"))
	require.Equal(t, 0, st.Collection("things").Len())
}

func TestClearOfflineRemovesOnlyOfflineFlaggedAndDeletesFile(t *testing.T) {
	dir := t.TempDir()
	st := newTestStore(codec.NewRegistry())
	st.InsertOptimistic("things", store.Document{"_id": "server1", "name": "real"})
	st.Collection("things").Put("cached1", store.Value{Raw: store.Document{"_id": "cached1", "name": "stale", "_wasOffline_": true}})

	ov := New(st, codec.NewRegistry(), zerolog.Nop(), dir)
	require.NoError(t, ov.Persist("things"))
	_, err := os.Stat(filepath.Join(dir, "things.cache"))
	require.NoError(t, err)

	require.NoError(t, ov.ClearOffline("things"))

	_, stillThere := st.Collection("things").Get("server1")
	require.True(t, stillThere)
	_, cachedGone := st.Collection("things").Get("cached1")
	require.False(t, cachedGone)

	_, err = os.Stat(filepath.Join(dir, "things.cache"))
	require.True(t, os.IsNotExist(err))
}

func TestDebouncedWriterCoalescesMarksWithinOneWindow(t *testing.T) {
	var mu sync.Mutex
	var flushed []string

	w := NewDebouncedWriter(20*time.Millisecond, func(collection string) {
		mu.Lock()
		flushed = append(flushed, collection)
		mu.Unlock()
	})

	w.MarkDirty("things")
	w.MarkDirty("other")
	w.MarkDirty("things") // re-marking within the window must not add a duplicate flush

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushed, 2)
	require.ElementsMatch(t, []string{"things", "other"}, flushed)
}

func TestDebouncedWriterStopCancelsPendingFlush(t *testing.T) {
	called := false
	w := NewDebouncedWriter(10*time.Millisecond, func(string) { called = true })

	w.MarkDirty("things")
	w.Stop()

	time.Sleep(50 * time.Millisecond)
	require.False(t, called)
}
