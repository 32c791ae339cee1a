package ddpgo

import (
	"crypto/rand"
	"encoding/hex"
)

// Modifier is the Mongo-shaped `{$set, $unset}` update document sent
// to the server's `/<collection>/update` method (spec.md §4.5). No
// local mutation is performed when it is sent: the server's response
// arrives as an ordinary `changed` frame.
type Modifier struct {
	Set   map[string]interface{} `json:"$set,omitempty"`
	Unset map[string]interface{} `json:"$unset,omitempty"`
}

// NewModifier builds a Modifier from a flat map of field -> new value,
// where a nil value marks the field for removal (the null sentinel
// spec.md §4.5 describes) rather than being set to null.
func NewModifier(changes map[string]interface{}) *Modifier {
	m := &Modifier{}
	for k, v := range changes {
		if v == nil {
			if m.Unset == nil {
				m.Unset = map[string]interface{}{}
			}
			m.Unset[k] = ""
			continue
		}
		if m.Set == nil {
			m.Set = map[string]interface{}{}
		}
		m.Set[k] = v
	}
	return m
}

// newOptimisticID generates a random document id for a local insert
// that omits its own "_id" (spec.md §4.5: "insert generates a random
// _id if absent").
func newOptimisticID() string {
	b := make([]byte, 9)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
