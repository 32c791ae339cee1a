// Package subscription implements the DDP Subscription Manager:
// allocating subscription ids, tracking readiness (including grouped
// readiness), and replaying active subscriptions after reconnect.
// See spec.md §4.6.
package subscription

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"ddpgo/internal/frame"
	"ddpgo/internal/idgen"
	"ddpgo/pkg/ejson"
)

// Sender delivers an already-encoded frame to the transport. The
// Session FSM supplies this; it is nil-safe to call when disconnected
// only because Manager itself gates sends on its connected flag.
type Sender interface {
	Send(data []byte) error
}

// Spec describes one member of a grouped subscription.
type Spec struct {
	Name   string
	Params []interface{}
}

type record struct {
	id      string
	name    string
	params  []interface{}
	ready   bool
	onReady func()
	groupID string // non-empty if this sub belongs to a group
}

type group struct {
	id       string
	memberID []string
	readyOf  map[string]bool
	onReady  func()
	fired    bool
}

// groupIDPrefix distinguishes group ids from plain subscription ids so
// Unsubscribe can dispatch correctly; DDP sub ids never collide with
// it because idgen only ever produces bare decimal strings.
const groupIDPrefix = "group:"

// Manager tracks outstanding subscriptions and subscription groups.
// Not safe for concurrent use; driven from the single event loop.
type Manager struct {
	ids      *idgen.Generator
	sender   Sender
	codecs   []ejson.TypeCodec
	logger   zerolog.Logger
	byID     map[string]*record
	groups   map[string]*group
	connected bool
}

// New constructs a Manager. codecs is applied to outgoing sub params
// (spec.md §4.3).
func New(sender Sender, logger zerolog.Logger, codecs []ejson.TypeCodec) *Manager {
	return &Manager{
		ids:    &idgen.Generator{},
		sender: sender,
		codecs: codecs,
		logger: logger,
		byID:   make(map[string]*record),
		groups: make(map[string]*group),
	}
}

// Subscribe registers a new subscription and, if connected, sends the
// `sub` frame immediately.
func (m *Manager) Subscribe(name string, params []interface{}, onReady func()) string {
	id := m.ids.Next()
	r := &record{id: id, name: name, params: params, onReady: onReady}
	m.byID[id] = r
	if m.connected {
		m.send(r)
	}
	return id
}

// SubscribeMany registers every member of specs under one group; the
// group's onReady fires exactly once, after every member has reported
// ready (spec.md §4.6, §8 invariant 3).
func (m *Manager) SubscribeMany(specs []Spec, onReady func()) string {
	groupID := groupIDPrefix + m.ids.Next()
	g := &group{id: groupID, readyOf: make(map[string]bool), onReady: onReady}
	m.groups[groupID] = g

	for _, spec := range specs {
		id := m.ids.Next()
		r := &record{id: id, name: spec.Name, params: spec.Params, groupID: groupID}
		m.byID[id] = r
		g.memberID = append(g.memberID, id)
		g.readyOf[id] = false
		if m.connected {
			m.send(r)
		}
	}
	return groupID
}

// Unsubscribe drops a subscription or every member of a group. A
// no-op while disconnected beyond local bookkeeping (spec.md §8
// boundary behavior).
func (m *Manager) Unsubscribe(idOrGroupID string) {
	if g, ok := m.groups[idOrGroupID]; ok {
		for _, memberID := range g.memberID {
			m.unsubscribeOne(memberID)
		}
		delete(m.groups, idOrGroupID)
		return
	}
	m.unsubscribeOne(idOrGroupID)
}

func (m *Manager) unsubscribeOne(id string) {
	if _, ok := m.byID[id]; !ok {
		return
	}
	delete(m.byID, id)
	if m.connected {
		if data, err := frame.EncodeUnsub(id); err == nil {
			_ = m.sender.Send(data)
		}
	}
}

// HandleReady marks each listed subscription id ready and invokes its
// callback; group membership is checked for completion after each.
func (m *Manager) HandleReady(subIDs []string) {
	for _, id := range subIDs {
		r, ok := m.byID[id]
		if !ok {
			continue
		}
		r.ready = true
		if r.onReady != nil {
			r.onReady()
		}
		if r.groupID != "" {
			m.checkGroupReady(r.groupID, id)
		}
	}
}

func (m *Manager) checkGroupReady(groupID, memberID string) {
	g, ok := m.groups[groupID]
	if !ok || g.fired {
		return
	}
	g.readyOf[memberID] = true
	for _, ready := range g.readyOf {
		if !ready {
			return
		}
	}
	g.fired = true
	if g.onReady != nil {
		g.onReady()
	}
}

// OnConnected marks the manager connected and replays every tracked
// subscription (spec.md §4.4 "replay all existing subscriptions").
// Readiness state is reset to false: a new sub/resub cycle must
// re-establish ready per spec.md §8 invariant 5 (names+params survive,
// ids may be reused — which they are, since records keep their id).
func (m *Manager) OnConnected() {
	m.connected = true
	for _, r := range m.byID {
		r.ready = false
		m.send(r)
	}
}

// OnDisconnected marks the manager disconnected; tracked subscriptions
// remain registered for replay on the next reconnect.
func (m *Manager) OnDisconnected() {
	m.connected = false
}

// Names returns the active subscription names+params pairs, used to
// assert spec.md §8 invariant 5 across reconnects in tests.
func (m *Manager) Names() []string {
	out := make([]string, 0, len(m.byID))
	for _, r := range m.byID {
		out = append(out, fmt.Sprintf("%s(%v)", r.name, r.params))
	}
	return out
}

// Ready reports whether subID has received its `ready` frame.
func (m *Manager) Ready(subID string) bool {
	r, ok := m.byID[subID]
	return ok && r.ready
}

// NameOf returns the publication name backing subID, for callers that
// want to surface it to a host-level observer by name rather than id.
func (m *Manager) NameOf(subID string) (string, bool) {
	r, ok := m.byID[subID]
	if !ok {
		return "", false
	}
	return r.name, true
}

// HandleNosub drops tracking for id: the server has rejected or ended
// the subscription and it must not be replayed on the next reconnect.
func (m *Manager) HandleNosub(id string, serverErr *frame.ServerError) {
	r, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	if serverErr != nil {
		m.logger.Warn().Str("sub", r.name).Str("errorType", serverErr.ErrorType).Str("message", serverErr.Message).Msg("subscription: nosub carried an error")
	}
}

func (m *Manager) send(r *record) {
	data, err := frame.EncodeSub(r.id, r.name, r.params, m.codecs)
	if err != nil {
		m.logger.Warn().Err(err).Str("sub", r.name).Msg("subscription: encoding sub frame failed")
		return
	}
	if err := m.sender.Send(data); err != nil {
		m.logger.Warn().Err(err).Str("sub", r.name).Msg("subscription: sending sub frame failed")
	}
}

// IsGroupID reports whether id names a subscription group rather than
// a single subscription.
func IsGroupID(id string) bool {
	return strings.HasPrefix(id, groupIDPrefix)
}
