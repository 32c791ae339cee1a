// Package method implements the DDP Method Manager: tracking
// outstanding remote procedure calls, routing `result` frames back to
// their callback, and invalidating every outstanding call on
// connection loss. See spec.md §4.7.
package method

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"ddpgo/internal/frame"
	"ddpgo/internal/idgen"
	"ddpgo/pkg/ejson"
)

// Sender delivers an already-encoded frame to the transport.
type Sender interface {
	Send(data []byte) error
}

// Kind enumerates the terminal outcomes a method call can have.
type Kind int

const (
	// Success: the result frame carried no error.
	Success Kind = iota
	// ServerError: the result frame's `error` field was set.
	ServerError
	// NotConnected: the call was attempted while disconnected.
	NotConnected
	// Disconnected: the call was in flight when the connection dropped.
	Disconnected
)

// Outcome is delivered to a method's callback exactly once.
type Outcome struct {
	Kind    Kind
	Result  json.RawMessage
	Domain  string // server errorType, set for ServerError
	Code    interface{}
	Message string
}

// Callback receives a method's terminal Outcome.
type Callback func(Outcome)

type record struct {
	id string
	cb Callback
}

// Manager tracks outstanding method calls. Not safe for concurrent
// use; driven from the single event loop.
type Manager struct {
	ids         *idgen.Generator
	sender      Sender
	codecs      []ejson.TypeCodec
	limiter     *rate.Limiter
	logger      zerolog.Logger
	connected   bool
	outstanding map[string]*record
}

// New constructs a Manager. limiter may be nil to disable outbound
// method-call throttling (spec.md imposes no per-operation timeout or
// rate limit; the limiter here is ambient backpressure per
// SPEC_FULL.md's domain stack, and never blocks a Call).
func New(sender Sender, limiter *rate.Limiter, logger zerolog.Logger, codecs []ejson.TypeCodec) *Manager {
	return &Manager{
		ids:         &idgen.Generator{},
		sender:      sender,
		codecs:      codecs,
		limiter:     limiter,
		logger:      logger,
		outstanding: make(map[string]*record),
	}
}

// Call invokes a remote method. If not connected, cb is invoked
// synchronously with NotConnected and no call is attempted
// (spec.md §4.7). Returns the allocated method id, or "" if the call
// was rejected for NotConnected.
func (m *Manager) Call(name string, params []interface{}, cb Callback) string {
	if !m.connected {
		if cb != nil {
			cb(Outcome{Kind: NotConnected, Message: "not connected"})
		}
		return ""
	}

	if m.limiter != nil && !m.limiter.Allow() {
		m.logger.Warn().Str("method", name).Msg("method: outbound call rate exceeded configured limit, sending anyway")
	}

	id := m.ids.Next()
	m.outstanding[id] = &record{id: id, cb: cb}

	data, err := frame.EncodeMethod(id, name, params, m.codecs)
	if err != nil {
		delete(m.outstanding, id)
		if cb != nil {
			cb(Outcome{Kind: ServerError, Message: fmt.Sprintf("encoding call: %v", err)})
		}
		return id
	}
	if err := m.sender.Send(data); err != nil {
		delete(m.outstanding, id)
		if cb != nil {
			cb(Outcome{Kind: ServerError, Message: fmt.Sprintf("sending call: %v", err)})
		}
	}
	return id
}

// HandleResult routes a `result` frame to its callback and removes it
// from the outstanding set.
func (m *Manager) HandleResult(r frame.Result) {
	rec, ok := m.outstanding[r.ID]
	if !ok {
		return
	}
	delete(m.outstanding, r.ID)
	if rec.cb == nil {
		return
	}

	if r.Error != nil {
		rec.cb(Outcome{
			Kind:    ServerError,
			Domain:  r.Error.ErrorType,
			Code:    r.Error.Error,
			Message: r.Error.Message,
		})
		return
	}
	rec.cb(Outcome{Kind: Success, Result: r.Result})
}

// HandleUpdated acknowledges an `updated {methods}` advisory frame.
// Per spec.md's preserved Open Question, this has no user-visible
// callback; it is logged for internal bookkeeping only.
func (m *Manager) HandleUpdated(methodIDs []string) {
	m.logger.Debug().Strs("methods", methodIDs).Msg("method: data effects now visible in store")
}

// OnConnected marks the manager connected; outbound calls may proceed.
func (m *Manager) OnConnected() {
	m.connected = true
}

// OnDisconnected fails every outstanding call with Disconnected and
// clears the outstanding set before returning, so a caller can then
// safely notify disconnect (spec.md §4.7, §7
// DisconnectedBeforeCallbackComplete).
func (m *Manager) OnDisconnected() {
	m.connected = false
	pending := m.outstanding
	m.outstanding = make(map[string]*record)
	for _, rec := range pending {
		if rec.cb != nil {
			rec.cb(Outcome{Kind: Disconnected, Message: "disconnected before callback complete"})
		}
	}
}

// OutstandingCount reports how many calls are awaiting a result.
func (m *Manager) OutstandingCount() int {
	return len(m.outstanding)
}
