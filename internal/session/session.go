// Package session implements the DDP Session FSM: connect, version
// negotiation, ping/pong, disconnect, and reconnect with linear
// backoff. See spec.md §4.4.
//
// Concurrency note (spec.md §9 "Event loop vs. threads"): rather than
// a bespoke actor/event-loop, this package assumes its caller (the
// root Client) serializes every entry point and every transport event
// behind one coarse lock — the alternative spec.md explicitly
// sanctions ("serialize all mutations either by a single dispatch
// thread or by a coarse lock around the entire client"). Session
// itself holds no lock; it is not safe for concurrent use on its own.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ddpgo/internal/frame"
	"ddpgo/internal/transport"
)

// State is one of the four DDP session states (spec.md §3).
type State int

const (
	Disconnected State = iota
	AwaitingConnected
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case AwaitingConnected:
		return "awaiting-connected"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const maxTries = 6

// Config wires Session to the rest of the client. Every field is
// required unless noted; Session calls them synchronously, under the
// caller's coarse lock.
type Config struct {
	Logger zerolog.Logger

	// NewTransport constructs a fresh Transport for each connect
	// attempt (spec.md §4.4: "drop any existing transport, open new
	// transport").
	NewTransport func() transport.Transport

	// URL returns the DDP endpoint to dial.
	URL func() string

	// Version is the caller's preferred DDP version ("1" or "pre2");
	// support is derived per spec.md §4.4.
	Version string

	// OnConnected is invoked once the `connected` frame arrives.
	OnConnected func()
	// OnDisconnected is invoked on every transport loss, after method
	// invalidation and subscription bookkeeping have already run.
	OnDisconnected func(err error)

	// OnFrame receives every decoded frame Session does not itself
	// interpret (added/changed/removed/ready/nosub/result/updated/error).
	OnFrame func(interface{})

	// SessionToken returns the held resume token, or "" if none.
	SessionToken func() string
	// ResumeLogin issues `login {resume: token}` as a normal method
	// call once Connected, if SessionToken() is non-empty.
	ResumeLogin func(token string)

	// StoreReset clears the collection store, keeping only
	// `_wasOffline_` entries (spec.md §4.5, §4.10).
	StoreReset func()
	// SubscriptionsOnConnected replays every tracked subscription.
	SubscriptionsOnConnected func()
	// SubscriptionsOnDisconnected stops subscription sends; tracked
	// subscriptions stay queued for replay.
	SubscriptionsOnDisconnected func()
	// MethodsOnConnected enables outbound method calls.
	MethodsOnConnected func()
	// MethodsOnDisconnected fails every outstanding call with
	// DisconnectedBeforeCallbackComplete.
	MethodsOnDisconnected func()

	// ScheduleReconnect schedules fn to run after d, on the caller's
	// single loop/lock (the caller is responsible for re-acquiring its
	// coarse lock before invoking fn). If it is nil, no reconnect is
	// scheduled; the root Client always sets it so reconnects route
	// back through its lock.
	ScheduleReconnect func(d time.Duration, fn func())
}

// Session drives the DDP connection lifecycle. Not safe for
// concurrent use — see the package doc comment.
type Session struct {
	cfg Config

	state               State
	tries               int
	disconnectRequested bool
	tr                  transport.Transport
	gen                 int
	ctx                 context.Context

	// lossHandled guards against handling the same physical disconnect
	// twice: a real WSTransport emits Error immediately followed by
	// Closed for one loss, and both must not independently trigger
	// handleLoss. Reset whenever a fresh transport generation begins.
	lossHandled bool
}

// New constructs a Session in the Disconnected state.
func New(cfg Config) *Session {
	return &Session{cfg: cfg, state: Disconnected, tries: 1}
}

// State returns the current FSM state.
func (s *Session) State() State { return s.state }

// Connect drops any existing transport and opens a new one,
// regardless of current state (spec.md §4.4: "connect() from any
// state"). The returned Transport's Events() channel is the caller's
// responsibility to pump into HandleEvent.
func (s *Session) Connect(ctx context.Context) (transport.Transport, error) {
	s.dropTransport()

	s.ctx = ctx
	s.gen++
	s.lossHandled = false
	tr := s.cfg.NewTransport()
	s.tr = tr

	if err := tr.Open(ctx, s.cfg.URL()); err != nil {
		s.tr = nil
		return nil, fmt.Errorf("session: opening transport: %w", err)
	}
	return tr, nil
}

func (s *Session) dropTransport() {
	if s.tr != nil {
		s.tr.Close()
		s.tr = nil
	}
}

// Disconnect requests an intentional close: the subsequent transport
// Closed event will not trigger a reconnect.
func (s *Session) Disconnect() {
	s.disconnectRequested = true
	if s.tr != nil {
		s.tr.Close()
	}
}

// HandleEvent processes one transport Event. gen must be the
// generation returned alongside the Transport from Connect, so stale
// events from a superseded transport (after a fresh Connect) are
// ignored.
func (s *Session) HandleEvent(gen int, ev transport.Event) {
	if gen != s.gen {
		return
	}

	switch ev.Kind {
	case transport.Opened:
		s.handleOpened()
	case transport.TextMessage:
		s.handleFrame(ev.Data)
	case transport.Error:
		if !s.lossHandled {
			s.handleLoss(ev.Err)
		}
	case transport.Closed:
		// Error already triggered loss handling for this generation; a
		// clean close (no preceding Error) still needs it exactly once.
		if !s.lossHandled && s.state != Disconnected {
			s.handleLoss(nil)
		}
	}
}

// Gen returns the generation tag for the transport currently in use,
// for the caller's event-pump goroutine to stamp onto forwarded
// events.
func (s *Session) Gen() int { return s.gen }

// Transport returns the transport currently in use, or nil if none.
// Callers use this after Reconnect to spawn a fresh event pump.
func (s *Session) Transport() transport.Transport { return s.tr }

func (s *Session) handleOpened() {
	s.state = AwaitingConnected

	support := supportedVersions(s.cfg.Version)
	data, err := frame.EncodeConnect(s.cfg.Version, support)
	if err != nil {
		s.cfg.Logger.Error().Err(err).Msg("session: encoding connect frame")
		return
	}
	if err := s.tr.Send(data); err != nil {
		s.cfg.Logger.Error().Err(err).Msg("session: sending connect frame")
		return
	}

	s.tries = 1
	if s.cfg.StoreReset != nil {
		s.cfg.StoreReset()
	}
}

// supportedVersions implements spec.md §4.4's negotiation table.
func supportedVersions(preferred string) []string {
	if preferred == "1" {
		return []string{"1", "pre2"}
	}
	return []string{"pre2", "pre1"}
}

func (s *Session) handleFrame(data []byte) {
	decoded, err := frame.Decode(data)
	if err != nil {
		s.cfg.Logger.Warn().Err(err).Msg("session: decoding frame")
		return
	}
	if decoded == nil {
		return // unknown msg, dropped without error
	}

	switch f := decoded.(type) {
	case frame.Connected:
		s.handleConnected()
	case frame.PingFrame:
		s.handlePing(f.ID)
	case frame.PongFrame:
		// no client-initiated pings are tracked in this spec; ignore.
	default:
		if s.cfg.OnFrame != nil {
			s.cfg.OnFrame(decoded)
		}
	}
}

func (s *Session) handleConnected() {
	s.state = Connected

	if s.cfg.OnConnected != nil {
		s.cfg.OnConnected()
	}
	if s.cfg.MethodsOnConnected != nil {
		s.cfg.MethodsOnConnected()
	}
	if token := s.cfg.SessionToken(); token != "" && s.cfg.ResumeLogin != nil {
		s.cfg.ResumeLogin(token)
	}
	if s.cfg.SubscriptionsOnConnected != nil {
		s.cfg.SubscriptionsOnConnected()
	}
}

func (s *Session) handlePing(id string) {
	data, err := frame.EncodePong(id)
	if err != nil {
		s.cfg.Logger.Error().Err(err).Msg("session: encoding pong")
		return
	}
	if s.tr != nil {
		_ = s.tr.Send(data)
	}
}

// Send delivers raw frame bytes over the current transport, failing
// if no transport is open.
func (s *Session) Send(data []byte) error {
	if s.tr == nil {
		return fmt.Errorf("session: no active transport")
	}
	return s.tr.Send(data)
}

func (s *Session) handleLoss(err error) {
	s.lossHandled = true

	if s.cfg.MethodsOnDisconnected != nil {
		s.cfg.MethodsOnDisconnected()
	}
	if s.cfg.SubscriptionsOnDisconnected != nil {
		s.cfg.SubscriptionsOnDisconnected()
	}
	if s.cfg.OnDisconnected != nil {
		s.cfg.OnDisconnected(err)
	}

	if s.disconnectRequested {
		s.disconnectRequested = false
		s.state = Disconnected
		return
	}

	s.state = Reconnecting
	backoff := time.Duration(5*s.tries) * time.Second
	s.tries = min(s.tries+1, maxTries)

	if s.cfg.ScheduleReconnect != nil {
		s.cfg.ScheduleReconnect(backoff, s.Reconnect)
	}
}

// Reconnect is idempotent: a no-op if the transport is already open
// or opening (spec.md §4.4). It reuses the context passed to the most
// recent Connect call.
func (s *Session) Reconnect() {
	if s.state == Connected || s.state == AwaitingConnected {
		return
	}
	if _, err := s.Connect(s.ctx); err != nil {
		s.cfg.Logger.Warn().Err(err).Msg("session: reconnect attempt failed to open transport")
		s.handleLoss(err)
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
