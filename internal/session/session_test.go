package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"ddpgo/internal/transport"
)

type fakeTransport struct {
	opened  bool
	closed  bool
	sent    [][]byte
	events  chan transport.Event
	openErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event, 16)}
}

func (f *fakeTransport) Open(ctx context.Context, url string) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}

func (f *fakeTransport) Send(data []byte) error {
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

type harness struct {
	s            *Session
	transports   []*fakeTransport
	connected    int
	disconnected int
	frames       []interface{}
	scheduled    []time.Duration
}

func newHarness() *harness {
	h := &harness{}
	h.s = New(Config{
		Logger:       zerolog.Nop(),
		NewTransport: func() transport.Transport { t := newFakeTransport(); h.transports = append(h.transports, t); return t },
		URL:          func() string { return "ws://example.test/websocket" },
		Version:      "1",
		OnConnected:  func() { h.connected++ },
		OnDisconnected: func(err error) { h.disconnected++ },
		OnFrame:      func(f interface{}) { h.frames = append(h.frames, f) },
		SessionToken: func() string { return "" },
		ScheduleReconnect: func(d time.Duration, fn func()) {
			h.scheduled = append(h.scheduled, d)
			// tests invoke fn manually when desired.
		},
	})
	return h
}

func (h *harness) currentTransport() *fakeTransport {
	return h.transports[len(h.transports)-1]
}

func TestConnectOpensTransportAndSendsConnectFrame(t *testing.T) {
	h := newHarness()
	_, err := h.s.Connect(context.Background())
	require.NoError(t, err)

	tr := h.currentTransport()
	require.True(t, tr.opened)

	h.s.HandleEvent(h.s.Gen(), transport.Event{Kind: transport.Opened})
	require.Equal(t, AwaitingConnected, h.s.State())
	require.Len(t, tr.sent, 1)
	require.Contains(t, string(tr.sent[0]), `"msg":"connect"`)
}

func TestConnectedFrameTransitionsAndNotifies(t *testing.T) {
	h := newHarness()
	h.s.Connect(context.Background())
	gen := h.s.Gen()
	h.s.HandleEvent(gen, transport.Event{Kind: transport.Opened})
	h.s.HandleEvent(gen, transport.Event{Kind: transport.TextMessage, Data: []byte(`{"msg":"connected","session":"abc"}`)})

	require.Equal(t, Connected, h.s.State())
	require.Equal(t, 1, h.connected)
}

func TestPingIsAnsweredWithMatchingPong(t *testing.T) {
	h := newHarness()
	h.s.Connect(context.Background())
	gen := h.s.Gen()
	h.s.HandleEvent(gen, transport.Event{Kind: transport.Opened})
	tr := h.currentTransport()
	tr.sent = nil

	h.s.HandleEvent(gen, transport.Event{Kind: transport.TextMessage, Data: []byte(`{"msg":"ping","id":"p1"}`)})

	require.Len(t, tr.sent, 1)
	require.Contains(t, string(tr.sent[0]), `"id":"p1"`)
	require.Contains(t, string(tr.sent[0]), `"msg":"pong"`)
}

func TestOtherFramesForwardedToOnFrame(t *testing.T) {
	h := newHarness()
	h.s.Connect(context.Background())
	gen := h.s.Gen()
	h.s.HandleEvent(gen, transport.Event{Kind: transport.Opened})

	h.s.HandleEvent(gen, transport.Event{Kind: transport.TextMessage, Data: []byte(`{"msg":"ready","subs":["1"]}`)})
	require.Len(t, h.frames, 1)
}

// Reset-tries-to-1 fires on transport-open (spec.md §4.4); so backoff
// only grows across attempts where the dial itself succeeds but no
// further Opened event resets the counter before the next loss.
func TestTransportErrorSchedulesReconnectWithLinearBackoff(t *testing.T) {
	h := newHarness()
	h.s.Connect(context.Background())
	gen := h.s.Gen()
	h.s.HandleEvent(gen, transport.Event{Kind: transport.Opened})

	h.s.HandleEvent(gen, transport.Event{Kind: transport.Error, Err: errors.New("boom")})
	require.Equal(t, Reconnecting, h.s.State())
	require.Equal(t, 1, h.disconnected)
	require.Equal(t, []time.Duration{5 * time.Second}, h.scheduled)

	// a second consecutive loss (no intervening Opened reset) backs off
	// further: tries=2.
	h.s.Connect(context.Background())
	gen2 := h.s.Gen()
	h.s.HandleEvent(gen2, transport.Event{Kind: transport.Error, Err: nil})
	require.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, h.scheduled)
}

func TestBackoffCapsAtSixTries(t *testing.T) {
	h := newHarness()
	h.s.Connect(context.Background())
	gen := h.s.Gen()
	h.s.HandleEvent(gen, transport.Event{Kind: transport.Opened})
	h.s.HandleEvent(gen, transport.Event{Kind: transport.Error})

	for i := 0; i < 8; i++ {
		h.s.Connect(context.Background())
		gen := h.s.Gen()
		h.s.HandleEvent(gen, transport.Event{Kind: transport.Error})
	}
	last := h.scheduled[len(h.scheduled)-1]
	require.Equal(t, 6*5*time.Second, last)
}

func TestExplicitDisconnectDoesNotScheduleReconnect(t *testing.T) {
	h := newHarness()
	h.s.Connect(context.Background())
	gen := h.s.Gen()
	h.s.HandleEvent(gen, transport.Event{Kind: transport.Opened})

	h.s.Disconnect()
	h.s.HandleEvent(gen, transport.Event{Kind: transport.Closed})

	require.Equal(t, Disconnected, h.s.State())
	require.Empty(t, h.scheduled)
}

// A real WSTransport emits Error immediately followed by Closed for
// one physical disconnect; both must not independently trigger loss
// handling.
func TestErrorFollowedByClosedHandlesLossOnlyOnce(t *testing.T) {
	h := newHarness()
	h.s.Connect(context.Background())
	gen := h.s.Gen()
	h.s.HandleEvent(gen, transport.Event{Kind: transport.Opened})

	h.s.HandleEvent(gen, transport.Event{Kind: transport.Error, Err: errors.New("boom")})
	h.s.HandleEvent(gen, transport.Event{Kind: transport.Closed})

	require.Equal(t, 1, h.disconnected)
	require.Equal(t, []time.Duration{5 * time.Second}, h.scheduled)
	require.Equal(t, Reconnecting, h.s.State())
}

func TestStaleEventsFromSupersededTransportAreIgnored(t *testing.T) {
	h := newHarness()
	h.s.Connect(context.Background())
	staleGen := h.s.Gen()

	h.s.Connect(context.Background())
	currentGen := h.s.Gen()
	require.NotEqual(t, staleGen, currentGen)

	h.s.HandleEvent(staleGen, transport.Event{Kind: transport.Opened})
	require.NotEqual(t, AwaitingConnected, h.s.State())

	h.s.HandleEvent(currentGen, transport.Event{Kind: transport.Opened})
	require.Equal(t, AwaitingConnected, h.s.State())
}

func TestReconnectIsNoOpWhileAlreadyOpen(t *testing.T) {
	h := newHarness()
	h.s.Connect(context.Background())
	gen := h.s.Gen()
	h.s.HandleEvent(gen, transport.Event{Kind: transport.Opened})

	before := len(h.transports)
	h.s.Reconnect()
	require.Equal(t, before, len(h.transports))
}

func TestResumeLoginIssuedOnConnectedWhenTokenHeld(t *testing.T) {
	h := newHarness()
	var resumed string
	h.s.cfg.SessionToken = func() string { return "tok-123" }
	h.s.cfg.ResumeLogin = func(token string) { resumed = token }

	h.s.Connect(context.Background())
	gen := h.s.Gen()
	h.s.HandleEvent(gen, transport.Event{Kind: transport.Opened})
	h.s.HandleEvent(gen, transport.Event{Kind: transport.TextMessage, Data: []byte(`{"msg":"connected","session":"abc"}`)})

	require.Equal(t, "tok-123", resumed)
}
