// Package transport defines the DDP Transport Adapter contract — open
// a WebSocket, emit opened/text-message/error/closed events — and a
// default implementation backed by gorilla/websocket. The byte-level
// plumbing itself is treated as an external collaborator (spec.md §1);
// this package supplies the one concrete adapter the Session FSM
// drives and the example binary actually runs.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// EventKind discriminates the four events a Transport emits.
type EventKind int

const (
	Opened EventKind = iota
	TextMessage
	Error
	Closed
)

// Event is one occurrence on a Transport's event channel.
type Event struct {
	Kind EventKind
	Data []byte // set for TextMessage
	Err  error  // set for Error
}

// Transport is the DDP Transport Adapter contract. Implementations
// open a single logical connection to a DDP endpoint and surface
// activity as Events; they never interpret frame contents.
type Transport interface {
	// Open dials url and begins delivering Events. Open may be called
	// at most once per Transport instance.
	Open(ctx context.Context, url string) error

	// Send writes one text frame. Safe to call concurrently with Events
	// delivery, but not with itself.
	Send(data []byte) error

	// Close tears down the connection. Idempotent.
	Close() error

	// Events returns the channel Open begins delivering to. The
	// channel is not closed; a Closed event is the last event a
	// transport delivers.
	Events() <-chan Event
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB; DDP documents can be sizable.
)

// WSTransport is the default Transport, backed by
// github.com/gorilla/websocket, mirroring the read/write pump split
// and ping/pong deadline handling the teacher repo's server-side
// client uses (go-server/pkg/websocket/client.go), inverted for
// dialing instead of upgrading.
type WSTransport struct {
	logger zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	events chan Event
	closed bool
}

// NewWSTransport constructs a WSTransport. Call Open to connect.
func NewWSTransport(logger zerolog.Logger) *WSTransport {
	return &WSTransport{
		logger: logger,
		events: make(chan Event, 64),
	}
}

func (t *WSTransport) Open(ctx context.Context, url string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("transport: dialing %s: %w", url, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	t.emit(Event{Kind: Opened})
	go t.readPump()
	go t.pingLoop()

	return nil
}

func (t *WSTransport) readPump() {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if t.markClosed() {
				t.emit(Event{Kind: Error, Err: err})
				t.emit(Event{Kind: Closed})
			}
			return
		}
		t.emit(Event{Kind: TextMessage, Data: data})
	}
}

func (t *WSTransport) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		t.mu.Lock()
		conn := t.conn
		closed := t.closed
		t.mu.Unlock()
		if closed || conn == nil {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			return
		}
	}
}

func (t *WSTransport) Send(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()
	if closed || conn == nil {
		return fmt.Errorf("transport: send on closed connection")
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (t *WSTransport) Close() error {
	wasOpen := t.markClosed()
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
	if wasOpen {
		t.emit(Event{Kind: Closed})
	}
	return nil
}

func (t *WSTransport) Events() <-chan Event { return t.events }

// markClosed marks the transport closed and reports whether this call
// performed the transition (so Closed is emitted exactly once).
func (t *WSTransport) markClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.closed = true
	return true
}

func (t *WSTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn().Msg("transport: event channel full, dropping event")
	}
}
