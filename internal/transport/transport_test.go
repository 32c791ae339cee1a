package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestWSTransportOpenEmitsOpened(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	tr := NewWSTransport(zerolog.Nop())
	defer tr.Close()

	require.NoError(t, tr.Open(context.Background(), wsURL(srv)))

	select {
	case ev := <-tr.Events():
		require.Equal(t, Opened, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Opened event")
	}
}

func TestWSTransportSendAndReceive(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	tr := NewWSTransport(zerolog.Nop())
	defer tr.Close()

	require.NoError(t, tr.Open(context.Background(), wsURL(srv)))
	<-tr.Events() // Opened

	require.NoError(t, tr.Send([]byte(`{"msg":"ping"}`)))

	select {
	case ev := <-tr.Events():
		require.Equal(t, TextMessage, ev.Kind)
		require.Equal(t, `{"msg":"ping"}`, string(ev.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed message")
	}
}

func TestWSTransportCloseEmitsClosedOnce(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	tr := NewWSTransport(zerolog.Nop())
	require.NoError(t, tr.Open(context.Background(), wsURL(srv)))
	<-tr.Events() // Opened

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close()) // idempotent

	closedCount := 0
	timeout := time.After(500 * time.Millisecond)
drain:
	for {
		select {
		case ev := <-tr.Events():
			if ev.Kind == Closed {
				closedCount++
			}
		case <-timeout:
			break drain
		}
	}
	require.Equal(t, 1, closedCount)
}

func TestWSTransportSendAfterCloseErrors(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	tr := NewWSTransport(zerolog.Nop())
	require.NoError(t, tr.Open(context.Background(), wsURL(srv)))
	<-tr.Events()
	require.NoError(t, tr.Close())

	err := tr.Send([]byte("x"))
	require.Error(t, err)
}
