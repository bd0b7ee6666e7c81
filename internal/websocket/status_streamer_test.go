package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	moves chan int
}

func (f *fakeSink) CursorMoved(ctx context.Context, userID, docID string, cursor int) error {
	f.moves <- cursor
	return nil
}

func newStreamerFixture(t *testing.T) (*StatusStreamer, *fakeSink, chan func([]byte), *httptest.Server) {
	t.Helper()
	handlers := make(chan func([]byte), 1)
	subscribe := func(ctx context.Context, userID, docID string, fn func([]byte)) (func(), error) {
		handlers <- fn
		return func() {}, nil
	}
	sink := &fakeSink{moves: make(chan int, 4)}
	streamer := NewStatusStreamer(subscribe, sink)
	srv := httptest.NewServer(http.HandlerFunc(streamer.HandleSession))
	t.Cleanup(srv.Close)
	return streamer, sink, handlers, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStatusFramesRelayToClient(t *testing.T) {
	streamer, _, handlers, srv := newStreamerFixture(t)

	conn := dial(t, srv, "user_id=alice&document_id=doc1")

	var push func([]byte)
	select {
	case push = <-handlers:
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription established")
	}

	push([]byte(`{"type":"status","status":"cached","block_idx":3}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"status","status":"cached","block_idx":3}`, string(payload))

	stats := streamer.GetStatistics()
	assert.Equal(t, 1, stats["connected_clients"])
}

func TestInboundCursorFrameReachesSink(t *testing.T) {
	_, sink, handlers, srv := newStreamerFixture(t)

	conn := dial(t, srv, "user_id=alice&document_id=doc1")
	select {
	case <-handlers:
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription established")
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"cursor","cursor":42}`)))

	select {
	case cursor := <-sink.moves:
		assert.Equal(t, 42, cursor)
	case <-time.After(2 * time.Second):
		t.Fatal("cursor frame never reached the sink")
	}
}

func TestRejectsUnscopedConnections(t *testing.T) {
	_, _, _, srv := newStreamerFixture(t)

	resp, err := http.Get(srv.URL + "/?user_id=alice")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
