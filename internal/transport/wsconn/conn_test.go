package wsconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test") != "ok" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var v map[string]any
			if err := conn.ReadJSON(&v); err != nil {
				return
			}
			if err := conn.WriteJSON(v); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialWriteRead(t *testing.T) {
	srv := echoServer(t)
	header := http.Header{"X-Test": []string{"ok"}}

	conn, err := Dial(context.Background(), wsURL(srv), header, Options{PingInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"event": "ping", "n": 1}))
	var got map[string]any
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "ping", got["event"])

	// survive a few keepalive ticks
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, conn.WriteJSON(map[string]any{"event": "again"}))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "again", got["event"])
}

func TestDialRejectedHandshakeIsNotRetried(t *testing.T) {
	srv := echoServer(t)

	start := time.Now()
	_, err := Dial(context.Background(), wsURL(srv), nil, Options{MaxRetries: 3, RetryDelay: time.Second})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHandshakeRejected))
	assert.Less(t, time.Since(start), time.Second)
}

func TestDialRetriesThenFails(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/none", nil, Options{MaxRetries: 2, RetryDelay: 10 * time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := echoServer(t)
	conn, err := Dial(context.Background(), wsURL(srv), http.Header{"X-Test": []string{"ok"}}, Options{})
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	_ = conn.Close()
	select {
	case <-conn.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(&websocket.CloseError{Code: websocket.CloseNormalClosure}))
	assert.True(t, IsRetryableError(&websocket.CloseError{Code: websocket.CloseAbnormalClosure}))
	assert.True(t, IsRetryableError(&websocket.CloseError{Code: websocket.CloseGoingAway}))
	assert.False(t, IsRetryableError(errors.New("boom")))
	assert.False(t, IsRetryableError(fmt.Errorf("%w: status 401", ErrHandshakeRejected)))
	assert.True(t, IsRetryableError(fmt.Errorf("failed to connect: %w", &net.OpError{Op: "dial", Err: errors.New("connection refused")})))
}
