package inspector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/navkit/internal/navigator"
)

func newServer(t *testing.T, opts Options) (*Hub, *httptest.Server) {
	t.Helper()
	hub := New(opts)
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + EventsPath
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func transition(seq uint64, to navigator.State) navigator.Transition {
	return navigator.Transition{
		ID:     "nav-1",
		Seq:    seq,
		Target: "/docs",
		From:   navigator.StateFetching,
		To:     to,
		At:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestHubBroadcastsTransitions(t *testing.T) {
	hub, srv := newServer(t, Options{})
	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Observe(transition(1, navigator.StateParsing))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "transition", msg.Type)
	assert.Equal(t, uint64(1), msg.Transition.Seq)
	assert.Equal(t, navigator.StateParsing, msg.Transition.To)
	assert.Equal(t, "/docs", msg.Transition.Target)
}

func TestHubState(t *testing.T) {
	hub, srv := newServer(t, Options{})
	for i := 1; i <= historySize+5; i++ {
		hub.Observe(transition(uint64(i), navigator.StateSettled))
	}

	resp, err := http.Get(srv.URL + StatePath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []navigator.Transition
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, historySize)
	assert.Equal(t, uint64(6), got[0].Seq)
	assert.Equal(t, uint64(historySize+5), got[len(got)-1].Seq)

	post, err := http.Post(srv.URL+StatePath, "application/json", nil)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestHubRejectsForeignOrigins(t *testing.T) {
	_, srv := newServer(t, Options{AllowedOrigins: []string{"https://trusted.test"}})

	req, err := http.NewRequest(http.MethodGet, srv.URL+EventsPath, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.test")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	hub := New(Options{AllowedOrigins: []string{"https://trusted.test"}})
	defer hub.Close()
	assert.True(t, hub.allowedOrigin("https://trusted.test", "localhost:1"))
	assert.True(t, hub.allowedOrigin("http://localhost:1", "localhost:1"))
	assert.False(t, hub.allowedOrigin("https://other.test", "localhost:1"))
}

func TestHubRateLimitsConnections(t *testing.T) {
	_, srv := newServer(t, Options{ConnectRate: 0.001})
	dial(t, srv)

	resp, err := http.Get(srv.URL + EventsPath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := New(Options{})
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _, _ = conn.Read(ctx)
		close(done)
	}()
	hub.Close()
	<-done

	assert.Zero(t, hub.Clients())
	hub.Observe(transition(1, navigator.StateSettled))
	assert.Empty(t, hub.History())
}
