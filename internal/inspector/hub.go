// Package inspector streams navigation transitions to websocket clients so a
// running engine can be watched from outside the process.
package inspector

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/conneroisu/navkit/internal/logging"
	"github.com/conneroisu/navkit/internal/navigator"
)

const (
	// EventsPath serves the websocket stream.
	EventsPath = "/events"
	// StatePath serves the most recent transitions as JSON.
	StatePath = "/state"

	sendBuffer   = 64
	historySize  = 128
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Message is one frame on the stream.
type Message struct {
	Type       string               `json:"type"`
	Transition navigator.Transition `json:"transition"`
}

// Options configures a Hub.
type Options struct {
	// AllowedOrigins lists Origin header values accepted for upgrades. An
	// empty list only accepts same-host requests.
	AllowedOrigins []string
	// ConnectRate limits new connections per second; zero disables it.
	ConnectRate float64
	Logger      logging.Logger
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans transitions out to every connected client. A slow client whose
// buffer fills is dropped rather than slowing navigation down.
type Hub struct {
	opts    Options
	log     logging.Logger
	limiter *rate.Limiter

	mu      sync.RWMutex
	clients map[*client]struct{}
	history []navigator.Transition
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a hub.
func New(opts Options) *Hub {
	log := opts.Logger
	if log == nil {
		log = logging.NewNopLogger()
	}
	h := &Hub{
		opts:    opts,
		log:     log.WithComponent("inspector"),
		clients: make(map[*client]struct{}),
	}
	if opts.ConnectRate > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(opts.ConnectRate), int(opts.ConnectRate)+1)
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h
}

// Observe is a navigator.Observer.
func (h *Hub) Observe(t navigator.Transition) {
	data, err := json.Marshal(Message{Type: "transition", Transition: t})
	if err != nil {
		h.log.Error(h.ctx, err, "Failed to encode transition")
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.history = append(h.history, t)
	if len(h.history) > historySize {
		h.history = h.history[len(h.history)-historySize:]
	}
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.log.Warn(h.ctx, nil, "Dropping slow inspector client")
		h.drop(c, websocket.StatusPolicyViolation, "too slow")
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// History returns the retained transitions, oldest first.
func (h *Hub) History() []navigator.Transition {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]navigator.Transition, len(h.history))
	copy(out, h.history)
	return out
}

// Handler routes the stream and the state endpoint.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(EventsPath, h.serveEvents)
	mux.HandleFunc(StatePath, h.serveState)
	return mux
}

func (h *Hub) serveState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.History()); err != nil {
		h.log.Error(r.Context(), err, "Failed to write state")
	}
}

func (h *Hub) serveEvents(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && !h.allowedOrigin(origin, r.Host) {
		h.log.Warn(r.Context(), nil, "Inspector connection rejected", "origin", origin)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if h.limiter != nil && !h.limiter.Allow() {
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		h.log.Warn(r.Context(), err, "Inspector upgrade failed", "remote", r.RemoteAddr)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Info(r.Context(), "Inspector client connected", "clients", count)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.write(c)
	}()
	h.read(c)
}

// read discards client frames until the connection ends.
func (h *Hub) read(c *client) {
	for {
		if _, _, err := c.conn.Read(h.ctx); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && h.ctx.Err() == nil {
				h.log.Debug(h.ctx, "Inspector read ended", "error", err.Error())
			}
			h.drop(c, websocket.StatusNormalClosure, "")
			return
		}
	}
}

func (h *Hub) write(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.drop(c, websocket.StatusInternalError, "write failed")
				return
			}
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				h.drop(c, websocket.StatusInternalError, "ping failed")
				return
			}
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Hub) drop(c *client, code websocket.StatusCode, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	if ok {
		_ = c.conn.Close(code, reason)
	}
}

func (h *Hub) allowedOrigin(origin, host string) bool {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	if trimmed == host {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin || allowed == trimmed {
			return true
		}
	}
	return false
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.drop(c, websocket.StatusGoingAway, "shutting down")
	}
	h.cancel()
	h.wg.Wait()
}
