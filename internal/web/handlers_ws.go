package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"firelink/internal/provision"
)

const (
	// feedTypeSession tags the snapshot sent to every client on attach;
	// the remaining message types are provision event kinds.
	feedTypeSession = "session"

	clientQueueLen = 64
	writeTimeout   = 10 * time.Second
)

// feedMessage is the envelope sent to WebSocket clients.
type feedMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// EventFeed pushes provisioning events to WebSocket clients. Every new
// client first receives a session snapshot so it never renders from a
// blank state. A client whose queue is full is evicted; the feed never
// waits on a slow consumer.
type EventFeed struct {
	logger   *slog.Logger
	snapshot func() provision.Session

	mu      sync.Mutex
	clients map[*feedClient]struct{}
	closed  bool
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newEventFeed(logger *slog.Logger, snapshot func() provision.Session) *EventFeed {
	return &EventFeed{
		logger:   logger,
		snapshot: snapshot,
		clients:  make(map[*feedClient]struct{}),
	}
}

// attach registers a client and queues its initial snapshot. Returns
// false once the feed is closed.
func (f *EventFeed) attach(c *feedClient) bool {
	snap, err := json.Marshal(feedMessage{Type: feedTypeSession, Data: f.snapshot()})
	if err != nil {
		f.logger.Error("feed marshal snapshot", "err", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	if snap != nil {
		c.send <- snap // queue is empty here, never blocks
	}
	f.clients[c] = struct{}{}
	f.logger.Debug("feed client attached", "total", len(f.clients))
	return true
}

// detach removes a client. Map membership guards the single close of
// the send channel; a client already evicted (or closed with the feed)
// is a no-op.
func (f *EventFeed) detach(c *feedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c]; !ok {
		return
	}
	delete(f.clients, c)
	close(c.send)
	f.logger.Debug("feed client detached", "total", len(f.clients))
}

// Publish fans one provisioning event out to every attached client.
func (f *EventFeed) Publish(ev provision.Event) {
	data, err := json.Marshal(feedMessage{Type: ev.Kind(), Data: ev})
	if err != nil {
		f.logger.Error("feed marshal event", "kind", ev.Kind(), "err", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.send <- data:
		default:
			delete(f.clients, c)
			close(c.send)
			f.logger.Warn("feed client evicted, queue full")
		}
	}
}

// Close detaches every client and rejects further attaches. Safe to call
// more than once.
func (f *EventFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for c := range f.clients {
		delete(f.clients, c)
		close(c.send)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// With no configured origins nhooyr falls back to a same-origin check.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &feedClient{conn: conn, send: make(chan []byte, clientQueueLen)}
	if !s.feed.attach(client) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go client.writeLoop()
	client.readLoop(r.Context())
	s.feed.detach(client)
}

// writeLoop drains the send queue until it is closed by detach, eviction
// or feed shutdown, then closes the socket (which also unblocks readLoop).
func (c *feedClient) writeLoop() {
	for msg := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
}

// readLoop discards inbound frames; the feed is one-way. It returns when
// the client disconnects or the socket is closed.
func (c *feedClient) readLoop(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}
