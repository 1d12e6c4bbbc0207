// Package realtime pushes unread notification counts to connected
// websocket clients.
package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"taskline/internal/notify"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	sendBufSize  = 8
)

// TypeCount is the only message the stream sends.
const TypeCount = "notification.count"

type Message struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// Counter computes a recipient's live unread count.
type Counter interface {
	UnreadCount(ctx context.Context, r notify.Recipient) (int, error)
}

type conn struct {
	recipient notify.Recipient
	send      chan Message
	done      chan struct{}
}

// offer queues m, dropping a stale queued count when the buffer is full.
// Only the latest count matters.
func (c *conn) offer(m Message) {
	for {
		select {
		case c.send <- m:
			return
		default:
		}
		select {
		case <-c.send:
		default:
		}
	}
}

// Hub tracks open streams per recipient. It implements
// notify.ChangeListener: every change triggers a fresh count for each of
// the recipient's connections, computed with that connection's company
// scope.
type Hub struct {
	Counter Counter
	Logger  *zap.Logger
	// InsecureSkipVerify disables the websocket origin check.
	InsecureSkipVerify bool

	mu     sync.Mutex
	conns  map[string]map[*conn]struct{}
	closed bool
}

func NewHub(counter Counter, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{Counter: counter, Logger: logger, conns: map[string]map[*conn]struct{}{}}
}

func key(kind, id string) string { return kind + ":" + id }

func (h *Hub) register(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if h.conns == nil {
		h.conns = map[string]map[*conn]struct{}{}
	}
	k := key(c.recipient.Kind, c.recipient.ID)
	if h.conns[k] == nil {
		h.conns[k] = map[*conn]struct{}{}
	}
	h.conns[k][c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := key(c.recipient.Kind, c.recipient.ID)
	delete(h.conns[k], c)
	if len(h.conns[k]) == 0 {
		delete(h.conns, k)
	}
}

// Connections reports the number of open streams.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.conns {
		n += len(set)
	}
	return n
}

// RecipientChanged recomputes and queues the count for every open stream of
// (kind, id).
func (h *Hub) RecipientChanged(ctx context.Context, kind, id string) {
	h.mu.Lock()
	targets := make([]*conn, 0, len(h.conns[key(kind, id)]))
	for c := range h.conns[key(kind, id)] {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		h.push(ctx, c)
	}
}

func (h *Hub) push(ctx context.Context, c *conn) {
	n, err := h.Counter.UnreadCount(ctx, c.recipient)
	if err != nil {
		h.Logger.Warn("unread count failed", zap.String("recipient_id", c.recipient.ID), zap.Error(err))
		return
	}
	c.offer(Message{Type: TypeCount, Count: n})
}

// Serve upgrades the request and streams counts for recipient until the
// client goes away or the hub closes. The current count is sent first.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, recipient notify.Recipient) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: h.InsecureSkipVerify})
	if err != nil {
		h.Logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	c := &conn{recipient: recipient, send: make(chan Message, sendBufSize), done: make(chan struct{})}
	if !h.register(c) {
		ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.unregister(c)

	// Clients never send anything; CloseRead handles control frames and
	// cancels ctx when the peer disconnects.
	ctx := ws.CloseRead(r.Context())
	h.push(ctx, c)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeWait)
			err := wsjson.Write(wctx, ws, msg)
			cancel()
			if err != nil {
				h.Logger.Debug("websocket write failed", zap.String("recipient_id", recipient.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeWait)
			err := ws.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case <-c.done:
			ws.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ctx.Done():
			ws.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// Close ends every open stream and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.conns {
		for c := range set {
			close(c.done)
		}
	}
}
