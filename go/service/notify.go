package service

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/pubky/switchboard/go/protocol"
	log "github.com/sirupsen/logrus"
)

// Maximum time we'll wait for a notification write to complete. We don't
// use websocket's ping-pong mechanism, instead relying on TCP keep-alive.
const notifyWriteTimeout = 10 * time.Second

// Notification is one approval lifecycle event on the admin feed.
type Notification struct {
	// Type is "pending" for newly enqueued writes and "resolved" once a
	// decision or expiry lands.
	Type string `json:"type"`
	// MessageID names the pending announcement so a later resolution can
	// reference it.
	MessageID string                 `json:"messageId,omitempty"`
	Write     *protocol.PendingWrite `json:"write"`
}

// Hub fans approval lifecycle events out to connected admin sessions. It
// is the runtime's approval notifier: reviewers watch the feed and decide
// through the approvals API.
type Hub struct {
	mu       sync.Mutex
	sessions map[*websocket.Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{sessions: make(map[*websocket.Conn]struct{})}
}

// WritePending announces a newly enqueued write and returns the feed
// message id recorded on the pending record.
func (h *Hub) WritePending(w *protocol.PendingWrite) string {
	var id = fmt.Sprintf("ntf-%s", ulid.Make())
	h.broadcast(Notification{Type: "pending", MessageID: id, Write: w})
	return id
}

// WriteResolved announces the outcome of a previously announced write.
func (h *Hub) WriteResolved(w *protocol.PendingWrite) {
	h.broadcast(Notification{Type: "resolved", MessageID: w.AdminMessageID, Write: w})
}

func (h *Hub) broadcast(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.sessions {
		conn.SetWriteDeadline(time.Now().Add(notifyWriteTimeout))
		if err := conn.WriteJSON(n); err != nil {
			// The session is wedged or gone. Drop it; the client
			// re-connects and re-lists pending writes for anything missed.
			log.WithFields(log.Fields{"err": err, "client": conn.RemoteAddr()}).
				Warn("dropping admin notification session")
			conn.Close()
			delete(h.sessions, conn)
			sessionsGauge.Dec()
		}
	}
}

// serveSession upgrades the request and holds the session open until the
// peer goes away. The feed is write-only: client frames are drained and
// discarded.
func (h *Hub) serveSession(w http.ResponseWriter, r *http.Request) {
	var upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	var conn, err = upgrader.Upgrade(w, r, nil)
	if err != nil {
		// A response has already been sent to the client by |upgrader|.
		log.WithFields(log.Fields{"err": err, "client": r.RemoteAddr}).
			Warn("failed to upgrade admin notification session")
		return
	}

	h.mu.Lock()
	h.sessions[conn] = struct{}{}
	h.mu.Unlock()
	sessionsGauge.Inc()

	for {
		if _, _, err = conn.NextReader(); err != nil {
			break
		}
	}

	h.mu.Lock()
	if _, live := h.sessions[conn]; live {
		delete(h.sessions, conn)
		sessionsGauge.Dec()
	}
	h.mu.Unlock()
	conn.Close()
}
