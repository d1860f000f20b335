package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ag1-io/aetherbus/pkg/edge"
	"github.com/ag1-io/aetherbus/pkg/envelope"
	"github.com/ag1-io/aetherbus/pkg/observability"
)

// closeGrace bounds the close handshake written to a replaced connection.
const closeGrace = time.Second

// conn wraps one websocket client with a write lock; gorilla connections
// support one concurrent writer only.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// sendJSON writes one JSON message under the connection's write lock.
func (c *conn) sendJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// hub tracks the active websocket per user id and implements edge.Connector:
// envelopes addressed to a user are translated to UI directives and written
// to their connection.
type hub struct {
	logger observability.Logger

	mu    sync.RWMutex
	conns map[string]*conn
}

func newHub(logger observability.Logger) *hub {
	return &hub{
		logger: logger,
		conns:  make(map[string]*conn),
	}
}

// bind registers the connection for userID, closing any previous connection
// for the same user. The newest connection always wins; the directive
// watcher looks the target up per delivery, so it follows the replacement
// automatically.
func (h *hub) bind(userID string, ws *websocket.Conn) *conn {
	c := &conn{ws: ws}

	h.mu.Lock()
	old := h.conns[userID]
	h.conns[userID] = c
	h.mu.Unlock()

	if old != nil {
		h.logger.Info("Replacing existing connection", map[string]interface{}{
			"user_id": userID,
		})
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "new connection for this user_id")
		_ = old.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		_ = old.ws.Close()
	}
	return c
}

// unbind drops the binding for userID if c is still the active connection,
// reporting whether it was. A false return means a newer connection took
// over and its handler now owns the user's directive watcher.
func (h *hub) unbind(userID string, c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conns[userID] != c {
		return false
	}
	delete(h.conns, userID)
	return true
}

// Deliver implements edge.Connector: the envelope's content is rendered as
// a UI directive and pushed to the target's connection. Delivery to a user
// with no open connection fails so the watcher's retry machinery keeps the
// directive pending until the user returns or it dead-letters.
func (h *hub) Deliver(_ context.Context, target string, env *envelope.Envelope) error {
	h.mu.RLock()
	c := h.conns[target]
	h.mu.RUnlock()

	if c == nil {
		return fmt.Errorf("no open websocket for %s", target)
	}
	return c.sendJSON(edge.DirectiveFor(env.Content))
}
