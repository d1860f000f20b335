package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ag1-io/aetherbus/pkg/edge"
)

// upgrader accepts any origin: the deck is a browser client served from
// arbitrary hosts and the api key, not the origin, gates access.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWS upgrades one AetherDeck client connection and relays its events
// onto the bus until it closes. Each connection binds its user id in the
// hub and keeps a directive watcher on the user's response stream.
func (s *relayServer) handleWS(c *gin.Context) {
	userID := c.Query("user_id")
	sessionCode := c.Query("session_code")

	if s.requireAPIKey && c.Query("api_key") != s.apiKey {
		c.String(http.StatusUnauthorized, "invalid or missing api key")
		return
	}
	if userID == "" {
		userID = fmt.Sprintf("aetherdeck_guest_%s", uuid.NewString()[:8])
		s.logger.Info("No user_id provided, assigned guest id", map[string]interface{}{
			"user_id": userID,
			"remote":  c.Request.RemoteAddr,
		})
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", map[string]interface{}{
			"remote": c.Request.RemoteAddr,
			"error":  err.Error(),
		})
		return
	}

	wsConn := s.hub.bind(userID, ws)
	defer func() {
		// Only the connection still bound tears the watcher down; a
		// replaced connection leaves it to its successor.
		if s.hub.unbind(userID, wsConn) {
			s.edge.UnwatchResponses(userID)
		}
		_ = ws.Close()
		s.logger.Info("Client disconnected", map[string]interface{}{
			"user_id": userID,
		})
	}()

	// An "already watching" error means a previous connection for this user
	// id left its watcher running; deliveries follow the hub binding, so
	// the watcher is simply adopted.
	if err := s.edge.WatchResponses(userID); err != nil && !strings.Contains(err.Error(), "already watching") {
		s.logger.Error("Failed to watch responses", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		return
	}

	s.logger.Info("Client connected", map[string]interface{}{
		"user_id":      userID,
		"session_code": sessionCode,
		"remote":       c.Request.RemoteAddr,
	})

	if err := wsConn.sendJSON(initialWindow(userID)); err != nil {
		s.logger.Warn("Failed to send initial window", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	for {
		msgType, raw, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Read loop ended", map[string]interface{}{
					"user_id": userID,
					"error":   err.Error(),
				})
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if string(raw) == "close" {
			return
		}
		s.handleEvent(ctx, wsConn, userID, sessionCode, raw)
	}
}

// handleEvent translates one raw client event into bus traffic. Errors are
// reported back over the websocket; the relay never drops an event silently.
func (s *relayServer) handleEvent(ctx context.Context, wsConn *conn, userID, sessionCode string, raw []byte) {
	var event map[string]interface{}
	if err := json.Unmarshal(raw, &event); err != nil {
		_ = wsConn.sendJSON(map[string]interface{}{"error": "Invalid JSON", "type": "protocol_error"})
		return
	}

	content := map[string]interface{}{"text": eventText(event)}
	err := s.edge.HandleInbound(ctx, userID, sessionCode, content)
	if err == nil {
		return
	}
	if errors.Is(err, edge.ErrNoAgent) {
		_ = wsConn.sendJSON(edge.Notification(fmt.Sprintf(
			"No agent currently available to handle your AetherDeck request for user ID '%s'. Please try again later or contact support.",
			userID,
		)))
		return
	}
	s.logger.Error("Failed to forward event", map[string]interface{}{
		"user_id": userID,
		"error":   err.Error(),
	})
	_ = wsConn.sendJSON(map[string]interface{}{"error": err.Error(), "type": "server_error"})
}

// eventText renders a client event as the text an agent receives. Chat
// input passes through; structural UI events are narrated so agents without
// deck awareness still see something actionable.
func eventText(event map[string]interface{}) string {
	str := func(key, fallback string) string {
		if v, ok := event[key].(string); ok && v != "" {
			return v
		}
		return fallback
	}

	switch event["event_type"] {
	case "user_chat_input":
		return strings.TrimSpace(str("text", ""))
	case "component_interaction":
		payload, _ := json.Marshal(event["payload"])
		if payload == nil {
			payload = []byte("{}")
		}
		return fmt.Sprintf("User interacted with AetherDeck UI: clicked '%s' on component '%s'. Payload: %s",
			str("event_name", "N/A"), str("component_id", "N/A"), payload)
	case "ui_event":
		return fmt.Sprintf("AetherDeck UI event: '%s' for WindowID: '%s'.",
			str("action", "N/A"), str("window_id", "N/A"))
	default:
		payload, _ := json.Marshal(event)
		return fmt.Sprintf("[AetherDeck Event: %s] Raw payload: %s", str("event_type", "unknown"), payload)
	}
}

// initialWindow is the directive that bootstraps a fresh client: one chat
// window wired to the chat_log component the text directives append to.
func initialWindow(userID string) map[string]interface{} {
	return map[string]interface{}{
		"directive_type": "CREATE_WINDOW",
		"window_id":      "main_chat_window",
		"title":          fmt.Sprintf("AetherDeck Chat (%s)", userID),
		"initial_components": []map[string]interface{}{
			{
				"component_id":   "chat_log",
				"component_type": "text_display",
				"content":        "Chat session started. Type your message below.\n",
			},
		},
		"position": map[string]interface{}{"x": 100, "y": 100},
		"size":     map[string]interface{}{"width": 450, "height": 350},
	}
}
