package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ag1-io/aetherbus/pkg/envelope"
	"github.com/ag1-io/aetherbus/pkg/observability"
)

func TestEventText(t *testing.T) {
	t.Run("chat input passes through trimmed", func(t *testing.T) {
		got := eventText(map[string]interface{}{
			"event_type": "user_chat_input",
			"text":       "  hello there  ",
		})
		assert.Equal(t, "hello there", got)
	})

	t.Run("component interaction is narrated", func(t *testing.T) {
		got := eventText(map[string]interface{}{
			"event_type":   "component_interaction",
			"event_name":   "on_click",
			"component_id": "send_button",
			"payload":      map[string]interface{}{"value": 3},
		})
		assert.Contains(t, got, "clicked 'on_click' on component 'send_button'")
		assert.Contains(t, got, `{"value":3}`)
	})

	t.Run("component interaction defaults missing fields", func(t *testing.T) {
		got := eventText(map[string]interface{}{"event_type": "component_interaction"})
		assert.Contains(t, got, "clicked 'N/A' on component 'N/A'")
	})

	t.Run("ui event is narrated", func(t *testing.T) {
		got := eventText(map[string]interface{}{
			"event_type": "ui_event",
			"action":     "window_closed",
			"window_id":  "main_chat_window",
		})
		assert.Equal(t, "AetherDeck UI event: 'window_closed' for WindowID: 'main_chat_window'.", got)
	})

	t.Run("unknown events carry their raw payload", func(t *testing.T) {
		got := eventText(map[string]interface{}{
			"event_type": "telemetry",
			"metric":     "fps",
		})
		assert.True(t, strings.HasPrefix(got, "[AetherDeck Event: telemetry]"))
		assert.Contains(t, got, `"metric":"fps"`)
	})
}

func TestInitialWindow(t *testing.T) {
	w := initialWindow("Sean")
	assert.Equal(t, "CREATE_WINDOW", w["directive_type"])
	assert.Equal(t, "main_chat_window", w["window_id"])
	assert.Equal(t, "AetherDeck Chat (Sean)", w["title"])

	components, ok := w["initial_components"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, components, 1)
	assert.Equal(t, "chat_log", components[0]["component_id"])
}

// wsPair dials a live websocket against a gin route that binds it into the
// hub, returning the client side.
func wsPair(t *testing.T, h *hub, userID string) *websocket.Conn {
	t.Helper()

	bound := make(chan struct{})
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/", func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		require.NoError(t, err)
		h.bind(userID, ws)
		close(bound)
		// Hold the server side open for the duration of the test.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case <-bound:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was never bound")
	}
	return client
}

func TestHub_DeliverRendersDirective(t *testing.T) {
	h := newHub(observability.NewNoopLogger())
	client := wsPair(t, h, "Sean")

	env := envelope.New("agent", envelope.WithContent(map[string]interface{}{"text": "hi"}))
	require.NoError(t, h.Deliver(context.Background(), "Sean", env))

	var directive map[string]interface{}
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, client.ReadJSON(&directive))
	assert.Equal(t, "APPEND_TO_TEXT_DISPLAY", directive["directive_type"])
	assert.Equal(t, "Agent: hi\n", directive["content_to_append"])
}

func TestHub_DeliverWithoutConnectionFails(t *testing.T) {
	h := newHub(observability.NewNoopLogger())

	env := envelope.New("agent", envelope.WithContent(map[string]interface{}{"text": "hi"}))
	err := h.Deliver(context.Background(), "nobody", env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no open websocket")
}

func TestHub_UnbindOnlyDropsOwnConnection(t *testing.T) {
	h := newHub(observability.NewNoopLogger())

	first := &conn{}
	second := &conn{}

	h.mu.Lock()
	h.conns["Sean"] = first
	h.mu.Unlock()

	h.mu.Lock()
	h.conns["Sean"] = second
	h.mu.Unlock()

	// The replaced connection must not tear down the new binding.
	assert.False(t, h.unbind("Sean", first))
	assert.True(t, h.unbind("Sean", second))
	assert.False(t, h.unbind("Sean", second))
}
