package edge

import "fmt"

// DirectiveFor translates an agent reply's content into the UI directive
// clients understand. Content that already carries a directive_type passes
// through untouched; plain text replies become an append to the main chat
// log; anything else degrades to an error notification so the client is
// never left waiting silently.
func DirectiveFor(content interface{}) map[string]interface{} {
	if m, ok := content.(map[string]interface{}); ok {
		if _, ok := m["directive_type"]; ok {
			return m
		}
		if text, ok := m["text"].(string); ok {
			return map[string]interface{}{
				"directive_type":    "APPEND_TO_TEXT_DISPLAY",
				"window_id":         "main_chat_window",
				"component_id":      "chat_log",
				"content_to_append": fmt.Sprintf("Agent: %s\n", text),
			}
		}
	}
	return Notification(fmt.Sprintf("Agent sent unhandled response format: %s", preview(content)))
}

// Notification builds a SHOW_NOTIFICATION directive with the error style.
func Notification(message string) map[string]interface{} {
	return map[string]interface{}{
		"directive_type":    "SHOW_NOTIFICATION",
		"message":           message,
		"notification_type": "error",
	}
}

// preview renders content for inclusion in a notification, capped at 100
// characters so oversized payloads do not bounce back at full length.
func preview(content interface{}) string {
	s := fmt.Sprintf("%v", content)
	runes := []rune(s)
	if len(runes) > 100 {
		return string(runes[:100])
	}
	return s
}
