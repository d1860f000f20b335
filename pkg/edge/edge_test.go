package edge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ag1-io/aetherbus/pkg/bus"
	"github.com/ag1-io/aetherbus/pkg/envelope"
	"github.com/ag1-io/aetherbus/pkg/keys"
	"github.com/ag1-io/aetherbus/pkg/observability"
	busredis "github.com/ag1-io/aetherbus/pkg/redis"
)

type delivery struct {
	target string
	env    *envelope.Envelope
	at     time.Time
}

// recordingConnector captures deliveries so tests can assert on them.
type recordingConnector struct {
	mu  sync.Mutex
	got []delivery
}

func (c *recordingConnector) Deliver(_ context.Context, target string, env *envelope.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, delivery{target: target, env: env, at: time.Now()})
	return nil
}

func (c *recordingConnector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func (c *recordingConnector) deliveries() []delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]delivery, len(c.got))
	copy(out, c.got)
	return out
}

func newTestBroker(t *testing.T) *busredis.StreamsClient {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := busredis.NewStreamsClient(&busredis.StreamsConfig{
		Addresses:   []string{mr.Addr()},
		PoolTimeout: 5 * time.Second,
	}, observability.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func testConfig(platform string) *Config {
	cfg := DefaultConfig(platform)
	cfg.BlockTime = 50 * time.Millisecond
	cfg.StopWait = 2 * time.Second
	return cfg
}

// startHandler runs the handler in the background and returns it together
// with a stop function that cancels Run and waits for it to unwind.
func startHandler(t *testing.T, client *busredis.StreamsClient, conn Connector, cfg *Config) (*Handler, func()) {
	t.Helper()

	h, err := New(client, conn, cfg, observability.NewNoopLogger(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return h.runCtx != nil
	}, time.Second, 10*time.Millisecond)
	stop := func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(3 * time.Second):
			t.Fatal("edge handler did not stop")
		}
	}
	return h, stop
}

func publishRegistration(t *testing.T, client *busredis.StreamsClient, platform, agentName string, content map[string]interface{}) {
	t.Helper()

	pub := bus.NewPublisher(client, nil, observability.NewNoopLogger(), nil)
	env := envelope.New("agent",
		envelope.WithEnvelopeType("register"),
		envelope.WithAgentName(agentName),
		envelope.WithContent(content),
	)
	builder := keys.NewBuilder("")
	require.NoError(t, pub.Publish(context.Background(), builder.EdgeRegister(platform), env))
}

func TestNew_Validation(t *testing.T) {
	client := newTestBroker(t)
	conn := &recordingConnector{}

	_, err := New(nil, conn, testConfig("webchat"), nil, nil)
	assert.Error(t, err)

	_, err = New(client, nil, testConfig("webchat"), nil, nil)
	assert.Error(t, err)

	_, err = New(client, conn, &Config{}, nil, nil)
	assert.Error(t, err)

	h, err := New(client, conn, testConfig("webchat"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "webchat-edge", h.config.Group)
	assert.Equal(t, "webchat_relay", h.config.RelayName)
}

func TestHandler_RegistrationAndInboundRouting(t *testing.T) {
	client := newTestBroker(t)
	conn := &recordingConnector{}
	h, stop := startHandler(t, client, conn, testConfig("webchat"))
	defer stop()

	publishRegistration(t, client, "webchat", "helper", map[string]interface{}{
		"channel_type":       "webchat",
		"user_id_pattern":    "user-1",
		"agent_inbox_stream": "AG1:agent:helper:inbox",
	})
	require.Eventually(t, func() bool {
		return len(h.Registrations()) == 1
	}, 3*time.Second, 20*time.Millisecond)

	reg := h.Registrations()[0]
	assert.Equal(t, "user-1", reg.Pattern)
	assert.Equal(t, "helper", reg.AgentName)
	assert.Equal(t, "AG1:agent:helper:inbox", reg.AgentInbox)
	assert.NotEmpty(t, reg.RegisteredAt)

	ctx := context.Background()
	require.NoError(t, h.HandleInbound(ctx, "user-1", "sess-9", map[string]interface{}{"text": "hello"}))

	entries, err := client.Range(ctx, "AG1:agent:helper:inbox", "-", "+", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	env, err := bus.DecodeEntry(entries[0])
	require.NoError(t, err)
	assert.Equal(t, "user_interface_event", env.Role)
	assert.Equal(t, "event", env.EnvelopeType)
	assert.Equal(t, "user-1", env.UserID)
	assert.Equal(t, "sess-9", env.SessionCode)
	assert.Equal(t, "webchat_relay", env.AgentName)
	assert.Equal(t, "AG1:edge:webchat:user-1:response", env.ReplyTo)
	assert.NotEmpty(t, env.CorrelationID)
	assert.Equal(t, "hello", env.ContentMap()["text"])
	assert.Equal(t, "webchat", env.ContentMap()["source_channel"])
}

func TestHandler_AllWildcardFallback(t *testing.T) {
	client := newTestBroker(t)
	conn := &recordingConnector{}
	h, stop := startHandler(t, client, conn, testConfig("webchat"))
	defer stop()

	publishRegistration(t, client, "webchat", "catchall", map[string]interface{}{
		"channel_type":       "webchat",
		"user_id_pattern":    "all",
		"agent_inbox_stream": "AG1:agent:catchall:inbox",
	})
	require.Eventually(t, func() bool {
		return len(h.Registrations()) == 1
	}, 3*time.Second, 20*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, h.HandleInbound(ctx, "anyone", "", map[string]interface{}{"text": "ping"}))

	entries, err := client.Range(ctx, "AG1:agent:catchall:inbox", "-", "+", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestHandler_NoAgentForTarget(t *testing.T) {
	client := newTestBroker(t)
	conn := &recordingConnector{}
	h, stop := startHandler(t, client, conn, testConfig("webchat"))
	defer stop()

	err := h.HandleInbound(context.Background(), "stranger", "", map[string]interface{}{"text": "hi"})
	assert.ErrorIs(t, err, ErrNoAgent)
}

func TestHandler_RejectsMalformedRegistrations(t *testing.T) {
	client := newTestBroker(t)
	conn := &recordingConnector{}
	h, stop := startHandler(t, client, conn, testConfig("webchat"))
	defer stop()

	// Wrong platform, missing pattern, and a non-register type. None of
	// these may land; the valid one published last proves the stream was
	// fully drained.
	publishRegistration(t, client, "webchat", "other", map[string]interface{}{
		"channel_type":       "telegram",
		"user_id_pattern":    "user-2",
		"agent_inbox_stream": "AG1:agent:other:inbox",
	})
	publishRegistration(t, client, "webchat", "patternless", map[string]interface{}{
		"channel_type":       "webchat",
		"agent_inbox_stream": "AG1:agent:patternless:inbox",
	})
	pub := bus.NewPublisher(client, nil, observability.NewNoopLogger(), nil)
	builder := keys.NewBuilder("")
	notRegister := envelope.New("agent",
		envelope.WithAgentName("chatty"),
		envelope.WithContent(map[string]interface{}{
			"channel_type":       "webchat",
			"user_id_pattern":    "user-3",
			"agent_inbox_stream": "AG1:agent:chatty:inbox",
		}),
	)
	require.NoError(t, pub.Publish(context.Background(), builder.EdgeRegister("webchat"), notRegister))

	publishRegistration(t, client, "webchat", "valid", map[string]interface{}{
		"channel_type":       "webchat",
		"user_id_pattern":    "user-9",
		"agent_inbox_stream": "AG1:agent:valid:inbox",
	})

	require.Eventually(t, func() bool {
		return len(h.Registrations()) == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "user-9", h.Registrations()[0].Pattern)
}

func TestHandler_InboxDefaultsFromAgentName(t *testing.T) {
	client := newTestBroker(t)
	conn := &recordingConnector{}
	h, stop := startHandler(t, client, conn, testConfig("webchat"))
	defer stop()

	publishRegistration(t, client, "webchat", "quiet", map[string]interface{}{
		"channel_type":            "webchat",
		"webchat_user_id_pattern": "user-7",
	})
	require.Eventually(t, func() bool {
		return len(h.Registrations()) == 1
	}, 3*time.Second, 20*time.Millisecond)

	reg := h.Registrations()[0]
	assert.Equal(t, "user-7", reg.Pattern)
	assert.Equal(t, "AG1:agent:quiet:inbox", reg.AgentInbox)
}

func TestHandler_WatchResponsesDeliversToConnector(t *testing.T) {
	client := newTestBroker(t)
	conn := &recordingConnector{}
	h, stop := startHandler(t, client, conn, testConfig("webchat"))
	defer stop()

	require.NoError(t, h.WatchResponses("user-1"))
	assert.Error(t, h.WatchResponses("user-1"))

	pub := bus.NewPublisher(client, nil, observability.NewNoopLogger(), nil)
	builder := keys.NewBuilder("")
	stream := builder.EdgeResponse("webchat", "user-1")
	ctx := context.Background()
	for _, text := range []string{"one", "two"} {
		env := envelope.New("agent", envelope.WithContent(map[string]interface{}{"text": text}))
		require.NoError(t, pub.Publish(ctx, stream, env))
	}

	require.Eventually(t, func() bool {
		return conn.count() == 2
	}, 3*time.Second, 20*time.Millisecond)

	got := conn.deliveries()
	assert.Equal(t, "user-1", got[0].target)
	assert.Equal(t, "one", got[0].env.ContentMap()["text"])
	assert.Equal(t, "two", got[1].env.ContentMap()["text"])

	h.UnwatchResponses("user-1")
	env := envelope.New("agent", envelope.WithContent(map[string]interface{}{"text": "three"}))
	require.NoError(t, pub.Publish(ctx, stream, env))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 2, conn.count())
}

func TestHandler_ThrottleSpacesDeliveries(t *testing.T) {
	client := newTestBroker(t)
	conn := &recordingConnector{}
	cfg := testConfig("webchat")
	cfg.Throttle = 80 * time.Millisecond
	h, stop := startHandler(t, client, conn, cfg)
	defer stop()

	require.NoError(t, h.WatchResponses("user-1"))

	pub := bus.NewPublisher(client, nil, observability.NewNoopLogger(), nil)
	stream := keys.NewBuilder("").EdgeResponse("webchat", "user-1")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		env := envelope.New("agent", envelope.WithContent(map[string]interface{}{"n": i}))
		require.NoError(t, pub.Publish(ctx, stream, env))
	}

	require.Eventually(t, func() bool {
		return conn.count() == 3
	}, 3*time.Second, 20*time.Millisecond)

	got := conn.deliveries()
	assert.GreaterOrEqual(t, got[2].at.Sub(got[0].at), 150*time.Millisecond)
}

func TestHandler_WatchRequiresRun(t *testing.T) {
	client := newTestBroker(t)
	h, err := New(client, &recordingConnector{}, testConfig("webchat"), nil, nil)
	require.NoError(t, err)

	assert.Error(t, h.WatchResponses("user-1"))
	h.UnwatchResponses("user-1") // unknown target is a no-op
}

func TestHandler_RunTwiceFails(t *testing.T) {
	client := newTestBroker(t)
	conn := &recordingConnector{}
	h, stop := startHandler(t, client, conn, testConfig("webchat"))
	defer stop()

	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return h.runCtx != nil
	}, time.Second, 10*time.Millisecond)

	err := h.Run(context.Background())
	assert.ErrorContains(t, err, "already running")
}

func TestHandler_StopDrainsWatchers(t *testing.T) {
	client := newTestBroker(t)
	conn := &recordingConnector{}
	h, stop := startHandler(t, client, conn, testConfig("webchat"))

	require.NoError(t, h.WatchResponses("user-1"))
	require.NoError(t, h.WatchResponses("user-2"))
	stop()

	h.mu.RLock()
	defer h.mu.RUnlock()
	assert.Empty(t, h.watchers)
}

func TestDirectiveFor(t *testing.T) {
	raw := map[string]interface{}{"directive_type": "OPEN_WINDOW", "window_id": "w1"}
	assert.Equal(t, raw, DirectiveFor(raw))

	d := DirectiveFor(map[string]interface{}{"text": "hi there"})
	assert.Equal(t, "APPEND_TO_TEXT_DISPLAY", d["directive_type"])
	assert.Equal(t, "main_chat_window", d["window_id"])
	assert.Equal(t, "chat_log", d["component_id"])
	assert.Equal(t, "Agent: hi there\n", d["content_to_append"])

	d = DirectiveFor([]interface{}{"weird"})
	assert.Equal(t, "SHOW_NOTIFICATION", d["directive_type"])
	assert.Equal(t, "error", d["notification_type"])
	assert.Contains(t, d["message"], "unhandled response format")

	long := make(map[string]interface{}, 1)
	long["blob"] = string(make([]byte, 500))
	d = DirectiveFor(long)
	msg, ok := d["message"].(string)
	require.True(t, ok)
	assert.LessOrEqual(t, len(msg), len("Agent sent unhandled response format: ")+100)
}
