// Package edge connects external client platforms (websockets, chat
// surfaces) to the bus. A Handler consumes agent registrations from the
// platform's register stream, routes inbound client events to the
// registered agent's inbox, and relays agent responses back out through
// a platform-specific Connector.
package edge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/time/rate"

	"github.com/ag1-io/aetherbus/pkg/broker"
	"github.com/ag1-io/aetherbus/pkg/bus"
	"github.com/ag1-io/aetherbus/pkg/envelope"
	"github.com/ag1-io/aetherbus/pkg/keys"
	"github.com/ag1-io/aetherbus/pkg/observability"
)

// ErrNoAgent is returned by HandleInbound when no registration covers
// the target, neither exactly nor through the "all" wildcard.
var ErrNoAgent = errors.New("no agent registered for target")

// registrationSchema is the shape a register envelope's content must
// satisfy before it is considered. The pattern key and the inbox are
// checked in code because both have fallbacks.
const registrationSchema = `{
	"type": "object",
	"required": ["channel_type"],
	"properties": {
		"channel_type": {"type": "string", "minLength": 1},
		"agent_inbox_stream": {"type": "string"},
		"user_id_pattern": {"type": "string"}
	}
}`

// Registration records one agent's claim over a slice of the platform's
// users. Pattern is either a concrete target id or the "all" wildcard.
type Registration struct {
	Pattern      string `json:"pattern"`
	AgentName    string `json:"agent_name"`
	AgentInbox   string `json:"agent_inbox"`
	RegisteredAt string `json:"registered_at"`
}

// Connector pushes an envelope out to an external client. Implementations
// own the protocol translation (directive JSON over a websocket, a chat
// API call) and must be safe for concurrent use.
type Connector interface {
	Deliver(ctx context.Context, target string, env *envelope.Envelope) error
}

// Config holds the tunables for an edge Handler.
type Config struct {
	// Platform names the external surface, e.g. "aetherdeck". It selects
	// the register stream and the channel_type registrations must carry.
	Platform string `yaml:"platform" json:"platform" mapstructure:"platform"`

	// Namespace for stream keys. Defaults to keys.DefaultNamespace.
	Namespace string `yaml:"namespace" json:"namespace" mapstructure:"namespace"`

	// Group is the consumer group for the register stream. Defaults to
	// "<platform>-edge".
	Group string `yaml:"group" json:"group" mapstructure:"group"`

	// RelayName is stamped as agent_name on envelopes the edge produces.
	// Defaults to "<platform>_relay".
	RelayName string `yaml:"relay_name" json:"relay_name" mapstructure:"relay_name"`

	// BlockTime bounds each blocking read on register and response streams.
	BlockTime time.Duration `yaml:"block_time" json:"block_time" mapstructure:"block_time"`

	// Throttle is the minimum interval between deliveries to one target.
	// Zero disables throttling.
	Throttle time.Duration `yaml:"throttle" json:"throttle" mapstructure:"throttle"`

	// StopWait bounds how long UnwatchResponses waits for a watcher to
	// drain after cancellation.
	StopWait time.Duration `yaml:"stop_wait" json:"stop_wait" mapstructure:"stop_wait"`
}

// DefaultConfig returns edge defaults for the given platform.
func DefaultConfig(platform string) *Config {
	return &Config{
		Platform:  platform,
		Group:     platform + "-edge",
		RelayName: platform + "_relay",
		BlockTime: bus.DefaultBlockTime,
		StopWait:  5 * time.Second,
	}
}

// watcher tracks one running response listener.
type watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Handler is the bus-facing half of a platform edge. One Handler serves
// one platform; the external protocol side feeds it through HandleInbound
// and receives agent traffic through the Connector.
type Handler struct {
	client    broker.Client
	connector Connector
	config    *Config
	builder   *keys.Builder
	publisher *bus.Publisher
	schema    *gojsonschema.Schema
	logger    observability.Logger
	metrics   observability.MetricsClient

	mu       sync.RWMutex
	runCtx   context.Context
	regs     map[string]Registration
	watchers map[string]*watcher
}

// New builds an edge Handler. The client and connector are required;
// config falls back to DefaultConfig for the platform it names.
func New(client broker.Client, connector Connector, config *Config, logger observability.Logger, metrics observability.MetricsClient) (*Handler, error) {
	if client == nil {
		return nil, fmt.Errorf("broker client is required")
	}
	if connector == nil {
		return nil, fmt.Errorf("connector is required")
	}
	if config == nil || config.Platform == "" {
		return nil, fmt.Errorf("platform is required")
	}
	defaults := DefaultConfig(config.Platform)
	if config.Group == "" {
		config.Group = defaults.Group
	}
	if config.RelayName == "" {
		config.RelayName = defaults.RelayName
	}
	if config.BlockTime <= 0 {
		config.BlockTime = defaults.BlockTime
	}
	if config.StopWait <= 0 {
		config.StopWait = defaults.StopWait
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(registrationSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile registration schema: %w", err)
	}
	return &Handler{
		client:    client,
		connector: connector,
		config:    config,
		builder:   keys.NewBuilder(config.Namespace),
		publisher: bus.NewPublisher(client, nil, logger, metrics),
		schema:    schema,
		logger:    logger.WithPrefix(config.Platform + "-edge"),
		metrics:   metrics,
		regs:      make(map[string]Registration),
		watchers:  make(map[string]*watcher),
	}, nil
}

// Run consumes the platform's register stream until ctx is cancelled.
// It blocks; response watchers started while it runs are children of ctx
// and are drained before Run returns.
func (h *Handler) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.runCtx != nil {
		h.mu.Unlock()
		return fmt.Errorf("edge handler for %s already running", h.config.Platform)
	}
	h.runCtx = ctx
	h.mu.Unlock()

	sub, err := bus.NewSubscriber(h.client, &bus.SubscriberConfig{
		Group:     h.config.Group,
		BlockTime: h.config.BlockTime,
	}, h.logger, h.metrics)
	if err != nil {
		h.mu.Lock()
		h.runCtx = nil
		h.mu.Unlock()
		return err
	}

	stream := h.builder.EdgeRegister(h.config.Platform)
	h.logger.Info("Edge handler started", map[string]interface{}{
		"platform": h.config.Platform,
		"stream":   stream,
	})
	runErr := sub.Run(ctx, stream, h.handleRegister)

	h.mu.Lock()
	watchers := h.watchers
	h.watchers = make(map[string]*watcher)
	h.runCtx = nil
	h.mu.Unlock()
	for _, w := range watchers {
		w.cancel()
	}
	for _, w := range watchers {
		<-w.done
	}
	return runErr
}

// handleRegister validates and stores one registration envelope. Bad
// registrations are logged and acknowledged; they are never retried.
func (h *Handler) handleRegister(ctx context.Context, env *envelope.Envelope, _ broker.Client) error {
	if env.EnvelopeType != "register" {
		return nil
	}
	content := env.ContentMap()
	if content == nil {
		h.logger.Warn("Register envelope has no content map", map[string]interface{}{
			"envelope_id": env.EnvelopeID,
		})
		return nil
	}
	if channel, _ := content["channel_type"].(string); channel != h.config.Platform {
		return nil
	}
	result, err := h.schema.Validate(gojsonschema.NewGoLoader(content))
	if err != nil {
		h.logger.Warn("Failed to validate registration", map[string]interface{}{"error": err.Error()})
		return nil
	}
	if !result.Valid() {
		h.logger.Warn("Rejected malformed registration", map[string]interface{}{
			"agent_name": env.AgentName,
			"errors":     fmt.Sprintf("%v", result.Errors()),
		})
		return nil
	}

	pattern, _ := content["user_id_pattern"].(string)
	if pattern == "" {
		pattern, _ = content[h.config.Platform+"_user_id_pattern"].(string)
	}
	if pattern == "" {
		h.logger.Warn("Registration carries no target pattern", map[string]interface{}{
			"agent_name": env.AgentName,
		})
		return nil
	}
	inbox, _ := content["agent_inbox_stream"].(string)
	if inbox == "" && env.AgentName != "" {
		inbox = h.builder.AgentInbox(env.AgentName)
	}
	if inbox == "" {
		h.logger.Warn("Registration carries no reachable inbox", map[string]interface{}{
			"pattern": pattern,
		})
		return nil
	}

	reg := Registration{
		Pattern:      pattern,
		AgentName:    env.AgentName,
		AgentInbox:   inbox,
		RegisteredAt: env.Timestamp,
	}
	h.mu.Lock()
	h.regs[pattern] = reg
	h.mu.Unlock()
	h.metrics.IncrementCounter("edge.registrations", 1)
	h.logger.Info("Agent registered for edge traffic", map[string]interface{}{
		"pattern":    pattern,
		"agent_name": reg.AgentName,
		"inbox":      inbox,
	})
	return nil
}

// registrationFor resolves the registration covering target: an exact
// pattern wins, the "all" wildcard catches the rest.
func (h *Handler) registrationFor(target string) (Registration, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if reg, ok := h.regs[target]; ok {
		return reg, true
	}
	if reg, ok := h.regs["all"]; ok {
		return reg, true
	}
	return Registration{}, false
}

// Registrations returns a snapshot of the current registrations.
func (h *Handler) Registrations() []Registration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Registration, 0, len(h.regs))
	for _, reg := range h.regs {
		out = append(out, reg)
	}
	return out
}

// HandleInbound wraps one external client event in an envelope and
// publishes it to the inbox of the agent registered for target. The
// reply_to points back at the platform's response stream for the target,
// so agent replies flow to the watcher started by WatchResponses.
func (h *Handler) HandleInbound(ctx context.Context, target, sessionCode string, content map[string]interface{}) error {
	reg, ok := h.registrationFor(target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoAgent, target)
	}

	payload := make(map[string]interface{}, len(content)+1)
	for k, v := range content {
		payload[k] = v
	}
	if _, ok := payload["source_channel"]; !ok {
		payload["source_channel"] = h.config.Platform
	}

	env := envelope.New("user_interface_event",
		envelope.WithEnvelopeType("event"),
		envelope.WithUserID(target),
		envelope.WithSessionCode(sessionCode),
		envelope.WithAgentName(h.config.RelayName),
		envelope.WithCorrelationID(uuid.NewString()),
		envelope.WithReplyTo(h.builder.EdgeResponse(h.config.Platform, target)),
		envelope.WithContent(payload),
	)
	if err := h.publisher.Publish(ctx, reg.AgentInbox, env); err != nil {
		return fmt.Errorf("failed to forward event for %s: %w", target, err)
	}
	h.metrics.IncrementCounter("edge.inbound", 1)
	h.logger.Debug("Forwarded client event", map[string]interface{}{
		"target":     target,
		"inbox":      reg.AgentInbox,
		"agent_name": reg.AgentName,
	})
	return nil
}

// WatchResponses starts a listener on the platform's response stream for
// target, handing each envelope to the Connector. One watcher per target;
// call UnwatchResponses when the client disconnects. Run must be active.
func (h *Handler) WatchResponses(target string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.runCtx == nil {
		return fmt.Errorf("edge handler for %s is not running", h.config.Platform)
	}
	if _, ok := h.watchers[target]; ok {
		return fmt.Errorf("already watching responses for %s", target)
	}

	sub, err := bus.NewSubscriber(h.client, &bus.SubscriberConfig{
		Group:     fmt.Sprintf("%s_listener_%s", h.config.Platform, target),
		BlockTime: h.config.BlockTime,
	}, h.logger, h.metrics)
	if err != nil {
		return err
	}

	var limiter *rate.Limiter
	if h.config.Throttle > 0 {
		limiter = rate.NewLimiter(rate.Every(h.config.Throttle), 1)
	}
	ctx, cancel := context.WithCancel(h.runCtx)
	w := &watcher{cancel: cancel, done: make(chan struct{})}
	h.watchers[target] = w
	stream := h.builder.EdgeResponse(h.config.Platform, target)

	go func() {
		defer close(w.done)
		err := sub.Run(ctx, stream, func(hctx context.Context, env *envelope.Envelope, _ broker.Client) error {
			if limiter != nil {
				if err := limiter.Wait(hctx); err != nil {
					return err
				}
			}
			if err := h.connector.Deliver(hctx, target, env); err != nil {
				return fmt.Errorf("failed to deliver to %s: %w", target, err)
			}
			h.metrics.IncrementCounter("edge.delivered", 1)
			return nil
		})
		if err != nil && ctx.Err() == nil && !errors.Is(err, broker.ErrClosed) {
			h.logger.Error("Response watcher stopped", map[string]interface{}{
				"target": target,
				"error":  err.Error(),
			})
		}
	}()

	h.logger.Info("Watching responses", map[string]interface{}{
		"target": target,
		"stream": stream,
	})
	return nil
}

// UnwatchResponses stops the response listener for target and waits,
// bounded by StopWait, for it to drain. Unknown targets are a no-op.
func (h *Handler) UnwatchResponses(target string) {
	h.mu.Lock()
	w, ok := h.watchers[target]
	if ok {
		delete(h.watchers, target)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
	select {
	case <-w.done:
	case <-time.After(h.config.StopWait):
		h.logger.Warn("Response watcher did not stop in time", map[string]interface{}{
			"target": target,
		})
	}
}
