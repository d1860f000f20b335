// Package adapter bundles an agent's bus presence behind one object:
// registration, static and dynamic subscriptions, publishing and
// request/reply. An agent using an Adapter never touches the broker
// directly.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/ag1-io/aetherbus/pkg/broker"
	"github.com/ag1-io/aetherbus/pkg/bus"
	"github.com/ag1-io/aetherbus/pkg/envelope"
	"github.com/ag1-io/aetherbus/pkg/keys"
	"github.com/ag1-io/aetherbus/pkg/observability"
	"github.com/ag1-io/aetherbus/pkg/registry"
	"github.com/ag1-io/aetherbus/pkg/rpc"
)

// DefaultStopWait bounds how long Stop and RemoveSubscription wait for each
// subscription task to wind down.
const DefaultStopWait = 5 * time.Second

// Subscription modes recorded in the wiring dump.
const (
	modeGroup    = "group"
	modeDiscover = "discover"
	modeTail     = "tail"
)

// Config tunes an Adapter.
type Config struct {
	// AgentID is this agent's identity on the bus. Required.
	AgentID string `yaml:"agent_id" json:"agent_id" mapstructure:"agent_id"`

	// Group is the consumer group all subscriptions read as. Defaults to
	// AgentID.
	Group string `yaml:"group" json:"group" mapstructure:"group"`

	// Namespace is the stream key namespace.
	Namespace string `yaml:"namespace" json:"namespace" mapstructure:"namespace"`

	// Patterns are the static subscriptions attached to the core handler
	// on Start. Entries may be concrete stream names or globs.
	Patterns []string `yaml:"patterns" json:"patterns" mapstructure:"patterns"`

	// BlockTime bounds each blocking broker read.
	BlockTime time.Duration `yaml:"block_time" json:"block_time" mapstructure:"block_time"`

	// PollDelay is the rescan pause for glob patterns.
	PollDelay time.Duration `yaml:"poll_delay" json:"poll_delay" mapstructure:"poll_delay"`

	// StopWait bounds the wait for each subscription task on shutdown.
	StopWait time.Duration `yaml:"stop_wait" json:"stop_wait" mapstructure:"stop_wait"`
}

// Wiring describes one live subscription for introspection.
type Wiring struct {
	Pattern string `json:"pattern"`
	Handler string `json:"handler"`
	Mode    string `json:"mode"`
}

// subscription is one owned consumer task.
type subscription struct {
	pattern string
	handler string
	mode    string
	cancel  context.CancelFunc
	done    chan struct{}
}

// Adapter is the per-agent bus façade. All methods are safe for concurrent
// use.
type Adapter struct {
	client     broker.Client
	config     *Config
	core       bus.HandlerFunc
	builder    *keys.Builder
	publisher  *bus.Publisher
	subscriber *bus.Subscriber
	rpc        *rpc.Client
	registry   *registry.Registry
	logger     observability.Logger
	metrics    observability.MetricsClient

	mu      sync.Mutex
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc
	subs    map[string]*subscription
}

// New creates an Adapter for the agent. The core handler serves every
// static pattern; dynamic subscriptions carry their own handlers.
func New(client broker.Client, config *Config, core bus.HandlerFunc, logger observability.Logger, metrics observability.MetricsClient) (*Adapter, error) {
	if config == nil || config.AgentID == "" {
		return nil, fmt.Errorf("adapter agent id is required")
	}
	if len(config.Patterns) > 0 && core == nil {
		return nil, fmt.Errorf("static patterns need a core handler")
	}
	if config.Group == "" {
		config.Group = config.AgentID
	}
	if config.BlockTime <= 0 {
		config.BlockTime = bus.DefaultBlockTime
	}
	if config.PollDelay <= 0 {
		config.PollDelay = bus.DefaultPollDelay
	}
	if config.StopWait <= 0 {
		config.StopWait = DefaultStopWait
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}

	builder := keys.NewBuilder(config.Namespace)
	publisher := bus.NewPublisher(client, nil, logger, metrics)

	subscriber, err := bus.NewSubscriber(client, &bus.SubscriberConfig{
		Group:     config.Group,
		BlockTime: config.BlockTime,
	}, logger, metrics)
	if err != nil {
		return nil, err
	}

	rpcClient, err := rpc.New(client, publisher, &rpc.Config{
		AgentID:   config.AgentID,
		Namespace: config.Namespace,
		BlockTime: config.BlockTime,
	}, logger, metrics)
	if err != nil {
		return nil, err
	}

	return &Adapter{
		client:     client,
		config:     config,
		core:       core,
		builder:    builder,
		publisher:  publisher,
		subscriber: subscriber,
		rpc:        rpcClient,
		registry:   registry.New(client, builder, logger),
		logger:     logger.WithPrefix(config.AgentID),
		metrics:    metrics,
		subs:       make(map[string]*subscription),
	}, nil
}

// Start registers the agent and attaches the core handler to every static
// pattern. ctx bounds the registration call only; subscriptions live until
// Stop.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return fmt.Errorf("adapter for %s already started", a.config.AgentID)
	}

	if _, err := a.registry.Register(ctx, a.config.AgentID, nil); err != nil {
		return err
	}

	a.runCtx, a.cancel = context.WithCancel(context.Background())
	a.started = true

	for _, pattern := range a.config.Patterns {
		a.spawnLocked(pattern, a.core, false)
	}

	a.logger.Info("Adapter started", map[string]interface{}{
		"agent_id": a.config.AgentID,
		"group":    a.config.Group,
		"patterns": a.config.Patterns,
	})
	return nil
}

// Stop cancels every subscription, waits up to StopWait for each, and
// unregisters the agent. Broker-closed errors are swallowed: shutdown
// races with a closing broker are normal. Stopping an adapter that never
// started is a no-op.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	a.cancel()
	subs := a.subs
	a.subs = make(map[string]*subscription)
	a.mu.Unlock()

	for _, sub := range subs {
		a.waitStopped(sub)
	}

	if err := a.registry.Unregister(ctx, a.config.AgentID); err != nil && !errors.Is(err, broker.ErrClosed) {
		return err
	}

	a.logger.Info("Adapter stopped", map[string]interface{}{
		"agent_id": a.config.AgentID,
	})
	return nil
}

// AddSubscription attaches a handler to a pattern in group mode: a
// concrete stream is consumed directly, a glob goes through discovery. It
// returns immediately; consumption runs until RemoveSubscription or Stop.
func (a *Adapter) AddSubscription(pattern string, handler bus.HandlerFunc) error {
	if handler == nil {
		return fmt.Errorf("handler is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return fmt.Errorf("adapter for %s not started", a.config.AgentID)
	}
	if _, exists := a.subs[pattern]; exists {
		return fmt.Errorf("already subscribed to %s", pattern)
	}

	a.spawnLocked(pattern, handler, false)
	return nil
}

// AddTail attaches a handler to a concrete stream in raw-tail mode: a
// groupless read from the stream tip, with no acknowledgement and no
// retry.
func (a *Adapter) AddTail(stream string, handler bus.HandlerFunc) error {
	if handler == nil {
		return fmt.Errorf("handler is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return fmt.Errorf("adapter for %s not started", a.config.AgentID)
	}
	if _, exists := a.subs[stream]; exists {
		return fmt.Errorf("already subscribed to %s", stream)
	}

	a.spawnLocked(stream, handler, true)
	return nil
}

// RemoveSubscription cancels the task attached to the pattern and waits up
// to StopWait for it to wind down. Removing an unknown pattern is an
// error.
func (a *Adapter) RemoveSubscription(pattern string) error {
	a.mu.Lock()
	sub, ok := a.subs[pattern]
	if ok {
		delete(a.subs, pattern)
	}
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("not subscribed to %s", pattern)
	}

	sub.cancel()
	a.waitStopped(sub)
	a.metrics.IncrementCounter("adapter.subscriptions_removed", 1)
	return nil
}

// Publish delegates to the Publisher.
func (a *Adapter) Publish(ctx context.Context, stream string, env *envelope.Envelope) error {
	return a.publisher.Publish(ctx, stream, env)
}

// PublishResolved derives the destination stream from the envelope's
// routing fields and publishes to it.
func (a *Adapter) PublishResolved(ctx context.Context, env *envelope.Envelope) (string, error) {
	return a.publisher.PublishResolved(ctx, env, a.builder)
}

// RequestResponse publishes req to stream and awaits the correlated reply,
// returning rpc.ErrTimeout when the timeout passes first.
func (a *Adapter) RequestResponse(ctx context.Context, stream string, req *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	return a.rpc.Call(ctx, stream, req, timeout)
}

// RequestStream publishes req to stream and returns a channel of reply
// envelopes that closes at the timeout.
func (a *Adapter) RequestStream(ctx context.Context, stream string, req *envelope.Envelope, timeout time.Duration) (<-chan *envelope.Envelope, error) {
	return a.rpc.Stream(ctx, stream, req, timeout)
}

// WaitForNextMessage tails the stream from its tip and returns the first
// envelope matching the predicate, or rpc.ErrTimeout. A nil predicate
// matches the first envelope.
func (a *Adapter) WaitForNextMessage(ctx context.Context, stream string, pred func(*envelope.Envelope) bool, timeout time.Duration) (*envelope.Envelope, error) {
	return a.rpc.Await(ctx, stream, "$", timeout, pred)
}

// ListSubscriptions returns the live subscription patterns.
func (a *Adapter) ListSubscriptions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	patterns := make([]string, 0, len(a.subs))
	for pattern := range a.subs {
		patterns = append(patterns, pattern)
	}
	return patterns
}

// DumpWiring returns each live subscription with its handler name and
// consumption mode.
func (a *Adapter) DumpWiring() []Wiring {
	a.mu.Lock()
	defer a.mu.Unlock()

	wiring := make([]Wiring, 0, len(a.subs))
	for _, sub := range a.subs {
		wiring = append(wiring, Wiring{
			Pattern: sub.pattern,
			Handler: sub.handler,
			Mode:    sub.mode,
		})
	}
	return wiring
}

// spawnLocked starts the consumer task for a pattern. Callers hold a.mu.
func (a *Adapter) spawnLocked(pattern string, handler bus.HandlerFunc, tail bool) {
	ctx, cancel := context.WithCancel(a.runCtx)

	mode := modeGroup
	switch {
	case tail:
		mode = modeTail
	case strings.Contains(pattern, "*"):
		mode = modeDiscover
	}

	sub := &subscription{
		pattern: pattern,
		handler: handlerName(handler),
		mode:    mode,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	a.subs[pattern] = sub

	go func() {
		defer close(sub.done)

		var err error
		switch mode {
		case modeTail:
			err = a.subscriber.Tail(ctx, pattern, "", handler)
		case modeDiscover:
			d := bus.NewDiscoverer(a.client, a.subscriber, &bus.DiscovererConfig{
				PollDelay: a.config.PollDelay,
			}, a.logger)
			err = d.Run(ctx, pattern, handler)
		default:
			err = a.subscriber.Run(ctx, pattern, handler)
		}
		if err != nil && ctx.Err() == nil && !errors.Is(err, broker.ErrClosed) {
			a.logger.Error("Subscription stopped unexpectedly", map[string]interface{}{
				"pattern": pattern,
				"mode":    mode,
				"error":   err.Error(),
			})
		}
	}()

	a.metrics.IncrementCounter("adapter.subscriptions_added", 1)
}

// waitStopped waits for one subscription task, bounded by StopWait.
func (a *Adapter) waitStopped(sub *subscription) {
	select {
	case <-sub.done:
	case <-time.After(a.config.StopWait):
		a.logger.Warn("Subscription did not stop in time", map[string]interface{}{
			"pattern": sub.pattern,
		})
	}
}

// handlerName resolves a function's name for wiring dumps.
func handlerName(handler bus.HandlerFunc) string {
	if handler == nil {
		return "<nil>"
	}
	name := runtime.FuncForPC(reflect.ValueOf(handler).Pointer()).Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}
