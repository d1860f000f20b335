// Package rpc layers request/reply semantics over the bus: publish a
// request, then await envelopes on a private reply stream correlated by id.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ag1-io/aetherbus/pkg/broker"
	"github.com/ag1-io/aetherbus/pkg/bus"
	"github.com/ag1-io/aetherbus/pkg/envelope"
	"github.com/ag1-io/aetherbus/pkg/keys"
	"github.com/ag1-io/aetherbus/pkg/observability"
)

// ErrTimeout is returned when the deadline passes without a correlated
// reply.
var ErrTimeout = errors.New("rpc timed out awaiting reply")

// Config tunes an RPC client.
type Config struct {
	// AgentID names the private reply streams this client generates.
	// Required.
	AgentID string `yaml:"agent_id" json:"agent_id" mapstructure:"agent_id"`

	// Namespace is the stream key namespace.
	Namespace string `yaml:"namespace" json:"namespace" mapstructure:"namespace"`

	// BlockTime bounds each blocking read on the reply stream.
	BlockTime time.Duration `yaml:"block_time" json:"block_time" mapstructure:"block_time"`
}

// Client performs request/reply calls over the bus. It is safe for
// concurrent use: every call owns a private reply stream.
type Client struct {
	client    broker.Client
	publisher *bus.Publisher
	builder   *keys.Builder
	config    *Config
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// New creates an RPC client. A nil publisher gets a default one over the
// same broker client.
func New(client broker.Client, publisher *bus.Publisher, config *Config, logger observability.Logger, metrics observability.MetricsClient) (*Client, error) {
	if config == nil || config.AgentID == "" {
		return nil, fmt.Errorf("rpc agent id is required")
	}
	if config.BlockTime <= 0 {
		config.BlockTime = bus.DefaultBlockTime
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	if publisher == nil {
		publisher = bus.NewPublisher(client, nil, logger, metrics)
	}

	return &Client{
		client:    client,
		publisher: publisher,
		builder:   keys.NewBuilder(config.Namespace),
		config:    config,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// prepare fills the request's reply stream and correlation id when unset,
// returning the reply cursor to start tailing from. A freshly generated
// reply stream has no history, and reading it from the start closes the
// window where a fast responder replies before the first read; a
// caller-supplied stream may carry unrelated history, so the cursor is
// pinned to its current tip before the request leaves.
func (c *Client) prepare(ctx context.Context, req *envelope.Envelope) (string, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	if req.ReplyTo == "" {
		req.ReplyTo = c.builder.RPCReply(c.config.AgentID, uuid.NewString())
		return "0", nil
	}
	tip, err := c.client.LastID(ctx, req.ReplyTo)
	if err != nil {
		return "", fmt.Errorf("failed to resolve tip of %s: %w", req.ReplyTo, err)
	}
	return tip, nil
}

// Call publishes req to stream and blocks until a reply whose
// correlation_id matches arrives on req.ReplyTo, the timeout passes
// (ErrTimeout) or ctx is cancelled. Call fills req.ReplyTo and
// req.CorrelationID when unset, so responders can answer and callers can
// inspect them afterwards.
func (c *Client) Call(ctx context.Context, stream string, req *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	if req == nil {
		return nil, fmt.Errorf("request envelope is required")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive")
	}

	cursor, err := c.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)

	if err := c.publisher.Publish(ctx, stream, req); err != nil {
		return nil, err
	}
	c.metrics.IncrementCounter("rpc.calls", 1)

	var reply *envelope.Envelope
	err = c.awaitReplies(ctx, req.ReplyTo, cursor, deadline, func(e *envelope.Envelope) bool {
		if e.CorrelationID != req.CorrelationID {
			return false
		}
		reply = e
		return true
	})
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			c.metrics.IncrementCounter("rpc.timeouts", 1)
			c.logger.Warn("Call timed out", map[string]interface{}{
				"stream":         stream,
				"reply_to":       req.ReplyTo,
				"correlation_id": req.CorrelationID,
				"timeout":        timeout.String(),
			})
		}
		return nil, err
	}

	c.metrics.IncrementCounter("rpc.replies", 1)
	return reply, nil
}

// Stream publishes req to stream and returns a channel yielding every
// well-formed envelope arriving on req.ReplyTo, in broker insertion order,
// until the timeout passes or ctx is cancelled; then the channel closes.
// Correlation matching is the caller's concern. Like Call, Stream fills
// req.ReplyTo and req.CorrelationID when unset.
func (c *Client) Stream(ctx context.Context, stream string, req *envelope.Envelope, timeout time.Duration) (<-chan *envelope.Envelope, error) {
	if req == nil {
		return nil, fmt.Errorf("request envelope is required")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive")
	}

	cursor, err := c.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)

	if err := c.publisher.Publish(ctx, stream, req); err != nil {
		return nil, err
	}
	c.metrics.IncrementCounter("rpc.calls", 1)

	out := make(chan *envelope.Envelope)
	go func() {
		defer close(out)
		err := c.awaitReplies(ctx, req.ReplyTo, cursor, deadline, func(e *envelope.Envelope) bool {
			select {
			case out <- e:
				return false
			case <-ctx.Done():
				return true
			}
		})
		if err != nil && !errors.Is(err, ErrTimeout) && !errors.Is(err, broker.ErrClosed) && ctx.Err() == nil {
			c.logger.Error("Reply stream tail failed", map[string]interface{}{
				"reply_to": req.ReplyTo,
				"error":    err.Error(),
			})
		}
	}()
	return out, nil
}

// Await tails stream from cursor ("$" when empty) until an envelope
// matching pred arrives, the timeout passes (ErrTimeout) or ctx is
// cancelled. It is the listening half of Call, for callers whose request
// left through other means. A nil pred matches the first envelope.
func (c *Client) Await(ctx context.Context, stream, cursor string, timeout time.Duration, pred func(*envelope.Envelope) bool) (*envelope.Envelope, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive")
	}
	if cursor == "" || cursor == "$" {
		tip, err := c.client.LastID(ctx, stream)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve tip of %s: %w", stream, err)
		}
		cursor = tip
	}
	deadline := time.Now().Add(timeout)

	var match *envelope.Envelope
	err := c.awaitReplies(ctx, stream, cursor, deadline, func(e *envelope.Envelope) bool {
		if pred != nil && !pred(e) {
			return false
		}
		match = e
		return true
	})
	if err != nil {
		return nil, err
	}
	return match, nil
}

// awaitReplies tails the reply stream from cursor until the deadline,
// passing each well-formed envelope to fn in insertion order. It returns
// nil once fn reports it is done, ErrTimeout on deadline expiry, or the
// context's error on cancellation. Malformed entries are logged and
// skipped; the reply stream is ephemeral, so nothing is acknowledged.
func (c *Client) awaitReplies(ctx context.Context, stream, cursor string, deadline time.Time, fn func(*envelope.Envelope) bool) error {
	lastID := cursor

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		block := c.config.BlockTime
		if block > remaining {
			block = remaining
		}

		start := time.Now()
		entries, err := c.client.Read(ctx, stream, lastID, 10, block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, broker.ErrClosed) {
				return err
			}
			c.logger.Warn("Reply stream read failed, retrying", map[string]interface{}{
				"stream": stream,
				"error":  err.Error(),
			})
			pause := 50 * time.Millisecond
			if rest := time.Until(deadline); pause > rest {
				pause = rest
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pause):
			}
			continue
		}

		if len(entries) == 0 {
			// Guard against brokers that return instantly instead of
			// honouring the block time.
			if time.Since(start) < 10*time.Millisecond {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(20 * time.Millisecond):
				}
			}
			continue
		}

		for _, entry := range entries {
			lastID = entry.ID

			env, err := bus.DecodeEntry(entry)
			if err != nil {
				c.logger.Warn("Skipping malformed reply", map[string]interface{}{
					"stream":   stream,
					"entry_id": entry.ID,
					"error":    err.Error(),
				})
				continue
			}
			if fn(env) {
				return nil
			}
		}
	}
}
