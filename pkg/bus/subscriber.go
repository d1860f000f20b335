package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ag1-io/aetherbus/pkg/broker"
	"github.com/ag1-io/aetherbus/pkg/envelope"
	"github.com/ag1-io/aetherbus/pkg/observability"
)

// hopSubscribe is the trace label appended to every envelope the group
// loop delivers.
const hopSubscribe = "bus_subscribe"

// transientPause is how long the loop sleeps after a broker error before
// retrying.
const transientPause = time.Second

// SubscriberConfig tunes a consumer-group subscriber.
type SubscriberConfig struct {
	// Group is the consumer group name. Required.
	Group string `yaml:"group" json:"group" mapstructure:"group"`

	// Consumer is this member's name within the group. Auto-generated
	// from the group name when empty.
	Consumer string `yaml:"consumer" json:"consumer" mapstructure:"consumer"`

	// BlockTime bounds each blocking read.
	BlockTime time.Duration `yaml:"block_time" json:"block_time" mapstructure:"block_time"`

	// DeadLetterMax is how many handler failures an entry may accumulate
	// before it is acknowledged and dropped.
	DeadLetterMax int `yaml:"dead_letter_max" json:"dead_letter_max" mapstructure:"dead_letter_max"`
}

// DefaultSubscriberConfig returns subscriber defaults for the given group.
func DefaultSubscriberConfig(group string) *SubscriberConfig {
	return &SubscriberConfig{
		Group:         group,
		BlockTime:     DefaultBlockTime,
		DeadLetterMax: DefaultDeadLetterMax,
	}
}

// Subscriber drains a stream through a consumer group, dispatching each
// decoded envelope to a handler. A Subscriber holds configuration only;
// every Run call owns its own retry state, so one Subscriber may serve
// several streams concurrently.
type Subscriber struct {
	client  broker.Client
	config  *SubscriberConfig
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewSubscriber creates a Subscriber. The config group must be set.
func NewSubscriber(client broker.Client, config *SubscriberConfig, logger observability.Logger, metrics observability.MetricsClient) (*Subscriber, error) {
	if config == nil || config.Group == "" {
		return nil, fmt.Errorf("subscriber group is required")
	}
	if config.Consumer == "" {
		config.Consumer = fmt.Sprintf("%s-%s", config.Group, uuid.NewString()[:8])
	}
	if config.BlockTime <= 0 {
		config.BlockTime = DefaultBlockTime
	}
	if config.DeadLetterMax <= 0 {
		config.DeadLetterMax = DefaultDeadLetterMax
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}

	return &Subscriber{
		client:  client,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Consumer returns the member name this subscriber reads as.
func (s *Subscriber) Consumer() string { return s.config.Consumer }

// Run ensures the group exists and drains the stream until the context is
// cancelled. Entries whose handler fails stay pending and are redelivered
// before new entries; after DeadLetterMax failed retries an entry is
// acknowledged and dropped. Run only returns the context's error or, when
// the broker client is closed underneath it, broker.ErrClosed.
func (s *Subscriber) Run(ctx context.Context, stream string, handler HandlerFunc) error {
	if err := s.client.EnsureGroup(ctx, stream, s.config.Group); err != nil {
		return fmt.Errorf("failed to ensure group for %s: %w", stream, err)
	}

	s.logger.Info("Subscribed", map[string]interface{}{
		"stream":   stream,
		"group":    s.config.Group,
		"consumer": s.config.Consumer,
	})

	// Handler failures per entry id. Owned by this call; reset on restart
	// (the pending entries list survives and redelivers).
	attempts := make(map[string]int)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		entries, err := s.readNext(ctx, stream)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, broker.ErrClosed) {
				return err
			}
			s.logger.Warn("Broker read failed, pausing", map[string]interface{}{
				"stream": stream,
				"group":  s.config.Group,
				"error":  err.Error(),
			})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(transientPause):
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
			s.process(ctx, stream, entry, handler, attempts)
		}
	}
}

// readNext returns the next entry to work on: the oldest of this consumer's
// pending entries if any exist, otherwise a fresh entry. Reading pending
// entries first is what redelivers failed handlers.
func (s *Subscriber) readNext(ctx context.Context, stream string) ([]broker.Entry, error) {
	pending, err := s.client.ReadGroup(ctx, s.config.Group, s.config.Consumer, stream, "0", 1, 0)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return pending, nil
	}
	return s.client.ReadGroup(ctx, s.config.Group, s.config.Consumer, stream, ">", 1, s.config.BlockTime)
}

// process takes one entry through decode, dispatch and acknowledgement.
func (s *Subscriber) process(ctx context.Context, stream string, entry broker.Entry, handler HandlerFunc, attempts map[string]int) {
	labels := map[string]string{"stream": stream, "group": s.config.Group}

	payload, ok := extractPayload(entry.Fields)
	if !ok {
		s.logger.Warn("Entry without payload field, dropping", map[string]interface{}{
			"stream":   stream,
			"entry_id": entry.ID,
		})
		s.ack(ctx, stream, entry.ID)
		return
	}

	env, err := envelope.FromBytes(payload)
	if err != nil {
		// Malformed payloads are consumed and lost on purpose: a retry
		// cannot fix them.
		s.logger.Error("Dropping undecodable entry", map[string]interface{}{
			"stream":   stream,
			"entry_id": entry.ID,
			"error":    err.Error(),
		})
		s.metrics.IncrementCounterWithLabels("bus.decode_errors", 1, labels)
		s.ack(ctx, stream, entry.ID)
		return
	}

	env.AddHop(hopSubscribe)
	s.metrics.IncrementCounterWithLabels("bus.consumed", 1, labels)

	if err := handler(ctx, env, s.client); err != nil {
		attempts[entry.ID]++
		if attempts[entry.ID] > s.config.DeadLetterMax {
			s.logger.Error("Dead-lettering entry after repeated handler failures", map[string]interface{}{
				"stream":   stream,
				"entry_id": entry.ID,
				"attempts": attempts[entry.ID],
				"error":    err.Error(),
			})
			s.metrics.IncrementCounterWithLabels("bus.dead_lettered", 1, labels)
			s.ack(ctx, stream, entry.ID)
			delete(attempts, entry.ID)
			return
		}
		// Not acknowledged: the entry stays pending and is redelivered.
		s.logger.Warn("Handler failed, entry will be retried", map[string]interface{}{
			"stream":   stream,
			"entry_id": entry.ID,
			"attempt":  attempts[entry.ID],
			"error":    err.Error(),
		})
		s.metrics.IncrementCounterWithLabels("bus.handler_errors", 1, labels)
		return
	}

	s.ack(ctx, stream, entry.ID)
	delete(attempts, entry.ID)
	s.metrics.IncrementCounterWithLabels("bus.acked", 1, labels)
}

// ack acknowledges one entry, logging failures. A failed ack leaves the
// entry pending; redelivery makes that safe.
func (s *Subscriber) ack(ctx context.Context, stream, id string) {
	if err := s.client.Ack(ctx, stream, s.config.Group, id); err != nil && ctx.Err() == nil {
		s.logger.Warn("Failed to ack entry", map[string]interface{}{
			"stream":   stream,
			"entry_id": id,
			"error":    err.Error(),
		})
	}
}

// Tail reads a stream without a consumer group, dispatching each decoded
// envelope. It starts at fromID ("$" tails new entries only, "0" replays
// history) and returns when the context is cancelled. Malformed entries are
// logged and skipped; handler errors are logged but do not stop the tail.
func (s *Subscriber) Tail(ctx context.Context, stream, fromID string, handler HandlerFunc) error {
	if fromID == "" || fromID == "$" {
		// Pin "tail from now" to a concrete id so entries arriving
		// between reads are never skipped.
		tip, err := s.client.LastID(ctx, stream)
		if err != nil {
			return fmt.Errorf("failed to resolve tip of %s: %w", stream, err)
		}
		fromID = tip
	}
	lastID := fromID

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		entries, err := s.client.Read(ctx, stream, lastID, 10, s.config.BlockTime)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, broker.ErrClosed) {
				return err
			}
			s.logger.Warn("Tail read failed, pausing", map[string]interface{}{
				"stream": stream,
				"error":  err.Error(),
			})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(transientPause):
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

			payload, ok := extractPayload(entry.Fields)
			if !ok {
				continue
			}
			env, err := envelope.FromBytes(payload)
			if err != nil {
				s.logger.Error("Skipping undecodable entry on tail", map[string]interface{}{
					"stream":   stream,
					"entry_id": entry.ID,
					"error":    err.Error(),
				})
				continue
			}
			if err := handler(ctx, env, s.client); err != nil {
				s.logger.Error("Tail handler failed", map[string]interface{}{
					"stream":   stream,
					"entry_id": entry.ID,
					"error":    err.Error(),
				})
			}
		}
	}
}
