package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ag1-io/aetherbus/pkg/broker"
	"github.com/ag1-io/aetherbus/pkg/envelope"
	"github.com/ag1-io/aetherbus/pkg/observability"
)

// PayloadTooLargeError reports an envelope whose serialisation exceeds the
// configured byte limit. The broker is never called for such envelopes.
type PayloadTooLargeError struct {
	Size  int
	Limit int
}

// Error implements the error interface.
func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("envelope payload of %d bytes exceeds limit of %d bytes", e.Size, e.Limit)
}

// PublisherConfig tunes the publisher.
type PublisherConfig struct {
	// MaxLen is the approximate per-stream entry cap applied on append.
	MaxLen int64 `yaml:"max_len" json:"max_len" mapstructure:"max_len"`

	// SizeLimit is the serialised envelope byte limit.
	SizeLimit int `yaml:"size_limit" json:"size_limit" mapstructure:"size_limit"`

	// BreakerDisabled turns off the circuit breaker around appends.
	BreakerDisabled bool `yaml:"breaker_disabled" json:"breaker_disabled" mapstructure:"breaker_disabled"`
}

// DefaultPublisherConfig returns the publisher defaults.
func DefaultPublisherConfig() *PublisherConfig {
	return &PublisherConfig{
		MaxLen:    DefaultStreamMaxLen,
		SizeLimit: DefaultSizeLimit,
	}
}

// Publisher writes envelopes to streams. It is safe for concurrent use.
type Publisher struct {
	client  broker.Client
	config  *PublisherConfig
	logger  observability.Logger
	metrics observability.MetricsClient
	breaker *gobreaker.CircuitBreaker
}

// NewPublisher creates a Publisher over the given broker client.
func NewPublisher(client broker.Client, config *PublisherConfig, logger observability.Logger, metrics observability.MetricsClient) *Publisher {
	if config == nil {
		config = DefaultPublisherConfig()
	}
	if config.MaxLen <= 0 {
		config.MaxLen = DefaultStreamMaxLen
	}
	if config.SizeLimit <= 0 {
		config.SizeLimit = DefaultSizeLimit
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}

	p := &Publisher{
		client:  client,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}

	if !config.BreakerDisabled {
		p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "bus-publisher",
			MaxRequests: 3,
			Interval:    30 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 5 && failureRatio >= 0.5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("Publisher circuit breaker state changed", map[string]interface{}{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				})
			},
		})
	}

	return p
}

// Publish serialises the envelope, enforces the size gate and appends the
// entry under the canonical "data" field, trimming the stream to the
// configured approximate cap.
func (p *Publisher) Publish(ctx context.Context, stream string, env *envelope.Envelope) error {
	data, err := env.Bytes()
	if err != nil {
		return err
	}
	if len(data) > p.config.SizeLimit {
		p.metrics.IncrementCounterWithLabels("bus.publish_rejected", 1, map[string]string{"stream": stream})
		return &PayloadTooLargeError{Size: len(data), Limit: p.config.SizeLimit}
	}

	fields := map[string]interface{}{PayloadField: string(data)}

	appendEntry := func() (interface{}, error) {
		return p.client.Append(ctx, stream, fields, p.config.MaxLen)
	}

	var id interface{}
	if p.breaker != nil {
		id, err = p.breaker.Execute(appendEntry)
	} else {
		id, err = appendEntry()
	}
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}

	p.metrics.IncrementCounterWithLabels("bus.published", 1, map[string]string{"stream": stream})
	p.logger.Debug("Published envelope", map[string]interface{}{
		"stream":      stream,
		"entry_id":    id,
		"envelope_id": env.EnvelopeID,
		"size":        len(data),
	})
	return nil
}
