package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ag1-io/aetherbus/pkg/broker"
	"github.com/ag1-io/aetherbus/pkg/observability"
)

// DiscovererConfig tunes stream discovery.
type DiscovererConfig struct {
	// PollDelay is the pause between scans.
	PollDelay time.Duration `yaml:"poll_delay" json:"poll_delay" mapstructure:"poll_delay"`
}

// DefaultDiscovererConfig returns discovery defaults.
func DefaultDiscovererConfig() *DiscovererConfig {
	return &DiscovererConfig{PollDelay: DefaultPollDelay}
}

// Discoverer subscribes to streams as they appear. It polls the broker for
// keys matching a glob pattern and spawns a consumer-group subscriber for
// every new match, so agents pick up per-session streams without
// coordination.
type Discoverer struct {
	client     broker.Client
	subscriber *Subscriber
	config     *DiscovererConfig
	logger     observability.Logger
}

// NewDiscoverer creates a Discoverer that attaches the given subscriber to
// each discovered stream.
func NewDiscoverer(client broker.Client, subscriber *Subscriber, config *DiscovererConfig, logger observability.Logger) *Discoverer {
	if config == nil {
		config = DefaultDiscovererConfig()
	}
	if config.PollDelay <= 0 {
		config.PollDelay = DefaultPollDelay
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Discoverer{
		client:     client,
		subscriber: subscriber,
		config:     config,
		logger:     logger,
	}
}

// Run scans for streams matching the pattern and runs the handler on every
// one found, rescanning every poll delay. Streams are never forgotten: a
// stream that stops receiving traffic keeps its idle subscriber. Each
// subscriber is a child of this call's context; Run returns, after all
// children exit, with the context's error.
func (d *Discoverer) Run(ctx context.Context, pattern string, handler HandlerFunc) error {
	seen := make(map[string]struct{})
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		streams, err := d.client.ScanKeys(ctx, pattern)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, broker.ErrClosed) {
				return err
			}
			d.logger.Warn("Discovery scan failed, pausing", map[string]interface{}{
				"pattern": pattern,
				"error":   err.Error(),
			})
		}

		for _, stream := range streams {
			if _, ok := seen[stream]; ok {
				continue
			}
			seen[stream] = struct{}{}

			d.logger.Info("Discovered stream", map[string]interface{}{
				"pattern": pattern,
				"stream":  stream,
			})

			wg.Add(1)
			go func(stream string) {
				defer wg.Done()
				if err := d.subscriber.Run(ctx, stream, handler); err != nil && ctx.Err() == nil && !errors.Is(err, broker.ErrClosed) {
					d.logger.Error("Discovered subscriber stopped", map[string]interface{}{
						"stream": stream,
						"error":  err.Error(),
					})
				}
			}(stream)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.config.PollDelay):
		}
	}
}
