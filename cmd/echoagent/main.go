// Command echoagent runs a minimal agent wired through the bus adapter: it
// registers under its agent id, consumes its inbox and answers every
// envelope carrying a reply_to with an echo of the content, correlation id
// preserved. It doubles as the responder half of the request/reply examples
// and as a liveness probe for a deployed bus.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ag1-io/aetherbus/internal/config"
	"github.com/ag1-io/aetherbus/pkg/adapter"
	"github.com/ag1-io/aetherbus/pkg/broker"
	"github.com/ag1-io/aetherbus/pkg/envelope"
	"github.com/ag1-io/aetherbus/pkg/observability"
	"github.com/ag1-io/aetherbus/pkg/redis"
)

// stopTimeout bounds the adapter teardown on shutdown.
const stopTimeout = 30 * time.Second

// echoAgent answers inbox traffic with a mirrored reply.
type echoAgent struct {
	name    string
	adapter *adapter.Adapter
	logger  observability.Logger
}

// handle is the agent's core handler. Envelopes without a reply_to have
// nowhere to answer to and are dropped after logging; everything else gets
// its content echoed back with the correlation id preserved.
func (a *echoAgent) handle(ctx context.Context, env *envelope.Envelope, _ broker.Client) error {
	if env.ReplyTo == "" {
		a.logger.Debug("Envelope without reply_to, nothing to echo", map[string]interface{}{
			"envelope_id": env.EnvelopeID,
			"role":        env.Role,
		})
		return nil
	}

	reply := envelope.New("agent",
		envelope.WithAgentName(a.name),
		envelope.WithCorrelationID(env.CorrelationID),
		envelope.WithUserID(env.UserID),
		envelope.WithSessionCode(env.SessionCode),
		envelope.WithContent(env.Content),
	)
	reply.AddHop(a.name)

	if err := a.adapter.Publish(ctx, env.ReplyTo, reply); err != nil {
		return err
	}
	a.logger.Info("Echoed envelope", map[string]interface{}{
		"envelope_id":    env.EnvelopeID,
		"reply_to":       env.ReplyTo,
		"correlation_id": env.CorrelationID,
	})
	return nil
}

func main() {
	agentID := flag.String("agent", "echo", "agent id to register and consume the inbox of")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger := cfg.Logger().WithPrefix("echoagent")

	client, err := redis.NewStreamsClient(cfg.StreamsConfig(), logger)
	if err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	defer client.Close()

	agent := &echoAgent{name: *agentID, logger: logger}

	inbox := cfg.KeyBuilder().AgentInbox(*agentID)
	busAdapter, err := adapter.New(client, &adapter.Config{
		AgentID:   *agentID,
		Namespace: cfg.Bus.Namespace,
		Patterns:  []string{inbox},
		BlockTime: cfg.Bus.BlockTime(),
		PollDelay: cfg.Bus.PollDelay(),
	}, agent.handle, logger, nil)
	if err != nil {
		log.Fatalf("Failed to create adapter: %v", err)
	}
	agent.adapter = busAdapter

	ctx := context.Background()
	if err := busAdapter.Start(ctx); err != nil {
		log.Fatalf("Failed to start adapter: %v", err)
	}
	logger.Info("Echo agent running", map[string]interface{}{
		"agent_id": *agentID,
		"inbox":    inbox,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Received shutdown signal", nil)

	shutdownCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	if err := busAdapter.Stop(shutdownCtx); err != nil {
		logger.Error("Adapter shutdown error", map[string]interface{}{
			"error": err.Error(),
		})
	}
	logger.Info("Echo agent stopped gracefully", nil)
}
