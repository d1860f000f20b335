// Command bustail dumps a stream's backlog and then follows it live. It is
// the diagnostic counterpart of the bus: every entry is decoded as an
// envelope and printed, so an operator can watch traffic on any stream
// without writing a consumer.
//
// Usage:
//
//	bustail [-backlog] [-group tail] <stream>
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ag1-io/aetherbus/internal/config"
	"github.com/ag1-io/aetherbus/pkg/broker"
	"github.com/ag1-io/aetherbus/pkg/bus"
	"github.com/ag1-io/aetherbus/pkg/envelope"
	"github.com/ag1-io/aetherbus/pkg/redis"
)

func main() {
	var (
		group   = flag.String("group", "tail", "consumer group to follow the stream with")
		backlog = flag.Bool("backlog", true, "print the stream history before following")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <stream>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}
	stream := flag.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger := cfg.Logger().WithPrefix("bustail")

	client, err := redis.NewStreamsClient(cfg.StreamsConfig(), logger)
	if err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fmt.Printf("Tailing stream: %s\n\n", stream)

	if *backlog {
		if err := printBacklog(ctx, client, stream); err != nil {
			logger.Warn("Could not read backlog", map[string]interface{}{
				"stream": stream,
				"error":  err.Error(),
			})
		}
	}

	// A fresh consumer name per invocation keeps concurrent tails from
	// splitting entries between each other.
	sub, err := bus.NewSubscriber(client, &bus.SubscriberConfig{
		Group:     *group,
		Consumer:  fmt.Sprintf("tail-%d", time.Now().Unix()),
		BlockTime: cfg.Bus.BlockTime(),
	}, logger, nil)
	if err != nil {
		log.Fatalf("Failed to create subscriber: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- sub.Run(ctx, stream, bus.Simple(func(_ context.Context, env *envelope.Envelope) error {
			printEnvelope(env)
			return nil
		}))
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal", nil)
		cancel()
		<-done
	case err := <-done:
		if err != nil && ctx.Err() == nil {
			log.Fatalf("Tail stopped: %v", err)
		}
	}
}

// printBacklog dumps the stream's existing entries in insertion order.
// Entries that do not decode are shown raw so a poisoned stream can still be
// inspected.
func printBacklog(ctx context.Context, client broker.Client, stream string) error {
	entries, err := client.Range(ctx, stream, "-", "+", 0)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		env, err := bus.DecodeEntry(entry)
		if err != nil {
			fmt.Printf("[%s] <undecodable: %v>\n---\n", entry.ID, err)
			continue
		}
		printEnvelope(env)
	}
	return nil
}

// printEnvelope writes one envelope in the format operators grep for:
// timestamp and ids on the first line, then the payload and the trace.
func printEnvelope(env *envelope.Envelope) {
	fmt.Printf("[%s] %s | %s\n", env.Timestamp, env.Role, env.EnvelopeID)
	if env.EnvelopeType != "" && env.EnvelopeType != envelope.TypeMessage {
		fmt.Printf("Type: %s\n", env.EnvelopeType)
	}
	if env.CorrelationID != "" {
		fmt.Printf("Correlation: %s\n", env.CorrelationID)
	}
	if len(env.Headers) > 0 {
		fmt.Printf("Headers: %v\n", env.Headers)
	}
	fmt.Printf("Payload: %v\n", env.Content)
	fmt.Printf("Trace: %s\n", strings.Join(env.Trace, ", "))
	fmt.Print("---\n\n")
}
