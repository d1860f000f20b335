// Package bus implements publish/subscribe over a broker.Client: a
// size-gated publisher, a consumer-group subscriber loop with dead-letter
// handling, groupless tailing and glob-pattern stream discovery.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/ag1-io/aetherbus/pkg/broker"
	"github.com/ag1-io/aetherbus/pkg/envelope"
)

// Defaults shared by the bus components. Each is tunable through the
// corresponding config struct.
const (
	// DefaultStreamMaxLen is the approximate per-stream entry cap.
	DefaultStreamMaxLen = 10000

	// DefaultSizeLimit is the serialised envelope byte limit (128 KiB).
	DefaultSizeLimit = 131072

	// DefaultBlockTime bounds each blocking read so loops observe
	// cancellation promptly.
	DefaultBlockTime = time.Second

	// DefaultDeadLetterMax is how many handler failures an entry may
	// accumulate before it is acknowledged and dropped.
	DefaultDeadLetterMax = 3

	// DefaultPollDelay is the pause between discovery scans.
	DefaultPollDelay = 5 * time.Second

	// PayloadField is the canonical entry field carrying the envelope.
	PayloadField = "data"

	// PayloadFieldLegacy is accepted on read for older producers.
	PayloadFieldLegacy = "envelope"
)

// HandlerFunc is the single declared handler shape: it receives the decoded
// envelope plus a broker capability for handlers that publish follow-ups.
// A non-nil error sends the entry through the retry machinery.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope, client broker.Client) error

// Simple adapts an envelope-only function to the HandlerFunc shape.
func Simple(fn func(ctx context.Context, env *envelope.Envelope) error) HandlerFunc {
	return func(ctx context.Context, env *envelope.Envelope, _ broker.Client) error {
		return fn(ctx, env)
	}
}

// ErrNoPayload reports a stream entry carrying no payload field.
var ErrNoPayload = errors.New("entry has no payload field")

// DecodeEntry decodes the envelope carried by a stream entry.
func DecodeEntry(entry broker.Entry) (*envelope.Envelope, error) {
	payload, ok := extractPayload(entry.Fields)
	if !ok {
		return nil, ErrNoPayload
	}
	return envelope.FromBytes(payload)
}

// extractPayload pulls the serialised envelope out of an entry's field map,
// preferring the canonical "data" field and falling back to the legacy
// "envelope" field. Values may arrive as strings or byte slices depending
// on the broker implementation.
func extractPayload(fields map[string]interface{}) ([]byte, bool) {
	for _, key := range []string{PayloadField, PayloadFieldLegacy} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case string:
			return []byte(v), true
		case []byte:
			return v, true
		}
	}
	return nil, false
}
