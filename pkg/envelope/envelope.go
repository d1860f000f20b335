// Package envelope defines the unit of exchange on the bus: a typed record
// carrying routing fields, an opaque content payload and a trace of the hops
// it passed through. Envelopes are serialised as JSON; decoding tolerates
// unknown fields so producers and consumers can evolve independently.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// TypeMessage is the envelope type assigned when the producer does not set one.
const TypeMessage = "message"

// Envelope is the only payload ever written to a stream. Optional string
// fields keep their zero value when unset; map and slice fields are
// initialised empty by New so a fresh envelope round-trips without nil/empty
// surprises.
type Envelope struct {
	EnvelopeID    string `json:"envelope_id"`
	CorrelationID string `json:"correlation_id"`

	// Role conveys intent, not identity: "user", "agent", "system",
	// "bridge_service", "user_interface_event" and the like.
	Role         string `json:"role"`
	EnvelopeType string `json:"envelope_type"`

	UserID      string `json:"user_id"`
	AgentName   string `json:"agent_name"`
	SessionCode string `json:"session_code"`
	TaskID      string `json:"task_id"`
	Target      string `json:"target"`
	ReplyTo     string `json:"reply_to"`

	// Content is opaque to the bus. It is usually a JSON object but old
	// producers also ship bare strings.
	Content interface{} `json:"content"`

	// Trace holds "hop:unix-seconds" entries, appended by each transit
	// component. Appending here is the only legal in-flight mutation.
	Trace []string `json:"trace"`

	Headers map[string]interface{} `json:"headers"`
	Meta    map[string]interface{} `json:"meta"`

	Usage         map[string]interface{} `json:"usage"`
	BillingHint   string                 `json:"billing_hint"`
	ToolsUsed     []string               `json:"tools_used"`
	AuthSignature string                 `json:"auth_signature"`

	// Timestamp is set at construction and never rewritten in transit.
	Timestamp string `json:"timestamp"`
}

// Option mutates a freshly constructed Envelope.
type Option func(*Envelope)

// WithContent sets the content payload.
func WithContent(content interface{}) Option {
	return func(e *Envelope) { e.Content = content }
}

// WithCorrelationID sets the correlation id used to pair replies with requests.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithEnvelopeType overrides the default "message" type.
func WithEnvelopeType(t string) Option {
	return func(e *Envelope) { e.EnvelopeType = t }
}

// WithUserID sets the originating user.
func WithUserID(id string) Option {
	return func(e *Envelope) { e.UserID = id }
}

// WithAgentName sets the producing agent's name.
func WithAgentName(name string) Option {
	return func(e *Envelope) { e.AgentName = name }
}

// WithSessionCode sets the session the envelope belongs to.
func WithSessionCode(code string) Option {
	return func(e *Envelope) { e.SessionCode = code }
}

// WithTaskID sets the task the envelope belongs to.
func WithTaskID(id string) Option {
	return func(e *Envelope) { e.TaskID = id }
}

// WithTarget sets the logical destination hint.
func WithTarget(target string) Option {
	return func(e *Envelope) { e.Target = target }
}

// WithReplyTo sets the stream replies should be published to.
func WithReplyTo(stream string) Option {
	return func(e *Envelope) { e.ReplyTo = stream }
}

// WithMeta merges fields into the envelope's meta map.
func WithMeta(meta map[string]interface{}) Option {
	return func(e *Envelope) {
		for k, v := range meta {
			e.Meta[k] = v
		}
	}
}

// WithHeaders merges fields into the envelope's headers map.
func WithHeaders(headers map[string]interface{}) Option {
	return func(e *Envelope) {
		for k, v := range headers {
			e.Headers[k] = v
		}
	}
}

// New builds an Envelope with a random envelope id, the current UTC
// timestamp and empty trace, headers, meta, usage and tools_used
// collections. The envelope type defaults to "message".
func New(role string, opts ...Option) *Envelope {
	e := &Envelope{
		EnvelopeID:   uuid.NewString(),
		Role:         role,
		EnvelopeType: TypeMessage,
		Trace:        []string{},
		Headers:      map[string]interface{}{},
		Meta:         map[string]interface{}{},
		Usage:        map[string]interface{}{},
		ToolsUsed:    []string{},
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Bytes serialises the envelope as JSON.
func (e *Envelope) Bytes() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// FromBytes parses an envelope from its JSON encoding. The payload must be
// valid UTF-8; NUL bytes are stripped before parsing because legacy streams
// occasionally contain them. Unknown fields are silently dropped.
func FromBytes(data []byte) (*Envelope, error) {
	if !utf8.Valid(data) {
		return nil, &DecodeError{Reason: "payload is not valid UTF-8"}
	}
	if bytes.IndexByte(data, 0) >= 0 {
		data = bytes.ReplaceAll(data, []byte{0}, nil)
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, &DecodeError{Reason: "invalid envelope JSON", Err: err}
	}
	return &e, nil
}

// AddHop appends "<who>:<unix-seconds>" to the trace.
func (e *Envelope) AddHop(who string) {
	e.Trace = append(e.Trace, fmt.Sprintf("%s:%d", who, time.Now().Unix()))
}

// ContentMap returns the content as a string-keyed map, or nil when the
// content is absent or has another shape.
func (e *Envelope) ContentMap() map[string]interface{} {
	m, _ := e.Content.(map[string]interface{})
	return m
}

// Header returns the named header as a string, or "" when it is absent or
// holds a non-string value.
func (e *Envelope) Header(key string) string {
	s, _ := e.Headers[key].(string)
	return s
}

// DecodeError reports a payload that could not be turned into an Envelope.
// Subscribers acknowledge such entries and drop them; retrying cannot fix
// a malformed payload.
type DecodeError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("envelope decode: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("envelope decode: %s", e.Reason)
}

// Unwrap returns the underlying parse error, if any.
func (e *DecodeError) Unwrap() error { return e.Err }
