package bus

import (
	"context"
	"errors"

	"github.com/ag1-io/aetherbus/pkg/envelope"
	"github.com/ag1-io/aetherbus/pkg/keys"
)

// ErrUnresolvable is returned when an envelope carries no routing fields a
// destination could be derived from.
var ErrUnresolvable = errors.New("cannot resolve stream from envelope")

// ResolveStream derives the destination stream from an envelope's routing
// fields, checked in priority order: session flows first, then the named
// agent's inbox, then edge registration and flow headers.
func ResolveStream(env *envelope.Envelope, builder *keys.Builder) (string, error) {
	switch {
	case env.SessionCode != "" && env.EnvelopeType == envelope.TypeMessage:
		return builder.FlowInput(env.SessionCode), nil
	case env.AgentName != "":
		return builder.AgentInbox(env.AgentName), nil
	case env.EnvelopeType == "register" && env.Header("platform") != "":
		return builder.EdgeRegister(env.Header("platform")), nil
	case env.EnvelopeType == "flow" && env.Header("flow") != "":
		return builder.FlowInput(env.Header("flow")), nil
	}
	return "", ErrUnresolvable
}

// PublishResolved resolves the destination stream from the envelope itself
// and publishes to it.
func (p *Publisher) PublishResolved(ctx context.Context, env *envelope.Envelope, builder *keys.Builder) (string, error) {
	stream, err := ResolveStream(env, builder)
	if err != nil {
		return "", err
	}
	if err := p.Publish(ctx, stream, env); err != nil {
		return "", err
	}
	return stream, nil
}
