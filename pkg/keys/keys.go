// Package keys builds the colon-separated stream names used across the bus.
// The builder is pure and stateless: every name is deterministic in its
// inputs, and names never collide across roles because each role has a
// distinct keyword segment.
package keys

import "fmt"

// DefaultNamespace prefixes every stream name unless overridden.
const DefaultNamespace = "AG1"

// Builder derives stream names within one namespace.
type Builder struct {
	ns string
}

// NewBuilder returns a Builder for the given namespace, falling back to
// DefaultNamespace when empty.
func NewBuilder(namespace string) *Builder {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Builder{ns: namespace}
}

// Namespace returns the namespace the builder was created with.
func (b *Builder) Namespace() string { return b.ns }

// AgentInbox names the stream of requests directed to an agent.
func (b *Builder) AgentInbox(agentID string) string {
	return fmt.Sprintf("%s:agent:%s:inbox", b.ns, agentID)
}

// AgentOutbox names the stream an agent fans its output into.
func (b *Builder) AgentOutbox(agentID string) string {
	return fmt.Sprintf("%s:agent:%s:outbox", b.ns, agentID)
}

// UserInbox names the stream of messages for a user identity.
func (b *Builder) UserInbox(userID string) string {
	return fmt.Sprintf("%s:user:%s:inbox", b.ns, userID)
}

// FlowInput names the input side of a per-session conversation flow.
func (b *Builder) FlowInput(flowID string) string {
	return fmt.Sprintf("%s:flow:%s:input", b.ns, flowID)
}

// FlowOutput names the output side of a per-session conversation flow.
func (b *Builder) FlowOutput(flowID string) string {
	return fmt.Sprintf("%s:flow:%s:output", b.ns, flowID)
}

// SessionStream names the per-session state stream.
func (b *Builder) SessionStream(sessionCode string) string {
	return fmt.Sprintf("%s:session:%s:stream", b.ns, sessionCode)
}

// EdgeRegister names the registration inbox for an edge platform.
func (b *Builder) EdgeRegister(platform string) string {
	return fmt.Sprintf("%s:edge:%s:register", b.ns, platform)
}

// EdgeStream names the traffic stream of an edge platform for one target.
func (b *Builder) EdgeStream(platform, target string) string {
	return fmt.Sprintf("%s:edge:%s:%s:stream", b.ns, platform, target)
}

// EdgeResponse names the response stream of an edge platform for one target.
func (b *Builder) EdgeResponse(platform, target string) string {
	return fmt.Sprintf("%s:edge:%s:%s:response", b.ns, platform, target)
}

// A2ARegister names the shared agent-to-agent registration stream.
func (b *Builder) A2ARegister() string {
	return fmt.Sprintf("%s:a2a:register", b.ns)
}

// A2AInbox names the agent-to-agent inbox of an agent.
func (b *Builder) A2AInbox(agentID string) string {
	return fmt.Sprintf("%s:a2a:agent:%s:inbox", b.ns, agentID)
}

// A2AStream names the agent-to-agent stream for one task of an agent.
func (b *Builder) A2AStream(agentID, taskID string) string {
	return fmt.Sprintf("%s:a2a:stream:%s:%s", b.ns, agentID, taskID)
}

// A2AResponse names the agent-to-agent response stream for one target.
func (b *Builder) A2AResponse(agentID, target string) string {
	return fmt.Sprintf("%s:a2a:response:%s:%s", b.ns, agentID, target)
}

// BillingLedger names the per-agent accounting stream.
func (b *Builder) BillingLedger(agentID string) string {
	return fmt.Sprintf("%s:billing:%s:ledger", b.ns, agentID)
}

// MemoryKey names the per-cassette memory write stream.
func (b *Builder) MemoryKey(cassetteID string) string {
	return fmt.Sprintf("%s:memory:%s:write", b.ns, cassetteID)
}

// RegistryAgents names the set holding all registered agent ids.
func (b *Builder) RegistryAgents() string {
	return fmt.Sprintf("%s:registry:agents", b.ns)
}

// RegistryInfo names the per-agent registry info map.
func (b *Builder) RegistryInfo(agentID string) string {
	return fmt.Sprintf("%s:registry:info:%s", b.ns, agentID)
}

// RPCReply names a private reply stream. Callers pass a fresh token per
// request so concurrent calls from one agent never share a stream.
func (b *Builder) RPCReply(agentID, token string) string {
	return fmt.Sprintf("%s:rpc_reply:%s:%s", b.ns, agentID, token)
}
