package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuilder_DefaultNamespace(t *testing.T) {
	b := NewBuilder("")
	assert.Equal(t, "AG1", b.Namespace())

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"agent inbox", b.AgentInbox("pa0"), "AG1:agent:pa0:inbox"},
		{"agent outbox", b.AgentOutbox("pa0"), "AG1:agent:pa0:outbox"},
		{"user inbox", b.UserInbox("Sean"), "AG1:user:Sean:inbox"},
		{"flow input", b.FlowInput("abc"), "AG1:flow:abc:input"},
		{"flow output", b.FlowOutput("abc"), "AG1:flow:abc:output"},
		{"session stream", b.SessionStream("s1"), "AG1:session:s1:stream"},
		{"edge register", b.EdgeRegister("telegram"), "AG1:edge:telegram:register"},
		{"edge stream", b.EdgeStream("telegram", "chat42"), "AG1:edge:telegram:chat42:stream"},
		{"edge response", b.EdgeResponse("aetherdeck", "u1"), "AG1:edge:aetherdeck:u1:response"},
		{"a2a register", b.A2ARegister(), "AG1:a2a:register"},
		{"a2a inbox", b.A2AInbox("edge"), "AG1:a2a:agent:edge:inbox"},
		{"a2a stream", b.A2AStream("muse", "t1"), "AG1:a2a:stream:muse:t1"},
		{"a2a response", b.A2AResponse("muse", "t1"), "AG1:a2a:response:muse:t1"},
		{"billing ledger", b.BillingLedger("pa0"), "AG1:billing:pa0:ledger"},
		{"memory key", b.MemoryKey("c7"), "AG1:memory:c7:write"},
		{"registry agents", b.RegistryAgents(), "AG1:registry:agents"},
		{"registry info", b.RegistryInfo("pa0"), "AG1:registry:info:pa0"},
		{"rpc reply", b.RPCReply("pa0", "tok"), "AG1:rpc_reply:pa0:tok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestBuilder_CustomNamespace(t *testing.T) {
	b := NewBuilder("TEST")
	assert.Equal(t, "TEST:agent:echo:inbox", b.AgentInbox("echo"))
	assert.Equal(t, "TEST:registry:agents", b.RegistryAgents())
}

func TestBuilder_WildcardPatterns(t *testing.T) {
	// Discovery passes "*" through the builders to form scan patterns.
	b := NewBuilder("")
	assert.Equal(t, "AG1:agent:*:inbox", b.AgentInbox("*"))
	assert.Equal(t, "AG1:flow:*:input", b.FlowInput("*"))
}
