package a2a

// AgentCard is the discovery document served at /.well-known/agent.json.
type AgentCard struct {
	ProtocolVersion string            `json:"protocolVersion"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	Version         string            `json:"version,omitempty"`
	URL             string            `json:"url,omitempty"`
	Capabilities    AgentCapabilities `json:"capabilities"`
	Skills          []AgentSkill      `json:"skills,omitempty"`
}

// AgentCapabilities advertises optional protocol features.
type AgentCapabilities struct {
	Streaming bool `json:"streaming"`
}

// AgentSkill describes one agent reachable through this server, as
// listed by /.well-known/a2a/agents.
type AgentSkill struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
}
