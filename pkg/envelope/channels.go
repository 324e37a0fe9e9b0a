package envelope

// Bus channel names. Per-channel delivery order is preserved by the bus;
// order across channels is not.
const (
	// ChannelHumanInput carries stamped user messages from the gateway to
	// the conversational orchestrator.
	ChannelHumanInput = "human-input"

	// ChannelChatterOutput carries user-visible replies from the
	// orchestrator back to the gateway.
	ChannelChatterOutput = "chatter-output"

	// ChannelStatus carries periodic worker state heartbeats.
	ChannelStatus = "agent:status"

	// ChannelProgress carries streamed subprocess output.
	ChannelProgress = "agent:progress"

	// ChannelBroadcast carries system messages addressed to every agent.
	ChannelBroadcast = "broadcast"

	// ChannelSystem carries operator-facing notices forwarded to browsers.
	ChannelSystem = "system"
)

// AgentChatter is the agent name claimed by the conversational orchestrator.
const AgentChatter = "chatter"

// KnownAgents lists the agent names the platform ships with. Workers claim
// frontend or backend; planner, researcher and archivist are external
// collaborators that obey the same envelope contract.
var KnownAgents = []string{"planner", "researcher", "frontend", "backend", "archivist"}

// AgentChannel returns the request channel owned by the named agent.
// Responses to that agent's requests are published on the same channel,
// correlated by in_response_to.
func AgentChannel(name string) string {
	return "agent:" + name
}
