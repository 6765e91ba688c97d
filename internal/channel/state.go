package channel

// State is the duplex channel's connection lifecycle state machine
// (spec §4.D): Disconnected → Connecting → Connected →
// (Disconnecting | Reconnecting) → Disconnected.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateReconnecting  State = "reconnecting"
)
