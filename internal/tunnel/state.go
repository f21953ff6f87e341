package tunnel

// State is the control channel lifecycle. Transitions only move forward;
// Closed is terminal.
type State int32

const (
	// StateDisconnected is a Client that has not been started.
	StateDisconnected State = iota
	// StateConnecting is dialing the server.
	StateConnecting
	// StateAwaitingTunnelResponse has sent TunnelRequest and waits for the port.
	StateAwaitingTunnelResponse
	// StateEstablished runs the receive loop and heartbeat.
	StateEstablished
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingTunnelResponse:
		return "awaiting_tunnel_response"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
