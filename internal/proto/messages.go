package proto

import (
	"encoding/json"
	"strconv"
)

// Type is the discriminant carried in the "type" field of every control message.
type Type string

const (
	// TypeTunnelRequest client -> server: expose LocalPort.
	TypeTunnelRequest Type = "TunnelRequest"
	// TypeTunnelResponse server -> client: the public port allocated for the tunnel.
	TypeTunnelResponse Type = "TunnelResponse"
	// TypeCreateDataChannel server -> client: open one new forwarding connection.
	TypeCreateDataChannel Type = "CreateDataChannel"
	// TypeHeartbeat is sent by either side as a liveness ping.
	TypeHeartbeat Type = "Heartbeat"
)

// Message is a control-channel message. Type selects the variant; only the
// field belonging to that variant is meaningful and only that field is encoded.
type Message struct {
	Type         Type
	LocalPort    uint16 // TunnelRequest
	AssignedPort uint16 // TunnelResponse
}

// NewTunnelRequest asks the server to expose localPort.
func NewTunnelRequest(localPort uint16) Message {
	return Message{Type: TypeTunnelRequest, LocalPort: localPort}
}

// NewTunnelResponse carries the public port the server allocated.
func NewTunnelResponse(assignedPort uint16) Message {
	return Message{Type: TypeTunnelResponse, AssignedPort: assignedPort}
}

// CreateDataChannel asks the client to open one data connection.
func CreateDataChannel() Message { return Message{Type: TypeCreateDataChannel} }

// Heartbeat is the liveness message.
func Heartbeat() Message { return Message{Type: TypeHeartbeat} }

// String renders m for logs.
func (m Message) String() string {
	switch m.Type {
	case TypeTunnelRequest:
		return "TunnelRequest{local_port:" + strconv.Itoa(int(m.LocalPort)) + "}"
	case TypeTunnelResponse:
		return "TunnelResponse{assigned_port:" + strconv.Itoa(int(m.AssignedPort)) + "}"
	}
	return string(m.Type)
}

// wire shapes, one per variant
type tunnelRequestJSON struct {
	Type      Type   `json:"type"`
	LocalPort uint16 `json:"local_port"`
}

type tunnelResponseJSON struct {
	Type         Type   `json:"type"`
	AssignedPort uint16 `json:"assigned_port"`
}

type bareJSON struct {
	Type Type `json:"type"`
}

// MarshalJSON emits the discriminant and the variant's own fields only.
func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case TypeTunnelRequest:
		return json.Marshal(tunnelRequestJSON{Type: m.Type, LocalPort: m.LocalPort})
	case TypeTunnelResponse:
		return json.Marshal(tunnelResponseJSON{Type: m.Type, AssignedPort: m.AssignedPort})
	case TypeCreateDataChannel, TypeHeartbeat:
		return json.Marshal(bareJSON{Type: m.Type})
	case "":
		return nil, ErrMissingType
	}
	return nil, unknownType(m.Type)
}
