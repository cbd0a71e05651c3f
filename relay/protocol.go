// Package relay is the off-chain message path between dispute parties: a
// WebSocket server that forwards JSON payloads between registered client
// ids, and the matching client. The relay is untrusted and only ever sees
// data that ends up on chain anyway.
package relay

import (
	"encoding/json"
	"errors"
)

// Message types.
const (
	TypeRegister   = "REGISTER"
	TypeRegistered = "REGISTERED"
	TypeForward    = "FORWARD"
)

var (
	ErrNotRegistered = errors.New("relay client not registered")
	ErrClosed        = errors.New("relay connection closed")
)

// Message is the single wire frame. ClientID is the sender's id in
// REGISTER and the recipient's in FORWARD.
type Message struct {
	Type     string          `json:"type"`
	ClientID string          `json:"clientId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}
