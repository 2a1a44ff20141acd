// Package signal implements the screen-share signaling relay: the JSON wire
// protocol, the host/client session registry, and the message router that
// forwards negotiation payloads between the two slots.
package signal

import (
	"encoding/json"
	"time"
)

// Message types exchanged on the signaling WebSocket.
const (
	TypeHostRegister   = "host-register"
	TypeClientRegister = "client-register"

	TypeClientAccepted = "client-accepted"
	TypeStreamConflict = "stream-conflict"
	TypeAuthFailed     = "auth-failed"

	TypeRequestOffer = "request-offer"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeCandidate    = "candidate"

	TypeHostDisconnected   = "host-disconnected"
	TypeClientDisconnected = "client-disconnected"
	TypePasscodeUpdated    = "passcode-updated"
)

// Slot names used in the envelope "to" field.
const (
	SlotHost   = "host"
	SlotClient = "client"
)

// Envelope is the top-level frame on the signaling socket. Forwarded frames
// (offer/answer/candidate and anything else carrying "to") are relayed as
// the raw bytes that arrived; the envelope is only decoded far enough to
// route them.
type Envelope struct {
	Type     string          `json:"type"`
	To       string          `json:"to,omitempty"`
	Passcode string          `json:"passcode,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// PasscodeState is the passcode-updated broadcast sent to every attached
// connection whenever the credential changes.
type PasscodeState struct {
	Type      string    `json:"type"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
	Used      bool      `json:"used"`
}
