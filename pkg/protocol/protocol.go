package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the kind of envelope on the wire
type MessageType string

const (
	// TypeConnect confirms a successful handshake (server to client)
	TypeConnect MessageType = "connect"

	// TypeDisconnect announces an orderly shutdown of the connection
	TypeDisconnect MessageType = "disconnect"

	// TypeMessage carries a call request (client to server)
	TypeMessage MessageType = "message"

	// TypeStream carries one incremental chunk of a streaming response
	TypeStream MessageType = "stream"

	// TypeComplete is the terminal envelope of a successful call
	TypeComplete MessageType = "complete"

	// TypeError is the terminal envelope of a failed call
	TypeError MessageType = "error"

	// TypeHeartbeat is the periodic liveness signal
	TypeHeartbeat MessageType = "heartbeat"
)

// Application close codes used during the handshake (RFC 6455 reserves
// 4000-4999 for application use).
const (
	// CloseMissingCredential is sent when the handshake carries no credential
	CloseMissingCredential = 4001

	// CloseInvalidCredential is sent when the credential fails verification
	CloseInvalidCredential = 4003
)

// validTypes is the set of message types accepted by Decode
var validTypes = map[MessageType]bool{
	TypeConnect:    true,
	TypeDisconnect: true,
	TypeMessage:    true,
	TypeStream:     true,
	TypeComplete:   true,
	TypeError:      true,
	TypeHeartbeat:  true,
}

// Valid reports whether t is a known message type
func (t MessageType) Valid() bool {
	return validTypes[t]
}

// Envelope is the atomic wire message unit exchanged between router and worker
type Envelope struct {
	Type      MessageType    `json:"type"`
	ID        string         `json:"id"`
	Data      map[string]any `json:"data"`
	Timestamp float64        `json:"timestamp"`
}

// New creates an envelope of the given type, stamping the current wall clock.
// The timestamp is float seconds since the Unix epoch.
func New(t MessageType, id string, data map[string]any) Envelope {
	return Envelope{
		Type:      t,
		ID:        id,
		Data:      data,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
}

// Terminal reports whether the envelope ends a logical call. No stream
// envelope for the same call may be processed after a terminal one.
func (e Envelope) Terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError
}

// DataString returns the string value stored under key in the payload, or ""
func (e Envelope) DataString(key string) string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}

// Encode serializes an envelope to its JSON wire form
func Encode(e Envelope) ([]byte, error) {
	if !e.Type.Valid() {
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown message type %q", e.Type)}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	return data, nil
}

// Decode parses an envelope from its JSON wire form. A payload with an
// unknown type is a protocol error: the caller drops the message and keeps
// the session alive.
func Decode(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, &ProtocolError{Reason: fmt.Sprintf("malformed envelope: %v", err)}
	}

	if !e.Type.Valid() {
		return Envelope{}, &ProtocolError{Reason: fmt.Sprintf("unknown message type %q", e.Type)}
	}

	return e, nil
}

// ProtocolError reports a malformed or unrecognized wire message
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}
