// ABOUTME: Agent-relay wire protocol messages and JSON envelope codec
// ABOUTME: Defines the message kinds exchanged over the persistent websocket

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ProtocolVersion is the only protocol version this relay speaks.
const ProtocolVersion = 1

// Message type identifiers carried in the envelope "type" field.
const (
	TypeHello         = "hello"
	TypeWelcome       = "welcome"
	TypeAuthFail      = "auth_fail"
	TypeSnapshot      = "snapshot"
	TypeResyncRequest = "resync_request"
	TypeCommand       = "command"
	TypeCommandAck    = "command_ack"
	TypeCommandNack   = "command_nack"
	TypeHeartbeat     = "heartbeat"
)

// AuthFail error codes.
const (
	AuthFailInvalidCredential  = "invalid_credential"
	AuthFailRevokedCredential  = "revoked_credential"
	AuthFailUnsupportedVersion = "unsupported_version"
	AuthFailMalformed          = "malformed"
)

// Recognized editable configuration fields. Commands may only target these;
// snapshots may carry any additional fields, which are preserved verbatim.
const (
	FieldServerName  = "server_name"
	FieldModList     = "mod_list"
	FieldPlayerLimit = "player_limit"
)

// ErrUnknownMessageType is returned when an envelope carries a type this
// protocol version does not define.
var ErrUnknownMessageType = errors.New("unknown message type")

// Envelope frames one protocol message as a JSON websocket text frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hello initiates authentication. Must be the first frame an agent sends.
type Hello struct {
	APIKey          string `json:"api_key"`
	ProtocolVersion int    `json:"protocol_version"`
}

// Welcome confirms authentication and binds the connection to a tenant.
type Welcome struct {
	TenantID string `json:"tenant_id"`
}

// AuthFail rejects a connection during authentication.
type AuthFail struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Snapshot carries the agent's full view of the tracked configuration.
type Snapshot struct {
	Version    int64                      `json:"version"`
	Fields     map[string]json.RawMessage `json:"fields"`
	CapturedAt time.Time                  `json:"captured_at"`
}

// ResyncRequest demands a fresh full Snapshot from the agent.
type ResyncRequest struct{}

// Command instructs the agent to apply a single field update.
type Command struct {
	Sequence int64           `json:"sequence"`
	Field    string          `json:"field"`
	Value    json.RawMessage `json:"value"`
}

// CommandAck confirms a command was applied.
type CommandAck struct {
	Sequence int64 `json:"sequence"`
}

// CommandNack reports that a command could not be applied.
type CommandNack struct {
	Sequence int64  `json:"sequence"`
	Error    string `json:"error,omitempty"`
}

// Heartbeat signals agent liveness.
type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
}

// IsEditableField reports whether commands may target the given field.
func IsEditableField(name string) bool {
	switch name {
	case FieldServerName, FieldModList, FieldPlayerLimit:
		return true
	}
	return false
}

// EditableFields returns the recognized editable field names.
func EditableFields() []string {
	return []string{FieldServerName, FieldModList, FieldPlayerLimit}
}

// Encode marshals a payload into a framed envelope ready for the wire.
func Encode(msgType string, payload any) ([]byte, error) {
	env := Envelope{Type: msgType}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", msgType, err)
	}
	return data, nil
}

// Decode parses a raw frame into an envelope. The payload is left raw;
// use DecodePayload to unmarshal it into the appropriate message struct.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	switch env.Type {
	case TypeHello, TypeWelcome, TypeAuthFail, TypeSnapshot, TypeResyncRequest,
		TypeCommand, TypeCommandAck, TypeCommandNack, TypeHeartbeat:
		return &env, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}
