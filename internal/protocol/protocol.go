// Package protocol defines the JSON frame envelope and payload shapes
// exchanged with the coordinator. Every frame carries a unique id, a type
// tag, an epoch-millisecond timestamp, and a payload object.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outbound frame types.
const (
	TypeConnect             = "connect"
	TypeChatSend            = "chat.send"
	TypeChatStop            = "chat.stop"
	TypeSkillListRequest    = "skill.list.request"
	TypeSkillToggle         = "skill.toggle"
	TypeSkillInstall        = "skill.install"
	TypeSkillUninstall      = "skill.uninstall"
	TypeSkillLibraryRequest = "skill.library.request"
	TypeSkillConfigGet      = "skill.config.get"
	TypeSkillConfigSet      = "skill.config.set"
	TypePong                = "pong"
	TypeDesktopRegister     = "desktop.register"
	TypeDesktopResult       = "desktop.result"
)

// Inbound frame types.
const (
	TypeConnected            = "connected"
	TypeError                = "error"
	TypeChatChunk            = "chat.chunk"
	TypeChatDone             = "chat.done"
	TypeSkillStart           = "skill.start"
	TypeSkillResult          = "skill.result"
	TypePushMessage          = "push.message"
	TypeSkillListResponse    = "skill.list.response"
	TypeSkillLibraryResponse = "skill.library.response"
	TypeDesktopCommand       = "desktop.command"
	TypePing                 = "ping"

	// skillConfigPrefix matches the skill.config.* response family.
	skillConfigPrefix = "skill.config."
)

// Envelope is the wire frame shared by every message.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope stamps a frame with a fresh id and the current time.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	env := Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		env.Payload = raw
	} else {
		env.Payload = json.RawMessage(`{}`)
	}
	return env, nil
}

// Encode builds and serializes a frame in one step.
func Encode(typ string, payload any) ([]byte, error) {
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses a raw frame, leaving the payload for the type switch.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	return env, nil
}

// IsPassThrough reports whether an inbound type is forwarded verbatim to
// the caller's event sink with no local interpretation.
func IsPassThrough(typ string) bool {
	switch typ {
	case TypeChatChunk, TypeChatDone, TypeSkillStart, TypeSkillResult,
		TypePushMessage, TypeSkillListResponse, TypeSkillLibraryResponse:
		return true
	}
	return strings.HasPrefix(typ, skillConfigPrefix)
}

// ConnectPayload opens the handshake. Extras carries provider-specific
// fields merged into the payload object at the top level.
type ConnectPayload struct {
	Mode      string `json:"mode"`
	DeviceID  string `json:"deviceId"`
	AuthToken string `json:"authToken,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	Model     string `json:"model,omitempty"`

	Extras map[string]any `json:"-"`
}

// MarshalJSON flattens Extras into the payload object. Named fields win
// over extras on key collision.
func (p ConnectPayload) MarshalJSON() ([]byte, error) {
	type plain ConnectPayload
	base, err := json.Marshal(plain(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extras) == 0 {
		return base, nil
	}
	merged := make(map[string]any, len(p.Extras)+5)
	for k, v := range p.Extras {
		merged[k] = v
	}
	var named map[string]any
	if err := json.Unmarshal(base, &named); err != nil {
		return nil, err
	}
	for k, v := range named {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// ConnectedPayload is the server's handshake acknowledgement.
type ConnectedPayload struct {
	SessionID string   `json:"sessionId"`
	Skills    []string `json:"skills"`
}

// ErrorPayload carries a server-supplied error message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// CommandPayload is a desktop.command request.
type CommandPayload struct {
	CommandID string          `json:"commandId"`
	Command   string          `json:"command"`
	Args      json.RawMessage `json:"args"`
}

// ResultPayload is the desktop.result answer correlated by CommandID.
type ResultPayload struct {
	CommandID string          `json:"commandId"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Capability describes one locally executable function announced via
// desktop.register.
type Capability struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// RegisterPayload announces this node's local capabilities.
type RegisterPayload struct {
	DeviceID     string       `json:"deviceId"`
	Capabilities []Capability `json:"capabilities"`
}

// ChatMessage is one turn of conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatSendPayload requests a chat completion.
type ChatSendPayload struct {
	ConversationID string        `json:"conversationId"`
	Content        string        `json:"content"`
	History        []ChatMessage `json:"history"`
}

// SkillTogglePayload enables or disables a skill by name.
type SkillTogglePayload struct {
	SkillName string `json:"skillName"`
	Enabled   bool   `json:"enabled"`
}

// SkillNamePayload names a skill for install, uninstall, and config.get.
type SkillNamePayload struct {
	SkillName string `json:"skillName"`
}

// SkillConfigSetPayload replaces a skill's configuration.
type SkillConfigSetPayload struct {
	SkillName string          `json:"skillName"`
	Config    json.RawMessage `json:"config"`
}
