// Package protocol defines the newline-delimited JSON wire format shared
// between the Pack Howl server and its clients. One object per line, UTF-8,
// at most MaxLineBytes per line including the trailing newline.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message type tags.
const (
	TypeInit     = "init"     // client→server, once, first message
	TypeStatus   = "status"   // client→server mute flag update
	TypeAudio    = "audio"    // bidirectional, hex-encoded Opus packet
	TypeChat     = "chat"     // bidirectional, relayed verbatim
	TypeMuted    = "muted"    // legacy single-flag mic mute update
	TypeUserList = "userlist" // server→client presence snapshot
)

// Wire limits. A line exceeding MaxLineBytes or a chat text exceeding
// MaxChatRunes is a protocol violation and tears the connection down.
const (
	MaxLineBytes = 4096
	MaxChatRunes = 512
)

var (
	ErrLineTooLong = errors.New("protocol: line exceeds maximum length")
	ErrBadMessage  = errors.New("protocol: malformed message")
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// UserEntry is one row of a userlist snapshot.
type UserEntry struct {
	Name     string `json:"name"`
	IP       string `json:"ip"`
	TX       bool   `json:"tx"`
	Muted    bool   `json:"muted"`
	SpkMuted bool   `json:"spk_muted"`
}

// Message is the tagged union carried on the wire. Optional fields are
// pointers where presence matters for validation.
type Message struct {
	Type string `json:"type"`

	// init
	Name string `json:"name,omitempty"`
	IP   string `json:"ip,omitempty"`

	// init (optional) and status (required)
	Muted    *bool `json:"muted,omitempty"`
	SpkMuted *bool `json:"spk_muted,omitempty"`

	// audio
	Data string `json:"data,omitempty"`

	// chat
	Text string `json:"text,omitempty"`
	ID   string `json:"id,omitempty"`

	// muted (legacy)
	Value *bool `json:"value,omitempty"`

	// userlist
	Users []UserEntry `json:"users,omitempty"`
}

// Parse decodes and validates a single wire line. The line may include the
// trailing newline. There is no partial tolerance: any failure here must
// close the connection.
func Parse(line []byte) (Message, error) {
	if len(line) > MaxLineBytes {
		return Message{}, ErrLineTooLong
	}
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Validate enforces the per-tag required-field schema.
func (m Message) Validate() error {
	switch m.Type {
	case TypeInit:
		if m.Name == "" {
			return fmt.Errorf("%w: init requires name", ErrBadMessage)
		}
		if m.IP == "" {
			return fmt.Errorf("%w: init requires ip", ErrBadMessage)
		}
	case TypeStatus:
		if m.Muted == nil || m.SpkMuted == nil {
			return fmt.Errorf("%w: status requires muted and spk_muted", ErrBadMessage)
		}
	case TypeAudio:
		if m.Data == "" {
			return fmt.Errorf("%w: audio requires data", ErrBadMessage)
		}
	case TypeChat:
		if m.Text == "" {
			return fmt.Errorf("%w: chat requires text", ErrBadMessage)
		}
		if len([]rune(m.Text)) > MaxChatRunes {
			return fmt.Errorf("%w: chat text too long", ErrBadMessage)
		}
	case TypeMuted:
		if m.Value == nil {
			return fmt.Errorf("%w: muted requires value", ErrBadMessage)
		}
	case TypeUserList:
		// users may legitimately be empty
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return nil
}

// Encode marshals a message and appends the line delimiter.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	if len(data)+1 > MaxLineBytes {
		return nil, ErrLineTooLong
	}
	return append(data, '\n'), nil
}

// Bool is a convenience for building messages with pointer flags.
func Bool(v bool) *bool { return &v }
