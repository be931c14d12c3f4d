package bus

import "time"

// InboundMessage is a user message arriving from a channel adapter.
type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	Media      []string          `json:"media,omitempty"`
	SessionKey string            `json:"session_key"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type Attachment struct {
	Type     string `json:"type"` // image | file | audio | video
	Path     string `json:"path,omitempty"`
	URL      string `json:"url,omitempty"`
	FileName string `json:"file_name,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
}

// OutboundMessage is a reply to be delivered through a channel adapter.
type OutboundMessage struct {
	Channel     string       `json:"channel"`
	ChatID      string       `json:"chat_id"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type MessageHandler func(InboundMessage) error

// Event is a gateway broadcast. Seq is assigned by the broker and increases
// monotonically; subscribers can detect gaps after drops.
type Event struct {
	Kind     string         `json:"kind"`
	Seq      uint64         `json:"seq"`
	TS       time.Time      `json:"ts"`
	Payload  map[string]any `json:"payload,omitempty"`
	Critical bool           `json:"-"`
}
