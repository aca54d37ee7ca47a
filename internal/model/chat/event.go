package chat

import (
	"encoding/json"
	"time"
)

// EventKind enumerates the normalized channel event shapes.
type EventKind string

const (
	EventMessage      EventKind = "message"
	EventTyping       EventKind = "typing"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventEnded        EventKind = "ended"
	EventError        EventKind = "error"
	EventHandover     EventKind = "handover"
	EventEmbed        EventKind = "embed"
)

// ContentTypePlainText is the only content type treated as conversational text.
const ContentTypePlainText = "text/plain"

// Event is what a channel adapter hands to the orchestrator, regardless of transport.
type Event struct {
	Kind        EventKind       `json:"kind"`
	Role        Role            `json:"role,omitempty"`
	ContentType string          `json:"contentType,omitempty"`
	Text        string          `json:"text,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RawID       string          `json:"rawId,omitempty"`
	ChannelID   string          `json:"channelId,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`

	// Typing is set for EventTyping.
	Typing bool `json:"typing,omitempty"`
	// EndsConversation marks agent system messages that mean the agent left.
	EndsConversation bool `json:"endsConversation,omitempty"`
	// Handover is set for EventHandover.
	Handover *HandoverContext `json:"handover,omitempty"`
	// EmbedURL is set for EventEmbed.
	EmbedURL string `json:"embedUrl,omitempty"`
	// Err is set for EventError.
	Err error `json:"-"`
}

// Displayable reports whether the event carries something worth a transcript entry.
func (e Event) Displayable() bool {
	return e.Text != "" || len(e.Payload) > 0
}
