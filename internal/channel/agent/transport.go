package agent

import (
	"context"

	"github.com/zhouzirui/handover-chat/backend/internal/model/chat"
)

// Participant roles as reported by the agent platform.
const (
	RoleCustomer = "CUSTOMER"
	RoleAgent    = "AGENT"
	RoleSystem   = "SYSTEM"
)

// ParticipantMessage is one participant event on the chat stream.
type ParticipantMessage struct {
	AbsoluteTime    string `json:"AbsoluteTime,omitempty"`
	Content         string `json:"Content,omitempty"`
	ContentType     string `json:"ContentType"`
	ID              string `json:"Id,omitempty"`
	Type            string `json:"Type,omitempty"`
	ParticipantID   string `json:"ParticipantId,omitempty"`
	DisplayName     string `json:"DisplayName,omitempty"`
	ParticipantRole string `json:"ParticipantRole,omitempty"`
	ContactID       string `json:"ContactId,omitempty"`
}

// TransportEventKind enumerates what the participant connection reports.
type TransportEventKind string

const (
	TransportEstablished TransportEventKind = "established"
	TransportMessage     TransportEventKind = "message"
	TransportBroken      TransportEventKind = "broken"
)

// TransportEvent is one item on the participant connection stream.
type TransportEvent struct {
	Kind    TransportEventKind
	Message ParticipantMessage
	Err     error
}

// Transport is the participant connection to the agent platform. A broken
// connection is reported as TransportBroken and the stream stays open while the
// transport recovers; recovery is reported as TransportEstablished. The stream
// closes after Close or once recovery is abandoned.
type Transport interface {
	Connect(ctx context.Context, creds chat.AgentCredentials) (<-chan TransportEvent, error)
	SendMessage(ctx context.Context, contentType, content string) error
	DisconnectParticipant(ctx context.Context) error
	Close() error
}
