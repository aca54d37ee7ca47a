package chat

// UserProfile is what the client tells us about the customer when opening a session.
type UserProfile struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Locale   string         `json:"locale,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Identity captures the stable ids a conversation runs under.
type Identity struct {
	ProfileID   string         `json:"profileId"`
	UserID      string         `json:"userId"`
	SessionID   string         `json:"sessionId"`
	DisplayName string         `json:"displayName"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Mode is the handover state of a conversation.
type Mode string

const (
	ModeBot             Mode = "bot"
	ModeHandoverPending Mode = "handover_pending"
	ModeAgent           Mode = "agent"
)

// HandoverContext carries what the bot knew when it asked for a human.
type HandoverContext struct {
	Sentiment string `json:"sentiment,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Complete reports whether both fields are already filled.
func (h HandoverContext) Complete() bool {
	return h.Sentiment != "" && h.Reason != ""
}

// AgentCredentials are issued by the credential endpoint for one agent contact.
type AgentCredentials struct {
	ContactID        string `json:"contactId"`
	ParticipantID    string `json:"participantId"`
	ParticipantToken string `json:"participantToken"`
}
