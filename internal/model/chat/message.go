package chat

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a transcript entry.
type Role string

const (
	RoleUser   Role = "user"
	RoleBot    Role = "bot"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Entry is one immutable line of the conversation transcript.
// Bot entries keep the raw bot payload so rich responses survive persistence.
type Entry struct {
	ID        string          `json:"id"`
	From      Role            `json:"from"`
	Text      string          `json:"text,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewEntryID returns a time-ordered identifier (UUIDv7, random tail as tiebreak).
func NewEntryID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewTextEntry builds a plain-text entry stamped with now.
func NewTextEntry(from Role, text string, now time.Time) Entry {
	return Entry{
		ID:        NewEntryID(),
		From:      from,
		Text:      text,
		CreatedAt: now.UTC(),
	}
}

// DisplayText 返回条目可展示的文本，优先使用纯文本，其次是载荷中的 text 字段。
func (e Entry) DisplayText() string {
	if strings.TrimSpace(e.Text) != "" {
		return e.Text
	}
	if len(e.Payload) == 0 {
		return ""
	}
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return ""
	}
	return payload.Text
}
