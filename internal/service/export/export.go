// Package export renders a transcript as a plain-text download.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zhouzirui/handover-chat/backend/internal/model/chat"
)

// TimeLayout is the timestamp layout used inside exported blocks.
const TimeLayout = "2006-01-02 15:04:05"

// ContentType is the media type of the exported artifact.
const ContentType = "text/plain; charset=utf-8"

// Render produces one "[time] Role: content" block per entry, separated by a
// blank line. loc defaults to UTC.
func Render(entries []chat.Entry, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}

	blocks := make([]string, 0, len(entries))
	for _, e := range entries {
		blocks = append(blocks, fmt.Sprintf("[%s] %s: %s",
			e.CreatedAt.In(loc).Format(TimeLayout), Label(e.From), content(e)))
	}
	return strings.Join(blocks, "\n\n")
}

// Label maps a role to its exported speaker name.
func Label(role chat.Role) string {
	switch role {
	case chat.RoleUser:
		return "You"
	case chat.RoleAgent:
		return "Agent"
	case chat.RoleBot:
		return "Bot"
	default:
		return "System"
	}
}

// FileName is chat-transcript-<ISO timestamp with ':' and '.' replaced by '-'>.txt.
func FileName(now time.Time) string {
	stamp := now.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	return "chat-transcript-" + stamp + ".txt"
}

func content(e chat.Entry) string {
	if text := e.DisplayText(); text != "" {
		return text
	}

	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		return string(payload)
	}
	return buf.String()
}
