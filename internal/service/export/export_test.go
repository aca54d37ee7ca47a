package export

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/zhouzirui/handover-chat/backend/internal/model/chat"
)

func TestRenderBlocks(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	entries := []chat.Entry{
		{From: chat.RoleUser, Text: "hi", CreatedAt: at},
		{From: chat.RoleBot, Payload: json.RawMessage(`{"text":"hello there"}`), CreatedAt: at.Add(time.Second)},
		{From: chat.RoleAgent, Text: "agent here", CreatedAt: at.Add(2 * time.Second)},
		{From: chat.RoleSystem, Text: "You returned to the virtual assistant.", CreatedAt: at.Add(3 * time.Second)},
	}

	got := Render(entries, nil)
	want := strings.Join([]string{
		"[2024-05-01 09:30:00] You: hi",
		"[2024-05-01 09:30:01] Bot: hello there",
		"[2024-05-01 09:30:02] Agent: agent here",
		"[2024-05-01 09:30:03] System: You returned to the virtual assistant.",
	}, "\n\n")
	assert.Equal(t, want, got)
}

func TestRenderDumpsPayloadWithoutText(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	got := Render([]chat.Entry{
		{From: chat.RoleBot, Payload: json.RawMessage(`{"data":{"cards":[1]}}`), CreatedAt: at},
	}, time.UTC)

	assert.True(t, strings.HasPrefix(got, "[2024-05-01 09:30:00] Bot: {\n"))
	assert.Contains(t, got, `  "data": {`)
}

func TestRenderUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	got := Render([]chat.Entry{{From: chat.RoleUser, Text: "x", CreatedAt: time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)}}, loc)
	assert.Equal(t, "[2024-05-02 04:00:00] You: x", got)
}

func TestRenderEmpty(t *testing.T) {
	assert.Equal(t, "", Render(nil, nil))
}

func TestFileName(t *testing.T) {
	name := FileName(time.Date(2024, 5, 1, 9, 30, 15, 123_000_000, time.UTC))
	assert.Equal(t, "chat-transcript-2024-05-01T09-30-15-123Z.txt", name)
}
