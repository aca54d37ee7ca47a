package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zhouzirui/handover-chat/backend/internal/channel"
	"github.com/zhouzirui/handover-chat/backend/internal/model/chat"
)

// CredentialRequest is everything the start-chat endpoint needs to open a contact.
type CredentialRequest struct {
	Identity   chat.Identity
	Transcript []byte
	Context    chat.HandoverContext
}

type startChatBody struct {
	UserID      string            `json:"userId"`
	SessionID   string            `json:"sessionId"`
	DisplayName string            `json:"displayName"`
	Metadata    startChatMetadata `json:"metadata"`
}

type startChatMetadata struct {
	Transcript string  `json:"transcript"`
	Sentiment  *string `json:"sentiment"`
	Reason     *string `json:"reason"`
}

// CredentialClient calls the start-chat endpoint.
type CredentialClient struct {
	url    string
	client *http.Client
}

// NewCredentialClient creates a client; a nil httpClient gets a 15s timeout.
func NewCredentialClient(url string, httpClient *http.Client) *CredentialClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &CredentialClient{url: strings.TrimSpace(url), client: httpClient}
}

// Request POSTs the handover request and returns validated participant credentials.
// Every failure wraps channel.ErrHandoverInit.
func (c *CredentialClient) Request(ctx context.Context, req CredentialRequest) (chat.AgentCredentials, error) {
	if c.url == "" {
		return chat.AgentCredentials{}, fmt.Errorf("%w: start chat url is not configured", channel.ErrHandoverInit)
	}

	transcript := string(req.Transcript)
	if transcript == "" {
		transcript = "[]"
	}
	payload, err := json.Marshal(startChatBody{
		UserID:      req.Identity.UserID,
		SessionID:   req.Identity.SessionID,
		DisplayName: req.Identity.DisplayName,
		Metadata: startChatMetadata{
			Transcript: transcript,
			Sentiment:  optional(req.Context.Sentiment),
			Reason:     optional(req.Context.Reason),
		},
	})
	if err != nil {
		return chat.AgentCredentials{}, fmt.Errorf("%w: encode request: %v", channel.ErrHandoverInit, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return chat.AgentCredentials{}, fmt.Errorf("%w: build request: %v", channel.ErrHandoverInit, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return chat.AgentCredentials{}, fmt.Errorf("%w: %v", channel.ErrHandoverInit, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return chat.AgentCredentials{}, fmt.Errorf("%w: read response: %v", channel.ErrHandoverInit, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return chat.AgentCredentials{}, fmt.Errorf("%w: start chat returned %d", channel.ErrHandoverInit, resp.StatusCode)
	}

	return parseCredentials(body)
}

// parseCredentials accepts the credentials directly or wrapped as {"body": "<json>"}.
func parseCredentials(data []byte) (chat.AgentCredentials, error) {
	var envelope struct {
		Body json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return chat.AgentCredentials{}, fmt.Errorf("%w: malformed response: %v", channel.ErrHandoverInit, err)
	}

	var wrapped string
	if len(envelope.Body) > 0 && json.Unmarshal(envelope.Body, &wrapped) == nil {
		data = []byte(wrapped)
	}

	var creds chat.AgentCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return chat.AgentCredentials{}, fmt.Errorf("%w: malformed credentials: %v", channel.ErrHandoverInit, err)
	}
	if creds.ContactID == "" || creds.ParticipantID == "" || creds.ParticipantToken == "" {
		return chat.AgentCredentials{}, fmt.Errorf("%w: incomplete credentials", channel.ErrHandoverInit)
	}
	return creds, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
