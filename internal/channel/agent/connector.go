package agent

import (
	"context"

	"github.com/zhouzirui/handover-chat/backend/internal/channel"
	"github.com/zhouzirui/handover-chat/backend/internal/model/chat"
	"github.com/zhouzirui/handover-chat/backend/internal/service/dedup"
)

// Connector issues credentials and opens agent adapters for one conversation.
// Each Open gets a fresh transport; the dedup cache is shared across them.
type Connector struct {
	credentials  *CredentialClient
	newTransport func() Transport
	cache        *dedup.Cache
	opts         Options
}

// NewConnector wires the credential client to a transport factory.
func NewConnector(credentials *CredentialClient, newTransport func() Transport, cache *dedup.Cache, opts Options) *Connector {
	if cache == nil {
		cache = dedup.New(0, 0)
	}
	return &Connector{
		credentials:  credentials,
		newTransport: newTransport,
		cache:        cache,
		opts:         opts,
	}
}

// RequestCredentials asks the start-chat endpoint for a participant connection.
func (c *Connector) RequestCredentials(ctx context.Context, id chat.Identity, transcript []byte, hc chat.HandoverContext) (chat.AgentCredentials, error) {
	return c.credentials.Request(ctx, CredentialRequest{Identity: id, Transcript: transcript, Context: hc})
}

// Open builds an unconnected adapter for creds.
func (c *Connector) Open(creds chat.AgentCredentials) channel.Channel {
	return New(creds, c.newTransport(), c.cache, c.opts)
}
