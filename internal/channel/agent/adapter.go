// Package agent adapts the live human-agent participant connection to the channel contract.
package agent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/handover-chat/backend/internal/channel"
	"github.com/zhouzirui/handover-chat/backend/internal/model/chat"
	"github.com/zhouzirui/handover-chat/backend/internal/service/dedup"
)

// Name is the channel id used in logs and dedup keys.
const Name = "agent"

const (
	DefaultControlPrefix = "application/vnd.amazonaws.connect.event."

	typingSuffix = "typing"
	endedSuffix  = "chat.ended"
)

// DefaultDisconnectPhrases are matched case-insensitively against system messages.
var DefaultDisconnectPhrases = []string{
	"the agent has disconnected",
	"agent ended the chat",
}

// Options tune message classification.
type Options struct {
	DisconnectPhrases []string
	ControlPrefix     string
}

func (o Options) withDefaults() Options {
	if len(o.DisconnectPhrases) == 0 {
		o.DisconnectPhrases = DefaultDisconnectPhrases
	}
	if o.ControlPrefix == "" {
		o.ControlPrefix = DefaultControlPrefix
	}
	phrases := make([]string, 0, len(o.DisconnectPhrases))
	for _, p := range o.DisconnectPhrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			phrases = append(phrases, p)
		}
	}
	o.DisconnectPhrases = phrases
	return o
}

// Adapter implements channel.Channel over one participant connection.
type Adapter struct {
	creds     chat.AgentCredentials
	transport Transport
	cache     *dedup.Cache
	opts      Options
	now       func() time.Time

	mu      sync.Mutex
	state   channel.State
	ended   bool
	leaving bool
}

// New creates an adapter for creds.
func New(creds chat.AgentCredentials, transport Transport, cache *dedup.Cache, opts Options) *Adapter {
	if cache == nil {
		cache = dedup.New(0, 0)
	}
	return &Adapter{
		creds:     creds,
		transport: transport,
		cache:     cache,
		opts:      opts.withDefaults(),
		now:       time.Now,
		state:     channel.StateDisconnected,
	}
}

func (a *Adapter) Name() string { return Name }

// State reports the adapter's connection lifecycle.
func (a *Adapter) State() channel.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Adapter) setState(s channel.State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Connect dials the participant connection. The adapter stays connecting until
// the stream reports the connection as established.
func (a *Adapter) Connect(ctx context.Context) (<-chan chat.Event, error) {
	a.setState(channel.StateConnecting)

	stream, err := a.transport.Connect(ctx, a.creds)
	if err != nil {
		a.setState(channel.StateDisconnected)
		return nil, fmt.Errorf("%w: agent: %v", channel.ErrConnection, err)
	}

	events := make(chan chat.Event, 32)
	go func() {
		defer close(events)
		for te := range stream {
			if ev, ok := a.translate(te); ok {
				events <- ev
			}
		}
		a.setState(channel.StateDisconnected)
		// the transport gave up on the contact: the conversation is over
		if ev, ok := a.streamEnded(); ok {
			events <- ev
		}
	}()
	return events, nil
}

// Send delivers plain text to the agent. Not retried.
func (a *Adapter) Send(ctx context.Context, text string, _ map[string]any) error {
	if err := a.transport.SendMessage(ctx, chat.ContentTypePlainText, text); err != nil {
		return fmt.Errorf("%w: agent: %v", channel.ErrSend, err)
	}
	return nil
}

// Disconnect leaves the contact, then closes the connection. Failures are logged.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.state = channel.StateDisconnected
	a.leaving = true
	a.mu.Unlock()
	if err := a.transport.DisconnectParticipant(ctx); err != nil {
		log.Printf("[agent] disconnect participant %s: %v", a.creds.ParticipantID, err)
	}
	if err := a.transport.Close(); err != nil {
		log.Printf("[agent] close transport: %v", err)
	}
	return nil
}

func (a *Adapter) streamEnded() (chat.Event, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.leaving || a.ended {
		return chat.Event{}, false
	}
	a.ended = true
	return chat.Event{Kind: chat.EventEnded, ChannelID: Name, Timestamp: a.now().UTC()}, true
}

func (a *Adapter) translate(te TransportEvent) (chat.Event, bool) {
	now := a.now().UTC()

	switch te.Kind {
	case TransportEstablished:
		a.setState(channel.StateConnected)
		return chat.Event{Kind: chat.EventConnected, ChannelID: Name, Timestamp: now}, true
	case TransportBroken:
		a.setState(channel.StateDisconnected)
		return chat.Event{Kind: chat.EventDisconnected, ChannelID: Name, Err: te.Err, Timestamp: now}, true
	case TransportMessage:
		return a.translateMessage(te.Message, now)
	default:
		return chat.Event{}, false
	}
}

func (a *Adapter) translateMessage(m ParticipantMessage, now time.Time) (chat.Event, bool) {
	role := strings.ToUpper(m.ParticipantRole)

	switch m.ContentType {
	case a.opts.ControlPrefix + typingSuffix:
		if role == RoleCustomer {
			return chat.Event{}, false
		}
		return chat.Event{Kind: chat.EventTyping, Role: mapRole(role), ChannelID: Name, Typing: true, Timestamp: now}, true
	case a.opts.ControlPrefix + endedSuffix:
		a.mu.Lock()
		already := a.ended
		a.ended = true
		a.mu.Unlock()
		if already {
			return chat.Event{}, false
		}
		return chat.Event{Kind: chat.EventEnded, ChannelID: Name, RawID: m.ID, Timestamp: now}, true
	}

	if role == RoleCustomer && m.ContentType == chat.ContentTypePlainText {
		return chat.Event{}, false
	}
	if strings.HasPrefix(m.ContentType, a.opts.ControlPrefix) {
		return chat.Event{}, false
	}

	contact := m.ContactID
	if contact == "" {
		contact = a.creds.ContactID
	}
	if m.ID != "" && a.cache.Seen(dedup.Key{
		Channel:     Name,
		Contact:     contact,
		RawID:       m.ID,
		Fingerprint: dedup.Fingerprint(m.Content),
	}) {
		return chat.Event{}, false
	}

	text := m.Content
	if m.ContentType != chat.ContentTypePlainText && text == "" {
		label := m.ContentType
		if label == "" {
			label = "system"
		}
		text = "[" + label + "]"
	}

	ev := chat.Event{
		Kind:        chat.EventMessage,
		Role:        mapRole(role),
		ContentType: m.ContentType,
		Text:        text,
		RawID:       m.ID,
		ChannelID:   Name,
		Timestamp:   now,
	}
	if role == RoleSystem && m.ContentType == chat.ContentTypePlainText && a.endsConversation(m.Content) {
		ev.EndsConversation = true
	}
	return ev, true
}

func (a *Adapter) endsConversation(content string) bool {
	lower := strings.ToLower(content)
	for _, phrase := range a.opts.DisconnectPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func mapRole(role string) chat.Role {
	switch role {
	case RoleAgent:
		return chat.RoleAgent
	case RoleSystem:
		return chat.RoleSystem
	default:
		return chat.RoleUser
	}
}
