// Package bot adapts the conversational-bot socket to the channel contract.
package bot

import (
	"context"
	"encoding/json"
	"errors"
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
const Name = "bot"

// Frame events exchanged with the bot endpoint.
const (
	FrameOutput       = "output"
	FrameTypingStatus = "typingStatus"
	FrameError        = "error"
	FrameProcessInput = "processInput"

	// synthesized by the transport on (re)connect and drop
	FrameConnect    = "connect"
	FrameDisconnect = "disconnect"
)

// Frame is one {event, data} message on the bot socket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ConnectParams identify the conversation to the bot endpoint.
type ConnectParams struct {
	EndpointURL string
	URLToken    string
	UserID      string
	SessionID   string
	Channel     string
}

// Transport is the socket underneath the adapter. The frame stream closes
// when the transport is closed.
type Transport interface {
	Connect(ctx context.Context, params ConnectParams) (<-chan Frame, error)
	Emit(ctx context.Context, frame Frame) error
	Close() error
}

// Config carries the endpoint settings and the conversation identity.
type Config struct {
	EndpointURL string
	URLToken    string
	Channel     string
	UserID      string
	SessionID   string
}

// Adapter implements channel.Channel for the bot.
type Adapter struct {
	cfg       Config
	transport Transport
	cache     *dedup.Cache
	now       func() time.Time

	mu    sync.Mutex
	state channel.State
}

// New creates an adapter; cache is shared with nothing else in practice but may be nil.
func New(cfg Config, transport Transport, cache *dedup.Cache) *Adapter {
	if cache == nil {
		cache = dedup.New(0, 0)
	}
	return &Adapter{
		cfg:       cfg,
		transport: transport,
		cache:     cache,
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

// Connect opens the transport and starts translating frames into events.
func (a *Adapter) Connect(ctx context.Context) (<-chan chat.Event, error) {
	a.setState(channel.StateConnecting)

	frames, err := a.transport.Connect(ctx, ConnectParams{
		EndpointURL: a.cfg.EndpointURL,
		URLToken:    a.cfg.URLToken,
		UserID:      a.cfg.UserID,
		SessionID:   a.cfg.SessionID,
		Channel:     a.cfg.Channel,
	})
	if err != nil {
		a.setState(channel.StateDisconnected)
		return nil, fmt.Errorf("%w: bot: %v", channel.ErrConnection, err)
	}
	a.setState(channel.StateConnected)

	events := make(chan chat.Event, 32)
	go func() {
		defer close(events)
		for frame := range frames {
			for _, ev := range a.translate(frame) {
				events <- ev
			}
		}
		a.setState(channel.StateDisconnected)
	}()
	return events, nil
}

// Send emits a processInput frame carrying metadata under data.metadata. An
// empty text with metadata is a valid invisible control message.
func (a *Adapter) Send(ctx context.Context, text string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	data, err := json.Marshal(map[string]any{
		"text":      text,
		"data":      map[string]any{"metadata": metadata},
		"userId":    a.cfg.UserID,
		"sessionId": a.cfg.SessionID,
		"channel":   a.cfg.Channel,
	})
	if err != nil {
		return fmt.Errorf("%w: bot: %v", channel.ErrSend, err)
	}
	if err := a.transport.Emit(ctx, Frame{Event: FrameProcessInput, Data: data}); err != nil {
		return fmt.Errorf("%w: bot: %v", channel.ErrSend, err)
	}
	return nil
}

// Disconnect closes the transport; errors are logged, not returned.
func (a *Adapter) Disconnect(context.Context) error {
	a.setState(channel.StateDisconnected)
	if err := a.transport.Close(); err != nil {
		log.Printf("[bot] close transport: %v", err)
	}
	return nil
}

// output is the subset of a bot output entry the adapter inspects.
type output struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Source string `json:"source"`
	Data   struct {
		Handover   bool `json:"handover"`
		Attributes struct {
			Sentiment string `json:"sentiment"`
			Reason    string `json:"reason"`
		} `json:"attributes"`
		Cards []json.RawMessage `json:"cards"`
		Voice struct {
			URL string `json:"url"`
		} `json:"voice"`
		Data struct {
			Voice struct {
				URL string `json:"url"`
			} `json:"voice"`
		} `json:"data"`
	} `json:"data"`
	Attachment struct {
		URL string `json:"url"`
	} `json:"attachment"`
}

func (o output) embedURL() string {
	if o.Data.Data.Voice.URL != "" {
		return o.Data.Data.Voice.URL
	}
	return o.Data.Voice.URL
}

func (o output) displayable() bool {
	return strings.TrimSpace(o.Text) != "" || len(o.Data.Cards) > 0 || o.Attachment.URL != ""
}

type rawOutput struct {
	raw json.RawMessage
	out output
}

func (a *Adapter) translate(frame Frame) []chat.Event {
	now := a.now().UTC()

	switch frame.Event {
	case FrameConnect:
		a.setState(channel.StateConnected)
		return []chat.Event{{Kind: chat.EventConnected, ChannelID: Name, Timestamp: now}}
	case FrameDisconnect:
		a.setState(channel.StateConnecting)
		return []chat.Event{{Kind: chat.EventDisconnected, ChannelID: Name, Timestamp: now}}
	case FrameTypingStatus:
		var status string
		if err := json.Unmarshal(frame.Data, &status); err != nil {
			return nil
		}
		return []chat.Event{{Kind: chat.EventTyping, Role: chat.RoleBot, ChannelID: Name, Typing: status == "on", Timestamp: now}}
	case FrameError:
		msg := strings.Trim(string(frame.Data), `"`)
		log.Printf("[bot] socket error: %s", msg)
		return []chat.Event{{Kind: chat.EventError, ChannelID: Name, Err: errors.New(msg), Timestamp: now}}
	case FrameOutput:
		return a.translateOutput(frame.Data, now)
	default:
		return nil
	}
}

func (a *Adapter) translateOutput(data json.RawMessage, now time.Time) []chat.Event {
	var raws []json.RawMessage
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &raws); err != nil {
			log.Printf("[bot] malformed output batch: %v", err)
			return nil
		}
	} else if trimmed != "" && trimmed != "null" {
		raws = []json.RawMessage{data}
	}

	entries := make([]rawOutput, 0, len(raws))
	for _, raw := range raws {
		var out output
		if err := json.Unmarshal(raw, &out); err != nil {
			log.Printf("[bot] skipping malformed output entry: %v", err)
			continue
		}
		if out.Source == "user" && strings.TrimSpace(out.Text) != "" {
			continue
		}
		if out.ID != "" && a.cache.Seen(dedup.Key{
			Channel:     Name,
			Contact:     a.cfg.SessionID,
			RawID:       out.ID,
			Fingerprint: dedup.Fingerprint(out.Text),
		}) {
			continue
		}
		entries = append(entries, rawOutput{raw: raw, out: out})
	}

	for _, e := range entries {
		if url := e.out.embedURL(); url != "" {
			ev := chat.Event{Kind: chat.EventEmbed, Role: chat.RoleBot, ChannelID: Name, EmbedURL: url, RawID: e.out.ID, Timestamp: now}
			if strings.TrimSpace(e.out.Text) != "" {
				ev.Text = e.out.Text
				ev.Payload = e.raw
			}
			return []chat.Event{ev}
		}
	}

	for _, e := range entries {
		if e.out.Data.Handover {
			return []chat.Event{{
				Kind:      chat.EventHandover,
				Role:      chat.RoleBot,
				ChannelID: Name,
				RawID:     e.out.ID,
				Timestamp: now,
				Handover: &chat.HandoverContext{
					Sentiment: e.out.Data.Attributes.Sentiment,
					Reason:    e.out.Data.Attributes.Reason,
				},
			}}
		}
	}

	events := make([]chat.Event, 0, len(entries))
	for _, e := range entries {
		if !e.out.displayable() {
			continue
		}
		events = append(events, chat.Event{
			Kind:      chat.EventMessage,
			Role:      chat.RoleBot,
			ChannelID: Name,
			Text:      e.out.Text,
			Payload:   e.raw,
			RawID:     e.out.ID,
			Timestamp: now,
		})
	}
	return events
}
