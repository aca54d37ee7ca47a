package handover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/handover-chat/backend/internal/channel"
	agentchannel "github.com/zhouzirui/handover-chat/backend/internal/channel/agent"
	"github.com/zhouzirui/handover-chat/backend/internal/model/chat"
	"github.com/zhouzirui/handover-chat/backend/internal/service/transcript"
	"github.com/zhouzirui/handover-chat/backend/internal/storage"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type sentMessage struct {
	text     string
	metadata map[string]any
}

type fakeChannel struct {
	name       string
	connectErr error

	mu           sync.Mutex
	events       chan chat.Event
	closed       bool
	sent         []sentMessage
	disconnected int
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{name: name, events: make(chan chat.Event, 32)}
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Connect(context.Context) (<-chan chat.Event, error) {
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	return c.events, nil
}

func (c *fakeChannel) Send(_ context.Context, text string, metadata map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMessage{text: text, metadata: metadata})
	return nil
}

func (c *fakeChannel) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected++
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeChannel) emit(ev chat.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

func (c *fakeChannel) sentTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, m := range c.sent {
		out = append(out, m.text)
	}
	return out
}

func (c *fakeChannel) disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

type fakeConnector struct {
	mu       sync.Mutex
	fail     error
	gate     chan struct{}
	waiting  int
	requests int
	payloads [][]byte
	contexts []chat.HandoverContext
	agents   []*fakeChannel
}

func (f *fakeConnector) RequestCredentials(ctx context.Context, _ chat.Identity, transcript []byte, hc chat.HandoverContext) (chat.AgentCredentials, error) {
	f.mu.Lock()
	gate := f.gate
	f.waiting++
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return chat.AgentCredentials{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	f.payloads = append(f.payloads, transcript)
	f.contexts = append(f.contexts, hc)
	if f.fail != nil {
		return chat.AgentCredentials{}, f.fail
	}
	return chat.AgentCredentials{ContactID: "contact-1", ParticipantID: "p-1", ParticipantToken: "tok"}, nil
}

func (f *fakeConnector) Open(chat.AgentCredentials) channel.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent := newFakeChannel("agent")
	f.agents = append(f.agents, agent)
	return agent
}

func (f *fakeConnector) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func (f *fakeConnector) waitingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waiting
}

func (f *fakeConnector) agent(i int) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.agents) {
		return nil
	}
	return f.agents[i]
}

type fixedEnricher struct{}

func (fixedEnricher) Enrich(_ context.Context, _ []chat.Entry, hc chat.HandoverContext) chat.HandoverContext {
	if hc.Sentiment == "" {
		hc.Sentiment = "NEUTRAL"
	}
	if hc.Reason == "" {
		hc.Reason = "**1. Customer request** - help"
	}
	return hc
}

type harness struct {
	o     *Orchestrator
	bot   *fakeChannel
	conn  *fakeConnector
	kv    storage.Store
	ident chat.Identity
}

func newHarness(t *testing.T, conn *fakeConnector) *harness {
	t.Helper()
	var agents AgentConnector
	if conn != nil {
		agents = conn
	}
	h := newHarnessWith(t, agents)
	h.conn = conn
	return h
}

func newHarnessWith(t *testing.T, agents AgentConnector) *harness {
	t.Helper()

	kv := storage.NewMemoryStore()
	store, err := transcript.Load(context.Background(), kv, "")
	require.NoError(t, err)

	h := &harness{
		bot: newFakeChannel("bot"),
		kv:  kv,
		ident: chat.Identity{
			UserID:      "guest-1",
			SessionID:   "sess-1",
			DisplayName: "Ada",
			Metadata:    map[string]any{"plan": "gold"},
		},
	}
	h.o = New(Options{
		Identity:      h.ident,
		Bot:           h.bot,
		Agents:        agents,
		Transcript:    store,
		Enricher:      fixedEnricher{},
		TypingTimeout: 50 * time.Millisecond,
	})
	t.Cleanup(h.o.Dispose)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.o.Start(context.Background())
	require.Eventually(t, func() bool { return h.status().BotConnected }, waitFor, tick)
}

func (h *harness) snapshot() Snapshot {
	snap, _ := h.o.Snapshot(context.Background())
	return snap
}

func (h *harness) status() Status {
	return h.snapshot().Status
}

func (h *harness) mode() chat.Mode {
	return h.status().Mode
}

func (h *harness) lastEntry() chat.Entry {
	entries := h.snapshot().Entries
	if len(entries) == 0 {
		return chat.Entry{}
	}
	return entries[len(entries)-1]
}

// toAgent drives the conversation into agent mode and returns the agent channel.
func (h *harness) toAgent(t *testing.T) *fakeChannel {
	t.Helper()
	h.bot.emit(chat.Event{Kind: chat.EventHandover})
	require.Eventually(t, func() bool { return h.conn.agent(0) != nil }, waitFor, tick)
	agent := h.conn.agent(0)
	agent.emit(chat.Event{Kind: chat.EventConnected})
	require.Eventually(t, func() bool { return h.mode() == chat.ModeAgent }, waitFor, tick)
	return agent
}

func TestSessionStartSentOnceAfterConnect(t *testing.T) {
	h := newHarness(t, &fakeConnector{})
	h.start(t)

	require.Eventually(t, func() bool { return len(h.bot.sentTexts()) == 1 }, waitFor, tick)
	h.bot.mu.Lock()
	first := h.bot.sent[0]
	h.bot.mu.Unlock()
	assert.Equal(t, "", first.text)
	assert.Equal(t, map[string]any{"event": "session_start"}, first.metadata)

	h.bot.emit(chat.Event{Kind: chat.EventDisconnected})
	h.bot.emit(chat.Event{Kind: chat.EventConnected})
	require.Eventually(t, func() bool { return h.status().BotConnected }, waitFor, tick)
	assert.Len(t, h.bot.sentTexts(), 1)
}

func TestSendTextValidation(t *testing.T) {
	h := newHarness(t, &fakeConnector{})
	h.bot.connectErr = errors.New("offline")
	h.o.Start(context.Background())

	ctx := context.Background()
	assert.ErrorIs(t, h.o.SendText(ctx, "   "), ErrEmptyMessage)
	assert.ErrorIs(t, h.o.SendText(ctx, "hello"), ErrNotConnected)
	assert.Empty(t, h.snapshot().Entries)
}

func TestBotModeRoundTrip(t *testing.T) {
	h := newHarness(t, &fakeConnector{})
	h.start(t)

	require.NoError(t, h.o.SendText(context.Background(), "  hi there "))
	require.Eventually(t, func() bool { return len(h.bot.sentTexts()) == 2 }, waitFor, tick)
	h.bot.mu.Lock()
	sent := h.bot.sent[1]
	h.bot.mu.Unlock()
	assert.Equal(t, "hi there", sent.text)
	assert.Equal(t, h.ident.Metadata, sent.metadata)

	h.bot.emit(chat.Event{Kind: chat.EventMessage, Role: chat.RoleBot, Text: "Hello Ada"})
	require.Eventually(t, func() bool { return len(h.snapshot().Entries) == 2 }, waitFor, tick)

	entries := h.snapshot().Entries
	assert.Equal(t, chat.RoleUser, entries[0].From)
	assert.Equal(t, "hi there", entries[0].Text)
	assert.Equal(t, chat.RoleBot, entries[1].From)
	assert.Equal(t, "Hello Ada", entries[1].Text)

	// persisted under the transcript key
	reloaded, err := transcript.Load(context.Background(), h.kv, "")
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Len())
}

func TestQueuedMessagesFlushInOrder(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, &fakeConnector{gate: gate})
	h.start(t)

	h.bot.emit(chat.Event{Kind: chat.EventHandover, Handover: &chat.HandoverContext{Sentiment: "NEGATIVE"}})
	require.Eventually(t, func() bool { return h.mode() == chat.ModeHandoverPending }, waitFor, tick)

	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, h.o.SendText(ctx, text))
	}
	assert.Equal(t, 3, h.status().Queued)

	close(gate)
	require.Eventually(t, func() bool { return h.conn.agent(0) != nil }, waitFor, tick)
	agent := h.conn.agent(0)
	assert.Empty(t, agent.sentTexts())

	agent.emit(chat.Event{Kind: chat.EventConnected})
	require.Eventually(t, func() bool { return len(agent.sentTexts()) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"one", "two", "three"}, agent.sentTexts())

	st := h.status()
	assert.Equal(t, chat.ModeAgent, st.Mode)
	assert.True(t, st.AgentConnected)
	assert.Zero(t, st.Queued)

	// enricher filled in only the missing reason
	h.conn.mu.Lock()
	hc := h.conn.contexts[0]
	h.conn.mu.Unlock()
	assert.Equal(t, "NEGATIVE", hc.Sentiment)
	assert.Equal(t, "**1. Customer request** - help", hc.Reason)

	// later messages go straight to the agent, never to the bot
	botSends := len(h.bot.sentTexts())
	require.NoError(t, h.o.SendText(ctx, "four"))
	require.Eventually(t, func() bool { return len(agent.sentTexts()) == 4 }, waitFor, tick)
	assert.Len(t, h.bot.sentTexts(), botSends)
}

func TestHandoverSignalIsIdempotent(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, &fakeConnector{gate: gate})
	h.start(t)

	h.bot.emit(chat.Event{Kind: chat.EventHandover})
	h.bot.emit(chat.Event{Kind: chat.EventHandover})
	require.Eventually(t, func() bool { return h.mode() == chat.ModeHandoverPending }, waitFor, tick)
	h.bot.emit(chat.Event{Kind: chat.EventHandover})

	close(gate)
	require.Eventually(t, func() bool { return h.conn.agent(0) != nil }, waitFor, tick)
	agent := h.conn.agent(0)
	agent.emit(chat.Event{Kind: chat.EventConnected})
	require.Eventually(t, func() bool { return h.mode() == chat.ModeAgent }, waitFor, tick)

	h.bot.emit(chat.Event{Kind: chat.EventHandover})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.conn.requestCount())
	assert.Nil(t, h.conn.agent(1))
}

func TestHandoverFailureReturnsToBotAndAllowsRetry(t *testing.T) {
	conn := &fakeConnector{fail: errors.New("503 from credential endpoint")}
	h := newHarness(t, conn)
	h.start(t)

	require.NoError(t, h.o.SendText(context.Background(), "need a human"))
	h.bot.emit(chat.Event{Kind: chat.EventHandover})
	require.Eventually(t, func() bool { return conn.requestCount() == 1 && h.mode() == chat.ModeBot }, waitFor, tick)
	assert.Zero(t, h.status().Queued)
	assert.Equal(t, chat.RoleUser, h.lastEntry().From)

	// the transcript went out at call time
	conn.mu.Lock()
	payload := string(conn.payloads[0])
	conn.fail = nil
	conn.mu.Unlock()
	assert.Contains(t, payload, "need a human")

	h.bot.emit(chat.Event{Kind: chat.EventHandover})
	require.Eventually(t, func() bool { return conn.agent(0) != nil }, waitFor, tick)
	assert.Equal(t, 2, conn.requestCount())
	assert.Equal(t, chat.ModeHandoverPending, h.mode())
}

func TestNoConnectorIgnoresHandover(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.bot.emit(chat.Event{Kind: chat.EventHandover})
	h.bot.emit(chat.Event{Kind: chat.EventMessage, Text: "still here"})
	require.Eventually(t, func() bool { return len(h.snapshot().Entries) == 1 }, waitFor, tick)
	assert.Equal(t, chat.ModeBot, h.mode())
}

func TestReturnDuringPendingDiscardsLateAgent(t *testing.T) {
	gate := make(chan struct{})
	conn := &fakeConnector{gate: gate}
	h := newHarness(t, conn)
	h.start(t)

	h.bot.emit(chat.Event{Kind: chat.EventHandover})
	require.Eventually(t, func() bool { return h.mode() == chat.ModeHandoverPending }, waitFor, tick)
	require.NoError(t, h.o.SendText(context.Background(), "queued"))
	require.Eventually(t, func() bool { return conn.waitingCount() == 1 }, waitFor, tick)

	require.NoError(t, h.o.ReturnToBot(context.Background()))
	assert.Equal(t, chat.ModeBot, h.mode())
	assert.Zero(t, h.status().Queued)
	last := h.lastEntry()
	assert.Equal(t, chat.RoleSystem, last.From)
	assert.Equal(t, DefaultNotices().Returned, last.Text)

	close(gate)
	require.Eventually(t, func() bool {
		agent := conn.agent(0)
		return agent != nil && agent.disconnects() > 0
	}, waitFor, tick)

	conn.agent(0).emit(chat.Event{Kind: chat.EventConnected})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, chat.ModeBot, h.mode())
	assert.False(t, h.status().AgentConnected)
	assert.Empty(t, conn.agent(0).sentTexts())
}

func TestAgentEndedReturnsToBot(t *testing.T) {
	h := newHarness(t, &fakeConnector{})
	h.start(t)
	agent := h.toAgent(t)

	agent.emit(chat.Event{Kind: chat.EventMessage, Role: chat.RoleAgent, Text: "Hi, I'm Sam"})
	agent.emit(chat.Event{Kind: chat.EventEnded})
	require.Eventually(t, func() bool { return h.mode() == chat.ModeBot }, waitFor, tick)

	entries := h.snapshot().Entries
	require.Len(t, entries, 2)
	assert.Equal(t, chat.RoleAgent, entries[0].From)
	assert.Equal(t, chat.RoleSystem, entries[1].From)
	assert.Equal(t, "Agent ended the chat.", entries[1].Text)
	require.Eventually(t, func() bool { return agent.disconnects() > 0 }, waitFor, tick)

	// a new handover opens a fresh agent channel
	h.bot.emit(chat.Event{Kind: chat.EventHandover})
	require.Eventually(t, func() bool { return h.conn.agent(1) != nil }, waitFor, tick)
}

func TestDisconnectPhraseReturnsToBotWithoutNotice(t *testing.T) {
	h := newHarness(t, &fakeConnector{})
	h.start(t)
	agent := h.toAgent(t)

	agent.emit(chat.Event{
		Kind:             chat.EventMessage,
		Role:             chat.RoleSystem,
		Text:             "The agent has left the chat.",
		EndsConversation: true,
	})
	require.Eventually(t, func() bool { return h.mode() == chat.ModeBot }, waitFor, tick)

	entries := h.snapshot().Entries
	require.Len(t, entries, 1)
	assert.Equal(t, "The agent has left the chat.", entries[0].Text)

	// stale events from the old agent are ignored
	agent.emit(chat.Event{Kind: chat.EventMessage, Role: chat.RoleAgent, Text: "late"})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.snapshot().Entries, 1)

	// the bot owns the conversation again
	h.bot.emit(chat.Event{Kind: chat.EventMessage, Role: chat.RoleBot, Text: "Anything else?"})
	require.Eventually(t, func() bool { return len(h.snapshot().Entries) == 2 }, waitFor, tick)
	last := h.lastEntry()
	assert.Equal(t, chat.RoleBot, last.From)
	assert.Equal(t, "Anything else?", last.Text)
}

// recoveringTransport follows the participant transport contract: after a
// broken connection the stream stays open until the connection is established
// again or the transport gives up and closes it.
type recoveringTransport struct {
	mu     sync.Mutex
	stream chan agentchannel.TransportEvent
	closed bool
	sent   []string
}

func newRecoveringTransport() *recoveringTransport {
	return &recoveringTransport{stream: make(chan agentchannel.TransportEvent, 16)}
}

func (r *recoveringTransport) Connect(context.Context, chat.AgentCredentials) (<-chan agentchannel.TransportEvent, error) {
	return r.stream, nil
}

func (r *recoveringTransport) SendMessage(_ context.Context, _, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, content)
	return nil
}

func (r *recoveringTransport) DisconnectParticipant(context.Context) error { return nil }

func (r *recoveringTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.stream)
	}
	return nil
}

func (r *recoveringTransport) emit(kind agentchannel.TransportEventKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.stream <- agentchannel.TransportEvent{Kind: kind}
	}
}

func (r *recoveringTransport) sentTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

// transportConnector opens real agent adapters over one transport.
type transportConnector struct {
	transport *recoveringTransport
}

func (c *transportConnector) RequestCredentials(context.Context, chat.Identity, []byte, chat.HandoverContext) (chat.AgentCredentials, error) {
	return chat.AgentCredentials{ContactID: "contact-1", ParticipantID: "p-1", ParticipantToken: "tok"}, nil
}

func (c *transportConnector) Open(creds chat.AgentCredentials) channel.Channel {
	return agentchannel.New(creds, c.transport, nil, agentchannel.Options{})
}

func brokenAgentHarness(t *testing.T) (*harness, *recoveringTransport) {
	t.Helper()
	tr := newRecoveringTransport()
	h := newHarnessWith(t, &transportConnector{transport: tr})
	h.start(t)

	h.bot.emit(chat.Event{Kind: chat.EventHandover})
	require.Eventually(t, func() bool { return h.mode() == chat.ModeHandoverPending }, waitFor, tick)
	tr.emit(agentchannel.TransportEstablished)
	require.Eventually(t, func() bool {
		st := h.status()
		return st.Mode == chat.ModeAgent && st.AgentConnected
	}, waitFor, tick)

	tr.emit(agentchannel.TransportBroken)
	require.Eventually(t, func() bool { return !h.status().AgentConnected }, waitFor, tick)
	assert.Equal(t, chat.ModeAgent, h.mode())

	require.NoError(t, h.o.SendText(context.Background(), "are you there?"))
	assert.Equal(t, 1, h.status().Queued)
	assert.Empty(t, tr.sentTexts())
	return h, tr
}

func TestBrokenAgentConnectionFlushesQueueOnRecovery(t *testing.T) {
	h, tr := brokenAgentHarness(t)

	tr.emit(agentchannel.TransportEstablished)
	require.Eventually(t, func() bool { return len(tr.sentTexts()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"are you there?"}, tr.sentTexts())

	st := h.status()
	assert.Equal(t, chat.ModeAgent, st.Mode)
	assert.True(t, st.AgentConnected)
	assert.Zero(t, st.Queued)
}

func TestAbandonedAgentConnectionReturnsToBot(t *testing.T) {
	h, tr := brokenAgentHarness(t)

	// the transport stops re-dialing and closes its stream
	require.NoError(t, tr.Close())
	require.Eventually(t, func() bool { return h.mode() == chat.ModeBot }, waitFor, tick)

	st := h.status()
	assert.Zero(t, st.Queued)
	assert.False(t, st.AgentConnected)
	last := h.lastEntry()
	assert.Equal(t, chat.RoleSystem, last.From)
	assert.Equal(t, DefaultNotices().Ended, last.Text)
	assert.Empty(t, tr.sentTexts())
}

func TestAgentModeDropsBotTraffic(t *testing.T) {
	h := newHarness(t, &fakeConnector{})
	h.start(t)
	h.toAgent(t)

	h.bot.emit(chat.Event{Kind: chat.EventMessage, Text: "bot chatter"})
	h.bot.emit(chat.Event{Kind: chat.EventTyping, Typing: true})
	h.bot.emit(chat.Event{Kind: chat.EventEmbed, EmbedURL: "https://example.com/form"})
	time.Sleep(50 * time.Millisecond)

	st := h.status()
	assert.Empty(t, h.snapshot().Entries)
	assert.False(t, st.Typing)
	assert.Empty(t, st.EmbedURL)
}

func TestAgentTypingAutoClears(t *testing.T) {
	h := newHarness(t, &fakeConnector{})
	h.start(t)
	agent := h.toAgent(t)

	agent.emit(chat.Event{Kind: chat.EventTyping, Typing: true})
	require.Eventually(t, func() bool { return h.status().Typing }, waitFor, tick)
	require.Eventually(t, func() bool { return !h.status().Typing }, waitFor, tick)
}

func TestReturnToBotIsNoopInBotMode(t *testing.T) {
	h := newHarness(t, &fakeConnector{})
	h.start(t)

	require.NoError(t, h.o.ReturnToBot(context.Background()))
	assert.Empty(t, h.snapshot().Entries)
	assert.Equal(t, chat.ModeBot, h.mode())
}

func TestEmbeddedPageAndReset(t *testing.T) {
	h := newHarness(t, &fakeConnector{})
	h.start(t)
	ctx := context.Background()

	h.bot.emit(chat.Event{Kind: chat.EventEmbed, EmbedURL: "https://example.com/form", Text: "Please fill this in"})
	require.Eventually(t, func() bool { return h.status().EmbedURL != "" }, waitFor, tick)
	assert.Len(t, h.snapshot().Entries, 1)

	require.NoError(t, h.o.CloseEmbeddedPage(ctx))
	assert.Empty(t, h.status().EmbedURL)

	require.NoError(t, h.o.ResetTranscript(ctx))
	assert.Empty(t, h.snapshot().Entries)
	_, ok, err := h.kv.Get(ctx, transcript.Key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubscribeDeliversUpdates(t *testing.T) {
	h := newHarness(t, &fakeConnector{})
	h.start(t)
	ctx := context.Background()

	require.NoError(t, h.o.SendText(ctx, "first"))
	snap, updates, cancel, err := h.o.Subscribe(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, 1, h.o.Subscribers())

	require.NoError(t, h.o.SendText(ctx, "second"))
	select {
	case u := <-updates:
		assert.Equal(t, UpdateEntry, u.Kind)
		require.NotNil(t, u.Entry)
		assert.Equal(t, "second", u.Entry.Text)
	case <-time.After(waitFor):
		t.Fatal("no update received")
	}

	cancel()
	require.Eventually(t, func() bool { return h.o.Subscribers() == 0 }, waitFor, tick)
	_, open := <-updates
	assert.False(t, open)
}

func TestLaggingSubscriberIsClosedAndCanResync(t *testing.T) {
	h := newHarness(t, &fakeConnector{})
	h.start(t)
	ctx := context.Background()

	_, updates, cancel, err := h.o.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel()

	total := subscriberSize + 1
	for i := 0; i < total; i++ {
		require.NoError(t, h.o.SendText(ctx, fmt.Sprintf("message %d", i)))
	}
	require.Eventually(t, func() bool { return h.o.Subscribers() == 0 }, waitFor, tick)

	received := 0
	for range updates {
		received++
	}
	assert.Equal(t, subscriberSize, received)

	snap, _, cancelAgain, err := h.o.Subscribe(ctx)
	require.NoError(t, err)
	defer cancelAgain()
	require.GreaterOrEqual(t, len(snap.Entries), total)
	assert.Equal(t, fmt.Sprintf("message %d", total-1), snap.Entries[len(snap.Entries)-1].Text)
}

func TestDisposeTearsDown(t *testing.T) {
	h := newHarness(t, &fakeConnector{})
	h.start(t)
	agent := h.toAgent(t)

	_, updates, _, err := h.o.Subscribe(context.Background())
	require.NoError(t, err)

	h.o.Dispose()
	h.o.Dispose()

	assert.ErrorIs(t, h.o.SendText(context.Background(), "hello"), ErrDisposed)
	require.Eventually(t, func() bool { return h.bot.disconnects() > 0 && agent.disconnects() > 0 }, waitFor, tick)
	for range updates {
	}
}

func TestDisposeBeforeStart(t *testing.T) {
	h := newHarness(t, &fakeConnector{})
	h.o.Dispose()

	assert.ErrorIs(t, h.o.SendText(context.Background(), "hello"), ErrDisposed)
	require.Eventually(t, func() bool { return h.bot.disconnects() > 0 }, waitFor, tick)
}
