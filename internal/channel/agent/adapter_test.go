package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhouzirui/handover-chat/backend/internal/channel"
	"github.com/zhouzirui/handover-chat/backend/internal/model/chat"
	"github.com/zhouzirui/handover-chat/backend/internal/service/dedup"
)

type fakeTransport struct {
	mu            sync.Mutex
	stream        chan TransportEvent
	connectErr    error
	sendErr       error
	disconnectErr error
	sent          []string
	calls         []string
	closed        bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{stream: make(chan TransportEvent, 16)}
}

func (f *fakeTransport) Connect(context.Context, chat.AgentCredentials) (<-chan TransportEvent, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return f.stream, nil
}

func (f *fakeTransport) SendMessage(_ context.Context, contentType, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, contentType+"|"+content)
	return nil
}

func (f *fakeTransport) DisconnectParticipant(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "disconnectParticipant")
	return f.disconnectErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "close")
	if !f.closed {
		f.closed = true
		close(f.stream)
	}
	return nil
}

var testCreds = chat.AgentCredentials{ContactID: "contact-1", ParticipantID: "p-1", ParticipantToken: "tok"}

func msg(role, contentType, content, id string) TransportEvent {
	return TransportEvent{Kind: TransportMessage, Message: ParticipantMessage{
		ParticipantRole: role, ContentType: contentType, Content: content, ID: id, ContactID: "contact-1",
	}}
}

func next(t *testing.T, events <-chan chat.Event) chat.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return chat.Event{}
	}
}

func connected(t *testing.T, opts Options) (*Adapter, *fakeTransport, <-chan chat.Event) {
	t.Helper()
	tr := newFakeTransport()
	a := New(testCreds, tr, dedup.New(time.Minute, 100), opts)
	events, err := a.Connect(context.Background())
	require.NoError(t, err)
	return a, tr, events
}

func TestConnectingUntilEstablished(t *testing.T) {
	a, tr, events := connected(t, Options{})
	assert.Equal(t, channel.StateConnecting, a.State())

	tr.stream <- TransportEvent{Kind: TransportEstablished}
	assert.Equal(t, chat.EventConnected, next(t, events).Kind)
	assert.Equal(t, channel.StateConnected, a.State())
}

func TestConnectFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.connectErr = errors.New("dial refused")
	a := New(testCreds, tr, nil, Options{})

	_, err := a.Connect(context.Background())
	assert.ErrorIs(t, err, channel.ErrConnection)
	assert.Equal(t, channel.StateDisconnected, a.State())
}

func TestMessageClassification(t *testing.T) {
	_, tr, events := connected(t, Options{})

	tr.stream <- msg(RoleCustomer, "text/plain", "my own echo", "e-1")
	tr.stream <- msg(RoleSystem, DefaultControlPrefix+"participant.joined", "", "j-1")
	tr.stream <- msg(RoleCustomer, DefaultControlPrefix+"typing", "", "t-0")
	tr.stream <- msg(RoleAgent, DefaultControlPrefix+"typing", "", "t-1")
	tr.stream <- msg(RoleAgent, "text/plain", "Hi, I'm Sam", "a-1")
	tr.stream <- msg(RoleAgent, "text/plain", "Hi, I'm Sam", "a-1")
	tr.stream <- msg(RoleAgent, "application/json", "", "a-2")
	tr.stream <- msg(RoleSystem, "text/plain", "Sam joined", "s-1")

	ev := next(t, events)
	assert.Equal(t, chat.EventTyping, ev.Kind)
	assert.True(t, ev.Typing)

	ev = next(t, events)
	assert.Equal(t, chat.EventMessage, ev.Kind)
	assert.Equal(t, chat.RoleAgent, ev.Role)
	assert.Equal(t, "Hi, I'm Sam", ev.Text)

	ev = next(t, events)
	assert.Equal(t, "[application/json]", ev.Text)

	ev = next(t, events)
	assert.Equal(t, chat.RoleSystem, ev.Role)
	assert.False(t, ev.EndsConversation)
}

func TestDisconnectPhrasesEndConversation(t *testing.T) {
	_, tr, events := connected(t, Options{})

	tr.stream <- msg(RoleSystem, "text/plain", "The agent has disconnected.", "s-1")
	tr.stream <- msg(RoleSystem, "text/plain", "AGENT ENDED THE CHAT", "s-2")
	tr.stream <- msg(RoleAgent, "text/plain", "the agent has disconnected", "a-1")

	ev := next(t, events)
	assert.True(t, ev.EndsConversation)
	assert.Equal(t, chat.RoleSystem, ev.Role)
	assert.True(t, next(t, events).EndsConversation)
	assert.False(t, next(t, events).EndsConversation, "only system messages end the chat")
}

func TestCustomDisconnectVocabulary(t *testing.T) {
	_, tr, events := connected(t, Options{DisconnectPhrases: []string{"  Chat Closed "}})

	tr.stream <- msg(RoleSystem, "text/plain", "The agent has disconnected.", "s-1")
	tr.stream <- msg(RoleSystem, "text/plain", "chat closed by agent", "s-2")

	assert.False(t, next(t, events).EndsConversation)
	assert.True(t, next(t, events).EndsConversation)
}

func TestEndedIsEmittedOnce(t *testing.T) {
	_, tr, events := connected(t, Options{})

	tr.stream <- msg(RoleSystem, DefaultControlPrefix+"chat.ended", "", "x-1")
	tr.stream <- msg(RoleSystem, DefaultControlPrefix+"chat.ended", "", "x-2")
	tr.stream <- TransportEvent{Kind: TransportBroken, Err: errors.New("reset")}

	assert.Equal(t, chat.EventEnded, next(t, events).Kind)
	assert.Equal(t, chat.EventDisconnected, next(t, events).Kind)
}

func TestSendAndDisconnect(t *testing.T) {
	a, tr, events := connected(t, Options{})

	require.NoError(t, a.Send(context.Background(), "hello", nil))
	assert.Equal(t, []string{"text/plain|hello"}, tr.sent)

	tr.sendErr = errors.New("socket closed")
	assert.ErrorIs(t, a.Send(context.Background(), "again", nil), channel.ErrSend)

	tr.disconnectErr = errors.New("already gone")
	require.NoError(t, a.Disconnect(context.Background()))
	assert.Equal(t, []string{"disconnectParticipant", "close"}, tr.calls)

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream not closed")
	}
	assert.Equal(t, channel.StateDisconnected, a.State())
}

func TestSharedCacheAcrossAdapters(t *testing.T) {
	cache := dedup.New(time.Minute, 100)
	first := newFakeTransport()
	second := newFakeTransport()

	a1 := New(testCreds, first, cache, Options{})
	a2 := New(testCreds, second, cache, Options{})
	ev1, _ := a1.Connect(context.Background())
	ev2, _ := a2.Connect(context.Background())

	first.stream <- msg(RoleAgent, "text/plain", "same", "dup-1")
	assert.Equal(t, "same", next(t, ev1).Text)

	second.stream <- msg(RoleAgent, "text/plain", "same", "dup-1")
	second.stream <- msg(RoleAgent, "text/plain", "fresh", "new-1")
	assert.Equal(t, "fresh", next(t, ev2).Text)
}

func TestAbandonedStreamEndsConversation(t *testing.T) {
	a, tr, events := connected(t, Options{})

	tr.stream <- TransportEvent{Kind: TransportEstablished}
	tr.stream <- TransportEvent{Kind: TransportBroken, Err: errors.New("token expired")}
	assert.Equal(t, chat.EventConnected, next(t, events).Kind)
	assert.Equal(t, chat.EventDisconnected, next(t, events).Kind)

	// the transport gives up without a local Disconnect
	tr.mu.Lock()
	tr.closed = true
	close(tr.stream)
	tr.mu.Unlock()

	assert.Equal(t, chat.EventEnded, next(t, events).Kind)
	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream not closed")
	}
	assert.Equal(t, channel.StateDisconnected, a.State())
}
