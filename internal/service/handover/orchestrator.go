// Package handover runs the per-conversation state machine that decides whether
// the bot or a human agent owns the conversation.
//
// Every inbound event, user action and async completion executes as a task on a
// single event-loop goroutine, so the transcript and handover state need no locks.
package handover

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhouzirui/handover-chat/backend/internal/channel"
	"github.com/zhouzirui/handover-chat/backend/internal/model/chat"
	"github.com/zhouzirui/handover-chat/backend/internal/service/transcript"
)

var (
	ErrEmptyMessage = errors.New("message text is empty")
	ErrNotConnected = errors.New("bot channel is not connected")
	ErrDisposed     = errors.New("conversation has been disposed")
)

const (
	DefaultSendTimeout     = 10 * time.Second
	DefaultTypingTimeout   = 2 * time.Second
	DefaultHandoverTimeout = time.Minute

	outboxSize     = 256
	subscriberSize = 64
)

// AgentConnector issues agent credentials and opens agent channels.
type AgentConnector interface {
	RequestCredentials(ctx context.Context, id chat.Identity, transcript []byte, hc chat.HandoverContext) (chat.AgentCredentials, error)
	Open(creds chat.AgentCredentials) channel.Channel
}

// ContextEnricher fills in whatever the bot left out of the handover context.
type ContextEnricher interface {
	Enrich(ctx context.Context, entries []chat.Entry, hc chat.HandoverContext) chat.HandoverContext
}

// Notices are the system lines appended on automatic or manual returns to the bot.
type Notices struct {
	Returned string
	Ended    string
}

// DefaultNotices 默认的系统提示文案
func DefaultNotices() Notices {
	return Notices{
		Returned: "You returned to the virtual assistant.",
		Ended:    "Agent ended the chat.",
	}
}

// Options wires an Orchestrator to its collaborators.
type Options struct {
	Identity   chat.Identity
	Bot        channel.Channel
	Agents     AgentConnector
	Transcript *transcript.Store
	// Enricher is optional.
	Enricher ContextEnricher
	Notices  Notices

	SendTimeout     time.Duration
	TypingTimeout   time.Duration
	HandoverTimeout time.Duration
	Now             func() time.Time
}

// Status is the presentation state published with every update.
type Status struct {
	Mode           chat.Mode `json:"mode"`
	BotConnected   bool      `json:"botConnected"`
	AgentConnected bool      `json:"agentConnected"`
	Queued         int       `json:"queued"`
	Typing         bool      `json:"typing"`
	EmbedURL       string    `json:"embedUrl,omitempty"`
}

// Snapshot is the full conversation view.
type Snapshot struct {
	SessionID string       `json:"sessionId"`
	UserID    string       `json:"userId"`
	Status    Status       `json:"status"`
	Entries   []chat.Entry `json:"entries"`
}

// UpdateKind says what changed.
type UpdateKind string

const (
	UpdateEntry      UpdateKind = "entry"
	UpdateMode       UpdateKind = "mode"
	UpdateTyping     UpdateKind = "typing"
	UpdateConnection UpdateKind = "connection"
	UpdateEmbed      UpdateKind = "embed"
	UpdateReset      UpdateKind = "reset"
	UpdateQueue      UpdateKind = "queue"
)

// Update is pushed to subscribers after every state change.
type Update struct {
	Kind   UpdateKind  `json:"kind"`
	Entry  *chat.Entry `json:"entry,omitempty"`
	Status Status      `json:"status"`
}

type outbound struct {
	ch       channel.Channel
	text     string
	metadata map[string]any
}

// Orchestrator owns one conversation.
type Orchestrator struct {
	identity chat.Identity
	bot      channel.Channel
	agents   AgentConnector
	store    *transcript.Store
	enricher ContextEnricher
	notices  Notices

	sendTimeout     time.Duration
	typingTimeout   time.Duration
	handoverTimeout time.Duration
	now             func() time.Time

	tasks     chan func()
	outbox    chan outbound
	done      chan struct{}
	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once

	lastActive  atomic.Int64
	subscribers atomic.Int32

	// loop-owned
	mode            chat.Mode
	handoverStarted bool
	generation      uint64
	handoverCtx     chat.HandoverContext
	agent           channel.Channel
	agentConnected  bool
	botConnected    bool
	sessionStarted  bool
	queue           []string
	typing          bool
	typingGen       uint64
	embedURL        string
	disposed        bool
	subs            map[int]chan Update
	nextSub         int
}

// New creates an idle orchestrator in bot mode; call Start to run it.
func New(opts Options) *Orchestrator {
	notices := opts.Notices
	defaults := DefaultNotices()
	if notices.Returned == "" {
		notices.Returned = defaults.Returned
	}
	if notices.Ended == "" {
		notices.Ended = defaults.Ended
	}

	o := &Orchestrator{
		identity:        opts.Identity,
		bot:             opts.Bot,
		agents:          opts.Agents,
		store:           opts.Transcript,
		enricher:        opts.Enricher,
		notices:         notices,
		sendTimeout:     orDefault(opts.SendTimeout, DefaultSendTimeout),
		typingTimeout:   orDefault(opts.TypingTimeout, DefaultTypingTimeout),
		handoverTimeout: orDefault(opts.HandoverTimeout, DefaultHandoverTimeout),
		now:             opts.Now,
		tasks:           make(chan func(), 64),
		outbox:          make(chan outbound, outboxSize),
		done:            make(chan struct{}),
		mode:            chat.ModeBot,
		subs:            make(map[int]chan Update),
	}
	if o.now == nil {
		o.now = time.Now
	}
	o.touch()
	return o
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Start runs the event loop and begins connecting the bot channel. Safe to call
// more than once.
func (o *Orchestrator) Start(context.Context) {
	o.startOnce.Do(func() {
		o.started.Store(true)
		go o.run()
		go o.sender()
		go o.connectBot()
	})
}

// Dispose tears down both channels and stops the loop. Pending async work that
// completes afterwards disconnects whatever it opened.
func (o *Orchestrator) Dispose() {
	o.stopOnce.Do(func() {
		if o.started.Load() {
			o.await(o.teardown)
		} else {
			o.teardown()
		}
		close(o.done)
		log.Printf("[handover] session %s disposed", o.identity.SessionID)
	})
}

func (o *Orchestrator) teardown() {
	o.disposed = true
	o.generation++

	if o.agent != nil {
		o.disconnectAsync(o.agent)
		o.agent = nil
	}
	o.disconnectAsync(o.bot)

	for id, ch := range o.subs {
		close(ch)
		delete(o.subs, id)
	}
	o.subscribers.Store(0)
}

// Identity returns the ids this conversation runs under.
func (o *Orchestrator) Identity() chat.Identity {
	return o.identity
}

// LastActive is the last time a user action or subscriber touched the session.
func (o *Orchestrator) LastActive() time.Time {
	return time.Unix(0, o.lastActive.Load())
}

// Subscribers is the number of live update subscriptions.
func (o *Orchestrator) Subscribers() int {
	return int(o.subscribers.Load())
}

func (o *Orchestrator) touch() {
	o.lastActive.Store(o.now().UnixNano())
}

func (o *Orchestrator) run() {
	for {
		select {
		case task := <-o.tasks:
			task()
		case <-o.done:
			return
		}
	}
}

// sender delivers outbound text in FIFO order without blocking the loop.
func (o *Orchestrator) sender() {
	for {
		select {
		case job := <-o.outbox:
			ctx, cancel := context.WithTimeout(context.Background(), o.sendTimeout)
			if err := job.ch.Send(ctx, job.text, job.metadata); err != nil {
				log.Printf("[handover] send via %s failed: %v", job.ch.Name(), err)
			}
			cancel()
		case <-o.done:
			return
		}
	}
}

// post schedules fn on the loop. It reports false once the loop has stopped.
func (o *Orchestrator) post(fn func()) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.tasks <- fn:
		return true
	case <-o.done:
		return false
	}
}

// await runs fn on the loop and waits for it.
func (o *Orchestrator) await(fn func()) bool {
	finished := make(chan struct{})
	if !o.post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-o.done:
		return false
	}
}

// call runs fn on the loop and returns its error, honoring ctx while waiting.
func (o *Orchestrator) call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	task := func() {
		if o.disposed {
			result <- ErrDisposed
			return
		}
		result <- fn()
	}

	select {
	case o.tasks <- task:
	case <-o.done:
		return ErrDisposed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-o.done:
		return ErrDisposed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pump forwards adapter events onto the loop until the stream closes.
func (o *Orchestrator) pump(events <-chan chat.Event, handle func(chat.Event)) {
	for ev := range events {
		ev := ev
		if !o.post(func() { handle(ev) }) {
			// loop gone; drain so the adapter can finish
			for range events {
			}
			return
		}
	}
}

func (o *Orchestrator) dispatch(ch channel.Channel, text string, metadata map[string]any) {
	select {
	case o.outbox <- outbound{ch: ch, text: text, metadata: metadata}:
	case <-o.done:
	}
}

func (o *Orchestrator) disconnectAsync(ch channel.Channel) {
	if ch == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.sendTimeout)
		defer cancel()
		if err := ch.Disconnect(ctx); err != nil {
			log.Printf("[handover] disconnect %s: %v", ch.Name(), err)
		}
	}()
}

func (o *Orchestrator) status() Status {
	return Status{
		Mode:           o.mode,
		BotConnected:   o.botConnected,
		AgentConnected: o.agentConnected,
		Queued:         len(o.queue),
		Typing:         o.typing,
		EmbedURL:       o.embedURL,
	}
}

func (o *Orchestrator) snapshot() Snapshot {
	return Snapshot{
		SessionID: o.identity.SessionID,
		UserID:    o.identity.UserID,
		Status:    o.status(),
		Entries:   o.store.Entries(),
	}
}

// publish fans u out to subscribers. A subscriber whose buffer is full has
// already missed an update, so its channel is closed; it resubscribes to get a
// fresh snapshot instead of a transcript with a gap.
func (o *Orchestrator) publish(kind UpdateKind, entry *chat.Entry) {
	u := Update{Kind: kind, Entry: entry, Status: o.status()}
	for id, ch := range o.subs {
		select {
		case ch <- u:
		default:
			log.Printf("[handover] session %s: subscriber %d fell behind, closing its stream", o.identity.SessionID, id)
			delete(o.subs, id)
			close(ch)
			o.subscribers.Add(-1)
		}
	}
}

func (o *Orchestrator) appendEntry(e chat.Entry) {
	o.store.Append(context.Background(), e)
	o.publish(UpdateEntry, &e)
}

func (o *Orchestrator) setMode(mode chat.Mode) {
	if o.mode == mode {
		return
	}
	log.Printf("[handover] session %s: %s -> %s", o.identity.SessionID, o.mode, mode)
	o.mode = mode
	o.publish(UpdateMode, nil)
}
