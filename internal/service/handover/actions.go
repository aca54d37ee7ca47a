package handover

import (
	"context"
	"log"
	"strings"

	"github.com/zhouzirui/handover-chat/backend/internal/model/chat"
)

// SendText appends the user's text and routes it by mode: straight to the bot,
// queued while a handover is pending, or to the agent once connected.
func (o *Orchestrator) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	return o.call(ctx, func() error {
		if !o.botConnected {
			return ErrNotConnected
		}
		o.touch()
		o.appendEntry(chat.NewTextEntry(chat.RoleUser, text, o.now()))

		switch o.mode {
		case chat.ModeBot:
			o.dispatch(o.bot, text, o.identity.Metadata)
		case chat.ModeAgent:
			if o.agent != nil && o.agentConnected {
				o.dispatch(o.agent, text, nil)
				return nil
			}
			o.enqueue(text)
		default:
			o.enqueue(text)
		}
		return nil
	})
}

// ReturnToBot hands the conversation back to the bot. A no-op in bot mode.
func (o *Orchestrator) ReturnToBot(ctx context.Context) error {
	return o.call(ctx, func() error {
		o.touch()
		if o.mode == chat.ModeBot {
			return nil
		}
		o.returnToBot(o.notices.Returned)
		return nil
	})
}

// CloseEmbeddedPage dismisses the page the bot asked to show.
func (o *Orchestrator) CloseEmbeddedPage(ctx context.Context) error {
	return o.call(ctx, func() error {
		o.touch()
		if o.embedURL == "" {
			return nil
		}
		o.embedURL = ""
		o.publish(UpdateEmbed, nil)
		return nil
	})
}

// ResetTranscript clears the stored conversation. Handover state is untouched.
func (o *Orchestrator) ResetTranscript(ctx context.Context) error {
	return o.call(ctx, func() error {
		o.touch()
		o.store.Reset(context.Background())
		o.publish(UpdateReset, nil)
		return nil
	})
}

// Snapshot returns the current conversation view.
func (o *Orchestrator) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := o.call(ctx, func() error {
		snap = o.snapshot()
		return nil
	})
	return snap, err
}

// Subscribe atomically captures a snapshot and registers for subsequent
// updates. The channel is closed by cancel, on Dispose, or when the subscriber
// falls a full buffer behind; in the last case Subscribe again to resync.
func (o *Orchestrator) Subscribe(ctx context.Context) (Snapshot, <-chan Update, func(), error) {
	var (
		snap Snapshot
		ch   = make(chan Update, subscriberSize)
		id   int
	)
	err := o.call(ctx, func() error {
		o.touch()
		snap = o.snapshot()
		id = o.nextSub
		o.nextSub++
		o.subs[id] = ch
		o.subscribers.Add(1)
		return nil
	})
	if err != nil {
		return Snapshot{}, nil, nil, err
	}

	cancel := func() {
		o.post(func() {
			if existing, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(existing)
				o.subscribers.Add(-1)
				o.touch()
			}
		})
	}
	return snap, ch, cancel, nil
}

func (o *Orchestrator) enqueue(text string) {
	o.queue = append(o.queue, text)
	o.publish(UpdateQueue, nil)
}

func (o *Orchestrator) flushQueue() {
	if len(o.queue) == 0 || o.agent == nil {
		return
	}
	pending := o.queue
	o.queue = nil
	for _, text := range pending {
		o.dispatch(o.agent, text, nil)
	}
	log.Printf("[handover] session %s: flushed %d queued message(s) to agent", o.identity.SessionID, len(pending))
	o.publish(UpdateQueue, nil)
}

// returnToBot ends any handover in progress. Late results from the abandoned
// handover are discarded by the generation bump.
func (o *Orchestrator) returnToBot(notice string) {
	o.generation++
	o.handoverStarted = false
	o.handoverCtx = chat.HandoverContext{}
	o.queue = nil

	if o.agent != nil {
		o.disconnectAsync(o.agent)
		o.agent = nil
	}
	o.agentConnected = false
	o.clearTyping()

	if notice != "" {
		o.appendEntry(chat.NewTextEntry(chat.RoleSystem, notice, o.now()))
	}
	o.setMode(chat.ModeBot)
	o.publish(UpdateConnection, nil)
}
