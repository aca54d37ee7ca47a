package handover

import (
	"context"
	"log"
	"time"

	"github.com/zhouzirui/handover-chat/backend/internal/model/chat"
)

const (
	botRetryMin = time.Second
	botRetryMax = 30 * time.Second
)

// connectBot keeps trying until the bot channel connects or the orchestrator is disposed.
func (o *Orchestrator) connectBot() {
	backoff := botRetryMin
	for {
		ctx, cancel := context.WithTimeout(context.Background(), o.handoverTimeout)
		events, err := o.bot.Connect(ctx)
		cancel()
		if err == nil {
			if !o.post(o.onBotConnected) {
				o.disconnectAsync(o.bot)
				for range events {
				}
				return
			}
			o.pump(events, o.handleBotEvent)
			return
		}

		log.Printf("[handover] session %s: bot connect failed, retry in %s: %v", o.identity.SessionID, backoff, err)
		select {
		case <-o.done:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > botRetryMax {
			backoff = botRetryMax
		}
	}
}

func (o *Orchestrator) onBotConnected() {
	if o.disposed {
		return
	}
	o.botConnected = true
	if !o.sessionStarted {
		o.sessionStarted = true
		o.dispatch(o.bot, "", map[string]any{"event": "session_start"})
	}
	o.publish(UpdateConnection, nil)
}

func (o *Orchestrator) handleBotEvent(ev chat.Event) {
	if o.disposed {
		return
	}

	switch ev.Kind {
	case chat.EventConnected:
		if !o.botConnected {
			o.botConnected = true
			o.publish(UpdateConnection, nil)
		}
	case chat.EventDisconnected:
		if o.botConnected {
			o.botConnected = false
			o.publish(UpdateConnection, nil)
		}
	case chat.EventError:
		log.Printf("[handover] session %s: bot error: %v", o.identity.SessionID, ev.Err)
	case chat.EventHandover:
		hc := chat.HandoverContext{}
		if ev.Handover != nil {
			hc = *ev.Handover
		}
		o.beginHandover(hc)
	case chat.EventTyping:
		if o.mode != chat.ModeBot {
			return
		}
		o.setTyping(ev.Typing, false)
	case chat.EventEmbed:
		if o.mode != chat.ModeBot {
			return
		}
		o.embedURL = ev.EmbedURL
		o.publish(UpdateEmbed, nil)
		if ev.Displayable() {
			o.appendEntry(entryFromBot(ev, o.now()))
		}
	case chat.EventMessage:
		if o.mode != chat.ModeBot {
			log.Printf("[handover] session %s: dropping bot message in %s mode", o.identity.SessionID, o.mode)
			return
		}
		if ev.Displayable() {
			o.appendEntry(entryFromBot(ev, o.now()))
		}
	}
}

func entryFromBot(ev chat.Event, now time.Time) chat.Entry {
	e := chat.NewTextEntry(chat.RoleBot, ev.Text, now)
	e.Payload = ev.Payload
	return e
}

// beginHandover moves bot -> handover_pending once; repeated signals are ignored.
func (o *Orchestrator) beginHandover(hc chat.HandoverContext) {
	if o.mode != chat.ModeBot || o.handoverStarted {
		log.Printf("[handover] session %s: handover signal ignored in %s mode", o.identity.SessionID, o.mode)
		return
	}
	if o.agents == nil {
		log.Printf("[handover] session %s: no agent connector configured", o.identity.SessionID)
		return
	}

	o.handoverStarted = true
	o.generation++
	o.handoverCtx = hc
	o.clearTyping()
	o.setMode(chat.ModeHandoverPending)

	go o.runHandover(o.generation, o.store.Entries(), hc)
}

func (o *Orchestrator) pendingFor(gen uint64) bool {
	return !o.disposed && o.generation == gen && o.mode == chat.ModeHandoverPending
}

// runHandover performs the suspension points of a handover off the loop and
// reports each completion back tagged with gen.
func (o *Orchestrator) runHandover(gen uint64, entries []chat.Entry, hc chat.HandoverContext) {
	ctx, cancel := context.WithTimeout(context.Background(), o.handoverTimeout)
	defer cancel()

	if o.enricher != nil && !hc.Complete() {
		hc = o.enricher.Enrich(ctx, entries, hc)
	}

	// the transcript is serialized at call time, not at signal time
	var (
		payload []byte
		stale   = true
	)
	o.await(func() {
		if !o.pendingFor(gen) {
			return
		}
		stale = false
		o.handoverCtx = hc
		data, err := o.store.Marshal()
		if err != nil {
			log.Printf("[handover] session %s: marshal transcript: %v", o.identity.SessionID, err)
			data = []byte("[]")
		}
		payload = data
	})
	if stale {
		return
	}

	creds, err := o.agents.RequestCredentials(ctx, o.identity, payload, hc)
	if err != nil {
		o.post(func() { o.handoverFailed(gen, err) })
		return
	}

	agent := o.agents.Open(creds)
	events, err := agent.Connect(ctx)
	if err != nil {
		o.post(func() { o.handoverFailed(gen, err) })
		return
	}

	accepted := false
	o.await(func() {
		if !o.pendingFor(gen) {
			return
		}
		accepted = true
		o.agent = agent
		o.agentConnected = false
		log.Printf("[handover] session %s: agent contact %s opened", o.identity.SessionID, creds.ContactID)
	})
	if !accepted {
		o.disconnectAsync(agent)
		for range events {
		}
		return
	}

	o.pump(events, func(ev chat.Event) { o.handleAgentEvent(gen, ev) })
}

func (o *Orchestrator) handoverFailed(gen uint64, err error) {
	if !o.pendingFor(gen) {
		return
	}
	log.Printf("[handover] session %s: handover failed, back to bot: %v", o.identity.SessionID, err)
	o.handoverStarted = false
	o.handoverCtx = chat.HandoverContext{}
	o.queue = nil
	o.setMode(chat.ModeBot)
	o.publish(UpdateQueue, nil)
}

func (o *Orchestrator) handleAgentEvent(gen uint64, ev chat.Event) {
	if o.disposed || gen != o.generation || o.mode == chat.ModeBot {
		return
	}

	switch ev.Kind {
	case chat.EventConnected:
		o.agentConnected = true
		o.setMode(chat.ModeAgent)
		o.publish(UpdateConnection, nil)
		o.flushQueue()
	case chat.EventDisconnected:
		// connection broken: keep the mode, the platform may recover
		o.agentConnected = false
		o.publish(UpdateConnection, nil)
	case chat.EventEnded:
		o.returnToBot(o.notices.Ended)
	case chat.EventTyping:
		o.setTyping(true, true)
	case chat.EventError:
		log.Printf("[handover] session %s: agent error: %v", o.identity.SessionID, ev.Err)
	case chat.EventMessage:
		if !ev.Displayable() {
			return
		}
		role := ev.Role
		if role == "" {
			role = chat.RoleAgent
		}
		o.appendEntry(chat.NewTextEntry(role, ev.Text, o.now()))
		if ev.EndsConversation {
			o.returnToBot("")
		}
	}
}

// setTyping updates the indicator. autoClear turns it off after the typing timeout
// unless a newer typing event arrived first.
func (o *Orchestrator) setTyping(on, autoClear bool) {
	o.typingGen++
	gen := o.typingGen
	if o.typing != on {
		o.typing = on
		o.publish(UpdateTyping, nil)
	}
	if on && autoClear {
		time.AfterFunc(o.typingTimeout, func() {
			o.post(func() {
				if o.typingGen == gen && o.typing {
					o.typing = false
					o.publish(UpdateTyping, nil)
				}
			})
		})
	}
}

func (o *Orchestrator) clearTyping() {
	o.typingGen++
	if o.typing {
		o.typing = false
		o.publish(UpdateTyping, nil)
	}
}
