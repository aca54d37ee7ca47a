// Package chat keeps the live conversations of every connected client.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/zhouzirui/handover-chat/backend/internal/channel"
	"github.com/zhouzirui/handover-chat/backend/internal/model/chat"
	"github.com/zhouzirui/handover-chat/backend/internal/service/handover"
	"github.com/zhouzirui/handover-chat/backend/internal/service/identity"
	"github.com/zhouzirui/handover-chat/backend/internal/service/transcript"
	"github.com/zhouzirui/handover-chat/backend/internal/storage"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrShutdown        = errors.New("chat service is shutting down")
)

// DefaultIdleTimeout is how long a session without subscribers or actions stays alive.
const DefaultIdleTimeout = 30 * time.Minute

// Options wires the hub to storage and the channel factories.
type Options struct {
	Store storage.Store
	// NewChannels builds the bot channel and the agent connector of one
	// conversation. A nil connector disables handover.
	NewChannels func(id chat.Identity) (channel.Channel, handover.AgentConnector)
	Enricher    handover.ContextEnricher
	Notices     handover.Notices

	SendTimeout time.Duration
	IdleTimeout time.Duration
	Now         func() time.Time
}

// Service maps client profiles to live orchestrators.
type Service struct {
	opts Options
	now  func() time.Time

	mu        sync.Mutex
	sessions  map[string]*handover.Orchestrator
	byProfile map[string]string
	closed    bool
	cron      *cron.Cron
}

// NewService creates an empty hub.
func NewService(opts Options) *Service {
	if opts.Store == nil {
		opts.Store = storage.NewMemoryStore()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		opts:      opts,
		now:       now,
		sessions:  make(map[string]*handover.Orchestrator),
		byProfile: make(map[string]string),
	}
}

// OpenSession returns the live conversation for profileID, creating and starting
// one when none is running. An empty profileID gets a fresh one.
func (s *Service) OpenSession(ctx context.Context, profileID string, profile chat.UserProfile) (*handover.Orchestrator, error) {
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		profileID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrShutdown
	}
	if sid, ok := s.byProfile[profileID]; ok {
		if o, ok := s.sessions[sid]; ok {
			return o, nil
		}
	}

	kv := storage.Scoped(s.opts.Store, "webchat:"+profileID)
	id, err := identity.Resolve(ctx, kv, profile)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}
	id.ProfileID = profileID

	store, err := transcript.Load(ctx, kv, transcript.Key)
	if err != nil {
		return nil, err
	}

	bot, agents := s.opts.NewChannels(id)

	o := handover.New(handover.Options{
		Identity:    id,
		Bot:         bot,
		Agents:      agents,
		Transcript:  store,
		Enricher:    s.opts.Enricher,
		Notices:     s.opts.Notices,
		SendTimeout: s.opts.SendTimeout,
		Now:         s.opts.Now,
	})

	// a stale entry for the same session id is replaced
	if old, ok := s.sessions[id.SessionID]; ok {
		go old.Dispose()
	}
	s.sessions[id.SessionID] = o
	s.byProfile[profileID] = id.SessionID

	o.Start(ctx)
	log.Printf("[hub] session %s opened for profile %s (user %s)", id.SessionID, profileID, id.UserID)
	return o, nil
}

// Session looks up a live conversation.
func (s *Service) Session(sessionID string) (*handover.Orchestrator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return o, nil
}

// Len is the number of live sessions.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close disposes one conversation. Its persisted state is kept.
func (s *Service) Close(sessionID string) error {
	s.mu.Lock()
	o, ok := s.sessions[sessionID]
	if ok {
		s.removeLocked(sessionID, o)
	}
	s.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	o.Dispose()
	return nil
}

// Shutdown stops the reaper and disposes every live session.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	var stopped context.Context
	if s.cron != nil {
		stopped = s.cron.Stop()
		s.cron = nil
	}
	all := make([]*handover.Orchestrator, 0, len(s.sessions))
	for sid, o := range s.sessions {
		s.removeLocked(sid, o)
		all = append(all, o)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, o := range all {
		wg.Add(1)
		go func(o *handover.Orchestrator) {
			defer wg.Done()
			o.Dispose()
		}(o)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		if stopped != nil {
			<-stopped.Done()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Printf("[hub] disposed %d session(s)", len(all))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) removeLocked(sessionID string, o *handover.Orchestrator) {
	delete(s.sessions, sessionID)
	if pid := o.Identity().ProfileID; s.byProfile[pid] == sessionID {
		delete(s.byProfile, pid)
	}
}
