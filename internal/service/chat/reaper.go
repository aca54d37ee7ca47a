package chat

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zhouzirui/handover-chat/backend/internal/service/handover"
)

// ReapIdle disposes sessions that have no subscribers and have been idle longer
// than the idle timeout. It returns how many were reaped.
func (s *Service) ReapIdle(now time.Time) int {
	var idle []*handover.Orchestrator

	s.mu.Lock()
	for sid, o := range s.sessions {
		if o.Subscribers() > 0 {
			continue
		}
		if now.Sub(o.LastActive()) < s.opts.IdleTimeout {
			continue
		}
		s.removeLocked(sid, o)
		idle = append(idle, o)
	}
	s.mu.Unlock()

	for _, o := range idle {
		o.Dispose()
	}
	if len(idle) > 0 {
		log.Printf("[hub] reaped %d idle session(s)", len(idle))
	}
	return len(idle)
}

// StartReaper schedules ReapIdle with a cron spec such as "@every 1m".
func (s *Service) StartReaper(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { s.ReapIdle(s.now()) }); err != nil {
		return fmt.Errorf("schedule session reaper %q: %w", spec, err)
	}

	s.mu.Lock()
	if s.cron != nil {
		s.cron.Stop()
	}
	s.cron = c
	s.mu.Unlock()

	c.Start()
	return nil
}
