package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/skincarebot/domain"
	"github.com/satriahrh/skincarebot/utils/log"
)

// SessionService owns the live sessions, one per connected client.
type SessionService struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	maxTurns int
	ttl      time.Duration
}

func NewSessionService(maxTurns int, ttl time.Duration) *SessionService {
	return &SessionService{
		sessions: make(map[string]*Session),
		maxTurns: maxTurns,
		ttl:      ttl,
	}
}

// Open starts a fresh, empty session.
func (s *SessionService) Open(ctx context.Context) *Session {
	session := NewSession(uuid.NewString(), s.maxTurns)

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	log.WithCtx(log.WithSession(ctx, session.ID)).Info("Session opened")
	return session
}

func (s *SessionService) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

func (s *SessionService) Close(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *SessionService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Reap closes sessions idle for longer than the TTL. Sessions with a turn in
// flight are kept.
func (s *SessionService) Reap(now time.Time) int {
	if s.ttl <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reaped := 0
	for id, session := range s.sessions {
		if session.State() == Submitting {
			continue
		}
		if now.Sub(session.LastActive()) > s.ttl {
			delete(s.sessions, id)
			reaped++
		}
	}
	return reaped
}

// Run reaps expired sessions every interval until ctx is done.
func (s *SessionService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if n := s.Reap(now); n > 0 {
				log.WithCtx(ctx).Info("Expired sessions reaped", zap.Int("count", n), zap.Int("live", s.Count()))
			}
		case <-ctx.Done():
			return
		}
	}
}
