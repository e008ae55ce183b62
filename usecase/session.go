package usecase

import (
	"sync"
	"time"

	"github.com/satriahrh/skincarebot/adapters/imagecodec"
	"github.com/satriahrh/skincarebot/domain"
)

// State of a session's turn state machine.
type State int

const (
	Idle State = iota
	Composing
	Submitting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Composing:
		return "composing"
	case Submitting:
		return "submitting"
	default:
		return "unknown"
	}
}

type pendingImage struct {
	image domain.Image
	thumb imagecodec.Thumbnail
	id    string
}

// Session is the mutable state of one conversation. It is owned by whatever
// serves the connection and mutated only through a TurnController.
type Session struct {
	ID        string
	CreatedAt time.Time

	store *ConversationStore

	mu         sync.Mutex
	state      State
	draft      string
	pending    *pendingImage
	epoch      uint64 // bumped by Clear
	lastActive time.Time
}

func NewSession(id string, maxTurns int) *Session {
	now := time.Now()
	return &Session{
		ID:         id,
		CreatedAt:  now,
		store:      NewConversationStore(maxTurns),
		lastActive: now,
	}
}

// Transcript returns a snapshot of the turns in display order.
func (s *Session) Transcript() []domain.Turn {
	return s.store.All()
}

func (s *Session) TurnAt(i int) (domain.Turn, bool) {
	return s.store.At(i)
}

func (s *Session) TurnCount() int {
	return s.store.Len()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

func (s *Session) HasPendingImage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// PendingPreview returns the encoded thumbnail of the pending image, if any.
func (s *Session) PendingPreview() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return "", false
	}
	return s.pending.thumb.Encoded(), true
}

func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// touch must be called with mu held.
func (s *Session) touch() {
	s.lastActive = time.Now()
}
