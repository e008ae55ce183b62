package usecase

import (
	"errors"
	"sync"

	"github.com/satriahrh/skincarebot/domain"
)

var errEmptyTurn = errors.New("turn has neither text nor image")

// ConversationStore is the ordered turn history of one session. Only the
// TurnController writes to it; readers get copies.
type ConversationStore struct {
	mu       sync.RWMutex
	turns    []domain.Turn
	maxTurns int // 0 keeps every turn
}

func NewConversationStore(maxTurns int) *ConversationStore {
	return &ConversationStore{maxTurns: maxTurns}
}

// Append adds turn at the end, evicting the oldest turn past the retention limit.
func (s *ConversationStore) Append(turn domain.Turn) error {
	if !turn.Valid() {
		return errEmptyTurn
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns = append(s.turns, turn)
	for s.maxTurns > 0 && len(s.turns) > s.maxTurns {
		s.turns[0] = domain.Turn{}
		s.turns = s.turns[1:]
	}
	return nil
}

// All returns a snapshot in insertion order.
func (s *ConversationStore) All() []domain.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *ConversationStore) At(i int) (domain.Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i < 0 || i >= len(s.turns) {
		return domain.Turn{}, false
	}
	return s.turns[i], true
}

func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Clear drops every turn and the thumbnails they hold.
func (s *ConversationStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.turns)
	s.turns = nil
}
