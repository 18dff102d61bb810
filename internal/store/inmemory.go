package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process transcript store for local/dev use.
type InMemoryStore struct {
	mu    sync.RWMutex
	turns map[string][]TranscriptTurn
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{turns: make(map[string][]TranscriptTurn)}
}

func (s *InMemoryStore) InsertMessage(_ context.Context, turn TranscriptTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.SentAt.IsZero() {
		turn.SentAt = time.Now().UTC()
	}
	s.turns[turn.SessionID] = append(s.turns[turn.SessionID], turn)
	return nil
}

func (s *InMemoryStore) History(_ context.Context, sessionID string, limit int) ([]TranscriptTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TranscriptTurn, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) AttachScore(_ context.Context, sessionID string, score []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := s.turns[sessionID]
	for i := len(arr) - 1; i >= 0; i-- {
		if arr[i].StudentSent {
			arr[i].Score = score
			return nil
		}
	}
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
