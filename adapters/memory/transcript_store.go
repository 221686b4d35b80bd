package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/vneid-labs/voicekit/domain/entities"
	"github.com/vneid-labs/voicekit/domain/repositories"
)

// TranscriptStore is an in-memory transcript store for development and tests.
type TranscriptStore struct {
	mu    sync.RWMutex
	turns map[string][]entities.Turn
}

var _ repositories.TranscriptStore = (*TranscriptStore)(nil)

// NewTranscriptStore creates an empty in-memory store.
func NewTranscriptStore() *TranscriptStore {
	return &TranscriptStore{turns: make(map[string][]entities.Turn)}
}

// SaveTurn implements repositories.TranscriptStore
func (s *TranscriptStore) SaveTurn(ctx context.Context, sessionID string, turn entities.Turn) error {
	if sessionID == "" {
		return errors.New("session ID cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[sessionID] = append(s.turns[sessionID], turn)
	return nil
}

// History implements repositories.TranscriptStore
func (s *TranscriptStore) History(ctx context.Context, sessionID string) ([]entities.Turn, error) {
	if sessionID == "" {
		return nil, errors.New("session ID cannot be empty")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]entities.Turn(nil), s.turns[sessionID]...), nil
}
