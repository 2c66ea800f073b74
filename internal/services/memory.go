package services

import (
	"context"
	"slices"
	"sync"

	"github.com/MegaGrindStone/aistudio-relay/internal/models"
)

// Memory keeps session histories in process memory. It is the default store.
type Memory struct {
	mu    *sync.Mutex
	turns map[string][]models.Turn
}

// NewMemory returns an empty Memory store.
func NewMemory() Memory {
	return Memory{
		mu:    &sync.Mutex{},
		turns: make(map[string][]models.Turn),
	}
}

// Turns returns a copy of the session's turns in the order they were added.
func (m Memory) Turns(_ context.Context, sessionID string) ([]models.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.turns[sessionID]), nil
}

// AddTurn appends turn to the session's history.
func (m Memory) AddTurn(_ context.Context, sessionID string, turn models.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[sessionID] = append(m.turns[sessionID], turn)
	return nil
}

// ClearTurns removes the session's history.
func (m Memory) ClearTurns(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, sessionID)
	return nil
}

// Close is a no-op.
func (m Memory) Close() error { return nil }
