package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MegaGrindStone/aistudio-relay/internal/markup"
	"github.com/MegaGrindStone/aistudio-relay/internal/models"
)

// LLM represents a large language model provider. Chat streams the reply to messages as text deltas;
// Complete returns the whole reply at once.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error]
	Complete(ctx context.Context, messages []models.Message) (string, error)
}

// Store keeps the relayed turns of each session.
type Store interface {
	Turns(ctx context.Context, sessionID string) ([]models.Turn, error)
	AddTurn(ctx context.Context, sessionID string, turn models.Turn) error
	ClearTurns(ctx context.Context, sessionID string) error
}

// Main handles the relay endpoints: it streams answers from the LLM with the configured Strategy and
// records every relayed turn in the Store.
type Main struct {
	llm      LLM
	store    Store
	strategy Strategy
	renderer markup.Renderer

	// ctx is cancelled by Shutdown to end every relay still in flight.
	ctx      context.Context
	cancel   context.CancelFunc
	inflight *sync.WaitGroup

	logger *slog.Logger
}

const errLoggerKey = "err"

// NewMain creates a new Main with the provided LLM, Store and Strategy.
func NewMain(llm LLM, store Store, strategy Strategy, logger *slog.Logger) (Main, error) {
	renderer, err := markup.NewRenderer()
	if err != nil {
		return Main{}, fmt.Errorf("failed to create renderer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return Main{
		llm:      llm,
		store:    store,
		strategy: strategy,
		renderer: renderer,
		ctx:      ctx,
		cancel:   cancel,
		inflight: &sync.WaitGroup{},
		logger:   logger.With(slog.String("module", "main")),
	}, nil
}

// Shutdown cancels every relay in flight and waits for their handlers to record the interrupted turns,
// or for ctx to be done.
func (m Main) Shutdown(ctx context.Context) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m Main) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to encode response", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) writeError(w http.ResponseWriter, status int, msg string) {
	m.writeJSON(w, status, map[string]string{"error": msg})
}
