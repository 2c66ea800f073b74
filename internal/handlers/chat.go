package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/aistudio-relay/internal/models"
	"github.com/google/uuid"
)

type chatRequest struct {
	Question string           `json:"question"`
	Messages []models.Message `json:"messages"`
}

const (
	sessionHeader = "X-Session-ID"
	sessionCookie = "aistudio_session"

	errorChunkPrefix = "Error: Failed to get response from AI."

	// MaxRequestBody caps the size of a chat request body.
	MaxRequestBody = 1 << 20
)

func (c chatRequest) prompt() ([]models.Message, error) {
	if len(c.Messages) > 0 {
		return models.Prompt(c.Messages)
	}
	if strings.TrimSpace(c.Question) == "" {
		return nil, models.ErrInvalidRequest
	}
	return []models.Message{
		{
			Role:      models.RoleUser,
			Content:   c.Question,
			CreatedAt: time.Now(),
		},
	}, nil
}

// ErrorChunk is the text sent to the client when the relay fails after the response has started.
func ErrorChunk(err error) string {
	return fmt.Sprintf("%s %s", errorChunkPrefix, err.Error())
}

// HandleChat relays an answer to the posted prompt. The body is either {"question": "..."} or
// {"messages": [...]} for a multi-turn conversation ending with the user's message.
//
// A blank prompt is rejected with 400 before any chunk is written. Otherwise the response is committed
// with status 200 and streamed with the configured Strategy, as plain text or, when the client accepts
// text/event-stream, as JSON events. A provider failure after that point becomes one final error chunk.
// When the client goes away the upstream call is cancelled and nothing more is written.
//
// Every relayed turn is appended to the caller's session history, flagged as errored if the answer is
// incomplete.
func (m Main) HandleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req chatRequest
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			m.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		m.logger.Warn("Invalid request body", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	messages, err := req.prompt()
	if err != nil {
		m.writeError(w, http.StatusBadRequest, "Message is required")
		return
	}

	sessionID := m.sessionID(w, r)

	m.inflight.Add(1)
	defer m.inflight.Done()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	f, err := newFramer(w, r)
	if err != nil {
		m.logger.Error("Failed to start stream", slog.String(errLoggerKey, err.Error()))
		return
	}

	turn := models.Turn{
		Question:  models.LastQuestion(messages),
		CreatedAt: time.Now(),
	}

	var answer strings.Builder
	err = m.strategy.Relay(ctx, m.llm, messages, func(chunk string) error {
		if err := f.WriteChunk(chunk); err != nil {
			return fmt.Errorf("failed to write chunk: %w", err)
		}
		answer.WriteString(chunk)
		return nil
	})
	turn.Answer = answer.String()

	switch {
	case err == nil:
		if err := f.Close(); err != nil {
			m.logger.Warn("Failed to end stream", slog.String(errLoggerKey, err.Error()))
		}
	case ctx.Err() != nil:
		turn.Errored = true
		m.logger.Info("Relay cancelled",
			slog.String("session", sessionID),
			slog.Int("answerLength", len(turn.Answer)))
	default:
		turn.Errored = true
		m.logger.Error("Error from llm provider",
			slog.String("session", sessionID),
			slog.String(errLoggerKey, err.Error()))
		if err := f.WriteError(ErrorChunk(err)); err != nil {
			m.logger.Warn("Failed to write error chunk", slog.String(errLoggerKey, err.Error()))
			break
		}
		if err := f.Close(); err != nil {
			m.logger.Warn("Failed to end stream", slog.String(errLoggerKey, err.Error()))
		}
	}

	if err := m.store.AddTurn(context.WithoutCancel(r.Context()), sessionID, turn); err != nil {
		m.logger.Error("Failed to add turn",
			slog.String("session", sessionID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// HandleHistory returns the caller's relayed turns on GET and clears them on DELETE.
func (m Main) HandleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := m.sessionID(w, r)

	switch r.Method {
	case http.MethodGet:
		turns, err := m.store.Turns(r.Context(), sessionID)
		if err != nil {
			m.logger.Error("Failed to get turns", slog.String(errLoggerKey, err.Error()))
			m.writeError(w, http.StatusInternalServerError, "Failed to get chat history")
			return
		}
		if turns == nil {
			turns = []models.Turn{}
		}
		m.writeJSON(w, http.StatusOK, turns)
	case http.MethodDelete:
		if err := m.store.ClearTurns(r.Context(), sessionID); err != nil {
			m.logger.Error("Failed to clear turns", slog.String(errLoggerKey, err.Error()))
			m.writeError(w, http.StatusInternalServerError, "Failed to clear chat history")
			return
		}
		m.writeJSON(w, http.StatusOK, map[string]string{"message": "Chat history cleared"})
	default:
		m.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// HandleCodeCSS serves the stylesheet for highlighted code blocks.
func (m Main) HandleCodeCSS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		m.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if err := m.renderer.WriteCodeCSS(w); err != nil {
		m.logger.Error("Failed to write code css", slog.String(errLoggerKey, err.Error()))
	}
}

// sessionID identifies the caller's history: the X-Session-ID header, then the session cookie. A caller
// with neither gets a new id in both the cookie and the response header.
func (m Main) sessionID(w http.ResponseWriter, r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(sessionHeader)); id != "" {
		return id
	}
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.Header().Set(sessionHeader, id)
	return id
}
