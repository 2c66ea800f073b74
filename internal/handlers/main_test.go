package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/aistudio-relay/internal/handlers"
	"github.com/MegaGrindStone/aistudio-relay/internal/models"
	"github.com/MegaGrindStone/aistudio-relay/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLLM struct {
	responses  []string
	completion string
	err        error

	mu    sync.Mutex
	calls int
}

type mockStore struct {
	mu    sync.Mutex
	turns map[string][]models.Turn
	err   error
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMain(t *testing.T, llm handlers.LLM, store handlers.Store, strategy handlers.Strategy) handlers.Main {
	t.Helper()
	m, err := handlers.NewMain(llm, store, strategy, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
	})
	return m
}

func postChat(body string, headers ...string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	return req
}

func TestNewMain(t *testing.T) {
	m, err := handlers.NewMain(&mockLLM{}, newMockStore(), handlers.Passthrough{}, discardLogger())
	require.NoError(t, err)
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestHandleChatRejectsInvalidRequests(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		wantStatus int
		wantError  string
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
			wantError:  "Method not allowed",
		},
		{
			name:       "Empty body",
			method:     http.MethodPost,
			wantStatus: http.StatusBadRequest,
			wantError:  "Message is required",
		},
		{
			name:       "Missing question",
			method:     http.MethodPost,
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Message is required",
		},
		{
			name:       "Whitespace question",
			method:     http.MethodPost,
			body:       `{"question":" \n\t "}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Message is required",
		},
		{
			name:       "Conversation ending with the assistant",
			method:     http.MethodPost,
			body:       `{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Message is required",
		},
		{
			name:       "Unknown role",
			method:     http.MethodPost,
			body:       `{"messages":[{"role":"system","content":"hi"}]}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Message is required",
		},
		{
			name:       "Invalid JSON",
			method:     http.MethodPost,
			body:       `{"question":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid request body",
		},
		{
			name:       "Oversized body",
			method:     http.MethodPost,
			body:       `{"question":"` + strings.Repeat("a", handlers.MaxRequestBody) + `"}`,
			wantStatus: http.StatusRequestEntityTooLarge,
			wantError:  "Request body too large",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &mockLLM{completion: "never", responses: []string{"never"}}
			store := newMockStore()
			m := newMain(t, llm, store, handlers.Passthrough{})

			req := httptest.NewRequest(tt.method, "/chat", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			m.HandleChat(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			var body map[string]string
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.wantError, body["error"])
			assert.Zero(t, llm.callCount(), "no upstream call for an invalid request")
			assert.Empty(t, store.all())
		})
	}
}

func TestHandleChatChunked(t *testing.T) {
	llm := &mockLLM{completion: "A. B! C?"}
	store := newMockStore()
	m := newMain(t, llm, store, handlers.Chunked{})

	w := httptest.NewRecorder()
	m.HandleChat(w, postChat(`{"question":"letters"}`, "X-Session-ID", "s1"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", w.Header().Get("Connection"))
	assert.Equal(t, "A. B! C?", w.Body.String())
	assert.True(t, w.Flushed)

	turns := store.turnsOf("s1")
	require.Len(t, turns, 1)
	assert.Equal(t, "letters", turns[0].Question)
	assert.Equal(t, "A. B! C?", turns[0].Answer)
	assert.False(t, turns[0].Errored)
}

func TestHandleChatPassthrough(t *testing.T) {
	llm := &mockLLM{responses: []string{"Hel", "lo ", "wörld"}}
	store := newMockStore()
	m := newMain(t, llm, store, handlers.Passthrough{})

	w := httptest.NewRecorder()
	m.HandleChat(w, postChat(`{"messages":[{"role":"user","content":"one"},{"role":"assistant","content":"1"},{"role":"user","content":"two"}]}`,
		"X-Session-ID", "s1"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Hello wörld", w.Body.String())

	turns := store.turnsOf("s1")
	require.Len(t, turns, 1)
	assert.Equal(t, "two", turns[0].Question)
	assert.Equal(t, "Hello wörld", turns[0].Answer)
}

func TestHandleChatEventStream(t *testing.T) {
	llm := &mockLLM{responses: []string{"Hel", "lo"}}
	m := newMain(t, llm, newMockStore(), handlers.Passthrough{})

	w := httptest.NewRecorder()
	m.HandleChat(w, postChat(`{"question":"hi"}`, "Accept", "text/event-stream"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	body := w.Body.String()
	first := strings.Index(body, `data: {"delta":"Hel"}`)
	second := strings.Index(body, `data: {"delta":"lo"}`)
	done := strings.Index(body, "data: [DONE]")
	require.NotEqual(t, -1, first)
	require.NotEqual(t, -1, second)
	require.NotEqual(t, -1, done)
	assert.Less(t, first, second)
	assert.Less(t, second, done)
}

func TestHandleChatUpstreamError(t *testing.T) {
	tests := []struct {
		name     string
		llm      *mockLLM
		strategy handlers.Strategy
		accept   string
		want     []string
		partial  string
	}{
		{
			name:     "Blocking call fails",
			llm:      &mockLLM{err: fmt.Errorf("%w: connection refused", models.ErrUpstreamUnavailable)},
			strategy: handlers.Chunked{},
			want:     []string{"Error: Failed to get response from AI. upstream unavailable: connection refused"},
		},
		{
			name: "Stream fails after a partial answer",
			llm: &mockLLM{
				responses: []string{"partial"},
				err:       fmt.Errorf("%w: reset by peer", models.ErrUpstreamUnavailable),
			},
			strategy: handlers.Passthrough{},
			want:     []string{"partial\nError: Failed to get response from AI."},
			partial:  "partial",
		},
		{
			name: "Stream fails with event framing",
			llm: &mockLLM{
				responses: []string{"partial"},
				err:       fmt.Errorf("%w: reset by peer", models.ErrUpstreamUnavailable),
			},
			strategy: handlers.Passthrough{},
			accept:   "text/event-stream",
			want: []string{
				`data: {"delta":"partial"}`,
				`data: {"error":"Error: Failed to get response from AI. upstream unavailable: reset by peer"}`,
				"data: [DONE]",
			},
			partial: "partial",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			m := newMain(t, tt.llm, store, tt.strategy)

			w := httptest.NewRecorder()
			m.HandleChat(w, postChat(`{"question":"hi"}`, "X-Session-ID", "s1", "Accept", tt.accept))

			assert.Equal(t, http.StatusOK, w.Code)
			for _, want := range tt.want {
				assert.Contains(t, w.Body.String(), want)
			}

			turns := store.turnsOf("s1")
			require.Len(t, turns, 1)
			assert.True(t, turns[0].Errored)
			assert.Equal(t, tt.partial, turns[0].Answer)
		})
	}
}

func TestHandleChatTruncatedUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
	}))
	defer upstream.Close()

	llm := services.NewCompatible(upstream.URL, "", "m", "", services.Parameters{}, discardLogger())

	tests := []struct {
		name   string
		accept string
		want   []string
	}{
		{
			name: "Raw text",
			want: []string{"partial\nError: Failed to get response from AI.", "stream ended before end marker"},
		},
		{
			name:   "Event stream",
			accept: "text/event-stream",
			want:   []string{`data: {"delta":"partial"}`, `data: {"error":"Error: Failed to get response from AI.`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			m := newMain(t, llm, store, handlers.Passthrough{})

			w := httptest.NewRecorder()
			m.HandleChat(w, postChat(`{"question":"q"}`, "X-Session-ID", "s1", "Accept", tt.accept))

			for _, want := range tt.want {
				assert.Contains(t, w.Body.String(), want)
			}

			turns := store.turnsOf("s1")
			require.Len(t, turns, 1)
			assert.Equal(t, "partial", turns[0].Answer)
			assert.True(t, turns[0].Errored)
		})
	}
}

type blockingLLM struct {
	started   chan struct{}
	cancelled chan struct{}
}

func (b blockingLLM) Chat(ctx context.Context, _ []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !yield("first", nil) {
			return
		}
		close(b.started)
		<-ctx.Done()
		close(b.cancelled)
	}
}

func (b blockingLLM) Complete(ctx context.Context, _ []models.Message) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestHandleChatClientDisconnect(t *testing.T) {
	llm := blockingLLM{started: make(chan struct{}), cancelled: make(chan struct{})}
	store := newMockStore()
	m := newMain(t, llm, store, handlers.Passthrough{})

	ctx, cancel := context.WithCancel(context.Background())
	req := postChat(`{"question":"hi"}`, "X-Session-ID", "s1").WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		m.HandleChat(w, req)
		close(done)
	}()

	<-llm.started
	cancel()

	select {
	case <-llm.cancelled:
	case <-time.After(time.Second):
		t.Fatal("upstream call was not cancelled")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after disconnect")
	}

	assert.Equal(t, "first", w.Body.String(), "nothing is written after the disconnect")

	turns := store.turnsOf("s1")
	require.Len(t, turns, 1)
	assert.True(t, turns[0].Errored)
	assert.Equal(t, "first", turns[0].Answer)
}

func TestShutdownCancelsInflightRelays(t *testing.T) {
	llm := blockingLLM{started: make(chan struct{}), cancelled: make(chan struct{})}
	store := newMockStore()
	m, err := handlers.NewMain(llm, store, handlers.Passthrough{}, discardLogger())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	go m.HandleChat(w, postChat(`{"question":"hi"}`, "X-Session-ID", "s1"))

	<-llm.started
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	turns := store.turnsOf("s1")
	require.Len(t, turns, 1)
	assert.True(t, turns[0].Errored)
}

func TestHandleHistory(t *testing.T) {
	store := newMockStore()
	m := newMain(t, &mockLLM{completion: "Sure."}, store, handlers.Chunked{})

	m.HandleChat(httptest.NewRecorder(), postChat(`{"question":"one"}`, "X-Session-ID", "s1"))
	m.HandleChat(httptest.NewRecorder(), postChat(`{"question":"two"}`, "X-Session-ID", "s1"))
	m.HandleChat(httptest.NewRecorder(), postChat(`{"question":"other"}`, "X-Session-ID", "s2"))

	req := httptest.NewRequest(http.MethodGet, "/chat/history", nil)
	req.Header.Set("X-Session-ID", "s1")
	w := httptest.NewRecorder()
	m.HandleHistory(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var turns []models.Turn
	require.NoError(t, json.NewDecoder(w.Body).Decode(&turns))
	require.Len(t, turns, 2)
	assert.Equal(t, "one", turns[0].Question)
	assert.Equal(t, "two", turns[1].Question)
	assert.Equal(t, "Sure.", turns[1].Answer)

	req = httptest.NewRequest(http.MethodDelete, "/chat/history", nil)
	req.Header.Set("X-Session-ID", "s1")
	w = httptest.NewRecorder()
	m.HandleHistory(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"Chat history cleared"}`, w.Body.String())
	assert.Empty(t, store.turnsOf("s1"))
	assert.Len(t, store.turnsOf("s2"), 1)

	req = httptest.NewRequest(http.MethodGet, "/chat/history", nil)
	req.Header.Set("X-Session-ID", "s1")
	w = httptest.NewRecorder()
	m.HandleHistory(w, req)
	assert.JSONEq(t, `[]`, w.Body.String())

	req = httptest.NewRequest(http.MethodPut, "/chat/history", nil)
	w = httptest.NewRecorder()
	m.HandleHistory(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleHistoryStoreError(t *testing.T) {
	store := newMockStore()
	store.err = fmt.Errorf("disk full")
	m := newMain(t, &mockLLM{}, store, handlers.Chunked{})

	w := httptest.NewRecorder()
	m.HandleHistory(w, httptest.NewRequest(http.MethodGet, "/chat/history", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestSessionCookie(t *testing.T) {
	store := newMockStore()
	m := newMain(t, &mockLLM{completion: "ok"}, store, handlers.Chunked{})

	w := httptest.NewRecorder()
	m.HandleChat(w, postChat(`{"question":"hi"}`))

	resp := w.Result()
	defer resp.Body.Close()
	require.Len(t, resp.Cookies(), 1)
	cookie := resp.Cookies()[0]
	assert.Equal(t, "aistudio_session", cookie.Name)
	assert.NotEmpty(t, cookie.Value)
	assert.Equal(t, cookie.Value, resp.Header.Get("X-Session-ID"))

	req := httptest.NewRequest(http.MethodGet, "/chat/history", nil)
	req.AddCookie(cookie)
	w = httptest.NewRecorder()
	m.HandleHistory(w, req)

	var turns []models.Turn
	require.NoError(t, json.NewDecoder(w.Body).Decode(&turns))
	require.Len(t, turns, 1)
	assert.Equal(t, "hi", turns[0].Question)
	assert.Empty(t, w.Result().Cookies(), "a known session is not reissued")
}

func TestHandleCodeCSS(t *testing.T) {
	m := newMain(t, &mockLLM{}, newMockStore(), handlers.Chunked{})

	w := httptest.NewRecorder()
	m.HandleCodeCSS(w, httptest.NewRequest(http.MethodGet, "/assets/code.css", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/css")
	assert.Contains(t, w.Body.String(), ".chroma")
}

func newMockStore() *mockStore {
	return &mockStore{turns: make(map[string][]models.Turn)}
}

func (m *mockLLM) Chat(ctx context.Context, _ []models.Message) iter.Seq2[string, error] {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return func(yield func(string, error) bool) {
		for _, resp := range m.responses {
			if ctx.Err() != nil {
				return
			}
			if !yield(resp, nil) {
				return
			}
		}
		if m.err != nil {
			yield("", m.err)
		}
	}
}

func (m *mockLLM) Complete(_ context.Context, _ []models.Message) (string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	return m.completion, nil
}

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockStore) Turns(_ context.Context, sessionID string) ([]models.Turn, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.turnsOf(sessionID), nil
}

func (m *mockStore) AddTurn(_ context.Context, sessionID string, turn models.Turn) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[sessionID] = append(m.turns[sessionID], turn)
	return nil
}

func (m *mockStore) ClearTurns(_ context.Context, sessionID string) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, sessionID)
	return nil
}

func (m *mockStore) turnsOf(sessionID string) []models.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Turn(nil), m.turns[sessionID]...)
}

func (m *mockStore) all() map[string][]models.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turns
}
