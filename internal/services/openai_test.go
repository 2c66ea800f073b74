package services_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MegaGrindStone/aistudio-relay/internal/models"
	"github.com/MegaGrindStone/aistudio-relay/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		writeFrames(w,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"Hi"}}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"!"}}]}`,
			"[DONE]",
		)
	}))
	defer srv.Close()

	llm := services.NewOpenAI("key", srv.URL, "gpt", "sys", services.Parameters{}, discardLogger())

	var deltas []string
	for delta, err := range llm.Chat(context.Background(), userMessage("hi")) {
		require.NoError(t, err)
		deltas = append(deltas, delta)
	}
	assert.Equal(t, []string{"Hi", "!"}, deltas)
}

func TestOpenAIComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Done."}}]}`)
	}))
	defer srv.Close()

	llm := services.NewOpenAI("key", srv.URL, "gpt", "", services.Parameters{}, discardLogger())

	answer, err := llm.Complete(context.Background(), userMessage("hi"))
	require.NoError(t, err)
	assert.Equal(t, "Done.", answer)
}

func TestOpenAICompleteUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom","type":"server_error"}}`)
	}))
	defer srv.Close()

	llm := services.NewOpenAI("key", srv.URL, "gpt", "", services.Parameters{}, discardLogger())

	_, err := llm.Complete(context.Background(), userMessage("hi"))
	require.ErrorIs(t, err, models.ErrUpstreamUnavailable)
}
