package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/aistudio-relay/internal/models"
)

// Anthropic provides an interface to the Anthropic messages API. It implements the LLM interface and
// handles streaming chat completions using Claude models.
type Anthropic struct {
	baseURL      string
	apiKey       string
	model        string
	systemPrompt string
	params       Parameters

	parser FrameParser
	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Stream      bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

const (
	// AnthropicEndpoint is the default base URL of the Anthropic API.
	AnthropicEndpoint = "https://api.anthropic.com/v1"

	anthropicVersion = "2023-06-01"
)

// NewAnthropic creates a new Anthropic instance. An empty baseURL selects AnthropicEndpoint.
func NewAnthropic(
	baseURL, apiKey, model, systemPrompt string,
	params Parameters,
	logger *slog.Logger,
) Anthropic {
	if baseURL == "" {
		baseURL = AnthropicEndpoint
	}
	return Anthropic{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		model:        model,
		systemPrompt: systemPrompt,
		params:       params.WithDefaults(),
		parser:       AnthropicFrames{},
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "anthropic")),
	}
}

// Chat streams responses from the Anthropic API for a given sequence of messages. The system prompt is
// sent in the request's system field. The context can be used to cancel ongoing requests.
func (a Anthropic) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := a.doRequest(ctx, messages, true)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		streamFrames(ctx, resp.Body, a.parser, a.logger, yield)
	}
}

// Complete returns the concatenated text blocks of a non-streaming messages response.
func (a Anthropic) Complete(ctx context.Context, messages []models.Message) (string, error) {
	resp, err := a.doRequest(ctx, messages, false)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	var res anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("%w: error decoding response: %w", models.ErrUpstreamMalformed, err)
	}

	var sb strings.Builder
	for _, block := range res.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

func (a Anthropic) doRequest(ctx context.Context, messages []models.Message, stream bool) (*http.Response, error) {
	msgs := make([]anthropicMessage, len(messages))
	for i, msg := range messages {
		msgs[i] = anthropicMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}

	reqBody := anthropicChatRequest{
		Model:       a.model,
		Messages:    msgs,
		System:      a.systemPrompt,
		MaxTokens:   a.params.MaxTokens,
		Temperature: a.params.Temperature,
		Stream:      stream,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/messages", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, upstreamError(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		a.logger.Warn("Unexpected status code", slog.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%w: unexpected status code: %d, body: %s",
			models.ErrUpstreamUnavailable, resp.StatusCode, string(body))
	}

	return resp, nil
}
