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

// Compatible talks to any endpoint that implements the OpenAI chat completions API: OpenRouter,
// LM Studio, vLLM and similar local servers.
type Compatible struct {
	baseURL      string
	apiKey       string
	model        string
	systemPrompt string
	params       Parameters
	headers      map[string]string

	parser FrameParser
	client *http.Client

	logger *slog.Logger
}

// Parameters are the sampling options forwarded to providers that accept them.
type Parameters struct {
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"maxTokens"`
}

type compatibleChatRequest struct {
	Model       string              `json:"model"`
	Messages    []compatibleMessage `json:"messages"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Stream      bool                `json:"stream"`
}

type compatibleMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type compatibleResponse struct {
	Choices []struct {
		Message compatibleMessage `json:"message"`
	} `json:"choices"`
}

const (
	// DefaultTemperature and DefaultMaxTokens are used when the configuration leaves them unset.
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000

	// OpenRouterEndpoint is the base URL of OpenRouter's compatible API.
	OpenRouterEndpoint = "https://openrouter.ai/api/v1"
	// LMStudioEndpoint is LM Studio's default local server.
	LMStudioEndpoint = "http://localhost:1234/v1"
)

// WithDefaults fills zero fields with the default sampling options.
func (p Parameters) WithDefaults() Parameters {
	if p.Temperature == 0 {
		p.Temperature = DefaultTemperature
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = DefaultMaxTokens
	}
	return p
}

// NewCompatible creates a client for the chat completions endpoint under baseURL. apiKey may be empty for
// local servers.
func NewCompatible(
	baseURL, apiKey, model, systemPrompt string,
	params Parameters,
	logger *slog.Logger,
) Compatible {
	return Compatible{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		model:        model,
		systemPrompt: systemPrompt,
		params:       params.WithDefaults(),
		parser:       OpenAIFrames{},
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "compatible")),
	}
}

// NewOpenRouter creates a Compatible client for OpenRouter, attributing requests to this application.
func NewOpenRouter(apiKey, model, systemPrompt string, params Parameters, logger *slog.Logger) Compatible {
	c := NewCompatible(OpenRouterEndpoint, apiKey, model, systemPrompt, params, logger)
	c.headers = map[string]string{
		"HTTP-Referer": "https://github.com/MegaGrindStone/aistudio-relay/",
		"X-Title":      "AI Studio",
	}
	c.logger = logger.With(slog.String("module", "openrouter"))
	return c
}

// Chat streams the completion for messages, yielding each non-empty delta in upstream order. Frames that
// cannot be decoded are dropped with a warning. A cancelled ctx ends the sequence without an error.
func (c Compatible) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := c.doRequest(ctx, messages, true)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		streamFrames(ctx, resp.Body, c.parser, c.logger, yield)
	}
}

// Complete returns the whole completion for messages in a single response.
func (c Compatible) Complete(ctx context.Context, messages []models.Message) (string, error) {
	resp, err := c.doRequest(ctx, messages, false)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	var res compatibleResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("%w: error decoding response: %w", models.ErrUpstreamMalformed, err)
	}
	if len(res.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices found", models.ErrUpstreamMalformed)
	}

	return res.Choices[0].Message.Content, nil
}

func (c Compatible) doRequest(ctx context.Context, messages []models.Message, stream bool) (*http.Response, error) {
	msgs := make([]compatibleMessage, 0, len(messages)+1)
	if c.systemPrompt != "" {
		msgs = append(msgs, compatibleMessage{Role: "system", Content: c.systemPrompt})
	}
	for _, msg := range messages {
		msgs = append(msgs, compatibleMessage{Role: string(msg.Role), Content: msg.Content})
	}

	reqBody := compatibleChatRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: c.params.Temperature,
		MaxTokens:   c.params.MaxTokens,
		Stream:      stream,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	c.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, upstreamError(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: unexpected status code: %d, body: %s",
			models.ErrUpstreamUnavailable, resp.StatusCode, string(body))
	}

	return resp, nil
}
