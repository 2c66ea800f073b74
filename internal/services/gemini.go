package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/aistudio-relay/internal/models"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Gemini implements the LLM interface on top of Google's Generative AI client.
type Gemini struct {
	model        string
	systemPrompt string
	params       Parameters

	client *genai.Client

	logger *slog.Logger
}

// NewGemini creates a Gemini client authenticated with apiKey. The returned value owns a gRPC connection
// and must be closed.
func NewGemini(
	ctx context.Context,
	apiKey, model, systemPrompt string,
	params Parameters,
	logger *slog.Logger,
) (Gemini, error) {
	if apiKey == "" {
		return Gemini{}, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return Gemini{}, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return Gemini{
		model:        model,
		systemPrompt: systemPrompt,
		params:       params.WithDefaults(),
		client:       client,
		logger:       logger.With(slog.String("module", "gemini")),
	}, nil
}

// Chat streams the model's reply to the last message, with the earlier messages as chat history.
func (g Gemini) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		cs, parts := g.session(messages)
		it := cs.SendMessageStream(ctx, parts...)
		for {
			resp, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("stream error: %w", upstreamError(err)))
				return
			}

			delta := responseText(resp)
			if delta == "" {
				continue
			}
			if !yield(delta, nil) {
				return
			}
		}
	}
}

// Complete returns the model's whole reply to the last message.
func (g Gemini) Complete(ctx context.Context, messages []models.Message) (string, error) {
	cs, parts := g.session(messages)
	resp, err := cs.SendMessage(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("generate error: %w", upstreamError(err))
	}
	return responseText(resp), nil
}

// Close releases the client connection.
func (g Gemini) Close() error {
	return g.client.Close()
}

func (g Gemini) session(messages []models.Message) (*genai.ChatSession, []genai.Part) {
	model := g.client.GenerativeModel(g.model)
	g.configure(model)

	cs := model.StartChat()
	history, current := geminiTurns(messages)
	cs.History = history
	return cs, current
}

func (g Gemini) configure(model *genai.GenerativeModel) {
	model.SetTemperature(float32(g.params.Temperature))
	model.SetMaxOutputTokens(int32(g.params.MaxTokens)) //nolint:gosec
	if g.systemPrompt != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(g.systemPrompt)},
		}
	}
}

// geminiTurns splits messages into chat history and the parts of the message to send, which is the
// last one. Gemini calls the assistant "model".
func geminiTurns(messages []models.Message) ([]*genai.Content, []genai.Part) {
	var history []*genai.Content
	var current []genai.Part
	for i, msg := range messages {
		role := "user"
		if msg.Role == models.RoleAssistant {
			role = "model"
		}
		parts := []genai.Part{genai.Text(msg.Content)}
		if i == len(messages)-1 {
			current = parts
			continue
		}
		history = append(history, &genai.Content{Role: role, Parts: parts})
	}
	return history, current
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return sb.String()
}
