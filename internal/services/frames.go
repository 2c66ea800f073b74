package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/aistudio-relay/internal/models"
	"github.com/tmaxmax/go-sse"
)

const errLoggerKey = "err"

// FrameParser extracts the text delta carried by one server-sent event of a provider's streaming API.
// done is true for the provider's end-of-stream marker. A frame that cannot be decoded returns an
// error wrapping models.ErrUpstreamMalformed; an error frame sent by the provider returns an error
// wrapping models.ErrUpstreamUnavailable.
type FrameParser interface {
	ParseFrame(event, data string) (delta string, done bool, err error)
}

// OpenAIFrames parses chat-completion chunks (`data: {"choices":[{"delta":{"content":...}}]}`)
// terminated by `data: [DONE]`, as sent by OpenAI-compatible endpoints.
type OpenAIFrames struct{}

// AnthropicFrames parses the typed events of the Anthropic messages API.
type AnthropicFrames struct{}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseFrame implements FrameParser.
func (OpenAIFrames) ParseFrame(_, data string) (string, bool, error) {
	if strings.TrimSpace(data) == "[DONE]" {
		return "", true, nil
	}

	var res chatCompletionChunk
	if err := json.Unmarshal([]byte(data), &res); err != nil {
		return "", false, fmt.Errorf("%w: %w", models.ErrUpstreamMalformed, err)
	}
	if res.Error != nil {
		return "", false, fmt.Errorf("%w: %s", models.ErrUpstreamUnavailable, res.Error.Message)
	}
	if len(res.Choices) == 0 {
		return "", false, nil
	}
	return res.Choices[0].Delta.Content, false, nil
}

// ParseFrame implements FrameParser.
func (AnthropicFrames) ParseFrame(event, data string) (string, bool, error) {
	switch event {
	case "message_stop":
		return "", true, nil
	case "error":
		var e anthropicError
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return "", false, fmt.Errorf("%w: %w", models.ErrUpstreamMalformed, err)
		}
		return "", false, fmt.Errorf("%w: anthropic error %s: %s",
			models.ErrUpstreamUnavailable, e.Error.Type, e.Error.Message)
	case "content_block_delta":
		var res anthropicStreamResponse
		if err := json.Unmarshal([]byte(data), &res); err != nil {
			return "", false, fmt.Errorf("%w: %w", models.ErrUpstreamMalformed, err)
		}
		return res.Delta.Text, false, nil
	default:
		return "", false, nil
	}
}

// streamFrames reads server-sent events from body and yields the deltas found by parser. Malformed
// frames are logged and skipped. The stream ends at the parser's done marker or when ctx is cancelled.
// EOF before the done marker is a truncated answer and ends the stream with ErrUpstreamUnavailable.
func streamFrames(
	ctx context.Context,
	body io.Reader,
	parser FrameParser,
	logger *slog.Logger,
	yield func(string, error) bool,
) {
	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			yield("", fmt.Errorf("%w: error reading response: %w", models.ErrUpstreamUnavailable, err))
			return
		}

		delta, done, err := parser.ParseFrame(ev.Type, ev.Data)
		if err != nil {
			if errors.Is(err, models.ErrUpstreamMalformed) {
				logger.Warn("Dropping malformed frame",
					slog.String("frame", ev.Data),
					slog.String(errLoggerKey, err.Error()))
				continue
			}
			yield("", err)
			return
		}
		if done {
			return
		}
		if delta == "" {
			continue
		}
		if !yield(delta, nil) {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	yield("", fmt.Errorf("%w: stream ended before end marker: %w", models.ErrUpstreamUnavailable, io.ErrUnexpectedEOF))
}

// upstreamError classifies a transport error. Cancellation is returned as is so callers can tell a
// client disconnect from a provider failure.
func upstreamError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", models.ErrUpstreamUnavailable, err)
}
