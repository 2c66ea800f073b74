package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/MegaGrindStone/aistudio-relay/internal/models"
	"golang.org/x/time/rate"
)

// Strategy produces the answer to messages as a sequence of chunks passed to emit, in order. It returns
// the first error from the provider or from emit. A cancelled ctx is reported as ctx.Err().
type Strategy interface {
	Relay(ctx context.Context, llm LLM, messages []models.Message, emit func(string) error) error
}

// Chunked waits for the whole completion, then emits it one sentence at a time with Pacing between
// chunks.
type Chunked struct {
	Pacing time.Duration
}

// Passthrough emits every delta of the provider's stream as soon as it arrives.
type Passthrough struct{}

// DefaultPacing is the delay between chunks of the Chunked strategy.
const DefaultPacing = 300 * time.Millisecond

// NewStrategy returns the strategy registered under name: "chunked" or "passthrough". An empty name
// selects chunked.
func NewStrategy(name string, pacing time.Duration) (Strategy, error) {
	switch name {
	case "", "chunked":
		return Chunked{Pacing: pacing}, nil
	case "passthrough":
		return Passthrough{}, nil
	default:
		return nil, fmt.Errorf("unknown relay strategy: %s", name)
	}
}

// Relay implements Strategy.
func (c Chunked) Relay(ctx context.Context, llm LLM, messages []models.Message, emit func(string) error) error {
	answer, err := llm.Complete(ctx, messages)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	var limiter *rate.Limiter
	if c.Pacing > 0 {
		limiter = rate.NewLimiter(rate.Every(c.Pacing), 1)
	}

	for _, unit := range SplitSentences(answer) {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return ctx.Err()
			}
		}
		if err := emit(unit); err != nil {
			return err
		}
	}
	return nil
}

// Relay implements Strategy.
func (Passthrough) Relay(ctx context.Context, llm LLM, messages []models.Message, emit func(string) error) error {
	for delta, err := range llm.Chat(ctx, messages) {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := emit(delta); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// SplitSentences cuts text after every run of sentence terminators (., ! or ?) that is followed by
// something else. Whitespace between sentences stays at the start of the following unit, so joining
// the units gives back text unchanged. Text without a terminator is a single unit; empty text has none.
//
// "A. B! C?" splits into "A.", " B!" and " C?". The units differ from the bare sentences "A.", "B!" and
// "C?" only by that leading whitespace.
func SplitSentences(text string) []string {
	var units []string
	start := 0
	inTerminators := false
	for i, r := range text {
		terminator := r == '.' || r == '!' || r == '?'
		if inTerminators && !terminator {
			units = append(units, text[start:i])
			start = i
		}
		inTerminators = terminator
	}
	if start < len(text) {
		units = append(units, text[start:])
	}
	return units
}
