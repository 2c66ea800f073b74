package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/tmaxmax/go-sse"
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

var (
	// ErrClientDecode is returned when the relay's byte stream is not valid UTF-8 or an event payload
	// cannot be decoded. It ends the stream.
	ErrClientDecode = errors.New("client decode error")

	// ErrRelay wraps an error event sent by the relay.
	ErrRelay = errors.New("relay error")
)

const readSize = 4096

// StreamState accumulates the deltas of one response.
type StreamState struct {
	Buffer string
	Done   bool
	Err    error
}

// Apply appends delta to the buffer. The buffer only ever grows.
func (s *StreamState) Apply(delta string) {
	s.Buffer += delta
}

// Finish marks the stream as ended, with err set if it did not complete.
func (s *StreamState) Finish(err error) {
	s.Done = true
	s.Err = err
}

// Consume yields the text of a raw relay response as it arrives, one delta per read. Bytes are decoded
// as UTF-8 by a stateful validator, so a multi-byte character split across reads is held back until it
// is complete and every delta is valid UTF-8. Invalid input ends the sequence with ErrClientDecode.
//
// The sequence ends at EOF. If ctx is cancelled it ends with ctx's error. Closing body is left to the
// caller.
func Consume(ctx context.Context, body io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		r := transform.NewReader(body, encoding.UTF8Validator)
		buf := make([]byte, readSize)
		for {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}

			n, err := r.Read(buf)
			if n > 0 {
				if !yield(string(buf[:n]), nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", readError(ctx, err))
				return
			}
		}
	}
}

type relayEvent struct {
	Delta string `json:"delta"`
	Error string `json:"error"`
}

const doneEvent = "[DONE]"

// ConsumeEvents yields the deltas of a relay response framed as server-sent events. An error event ends
// the sequence with ErrRelay; a stream that stops before the [DONE] event ends with
// io.ErrUnexpectedEOF.
func ConsumeEvents(ctx context.Context, body io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for ev, err := range sse.Read(body, nil) {
			if err != nil {
				yield("", readError(ctx, err))
				return
			}
			if ev.Data == doneEvent {
				return
			}

			var payload relayEvent
			if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
				yield("", fmt.Errorf("%w: %w", ErrClientDecode, err))
				return
			}
			if payload.Error != "" {
				yield("", fmt.Errorf("%w: %s", ErrRelay, payload.Error))
				return
			}
			if payload.Delta == "" {
				continue
			}
			if !yield(payload.Delta, nil) {
				return
			}
		}

		if err := ctx.Err(); err != nil {
			yield("", err)
			return
		}
		yield("", fmt.Errorf("stream ended before %s: %w", doneEvent, io.ErrUnexpectedEOF))
	}
}

func readError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, encoding.ErrInvalidUTF8) {
		return fmt.Errorf("%w: %w", ErrClientDecode, err)
	}
	return fmt.Errorf("error reading stream: %w", err)
}
