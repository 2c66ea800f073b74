package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/tmaxmax/go-sse"
)

// framer writes relay chunks to an open response, flushing after each write so the client sees every
// chunk as soon as it is produced.
type framer interface {
	WriteChunk(chunk string) error
	WriteError(text string) error
	Close() error
}

// rawFramer writes chunks as plain text with no framing.
type rawFramer struct {
	w     http.ResponseWriter
	rc    *http.ResponseController
	wrote bool
}

// eventFramer writes each chunk as a JSON server-sent event and ends the stream with [DONE].
type eventFramer struct {
	sess *sse.Session
}

type deltaEvent struct {
	Delta string `json:"delta,omitempty"`
	Error string `json:"error,omitempty"`
}

const doneEvent = "[DONE]"

func setStreamHeaders(h http.Header) {
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// wantsEvents reports whether the request accepts a text/event-stream response.
func wantsEvents(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mt == "text/event-stream" {
			return true
		}
	}
	return false
}

// newFramer commits the response headers for the framing the request asked for.
func newFramer(w http.ResponseWriter, r *http.Request) (framer, error) {
	setStreamHeaders(w.Header())

	if wantsEvents(r) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			return nil, fmt.Errorf("failed to upgrade to event stream: %w", err)
		}
		if err := sess.Flush(); err != nil {
			return nil, fmt.Errorf("failed to flush headers: %w", err)
		}
		return &eventFramer{sess: sess}, nil
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush headers: %w", err)
	}
	return &rawFramer{w: w, rc: rc}, nil
}

func (f *rawFramer) WriteChunk(chunk string) error {
	if _, err := io.WriteString(f.w, chunk); err != nil {
		return err
	}
	f.wrote = true
	return f.rc.Flush()
}

// WriteError puts the error text on its own line after any chunks already written.
func (f *rawFramer) WriteError(text string) error {
	if f.wrote {
		text = "\n" + text
	}
	return f.WriteChunk(text + "\n")
}

func (f *rawFramer) Close() error { return nil }

func (f *eventFramer) send(data string) error {
	msg := &sse.Message{}
	msg.AppendData(data)
	if err := f.sess.Send(msg); err != nil {
		return err
	}
	return f.sess.Flush()
}

func (f *eventFramer) sendJSON(ev deltaEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return f.send(string(b))
}

func (f *eventFramer) WriteChunk(chunk string) error {
	return f.sendJSON(deltaEvent{Delta: chunk})
}

func (f *eventFramer) WriteError(text string) error {
	return f.sendJSON(deltaEvent{Error: text})
}

func (f *eventFramer) Close() error {
	return f.send(doneEvent)
}
