package client

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/aistudio-relay/internal/markup"
	"github.com/MegaGrindStone/aistudio-relay/internal/models"
)

var (
	// ErrInterrupted ends a stream that was replaced by a newer submission.
	ErrInterrupted = errors.New("stream interrupted by a newer submission")

	// ErrAborted ends a stream stopped by Session.Abort.
	ErrAborted = errors.New("stream aborted")
)

// Chatter streams the answer to a question. Client implements it.
type Chatter interface {
	Chat(ctx context.Context, question string) iter.Seq2[string, error]
}

// Update describes one change to a turn: its position in the session, its current state, and the
// segments of its answer so far.
type Update struct {
	Index    int
	Turn     models.Turn
	Segments []markup.Segment
	Done     bool
	Err      error
}

// Session is the client-side transcript. At most one stream is in flight: a new submission interrupts
// the previous one, which keeps its partial answer and is flagged as errored.
type Session struct {
	chatter Chatter

	mu     sync.Mutex
	turns  []models.Turn
	cancel context.CancelCauseFunc
	done   chan struct{}

	// notifying is the done channel of the stream whose onUpdate is running, if any.
	notifying chan struct{}
}

// NewSession creates an empty Session that sends questions through chatter.
func NewSession(chatter Chatter) *Session {
	return &Session{chatter: chatter}
}

// Submit appends a turn for question and streams its answer, calling onUpdate after every delta and
// once more when the stream ends. onUpdate may be nil. Segments are recomputed from the whole answer
// on each call.
//
// Submit blocks until the stream ends and returns the error that ended it: ErrInterrupted if another
// Submit replaced it, ErrAborted after Abort. A blank question is rejected with
// models.ErrInvalidRequest and no turn is added.
//
// The stream being replaced is waited for, unless Submit is called from that stream's onUpdate: the
// old stream is then only cancelled, and finishes once the callback returns.
func (s *Session) Submit(ctx context.Context, question string, onUpdate func(Update)) error {
	if strings.TrimSpace(question) == "" {
		return models.ErrInvalidRequest
	}

	s.mu.Lock()
	for s.cancel != nil {
		cancel, prev := s.cancel, s.done
		reentrant := s.notifying == prev
		s.mu.Unlock()
		cancel(ErrInterrupted)
		s.mu.Lock()
		if reentrant {
			break
		}
		s.mu.Unlock()
		<-prev
		s.mu.Lock()
	}

	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	idx := len(s.turns)
	s.turns = append(s.turns, models.Turn{Question: question, CreatedAt: time.Now()})
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.done == done {
			s.cancel, s.done = nil, nil
		}
		s.mu.Unlock()
		cancel(nil)
		close(done)
	}()

	var state StreamState
	for delta, err := range s.chatter.Chat(ctx, question) {
		if err != nil {
			state.Finish(err)
			break
		}
		state.Apply(delta)
		s.publish(idx, done, state, onUpdate)
	}
	if ctx.Err() != nil {
		state.Finish(context.Cause(ctx))
	}
	if !state.Done {
		state.Finish(nil)
	}

	s.publish(idx, done, state, onUpdate)
	return state.Err
}

// Abort cancels the stream in flight, if any. It does not wait: the Submit that owns the stream
// returns ErrAborted once the turn is final. Abort is safe to call from onUpdate.
func (s *Session) Abort() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel(ErrAborted)
	}
}

// Turns returns a copy of the transcript.
func (s *Session) Turns() []models.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Turn(nil), s.turns...)
}

func (s *Session) publish(idx int, done chan struct{}, state StreamState, onUpdate func(Update)) {
	s.mu.Lock()
	s.turns[idx].Answer = state.Buffer
	s.turns[idx].Errored = state.Err != nil
	turn := s.turns[idx]
	if onUpdate == nil {
		s.mu.Unlock()
		return
	}
	prev := s.notifying
	s.notifying = done
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.notifying = prev
		s.mu.Unlock()
	}()
	onUpdate(Update{
		Index:    idx,
		Turn:     turn,
		Segments: markup.Parse(state.Buffer),
		Done:     state.Done,
		Err:      state.Err,
	})
}
