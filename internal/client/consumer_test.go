package client_test

import (
	"context"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"unicode/utf8"

	"github.com/MegaGrindStone/aistudio-relay/internal/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(seq func(func(string, error) bool)) ([]string, error) {
	var deltas []string
	var lastErr error
	seq(func(delta string, err error) bool {
		if err != nil {
			lastErr = err
			return false
		}
		deltas = append(deltas, delta)
		return true
	})
	return deltas, lastErr
}

func TestConsume(t *testing.T) {
	text := "héllo 世界 🎉 done"

	tests := []struct {
		name string
		body io.Reader
	}{
		{name: "Single read", body: strings.NewReader(text)},
		{name: "One byte per read splits every multi-byte character", body: iotest.OneByteReader(strings.NewReader(text))},
		{name: "Half reads", body: iotest.HalfReader(strings.NewReader(text))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deltas, err := collect(client.Consume(context.Background(), tt.body))
			require.NoError(t, err)
			for _, d := range deltas {
				assert.True(t, utf8.ValidString(d), "delta %q is not valid UTF-8", d)
			}
			assert.Equal(t, text, strings.Join(deltas, ""))
		})
	}
}

func TestConsumeInvalidUTF8(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "Invalid byte", body: "ok\xffmore", want: "ok"},
		{name: "Truncated character at EOF", body: "ab\xc3", want: "ab"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deltas, err := collect(client.Consume(context.Background(), strings.NewReader(tt.body)))
			require.ErrorIs(t, err, client.ErrClientDecode)
			assert.Equal(t, tt.want, strings.Join(deltas, ""))
		})
	}
}

func TestConsumeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	deltas, err := collect(client.Consume(ctx, strings.NewReader("never read")))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, deltas)
}

func TestConsumeEvents(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    []string
		wantErr error
	}{
		{
			name: "Deltas then done",
			body: "data: {\"delta\":\"Hel\"}\n\ndata: {\"delta\":\"lo \\u003cb\\u003e\"}\n\ndata: [DONE]\n\n",
			want: []string{"Hel", "lo <b>"},
		},
		{
			name:    "Error event",
			body:    "data: {\"delta\":\"partial\"}\n\ndata: {\"error\":\"Error: Failed to get response from AI. boom\"}\n\ndata: [DONE]\n\n",
			want:    []string{"partial"},
			wantErr: client.ErrRelay,
		},
		{
			name:    "Connection closed before done",
			body:    "data: {\"delta\":\"partial\"}\n\n",
			want:    []string{"partial"},
			wantErr: io.ErrUnexpectedEOF,
		},
		{
			name:    "Undecodable payload",
			body:    "data: {\"delta\":\n\n",
			wantErr: client.ErrClientDecode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deltas, err := collect(client.ConsumeEvents(context.Background(), strings.NewReader(tt.body)))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, deltas)
		})
	}
}

func TestStreamState(t *testing.T) {
	var s client.StreamState
	s.Apply("Hello")
	s.Apply(", ")
	s.Apply("world")
	assert.Equal(t, "Hello, world", s.Buffer)
	assert.False(t, s.Done)

	s.Finish(nil)
	assert.True(t, s.Done)
	assert.NoError(t, s.Err)
}
