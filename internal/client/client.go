package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/aistudio-relay/internal/models"
)

// Client talks to a relay server.
type Client struct {
	baseURL   string
	sessionID string
	raw       bool

	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

const sessionHeader = "X-Session-ID"

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithSessionID scopes the client's history on the server to id.
func WithSessionID(id string) Option {
	return func(cl *Client) { cl.sessionID = id }
}

// WithRawFraming asks the relay for an unframed text response instead of server-sent events. Errors are
// then only visible as text in the answer.
func WithRawFraming() Option {
	return func(cl *Client) { cl.raw = true }
}

// New creates a Client for the relay at baseURL.
func New(baseURL string, opts ...Option) Client {
	c := Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Chat posts question to the relay and yields the answer's deltas as they arrive. A rejected request ends
// the sequence with an error wrapping models.ErrInvalidRequest. Cancelling ctx closes the connection,
// which stops the relay's upstream call.
func (c Client) Chat(ctx context.Context, question string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		body, err := json.Marshal(map[string]string{"question": question})
		if err != nil {
			yield("", fmt.Errorf("error marshaling request: %w", err))
			return
		}

		req, err := c.newRequest(ctx, http.MethodPost, "/chat", bytes.NewReader(body))
		if err != nil {
			yield("", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if !c.raw {
			req.Header.Set("Accept", "text/event-stream")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				yield("", ctx.Err())
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			yield("", statusError(resp))
			return
		}

		consume := ConsumeEvents
		if c.raw {
			consume = Consume
		}
		for delta, err := range consume(ctx, resp.Body) {
			if !yield(delta, err) || err != nil {
				return
			}
		}
	}
}

// History returns the session's relayed turns.
func (c Client) History(ctx context.Context) ([]models.Turn, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/chat/history", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var turns []models.Turn
	if err := json.NewDecoder(resp.Body).Decode(&turns); err != nil {
		return nil, fmt.Errorf("error decoding history: %w", err)
	}
	return turns, nil
}

// ClearHistory removes the session's relayed turns.
func (c Client) ClearHistory(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/chat/history", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

func (c Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	if c.sessionID != "" {
		req.Header.Set(sessionHeader, c.sessionID)
	}
	return req, nil
}

func statusError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	b, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(b, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(b))
	}

	if resp.StatusCode == http.StatusBadRequest {
		return fmt.Errorf("%w: %s", models.ErrInvalidRequest, payload.Error)
	}
	return fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, payload.Error)
}
