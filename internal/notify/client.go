// Package notify reports finished AGI sessions to an external HTTP endpoint.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// CallEvent is the payload POSTed when an AGI session ends.
type CallEvent struct {
	ConnID     string    `json:"conn_id"`
	UniqueID   string    `json:"unique_id,omitempty"`
	Channel    string    `json:"channel,omitempty"`
	CallerID   string    `json:"caller_id,omitempty"`
	Route      string    `json:"route"`
	Outcome    string    `json:"outcome"` // "completed" or "failed"
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	DurationMS int64     `json:"duration_ms"`
}

// Outcomes reported in CallEvent.Outcome.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// errorBody is the error envelope a receiver may answer with.
type errorBody struct {
	Error string `json:"error"`
}

// Client posts call events to a webhook URL.
type Client struct {
	httpClient *http.Client
	url        string
	token      string
	logger     *slog.Logger
}

// NewClient creates a webhook client. token, when set, is sent as a bearer
// credential.
func NewClient(url, token string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		url:        url,
		token:      token,
		logger:     logger.With("component", "notify"),
	}
}

// Configured returns true if the client has a target URL.
func (c *Client) Configured() bool {
	return c != nil && c.url != ""
}

// CallEnded posts ev. Any 2xx response is success.
func (c *Client) CallEnded(ctx context.Context, ev CallEvent) error {
	if !c.Configured() {
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshalling event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("notify: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		if json.Unmarshal(respBody, &eb) == nil && eb.Error != "" {
			return fmt.Errorf("notify: endpoint error (status %d): %s", resp.StatusCode, eb.Error)
		}
		return fmt.Errorf("notify: endpoint returned status %d", resp.StatusCode)
	}

	c.logger.Debug("call event sent", "conn_id", ev.ConnID, "outcome", ev.Outcome)
	return nil
}
