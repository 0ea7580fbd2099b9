// Package agent is the HTTP client for the SOAP agent service. It owns
// session identity: one agent session is created lazily on the first turn
// and reused for the lifetime of the client.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sr198/motion-by-aiselu/internal/metrics"
)

// TransportError is a failed exchange with the agent service: a network
// error surfaces as a wrapped error instead, so a TransportError always
// carries an HTTP status.
type TransportError struct {
	Status  int
	Message string
}

func (e *TransportError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent error %d", e.Status)
	}
	return fmt.Sprintf("agent error %d: %s", e.Status, e.Message)
}

// Client is a SOAP agent API client.
type Client struct {
	BaseURL    string
	AppName    string
	UserID     string
	HTTPClient *http.Client

	logger zerolog.Logger

	mu        sync.Mutex
	sessionID string
}

// NewClient creates a new agent client.
func NewClient(baseURL, appName, userID string, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}
	if appName == "" {
		appName = "soap_agents"
	}
	if userID == "" {
		userID = "user"
	}
	return &Client{
		BaseURL:    baseURL,
		AppName:    appName,
		UserID:     userID,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
}

// runRequest is the envelope for one agent turn.
type runRequest struct {
	AppName    string         `json:"app_name"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	NewMessage messageContent `json:"new_message"`
	Streaming  bool           `json:"streaming"`
}

type messageContent struct {
	Role  string        `json:"role"`
	Parts []messagePart `json:"parts"`
}

type messagePart struct {
	Text string `json:"text"`
}

// Event is one entry of the agent's run response.
type Event struct {
	ID           string        `json:"id,omitempty"`
	Author       string        `json:"author,omitempty"`
	Content      *eventContent `json:"content,omitempty"`
	Timestamp    float64       `json:"timestamp,omitempty"`
	InvocationID string        `json:"invocationId,omitempty"`
}

type eventContent struct {
	Role  string        `json:"role,omitempty"`
	Parts []messagePart `json:"parts,omitempty"`
}

// text returns the first part's text, or "".
func (e Event) text() string {
	if e.Content == nil || len(e.Content.Parts) == 0 {
		return ""
	}
	return e.Content.Parts[0].Text
}

// SessionID returns the current agent session id, or "" before the first
// turn.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// EnsureSession returns the held session id, creating one on the service if
// none exists yet. It never creates a second session for one client.
func (c *Client) EnsureSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionID != "" {
		return c.sessionID, nil
	}

	id := uuid.NewString()
	path := fmt.Sprintf("/apps/%s/users/%s/sessions/%s", c.AppName, c.UserID, id)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", &TransportError{Status: resp.StatusCode, Message: string(body)}
	}

	c.sessionID = id
	metrics.SessionsCreated.Inc()
	c.logger.Info().Str("session_id", id).Msg("agent session created")
	return id, nil
}

// RunTurn sends one text turn and returns the raw text of the first event
// whose content has a non-empty first part. found is false when no event
// carries text, in which case the turn produced nothing to extract.
func (c *Client) RunTurn(ctx context.Context, text string) (raw string, found bool, err error) {
	start := time.Now()
	raw, found, err = c.runTurn(ctx, text)
	metrics.TurnDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TurnsTotal.WithLabelValues("transport_error").Inc()
	} else {
		metrics.TurnsTotal.WithLabelValues("ok").Inc()
	}
	return raw, found, err
}

func (c *Client) runTurn(ctx context.Context, text string) (string, bool, error) {
	sessionID, err := c.EnsureSession(ctx)
	if err != nil {
		return "", false, err
	}

	body, err := json.Marshal(runRequest{
		AppName:   c.AppName,
		UserID:    c.UserID,
		SessionID: sessionID,
		NewMessage: messageContent{
			Role:  "user",
			Parts: []messagePart{{Text: text}},
		},
		Streaming: false,
	})
	if err != nil {
		return "", false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("run turn: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		return "", false, &TransportError{Status: resp.StatusCode, Message: errResp.Error}
	}

	// The agent returns a bare array of events.
	var events []Event
	if err := json.Unmarshal(respBody, &events); err != nil {
		return "", false, fmt.Errorf("decode events: %w", err)
	}

	for _, ev := range events {
		if t := ev.text(); t != "" {
			return t, true, nil
		}
	}

	c.logger.Debug().Int("events", len(events)).Msg("turn returned no text content")
	return "", false, nil
}

// Reset discards the held session id so the next turn starts a fresh agent
// session.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = ""
}
