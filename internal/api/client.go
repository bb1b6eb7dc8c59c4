// Package api is the HTTP client for the agent runtime backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Error codes returned by the backend in 4xx bodies.
const (
	CodeExternalSurfaceRun  = "EXTERNAL_SURFACE_RUN"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
)

// Sentinel errors for the cases callers branch on.
var (
	// ErrNoActiveTurn: the backend reports nothing to interrupt. Callers
	// treat this as success (the run already stopped).
	ErrNoActiveTurn = errors.New("no active turn")

	// ErrExternalSurfaceRun: the active run was started by another surface
	// and must be stopped from its origin.
	ErrExternalSurfaceRun = errors.New("run is owned by an external surface")

	// ErrQuotaExhausted: terminal for the active run; the engine clears all
	// tracked state and surfaces a persistent banner.
	ErrQuotaExhausted = errors.New("out of credits")
)

// StatusError is any other non-2xx response.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend %d: %s", e.Status, e.Message)
}

// ThreadSnapshot is the authoritative pull view of a thread.
type ThreadSnapshot struct {
	ID          string       `json:"id"`
	Turns       []Turn       `json:"turns"`
	ExternalRun *ExternalRun `json:"externalRun,omitempty"`
}

// Turn is one turn as reported by the pull endpoint.
type Turn struct {
	ID     string `json:"id"`
	Status string `json:"status"` // "running", "completed", "aborted", ...
}

// RunningTurnIDs extracts the ids of turns the backend reports as running.
func (s ThreadSnapshot) RunningTurnIDs() []string {
	var out []string
	for _, t := range s.Turns {
		if t.Status == "running" {
			out = append(out, t.ID)
		}
	}
	return out
}

// ExternalRun describes a run owned by another surface.
type ExternalRun struct {
	Active bool   `json:"active"`
	Owner  string `json:"owner"`
	TurnID string `json:"turnId"`
}

// Attachment is an opaque reference to an uploaded attachment.
type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// MessageAck is the backend's response to a posted message.
type MessageAck struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId,omitempty"`
}

// Client talks to the backend HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *slog.Logger
}

// New creates a backend client.
func New(baseURL, token string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log.With("component", "api"),
	}
}

// GetThread fetches the authoritative snapshot for a thread.
func (c *Client) GetThread(ctx context.Context, threadID string) (ThreadSnapshot, error) {
	var snap ThreadSnapshot
	err := c.do(ctx, http.MethodGet, "/threads/"+threadID, nil, &snap)
	return snap, err
}

// Interrupt asks the backend to cancel a turn. clientActionID deduplicates
// retries server-side.
func (c *Client) Interrupt(ctx context.Context, threadID, turnID, clientActionID string) error {
	body := map[string]string{
		"turnId":         turnID,
		"clientActionId": clientActionID,
	}
	return c.do(ctx, http.MethodPost, "/threads/"+threadID+"/interrupt", body, nil)
}

// PostMessage sends a user message to a thread.
func (c *Client) PostMessage(ctx context.Context, threadID, text string, attachments []Attachment) (MessageAck, error) {
	body := map[string]any{
		"text": text,
	}
	if len(attachments) > 0 {
		body["attachments"] = attachments
	}
	var ack MessageAck
	err := c.do(ctx, http.MethodPost, "/threads/"+threadID+"/messages", body, &ack)
	return ack, err
}

// CreateThread creates a thread for a working directory (draft promotion).
func (c *Client) CreateThread(ctx context.Context, cwd string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/threads", map[string]string{"cwd": cwd}, &out)
	return out.ID, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	return c.statusError(resp)
}

func (c *Client) statusError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	_ = json.Unmarshal(data, &payload)

	switch {
	case payload.Code == CodeExternalSurfaceRun:
		return ErrExternalSurfaceRun
	case payload.Code == CodeInsufficientCredits || resp.StatusCode == http.StatusPaymentRequired:
		return ErrQuotaExhausted
	case resp.StatusCode == http.StatusBadRequest && containsNoActiveTurn(payload.Error):
		return ErrNoActiveTurn
	}

	c.log.Debug("backend error", "status", resp.StatusCode, "code", payload.Code, "error", payload.Error)
	return &StatusError{Status: resp.StatusCode, Code: payload.Code, Message: payload.Error}
}

func containsNoActiveTurn(msg string) bool {
	// The backend has shipped several phrasings of this message.
	lower := strings.ToLower(msg)
	for _, want := range []string{"no active turn", "no turn in progress", "not currently running"} {
		if strings.Contains(lower, want) {
			return true
		}
	}
	return false
}
