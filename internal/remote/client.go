// Package remote is the typed client for the remote notes API. It owns the
// request and response shapes only; the sync processor decides what to do
// with failures.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/lodestar/internal/credentials"
	"go.uber.org/zap"
)

var (
	// ErrNotFound reports a definitive entity-already-gone response. The drain
	// loop treats it as success for delete operations.
	ErrNotFound = errors.New("remote: entity not found")
	// ErrUnauthorized reports a rejected credential.
	ErrUnauthorized = errors.New("remote: unauthorized")
)

// StatusError reports a non-2xx response that is not otherwise classified.
// Server-side and transport failures are transient from the queue's point of
// view: retried with bookkeeping, never dropped.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Note is the remote authority's representation of a note.
type Note struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Details       string    `json:"details"`
	OwnerID       string    `json:"owner_id"`
	Collaborators []string  `json:"collaborators"`
	BookmarkedBy  []string  `json:"bookmarked_by"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ClientConfig configures the API client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the remote notes API with bearer authentication.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a Client with sane defaults.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("remote: base url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, logger: logger}, nil
}

type notePayload struct {
	Title   string `json:"title"`
	Details string `json:"details"`
}

type sharePayload struct {
	Email string `json:"email"`
}

// CreateNote creates a note remotely and returns the authoritative
// representation, including the server-assigned identifier.
func (c *Client) CreateNote(ctx context.Context, cred credentials.Credential, title, details string) (Note, error) {
	var created Note
	err := c.do(ctx, cred, http.MethodPost, "/notes", notePayload{Title: title, Details: details}, &created)
	return created, err
}

// GetNote fetches the current server representation of a note. Used as the
// server snapshot for inline conflict resolution.
func (c *Client) GetNote(ctx context.Context, cred credentials.Credential, serverID string) (Note, error) {
	var note Note
	err := c.do(ctx, cred, http.MethodGet, "/notes/"+serverID, nil, &note)
	return note, err
}

// UpdateNote overwrites the note's content fields remotely.
func (c *Client) UpdateNote(ctx context.Context, cred credentials.Credential, serverID, title, details string) (Note, error) {
	var updated Note
	err := c.do(ctx, cred, http.MethodPut, "/notes/"+serverID, notePayload{Title: title, Details: details}, &updated)
	return updated, err
}

// DeleteNote removes the note remotely. A not-found response surfaces as
// ErrNotFound so callers can apply idempotent delete semantics.
func (c *Client) DeleteNote(ctx context.Context, cred credentials.Credential, serverID string) error {
	return c.do(ctx, cred, http.MethodDelete, "/notes/"+serverID, nil, nil)
}

// ShareNote invites a collaborator by email.
func (c *Client) ShareNote(ctx context.Context, cred credentials.Credential, serverID, email string) error {
	return c.do(ctx, cred, http.MethodPost, "/notes/"+serverID+"/share", sharePayload{Email: email}, nil)
}

// UnshareNote revokes a collaborator's access.
func (c *Client) UnshareNote(ctx context.Context, cred credentials.Credential, serverID, email string) error {
	return c.do(ctx, cred, http.MethodDelete, "/notes/"+serverID+"/share", sharePayload{Email: email}, nil)
}

// CreateBookmark bookmarks the note for the authenticated user.
func (c *Client) CreateBookmark(ctx context.Context, cred credentials.Credential, serverID string) error {
	return c.do(ctx, cred, http.MethodPost, "/notes/"+serverID+"/bookmark", nil, nil)
}

// DeleteBookmark removes the authenticated user's bookmark.
func (c *Client) DeleteBookmark(ctx context.Context, cred credentials.Credential, serverID string) error {
	return c.do(ctx, cred, http.MethodDelete, "/notes/"+serverID+"/bookmark", nil, nil)
}

// FetchAllNotes returns the notes owned by the authenticated user.
func (c *Client) FetchAllNotes(ctx context.Context, cred credentials.Credential) ([]Note, error) {
	return c.fetchList(ctx, cred, "/notes")
}

// FetchSharedNotes returns the notes shared with the authenticated user.
func (c *Client) FetchSharedNotes(ctx context.Context, cred credentials.Credential) ([]Note, error) {
	return c.fetchList(ctx, cred, "/notes/shared")
}

// FetchBookmarkedNotes returns the notes the authenticated user bookmarked.
func (c *Client) FetchBookmarkedNotes(ctx context.Context, cred credentials.Credential) ([]Note, error) {
	return c.fetchList(ctx, cred, "/notes/bookmarked")
}

func (c *Client) fetchList(ctx context.Context, cred credentials.Credential, path string) ([]Note, error) {
	var notes []Note
	if err := c.do(ctx, cred, http.MethodGet, path, nil, &notes); err != nil {
		return nil, err
	}
	return notes, nil
}

func (c *Client) do(ctx context.Context, cred credentials.Credential, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("remote: encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("remote request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("remote: decode response: %w", err)
	}
	return nil
}
