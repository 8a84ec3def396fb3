// Package rest exposes a store.Store over HTTP and provides the
// matching client, so participants can persist through the relay.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"collabink/internal/protocol"
	"collabink/internal/store"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 8 << 20

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL is the relay's HTTP root, e.g. "http://localhost:8080".
	BaseURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is a store.Store that talks to a relay's REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ store.Store = (*Client)(nil)

// NewClient validates config and returns a Client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("rest: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("rest: invalid BaseURL %q: %w", config.BaseURL, err)
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// StatusError is a non-2xx response from the relay.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rest: %s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Unwrap maps 404 to store.ErrNotFound.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return store.ErrNotFound
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, requestBody, responseBody any) error {
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("rest: encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("rest: create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("rest: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("rest: read response body: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		var apiErr errorBody
		message := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			message = apiErr.Error
		}
		return &StatusError{Method: method, Path: path, StatusCode: response.StatusCode, Message: message}
	}
	if responseBody == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, responseBody); err != nil {
		return fmt.Errorf("rest: decode %s %s response: %w", method, path, err)
	}
	return nil
}

func sessionPath(sessionID, rest string) string {
	return "/sessions/" + url.PathEscape(sessionID) + rest
}

func diagramPath(id, rest string) string {
	return "/diagrams/" + url.PathEscape(id) + rest
}

func (c *Client) CreateDiagram(ctx context.Context, d protocol.Diagram) (protocol.Diagram, error) {
	var created protocol.Diagram
	if err := c.do(ctx, http.MethodPost, sessionPath(d.SessionID, "/diagrams"), d, &created); err != nil {
		return protocol.Diagram{}, err
	}
	return created, nil
}

func (c *Client) ListDiagrams(ctx context.Context, sessionID string) ([]protocol.Diagram, error) {
	var list []protocol.Diagram
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "/diagrams"), nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) PatchDiagram(ctx context.Context, id string, patch store.DiagramPatch) error {
	return c.do(ctx, http.MethodPatch, diagramPath(id, ""), patch, nil)
}

func (c *Client) PatchAnnotations(ctx context.Context, id string, a protocol.Annotations) error {
	return c.do(ctx, http.MethodPatch, diagramPath(id, "/annotations"), a, nil)
}

func (c *Client) DeleteDiagram(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, diagramPath(id, ""), nil, nil)
}

func (c *Client) LoadTypeset(ctx context.Context, sessionID string) (store.Typeset, error) {
	var t store.Typeset
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "/typeset"), nil, &t); err != nil {
		return store.Typeset{}, err
	}
	return t, nil
}

func (c *Client) SaveTypeset(ctx context.Context, t store.Typeset) error {
	return c.do(ctx, http.MethodPut, sessionPath(t.SessionID, "/typeset"), t, nil)
}
