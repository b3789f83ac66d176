// Package client is a Go client for the promptly HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aixgo-dev/promptly/pkg/session"
)

// DefaultTimeout bounds each request. Answers wait on the completion
// service, so it is generous.
const DefaultTimeout = 2 * time.Minute

// APIError is a non-2xx reply.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
	Reason     string `json:"reason,omitempty"`
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("promptly: %d %s (%s)", e.StatusCode, e.Message, e.Reason)
	}
	return fmt.Sprintf("promptly: %d %s", e.StatusCode, e.Message)
}

// Stopped reports whether the conversation can take no more answers.
func (e *APIError) Stopped() bool {
	return e.StatusCode == http.StatusBadRequest && e.Reason != ""
}

// CreateSessionRequest starts a session.
type CreateSessionRequest struct {
	Title         string           `json:"title,omitempty"`
	StarterPrompt string           `json:"starterPrompt"`
	MaxQuestions  int              `json:"maxQuestions"`
	TargetModel   string           `json:"targetModel"`
	Settings      session.Settings `json:"settings"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
}

// Turn is an assistant turn. Question is empty when FinalPrompt is set.
type Turn struct {
	NodeID            string         `json:"nodeId"`
	Question          string         `json:"question,omitempty"`
	Options           []string       `json:"options,omitempty"`
	SelectionMethod   string         `json:"selectionMethod,omitempty"`
	AllowCustomAnswer *bool          `json:"allowCustomAnswer,omitempty"`
	FinalPrompt       string         `json:"finalPrompt,omitempty"`
	Status            session.Status `json:"status,omitempty"`
}

// Final reports whether the turn carries the final prompt.
func (t *Turn) Final() bool { return t.Question == "" }

// CustomAllowed reports whether a free-text answer is accepted.
func (t *Turn) CustomAllowed() bool {
	return t.AllowCustomAnswer == nil || *t.AllowCustomAnswer
}

// CreateSessionResponse is a new session and its first turn.
type CreateSessionResponse struct {
	Session *session.Session `json:"session"`
	Turn    Turn             `json:"turn"`
}

// Answer replies to a question node.
type Answer struct {
	NodeID         string   `json:"nodeId"`
	Selected       []string `json:"selected"`
	IsCustomAnswer bool     `json:"isCustomAnswer,omitempty"`
	Cancel         bool     `json:"cancel,omitempty"`
}

// Upload is a stored file.
type Upload struct {
	FileID string `json:"fileId"`
	URL    string `json:"url"`
	Size   int64  `json:"size"`
	Mime   string `json:"mime"`
}

// Client calls the promptly API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
	userID     string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIKey sends key as a Bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithUserID sends the X-User-ID header honored by servers without auth.
func WithUserID(id string) Option {
	return func(c *Client) { c.userID = id }
}

// New creates a Client for the API at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateSession starts a session.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResponse, error) {
	var out CreateSessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sessions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Answer replies to a question and returns the next turn.
func (c *Client) Answer(ctx context.Context, sessionID string, a Answer) (*Turn, error) {
	var out Turn
	if err := c.doJSON(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/answer", a, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Session fetches one session.
func (c *Client) Session(ctx context.Context, id string) (*session.Session, error) {
	var out session.Session
	if err := c.doJSON(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sessions lists the caller's sessions, newest first.
func (c *Client) Sessions(ctx context.Context, limit, skip int) ([]*session.Session, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if skip > 0 {
		q.Set("skip", strconv.Itoa(skip))
	}
	path := "/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Sessions []*session.Session `json:"sessions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// Nodes lists a session's conversation nodes, oldest first.
func (c *Client) Nodes(ctx context.Context, sessionID string) ([]*session.Node, error) {
	var out struct {
		Nodes []*session.Node `json:"nodes"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/nodes", nil, &out); err != nil {
		return nil, err
	}
	return out.Nodes, nil
}

// Upload stores a file, linking it to sessionID when set.
func (c *Client) Upload(ctx context.Context, sessionID, filename, contentType string, body io.Reader) (*Upload, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if sessionID != "" {
		if err := mw.WriteField("sessionId", sessionID); err != nil {
			return nil, err
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, body); err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/files", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out Upload
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
