// Package storeclient implements session.Store against the REST store
// service served by internal/server.
package storeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/apexion-ai/sessiond/internal/retry"
	"github.com/apexion-ai/sessiond/internal/session"
)

// DefaultTimeout bounds each HTTP attempt.
const DefaultTimeout = 10 * time.Second

var (
	// ErrTokenUnavailable is returned when the token source cannot supply a
	// token yet. It is retried like a transient store failure.
	ErrTokenUnavailable = errors.New("auth token unavailable")

	// ErrUnauthenticated is returned when the service rejects the token.
	ErrUnauthenticated = errors.New("store service rejected credentials")
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token. The empty token sends no header.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, session.ErrStoreUnavailable) || errors.Is(err, ErrTokenUnavailable)
}

// RemoteError is an error response from the store service.
type RemoteError struct {
	Status  int
	Code    string
	Message string
	kind    error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("store service: %s (status %d)", e.Message, e.Status)
}

// Unwrap returns the session sentinel matching Code.
func (e *RemoteError) Unwrap() error { return e.kind }

// Client is a session.Store backed by the store service.
type Client struct {
	base    *url.URL
	http    *http.Client
	retry   retry.Strategy
	tokens  TokenSource
	timeout time.Duration
	logger  zerolog.Logger
}

var _ session.Store = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRetry sets the retry strategy. The default retries transient
// failures with retry.DefaultPolicy.
func WithRetry(s retry.Strategy) Option {
	return func(c *Client) { c.retry = s }
}

// WithTokenSource sets where bearer tokens come from.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithTimeout bounds each attempt. Zero keeps DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New returns a Client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("store url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:    base,
		http:    http.DefaultClient,
		tokens:  StaticToken(""),
		timeout: DefaultTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "store_client").Str("store_url", base.String()).Logger()
	if c.retry == nil {
		p := retry.DefaultPolicy()
		p.Retryable = Retryable
		c.retry = retry.New(p, c.logger)
	}
	return c, nil
}

func (c *Client) CreateSession(ctx context.Context, p session.CreateParams) (*session.Session, error) {
	if err := session.ValidateCreate(p); err != nil {
		return nil, err
	}
	if err := session.ValidateContext(p.Context); err != nil {
		return nil, err
	}
	var out struct {
		Session *session.Session `json:"session"`
	}
	if err := c.call(ctx, "create session", http.MethodPost, "/sessions", nil, p, &out); err != nil {
		return nil, err
	}
	return out.Session, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*session.Session, error) {
	if id == "" {
		return nil, session.Validationf("session id is required")
	}
	var out struct {
		Session *session.Session `json:"session"`
	}
	if err := c.call(ctx, "get session", http.MethodGet, "/sessions/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Session, nil
}

func (c *Client) UpdateSession(ctx context.Context, id string, u session.Update) error {
	if id == "" {
		return session.Validationf("session id is required")
	}
	if err := session.ValidateContext(u.Context); err != nil {
		return err
	}
	return c.call(ctx, "update session", http.MethodPut, "/sessions/"+url.PathEscape(id), nil, u, nil)
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	if id == "" {
		return session.Validationf("session id is required")
	}
	return c.call(ctx, "delete session", http.MethodDelete, "/sessions/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) AddMessage(ctx context.Context, p session.MessageParams) (*session.Message, error) {
	if err := session.ValidateMessage(p); err != nil {
		return nil, err
	}
	var out struct {
		Message *session.Message `json:"message"`
	}
	if err := c.call(ctx, "add message", http.MethodPost, "/messages", nil, p, &out); err != nil {
		return nil, err
	}
	return out.Message, nil
}

func (c *Client) ListSessions(ctx context.Context, q session.ListQuery) ([]*session.Session, error) {
	v := url.Values{}
	v.Set("userId", q.UserID)
	if q.Type != "" {
		v.Set("type", q.Type)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.IncludeMessages {
		v.Set("includeMessages", "true")
	}
	if !q.ActiveSince.IsZero() {
		v.Set("activeSince", q.ActiveSince.Format(time.RFC3339Nano))
	}
	var out struct {
		Sessions []*session.Session `json:"sessions"`
	}
	if err := c.call(ctx, "list sessions", http.MethodGet, "/sessions", v, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *Client) Stats(ctx context.Context, q session.StatsQuery) (*session.Stats, error) {
	v := url.Values{}
	if q.UserID != "" {
		v.Set("userId", q.UserID)
	}
	if !q.ActiveSince.IsZero() {
		v.Set("activeSince", q.ActiveSince.Format(time.RFC3339Nano))
	}
	var out session.Stats
	if err := c.call(ctx, "session stats", http.MethodGet, "/sessions/stats", v, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// call performs one logical request under the retry strategy.
func (c *Client) call(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return session.Validationf("encode %s request: %v", op, err)
		}
	}

	u := *c.base
	u.Path += path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	target := u.String()

	return c.retry.Do(ctx, op, func(ctx context.Context) error {
		return c.attempt(ctx, method, target, payload, out)
	})
}

func (c *Client) attempt(parent context.Context, method, target string, payload []byte, out any) error {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		if errors.Is(err, ErrTokenUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrTokenUnavailable, err)
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if perr := parent.Err(); perr != nil {
			return perr
		}
		return session.Unavailable(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		if perr := parent.Err(); perr != nil {
			return perr
		}
		return session.Unavailable(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return remoteError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return session.Unavailable(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func remoteError(status int, raw []byte) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	_ = json.Unmarshal(raw, &body)
	if body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
		if body.Error == "" {
			body.Error = http.StatusText(status)
		}
	}

	kind := session.FromCode(body.Code)
	switch {
	case status == http.StatusUnauthorized:
		kind = ErrUnauthenticated
	case body.Code == "" && status < http.StatusInternalServerError:
		// Uncoded 4xx responses come from a proxy or a route mismatch.
		kind = fmt.Errorf("unexpected status %d", status)
	}
	return &RemoteError{Status: status, Code: body.Code, Message: body.Error, kind: kind}
}
