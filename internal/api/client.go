package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lherron/matchq/internal/events"
	"github.com/lherron/matchq/internal/store"
)

// DefaultTimeout bounds requests that do not wait on an apply.
const DefaultTimeout = 30 * time.Second

// APIError is a non-2xx daemon response.
type APIError struct {
	Status int
	ErrorResponse
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Run != "" {
		return fmt.Sprintf("%s (run %s)", msg, e.Run)
	}
	return msg
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client talks to matchqd over TCP or a unix socket.
type Client struct {
	baseURL string
	token   string
	unix    string
	http    *http.Client
}

// New returns a client for the daemon at baseURL. When unix is set every
// request is dialed over that socket and baseURL only supplies the path.
func New(baseURL, unix, token string) *Client {
	transport := &http.Transport{}
	if unix != "" {
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", unix)
		}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		unix:    unix,
		http:    &http.Client{Transport: transport},
	}
}

// BaseURL is the URL requests are sent to.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	resp, err := c.send(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) text(ctx context.Context, path string, query url.Values) (string, error) {
	resp, err := c.send(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// send performs the request and turns non-2xx responses into *APIError.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contacting matchqd: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	apiErr := &APIError{Status: resp.StatusCode}
	_ = json.NewDecoder(resp.Body).Decode(&apiErr.ErrorResponse)
	return nil, apiErr
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultTimeout)
}

func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var out HealthResponse
	err := c.do(ctx, http.MethodGet, "/v1/health", nil, nil, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, nil, &out)
	return out, err
}

func (c *Client) Migrations(ctx context.Context) (MigrationsResponse, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var out MigrationsResponse
	err := c.do(ctx, http.MethodGet, "/v1/migrations", nil, nil, &out)
	return out, err
}

// Refresh asks the script to reload its migration files.
func (c *Client) Refresh(ctx context.Context) (MigrationsResponse, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var out MigrationsResponse
	err := c.do(ctx, http.MethodPost, "/v1/migrations/refresh", nil, nil, &out)
	return out, err
}

func (c *Client) lifecycle(ctx context.Context, path string, body any) (StatusResponse, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var out StatusResponse
	err := c.do(ctx, http.MethodPost, path, nil, body, &out)
	return out, err
}

func (c *Client) Start(ctx context.Context, name string, debug bool) (StatusResponse, error) {
	return c.lifecycle(ctx, "/v1/start", StartRequest{Name: name, Debug: debug})
}

func (c *Client) Stop(ctx context.Context) (StatusResponse, error) {
	return c.lifecycle(ctx, "/v1/stop", nil)
}

func (c *Client) Reload(ctx context.Context) (StatusResponse, error) {
	return c.lifecycle(ctx, "/v1/reload", nil)
}

func (c *Client) Restart(ctx context.Context, debug bool) (StatusResponse, error) {
	return c.lifecycle(ctx, "/v1/restart", RestartRequest{Debug: debug})
}

func (c *Client) Kill(ctx context.Context) (StatusResponse, error) {
	return c.lifecycle(ctx, "/v1/kill", nil)
}

// Output returns the captured stdout and stderr of the script process.
func (c *Client) Output(ctx context.Context) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return c.text(ctx, "/v1/output", nil)
}

// Matches lists queued matches, optionally of one file. With all set the
// resolved ones are included.
func (c *Client) Matches(ctx context.Context, file string, all bool) ([]MatchView, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	q := url.Values{}
	if file != "" {
		q.Set("file", file)
	}
	if all {
		q.Set("all", "true")
	}
	var out []MatchView
	err := c.do(ctx, http.MethodGet, "/v1/matches", q, nil, &out)
	return out, err
}

// Next returns the queued match after addr.
func (c *Client) Next(ctx context.Context, addr string) (MatchView, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var out MatchView
	err := c.do(ctx, http.MethodGet, "/v1/matches/next", url.Values{"addr": {addr}}, nil, &out)
	return out, err
}

func (c *Client) Content(ctx context.Context, addr string) (ContentView, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var out ContentView
	err := c.do(ctx, http.MethodGet, "/v1/content", url.Values{"addr": {addr}}, nil, &out)
	return out, err
}

// WriteContent stores an edited proposal for addr.
func (c *Client) WriteContent(ctx context.Context, addr, content string) (ContentView, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var out ContentView
	err := c.do(ctx, http.MethodPost, "/v1/content", nil, WriteContentRequest{Address: addr, Content: content}, &out)
	return out, err
}

// Diff returns the unified diff between the file on disk and the proposal.
func (c *Client) Diff(ctx context.Context, addr string) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return c.text(ctx, "/v1/diff", url.Values{"addr": {addr}})
}

// Apply writes, commits and verifies the given matches. It waits as long as
// ctx allows.
func (c *Client) Apply(ctx context.Context, req ApplyRequest) (ApplyResponse, error) {
	var out ApplyResponse
	err := c.do(ctx, http.MethodPost, "/v1/apply", nil, req, &out)
	return out, err
}

func (c *Client) CoverageSet(ctx context.Context, req CoverageSetRequest) (CoverageSetResponse, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var out CoverageSetResponse
	err := c.do(ctx, http.MethodPost, "/v1/coverage/set", nil, req, &out)
	return out, err
}

// CoverageMatches lists the queued matches whose lines are all covered.
func (c *Client) CoverageMatches(ctx context.Context) ([]MatchView, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var out []MatchView
	err := c.do(ctx, http.MethodGet, "/v1/coverage/matches", nil, nil, &out)
	return out, err
}

// Runs lists apply runs newest first. The returned cursor is non-empty when
// another page follows.
func (c *Client) Runs(ctx context.Context, migration string, limit int, cursor string) ([]*store.Run, string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	q := url.Values{}
	if migration != "" {
		q.Set("migration", migration)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	resp, err := c.send(ctx, http.MethodGet, "/v1/runs", q, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	var out []*store.Run
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, "", fmt.Errorf("decoding runs: %w", err)
	}
	return out, resp.Header.Get(NextCursorHeader), nil
}

// Run fetches one run by friendly id or uuid.
func (c *Client) Run(ctx context.Context, ref string) (*store.Run, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var out store.Run
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(ref), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EventLog pages through the persisted lifecycle events.
func (c *Client) EventLog(ctx context.Context, eventType string, since int64, limit int) ([]events.Event, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	q := url.Values{}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if since > 0 {
		q.Set("since", strconv.FormatInt(since, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []events.Event
	err := c.do(ctx, http.MethodGet, "/v1/events/log", q, nil, &out)
	return out, err
}

// Events streams live events to fn until ctx is done, the daemon closes
// the stream or fn returns an error.
func (c *Client) Events(ctx context.Context, fn func(StreamEvent) error) error {
	u, err := url.Parse(c.baseURL + "/v1/events")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if c.unix != "" {
		dialer.NetDialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", c.unix)
		}
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 300 {
			return &APIError{Status: resp.StatusCode}
		}
		return fmt.Errorf("opening event stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var ev StreamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading event stream: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
