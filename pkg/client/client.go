// Package client talks to a running svcd daemon over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// NextOffsetHeader carries the log cursor in GET /services/:name/log.
const NextOffsetHeader = "X-Next-Offset"

// Client provides HTTP client functionality to communicate with the svcd daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds every request. Stop can take the grace period plus
	// the reap window on the daemon side.
	Timeout time.Duration
	Logger  *slog.Logger
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the daemon.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8000/api",
		Timeout: 30 * time.Second,
	}
}

// New creates a new svcd API client.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.getJSON(ctx, "/services", nil, nil)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

func (c *Client) List(ctx context.Context) ([]Entry, error) {
	var out []Entry
	return out, c.getJSON(ctx, "/services", nil, &out)
}

func (c *Client) Get(ctx context.Context, name string) (Entry, error) {
	var out Entry
	return out, c.getJSON(ctx, svcPath(name, ""), nil, &out)
}

// Update persists rec as the config of name; a running service picks it up
// on its next start.
func (c *Client) Update(ctx context.Context, name string, rec Record) (Entry, error) {
	var out Entry
	return out, c.doJSON(ctx, http.MethodPut, svcPath(name, ""), nil, rec, &out)
}

func (c *Client) Delete(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, svcPath(name, ""), nil, nil, nil)
}

func (c *Client) Start(ctx context.Context, name string) (int, error) {
	var out struct {
		PID int `json:"pid"`
	}
	err := c.doJSON(ctx, http.MethodPost, svcPath(name, "/start"), nil, nil, &out)
	return out.PID, err
}

// Stop returns "stopped" or "not running".
func (c *Client) Stop(ctx context.Context, name string) (string, error) {
	var out struct {
		Result string `json:"result"`
	}
	err := c.doJSON(ctx, http.MethodPost, svcPath(name, "/stop"), nil, nil, &out)
	return out.Result, err
}

func (c *Client) Restart(ctx context.Context, name string) (int, error) {
	var out struct {
		PID int `json:"pid"`
	}
	err := c.doJSON(ctx, http.MethodPost, svcPath(name, "/restart"), nil, nil, &out)
	return out.PID, err
}

func (c *Client) Status(ctx context.Context, name string) (Status, error) {
	var out Status
	return out, c.getJSON(ctx, svcPath(name, "/status"), nil, &out)
}

// Log returns the log text from offset and the offset to pass next time.
func (c *Client) Log(ctx context.Context, name string, offset int64) (string, int64, error) {
	q := url.Values{"offset": {strconv.FormatInt(offset, 10)}}
	resp, err := c.do(ctx, http.MethodGet, svcPath(name, "/log"), q, nil)
	if err != nil {
		return "", offset, err
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", offset, fmt.Errorf("read log: %w", err)
	}
	next, err := strconv.ParseInt(resp.Header.Get(NextOffsetHeader), 10, 64)
	if err != nil {
		return "", offset, fmt.Errorf("bad %s header: %w", NextOffsetHeader, err)
	}
	return string(b), next, nil
}

// Follow polls the log every interval and writes new text to w until ctx
// is done. It returns the last offset reached.
func (c *Client) Follow(ctx context.Context, name string, offset int64, interval time.Duration, w io.Writer) (int64, error) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		text, next, err := c.Log(ctx, name, offset)
		if err != nil {
			if ctx.Err() != nil {
				return offset, nil
			}
			return offset, err
		}
		if text != "" {
			if _, err := io.WriteString(w, text); err != nil {
				return offset, err
			}
		}
		offset = next
		select {
		case <-ctx.Done():
			return offset, nil
		case <-t.C:
		}
	}
}

func (c *Client) ClearLog(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, svcPath(name, "/log"), nil, nil, nil)
}

// Reload asks the daemon to re-read its config root and returns the
// per-record errors.
func (c *Client) Reload(ctx context.Context) ([]string, error) {
	var out struct {
		Errors []string `json:"errors"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/reload", nil, nil, &out)
	return out.Errors, err
}

func (c *Client) StartMany(ctx context.Context, names []string) ([]BatchResult, error) {
	return c.batch(ctx, "/start", names)
}

func (c *Client) StopMany(ctx context.Context, names []string) ([]BatchResult, error) {
	return c.batch(ctx, "/stop", names)
}

func (c *Client) batch(ctx context.Context, path string, names []string) ([]BatchResult, error) {
	var out []BatchResult
	q := url.Values{"name": {strings.Join(names, ",")}}
	return out, c.doJSON(ctx, http.MethodPost, path, q, nil, &out)
}

// TestStart writes the "test" service for cmd in cwd and (re)starts it.
func (c *Client) TestStart(ctx context.Context, cmd, cwd string) (int, error) {
	var out struct {
		PID int `json:"pid"`
	}
	body := map[string]string{"cmd": cmd, "cwd": cwd}
	err := c.doJSON(ctx, http.MethodPost, "/test_start", nil, body, &out)
	return out.PID, err
}

// FindProcesses searches OS processes by command-line substring or pid.
func (c *Client) FindProcesses(ctx context.Context, query string) ([]ProcessInfo, error) {
	var out []ProcessInfo
	return out, c.getJSON(ctx, "/processes", url.Values{"cmd": {query}}, &out)
}

func (c *Client) Terminate(ctx context.Context, pids []int) ([]TerminateResult, error) {
	parts := make([]string, len(pids))
	for i, p := range pids {
		parts[i] = strconv.Itoa(p)
	}
	var out []TerminateResult
	q := url.Values{"pid": {strings.Join(parts, ",")}}
	return out, c.doJSON(ctx, http.MethodPost, "/processes/terminate", q, nil, &out)
}

func (c *Client) History(ctx context.Context, name string, limit int) ([]HistoryEvent, error) {
	var out []HistoryEvent
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return out, c.getJSON(ctx, svcPath(name, "/history"), q, &out)
}

func (c *Client) Resources(ctx context.Context, name string) (Usage, error) {
	var out Usage
	return out, c.getJSON(ctx, svcPath(name, "/resources"), nil, &out)
}

func svcPath(name, suffix string) string {
	return "/services/" + url.PathEscape(name) + suffix
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, q, nil, out)
}

// doJSON sends body as JSON and decodes the answer into out when non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, body, out any) error {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}
	resp, err := c.do(ctx, method, path, q, raw)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do performs the request and turns non-2xx answers into *APIError. The
// caller closes the body on success.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte) (*http.Response, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return nil, fmt.Errorf("do request: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()
	return nil, c.errorFrom(resp)
}

func (c *Client) errorFrom(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	c.logger.Debug("API request failed", "error", er.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: er.Error}
}
