package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/procyard/internal/auth"
	"github.com/loykin/procyard/internal/config"
	"github.com/loykin/procyard/internal/process"
	"github.com/loykin/procyard/internal/store"
)

const defaultAPIURL = "http://127.0.0.1:7070/api"

// APIClient talks to a running procyard daemon.
type APIClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = defaultAPIURL
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// WithToken sends token as a Bearer credential on every request.
func (c *APIClient) WithToken(token string) *APIClient {
	c.token = token
	return c
}

func (c *APIClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func (c *APIClient) do(method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errorResp struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
			errorResp.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func seg(s string) string { return url.PathEscape(s) }

// IsReachable checks if the daemon is running and reachable
func (c *APIClient) IsReachable() bool {
	return c.do(http.MethodGet, "/status", nil, nil) == nil
}

func (c *APIClient) Statuses() ([]process.Info, error) {
	var out []process.Info
	err := c.do(http.MethodGet, "/status", nil, &out)
	return out, err
}

func (c *APIClient) Status(project string) (process.Info, error) {
	var out process.Info
	err := c.do(http.MethodGet, "/projects/"+seg(project)+"/status", nil, &out)
	return out, err
}

func (c *APIClient) Groups() ([]config.Group, error) {
	var out []config.Group
	err := c.do(http.MethodGet, "/groups", nil, &out)
	return out, err
}

func (c *APIClient) GroupStatus(group string) ([]process.Info, error) {
	var out []process.Info
	err := c.do(http.MethodGet, "/groups/"+seg(group)+"/status", nil, &out)
	return out, err
}

// GroupStart starts every project of a group and returns the ids it started.
func (c *APIClient) GroupStart(group string) ([]string, error) {
	var out struct {
		Projects []string `json:"projects"`
	}
	err := c.do(http.MethodPost, "/groups/"+seg(group)+"/start", nil, &out)
	return out.Projects, err
}

func (c *APIClient) GroupStop(group string) ([]string, error) {
	var out struct {
		Projects []string `json:"projects"`
	}
	err := c.do(http.MethodPost, "/groups/"+seg(group)+"/stop", nil, &out)
	return out.Projects, err
}

func (c *APIClient) Start(group, project string) (process.Info, error) {
	var out process.Info
	err := c.do(http.MethodPost, "/groups/"+seg(group)+"/projects/"+seg(project)+"/start", nil, &out)
	return out, err
}

func (c *APIClient) Restart(group, project string) (process.Info, error) {
	var out process.Info
	err := c.do(http.MethodPost, "/groups/"+seg(group)+"/projects/"+seg(project)+"/restart", nil, &out)
	return out, err
}

func (c *APIClient) Stop(project string) error {
	return c.do(http.MethodPost, "/projects/"+seg(project)+"/stop", nil, nil)
}

func (c *APIClient) SendInput(project, data string) error {
	return c.do(http.MethodPost, "/projects/"+seg(project)+"/stdin", map[string]string{"data": data}, nil)
}

func (c *APIClient) Resize(project string, cols, rows uint16) error {
	return c.do(http.MethodPost, "/projects/"+seg(project)+"/resize", map[string]uint16{"cols": cols, "rows": rows}, nil)
}

func (c *APIClient) Sessions(project string) ([]store.SessionWithStats, error) {
	var out []store.SessionWithStats
	err := c.do(http.MethodGet, "/projects/"+seg(project)+"/sessions", nil, &out)
	return out, err
}

func (c *APIClient) Session(id string) (store.Session, error) {
	var out store.Session
	err := c.do(http.MethodGet, "/sessions/"+seg(id), nil, &out)
	return out, err
}

func (c *APIClient) SessionLogs(id string) ([]store.LogEntry, error) {
	var out []store.LogEntry
	err := c.do(http.MethodGet, "/sessions/"+seg(id)+"/logs", nil, &out)
	return out, err
}

func (c *APIClient) SessionMetrics(id string) ([]store.Metric, error) {
	var out []store.Metric
	err := c.do(http.MethodGet, "/sessions/"+seg(id)+"/metrics", nil, &out)
	return out, err
}

func (c *APIClient) DeleteSession(id string) error {
	return c.do(http.MethodDelete, "/sessions/"+seg(id), nil, nil)
}

func (c *APIClient) ClearProjectLogs(project string) (int64, error) {
	var out struct {
		Deleted int64 `json:"deleted"`
	}
	err := c.do(http.MethodDelete, "/projects/"+seg(project)+"/logs", nil, &out)
	return out.Deleted, err
}

func (c *APIClient) Storage() (store.StorageStats, error) {
	var out store.StorageStats
	err := c.do(http.MethodGet, "/storage", nil, &out)
	return out, err
}

func (c *APIClient) Cleanup(days int) (int64, error) {
	var out struct {
		Deleted int64 `json:"deleted"`
	}
	err := c.do(http.MethodPost, "/storage/cleanup?days="+strconv.Itoa(days), nil, &out)
	return out.Deleted, err
}

func (c *APIClient) CleanupAll() error {
	return c.do(http.MethodPost, "/storage/cleanup-all", nil, nil)
}

// Login exchanges a username and password for a bearer token.
func (c *APIClient) Login(username, password string) (auth.Token, error) {
	var out auth.Token
	err := c.do(http.MethodPost, "/auth/login", map[string]string{"username": username, "password": password}, &out)
	return out, err
}

// Event is one server-sent event.
type Event struct {
	Name string
	Data string
}

// Events streams daemon events to fn until ctx is done or the stream ends.
// The client timeout does not apply to the stream.
func (c *APIClient) Events(ctx context.Context, project string, fn func(Event)) error {
	u := c.baseURL + "/events"
	if project != "" {
		u += "?project=" + url.QueryEscape(project)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)
	stream := &http.Client{Transport: c.client.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	var ev Event
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if ev.Name != "" || ev.Data != "" {
				fn(ev)
			}
			ev = Event{}
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			ev.Data += strings.TrimPrefix(line, "data:")
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
