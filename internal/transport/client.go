// Package transport provides the authenticated HTTP client used to talk to
// remote agents and classifies every failure into a fleeterr kind.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"candy-panel/internal/credential"
	"candy-panel/internal/fleeterr"
	"candy-panel/internal/model"
	"candy-panel/logger"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	PathDashboard  = "/agent_api/dashboard"
	PathClients    = "/agent_api/clients"
	PathInterfaces = "/agent_api/interfaces"
	PathCommand    = "/agent_api/command"

	maxLoggedBody = 500
	maxBodySize   = 8 << 20
)

// Agent is the RPC surface of one remote agent.
type Agent interface {
	FetchSnapshot(ctx context.Context) (*model.DashboardSnapshot, error)
	FetchClients(ctx context.Context) ([]model.Client, error)
	FetchInterfaces(ctx context.Context) ([]model.Interface, error)
	SendCommand(ctx context.Context, resource, action string, payload map[string]any) (*Result, error)
}

// Result is the normalized agent envelope.
type Result struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail"`
	Data    json.RawMessage `json:"data"`
}

// CommandRequest is the body of POST /agent_api/command.
type CommandRequest struct {
	Resource string         `json:"resource"`
	Action   string         `json:"action"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Client talks to one agent.
type Client struct {
	cred           credential.Credential
	http           *http.Client
	pollTimeout    time.Duration
	commandTimeout time.Duration
}

func NewClient(cred credential.Credential, httpClient *http.Client, pollTimeout, commandTimeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = defaultHTTPClient()
	}
	return &Client{
		cred:           cred,
		http:           httpClient,
		pollTimeout:    pollTimeout,
		commandTimeout: commandTimeout,
	}
}

func defaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     30 * time.Second,
		},
	}
}

func (c *Client) FetchSnapshot(ctx context.Context) (*model.DashboardSnapshot, error) {
	const op = "fetch snapshot"
	res, err := c.do(ctx, op, http.MethodGet, PathDashboard, nil, c.pollTimeout)
	if err != nil {
		return nil, err
	}
	if len(res.Data) == 0 {
		return nil, fleeterr.Protocol(op, errors.New("response has no data"))
	}
	var snap model.DashboardSnapshot
	if err := json.Unmarshal(res.Data, &snap); err != nil {
		return nil, fleeterr.Protocol(op, err)
	}
	return &snap, nil
}

func (c *Client) FetchClients(ctx context.Context) ([]model.Client, error) {
	const op = "fetch clients"
	res, err := c.do(ctx, op, http.MethodGet, PathClients, nil, c.pollTimeout)
	if err != nil {
		return nil, err
	}
	clients := []model.Client{}
	if len(res.Data) > 0 {
		if err := json.Unmarshal(res.Data, &clients); err != nil {
			return nil, fleeterr.Protocol(op, err)
		}
	}
	return clients, nil
}

func (c *Client) FetchInterfaces(ctx context.Context) ([]model.Interface, error) {
	const op = "fetch interfaces"
	res, err := c.do(ctx, op, http.MethodGet, PathInterfaces, nil, c.pollTimeout)
	if err != nil {
		return nil, err
	}
	interfaces := []model.Interface{}
	if len(res.Data) > 0 {
		if err := json.Unmarshal(res.Data, &interfaces); err != nil {
			return nil, fleeterr.Protocol(op, err)
		}
	}
	return interfaces, nil
}

func (c *Client) SendCommand(ctx context.Context, resource, action string, payload map[string]any) (*Result, error) {
	op := fmt.Sprintf("command %s/%s", resource, action)
	body := CommandRequest{Resource: resource, Action: action, Payload: payload}
	return c.do(ctx, op, http.MethodPost, PathCommand, body, c.commandTimeout)
}

// do performs one authenticated call. A cancelled parent context is returned
// unclassified so callers can tell a torn-down view from a failing agent.
func (c *Client) do(ctx context.Context, op, method, path string, body any, timeout time.Duration) (*Result, error) {
	url := c.cred.BaseURL + path
	startTime := time.Now()

	var reqBody io.Reader
	var bodySize int
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fleeterr.Validation(op, "failed to marshal request body: %v", err)
		}
		bodySize = len(jsonData)
		reqBody = bytes.NewReader(jsonData)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fleeterr.Validation(op, "failed to create request: %v", err)
	}

	key := c.cred.APIKey()
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("X-API-Key", key)
	req.Header.Set("X-Request-ID", uuid.NewString())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	logger.Debugf("AgentClient [%s %s] sending request (server=%d key=%s body size: %d bytes)",
		method, url, c.cred.ServerID, c.cred.Fingerprint(), bodySize)

	resp, err := c.http.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, context.Canceled
		}
		logger.Warningf("AgentClient [%s %s] request failed after %v: %v", method, url, duration, err)
		return nil, fleeterr.Unreachable(op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, context.Canceled
		}
		return nil, fleeterr.Unreachable(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Warningf("AgentClient [%s %s] returned status %d after %v. Response body: %s",
			method, url, resp.StatusCode, duration, truncate(bodyBytes))
		return nil, fleeterr.Agent(op, resp.StatusCode, errorMessage(resp.StatusCode, bodyBytes))
	}
	logger.Debugf("AgentClient [%s %s] returned status %d after %v (response size: %d bytes)",
		method, url, resp.StatusCode, duration, len(bodyBytes))

	var env envelope
	if err := json.Unmarshal(bodyBytes, &env); err != nil {
		logger.Warningf("AgentClient [%s %s] malformed response: %s", method, url, truncate(bodyBytes))
		return nil, fleeterr.Protocol(op, err)
	}
	if env.Success == nil {
		return nil, fleeterr.Protocol(op, errors.New("response has no success field"))
	}
	if !*env.Success {
		return nil, fleeterr.Agent(op, resp.StatusCode, env.Message)
	}

	return &Result{Success: true, Message: env.Message, Data: unwrapData(env.Data)}, nil
}

// unwrapData undoes the double encoding some agents apply: a data field that
// is a string holding a JSON document is replaced by that document.
func unwrapData(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] != '"' {
		return raw
	}
	var inner string
	if err := json.Unmarshal(raw, &inner); err != nil {
		return raw
	}
	trimmed := strings.TrimSpace(inner)
	if trimmed == "" {
		return nil
	}
	if (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	return raw
}

func errorMessage(status int, body []byte) string {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil {
		if env.Message != "" {
			return env.Message
		}
		if len(env.Detail) > 0 {
			var detail string
			if json.Unmarshal(env.Detail, &detail) == nil && detail != "" {
				return detail
			}
			return string(env.Detail)
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return truncate(body)
	}
	return http.StatusText(status)
}

func truncate(body []byte) string {
	s := string(body)
	if len(s) > maxLoggedBody {
		return s[:maxLoggedBody] + "... (truncated)"
	}
	return s
}
