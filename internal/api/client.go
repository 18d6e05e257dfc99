package api

import (
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

	"wgfleet/internal/model"
)

// Error is a non-2xx management API response.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("request failed: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Client is a thin HTTP client for the management API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			// deployments wait on readiness, so allow more than a plain read
			Timeout: 10 * time.Minute,
		},
	}
}

// Health reports whether the server answers /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, "", nil)
}

func (c *Client) Status(ctx context.Context) (model.SystemStatus, error) {
	var out model.SystemStatus
	err := c.do(ctx, http.MethodGet, "/api/status", nil, "", &out)
	return out, err
}

func (c *Client) Peers(ctx context.Context) (PeersResponse, error) {
	var out PeersResponse
	err := c.do(ctx, http.MethodGet, "/api/peers", nil, "", &out)
	return out, err
}

func (c *Client) Tunnels(ctx context.Context) ([]string, error) {
	var out []string
	err := c.do(ctx, http.MethodGet, "/api/tunnels", nil, "", &out)
	return out, err
}

func (c *Client) Clients(ctx context.Context) ([]model.Client, error) {
	var out []model.Client
	err := c.do(ctx, http.MethodGet, "/api/clients", nil, "", &out)
	return out, err
}

func (c *Client) CreateClient(ctx context.Context, req CreateClientRequest) (model.Client, error) {
	var out model.Client
	payload, err := json.Marshal(req)
	if err != nil {
		return out, err
	}
	err = c.do(ctx, http.MethodPost, "/api/clients", bytes.NewReader(payload), "application/json", &out)
	return out, err
}

func (c *Client) RemoveClient(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/clients/"+url.PathEscape(name), nil, "", nil)
}

// ClientConfig returns the rendered tunnel config of a client.
func (c *Client) ClientConfig(ctx context.Context, name string) (string, error) {
	var out ConfigResponse
	err := c.do(ctx, http.MethodGet, "/api/clients/"+url.PathEscape(name)+"/config", nil, "", &out)
	return out.Config, err
}

// Deploy submits a YAML or JSON deployment spec. The result is filled in
// even when the server rejects the spec, so callers can report its envelope.
func (c *Client) Deploy(ctx context.Context, spec []byte) (model.DeploymentResult, error) {
	var out model.DeploymentResult
	err := c.do(ctx, http.MethodPost, "/api/deployments", bytes.NewReader(spec), "application/yaml", &out)
	return out, err
}

func (c *Client) Deployments(ctx context.Context, limit int) ([]model.DeploymentResult, error) {
	path := "/api/deployments"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []model.DeploymentResult
	err := c.do(ctx, http.MethodGet, path, nil, "", &out)
	return out, err
}

func (c *Client) Deployment(ctx context.Context, id string) (model.DeploymentResult, error) {
	var out model.DeploymentResult
	err := c.do(ctx, http.MethodGet, "/api/deployments/"+url.PathEscape(id), nil, "", &out)
	return out, err
}

// Units lists the units of one backend. Empty name and state match all.
func (c *Client) Units(ctx context.Context, backend model.BackendKind, name string, state model.UnitState) ([]model.ManagedUnit, error) {
	q := url.Values{}
	if name != "" {
		q.Set("name", name)
	}
	if state != "" {
		q.Set("state", string(state))
	}
	path := "/api/units/" + url.PathEscape(string(backend))
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []model.ManagedUnit
	err := c.do(ctx, http.MethodGet, path, nil, "", &out)
	return out, err
}

func (c *Client) Terminate(ctx context.Context, backend model.BackendKind, id string) (TerminateResponse, error) {
	var out TerminateResponse
	path := "/api/units/" + url.PathEscape(string(backend)) + "/" + escapeID(id)
	err := c.do(ctx, http.MethodDelete, path, nil, "", &out)
	return out, err
}

func (c *Client) Logs(ctx context.Context, backend model.BackendKind, id string, lines int) (string, error) {
	path := "/api/units/" + url.PathEscape(string(backend)) + "/logs/" + escapeID(id)
	if lines > 0 {
		path += "?lines=" + strconv.Itoa(lines)
	}
	var out LogsResponse
	err := c.do(ctx, http.MethodGet, path, nil, "", &out)
	return out.Logs, err
}

// escapeID escapes each segment of a unit id and keeps the separators, so
// namespace/name ids reach the server's wildcard route intact.
func escapeID(id string) string {
	parts := strings.Split(id, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}

	var env struct {
		Status  string          `json:"status"`
		Data    json.RawMessage `json:"data"`
		Message string          `json:"message"`
	}
	if jsonErr := json.Unmarshal(raw, &env); jsonErr != nil {
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return &Error{StatusCode: res.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("decode response: %w", jsonErr)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &Error{StatusCode: res.StatusCode, Message: env.Message}
	}
	return nil
}
