package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
)

type Client struct {
	HTTP *http.Client
}

func New(socketPath string) *Client {
	return &Client{
		HTTP: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

func (c *Client) PostJSON(ctx context.Context, path string, body any, v any) error {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://unix"+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, v)
}

// GetJSON performs a GET and decodes JSON into v.
func (c *Client) GetJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix"+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, v)
}

func (c *Client) do(req *http.Request, v any) error {
	res, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return &HTTPError{Status: res.StatusCode, Body: string(b)}
	}
	if v != nil {
		return json.NewDecoder(res.Body).Decode(v)
	}
	return nil
}

// RunStep is one allowlisted command executed by the agent without a shell.
type RunStep struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args"`
}

// RunResult mirrors the agent's per-step result.
type RunResult struct {
	Code   int    `json:"code"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// Run posts steps to /v1/run. The agent stops at the first non-zero exit, so
// fewer results than steps may be returned.
func (c *Client) Run(ctx context.Context, steps ...RunStep) ([]RunResult, error) {
	var resp struct {
		Results []RunResult `json:"results"`
	}
	if err := c.PostJSON(ctx, "/v1/run", map[string]any{"steps": steps}, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// FetchMetrics returns the agent's Prometheus text exposition.
func (c *Client) FetchMetrics(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix/metrics", nil)
	if err != nil {
		return nil, err
	}
	res, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return nil, &HTTPError{Status: res.StatusCode, Body: string(b)}
	}
	return io.ReadAll(res.Body)
}

// HTTPError captures agent non-2xx responses
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string { return fmt.Sprintf("agent http %d: %s", e.Status, e.Body) }
