package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wricardo/mcp-pool/pool/service"
)

// Client talks to a running pool's REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the API served at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Status fetches the pool status.
func (c *Client) Status(ctx context.Context) (*service.Status, error) {
	var status service.Status
	if err := c.apiCall(ctx, "GET", "/api/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ListWorkers fetches the live workers.
func (c *Client) ListWorkers(ctx context.Context) ([]service.WorkerInfo, error) {
	var response struct {
		Count   int                  `json:"count"`
		Workers []service.WorkerInfo `json:"workers"`
	}
	if err := c.apiCall(ctx, "GET", "/api/workers", nil, &response); err != nil {
		return nil, err
	}
	return response.Workers, nil
}

// KillWorker asks the pool to terminate the worker on port.
func (c *Client) KillWorker(ctx context.Context, port int) error {
	return c.apiCall(ctx, "DELETE", fmt.Sprintf("/api/workers/%d", port), nil, nil)
}

func (c *Client) apiCall(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	url := c.baseURL + path

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp map[string]string
		json.NewDecoder(resp.Body).Decode(&errResp)
		if msg, ok := errResp["error"]; ok {
			return fmt.Errorf("%s", msg)
		}
		return fmt.Errorf("API error: %d", resp.StatusCode)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}

	return nil
}
