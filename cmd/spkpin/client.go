package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spknetwork/spkpin"
)

// APIClient talks to a running spkpin daemon over its control API.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a client for the daemon API at baseURL.
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8383/api"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type apiEvent struct {
	Kind    string            `json:"kind"`
	At      time.Time         `json:"at"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields"`
}

func (c *APIClient) Status() (spkpin.StatusView, error) {
	var st spkpin.StatusView
	err := c.do(http.MethodGet, "/status", &st)
	return st, err
}

func (c *APIClient) StartProcess() error { return c.do(http.MethodPost, "/process/start", nil) }

func (c *APIClient) StopProcess(force bool) error {
	path := "/process/stop"
	if force {
		path += "?force=1"
	}
	return c.do(http.MethodPost, path, nil)
}

func (c *APIClient) TriggerReconcile() error { return c.do(http.MethodPost, "/reconcile", nil) }

func (c *APIClient) Events(n int) ([]apiEvent, error) {
	var evs []apiEvent
	err := c.do(http.MethodGet, fmt.Sprintf("/events?n=%d", n), &evs)
	return evs, err
}

func (c *APIClient) do(method, path string, out any) error {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var er struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&er); err == nil && er.Error != "" {
			return fmt.Errorf("daemon error: %s", er.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
