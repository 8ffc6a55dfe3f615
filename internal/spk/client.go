// Package spk is a client for the SPK network gateway, used to discover the
// storage contracts assigned to this node's account.
package spk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spknetwork/spkpin/internal/contract"
)

// Registration is the node's last-known service registration on the network.
type Registration struct {
	Registered bool              `json:"registered"`
	NodeType   string            `json:"node_type"`
	Services   map[string]string `json:"services"`
}

// Client fetches contract assignments from an SPK gateway node.
type Client struct {
	baseURL string
	client  *http.Client
}

// Config holds client configuration.
type Config struct {
	BaseURL string        // gateway URL, e.g. https://spktest.dlux.io
	Timeout time.Duration // per-call timeout, default 30s
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("spk %s: %s", path, msg)
	}
	return body, nil
}

// FetchAssignedContracts returns all contracts the gateway currently assigns
// to account. The gateway has returned both a bare array and a wrapped
// object across versions; both are accepted.
func (c *Client) FetchAssignedContracts(ctx context.Context, account string) ([]contract.RawContract, error) {
	body, err := c.get(ctx, "/api/spk/contracts/"+account)
	if err != nil {
		return nil, err
	}
	var raw []contract.RawContract
	if err := json.Unmarshal(body, &raw); err == nil {
		return raw, nil
	}
	var wrapped struct {
		Contracts []contract.RawContract `json:"contracts"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("spk contracts decode: %w", err)
	}
	return wrapped.Contracts, nil
}

// FetchNodeRegistration returns the account's service registration as the
// network sees it. Used only for the cached status snapshot.
func (c *Client) FetchNodeRegistration(ctx context.Context, account string) (Registration, error) {
	body, err := c.get(ctx, "/api/spk/registration/"+account)
	if err != nil {
		return Registration{}, err
	}
	var reg Registration
	if err := json.Unmarshal(body, &reg); err != nil {
		return Registration{}, fmt.Errorf("spk registration decode: %w", err)
	}
	return reg, nil
}
