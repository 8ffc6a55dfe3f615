// Package ipfs is a minimal client for the local IPFS daemon's HTTP API,
// covering only the pin and identity endpoints the reconciliation engine
// needs.
package ipfs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// NodeInfo identifies the local IPFS node.
type NodeInfo struct {
	ID        string   `json:"ID"`
	Addresses []string `json:"Addresses"`
}

// Client talks to the IPFS daemon API (default 127.0.0.1:5001). All
// endpoints are POST per the go-ipfs RPC convention.
type Client struct {
	baseURL string
	client  *http.Client
}

// Config holds client configuration.
type Config struct {
	Host    string        // daemon host, default 127.0.0.1
	Port    int           // daemon API port, default 5001
	Timeout time.Duration // per-call timeout, default 30s
}

func New(cfg Config) *Client {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = 5001
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d/api/v0", host, port),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) post(ctx context.Context, path string, q url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("ipfs %s: %s", path, msg)
	}
	return body, nil
}

// Pin asks the daemon to pin cid recursively.
func (c *Client) Pin(ctx context.Context, cid string) error {
	q := url.Values{"arg": {cid}, "recursive": {"true"}}
	_, err := c.post(ctx, "/pin/add", q)
	return err
}

// Unpin removes the recursive pin for cid.
func (c *Client) Unpin(ctx context.Context, cid string) error {
	q := url.Values{"arg": {cid}, "recursive": {"true"}}
	_, err := c.post(ctx, "/pin/rm", q)
	return err
}

// ListPinned returns the set of recursively pinned CIDs.
func (c *Client) ListPinned(ctx context.Context) (map[string]struct{}, error) {
	q := url.Values{"type": {"recursive"}}
	body, err := c.post(ctx, "/pin/ls", q)
	if err != nil {
		return nil, err
	}
	var out struct {
		Keys map[string]struct {
			Type string `json:"Type"`
		} `json:"Keys"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("ipfs pin/ls decode: %w", err)
	}
	set := make(map[string]struct{}, len(out.Keys))
	for cid := range out.Keys {
		set[cid] = struct{}{}
	}
	return set, nil
}

// NodeInfo fetches the daemon's identity.
func (c *Client) NodeInfo(ctx context.Context) (NodeInfo, error) {
	body, err := c.post(ctx, "/id", nil)
	if err != nil {
		return NodeInfo{}, err
	}
	var info NodeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return NodeInfo{}, fmt.Errorf("ipfs id decode: %w", err)
	}
	return info, nil
}
