package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"synnergy-network/core"
)

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// decodeEventData unmarshals an EventRecord's payload into target.
func decodeEventData(rec core.EventRecord, target interface{}) error {
	if len(rec.Data) == 0 {
		return fmt.Errorf("empty event payload")
	}
	return json.Unmarshal(rec.Data, target)
}

// httpPinger implements core.Pinger against a peer's /health endpoint,
// wired into core.HealthMonitor.
type httpPinger struct {
	client *http.Client
}

func (p *httpPinger) Ping(ctx context.Context, peerAddr string) (time.Duration, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peerAddr+"/health", nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return time.Since(start), fmt.Errorf("peer %s returned status %d", peerAddr, resp.StatusCode)
	}
	return time.Since(start), nil
}

// httpPeerClient implements core.PeerClient against the HTTP sync
// RPC surface, the transport the sync engine uses to fetch chain data
// from a single remote peer.
type httpPeerClient struct {
	addr   string
	client *http.Client
}

func newHTTPPeerClient(addr string, client *http.Client) *httpPeerClient {
	if client == nil {
		client = newHTTPClient(10 * time.Second)
	}
	return &httpPeerClient{addr: addr, client: client}
}

func (c *httpPeerClient) Addr() string { return c.addr }

func (c *httpPeerClient) GetHeaders(ctx context.Context, fromHeight, toHeight uint64) ([]core.BlockHeader, error) {
	url := fmt.Sprintf("%s/sync/headers?start=%d&end=%d", c.addr, fromHeight, toHeight)
	var out []core.BlockHeader
	if err := c.getJSON(ctx, url, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *httpPeerClient) GetRange(ctx context.Context, fromHeight, toHeight uint64) ([]*core.Block, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"start_height":   fromHeight,
		"end_height":     toHeight,
		"requester_node": "",
	})
	var resp struct {
		Blocks []*core.Block `json:"blocks"`
	}
	if err := c.postJSON(ctx, c.addr+"/sync/range", body, &resp); err != nil {
		return nil, err
	}
	return resp.Blocks, nil
}

func (c *httpPeerClient) GetSnapshot(ctx context.Context) (*core.Snapshot, []byte, error) {
	var resp struct {
		Snapshot core.Snapshot `json:"snapshot"`
		Blob     []byte        `json:"blob"`
	}
	if err := c.getJSON(ctx, c.addr+"/sync/snapshot", &resp); err != nil {
		return nil, nil, err
	}
	return &resp.Snapshot, resp.Blob, nil
}

func (c *httpPeerClient) GetTipHeight(ctx context.Context) (uint64, error) {
	var status struct {
		BlockHeight uint64 `json:"block_height"`
	}
	if err := c.getJSON(ctx, c.addr+"/status", &status); err != nil {
		return 0, err
	}
	return status.BlockHeight, nil
}

func (c *httpPeerClient) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("peer %s returned status %d for %s", c.addr, resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *httpPeerClient) postJSON(ctx context.Context, url string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("peer %s returned status %d for %s", c.addr, resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
