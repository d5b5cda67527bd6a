package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"replicafs/internal/protocol"
)

// NodeClient talks to storage nodes. It is safe for concurrent use; the
// underlying transport pools connections per node.
type NodeClient struct {
	http *http.Client
}

type nodeClientConfig struct {
	timeout time.Duration
}

// NodeClientOption configures a NodeClient.
type NodeClientOption func(*nodeClientConfig)

// WithNodeTimeout bounds every request, in addition to the caller's context.
func WithNodeTimeout(d time.Duration) NodeClientOption {
	return func(cfg *nodeClientConfig) {
		cfg.timeout = d
	}
}

// NewNodeClient creates a node client.
func NewNodeClient(opts ...NodeClientOption) *NodeClient {
	cfg := nodeClientConfig{timeout: defaultRequestTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &NodeClient{http: newHTTPClient(cfg.timeout)}
}

// Put stores data under chunkID on the node. Re-putting overwrites.
func (c *NodeClient) Put(ctx context.Context, endpoint, chunkID string, data []byte) error {
	target := resourceURL(endpoint, "chunk", chunkID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build put: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("put chunk %s on %s: %w", chunkID, endpoint, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("put chunk %s on %s: %w", chunkID, endpoint, decodeError(resp))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Get fetches the bytes stored under chunkID.
func (c *NodeClient) Get(ctx context.Context, endpoint, chunkID string) ([]byte, error) {
	target := resourceURL(endpoint, "chunk", chunkID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build get: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get chunk %s from %s: %w", chunkID, endpoint, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get chunk %s from %s: %w", chunkID, endpoint, decodeError(resp))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read chunk %s from %s: %w", chunkID, endpoint, err)
	}
	return data, nil
}

// Delete removes chunkID from the node. A chunk that is already absent
// counts as deleted.
func (c *NodeClient) Delete(ctx context.Context, endpoint, chunkID string) error {
	err := doJSON(ctx, c.http, http.MethodDelete, resourceURL(endpoint, "chunk", chunkID), nil, nil)
	if err == nil || errors.Is(err, protocol.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("delete chunk %s on %s: %w", chunkID, endpoint, err)
}

// Ping asks the node for its health.
func (c *NodeClient) Ping(ctx context.Context, endpoint string) error {
	var resp protocol.StatusResponse
	if err := doJSON(ctx, c.http, http.MethodGet, BaseURL(endpoint)+"/health", nil, &resp); err != nil {
		return err
	}
	if resp.Status != "healthy" {
		return fmt.Errorf("node %s reports status %q", endpoint, resp.Status)
	}
	return nil
}

// Stats fetches usage counters from the node.
func (c *NodeClient) Stats(ctx context.Context, endpoint string) (protocol.NodeStats, error) {
	var stats protocol.NodeStats
	if err := doJSON(ctx, c.http, http.MethodGet, BaseURL(endpoint)+"/stats", nil, &stats); err != nil {
		return protocol.NodeStats{}, fmt.Errorf("stats from %s: %w", endpoint, err)
	}
	return stats, nil
}
