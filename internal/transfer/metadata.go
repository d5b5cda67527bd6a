package transfer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"replicafs/internal/protocol"
)

// MetadataClient calls the metadata server's HTTP API.
type MetadataClient struct {
	base string
	http *http.Client
}

// NewMetadataClient creates a client for the metadata server at endpoint.
func NewMetadataClient(endpoint string, timeout time.Duration) *MetadataClient {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &MetadataClient{base: BaseURL(endpoint), http: newHTTPClient(timeout)}
}

// Endpoint returns the base URL the client talks to.
func (c *MetadataClient) Endpoint() string { return c.base }

// Health checks that the metadata server is reachable.
func (c *MetadataClient) Health(ctx context.Context) error {
	var resp protocol.StatusResponse
	if err := doJSON(ctx, c.http, http.MethodGet, c.base+"/health", nil, &resp); err != nil {
		return fmt.Errorf("metadata server unavailable: %w", err)
	}
	return nil
}

// Allocate requests placement for chunks of fileID.
func (c *MetadataClient) Allocate(ctx context.Context, fileID string, req protocol.AllocateRequest) (protocol.AllocateResponse, error) {
	var resp protocol.AllocateResponse
	err := doJSON(ctx, c.http, http.MethodPost, resourceURL(c.base, "files", fileID, "allocate"), req, &resp)
	return resp, err
}

// ConfirmWrite records that nodeID holds a replica of chunkID.
func (c *MetadataClient) ConfirmWrite(ctx context.Context, chunkID, nodeID string) error {
	return doJSON(ctx, c.http, http.MethodPost, resourceURL(c.base, "chunks", chunkID, "confirm"),
		protocol.ConfirmRequest{NodeID: nodeID}, nil)
}

// Commit marks fileID committed.
func (c *MetadataClient) Commit(ctx context.Context, fileID string) error {
	return doJSON(ctx, c.http, http.MethodPost, resourceURL(c.base, "files", fileID, "commit"), nil, nil)
}

// Lookup returns the chunk locations of a committed file.
func (c *MetadataClient) Lookup(ctx context.Context, fileID string) (protocol.FileLocation, error) {
	var resp protocol.FileLocation
	err := doJSON(ctx, c.http, http.MethodGet, resourceURL(c.base, "files", fileID), nil, &resp)
	return resp, err
}

// Delete tombstones fileID.
func (c *MetadataClient) Delete(ctx context.Context, fileID string) error {
	return doJSON(ctx, c.http, http.MethodDelete, resourceURL(c.base, "files", fileID), nil, nil)
}

// ListFiles returns every file that has not been deleted.
func (c *MetadataClient) ListFiles(ctx context.Context) ([]protocol.FileInfo, error) {
	var resp protocol.FileList
	if err := doJSON(ctx, c.http, http.MethodGet, c.base+"/files", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// NodeStatus returns the Node Registry.
func (c *MetadataClient) NodeStatus(ctx context.Context) ([]protocol.NodeStatus, error) {
	var resp protocol.NodeList
	if err := doJSON(ctx, c.http, http.MethodGet, c.base+"/nodes/status", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// RegisterNode announces a storage node.
func (c *MetadataClient) RegisterNode(ctx context.Context, nodeID, endpoint string) error {
	return doJSON(ctx, c.http, http.MethodPost, c.base+"/nodes/register",
		protocol.RegisterNodeRequest{NodeID: nodeID, Endpoint: endpoint}, nil)
}

// UnderReplicated returns committed chunks below their replication target.
func (c *MetadataClient) UnderReplicated(ctx context.Context) ([]protocol.UnderReplicatedChunk, error) {
	var resp protocol.UnderReplicatedList
	if err := doJSON(ctx, c.http, http.MethodGet, c.base+"/chunks/under-replicated", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Chunks, nil
}
