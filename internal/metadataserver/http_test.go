package metadataserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replicafs/internal/protocol"
	"replicafs/internal/transfer"
)

func newTestAPI(t *testing.T, cfg Config) (*Server, *transfer.MetadataClient) {
	t.Helper()
	s := newTestServer(t, newFakeNodes(), cfg)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, transfer.NewMetadataClient(srv.URL, 5*time.Second)
}

func TestHTTPUploadLifecycle(t *testing.T) {
	_, client := newTestAPI(t, Config{Nodes: testNodes(3)})
	ctx := context.Background()

	require.NoError(t, client.Health(ctx))

	resp, err := client.Allocate(ctx, "f1", protocol.AllocateRequest{
		Name: "report.pdf", Size: 3 << 20, ChunkCount: 3, Chunks: specsFor(3),
	})
	require.NoError(t, err)
	require.Len(t, resp.Chunks, 3)

	_, err = client.Lookup(ctx, "f1")
	assert.True(t, errors.Is(err, protocol.ErrFileIncomplete))

	err = client.Commit(ctx, "f1")
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, protocol.KindIncompleteChunks, perr.Kind)
	assert.Len(t, perr.ChunkIDs, 3)

	for _, c := range resp.Chunks {
		for _, n := range c.Nodes {
			require.NoError(t, client.ConfirmWrite(ctx, c.ChunkID, n.ID))
		}
	}
	require.NoError(t, client.Commit(ctx, "f1"))

	loc, err := client.Lookup(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", loc.File.Name)
	assert.Equal(t, protocol.FileCommitted, loc.File.State)
	require.Len(t, loc.Chunks, 3)
	for _, c := range loc.Chunks {
		assert.Len(t, c.Nodes, 2)
	}

	files, err := client.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "f1", files[0].FileID)

	under, err := client.UnderReplicated(ctx)
	require.NoError(t, err)
	assert.Empty(t, under)

	require.NoError(t, client.Delete(ctx, "f1"))
	_, err = client.Lookup(ctx, "f1")
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
	assert.True(t, errors.Is(client.Delete(ctx, "f1"), protocol.ErrNotFound))
}

func TestHTTPNodeEndpoints(t *testing.T) {
	s, client := newTestAPI(t, Config{Nodes: testNodes(1)})
	ctx := context.Background()

	require.NoError(t, client.RegisterNode(ctx, "n7", "node7:5007"))
	s.health.CheckAll(ctx)

	nodes, err := client.NodeStatus(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "n1", nodes[0].ID)
	assert.Equal(t, "n7", nodes[1].ID)
	assert.Equal(t, protocol.NodeHealthy, nodes[1].Status)

	err = client.RegisterNode(ctx, "", "")
	assert.True(t, errors.Is(err, protocol.ErrInvalidRequest))
}

func TestHTTPInsufficientNodesIsServiceUnavailable(t *testing.T) {
	s, _ := newTestAPI(t, Config{Nodes: testNodes(1)})

	body := `{"name":"a","size":1,"chunk_count":1,"chunks":[{"sequence_index":0,"size":1,"checksum":"x"}]}`
	req := httptest.NewRequest(http.MethodPost, "/files/f1/allocate", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"InsufficientNodes"`)
}

func TestHTTPRejectsMalformedBody(t *testing.T) {
	s, _ := newTestAPI(t, Config{Nodes: testNodes(2)})

	req := httptest.NewRequest(http.MethodPost, "/files/f1/allocate", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPRejectsOversizedChunkCount(t *testing.T) {
	s, _ := newTestAPI(t, Config{Nodes: testNodes(2)})

	body := `{"name":"x","size":1,"chunk_count":1099511627776,"chunks":[]}`
	req := httptest.NewRequest(http.MethodPost, "/files/f1/allocate", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(protocol.KindInvalidRequest))
	assert.Empty(t, s.ListFiles())
}

func TestHTTPUnknownMethodIsRejected(t *testing.T) {
	s, _ := newTestAPI(t, Config{})

	req := httptest.NewRequest(http.MethodPut, "/files/f1", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
