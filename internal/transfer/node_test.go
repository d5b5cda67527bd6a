package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replicafs/internal/protocol"
)

// fakeNode is a minimal in-memory node speaking the storage node routes.
type fakeNode struct {
	mu     sync.Mutex
	chunks map[string][]byte
	full   bool
}

func (f *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/health" {
		_ = json.NewEncoder(w).Encode(protocol.StatusResponse{Status: "healthy", NodeID: "fake"})
		return
	}
	id := r.URL.Path[len("/chunk/"):]
	switch r.Method {
	case http.MethodPut:
		if f.full {
			w.WriteHeader(http.StatusInsufficientStorage)
			_ = json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "no space", Kind: protocol.KindDiskFull})
			return
		}
		data, _ := io.ReadAll(r.Body)
		f.chunks[id] = data
		w.WriteHeader(http.StatusCreated)
	case http.MethodGet:
		data, ok := f.chunks[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "chunk not found", Kind: protocol.KindNotFound})
			return
		}
		_, _ = w.Write(data)
	case http.MethodDelete:
		if _, ok := f.chunks[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "chunk not found", Kind: protocol.KindNotFound})
			return
		}
		delete(f.chunks, id)
		_ = json.NewEncoder(w).Encode(protocol.StatusResponse{Status: "ok"})
	}
}

func TestNodeClientPutGetDelete(t *testing.T) {
	node := &fakeNode{chunks: make(map[string][]byte)}
	srv := httptest.NewServer(node)
	defer srv.Close()

	client := NewNodeClient()
	ctx := context.Background()

	require.NoError(t, client.Ping(ctx, srv.URL))
	require.NoError(t, client.Put(ctx, srv.URL, "c1", []byte("payload")))

	data, err := client.Get(ctx, srv.URL, "c1")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	require.NoError(t, client.Delete(ctx, srv.URL, "c1"))
	// deleting again is still a success
	require.NoError(t, client.Delete(ctx, srv.URL, "c1"))

	_, err = client.Get(ctx, srv.URL, "c1")
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
}

func TestNodeClientMapsDiskFull(t *testing.T) {
	node := &fakeNode{chunks: make(map[string][]byte), full: true}
	srv := httptest.NewServer(node)
	defer srv.Close()

	err := NewNodeClient().Put(context.Background(), srv.URL, "c1", []byte("x"))
	assert.True(t, errors.Is(err, protocol.ErrDiskFull))
}

func TestNodeClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	assert.Error(t, NewNodeClient().Ping(context.Background(), addr))
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "http://localhost:5000", BaseURL("localhost:5000"))
	assert.Equal(t, "https://meta.example", BaseURL("https://meta.example/"))
}
