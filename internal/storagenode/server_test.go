package storagenode

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replicafs/internal/protocol"
	"replicafs/internal/transfer"
)

func newTestServer(t *testing.T, cfg Config, opts ...Option) *Server {
	t.Helper()
	if cfg.NodeID == "" {
		cfg.NodeID = "n1"
	}
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	if cfg.ScrubInterval == 0 {
		cfg.ScrubInterval = -1
	}

	srv, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(srv.Stop)

	return srv
}

func TestStoreAndRetrieveWithChecksum(t *testing.T) {
	srv := newTestServer(t, Config{})
	data := []byte("hello world")

	require.NoError(t, srv.PutChunk("chunk-1", data))

	_, err := os.Stat(srv.store.chunkPath("chunk-1"))
	require.NoError(t, err)
	_, err = os.Stat(srv.store.checksumPath("chunk-1"))
	require.NoError(t, err)

	got, err := srv.GetChunk("chunk-1")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRetrieveChecksumMismatch(t *testing.T) {
	srv := newTestServer(t, Config{})
	require.NoError(t, srv.PutChunk("chunk-2", []byte("original data")))

	// corrupt the chunk behind the store's back
	require.NoError(t, os.WriteFile(srv.store.chunkPath("chunk-2"), []byte("tampered"), 0o644))

	_, err := srv.GetChunk("chunk-2")
	assert.True(t, errors.Is(err, protocol.ErrIOError))

	assert.Equal(t, []string{"chunk-2"}, srv.scrubber.ScanAll())
	assert.Equal(t, []string{"chunk-2"}, srv.Stats().Corrupted)

	// rewriting the chunk clears it
	require.NoError(t, srv.PutChunk("chunk-2", []byte("original data")))
	assert.Empty(t, srv.Stats().Corrupted)
}

func TestPutOverwritesAndTracksUsage(t *testing.T) {
	srv := newTestServer(t, Config{})

	require.NoError(t, srv.PutChunk("c", []byte("12345")))
	require.NoError(t, srv.PutChunk("c", []byte("123")))

	got, err := srv.GetChunk("c")
	require.NoError(t, err)
	assert.Equal(t, "123", string(got))

	stats := srv.Stats()
	assert.Equal(t, 1, stats.Chunks)
	assert.EqualValues(t, 3, stats.UsedBytes)

	require.NoError(t, srv.DeleteChunk("c"))
	assert.Zero(t, srv.Stats().UsedBytes)
}

func TestDeleteMissingChunkIsNotFound(t *testing.T) {
	srv := newTestServer(t, Config{})

	err := srv.DeleteChunk("nope")
	assert.True(t, errors.Is(err, protocol.ErrNotFound))

	_, err = srv.GetChunk("nope")
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
}

func TestCapacityLimitReportsDiskFull(t *testing.T) {
	srv := newTestServer(t, Config{Capacity: 8})

	require.NoError(t, srv.PutChunk("a", []byte("12345")))
	err := srv.PutChunk("b", []byte("12345"))
	assert.True(t, errors.Is(err, protocol.ErrDiskFull))

	// replacing a chunk only counts the difference
	require.NoError(t, srv.PutChunk("a", []byte("12345678")))
}

func TestUsageSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	srv := newTestServer(t, Config{Dir: dir})
	require.NoError(t, srv.PutChunk("x/y", []byte("abc")))
	require.NoError(t, srv.PutChunk("z", []byte("defg")))

	// leftover from an interrupted write
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk"+tempSuffix), []byte("zz"), 0o644))

	reopened := newTestServer(t, Config{Dir: dir})
	stats := reopened.Stats()
	assert.Equal(t, 2, stats.Chunks)
	assert.EqualValues(t, 7, stats.UsedBytes)
	assert.Equal(t, []string{"x/y", "z"}, reopened.store.IDs())

	_, err := os.Stat(filepath.Join(dir, "junk"+tempSuffix))
	assert.True(t, os.IsNotExist(err))
}

func TestHTTPRoundTrip(t *testing.T) {
	srv := newTestServer(t, Config{NodeID: "node-a"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := transfer.NewNodeClient()
	ctx := context.Background()

	require.NoError(t, client.Ping(ctx, ts.URL))
	require.NoError(t, client.Put(ctx, ts.URL, "7f0c-chunk", []byte("payload")))

	data, err := client.Get(ctx, ts.URL, "7f0c-chunk")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	require.NoError(t, client.Delete(ctx, ts.URL, "7f0c-chunk"))
	require.NoError(t, client.Delete(ctx, ts.URL, "7f0c-chunk"))

	_, err = client.Get(ctx, ts.URL, "7f0c-chunk")
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
}

func TestHTTPDiskFull(t *testing.T) {
	srv := newTestServer(t, Config{Capacity: 2})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	err := transfer.NewNodeClient().Put(context.Background(), ts.URL, "c", []byte("too big"))
	assert.True(t, errors.Is(err, protocol.ErrDiskFull))
}

type recordingRegisterer struct {
	mu    sync.Mutex
	calls []protocol.RegisterNodeRequest
	fail  bool
}

func (r *recordingRegisterer) RegisterNode(_ context.Context, nodeID, endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, protocol.RegisterNodeRequest{NodeID: nodeID, Endpoint: endpoint})
	if r.fail {
		return errors.New("connection refused")
	}
	return nil
}

func (r *recordingRegisterer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestRegistrarAnnouncesPeriodically(t *testing.T) {
	reg := &recordingRegisterer{}
	srv := newTestServer(t, Config{
		NodeID:           "n3",
		AdvertiseAddr:    "node3:5003",
		RegisterInterval: 10 * time.Millisecond,
	}, WithRegistration(reg))

	srv.Start()
	require.Eventually(t, func() bool { return reg.count() >= 3 }, time.Second, 5*time.Millisecond)
	srv.Stop()

	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Equal(t, protocol.RegisterNodeRequest{NodeID: "n3", Endpoint: "node3:5003"}, reg.calls[0])
}

func TestRegistrationNeedsAdvertiseAddress(t *testing.T) {
	_, err := New(Config{NodeID: "n1", Dir: t.TempDir()}, WithRegistration(&recordingRegisterer{}))
	assert.Error(t, err)
}
