// Package storagenode serves chunk bytes keyed by chunk id. A node knows
// nothing about files; the metadata server decides what it stores.
package storagenode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"replicafs/internal/protocol"
)

const (
	DefaultScrubInterval = 10 * time.Minute
	// maxChunkBody bounds a PUT body; chunks are far smaller.
	maxChunkBody = 64 << 20
)

// Config holds the storage node settings.
type Config struct {
	NodeID string
	Dir    string
	// Capacity limits stored bytes. Zero means unlimited.
	Capacity int64
	// AdvertiseAddr is the endpoint announced to the metadata server.
	AdvertiseAddr    string
	RegisterInterval time.Duration
	ScrubInterval    time.Duration
}

// Server is a storage node.
type Server struct {
	cfg       Config
	log       zerolog.Logger
	store     *chunkStore
	scrubber  *scrubber
	registrar *metadataRegistrar
	metadata  Registerer
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithRegistration makes the node announce itself through r.
func WithRegistration(r Registerer) Option {
	return func(s *Server) { s.metadata = r }
}

// New opens the chunk directory and rebuilds usage accounting from it.
func New(cfg Config, opts ...Option) (*Server, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if cfg.Capacity < 0 {
		return nil, fmt.Errorf("capacity cannot be negative")
	}
	if cfg.ScrubInterval == 0 {
		cfg.ScrubInterval = DefaultScrubInterval
	}

	s := &Server{cfg: cfg, log: zerolog.Nop()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	store, err := openChunkStore(cfg.Dir, cfg.Capacity)
	if err != nil {
		return nil, err
	}
	s.store = store
	s.scrubber = newScrubber(store, cfg.ScrubInterval, s.log)

	if s.metadata != nil {
		if cfg.AdvertiseAddr == "" {
			return nil, fmt.Errorf("advertise address is required for registration")
		}
		s.registrar = newMetadataRegistrar(s.metadata, cfg.NodeID, cfg.AdvertiseAddr, cfg.RegisterInterval, s.log)
	}

	count, used := store.Usage()
	s.log.Info().
		Str("dir", cfg.Dir).
		Int("chunks", count).
		Int64("used_bytes", used).
		Int64("capacity_bytes", cfg.Capacity).
		Msg("chunk store opened")

	return s, nil
}

// Start launches the scrubber and registration heartbeat.
func (s *Server) Start() {
	s.scrubber.Start()
	s.registrar.Start()
}

// Stop ends background work.
func (s *Server) Stop() {
	s.registrar.Stop()
	s.scrubber.Stop()
}

// PutChunk stores data under chunkID. Storing the same id again overwrites.
func (s *Server) PutChunk(chunkID string, data []byte) error {
	if chunkID == "" {
		return protocol.Errorf(protocol.KindInvalidRequest, "missing chunk id")
	}
	if err := s.store.Put(chunkID, data); err != nil {
		return err
	}
	s.scrubber.Forget(chunkID)

	s.log.Debug().Str("chunk_id", chunkID).Int("bytes", len(data)).Msg("stored chunk")

	return nil
}

// GetChunk returns the bytes stored under chunkID.
func (s *Server) GetChunk(chunkID string) ([]byte, error) {
	if chunkID == "" {
		return nil, protocol.Errorf(protocol.KindInvalidRequest, "missing chunk id")
	}
	data, err := s.store.Get(chunkID)
	if err != nil {
		return nil, err
	}

	s.log.Debug().Str("chunk_id", chunkID).Int("bytes", len(data)).Msg("served chunk")

	return data, nil
}

// DeleteChunk removes chunkID.
func (s *Server) DeleteChunk(chunkID string) error {
	if chunkID == "" {
		return protocol.Errorf(protocol.KindInvalidRequest, "missing chunk id")
	}
	if err := s.store.Delete(chunkID); err != nil {
		return err
	}
	s.scrubber.Forget(chunkID)

	s.log.Debug().Str("chunk_id", chunkID).Msg("deleted chunk")

	return nil
}

// Stats reports usage and the result of the last scrub.
func (s *Server) Stats() protocol.NodeStats {
	count, used := s.store.Usage()
	corrupted, lastScan := s.scrubber.Summary()

	return protocol.NodeStats{
		NodeID:        s.cfg.NodeID,
		Chunks:        count,
		UsedBytes:     used,
		CapacityBytes: s.cfg.Capacity,
		Corrupted:     corrupted,
		LastScan:      lastScan,
	}
}

// Handler returns the node HTTP API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/chunk/{id}", s.handlePut).Methods(http.MethodPut)
	r.HandleFunc("/chunk/{id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/chunk/{id}", s.handleDelete).Methods(http.MethodDelete)
	return r
}

// ListenAndServe serves the node API on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.Start()
	defer s.Stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info().Str("addr", addr).Str("node_id", s.cfg.NodeID).Msg("storage node listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("storage node listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("storage node shutdown: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, protocol.StatusResponse{Status: "healthy", NodeID: s.cfg.NodeID})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.Stats())
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChunkBody))
	if err != nil {
		s.respondError(w, protocol.Wrap(protocol.KindInvalidRequest, err, "read chunk body"))
		return
	}
	if err := s.PutChunk(mux.Vars(r)["id"], data); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, protocol.StatusResponse{Status: "ok", NodeID: s.cfg.NodeID})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	data, err := s.GetChunk(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	_, _ = w.Write(data)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.DeleteChunk(mux.Vars(r)["id"]); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, protocol.StatusResponse{Status: "ok", NodeID: s.cfg.NodeID})
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		perr = protocol.Wrap(protocol.KindIOError, err, "internal error")
	}
	if perr.Kind == protocol.KindIOError {
		s.log.Error().Err(err).Msg("chunk request failed")
	}
	respondJSON(w, protocol.StatusCode(perr.Kind), perr.Response())
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
