package metadataserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"replicafs/internal/protocol"
)

const maxRequestBody = 4 << 20

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/files", s.handleListFiles).Methods(http.MethodGet)
	r.HandleFunc("/files/{id}", s.handleLookup).Methods(http.MethodGet)
	r.HandleFunc("/files/{id}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/files/{id}/allocate", s.handleAllocate).Methods(http.MethodPost)
	r.HandleFunc("/files/{id}/commit", s.handleCommit).Methods(http.MethodPost)
	r.HandleFunc("/chunks/under-replicated", s.handleUnderReplicated).Methods(http.MethodGet)
	r.HandleFunc("/chunks/{id}/confirm", s.handleConfirm).Methods(http.MethodPost)
	r.HandleFunc("/nodes/status", s.handleNodeStatus).Methods(http.MethodGet)
	r.HandleFunc("/nodes/register", s.handleRegister).Methods(http.MethodPost)
	return r
}

// ListenAndServe starts background work and serves the API on addr until ctx
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.Start()
	defer s.Close() //nolint:errcheck

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info().
		Str("addr", addr).
		Int("replication_factor", s.cfg.ReplicationFactor).
		Msg("metadata server listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("metadata server listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metadata server shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, protocol.StatusResponse{Status: "healthy"})
}

func (s *Server) handleListFiles(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, protocol.FileList{Files: s.ListFiles()})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	loc, err := s.Lookup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, loc)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.DeleteFile(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, protocol.StatusResponse{Status: "ok"})
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req protocol.AllocateRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	resp, err := s.AllocateChunks(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	if err := s.CommitFile(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, protocol.StatusResponse{Status: "ok"})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req protocol.ConfirmRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.ConfirmWrite(r.Context(), mux.Vars(r)["id"], req.NodeID); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, protocol.StatusResponse{Status: "ok"})
}

func (s *Server) handleUnderReplicated(w http.ResponseWriter, _ *http.Request) {
	chunks := s.UnderReplicated()
	if chunks == nil {
		chunks = []protocol.UnderReplicatedChunk{}
	}
	respondJSON(w, http.StatusOK, protocol.UnderReplicatedList{Chunks: chunks})
}

func (s *Server) handleNodeStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, protocol.NodeList{Nodes: s.NodeStatus()})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterNodeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.RegisterNode(req.NodeID, req.Endpoint); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, protocol.StatusResponse{Status: "ok", NodeID: req.NodeID})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return protocol.Wrap(protocol.KindInvalidRequest, err, "decode request body")
	}
	return nil
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		perr = protocol.Wrap(protocol.KindIOError, err, "internal error")
	}
	status := protocol.StatusCode(perr.Kind)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.log.Error().Err(err).Msg("request failed")
	}
	respondJSON(w, status, perr.Response())
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
