// Package metadataserver owns file records, chunk placement and the node
// registry. It never touches chunk bytes; clients move data directly to and
// from storage nodes.
package metadataserver

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"replicafs/internal/health"
	"replicafs/internal/protocol"
	"replicafs/internal/transfer"
)

const (
	DefaultReplicationFactor = 2
	DefaultPurgeTimeout      = 30 * time.Second
	DefaultPurgeParallelism  = 8
	DefaultAuditInterval     = time.Minute
	// DefaultMaxChunksPerFile allows 1 TiB files at the default chunk size.
	DefaultMaxChunksPerFile  = 1 << 20
)

// Config holds the metadata server settings.
type Config struct {
	ReplicationFactor int
	// DBPath is the LevelDB directory. Empty keeps metadata in memory.
	DBPath            string
	// Nodes are registered at startup in addition to persisted ones.
	Nodes             []protocol.NodeRef

	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	PurgeTimeout     time.Duration
	PurgeParallelism int
	AuditInterval    time.Duration
	// MaxChunksPerFile caps chunk_count in allocate requests.
	MaxChunksPerFile int
}

func (c *Config) setDefaults() {
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = DefaultReplicationFactor
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = health.DefaultInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = health.DefaultTimeout
	}
	if c.PurgeTimeout <= 0 {
		c.PurgeTimeout = DefaultPurgeTimeout
	}
	if c.PurgeParallelism <= 0 {
		c.PurgeParallelism = DefaultPurgeParallelism
	}
	if c.AuditInterval == 0 {
		c.AuditInterval = DefaultAuditInterval
	}
	if c.MaxChunksPerFile <= 0 {
		c.MaxChunksPerFile = DefaultMaxChunksPerFile
	}
}

// NodeClient is what the metadata server needs from storage nodes: probes
// and best-effort chunk removal.
type NodeClient interface {
	Ping(ctx context.Context, endpoint string) error
	Delete(ctx context.Context, endpoint, chunkID string) error
}

// Server keeps file metadata and tracks storage nodes.
type Server struct {
	cfg     Config
	log     zerolog.Logger
	nodes   NodeClient
	rng     rand.Source
	newID   func() string
	now     func() time.Time
	planner *placementPlanner
	store   *metadataStore
	db      *levelPersister
	health  *health.Monitor
	auditor *replicationAuditor

	purges    sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithNodeClient replaces the HTTP client used to reach storage nodes.
func WithNodeClient(c NodeClient) Option {
	return func(s *Server) { s.nodes = c }
}

// WithRandSource makes placement deterministic.
func WithRandSource(src rand.Source) Option {
	return func(s *Server) { s.rng = src }
}

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New opens the metadata database, restores the previous state and
// registers the configured nodes. Call Start to begin health probing.
func New(cfg Config, opts ...Option) (*Server, error) {
	cfg.setDefaults()
	if cfg.ReplicationFactor < 1 {
		return nil, fmt.Errorf("replication factor must be at least 1, got %d", cfg.ReplicationFactor)
	}

	s := &Server{
		cfg:   cfg,
		log:   zerolog.Nop(),
		rng:   rand.NewSource(time.Now().UnixNano()),
		newID: uuid.NewString,
		now:   time.Now,
		store: newMetadataStore(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.nodes == nil {
		s.nodes = transfer.NewNodeClient(transfer.WithNodeTimeout(cfg.ProbeTimeout))
	}
	s.planner = newPlacementPlanner(cfg.ReplicationFactor, s.rng)

	db, err := openPersister(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	s.db = db

	files, err := db.LoadFiles()
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("metadata bootstrap: %w", err)
	}
	nodes, err := db.LoadNodes()
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("metadata bootstrap: %w", err)
	}
	s.store.restore(files)

	s.health = health.New(s.nodes,
		health.WithInterval(cfg.ProbeInterval),
		health.WithProbeTimeout(cfg.ProbeTimeout),
		health.WithLogger(s.log.With().Str("component", "health").Logger()),
		health.WithOnChange(s.persistNode),
	)
	s.health.Restore(nodes)
	for _, n := range cfg.Nodes {
		s.health.Register(n.ID, n.Endpoint)
	}
	s.auditor = newReplicationAuditor(s, cfg.AuditInterval)

	if cfg.DBPath != "" {
		s.log.Info().
			Str("path", cfg.DBPath).
			Int("files", len(files)).
			Int("nodes", len(nodes)).
			Msg("metadata restored")
	}
	return s, nil
}

// Start launches the health monitor and the replication auditor.
func (s *Server) Start() {
	s.health.Start()
	s.auditor.Start()
}

// Close stops background work, waits for in-flight purges and closes the
// database.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.auditor.Stop()
		s.health.Stop()
		s.purges.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Server) persistNode(status protocol.NodeStatus) {
	if err := s.db.SaveNode(status); err != nil {
		s.log.Error().Err(err).Str("node_id", status.ID).Msg("persist node status")
	}
}

func (s *Server) persistFile(rec fileRecord) error {
	return s.db.SaveFile(rec)
}

func (s *Server) timestamp() time.Time {
	return s.now().UTC()
}

// AllocateChunks creates or extends a PENDING file record and picks target
// nodes for each requested chunk. Asking again for a sequence index that was
// already allocated keeps its chunk id and prefers nodes that have not
// confirmed it yet.
func (s *Server) AllocateChunks(_ context.Context, fileID string, req protocol.AllocateRequest) (protocol.AllocateResponse, error) {
	if err := validateAllocate(fileID, req, s.cfg.MaxChunksPerFile); err != nil {
		return protocol.AllocateResponse{}, err
	}

	specs := append([]protocol.ChunkSpec(nil), req.Chunks...)
	sort.Slice(specs, func(i, j int) bool { return specs[i].SequenceIndex < specs[j].SequenceIndex })

	healthy := s.health.Healthy()
	if len(specs) > 0 && len(healthy) < s.cfg.ReplicationFactor {
		return protocol.AllocateResponse{}, protocol.Errorf(protocol.KindInsufficientNodes,
			"need %d healthy nodes, have %d", s.cfg.ReplicationFactor, len(healthy))
	}

	entry, created := s.store.create(fileRecord{
		ID:         fileID,
		Name:       req.Name,
		Size:       req.Size,
		ChunkCount: req.ChunkCount,
		Replicas:   s.cfg.ReplicationFactor,
		State:      protocol.FilePending,
		Chunks:     make([]*chunkRecord, req.ChunkCount),
		CreatedAt:  s.timestamp(),
	})

	var (
		placements []protocol.ChunkPlacement
		newIDs     []string
	)
	_, err := entry.update(s.persistFile, func(rec *fileRecord) error {
		switch rec.State {
		case protocol.FileCommitted:
			return protocol.Errorf(protocol.KindConflict, "file %s is already committed", fileID)
		case protocol.FileTombstoned:
			return protocol.Errorf(protocol.KindNotFound, "file %s not found", fileID)
		}
		if rec.ChunkCount != req.ChunkCount {
			return protocol.Errorf(protocol.KindInvalidRequest,
				"file %s has %d chunks, request says %d", fileID, rec.ChunkCount, req.ChunkCount)
		}

		avoid := make([]map[string]bool, len(specs))
		for i, spec := range specs {
			existing := rec.Chunks[spec.SequenceIndex]
			if existing == nil {
				continue
			}
			if existing.Checksum != spec.Checksum || existing.Size != spec.Size {
				return protocol.Errorf(protocol.KindInvalidRequest,
					"chunk %d of file %s was allocated with different content", spec.SequenceIndex, fileID)
			}
			avoid[i] = toSet(existing.Confirmed)
		}

		sets, err := s.planner.place(healthy, len(specs), avoid)
		if err != nil {
			return err
		}

		placements = placements[:0]
		newIDs = newIDs[:0]
		for i, spec := range specs {
			chunk := rec.Chunks[spec.SequenceIndex]
			if chunk == nil {
				chunk = &chunkRecord{
					ID:       s.newID(),
					Index:    spec.SequenceIndex,
					Size:     spec.Size,
					Checksum: spec.Checksum,
				}
				rec.Chunks[spec.SequenceIndex] = chunk
				newIDs = append(newIDs, chunk.ID)
			}
			chunk.Desired = union(chunk.Confirmed, nodeIDs(sets[i]))
			placements = append(placements, protocol.ChunkPlacement{
				ChunkID:       chunk.ID,
				SequenceIndex: chunk.Index,
				Size:          chunk.Size,
				Checksum:      chunk.Checksum,
				Nodes:         sets[i],
			})
		}
		return nil
	})
	if err != nil {
		if created {
			s.store.discard(fileID, entry)
		}
		return protocol.AllocateResponse{}, err
	}
	s.store.indexChunks(entry, newIDs)

	s.log.Debug().
		Str("file_id", fileID).
		Int("chunks", len(placements)).
		Bool("new_file", created).
		Msg("chunks allocated")
	return protocol.AllocateResponse{FileID: fileID, Chunks: placements}, nil
}

// validateAllocate runs before anything is sized from the request. Every
// chunk holds at least one byte, so chunk_count can never exceed size.
func validateAllocate(fileID string, req protocol.AllocateRequest, maxChunks int) error {
	if strings.TrimSpace(fileID) == "" {
		return protocol.Errorf(protocol.KindInvalidRequest, "missing file id")
	}
	if req.ChunkCount < 0 || req.Size < 0 {
		return protocol.Errorf(protocol.KindInvalidRequest, "size and chunk count must not be negative")
	}
	if req.ChunkCount > maxChunks {
		return protocol.Errorf(protocol.KindInvalidRequest,
			"chunk count %d exceeds the limit of %d", req.ChunkCount, maxChunks)
	}
	if (req.Size == 0) != (req.ChunkCount == 0) || int64(req.ChunkCount) > req.Size {
		return protocol.Errorf(protocol.KindInvalidRequest,
			"chunk count %d does not fit a file of %d bytes", req.ChunkCount, req.Size)
	}
	seen := make(map[int]bool, len(req.Chunks))
	for _, spec := range req.Chunks {
		if spec.SequenceIndex < 0 || spec.SequenceIndex >= req.ChunkCount {
			return protocol.Errorf(protocol.KindInvalidRequest,
				"sequence index %d out of range [0,%d)", spec.SequenceIndex, req.ChunkCount)
		}
		if seen[spec.SequenceIndex] {
			return protocol.Errorf(protocol.KindInvalidRequest, "duplicate sequence index %d", spec.SequenceIndex)
		}
		seen[spec.SequenceIndex] = true
		if spec.Checksum == "" {
			return protocol.Errorf(protocol.KindInvalidRequest, "chunk %d has no checksum", spec.SequenceIndex)
		}
		if spec.Size < 0 {
			return protocol.Errorf(protocol.KindInvalidRequest, "chunk %d has negative size", spec.SequenceIndex)
		}
	}
	return nil
}

// ConfirmWrite records that nodeID durably holds chunkID. Repeating a
// confirmation is a no-op. A committed file no longer changes, so new
// confirmations for it fail with Conflict.
func (s *Server) ConfirmWrite(_ context.Context, chunkID, nodeID string) error {
	if chunkID == "" || nodeID == "" {
		return protocol.Errorf(protocol.KindInvalidRequest, "chunk id and node id are required")
	}
	entry, ok := s.store.byChunk(chunkID)
	if !ok {
		return protocol.Errorf(protocol.KindNotFound, "chunk %s not found", chunkID)
	}

	_, err := entry.update(s.persistFile, func(rec *fileRecord) error {
		if rec.State == protocol.FileTombstoned {
			return protocol.Errorf(protocol.KindNotFound, "chunk %s not found", chunkID)
		}
		chunk := rec.chunk(chunkID)
		if chunk == nil {
			return protocol.Errorf(protocol.KindNotFound, "chunk %s not found", chunkID)
		}
		if !contains(chunk.Desired, nodeID) {
			return protocol.Errorf(protocol.KindInvalidRequest,
				"node %s is not a target for chunk %s", nodeID, chunkID)
		}
		if contains(chunk.Confirmed, nodeID) {
			return errUnchanged
		}
		if rec.State == protocol.FileCommitted {
			return protocol.Errorf(protocol.KindConflict,
				"file %s is already committed", rec.ID)
		}
		chunk.Confirmed = append(chunk.Confirmed, nodeID)
		return nil
	})
	return err
}

// CommitFile turns a PENDING file COMMITTED once every chunk has at least one
// confirmed replica. Committing twice acknowledges again.
func (s *Server) CommitFile(_ context.Context, fileID string) error {
	entry, ok := s.store.get(fileID)
	if !ok {
		return protocol.Errorf(protocol.KindNotFound, "file %s not found", fileID)
	}

	rec, err := entry.update(s.persistFile, func(rec *fileRecord) error {
		switch rec.State {
		case protocol.FileTombstoned:
			return protocol.Errorf(protocol.KindNotFound, "file %s not found", fileID)
		case protocol.FileCommitted:
			return errUnchanged
		}

		var (
			unallocated []int
			unconfirmed []string
		)
		for i, c := range rec.Chunks {
			switch {
			case c == nil:
				unallocated = append(unallocated, i)
			case len(c.Confirmed) == 0:
				unconfirmed = append(unconfirmed, c.ID)
			}
		}
		if len(unallocated) > 0 || len(unconfirmed) > 0 {
			return &protocol.Error{
				Kind: protocol.KindIncompleteChunks,
				Message: fmt.Sprintf("file %s has %d chunks without a confirmed replica",
					fileID, len(unallocated)+len(unconfirmed)),
				ChunkIDs:        unconfirmed,
				SequenceIndexes: unallocated,
			}
		}

		rec.State = protocol.FileCommitted
		rec.CommittedAt = s.timestamp()
		return nil
	})
	if err != nil {
		return err
	}

	for _, c := range rec.Chunks {
		if len(c.Confirmed) < rec.Replicas {
			s.log.Warn().
				Str("file_id", fileID).
				Str("chunk_id", c.ID).
				Int("confirmed", len(c.Confirmed)).
				Int("replicas", rec.Replicas).
				Msg("committed under-replicated chunk")
		}
	}
	s.log.Info().Str("file_id", fileID).Str("name", rec.Name).Msg("file committed")
	return nil
}

// Lookup returns a committed file with the currently healthy confirmed
// replicas of each chunk, in confirmation order.
func (s *Server) Lookup(_ context.Context, fileID string) (protocol.FileLocation, error) {
	entry, ok := s.store.get(fileID)
	if !ok {
		return protocol.FileLocation{}, protocol.Errorf(protocol.KindNotFound, "file %s not found", fileID)
	}
	rec := entry.snapshot()
	switch rec.State {
	case protocol.FileTombstoned:
		return protocol.FileLocation{}, protocol.Errorf(protocol.KindNotFound, "file %s not found", fileID)
	case protocol.FilePending:
		return protocol.FileLocation{}, protocol.Errorf(protocol.KindFileIncomplete, "file %s is not committed", fileID)
	}

	loc := protocol.FileLocation{File: rec.info(), Chunks: make([]protocol.ChunkLocation, 0, len(rec.Chunks))}
	for _, c := range rec.Chunks {
		nodes := make([]protocol.NodeRef, 0, len(c.Confirmed))
		for _, id := range c.Confirmed {
			status, ok := s.health.Lookup(id)
			if ok && status.Status == protocol.NodeHealthy {
				nodes = append(nodes, protocol.NodeRef{ID: id, Endpoint: status.Endpoint})
			}
		}
		loc.Chunks = append(loc.Chunks, protocol.ChunkLocation{
			ChunkID:       c.ID,
			SequenceIndex: c.Index,
			Size:          c.Size,
			Checksum:      c.Checksum,
			Nodes:         nodes,
		})
	}
	return loc, nil
}

// DeleteFile tombstones the file and removes its chunks from storage nodes
// in the background. The tombstone is durable before DeleteFile returns.
func (s *Server) DeleteFile(_ context.Context, fileID string) error {
	entry, ok := s.store.get(fileID)
	if !ok {
		return protocol.Errorf(protocol.KindNotFound, "file %s not found", fileID)
	}

	rec, err := entry.update(s.persistFile, func(rec *fileRecord) error {
		if rec.State == protocol.FileTombstoned {
			return protocol.Errorf(protocol.KindNotFound, "file %s not found", fileID)
		}
		rec.State = protocol.FileTombstoned
		rec.TombstonedAt = s.timestamp()
		return nil
	})
	if err != nil {
		return err
	}
	s.store.unindexChunks(rec.chunkIDs())

	s.purges.Add(1)
	go s.purge(rec)

	s.log.Info().Str("file_id", fileID).Str("name", rec.Name).Msg("file deleted")
	return nil
}

// ListFiles returns every file that is not tombstoned, oldest first.
func (s *Server) ListFiles() []protocol.FileInfo {
	recs := s.store.records()
	out := make([]protocol.FileInfo, 0, len(recs))
	for _, rec := range recs {
		if rec.State == protocol.FileTombstoned {
			continue
		}
		out = append(out, rec.info())
	}
	return out
}

// NodeStatus returns the node registry.
func (s *Server) NodeStatus() []protocol.NodeStatus {
	return s.health.Snapshot()
}

// RegisterNode adds a storage node, or updates its endpoint. New or moved
// nodes are probed right away; repeated heartbeats for a known endpoint are
// left to the regular probe loop. Registration never changes a node's status
// by itself.
func (s *Server) RegisterNode(nodeID, endpoint string) error {
	nodeID = strings.TrimSpace(nodeID)
	endpoint = strings.TrimSpace(endpoint)
	if nodeID == "" || endpoint == "" {
		return protocol.Errorf(protocol.KindInvalidRequest, "node id and endpoint are required")
	}

	if !s.health.Register(nodeID, endpoint) {
		return nil
	}
	s.log.Info().Str("node_id", nodeID).Str("endpoint", endpoint).Msg("node registered")
	s.health.CheckNow(nodeID)
	return nil
}

// UnderReplicated lists committed chunks with fewer than R healthy confirmed
// replicas, or with targets that never confirmed.
func (s *Server) UnderReplicated() []protocol.UnderReplicatedChunk {
	var out []protocol.UnderReplicatedChunk
	for _, rec := range s.store.records() {
		if rec.State != protocol.FileCommitted {
			continue
		}
		for _, c := range rec.Chunks {
			var unconfirmed, unhealthy []string
			for _, id := range c.Desired {
				if !contains(c.Confirmed, id) {
					unconfirmed = append(unconfirmed, id)
				}
			}
			for _, id := range c.Confirmed {
				status, ok := s.health.Lookup(id)
				if !ok || status.Status != protocol.NodeHealthy {
					unhealthy = append(unhealthy, id)
				}
			}
			if len(c.Confirmed)-len(unhealthy) >= rec.Replicas && len(unconfirmed) == 0 {
				continue
			}
			out = append(out, protocol.UnderReplicatedChunk{
				FileID:      rec.ID,
				ChunkID:     c.ID,
				Desired:     c.Desired,
				Confirmed:   c.Confirmed,
				Unconfirmed: unconfirmed,
				Unhealthy:   unhealthy,
			})
		}
	}
	return out
}

func nodeIDs(nodes []protocol.NodeRef) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// union keeps the order of a and appends the members of b it lacks.
func union(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, id := range b {
		if !contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
