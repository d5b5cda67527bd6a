package metadataserver

import (
	"errors"
	"sort"
	"sync"
	"time"

	"replicafs/internal/protocol"
)

// errUnchanged lets an update callback report that nothing needs persisting.
var errUnchanged = errors.New("record unchanged")

type chunkRecord struct {
	ID        string   `json:"id"`
	Index     int      `json:"sequence_index"`
	Size      int64    `json:"size"`
	Checksum  string   `json:"checksum"`
	Desired   []string `json:"desired"`
	Confirmed []string `json:"confirmed"`
}

type fileRecord struct {
	ID           string             `json:"file_id"`
	Name         string             `json:"name"`
	Size         int64              `json:"size"`
	ChunkCount   int                `json:"chunk_count"`
	Replicas     int                `json:"replicas"`
	State        protocol.FileState `json:"state"`
	Chunks       []*chunkRecord     `json:"chunks"`
	CreatedAt    time.Time          `json:"created_at"`
	CommittedAt  time.Time          `json:"committed_at,omitempty"`
	TombstonedAt time.Time          `json:"tombstoned_at,omitempty"`
}

func (r fileRecord) clone() fileRecord {
	out := r
	out.Chunks = make([]*chunkRecord, len(r.Chunks))
	for i, c := range r.Chunks {
		if c == nil {
			continue
		}
		cp := *c
		cp.Desired = append([]string(nil), c.Desired...)
		cp.Confirmed = append([]string(nil), c.Confirmed...)
		out.Chunks[i] = &cp
	}
	return out
}

func (r fileRecord) info() protocol.FileInfo {
	return protocol.FileInfo{
		FileID:       r.ID,
		Name:         r.Name,
		Size:         r.Size,
		ChunkCount:   r.ChunkCount,
		State:        r.State,
		CreatedAt:    r.CreatedAt,
		CommittedAt:  r.CommittedAt,
		TombstonedAt: r.TombstonedAt,
	}
}

func (r fileRecord) chunk(id string) *chunkRecord {
	for _, c := range r.Chunks {
		if c != nil && c.ID == id {
			return c
		}
	}
	return nil
}

func (r fileRecord) chunkIDs() []string {
	ids := make([]string, 0, len(r.Chunks))
	for _, c := range r.Chunks {
		if c != nil {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// fileEntry serializes every mutation of one file.
type fileEntry struct {
	mu  sync.Mutex
	rec fileRecord
}

// update runs fn on a copy of the record under the file lock, persists the
// copy and only then makes it visible.
func (e *fileEntry) update(persist func(fileRecord) error, fn func(rec *fileRecord) error) (fileRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.rec.clone()
	if err := fn(&next); err != nil {
		if errors.Is(err, errUnchanged) {
			return e.rec.clone(), nil
		}
		return fileRecord{}, err
	}
	if err := persist(next); err != nil {
		return fileRecord{}, protocol.Wrap(protocol.KindIOError, err, "persist file %s", next.ID)
	}
	e.rec = next
	return next.clone(), nil
}

func (e *fileEntry) snapshot() fileRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.clone()
}

// metadataStore indexes file entries by file id and chunk id. The store lock
// only guards the indexes; record contents are guarded per file, so
// operations on different files never contend.
type metadataStore struct {
	mu     sync.RWMutex
	files  map[string]*fileEntry
	chunks map[string]*fileEntry
}

func newMetadataStore() *metadataStore {
	return &metadataStore{
		files:  make(map[string]*fileEntry),
		chunks: make(map[string]*fileEntry),
	}
}

// create inserts rec unless the file already exists. It returns the entry
// that owns the id and whether it was created by this call.
func (s *metadataStore) create(rec fileRecord) (*fileEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.files[rec.ID]; ok {
		return existing, false
	}
	entry := &fileEntry{rec: rec}
	s.files[rec.ID] = entry
	return entry, true
}

// discard drops an entry that was created but never persisted.
func (s *metadataStore) discard(id string, entry *fileEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.files[id] == entry {
		delete(s.files, id)
	}
}

func (s *metadataStore) get(id string) (*fileEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.files[id]
	return entry, ok
}

func (s *metadataStore) byChunk(chunkID string) (*fileEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.chunks[chunkID]
	return entry, ok
}

func (s *metadataStore) indexChunks(entry *fileEntry, ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		s.chunks[id] = entry
	}
}

func (s *metadataStore) unindexChunks(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.chunks, id)
	}
}

// records returns a copy of every record sorted by creation time.
func (s *metadataStore) records() []fileRecord {
	s.mu.RLock()
	entries := make([]*fileEntry, 0, len(s.files))
	for _, e := range s.files {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]fileRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// restore replaces the store contents with persisted records.
func (s *metadataStore) restore(recs []fileRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.files = make(map[string]*fileEntry, len(recs))
	s.chunks = make(map[string]*fileEntry)
	for _, rec := range recs {
		entry := &fileEntry{rec: rec}
		s.files[rec.ID] = entry
		if rec.State == protocol.FileTombstoned {
			continue
		}
		for _, id := range rec.chunkIDs() {
			s.chunks[id] = entry
		}
	}
}
