package storagenode

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"replicafs/internal/protocol"
)

const (
	checksumSuffix = ".crc"
	tempSuffix     = ".tmp"
)

// chunkStore keeps chunk bytes on local disk. Every chunk file has a CRC32
// sidecar that is checked on every read.
type chunkStore struct {
	dir      string
	capacity int64

	mu    sync.RWMutex
	sizes map[string]int64
	used  int64
}

func openChunkStore(dir string, capacity int64) (*chunkStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	s := &chunkStore{dir: dir, capacity: capacity, sizes: make(map[string]int64)}
	if err := s.scan(); err != nil {
		return nil, err
	}

	return s, nil
}

// scan rebuilds usage accounting from the directory and drops temp files
// left by an interrupted write.
func (s *chunkStore) scan() error {
	return filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if d.IsDir() {
			if path == s.dir {
				return nil
			}

			return filepath.SkipDir
		}

		name := d.Name()
		switch {
		case strings.HasSuffix(name, tempSuffix):
			return os.Remove(path)
		case strings.HasSuffix(name, checksumSuffix):
			return nil
		}

		id, err := decodeChunkName(name)
		if err != nil {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}

		s.sizes[id] = info.Size()
		s.used += info.Size()

		return nil
	})
}

func (s *chunkStore) chunkPath(id string) string {
	return filepath.Join(s.dir, base64.RawURLEncoding.EncodeToString([]byte(id)))
}

func (s *chunkStore) checksumPath(id string) string {
	return s.chunkPath(id) + checksumSuffix
}

func decodeChunkName(name string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(name)
	if err != nil {
		return "", err
	}

	return string(raw), nil
}

// Put stores data under id, replacing any previous content.
func (s *chunkStore) Put(id string, data []byte) error {
	size := int64(len(data))

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.sizes[id]
	if s.capacity > 0 && s.used-prev+size > s.capacity {
		return protocol.Errorf(protocol.KindDiskFull,
			"chunk %s needs %d bytes, %d of %d in use", id, size, s.used, s.capacity)
	}

	path := s.chunkPath(id)
	if err := writeFileAtomic(path, data); err != nil {
		return classifyWriteError(err, "write chunk %s", id)
	}

	if err := writeChecksum(s.checksumPath(id), crc32.ChecksumIEEE(data)); err != nil {
		_ = os.Remove(path)
		s.forget(id)
		return classifyWriteError(err, "write checksum for %s", id)
	}

	s.sizes[id] = size
	s.used += size - prev

	return nil
}

// Get returns the bytes of id after checking them against the sidecar.
func (s *chunkStore) Get(id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.read(id)
}

func (s *chunkStore) read(id string) ([]byte, error) {
	data, err := os.ReadFile(s.chunkPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, protocol.Errorf(protocol.KindNotFound, "chunk %s not found", id)
		}

		return nil, protocol.Wrap(protocol.KindIOError, err, "read chunk %s", id)
	}

	stored, err := readChecksum(s.checksumPath(id))
	if err != nil {
		return nil, protocol.Wrap(protocol.KindIOError, err, "read checksum for %s", id)
	}

	if crc32.ChecksumIEEE(data) != stored {
		return nil, protocol.Errorf(protocol.KindIOError, "chunk %s failed integrity check", id)
	}

	return data, nil
}

// Delete removes id. Removing a chunk that is not stored reports NotFound.
func (s *chunkStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.chunkPath(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return protocol.Wrap(protocol.KindIOError, err, "delete chunk %s", id)
	}
	missing := err != nil

	if err := os.Remove(s.checksumPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return protocol.Wrap(protocol.KindIOError, err, "delete checksum for %s", id)
	}

	s.forget(id)
	if missing {
		return protocol.Errorf(protocol.KindNotFound, "chunk %s not found", id)
	}

	return nil
}

func (s *chunkStore) forget(id string) {
	s.used -= s.sizes[id]
	delete(s.sizes, id)
}

// Verify re-reads id and checks its sidecar.
func (s *chunkStore) Verify(id string) error {
	_, err := s.Get(id)
	return err
}

// IDs returns the stored chunk ids in sorted order.
func (s *chunkStore) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sizes))
	for id := range s.sizes {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)

	return ids
}

// Usage reports the chunk count and bytes in use.
func (s *chunkStore) Usage() (int, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sizes), s.used
}

func classifyWriteError(err error, format string, args ...any) error {
	if errors.Is(err, syscall.ENOSPC) {
		return protocol.Wrap(protocol.KindDiskFull, err, format, args...)
	}

	return protocol.Wrap(protocol.KindIOError, err, format, args...)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + tempSuffix
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	return nil
}

func writeChecksum(path string, checksum uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, checksum)

	return writeFileAtomic(path, buf)
}

func readChecksum(path string) (uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	if len(data) != 4 {
		return 0, fmt.Errorf("invalid checksum length: %d", len(data))
	}

	return binary.BigEndian.Uint32(data), nil
}
