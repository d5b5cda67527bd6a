// Package chunker splits byte streams into fixed-size, checksummed chunks and
// puts them back together.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"

	"replicafs/internal/protocol"
)

// DefaultChunkSize is used when callers do not configure one.
const DefaultChunkSize = 1 << 20

// Chunk is one contiguous slice of a file.
type Chunk struct {
	Index    int
	Data     []byte
	Checksum string
}

// Checksum returns the hex encoded SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Split reads r to the end and cuts it into chunks of chunkSize bytes. Only
// the final chunk may be shorter. An empty stream yields no chunks.
func Split(r io.Reader, chunkSize int) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	var chunks []Chunk
	for {
		buf := make([]byte, chunkSize)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			data := buf[:n]
			chunks = append(chunks, Chunk{
				Index:    len(chunks),
				Data:     data,
				Checksum: Checksum(data),
			})
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return chunks, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read chunk %d: %w", len(chunks), err)
		}
	}
}

// Count returns how many chunks a stream of size bytes produces.
func Count(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// Reassemble writes the chunks to w in sequence order. Every index in
// [0, chunkCount) must be present exactly once and every checksum must match.
func Reassemble(w io.Writer, chunks []Chunk, chunkCount int) error {
	ordered := make([]Chunk, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	seen := make(map[int]bool, len(ordered))
	for _, c := range ordered {
		if c.Index < 0 || c.Index >= chunkCount {
			return protocol.Errorf(protocol.KindIncompleteSequence, "sequence index %d outside [0, %d)", c.Index, chunkCount)
		}
		if seen[c.Index] {
			return protocol.Errorf(protocol.KindIncompleteSequence, "sequence index %d appears twice", c.Index)
		}
		seen[c.Index] = true
	}
	var missing []int
	for i := 0; i < chunkCount; i++ {
		if !seen[i] {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		return &protocol.Error{
			Kind:            protocol.KindIncompleteSequence,
			Message:         fmt.Sprintf("missing %d of %d chunks", len(missing), chunkCount),
			SequenceIndexes: missing,
		}
	}

	for _, c := range ordered {
		if got := Checksum(c.Data); got != c.Checksum {
			return &protocol.Error{
				Kind:            protocol.KindChecksumMismatch,
				Message:         fmt.Sprintf("chunk %d: have %s want %s", c.Index, got, c.Checksum),
				SequenceIndexes: []int{c.Index},
			}
		}
	}
	for _, c := range ordered {
		if _, err := w.Write(c.Data); err != nil {
			return fmt.Errorf("write chunk %d: %w", c.Index, err)
		}
	}
	return nil
}
