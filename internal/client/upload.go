package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"replicafs/internal/chunker"
	"replicafs/internal/protocol"
)

// UploadResult describes a committed file.
type UploadResult struct {
	FileID     string
	Name       string
	Size       int64
	ChunkCount int
	// Attempts counts allocate/push/commit rounds, starting at 1.
	Attempts int
}

// UploadFile uploads the file at path under its base name.
func (c *Client) UploadFile(ctx context.Context, path string) (UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return UploadResult{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	return c.Upload(ctx, filepath.Base(path), f)
}

// Upload splits r into chunks, pushes every chunk to its assigned nodes and
// commits the file. Chunks the metadata server still reports as incomplete
// are re-allocated and pushed again, up to the retry limit.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (UploadResult, error) {
	chunks, err := chunker.Split(r, c.chunkSize)
	if err != nil {
		return UploadResult{}, protocol.Wrap(protocol.KindUploadFailed, err, "read %s", name)
	}

	var size int64
	specs := make([]protocol.ChunkSpec, len(chunks))
	for i, ch := range chunks {
		size += int64(len(ch.Data))
		specs[i] = protocol.ChunkSpec{SequenceIndex: ch.Index, Size: int64(len(ch.Data)), Checksum: ch.Checksum}
	}

	res := UploadResult{FileID: c.newID(), Name: name, Size: size, ChunkCount: len(chunks)}
	log := c.log.With().Str("file_id", res.FileID).Str("name", name).Logger()

	indexOf := make(map[string]int, len(chunks))
	pending := specs
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt

		alloc, err := c.meta.Allocate(ctx, res.FileID, protocol.AllocateRequest{
			Name:       name,
			Size:       size,
			ChunkCount: len(chunks),
			Chunks:     pending,
		})
		if err != nil {
			return res, protocol.Wrap(protocol.KindUploadFailed, err, "allocate %s", name)
		}
		for _, p := range alloc.Chunks {
			indexOf[p.ChunkID] = p.SequenceIndex
		}

		if err := c.pushAll(ctx, chunks, alloc.Chunks); err != nil {
			return res, protocol.Wrap(protocol.KindUploadFailed, err, "upload %s", name)
		}

		err = c.meta.Commit(ctx, res.FileID)
		if err == nil {
			log.Info().Int("chunks", res.ChunkCount).Int("attempts", attempt).Msg("upload committed")
			return res, nil
		}

		var perr *protocol.Error
		if !errors.As(err, &perr) || perr.Kind != protocol.KindIncompleteChunks {
			return res, protocol.Wrap(protocol.KindUploadFailed, err, "commit %s", name)
		}
		if attempt > c.maxRetries {
			return res, &protocol.Error{
				Kind:            protocol.KindUploadFailed,
				Message:         fmt.Sprintf("upload %s gave up after %d attempts", name, attempt),
				ChunkIDs:        perr.ChunkIDs,
				SequenceIndexes: perr.SequenceIndexes,
				Err:             err,
			}
		}

		pending = retrySpecs(specs, perr, indexOf)
		log.Warn().
			Strs("chunk_ids", perr.ChunkIDs).
			Int("attempt", attempt).
			Msg("commit incomplete, retrying")

		if err := sleepCtx(ctx, c.retryDelay); err != nil {
			return res, protocol.Wrap(protocol.KindUploadFailed, err, "upload %s", name)
		}
	}
}

// retrySpecs selects the chunk specs named by an IncompleteChunks error.
func retrySpecs(specs []protocol.ChunkSpec, perr *protocol.Error, indexOf map[string]int) []protocol.ChunkSpec {
	want := make(map[int]bool)
	for _, id := range perr.ChunkIDs {
		if idx, ok := indexOf[id]; ok {
			want[idx] = true
		}
	}
	for _, idx := range perr.SequenceIndexes {
		want[idx] = true
	}

	out := make([]protocol.ChunkSpec, 0, len(want))
	for _, spec := range specs {
		if want[spec.SequenceIndex] {
			out = append(out, spec)
		}
	}
	return out
}

// pushAll pushes every placed chunk. Individual replica failures are only
// logged; the commit that follows tells which chunks fell short. It returns
// an error when ctx is done or, before any push starts, when a placement
// names a chunk that does not exist.
func (c *Client) pushAll(ctx context.Context, chunks []chunker.Chunk, placements []protocol.ChunkPlacement) error {
	for _, p := range placements {
		if p.SequenceIndex < 0 || p.SequenceIndex >= len(chunks) {
			return fmt.Errorf("placement for unknown sequence index %d", p.SequenceIndex)
		}
	}

	var g errgroup.Group
	g.SetLimit(c.parallelism)

	for _, p := range placements {
		placement := p
		data := chunks[p.SequenceIndex].Data
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if stored := c.pushChunk(ctx, placement, data); stored < len(placement.Nodes) {
				c.log.Debug().
					Str("chunk_id", placement.ChunkID).
					Int("stored", stored).
					Int("targets", len(placement.Nodes)).
					Msg("chunk under target")
			}
			return nil
		})
	}
	_ = g.Wait()

	return ctx.Err()
}

// pushChunk writes one chunk to all of its targets in parallel and confirms
// each replica that landed.
func (c *Client) pushChunk(ctx context.Context, p protocol.ChunkPlacement, data []byte) int {
	var (
		g      errgroup.Group
		stored atomic.Int32
	)
	for _, node := range p.Nodes {
		node := node
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}

			pctx, cancel := context.WithTimeout(ctx, c.chunkTimeout)
			err := c.nodes.Put(pctx, node.Endpoint, p.ChunkID, data)
			cancel()
			if err != nil {
				c.log.Warn().Err(err).Str("chunk_id", p.ChunkID).Str("node_id", node.ID).Msg("push failed")
				return nil
			}

			if err := c.meta.ConfirmWrite(ctx, p.ChunkID, node.ID); err != nil {
				c.log.Warn().Err(err).Str("chunk_id", p.ChunkID).Str("node_id", node.ID).Msg("confirm failed")
				return nil
			}
			stored.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return int(stored.Load())
}
