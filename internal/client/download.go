package client

import (
	"context"
	"errors"
	"io"

	"golang.org/x/sync/errgroup"

	"replicafs/internal/chunker"
	"replicafs/internal/protocol"
)

// Download fetches a committed file and writes it to w. Nothing is written
// unless every chunk was fetched and verified.
func (c *Client) Download(ctx context.Context, fileID string, w io.Writer) (protocol.FileInfo, error) {
	loc, err := c.meta.Lookup(ctx, fileID)
	if err != nil {
		return protocol.FileInfo{}, err
	}

	chunks := make([]chunker.Chunk, len(loc.Chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for i, cl := range loc.Chunks {
		i, cl := i, cl
		g.Go(func() error {
			data, err := c.fetchChunk(gctx, cl)
			if err != nil {
				return err
			}
			chunks[i] = chunker.Chunk{Index: cl.SequenceIndex, Data: data, Checksum: cl.Checksum}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		out := protocol.Wrap(protocol.KindDownloadFailed, err, "download %s", fileID)
		var perr *protocol.Error
		if errors.As(err, &perr) {
			out.ChunkIDs = perr.ChunkIDs
		}
		return loc.File, out
	}

	if err := chunker.Reassemble(w, chunks, loc.File.ChunkCount); err != nil {
		return loc.File, protocol.Wrap(protocol.KindDownloadFailed, err, "reassemble %s", fileID)
	}

	c.log.Info().Str("file_id", fileID).Int("chunks", len(chunks)).Msg("download complete")
	return loc.File, nil
}

// fetchChunk tries the chunk's candidates in order. A node that returns
// bytes with the wrong checksum earns one retry against another candidate;
// a second bad copy is reported as corruption.
func (c *Client) fetchChunk(ctx context.Context, cl protocol.ChunkLocation) ([]byte, error) {
	if len(cl.Nodes) == 0 {
		return nil, &protocol.Error{
			Kind:     protocol.KindChunkUnavailable,
			Message:  "no healthy replica",
			ChunkIDs: []string{cl.ChunkID},
		}
	}

	var (
		lastErr    error
		mismatches int
	)
	for _, node := range cl.Nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fctx, cancel := context.WithTimeout(ctx, c.chunkTimeout)
		data, err := c.nodes.Get(fctx, node.Endpoint, cl.ChunkID)
		cancel()
		if err != nil {
			lastErr = err
			c.log.Debug().Err(err).Str("chunk_id", cl.ChunkID).Str("node_id", node.ID).Msg("fetch failed, trying next replica")
			continue
		}

		if chunker.Checksum(data) == cl.Checksum {
			return data, nil
		}

		mismatches++
		c.log.Warn().Str("chunk_id", cl.ChunkID).Str("node_id", node.ID).Msg("checksum mismatch")
		if mismatches > 1 {
			break
		}
	}

	if mismatches > 0 {
		return nil, &protocol.Error{
			Kind:     protocol.KindChecksumMismatch,
			Message:  "no replica matched the recorded checksum",
			ChunkIDs: []string{cl.ChunkID},
		}
	}
	return nil, &protocol.Error{
		Kind:     protocol.KindChunkUnavailable,
		Message:  "all replicas failed",
		ChunkIDs: []string{cl.ChunkID},
		Err:      lastErr,
	}
}
