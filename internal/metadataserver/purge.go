package metadataserver

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"replicafs/internal/protocol"
)

// purge asks storage nodes to drop the chunks of a tombstoned file. Failures
// are logged and forgotten: the tombstone already hides the file, and any
// chunk left behind is orphaned garbage.
func (s *Server) purge(rec fileRecord) {
	defer s.purges.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PurgeTimeout)
	defer cancel()

	var (
		g       errgroup.Group
		sent    atomic.Int32
		failed  atomic.Int32
		skipped int
	)
	g.SetLimit(s.cfg.PurgeParallelism)

	for _, c := range rec.Chunks {
		if c == nil {
			continue
		}
		for _, nodeID := range union(c.Desired, c.Confirmed) {
			node, ok := s.health.Lookup(nodeID)
			if !ok || node.Status == protocol.NodeDown {
				skipped++
				continue
			}

			chunkID, endpoint, nodeID := c.ID, node.Endpoint, nodeID
			g.Go(func() error {
				sent.Add(1)
				if err := s.nodes.Delete(ctx, endpoint, chunkID); err != nil {
					failed.Add(1)
					s.log.Warn().
						Err(err).
						Str("chunk_id", chunkID).
						Str("node_id", nodeID).
						Msg("purge chunk")
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	s.log.Debug().
		Str("file_id", rec.ID).
		Int32("sent", sent.Load()).
		Int32("failed", failed.Load()).
		Int("skipped", skipped).
		Msg("purge finished")
}
