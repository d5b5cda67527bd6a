package metadataserver

import (
	"sync"
	"time"
)

// replicationAuditor periodically reports committed chunks that are below
// their replication target. It only observes; nothing is re-replicated.
type replicationAuditor struct {
	server   *Server
	interval time.Duration

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newReplicationAuditor(server *Server, interval time.Duration) *replicationAuditor {
	if server == nil || interval <= 0 {
		return nil
	}

	return &replicationAuditor{
		server:   server,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

func (a *replicationAuditor) Start() {
	if a == nil {
		return
	}

	a.wg.Add(1)
	go a.run()
}

func (a *replicationAuditor) Stop() {
	if a == nil {
		return
	}

	a.once.Do(func() { close(a.stop) })
	a.wg.Wait()
}

func (a *replicationAuditor) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.scan()
		case <-a.stop:
			return
		}
	}
}

func (a *replicationAuditor) scan() int {
	chunks := a.server.UnderReplicated()
	for _, c := range chunks {
		a.server.log.Warn().
			Str("file_id", c.FileID).
			Str("chunk_id", c.ChunkID).
			Strs("confirmed", c.Confirmed).
			Strs("unconfirmed", c.Unconfirmed).
			Strs("unhealthy", c.Unhealthy).
			Msg("chunk under-replicated")
	}

	return len(chunks)
}
