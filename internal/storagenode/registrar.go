package storagenode

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultRegisterInterval = 15 * time.Second
	registerTimeout         = 5 * time.Second
)

// Registerer announces a node to the metadata server.
type Registerer interface {
	RegisterNode(ctx context.Context, nodeID, endpoint string) error
}

// metadataRegistrar re-announces the node periodically so the metadata
// server learns about it again after either side restarts.
type metadataRegistrar struct {
	client   Registerer
	nodeID   string
	endpoint string
	interval time.Duration
	log      zerolog.Logger

	mu          sync.Mutex
	lastSuccess bool

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newMetadataRegistrar(client Registerer, nodeID, endpoint string, interval time.Duration, log zerolog.Logger) *metadataRegistrar {
	if interval <= 0 {
		interval = DefaultRegisterInterval
	}
	return &metadataRegistrar{
		client:   client,
		nodeID:   nodeID,
		endpoint: endpoint,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
	}
}

func (r *metadataRegistrar) Start() {
	if r == nil {
		return
	}
	r.wg.Add(1)
	go r.run()
}

func (r *metadataRegistrar) Stop() {
	if r == nil {
		return
	}
	r.once.Do(func() { close(r.stop) })
	r.wg.Wait()
}

func (r *metadataRegistrar) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.sendHeartbeat()
	for {
		select {
		case <-ticker.C:
			r.sendHeartbeat()
		case <-r.stop:
			return
		}
	}
}

func (r *metadataRegistrar) sendHeartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
	defer cancel()
	if err := r.client.RegisterNode(ctx, r.nodeID, r.endpoint); err != nil {
		r.reportFailure(err)
		return
	}
	r.reportSuccess()
}

func (r *metadataRegistrar) reportSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.lastSuccess {
		r.log.Info().Str("endpoint", r.endpoint).Msg("registered with metadata server")
	}
	r.lastSuccess = true
}

func (r *metadataRegistrar) reportFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastSuccess {
		r.log.Warn().Err(err).Msg("lost metadata server")
	} else {
		r.log.Warn().Err(err).Msg("metadata server unavailable")
	}
	r.lastSuccess = false
}
