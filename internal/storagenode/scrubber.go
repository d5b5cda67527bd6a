package storagenode

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"replicafs/internal/protocol"
)

// scrubber periodically re-verifies every stored chunk against its CRC32
// sidecar and remembers which ones failed. Corrupt chunks are left in place;
// reads already refuse to serve them.
type scrubber struct {
	store    *chunkStore
	interval time.Duration
	log      zerolog.Logger

	mu        sync.RWMutex
	lastScan  time.Time
	corrupted map[string]string

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newScrubber(store *chunkStore, interval time.Duration, log zerolog.Logger) *scrubber {
	return &scrubber{
		store:     store,
		interval:  interval,
		log:       log,
		corrupted: make(map[string]string),
		stop:      make(chan struct{}),
	}
}

func (v *scrubber) Start() {
	if v == nil || v.interval <= 0 {
		return
	}

	v.wg.Add(1)
	go v.run()
}

func (v *scrubber) Stop() {
	if v == nil || v.interval <= 0 {
		return
	}

	v.once.Do(func() { close(v.stop) })
	v.wg.Wait()
}

func (v *scrubber) run() {
	defer v.wg.Done()

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			v.ScanAll()
		case <-v.stop:
			return
		}
	}
}

// ScanAll verifies every chunk and returns the ids that failed.
func (v *scrubber) ScanAll() []string {
	corrupted := make(map[string]string)
	for _, id := range v.store.IDs() {
		err := v.store.Verify(id)
		if err == nil || errors.Is(err, protocol.ErrNotFound) {
			continue
		}

		corrupted[id] = err.Error()
		v.log.Warn().Err(err).Str("chunk_id", id).Msg("chunk failed verification")
	}

	v.mu.Lock()
	v.lastScan = time.Now().UTC()
	v.corrupted = corrupted
	v.mu.Unlock()

	return sortedKeys(corrupted)
}

// Forget drops id from the corrupted set after it was rewritten or deleted.
func (v *scrubber) Forget(id string) {
	v.mu.Lock()
	delete(v.corrupted, id)
	v.mu.Unlock()
}

func (v *scrubber) Summary() ([]string, time.Time) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return sortedKeys(v.corrupted), v.lastScan
}
