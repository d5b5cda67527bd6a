// Package client moves files in and out of the cluster. Chunk bytes go
// straight to storage nodes; the metadata server only hands out placements
// and records which replicas landed.
package client

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"replicafs/internal/chunker"
	"replicafs/internal/protocol"
)

const (
	DefaultChunkTimeout = 10 * time.Second
	DefaultMaxRetries   = 3
	DefaultRetryDelay   = 500 * time.Millisecond
	DefaultParallelism  = 4
)

// Metadata is the part of the metadata server API the client drives.
type Metadata interface {
	Allocate(ctx context.Context, fileID string, req protocol.AllocateRequest) (protocol.AllocateResponse, error)
	ConfirmWrite(ctx context.Context, chunkID, nodeID string) error
	Commit(ctx context.Context, fileID string) error
	Lookup(ctx context.Context, fileID string) (protocol.FileLocation, error)
}

// Nodes moves chunk bytes to and from storage nodes.
type Nodes interface {
	Put(ctx context.Context, endpoint, chunkID string, data []byte) error
	Get(ctx context.Context, endpoint, chunkID string) ([]byte, error)
}

// Client uploads and downloads whole files.
type Client struct {
	meta  Metadata
	nodes Nodes
	log   zerolog.Logger
	newID func() string

	chunkSize    int
	chunkTimeout time.Duration
	maxRetries   int
	retryDelay   time.Duration
	parallelism  int
}

// Option configures a Client.
type Option func(*Client)

// WithChunkSize sets the split size used for uploads.
func WithChunkSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithChunkTimeout bounds a single node request.
func WithChunkTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.chunkTimeout = d
		}
	}
}

// WithMaxRetries sets how many times an incomplete upload is re-allocated.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryDelay sets the pause between upload attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.retryDelay = d
		}
	}
}

// WithParallelism limits how many chunks are in flight at once.
func WithParallelism(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.parallelism = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithIDGenerator overrides how file ids are minted.
func WithIDGenerator(fn func() string) Option {
	return func(c *Client) { c.newID = fn }
}

// New creates a client.
func New(meta Metadata, nodes Nodes, opts ...Option) *Client {
	c := &Client{
		meta:         meta,
		nodes:        nodes,
		log:          zerolog.Nop(),
		newID:        uuid.NewString,
		chunkSize:    chunker.DefaultChunkSize,
		chunkTimeout: DefaultChunkTimeout,
		maxRetries:   DefaultMaxRetries,
		retryDelay:   DefaultRetryDelay,
		parallelism:  DefaultParallelism,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
