package protocol

import "time"

// FileState is the lifecycle state of a file record on the metadata server.
type FileState string

const (
	FilePending    FileState = "PENDING"
	FileCommitted  FileState = "COMMITTED"
	FileTombstoned FileState = "TOMBSTONED"
)

// NodeState is the liveness of a storage node as seen by the health monitor.
type NodeState string

const (
	NodeHealthy NodeState = "HEALTHY"
	NodeSuspect NodeState = "SUSPECT"
	NodeDown    NodeState = "DOWN"
)

// NodeRef identifies a storage node and where to reach it.
type NodeRef struct {
	ID       string `json:"node_id"`
	Endpoint string `json:"endpoint"`
}

// NodeStatus is one Node Registry entry.
type NodeStatus struct {
	ID                  string    `json:"node_id"`
	Endpoint            string    `json:"endpoint"`
	Status              NodeState `json:"status"`
	LastSeenHealthyAt   time.Time `json:"last_seen_healthy_at,omitempty"`
	LastChecked         time.Time `json:"last_checked,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Error               string    `json:"error,omitempty"`
}

// ChunkSpec describes a chunk the client wants placed.
type ChunkSpec struct {
	SequenceIndex int    `json:"sequence_index"`
	Size          int64  `json:"size"`
	Checksum      string `json:"checksum"`
}

// AllocateRequest is the body of POST /files/{id}/allocate.
type AllocateRequest struct {
	Name       string      `json:"name"`
	Size       int64       `json:"size"`
	ChunkCount int         `json:"chunk_count"`
	Chunks     []ChunkSpec `json:"chunks"`
}

// ChunkPlacement tells the client where to push one chunk.
type ChunkPlacement struct {
	ChunkID       string    `json:"chunk_id"`
	SequenceIndex int       `json:"sequence_index"`
	Size          int64     `json:"size"`
	Checksum      string    `json:"checksum"`
	Nodes         []NodeRef `json:"nodes"`
}

// AllocateResponse lists the placements for the requested chunks.
type AllocateResponse struct {
	FileID string           `json:"file_id"`
	Chunks []ChunkPlacement `json:"chunks"`
}

// ConfirmRequest is the body of POST /chunks/{id}/confirm.
type ConfirmRequest struct {
	NodeID string `json:"node_id"`
}

// FileInfo summarises a file record.
type FileInfo struct {
	FileID       string    `json:"file_id"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	ChunkCount   int       `json:"chunk_count"`
	State        FileState `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	CommittedAt  time.Time `json:"committed_at,omitempty"`
	TombstonedAt time.Time `json:"tombstoned_at,omitempty"`
}

// ChunkLocation is one chunk of a lookup result. Nodes only contains
// replicas that are currently healthy.
type ChunkLocation struct {
	ChunkID       string    `json:"chunk_id"`
	SequenceIndex int       `json:"sequence_index"`
	Size          int64     `json:"size"`
	Checksum      string    `json:"checksum"`
	Nodes         []NodeRef `json:"nodes"`
}

// FileLocation is the response of GET /files/{id}.
type FileLocation struct {
	File   FileInfo        `json:"file"`
	Chunks []ChunkLocation `json:"chunks"`
}

// FileList is the response of GET /files.
type FileList struct {
	Files []FileInfo `json:"files"`
}

// NodeList is the response of GET /nodes/status.
type NodeList struct {
	Nodes []NodeStatus `json:"nodes"`
}

// RegisterNodeRequest is sent by storage nodes announcing themselves.
type RegisterNodeRequest struct {
	NodeID   string `json:"node_id"`
	Endpoint string `json:"endpoint"`
}

// UnderReplicatedChunk records a committed chunk below its replication target.
type UnderReplicatedChunk struct {
	FileID      string   `json:"file_id"`
	ChunkID     string   `json:"chunk_id"`
	Desired     []string `json:"desired"`
	Confirmed   []string `json:"confirmed"`
	Unconfirmed []string `json:"unconfirmed,omitempty"`
	Unhealthy   []string `json:"unhealthy,omitempty"`
}

// UnderReplicatedList is the response of GET /chunks/under-replicated.
type UnderReplicatedList struct {
	Chunks []UnderReplicatedChunk `json:"chunks"`
}

// StatusResponse is a generic acknowledgement.
type StatusResponse struct {
	Status string `json:"status"`
	NodeID string `json:"node_id,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error           string    `json:"error"`
	Kind            ErrorKind `json:"kind"`
	ChunkIDs        []string  `json:"chunk_ids,omitempty"`
	SequenceIndexes []int     `json:"sequence_indexes,omitempty"`
}

// NodeStats is the response of GET /stats on a storage node.
type NodeStats struct {
	NodeID        string    `json:"node_id"`
	Chunks        int       `json:"chunks"`
	UsedBytes     int64     `json:"used_bytes"`
	CapacityBytes int64     `json:"capacity_bytes,omitempty"`
	Corrupted     []string  `json:"corrupted,omitempty"`
	LastScan      time.Time `json:"last_scan,omitempty"`
}
