package protocol

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMatchesSentinelByKind(t *testing.T) {
	err := fmt.Errorf("lookup: %w", Errorf(KindNotFound, "file %s", "abc"))

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrConflict))
}

func TestAggregateUnwrapsToCause(t *testing.T) {
	cause := &Error{Kind: KindChunkUnavailable, ChunkIDs: []string{"c1"}}
	err := Wrap(KindDownloadFailed, cause, "file %s", "f1")

	assert.True(t, errors.Is(err, ErrDownloadFailed))
	assert.True(t, errors.Is(err, ErrChunkUnavailable))

	var inner *Error
	require.True(t, errors.As(err.Err, &inner))
	assert.Equal(t, []string{"c1"}, inner.ChunkIDs)
}

func TestResponseRoundTripKeepsChunkIDs(t *testing.T) {
	original := &Error{
		Kind:            KindIncompleteChunks,
		Message:         "file f1",
		ChunkIDs:        []string{"a", "b"},
		SequenceIndexes: []int{3},
	}

	rebuilt := FromResponse(original.Response(), StatusCode(original.Kind))

	assert.Equal(t, KindIncompleteChunks, rebuilt.Kind)
	assert.Equal(t, []string{"a", "b"}, rebuilt.ChunkIDs)
	assert.Equal(t, []int{3}, rebuilt.SequenceIndexes)
	assert.Contains(t, rebuilt.Error(), "chunks: a, b")
}

func TestFromResponseFallsBackToStatus(t *testing.T) {
	rebuilt := FromResponse(ErrorResponse{Error: "gone"}, http.StatusNotFound)
	assert.Equal(t, KindNotFound, rebuilt.Kind)

	rebuilt = FromResponse(ErrorResponse{Error: "full"}, http.StatusInsufficientStorage)
	assert.Equal(t, KindDiskFull, rebuilt.Kind)
}
