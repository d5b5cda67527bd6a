package chunker

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"replicafs/internal/protocol"
)

func TestSplitReassembleRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "data")
		size := rapid.IntRange(1, 700).Draw(t, "chunkSize")

		chunks, err := Split(bytes.NewReader(data), size)
		if err != nil {
			t.Fatalf("split: %v", err)
		}

		var out bytes.Buffer
		if err := Reassemble(&out, chunks, len(chunks)); err != nil {
			t.Fatalf("reassemble: %v", err)
		}
		if !bytes.Equal(out.Bytes(), data) {
			t.Fatalf("round trip mismatch: got %d bytes want %d", out.Len(), len(data))
		}
	})
}

func TestSplitChunkCountAndSizes(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		length := rapid.IntRange(0, 5000).Draw(t, "length")
		size := rapid.IntRange(1, 1024).Draw(t, "chunkSize")

		chunks, err := Split(bytes.NewReader(make([]byte, length)), size)
		if err != nil {
			t.Fatalf("split: %v", err)
		}

		want := (length + size - 1) / size
		if len(chunks) != want {
			t.Fatalf("chunk count: got %d want %d", len(chunks), want)
		}
		if Count(int64(length), size) != want {
			t.Fatalf("Count disagrees with Split: %d vs %d", Count(int64(length), size), want)
		}
		for i, c := range chunks {
			if c.Index != i {
				t.Fatalf("chunk %d has index %d", i, c.Index)
			}
			if i < len(chunks)-1 && len(c.Data) != size {
				t.Fatalf("chunk %d: got %d bytes want %d", i, len(c.Data), size)
			}
			if len(c.Data) == 0 || len(c.Data) > size {
				t.Fatalf("chunk %d has invalid size %d", i, len(c.Data))
			}
		}
	})
}

func TestSplitIsDeterministic(t *testing.T) {
	data := make([]byte, 3*1024+17)
	rand.New(rand.NewSource(7)).Read(data)

	first, err := Split(bytes.NewReader(data), 1024)
	require.NoError(t, err)
	second, err := Split(bytes.NewReader(data), 1024)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 4)
	assert.Len(t, first[3].Data, 17)
}

func TestSplitRejectsNonPositiveSize(t *testing.T) {
	_, err := Split(bytes.NewReader([]byte("x")), 0)
	assert.Error(t, err)
}

func TestReassembleOrdersBySequenceIndex(t *testing.T) {
	chunks, err := Split(bytes.NewReader([]byte("abcdefgh")), 3)
	require.NoError(t, err)

	shuffled := []Chunk{chunks[2], chunks[0], chunks[1]}
	var out bytes.Buffer
	require.NoError(t, Reassemble(&out, shuffled, 3))
	assert.Equal(t, "abcdefgh", out.String())
}

func TestReassembleMissingChunk(t *testing.T) {
	chunks, err := Split(bytes.NewReader([]byte("abcdefgh")), 3)
	require.NoError(t, err)

	var out bytes.Buffer
	err = Reassemble(&out, []Chunk{chunks[0], chunks[2]}, 3)

	require.True(t, errors.Is(err, protocol.ErrIncompleteSequence))
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, []int{1}, perr.SequenceIndexes)
	assert.Zero(t, out.Len())
}

func TestReassembleChecksumMismatch(t *testing.T) {
	chunks, err := Split(bytes.NewReader([]byte("abcdefgh")), 4)
	require.NoError(t, err)
	chunks[1].Data = []byte("XXXX")

	var out bytes.Buffer
	err = Reassemble(&out, chunks, 2)

	assert.True(t, errors.Is(err, protocol.ErrChecksumMismatch))
	assert.Zero(t, out.Len())
}

func TestReassembleEmpty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Reassemble(&out, nil, 0))
	assert.Zero(t, out.Len())
}
