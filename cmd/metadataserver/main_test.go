package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replicafs/internal/protocol"
)

func TestParseNodes(t *testing.T) {
	nodes, err := parseNodes([]string{"n1=localhost:5001", " n2 = http://10.0.0.2:5001 ", ""})
	require.NoError(t, err)
	assert.Equal(t, []protocol.NodeRef{
		{ID: "n1", Endpoint: "localhost:5001"},
		{ID: "n2", Endpoint: "http://10.0.0.2:5001"},
	}, nodes)

	for _, bad := range []string{"n1", "=localhost:5001", "n1="} {
		_, err := parseNodes([]string{bad})
		assert.Error(t, err, bad)
	}
}
