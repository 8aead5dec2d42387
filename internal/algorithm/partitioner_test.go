package algorithm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitioner_Deterministic(t *testing.T) {
	a := NewPartitioner(64)
	b := NewPartitioner(64)

	for i := 0; i < 1000; i++ {
		key := []byte(fmt.Sprintf("user:%d", i))
		p := a.PartitionOf(key)
		assert.Equal(t, p, b.PartitionOf(key))
		assert.True(t, p >= 0 && p < 64)
	}
}

func TestPartitioner_Spread(t *testing.T) {
	p := NewPartitioner(8)
	counts := make([]int, 8)
	for i := 0; i < 8000; i++ {
		counts[p.PartitionOf([]byte(fmt.Sprintf("k-%d", i)))]++
	}
	for i, c := range counts {
		assert.Greater(t, c, 500, "partition %d underpopulated", i)
	}
}

func TestPartitioner_EmptyKey(t *testing.T) {
	p := NewPartitioner(16)
	assert.Equal(t, p.PartitionOf(nil), p.PartitionOf([]byte{}))
}

func TestNewPartitioner_PanicsOnZero(t *testing.T) {
	require.Panics(t, func() { NewPartitioner(0) })
}

func TestPlacementRing_Preference(t *testing.T) {
	ring := NewPlacementRing(32)
	for _, id := range []string{"node-a", "node-b", "node-c", "node-d"} {
		ring.AddNode(id)
	}
	ring.AddNode("node-a")
	assert.Equal(t, 4, ring.NodeCount())

	for partition := 0; partition < 16; partition++ {
		pref := ring.Preference(partition, 3)
		require.Len(t, pref, 3)
		seen := map[string]bool{}
		for _, id := range pref {
			assert.False(t, seen[id], "duplicate node in preference list")
			seen[id] = true
		}
		assert.Equal(t, pref, ring.Preference(partition, 3))
	}

	assert.Len(t, ring.Preference(0, 10), 4)
}

func TestPlacementRing_RemoveNode(t *testing.T) {
	ring := NewPlacementRing(16)
	ring.AddNode("node-a")
	ring.AddNode("node-b")
	ring.RemoveNode("node-a")
	ring.RemoveNode("missing")

	assert.Equal(t, []string{"node-b"}, ring.Preference(3, 3))
}

func TestPlacementRing_Rank(t *testing.T) {
	ring := NewPlacementRing(16)
	for _, id := range []string{"n1", "n2", "n3"} {
		ring.AddNode(id)
	}

	pref := ring.Preference(5, 3)
	ranked := ring.Rank(5, []string{"n3", "offring", "n1", "n2"})
	assert.Equal(t, append(pref, "offring"), ranked)
}
