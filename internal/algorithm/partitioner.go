package algorithm

import (
	"crypto/sha256"
	"encoding/binary"
)

// Partitioner maps keys onto a fixed number of partitions. The mapping is a
// pure function of the key and the partition count so every router and
// coordinator agrees on it.
type Partitioner struct {
	partitions int
}

// NewPartitioner creates a partitioner over count partitions. count must be
// positive and must not change after bootstrap.
func NewPartitioner(count int) *Partitioner {
	if count <= 0 {
		panic("algorithm: partition count must be positive")
	}
	return &Partitioner{partitions: count}
}

// PartitionOf returns the partition that owns key.
func (p *Partitioner) PartitionOf(key []byte) int {
	return int(HashKey(key) % uint64(p.partitions))
}

// Count returns the number of partitions.
func (p *Partitioner) Count() int {
	return p.partitions
}

// HashKey computes SHA-256 and converts the first 8 bytes to uint64
func HashKey(key []byte) uint64 {
	sum := sha256.Sum256(key)
	return binary.BigEndian.Uint64(sum[:8])
}
