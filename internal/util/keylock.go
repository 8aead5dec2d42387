package util

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 256

// KeyLocks serializes writers per key using a fixed set of striped mutexes.
// Two keys may share a stripe; a key never maps to two stripes. The zero
// value is ready to use.
type KeyLocks struct {
	stripes [lockStripes]sync.Mutex
}

// Lock locks key's stripe and returns the matching unlock function.
func (l *KeyLocks) Lock(key []byte) func() {
	h := fnv.New32a()
	h.Write(key)
	m := &l.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
