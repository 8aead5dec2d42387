package storage

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/devrev/quorumkv/internal/model"
)

var crc32Table = crc32.MakeTable(crc32.IEEE)

// entryChecksum computes a CRC32 over the fields of a commit log entry that
// carry record state. The encoding is length-prefixed so field boundaries
// cannot be confused.
func entryChecksum(e *model.CommitLogEntry) uint32 {
	var scratch [8]byte
	h := crc32.New(crc32Table)

	writeBytes := func(b []byte) {
		binary.BigEndian.PutUint32(scratch[:4], uint32(len(b)))
		h.Write(scratch[:4])
		h.Write(b)
	}

	binary.BigEndian.PutUint64(scratch[:], e.SequenceNumber)
	h.Write(scratch[:])
	writeBytes(e.Key)
	writeBytes(e.Value)
	binary.BigEndian.PutUint64(scratch[:], e.Version)
	h.Write(scratch[:])
	if e.Tombstone {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	writeBytes([]byte(e.Origin))
	writeBytes([]byte(e.OperationType))
	return h.Sum32()
}

func validEntry(e *model.CommitLogEntry) bool {
	return entryChecksum(e) == e.Checksum
}
