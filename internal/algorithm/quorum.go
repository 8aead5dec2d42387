package algorithm

import (
	"fmt"
	"strings"
)

// Consistency presets for the read/write quorum.
const (
	PresetStrong    = "strong"
	PresetBalanced  = "balanced"
	PresetAvailable = "available"
	PresetCustom    = "custom"
)

// Quorum holds the replication factor and the write and read quorums.
type Quorum struct {
	N int
	W int
	R int
}

// QuorumForPreset returns the quorum a preset prescribes for n replicas.
func QuorumForPreset(preset string, n int) (Quorum, error) {
	switch strings.ToLower(preset) {
	case PresetStrong:
		return Quorum{N: n, W: n, R: 1}, nil
	case PresetBalanced, "":
		half := (n + 1) / 2
		return Quorum{N: n, W: half + 1, R: half}, nil
	case PresetAvailable:
		return Quorum{N: n, W: 1, R: 1}, nil
	default:
		return Quorum{}, fmt.Errorf("unknown consistency preset %q", preset)
	}
}

// Validate checks the quorum bounds. Overlap (W+R>N) is required unless
// allowWeak is set.
func (q Quorum) Validate(allowWeak bool) error {
	if q.N <= 0 {
		return fmt.Errorf("replication factor must be positive, got %d", q.N)
	}
	if q.W < 1 || q.W > q.N {
		return fmt.Errorf("write quorum %d out of range [1,%d]", q.W, q.N)
	}
	if q.R < 1 || q.R > q.N {
		return fmt.Errorf("read quorum %d out of range [1,%d]", q.R, q.N)
	}
	if !allowWeak && !q.Overlaps() {
		return fmt.Errorf("W+R must exceed N for read-your-writes: W=%d R=%d N=%d", q.W, q.R, q.N)
	}
	return nil
}

// Overlaps reports whether every read quorum intersects every write quorum.
func (q Quorum) Overlaps() bool {
	return q.W+q.R > q.N
}

// WriteReached reports whether acks satisfy the write quorum.
func (q Quorum) WriteReached(acks int) bool {
	return acks >= q.W
}

// ReadReached reports whether responses satisfy the read quorum.
func (q Quorum) ReadReached(responses int) bool {
	return responses >= q.R
}

func (q Quorum) String() string {
	return fmt.Sprintf("N=%d W=%d R=%d", q.N, q.W, q.R)
}
