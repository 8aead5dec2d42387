package algorithm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuorumForPreset(t *testing.T) {
	tests := []struct {
		preset string
		n      int
		w, r   int
	}{
		{PresetStrong, 3, 3, 1},
		{PresetBalanced, 3, 3, 2},
		{PresetBalanced, 4, 3, 2},
		{PresetBalanced, 5, 4, 3},
		{PresetAvailable, 3, 1, 1},
		{PresetStrong, 1, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.preset, func(t *testing.T) {
			q, err := QuorumForPreset(tt.preset, tt.n)
			require.NoError(t, err)
			assert.Equal(t, tt.w, q.W)
			assert.Equal(t, tt.r, q.R)
		})
	}

	_, err := QuorumForPreset("eventual", 3)
	assert.Error(t, err)
}

func TestQuorum_Validate(t *testing.T) {
	assert.NoError(t, Quorum{N: 3, W: 2, R: 2}.Validate(false))
	assert.Error(t, Quorum{N: 3, W: 1, R: 1}.Validate(false))
	assert.NoError(t, Quorum{N: 3, W: 1, R: 1}.Validate(true))
	assert.Error(t, Quorum{N: 3, W: 4, R: 1}.Validate(true))
	assert.Error(t, Quorum{N: 3, W: 2, R: 0}.Validate(true))
	assert.Error(t, Quorum{N: 0, W: 0, R: 0}.Validate(true))
}

func TestQuorum_Reached(t *testing.T) {
	q := Quorum{N: 3, W: 2, R: 2}
	assert.False(t, q.WriteReached(1))
	assert.True(t, q.WriteReached(2))
	assert.True(t, q.ReadReached(3))
	assert.Equal(t, "N=3 W=2 R=2", q.String())
}
