package models

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlockRange_Basics(t *testing.T) {
	r := NewBlockRange(10, 20)
	assert.False(t, r.Empty())
	assert.Equal(t, uint64(11), r.Len())
	assert.True(t, r.Contains(10))
	assert.True(t, r.Contains(20))
	assert.False(t, r.Contains(21))
	assert.Equal(t, "[10, 20]", r.String())

	empty := NewBlockRange(5, 4)
	assert.True(t, empty.Empty())
	assert.Equal(t, uint64(0), empty.Len())
	assert.False(t, empty.Contains(5))

	assert.Equal(t, NewBlockRange(10, 15), r.Clamp(15))
	assert.Equal(t, r, r.Clamp(100))
	assert.True(t, r.Clamp(5).Empty())
}

func TestBlockRange_Chunks(t *testing.T) {
	tests := []struct {
		name string
		r    BlockRange
		size uint64
		want []BlockRange
	}{
		{"empty range", NewBlockRange(5, 4), 10, nil},
		{"size zero keeps range", NewBlockRange(0, 99), 0, []BlockRange{{0, 99}}},
		{"fits in one chunk", NewBlockRange(0, 9), 10, []BlockRange{{0, 9}}},
		{"single block", NewBlockRange(7, 7), 1, []BlockRange{{7, 7}}},
		{"exact multiple", NewBlockRange(0, 19), 10, []BlockRange{{0, 9}, {10, 19}}},
		{"remainder", NewBlockRange(3, 25), 10, []BlockRange{{3, 12}, {13, 22}, {23, 25}}},
		{"size one", NewBlockRange(1, 3), 1, []BlockRange{{1, 1}, {2, 2}, {3, 3}}},
		{
			"near max uint64",
			NewBlockRange(math.MaxUint64-5, math.MaxUint64), 4,
			[]BlockRange{{math.MaxUint64 - 5, math.MaxUint64 - 2}, {math.MaxUint64 - 1, math.MaxUint64}},
		},
		{
			"whole uint64 space",
			NewBlockRange(0, math.MaxUint64), 1 << 63,
			[]BlockRange{{0, 1<<63 - 1}, {1 << 63, math.MaxUint64}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.Chunks(tt.size))
		})
	}
}

func TestRecentWindow(t *testing.T) {
	assert.Equal(t, NewBlockRange(60000, 100000), RecentWindow(100000, 40000))
	// 链高度不超过窗口时从 0 开始
	assert.Equal(t, NewBlockRange(0, 40000), RecentWindow(40000, 40000))
	assert.Equal(t, NewBlockRange(0, 100), RecentWindow(100, 40000))
	assert.Equal(t, NewBlockRange(0, 0), RecentWindow(0, 40000))
	assert.Equal(t, NewBlockRange(100, 100), RecentWindow(100, 0))
	assert.Equal(t, NewBlockRange(0, math.MaxUint64), RecentWindow(math.MaxUint64, math.MaxUint64))
}
