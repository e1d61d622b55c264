package backing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRange(t *testing.T) {
	t.Run("Size", func(t *testing.T) {
		assert.Equal(t, uint64(10), Range{Start: 10, End: 20}.Size())
		assert.Equal(t, uint64(0), Range{Start: 5, End: 5}.Size())
	})

	t.Run("Overlaps", func(t *testing.T) {
		testCases := []struct {
			name     string
			r1, r2   Range
			expected bool
		}{
			{"r2 starts during r1", Range{Start: 10, End: 20}, Range{Start: 15, End: 25}, true},
			{"adjacent", Range{Start: 10, End: 20}, Range{Start: 20, End: 30}, false},
			{"r1 contains r2", Range{Start: 5, End: 25}, Range{Start: 10, End: 20}, true},
			{"no overlap", Range{Start: 10, End: 20}, Range{Start: 25, End: 30}, false},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, tc.r1.Overlaps(tc.r2))
				assert.Equal(t, tc.expected, tc.r2.Overlaps(tc.r1))
			})
		}
	})

	t.Run("Merge", func(t *testing.T) {
		r := Range{Start: 10, End: 20}
		assert.Equal(t, Range{Start: 10, End: 30}, r.Merge(Range{Start: 20, End: 30}))
		assert.Equal(t, Range{Start: 0, End: 20}, r.Merge(Range{Start: 0, End: 10}))
		assert.Equal(t, Range{Start: 5, End: 20}, r.Merge(Range{Start: 5, End: 15}))
		assert.Panics(t, func() { r.Merge(Range{Start: 25, End: 30}) })
	})

	t.Run("String", func(t *testing.T) {
		assert.Equal(t, "[10, 20)", Range{Start: 10, End: 20}.String())
	})
}
