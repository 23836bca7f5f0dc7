package synccache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsCovered(t *testing.T) {
	intervals := []Interval{{FromBlock: 100, ToBlock: 200}}

	assert.True(t, IsCovered(100, 200, intervals))
	assert.True(t, IsCovered(150, 160, intervals))
	assert.False(t, IsCovered(100, 201, intervals))
	assert.False(t, IsCovered(50, 99, intervals))
	assert.False(t, IsCovered(50, 120, nil))
}

func TestMissingRanges(t *testing.T) {
	tests := []struct {
		name      string
		from, to  uint64
		intervals []Interval
		want      []Interval
	}{
		{
			name: "no coverage",
			from: 100, to: 200,
			want: []Interval{{FromBlock: 100, ToBlock: 200}},
		},
		{
			name: "fully covered",
			from: 100, to: 200,
			intervals: []Interval{{FromBlock: 100, ToBlock: 200}},
			want:      nil,
		},
		{
			name: "gap before and after",
			from: 100, to: 300,
			intervals: []Interval{{FromBlock: 150, ToBlock: 250}},
			want: []Interval{
				{FromBlock: 100, ToBlock: 149},
				{FromBlock: 251, ToBlock: 300},
			},
		},
		{
			name: "gap between two covered ranges, unsorted input",
			from: 0, to: 100,
			intervals: []Interval{
				{FromBlock: 60, ToBlock: 100},
				{FromBlock: 0, ToBlock: 20},
			},
			want: []Interval{{FromBlock: 21, ToBlock: 59}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MissingRanges(tt.from, tt.to, tt.intervals))
		})
	}
}

func TestMergeAdjoining(t *testing.T) {
	tests := []struct {
		name string
		in   []Interval
		want []Interval
	}{
		{name: "empty", in: nil, want: nil},
		{
			name: "adjoining ranges collapse",
			in:   []Interval{{FromBlock: 0, ToBlock: 10}, {FromBlock: 11, ToBlock: 20}},
			want: []Interval{{FromBlock: 0, ToBlock: 20}},
		},
		{
			name: "overlapping ranges collapse",
			in:   []Interval{{FromBlock: 0, ToBlock: 15}, {FromBlock: 10, ToBlock: 20}},
			want: []Interval{{FromBlock: 0, ToBlock: 20}},
		},
		{
			name: "disjoint ranges stay separate",
			in:   []Interval{{FromBlock: 0, ToBlock: 10}, {FromBlock: 20, ToBlock: 30}},
			want: []Interval{{FromBlock: 0, ToBlock: 10}, {FromBlock: 20, ToBlock: 30}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MergeAdjoining(tt.in))
		})
	}
}
