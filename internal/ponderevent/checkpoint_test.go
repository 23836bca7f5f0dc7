package ponderevent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckpoint_Compare(t *testing.T) {
	tests := []struct {
		name string
		a, b Checkpoint
		want int
	}{
		{
			name: "equal",
			a:    Checkpoint{ChainID: 1, BlockTimestamp: 1000, BlockNumber: 50},
			b:    Checkpoint{ChainID: 1, BlockTimestamp: 1000, BlockNumber: 50},
			want: 0,
		},
		{
			name: "timestamp dominates chain id",
			a:    Checkpoint{ChainID: 2, BlockTimestamp: 999},
			b:    Checkpoint{ChainID: 1, BlockTimestamp: 1000},
			want: -1,
		},
		{
			name: "same timestamp, lower chain id first",
			a:    Checkpoint{ChainID: 1, BlockTimestamp: 1000},
			b:    Checkpoint{ChainID: 2, BlockTimestamp: 1000},
			want: -1,
		},
		{
			name: "same chain and timestamp, block number breaks tie",
			a:    Checkpoint{ChainID: 1, BlockTimestamp: 1000, BlockNumber: 10},
			b:    Checkpoint{ChainID: 1, BlockTimestamp: 1000, BlockNumber: 11},
			want: -1,
		},
		{
			name: "event index breaks final tie",
			a:    Checkpoint{ChainID: 1, BlockTimestamp: 1000, BlockNumber: 10, TransactionIndex: 0, EventIndex: 0},
			b:    Checkpoint{ChainID: 1, BlockTimestamp: 1000, BlockNumber: 10, TransactionIndex: 0, EventIndex: 1},
			want: -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
			assert.Equal(t, -tt.want, tt.b.Compare(tt.a))
		})
	}
}

func TestCheckpoint_BeforeAfter(t *testing.T) {
	early := Checkpoint{ChainID: 1, BlockTimestamp: 999}
	late := Checkpoint{ChainID: 1, BlockTimestamp: 1000}

	assert.True(t, early.Before(late))
	assert.False(t, late.Before(early))
	assert.True(t, late.After(early))
}

func TestMinCheckpoint(t *testing.T) {
	a := Checkpoint{BlockTimestamp: 100}
	b := Checkpoint{BlockTimestamp: 200}

	assert.Equal(t, a, MinCheckpoint(a, b))
	assert.Equal(t, a, MinCheckpoint(b, a))
}

// S3 from the end-to-end scenarios: chain 1 block at t=1000, chain 2 block
// at t=999, chain 1 block at t=1001 must be delivered chain-2@999,
// chain-1@1000, chain-1@1001.
func TestCheckpoint_S3Ordering(t *testing.T) {
	chain1At1000 := Checkpoint{ChainID: 1, BlockTimestamp: 1000, BlockNumber: 10}
	chain2At999 := Checkpoint{ChainID: 2, BlockTimestamp: 999, BlockNumber: 5}
	chain1At1001 := Checkpoint{ChainID: 1, BlockTimestamp: 1001, BlockNumber: 11}

	events := []Checkpoint{chain1At1000, chain2At999, chain1At1001}
	want := []Checkpoint{chain2At999, chain1At1000, chain1At1001}

	sorted := make([]Checkpoint, len(events))
	copy(sorted, events)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Before(sorted[j-1]); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	assert.Equal(t, want, sorted)
}
