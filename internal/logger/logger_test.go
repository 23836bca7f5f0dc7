package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		level       string
		development bool
		wantErr     bool
	}{
		{name: "debug development", level: "debug", development: true},
		{name: "info production", level: "info", development: false},
		{name: "invalid level", level: "not-a-level", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.level, tt.development)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, l)
		})
	}
}

func TestWithComponent(t *testing.T) {
	l := NewNop()
	child := l.WithComponent("synccache")
	assert.NotNil(t, child)
	assert.NotSame(t, l, child)
}

func TestDefault(t *testing.T) {
	l := Default()
	require.NotNil(t, l)
	assert.Same(t, l, Default())
}

func TestSetDefault(t *testing.T) {
	nop := NewNop()
	SetDefault(nop)
	assert.Same(t, nop, Default())
}
