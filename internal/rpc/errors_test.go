package rpc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeDataError struct {
	msg  string
	data any
}

func (e *fakeDataError) Error() string  { return e.msg }
func (e *fakeDataError) ErrorData() any { return e.data }

func TestIsTooManyResultsError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil error", err: nil, want: false},
		{name: "unrelated error", err: errors.New("connection refused"), want: false},
		{
			name: "too many results",
			err:  &fakeDataError{msg: "execution reverted", data: "Query returned more than 20000 results. Try with this block range [0x7dfd25, 0x7e0fcc]."},
			want: true,
		},
		{
			name: "data error but different message",
			err:  &fakeDataError{msg: "execution reverted", data: "nonce too low"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := IsTooManyResultsError(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSuggestedBlockRange(t *testing.T) {
	tests := []struct {
		name             string
		errData          string
		wantFrom, wantTo uint64
		wantOK           bool
	}{
		{
			name:     "valid range",
			errData:  "Query returned more than 20000 results. Try with this block range [0x7dfd25, 0x7e0fcc].",
			wantFrom: 0x7dfd25,
			wantTo:   0x7e0fcc,
			wantOK:   true,
		},
		{name: "empty string", errData: "", wantOK: false},
		{name: "no range present", errData: "some unrelated error", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, to, ok := ParseSuggestedBlockRange(tt.errData)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantFrom, from)
				assert.Equal(t, tt.wantTo, to)
			}
		})
	}
}
