package sessionstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCursorAfter(t *testing.T) {
	tests := []struct {
		id, cursor string
		want       bool
	}{
		{"00000000000000000002", "", true},
		{"00000000000000000002", "00000000000000000001", true},
		{"00000000000000000001", "00000000000000000001", false},
		{"1700000000000-10", "1700000000000-9", true},
		{"1700000000000-0", "1700000000001-0", false},
		{"1700000000001-0", "1700000000000-99", true},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.id+"/"+tt.cursor, func(t *testing.T) {
			assert.Equal(t, tt.want, CursorAfter(tt.id, tt.cursor))
		})
	}
}
