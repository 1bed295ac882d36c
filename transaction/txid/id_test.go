package txid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsFollows(t *testing.T) {
	tests := []struct {
		name     string
		id       TxID
		compared TxID
		expected bool
	}{
		{
			name:     "id is bigger than compared",
			id:       10,
			compared: 9,
			expected: true,
		},
		{
			name:     "id is the same as compared",
			id:       10,
			compared: 10,
			expected: false,
		},
		{
			name:     "id is smaller than compared",
			id:       9,
			compared: 10,
			expected: false,
		},
		{
			name:     "id wrapped around, so numerically smaller but follows",
			id:       FirstTxID,
			compared: TxID(0xF0000000),
			expected: true,
		},
		{
			name:     "compared is invalid",
			id:       10,
			compared: InvalidTxID,
			expected: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.id.IsFollows(tt.compared)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestAdvanceTxID(t *testing.T) {
	t.Run("normal advance", func(t *testing.T) {
		got := advanceTxID(TxID(10))
		assert.Equal(t, TxID(11), got)
	})
	t.Run("wraparound skips reserved ids", func(t *testing.T) {
		got := advanceTxID(TxID(0xFFFFFFFF))
		assert.Equal(t, FirstTxID, got)
	})
}

func TestAllocate(t *testing.T) {
	m := NewManager()
	assert.Equal(t, FirstTxID, m.Allocate())
	assert.Equal(t, FirstTxID+1, m.Allocate())
	assert.Equal(t, FirstTxID+2, m.Allocate())
}
