package shard

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFor(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		want    string
		wantErr bool
	}{
		{
			name: "standard uuid lowercase",
			id:   "3fa85f64-5717-4562-b3fc-2c963f66afa6",
			want: "3f",
		},
		{
			name: "standard uuid uppercase normalizes to lowercase",
			id:   "3FA85F64-5717-4562-B3FC-2C963F66AFA6",
			want: "3f",
		},
		{
			name: "no hyphens",
			id:   "3fa85f6457174562b3fc2c963f66afa6",
			want: "3f",
		},
		{
			name:    "empty id",
			id:      "",
			wantErr: true,
		},
		{
			name:    "too short",
			id:      "3fa85f64-5717-4562",
			wantErr: true,
		},
		{
			name:    "too long",
			id:      "3fa85f64-5717-4562-b3fc-2c963f66afa600",
			wantErr: true,
		},
		{
			name:    "non hex characters",
			id:      "zza85f64-5717-4562-b3fc-2c963f66afa6",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := For(tt.id)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAll(t *testing.T) {
	shards := All()
	require.Len(t, shards, Count)

	seen := make(map[string]bool, Count)
	for _, s := range shards {
		require.Len(t, s, 2)
		assert.False(t, seen[s], "duplicate shard %s", s)
		seen[s] = true
	}
}

// TestDistributionBalance checks that for a large sample of random UUIDs, no
// shard holds more than N/256 * 1.3 IDs.
func TestDistributionBalance(t *testing.T) {
	const n = 100_000
	counts := make(map[string]int, Count)

	for i := 0; i < n; i++ {
		id := uuid.New().String()
		s, err := For(id)
		require.NoError(t, err)
		counts[s]++
	}

	expected := float64(n) / float64(Count)
	limit := expected * 1.3

	for s, c := range counts {
		assert.LessOrEqualf(t, float64(c), limit, "shard %s holds %d ids, limit %.0f", s, c, limit)
	}
}

func TestForDeterministic(t *testing.T) {
	id := uuid.New().String()
	a, err := For(id)
	require.NoError(t, err)
	b, err := For(id)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func ExampleFor() {
	s, _ := For("3fa85f64-5717-4562-b3fc-2c963f66afa6")
	fmt.Println(s)
	// Output: 3f
}
