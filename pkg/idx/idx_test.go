package idx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewGeneratesSortedIDs(t *testing.T) {
	t.Parallel()

	a := New()
	b := New()
	require.NotEqual(t, a, b)
	require.Less(t, a.String(), b.String())
}

func TestNewAtEmbedsTimestamp(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	id := NewAt(at)
	require.Equal(t, at, id.Time())
}

func TestParse(t *testing.T) {
	t.Parallel()

	t.Run("round-trips generated ids", func(t *testing.T) {
		id := New()
		parsed, err := Parse(id.String())
		require.NoError(t, err)
		require.Equal(t, id, parsed)
	})

	t.Run("rejects empty and garbage", func(t *testing.T) {
		_, err := Parse("")
		require.ErrorIs(t, err, ErrInvalid)

		_, err = Parse("not-a-ulid")
		require.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("trims whitespace", func(t *testing.T) {
		id := New()
		parsed, err := Parse("  " + id.String() + "\n")
		require.NoError(t, err)
		require.Equal(t, id, parsed)
	})
}

func TestIsZero(t *testing.T) {
	t.Parallel()

	require.True(t, Zero.IsZero())
	require.False(t, New().IsZero())
}
