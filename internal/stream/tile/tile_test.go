package tile

import (
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestStateTransitions(t *testing.T) {
	legal := map[[2]State]bool{
		{Unloaded, Requested}: true,
		{Requested, Mapped}:   true,
		{Requested, Unloaded}: true,
		{Mapped, Unloaded}:    true,
	}

	states := []State{Unloaded, Requested, Mapped}
	for _, from := range states {
		for _, to := range states {
			require.Equal(t, legal[[2]State{from, to}], from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestRecord(t *testing.T) {
	t.Run("request is idempotent", func(t *testing.T) {
		r := NewRecord(struct{}{})
		require.Equal(t, Unloaded, r.State())
		require.True(t, r.Request())
		require.False(t, r.Request())
		require.Equal(t, Requested, r.State())
	})

	t.Run("offset is only visible while mapped", func(t *testing.T) {
		r := NewRecord(7)
		_, ok := r.PhysicalOffset()
		require.False(t, ok)

		r.Request()
		require.NoError(t, r.Map(3))
		offset, ok := r.PhysicalOffset()
		require.True(t, ok)
		require.Equal(t, 3, offset)

		prev, offset := r.Unload()
		require.Equal(t, Mapped, prev)
		require.Equal(t, 3, offset)
		_, ok = r.PhysicalOffset()
		require.False(t, ok)
		require.Equal(t, 7, r.Payload)
	})

	t.Run("mapping an unloaded tile is illegal", func(t *testing.T) {
		r := NewRecord("x")
		err := r.Map(1)
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeIllegalTransition))
		require.Equal(t, Unloaded, r.State())
	})

	t.Run("unload of an unloaded tile is a no-op", func(t *testing.T) {
		r := NewRecord(0)
		prev, _ := r.Unload()
		require.Equal(t, Unloaded, prev)
		require.Equal(t, Unloaded, r.State())
	})
}
