package indexdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tilestream.ai/internal/stream"
)

func TestSQLiteIndexRecordsDrainsAndResidency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index", "tiles.sqlite")

	s, err := OpenSQLite(path)
	require.NoError(t, err)

	now := time.Now()
	s.RecordDrain(stream.DrainSummary{Cache: "terrain", Started: now, Duration: time.Millisecond, Mapped: 3, Pending: 1})
	s.RecordDrain(stream.DrainSummary{Cache: "terrain", Started: now, Mapped: 2, Failed: 1})
	s.RecordDrain(stream.DrainSummary{Cache: "physics", Started: now, Mapped: 9})
	s.RecordResidency(100, "terrain", []int{1, 4, 16})
	s.RecordResidency(100, "terrain", []int{1, 4, 12})
	require.NoError(t, s.UpsertConfig(map[string]any{"tick_rate_hz": 20}))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	s.RecordDrain(stream.DrainSummary{Cache: "terrain"})

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	totals, err := s.DrainTotals(context.Background(), "terrain")
	require.NoError(t, err)
	require.Equal(t, DrainTotals{Drains: 2, Mapped: 5, Failed: 1, Pending: 1}, totals)

	counts, err := s.Residency(context.Background(), "terrain", 100)
	require.NoError(t, err)
	require.Equal(t, []int{1, 4, 12}, counts)

	counts, err = s.Residency(context.Background(), "terrain", 7)
	require.NoError(t, err)
	require.Empty(t, counts)
}

func TestSQLiteIndexQueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqDrain}

	s.RecordDrain(stream.DrainSummary{Cache: "terrain"})
	s.RecordResidency(1, "terrain", []int{1})

	st := s.Stats()
	require.Equal(t, uint64(1), st.DropDrainTotal)
	require.Equal(t, uint64(1), st.DropResidencyTotal)
	require.Equal(t, 1, st.QueueDepth)
	require.Equal(t, 1, st.QueueCapacity)
}

func TestOpenSQLiteRejectsEmptyPath(t *testing.T) {
	_, err := OpenSQLite("")
	require.Error(t, err)
}
