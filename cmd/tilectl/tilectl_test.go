package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	persistlog "tilestream.ai/internal/persistence/log"
	"tilestream.ai/internal/stream"
	"tilestream.ai/internal/stream/tile"
)

func writePackFixture(t *testing.T) (manifestPath string, out string) {
	t.Helper()
	dir := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "raw"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "raw", "0.height"), bytes.Repeat([]byte{7}, 100), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "raw", "2.blend"), bytes.Repeat([]byte{3}, 40), 0o644))

	manifest := `codec: lz4
tiles: 3
channels: 2
entries:
  - tile: 0
    channel: 0
    file: raw/0.height
  - tile: 2
    channel: 1
    file: raw/2.blend
`
	manifestPath = filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifest), 0o644))
	return manifestPath, filepath.Join(dir, "out", "tiles.bin")
}

func TestPackInspectAndDecode(t *testing.T) {
	manifestPath, out := writePackFixture(t)

	var buf bytes.Buffer
	require.NoError(t, run(&buf, options{Pack: manifestPath, Out: out}))
	require.Contains(t, buf.String(), "packed 2 entries")

	buf.Reset()
	require.NoError(t, run(&buf, options{Container: out, Codec: "lz4", Tile: -1}))
	summary := buf.String()
	require.Contains(t, summary, "tiles=3 channels=2")
	require.Contains(t, summary, "channel=0 present=1 empty=2")
	require.Contains(t, summary, "channel=1 present=1 empty=2")

	buf.Reset()
	require.NoError(t, run(&buf, options{Container: out, Codec: "lz4", Tile: 0, Channel: 0}))
	require.Equal(t, "tile=0 channel=0 codec=lz4 decoded=100\n", buf.String())

	buf.Reset()
	require.NoError(t, run(&buf, options{Container: out, Codec: "lz4", Tile: 1, Channel: 0}))
	require.Equal(t, "tile=1 channel=0 absent\n", buf.String())

	require.Error(t, run(&buf, options{Container: out, Codec: "lz4", Tile: 3}))
}

func TestPackRejectsBadManifest(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name     string
		manifest string
	}{
		{name: "unknown field", manifest: "codec: raw\ntiles: 1\nchannels: 1\nextra: 1\n"},
		{name: "no tiles", manifest: "codec: raw\nchannels: 1\n"},
		{name: "unknown codec", manifest: "codec: gzip\ntiles: 1\nchannels: 1\n"},
		{name: "tile out of range", manifest: "codec: raw\ntiles: 1\nchannels: 1\nentries:\n  - tile: 4\n    channel: 0\n    file: x\n"},
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "x"), []byte{1}, 0o644))

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(test.name, " ", "_")+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(test.manifest), 0o644))

			err := run(&bytes.Buffer{}, options{Pack: path, Out: filepath.Join(dir, "out.bin")})
			require.Error(t, err)
		})
	}
}

func TestRunRequiresMode(t *testing.T) {
	require.Error(t, run(&bytes.Buffer{}, options{Tile: -1}))
	require.Error(t, run(&bytes.Buffer{}, options{Pack: "manifest.yaml"}))
}

func TestDumpEvents(t *testing.T) {
	dir := t.TempDir()
	l := persistlog.NewEventLogger(dir)

	now := time.Now()
	l.WriteEvent(stream.Event{Cache: "terrain", Key: "1/0/0", From: tile.Unloaded, To: tile.Requested, Slot: -1, Reason: stream.ReasonRequested, Time: now})
	l.WriteEvent(stream.Event{Cache: "terrain", Key: "1/0/0", From: tile.Requested, To: tile.Mapped, Slot: 2, Reason: stream.ReasonMapped, Time: now})
	l.WriteDrain(stream.DrainSummary{Cache: "terrain", Started: now, Mapped: 1})
	require.NoError(t, l.Close())

	var buf bytes.Buffer
	require.NoError(t, run(&buf, options{Events: dir}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	require.Contains(t, lines[1], "requested->mapped slot=2")
	require.Contains(t, lines[2], "drain")
	require.Equal(t, "cache=terrain transitions=2 drains=1 mapped=1 failed=0", lines[3])
}
