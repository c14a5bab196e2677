package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/segmentio/encoding/json"

	persistlog "tilestream.ai/internal/persistence/log"
)

// dumpEvents prints the entries of an event log file, or of every event log
// file in a directory in name order, followed by per cache totals.
func dumpEvents(w io.Writer, path string) error {
	files, err := eventFiles(path)
	if err != nil {
		return err
	}

	type totals struct {
		transitions int
		drains      int
		mapped      int
		failed      int
	}
	byCache := make(map[string]*totals)

	for _, f := range files {
		err := persistlog.ReadJSONL(f, func(line []byte) error {
			var e persistlog.Entry
			if err := json.Unmarshal(line, &e); err != nil {
				return err
			}

			t := byCache[e.Cache]
			if t == nil {
				t = &totals{}
				byCache[e.Cache] = t
			}

			switch e.Kind {
			case persistlog.KindTile:
				t.transitions++
				fmt.Fprintf(w, "%s %s %s %s->%s slot=%d reason=%s", e.Time.Format("15:04:05.000"), e.Cache, e.Key, e.From, e.To, e.Slot, e.Reason)
				if e.Error != "" {
					fmt.Fprintf(w, " error=%q", e.Error)
				}
				fmt.Fprintln(w)

			case persistlog.KindDrain:
				t.drains++
				t.mapped += e.Mapped
				t.failed += e.Failed
				fmt.Fprintf(w, "%s %s drain %.3fms mapped=%d discarded=%d failed=%d pending=%d\n",
					e.Time.Format("15:04:05.000"), e.Cache, e.DurationMs, e.Mapped, e.Discarded, e.Failed, e.Pending)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	caches := make([]string, 0, len(byCache))
	for c := range byCache {
		caches = append(caches, c)
	}
	sort.Strings(caches)
	for _, c := range caches {
		t := byCache[c]
		fmt.Fprintf(w, "cache=%s transitions=%d drains=%d mapped=%d failed=%d\n", c, t.transitions, t.drains, t.mapped, t.failed)
	}
	return nil
}

func eventFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	files, err := filepath.Glob(filepath.Join(path, "events-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
