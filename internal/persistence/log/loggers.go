package log

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/segmentio/encoding/json"

	"tilestream.ai/internal/stream"
)

// JSONLZstdWriter appends JSON lines to zstd compressed files rotated every
// hour: <dir>/<prefix>-YYYY-MM-DD-HH.jsonl.zst.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

// Flush pushes buffered lines through the compressor to the file.
func (w *JSONLZstdWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.w == nil {
		return nil
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}

	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}

	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// ReadJSONL calls fn with every line of a compressed JSONL file.
func ReadJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	return scanLines(dec, fn)
}

func scanLines(r io.Reader, fn func(line []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}

const (
	KindTile  = "tile"
	KindDrain = "drain"
)

// Entry is one line of the event log. Tile fields are set for tile
// transitions, drain fields for drain summaries.
type Entry struct {
	Kind  string    `json:"kind"`
	Time  time.Time `json:"time"`
	Cache string    `json:"cache"`

	Key    string `json:"key,omitempty"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Slot   int    `json:"slot"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`

	DurationMs float64 `json:"duration_ms,omitempty"`
	Mapped     int     `json:"mapped,omitempty"`
	Discarded  int     `json:"discarded,omitempty"`
	Failed     int     `json:"failed,omitempty"`
	Skipped    int     `json:"skipped,omitempty"`
	Requeued   int     `json:"requeued,omitempty"`
	Pending    int     `json:"pending,omitempty"`
}

func EventEntry(e stream.Event) Entry {
	entry := Entry{
		Kind:   KindTile,
		Time:   e.Time.UTC(),
		Cache:  e.Cache,
		Key:    e.Key,
		From:   e.From.String(),
		To:     e.To.String(),
		Slot:   e.Slot,
		Reason: string(e.Reason),
	}
	if e.Err != nil {
		entry.Error = e.Err.Error()
	}
	return entry
}

func DrainEntry(s stream.DrainSummary) Entry {
	return Entry{
		Kind:       KindDrain,
		Time:       s.Started.UTC(),
		Cache:      s.Cache,
		DurationMs: float64(s.Duration) / float64(time.Millisecond),
		Mapped:     s.Mapped,
		Discarded:  s.Discarded,
		Failed:     s.Failed,
		Skipped:    s.Skipped,
		Requeued:   s.Requeued,
		Pending:    s.Pending,
	}
}

// EventLogger writes tile events and drain summaries from a background
// goroutine. Events are delivered from inside the cache lock, so entries are
// dropped rather than blocking when the writer falls behind.
type EventLogger struct {
	w       *JSONLZstdWriter
	ch      chan Entry
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.Mutex
	closed  bool
	dropped int
}

func NewEventLogger(dir string) *EventLogger {
	l := &EventLogger{
		w:  NewJSONLZstdWriter(dir, "events"),
		ch: make(chan Entry, 65536),
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.loop()
	}()
	return l
}

func (l *EventLogger) loop() {
	for e := range l.ch {
		if err := l.w.Write(e); err != nil {
			continue
		}
		if len(l.ch) == 0 {
			_ = l.w.Flush()
		}
	}
}

func (l *EventLogger) WriteEvent(e stream.Event) {
	l.enqueue(EventEntry(e))
}

func (l *EventLogger) WriteDrain(s stream.DrainSummary) {
	l.enqueue(DrainEntry(s))
}

func (l *EventLogger) enqueue(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	select {
	case l.ch <- e:
	default:
		l.dropped++
	}
}

// Dropped returns the number of entries dropped because the writer fell
// behind.
func (l *EventLogger) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func (l *EventLogger) Close() error {
	var err error
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.ch)
		l.mu.Unlock()

		l.wg.Wait()
		if cerr := l.w.Close(); cerr != nil {
			err = errors.New("closing event log failed").Wrap(cerr)
		}
	})
	return err
}
