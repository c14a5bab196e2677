// Package indexdb keeps a queryable sqlite index of streaming activity:
// drain summaries and per depth residency samples.
package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/segmentio/encoding/json"
	_ "modernc.org/sqlite"

	"tilestream.ai/internal/stream"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropDrain     atomic.Uint64
	dropResidency atomic.Uint64
}

type reqKind int

const (
	reqDrain reqKind = iota + 1
	reqResidency
)

type req struct {
	kind reqKind

	drain     stream.DrainSummary
	residency residencyRow
}

type residencyRow struct {
	Tick   uint64
	Cache  string
	Counts []int
}

// Stats reports the state of the write queue.
type Stats struct {
	QueueDepth         int
	QueueCapacity      int
	DropDrainTotal     uint64
	DropResidencyTotal uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, errors.New("empty index db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.New("creating index db directory failed").
			WithTag("path", path).
			Wrap(err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.New("opening index db failed").
			WithTag("path", path).
			Wrap(err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return errors.New("setting index db pragma failed").
				WithTag("pragma", p).
				Wrap(err)
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS config (
			digest TEXT PRIMARY KEY,
			json TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS drains (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cache TEXT NOT NULL,
			started_at TEXT NOT NULL,
			duration_ms REAL NOT NULL,
			mapped INTEGER NOT NULL,
			discarded INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			skipped INTEGER NOT NULL,
			requeued INTEGER NOT NULL,
			pending INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_drains_cache_started ON drains(cache, started_at);`,
		`CREATE TABLE IF NOT EXISTS residency (
			tick INTEGER NOT NULL,
			cache TEXT NOT NULL,
			depth INTEGER NOT NULL,
			tiles INTEGER NOT NULL,
			PRIMARY KEY (tick, cache, depth)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return errors.New("creating index db schema failed").Wrap(err)
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordDrain queues a drain summary. Summaries are dropped when the writer
// falls behind; the event log remains the source of truth.
func (s *SQLiteIndex) RecordDrain(sum stream.DrainSummary) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqDrain, drain: sum}:
	default:
		s.dropDrain.Add(1)
	}
}

// RecordResidency queues the per depth tile counts of a cache at a tick.
func (s *SQLiteIndex) RecordResidency(tick uint64, cache string, counts []int) {
	if s == nil || s.closed.Load() {
		return
	}
	r := residencyRow{
		Tick:   tick,
		Cache:  cache,
		Counts: append([]int(nil), counts...),
	}
	select {
	case s.ch <- req{kind: reqResidency, residency: r}:
	default:
		s.dropResidency.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:         len(s.ch),
		QueueCapacity:      cap(s.ch),
		DropDrainTotal:     s.dropDrain.Load(),
		DropResidencyTotal: s.dropResidency.Load(),
	}
}

// UpsertConfig stores the configuration the process runs with, keyed by
// the digest of its canonical JSON.
func (s *SQLiteIndex) UpsertConfig(cfg any) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return errors.New("encoding config failed").Wrap(err)
	}
	sum := sha256.Sum256(b)
	digest := hex.EncodeToString(sum[:])
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('config_digest',?)`, digest); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO config(digest,json,recorded_at) VALUES(?,?,?)`, digest, string(b), now); err != nil {
		return err
	}
	return tx.Commit()
}

// DrainTotals sums the drain summaries recorded for a cache.
type DrainTotals struct {
	Drains    int
	Mapped    int
	Discarded int
	Failed    int
	Pending   int
}

func (s *SQLiteIndex) DrainTotals(ctx context.Context, cache string) (DrainTotals, error) {
	var t DrainTotals
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(mapped),0), COALESCE(SUM(discarded),0),
		       COALESCE(SUM(failed),0), COALESCE(SUM(pending),0)
		FROM drains WHERE cache = ?`, cache).
		Scan(&t.Drains, &t.Mapped, &t.Discarded, &t.Failed, &t.Pending)
	if err != nil {
		return t, errors.New("querying drain totals failed").
			WithTag("cache", cache).
			Wrap(err)
	}
	return t, nil
}

// Residency returns the per depth counts recorded for a cache at a tick.
func (s *SQLiteIndex) Residency(ctx context.Context, cache string, tick uint64) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT depth, tiles FROM residency WHERE cache = ? AND tick = ? ORDER BY depth`,
		cache, int64(tick))
	if err != nil {
		return nil, errors.New("querying residency failed").
			WithTag("cache", cache).
			Wrap(err)
	}
	defer rows.Close()

	var counts []int
	for rows.Next() {
		var depth, tiles int
		if err := rows.Scan(&depth, &tiles); err != nil {
			return nil, err
		}
		for len(counts) <= depth {
			counts = append(counts, 0)
		}
		counts[depth] = tiles
	}
	return counts, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertDrain, _ := s.db.Prepare(`INSERT INTO drains(cache,started_at,duration_ms,mapped,discarded,failed,skipped,requeued,pending) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertResidency, _ := s.db.Prepare(`INSERT OR REPLACE INTO residency(tick,cache,depth,tiles) VALUES(?,?,?,?)`)
	defer func() {
		if insertDrain != nil {
			_ = insertDrain.Close()
		}
		if insertResidency != nil {
			_ = insertResidency.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}

		switch r.kind {
		case reqDrain:
			d := r.drain
			if insertDrain == nil {
				break
			}
			if _, err := tx.Stmt(insertDrain).Exec(
				d.Cache,
				d.Started.UTC().Format(time.RFC3339Nano),
				float64(d.Duration)/float64(time.Millisecond),
				d.Mapped,
				d.Discarded,
				d.Failed,
				d.Skipped,
				d.Requeued,
				d.Pending,
			); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqResidency:
			if insertResidency == nil {
				break
			}
			for depth, n := range r.residency.Counts {
				if _, err := tx.Stmt(insertResidency).Exec(int64(r.residency.Tick), r.residency.Cache, depth, n); err != nil {
					rollback()
					break
				}
				opCount++
			}
		}

		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
