// Package checkpoint records how far each extraction file has been bundled.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/eunmann/s3-access-db/pkg/logging"
)

// FileName is the checkpoint database name inside the bundle state directory.
const FileName = "checkpoints.db"

// Config holds configuration for the checkpoint store.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string
	// Synchronous sets the SQLite synchronous pragma.
	// "FULL" is the default: a committed batch must survive a crash.
	Synchronous string
	// BusyTimeout is how long a writer waits for a competing lock.
	BusyTimeout time.Duration
}

// DefaultConfig returns the default configuration for dbPath.
func DefaultConfig(dbPath string) Config {
	return Config{
		DBPath:      dbPath,
		Synchronous: "FULL",
		BusyTimeout: 5 * time.Second,
	}
}

// Validate checks configuration values and returns an error for invalid settings.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("DBPath is required")
	}
	switch c.Synchronous {
	case "", "NORMAL", "FULL":
	default:
		return fmt.Errorf("invalid Synchronous value %q: must be NORMAL or FULL", c.Synchronous)
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("BusyTimeout must be non-negative, got %s", c.BusyTimeout)
	}
	return nil
}

// Offset is the bundled position of one extraction file. File is the
// file's path below the extraction directory, extension included.
type Offset struct {
	File      string
	Offset    int64
	Lines     int64
	HeadHash  string
	UpdatedAt time.Time
}

// Shard is a database file written by a committed batch.
type Shard struct {
	Path string // relative to the database directory
	Rows int64
}

// Run is a finished bundling run.
type Run struct {
	RunID          string
	StartedAt      time.Time
	FinishedAt     time.Time
	FilesBundled   int64
	RecordsWritten int64
	Defects        int64
}

// Store is the SQLite-backed checkpoint store.
type Store struct {
	db  *sql.DB
	cfg Config

	// writeMu serializes commits; reads run concurrently.
	writeMu sync.Mutex
}

// Open creates or opens the checkpoint database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Synchronous == "" {
		cfg.Synchronous = "FULL"
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	s := &Store{db: db, cfg: cfg}
	if err := s.applyPragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log := logging.WithPhase("checkpoint_open")
	log.Debug().
		Str("db_path", cfg.DBPath).
		Str("synchronous", cfg.Synchronous).
		Msg("opened checkpoint store")

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) applyPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA synchronous=%s", s.cfg.Synchronous),
		fmt.Sprintf("PRAGMA busy_timeout=%d", s.cfg.BusyTimeout.Milliseconds()),
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return err
	}

	var version int
	if err = tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return err
	}
	if version < 1 {
		ddl := []string{
			`CREATE TABLE IF NOT EXISTS file_offsets (
				object_key TEXT PRIMARY KEY,
				byte_offset INTEGER NOT NULL,
				lines INTEGER NOT NULL,
				head_hash TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS shards (
				path TEXT PRIMARY KEY,
				row_count INTEGER NOT NULL,
				committed_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS runs (
				run_id TEXT PRIMARY KEY,
				started_at TEXT NOT NULL,
				finished_at TEXT NOT NULL,
				files_bundled INTEGER NOT NULL,
				records_written INTEGER NOT NULL,
				defects INTEGER NOT NULL
			)`,
		}
		for _, stmt := range ddl {
			if _, err = tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		if _, err = tx.ExecContext(ctx, "INSERT INTO schema_migrations(version, applied_at) VALUES(1, ?)", formatTime(time.Now())); err != nil {
			return err
		}
	}
	if version < 2 {
		// Offsets were keyed by object key, shared by a plain file and its
		// rotated .zst round. Keys now name the file; old rows described the
		// plain file.
		ddl := []string{
			"ALTER TABLE file_offsets RENAME COLUMN object_key TO file",
			"UPDATE file_offsets SET file = file || '.tsv'",
		}
		for _, stmt := range ddl {
			if _, err = tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		if _, err = tx.ExecContext(ctx, "INSERT INTO schema_migrations(version, applied_at) VALUES(2, ?)", formatTime(time.Now())); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Get returns the offset of file. A file never bundled returns ok=false.
func (s *Store) Get(ctx context.Context, file string) (Offset, bool, error) {
	var (
		o       Offset
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT file, byte_offset, lines, head_hash, updated_at FROM file_offsets WHERE file = ?",
		file,
	).Scan(&o.File, &o.Offset, &o.Lines, &o.HeadHash, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Offset{}, false, nil
	}
	if err != nil {
		return Offset{}, false, fmt.Errorf("get offset %s: %w", file, err)
	}
	o.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return o, true, nil
}

// All returns every recorded offset keyed by file.
func (s *Store) All(ctx context.Context) (map[string]Offset, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT file, byte_offset, lines, head_hash, updated_at FROM file_offsets")
	if err != nil {
		return nil, fmt.Errorf("list offsets: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Offset)
	for rows.Next() {
		var (
			o       Offset
			updated string
		)
		if err := rows.Scan(&o.File, &o.Offset, &o.Lines, &o.HeadHash, &updated); err != nil {
			return nil, fmt.Errorf("scan offset: %w", err)
		}
		o.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out[o.File] = o
	}
	return out, rows.Err()
}

// CommitBatch advances offsets and registers the shards that hold their
// records in one transaction. Either the whole batch is recorded or none of it.
func (s *Store) CommitBatch(ctx context.Context, offsets []Offset, shards []Shard) (err error) {
	if len(offsets) == 0 && len(shards) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	offsetStmt, err := tx.PrepareContext(ctx, `
INSERT INTO file_offsets(file, byte_offset, lines, head_hash, updated_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(file) DO UPDATE SET
	byte_offset = excluded.byte_offset,
	lines = excluded.lines,
	head_hash = excluded.head_hash,
	updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare offset upsert: %w", err)
	}
	defer offsetStmt.Close()

	shardStmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO shards(path, row_count, committed_at) VALUES(?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare shard insert: %w", err)
	}
	defer shardStmt.Close()

	now := formatTime(time.Now())
	for _, o := range offsets {
		if _, err = offsetStmt.ExecContext(ctx, o.File, o.Offset, o.Lines, o.HeadHash, now); err != nil {
			return fmt.Errorf("upsert %s: %w", o.File, err)
		}
	}
	for _, sh := range shards {
		if _, err = shardStmt.ExecContext(ctx, sh.Path, sh.Rows, now); err != nil {
			return fmt.Errorf("insert shard %s: %w", sh.Path, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Shards returns the committed shards keyed by relative path.
func (s *Store) Shards(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT path, row_count FROM shards")
	if err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			path string
			n    int64
		)
		if err := rows.Scan(&path, &n); err != nil {
			return nil, fmt.Errorf("scan shard: %w", err)
		}
		out[path] = n
	}
	return out, rows.Err()
}

// Reset forgets the offset of file so the next run rereads it from the
// start. It reports whether an offset was recorded.
func (s *Store) Reset(ctx context.Context, file string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, "DELETE FROM file_offsets WHERE file = ?", file)
	if err != nil {
		return false, fmt.Errorf("reset %s: %w", file, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reset %s: %w", file, err)
	}
	return n > 0, nil
}

// RecordRun stores the outcome of a bundling run.
func (s *Store) RecordRun(ctx context.Context, r Run) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO runs(run_id, started_at, finished_at, files_bundled, records_written, defects) VALUES(?, ?, ?, ?, ?, ?)",
		r.RunID, formatTime(r.StartedAt), formatTime(r.FinishedAt), r.FilesBundled, r.RecordsWritten, r.Defects,
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.RunID, err)
	}
	return nil
}

// LastRun returns the most recently finished run.
func (s *Store) LastRun(ctx context.Context) (Run, bool, error) {
	var (
		r                 Run
		started, finished string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT run_id, started_at, finished_at, files_bundled, records_written, defects FROM runs ORDER BY finished_at DESC LIMIT 1",
	).Scan(&r.RunID, &started, &finished, &r.FilesBundled, &r.RecordsWritten, &r.Defects)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, fmt.Errorf("last run: %w", err)
	}
	r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
	return r, true, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
