// Package signatures owns the on-disk table of known-malicious content hashes.
//
// The active table is always named "signatures". UpdateAll replaces its whole
// content by renaming it to a backup, filling a fresh table and then either
// dropping the backup or renaming it back; see update.go.
package signatures

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	activeTable = "signatures"
	backupTable = "signatures_old"
	indexName   = "idx_signatures_hash"

	// HashLength is the number of hex characters in a stored signature (MD5).
	HashLength = 32

	// DefaultBatchSize is the number of records inserted per transaction
	// during UpdateAll when Options.BatchSize is zero.
	DefaultBatchSize = 10000
)

// Options tunes a Store.
type Options struct {
	// LockPath is the advisory lock file guarding UpdateAll against other
	// processes. Empty disables cross-process locking.
	LockPath string
	// LockTimeout bounds how long UpdateAll waits for LockPath.
	LockTimeout time.Duration
	// BatchSize is the number of records per InsertBatch during UpdateAll.
	BatchSize int
}

// BatchResult counts the outcome of InsertBatch or RemoveBatch.
type BatchResult struct {
	Applied int64
	Skipped int64
}

// Store is the signature table plus its update protocol. Write operations
// are serialized; Lookup and Count are not.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	opts   Options
	lookup *sql.Stmt
}

// New prepares the signature schema on db and repairs any update that was
// interrupted by a crash. After New returns, an active table exists.
func New(ctx context.Context, db *sql.DB, opts Options) (*Store, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	s := &Store{db: db, opts: opts}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}

	unlock, err := acquireLock(ctx, opts.LockPath, 0)
	switch {
	case errors.Is(err, ErrLocked):
		slog.Warn("signature store: update running elsewhere, skipping recovery")
	case err != nil:
		return nil, &StoreError{Op: "lock", Err: err}
	default:
		err = s.recover(ctx)
		unlock()
		if err != nil {
			return nil, err
		}
	}

	// SQLite re-prepares the statement when the schema changes, so it keeps
	// following whichever table is currently named "signatures".
	s.lookup, err = db.PrepareContext(ctx, `SELECT EXISTS(SELECT 1 FROM signatures WHERE hash = ?)`)
	if err != nil {
		return nil, storeErr("prepare lookup", err)
	}
	return s, nil
}

// Close releases prepared statements. The *sql.DB stays open.
func (s *Store) Close() error {
	if s.lookup == nil {
		return nil
	}
	return s.lookup.Close()
}

func tableDDL(name string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	hash TEXT NOT NULL CHECK (length(hash) = %d AND hash NOT GLOB '*[^0-9A-Fa-f]*')
)`, name, HashLength)
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		tableDDL(activeTable),
		`CREATE TABLE IF NOT EXISTS update_journal (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			phase      TEXT    NOT NULL,
			started_at INTEGER,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return storeErr("init schema", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO update_journal (id, phase, updated_at) VALUES (1, ?, ?)`,
		PhaseActive, time.Now().Unix())
	return storeErr("init journal", err)
}

// Lookup reports whether hash is a known signature. The match is exact and
// case-sensitive. A missing hash is (false, nil); errors are *StoreError.
func (s *Store) Lookup(ctx context.Context, hash string) (bool, error) {
	var found bool
	if err := s.lookup.QueryRowContext(ctx, hash).Scan(&found); err != nil {
		return false, storeErr("lookup", err)
	}
	return found, nil
}

// Count returns the number of records in the active table.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM signatures`).Scan(&n); err != nil {
		return 0, storeErr("count", err)
	}
	return n, nil
}

// InsertBatch inserts records in a single transaction. A record the database
// rejects (malformed value, constraint violation) is counted as skipped and
// the rest of the batch still commits.
func (s *Store) InsertBatch(ctx context.Context, records []string) (BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertBatch(ctx, records)
}

// RemoveBatch deletes every copy of each record in a single transaction. A
// record whose delete fails or matches nothing is counted as skipped.
func (s *Store) RemoveBatch(ctx context.Context, records []string) (BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyBatch(ctx, "remove", `DELETE FROM signatures WHERE hash = ?`, records,
		func(res sql.Result) bool {
			n, err := res.RowsAffected()
			return err == nil && n > 0
		})
}

func (s *Store) insertBatch(ctx context.Context, records []string) (BatchResult, error) {
	return s.applyBatch(ctx, "insert", `INSERT INTO signatures (hash) VALUES (?)`, records,
		func(sql.Result) bool { return true })
}

// applyBatch runs query once per record inside one transaction and folds the
// per-row outcomes into a BatchResult. Only row-level rejections are folded;
// anything else aborts the batch and rolls the transaction back.
func (s *Store) applyBatch(ctx context.Context, op, query string, records []string, applied func(sql.Result) bool) (BatchResult, error) {
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BatchResult{}, storeErr(op+": begin tx", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return BatchResult{}, storeErr(op+": prepare", err)
	}
	defer stmt.Close()

	var res BatchResult
	for _, rec := range records {
		r, err := stmt.ExecContext(ctx, rec)
		switch {
		case err == nil && applied(r):
			res.Applied++
		case err == nil:
			res.Skipped++
		case isRowError(err):
			slog.Warn("signature rejected, skipping", "op", op, "hash", rec, "error", err)
			res.Skipped++
		default:
			return BatchResult{}, storeErr(op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return BatchResult{}, storeErr(op+": commit", err)
	}
	slog.Debug("signature batch applied", "op", op,
		"applied", res.Applied, "skipped", res.Skipped, "elapsed", time.Since(start))
	return res, nil
}

// isRowError reports whether err is confined to the offending row, i.e. the
// statement was rejected but the transaction and database are still sound.
func isRowError(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_TOOBIG:
		return true
	}
	return false
}

// CreateIndex builds the secondary index over the active table. Calling it
// when the index exists is a no-op.
func (s *Store) CreateIndex(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS `+indexName+` ON signatures (hash)`)
	return storeErr("create index", err)
}

// DropIndex removes the secondary index, tolerating its absence.
func (s *Store) DropIndex(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DROP INDEX IF EXISTS `+indexName)
	return storeErr("drop index", err)
}

// HasIndex reports whether the secondary index currently exists.
func (s *Store) HasIndex(ctx context.Context) (bool, error) {
	return s.objectExists(ctx, "index", indexName)
}

// Vacuum reclaims the space freed by dropped tables.
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	return storeErr("vacuum", err)
}

func (s *Store) objectExists(ctx context.Context, kind, name string) (bool, error) {
	var found bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type = ? AND name = ?)`,
		kind, name).Scan(&found)
	if err != nil {
		return false, storeErr("inspect schema", err)
	}
	return found, nil
}
