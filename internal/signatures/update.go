package signatures

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"

	"github.com/eargollo/hashguard/internal/progress"
)

// Phase is a state of the update protocol, persisted in update_journal.
//
//	Active ──► BackingUp ──► Staging ──► Committing ──► Active
//	                │            │
//	                └────────────┴─► RollingBack ──► Active
//
// BackingUp and the step into Staging commit in the same transaction, so a
// crash leaves the journal in Active or Staging, never in between.
type Phase string

const (
	PhaseActive      Phase = "active"
	PhaseBackingUp   Phase = "backing_up"
	PhaseStaging     Phase = "staging"
	PhaseCommitting  Phase = "committing"
	PhaseRollingBack Phase = "rolling_back"
)

var transitions = map[Phase][]Phase{
	PhaseActive:      {PhaseBackingUp},
	PhaseBackingUp:   {PhaseStaging, PhaseRollingBack},
	PhaseStaging:     {PhaseCommitting, PhaseRollingBack},
	PhaseCommitting:  {PhaseActive},
	PhaseRollingBack: {PhaseActive},
}

func canTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Phase returns the update phase recorded in the journal.
func (s *Store) Phase(ctx context.Context) (Phase, error) {
	var p string
	if err := s.db.QueryRowContext(ctx, `SELECT phase FROM update_journal WHERE id = 1`).Scan(&p); err != nil {
		return "", storeErr("read journal", err)
	}
	return Phase(p), nil
}

// advance records a phase change inside tx after checking it is legal.
func advance(ctx context.Context, tx *sql.Tx, from, to Phase) error {
	if !canTransition(from, to) {
		return fmt.Errorf("illegal update transition %s -> %s", from, to)
	}
	now := time.Now().Unix()
	q := `UPDATE update_journal SET phase = ?, updated_at = ? WHERE id = 1`
	args := []any{to, now}
	if to == PhaseBackingUp {
		q = `UPDATE update_journal SET phase = ?, updated_at = ?, started_at = ? WHERE id = 1`
		args = append(args, now)
	}
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("journal %s: %w", to, err)
	}
	slog.Debug("signature update phase", "from", from, "to", to)
	return nil
}

// step runs stmts and the listed phase changes in one transaction.
func (s *Store) step(ctx context.Context, path []Phase, stmts ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer tx.Rollback()

	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return storeErr(q, err)
		}
	}
	for i := 1; i < len(path); i++ {
		if err := advance(ctx, tx, path[i-1], path[i]); err != nil {
			return storeErr("advance", err)
		}
	}
	return storeErr("commit", tx.Commit())
}

// UpdateAll replaces the whole signature table with the records from src and
// returns the new record count.
//
// The previous table is kept as a backup until the new one is fully written.
// If anything other than an individual bad record fails while writing, the
// new table is dropped and the backup restored, so Count and Lookup behave
// exactly as before the call. Errors are *UpdateError.
func (s *Store) UpdateAll(ctx context.Context, src RecordSource, sink progress.Sink) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := acquireLock(ctx, s.opts.LockPath, s.opts.LockTimeout)
	if err != nil {
		return 0, &UpdateError{Step: "lock", Err: err}
	}
	defer unlock()

	start := time.Now()
	slog.Info("signature update started")

	progress.Emit(sink, progress.Acquire, "")
	set, err := src.Acquire(ctx)
	if err != nil {
		return 0, &UpdateError{Step: "acquire", Err: err}
	}
	defer set.Close()

	if err := s.backup(ctx); err != nil {
		return 0, &UpdateError{Step: string(PhaseBackingUp), Err: err}
	}

	progress.Emit(sink, progress.Insert, "")
	stats, err := s.stage(ctx, set)
	if err != nil {
		return 0, s.abort(PhaseStaging, err)
	}

	// Until the backup is dropped the update can still be undone. Past that
	// point the new table is the only one left, so the rest of the commit runs
	// to completion even if ctx is cancelled.
	if err := s.step(ctx, []Phase{PhaseStaging, PhaseCommitting}, `DROP TABLE IF EXISTS `+backupTable); err != nil {
		return 0, s.abort(PhaseCommitting, err)
	}
	ctx = context.WithoutCancel(ctx)

	progress.Emit(sink, progress.Index, "")
	if err := s.finishCommit(ctx); err != nil {
		return 0, &UpdateError{Step: string(PhaseCommitting), Err: err}
	}

	count, err := s.Count(ctx)
	if err != nil {
		return 0, &UpdateError{Step: "count", Err: err}
	}
	progress.Emit(sink, progress.Done, strconv.FormatInt(count, 10))
	slog.Info("signature update finished",
		"signatures", count,
		"inserted", stats.Applied,
		"skipped", stats.Skipped,
		"elapsed", time.Since(start))
	return count, nil
}

// backup moves the active table aside and creates an empty one in its place.
func (s *Store) backup(ctx context.Context) error {
	hasActive, err := s.objectExists(ctx, "table", activeTable)
	if err != nil {
		return err
	}
	stmts := []string{`DROP TABLE IF EXISTS ` + backupTable}
	if hasActive {
		stmts = append(stmts, `ALTER TABLE `+activeTable+` RENAME TO `+backupTable)
	}
	stmts = append(stmts, tableDDL(activeTable))
	return s.step(ctx, []Phase{PhaseActive, PhaseBackingUp, PhaseStaging}, stmts...)
}

// stage fills the fresh active table from set.
func (s *Store) stage(ctx context.Context, set RecordSet) (BatchResult, error) {
	var total BatchResult
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch, err := set.Next(ctx)
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("read records: %w", err)
		}
		for len(batch) > 0 {
			n := min(len(batch), s.opts.BatchSize)
			res, err := s.insertBatch(ctx, batch[:n])
			if err != nil {
				return total, err
			}
			total.Applied += res.Applied
			total.Skipped += res.Skipped
			batch = batch[n:]
		}
	}
}

// rollback drops the partially written table and puts the backup back. With
// no backup (first ever update) it leaves an empty active table.
func (s *Store) rollback(ctx context.Context, from Phase) error {
	hasBackup, err := s.objectExists(ctx, "table", backupTable)
	if err != nil {
		return err
	}
	stmts := []string{`DROP TABLE IF EXISTS ` + activeTable}
	if hasBackup {
		stmts = append(stmts, `ALTER TABLE `+backupTable+` RENAME TO `+activeTable)
	} else {
		stmts = append(stmts, tableDDL(activeTable))
	}
	path := []Phase{from, PhaseRollingBack, PhaseActive}
	if from == PhaseRollingBack {
		path = path[1:]
	}
	return s.step(ctx, path, stmts...)
}

// rollbackWithRetry runs rollback on a fresh context, since the caller's may
// already be cancelled, and retries because it is the only way back to a
// consistent store.
func (s *Store) rollbackWithRetry(from Phase) error {
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	return backoff.Retry(func() error {
		return s.rollback(context.Background(), from)
	}, b)
}

// abort restores the previous table after a failure while the update was
// still in the staging phase. step names where the update failed.
func (s *Store) abort(step Phase, err error) error {
	slog.Warn("signature update failed, restoring previous table", "step", step, "error", err)
	if rbErr := s.rollbackWithRetry(PhaseStaging); rbErr != nil {
		slog.Error("signature rollback failed", "error", rbErr)
		err = multierror.Append(err, rbErr)
	}
	return &UpdateError{Step: string(step), Err: err}
}

// finishCommit rebuilds the index over the new table and marks the journal
// active.
func (s *Store) finishCommit(ctx context.Context) error {
	if err := s.DropIndex(ctx); err != nil {
		return err
	}
	if err := s.Vacuum(ctx); err != nil {
		return err
	}
	if err := s.CreateIndex(ctx); err != nil {
		return err
	}
	return s.step(ctx, []Phase{PhaseCommitting, PhaseActive})
}

// Recover brings the tables back in line with the journal after a crash or
// an aborted UpdateAll. It is run by New and is safe to call at any time no
// update is in progress.
func (s *Store) Recover(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := acquireLock(ctx, s.opts.LockPath, s.opts.LockTimeout)
	if err != nil {
		return &StoreError{Op: "lock", Err: err}
	}
	defer unlock()
	return s.recover(ctx)
}

func (s *Store) recover(ctx context.Context) error {
	phase, err := s.Phase(ctx)
	if err != nil {
		return err
	}
	hasBackup, err := s.objectExists(ctx, "table", backupTable)
	if err != nil {
		return err
	}

	switch phase {
	case PhaseActive:
		if !hasBackup {
			return nil
		}
		return s.adoptStrayBackup(ctx)
	case PhaseBackingUp, PhaseStaging, PhaseRollingBack:
		slog.Warn("signature store: interrupted update found, rolling back", "phase", phase)
		if phase == PhaseBackingUp {
			// Never committed on its own; treat as staging.
			phase = PhaseStaging
		}
		return s.rollback(ctx, phase)
	case PhaseCommitting:
		slog.Warn("signature store: interrupted commit found, finishing it")
		if hasBackup {
			if _, err := s.db.ExecContext(ctx, `DROP TABLE `+backupTable); err != nil {
				return storeErr("drop backup", err)
			}
		}
		return s.finishCommit(ctx)
	default:
		return &StoreError{Op: "recover", Err: fmt.Errorf("unknown journal phase %q", phase)}
	}
}

// adoptStrayBackup handles a backup table that exists while the journal says
// no update is running, which only happens for stores written before the
// journal existed. The backup wins only if the active table is empty.
func (s *Store) adoptStrayBackup(ctx context.Context) error {
	n, err := s.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Warn("signature store: dropping stray backup table")
		_, err := s.db.ExecContext(ctx, `DROP TABLE `+backupTable)
		return storeErr("drop backup", err)
	}
	slog.Warn("signature store: restoring stray backup over empty table")
	return s.step(ctx, nil,
		`DROP TABLE `+activeTable,
		`ALTER TABLE `+backupTable+` RENAME TO `+activeTable)
}
