// Package quarantine moves matched files out of reach and keeps them for a
// retention period before purging them.
package quarantine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/eargollo/hashguard/internal/scan"
)

// Quarantined files are readable by the owner only and never executable.
const quarantineMode fs.FileMode = 0o400

// Item statuses.
const (
	StatusQuarantined = "quarantined"
	StatusRestored    = "restored"
	StatusPurged      = "purged"
)

// ErrNotQuarantined is returned for an ID that is unknown, restored or purged.
var ErrNotQuarantined = errors.New("quarantine item not found or no longer quarantined")

// RestoreConflictError is returned when the original path is occupied again.
type RestoreConflictError struct {
	Path string
}

func (e *RestoreConflictError) Error() string {
	return fmt.Sprintf("a file already exists at %q", e.Path)
}

// Item is one row of the quarantine table.
type Item struct {
	ID             int64      `json:"id"`
	OriginalPath   string     `json:"original_path"`
	QuarantinePath string     `json:"-"`
	FileSize       int64      `json:"file_size"`
	Hash           string     `json:"hash"`
	ScanID         int64      `json:"scan_id,omitempty"`
	QuarantinedAt  time.Time  `json:"quarantined_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	Status         string     `json:"status"`
	RestoredAt     *time.Time `json:"restored_at,omitempty"`
}

// Manager owns the quarantine directory and its table.
type Manager struct {
	db        *sql.DB
	dir       string
	retention time.Duration
	now       func() time.Time
}

// New creates a Manager keeping files in dir for retentionDays.
func New(db *sql.DB, dir string, retentionDays int) *Manager {
	return &Manager{
		db:        db,
		dir:       dir,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		now:       time.Now,
	}
}

// Move quarantines the file at path and returns the new item ID.
func (m *Manager) Move(ctx context.Context, path, hash string) (int64, error) {
	return m.move(ctx, path, hash, 0)
}

// MoveMatch quarantines a file reported by a scan.
func (m *Manager) MoveMatch(ctx context.Context, r scan.ScanResult) (int64, error) {
	return m.move(ctx, r.Path, r.Hash, r.ScanID)
}

func (m *Manager) move(ctx context.Context, path, hash string, scanID int64) (int64, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %q: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("quarantine %q: not a regular file", path)
	}

	now := m.now()
	dst := m.pathFor(path, now)
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return 0, fmt.Errorf("create quarantine subdir: %w", err)
	}
	if err := moveFile(path, dst); err != nil {
		return 0, fmt.Errorf("move to quarantine: %w", err)
	}
	if err := os.Chmod(dst, quarantineMode); err != nil {
		slog.Warn("quarantine: chmod failed", "path", dst, "error", err)
	}

	var sid any
	if scanID != 0 {
		sid = scanID
	}
	expiresAt := now.Add(m.retention)
	res, err := m.db.ExecContext(ctx, `
		INSERT INTO quarantine
			(original_path, quarantine_path, file_size, file_mode, hash,
			 quarantined_at, expires_at, status, scan_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'quarantined', ?)`,
		path, dst, info.Size(), int64(info.Mode().Perm()), hash,
		now.Unix(), expiresAt.Unix(), sid)
	if err != nil {
		if rerr := m.putBack(dst, path, info.Mode().Perm()); rerr != nil {
			slog.Error("undo quarantine move failed", "path", path, "error", rerr)
		}
		return 0, fmt.Errorf("insert quarantine record: %w", err)
	}

	id, _ := res.LastInsertId()
	slog.Warn("file quarantined", "path", path, "hash", hash, "quarantine_id", id, "expires_at", expiresAt.Format(time.RFC3339))
	return id, nil
}

// Restore moves a quarantined file back to its original path with its
// original permissions.
func (m *Manager) Restore(ctx context.Context, id int64) error {
	var (
		original, held string
		mode           int64
	)
	err := m.db.QueryRowContext(ctx,
		`SELECT original_path, quarantine_path, file_mode FROM quarantine WHERE id = ? AND status = 'quarantined'`,
		id,
	).Scan(&original, &held, &mode)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotQuarantined
	}
	if err != nil {
		return fmt.Errorf("lookup quarantine item %d: %w", id, err)
	}

	if _, err := os.Lstat(original); err == nil {
		return &RestoreConflictError{Path: original}
	}
	if err := os.MkdirAll(filepath.Dir(original), 0o755); err != nil {
		return fmt.Errorf("recreate restore dir: %w", err)
	}
	if err := m.putBack(held, original, fs.FileMode(mode)); err != nil {
		return fmt.Errorf("restore file: %w", err)
	}

	if _, err := m.db.ExecContext(ctx,
		`UPDATE quarantine SET status = 'restored', restored_at = ? WHERE id = ?`,
		m.now().Unix(), id,
	); err != nil {
		slog.Error("update quarantine status after restore", "quarantine_id", id, "error", err)
	}
	slog.Info("file restored from quarantine", "path", original, "quarantine_id", id)
	return nil
}

// PurgeExpired deletes quarantined files whose retention has run out and
// returns how many were removed. Files that cannot be removed stay
// quarantined and are retried on the next run.
func (m *Manager) PurgeExpired(ctx context.Context) (int64, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, quarantine_path FROM quarantine
		WHERE status = 'quarantined' AND expires_at <= ?`,
		m.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("query expired quarantine: %w", err)
	}

	type expired struct {
		id   int64
		path string
	}
	var items []expired
	for rows.Next() {
		var it expired
		if err := rows.Scan(&it.id, &it.path); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan quarantine row: %w", err)
		}
		items = append(items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var purged int64
	now := m.now().Unix()
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		if err := os.Remove(it.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("purge: remove file failed", "path", it.path, "error", err)
			continue
		}
		if _, err := m.db.ExecContext(ctx,
			`UPDATE quarantine SET status = 'purged', purged_at = ? WHERE id = ?`, now, it.id,
		); err != nil {
			slog.Error("purge: update quarantine status", "quarantine_id", it.id, "error", err)
			continue
		}
		purged++
	}
	if purged > 0 {
		slog.Info("quarantine purge complete", "files_purged", purged)
	}
	return purged, ctx.Err()
}

// List returns items still held in quarantine, newest first.
func (m *Manager) List(ctx context.Context) ([]Item, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, original_path, quarantine_path, file_size, hash, COALESCE(scan_id, 0),
		       quarantined_at, expires_at, status, restored_at
		FROM quarantine WHERE status = 'quarantined'
		ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list quarantine: %w", err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		var (
			it                  Item
			quarantined, expiry int64
			restored            sql.NullInt64
		)
		if err := rows.Scan(&it.ID, &it.OriginalPath, &it.QuarantinePath, &it.FileSize, &it.Hash, &it.ScanID,
			&quarantined, &expiry, &it.Status, &restored); err != nil {
			return nil, fmt.Errorf("scan quarantine row: %w", err)
		}
		it.QuarantinedAt = time.Unix(quarantined, 0)
		it.ExpiresAt = time.Unix(expiry, 0)
		if restored.Valid {
			t := time.Unix(restored.Int64, 0)
			it.RestoredAt = &t
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// pathFor returns dir/YYYY-MM-DD/<uuid>_<basename>.
func (m *Manager) pathFor(original string, now time.Time) string {
	name := uuid.NewString() + "_" + filepath.Base(original)
	return filepath.Join(m.dir, now.Format("2006-01-02"), name)
}

// putBack moves src to dst and restores mode on dst.
func (m *Manager) putBack(src, dst string, mode fs.FileMode) error {
	if err := moveFile(src, dst); err != nil {
		return err
	}
	return os.Chmod(dst, mode)
}

// moveFile renames src to dst, falling back to copy and delete across
// filesystems.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	var le *os.LinkError
	if errors.As(err, &le) && errors.Is(le.Err, syscall.EXDEV) {
		return copyThenDelete(src, dst)
	}
	return err
}

// copyThenDelete copies src to dst then removes src. dst is cleaned up on error.
func copyThenDelete(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		out.Close()
		if err != nil {
			os.Remove(dst)
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	in.Close()
	return os.Remove(src)
}
