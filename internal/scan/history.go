package scan

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/eargollo/hashguard/internal/media"
)

// Scan statuses stored in scan_history.status.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ErrScanNotFound is returned by GetScan for an unknown ID.
var ErrScanNotFound = errors.New("scan not found")

// Record is one row of scan_history.
type Record struct {
	ID            int64      `json:"id"`
	RootPath      string     `json:"root_path"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Status        string     `json:"status"`
	TriggeredBy   string     `json:"triggered_by"`
	FilesAnalyzed int64      `json:"files_analyzed"`
	FilesSkipped  int64      `json:"files_skipped"`
	FilesMatched  int64      `json:"files_matched"`
	DurationMs    int64      `json:"duration_ms"`
	Error         string     `json:"error,omitempty"`
}

// DBResultLog appends matches to scan_results for one scan.
type DBResultLog struct {
	db     *sql.DB
	scanID int64
}

// NewDBResultLog returns a ResultLog writing rows for scanID.
func NewDBResultLog(db *sql.DB, scanID int64) *DBResultLog {
	return &DBResultLog{db: db, scanID: scanID}
}

// LogMatch implements ResultLog. The file type is sniffed from content.
func (l *DBResultLog) LogMatch(ctx context.Context, r ScanResult) error {
	if r.FileType == "" {
		r.FileType = media.Detect(r.Path)
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO scan_results (scan_id, path, hash, file_type, found_at)
		VALUES (?, ?, ?, ?, ?)`,
		l.scanID, r.Path, r.Hash, r.FileType, r.FoundAt.Unix())
	if err != nil {
		return fmt.Errorf("insert scan result: %w", err)
	}
	return nil
}

// Run creates a scan_history row, scans root and finalises the row. It is the
// standalone entry point used by the CLI; the job manager creates the row
// itself so the ID is known before the scan starts.
func Run(ctx context.Context, db *sql.DB, store Lookuper, root, triggeredBy string, opts SessionOptions) (int64, Summary, error) {
	startedAt := time.Now()
	id, err := InsertScanRecord(ctx, db, root, triggeredBy, startedAt)
	if err != nil {
		return 0, Summary{}, fmt.Errorf("create scan record: %w", err)
	}
	s := NewSession(store, NewDBResultLog(db, id), opts)
	sum, err := Execute(ctx, db, id, s, root, startedAt)
	return id, sum, err
}

// Execute runs s over root for an existing scan record and stores the outcome.
func Execute(ctx context.Context, db *sql.DB, scanID int64, s *Session, root string, startedAt time.Time) (Summary, error) {
	sum, runErr := s.Scan(ctx, root)

	status := StatusCompleted
	switch {
	case ctx.Err() != nil:
		status = StatusCancelled
		if runErr == nil {
			runErr = ctx.Err()
		}
	case runErr != nil:
		status = StatusFailed
	}

	// ctx may be cancelled; the outcome still has to be written.
	if err := finishScanRecord(context.Background(), db, scanID, status, time.Now(), time.Since(startedAt), sum, runErr); err != nil {
		slog.Error("finalise scan record", "id", scanID, "error", err)
	}
	return sum, runErr
}

// InsertScanRecord creates a running scan_history row.
func InsertScanRecord(ctx context.Context, db *sql.DB, root, triggeredBy string, startedAt time.Time) (int64, error) {
	now := startedAt.Unix()
	res, err := db.ExecContext(ctx, `
		INSERT INTO scan_history (root_path, started_at, status, triggered_by, created_at)
		VALUES (?, ?, 'running', ?, ?)`,
		root, now, triggeredBy, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func finishScanRecord(ctx context.Context, db *sql.DB, scanID int64, status string, finishedAt time.Time, elapsed time.Duration, sum Summary, runErr error) error {
	var errText sql.NullString
	if runErr != nil {
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		UPDATE scan_history
		SET status         = ?,
		    finished_at    = ?,
		    duration_ms    = ?,
		    files_analyzed = ?,
		    files_skipped  = ?,
		    files_matched  = ?,
		    error          = ?
		WHERE id = ?`,
		status, finishedAt.Unix(), elapsed.Milliseconds(),
		sum.Analyzed, sum.Skipped, sum.Matched,
		errText, scanID)
	return err
}

// MarkStaleScansFailed marks scan_history rows left 'running' by a crashed
// process as failed. Call once at startup.
func MarkStaleScansFailed(ctx context.Context, db *sql.DB) error {
	res, err := db.ExecContext(ctx, `
		UPDATE scan_history
		SET status = 'failed', finished_at = ?, error = 'interrupted'
		WHERE status = 'running'`,
		time.Now().Unix())
	if err != nil {
		return fmt.Errorf("mark stale scans failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Warn("marked stale scans as failed", "count", n)
	}
	return nil
}

const recordColumns = `id, root_path, started_at, finished_at, status, triggered_by,
	files_analyzed, files_skipped, files_matched, duration_ms, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		r          Record
		started    int64
		finished   sql.NullInt64
		errMessage sql.NullString
	)
	err := row.Scan(&r.ID, &r.RootPath, &started, &finished, &r.Status, &r.TriggeredBy,
		&r.FilesAnalyzed, &r.FilesSkipped, &r.FilesMatched, &r.DurationMs, &errMessage)
	if err != nil {
		return Record{}, err
	}
	r.StartedAt = time.Unix(started, 0)
	if finished.Valid {
		t := time.Unix(finished.Int64, 0)
		r.FinishedAt = &t
	}
	r.Error = errMessage.String
	return r, nil
}

// ListScans returns a page of scans, newest first.
func ListScans(ctx context.Context, db *sql.DB, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM scan_history ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountScans returns the number of scan_history rows.
func CountScans(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scan_history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count scans: %w", err)
	}
	return n, nil
}

// LastCompleted returns the most recently finished successful scan, or
// ErrScanNotFound.
func LastCompleted(ctx context.Context, db *sql.DB) (Record, error) {
	r, err := scanRecord(db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM scan_history WHERE status = 'completed' ORDER BY finished_at DESC, id DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrScanNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("last completed scan: %w", err)
	}
	return r, nil
}

// GetScan returns one scan record.
func GetScan(ctx context.Context, db *sql.DB, id int64) (Record, error) {
	r, err := scanRecord(db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM scan_history WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrScanNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get scan %d: %w", id, err)
	}
	return r, nil
}

// Matches returns the match list to report for rec. A failed or cancelled
// scan reports none, even though rows written before it stopped are kept in
// scan_results. A running scan reports the matches found so far.
func Matches(ctx context.Context, db *sql.DB, rec Record) ([]ScanResult, error) {
	switch rec.Status {
	case StatusFailed, StatusCancelled:
		return nil, nil
	}
	return ListResults(ctx, db, rec.ID)
}

// ListResults returns the matches recorded for a scan in the order found.
func ListResults(ctx context.Context, db *sql.DB, scanID int64) ([]ScanResult, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT scan_id, path, hash, file_type, found_at
		FROM scan_results WHERE scan_id = ? ORDER BY id`, scanID)
	if err != nil {
		return nil, fmt.Errorf("list scan results: %w", err)
	}
	defer rows.Close()

	out := []ScanResult{}
	for rows.Next() {
		var (
			r       ScanResult
			foundAt int64
		)
		if err := rows.Scan(&r.ScanID, &r.Path, &r.Hash, &r.FileType, &foundAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.FoundAt = time.Unix(foundAt, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}
