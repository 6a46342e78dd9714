// Package jobs runs scans and signature updates in the background, one at a
// time.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eargollo/hashguard/internal/progress"
	"github.com/eargollo/hashguard/internal/quarantine"
	"github.com/eargollo/hashguard/internal/scan"
	"github.com/eargollo/hashguard/internal/signatures"
)

// ErrAlreadyRunning is returned when a job is started while another runs.
var ErrAlreadyRunning = errors.New("a scan or signature update is already in progress")

// ErrNoActiveJob is returned when cancel is called with nothing running.
var ErrNoActiveJob = errors.New("no job is currently running")

// Kind identifies what a job does.
type Kind string

const (
	KindScan   Kind = "scan"
	KindUpdate Kind = "update"
)

// Job holds live information about the running job.
type Job struct {
	Kind        Kind      `json:"kind"`
	ScanID      int64     `json:"scan_id,omitempty"`
	Root        string    `json:"root,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	TriggeredBy string    `json:"triggered_by"`

	Progress *scan.Progress     `json:"-"`
	Events   *progress.Recorder `json:"-"`

	done chan struct{}
}

// Done is closed when the job has finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// UpdateResult is the outcome of the last signature update.
type UpdateResult struct {
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	TriggeredBy string    `json:"triggered_by"`
	Signatures  int64     `json:"signatures"`
	Error       string    `json:"error,omitempty"`
}

// Options configures a Manager.
type Options struct {
	// Session is the template for every scan. Sink and Progress are set per
	// job.
	Session scan.SessionOptions
	// Quarantine, when set, receives every match as it is found.
	Quarantine *quarantine.Manager
}

// Manager enforces a single active job and exposes start and cancel.
// It is safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	db     *sql.DB
	store  *signatures.Store
	source signatures.RecordSource
	opts   Options

	active     *Job
	cancelFn   context.CancelFunc
	lastUpdate *UpdateResult
	wg         sync.WaitGroup
}

// NewManager creates a Manager. Updates read their records from source.
func NewManager(db *sql.DB, store *signatures.Store, source signatures.RecordSource, opts Options) *Manager {
	return &Manager{db: db, store: store, source: source, opts: opts}
}

// StartScan launches an asynchronous scan of root. The scan_history row is
// created before returning so the ID is known to the caller.
func (m *Manager) StartScan(parentCtx context.Context, root, triggeredBy string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return nil, ErrAlreadyRunning
	}

	startedAt := time.Now()
	scanID, err := scan.InsertScanRecord(parentCtx, m.db, root, triggeredBy, startedAt)
	if err != nil {
		return nil, fmt.Errorf("create scan record: %w", err)
	}

	job := &Job{
		Kind:        KindScan,
		ScanID:      scanID,
		Root:        root,
		StartedAt:   startedAt,
		TriggeredBy: triggeredBy,
		Progress:    &scan.Progress{},
		Events:      &progress.Recorder{},
	}
	opts := m.opts.Session
	opts.Progress = job.Progress
	opts.Sink = progress.Tee(opts.Sink, job.Events)

	var log scan.ResultLog = scan.NewDBResultLog(m.db, scanID)
	if m.opts.Quarantine != nil {
		log = &quarantineLog{next: log, q: m.opts.Quarantine, scanID: scanID}
	}
	session := scan.NewSession(m.store, log, opts)

	m.launch(parentCtx, job, func(ctx context.Context) {
		if _, err := scan.Execute(ctx, m.db, scanID, session, root, startedAt); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("scan run error", "id", scanID, "error", err)
		}
	})
	return job, nil
}

// StartUpdate launches an asynchronous signature update.
func (m *Manager) StartUpdate(parentCtx context.Context, triggeredBy string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return nil, ErrAlreadyRunning
	}

	job := &Job{
		Kind:        KindUpdate,
		StartedAt:   time.Now(),
		TriggeredBy: triggeredBy,
		Events:      &progress.Recorder{},
	}
	m.launch(parentCtx, job, func(ctx context.Context) {
		res := UpdateResult{StartedAt: job.StartedAt, TriggeredBy: triggeredBy}
		n, err := m.store.UpdateAll(ctx, m.source, job.Events)
		res.FinishedAt = time.Now()
		if err != nil {
			slog.Error("signature update error", "error", err)
			res.Error = err.Error()
			res.Signatures, _ = m.store.Count(context.Background())
		} else {
			res.Signatures = n
		}

		m.mu.Lock()
		m.lastUpdate = &res
		m.mu.Unlock()
	})
	return job, nil
}

// launch runs fn on a new goroutine as the active job. m.mu must be held.
func (m *Manager) launch(parentCtx context.Context, job *Job, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parentCtx))
	job.done = make(chan struct{})
	m.active = job
	m.cancelFn = cancel
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		defer close(job.done)
		defer cancel()
		fn(ctx)

		m.mu.Lock()
		m.active = nil
		m.cancelFn = nil
		m.mu.Unlock()
	}()
}

// Cancel stops the running job. Returns ErrNoActiveJob if idle.
func (m *Manager) Cancel() (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil, ErrNoActiveJob
	}
	snap := *m.active
	m.cancelFn()
	return &snap, nil
}

// Active returns a snapshot of the running job, or nil when idle.
func (m *Manager) Active() *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	snap := *m.active
	return &snap
}

// LastUpdate returns the outcome of the most recent update, or nil if none
// ran since startup.
func (m *Manager) LastUpdate() *UpdateResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastUpdate == nil {
		return nil
	}
	res := *m.lastUpdate
	return &res
}

// Wait blocks until the running job, if any, has finished. It must not run
// concurrently with StartScan or StartUpdate; use Job.Done for that.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown cancels the running job and waits for it to unwind, or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.cancelFn != nil {
		m.cancelFn()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// quarantineLog records a match, then moves the file into quarantine. A
// failed move is logged and does not stop the scan.
type quarantineLog struct {
	next   scan.ResultLog
	q      *quarantine.Manager
	scanID int64
}

func (l *quarantineLog) LogMatch(ctx context.Context, r scan.ScanResult) error {
	if err := l.next.LogMatch(ctx, r); err != nil {
		return err
	}
	r.ScanID = l.scanID
	if _, err := l.q.MoveMatch(ctx, r); err != nil {
		slog.Error("auto-quarantine failed", "path", r.Path, "error", err)
	}
	return nil
}
