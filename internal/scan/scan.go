// Package scan walks a directory tree, digests every regular file and checks
// each digest against the signature store.
package scan

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/eargollo/hashguard/internal/console"
	"github.com/eargollo/hashguard/internal/progress"
)

// Lookuper reports whether a digest is a known signature.
type Lookuper interface {
	Lookup(ctx context.Context, hash string) (bool, error)
}

// ScanResult is one matched file.
type ScanResult struct {
	ScanID   int64     `json:"scan_id,omitempty"`
	Path     string    `json:"path"`
	Hash     string    `json:"hash"`
	FileType string    `json:"file_type,omitempty"`
	FoundAt  time.Time `json:"found_at"`
}

// ResultLog records matches as they are found.
type ResultLog interface {
	LogMatch(ctx context.Context, r ScanResult) error
}

// LookupPolicy decides what a failed lookup means for the scan.
type LookupPolicy int

const (
	// FailOpen treats a failed lookup as "not a signature" and continues.
	FailOpen LookupPolicy = iota
	// FailClosed aborts the scan with a *LookupError.
	FailClosed
)

// ParseLookupPolicy accepts "fail_open" and "fail_closed". Empty means FailOpen.
func ParseLookupPolicy(s string) (LookupPolicy, error) {
	switch s {
	case "", "fail_open":
		return FailOpen, nil
	case "fail_closed":
		return FailClosed, nil
	default:
		return FailOpen, fmt.Errorf("unknown lookup failure policy %q", s)
	}
}

func (p LookupPolicy) String() string {
	if p == FailClosed {
		return "fail_closed"
	}
	return "fail_open"
}

// ScanIOError aborts a scan when the tree cannot be traversed.
type ScanIOError struct {
	Path string
	Err  error
}

func (e *ScanIOError) Error() string { return fmt.Sprintf("scan %s: %v", e.Path, e.Err) }
func (e *ScanIOError) Unwrap() error { return e.Err }

// LookupError aborts a FailClosed scan when the store cannot answer.
type LookupError struct {
	Path string
	Hash string
	Err  error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup %s (%s): %v", e.Path, e.Hash, e.Err)
}
func (e *LookupError) Unwrap() error { return e.Err }

// Summary describes a finished scan.
type Summary struct {
	Root         string        `json:"root"`
	Analyzed     int64         `json:"analyzed"`
	Skipped      int64         `json:"skipped"`
	Matched      int64         `json:"matched"`
	MatchedPaths []string      `json:"matched_paths"`
	Elapsed      time.Duration `json:"elapsed"`
}

// SessionOptions configures a Session. Zero values are usable.
type SessionOptions struct {
	// Budget is the digest buffer size in bytes.
	Budget       int
	LookupPolicy LookupPolicy
	Console      *console.Console
	Sink         progress.Sink
	Progress     *Progress
	// SkipDirs are directories not descended into, such as the quarantine.
	SkipDirs []string
}

// Session scans one tree at a time. It is not safe for concurrent use.
type Session struct {
	store    Lookuper
	log      ResultLog
	opts     SessionOptions
	digester *Digester
	progress *Progress
	matched  []string
}

// NewSession returns a Session checking digests against store and recording
// matches in log. log may be nil.
func NewSession(store Lookuper, log ResultLog, opts SessionOptions) *Session {
	p := opts.Progress
	if p == nil {
		p = &Progress{}
	}
	skip := make([]string, len(opts.SkipDirs))
	for i, d := range opts.SkipDirs {
		skip[i] = absPath(d)
	}
	opts.SkipDirs = skip
	return &Session{
		store:    store,
		log:      log,
		opts:     opts,
		digester: NewDigester(opts.Budget, opts.Console),
		progress: p,
	}
}

// Progress returns the live counters of the session.
func (s *Session) Progress() *Progress { return s.progress }

// Scan walks root depth-first and checks every regular file. Any traversal
// or metadata error aborts the scan with a *ScanIOError and no match list.
// Files that cannot be read, and empty files, are counted as skipped.
func (s *Session) Scan(ctx context.Context, root string) (Summary, error) {
	s.progress.reset()
	s.matched = nil
	readBefore := s.digester.BytesRead()
	start := time.Now()

	slog.Info("scan started", "root", root, "buffer_bytes", s.digester.BufferSize(), "lookup_failure", s.opts.LookupPolicy)
	progress.Emit(s.opts.Sink, progress.ScanStarted, root)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return &ScanIOError{Path: path, Err: err}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() && path != root && s.skip(path) {
			slog.Debug("scan: skipping directory", "path", path)
			return filepath.SkipDir
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if _, err := d.Info(); err != nil {
			return &ScanIOError{Path: path, Err: err}
		}
		err = s.scanFile(ctx, path)
		s.progress.BytesRead.Store(s.digester.BytesRead() - readBefore)
		return err
	})

	sum := Summary{
		Root:     root,
		Analyzed: s.progress.FilesAnalyzed.Load(),
		Skipped:  s.progress.FilesSkipped.Load(),
		Matched:  s.progress.FilesMatched.Load(),
		Elapsed:  time.Since(start),
	}
	if err != nil {
		slog.Error("scan aborted", "root", root, "analyzed", sum.Analyzed, "error", err)
		return sum, err
	}
	sum.MatchedPaths = s.matched
	if sum.MatchedPaths == nil {
		sum.MatchedPaths = []string{}
	}

	slog.Info("scan finished",
		"root", root,
		"analyzed", sum.Analyzed,
		"skipped", sum.Skipped,
		"matched", sum.Matched,
		"elapsed", sum.Elapsed)
	progress.Emit(s.opts.Sink, progress.ScanFinished, strconv.FormatInt(sum.Matched, 10))
	return sum, nil
}

// skip reports whether dir is one of SkipDirs. Both sides are compared in
// absolute form so a relative root or skip entry still matches.
func (s *Session) skip(dir string) bool {
	dir = absPath(dir)
	for _, d := range s.opts.SkipDirs {
		if d == dir {
			return true
		}
	}
	return false
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

func (s *Session) scanFile(ctx context.Context, path string) error {
	digest, ok := s.digester.Digest(path)
	if !ok {
		s.progress.FilesSkipped.Add(1)
		return nil
	}
	s.progress.FilesAnalyzed.Add(1)

	found, err := s.store.Lookup(ctx, digest)
	if err != nil {
		if s.opts.LookupPolicy == FailClosed {
			return &LookupError{Path: path, Hash: digest, Err: err}
		}
		slog.Warn("lookup failed, treating file as clean", "path", path, "hash", digest, "error", err)
		return nil
	}
	if !found {
		return nil
	}

	s.progress.FilesMatched.Add(1)
	s.matched = append(s.matched, path)
	slog.Warn("signature match", "path", path, "hash", digest)
	s.opts.Console.Match(path, digest)

	if s.log == nil {
		return nil
	}
	r := ScanResult{Path: path, Hash: digest, FoundAt: time.Now()}
	if err := s.log.LogMatch(ctx, r); err != nil {
		return fmt.Errorf("record match %s: %w", path, err)
	}
	return nil
}
