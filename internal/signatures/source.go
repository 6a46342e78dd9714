package signatures

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// RecordSource supplies the full list of signatures for UpdateAll.
type RecordSource interface {
	// Acquire prepares the records. It runs before any table is touched, so
	// a failure here leaves the store unchanged.
	Acquire(ctx context.Context) (RecordSet, error)
}

// RecordSet yields raw hash strings in order.
type RecordSet interface {
	// Next returns the next non-empty batch, or (nil, io.EOF) once exhausted.
	Next(ctx context.Context) ([]string, error)
	Close() error
}

// SliceSource serves an in-memory list of ready-to-insert hashes.
type SliceSource struct {
	Records   []string
	BatchSize int
}

// Acquire implements RecordSource.
func (s SliceSource) Acquire(context.Context) (RecordSet, error) {
	size := s.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &sliceSet{rest: s.Records, size: size}, nil
}

type sliceSet struct {
	rest []string
	size int
}

func (s *sliceSet) Next(context.Context) ([]string, error) {
	if len(s.rest) == 0 {
		return nil, io.EOF
	}
	n := min(s.size, len(s.rest))
	batch := s.rest[:n]
	s.rest = s.rest[n:]
	return batch, nil
}

func (s *sliceSet) Close() error { return nil }

// DefaultListPatterns match the signature list files a downloader leaves in
// DirSource.Dir.
var DefaultListPatterns = []string{"*.txt", "*.md5"}

// DirSource reads downloaded signature list files from a directory: one hash
// per line, blank lines and lines starting with '#' ignored. Files are read
// in name order.
type DirSource struct {
	Dir       string
	Patterns  []string
	BatchSize int
}

// Acquire lists the signature files. An unreadable directory or one with no
// list files is an error, so a failed download never empties the store.
func (s DirSource) Acquire(ctx context.Context) (RecordSet, error) {
	patterns := s.Patterns
	if len(patterns) == 0 {
		patterns = DefaultListPatterns
	}
	size := s.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("list signature dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !matchAny(patterns, e.Name()) {
			continue
		}
		files = append(files, filepath.Join(s.Dir, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no signature lists in %q", s.Dir)
	}
	return &dirSet{files: files, size: size}, nil
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

type dirSet struct {
	files []string
	size  int
	cur   *os.File
	sc    *bufio.Scanner
}

func (d *dirSet) Next(ctx context.Context) ([]string, error) {
	batch := make([]string, 0, d.size)
	for len(batch) < d.size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if d.sc == nil {
			if len(d.files) == 0 {
				break
			}
			if err := d.open(d.files[0]); err != nil {
				return nil, err
			}
			d.files = d.files[1:]
		}
		if !d.sc.Scan() {
			if err := d.sc.Err(); err != nil {
				return nil, fmt.Errorf("read %s: %w", d.cur.Name(), err)
			}
			d.closeCurrent()
			continue
		}
		line := strings.TrimSpace(d.sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		batch = append(batch, line)
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

func (d *dirSet) open(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open signature list: %w", err)
	}
	d.cur = f
	d.sc = bufio.NewScanner(f)
	return nil
}

func (d *dirSet) closeCurrent() {
	if d.cur != nil {
		d.cur.Close()
	}
	d.cur, d.sc = nil, nil
}

func (d *dirSet) Close() error {
	d.closeCurrent()
	return nil
}
