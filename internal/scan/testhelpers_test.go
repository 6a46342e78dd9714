package scan

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"

	internaldb "github.com/eargollo/hashguard/internal/db"
)

// mustOpenDB opens a temp file SQLite database with the full schema applied.
func mustOpenDB(tb testing.TB) *sql.DB {
	tb.Helper()
	dbPath := filepath.Join(tb.TempDir(), "test.db")
	db, err := internaldb.Open(dbPath)
	if err != nil {
		tb.Fatalf("open test DB: %v", err)
	}
	if err := internaldb.RunMigrations(db); err != nil {
		db.Close()
		tb.Fatalf("run migrations: %v", err)
	}
	tb.Cleanup(func() { db.Close() })
	return db
}

// writeFile creates root/rel with content, making parent directories.
func writeFile(tb testing.TB, root, rel, content string) string {
	tb.Helper()
	p := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		tb.Fatalf("mkdir %q: %v", p, err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		tb.Fatalf("write %q: %v", p, err)
	}
	return p
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// fakeStore is an in-memory Lookuper. err, when set, is returned by every
// lookup.
type fakeStore struct {
	hashes map[string]bool
	err    error
}

func newFakeStore(contents ...string) *fakeStore {
	s := &fakeStore{hashes: map[string]bool{}}
	for _, c := range contents {
		s.hashes[md5Hex(c)] = true
	}
	return s
}

func (s *fakeStore) Lookup(_ context.Context, hash string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.hashes[hash], nil
}

// memLog collects matches in memory.
type memLog struct {
	mu      sync.Mutex
	results []ScanResult
	err     error
}

func (l *memLog) LogMatch(_ context.Context, r ScanResult) error {
	if l.err != nil {
		return l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r)
	return nil
}
