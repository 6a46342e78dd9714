package signatures

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internaldb "github.com/eargollo/hashguard/internal/db"
	"github.com/eargollo/hashguard/internal/progress"
)

// mustOpenStore opens a temp SQLite database and a Store on top of it.
func mustOpenStore(tb testing.TB, opts Options) (*Store, *sql.DB) {
	tb.Helper()
	database, err := internaldb.Open(filepath.Join(tb.TempDir(), "test.db"))
	require.NoError(tb, err)
	tb.Cleanup(func() { database.Close() })

	s, err := New(context.Background(), database, opts)
	require.NoError(tb, err)
	tb.Cleanup(func() { s.Close() })
	return s, database
}

func hashOf(i int) string { return fmt.Sprintf("%032x", i) }

func hashes(from, to int) []string {
	out := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, hashOf(i))
	}
	return out
}

func mustCount(t *testing.T, s *Store) int64 {
	t.Helper()
	n, err := s.Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestNewCreatesEmptyActiveTable(t *testing.T) {
	s, _ := mustOpenStore(t, Options{})
	assert.Equal(t, int64(0), mustCount(t, s))

	phase, err := s.Phase(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseActive, phase)
}

func TestLookupFindsInsertedAndRejectsUnknown(t *testing.T) {
	ctx := context.Background()
	s, _ := mustOpenStore(t, Options{})

	res, err := s.InsertBatch(ctx, hashes(0, 20))
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Applied: 20}, res)

	for _, h := range hashes(0, 20) {
		found, err := s.Lookup(ctx, h)
		require.NoError(t, err)
		assert.True(t, found, "inserted hash %s not found", h)
	}
	for _, h := range hashes(20, 30) {
		found, err := s.Lookup(ctx, h)
		require.NoError(t, err)
		assert.False(t, found, "unknown hash %s reported found", h)
	}
}

func TestLookupIsCaseSensitive(t *testing.T) {
	ctx := context.Background()
	s, _ := mustOpenStore(t, Options{})

	_, err := s.InsertBatch(ctx, []string{"abcdef0123456789abcdef0123456789"})
	require.NoError(t, err)

	found, err := s.Lookup(ctx, "ABCDEF0123456789ABCDEF0123456789")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInsertBatchSkipsMalformedRecords(t *testing.T) {
	ctx := context.Background()
	s, _ := mustOpenStore(t, Options{})

	valid := hashes(0, 5)
	batch := append([]string{}, valid[:2]...)
	batch = append(batch, "not-a-hash")
	batch = append(batch, valid[2:]...)

	res, err := s.InsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Applied)
	assert.Equal(t, int64(1), res.Skipped)

	for _, h := range valid {
		found, err := s.Lookup(ctx, h)
		require.NoError(t, err)
		assert.True(t, found)
	}
	assert.Equal(t, int64(5), mustCount(t, s))
}

func TestInsertBatchRejectsNonHexAndWrongLength(t *testing.T) {
	ctx := context.Background()
	s, _ := mustOpenStore(t, Options{})

	res, err := s.InsertBatch(ctx, []string{
		strings.Repeat("z", HashLength),
		strings.Repeat("a", HashLength-1),
		strings.Repeat("a", HashLength+1),
		"",
	})
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Skipped: 4}, res)
	assert.Equal(t, int64(0), mustCount(t, s))
}

func TestInsertBatchKeepsDuplicates(t *testing.T) {
	ctx := context.Background()
	s, _ := mustOpenStore(t, Options{})

	res, err := s.InsertBatch(ctx, []string{hashOf(1), hashOf(1)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Applied)
	assert.Equal(t, int64(2), mustCount(t, s))
}

func TestRemoveBatch(t *testing.T) {
	ctx := context.Background()
	s, _ := mustOpenStore(t, Options{})

	_, err := s.InsertBatch(ctx, append(hashes(0, 4), hashOf(0)))
	require.NoError(t, err)

	res, err := s.RemoveBatch(ctx, []string{hashOf(0), hashOf(1), hashOf(99), "junk"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Applied)
	assert.Equal(t, int64(2), res.Skipped)

	found, err := s.Lookup(ctx, hashOf(0))
	require.NoError(t, err)
	assert.False(t, found, "every copy of a removed hash must be gone")
	assert.Equal(t, int64(2), mustCount(t, s))
}

func TestLookupIndependentOfIndex(t *testing.T) {
	ctx := context.Background()
	s, _ := mustOpenStore(t, Options{})
	_, err := s.InsertBatch(ctx, hashes(0, 50))
	require.NoError(t, err)

	probe := hashes(25, 75)
	lookupAll := func() []bool {
		out := make([]bool, len(probe))
		for i, h := range probe {
			found, err := s.Lookup(ctx, h)
			require.NoError(t, err)
			out[i] = found
		}
		return out
	}

	require.NoError(t, s.DropIndex(ctx))
	without := lookupAll()

	require.NoError(t, s.CreateIndex(ctx))
	require.NoError(t, s.CreateIndex(ctx), "CreateIndex must be idempotent")
	has, err := s.HasIndex(ctx)
	require.NoError(t, err)
	require.True(t, has)
	with := lookupAll()

	assert.Equal(t, without, with)

	require.NoError(t, s.DropIndex(ctx))
	require.NoError(t, s.DropIndex(ctx), "DropIndex must tolerate a missing index")
}

func TestUpdateAllReplacesTable(t *testing.T) {
	ctx := context.Background()
	s, database := mustOpenStore(t, Options{BatchSize: 3})
	_, err := s.InsertBatch(ctx, hashes(0, 10))
	require.NoError(t, err)

	records := append(hashes(100, 110), "bogus")
	var events []string
	sink := progress.SinkFunc(func(e progress.Event) { events = append(events, e.Name) })

	n, err := s.UpdateAll(ctx, SliceSource{Records: records, BatchSize: 4}, sink)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.Equal(t, []string{progress.Acquire, progress.Insert, progress.Index, progress.Done}, events)

	found, err := s.Lookup(ctx, hashOf(0))
	require.NoError(t, err)
	assert.False(t, found, "old signatures must be gone after a full replace")
	found, err = s.Lookup(ctx, hashOf(105))
	require.NoError(t, err)
	assert.True(t, found)

	has, err := s.HasIndex(ctx)
	require.NoError(t, err)
	assert.True(t, has, "index is rebuilt after update")

	assertNoBackup(t, database)
	phase, err := s.Phase(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseActive, phase)
}

// failingSource yields its batches and then fails.
type failingSource struct {
	batches [][]string
	err     error
}

func (f failingSource) Acquire(context.Context) (RecordSet, error) {
	return &failingSet{batches: f.batches, err: f.err}, nil
}

type failingSet struct {
	batches [][]string
	err     error
}

func (f *failingSet) Next(context.Context) ([]string, error) {
	if len(f.batches) == 0 {
		return nil, f.err
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *failingSet) Close() error { return nil }

func TestUpdateAllRollsBackOnInsertFailure(t *testing.T) {
	ctx := context.Background()
	s, database := mustOpenStore(t, Options{})
	_, err := s.InsertBatch(ctx, hashes(0, 10))
	require.NoError(t, err)
	require.NoError(t, s.CreateIndex(ctx))

	probe := hashes(0, 30)
	before := lookupMany(t, s, probe)
	countBefore := mustCount(t, s)

	boom := errors.New("connection reset")
	src := failingSource{batches: [][]string{hashes(20, 30)}, err: boom}
	_, err = s.UpdateAll(ctx, src, nil)
	require.Error(t, err)

	var ue *UpdateError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, string(PhaseStaging), ue.Step)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, countBefore, mustCount(t, s))
	assert.Equal(t, before, lookupMany(t, s, probe))
	assertNoBackup(t, database)

	has, err := s.HasIndex(ctx)
	require.NoError(t, err)
	assert.True(t, has, "index travels with the restored table")
}

func TestUpdateAllAcquireFailureLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	s, _ := mustOpenStore(t, Options{})
	_, err := s.InsertBatch(ctx, hashes(0, 3))
	require.NoError(t, err)

	_, err = s.UpdateAll(ctx, DirSource{Dir: filepath.Join(t.TempDir(), "missing")}, nil)
	var ue *UpdateError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "acquire", ue.Step)
	assert.Equal(t, int64(3), mustCount(t, s))
}

func TestUpdateAllCancelledDuringStagingRollsBack(t *testing.T) {
	s, database := mustOpenStore(t, Options{})
	_, err := s.InsertBatch(context.Background(), hashes(0, 7))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	src := cancellingSource{cancel: cancel, records: hashes(50, 60)}
	_, err = s.UpdateAll(ctx, src, nil)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, int64(7), mustCount(t, s))
	assertNoBackup(t, database)
}

// cancellingSource cancels the update's context after handing out one batch.
type cancellingSource struct {
	cancel  context.CancelFunc
	records []string
}

func (c cancellingSource) Acquire(context.Context) (RecordSet, error) {
	return &cancellingSet{c: c}, nil
}

type cancellingSet struct {
	c    cancellingSource
	sent bool
}

func (s *cancellingSet) Next(context.Context) ([]string, error) {
	if s.sent {
		return nil, io.EOF
	}
	s.sent = true
	s.c.cancel()
	return s.c.records, nil
}

func (s *cancellingSet) Close() error { return nil }

func TestUpdateAllCancelledAfterLastBatchRollsBack(t *testing.T) {
	s, database := mustOpenStore(t, Options{})
	_, err := s.InsertBatch(context.Background(), hashes(0, 3))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	src := cancelAtEOFSource{cancel: cancel, records: hashes(100, 110)}
	_, err = s.UpdateAll(ctx, src, nil)
	require.ErrorIs(t, err, context.Canceled)
	var ue *UpdateError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, string(PhaseCommitting), ue.Step)

	assert.Equal(t, int64(3), mustCount(t, s))
	found, err := s.Lookup(context.Background(), hashOf(100))
	require.NoError(t, err)
	assert.False(t, found)
	assertNoBackup(t, database)

	phase, err := s.Phase(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseActive, phase)
}

// cancelAtEOFSource hands out all its records, then cancels the update's
// context as it reports the end of the stream.
type cancelAtEOFSource struct {
	cancel  context.CancelFunc
	records []string
}

func (c cancelAtEOFSource) Acquire(context.Context) (RecordSet, error) {
	return &cancelAtEOFSet{c: c}, nil
}

type cancelAtEOFSet struct {
	c    cancelAtEOFSource
	sent bool
}

func (s *cancelAtEOFSet) Next(context.Context) ([]string, error) {
	if s.sent {
		s.c.cancel()
		return nil, io.EOF
	}
	s.sent = true
	return s.c.records, nil
}

func (s *cancelAtEOFSet) Close() error { return nil }

func TestUpdateAllFromEmptyStore(t *testing.T) {
	ctx := context.Background()
	s, _ := mustOpenStore(t, Options{})

	n, err := s.UpdateAll(ctx, SliceSource{Records: hashes(0, 25)}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(25), n)
}

func TestRecoverRollsBackInterruptedStaging(t *testing.T) {
	ctx := context.Background()
	s, database := mustOpenStore(t, Options{})
	_, err := s.InsertBatch(ctx, hashes(0, 8))
	require.NoError(t, err)

	// Simulate a crash after some records reached the new table.
	require.NoError(t, s.backup(ctx))
	_, err = s.insertBatch(ctx, hashes(100, 103))
	require.NoError(t, err)
	phase, err := s.Phase(ctx)
	require.NoError(t, err)
	require.Equal(t, PhaseStaging, phase)

	reopened, err := New(ctx, database, Options{})
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, int64(8), mustCount(t, reopened))
	found, err := reopened.Lookup(ctx, hashOf(100))
	require.NoError(t, err)
	assert.False(t, found)
	assertNoBackup(t, database)

	phase, err = reopened.Phase(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseActive, phase)
}

func TestRecoverFinishesInterruptedCommit(t *testing.T) {
	ctx := context.Background()
	s, database := mustOpenStore(t, Options{})
	_, err := s.InsertBatch(ctx, hashes(0, 8))
	require.NoError(t, err)

	require.NoError(t, s.backup(ctx))
	_, err = s.insertBatch(ctx, hashes(100, 104))
	require.NoError(t, err)
	require.NoError(t, s.step(ctx, []Phase{PhaseStaging, PhaseCommitting}, `DROP TABLE IF EXISTS `+backupTable))

	require.NoError(t, s.Recover(ctx))

	assert.Equal(t, int64(4), mustCount(t, s))
	assertNoBackup(t, database)
	has, err := s.HasIndex(ctx)
	require.NoError(t, err)
	assert.True(t, has)
	phase, err := s.Phase(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseActive, phase)
}

func TestRecoverRestoresStrayBackupOverEmptyTable(t *testing.T) {
	ctx := context.Background()
	s, database := mustOpenStore(t, Options{})
	_, err := s.InsertBatch(ctx, hashes(0, 6))
	require.NoError(t, err)

	// A backup left by a tool that predates the journal.
	_, err = database.Exec(`ALTER TABLE signatures RENAME TO signatures_old`)
	require.NoError(t, err)
	_, err = database.Exec(tableDDL(activeTable))
	require.NoError(t, err)

	require.NoError(t, s.Recover(ctx))
	assert.Equal(t, int64(6), mustCount(t, s))
	assertNoBackup(t, database)
}

func TestIllegalTransitionRejected(t *testing.T) {
	assert.False(t, canTransition(PhaseActive, PhaseCommitting))
	assert.False(t, canTransition(PhaseCommitting, PhaseRollingBack))
	assert.True(t, canTransition(PhaseStaging, PhaseRollingBack))
}

func lookupMany(t *testing.T, s *Store, hs []string) []bool {
	t.Helper()
	out := make([]bool, len(hs))
	for i, h := range hs {
		found, err := s.Lookup(context.Background(), h)
		require.NoError(t, err)
		out[i] = found
	}
	return out
}

func assertNoBackup(t *testing.T, database *sql.DB) {
	t.Helper()
	var n int
	require.NoError(t, database.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, backupTable).Scan(&n))
	assert.Zero(t, n, "backup table must not survive the update")
}
