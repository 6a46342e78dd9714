package api

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eargollo/hashguard/internal/config"
	internaldb "github.com/eargollo/hashguard/internal/db"
	"github.com/eargollo/hashguard/internal/jobs"
	"github.com/eargollo/hashguard/internal/quarantine"
	"github.com/eargollo/hashguard/internal/scheduler"
	"github.com/eargollo/hashguard/internal/signatures"
)

type testEnv struct {
	handler http.Handler
	jobs    *jobs.Manager
	store   *signatures.Store
	q       *quarantine.Manager
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newTestEnv(t *testing.T, source signatures.RecordSource, scanPaths ...string) *testEnv {
	t.Helper()
	db, err := internaldb.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, internaldb.RunMigrations(db))
	t.Cleanup(func() { db.Close() })

	store, err := signatures.New(context.Background(), db, signatures.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q := quarantine.New(db, filepath.Join(t.TempDir(), "q"), 30)
	mgr := jobs.NewManager(db, store, source, jobs.Options{})
	t.Cleanup(mgr.Wait)

	sched := scheduler.New()
	require.NoError(t, sched.SetJob("update", "0 3 * * *", func() {}))

	cfg := &config.Config{ScanPaths: scanPaths}
	return &testEnv{
		handler: NewRouter(Deps{DB: db, Config: cfg, Store: store, Jobs: mgr, Quarantine: q, Sched: sched, Version: "test"}),
		jobs:    mgr,
		store:   store,
		q:       q,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, signatures.SliceSource{})
	_, err := env.store.InsertBatch(context.Background(), []string{md5Hex("a"), md5Hex("b")})
	require.NoError(t, err)

	rec, body := env.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	sigs := body["signatures"].(map[string]any)
	assert.Equal(t, float64(2), sigs["count"])
	assert.Equal(t, "active", sigs["phase"])
	assert.Nil(t, body["active_job"])
	assert.Equal(t, "test", body["version"])
	assert.Len(t, body["schedule"], 1)
}

func TestUpdateThenScan(t *testing.T) {
	root := t.TempDir()
	bad := filepath.Join(root, "bad.bin")
	require.NoError(t, os.WriteFile(bad, []byte("payload"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ok.bin"), []byte("fine"), 0o644))

	env := newTestEnv(t, signatures.SliceSource{Records: []string{md5Hex("payload")}}, root)

	rec, _ := env.do(t, http.MethodPost, "/api/updates", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	env.jobs.Wait()

	rec, body := env.do(t, http.MethodGet, "/api/updates/last", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["signatures"])

	rec, body = env.do(t, http.MethodPost, "/api/scans", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := int64(body["id"].(float64))
	require.NotZero(t, id)
	env.jobs.Wait()

	rec, body = env.do(t, http.MethodGet, "/api/scans/"+strconv.FormatInt(id, 10), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, float64(1), body["files_matched"])
	matches := body["matches"].([]any)
	require.Len(t, matches, 1)
	assert.Equal(t, bad, matches[0].(map[string]any)["path"])

	rec, body = env.do(t, http.MethodGet, "/api/scans?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["total"])
	assert.Equal(t, float64(5), body["limit"])
}

func TestCreateScanValidatesRoot(t *testing.T) {
	env := newTestEnv(t, signatures.SliceSource{}, "/a", "/b")

	rec, body := env.do(t, http.MethodPost, "/api/scans", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ROOT", body["error"].(map[string]any)["code"])

	rec, _ = env.do(t, http.MethodPost, "/api/scans", `{"root": "relative/path"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/scans", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetScanErrors(t *testing.T) {
	env := newTestEnv(t, signatures.SliceSource{})

	rec, _ := env.do(t, http.MethodGet, "/api/scans/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/api/scans/99", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelWithoutJob(t *testing.T) {
	env := newTestEnv(t, signatures.SliceSource{})
	rec, body := env.do(t, http.MethodDelete, "/api/jobs/current", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NO_ACTIVE_JOB", body["error"].(map[string]any)["code"])
}

func TestQuarantineListAndRestore(t *testing.T) {
	env := newTestEnv(t, signatures.SliceSource{})
	p := filepath.Join(t.TempDir(), "evil")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	id, err := env.q.Move(context.Background(), p, md5Hex("x"))
	require.NoError(t, err)

	rec, body := env.do(t, http.MethodGet, "/api/quarantine", "")
	require.Equal(t, http.StatusOK, rec.Code)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, p, items[0].(map[string]any)["original_path"])
	assert.NotContains(t, items[0], "quarantine_path")

	rec, _ = env.do(t, http.MethodPost, "/api/quarantine/"+strconv.FormatInt(id, 10)+"/restore", "")
	require.Equal(t, http.StatusOK, rec.Code)
	_, err = os.Stat(p)
	assert.NoError(t, err)

	rec, _ = env.do(t, http.MethodPost, "/api/quarantine/"+strconv.FormatInt(id, 10)+"/restore", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
