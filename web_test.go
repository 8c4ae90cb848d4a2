package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexzorin/live-vcr/internal/supervisor"
)

type fakeWorkers struct {
	statuses []supervisor.Status
	stopped  []string
}

func (f *fakeWorkers) Snapshot() []supervisor.Status { return f.statuses }

func (f *fakeWorkers) Stop(user string) error {
	for _, st := range f.statuses {
		if st.User != user {
			continue
		}
		if st.State != supervisor.Running {
			return supervisor.ErrNotRunning
		}
		f.stopped = append(f.stopped, user)
		return nil
	}
	return supervisor.ErrUnknownWorker
}

func do(t *testing.T, h http.Handler, method, path, token string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func get(t *testing.T, h http.Handler, path, token string) (int, string) {
	t.Helper()
	return do(t, h, http.MethodGet, path, token)
}

func newTestWorkers() *fakeWorkers {
	started := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	return &fakeWorkers{statuses: []supervisor.Status{
		{User: "alice", State: supervisor.Running, PID: 4242, StartedAt: started},
		{User: "bob", State: supervisor.Failed, Err: "exit status 1"},
		{User: "carol", State: supervisor.Completed},
	}}
}

func TestStatusRouter(t *testing.T) {
	h := newStatusRouter("s3cret", t.TempDir(), newTestWorkers())

	code, _ := get(t, h, "/workers", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, h, "/workers", "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := get(t, h, "/workers", "s3cret")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t,
		"Worker alice is running (pid 4242, since 2024-05-01T20:00:00Z)\n"+
			"Worker bob failed: exit status 1\n"+
			"Worker carol is completed\n",
		body)

	code, body = get(t, h, "/workers/bob", "s3cret")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Worker bob failed: exit status 1\n", body)

	code, _ = get(t, h, "/workers/dave", "s3cret")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStatusRouter_StopWorker(t *testing.T) {
	workers := newTestWorkers()
	h := newStatusRouter("s3cret", t.TempDir(), workers)

	code, _ := do(t, h, http.MethodPost, "/workers/alice/stop", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Empty(t, workers.stopped)

	code, body := do(t, h, http.MethodPost, "/workers/alice/stop", "s3cret")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK. Stopping the alice worker\n", body)
	assert.Equal(t, []string{"alice"}, workers.stopped)

	code, _ = do(t, h, http.MethodPost, "/workers/carol/stop", "s3cret")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, h, http.MethodPost, "/workers/dave/stop", "s3cret")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = get(t, h, "/workers/alice/stop", "s3cret")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestStatusRouter_Recordings(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Date(2024, 5, 1, 21, 45, 0, 0, time.UTC)
	for name, content := range map[string]string{
		"TK_alice_2024.05.01_21-30-00.mp4":   "\x00\x00\x00\x08ftyp",
		"TK_bob_2024.05.01_21-40-00_flv.mp4": "FLV\x01\x05\x00\x00\x00\x09\x00\x00\x00\x00",
		"notes.txt":                          "hi",
	} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "tmp"), 0o755))
	h := newStatusRouter("s3cret", dir, newTestWorkers())

	code, _ := get(t, h, "/recordings", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := get(t, h, "/recordings", "s3cret")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t,
		"TK_alice_2024.05.01_21-30-00.mp4\t8 bytes\tmp4\t2024-05-01T21:45:00Z\n"+
			"TK_bob_2024.05.01_21-40-00_flv.mp4\t13 bytes\tflv\t2024-05-01T21:45:00Z\n"+
			"notes.txt\t2 bytes\tunknown\t2024-05-01T21:45:00Z\n",
		body)

	code, body = get(t, h, "/recordings/TK_alice_2024.05.01_21-30-00.mp4", "s3cret")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "TK_alice_2024.05.01_21-30-00.mp4\t8 bytes\tmp4\t2024-05-01T21:45:00Z\n", body)

	code, _ = get(t, h, "/recordings/missing.mp4", "s3cret")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = get(t, h, "/recordings/tmp", "s3cret")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = get(t, h, "/recordings/..", "s3cret")
	assert.NotEqual(t, http.StatusOK, code)
}
