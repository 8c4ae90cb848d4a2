package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/alexzorin/live-vcr/internal/container"
	"github.com/alexzorin/live-vcr/internal/supervisor"
)

type workerControl interface {
	Snapshot() []supervisor.Status
	Stop(user string) error
}

// newStatusRouter serves worker status and control plus the recordings in
// videoDir, behind a bearer secret.
func newStatusRouter(secret, videoDir string, workers workerControl) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	// Authentication middleware.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+secret {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	h := &statusHandler{workers: workers, videoDir: videoDir}
	r.Get("/workers", h.handleListWorkers)
	r.Get("/workers/{user}", h.handleGetWorker)
	r.Post("/workers/{user}/stop", h.handleStopWorker)
	r.Get("/recordings", h.handleListRecordings)
	r.Get("/recordings/{name}", h.handleGetRecording)
	return r
}

type statusHandler struct {
	workers  workerControl
	videoDir string
}

func (h *statusHandler) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	for _, st := range h.workers.Snapshot() {
		fmt.Fprintln(w, describe(st))
	}
}

func (h *statusHandler) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")

	for _, st := range h.workers.Snapshot() {
		if st.User == user {
			fmt.Fprintln(w, describe(st))
			return
		}
	}
	http.Error(w, "No such worker", http.StatusNotFound)
}

func (h *statusHandler) handleStopWorker(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")

	switch err := h.workers.Stop(user); {
	case errors.Is(err, supervisor.ErrUnknownWorker):
		http.Error(w, "No such worker", http.StatusNotFound)
	case errors.Is(err, supervisor.ErrNotRunning):
		http.Error(w, "Worker already stopped", http.StatusBadRequest)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		fmt.Fprintf(w, "OK. Stopping the %s worker\n", user)
	}
}

func (h *statusHandler) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(h.videoDir)
	if err != nil {
		http.Error(w, "Couldn't read recordings", http.StatusInternalServerError)
		return
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		fmt.Fprintln(w, h.describeFile(info))
	}
}

func (h *statusHandler) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name != filepath.Base(name) || name == "." || name == ".." {
		http.Error(w, "Bad file name", http.StatusBadRequest)
		return
	}

	info, err := os.Stat(filepath.Join(h.videoDir, name))
	if err != nil || !info.Mode().IsRegular() {
		http.Error(w, "No such recording", http.StatusNotFound)
		return
	}
	fmt.Fprintln(w, h.describeFile(info))
}

func describe(st supervisor.Status) string {
	switch st.State {
	case supervisor.Running:
		return fmt.Sprintf("Worker %s is running (pid %d, since %s)", st.User, st.PID, st.StartedAt.Format(time.RFC3339))
	case supervisor.Failed:
		return fmt.Sprintf("Worker %s failed: %s", st.User, st.Err)
	default:
		return fmt.Sprintf("Worker %s is %s", st.User, st.State)
	}
}

// describeFile reports the container found in the header, which for a
// capture still awaiting repair differs from what its name says.
func (h *statusHandler) describeFile(info os.FileInfo) string {
	kind := container.Sniff(filepath.Join(h.videoDir, info.Name()))
	return fmt.Sprintf("%s\t%d bytes\t%s\t%s", info.Name(), info.Size(), kind, info.ModTime().UTC().Format(time.RFC3339))
}
