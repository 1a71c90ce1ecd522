package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"nithronos/nosmigrate/internal/txstore"
	"nithronos/nosmigrate/pkg/httpx"
)

// seams for tests
var (
	streamPollInterval = 1 * time.Second
	streamMaxDuration  = 30 * time.Minute
)

// GET /api/v1/migrations/{id}/stream tails the transaction log as server-sent
// events and ends with a "done" event once the run has finished.
func handleMigrationStream(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		store := d.Runner.Txs
		if _, ok, err := store.Load(id); err != nil || !ok {
			if errors.Is(err, txstore.ErrInvalidID) {
				httpx.WriteError(w, http.StatusBadRequest, err.Error())
				return
			}
			httpx.WriteError(w, http.StatusNotFound, "migration not found")
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpx.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		cursor := 0
		drain := func() {
			for {
				lines, next, err := store.ReadLog(id, cursor, 256)
				if err != nil || len(lines) == 0 {
					return
				}
				for _, ln := range lines {
					_, _ = w.Write([]byte("event: log\ndata: " + ln + "\n\n"))
				}
				cursor = next
			}
		}

		deadline := time.Now().Add(streamMaxDuration)
		tick := time.NewTicker(streamPollInterval)
		defer tick.Stop()
		for {
			drain()
			tx, _, _ := store.Load(id)
			if tx.Done() {
				drain()
				_, _ = w.Write([]byte("event: done\ndata: {}\n\n"))
				flusher.Flush()
				return
			}
			_, _ = w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
			if time.Now().After(deadline) {
				return
			}
			select {
			case <-r.Context().Done():
				return
			case <-tick.C:
			}
		}
	}
}
