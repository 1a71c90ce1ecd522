package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"nithronos/nosmigrate/internal/history"
	"nithronos/nosmigrate/internal/migration"
	"nithronos/nosmigrate/internal/poollock"
	"nithronos/nosmigrate/internal/txstore"
	"nithronos/nosmigrate/pkg/httpx"
)

const lockPending = "pending"

// migrationContext decodes and canonicalizes a migration request for pool.
func migrationContext(r *http.Request, d *Deps) (*migration.Context, int, error) {
	pool := strings.TrimSpace(chi.URLParam(r, "pool"))
	if pool == "" {
		return nil, http.StatusBadRequest, errors.New("pool required")
	}
	var req migrationRequest
	if err := decodeValid(r, migrationSchema, &req); err != nil {
		return nil, http.StatusBadRequest, err
	}
	kind, err := migration.ParseKind(req.Kind)
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	sources, dests := migration.IDs(req.Sources), migration.IDs(req.Destinations)
	if d.Canon != nil {
		if sources, err = d.Canon.CanonicalIDs(r.Context(), sources); err != nil {
			return nil, http.StatusInternalServerError, err
		}
		if dests, err = d.Canon.CanonicalIDs(r.Context(), dests); err != nil {
			return nil, http.StatusInternalServerError, err
		}
	}
	return migration.NewContext(pool, kind, sources, dests, req.Maintenance), 0, nil
}

// POST /api/v1/pools/{pool}/migrations/validate
func handleValidateMigration(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mc, status, err := migrationContext(r, d)
		if err != nil {
			httpx.WriteError(w, status, err.Error())
			return
		}
		m, err := migration.New(mc.Kind, d.Runner.Deps)
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := m.Validate(r.Context(), mc); err != nil {
			writeMigrationError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"ok":           true,
			"pool":         mc.Pool,
			"sources":      migration.Strings(mc.Sources),
			"destinations": migration.Strings(mc.Destinations),
		})
	}
}

// POST /api/v1/pools/{pool}/migrations
func handleStartMigration(d *Deps, logger *zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mc, status, err := migrationContext(r, d)
		if err != nil {
			httpx.WriteError(w, status, err.Error())
			return
		}
		if err := d.Locks.TryAcquire(mc.Pool, lockPending); err != nil {
			var busy *poollock.BusyError
			if errors.As(err, &busy) {
				writeBusy(w, busy.Holder)
				return
			}
			httpx.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		tx, err := d.Runner.Prepare(r.Context(), mc)
		if err != nil {
			d.Locks.Release(mc.Pool)
			writeMigrationError(w, err)
			return
		}
		d.Locks.Reassign(mc.Pool, tx.ID)
		logger.Info().Str("event", "migration.started").Str("txId", tx.ID).Str("pool", mc.Pool).
			Strs("sources", tx.Sources).Strs("destinations", tx.Destinations).Msg("")

		d.runs.Add(1)
		go func() {
			defer d.runs.Done()
			defer d.Locks.Release(mc.Pool)
			final, err := d.Runner.Execute(d.RunContext, tx, mc)
			ev := logger.Info()
			if err != nil {
				ev = logger.Error().Err(err)
			}
			ev.Str("event", "migration.finished").Str("txId", final.ID).Bool("ok", final.OK).Msg("")
		}()
		httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"tx_id": tx.ID})
	}
}

func writeBusy(w http.ResponseWriter, holder string) {
	httpx.WriteErrorWithDetails(w, http.StatusConflict, "pool.busy", "pool has a migration in progress", map[string]any{"txId": holder})
}

// GET /api/v1/migrations/{id}
func handleGetMigration(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tx, ok, err := d.Runner.Txs.Load(chi.URLParam(r, "id"))
		if errors.Is(err, txstore.ErrInvalidID) {
			httpx.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !ok {
			httpx.WriteError(w, http.StatusNotFound, "migration not found")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, tx)
	}
}

// GET /api/v1/migrations?pool=&limit=
func handleListMigrations(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.History == nil {
			httpx.WriteJSON(w, http.StatusOK, []history.Run{})
			return
		}
		f := history.Filter{Pool: r.URL.Query().Get("pool"), Limit: 100}
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpx.WriteError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			f.Limit = n
		}
		runs, err := d.History.List(r.Context(), f)
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		httpx.WriteJSON(w, http.StatusOK, runs)
	}
}

