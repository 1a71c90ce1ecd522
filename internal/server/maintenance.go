package server

import (
	"net/http"
	"time"

	"nithronos/nosmigrate/internal/config"
	"nithronos/nosmigrate/pkg/httpx"
)

func writeMaintenanceState(w http.ResponseWriter, d *Deps) {
	st, err := d.Maintenance.Status()
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"active": st.ActiveAt(time.Now()),
		"until":  st.Until,
	})
}

// GET /api/v1/maintenance
func handleMaintenanceStatus(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeMaintenanceState(w, d)
	}
}

// POST /api/v1/maintenance {"seconds":N}
func handleMaintenanceEnable(d *Deps, cfg config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req maintenanceRequest
		if err := decodeValid(r, maintenanceSchema, &req); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		dur := cfg.MaintenanceDuration()
		if req.Seconds > 0 {
			dur = time.Duration(req.Seconds) * time.Second
		}
		if err := d.Maintenance.EnableFor(r.Context(), dur); err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeMaintenanceState(w, d)
	}
}

// DELETE /api/v1/maintenance
func handleMaintenanceDisable(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Maintenance.Disable(r.Context()); err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
