package server

import (
	"errors"
	"net/http"

	"nithronos/nosmigrate/internal/migration"
	"nithronos/nosmigrate/internal/storage/zpool"
	"nithronos/nosmigrate/pkg/httpx"
)

// writeMigrationError maps the migration error taxonomy onto HTTP.
func writeMigrationError(w http.ResponseWriter, err error) {
	kind, ok := migration.KindOf(err)
	switch {
	case ok && kind == migration.Validation:
		httpx.WriteTypedError(w, http.StatusUnprocessableEntity, "migration.validation", err.Error(), 0)
	case ok && kind == migration.Disconnection:
		httpx.WriteTypedError(w, http.StatusConflict, "migration.disconnection", err.Error(), 0)
	case ok:
		httpx.WriteTypedError(w, http.StatusInternalServerError, "migration."+kind.String(), err.Error(), 0)
	case errors.Is(err, zpool.ErrPoolNotFound):
		httpx.WriteTypedError(w, http.StatusNotFound, "pool.not_found", err.Error(), 0)
	default:
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
