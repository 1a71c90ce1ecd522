// Package server exposes pool migrations and the maintenance window over
// HTTP.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nithronos/nosmigrate/internal/config"
	"nithronos/nosmigrate/internal/history"
	"nithronos/nosmigrate/internal/maintenance"
	"nithronos/nosmigrate/internal/migration"
	"nithronos/nosmigrate/internal/observability"
	"nithronos/nosmigrate/internal/poollock"
	"nithronos/nosmigrate/pkg/httpx"
)

func Logger(cfg config.Config) *zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	logger := log.Logger.Level(cfg.LogLevel).With().Timestamp().Logger()
	return &logger
}

// Canonicalizer maps operator-supplied drive names to inventory ids.
type Canonicalizer interface {
	CanonicalIDs(ctx context.Context, ids []migration.DriveID) ([]migration.DriveID, error)
}

type HistoryReader interface {
	Get(ctx context.Context, id string) (history.Run, error)
	List(ctx context.Context, f history.Filter) ([]history.Run, error)
}

type MaintenanceControl interface {
	EnableFor(ctx context.Context, d time.Duration) error
	Disable(ctx context.Context) error
	Status() (maintenance.State, error)
}

// Deps wires the router. Runner and Maintenance are required.
type Deps struct {
	Runner      *migration.Runner
	Canon       Canonicalizer
	History     HistoryReader
	Maintenance MaintenanceControl
	Locks       *poollock.Locks
	Agent       observability.AgentMetricsClient
	Gatherer    prom.Gatherer
	// RunContext bounds asynchronous migration runs; canceling it stops them.
	RunContext context.Context

	runs sync.WaitGroup
}

// Wait blocks until every asynchronous run started through the router has
// finished.
func (d *Deps) Wait() { d.runs.Wait() }

func NewRouter(cfg config.Config, d *Deps) http.Handler {
	logger := Logger(cfg)
	if d.RunContext == nil {
		d.RunContext = context.Background()
	}
	if d.Locks == nil {
		d.Locks = poollock.New(cfg.LocksDir())
	}
	if d.Gatherer == nil {
		d.Gatherer = prom.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(zerologMiddleware(logger))

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "version": Version})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/pools/{pool}/migrations/validate", handleValidateMigration(d))
		r.Post("/pools/{pool}/migrations", handleStartMigration(d, logger))
		r.Get("/migrations", handleListMigrations(d))
		r.Get("/migrations/{id}", handleGetMigration(d))
		r.Get("/migrations/{id}/stream", handleMigrationStream(d))

		r.Get("/maintenance", handleMaintenanceStatus(d))
		r.Post("/maintenance", handleMaintenanceEnable(d, cfg))
		r.Delete("/maintenance", handleMaintenanceDisable(d))
	})

	if cfg.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", observability.NewCombinedMetricsHandler(d.Gatherer, d.Agent))
	}
	return r
}

var Version = "0.1.0"
