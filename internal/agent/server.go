// Package agent is the privileged side of the migration service: a small
// HTTP API on a unix socket that runs allowlisted zpool, lsblk and smartctl
// commands for an unprivileged caller.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"nithronos/nosmigrate/pkg/agentclient"
	"nithronos/nosmigrate/pkg/shell"
)

const DefaultSocketPath = "/run/nos-agent.sock"

type RunRequest struct {
	Steps []agentclient.RunStep `json:"steps"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	Runner  shell.Runner
	Logger  zerolog.Logger
	Timeout time.Duration

	reg     *prometheus.Registry
	runs    *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

func New(logger zerolog.Logger, runner shell.Runner) *Server {
	if runner == nil {
		runner = shell.Exec{}
	}
	s := &Server{
		Runner:  runner,
		Logger:  logger.With().Str("component", "agent").Logger(),
		Timeout: 60 * time.Second,
		reg:     prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nos_agent_run_total",
			Help: "Allowlisted commands run by the agent, by command and result.",
		}, []string{"cmd", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nos_agent_run_seconds",
			Help:    "Latency of allowlisted commands.",
			Buckets: prometheus.DefBuckets,
		}, []string{"cmd"}),
	}
	s.reg.MustRegister(s.runs, s.latency)
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/run", s.handleRun)
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	return mux
}

// Serve listens on socketPath until ctx is done.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("mkdir socket dir: %w", err)
	}
	_ = os.Remove(socketPath)
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen unix: %w", err)
	}
	// systemd is expected to manage ownership/group
	_ = os.Chmod(socketPath, 0o660)

	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	s.Logger.Info().Msgf("agent serving on unix socket %s", socketPath)
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleRun executes allowlisted steps in order without a shell and stops at
// the first non-zero exit.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Steps) == 0 || len(req.Steps) > 8 {
		writeErr(w, http.StatusBadRequest, "invalid steps")
		return
	}
	for _, st := range req.Steps {
		if !allowedCommand(st.Cmd, st.Args) {
			s.Logger.Warn().Str("cmd", st.Cmd).Strs("args", st.Args).Msg("refused command")
			writeErr(w, http.StatusBadRequest, "command not allowed")
			return
		}
	}
	results := make([]agentclient.RunResult, 0, len(req.Steps))
	for _, st := range req.Steps {
		start := time.Now()
		res, err := s.Runner.Run(r.Context(), s.Timeout, st.Cmd, st.Args...)
		s.latency.WithLabelValues(st.Cmd).Observe(time.Since(start).Seconds())
		out := agentclient.RunResult{Code: res.Code, Stdout: string(res.Stdout), Stderr: truncate(string(res.Stderr), 4096)}
		if err != nil && out.Code == 0 {
			out.Code = -1
			out.Stderr = err.Error()
		}
		result := "ok"
		if out.Code != 0 {
			result = "error"
		}
		s.runs.WithLabelValues(st.Cmd, result).Inc()
		s.Logger.Info().Str("cmd", st.Cmd+" "+strings.Join(st.Args, " ")).Int("code", out.Code).Msg("run")
		results = append(results, out)
		if out.Code != 0 {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
