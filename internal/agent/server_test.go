package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"nithronos/nosmigrate/pkg/agentclient"
	"nithronos/nosmigrate/pkg/shell"
)

func TestAllowedCommand(t *testing.T) {
	allowed := [][]string{
		{"zpool", "replace", "-f", "tank", "/dev/sda", "/dev/disk/by-id/ata-X"},
		{"zpool", "detach", "tank", "/dev/sdc"},
		{"zpool", "set", "autoexpand=on", "tank"},
		{"zpool", "set", "autoexpand=off", "tank"},
		{"zpool", "scrub", "tank"},
		{"zpool", "status", "-P", "-L", "tank"},
		{"smartctl", "-H", "/dev/sda"},
		append([]string{"lsblk"}, lsblkArgs...),
	}
	for _, c := range allowed {
		if !allowedCommand(c[0], c[1:]) {
			t.Fatalf("expected allowed: %v", c)
		}
	}
	refused := [][]string{
		{"zpool", "destroy", "tank"},
		{"zpool", "replace", "tank", "/dev/sda", "/dev/sdc"},
		{"zpool", "set", "readonly=on", "tank"},
		{"zpool", "detach", "tank", "/dev/../etc/passwd"},
		{"zpool", "scrub", "-s; rm -rf /"},
		{"zpool", "detach", "tank", "sdc"},
		{"smartctl", "-a", "/dev/sda"},
		{"lsblk"},
		{"sh", "-c", "true"},
	}
	for _, c := range refused {
		if allowedCommand(c[0], c[1:]) {
			t.Fatalf("should refuse: %v", c)
		}
	}
}

type scriptRunner struct {
	codes map[string]int
	seen  []string
}

func (r *scriptRunner) Run(_ context.Context, _ time.Duration, name string, args ...string) (shell.Result, error) {
	line := name + " " + strings.Join(args, " ")
	r.seen = append(r.seen, line)
	if c := r.codes[line]; c != 0 {
		return shell.Result{Code: c, Stderr: []byte("failed")}, &shell.ExitError{Cmd: line, Code: c}
	}
	return shell.Result{Stdout: []byte("ok")}, nil
}

func postRun(t *testing.T, h http.Handler, steps ...agentclient.RunStep) *httptest.ResponseRecorder {
	t.Helper()
	b, _ := json.Marshal(RunRequest{Steps: steps})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/run", bytes.NewReader(b)))
	return rr
}

func TestHandleRunStopsAtFirstFailure(t *testing.T) {
	r := &scriptRunner{codes: map[string]int{"zpool detach tank /dev/sdc": 1}}
	h := New(zerolog.Nop(), r).Handler()
	rr := postRun(t, h,
		agentclient.RunStep{Cmd: "zpool", Args: []string{"detach", "tank", "/dev/sdc"}},
		agentclient.RunStep{Cmd: "zpool", Args: []string{"scrub", "tank"}},
	)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Results []agentclient.RunResult `json:"results"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if len(resp.Results) != 1 || resp.Results[0].Code != 1 || len(r.seen) != 1 {
		t.Fatalf("results = %+v seen = %v", resp.Results, r.seen)
	}
}

func TestHandleRunRefusesBeforeRunningAnything(t *testing.T) {
	r := &scriptRunner{}
	h := New(zerolog.Nop(), r).Handler()
	rr := postRun(t, h,
		agentclient.RunStep{Cmd: "zpool", Args: []string{"scrub", "tank"}},
		agentclient.RunStep{Cmd: "zpool", Args: []string{"destroy", "tank"}},
	)
	if rr.Code != http.StatusBadRequest || len(r.seen) != 0 {
		t.Fatalf("status %d seen %v", rr.Code, r.seen)
	}
	if rr := postRun(t, h); rr.Code != http.StatusBadRequest {
		t.Fatalf("empty steps: %d", rr.Code)
	}
}

func TestMetricsAfterRun(t *testing.T) {
	h := New(zerolog.Nop(), &scriptRunner{}).Handler()
	postRun(t, h, agentclient.RunStep{Cmd: "zpool", Args: []string{"scrub", "tank"}})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), `nos_agent_run_total{cmd="zpool",result="ok"} 1`) {
		t.Fatalf("metrics:\n%s", rr.Body.String())
	}
}

func TestRequireRoot(t *testing.T) {
	old := geteuid
	t.Cleanup(func() { geteuid = old })
	geteuid = func() int { return 1000 }
	if err := RequireRoot(); err != ErrNotRoot {
		t.Fatalf("err = %v", err)
	}
	geteuid = func() int { return 0 }
	if err := RequireRoot(); err != nil {
		t.Fatal(err)
	}
}
