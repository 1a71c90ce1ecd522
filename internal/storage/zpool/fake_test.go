package zpool

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"nithronos/nosmigrate/pkg/shell"
)

type call struct {
	name string
	args []string
}

// fakeRunner answers by command name and records every call.
type fakeRunner struct {
	out   map[string]string
	errs  map[string]error
	calls []call
}

func (f *fakeRunner) Run(_ context.Context, _ time.Duration, name string, args ...string) (shell.Result, error) {
	f.calls = append(f.calls, call{name, args})
	if err := f.errs[name]; err != nil {
		return shell.Result{Code: 1}, err
	}
	return shell.Result{Stdout: []byte(f.out[name])}, nil
}

func (f *fakeRunner) last() string {
	if len(f.calls) == 0 {
		return ""
	}
	c := f.calls[len(f.calls)-1]
	return c.name + " " + strings.Join(c.args, " ")
}

func identityPaths(t *testing.T) {
	t.Helper()
	old := resolvePath
	resolvePath = func(p string) (string, error) {
		if strings.HasPrefix(p, "/dev/disk/by-id/") {
			return "/dev/" + strings.TrimPrefix(p, "/dev/disk/by-id/ata-"), nil
		}
		return p, nil
	}
	t.Cleanup(func() { resolvePath = old })
}

func lsblkJSON(disks ...string) string {
	var b strings.Builder
	b.WriteString(`{"blockdevices":[`)
	for i, d := range disks {
		if i > 0 {
			b.WriteString(",")
		}
		// name:size[:state]
		parts := strings.Split(d, ":")
		state := "running"
		if len(parts) > 2 {
			state = parts[2]
		}
		part := parts[0] + "1"
		if last := parts[0][len(parts[0])-1]; last >= '0' && last <= '9' {
			part = parts[0] + "p1"
		}
		fmt.Fprintf(&b, `{"name":"%[1]s","kname":"%[1]s","path":"/dev/%[1]s","pkname":null,"size":%[2]s,"type":"disk","state":"%[3]s",
			"children":[{"name":"%[4]s","kname":"%[4]s","path":"/dev/%[4]s","pkname":"%[1]s","size":%[2]s,"type":"part","state":null}]}`,
			parts[0], parts[1], state, part)
	}
	b.WriteString(`]}`)
	return b.String()
}
