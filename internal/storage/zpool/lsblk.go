package zpool

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type rawTree struct {
	Blockdevices []rawDevice `json:"blockdevices"`
}

type rawDevice struct {
	Name     string      `json:"name"`
	KName    string      `json:"kname"`
	Path     string      `json:"path"`
	PKName   *string     `json:"pkname"`
	Size     any         `json:"size"` // number with --bytes, string on older util-linux
	Type     string      `json:"type"`
	State    *string     `json:"state"`
	Children []rawDevice `json:"children,omitempty"`
}

type blockDevice struct {
	Path      string
	Parent    string // whole-disk path for partitions
	SizeBytes uint64
	Type      string
	State     string
}

var lsblkArgs = []string{"--bytes", "--json", "-o", "NAME,KNAME,PATH,PKNAME,SIZE,TYPE,STATE"}

func (inv *Inventory) listBlock(ctx context.Context) ([]blockDevice, error) {
	res, err := inv.Runner.Run(ctx, 5*time.Second, "lsblk", lsblkArgs...)
	if err != nil {
		return nil, err
	}
	return parseLsblk(res.Stdout)
}

func parseLsblk(b []byte) ([]blockDevice, error) {
	var tree rawTree
	if err := json.Unmarshal(b, &tree); err != nil {
		return nil, fmt.Errorf("lsblk json: %w", err)
	}
	out := []blockDevice{}
	var walk func(n rawDevice, parent string)
	walk = func(n rawDevice, parent string) {
		path := firstNonEmpty(n.Path, "/dev/"+firstNonEmpty(n.KName, n.Name))
		d := blockDevice{Path: path, SizeBytes: normalizeSize(n.Size), Type: n.Type}
		if n.State != nil {
			d.State = *n.State
		}
		if n.Type == "part" {
			d.Parent = parent
			if n.PKName != nil && *n.PKName != "" {
				d.Parent = "/dev/" + *n.PKName
			}
		}
		out = append(out, d)
		for _, c := range n.Children {
			walk(c, path)
		}
	}
	for _, bd := range tree.Blockdevices {
		walk(bd, "")
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func normalizeSize(v any) uint64 {
	switch t := v.(type) {
	case float64:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case string:
		n, err := strconv.ParseUint(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
