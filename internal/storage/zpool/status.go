package zpool

import (
	"bufio"
	"regexp"
	"strings"
)

// Status is the parsed form of `zpool status -P -L <pool>`.
type Status struct {
	Pool        string
	State       string
	Resilvering bool
	// Leaves are the leaf vdev paths outside the spares section, in the order
	// zpool prints them.
	Leaves []string
	// Replacing is the first replacing-N group, if any.
	Replacing *Replacing
}

// Replacing holds the children of a replacing-N vdev: the old device first,
// the new device second.
type Replacing struct {
	Name   string
	Source string
	Target string
}

type vdevLine struct {
	depth int
	name  string
	state string
	was   string
}

var (
	groupRe      = regexp.MustCompile(`^(mirror|raidz[123]?|draid[123]?[:\w]*|replacing|spare)-\d+$`)
	replacingRe  = regexp.MustCompile(`^replacing-\d+$`)
	sectionNames = map[string]bool{"logs": true, "cache": true, "spares": true, "special": true, "dedup": true}
)

// ParseStatus parses the text output of `zpool status`. Unknown lines are
// ignored; only the first pool in the output is read.
func ParseStatus(out string) Status {
	var st Status
	var vdevs []vdevLine
	inConfig := false
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		raw := sc.Text()
		trim := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(trim, "pool:"):
			if st.Pool != "" {
				goto DONE
			}
			st.Pool = strings.TrimSpace(strings.TrimPrefix(trim, "pool:"))
			continue
		case strings.HasPrefix(trim, "state:") && !inConfig:
			st.State = strings.TrimSpace(strings.TrimPrefix(trim, "state:"))
			continue
		case strings.HasPrefix(trim, "scan:"):
			st.Resilvering = strings.Contains(trim, "resilver in progress")
			continue
		case trim == "config:":
			inConfig = true
			continue
		case strings.HasPrefix(trim, "errors:"):
			inConfig = false
			continue
		}
		if !inConfig || trim == "" {
			continue
		}
		f := strings.Fields(trim)
		if f[0] == "NAME" {
			continue
		}
		v := vdevLine{depth: indentOf(raw), name: f[0]}
		if len(f) > 1 {
			v.state = f[1]
		}
		if i := strings.Index(trim, " was "); i >= 0 {
			if rest := strings.Fields(trim[i+5:]); len(rest) > 0 {
				v.was = rest[0]
			}
		}
		vdevs = append(vdevs, v)
	}
DONE:
	st.Leaves, st.Replacing = walkConfig(vdevs)
	return st
}

func walkConfig(vdevs []vdevLine) ([]string, *Replacing) {
	leaves := []string{}
	var rep *Replacing
	if len(vdevs) == 0 {
		return leaves, nil
	}
	rootDepth := vdevs[0].depth
	section := ""
	for i, v := range vdevs {
		if v.depth == rootDepth {
			if sectionNames[v.name] {
				section = v.name
			}
			continue
		}
		isLeaf := i+1 >= len(vdevs) || vdevs[i+1].depth <= v.depth
		if !isLeaf || groupRe.MatchString(v.name) {
			if rep == nil && replacingRe.MatchString(v.name) {
				rep = replacingChildren(vdevs, i)
			}
			continue
		}
		if section == "spares" {
			continue
		}
		leaves = append(leaves, leafPath(v))
	}
	return leaves, rep
}

func replacingChildren(vdevs []vdevLine, at int) *Replacing {
	parent := vdevs[at]
	var kids []string
	for j := at + 1; j < len(vdevs) && vdevs[j].depth > parent.depth; j++ {
		if vdevs[j].depth == vdevs[at+1].depth {
			kids = append(kids, leafPath(vdevs[j]))
		}
	}
	if len(kids) < 2 {
		return nil
	}
	return &Replacing{Name: parent.name, Source: kids[0], Target: kids[1]}
}

// a device that went missing is listed by guid with "was /dev/..."
func leafPath(v vdevLine) string {
	if v.was != "" {
		return v.was
	}
	return v.name
}

// indentOf counts leading whitespace with tabs as 8 columns, matching how
// zpool aligns its config tree.
func indentOf(s string) int {
	n := 0
	for _, r := range s {
		switch r {
		case ' ':
			n++
		case '\t':
			n += 8
		default:
			return n
		}
	}
	return n
}
