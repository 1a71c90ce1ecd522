package agent

import (
	"regexp"
	"strings"
)

var poolNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.:-]{0,254}$`)

func validDevice(p string) bool {
	return p != "" && strings.HasPrefix(p, "/dev/") && !strings.Contains(p, "..") && !strings.ContainsAny(p, " \t\n\r\x00")
}

func validPool(p string) bool { return poolNameRe.MatchString(p) }

// allowedCommand accepts the exact argument shapes the migration service
// sends. Anything else is refused.
func allowedCommand(name string, args []string) bool {
	switch strings.TrimSpace(name) {
	case "zpool":
		return allowedZpool(args)
	case "lsblk":
		return len(args) == len(lsblkArgs) && strings.Join(args, " ") == strings.Join(lsblkArgs, " ")
	case "smartctl":
		// smartctl -H <device>
		return len(args) == 2 && args[0] == "-H" && validDevice(args[1])
	default:
		return false
	}
}

var lsblkArgs = []string{"--bytes", "--json", "-o", "NAME,KNAME,PATH,PKNAME,SIZE,TYPE,STATE"}

func allowedZpool(args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "replace":
		// replace -f <pool> <old> <new>
		return len(args) == 5 && args[1] == "-f" && validPool(args[2]) && validDevice(args[3]) && validDevice(args[4])
	case "detach":
		return len(args) == 3 && validPool(args[1]) && validDevice(args[2])
	case "set":
		return len(args) == 3 && (args[1] == "autoexpand=on" || args[1] == "autoexpand=off") && validPool(args[2])
	case "scrub":
		return len(args) == 2 && validPool(args[1])
	case "status":
		return len(args) == 4 && args[1] == "-P" && args[2] == "-L" && validPool(args[3])
	default:
		return false
	}
}
