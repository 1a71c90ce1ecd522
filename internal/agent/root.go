package agent

import (
	"errors"

	"golang.org/x/sys/unix"
)

var geteuid = unix.Geteuid

var ErrNotRoot = errors.New("agent must run as root")

// RequireRoot fails unless the process has an effective uid of 0.
func RequireRoot() error {
	if geteuid() != 0 {
		return ErrNotRoot
	}
	return nil
}
