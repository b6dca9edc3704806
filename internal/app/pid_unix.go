//go:build !windows

package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
)

// pidAlive reports whether a monitor recorded under pid may still be
// running. A process owned by another user counts as alive; a zombie does
// not.
func pidAlive(pid int) bool {
	if pid <= 0 || zombie(pid) {
		return false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return errors.Is(err, syscall.EPERM)
	}
	return true
}

// zombie only detects exited-but-unreaped processes where /proc exists.
func zombie(pid int) bool {
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// The state follows the parenthesised command name, which may itself
	// contain spaces.
	i := strings.LastIndexByte(string(stat), ')')
	if i < 0 {
		return false
	}
	rest := strings.Fields(string(stat[i+1:]))
	return len(rest) > 0 && rest[0] == "Z"
}
