// Package procwatch answers one question for the rest of the engine: is the
// process that holds a given advisory lock (an intent record, a Loom lock
// file) still around, or did it crash and leave a stale claim behind?
package procwatch

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ProcFSAvailable reports whether /proc is mounted and readable, the fast
// path for liveness checks on Linux.
func ProcFSAvailable() bool {
	_, err := os.Stat("/proc/self/stat")
	return err == nil
}

// Alive reports whether pid refers to a live, non-zombie process. A
// permission error from the liveness probe still counts as alive: it means
// the process exists but is owned by someone else.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if Zombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// Zombie reports whether pid is in a zombie or dead state.
func Zombie(pid int) bool {
	if !ProcFSAvailable() {
		return zombieFromPS(pid)
	}
	statPath := filepath.Join("/proc", strconv.Itoa(pid), "stat")
	b, err := os.ReadFile(statPath)
	if err != nil {
		return false
	}
	line := string(b)
	closeIdx := strings.LastIndexByte(line, ')')
	if closeIdx < 0 || closeIdx+2 >= len(line) {
		return false
	}
	state := line[closeIdx+2]
	return state == 'Z' || state == 'X'
}

func zombieFromPS(pid int) bool {
	out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return false
	}
	state := strings.TrimSpace(string(out))
	if state == "" {
		return false
	}
	c := state[0]
	return c == 'Z' || c == 'X'
}

// Owner is a claim on an advisory lock: the PID that took it.
type Owner struct {
	PID int
}

// IsStale reports whether the owning process is gone, meaning the lock it
// left behind can be safely reclaimed regardless of the lock's own staleness
// window. A zero or negative PID (a malformed or legacy lock file) is always
// considered stale.
func (o Owner) IsStale() bool {
	if o.PID <= 0 {
		return true
	}
	return !Alive(o.PID)
}
