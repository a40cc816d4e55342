package procutil

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDAlive reports whether a process exists and is not a zombie. The probe is
// a null signal; EPERM means the process exists but belongs to another user,
// which still counts as alive. Only ESRCH ("no such process") counts as dead.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if pidZombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// pidZombie checks for zombie/dead process states, which Kill(pid, 0) still
// reports as existing.
func pidZombie(pid int) bool {
	if !procFSAvailable() {
		return pidZombieFromPS(pid)
	}
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	line := string(b)
	// The state field follows the parenthesized command name.
	closeIdx := strings.LastIndexByte(line, ')')
	if closeIdx < 0 || closeIdx+2 >= len(line) {
		return false
	}
	state := line[closeIdx+2]
	return state == 'Z' || state == 'X'
}

func procFSAvailable() bool {
	_, err := os.Stat("/proc/self/stat")
	return err == nil
}

func pidZombieFromPS(pid int) bool {
	out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return false
	}
	state := strings.TrimSpace(string(out))
	if state == "" {
		return false
	}
	return state[0] == 'Z' || state[0] == 'X'
}
