package supervisor

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/wudi/edgeproxy/internal/config"
)

// pidFilePath resolves the PID file for a process: explicit config wins,
// then <pidDir>/<id>.pid, then /tmp/<id>.pid.
func pidFilePath(cfg config.ProcessConfig, pidDir string) string {
	if cfg.PIDFile != "" {
		return cfg.PIDFile
	}
	if pidDir == "" {
		pidDir = "/tmp"
	}
	return filepath.Join(pidDir, cfg.ID+".pid")
}

// readPIDFile parses the decimal PID from a file. Returns 0 when the file
// is missing or holds garbage.
func readPIDFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// writePIDFile records the PID as decimal UTF-8.
func writePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// pidAlive probes a PID with signal 0. Works for non-child PIDs, which is
// all reconnect has.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
