// Package supervisor manages external child processes: spawn, reconnect
// to PIDs left by a previous run, health checking, scheduled starts and
// user-initiated stops that persist across restarts.
package supervisor

import (
	"os/exec"
	"sync"
	"time"

	"github.com/wudi/edgeproxy/internal/config"
)

// State is the lifecycle state of one managed process.
type State string

const (
	StateSpawning    State = "spawning"
	StateRunning     State = "running"
	StateReconnected State = "reconnected"
	StateStopped     State = "stopped"    // user stop; wins over restart
	StateTerminated  State = "terminated" // unexpected exit or health kill
	StateRemoved     State = "removed"
)

// Process is one managed entry. All fields are guarded by mu; the health
// poller and exit watcher hold only the pointer.
type Process struct {
	mu sync.Mutex

	Config config.ProcessConfig

	state          State
	pid            int
	startedAt      time.Time
	restartCount   int
	lastRestartAt  time.Time
	healthFailures int

	pidFilePath string
	logFilePath string

	// cmd is set for spawned children, nil for reconnected PIDs.
	cmd *exec.Cmd

	// cancel interrupts the reconnect poller and health checker. Replaced
	// on every spawn/reconnect.
	cancel chan struct{}
}

// Info is the management-API snapshot of a process.
type Info struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	State          State     `json:"state"`
	PID            int       `json:"pid,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	RestartCount   int       `json:"restart_count"`
	HealthFailures int       `json:"health_failures"`
	PIDFile        string    `json:"pid_file"`
	LogFile        string    `json:"log_file"`
}

func (p *Process) snapshot() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Info{
		ID:             p.Config.ID,
		Name:           p.Config.Name,
		State:          p.state,
		PID:            p.pid,
		StartedAt:      p.startedAt,
		RestartCount:   p.restartCount,
		HealthFailures: p.healthFailures,
		PIDFile:        p.pidFilePath,
		LogFile:        p.logFilePath,
	}
}

// State returns the current state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PID returns the current PID, zero when not running.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// alive reports whether the entry is in a live state.
func (p *Process) alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateRunning || p.state == StateReconnected || p.state == StateSpawning
}

// interrupt closes the current cancel channel, stopping the pollers
// attached to this incarnation.
func (p *Process) interrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		close(p.cancel)
		p.cancel = nil
	}
}
