package supervisor

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgeproxy/internal/config"
	"github.com/wudi/edgeproxy/internal/errors"
	"github.com/wudi/edgeproxy/internal/logging"
)

const (
	// termGrace is how long a SIGTERM gets before SIGKILL on user stop.
	termGrace = 2 * time.Second

	reconnectPollInterval = time.Second
)

// Supervisor owns the managed-process table.
type Supervisor struct {
	mu    sync.Mutex
	cfg   *config.ProcessesConfig
	procs map[string]*Process

	stopped   *stoppedSet
	scheduler *scheduler
	watchers  map[string]*Watcher
	health    *http.Client
}

// New builds a supervisor for the process table. Start brings it up.
func New(cfg *config.ProcessesConfig) *Supervisor {
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "data"
	}
	s := &Supervisor{
		cfg:      cfg,
		procs:    make(map[string]*Process),
		stopped:  newStoppedSet(dataDir),
		watchers: make(map[string]*Watcher),
		health:   &http.Client{Timeout: 5 * time.Second},
	}
	s.scheduler = newScheduler(s)
	return s
}

// Start loads the persisted stop set, reconnects or spawns each enabled
// process, and starts the cron scheduler.
func (s *Supervisor) Start() error {
	s.stopped.load()

	for _, pc := range s.cfg.Processes {
		s.register(pc)
		if err := s.startManaged(pc.ID); err != nil {
			logging.Error("starting managed process",
				zap.String("process", pc.ID), zap.Error(err))
		}
	}
	s.scheduler.start(s.cfg.Processes)
	return nil
}

// register creates the table entry for a configured process.
func (s *Supervisor) register(pc config.ProcessConfig) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[pc.ID]
	if !ok {
		p = &Process{state: StateStopped}
		s.procs[pc.ID] = p
	}
	p.mu.Lock()
	p.Config = pc
	p.pidFilePath = pidFilePath(pc, s.cfg.PIDDir)
	p.logFilePath = logFilePath(pc, s.cfg.LogsDir)
	p.mu.Unlock()
	return p
}

func (s *Supervisor) get(id string) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	return p, ok
}

// startManaged applies the start policy for one id: reconnect to a live
// PID if one is on disk, otherwise spawn, skipping disabled or
// user-stopped entries.
func (s *Supervisor) startManaged(id string) error {
	p, ok := s.get(id)
	if !ok {
		return fmt.Errorf("unknown process %q", id)
	}

	// A live PID on disk is attached to regardless of stop status: the
	// process exists, so stopped-status is stale and cleared.
	if pid := readPIDFile(p.pidFilePath); pid > 0 {
		if pidAlive(pid) {
			s.stopped.remove(id)
			s.reconnect(p, pid)
			return nil
		}
		os.Remove(p.pidFilePath)
	}

	if !p.Config.Enabled {
		return nil
	}
	if s.stopped.contains(id) {
		logging.Info("process is user-stopped, not spawning", zap.String("process", id))
		return nil
	}
	return s.spawn(p)
}

// StartProcess is the explicit user start: clears stopped-status first.
func (s *Supervisor) StartProcess(id string) error {
	p, ok := s.get(id)
	if !ok {
		return fmt.Errorf("unknown process %q", id)
	}
	if p.alive() {
		return nil
	}
	s.stopped.remove(id)
	p.mu.Lock()
	p.restartCount = 0
	p.mu.Unlock()
	return s.startManaged(id)
}

// scheduledStart spawns for a cron trigger. Unlike startManaged it
// ignores the enabled flag: schedule-only processes stay enabled=false
// so boot does not launch them.
func (s *Supervisor) scheduledStart(id string) error {
	p, ok := s.get(id)
	if !ok {
		return fmt.Errorf("unknown process %q", id)
	}
	if p.alive() {
		return nil
	}
	if pid := readPIDFile(p.pidFilePath); pid > 0 && pidAlive(pid) {
		s.reconnect(p, pid)
		return nil
	}
	return s.spawn(p)
}

// spawn executes the process detached, writes the PID file and wires the
// exit watcher, log pumps and health poller.
func (s *Supervisor) spawn(p *Process) error {
	env, err := buildEnv(p.Config)
	if err != nil {
		return err
	}

	writer, err := newLogWriter(p.logFilePath)
	if err != nil {
		return err
	}

	cmd := exec.Command(p.Config.Command, p.Config.Args...)
	cmd.Dir = p.Config.Cwd
	cmd.Env = env
	// Own process group so the child survives supervisor shutdown.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		writer.Close()
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		writer.Close()
		return err
	}

	p.mu.Lock()
	p.state = StateSpawning
	p.mu.Unlock()

	if err := cmd.Start(); err != nil {
		writer.Close()
		p.mu.Lock()
		p.state = StateTerminated
		p.mu.Unlock()
		return errors.Wrap(err, 0, errors.KindProcessSpawnFail,
			fmt.Sprintf("spawning %s", p.Config.ID))
	}

	if err := writePIDFile(p.pidFilePath, cmd.Process.Pid); err != nil {
		logging.Warn("writing pid file",
			zap.String("process", p.Config.ID), zap.Error(err))
	}

	cancel := make(chan struct{})
	p.mu.Lock()
	p.state = StateRunning
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	p.healthFailures = 0
	p.cmd = cmd
	p.cancel = cancel
	p.mu.Unlock()

	logging.Info("process spawned",
		zap.String("process", p.Config.ID), zap.Int("pid", cmd.Process.Pid))

	go writer.pump("STDOUT", stdout)
	go writer.pump("STDERR", stderr)
	go s.waitExit(p, cmd, writer)
	s.startHealth(p, cancel)
	s.startLogWatcher(p)
	return nil
}

// reconnect attaches to a PID from a previous run. The PID is not our
// child, so liveness is a 1 Hz kill(pid,0) poll.
func (s *Supervisor) reconnect(p *Process, pid int) {
	cancel := make(chan struct{})
	p.mu.Lock()
	p.state = StateReconnected
	p.pid = pid
	p.startedAt = time.Now()
	p.cmd = nil
	p.cancel = cancel
	p.mu.Unlock()

	logging.Info("reconnected to process",
		zap.String("process", p.Config.ID), zap.Int("pid", pid))

	go s.pollReconnected(p, pid, cancel)
	s.startHealth(p, cancel)
	s.startLogWatcher(p)
}

func (s *Supervisor) pollReconnected(p *Process, pid int, cancel <-chan struct{}) {
	ticker := time.NewTicker(reconnectPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cancel:
			return
		case <-ticker.C:
			if pidAlive(pid) {
				continue
			}
			logging.Warn("reconnected process exited",
				zap.String("process", p.Config.ID), zap.Int("pid", pid))
			os.Remove(p.pidFilePath)
			s.handleExit(p)
			return
		}
	}
}

// waitExit reaps a spawned child and applies the restart policy.
func (s *Supervisor) waitExit(p *Process, cmd *exec.Cmd, writer *logWriter) {
	err := cmd.Wait()
	writer.Close()

	p.mu.Lock()
	userStopped := p.state == StateStopped
	p.mu.Unlock()
	if userStopped {
		return
	}

	if err != nil {
		logging.Warn("process exited",
			zap.String("process", p.Config.ID), zap.Error(err))
	}
	os.Remove(p.pidFilePath)
	s.handleExit(p)
}

// handleExit marks the entry Terminated and restarts it when policy
// allows.
func (s *Supervisor) handleExit(p *Process) {
	p.interrupt()
	p.mu.Lock()
	p.state = StateTerminated
	p.pid = 0
	cfg := p.Config
	restarts := p.restartCount
	p.mu.Unlock()

	if !cfg.RestartOnExit || s.stopped.contains(cfg.ID) {
		return
	}
	if cfg.MaxRestarts > 0 && restarts >= cfg.MaxRestarts {
		logging.Error("restart limit reached",
			zap.String("process", cfg.ID), zap.Int("restarts", restarts))
		return
	}

	delay := cfg.RestartDelay
	if delay <= 0 {
		delay = time.Second
	}
	time.Sleep(delay)

	if s.stopped.contains(cfg.ID) {
		return
	}
	p.mu.Lock()
	p.restartCount++
	p.lastRestartAt = time.Now()
	p.mu.Unlock()

	if err := s.spawn(p); err != nil {
		logging.Error("restart failed", zap.String("process", cfg.ID), zap.Error(err))
	}
}

// StopProcess is the user-initiated graceful stop: SIGTERM, a short
// grace, then SIGKILL. The id is persisted as stopped.
func (s *Supervisor) StopProcess(id string) error {
	return s.stopProcess(id, true)
}

// stopInternal stops without persisting stopped-status; used by the
// scheduler's auto-stop so the next trigger can start again.
func (s *Supervisor) stopInternal(id string) error {
	return s.stopProcess(id, false)
}

func (s *Supervisor) stopProcess(id string, persist bool) error {
	p, ok := s.get(id)
	if !ok {
		return fmt.Errorf("unknown process %q", id)
	}

	p.interrupt()
	p.mu.Lock()
	pid := p.pid
	p.state = StateStopped
	p.pid = 0
	p.cmd = nil
	p.mu.Unlock()

	if persist {
		s.stopped.add(id)
	}
	s.stopLogWatcher(id)

	if pid > 0 {
		syscall.Kill(pid, syscall.SIGTERM)
		deadline := time.Now().Add(termGrace)
		for time.Now().Before(deadline) {
			if !pidAlive(pid) {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		if pidAlive(pid) {
			syscall.Kill(pid, syscall.SIGKILL)
		}
	}
	os.Remove(p.pidFilePath)
	logging.Info("process stopped", zap.String("process", id))
	return nil
}

// Remove detaches an id deleted from config. The child keeps running;
// only the table entry and watchers go away.
func (s *Supervisor) Remove(id string) {
	p, ok := s.get(id)
	if !ok {
		return
	}
	p.interrupt()
	p.mu.Lock()
	p.state = StateRemoved
	p.mu.Unlock()
	s.stopLogWatcher(id)

	s.mu.Lock()
	delete(s.procs, id)
	s.mu.Unlock()
}

// Detach shuts the supervisor down without touching children: pollers
// and watchers stop, PID files stay.
func (s *Supervisor) Detach() {
	s.scheduler.stop()

	s.mu.Lock()
	procs := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	watchers := s.watchers
	s.watchers = make(map[string]*Watcher)
	s.mu.Unlock()

	for _, p := range procs {
		p.interrupt()
	}
	for _, w := range watchers {
		w.Stop()
	}
}

// Reload diffs a new process table against the current one: new ids are
// registered and started, removed ids detached, changed ids restarted
// only when running with a changed command line.
func (s *Supervisor) Reload(cfg *config.ProcessesConfig) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	current := make(map[string]bool, len(s.procs))
	for id := range s.procs {
		current[id] = true
	}
	s.mu.Unlock()

	next := make(map[string]config.ProcessConfig, len(cfg.Processes))
	for _, pc := range cfg.Processes {
		next[pc.ID] = pc
	}

	for id := range current {
		if _, ok := next[id]; !ok {
			logging.Info("process removed from config", zap.String("process", id))
			s.Remove(id)
		}
	}

	for _, pc := range cfg.Processes {
		existed := current[pc.ID]
		p := s.register(pc)
		switch {
		case !existed:
			if err := s.startManaged(pc.ID); err != nil {
				logging.Error("starting added process",
					zap.String("process", pc.ID), zap.Error(err))
			}
		case !p.alive():
			// The enabled=false→true toggle alone does not clear a
			// user stop; only an explicit start does.
			if err := s.startManaged(pc.ID); err != nil {
				logging.Error("starting reconfigured process",
					zap.String("process", pc.ID), zap.Error(err))
			}
		}
	}

	s.scheduler.stop()
	s.scheduler = newScheduler(s)
	s.scheduler.start(cfg.Processes)
	_ = old
}

// Snapshot lists the table, sorted by id.
func (s *Supervisor) Snapshot() []Info {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	infos := make([]Info, 0, len(procs))
	for _, p := range procs {
		infos = append(infos, p.snapshot())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// LogFile returns the log path for an id.
func (s *Supervisor) LogFile(id string) (string, bool) {
	p, ok := s.get(id)
	if !ok {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logFilePath, true
}

// running reports whether the id is in a live state, for the scheduler.
func (s *Supervisor) running(id string) bool {
	p, ok := s.get(id)
	return ok && p.alive()
}

func (s *Supervisor) startLogWatcher(p *Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watchers[p.Config.ID]; ok {
		return
	}
	w, err := NewWatcher(p.logFilePath)
	if err != nil {
		logging.Warn("starting log watcher",
			zap.String("process", p.Config.ID), zap.Error(err))
		return
	}
	s.watchers[p.Config.ID] = w
}

func (s *Supervisor) stopLogWatcher(id string) {
	s.mu.Lock()
	w, ok := s.watchers[id]
	delete(s.watchers, id)
	s.mu.Unlock()
	if ok {
		w.Stop()
	}
}

// SubscribeLogs returns a live line stream for an id, or false when the
// id has no watcher.
func (s *Supervisor) SubscribeLogs(id string) (<-chan string, bool) {
	s.mu.Lock()
	w, ok := s.watchers[id]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return w.Subscribe(), true
}
