package supervisor

import (
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/wudi/edgeproxy/internal/config"
)

func testDirs(t *testing.T) *config.ProcessesConfig {
	t.Helper()
	base := t.TempDir()
	return &config.ProcessesConfig{
		PIDDir:  filepath.Join(base, "pids"),
		LogsDir: filepath.Join(base, "logs"),
		DataDir: filepath.Join(base, "data"),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPIDFilePathPrecedence(t *testing.T) {
	explicit := config.ProcessConfig{ID: "w1", PIDFile: "/var/run/custom.pid"}
	if got := pidFilePath(explicit, "/tmp/pids"); got != "/var/run/custom.pid" {
		t.Errorf("explicit pid file ignored: %q", got)
	}
	if got := pidFilePath(config.ProcessConfig{ID: "w1"}, "/tmp/pids"); got != "/tmp/pids/w1.pid" {
		t.Errorf("pid dir path = %q", got)
	}
	if got := pidFilePath(config.ProcessConfig{ID: "w1"}, ""); got != "/tmp/w1.pid" {
		t.Errorf("default path = %q", got)
	}
}

func TestReadPIDFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p.pid")

	if got := readPIDFile(path); got != 0 {
		t.Errorf("missing file pid = %d", got)
	}
	os.WriteFile(path, []byte("12345\n"), 0o644)
	if got := readPIDFile(path); got != 12345 {
		t.Errorf("pid = %d, want 12345", got)
	}
	os.WriteFile(path, []byte("garbage"), 0o644)
	if got := readPIDFile(path); got != 0 {
		t.Errorf("garbage pid = %d, want 0", got)
	}
}

func TestBuildEnv(t *testing.T) {
	t.Setenv("PARENT_VALUE", "from-parent")
	t.Setenv("PROXY_PROCESS_ID", "stale")

	env, err := buildEnv(config.ProcessConfig{
		ID:   "w1",
		Name: "worker one",
		Env: map[string]string{
			"WORKER":   "${PROCESS_ID}-${PROCESS_NAME}",
			"UPSTREAM": "${PARENT_VALUE}",
			"MISSING":  "${NO_SUCH_VAR}",
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	byName := make(map[string]string)
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		byName[k] = v
	}
	if byName["WORKER"] != "w1-worker one" {
		t.Errorf("WORKER = %q", byName["WORKER"])
	}
	if byName["UPSTREAM"] != "from-parent" {
		t.Errorf("UPSTREAM = %q", byName["UPSTREAM"])
	}
	if byName["MISSING"] != "" {
		t.Errorf("MISSING = %q, want empty", byName["MISSING"])
	}
	if byName["PROXY_PROCESS_ID"] != "w1" {
		t.Errorf("PROXY_PROCESS_ID = %q, want fresh value", byName["PROXY_PROCESS_ID"])
	}
	if byName["PROXY_PROCESS_NAME"] != "worker one" {
		t.Errorf("PROXY_PROCESS_NAME = %q", byName["PROXY_PROCESS_NAME"])
	}
}

func TestBuildEnvRequiredPolicy(t *testing.T) {
	cfg := config.ProcessConfig{ID: "w1", RequiredEnv: []string{"NEVER_SET_VAR_XYZ"}}

	if _, err := buildEnv(cfg); err == nil {
		t.Error("fail policy must reject empty required env")
	}

	cfg.EnvPolicy = "warn"
	if _, err := buildEnv(cfg); err != nil {
		t.Errorf("warn policy must pass: %v", err)
	}
}

func TestStoppedSetPersistence(t *testing.T) {
	dir := t.TempDir()

	set := newStoppedSet(dir)
	set.load()
	set.add("w1")
	set.add("w2")
	set.remove("w2")

	again := newStoppedSet(dir)
	again.load()
	if !again.contains("w1") {
		t.Error("w1 should persist as stopped")
	}
	if again.contains("w2") {
		t.Error("w2 was un-stopped")
	}

	data, err := os.ReadFile(filepath.Join(dir, "stopped-processes.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "stoppedProcesses") {
		t.Errorf("unexpected file shape: %s", data)
	}
}

func TestSpawnStopLifecycle(t *testing.T) {
	cfg := testDirs(t)
	cfg.Processes = []config.ProcessConfig{{
		ID:      "w1",
		Name:    "worker",
		Command: "sleep",
		Args:    []string{"60"},
		Enabled: true,
	}}

	sup := New(cfg)
	if err := sup.Start(); err != nil {
		t.Fatal(err)
	}
	defer sup.Detach()

	waitFor(t, 2*time.Second, func() bool {
		infos := sup.Snapshot()
		return len(infos) == 1 && infos[0].State == StateRunning && infos[0].PID > 0
	})

	info := sup.Snapshot()[0]
	pidPath := filepath.Join(cfg.PIDDir, "w1.pid")
	if got := readPIDFile(pidPath); got != info.PID {
		t.Errorf("pid file holds %d, process reports %d", got, info.PID)
	}

	if err := sup.StopProcess("w1"); err != nil {
		t.Fatal(err)
	}
	if st := sup.Snapshot()[0].State; st != StateStopped {
		t.Errorf("state after stop = %s", st)
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Error("pid file should be removed on stop")
	}
	waitFor(t, 3*time.Second, func() bool { return !pidAlive(info.PID) })
}

func TestReconnectToLivePID(t *testing.T) {
	cfg := testDirs(t)
	cfg.Processes = []config.ProcessConfig{{
		ID:      "w1",
		Command: "sleep",
		Args:    []string{"60"},
		Enabled: true,
	}}

	// A worker left behind by a previous run.
	child := exec.Command("sleep", "60")
	if err := child.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		child.Process.Kill()
		child.Wait()
	}()

	os.MkdirAll(cfg.PIDDir, 0o755)
	pidPath := filepath.Join(cfg.PIDDir, "w1.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(child.Process.Pid)), 0o644); err != nil {
		t.Fatal(err)
	}

	sup := New(cfg)
	if err := sup.Start(); err != nil {
		t.Fatal(err)
	}
	defer sup.Detach()

	info := sup.Snapshot()[0]
	if info.State != StateReconnected {
		t.Errorf("state = %s, want reconnected", info.State)
	}
	if info.PID != child.Process.Pid {
		t.Errorf("pid = %d, want %d", info.PID, child.Process.Pid)
	}
	if info.RestartCount != 0 {
		t.Errorf("restartCount = %d", info.RestartCount)
	}
}

func TestReconnectDeadPIDSpawns(t *testing.T) {
	cfg := testDirs(t)
	cfg.Processes = []config.ProcessConfig{{
		ID:      "w1",
		Command: "sleep",
		Args:    []string{"60"},
		Enabled: true,
	}}

	os.MkdirAll(cfg.PIDDir, 0o755)
	pidPath := filepath.Join(cfg.PIDDir, "w1.pid")
	// A PID that cannot be alive.
	os.WriteFile(pidPath, []byte("999999"), 0o644)

	sup := New(cfg)
	if err := sup.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		sup.StopProcess("w1")
		sup.Detach()
	}()

	waitFor(t, 2*time.Second, func() bool {
		infos := sup.Snapshot()
		return len(infos) == 1 && infos[0].State == StateRunning
	})
	if got := readPIDFile(pidPath); got == 999999 || got == 0 {
		t.Errorf("stale pid file not replaced: %d", got)
	}
}

func TestUserStopSurvivesRestart(t *testing.T) {
	cfg := testDirs(t)
	cfg.Processes = []config.ProcessConfig{{
		ID:      "w1",
		Command: "sleep",
		Args:    []string{"60"},
		Enabled: true,
	}}

	sup := New(cfg)
	if err := sup.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return sup.Snapshot()[0].State == StateRunning })
	if err := sup.StopProcess("w1"); err != nil {
		t.Fatal(err)
	}
	sup.Detach()

	// New supervisor over the same data dir: w1 must stay stopped.
	again := New(cfg)
	if err := again.Start(); err != nil {
		t.Fatal(err)
	}
	defer again.Detach()

	info := again.Snapshot()[0]
	if info.State != StateStopped {
		t.Errorf("state after restart = %s, want stopped", info.State)
	}
	if info.PID != 0 {
		t.Errorf("pid = %d, want 0", info.PID)
	}

	// Explicit start clears stopped-status.
	if err := again.StartProcess("w1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return again.Snapshot()[0].State == StateRunning })
	again.StopProcess("w1")
}

func TestProcessLogCapture(t *testing.T) {
	cfg := testDirs(t)
	cfg.Processes = []config.ProcessConfig{{
		ID:      "w1",
		Command: "sh",
		Args:    []string{"-c", "echo out-line; echo err-line >&2"},
		Enabled: true,
	}}

	sup := New(cfg)
	if err := sup.Start(); err != nil {
		t.Fatal(err)
	}
	defer sup.Detach()

	logPath := filepath.Join(cfg.LogsDir, "processes", "w1.log")
	waitFor(t, 3*time.Second, func() bool {
		data, err := os.ReadFile(logPath)
		return err == nil &&
			strings.Contains(string(data), "[STDOUT] out-line") &&
			strings.Contains(string(data), "[STDERR] err-line")
	})

	lines, err := Tail(logPath, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 {
		t.Errorf("tail lines = %d, want 2", len(lines))
	}
}

func TestRemoveDetachesWithoutKilling(t *testing.T) {
	cfg := testDirs(t)
	cfg.Processes = []config.ProcessConfig{{
		ID:      "w1",
		Command: "sleep",
		Args:    []string{"60"},
		Enabled: true,
	}}

	sup := New(cfg)
	if err := sup.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return sup.Snapshot()[0].State == StateRunning })
	pid := sup.Snapshot()[0].PID

	sup.Remove("w1")
	if len(sup.Snapshot()) != 0 {
		t.Error("entry should leave the table")
	}
	if !pidAlive(pid) {
		t.Error("removed process must keep running")
	}

	syscallKill(pid)
	sup.Detach()
}

func syscallKill(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		p.Kill()
		p.Wait()
	}
}

func TestHealthFailureKillsAndRestarts(t *testing.T) {
	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer unhealthy.Close()

	cfg := testDirs(t)
	cfg.Processes = []config.ProcessConfig{{
		ID:            "w1",
		Command:       "sleep",
		Args:          []string{"60"},
		Enabled:       true,
		RestartOnExit: true,
		RestartDelay:  10 * time.Millisecond,
		HealthCheck: &config.HealthCheckConfig{
			URL:      unhealthy.URL,
			Interval: 30 * time.Millisecond,
			Timeout:  time.Second,
			Retries:  2,
		},
	}}

	sup := New(cfg)
	if err := sup.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		sup.StopProcess("w1")
		sup.Detach()
	}()

	waitFor(t, 2*time.Second, func() bool { return sup.Snapshot()[0].State == StateRunning })
	firstPID := sup.Snapshot()[0].PID

	// Exhausted retries kill the incarnation; the restart policy brings
	// up a fresh one under a new PID.
	waitFor(t, 5*time.Second, func() bool {
		info := sup.Snapshot()[0]
		return info.RestartCount >= 1 && info.State == StateRunning && info.PID != firstPID
	})
	waitFor(t, 2*time.Second, func() bool { return !pidAlive(firstPID) })
}

func TestSchedulerFireAndAutoStop(t *testing.T) {
	cfg := testDirs(t)
	pc := config.ProcessConfig{
		ID:       "job",
		Command:  "sleep",
		Args:     []string{"60"},
		Enabled:  false,
		Schedule: &config.ScheduleConfig{Cron: "@hourly"},
	}
	cfg.Processes = []config.ProcessConfig{pc}

	sup := New(cfg)
	if err := sup.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		sup.StopProcess("job")
		sup.Detach()
	}()

	// Schedule-only processes stay down at boot.
	if st := sup.Snapshot()[0].State; st != StateStopped {
		t.Fatalf("state at boot = %s, want stopped", st)
	}

	// A trigger starts the process even though it is not enabled.
	sup.scheduler.fire(pc)
	waitFor(t, 2*time.Second, func() bool { return sup.Snapshot()[0].State == StateRunning })

	// Auto-stop must not persist a user stop, so the next trigger works.
	if err := sup.stopInternal("job"); err != nil {
		t.Fatal(err)
	}
	if sup.stopped.contains("job") {
		t.Error("internal stop recorded as a user stop")
	}
	sup.scheduler.fire(pc)
	waitFor(t, 2*time.Second, func() bool { return sup.Snapshot()[0].State == StateRunning })

	// A user stop blocks triggers until an explicit start.
	if err := sup.StopProcess("job"); err != nil {
		t.Fatal(err)
	}
	sup.scheduler.fire(pc)
	time.Sleep(100 * time.Millisecond)
	if st := sup.Snapshot()[0].State; st != StateStopped {
		t.Errorf("state after fire on user-stopped = %s, want stopped", st)
	}
}
