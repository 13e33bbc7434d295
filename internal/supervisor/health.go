package supervisor

import (
	"net/http"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgeproxy/internal/logging"
)

// startHealth launches the HTTP health poller for one incarnation. No-op
// when the process has no health check configured.
func (s *Supervisor) startHealth(p *Process, cancel <-chan struct{}) {
	hc := p.Config.HealthCheck
	if hc == nil || hc.URL == "" {
		return
	}

	interval := hc.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	retries := hc.Retries
	if retries <= 0 {
		retries = 3
	}
	client := s.health
	if hc.Timeout > 0 {
		client = &http.Client{Timeout: hc.Timeout}
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		failures := 0
		for {
			select {
			case <-cancel:
				return
			case <-ticker.C:
				if s.probe(client, hc.URL) {
					failures = 0
					p.mu.Lock()
					p.healthFailures = 0
					p.mu.Unlock()
					continue
				}
				failures++
				p.mu.Lock()
				p.healthFailures = failures
				p.mu.Unlock()
				logging.Warn("health check failed",
					zap.String("process", p.Config.ID),
					zap.String("url", hc.URL),
					zap.Int("consecutive", failures))
				if failures < retries {
					continue
				}
				s.killUnhealthy(p)
				return
			}
		}
	}()
}

func (s *Supervisor) probe(client *http.Client, url string) bool {
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusBadRequest
}

// killUnhealthy SIGKILLs a process that exhausted its health retries.
// The exit path applies the restart policy.
func (s *Supervisor) killUnhealthy(p *Process) {
	p.mu.Lock()
	pid := p.pid
	p.mu.Unlock()

	logging.Error("health retries exhausted, killing process",
		zap.String("process", p.Config.ID), zap.Int("pid", pid))

	if pid > 0 {
		syscall.Kill(pid, syscall.SIGKILL)
	}
	// waitExit reaps owned children; the reconnect poller notices dead
	// PIDs. Either path removes the PID file and applies restart policy.
}
