package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgeproxy/internal/certs"
	"github.com/wudi/edgeproxy/internal/config"
	"github.com/wudi/edgeproxy/internal/logging"
	"github.com/wudi/edgeproxy/internal/supervisor"
)

// Reloader applies configuration file changes to the running gateway.
// A failed reload keeps the previous snapshot serving.
type Reloader struct {
	mu     sync.Mutex
	loader *config.Loader
	server *Server
	certs  *certs.Manager
	sup    *supervisor.Supervisor
}

// NewReloader wires reload targets. Nil certs or supervisor skip their part.
func NewReloader(loader *config.Loader, server *Server, certMgr *certs.Manager, sup *supervisor.Supervisor) *Reloader {
	return &Reloader{loader: loader, server: server, certs: certMgr, sup: sup}
}

// Bind registers the reloader on a config watcher.
func (rl *Reloader) Bind(w *config.Watcher) {
	w.OnChange(func(ev config.ChangeEvent) {
		switch ev.Kind {
		case config.KindRoutesFile:
			rl.reloadRoutes(ev.Path)
		case config.KindProcessesFile:
			rl.reloadProcesses(ev.Path)
		}
	})
}

func (rl *Reloader) reloadRoutes(path string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cfg, err := rl.loader.Load(path)
	if err != nil {
		logging.Error("route reload rejected", zap.String("path", path), zap.Error(err))
		return
	}
	sslHosts := rl.server.SwapRoutes(cfg.Routes)
	logging.Info("routes reloaded", zap.Int("routes", len(cfg.Routes)))

	if rl.certs != nil && len(sslHosts) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		rl.certs.EnsureHosts(ctx, sslHosts)
	}
}

func (rl *Reloader) reloadProcesses(path string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.sup == nil {
		return
	}
	cfg, err := rl.loader.LoadProcesses(path)
	if err != nil {
		logging.Error("process reload rejected", zap.String("path", path), zap.Error(err))
		return
	}
	rl.sup.Reload(cfg)
	logging.Info("processes reloaded", zap.Int("processes", len(cfg.Processes)))
}
