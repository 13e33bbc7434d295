package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/wudi/edgeproxy/internal/admin"
	"github.com/wudi/edgeproxy/internal/auth"
	"github.com/wudi/edgeproxy/internal/cache"
	"github.com/wudi/edgeproxy/internal/certs"
	"github.com/wudi/edgeproxy/internal/config"
	"github.com/wudi/edgeproxy/internal/gateway"
	"github.com/wudi/edgeproxy/internal/geo"
	"github.com/wudi/edgeproxy/internal/handler"
	"github.com/wudi/edgeproxy/internal/logging"
	"github.com/wudi/edgeproxy/internal/stats"
	"github.com/wudi/edgeproxy/internal/supervisor"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/proxy.yaml", "Path to configuration file")
	processesPath := flag.String("processes", "", "Path to process table file (optional)")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("edgeproxy %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	var procCfg *config.ProcessesConfig
	if *processesPath != "" {
		procCfg, err = loader.LoadProcesses(*processesPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load process table: %v\n", err)
			os.Exit(1)
		}
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithFile(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting edgeproxy",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("routes", len(cfg.Routes)),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	stop := make(chan struct{})
	defer close(stop)

	geoProvider := geo.Noop()
	if cfg.Geo.Database != "" {
		geoProvider, err = geo.NewProvider(cfg.Geo.Database)
		if err != nil {
			logging.Error("Failed to open geo database", zap.Error(err))
			os.Exit(1)
		}
		defer geoProvider.Close()
	}

	cacheDir := cfg.Cache.Dir
	if cacheDir == "" {
		cacheDir = filepath.Join(cfg.DataDir, "cache")
	}
	responseCache, err := cache.New(cfg.Cache.MRUSize, cacheDir, cfg.Cache.MaxAge)
	if err != nil {
		logging.Error("Failed to initialize cache", zap.Error(err))
		os.Exit(1)
	}
	go responseCache.Run(stop)

	gate := auth.NewGate()
	go gate.Run(stop)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := stats.NewPrometheus(registry)

	var certMgr *certs.Manager
	if !cfg.LetsEncrypt.Disabled && cfg.LetsEncrypt.Email != "" {
		certMgr = certs.NewManager(cfg.LetsEncrypt)
		if err := certMgr.Init(ctx); err != nil {
			logging.Error("Failed to initialize ACME account", zap.Error(err))
			os.Exit(1)
		}
		go certMgr.Run(stop)
	}

	dispatcher := handler.NewDispatcher(handler.Deps{
		Cache: responseCache,
		Stats: recorder,
	})
	server := gateway.New(cfg, gateway.Deps{
		Dispatcher: dispatcher,
		Gate:       gate,
		Geo:        geoProvider,
		Certs:      certMgr,
	})
	if certMgr != nil {
		certMgr.EnsureHosts(ctx, server.SSLHosts())
	}

	var sup *supervisor.Supervisor
	if procCfg != nil {
		sup = supervisor.New(procCfg)
		if err := sup.Start(); err != nil {
			logging.Error("Failed to start process supervisor", zap.Error(err))
			os.Exit(1)
		}
		defer sup.Detach()
	}

	adminSrv := admin.New(cfg.Admin, admin.Deps{
		Routes:     server.Routes,
		Certs:      certMgr,
		Cache:      responseCache,
		Supervisor: sup,
		Registry:   registry,
	})
	if err := adminSrv.Start(); err != nil {
		logging.Error("Failed to start admin server", zap.Error(err))
		os.Exit(1)
	}
	defer adminSrv.Shutdown(context.Background())

	watcher, err := config.NewWatcher(*configPath, *processesPath)
	if err != nil {
		logging.Warn("Config watcher disabled", zap.Error(err))
	} else {
		gateway.NewReloader(loader, server, certMgr, sup).Bind(watcher)
		if err := watcher.Start(); err != nil {
			logging.Warn("Config watcher failed to start", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	if err := server.Run(ctx); err != nil && err != context.Canceled {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
	logging.Info("Shutdown complete")
}
