package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sarthakuwar/ShakyLine/internal/anomaly"
	"github.com/sarthakuwar/ShakyLine/internal/config"
	"github.com/sarthakuwar/ShakyLine/internal/control"
	"github.com/sarthakuwar/ShakyLine/internal/logging"
	"github.com/sarthakuwar/ShakyLine/internal/metrics"
	"github.com/sarthakuwar/ShakyLine/internal/proxy"
	"github.com/sarthakuwar/ShakyLine/internal/sched"
)

func main() {
	listen := flag.String("listen", "", "listen address host:port")
	upstream := flag.String("upstream", "", "upstream target host:port")
	controlPort := flag.Uint("control", 0, "control API port")
	seed := flag.Uint64("seed", 0, "global RNG seed (0 = derive from clock)")
	configPath := flag.String("config", "", "optional YAML config file")
	verbose := flag.Bool("verbose", false, "log debug events")
	flag.Usage = usage
	flag.Parse()

	sc := config.DefaultServerConfig()
	var file *config.File
	if *configPath != "" {
		f, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("config load failed: %v", err)
		}
		file = f
		sc = f.Server
	}
	if *listen != "" {
		sc.ListenAddr = *listen
	}
	if *upstream != "" {
		sc.UpstreamAddr = *upstream
	}
	if *controlPort != 0 {
		sc.ControlPort = uint16(*controlPort)
	}
	if *seed != 0 {
		sc.GlobalSeed = *seed
	}
	if sc.GlobalSeed == 0 {
		sc.GlobalSeed = uint64(time.Now().UnixNano())
	}
	sc.Normalize()

	fmt.Printf("ShakyLine fault injection proxy\n")
	fmt.Printf("  Listen:   %s\n", sc.ListenAddr)
	fmt.Printf("  Upstream: %s\n", sc.UpstreamAddr)
	fmt.Printf("  Control:  http://localhost:%d\n", sc.ControlPort)
	fmt.Printf("  Seed:     %d\n\n", sc.GlobalSeed)

	level := logging.Info
	if *verbose {
		level = logging.Debug
	}
	logger := logging.New(level)

	cfgMgr := config.NewManager(sc)
	if file != nil {
		file.ApplyProfiles(cfgMgr)
		watcher, err := config.NewWatcher(*configPath, cfgMgr)
		if err != nil {
			log.Printf("config watch disabled: %v", err)
		} else {
			defer watcher.Close()
		}
	}

	reg := metrics.New()
	scheduler := sched.New()
	engine := anomaly.NewEngine(sc.GlobalSeed)
	manager := proxy.NewManager(scheduler, engine, cfgMgr, reg, logger)

	server := proxy.NewServer(manager, logger, sc.ListenAddr, sc.UpstreamAddr)
	if err := server.Start(); err != nil {
		log.Fatalf("proxy start failed: %v", err)
	}

	ctl := control.NewServer(cfgMgr, manager, reg, logger)
	if err := ctl.Start(sc.ControlPort); err != nil {
		server.Stop()
		log.Fatalf("control start failed: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutting down")

	// Stop intake first, then drain sessions for the minimum linger window
	// before resetting stragglers.
	server.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	ctl.Stop(ctx)
	cancel()

	manager.ShutdownAll()
	deadline := time.Now().Add(sc.MinLingerTimeout)
	for manager.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	manager.ForceCloseAll()
	scheduler.CancelAll()

	logger.DumpBlackBox()
	log.Printf("shutdown complete")
}

func usage() {
	fmt.Fprintf(os.Stderr, `ShakyLine - programmable TCP fault injection proxy

Usage: shakyline [OPTIONS]

Options:
  --listen HOST:PORT    Listen address (default 0.0.0.0:8080)
  --upstream HOST:PORT  Upstream target (default 127.0.0.1:9000)
  --control PORT        Control API port (default 9090)
  --seed N              Global RNG seed (default: derived from clock)
  --config FILE         YAML config file with server settings and profiles
  --verbose             Log debug events
  --help                Show this help

Control API:
  GET  /health            Health check
  GET  /metrics           Prometheus metrics
  GET  /sessions          List active sessions
  POST /profiles/{name}   Update anomaly profile
  DELETE /profiles/{name} Delete profile

Example:
  shakyline --listen 0.0.0.0:8080 --upstream api.example.com:443
  curl -X POST http://localhost:9090/profiles/default -d '{"latency_ms":100}'
`)
}
