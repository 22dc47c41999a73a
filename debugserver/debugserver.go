// Package debugserver exposes pprof, expvar, and a statsviz live
// dashboard over HTTP, plus a background collector publishing process
// CPU/memory stats to expvar.
//
// Grounded directly on the teacher's server.MetricsServer
// (server/metric_server.go) and server.SystemCollector
// (server/metrics.go): same mux wiring (pprof under /debug/pprof,
// expvar under /metrics, statsviz under /viz), same start/stop
// lifecycle with a mutex-guarded "started" flag, same periodic
// gopsutil collection loop. Disk usage is dropped from the collector:
// the teacher samples a data directory it owns, and this client never
// owns one.
package debugserver

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/arl/statsviz"
	"github.com/icechunk-go/icechunk/cache"
	"github.com/icechunk-go/icechunk/config"
	"github.com/icechunk-go/icechunk/core"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// PublishManifestCacheHitRate exposes mc's hit rate under name via
// expvar.Func, the lazy-evaluated publication style cache.go's own
// GetHitRate doc comment anticipates but the teacher never wires up.
func PublishManifestCacheHitRate(name string, mc *cache.ManifestCache) {
	expvar.Publish(name, expvar.Func(func() any {
		return mc.HitRate()
	}))
}

// PublishBufferPoolMetrics exposes the envelope decoder's process-wide
// buffer pool hit/miss/created counters under the given prefix.
func PublishBufferPoolMetrics(prefix string) {
	expvar.Publish(prefix+"_hits", expvar.Func(func() any {
		hits, _, _ := core.BufferPool.Metrics()
		return hits
	}))
	expvar.Publish(prefix+"_misses", expvar.Func(func() any {
		_, misses, _ := core.BufferPool.Metrics()
		return misses
	}))
	expvar.Publish(prefix+"_created", expvar.Func(func() any {
		_, _, created := core.BufferPool.Metrics()
		return created
	}))
}

// Server manages the optional HTTP server for metrics and debugging
// endpoints (spec SPEC_FULL.md §4.11).
type Server struct {
	server  *http.Server
	logger  *slog.Logger
	mu      sync.Mutex
	started bool
}

// New builds a Server from cfg. The mux is built eagerly so callers can
// inspect which endpoints were registered before calling Start.
func New(cfg config.DebugConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "debugserver.Server")
	mux := http.NewServeMux()

	if cfg.PProfEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		logger.Info("pprof endpoints enabled", "path", "/debug/pprof")
	}

	mux.Handle("/metrics", expvar.Handler())
	logger.Info("expvar metrics endpoint enabled", "path", "/metrics")

	if cfg.StatsvizEnabled {
		if err := statsviz.Register(mux, statsviz.Root("/viz"), statsviz.SendFrequency(250*time.Millisecond)); err != nil {
			logger.Warn("statsviz registration failed", "error", err)
		} else {
			logger.Info("statsviz dashboard enabled", "path", "/viz")
		}
	}

	addr := cfg.ListenAddress
	if addr == "" {
		addr = "127.0.0.1:6060"
	}

	return &Server{
		server: &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
}

// Start runs the HTTP server. It blocks until Stop is called or the
// server fails; callers typically invoke it in its own goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("debug server listening", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("debug server failed", "error", err)
		return fmt.Errorf("debugserver: listen: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down, waiting up to 5 seconds for
// in-flight requests to finish.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("debug server shutdown failed", "error", err)
	} else {
		s.logger.Info("debug server stopped")
	}
}

// SystemCollector periodically publishes process-wide CPU and memory
// utilisation to expvar, for the statsviz/metrics endpoints to surface
// alongside the manifest cache's own hit-rate counters.
type SystemCollector struct {
	cpuUsagePercent *expvar.Float
	memUsagePercent *expvar.Float
	interval        time.Duration
	stopChan        chan struct{}
	wg              sync.WaitGroup
	logger          *slog.Logger
}

// NewSystemCollector builds a SystemCollector sampling every interval.
func NewSystemCollector(interval time.Duration, logger *slog.Logger) *SystemCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemCollector{
		cpuUsagePercent: new(expvar.Float),
		memUsagePercent: new(expvar.Float),
		interval:        interval,
		stopChan:        make(chan struct{}),
		logger:          logger.With("component", "debugserver.SystemCollector"),
	}
}

// Start begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("starting system metrics collector", "interval", sc.interval)
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it.
func (sc *SystemCollector) Stop() {
	sc.logger.Info("stopping system metrics collector")
	close(sc.stopChan)
	sc.wg.Wait()
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	sampleWindow := sc.interval - time.Second
	if sampleWindow <= 0 {
		sampleWindow = sc.interval
	}

	for {
		select {
		case <-ticker.C:
			if percentages, err := cpu.Percent(sampleWindow, false); err == nil && len(percentages) > 0 {
				sc.cpuUsagePercent.Set(percentages[0])
			}
			if vm, err := mem.VirtualMemory(); err == nil {
				sc.memUsagePercent.Set(vm.UsedPercent)
			}
		case <-sc.stopChan:
			return
		}
	}
}
