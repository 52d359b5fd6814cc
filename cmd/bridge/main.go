// Package main runs the BLE bridge: a websocket session server
// multiplexing device operations over a resilient connection pool.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dskow/ble-bridge/internal/admin"
	"github.com/dskow/ble-bridge/internal/circuitbreaker"
	"github.com/dskow/ble-bridge/internal/config"
	"github.com/dskow/ble-bridge/internal/device"
	"github.com/dskow/ble-bridge/internal/failover"
	"github.com/dskow/ble-bridge/internal/health"
	"github.com/dskow/ble-bridge/internal/limiter"
	"github.com/dskow/ble-bridge/internal/logging"
	"github.com/dskow/ble-bridge/internal/metrics"
	"github.com/dskow/ble-bridge/internal/middleware"
	"github.com/dskow/ble-bridge/internal/pool"
	"github.com/dskow/ble-bridge/internal/proto"
	"github.com/dskow/ble-bridge/internal/ratelimit"
	"github.com/dskow/ble-bridge/internal/registry"
	"github.com/dskow/ble-bridge/internal/retry"
	"github.com/dskow/ble-bridge/internal/server"
	"github.com/dskow/ble-bridge/internal/shutdown"
	"github.com/dskow/ble-bridge/internal/tlsutil"
	"github.com/dskow/ble-bridge/internal/watchdog"
)

const (
	// How often the monitor and keep-alive watch sets are reconciled
	// against the pool's membership.
	watchSyncInterval = 5 * time.Second

	// Bound on HTTP request bodies. Registry payloads are tiny.
	maxHTTPBodyBytes = 1 << 20

	// Bound on the initial pool fill at startup.
	initTimeout = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "configs/bridge.yaml", "path to configuration file")
	flag.Parse()

	// Bootstrap logger; replaced once logging config is loaded.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	appLogger, logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		logger.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	logger = appLogger
	if logCloser != nil {
		defer logCloser.Close()
	}

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"adapter", cfg.Adapter.Kind,
		"pool_min", cfg.Pool.MinSize,
		"pool_max", cfg.Pool.MaxSize,
		"auth_enabled", cfg.Auth.Enabled,
		"admin_enabled", cfg.Admin.Enabled,
		"registry_enabled", cfg.Registry.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
	)

	var sink metrics.Sink = metrics.NopSink{}
	if cfg.Metrics.IsEnabled() {
		metrics.Init()
		sink = metrics.NewPromSink(logger)
	}

	// Device adapter backing the pool.
	var (
		factory     device.Factory
		scanner     device.Scanner
		adapterAddr string
	)
	switch cfg.Adapter.Kind {
	case "devicesim":
		da := device.NewDaemonAdapter(cfg.Adapter.Addr)
		factory, scanner = da.Dial, da
		adapterAddr = cfg.Adapter.Addr
	default: // "simulated"; validation rejects anything else
		sim := device.NewSimulatedAdapter()
		device.SeedDemoPeripherals(sim)
		sim.SetDialLatency(cfg.Adapter.DialLatency)
		factory, scanner = sim.Dial, sim
	}

	var reg *registry.Registry
	if cfg.Registry.Enabled {
		reg, err = registry.Open(cfg.Registry.Path, logger)
		if err != nil {
			logger.Error("failed to open device registry", "path", cfg.Registry.Path, "error", err)
			os.Exit(1)
		}
		defer reg.Close()
	}

	// The resilience core.
	p := pool.New(cfg.Pool, factory, logger, sink)
	breaker := circuitbreaker.New(cfg.Breaker, logger, sink)
	monitor := health.NewMonitor(cfg.Health, logger, sink)
	keepalive := health.NewKeepAlive(cfg.KeepAlive, logger, sink)
	fo := failover.New(cfg.Failover, p, breaker, monitor, logger, sink)
	lim := limiter.New(cfg.Limits, logger, sink)
	wd := watchdog.New(cfg.Watchdog, logger, sink)
	rp := retry.New(cfg.Retry, logger, sink)
	coord := shutdown.New(cfg.Shutdown, p, logger, sink)

	var dir server.Directory
	if reg != nil {
		dir = reg
	}
	srv := server.New(cfg.Server, cfg.Auth, fo, p, lim, wd, rp, scanner, dir, logger, sink)

	// Event fan-out to subscribed sessions. The eviction callbacks fire
	// after their component has already torn the transport down or
	// declared it beyond saving; the pool discard mops up the record.
	breaker.OnStateChange(func(key string, from, to circuitbreaker.State) {
		srv.Broadcast(proto.Event{Event: proto.EventBreakerStateChange, Key: key, State: to.String()})
	})
	evict := func(conn *device.Connection, reason, event string) {
		if err := p.Discard(context.Background(), conn.ID, reason); err != nil {
			logger.Debug("eviction discard skipped", "connection_id", conn.ID, "reason", reason, "error", err)
		}
		srv.ForgetConnection(conn.ID)
		srv.Broadcast(proto.Event{Event: event, ConnectionID: conn.ID, DeviceID: conn.DeviceID, Reason: reason})
	}
	monitor.OnUnhealthy(func(conn *device.Connection) { evict(conn, "unhealthy", proto.EventConnectionEvicted) })
	keepalive.OnMaxFailures(func(conn *device.Connection) { evict(conn, "keepalive_failures", proto.EventConnectionEvicted) })
	wd.OnTimeout(func(conn *device.Connection) { evict(conn, "watchdog_timeout", proto.EventWatchdogTimeout) })

	initCtx, initCancel := context.WithTimeout(context.Background(), initTimeout)
	err = p.Initialize(initCtx)
	initCancel()
	if err != nil {
		logger.Error("failed to initialize connection pool", "error", err)
		os.Exit(1)
	}
	p.Start()
	fo.Start()

	syncStop := make(chan struct{})
	go syncWatchers(p, monitor, keepalive, syncStop)

	hsLimiter := ratelimit.New(cfg.Server.HandshakeRate, cfg.Server.TrustedProxies, logger)
	defer hsLimiter.Stop()

	// Hot reload: pool bounds, admission ceilings, probe and ping
	// intervals, and the handshake limiter pick up new settings without
	// a restart.
	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.OnReload(func(newCfg *config.Config) {
		if err := p.UpdateConfig(newCfg.Pool); err != nil {
			logger.Error("pool config update rejected", "error", err)
		}
		if err := lim.UpdateConfig(newCfg.Limits); err != nil {
			logger.Error("limits config update rejected", "error", err)
		}
		if err := monitor.UpdateConfig(newCfg.Health); err != nil {
			logger.Error("health config update rejected", "error", err)
		}
		if err := keepalive.UpdateConfig(newCfg.KeepAlive); err != nil {
			logger.Error("keepalive config update rejected", "error", err)
		}
		hsLimiter.UpdateConfig(newCfg.Server.HandshakeRate)
	})
	reloader.Start()
	defer reloader.Stop()

	// One mux behind one middleware stack. Probe and metrics paths are
	// logged at debug so scrapes do not flood the access log.
	mux := http.NewServeMux()
	mux.Handle("/session", hsLimiter.Middleware()(srv))
	health.New(p, breaker, adapterAddr, srv.Draining, logger).RegisterRoutes(mux)
	if cfg.Metrics.IsEnabled() {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", cfg.Metrics.Path)
	}
	if cfg.Admin.Enabled {
		adminHandler := admin.New(
			reloader, p, breaker, fo, lim, reg, coord,
			cfg.Auth, cfg.Admin,
			srv.SessionCount, srv.ForgetConnection,
			logger,
		)
		adminHandler.RegisterRoutes(mux)
		logger.Info("admin API registered", "allowlist", len(cfg.Admin.IPAllowlist))
	}

	quiet := []string{"/health", "/ready", cfg.Metrics.Path}
	var handler http.Handler = mux
	handler = middleware.BodyLimit(maxHTTPBodyBytes)(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig())(handler)
	handler = middleware.Logging(logger, quiet)(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var certLoader *tlsutil.CertLoader
	if cfg.Server.TLSCert != "" {
		certLoader, err = tlsutil.New(cfg.Server.TLSCert, cfg.Server.TLSKey, logger)
		if err != nil {
			logger.Error("failed to load TLS certificate", "error", err)
			os.Exit(1)
		}
		defer certLoader.Stop()
		httpSrv.TLSConfig = &tls.Config{
			GetCertificate: certLoader.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}
	}

	go func() {
		logger.Info("starting bridge", "addr", httpSrv.Addr, "tls", certLoader != nil)
		var serveErr error
		if certLoader != nil {
			serveErr = httpSrv.ListenAndServeTLS("", "")
		} else {
			serveErr = httpSrv.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("server error", "error", serveErr)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	// Stop everything that feeds the pool before tearing it down.
	srv.Drain()
	close(syncStop)
	fo.Stop()
	p.Stop()
	monitor.Stop()
	keepalive.Stop()
	wd.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown forced", "error", err)
	}

	outcomes, qerr := coord.Run(context.Background())
	failures := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failures++
		}
	}
	if qerr != nil || failures > 0 {
		logger.Warn("bridge stopped with teardown issues",
			"connections", len(outcomes), "failures", failures, "quiesce_error", qerr)
		return
	}
	logger.Info("bridge stopped gracefully")
}

// syncWatchers keeps the health monitor and keep-alive pinger attached to
// whatever connections the pool currently holds. New connections get
// watched, departed ones unwatched.
func syncWatchers(p *pool.Pool, monitor *health.Monitor, keepalive *health.KeepAlive, stop <-chan struct{}) {
	ticker := time.NewTicker(watchSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			conns := p.Connections()
			current := make(map[string]*device.Connection, len(conns))
			for _, c := range conns {
				current[c.ID] = c
			}

			probed := make(map[string]bool)
			for _, id := range monitor.Watched() {
				probed[id] = true
				if _, ok := current[id]; !ok {
					monitor.Unwatch(id)
				}
			}
			pinged := make(map[string]bool)
			for _, id := range keepalive.Watched() {
				pinged[id] = true
				if _, ok := current[id]; !ok {
					keepalive.Unwatch(id)
				}
			}
			for id, c := range current {
				if !probed[id] {
					monitor.Watch(c)
				}
				if !pinged[id] {
					keepalive.Watch(c)
				}
			}
		}
	}
}
