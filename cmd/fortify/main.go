// Command fortify runs the human-verification gateway that fronts a hidden
// service: it serves CAPTCHA challenges sized by the threat dial, issues
// passports for solved challenges, answers the edge proxy's validation
// subrequests, and gossips health with its cluster peers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cerberus-gate/fortify/internal/api"
	"github.com/cerberus-gate/fortify/internal/captcha"
	"github.com/cerberus-gate/fortify/internal/circuit"
	"github.com/cerberus-gate/fortify/internal/cluster"
	"github.com/cerberus-gate/fortify/internal/config"
	"github.com/cerberus-gate/fortify/internal/metrics"
	"github.com/cerberus-gate/fortify/internal/passport"
	"github.com/cerberus-gate/fortify/internal/store"
	"github.com/cerberus-gate/fortify/internal/sysload"
	"github.com/cerberus-gate/fortify/internal/threat"
	"github.com/cerberus-gate/fortify/internal/upstream"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		redisURL   = flag.String("redis-url", "", "Redis URL (overrides config)")
		listenAddr = flag.String("listen", "", "HTTP listen address (overrides config)")
		logLevel   = flag.String("log-level", "info", "log level: debug, info, warn, error")
		jsonLogs   = flag.Bool("json-logs", false, "emit JSON logs")
	)
	flag.Parse()

	// .env is optional; deployment sets real environment variables.
	_ = godotenv.Load()

	// LOG_LEVEL applies unless the flag was given explicitly.
	if v := os.Getenv("LOG_LEVEL"); v != "" && !flagProvided("log-level") {
		*logLevel = v
	}

	setupLogging(*logLevel, *jsonLogs)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *redisURL != "" {
		cfg.Redis.URL = *redisURL
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	if err := run(cfg); err != nil {
		slog.Error("Gateway terminated", "error", err)
		os.Exit(1)
	}
}

func flagProvided(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func setupLogging(level string, json bool) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting Fortify gateway",
		"node_id", cfg.Server.NodeID,
		"listen", cfg.Server.ListenAddr,
		"version", cluster.Version)

	// Shared store.
	st, err := store.NewRedis(ctx, cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer st.Close()

	mets := metrics.New()

	// Threat dial: resume the persisted position if one exists.
	dial := threat.NewDial(threat.NewLevel(int(cfg.Server.InitialThreatLevel)))
	if data, err := st.Get(ctx, store.ThreatLevelKey); err == nil && len(data) == 1 {
		level := dial.Set(int(data[0]))
		slog.Info("Resumed persisted threat level", "level", level)
	}
	mets.ThreatLevel.Set(float64(dial.Level()))

	// CPU sampler feeds the ammo maintainer and gossip packets.
	sampler := sysload.NewSampler()
	go sampler.Run(ctx.Done(), 2*time.Second)

	// Ammo pool and its maintainer.
	ammo := captcha.NewAmmoBox(captcha.AmmoConfig{
		RAMCapacity:   cfg.Ammo.RAMCapacity,
		CacheDir:      cfg.Ammo.CacheDir,
		MaxDiskCache:  cfg.Ammo.MaxDiskCache,
		MinDiskFreeGB: uint64(cfg.Ammo.MinDiskFreeGB),
		DumpInterval:  5 * time.Minute,
	})
	// The maintainer flushes the pool to disk on shutdown, so run() must
	// wait for it before returning.
	var maintainer sync.WaitGroup
	maintainer.Add(1)
	go func() {
		defer maintainer.Done()
		ammo.Maintain(ctx.Done(), sampler.Load)
	}()

	// Passports.
	issuer := passport.NewIssuer(st, cfg.PassportTTL())
	crossNode, err := passport.NewCrossNode(passport.CrossNodeConfig{
		NodeID:         cfg.Server.NodeID,
		TokenTTL:       time.Duration(cfg.Passport.HandoffTTLSecs) * time.Second,
		PrivateKeyPath: cfg.Passport.PrivateKeyPath,
		PeerPubKeys:    cfg.Passport.PeerPubKeys,
	})
	if err != nil {
		return fmt.Errorf("init passport service: %w", err)
	}

	engine := captcha.NewEngine(st, ammo, issuer, cfg.ChallengeTTL())

	tracker := circuit.NewTracker(st, circuit.TrackerConfig{
		CircuitTTL:        time.Duration(cfg.Circuit.TTLSecs) * time.Second,
		MaxFailedAttempts: cfg.Circuit.MaxFailedAttempts,
		SoftLockDuration:  time.Duration(cfg.Circuit.SoftLockSecs) * time.Second,
		BanDuration:       time.Duration(cfg.Circuit.BanSecs) * time.Second,
		MaxRequestsPerMin: cfg.RateLimit.MaxRequestsPerMinute,
	})

	haproxy := upstream.NewHAProxy(cfg.HAProxy.SocketPath, cfg.HAProxy.StickTable)
	if haproxy.Available() {
		slog.Info("HAProxy runtime socket available", "socket", cfg.HAProxy.SocketPath)
	}

	// Cluster gossip.
	gossip := cluster.NewGossip(cluster.GossipConfig{
		BindAddr:           cfg.Gossip.BindAddr,
		Peers:              cfg.Gossip.Peers,
		Interval:           time.Duration(cfg.Gossip.IntervalSecs) * time.Second,
		PeerTimeout:        time.Duration(cfg.Gossip.PeerTimeoutSecs) * time.Second,
		IsolationThreshold: cfg.Gossip.IsolationThreshold,
	}, cfg.Server.NodeID)

	server := api.NewServer(api.Options{
		Store:      st,
		Engine:     engine,
		Ammo:       ammo,
		Tracker:    tracker,
		Issuer:     issuer,
		CrossNode:  crossNode,
		Gossip:     gossip,
		Dial:       dial,
		Metrics:    mets,
		HAProxy:    haproxy,
		AdminToken: cfg.Admin.Token,
	})

	go func() {
		if err := gossip.RunReceiver(ctx); err != nil {
			slog.Error("Gossip receiver failed", "error", err)
		}
	}()
	go func() {
		err := gossip.RunBroadcaster(ctx, func() cluster.Packet {
			return cluster.Packet{
				NodeID:          cfg.Server.NodeID,
				CPULoad:         sampler.Load(),
				UpstreamHealthy: st.Ping(ctx) == nil,
				ActiveConns:     server.ActiveConns(),
				AmmoFill:        ammo.FillPercent(),
				ThreatLevel:     uint8(dial.Level()),
				Timestamp:       time.Now().Unix(),
				Version:         cluster.Version,
			}
		})
		if err != nil {
			slog.Error("Gossip broadcaster failed", "error", err)
		}
	}()

	// Periodic gauge refresh.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mets.AmmoFillPercent.Set(float64(ammo.FillPercent()))
				mets.CPULoad.Set(float64(sampler.Load()))
				mets.UpdateClusterState(len(gossip.GetHealthyPeers()), gossip.IsIsolated())
			}
		}
	}()

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}

	// Same grace period for the maintainer's pool flush.
	flushed := make(chan struct{})
	go func() {
		maintainer.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown grace period expired before pool flush finished")
	}
	return nil
}
