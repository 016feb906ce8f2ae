package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/coordinator"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, logCloser, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	// Build the engine before listening so bad WebRTC settings fail startup.
	engine, err := newEngine(cfg, logger)
	if err != nil {
		logger.Error("failed to configure media engine", "err", err)
		return 2
	}

	logger.Info("starting aero-sfu-signaling",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"engine", cfg.Engine,
		"rejoin_policy", cfg.RejoinPolicy,
		"max_peers", cfg.MaxPeers,
		"max_room_peers", cfg.MaxRoomPeers,
		"empty_room_ttl", cfg.EmptyRoomTTL,
		"ice_servers", len(cfg.ICEServers),
		"webrtc_connect_timeout", cfg.WebRTCConnectTimeout,
	)
	logStartupWarnings(logger, cfg)

	m := metrics.New()
	coord := coordinator.New(coordinator.Config{
		RejoinPolicy:      cfg.RejoinPolicy,
		MaxPeers:          cfg.MaxPeers,
		MaxRoomPeers:      cfg.MaxRoomPeers,
		EmptyRoomTTL:      cfg.EmptyRoomTTL,
		FanoutSendTimeout: cfg.FanoutSendTimeout,
	}, engine, m, logger)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		return 1
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, coord)

	policy := srv.OriginPolicy()
	sig := signaling.NewServer(signaling.Config{
		Coordinator:          coord,
		Metrics:              m,
		Logger:               logger,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueBytes:       cfg.SignalingSendQueueBytes,
		CheckOrigin:          policy.Check,
	})
	sig.RegisterRoutes(srv.Mux())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go coord.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	exitCode := 0
	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			return 1
		}
		return 0
	case err := <-coord.Fatal():
		logger.Error("media engine failed; shutting down", "err", err)
		exitCode = 1
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		return 1
	}
	return exitCode
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
