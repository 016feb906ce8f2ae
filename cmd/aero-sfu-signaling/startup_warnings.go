package main

import (
	"log/slog"
	"slices"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/config"
)

// minRecommendedUDPPorts is a rough floor: every transport holds at least one
// ICE socket, and exhausting the range shows up as silent connect failures.
const minRecommendedUDPPorts = 100

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode != config.ModeProd {
		return
	}

	if cfg.Engine == config.EngineLoopback {
		logger.Warn("startup warning: loopback media engine while --mode=prod (signaling works but no media is forwarded)",
			"warning_code", "loopback_engine_in_prod",
			"engine", cfg.Engine,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxPeers <= 0 {
		logger.Warn("startup security warning: MAX_PEERS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_peers_unlimited_in_prod",
			"max_peers", cfg.MaxPeers,
			"mode", cfg.Mode,
		)
	}

	if cfg.Engine == config.EnginePion && len(cfg.ICEServers) == 0 && len(cfg.WebRTCNAT1To1IPs) == 0 {
		logger.Warn("startup warning: no ICE servers or NAT 1:1 IPs configured (clients behind NAT may fail to connect)",
			"warning_code", "no_ice_servers",
			"mode", cfg.Mode,
		)
	}

	if r := cfg.WebRTCUDPPortRange; r != nil {
		if size := int(r.Max) - int(r.Min) + 1; size < minRecommendedUDPPorts {
			logger.Warn("startup warning: WebRTC UDP port range is small",
				"warning_code", "webrtc_udp_port_range_small",
				"ports", size,
				"recommended_min", minRecommendedUDPPorts,
				"mode", cfg.Mode,
			)
		}
	}

	if cfg.WebRTCConnectTimeout > 2*time.Minute {
		logger.Warn("startup security warning: WEBRTC_CONNECT_TIMEOUT is very large (increases half-open transport resource exposure)",
			"warning_code", "webrtc_connect_timeout_large",
			"webrtc_connect_timeout", cfg.WebRTCConnectTimeout,
			"mode", cfg.Mode,
		)
	}
}
