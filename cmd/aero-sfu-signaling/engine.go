package main

import (
	"fmt"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/mediaengine"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/mediaengine/loopback"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/mediaengine/pionengine"
)

func newEngine(cfg config.Config, logger *slog.Logger) (mediaengine.Engine, error) {
	switch cfg.Engine {
	case config.EngineLoopback:
		return loopback.New(logger), nil
	case config.EnginePion:
		return pionengine.New(pionEngineConfig(cfg, logger))
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}
}

func pionEngineConfig(cfg config.Config, logger *slog.Logger) pionengine.Config {
	pc := pionengine.Config{
		ICEServers:           cfg.ICEServers,
		NAT1To1IPs:           cfg.WebRTCNAT1To1IPs,
		NAT1To1CandidateType: cfg.WebRTCNAT1To1IPCandidateType.ICECandidateType(),
		GatherTimeout:        cfg.ICEGatheringTimeout,
		ConnectTimeout:       cfg.WebRTCConnectTimeout,
		Logger:               logger,
	}
	if r := cfg.WebRTCUDPPortRange; r != nil {
		pc.PortMin, pc.PortMax = r.Min, r.Max
	}
	if !config.IsUnspecifiedIP(cfg.WebRTCUDPListenIP) {
		pc.ListenIP = cfg.WebRTCUDPListenIP
	}
	return pc
}
