package config

import (
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/coordinator"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(noEnv, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want debug", cfg.LogLevel)
	}
	if cfg.Engine != EngineLoopback {
		t.Fatalf("engine=%q, want %q", cfg.Engine, EngineLoopback)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("listenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.RejoinPolicy != coordinator.RejoinReassign {
		t.Fatalf("rejoinPolicy=%q, want %q", cfg.RejoinPolicy, coordinator.RejoinReassign)
	}
	if cfg.EmptyRoomTTL != 0 || cfg.MaxPeers != 0 || cfg.MaxRoomPeers != 0 {
		t.Fatalf("limits=%v/%d/%d, want all zero", cfg.EmptyRoomTTL, cfg.MaxPeers, cfg.MaxRoomPeers)
	}
	if cfg.WebRTCUDPPortRange != nil {
		t.Fatalf("expected WebRTCUDPPortRange unset, got %+v", *cfg.WebRTCUDPPortRange)
	}
	if !cfg.WebRTCUDPListenIP.Equal(net.IPv4zero) {
		t.Fatalf("WebRTCUDPListenIP=%v, want 0.0.0.0", cfg.WebRTCUDPListenIP)
	}
	if cfg.WebRTCNAT1To1IPCandidateType != NAT1To1CandidateTypeHost {
		t.Fatalf("WebRTCNAT1To1IPCandidateType=%q, want %q", cfg.WebRTCNAT1To1IPCandidateType, NAT1To1CandidateTypeHost)
	}
	if cfg.SignalingWSIdleTimeout != DefaultSignalingWSIdleTimeout {
		t.Fatalf("SignalingWSIdleTimeout=%v, want %v", cfg.SignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	}
	if cfg.SignalingWSPingInterval != DefaultSignalingWSPingInterval {
		t.Fatalf("SignalingWSPingInterval=%v, want %v", cfg.SignalingWSPingInterval, DefaultSignalingWSPingInterval)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Fatalf("MaxSignalingMessageBytes=%d, want %d", cfg.MaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	}
	if cfg.MaxSignalingMessagesPerSecond != DefaultMaxSignalingMessagesPerSecond {
		t.Fatalf("MaxSignalingMessagesPerSecond=%d, want %d", cfg.MaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	}
	if cfg.SignalingSendQueueBytes != DefaultSignalingSendQueueBytes {
		t.Fatalf("SignalingSendQueueBytes=%d, want %d", cfg.SignalingSendQueueBytes, DefaultSignalingSendQueueBytes)
	}
	if cfg.LogFile.Path != "" {
		t.Fatalf("LogFile.Path=%q, want empty", cfg.LogFile.Path)
	}
	if len(cfg.ICEServers) != 0 {
		t.Fatalf("ICEServers=%v, want none", cfg.ICEServers)
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want info", cfg.LogLevel)
	}
	if cfg.Engine != EnginePion {
		t.Fatalf("engine=%q, want %q", cfg.Engine, EnginePion)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarMode:         "prod",
		envVarEngine:       "pion",
		envVarMaxRoomPeers: "4",
		envVarEmptyRoomTTL: "30s",
		envVarRejoinPolicy: "reject",
	}), []string{"--engine", "loopback", "--max-room-peers", "8", "--log-format", "text"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine != EngineLoopback {
		t.Fatalf("engine=%q, want %q", cfg.Engine, EngineLoopback)
	}
	if cfg.MaxRoomPeers != 8 {
		t.Fatalf("MaxRoomPeers=%d, want 8", cfg.MaxRoomPeers)
	}
	if cfg.EmptyRoomTTL != 30*time.Second {
		t.Fatalf("EmptyRoomTTL=%v, want 30s", cfg.EmptyRoomTTL)
	}
	if cfg.RejoinPolicy != coordinator.RejoinReject {
		t.Fatalf("RejoinPolicy=%q, want %q", cfg.RejoinPolicy, coordinator.RejoinReject)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want text", cfg.LogFormat)
	}
}

func TestWebRTCNetworkConfig(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarWebRTCUDPPortMin:             "2000",
		envVarWebRTCUDPPortMax:             "2020",
		envVarWebRTCNAT1To1IPs:             "203.0.113.10, 203.0.113.11",
		envVarWebRTCNAT1To1IPCandidateType: "srflx",
		envVarWebRTCUDPListenIP:            "10.0.0.5",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WebRTCUDPPortRange == nil || cfg.WebRTCUDPPortRange.Min != 2000 || cfg.WebRTCUDPPortRange.Max != 2020 {
		t.Fatalf("WebRTCUDPPortRange=%+v, want 2000-2020", cfg.WebRTCUDPPortRange)
	}
	if strings.Join(cfg.WebRTCNAT1To1IPs, ",") != "203.0.113.10,203.0.113.11" {
		t.Fatalf("WebRTCNAT1To1IPs=%v", cfg.WebRTCNAT1To1IPs)
	}
	if got := cfg.WebRTCNAT1To1IPCandidateType.ICECandidateType(); got != webrtc.ICECandidateTypeSrflx {
		t.Fatalf("candidate type=%v, want srflx", got)
	}
	if !cfg.WebRTCUDPListenIP.Equal(net.ParseIP("10.0.0.5")) {
		t.Fatalf("WebRTCUDPListenIP=%v", cfg.WebRTCUDPListenIP)
	}
}

func TestAllowedOriginsNormalized(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarAllowedOrigins: "HTTPS://App.Example.com:443, http://localhost:5173",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"https://app.example.com", "http://localhost:5173"}
	if strings.Join(cfg.AllowedOrigins, ",") != strings.Join(want, ",") {
		t.Fatalf("AllowedOrigins=%v, want %v", cfg.AllowedOrigins, want)
	}
}

func TestICEServersFromEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envStunURLs: "stun:stun.example.com:3478",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("ICEServers=%#v", cfg.ICEServers)
	}
}

func TestInvalidValuesNameTheKey(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		args []string
		key  string
	}{
		{"mode", nil, []string{"--mode", "staging"}, "mode"},
		{"engine", map[string]string{envVarEngine: "gstreamer"}, nil, envVarEngine},
		{"rejoin", map[string]string{envVarRejoinPolicy: "merge"}, nil, envVarRejoinPolicy},
		{"idle timeout", map[string]string{envVarSignalingWSIdleTimeout: "soon"}, nil, envVarSignalingWSIdleTimeout},
		{"ping >= idle", map[string]string{envVarSignalingWSIdleTimeout: "10s", envVarSignalingWSPingInterval: "10s"}, nil, envVarSignalingWSPingInterval},
		{"max message bytes", map[string]string{envVarMaxSignalingMessageBytes: "0"}, nil, envVarMaxSignalingMessageBytes},
		{"messages per second", map[string]string{envVarMaxSignalingMessagesPerSecond: "-1"}, nil, envVarMaxSignalingMessagesPerSecond},
		{"negative ttl", map[string]string{envVarEmptyRoomTTL: "-1s"}, nil, envVarEmptyRoomTTL},
		{"negative max peers", nil, []string{"--max-peers", "-1"}, envVarMaxPeers},
		{"port min only", map[string]string{envVarWebRTCUDPPortMin: "2000"}, nil, envVarWebRTCUDPPortMin},
		{"port range inverted", map[string]string{envVarWebRTCUDPPortMin: "3000", envVarWebRTCUDPPortMax: "2000"}, nil, "min (3000)"},
		{"listen ip", map[string]string{envVarWebRTCUDPListenIP: "nope"}, nil, envVarWebRTCUDPListenIP},
		{"nat ips", map[string]string{envVarWebRTCNAT1To1IPs: "example.com"}, nil, envVarWebRTCNAT1To1IPs},
		{"candidate type", map[string]string{envVarWebRTCNAT1To1IPCandidateType: "relay"}, nil, envVarWebRTCNAT1To1IPCandidateType},
		{"origins", map[string]string{envVarAllowedOrigins: "example.com"}, nil, envVarAllowedOrigins},
		{"turn creds", map[string]string{envTurnURLs: "turn:turn.example.com"}, nil, envTurnUsername},
		{"log file size", map[string]string{envVarLogFile: "/tmp/x.log", envVarLogFileMaxSizeMB: "0"}, nil, envVarLogFileMaxSizeMB},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(lookupMap(tc.env), tc.args)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.key) {
				t.Fatalf("err=%q, want it to mention %q", err, tc.key)
			}
		})
	}
}

func TestUnexpectedArgs(t *testing.T) {
	if _, err := load(noEnv, []string{"extra"}); err == nil {
		t.Fatalf("expected error for positional args")
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sfu.env")
	if err := os.WriteFile(path, []byte("MAX_ROOM_PEERS=6\nREJOIN_POLICY=reject\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(EnvDotEnvFile, path)
	// godotenv.Load sets process env vars; make sure they are cleaned up.
	t.Setenv(envVarMaxRoomPeers, "")
	t.Setenv(envVarRejoinPolicy, "")
	os.Unsetenv(envVarMaxRoomPeers)
	os.Unsetenv(envVarRejoinPolicy)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxRoomPeers != 6 {
		t.Fatalf("MaxRoomPeers=%d, want 6", cfg.MaxRoomPeers)
	}
	if cfg.RejoinPolicy != coordinator.RejoinReject {
		t.Fatalf("RejoinPolicy=%q, want reject", cfg.RejoinPolicy)
	}
}

func TestLoadMissingDotEnvFails(t *testing.T) {
	t.Setenv(EnvDotEnvFile, filepath.Join(t.TempDir(), "missing.env"))
	if _, err := Load(nil); err == nil || !strings.Contains(err.Error(), EnvDotEnvFile) {
		t.Fatalf("err=%v, want %s error", err, EnvDotEnvFile)
	}
}

func TestNewLoggerWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sfu.log")
	logger, closer, err := NewLogger(Config{
		LogFormat: LogFormatJSON,
		LogLevel:  slog.LevelInfo,
		LogFile:   LogFile{Path: path, MaxSizeMB: 1},
	})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("hello", "room", "lobby")
	logger.Debug("filtered")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(b), `"room":"lobby"`) {
		t.Fatalf("log file=%q, want json record", b)
	}
	if strings.Contains(string(b), "filtered") {
		t.Fatalf("debug record written at info level")
	}
}

func TestNewLoggerRejectsUnknownFormat(t *testing.T) {
	if _, _, err := NewLogger(Config{LogFormat: "xml"}); err == nil {
		t.Fatalf("expected error")
	}
}
