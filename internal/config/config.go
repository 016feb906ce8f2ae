package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/natefinch/lumberjack"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/coordinator"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/origin"
)

const (
	// EnvDotEnvFile names an optional .env file loaded before the
	// environment is read. Variables already set in the environment win.
	EnvDotEnvFile = "AERO_SFU_DOTENV"

	envVarListenAddr          = "AERO_SFU_LISTEN_ADDR"
	envVarAllowedOrigins      = "ALLOWED_ORIGINS"
	envVarLogFormat           = "AERO_SFU_LOG_FORMAT"
	envVarLogLevel            = "AERO_SFU_LOG_LEVEL"
	envVarShutdownTimeout     = "AERO_SFU_SHUTDOWN_TIMEOUT"
	envVarMode                = "AERO_SFU_MODE"
	envVarEngine              = "AERO_SFU_ENGINE"
	envVarICEGatheringTimeout = "AERO_SFU_ICE_GATHERING_TIMEOUT"

	// Log file rotation. Output goes to stdout unless LOG_FILE is set.
	envVarLogFile           = "AERO_SFU_LOG_FILE"
	envVarLogFileMaxSizeMB  = "AERO_SFU_LOG_FILE_MAX_SIZE_MB"
	envVarLogFileMaxBackups = "AERO_SFU_LOG_FILE_MAX_BACKUPS"
	envVarLogFileMaxAgeDays = "AERO_SFU_LOG_FILE_MAX_AGE_DAYS"

	// Room / peer limits.
	envVarMaxPeers          = "MAX_PEERS"
	envVarMaxRoomPeers      = "MAX_ROOM_PEERS"
	envVarEmptyRoomTTL      = "EMPTY_ROOM_TTL"
	envVarRejoinPolicy      = "REJOIN_POLICY"
	envVarFanoutSendTimeout = "FANOUT_SEND_TIMEOUT"

	// Signaling WebSocket hardening.
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingSendQueueBytes       = "SIGNALING_SEND_QUEUE_BYTES"

	envVarWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCUDPListenIP            = "WEBRTC_UDP_LISTEN_IP"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	// envVarWebRTCConnectTimeout bounds how long a transport may stay
	// unconnected after connectTransport before the engine closes it.
	envVarWebRTCConnectTimeout = "WEBRTC_CONNECT_TIMEOUT"
)

const (
	flagWebRTCUDPPortMin             = "webrtc-udp-port-min"
	flagWebRTCUDPPortMax             = "webrtc-udp-port-max"
	flagWebRTCUDPListenIP            = "webrtc-udp-listen-ip"
	flagWebRTCNAT1To1IPs             = "webrtc-nat-1to1-ips"
	flagWebRTCNAT1To1IPCandidateType = "webrtc-nat-1to1-ip-candidate-type"
	flagWebRTCConnectTimeout         = "webrtc-connect-timeout"
)

const (
	DefaultListenAddr              = "127.0.0.1:8080"
	DefaultShutdown                = 15 * time.Second
	DefaultICEGatherTimeout        = 2 * time.Second
	DefaultWebRTCConnectTimeout    = 30 * time.Second
	DefaultMode               Mode = ModeDev
	DefaultWebRTCUDPListenIP       = "0.0.0.0"

	DefaultLogFileMaxSizeMB  = 100
	DefaultLogFileMaxBackups = 5
	DefaultLogFileMaxAgeDays = 28

	DefaultFanoutSendTimeout = 2 * time.Second
	DefaultRejoinPolicy      = coordinator.RejoinReassign

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingSendQueueBytes       = 1 << 20 // 1MiB
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// EngineKind selects the media engine implementation.
type EngineKind string

const (
	EnginePion     EngineKind = "pion"
	EngineLoopback EngineKind = "loopback"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

// ICECandidateType maps the configured type onto pion's enum.
func (t NAT1To1IPCandidateType) ICECandidateType() webrtc.ICECandidateType {
	if t == NAT1To1CandidateTypeSrflx {
		return webrtc.ICECandidateTypeSrflx
	}
	return webrtc.ICECandidateTypeHost
}

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// LogFile configures rotated file output. An empty Path logs to stdout.
type LogFile struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	LogFile         LogFile
	ShutdownTimeout time.Duration
	Mode            Mode
	Engine          EngineKind

	// Room / peer limits. Zero means unlimited.
	MaxPeers     int
	MaxRoomPeers int
	// EmptyRoomTTL > 0 enables reaping of rooms left empty for that long.
	EmptyRoomTTL      time.Duration
	RejoinPolicy      coordinator.RejoinPolicy
	FanoutSendTimeout time.Duration

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingSendQueueBytes       int

	ICEGatheringTimeout  time.Duration
	WebRTCConnectTimeout time.Duration

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// its defaults (OS ephemeral port selection).
	WebRTCUDPPortRange *UDPPortRange

	// WebRTCNAT1To1IPs configures pion to advertise these public IPs for ICE when
	// the server is behind NAT. Values must be literal IPs (no hostnames).
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType

	// WebRTCUDPListenIP restricts which local interface address ICE will bind UDP
	// sockets to. 0.0.0.0 means "use library default" (typically all interfaces).
	WebRTCUDPListenIP net.IP

	ICEServers []webrtc.ICEServer
}

// OriginPolicy returns the policy for browser-facing endpoints.
func (c Config) OriginPolicy() origin.Policy {
	return origin.NewPolicy(c.AllowedOrigins)
}

func Load(args []string) (Config, error) {
	if path, ok := os.LookupEnv(EnvDotEnvFile); ok && strings.TrimSpace(path) != "" {
		if err := godotenv.Load(strings.TrimSpace(path)); err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvDotEnvFile, err)
		}
	}
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	logFormatStr := envOrDefault(lookup, envVarLogFormat, "")
	logLevelStr := envOrDefault(lookup, envVarLogLevel, "")
	engineStr := envOrDefault(lookup, envVarEngine, "")
	rejoinStr := envOrDefault(lookup, envVarRejoinPolicy, string(DefaultRejoinPolicy))
	logFilePath := envOrDefault(lookup, envVarLogFile, "")

	iceServers, err := parseICEServersFromValues(
		envOrDefault(lookup, envICEServersJSON, ""),
		envOrDefault(lookup, envStunURLs, ""),
		envOrDefault(lookup, envTurnURLs, ""),
		envOrDefault(lookup, envTurnUsername, ""),
		envOrDefault(lookup, envTurnCredential, ""),
	)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	iceGatheringTimeout, err := envDurationOrDefault(lookup, envVarICEGatheringTimeout, DefaultICEGatherTimeout)
	if err != nil {
		return Config{}, err
	}
	webrtcConnectTimeout, err := envDurationOrDefault(lookup, envVarWebRTCConnectTimeout, DefaultWebRTCConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	emptyRoomTTL, err := envDurationOrDefault(lookup, envVarEmptyRoomTTL, 0)
	if err != nil {
		return Config{}, err
	}
	fanoutSendTimeout, err := envDurationOrDefault(lookup, envVarFanoutSendTimeout, DefaultFanoutSendTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}

	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	signalingSendQueueBytes, err := envIntOrDefault(lookup, envVarSignalingSendQueueBytes, DefaultSignalingSendQueueBytes)
	if err != nil {
		return Config{}, err
	}
	maxPeers, err := envIntOrDefault(lookup, envVarMaxPeers, 0)
	if err != nil {
		return Config{}, err
	}
	maxRoomPeers, err := envIntOrDefault(lookup, envVarMaxRoomPeers, 0)
	if err != nil {
		return Config{}, err
	}
	logFileMaxSizeMB, err := envIntOrDefault(lookup, envVarLogFileMaxSizeMB, DefaultLogFileMaxSizeMB)
	if err != nil {
		return Config{}, err
	}
	logFileMaxBackups, err := envIntOrDefault(lookup, envVarLogFileMaxBackups, DefaultLogFileMaxBackups)
	if err != nil {
		return Config{}, err
	}
	logFileMaxAgeDays, err := envIntOrDefault(lookup, envVarLogFileMaxAgeDays, DefaultLogFileMaxAgeDays)
	if err != nil {
		return Config{}, err
	}

	// WebRTC network defaults (env values become flag defaults).
	var webrtcUDPPortMin uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		webrtcUDPPortMin = uint(p)
	}

	var webrtcUDPPortMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		webrtcUDPPortMax = uint(p)
	}

	webrtcUDPListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	webrtcNAT1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))

	fs := flag.NewFlagSet("aero-sfu-signaling", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var modeStr string
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated browser origins allowed to connect (default: same host only)")
	fs.StringVar(&modeStr, "mode", modeDefault, "Runtime mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json (default depends on mode)")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error (default depends on mode)")
	fs.StringVar(&logFilePath, "log-file", logFilePath, "Write logs to this file with rotation instead of stdout")
	fs.StringVar(&engineStr, "engine", engineStr, "Media engine: pion or loopback (default depends on mode)")
	fs.StringVar(&rejoinStr, "rejoin-policy", rejoinStr, "Join while already in another room: reassign or reject")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout")
	fs.DurationVar(&iceGatheringTimeout, "ice-gathering-timeout", iceGatheringTimeout, "ICE gathering timeout per transport")
	fs.DurationVar(&webrtcConnectTimeout, flagWebRTCConnectTimeout, webrtcConnectTimeout, "Close transports that are not connected within this duration")
	fs.DurationVar(&emptyRoomTTL, "empty-room-ttl", emptyRoomTTL, "Close rooms left empty for this long (0 keeps them)")
	fs.DurationVar(&fanoutSendTimeout, "fanout-send-timeout", fanoutSendTimeout, "Per-peer bound on room event delivery")
	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close signaling connections idle for this long")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Signaling WebSocket ping interval")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Maximum inbound signaling message size")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Per-connection signaling message rate")
	fs.IntVar(&signalingSendQueueBytes, "signaling-send-queue-bytes", signalingSendQueueBytes, "Per-connection outbound event queue budget")
	fs.IntVar(&maxPeers, "max-peers", maxPeers, "Maximum connected peers (0 = unlimited)")
	fs.IntVar(&maxRoomPeers, "max-room-peers", maxRoomPeers, "Maximum peers per room (0 = unlimited)")
	fs.UintVar(&webrtcUDPPortMin, flagWebRTCUDPPortMin, webrtcUDPPortMin, "Minimum UDP port for ICE (requires max)")
	fs.UintVar(&webrtcUDPPortMax, flagWebRTCUDPPortMax, webrtcUDPPortMax, "Maximum UDP port for ICE (requires min)")
	fs.StringVar(&webrtcUDPListenIPStr, flagWebRTCUDPListenIP, webrtcUDPListenIPStr, "Local IP to bind ICE UDP sockets to")
	fs.StringVar(&webrtcNAT1To1IPsStr, flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for ICE")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(logFormatStr) == "" {
		logFormatStr = defaultLogFormatForMode(mode)
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(logLevelStr) == "" {
		logLevelStr = defaultLogLevelForMode(mode)
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(engineStr) == "" {
		engineStr = string(defaultEngineForMode(mode))
	}
	engine, err := parseEngine(engineStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--engine: %w", envVarEngine, err)
	}

	rejoinPolicy, err := coordinator.ParseRejoinPolicy(strings.ToLower(strings.TrimSpace(rejoinStr)))
	if err != nil {
		return Config{}, fmt.Errorf("%s/--rejoin-policy: %w", envVarRejoinPolicy, err)
	}

	if strings.TrimSpace(listenAddr) == "" {
		return Config{}, fmt.Errorf("%s/--listen-addr must not be empty", envVarListenAddr)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if iceGatheringTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ice-gathering-timeout must be > 0", envVarICEGatheringTimeout)
	}
	if webrtcConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--%s must be > 0", envVarWebRTCConnectTimeout, flagWebRTCConnectTimeout)
	}
	if emptyRoomTTL < 0 {
		return Config{}, fmt.Errorf("%s/--empty-room-ttl must be >= 0", envVarEmptyRoomTTL)
	}
	if fanoutSendTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--fanout-send-timeout must be > 0", envVarFanoutSendTimeout)
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s (%s) must be < %s (%s)",
			envVarSignalingWSPingInterval, signalingWSPingInterval,
			envVarSignalingWSIdleTimeout, signalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if signalingSendQueueBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-send-queue-bytes must be > 0", envVarSignalingSendQueueBytes)
	}
	if maxPeers < 0 {
		return Config{}, fmt.Errorf("%s/--max-peers must be >= 0", envVarMaxPeers)
	}
	if maxRoomPeers < 0 {
		return Config{}, fmt.Errorf("%s/--max-room-peers must be >= 0", envVarMaxRoomPeers)
	}
	if strings.TrimSpace(logFilePath) != "" {
		if logFileMaxSizeMB <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0", envVarLogFileMaxSizeMB)
		}
		if logFileMaxBackups < 0 || logFileMaxAgeDays < 0 {
			return Config{}, fmt.Errorf("%s and %s must be >= 0", envVarLogFileMaxBackups, envVarLogFileMaxAgeDays)
		}
	}

	var webrtcUDPPortRange *UDPPortRange
	if webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if webrtcUDPPortMin == 0 || webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s/--%s and %s/--%s must be set together",
				envVarWebRTCUDPPortMin, flagWebRTCUDPPortMin, envVarWebRTCUDPPortMax, flagWebRTCUDPPortMax)
		}
		min, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		webrtcUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	webrtcUDPListenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if webrtcUDPListenIP == nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q", envVarWebRTCUDPListenIP, "--"+flagWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}

	var webrtcNAT1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		ips, err := parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPs, "--"+flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, err)
		}
		webrtcNAT1To1IPs = ips
	}

	webrtcNAT1To1CandidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPCandidateType, "--"+flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, err)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	return Config{
		ListenAddr:     listenAddr,
		AllowedOrigins: allowedOrigins,
		LogFormat:      logFormat,
		LogLevel:       logLevel,
		LogFile: LogFile{
			Path:       strings.TrimSpace(logFilePath),
			MaxSizeMB:  logFileMaxSizeMB,
			MaxBackups: logFileMaxBackups,
			MaxAgeDays: logFileMaxAgeDays,
		},
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,
		Engine:          engine,

		MaxPeers:          maxPeers,
		MaxRoomPeers:      maxRoomPeers,
		EmptyRoomTTL:      emptyRoomTTL,
		RejoinPolicy:      rejoinPolicy,
		FanoutSendTimeout: fanoutSendTimeout,

		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		SignalingSendQueueBytes:       signalingSendQueueBytes,

		ICEGatheringTimeout:  iceGatheringTimeout,
		WebRTCConnectTimeout: webrtcConnectTimeout,

		WebRTCUDPPortRange:           webrtcUDPPortRange,
		WebRTCNAT1To1IPs:             webrtcNAT1To1IPs,
		WebRTCNAT1To1IPCandidateType: webrtcNAT1To1CandidateType,
		WebRTCUDPListenIP:            webrtcUDPListenIP,

		ICEServers: iceServers,
	}, nil
}

// NewLogger builds the process logger. The returned closer flushes and
// closes the rotated log file, if any.
func NewLogger(cfg Config) (*slog.Logger, io.Closer, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var (
		out    io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if cfg.LogFile.Path != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile.Path,
			MaxSize:    cfg.LogFile.MaxSizeMB,
			MaxBackups: cfg.LogFile.MaxBackups,
			MaxAge:     cfg.LogFile.MaxAgeDays,
			LocalTime:  true,
		}
		out, closer = lj, lj
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(out, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(out, opts)
	default:
		_ = closer.Close()
		return nil, nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func defaultEngineForMode(mode Mode) EngineKind {
	if mode == ModeProd {
		return EnginePion
	}
	return EngineLoopback
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseEngine(raw string) (EngineKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(EnginePion):
		return EnginePion, nil
	case string(EngineLoopback):
		return EngineLoopback, nil
	default:
		return "", fmt.Errorf("invalid engine %q (expected %s or %s)", raw, EnginePion, EngineLoopback)
	}
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		o, ok := origin.Parse(entry)
		if !ok || o.Host == "" {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, o.Value)
	}
	if len(out) == 0 {
		return nil, errors.New("no origins listed")
	}
	return out, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
