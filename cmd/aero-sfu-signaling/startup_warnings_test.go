package main

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	logger := slog.New(&recordingHandler{mu: mu, records: records})
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedLog(nil), *records...)
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{level: r.Level, msg: r.Message, attrs: map[string]any{}}
	for _, a := range h.attrs {
		rec.attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[a.Key] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &recordingHandler{
		mu:      h.mu,
		records: h.records,
		attrs:   append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
}

func (h *recordingHandler) WithGroup(string) slog.Handler { return h }

func warningCodes(records []recordedLog) map[string]bool {
	out := map[string]bool{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = true
		}
	}
	return out
}

func TestStartupWarnings_DevIsQuiet(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupWarnings(logger, config.Config{Mode: config.ModeDev, Engine: config.EngineLoopback})

	if got := warningCodes(records()); len(got) != 0 {
		t.Fatalf("warnings=%v, want none", got)
	}
}

func TestStartupWarnings_AllowedOriginsWildcard(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupWarnings(logger, config.Config{Mode: config.ModeDev, AllowedOrigins: []string{"*"}})

	if !warningCodes(records())["allowed_origins_wildcard"] {
		t.Fatalf("expected allowed_origins_wildcard, got %#v", records())
	}
}

func TestStartupWarnings_Prod(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupWarnings(logger, config.Config{
		Mode:                 config.ModeProd,
		Engine:               config.EnginePion,
		WebRTCUDPPortRange:   &config.UDPPortRange{Min: 2000, Max: 2020},
		WebRTCConnectTimeout: 5 * time.Minute,
	})

	got := warningCodes(records())
	for _, code := range []string{
		"max_peers_unlimited_in_prod",
		"no_ice_servers",
		"webrtc_udp_port_range_small",
		"webrtc_connect_timeout_large",
	} {
		if !got[code] {
			t.Fatalf("missing warning %q, got %v", code, got)
		}
	}
	if got["loopback_engine_in_prod"] {
		t.Fatalf("unexpected loopback warning for pion engine")
	}
}

func TestStartupWarnings_LoopbackInProd(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupWarnings(logger, config.Config{Mode: config.ModeProd, Engine: config.EngineLoopback, MaxPeers: 10})

	got := warningCodes(records())
	if !got["loopback_engine_in_prod"] {
		t.Fatalf("expected loopback_engine_in_prod, got %v", got)
	}
	if got["max_peers_unlimited_in_prod"] || got["no_ice_servers"] {
		t.Fatalf("unexpected warnings: %v", got)
	}
}
