package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/coordinator"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/fanout"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/mediaengine/loopback"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/signaling"
)

type testServer struct {
	baseURL string
	engine  *loopback.Engine
	coord   *coordinator.Coordinator
}

func testConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := loopback.New(log)
	coord := coordinator.New(coordinator.Config{}, engine, metrics.New(), log)
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, log, build, coord)

	policy := srv.OriginPolicy()
	sig := signaling.NewServer(signaling.Config{
		Coordinator: coord,
		Metrics:     coord.Metrics(),
		Logger:      log,
		CheckOrigin: policy.Check,
	})
	sig.RegisterRoutes(srv.Mux())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		_ = srv.Close()
		<-errCh
	})

	return &testServer{baseURL: "http://" + ln.Addr().String(), engine: engine, coord: coord}
}

func getJSON(t *testing.T, url string, wantStatus int, out any) http.Header {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s status=%d, want %d", url, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.Header
}

func TestHealthzReadyzVersion(t *testing.T) {
	ts := startTestServer(t, testConfig())

	t.Run("healthz", func(t *testing.T) {
		var body map[string]any
		h := getJSON(t, ts.baseURL+"/healthz", http.StatusOK, &body)
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
		if h.Get("X-Request-ID") == "" {
			t.Fatalf("missing X-Request-ID header")
		}
	})

	t.Run("readyz", func(t *testing.T) {
		getJSON(t, ts.baseURL+"/readyz", http.StatusOK, nil)
	})

	t.Run("version", func(t *testing.T) {
		var got BuildInfo
		getJSON(t, ts.baseURL+"/version", http.StatusOK, &got)
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})
}

func TestRequestIDIsEchoed(t *testing.T) {
	ts := startTestServer(t, testConfig())

	req, _ := http.NewRequest(http.MethodGet, ts.baseURL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("X-Request-ID=%q, want req-123", got)
	}
}

func TestReadyzFailsAfterEngineDeath(t *testing.T) {
	ts := startTestServer(t, testConfig())

	ts.engine.Kill(errors.New("worker exited"))

	var body map[string]any
	getJSON(t, ts.baseURL+"/readyz", http.StatusServiceUnavailable, &body)
	if body["ready"] != false || !strings.Contains(body["error"].(string), "worker exited") {
		t.Fatalf("body=%v", body)
	}
}

type nopSender struct{}

func (nopSender) Send(context.Context, fanout.Event) error { return nil }

func TestRoomsSnapshot(t *testing.T) {
	ts := startTestServer(t, testConfig())
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := ts.coord.Connect(ctx, id, nopSender{}); err != nil {
			t.Fatalf("connect %s: %v", id, err)
		}
		if _, err := ts.coord.Join(ctx, id, "lobby", registry.Profile{Name: id}); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}

	var snap registry.Snapshot
	getJSON(t, ts.baseURL+"/rooms", http.StatusOK, &snap)
	if snap.Peers != 2 {
		t.Fatalf("peers=%d, want 2", snap.Peers)
	}
	if len(snap.Rooms) != 1 || snap.Rooms[0].ID != "lobby" || len(snap.Rooms[0].Members) != 2 {
		t.Fatalf("rooms=%+v", snap.Rooms)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := startTestServer(t, testConfig())
	ctx := context.Background()
	if err := ts.coord.Connect(ctx, "a", nopSender{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := ts.coord.Join(ctx, "a", "lobby", registry.Profile{}); err != nil {
		t.Fatalf("join: %v", err)
	}

	resp, err := http.Get(ts.baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	body := string(b)
	for _, want := range []string{
		`aero_sfu_signaling_resources{resource="rooms"} 1`,
		`aero_sfu_signaling_resources{resource="peers"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}
	ts := startTestServer(t, cfg)

	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
	}
	getJSON(t, ts.baseURL+"/webrtc/ice", http.StatusOK, &payload)
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if _, ok := payload.ICEServers[0]["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", payload.ICEServers[0])
	}
}

func TestOriginPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	ts := startTestServer(t, cfg)

	do := func(origin string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, ts.baseURL+"/rooms", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		return resp
	}

	if resp := do("https://evil.example.com"); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-origin status=%d, want 403", resp.StatusCode)
	}
	resp := do("https://app.example.com")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("allowed origin status=%d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}
}

func TestSignalingUpgradeThroughMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	ts := startTestServer(t, cfg)
	wsURL := "ws" + strings.TrimPrefix(ts.baseURL, "http") + "/signal"

	header := http.Header{}
	header.Set("Origin", "https://app.example.com")
	c, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	var hello struct {
		Event string `json:"event"`
	}
	if err := c.ReadJSON(&hello); err != nil {
		t.Fatalf("read: %v", err)
	}
	if hello.Event != "connection-established" {
		t.Fatalf("event=%q, want connection-established", hello.Event)
	}

	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatalf("cross-origin upgrade succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-origin upgrade resp=%v, want 403", resp)
	}
}
