package signaling

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/coordinator"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/metrics"
)

const (
	DefaultIdleTimeout          = 60 * time.Second
	DefaultPingInterval         = 20 * time.Second
	DefaultWriteTimeout         = 1 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
	DefaultSendQueueBytes       = 1 << 20 // 1MiB
)

// Config wires the signaling endpoint to a coordinator. Zero values fall back
// to the Default* constants.
type Config struct {
	Coordinator *coordinator.Coordinator
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	// IdleTimeout closes connections that send nothing (not even a pong) for
	// this long. PingInterval should be well below it.
	IdleTimeout  time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	// SendQueueBytes caps the events waiting to be written to one connection.
	SendQueueBytes int

	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool
}

// Server serves GET /signal.
type Server struct {
	cfg      Config
	coord    *coordinator.Coordinator
	metrics  *metrics.Metrics
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	closed   bool
	sessions map[*session]struct{}
	wg       sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Server{
		cfg:     cfg,
		coord:   cfg.Coordinator,
		metrics: cfg.Metrics,
		log:     log.With("component", "signaling"),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{SubprotocolJSON, SubprotocolMsgpack},
			CheckOrigin:  checkOrigin,
		},
		sessions: make(map[*session]struct{}),
	}
}

// Close sends a going-away close frame to every live connection and waits
// until each has disconnected from the coordinator. New upgrades are refused
// afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	live := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	for _, sess := range live {
		sess.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = sess.conn.Close()
	}
	s.wg.Wait()
}

func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleSignal)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) idleTimeout() time.Duration {
	if s.cfg.IdleTimeout <= 0 {
		return DefaultIdleTimeout
	}
	return s.cfg.IdleTimeout
}

func (s *Server) pingInterval() time.Duration {
	if s.cfg.PingInterval <= 0 {
		return DefaultPingInterval
	}
	return s.cfg.PingInterval
}

func (s *Server) writeTimeout() time.Duration {
	if s.cfg.WriteTimeout <= 0 {
		return DefaultWriteTimeout
	}
	return s.cfg.WriteTimeout
}

func (s *Server) maxMessageBytes() int64 {
	if s.cfg.MaxMessageBytes <= 0 {
		return DefaultMaxMessageBytes
	}
	return s.cfg.MaxMessageBytes
}

func (s *Server) maxMessagesPerSecond() int {
	if s.cfg.MaxMessagesPerSecond <= 0 {
		return DefaultMaxMessagesPerSecond
	}
	return s.cfg.MaxMessagesPerSecond
}

func (s *Server) sendQueueBytes() int {
	if s.cfg.SendQueueBytes <= 0 {
		return DefaultSendQueueBytes
	}
	return s.cfg.SendQueueBytes
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if s.coord == nil {
		http.Error(w, "coordinator not configured", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	perSecond := s.maxMessagesPerSecond()
	sess := &session{
		srv:          s,
		conn:         conn,
		codec:        codecFor(conn.Subprotocol()),
		peerID:       uuid.NewString(),
		out:          newOutbox(s.sendQueueBytes()),
		limiter:      rate.NewLimiter(rate.Limit(perSecond), perSecond),
		idleTimeout:  s.idleTimeout(),
		pingInterval: s.pingInterval(),
		writeTimeout: s.writeTimeout(),
	}
	sess.log = s.log.With("peer_id", sess.peerID, "subprotocol", sess.codec.subprotocol())
	if !s.track(sess) {
		sess.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
		return
	}
	defer s.untrack(sess)
	sess.run(r.Context(), s.maxMessageBytes())
}
