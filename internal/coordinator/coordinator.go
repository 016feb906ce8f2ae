// Package coordinator drives the per-peer signaling state machine: join,
// transport negotiation, produce, consume, resume and leave. It owns the
// registries and talks to the media engine, but never while holding a
// registry lock.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/fanout"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/mediaengine"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/registry"
)

type RejoinPolicy string

const (
	// RejoinReassign tears down the peer's resources in its old room and
	// joins the new one.
	RejoinReassign RejoinPolicy = "reassign"
	// RejoinReject refuses a join to a different room with ErrAlreadyJoined.
	RejoinReject RejoinPolicy = "reject"
)

func ParseRejoinPolicy(raw string) (RejoinPolicy, error) {
	switch RejoinPolicy(raw) {
	case RejoinReassign, RejoinReject:
		return RejoinPolicy(raw), nil
	default:
		return "", fmt.Errorf("invalid rejoin policy %q (expected reassign or reject)", raw)
	}
}

type Config struct {
	// Codecs are the router codecs for every room.
	Codecs       []mediaengine.Codec
	RejoinPolicy RejoinPolicy

	MaxPeers     int
	MaxRoomPeers int

	// EmptyRoomTTL enables reaping of rooms left empty for this long. Zero
	// keeps empty rooms forever.
	EmptyRoomTTL time.Duration
	ReapInterval time.Duration

	FanoutSendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Codecs) == 0 {
		c.Codecs = mediaengine.DefaultCodecs()
	}
	if c.RejoinPolicy == "" {
		c.RejoinPolicy = RejoinReassign
	}
	if c.EmptyRoomTTL > 0 && c.ReapInterval <= 0 {
		c.ReapInterval = c.EmptyRoomTTL / 2
		if c.ReapInterval < time.Second {
			c.ReapInterval = time.Second
		}
	}
	return c
}

type Coordinator struct {
	cfg      Config
	engine   mediaengine.Engine
	reg      *registry.Registry
	dir      *fanout.Directory
	notifier *fanout.Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time

	fatal     chan error
	fatalOnce sync.Once
	engineErr atomic.Pointer[error]
}

func New(cfg Config, engine mediaengine.Engine, m *metrics.Metrics, log *slog.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = slog.Default()
	}

	dir := fanout.NewDirectory()
	c := &Coordinator{
		cfg:     cfg,
		engine:  engine,
		dir:     dir,
		metrics: m,
		log:     log.With("component", "coordinator"),
		now:     time.Now,
		fatal:   make(chan error, 1),
	}
	c.reg = registry.New(registry.Options{
		MaxPeers:     cfg.MaxPeers,
		MaxRoomPeers: cfg.MaxRoomPeers,
		Now:          func() time.Time { return c.now() },
	})
	c.notifier = fanout.NewNotifier(fanout.Config{SendTimeout: cfg.FanoutSendTimeout}, c.reg, dir, m, log)
	engine.Subscribe(c.handleEngineEvent)
	return c
}

func (c *Coordinator) Registry() *registry.Registry { return c.reg }

func (c *Coordinator) Metrics() *metrics.Metrics { return c.metrics }

// Fatal yields the error that made the media engine unusable. The process is
// expected to exit once it fires.
func (c *Coordinator) Fatal() <-chan error { return c.fatal }

// EngineErr returns the engine failure once the engine has died, or nil.
func (c *Coordinator) EngineErr() error {
	if p := c.engineErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Gauges reports live registry sizes for the metrics endpoint.
func (c *Coordinator) Gauges() map[string]float64 {
	snap := c.reg.Snapshot()
	return map[string]float64{
		"rooms":       float64(len(snap.Rooms)),
		"peers":       float64(snap.Peers),
		"connections": float64(c.dir.Len()),
		"transports":  float64(snap.Transports),
		"producers":   float64(snap.Producers),
		"consumers":   float64(snap.Consumers),
	}
}

// Run reaps empty rooms until ctx is done. It returns immediately when
// reaping is disabled.
func (c *Coordinator) Run(ctx context.Context) {
	if c.cfg.EmptyRoomTTL <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ReapEmptyRooms(ctx)
		}
	}
}

// ReapEmptyRooms closes the routers of rooms that stayed empty for
// EmptyRoomTTL and returns how many were removed.
func (c *Coordinator) ReapEmptyRooms(ctx context.Context) int {
	if c.cfg.EmptyRoomTTL <= 0 {
		return 0
	}
	rooms := c.reg.ReapEmptyRooms(c.now(), c.cfg.EmptyRoomTTL)
	for _, room := range rooms {
		if err := c.engine.Close(room.Router); err != nil {
			c.log.Warn("close router failed", "room_id", room.ID, "err", err)
		}
		c.metrics.Inc(metrics.RoomsReaped)
		c.log.Info("room reaped", "room_id", room.ID)
	}
	return len(rooms)
}

func (c *Coordinator) handleEngineEvent(ev mediaengine.Event) {
	c.metrics.Inc(metrics.EngineEvents)
	ctx := context.Background()

	switch ev.Type {
	case mediaengine.EventTransportClosed:
		cascade, err := c.reg.RemoveTransport(ev.ID)
		if err != nil {
			return
		}
		c.log.Info("transport closed by engine", "transport_id", ev.ID, "err", ev.Err)
		c.finishCascade(ctx, cascade)
	case mediaengine.EventProducerClosed:
		cascade, err := c.reg.RemoveProducer(ev.ID)
		if err != nil {
			return
		}
		c.log.Info("producer closed by engine", "producer_id", ev.ID, "err", ev.Err)
		c.finishCascade(ctx, cascade)
	case mediaengine.EventEngineDied:
		c.fatalOnce.Do(func() {
			err := ev.Err
			if err == nil {
				err = mediaengine.ErrEngineDead
			}
			c.log.Error("media engine died", "err", err)
			c.engineErr.Store(&err)
			c.fatal <- err
		})
	}
}

// finishCascade closes the removed engine handles in cascade order and then
// tells subscribers which producers went away.
func (c *Coordinator) finishCascade(ctx context.Context, cascade registry.Cascade) {
	for _, h := range cascade.Handles() {
		if err := c.engine.Close(h); err != nil {
			c.log.Warn("close handle failed", "handle_id", h.ID(), "err", err)
		}
	}
	if len(cascade.Notices) > 0 {
		c.notifier.NotifyProducerClosed(ctx, cascade.Notices)
	}
}

// closeOrphan releases a handle the engine created for a request whose peer
// or room went away before the registry insert.
func (c *Coordinator) closeOrphan(h mediaengine.Handle, cause error) {
	c.metrics.Inc(metrics.OrphanedHandles)
	if err := c.engine.Close(h); err != nil {
		c.log.Warn("close orphaned handle failed", "handle_id", h.ID(), "err", err)
	}
	c.log.Debug("closed orphaned handle", "handle_id", h.ID(), "cause", cause)
}

func (c *Coordinator) adapterFailure(op string, err error) error {
	wrapped := adapterError(op, err)
	if errors.Is(wrapped, ErrAdapterFailure) {
		c.metrics.Inc(metrics.AdapterFailures)
		c.log.Warn("media engine call failed", "op", op, "err", err)
	}
	return wrapped
}

// joinedPeer returns the peer and its room, or ErrNotFound / ErrRoomNotJoined.
func (c *Coordinator) joinedPeer(peerID string) (registry.Peer, registry.Room, error) {
	p, err := c.reg.Peer(peerID)
	if err != nil {
		return registry.Peer{}, registry.Room{}, err
	}
	if p.RoomID == "" {
		return registry.Peer{}, registry.Room{}, ErrRoomNotJoined
	}
	room, err := c.reg.Room(p.RoomID)
	if err != nil {
		return registry.Peer{}, registry.Room{}, ErrRoomNotJoined
	}
	return p, room, nil
}
