// Package fanout pushes room events to peer connections.
//
// Delivery is best-effort. A peer that has already gone away is skipped, and a
// slow connection only costs the notifier its SendTimeout.
package fanout

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/registry"
)

const (
	EventConnectionEstablished = "connection-established"
	EventNewProducer           = "new-producer"
	EventProducerClosed        = "producer-closed"
)

const (
	DefaultSendTimeout = 2 * time.Second
	// sendParallelism bounds concurrent sends within one notification.
	sendParallelism = 32
)

// ErrPeerGone is returned by a Sender whose connection is closed.
var ErrPeerGone = errors.New("peer connection closed")

type Event struct {
	Name string
	Data any
}

type ConnectionEstablished struct {
	PeerID string `json:"peerId"`
}

type ProducerEvent struct {
	ProducerID string `json:"producerId"`
}

// Sender delivers one event to one peer connection.
type Sender interface {
	Send(ctx context.Context, ev Event) error
}

// Directory maps live peer ids to their connection.
type Directory struct {
	mu    sync.RWMutex
	peers map[string]Sender
}

func NewDirectory() *Directory {
	return &Directory{peers: make(map[string]Sender)}
}

func (d *Directory) Add(peerID string, s Sender) {
	d.mu.Lock()
	d.peers[peerID] = s
	d.mu.Unlock()
}

func (d *Directory) Remove(peerID string) {
	d.mu.Lock()
	delete(d.peers, peerID)
	d.mu.Unlock()
}

func (d *Directory) Get(peerID string) (Sender, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.peers[peerID]
	return s, ok
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

type Config struct {
	SendTimeout time.Duration
}

type Notifier struct {
	reg     *registry.Registry
	dir     *Directory
	timeout time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewNotifier(cfg Config, reg *registry.Registry, dir *Directory, m *metrics.Metrics, log *slog.Logger) *Notifier {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		reg:     reg,
		dir:     dir,
		timeout: cfg.SendTimeout,
		log:     log.With("component", "fanout"),
		metrics: m,
	}
}

// NotifyNewProducer tells every member of roomID except the publisher about
// producerID. It returns the number of peers the event was handed to.
func (n *Notifier) NotifyNewProducer(ctx context.Context, roomID, publisherID, producerID string) int {
	room, err := n.reg.Room(roomID)
	if err != nil {
		return 0
	}
	var targets []string
	for _, member := range room.Members {
		if member != publisherID {
			targets = append(targets, member)
		}
	}
	return n.send(ctx, targets, Event{Name: EventNewProducer, Data: ProducerEvent{ProducerID: producerID}})
}

// NotifyProducerClosed sends one producer-closed event per notice. Callers get
// notices from a registry Cascade, which already holds at most one entry per
// (subscriber, producer).
func (n *Notifier) NotifyProducerClosed(ctx context.Context, notices []registry.Notice) int {
	byProducer := make(map[string][]string)
	for _, nt := range notices {
		byProducer[nt.ProducerID] = append(byProducer[nt.ProducerID], nt.PeerID)
	}
	producers := make([]string, 0, len(byProducer))
	for id := range byProducer {
		producers = append(producers, id)
	}
	sort.Strings(producers)

	sent := 0
	for _, id := range producers {
		sent += n.send(ctx, byProducer[id], Event{Name: EventProducerClosed, Data: ProducerEvent{ProducerID: id}})
	}
	return sent
}

func (n *Notifier) send(ctx context.Context, targets []string, ev Event) int {
	if len(targets) == 0 {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	var (
		mu   sync.Mutex
		sent int
		g    errgroup.Group
	)
	g.SetLimit(sendParallelism)
	for _, peerID := range targets {
		s, ok := n.dir.Get(peerID)
		if !ok {
			continue
		}
		peerID := peerID
		g.Go(func() error {
			if err := s.Send(ctx, ev); err != nil {
				if !errors.Is(err, ErrPeerGone) {
					n.metrics.Inc(metrics.FanoutDropped)
					n.log.Debug("event dropped", "event", ev.Name, "peer_id", peerID, "err", err)
				}
				return nil
			}
			n.metrics.Inc(metrics.FanoutSent)
			mu.Lock()
			sent++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return sent
}
