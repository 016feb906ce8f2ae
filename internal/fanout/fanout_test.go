package fanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/mediaengine"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/registry"
)

type recordingSender struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSender) Send(_ context.Context, ev Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *recordingSender) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

type blockingSender struct{}

func (blockingSender) Send(ctx context.Context, _ Event) error {
	<-ctx.Done()
	return ctx.Err()
}

type goneSender struct{}

func (goneSender) Send(context.Context, Event) error { return ErrPeerGone }

type stubRouter struct{}

func (stubRouter) ID() string { return "router" }

func (stubRouter) Capabilities() mediaengine.Capabilities { return mediaengine.Capabilities{} }

func newRoom(t *testing.T, peers ...string) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.Options{})
	if _, err := reg.GetOrCreateRoom(context.Background(), "r1", func(context.Context) (mediaengine.Router, error) {
		return stubRouter{}, nil
	}); err != nil {
		t.Fatalf("GetOrCreateRoom: %v", err)
	}
	for _, p := range peers {
		if err := reg.RegisterPeer(p); err != nil {
			t.Fatalf("RegisterPeer: %v", err)
		}
		if err := reg.AddMember("r1", p, registry.Profile{}); err != nil {
			t.Fatalf("AddMember: %v", err)
		}
	}
	return reg
}

func TestNotifyNewProducer_SkipsPublisherAndDepartedPeers(t *testing.T) {
	reg := newRoom(t, "x", "y", "z", "gone")
	dir := NewDirectory()
	senders := map[string]*recordingSender{"x": {}, "y": {}, "z": {}}
	for id, s := range senders {
		dir.Add(id, s)
	}
	m := metrics.New()
	n := NewNotifier(Config{}, reg, dir, m, nil)

	if got := n.NotifyNewProducer(context.Background(), "r1", "x", "prod-1"); got != 2 {
		t.Fatalf("sent=%d, want 2", got)
	}
	if evs := senders["x"].Events(); len(evs) != 0 {
		t.Fatalf("publisher notified: %v", evs)
	}
	for _, id := range []string{"y", "z"} {
		evs := senders[id].Events()
		if len(evs) != 1 {
			t.Fatalf("%s events=%v, want 1", id, evs)
		}
		if evs[0].Name != EventNewProducer || evs[0].Data.(ProducerEvent).ProducerID != "prod-1" {
			t.Fatalf("%s event=%+v", id, evs[0])
		}
	}
	if got := m.Get(metrics.FanoutSent); got != 2 {
		t.Fatalf("fanout_sent=%d, want 2", got)
	}
	if got := n.NotifyNewProducer(context.Background(), "missing", "x", "prod-1"); got != 0 {
		t.Fatalf("missing room sent=%d, want 0", got)
	}
}

func TestNotifyProducerClosed_OnePerNotice(t *testing.T) {
	reg := newRoom(t)
	dir := NewDirectory()
	y, z := &recordingSender{}, &recordingSender{}
	dir.Add("y", y)
	dir.Add("z", z)
	dir.Add("w", goneSender{})
	m := metrics.New()
	n := NewNotifier(Config{}, reg, dir, m, nil)

	got := n.NotifyProducerClosed(context.Background(), []registry.Notice{
		{PeerID: "y", ProducerID: "a"},
		{PeerID: "y", ProducerID: "v"},
		{PeerID: "z", ProducerID: "a"},
		{PeerID: "w", ProducerID: "a"},
		{PeerID: "departed", ProducerID: "a"},
	})
	if got != 3 {
		t.Fatalf("sent=%d, want 3", got)
	}
	if evs := y.Events(); len(evs) != 2 {
		t.Fatalf("y events=%v, want 2", evs)
	}
	if evs := z.Events(); len(evs) != 1 || evs[0].Name != EventProducerClosed {
		t.Fatalf("z events=%v", evs)
	}
	if got := m.Get(metrics.FanoutDropped); got != 0 {
		t.Fatalf("fanout_dropped=%d, want 0 for closed connections", got)
	}
}

func TestNotify_SlowPeerBoundedByTimeout(t *testing.T) {
	reg := newRoom(t, "x", "slow", "fast")
	dir := NewDirectory()
	fast := &recordingSender{}
	dir.Add("slow", blockingSender{})
	dir.Add("fast", fast)
	m := metrics.New()
	n := NewNotifier(Config{SendTimeout: 50 * time.Millisecond}, reg, dir, m, nil)

	start := time.Now()
	got := n.NotifyNewProducer(context.Background(), "r1", "x", "p")
	elapsed := time.Since(start)

	if got != 1 {
		t.Fatalf("sent=%d, want 1", got)
	}
	if elapsed > time.Second {
		t.Fatalf("notify took %v, want bounded by send timeout", elapsed)
	}
	if len(fast.Events()) != 1 {
		t.Fatalf("fast peer missed event")
	}
	if got := m.Get(metrics.FanoutDropped); got != 1 {
		t.Fatalf("fanout_dropped=%d, want 1", got)
	}
}

func TestDirectory(t *testing.T) {
	d := NewDirectory()
	d.Add("a", &recordingSender{})
	if _, ok := d.Get("a"); !ok || d.Len() != 1 {
		t.Fatalf("Get after Add failed")
	}
	d.Remove("a")
	d.Remove("a")
	if _, ok := d.Get("a"); ok || d.Len() != 0 {
		t.Fatalf("Get after Remove succeeded")
	}
}
