package metrics

import "sync"

// Counter names. They are exported as the `event` label of
// aero_sfu_signaling_events_total.
const (
	PeersConnected    = "peers_connected"
	PeersDisconnected = "peers_disconnected"
	RoomsCreated      = "rooms_created"
	RoomsReaped       = "rooms_reaped"

	TransportsCreated = "transports_created"
	ProducersCreated  = "producers_created"
	ConsumersCreated  = "consumers_created"
	ConsumersResumed  = "consumers_resumed"

	// OrphanedHandles counts engine handles closed because their owner left
	// while the engine call was in flight.
	OrphanedHandles = "orphaned_handles"
	AdapterFailures = "adapter_failures"
	EngineEvents    = "engine_events"

	FanoutSent    = "fanout_sent"
	FanoutDropped = "fanout_dropped"

	SignalingRequests = "signaling_requests"
	SignalingErrors   = "signaling_errors"
)

// Drop reasons.
const (
	DropReasonRateLimited   = "rate_limited"
	DropReasonTooManyPeers  = "too_many_peers"
	DropReasonRoomFull      = "room_full"
	DropReasonSendQueueFull = "send_queue_full"
	DropReasonMessageTooBig = "message_too_big"
	DropReasonBadMessage    = "bad_message"
	DropReasonIdleTimeout   = "idle_timeout"
	DropReasonWriteTimeout  = "write_timeout"
)

// Metrics is a minimal, concurrency-safe counter registry. Collector exports
// it to Prometheus.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
