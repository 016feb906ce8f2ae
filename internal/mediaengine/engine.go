package mediaengine

import (
	"context"
	"slices"
	"sync"
)

type Handle interface {
	ID() string
}

// Router is the per-room routing context.
type Router interface {
	Handle
	Capabilities() Capabilities
}

type Transport interface {
	Handle
	Role() Role
	Params() TransportParams
}

type Producer interface {
	Handle
	Kind() Kind
	RTPParameters() RTPParameters
}

type Consumer interface {
	Handle
	Kind() Kind
	ProducerID() string
	RTPParameters() RTPParameters
	Paused() bool
}

// Engine is the contract the coordinator consumes. Every blocking method
// completes or fails within the engine's own bounds. Close is idempotent.
type Engine interface {
	CreateRouter(ctx context.Context, codecs []Codec) (Router, error)
	CreateTransport(ctx context.Context, router Router, role Role) (Transport, error)
	ConnectTransport(ctx context.Context, t Transport, params ConnectParams) error
	Produce(ctx context.Context, t Transport, kind Kind, rtp RTPParameters) (Producer, error)
	CanConsume(router Router, producerID string, caps Capabilities) bool
	// Consume creates a consumer on a receiving transport. Callers pass
	// paused=true; the consumer only flows after Resume.
	Consume(ctx context.Context, t Transport, producerID string, caps Capabilities, paused bool) (Consumer, error)
	Resume(ctx context.Context, c Consumer) error
	Close(h Handle) error
	Subscribe(fn func(Event))
}

type EventType string

const (
	// EventTransportClosed reports a transport the engine closed on its own
	// (DTLS/ICE failure, remote close).
	EventTransportClosed EventType = "transport_closed"
	// EventProducerClosed reports a producer closed because its transport went
	// away.
	EventProducerClosed EventType = "producer_closed"
	// EventEngineDied means the engine is unusable. It is not recoverable.
	EventEngineDied EventType = "engine_died"
)

type Event struct {
	Type EventType
	ID   string
	Err  error
}

// Emitter fans engine events out to subscribers. Subscribers run on the
// emitting goroutine and must not block.
type Emitter struct {
	mu   sync.RWMutex
	subs []func(Event)
}

func (e *Emitter) Subscribe(fn func(Event)) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.subs = append(e.subs, fn)
	e.mu.Unlock()
}

func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	subs := slices.Clone(e.subs)
	e.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}
