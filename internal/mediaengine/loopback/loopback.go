// Package loopback is an in-memory media engine. It performs no networking:
// transports report synthetic ICE/DTLS parameters and consumers never carry
// media. It is used for dev mode and as the engine behind coordinator tests.
package loopback

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/mediaengine"
)

// Op names an engine operation for fault injection and hooks.
type Op string

const (
	OpCreateRouter     Op = "createRouter"
	OpCreateTransport  Op = "createTransport"
	OpConnectTransport Op = "connectTransport"
	OpProduce          Op = "produce"
	OpConsume          Op = "consume"
	OpResume           Op = "resume"
)

type Engine struct {
	log     *slog.Logger
	emitter mediaengine.Emitter

	mu         sync.Mutex
	dead       bool
	routers    map[string]*router
	transports map[string]*transport
	producers  map[string]*producer
	consumers  map[string]*consumer
	failures   map[Op]error
	hooks      map[Op]func()
	nextPort   uint16
	nextSSRC   uint32

	routersCreated int
}

var _ mediaengine.Engine = (*Engine)(nil)

func New(log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:        log.With("component", "loopback_engine"),
		routers:    make(map[string]*router),
		transports: make(map[string]*transport),
		producers:  make(map[string]*producer),
		consumers:  make(map[string]*consumer),
		failures:   make(map[Op]error),
		hooks:      make(map[Op]func()),
		nextPort:   40000,
		nextSSRC:   1000,
	}
}

// FailNext makes the next call to op return err.
func (e *Engine) FailNext(op Op, err error) {
	e.mu.Lock()
	e.failures[op] = err
	e.mu.Unlock()
}

// SetHook installs fn to run (without engine locks held) at the start of every
// call to op. Tests use it to widen race windows.
func (e *Engine) SetHook(op Op, fn func()) {
	e.mu.Lock()
	if fn == nil {
		delete(e.hooks, op)
	} else {
		e.hooks[op] = fn
	}
	e.mu.Unlock()
}

func (e *Engine) RoutersCreated() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.routersCreated
}

// OpenHandles counts live handles of every type.
func (e *Engine) OpenHandles() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.routers) + len(e.transports) + len(e.producers) + len(e.consumers)
}

// ConsumerPaused reports the engine-side paused state of a consumer.
func (e *Engine) ConsumerPaused(id string) (paused, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.consumers[id]
	if !ok {
		return false, false
	}
	return c.paused.Load(), true
}

// TransportConnected reports whether ConnectTransport succeeded on id.
func (e *Engine) TransportConnected(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transports[id]
	return ok && t.connected
}

// Kill simulates the engine worker dying.
func (e *Engine) Kill(cause error) {
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return
	}
	e.dead = true
	e.mu.Unlock()
	e.log.Error("media engine died", "err", cause)
	e.emitter.Emit(mediaengine.Event{Type: mediaengine.EventEngineDied, Err: cause})
}

// FailTransport simulates the engine closing a transport on its own, as on a
// DTLS close. It emits TransportClosed and ProducerClosed for each producer the
// transport carried.
func (e *Engine) FailTransport(id string) {
	e.mu.Lock()
	t, ok := e.transports[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	closedProducers := e.closeTransportLocked(t)
	e.mu.Unlock()

	e.emitter.Emit(mediaengine.Event{Type: mediaengine.EventTransportClosed, ID: id})
	for _, pid := range closedProducers {
		e.emitter.Emit(mediaengine.Event{Type: mediaengine.EventProducerClosed, ID: pid})
	}
}

func (e *Engine) Subscribe(fn func(mediaengine.Event)) {
	e.emitter.Subscribe(fn)
}

func (e *Engine) begin(ctx context.Context, op Op) error {
	e.mu.Lock()
	hook := e.hooks[op]
	e.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return mediaengine.ErrEngineDead
	}
	if err, ok := e.failures[op]; ok {
		delete(e.failures, op)
		return err
	}
	return nil
}

func (e *Engine) CreateRouter(ctx context.Context, codecs []mediaengine.Codec) (mediaengine.Router, error) {
	if err := e.begin(ctx, OpCreateRouter); err != nil {
		return nil, err
	}
	if len(codecs) == 0 {
		return nil, fmt.Errorf("%w: no codecs", mediaengine.ErrInvalidParameters)
	}
	r := &router{
		id:   uuid.NewString(),
		caps: mediaengine.RouterCapabilities(codecs),
	}

	e.mu.Lock()
	e.routers[r.id] = r
	e.routersCreated++
	e.mu.Unlock()

	e.log.Debug("router created", "router_id", r.id)
	return r, nil
}

func (e *Engine) CreateTransport(ctx context.Context, rt mediaengine.Router, role mediaengine.Role) (mediaengine.Transport, error) {
	if err := e.begin(ctx, OpCreateTransport); err != nil {
		return nil, err
	}
	r, ok := rt.(*router)
	if !ok {
		return nil, mediaengine.ErrForeignHandle
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.routers[r.id]; !ok {
		return nil, mediaengine.ErrClosed
	}

	id := uuid.NewString()
	e.nextPort++
	t := &transport{
		id:       id,
		routerID: r.id,
		role:     role,
		params: mediaengine.TransportParams{
			ID: id,
			ICEParameters: mediaengine.ICEParameters{
				UsernameFragment: strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
				Password:         strings.ReplaceAll(uuid.NewString(), "-", ""),
				ICELite:          true,
			},
			ICECandidates: []mediaengine.ICECandidate{{
				Foundation: "udpcandidate",
				Priority:   1076302079,
				IP:         "127.0.0.1",
				Protocol:   "udp",
				Port:       e.nextPort,
				Type:       "host",
			}},
			DTLSParameters: mediaengine.DTLSParameters{
				Role:         "auto",
				Fingerprints: []mediaengine.DTLSFingerprint{{Algorithm: "sha-256", Value: fingerprint(id)}},
			},
		},
	}
	e.transports[id] = t
	return t, nil
}

func (e *Engine) ConnectTransport(ctx context.Context, th mediaengine.Transport, params mediaengine.ConnectParams) error {
	if err := e.begin(ctx, OpConnectTransport); err != nil {
		return err
	}
	if err := params.DTLS.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.transportLocked(th)
	if err != nil {
		return err
	}
	t.connected = true
	return nil
}

func (e *Engine) Produce(ctx context.Context, th mediaengine.Transport, kind mediaengine.Kind, rtp mediaengine.RTPParameters) (mediaengine.Producer, error) {
	if err := e.begin(ctx, OpProduce); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.transportLocked(th)
	if err != nil {
		return nil, err
	}
	if t.role != mediaengine.RoleSending {
		return nil, mediaengine.ErrWrongRole
	}
	r, ok := e.routers[t.routerID]
	if !ok {
		return nil, mediaengine.ErrClosed
	}
	if !mediaengine.SupportsProducer(r.caps, kind, rtp) {
		return nil, mediaengine.ErrUnsupportedCodec
	}

	p := &producer{
		id:          uuid.NewString(),
		transportID: t.id,
		routerID:    r.id,
		kind:        kind,
		rtp:         rtp,
	}
	e.producers[p.id] = p
	return p, nil
}

func (e *Engine) CanConsume(rt mediaengine.Router, producerID string, caps mediaengine.Capabilities) bool {
	r, ok := rt.(*router)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.producers[producerID]
	if !ok || p.routerID != r.id {
		return false
	}
	return mediaengine.CanConsume(r.caps, p.rtp, caps)
}

func (e *Engine) Consume(ctx context.Context, th mediaengine.Transport, producerID string, caps mediaengine.Capabilities, paused bool) (mediaengine.Consumer, error) {
	if err := e.begin(ctx, OpConsume); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.transportLocked(th)
	if err != nil {
		return nil, err
	}
	if t.role != mediaengine.RoleReceiving {
		return nil, mediaengine.ErrWrongRole
	}
	p, ok := e.producers[producerID]
	if !ok || p.routerID != t.routerID {
		return nil, mediaengine.ErrProducerNotFound
	}
	r := e.routers[t.routerID]
	if r == nil || !mediaengine.CanConsume(r.caps, p.rtp, caps) {
		return nil, mediaengine.ErrIncompatible
	}

	e.nextSSRC++
	c := &consumer{
		id:          uuid.NewString(),
		transportID: t.id,
		producerID:  p.id,
		kind:        p.kind,
		rtp:         mediaengine.ConsumerRTPParameters(p.rtp, caps, e.nextSSRC),
	}
	c.paused.Store(paused)
	e.consumers[c.id] = c
	return c, nil
}

func (e *Engine) Resume(ctx context.Context, ch mediaengine.Consumer) error {
	if err := e.begin(ctx, OpResume); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.consumers[ch.ID()]
	if !ok {
		return mediaengine.ErrClosed
	}
	c.paused.Store(false)
	return nil
}

func (e *Engine) Close(h mediaengine.Handle) error {
	if h == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	switch v := h.(type) {
	case *router:
		if _, ok := e.routers[v.id]; !ok {
			return nil
		}
		for _, t := range e.transports {
			if t.routerID == v.id {
				e.closeTransportLocked(t)
			}
		}
		delete(e.routers, v.id)
	case *transport:
		if t, ok := e.transports[v.id]; ok {
			e.closeTransportLocked(t)
		}
	case *producer:
		e.closeProducerLocked(v.id)
	case *consumer:
		delete(e.consumers, v.id)
	default:
		return mediaengine.ErrForeignHandle
	}
	return nil
}

func (e *Engine) transportLocked(th mediaengine.Transport) (*transport, error) {
	if th == nil {
		return nil, mediaengine.ErrForeignHandle
	}
	t, ok := e.transports[th.ID()]
	if !ok {
		return nil, mediaengine.ErrClosed
	}
	return t, nil
}

func (e *Engine) closeTransportLocked(t *transport) []string {
	var closedProducers []string
	for id, c := range e.consumers {
		if c.transportID == t.id {
			delete(e.consumers, id)
		}
	}
	for id, p := range e.producers {
		if p.transportID == t.id {
			e.closeProducerLocked(id)
			closedProducers = append(closedProducers, id)
		}
	}
	delete(e.transports, t.id)
	return closedProducers
}

func (e *Engine) closeProducerLocked(id string) {
	if _, ok := e.producers[id]; !ok {
		return
	}
	for cid, c := range e.consumers {
		if c.producerID == id {
			delete(e.consumers, cid)
		}
	}
	delete(e.producers, id)
}

func fingerprint(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}
