// Package pionengine implements mediaengine.Engine on top of pion/webrtc's
// ORTC API. Each transport is an ICE gatherer, a controlled ICE transport and
// a DTLS transport; producers are RTP receivers whose packets are copied into
// a local static track, and consumers are RTP senders bound to that track.
package pionengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/mediaengine"
)

const (
	DefaultGatherTimeout  = 2 * time.Second
	DefaultConnectTimeout = 30 * time.Second
)

var (
	errGatherTimeout  = errors.New("ice gathering timed out without candidates")
	errConnectTimeout = errors.New("transport did not connect in time")
)

type Config struct {
	ICEServers []webrtc.ICEServer

	// PortMin/PortMax restrict the UDP ports used for ICE. Both zero means
	// OS ephemeral ports.
	PortMin uint16
	PortMax uint16

	NAT1To1IPs           []string
	NAT1To1CandidateType webrtc.ICECandidateType
	ListenIP             net.IP

	GatherTimeout  time.Duration
	ConnectTimeout time.Duration

	// Net overrides the network stack (vnet in tests).
	Net transport.Net

	Logger *slog.Logger
}

type Engine struct {
	cfg     Config
	api     *webrtc.API
	log     *slog.Logger
	emitter mediaengine.Emitter

	mu         sync.Mutex
	routers    map[string]*router
	transports map[string]*pionTransport
	producers  map[string]*producer
	consumers  map[string]*consumer
}

var _ mediaengine.Engine = (*Engine)(nil)

func New(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = DefaultGatherTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	api, err := newAPI(cfg)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:        cfg,
		api:        api,
		log:        cfg.Logger.With("component", "pion_engine"),
		routers:    make(map[string]*router),
		transports: make(map[string]*pionTransport),
		producers:  make(map[string]*producer),
		consumers:  make(map[string]*consumer),
	}, nil
}

func (e *Engine) Subscribe(fn func(mediaengine.Event)) {
	e.emitter.Subscribe(fn)
}

func (e *Engine) CreateRouter(ctx context.Context, codecs []mediaengine.Codec) (mediaengine.Router, error) {
	if err := ctx.Err(); err != nil {
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
	e.mu.Unlock()
	return r, nil
}

func (e *Engine) CreateTransport(ctx context.Context, rt mediaengine.Router, role mediaengine.Role) (mediaengine.Transport, error) {
	r, err := e.router(rt)
	if err != nil {
		return nil, err
	}

	gatherer, err := e.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: e.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new ice gatherer: %w", err)
	}
	ice := e.api.NewICETransport(gatherer)
	dtls, err := e.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("new dtls transport: %w", err)
	}

	t := &pionTransport{
		id:       uuid.NewString(),
		routerID: r.id,
		role:     role,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
		ready:    make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	if err := e.gather(ctx, t); err != nil {
		t.teardown()
		return nil, err
	}

	dtls.OnStateChange(func(state webrtc.DTLSTransportState) {
		switch state {
		case webrtc.DTLSTransportStateClosed, webrtc.DTLSTransportStateFailed:
			go e.failTransport(t, fmt.Errorf("dtls state %s", state))
		}
	})

	e.mu.Lock()
	if _, ok := e.routers[r.id]; !ok {
		e.mu.Unlock()
		t.teardown()
		return nil, mediaengine.ErrClosed
	}
	e.transports[t.id] = t
	e.mu.Unlock()

	e.log.Debug("transport created", "transport_id", t.id, "router_id", r.id, "role", role)
	return t, nil
}

func (e *Engine) gather(ctx context.Context, t *pionTransport) error {
	done := make(chan struct{})
	var once sync.Once
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(done) })
		}
	})
	if err := t.gatherer.Gather(); err != nil {
		return fmt.Errorf("gather: %w", err)
	}

	timer := time.NewTimer(e.cfg.GatherTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local ice parameters: %w", err)
	}
	cands, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return fmt.Errorf("local ice candidates: %w", err)
	}
	if len(cands) == 0 {
		return errGatherTimeout
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local dtls parameters: %w", err)
	}

	t.params = mediaengine.TransportParams{
		ID:             t.id,
		ICEParameters:  fromPionICEParameters(iceParams),
		ICECandidates:  fromPionCandidates(cands),
		DTLSParameters: fromPionDTLSParameters(dtlsParams),
	}
	return nil
}

// ConnectTransport starts ICE and DTLS in the background. The call returns as
// soon as the remote parameters are accepted; media operations wait for the
// handshake with ConnectTimeout.
func (e *Engine) ConnectTransport(ctx context.Context, th mediaengine.Transport, params mediaengine.ConnectParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t, err := e.transport(th)
	if err != nil {
		return err
	}
	if err := params.DTLS.Validate(); err != nil {
		return err
	}
	if params.ICE == nil || params.ICE.UsernameFragment == "" || params.ICE.Password == "" {
		return fmt.Errorf("%w: remote ice parameters required", mediaengine.ErrInvalidParameters)
	}

	started := false
	t.connectOnce.Do(func() {
		started = true
		remoteICE := toPionICEParameters(*params.ICE)
		remoteDTLS := toPionDTLSParameters(params.DTLS)
		go e.establish(t, remoteICE, remoteDTLS)
	})
	if !started {
		return fmt.Errorf("%w: transport already connected", mediaengine.ErrInvalidParameters)
	}
	return nil
}

func (e *Engine) establish(t *pionTransport, remoteICE webrtc.ICEParameters, remoteDTLS webrtc.DTLSParameters) {
	timer := time.AfterFunc(e.cfg.ConnectTimeout, func() {
		select {
		case <-t.ready:
		default:
			e.failTransport(t, errConnectTimeout)
		}
	})
	defer timer.Stop()

	role := webrtc.ICERoleControlled
	if err := t.ice.Start(t.gatherer, remoteICE, &role); err != nil {
		e.failTransport(t, fmt.Errorf("ice start: %w", err))
		return
	}
	if err := t.dtls.Start(remoteDTLS); err != nil {
		e.failTransport(t, fmt.Errorf("dtls start: %w", err))
		return
	}
	close(t.ready)
	e.log.Debug("transport connected", "transport_id", t.id)
}

func (e *Engine) Produce(ctx context.Context, th mediaengine.Transport, kind mediaengine.Kind, rtp mediaengine.RTPParameters) (mediaengine.Producer, error) {
	t, err := e.transport(th)
	if err != nil {
		return nil, err
	}
	if t.role != mediaengine.RoleSending {
		return nil, mediaengine.ErrWrongRole
	}
	r, err := e.routerByID(t.routerID)
	if err != nil {
		return nil, err
	}
	if !mediaengine.SupportsProducer(r.caps, kind, rtp) {
		return nil, mediaengine.ErrUnsupportedCodec
	}
	if len(rtp.Encodings) == 0 || rtp.Encodings[0].SSRC == 0 {
		return nil, fmt.Errorf("%w: producer needs an encoding ssrc", mediaengine.ErrInvalidParameters)
	}
	if err := t.waitReady(ctx, e.cfg.ConnectTimeout); err != nil {
		return nil, err
	}

	codec := rtp.Codecs[0]
	receiver, err := e.api.NewRTPReceiver(codecType(kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("new rtp receiver: %w", err)
	}
	if err := receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(rtp.Encodings[0].SSRC),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		}},
	}); err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("receive: %w", err)
	}

	id := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticRTP(codecCapability(codec), id, "sfu-"+r.id)
	if err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("new local track: %w", err)
	}

	p := &producer{
		id:          id,
		transportID: t.id,
		routerID:    r.id,
		kind:        kind,
		rtp:         rtp,
		ssrc:        rtp.Encodings[0].SSRC,
		receiver:    receiver,
		track:       track,
		dtls:        t.dtls,
	}

	e.mu.Lock()
	if _, ok := e.transports[t.id]; !ok {
		e.mu.Unlock()
		p.teardown()
		return nil, mediaengine.ErrClosed
	}
	e.producers[p.id] = p
	e.mu.Unlock()

	go p.forward(e.log)
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
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := e.transport(th)
	if err != nil {
		return nil, err
	}
	if t.role != mediaengine.RoleReceiving {
		return nil, mediaengine.ErrWrongRole
	}

	e.mu.Lock()
	p, ok := e.producers[producerID]
	r := e.routers[t.routerID]
	e.mu.Unlock()
	if !ok || p.routerID != t.routerID {
		return nil, mediaengine.ErrProducerNotFound
	}
	if r == nil || !mediaengine.CanConsume(r.caps, p.rtp, caps) {
		return nil, mediaengine.ErrIncompatible
	}

	sender, err := e.api.NewRTPSender(p.track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("new rtp sender: %w", err)
	}
	var ssrc uint32
	if enc := sender.GetParameters().Encodings; len(enc) > 0 {
		ssrc = uint32(enc[0].SSRC)
	}

	c := &consumer{
		id:          uuid.NewString(),
		transportID: t.id,
		producerID:  p.id,
		kind:        p.kind,
		rtp:         mediaengine.ConsumerRTPParameters(p.rtp, caps, ssrc),
		sender:      sender,
	}
	c.paused.Store(true)

	e.mu.Lock()
	_, transportOK := e.transports[t.id]
	_, producerOK := e.producers[p.id]
	if !transportOK || !producerOK {
		e.mu.Unlock()
		c.teardown()
		return nil, mediaengine.ErrClosed
	}
	e.consumers[c.id] = c
	e.mu.Unlock()

	if !paused {
		if err := e.Resume(ctx, c); err != nil {
			_ = e.Close(c)
			return nil, err
		}
	}
	return c, nil
}

// Resume starts the RTP sender once the transport is up and asks the
// publisher for a keyframe so the subscriber can start decoding.
func (e *Engine) Resume(ctx context.Context, ch mediaengine.Consumer) error {
	e.mu.Lock()
	c, ok := e.consumers[ch.ID()]
	var t *pionTransport
	var p *producer
	if ok {
		t = e.transports[c.transportID]
		p = e.producers[c.producerID]
	}
	e.mu.Unlock()
	if !ok || t == nil || p == nil {
		return mediaengine.ErrClosed
	}
	if !c.paused.Load() {
		return nil
	}
	if err := t.waitReady(ctx, e.cfg.ConnectTimeout); err != nil {
		return err
	}

	var sendErr error
	c.startOnce.Do(func() {
		sendErr = c.sender.Send(c.sender.GetParameters())
		if sendErr == nil {
			go c.relayFeedback(p)
		}
	})
	if sendErr != nil {
		return fmt.Errorf("start sender: %w", sendErr)
	}
	c.paused.Store(false)

	if p.kind == mediaengine.KindVideo {
		p.requestKeyframe()
	}
	return nil
}

func (e *Engine) Close(h mediaengine.Handle) error {
	if h == nil {
		return nil
	}
	switch v := h.(type) {
	case *router:
		e.mu.Lock()
		if _, ok := e.routers[v.id]; !ok {
			e.mu.Unlock()
			return nil
		}
		delete(e.routers, v.id)
		var ts []*pionTransport
		for _, t := range e.transports {
			if t.routerID == v.id {
				ts = append(ts, t)
			}
		}
		e.mu.Unlock()
		for _, t := range ts {
			e.closeTransport(t)
		}
	case *pionTransport:
		e.closeTransport(v)
	case *producer:
		e.mu.Lock()
		_, ok := e.producers[v.id]
		delete(e.producers, v.id)
		cs := e.consumersOfLocked(func(c *consumer) bool { return c.producerID == v.id })
		e.mu.Unlock()
		for _, c := range cs {
			c.teardown()
		}
		if ok {
			v.teardown()
		}
	case *consumer:
		e.mu.Lock()
		_, ok := e.consumers[v.id]
		delete(e.consumers, v.id)
		e.mu.Unlock()
		if ok {
			v.teardown()
		}
	default:
		return mediaengine.ErrForeignHandle
	}
	return nil
}

// closeTransport removes t and everything it carries. It reports whether this
// call did the removal and which producers went with it.
func (e *Engine) closeTransport(t *pionTransport) (bool, []string) {
	if !t.closed.CompareAndSwap(false, true) {
		return false, nil
	}

	e.mu.Lock()
	delete(e.transports, t.id)
	var ps []*producer
	for id, p := range e.producers {
		if p.transportID == t.id {
			ps = append(ps, p)
			delete(e.producers, id)
		}
	}
	cs := e.consumersOfLocked(func(c *consumer) bool {
		if c.transportID == t.id {
			return true
		}
		for _, p := range ps {
			if c.producerID == p.id {
				return true
			}
		}
		return false
	})
	e.mu.Unlock()

	for _, c := range cs {
		c.teardown()
	}
	ids := make([]string, 0, len(ps))
	for _, p := range ps {
		p.teardown()
		ids = append(ids, p.id)
	}
	t.teardown()
	return true, ids
}

func (e *Engine) failTransport(t *pionTransport, cause error) {
	removed, producerIDs := e.closeTransport(t)
	if !removed {
		return
	}
	e.log.Info("transport closed by engine", "transport_id", t.id, "err", cause)
	e.emitter.Emit(mediaengine.Event{Type: mediaengine.EventTransportClosed, ID: t.id, Err: cause})
	for _, id := range producerIDs {
		e.emitter.Emit(mediaengine.Event{Type: mediaengine.EventProducerClosed, ID: id, Err: cause})
	}
}

// consumersOfLocked removes and returns consumers matching match. e.mu must be
// held.
func (e *Engine) consumersOfLocked(match func(*consumer) bool) []*consumer {
	var out []*consumer
	for id, c := range e.consumers {
		if match(c) {
			out = append(out, c)
			delete(e.consumers, id)
		}
	}
	return out
}

func (e *Engine) router(rt mediaengine.Router) (*router, error) {
	r, ok := rt.(*router)
	if !ok {
		return nil, mediaengine.ErrForeignHandle
	}
	return e.routerByID(r.id)
}

func (e *Engine) routerByID(id string) (*router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.routers[id]
	if !ok {
		return nil, mediaengine.ErrClosed
	}
	return r, nil
}

func (e *Engine) transport(th mediaengine.Transport) (*pionTransport, error) {
	t, ok := th.(*pionTransport)
	if !ok {
		return nil, mediaengine.ErrForeignHandle
	}
	if t.closed.Load() {
		return nil, mediaengine.ErrClosed
	}
	return t, nil
}
