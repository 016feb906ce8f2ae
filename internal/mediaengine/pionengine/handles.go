package pionengine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/mediaengine"
)

type router struct {
	id   string
	caps mediaengine.Capabilities
}

func (r *router) ID() string { return r.id }

func (r *router) Capabilities() mediaengine.Capabilities { return r.caps }

type pionTransport struct {
	id       string
	routerID string
	role     mediaengine.Role
	params   mediaengine.TransportParams

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	ready       chan struct{}
	connectOnce sync.Once

	closed   atomic.Bool
	stopOnce sync.Once
	stopped  chan struct{}
}

func (t *pionTransport) ID() string { return t.id }

func (t *pionTransport) Role() mediaengine.Role { return t.role }

func (t *pionTransport) Params() mediaengine.TransportParams { return t.params }

func (t *pionTransport) waitReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.ready:
		return nil
	case <-t.stopped:
		return mediaengine.ErrClosed
	case <-timer.C:
		return errConnectTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *pionTransport) teardown() {
	t.closed.Store(true)
	t.stopOnce.Do(func() {
		close(t.stopped)
		_ = t.dtls.Stop()
		_ = t.ice.Stop()
		_ = t.gatherer.Close()
	})
}

type producer struct {
	id          string
	transportID string
	routerID    string
	kind        mediaengine.Kind
	rtp         mediaengine.RTPParameters
	ssrc        uint32

	receiver *webrtc.RTPReceiver
	track    *webrtc.TrackLocalStaticRTP
	dtls     *webrtc.DTLSTransport

	closeOnce sync.Once
}

func (p *producer) ID() string { return p.id }

func (p *producer) Kind() mediaengine.Kind { return p.kind }

func (p *producer) RTPParameters() mediaengine.RTPParameters { return p.rtp }

// forward copies the publisher's RTP into the local track every consumer's
// sender is bound to.
func (p *producer) forward(log *slog.Logger) {
	remote := p.receiver.Track()
	if remote == nil {
		return
	}
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("producer read ended", "producer_id", p.id, "err", err)
			}
			return
		}
		if err := p.track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			log.Debug("producer write ended", "producer_id", p.id, "err", err)
			return
		}
	}
}

func (p *producer) requestKeyframe() {
	_, _ = p.dtls.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: p.ssrc}})
}

func (p *producer) teardown() {
	p.closeOnce.Do(func() {
		_ = p.receiver.Stop()
	})
}

type consumer struct {
	id          string
	transportID string
	producerID  string
	kind        mediaengine.Kind
	rtp         mediaengine.RTPParameters

	sender    *webrtc.RTPSender
	paused    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

func (c *consumer) ID() string { return c.id }

func (c *consumer) Kind() mediaengine.Kind { return c.kind }

func (c *consumer) ProducerID() string { return c.producerID }

func (c *consumer) RTPParameters() mediaengine.RTPParameters { return c.rtp }

func (c *consumer) Paused() bool { return c.paused.Load() }

// relayFeedback drains subscriber RTCP and forwards keyframe requests to the
// publisher.
func (c *consumer) relayFeedback(p *producer) {
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				p.requestKeyframe()
			}
		}
	}
}

func (c *consumer) teardown() {
	c.closeOnce.Do(func() {
		_ = c.sender.Stop()
	})
}
