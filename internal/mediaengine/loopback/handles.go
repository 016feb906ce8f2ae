package loopback

import (
	"sync/atomic"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/mediaengine"
)

type router struct {
	id   string
	caps mediaengine.Capabilities
}

func (r *router) ID() string { return r.id }

func (r *router) Capabilities() mediaengine.Capabilities { return r.caps }

type transport struct {
	id        string
	routerID  string
	role      mediaengine.Role
	params    mediaengine.TransportParams
	connected bool
}

func (t *transport) ID() string { return t.id }

func (t *transport) Role() mediaengine.Role { return t.role }

func (t *transport) Params() mediaengine.TransportParams { return t.params }

type producer struct {
	id          string
	transportID string
	routerID    string
	kind        mediaengine.Kind
	rtp         mediaengine.RTPParameters
}

func (p *producer) ID() string { return p.id }

func (p *producer) Kind() mediaengine.Kind { return p.kind }

func (p *producer) RTPParameters() mediaengine.RTPParameters { return p.rtp }

type consumer struct {
	id          string
	transportID string
	producerID  string
	kind        mediaengine.Kind
	rtp         mediaengine.RTPParameters
	paused      atomic.Bool
}

func (c *consumer) ID() string { return c.id }

func (c *consumer) Kind() mediaengine.Kind { return c.kind }

func (c *consumer) ProducerID() string { return c.producerID }

func (c *consumer) RTPParameters() mediaengine.RTPParameters { return c.rtp }

func (c *consumer) Paused() bool { return c.paused.Load() }
