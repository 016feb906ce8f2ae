package registry

import "github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/mediaengine"

// cascadeBuilder removes entries and everything that depends on them. The
// peer, transport, producer and consumer locks must be held for its whole
// lifetime.
type cascadeBuilder struct {
	r   *Registry
	out Cascade

	// departing is the peer being torn down. It gets no notices; detachLocked
	// removes its transports itself.
	departing string
	noticed   map[Notice]struct{}
}

func newCascadeBuilder(r *Registry, departing string) *cascadeBuilder {
	return &cascadeBuilder{r: r, departing: departing, noticed: make(map[Notice]struct{})}
}

func (b *cascadeBuilder) removeConsumer(id string) (Consumer, bool) {
	c, ok := b.r.consumers[id]
	if !ok {
		return Consumer{}, false
	}
	delete(b.r.consumers, id)
	if p, ok := b.r.peers[c.PeerID]; ok {
		delete(p.consumers, id)
	}
	b.out.Consumers = append(b.out.Consumers, *c)
	return *c, true
}

func (b *cascadeBuilder) removeProducer(id string) {
	p, ok := b.r.producers[id]
	if !ok {
		return
	}

	var subscribers []*Consumer
	for _, c := range b.r.consumers {
		if c.ProducerID == id {
			subscribers = append(subscribers, c)
		}
	}
	sortConsumers(subscribers)
	for _, sub := range subscribers {
		c, ok := b.removeConsumer(sub.ID)
		if !ok {
			continue
		}
		if c.PeerID == b.departing {
			continue
		}
		n := Notice{PeerID: c.PeerID, ProducerID: id}
		if _, dup := b.noticed[n]; !dup {
			b.noticed[n] = struct{}{}
			b.out.Notices = append(b.out.Notices, n)
		}
		if !b.transportHasConsumers(c.TransportID) {
			b.removeTransport(c.TransportID)
		}
	}

	delete(b.r.producers, id)
	if owner, ok := b.r.peers[p.PeerID]; ok {
		delete(owner.producers, id)
	}
	b.out.Producers = append(b.out.Producers, *p)
}

func (b *cascadeBuilder) removeTransport(id string) {
	t, ok := b.r.transports[id]
	if !ok {
		return
	}

	switch t.Role {
	case mediaengine.RoleSending:
		var carried []*Producer
		for _, p := range b.r.producers {
			if p.TransportID == id {
				carried = append(carried, p)
			}
		}
		sortProducers(carried)
		for _, p := range carried {
			b.removeProducer(p.ID)
		}
	case mediaengine.RoleReceiving:
		var carried []*Consumer
		for _, c := range b.r.consumers {
			if c.TransportID == id {
				carried = append(carried, c)
			}
		}
		sortConsumers(carried)
		for _, c := range carried {
			b.removeConsumer(c.ID)
		}
	}

	delete(b.r.transports, id)
	if owner, ok := b.r.peers[t.PeerID]; ok {
		delete(owner.transports, id)
		if owner.sendTransport == id {
			owner.sendTransport = ""
		}
	}
	b.out.Transports = append(b.out.Transports, *t)
}

func (b *cascadeBuilder) transportHasConsumers(transportID string) bool {
	for _, c := range b.r.consumers {
		if c.TransportID == transportID {
			return true
		}
	}
	return false
}
