package coordinator

import (
	"context"
	"errors"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/mediaengine"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/registry"
)

type ProduceResult struct {
	ID string
	// ProducersExist reports whether other peers in the room already publish,
	// so the caller knows to fetch them with GetProducers.
	ProducersExist bool
}

type ConsumerParams struct {
	ID            string
	ProducerID    string
	Kind          mediaengine.Kind
	RTPParameters mediaengine.RTPParameters
}

// Produce publishes a stream on the peer's sending transport and announces it
// to the rest of the room.
func (c *Coordinator) Produce(ctx context.Context, peerID string, kind mediaengine.Kind, rtp mediaengine.RTPParameters) (ProduceResult, error) {
	p, _, err := c.joinedPeer(peerID)
	if err != nil {
		return ProduceResult{}, err
	}
	t, err := c.reg.SendTransport(peerID)
	if err != nil {
		return ProduceResult{}, err
	}

	h, err := c.engine.Produce(ctx, t.Handle, kind, rtp)
	if err != nil {
		return ProduceResult{}, c.adapterFailure("produce", err)
	}
	if err := c.reg.InsertProducer(registry.Producer{
		ID:          h.ID(),
		PeerID:      peerID,
		RoomID:      p.RoomID,
		TransportID: t.ID,
		Kind:        kind,
		Handle:      h,
	}); err != nil {
		c.closeOrphan(h, err)
		return ProduceResult{}, err
	}
	c.metrics.Inc(metrics.ProducersCreated)
	c.log.Debug("producer created", "peer_id", peerID, "producer_id", h.ID(), "kind", kind)

	others := c.reg.ProducersInRoomExcept(p.RoomID, peerID)
	c.notifier.NotifyNewProducer(ctx, p.RoomID, peerID, h.ID())
	return ProduceResult{ID: h.ID(), ProducersExist: len(others) > 0}, nil
}

// GetProducers lists the producers in the peer's room that belong to other
// peers, oldest first.
func (c *Coordinator) GetProducers(peerID string) ([]string, error) {
	p, _, err := c.joinedPeer(peerID)
	if err != nil {
		return nil, err
	}
	producers := c.reg.ProducersInRoomExcept(p.RoomID, peerID)
	ids := make([]string, 0, len(producers))
	for _, pr := range producers {
		ids = append(ids, pr.ID)
	}
	return ids, nil
}

// Consume subscribes the peer to producerID over one of its receiving
// transports. The consumer starts paused.
func (c *Coordinator) Consume(ctx context.Context, peerID, producerID, transportID string, caps mediaengine.Capabilities) (ConsumerParams, error) {
	p, room, err := c.joinedPeer(peerID)
	if err != nil {
		return ConsumerParams{}, err
	}
	t, err := c.reg.Transport(transportID, mediaengine.RoleReceiving)
	if err != nil {
		return ConsumerParams{}, err
	}
	if t.PeerID != peerID {
		return ConsumerParams{}, ErrNotFound
	}
	prod, err := c.reg.Producer(producerID)
	if err != nil {
		return ConsumerParams{}, err
	}
	if prod.RoomID != p.RoomID {
		return ConsumerParams{}, ErrNotFound
	}
	if !c.engine.CanConsume(room.Router, producerID, caps) {
		return ConsumerParams{}, ErrIncompatible
	}

	h, err := c.engine.Consume(ctx, t.Handle, producerID, caps, true)
	if err != nil {
		return ConsumerParams{}, c.adapterFailure("consume", err)
	}
	if err := c.reg.InsertConsumer(registry.Consumer{
		ID:          h.ID(),
		PeerID:      peerID,
		RoomID:      p.RoomID,
		ProducerID:  producerID,
		TransportID: t.ID,
		Handle:      h,
	}); err != nil {
		c.closeOrphan(h, err)
		return ConsumerParams{}, err
	}
	c.metrics.Inc(metrics.ConsumersCreated)
	c.log.Debug("consumer created", "peer_id", peerID, "consumer_id", h.ID(), "producer_id", producerID)

	return ConsumerParams{
		ID:            h.ID(),
		ProducerID:    producerID,
		Kind:          h.Kind(),
		RTPParameters: h.RTPParameters(),
	}, nil
}

// ResumeConsumer starts media on one of the peer's consumers.
func (c *Coordinator) ResumeConsumer(ctx context.Context, peerID, consumerID string) error {
	cons, err := c.reg.Consumer(consumerID)
	if err != nil {
		return err
	}
	if cons.PeerID != peerID {
		return ErrNotFound
	}
	if err := c.engine.Resume(ctx, cons.Handle); err != nil {
		return c.adapterFailure("resume consumer", err)
	}
	if err := c.reg.ActivateConsumer(consumerID); err != nil {
		return err
	}
	c.metrics.Inc(metrics.ConsumersResumed)
	return nil
}

// CloseProducer unpublishes one of the peer's producers. Its subscribers get
// producer-closed. Closing a producer that is already gone succeeds.
func (c *Coordinator) CloseProducer(ctx context.Context, peerID, producerID string) error {
	prod, err := c.reg.Producer(producerID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if prod.PeerID != peerID {
		return ErrNotFound
	}
	cascade, err := c.reg.RemoveProducer(producerID)
	if err != nil {
		return nil
	}
	c.finishCascade(ctx, cascade)
	return nil
}
