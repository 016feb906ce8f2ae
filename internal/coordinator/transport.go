package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/mediaengine"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/registry"
)

// CreateTransport allocates a transport in the peer's room. A peer has at most
// one sending transport and any number of receiving ones.
func (c *Coordinator) CreateTransport(ctx context.Context, peerID string, receiving bool) (mediaengine.TransportParams, error) {
	p, room, err := c.joinedPeer(peerID)
	if err != nil {
		return mediaengine.TransportParams{}, err
	}
	role := mediaengine.RoleSending
	if receiving {
		role = mediaengine.RoleReceiving
	} else if _, err := c.reg.SendTransport(peerID); err == nil {
		return mediaengine.TransportParams{}, ErrSendTransportExists
	}

	t, err := c.engine.CreateTransport(ctx, room.Router, role)
	if err != nil {
		return mediaengine.TransportParams{}, c.adapterFailure("create transport", err)
	}
	if err := c.reg.InsertTransport(registry.Transport{
		ID:     t.ID(),
		PeerID: peerID,
		RoomID: p.RoomID,
		Role:   role,
		Handle: t,
	}); err != nil {
		c.closeOrphan(t, err)
		return mediaengine.TransportParams{}, err
	}

	c.metrics.Inc(metrics.TransportsCreated)
	c.log.Debug("transport created", "peer_id", peerID, "transport_id", t.ID(), "role", role)
	return t.Params(), nil
}

// ConnectTransport finishes the peer's sending transport. transportID may be
// empty; when set it must name that transport.
func (c *Coordinator) ConnectTransport(ctx context.Context, peerID, transportID string, params mediaengine.ConnectParams) error {
	if _, _, err := c.joinedPeer(peerID); err != nil {
		return err
	}
	t, err := c.reg.SendTransport(peerID)
	if err != nil {
		return err
	}
	if transportID != "" && transportID != t.ID {
		return ErrNotFound
	}
	return c.connect(ctx, t, params)
}

// ConnectRecvTransport finishes one of the peer's receiving transports.
func (c *Coordinator) ConnectRecvTransport(ctx context.Context, peerID, transportID string, params mediaengine.ConnectParams) error {
	if _, _, err := c.joinedPeer(peerID); err != nil {
		return err
	}
	t, err := c.reg.Transport(transportID, mediaengine.RoleReceiving)
	if err != nil {
		return err
	}
	if t.PeerID != peerID {
		return ErrNotFound
	}
	return c.connect(ctx, t, params)
}

func (c *Coordinator) connect(ctx context.Context, t registry.Transport, params mediaengine.ConnectParams) error {
	if err := params.DTLS.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := c.engine.ConnectTransport(ctx, t.Handle, params); err != nil {
		return c.adapterFailure("connect transport", err)
	}
	c.log.Debug("transport connected", "peer_id", t.PeerID, "transport_id", t.ID)
	return nil
}

// CloseTransport closes one of the peer's transports and whatever it carries.
// Closing a transport that is already gone succeeds.
func (c *Coordinator) CloseTransport(ctx context.Context, peerID, transportID string) error {
	t, err := c.reg.Transport(transportID, mediaengine.RoleSending)
	if errors.Is(err, ErrNotFound) {
		t, err = c.reg.Transport(transportID, mediaengine.RoleReceiving)
	}
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if t.PeerID != peerID {
		return ErrNotFound
	}
	cascade, err := c.reg.RemoveTransport(transportID)
	if err != nil {
		return nil
	}
	c.finishCascade(ctx, cascade)
	return nil
}
