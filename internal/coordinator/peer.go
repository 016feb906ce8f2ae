package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/fanout"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/mediaengine"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/registry"
)

const maxRoomIDLen = 256

// Connect registers a new peer and greets it with connection-established.
func (c *Coordinator) Connect(ctx context.Context, peerID string, s fanout.Sender) error {
	if err := c.reg.RegisterPeer(peerID); err != nil {
		if errors.Is(err, ErrTooManyPeers) {
			c.metrics.Inc(metrics.DropReasonTooManyPeers)
		}
		return err
	}
	c.dir.Add(peerID, s)
	c.metrics.Inc(metrics.PeersConnected)
	c.log.Debug("peer connected", "peer_id", peerID)

	if err := s.Send(ctx, fanout.Event{
		Name: fanout.EventConnectionEstablished,
		Data: fanout.ConnectionEstablished{PeerID: peerID},
	}); err != nil {
		c.log.Debug("connection-established not delivered", "peer_id", peerID, "err", err)
	}
	return nil
}

// Disconnect tears the peer down. Subscribers of its producers each get one
// producer-closed per producer. Calling it again is a no-op.
func (c *Coordinator) Disconnect(ctx context.Context, peerID string) {
	c.dir.Remove(peerID)
	cascade, ok := c.reg.UnregisterPeer(peerID)
	if !ok {
		return
	}
	c.metrics.Inc(metrics.PeersDisconnected)
	c.log.Debug("peer disconnected", "peer_id", peerID,
		"consumers", len(cascade.Consumers),
		"producers", len(cascade.Producers),
		"transports", len(cascade.Transports),
	)
	c.finishCascade(ctx, cascade)
}

// Join puts the peer in roomID, creating the room's router on first use, and
// returns the router's capabilities.
func (c *Coordinator) Join(ctx context.Context, peerID, roomID string, profile registry.Profile) (mediaengine.Capabilities, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" || len(roomID) > maxRoomIDLen {
		return mediaengine.Capabilities{}, fmt.Errorf("%w: room id must be 1-%d bytes", ErrInvalidRequest, maxRoomIDLen)
	}

	p, err := c.reg.Peer(peerID)
	if err != nil {
		return mediaengine.Capabilities{}, err
	}
	if p.RoomID != "" && p.RoomID != roomID {
		if c.cfg.RejoinPolicy == RejoinReject {
			return mediaengine.Capabilities{}, ErrAlreadyJoined
		}
		if err := c.leaveRoom(ctx, peerID); err != nil && !errors.Is(err, ErrRoomNotJoined) {
			return mediaengine.Capabilities{}, err
		}
		c.log.Info("peer reassigned", "peer_id", peerID, "from_room", p.RoomID, "to_room", roomID)
	}

	// A room that is reaped between lookup and AddMember is recreated once.
	for attempt := 0; ; attempt++ {
		room, err := c.reg.GetOrCreateRoom(ctx, roomID, c.createRouter(roomID))
		if err != nil {
			return mediaengine.Capabilities{}, err
		}
		err = c.reg.AddMember(roomID, peerID, profile)
		if errors.Is(err, ErrRoomFull) {
			c.metrics.Inc(metrics.DropReasonRoomFull)
		}
		if errors.Is(err, ErrNotFound) && attempt == 0 {
			if _, perr := c.reg.Peer(peerID); perr == nil {
				continue
			}
		}
		if err != nil {
			return mediaengine.Capabilities{}, err
		}
		c.log.Info("peer joined", "peer_id", peerID, "room_id", roomID)
		return room.Router.Capabilities(), nil
	}
}

func (c *Coordinator) createRouter(roomID string) func(context.Context) (mediaengine.Router, error) {
	return func(ctx context.Context) (mediaengine.Router, error) {
		r, err := c.engine.CreateRouter(ctx, c.cfg.Codecs)
		if err != nil {
			return nil, c.adapterFailure("create router", err)
		}
		c.metrics.Inc(metrics.RoomsCreated)
		c.log.Info("room created", "room_id", roomID, "router_id", r.ID())
		return r, nil
	}
}

func (c *Coordinator) leaveRoom(ctx context.Context, peerID string) error {
	cascade, err := c.reg.LeaveRoom(peerID)
	if err != nil {
		return err
	}
	c.finishCascade(ctx, cascade)
	return nil
}

// RouterCapabilities returns the capabilities of the peer's room.
func (c *Coordinator) RouterCapabilities(peerID string) (mediaengine.Capabilities, error) {
	_, room, err := c.joinedPeer(peerID)
	if err != nil {
		return mediaengine.Capabilities{}, err
	}
	return room.Router.Capabilities(), nil
}
