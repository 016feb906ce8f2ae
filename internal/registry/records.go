package registry

import (
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/mediaengine"
)

// Profile carries free-form participant details supplied on join.
type Profile struct {
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// Room is a copy of a room's state at the time of the lookup.
type Room struct {
	ID      string
	Router  mediaengine.Router
	Members []string

	CreatedAt time.Time
	// EmptySince is the time the last member left, zero while occupied.
	EmptySince time.Time
}

// Peer is a copy of a connection's registry state.
type Peer struct {
	ID      string
	RoomID  string
	Profile Profile

	Transports []string
	Producers  []string
	Consumers  []string
}

type Transport struct {
	ID     string
	PeerID string
	RoomID string
	Role   mediaengine.Role
	Handle mediaengine.Transport

	seq uint64
}

type Producer struct {
	ID          string
	PeerID      string
	RoomID      string
	TransportID string
	Kind        mediaengine.Kind
	Handle      mediaengine.Producer

	seq uint64
}

type Consumer struct {
	ID          string
	PeerID      string
	RoomID      string
	ProducerID  string
	TransportID string
	Handle      mediaengine.Consumer
	// Active flips once, on an explicit resume by the owning peer.
	Active bool

	seq uint64
}

// Notice names a subscriber that must be told a producer went away.
type Notice struct {
	PeerID     string
	ProducerID string
}

// Cascade lists everything removed by one registry operation, in the order the
// engine handles must be closed: consumers, then producers, then transports.
type Cascade struct {
	Consumers  []Consumer
	Producers  []Producer
	Transports []Transport

	// Notices holds one entry per (subscriber, producer) pair whose consumer
	// was removed because the producer closed. The departing peer, if any, is
	// never included.
	Notices []Notice
}

func (c Cascade) Empty() bool {
	return len(c.Consumers) == 0 && len(c.Producers) == 0 && len(c.Transports) == 0
}

// Handles returns the engine handles of the cascade in close order.
func (c Cascade) Handles() []mediaengine.Handle {
	out := make([]mediaengine.Handle, 0, len(c.Consumers)+len(c.Producers)+len(c.Transports))
	for _, v := range c.Consumers {
		if v.Handle != nil {
			out = append(out, v.Handle)
		}
	}
	for _, v := range c.Producers {
		if v.Handle != nil {
			out = append(out, v.Handle)
		}
	}
	for _, v := range c.Transports {
		if v.Handle != nil {
			out = append(out, v.Handle)
		}
	}
	return out
}

// RoomInfo is the per-room part of a Snapshot.
type RoomInfo struct {
	ID         string    `json:"id"`
	Members    []string  `json:"members"`
	Producers  int       `json:"producers"`
	Consumers  int       `json:"consumers"`
	CreatedAt  time.Time `json:"createdAt"`
	EmptySince time.Time `json:"emptySince"`
}

type Snapshot struct {
	Rooms      []RoomInfo `json:"rooms"`
	Peers      int        `json:"peers"`
	Transports int        `json:"transports"`
	Producers  int        `json:"producers"`
	Consumers  int        `json:"consumers"`
}
