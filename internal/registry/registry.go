package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/mediaengine"
)

type Options struct {
	// MaxPeers caps registered peers across all rooms. Zero means unlimited.
	MaxPeers int
	// MaxRoomPeers caps members per room. Zero means unlimited.
	MaxRoomPeers int
	Now          func() time.Time
}

type roomEntry struct {
	id         string
	router     mediaengine.Router
	members    []string
	createdAt  time.Time
	emptySince time.Time
}

func (e *roomEntry) snapshot() Room {
	return Room{
		ID:         e.id,
		Router:     e.router,
		Members:    append([]string(nil), e.members...),
		CreatedAt:  e.createdAt,
		EmptySince: e.emptySince,
	}
}

type peerEntry struct {
	id      string
	roomID  string
	profile Profile

	sendTransport string
	transports    map[string]struct{}
	producers     map[string]struct{}
	consumers     map[string]struct{}
}

func (e *peerEntry) snapshot() Peer {
	return Peer{
		ID:         e.id,
		RoomID:     e.roomID,
		Profile:    e.profile,
		Transports: sortedKeys(e.transports),
		Producers:  sortedKeys(e.producers),
		Consumers:  sortedKeys(e.consumers),
	}
}

type Registry struct {
	opts Options
	now  func() time.Time
	seq  atomic.Uint64

	creating singleflight.Group

	roomsMu sync.Mutex
	rooms   map[string]*roomEntry

	peersMu sync.Mutex
	peers   map[string]*peerEntry

	transportsMu sync.Mutex
	transports   map[string]*Transport

	producersMu sync.Mutex
	producers   map[string]*Producer

	consumersMu sync.Mutex
	consumers   map[string]*Consumer
}

func New(opts Options) *Registry {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		opts:       opts,
		now:        now,
		rooms:      make(map[string]*roomEntry),
		peers:      make(map[string]*peerEntry),
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
	}
}

// lockResources acquires the transport, producer and consumer locks in order.
func (r *Registry) lockResources() {
	r.transportsMu.Lock()
	r.producersMu.Lock()
	r.consumersMu.Lock()
}

func (r *Registry) unlockResources() {
	r.consumersMu.Unlock()
	r.producersMu.Unlock()
	r.transportsMu.Unlock()
}

// Rooms

// GetOrCreateRoom returns the room with id roomID, calling create to allocate
// its router when the room does not exist yet. Concurrent callers for the same
// id share one create call, so a room never gets two routers. create runs with
// no registry lock held, on a context detached from any single caller: a
// caller whose ctx ends stops waiting without failing the others.
func (r *Registry) GetOrCreateRoom(ctx context.Context, roomID string, create func(context.Context) (mediaengine.Router, error)) (Room, error) {
	if room, err := r.Room(roomID); err == nil {
		return room, nil
	}

	shared := context.WithoutCancel(ctx)
	ch := r.creating.DoChan(roomID, func() (any, error) {
		r.roomsMu.Lock()
		if e, ok := r.rooms[roomID]; ok {
			room := e.snapshot()
			r.roomsMu.Unlock()
			return room, nil
		}
		r.roomsMu.Unlock()

		router, err := create(shared)
		if err != nil {
			return nil, err
		}

		now := r.now()
		e := &roomEntry{id: roomID, router: router, createdAt: now, emptySince: now}
		r.roomsMu.Lock()
		r.rooms[roomID] = e
		room := e.snapshot()
		r.roomsMu.Unlock()
		return room, nil
	})
	select {
	case <-ctx.Done():
		return Room{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Room{}, res.Err
		}
		return res.Val.(Room), nil
	}
}

func (r *Registry) Room(roomID string) (Room, error) {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	e, ok := r.rooms[roomID]
	if !ok {
		return Room{}, ErrNotFound
	}
	return e.snapshot(), nil
}

// AddMember places a registered peer in a room. Adding a peer to the room it is
// already in only refreshes its profile.
func (r *Registry) AddMember(roomID, peerID string, profile Profile) error {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	r.peersMu.Lock()
	defer r.peersMu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	p, ok := r.peers[peerID]
	if !ok {
		return ErrNotFound
	}
	if p.roomID == roomID {
		p.profile = profile
		return nil
	}
	if p.roomID != "" {
		return ErrAlreadyJoined
	}
	if r.opts.MaxRoomPeers > 0 && len(room.members) >= r.opts.MaxRoomPeers {
		return ErrRoomFull
	}

	room.members = append(room.members, peerID)
	room.emptySince = time.Time{}
	p.roomID = roomID
	p.profile = profile
	return nil
}

// RemoveMember drops peerID from the room's member set. It does not touch the
// peer's resources; LeaveRoom and UnregisterPeer are the cascading variants.
// The room itself is kept even when it becomes empty.
func (r *Registry) RemoveMember(roomID, peerID string) {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	r.removeMemberLocked(roomID, peerID)
}

func (r *Registry) removeMemberLocked(roomID, peerID string) {
	room, ok := r.rooms[roomID]
	if !ok {
		return
	}
	for i, id := range room.members {
		if id == peerID {
			room.members = append(room.members[:i], room.members[i+1:]...)
			break
		}
	}
	if len(room.members) == 0 && room.emptySince.IsZero() {
		room.emptySince = r.now()
	}
}

// ReapEmptyRooms removes rooms that have had no members for at least ttl and
// returns them so the caller can close their routers.
func (r *Registry) ReapEmptyRooms(now time.Time, ttl time.Duration) []Room {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()

	var out []Room
	for id, e := range r.rooms {
		if len(e.members) > 0 || e.emptySince.IsZero() {
			continue
		}
		if now.Sub(e.emptySince) < ttl {
			continue
		}
		out = append(out, e.snapshot())
		delete(r.rooms, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Peers

func (r *Registry) RegisterPeer(peerID string) error {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	if _, ok := r.peers[peerID]; ok {
		return ErrPeerExists
	}
	if r.opts.MaxPeers > 0 && len(r.peers) >= r.opts.MaxPeers {
		return ErrTooManyPeers
	}
	r.peers[peerID] = &peerEntry{
		id:         peerID,
		transports: make(map[string]struct{}),
		producers:  make(map[string]struct{}),
		consumers:  make(map[string]struct{}),
	}
	return nil
}

// UnregisterPeer removes the peer and every resource it owns, plus every other
// peer's consumers of its producers. It reports false when the peer was
// already gone, which makes repeated calls harmless.
func (r *Registry) UnregisterPeer(peerID string) (Cascade, bool) {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	r.peersMu.Lock()
	defer r.peersMu.Unlock()

	p, ok := r.peers[peerID]
	if !ok {
		return Cascade{}, false
	}
	r.lockResources()
	c := r.detachLocked(p)
	r.unlockResources()
	delete(r.peers, peerID)
	return c, true
}

// LeaveRoom is UnregisterPeer without forgetting the peer: the peer stays
// registered with no room.
func (r *Registry) LeaveRoom(peerID string) (Cascade, error) {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	r.peersMu.Lock()
	defer r.peersMu.Unlock()

	p, ok := r.peers[peerID]
	if !ok {
		return Cascade{}, ErrNotFound
	}
	if p.roomID == "" {
		return Cascade{}, ErrRoomNotJoined
	}
	r.lockResources()
	c := r.detachLocked(p)
	r.unlockResources()
	return c, nil
}

// detachLocked cascades everything p owns and removes it from its room. All
// five locks must be held.
func (r *Registry) detachLocked(p *peerEntry) Cascade {
	b := newCascadeBuilder(r, p.id)
	for _, id := range sortedKeys(p.consumers) {
		b.removeConsumer(id)
	}
	for _, id := range sortedKeys(p.producers) {
		b.removeProducer(id)
	}
	for _, id := range sortedKeys(p.transports) {
		b.removeTransport(id)
	}
	if p.roomID != "" {
		r.removeMemberLocked(p.roomID, p.id)
		p.roomID = ""
	}
	return b.out
}

func (r *Registry) Peer(peerID string) (Peer, error) {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	p, ok := r.peers[peerID]
	if !ok {
		return Peer{}, ErrNotFound
	}
	return p.snapshot(), nil
}

// Transports

// InsertTransport records a transport created by the engine. It fails with
// ErrNotFound when the owning peer is gone or has moved to another room.
func (r *Registry) InsertTransport(t Transport) error {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	r.transportsMu.Lock()
	defer r.transportsMu.Unlock()

	p, err := r.ownerLocked(t.PeerID, t.RoomID)
	if err != nil {
		return err
	}
	if t.Role == mediaengine.RoleSending && p.sendTransport != "" {
		return ErrSendTransportExists
	}
	t.seq = r.seq.Add(1)
	r.transports[t.ID] = &t
	p.transports[t.ID] = struct{}{}
	if t.Role == mediaengine.RoleSending {
		p.sendTransport = t.ID
	}
	return nil
}

// ownerLocked returns the peer if it exists and is in roomID. r.peersMu must be
// held.
func (r *Registry) ownerLocked(peerID, roomID string) (*peerEntry, error) {
	p, ok := r.peers[peerID]
	if !ok {
		return nil, ErrNotFound
	}
	if p.roomID == "" {
		return nil, ErrRoomNotJoined
	}
	if p.roomID != roomID {
		return nil, ErrNotFound
	}
	return p, nil
}

// SendTransport returns the peer's sending transport.
func (r *Registry) SendTransport(peerID string) (Transport, error) {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	r.transportsMu.Lock()
	defer r.transportsMu.Unlock()

	p, ok := r.peers[peerID]
	if !ok || p.sendTransport == "" {
		return Transport{}, ErrNotFound
	}
	t, ok := r.transports[p.sendTransport]
	if !ok {
		return Transport{}, ErrNotFound
	}
	return *t, nil
}

// Transport finds a transport by id and role.
func (r *Registry) Transport(id string, role mediaengine.Role) (Transport, error) {
	r.transportsMu.Lock()
	defer r.transportsMu.Unlock()
	t, ok := r.transports[id]
	if !ok || t.Role != role {
		return Transport{}, ErrNotFound
	}
	return *t, nil
}

// RemoveTransport removes a transport together with the producers or
// consumers it carries.
func (r *Registry) RemoveTransport(id string) (Cascade, error) {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	r.lockResources()
	defer r.unlockResources()

	if _, ok := r.transports[id]; !ok {
		return Cascade{}, ErrNotFound
	}
	b := newCascadeBuilder(r, "")
	b.removeTransport(id)
	return b.out, nil
}

// Producers

// InsertProducer records a producer created on the owner's sending transport.
func (r *Registry) InsertProducer(p Producer) error {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	r.transportsMu.Lock()
	defer r.transportsMu.Unlock()
	r.producersMu.Lock()
	defer r.producersMu.Unlock()

	owner, err := r.ownerLocked(p.PeerID, p.RoomID)
	if err != nil {
		return err
	}
	if owner.sendTransport == "" || owner.sendTransport != p.TransportID {
		return ErrNotFound
	}
	if _, ok := r.transports[p.TransportID]; !ok {
		return ErrNotFound
	}
	p.seq = r.seq.Add(1)
	r.producers[p.ID] = &p
	owner.producers[p.ID] = struct{}{}
	return nil
}

func (r *Registry) Producer(id string) (Producer, error) {
	r.producersMu.Lock()
	defer r.producersMu.Unlock()
	p, ok := r.producers[id]
	if !ok {
		return Producer{}, ErrNotFound
	}
	return *p, nil
}

// ProducersInRoomExcept lists the room's producers not owned by peerID, oldest
// first.
func (r *Registry) ProducersInRoomExcept(roomID, peerID string) []Producer {
	r.producersMu.Lock()
	defer r.producersMu.Unlock()

	var out []Producer
	for _, p := range r.producers {
		if p.RoomID == roomID && p.PeerID != peerID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// RemoveProducer removes a producer and every consumer of it. Subscribers
// whose receiving transport is left without consumers lose that transport too.
func (r *Registry) RemoveProducer(id string) (Cascade, error) {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	r.lockResources()
	defer r.unlockResources()

	if _, ok := r.producers[id]; !ok {
		return Cascade{}, ErrNotFound
	}
	b := newCascadeBuilder(r, "")
	b.removeProducer(id)
	return b.out, nil
}

// Consumers

// InsertConsumer records a consumer. The target producer must still exist and
// be in the consumer's room, and the transport must be the owner's receiving
// transport.
func (r *Registry) InsertConsumer(c Consumer) error {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	r.lockResources()
	defer r.unlockResources()

	owner, err := r.ownerLocked(c.PeerID, c.RoomID)
	if err != nil {
		return err
	}
	t, ok := r.transports[c.TransportID]
	if !ok || t.PeerID != c.PeerID || t.Role != mediaengine.RoleReceiving {
		return ErrNotFound
	}
	p, ok := r.producers[c.ProducerID]
	if !ok || p.RoomID != c.RoomID {
		return ErrNotFound
	}
	c.Active = false
	c.seq = r.seq.Add(1)
	r.consumers[c.ID] = &c
	owner.consumers[c.ID] = struct{}{}
	return nil
}

func (r *Registry) Consumer(id string) (Consumer, error) {
	r.consumersMu.Lock()
	defer r.consumersMu.Unlock()
	c, ok := r.consumers[id]
	if !ok {
		return Consumer{}, ErrNotFound
	}
	return *c, nil
}

// ActivateConsumer marks a consumer active after its owner resumed it.
func (r *Registry) ActivateConsumer(id string) error {
	r.consumersMu.Lock()
	defer r.consumersMu.Unlock()
	c, ok := r.consumers[id]
	if !ok {
		return ErrNotFound
	}
	c.Active = true
	return nil
}

// Snapshot copies counts and a per-room listing.
func (r *Registry) Snapshot() Snapshot {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	r.lockResources()
	defer r.unlockResources()

	perRoomProducers := make(map[string]int)
	for _, p := range r.producers {
		perRoomProducers[p.RoomID]++
	}
	perRoomConsumers := make(map[string]int)
	for _, c := range r.consumers {
		perRoomConsumers[c.RoomID]++
	}

	snap := Snapshot{
		Rooms:      make([]RoomInfo, 0, len(r.rooms)),
		Peers:      len(r.peers),
		Transports: len(r.transports),
		Producers:  len(r.producers),
		Consumers:  len(r.consumers),
	}
	for _, e := range r.rooms {
		snap.Rooms = append(snap.Rooms, RoomInfo{
			ID:         e.id,
			Members:    append([]string{}, e.members...),
			Producers:  perRoomProducers[e.id],
			Consumers:  perRoomConsumers[e.id],
			CreatedAt:  e.createdAt,
			EmptySince: e.emptySince,
		})
	}
	sort.Slice(snap.Rooms, func(i, j int) bool { return snap.Rooms[i].ID < snap.Rooms[j].ID })
	return snap
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortConsumers(cs []*Consumer) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].seq < cs[j].seq })
}

func sortProducers(ps []*Producer) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].seq < ps[j].seq })
}
