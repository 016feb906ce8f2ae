package registry

import "errors"

var (
	// ErrNotFound is returned when an id is absent or was already removed. It
	// is the expected outcome when a request races its peer's teardown.
	ErrNotFound      = errors.New("not found")
	ErrRoomNotJoined = errors.New("room not joined")
	ErrAlreadyJoined = errors.New("peer already joined another room")
	ErrPeerExists    = errors.New("peer already registered")
	ErrTooManyPeers  = errors.New("too many peers")
	ErrRoomFull      = errors.New("room full")
	// ErrSendTransportExists is returned when a peer that already owns a
	// sending transport asks for another one.
	ErrSendTransportExists = errors.New("sending transport already exists")
)
