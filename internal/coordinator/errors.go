package coordinator

import (
	"errors"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/mediaengine"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/registry"
)

var (
	ErrRoomNotJoined = registry.ErrRoomNotJoined
	// ErrNotFound covers unknown or already removed ids, including ids owned by
	// another peer.
	ErrNotFound            = registry.ErrNotFound
	ErrAlreadyJoined       = registry.ErrAlreadyJoined
	ErrTooManyPeers        = registry.ErrTooManyPeers
	ErrRoomFull            = registry.ErrRoomFull
	ErrSendTransportExists = registry.ErrSendTransportExists

	ErrIncompatible   = errors.New("incompatible capabilities")
	ErrAdapterFailure = errors.New("media engine failure")
	ErrInvalidRequest = errors.New("invalid request")
)

// adapterError classifies an engine error. Errors that mean the target went
// away map to ErrNotFound; capability mismatches map to ErrIncompatible;
// everything else is an ErrAdapterFailure that still wraps the engine error.
func adapterError(op string, err error) error {
	switch {
	case errors.Is(err, mediaengine.ErrClosed), errors.Is(err, mediaengine.ErrProducerNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, mediaengine.ErrIncompatible), errors.Is(err, mediaengine.ErrUnsupportedCodec):
		return fmt.Errorf("%s: %w: %w", op, ErrIncompatible, err)
	case errors.Is(err, mediaengine.ErrInvalidParameters), errors.Is(err, mediaengine.ErrWrongRole):
		return fmt.Errorf("%s: %w: %w", op, ErrInvalidRequest, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrAdapterFailure, err)
	}
}
