package signaling

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/coordinator"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/mediaengine"
)

const (
	methodJoin                  = "join"
	methodGetRouterCapabilities = "getRouterCapabilities"
	methodCreateTransport       = "createTransport"
	methodConnectTransport      = "connectTransport"
	methodConnectRecvTransport  = "connectRecvTransport"
	methodProduce               = "produce"
	methodGetProducers          = "getProducers"
	methodConsume               = "consume"
	methodResumeConsumer        = "resumeConsumer"
	methodCloseProducer         = "closeProducer"
	methodCloseTransport        = "closeTransport"
)

// Wire error codes.
const (
	codeRoomNotJoined     = "room_not_joined"
	codeNotFound          = "not_found"
	codeIncompatible      = "incompatible"
	codeAdapterFailure    = "adapter_failure"
	codeAlreadyJoined     = "already_joined"
	codeConflict          = "conflict"
	codeTooManyPeers      = "too_many_peers"
	codeRoomFull          = "room_full"
	codeBadMessage        = "bad_message"
	codeUnsupportedMethod = "unsupported_method"
	codeRateLimited       = "rate_limited"
	codeInternalError     = "internal_error"
)

var (
	errBadMessage        = errors.New("bad message")
	errUnsupportedMethod = errors.New("unsupported method")
)

// inbound is a decoded request envelope. data stays encoded until the method
// handler knows which payload type to decode it into.
type inbound struct {
	ID     uint64
	HasID  bool
	Method string
	Data   []byte
}

type response struct {
	ID    uint64     `json:"id"`
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *wireError `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type eventFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type joinRequest struct {
	RoomID string `json:"roomId"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role,omitempty"`
}

func (r joinRequest) validate() error {
	if strings.TrimSpace(r.RoomID) == "" {
		return missingField("roomId")
	}
	return nil
}

type createTransportRequest struct {
	Receiving bool `json:"receiving"`
}

func (createTransportRequest) validate() error { return nil }

type connectTransportRequest struct {
	TransportID    string                     `json:"transportId,omitempty"`
	DTLSParameters mediaengine.DTLSParameters `json:"dtlsParameters"`
	ICEParameters  *mediaengine.ICEParameters `json:"iceParameters,omitempty"`
}

func (r connectTransportRequest) validate() error {
	return validateDTLS(r.DTLSParameters)
}

func (r connectTransportRequest) params() mediaengine.ConnectParams {
	return mediaengine.ConnectParams{DTLS: r.DTLSParameters, ICE: r.ICEParameters}
}

type connectRecvTransportRequest struct {
	TransportID    string                     `json:"transportId"`
	DTLSParameters mediaengine.DTLSParameters `json:"dtlsParameters"`
	ICEParameters  *mediaengine.ICEParameters `json:"iceParameters,omitempty"`
}

func (r connectRecvTransportRequest) validate() error {
	if r.TransportID == "" {
		return missingField("transportId")
	}
	return validateDTLS(r.DTLSParameters)
}

type produceRequest struct {
	Kind          string                    `json:"kind"`
	RTPParameters mediaengine.RTPParameters `json:"rtpParameters"`
}

func (r produceRequest) validate() error {
	if _, err := mediaengine.ParseKind(r.Kind); err != nil {
		return fmt.Errorf("%w: %w", errBadMessage, err)
	}
	if len(r.RTPParameters.Codecs) == 0 {
		return missingField("rtpParameters.codecs")
	}
	return nil
}

type consumeRequest struct {
	RemoteProducerID string                   `json:"remoteProducerId"`
	TransportID      string                   `json:"transportId"`
	RTPCapabilities  mediaengine.Capabilities `json:"rtpCapabilities"`
}

func (r consumeRequest) validate() error {
	if r.RemoteProducerID == "" {
		return missingField("remoteProducerId")
	}
	if r.TransportID == "" {
		return missingField("transportId")
	}
	return nil
}

type resumeConsumerRequest struct {
	ConsumerID string `json:"consumerId"`
}

func (r resumeConsumerRequest) validate() error {
	if r.ConsumerID == "" {
		return missingField("consumerId")
	}
	return nil
}

type closeProducerRequest struct {
	ProducerID string `json:"producerId"`
}

func (r closeProducerRequest) validate() error {
	if r.ProducerID == "" {
		return missingField("producerId")
	}
	return nil
}

type closeTransportRequest struct {
	TransportID string `json:"transportId"`
}

func (r closeTransportRequest) validate() error {
	if r.TransportID == "" {
		return missingField("transportId")
	}
	return nil
}

type emptyRequest struct{}

func (emptyRequest) validate() error { return nil }

type capabilitiesResponse struct {
	RTPCapabilities mediaengine.Capabilities `json:"rtpCapabilities"`
}

type produceResponse struct {
	ID             string `json:"id"`
	ProducersExist bool   `json:"producersExist"`
}

type producersResponse struct {
	ProducerIDs []string `json:"producerIds"`
}

type consumeResponse struct {
	ID            string                    `json:"id"`
	ProducerID    string                    `json:"producerId"`
	Kind          mediaengine.Kind          `json:"kind"`
	RTPParameters mediaengine.RTPParameters `json:"rtpParameters"`
}

func missingField(name string) error {
	return fmt.Errorf("%w: missing %s", errBadMessage, name)
}

func validateDTLS(p mediaengine.DTLSParameters) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: dtlsParameters: %w", errBadMessage, err)
	}
	return nil
}

// errorCode maps a handler error onto its wire code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, coordinator.ErrRoomNotJoined):
		return codeRoomNotJoined
	case errors.Is(err, coordinator.ErrNotFound):
		return codeNotFound
	case errors.Is(err, coordinator.ErrIncompatible):
		return codeIncompatible
	case errors.Is(err, coordinator.ErrAdapterFailure):
		return codeAdapterFailure
	case errors.Is(err, coordinator.ErrAlreadyJoined):
		return codeAlreadyJoined
	case errors.Is(err, coordinator.ErrSendTransportExists):
		return codeConflict
	case errors.Is(err, coordinator.ErrTooManyPeers):
		return codeTooManyPeers
	case errors.Is(err, coordinator.ErrRoomFull):
		return codeRoomFull
	case errors.Is(err, errBadMessage), errors.Is(err, coordinator.ErrInvalidRequest):
		return codeBadMessage
	case errors.Is(err, errUnsupportedMethod):
		return codeUnsupportedMethod
	default:
		return codeInternalError
	}
}

// errorMessage keeps internal failure details off the wire.
func errorMessage(code string, err error) string {
	if code == codeInternalError {
		return "internal error"
	}
	return err.Error()
}
