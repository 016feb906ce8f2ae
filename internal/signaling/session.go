package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/fanout"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/mediaengine"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/registry"
)

// eventError reports a connection-level failure that is not tied to a request
// id. The connection is closed right after it.
const eventError = "error"

// session is one WebSocket connection, and therefore one peer.
type session struct {
	srv     *Server
	conn    *websocket.Conn
	codec   codec
	peerID  string
	out     *outbox
	limiter *rate.Limiter
	log     *slog.Logger

	idleTimeout  time.Duration
	pingInterval time.Duration
	writeTimeout time.Duration

	writeMu sync.Mutex
	done    chan struct{}
}

var _ fanout.Sender = (*session)(nil)

func (s *session) run(parent context.Context, maxMessageBytes int64) {
	ctx, cancel := context.WithCancel(parent)
	s.done = make(chan struct{})

	var wg sync.WaitGroup
	defer func() {
		s.srv.coord.Disconnect(context.WithoutCancel(ctx), s.peerID)
		cancel()
		s.out.Close()
		close(s.done)
		_ = s.conn.Close()
		wg.Wait()
		s.log.Debug("signaling connection closed", "dropped_events", s.out.DropCount())
	}()

	s.conn.SetReadLimit(maxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	})

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()
	go func() {
		defer wg.Done()
		s.pingLoop()
	}()

	if err := s.srv.coord.Connect(ctx, s.peerID, s); err != nil {
		code := errorCode(err)
		s.fail(inbound{}, code, errorMessage(code, err), websocket.CloseTryAgainLater, code)
		return
	}
	s.log.Debug("signaling connection established")

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				s.srv.metrics.Inc(metrics.DropReasonIdleTimeout)
				s.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla/websocket has already sent CloseMessageTooBig.
				s.srv.metrics.Inc(metrics.DropReasonMessageTooBig)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))

		// Apply the per-connection rate limit *after* reading the message so we
		// consume any bytes already in the TCP receive buffer.
		//
		// If we close before reading, the OS may send an abortive close (RST) due
		// to unread data, preventing clients from reliably observing the WebSocket
		// close code/reason.
		if !s.limiter.Allow() {
			s.srv.metrics.Inc(metrics.DropReasonRateLimited)
			in, _ := s.codec.decodeRequest(data)
			s.fail(in, codeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != s.codec.frameType() {
			s.srv.metrics.Inc(metrics.DropReasonBadMessage)
			s.fail(inbound{}, codeBadMessage, "unexpected frame type for "+s.codec.subprotocol(), websocket.CloseUnsupportedData, "unexpected frame type")
			return
		}

		in, err := s.codec.decodeRequest(data)
		if err != nil {
			s.srv.metrics.Inc(metrics.DropReasonBadMessage)
			if !in.HasID {
				s.fail(in, codeBadMessage, err.Error(), websocket.ClosePolicyViolation, "bad message")
				return
			}
			s.respondError(in.ID, err)
			continue
		}
		s.handle(ctx, in)
	}
}

func (s *session) handle(ctx context.Context, in inbound) {
	s.srv.metrics.Inc(metrics.SignalingRequests)
	start := time.Now()
	data, err := s.dispatch(ctx, in)
	if err != nil {
		s.respondError(in.ID, err)
		return
	}
	s.log.Debug("signaling request", "id", in.ID, "method", in.Method, "duration", time.Since(start))
	s.respond(response{ID: in.ID, OK: true, Data: data})
}

type validator interface {
	validate() error
}

func decodeAs[T validator](s *session, data []byte) (T, error) {
	var req T
	if err := s.codec.decodeData(data, &req); err != nil {
		return req, err
	}
	if err := req.validate(); err != nil {
		return req, err
	}
	return req, nil
}

func (s *session) dispatch(ctx context.Context, in inbound) (any, error) {
	coord := s.srv.coord
	switch in.Method {
	case methodJoin:
		req, err := decodeAs[joinRequest](s, in.Data)
		if err != nil {
			return nil, err
		}
		caps, err := coord.Join(ctx, s.peerID, req.RoomID, registry.Profile{Name: req.Name, Role: req.Role})
		if err != nil {
			return nil, err
		}
		return capabilitiesResponse{RTPCapabilities: caps}, nil

	case methodGetRouterCapabilities:
		if _, err := decodeAs[emptyRequest](s, in.Data); err != nil {
			return nil, err
		}
		caps, err := coord.RouterCapabilities(s.peerID)
		if err != nil {
			return nil, err
		}
		return capabilitiesResponse{RTPCapabilities: caps}, nil

	case methodCreateTransport:
		req, err := decodeAs[createTransportRequest](s, in.Data)
		if err != nil {
			return nil, err
		}
		return coord.CreateTransport(ctx, s.peerID, req.Receiving)

	case methodConnectTransport:
		req, err := decodeAs[connectTransportRequest](s, in.Data)
		if err != nil {
			return nil, err
		}
		return struct{}{}, coord.ConnectTransport(ctx, s.peerID, req.TransportID, req.params())

	case methodConnectRecvTransport:
		req, err := decodeAs[connectRecvTransportRequest](s, in.Data)
		if err != nil {
			return nil, err
		}
		params := mediaengine.ConnectParams{DTLS: req.DTLSParameters, ICE: req.ICEParameters}
		return struct{}{}, coord.ConnectRecvTransport(ctx, s.peerID, req.TransportID, params)

	case methodProduce:
		req, err := decodeAs[produceRequest](s, in.Data)
		if err != nil {
			return nil, err
		}
		kind, _ := mediaengine.ParseKind(req.Kind)
		res, err := coord.Produce(ctx, s.peerID, kind, req.RTPParameters)
		if err != nil {
			return nil, err
		}
		return produceResponse{ID: res.ID, ProducersExist: res.ProducersExist}, nil

	case methodGetProducers:
		if _, err := decodeAs[emptyRequest](s, in.Data); err != nil {
			return nil, err
		}
		ids, err := coord.GetProducers(s.peerID)
		if err != nil {
			return nil, err
		}
		return producersResponse{ProducerIDs: ids}, nil

	case methodConsume:
		req, err := decodeAs[consumeRequest](s, in.Data)
		if err != nil {
			return nil, err
		}
		cp, err := coord.Consume(ctx, s.peerID, req.RemoteProducerID, req.TransportID, req.RTPCapabilities)
		if err != nil {
			return nil, err
		}
		return consumeResponse{
			ID:            cp.ID,
			ProducerID:    cp.ProducerID,
			Kind:          cp.Kind,
			RTPParameters: cp.RTPParameters,
		}, nil

	case methodResumeConsumer:
		req, err := decodeAs[resumeConsumerRequest](s, in.Data)
		if err != nil {
			return nil, err
		}
		return struct{}{}, coord.ResumeConsumer(ctx, s.peerID, req.ConsumerID)

	case methodCloseProducer:
		req, err := decodeAs[closeProducerRequest](s, in.Data)
		if err != nil {
			return nil, err
		}
		return struct{}{}, coord.CloseProducer(ctx, s.peerID, req.ProducerID)

	case methodCloseTransport:
		req, err := decodeAs[closeTransportRequest](s, in.Data)
		if err != nil {
			return nil, err
		}
		return struct{}{}, coord.CloseTransport(ctx, s.peerID, req.TransportID)

	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedMethod, in.Method)
	}
}

// Send implements fanout.Sender. Events are queued for the writer goroutine
// and dropped when the connection is too far behind.
func (s *session) Send(ctx context.Context, ev fanout.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := s.codec.encode(eventFrame{Event: ev.Name, Data: ev.Data})
	if err != nil {
		return err
	}
	switch err := s.out.Enqueue(frame); {
	case errors.Is(err, errOutboxClosed):
		return fanout.ErrPeerGone
	case errors.Is(err, errOutboxFull):
		s.srv.metrics.Inc(metrics.DropReasonSendQueueFull)
		return err
	}
	return nil
}

func (s *session) respond(resp response) {
	frame, err := s.codec.encode(resp)
	if err != nil {
		s.log.Error("encode response", "id", resp.ID, "err", err)
		frame, err = s.codec.encode(response{ID: resp.ID, Error: &wireError{Code: codeInternalError, Message: "internal error"}})
		if err != nil {
			return
		}
	}
	_ = s.out.EnqueueResponse(frame)
}

func (s *session) respondError(id uint64, err error) {
	s.srv.metrics.Inc(metrics.SignalingErrors)
	code := errorCode(err)
	switch code {
	case codeInternalError, codeAdapterFailure:
		s.log.Warn("signaling request failed", "id", id, "code", code, "err", err)
	default:
		s.log.Debug("signaling request rejected", "id", id, "code", code, "err", err)
	}
	s.respond(response{ID: id, Error: &wireError{Code: code, Message: errorMessage(code, err)}})
}

func (s *session) writeLoop() {
	for {
		frame, ok := s.out.Dequeue()
		if !ok {
			return
		}
		if err := s.writeFrame(frame); err != nil {
			if isTimeout(err) {
				s.srv.metrics.Inc(metrics.DropReasonWriteTimeout)
			}
			// Unblocks the read loop, which then tears the peer down.
			_ = s.conn.Close()
			return
		}
	}
}

func (s *session) pingLoop() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *session) writeFrame(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(s.codec.frameType(), frame)
}

// fail reports a fatal error, as a response when the offending frame carried
// an id and as an error event otherwise, then closes the connection.
func (s *session) fail(in inbound, code, message string, closeCode int, closeReason string) {
	werr := wireError{Code: code, Message: message}
	var v any = eventFrame{Event: eventError, Data: werr}
	if in.HasID {
		v = response{ID: in.ID, Error: &werr}
	}
	if frame, err := s.codec.encode(v); err == nil {
		_ = s.writeFrame(frame)
	}
	s.closeWith(closeCode, closeReason)
}

func (s *session) closeWith(code int, reason string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(s.writeTimeout))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
