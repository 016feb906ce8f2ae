package loopback

import (
	"context"
	"errors"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu-signaling/internal/mediaengine"
)

var (
	opusRTP = mediaengine.RTPParameters{Codecs: []mediaengine.RTPCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}}}
	dtls    = mediaengine.DTLSParameters{Role: "client", Fingerprints: []mediaengine.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}}}
)

func setup(t *testing.T) (*Engine, mediaengine.Router) {
	t.Helper()
	e := New(nil)
	r, err := e.CreateRouter(context.Background(), mediaengine.DefaultCodecs())
	if err != nil {
		t.Fatalf("CreateRouter: %v", err)
	}
	return e, r
}

func TestLifecycle_ProduceConsumeResume(t *testing.T) {
	ctx := context.Background()
	e, r := setup(t)

	send, err := e.CreateTransport(ctx, r, mediaengine.RoleSending)
	if err != nil {
		t.Fatalf("CreateTransport(send): %v", err)
	}
	if send.Params().ID != send.ID() || len(send.Params().DTLSParameters.Fingerprints) != 1 {
		t.Fatalf("unexpected transport params: %+v", send.Params())
	}
	if err := e.ConnectTransport(ctx, send, mediaengine.ConnectParams{DTLS: dtls}); err != nil {
		t.Fatalf("ConnectTransport: %v", err)
	}
	if !e.TransportConnected(send.ID()) {
		t.Fatalf("transport not marked connected")
	}

	p, err := e.Produce(ctx, send, mediaengine.KindAudio, opusRTP)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}

	recv, err := e.CreateTransport(ctx, r, mediaengine.RoleReceiving)
	if err != nil {
		t.Fatalf("CreateTransport(recv): %v", err)
	}
	caps := r.Capabilities()
	if !e.CanConsume(r, p.ID(), caps) {
		t.Fatalf("CanConsume=false, want true")
	}
	c, err := e.Consume(ctx, recv, p.ID(), caps, true)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if !c.Paused() {
		t.Fatalf("consumer not paused after creation")
	}
	if err := e.Resume(ctx, c); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if paused, ok := e.ConsumerPaused(c.ID()); !ok || paused {
		t.Fatalf("ConsumerPaused=(%v,%v), want (false,true)", paused, ok)
	}
}

func TestProduce_WrongRoleAndUnsupportedCodec(t *testing.T) {
	ctx := context.Background()
	e, r := setup(t)

	recv, _ := e.CreateTransport(ctx, r, mediaengine.RoleReceiving)
	if _, err := e.Produce(ctx, recv, mediaengine.KindAudio, opusRTP); !errors.Is(err, mediaengine.ErrWrongRole) {
		t.Fatalf("Produce on receiving transport err=%v, want ErrWrongRole", err)
	}

	send, _ := e.CreateTransport(ctx, r, mediaengine.RoleSending)
	h264 := mediaengine.RTPParameters{Codecs: []mediaengine.RTPCodecParameters{{MimeType: "video/H264", ClockRate: 90000}}}
	if _, err := e.Produce(ctx, send, mediaengine.KindVideo, h264); !errors.Is(err, mediaengine.ErrUnsupportedCodec) {
		t.Fatalf("Produce(H264) err=%v, want ErrUnsupportedCodec", err)
	}
}

func TestConsume_UnknownProducer(t *testing.T) {
	ctx := context.Background()
	e, r := setup(t)
	recv, _ := e.CreateTransport(ctx, r, mediaengine.RoleReceiving)

	if e.CanConsume(r, "missing", r.Capabilities()) {
		t.Fatalf("CanConsume(missing)=true")
	}
	if _, err := e.Consume(ctx, recv, "missing", r.Capabilities(), true); !errors.Is(err, mediaengine.ErrProducerNotFound) {
		t.Fatalf("Consume(missing) err=%v, want ErrProducerNotFound", err)
	}
}

func TestFailNext_IsOneShot(t *testing.T) {
	e := New(nil)
	boom := errors.New("boom")
	e.FailNext(OpCreateRouter, boom)

	if _, err := e.CreateRouter(context.Background(), mediaengine.DefaultCodecs()); !errors.Is(err, boom) {
		t.Fatalf("first CreateRouter err=%v, want boom", err)
	}
	if _, err := e.CreateRouter(context.Background(), mediaengine.DefaultCodecs()); err != nil {
		t.Fatalf("second CreateRouter: %v", err)
	}
	if got := e.RoutersCreated(); got != 1 {
		t.Fatalf("RoutersCreated=%d, want 1", got)
	}
}

func TestClose_IsIdempotentAndCascades(t *testing.T) {
	ctx := context.Background()
	e, r := setup(t)
	send, _ := e.CreateTransport(ctx, r, mediaengine.RoleSending)
	p, _ := e.Produce(ctx, send, mediaengine.KindAudio, opusRTP)
	recv, _ := e.CreateTransport(ctx, r, mediaengine.RoleReceiving)
	c, _ := e.Consume(ctx, recv, p.ID(), r.Capabilities(), true)

	if err := e.Close(p); err != nil {
		t.Fatalf("Close(producer): %v", err)
	}
	if err := e.Close(p); err != nil {
		t.Fatalf("second Close(producer): %v", err)
	}
	if _, ok := e.ConsumerPaused(c.ID()); ok {
		t.Fatalf("consumer survived producer close")
	}

	if err := e.Close(r); err != nil {
		t.Fatalf("Close(router): %v", err)
	}
	if got := e.OpenHandles(); got != 0 {
		t.Fatalf("OpenHandles=%d, want 0", got)
	}
}

func TestFailTransport_EmitsEvents(t *testing.T) {
	ctx := context.Background()
	e, r := setup(t)
	send, _ := e.CreateTransport(ctx, r, mediaengine.RoleSending)
	p, _ := e.Produce(ctx, send, mediaengine.KindAudio, opusRTP)

	var events []mediaengine.Event
	e.Subscribe(func(ev mediaengine.Event) { events = append(events, ev) })

	e.FailTransport(send.ID())
	e.FailTransport(send.ID())

	if len(events) != 2 {
		t.Fatalf("events=%v, want 2", events)
	}
	if events[0].Type != mediaengine.EventTransportClosed || events[0].ID != send.ID() {
		t.Fatalf("events[0]=%+v, want transport closed", events[0])
	}
	if events[1].Type != mediaengine.EventProducerClosed || events[1].ID != p.ID() {
		t.Fatalf("events[1]=%+v, want producer closed", events[1])
	}
}

func TestKill_MakesEngineUnusable(t *testing.T) {
	e := New(nil)
	var died int
	e.Subscribe(func(ev mediaengine.Event) {
		if ev.Type == mediaengine.EventEngineDied {
			died++
		}
	})
	e.Kill(errors.New("worker exited"))
	e.Kill(errors.New("again"))

	if died != 1 {
		t.Fatalf("died events=%d, want 1", died)
	}
	if _, err := e.CreateRouter(context.Background(), mediaengine.DefaultCodecs()); !errors.Is(err, mediaengine.ErrEngineDead) {
		t.Fatalf("CreateRouter after Kill err=%v, want ErrEngineDead", err)
	}
}
