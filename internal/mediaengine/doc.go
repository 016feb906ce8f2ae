// Package mediaengine defines the boundary between the signaling coordinator
// and the media engine that actually relays RTP.
//
// The coordinator only ever holds opaque handles (Router, Transport, Producer,
// Consumer) and calls into an Engine to create, connect and close them. Engine
// implementations must be safe for concurrent use and must never call back into
// the coordinator synchronously from inside an Engine method; asynchronous
// closures are reported through Subscribe.
//
// Two implementations live in sub-packages: pionengine (pion/webrtc ORTC
// transports) and loopback (in-memory, for dev mode and tests).
package mediaengine
