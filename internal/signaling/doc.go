// Package signaling binds the SFU coordinator to WebSocket connections.
//
// Each connection is one peer. Clients send requests
//
//	{"id":1,"method":"join","data":{"roomId":"lobby"}}
//
// and get exactly one response per request id:
//
//	{"id":1,"ok":true,"data":{"rtpCapabilities":{...}}}
//	{"id":1,"ok":false,"error":{"code":"room_not_joined","message":"..."}}
//
// Server-initiated events (connection-established, new-producer,
// producer-closed) carry no id:
//
//	{"event":"new-producer","data":{"producerId":"..."}}
//
// The default encoding is JSON. Clients that offer the sfu.v1.msgpack
// subprotocol get the same frames encoded as MessagePack.
package signaling
