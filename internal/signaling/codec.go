package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	SubprotocolJSON    = "sfu.v1.json"
	SubprotocolMsgpack = "sfu.v1.msgpack"
)

// codec encodes frames for one negotiated subprotocol. Both encodings share
// the json struct tags.
type codec interface {
	subprotocol() string
	frameType() int
	encode(v any) ([]byte, error)
	decodeRequest(frame []byte) (inbound, error)
	// decodeData strictly decodes a request payload into v. An absent payload
	// leaves v untouched.
	decodeData(data []byte, v any) error
}

func codecFor(subprotocol string) codec {
	if subprotocol == SubprotocolMsgpack {
		return msgpackCodec{}
	}
	return jsonCodec{}
}

type jsonEnvelope struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type jsonCodec struct{}

func (jsonCodec) subprotocol() string { return SubprotocolJSON }

func (jsonCodec) frameType() int { return websocket.TextMessage }

func (jsonCodec) encode(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) decodeRequest(frame []byte) (inbound, error) {
	var env jsonEnvelope
	if err := decodeStrictJSON(frame, &env); err != nil {
		// Recover the id when possible so the error can still be answered.
		var loose struct {
			ID *uint64 `json:"id"`
		}
		in := inbound{}
		if json.Unmarshal(frame, &loose) == nil && loose.ID != nil {
			in.ID, in.HasID = *loose.ID, true
		}
		return in, fmt.Errorf("%w: %w", errBadMessage, err)
	}
	return newInbound(env.ID, env.Method, env.Data)
}

func (jsonCodec) decodeData(data []byte, v any) error {
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if err := decodeStrictJSON(data, v); err != nil {
		return fmt.Errorf("%w: data: %w", errBadMessage, err)
	}
	return nil
}

type msgpackEnvelope struct {
	ID     *uint64            `json:"id"`
	Method string             `json:"method"`
	Data   msgpack.RawMessage `json:"data,omitempty"`
}

type msgpackCodec struct{}

func (msgpackCodec) subprotocol() string { return SubprotocolMsgpack }

func (msgpackCodec) frameType() int { return websocket.BinaryMessage }

func (msgpackCodec) encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) decodeRequest(frame []byte) (inbound, error) {
	var env msgpackEnvelope
	if err := decodeStrictMsgpack(frame, &env); err != nil {
		var loose struct {
			ID *uint64 `json:"id"`
		}
		in := inbound{}
		dec := msgpack.NewDecoder(bytes.NewReader(frame))
		dec.SetCustomStructTag("json")
		if dec.Decode(&loose) == nil && loose.ID != nil {
			in.ID, in.HasID = *loose.ID, true
		}
		return in, fmt.Errorf("%w: %w", errBadMessage, err)
	}
	return newInbound(env.ID, env.Method, env.Data)
}

func (msgpackCodec) decodeData(data []byte, v any) error {
	if len(data) == 0 || (len(data) == 1 && data[0] == 0xc0) {
		return nil
	}
	if err := decodeStrictMsgpack(data, v); err != nil {
		return fmt.Errorf("%w: data: %w", errBadMessage, err)
	}
	return nil
}

func newInbound(id *uint64, method string, data []byte) (inbound, error) {
	if id == nil {
		return inbound{}, fmt.Errorf("%w: missing id", errBadMessage)
	}
	in := inbound{ID: *id, HasID: true, Method: method, Data: data}
	if method == "" {
		return in, fmt.Errorf("%w: missing method", errBadMessage)
	}
	return in, nil
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return expectEOF(dec)
}

func expectEOF(dec *json.Decoder) error {
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

func decodeStrictMsgpack(data []byte, v any) error {
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)
	dec.SetCustomStructTag("json")
	dec.DisallowUnknownFields(true)
	if err := dec.Decode(v); err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
