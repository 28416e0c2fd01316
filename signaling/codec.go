package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/coder/websocket"
	"github.com/shamaton/msgpack/v2"
)

const (
	SubprotocolJSON    = "voicerelay.json"
	SubprotocolMsgpack = "voicerelay.msgpack"
)

// Codec maps an Envelope to and from a WebSocket frame. The codec is picked
// per connection from the negotiated subprotocol, so peers using different
// codecs can still signal each other.
type Codec interface {
	Subprotocol() string
	MessageType() websocket.MessageType
	Marshal(Envelope) ([]byte, error)
	Unmarshal([]byte, *Envelope) error
}

var (
	JSON    Codec = jsonCodec{}
	Msgpack Codec = msgpackCodec{}
)

// CodecFor returns the codec for a negotiated subprotocol.
// Clients that negotiate nothing speak JSON.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolMsgpack {
		return Msgpack
	}
	return JSON
}

type jsonCodec struct{}

func (jsonCodec) Subprotocol() string                { return SubprotocolJSON }
func (jsonCodec) MessageType() websocket.MessageType { return websocket.MessageText }

func (jsonCodec) Marshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (jsonCodec) Unmarshal(b []byte, env *Envelope) error {
	return json.Unmarshal(b, env)
}

// msgpackEnvelope is marshalled as a two element array: [event, data].
type msgpackEnvelope struct {
	Event string
	Data  any
}

type msgpackCodec struct{}

func (msgpackCodec) Subprotocol() string                { return SubprotocolMsgpack }
func (msgpackCodec) MessageType() websocket.MessageType { return websocket.MessageBinary }

func (msgpackCodec) Marshal(env Envelope) ([]byte, error) {
	w := msgpackEnvelope{Event: string(env.Event)}
	if len(env.Data) > 0 {
		dec := json.NewDecoder(bytes.NewReader(env.Data))
		dec.UseNumber()
		var data any
		if err := dec.Decode(&data); err != nil {
			return nil, fmt.Errorf("signaling.msgpack: %w", err)
		}
		data, err := exactNumbers(data)
		if err != nil {
			return nil, fmt.Errorf("signaling.msgpack: %w", err)
		}
		w.Data = data
	}
	return msgpack.MarshalAsArray(w)
}

func (msgpackCodec) Unmarshal(b []byte, env *Envelope) error {
	var w msgpackEnvelope
	if err := msgpack.UnmarshalAsArray(b, &w); err != nil {
		return fmt.Errorf("signaling.msgpack: %w", err)
	}
	env.Event = Event(w.Event)
	env.Data = nil
	if w.Data == nil {
		return nil
	}
	data, err := json.Marshal(jsonCompatible(w.Data))
	if err != nil {
		return fmt.Errorf("signaling.msgpack: %w", err)
	}
	env.Data = data
	return nil
}

// jsonCompatible rewrites msgpack maps with non-string keys so that
// encoding/json accepts them.
func jsonCompatible(v any) any {
	switch t := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = jsonCompatible(val)
		}
		return m
	case map[string]any:
		for k, val := range t {
			t[k] = jsonCompatible(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = jsonCompatible(val)
		}
		return t
	default:
		return v
	}
}

// exactNumbers replaces every json.Number in v with the narrowest of int64,
// uint64 or float64 that holds it, so integers beyond 2^53 survive.
func exactNumbers(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(string(t), 10, 64); err == nil {
			return i, nil
		}
		if u, err := strconv.ParseUint(string(t), 10, 64); err == nil {
			return u, nil
		}
		f, err := strconv.ParseFloat(string(t), 64)
		if err != nil {
			return nil, fmt.Errorf("number %s: %w", t, err)
		}
		return f, nil
	case map[string]any:
		for k, val := range t {
			n, err := exactNumbers(val)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	case []any:
		for i, val := range t {
			n, err := exactNumbers(val)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	default:
		return v, nil
	}
}
