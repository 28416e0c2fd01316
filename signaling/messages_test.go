package signaling

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shamaton/msgpack/v2"
)

func TestDecodeInboundJoin(t *testing.T) {
	msg, err := DecodeInbound(Envelope{Event: EventJoin, Data: json.RawMessage(`{"channel":"room1","userdata":{"name":"a"}}`)})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	m, ok := msg.(JoinMsg)
	if !ok {
		t.Fatalf("got %T", msg)
	}
	if m.Channel != "room1" || string(m.Userdata) != `{"name":"a"}` {
		t.Fatalf("got %+v", m)
	}
}

func TestDecodeInboundJoinDefaultsUserdata(t *testing.T) {
	msg, err := DecodeInbound(Envelope{Event: EventJoin, Data: json.RawMessage(`{"channel":"room1"}`)})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := string(msg.(JoinMsg).Userdata); got != "null" {
		t.Fatalf("userdata=%s, want null", got)
	}
}

func TestDecodeInboundPartBareChannel(t *testing.T) {
	for _, data := range []string{`"room1"`, `{"channel":"room1"}`} {
		msg, err := DecodeInbound(Envelope{Event: EventPart, Data: json.RawMessage(data)})
		if err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if got := msg.(PartMsg).Channel; got != "room1" {
			t.Fatalf("channel=%q, want room1", got)
		}
	}
}

func TestDecodeInboundRejects(t *testing.T) {
	cases := []struct {
		env  Envelope
		want error
	}{
		{Envelope{Event: "shout", Data: json.RawMessage(`{}`)}, ErrUnknownEvent},
		{Envelope{Event: EventAddPeer, Data: json.RawMessage(`{}`)}, ErrUnknownEvent},
		{Envelope{Event: EventJoin}, ErrMissingField},
		{Envelope{Event: EventJoin, Data: json.RawMessage(`{"userdata":1}`)}, ErrMissingField},
		{Envelope{Event: EventJoin, Data: json.RawMessage(`{"channel":42}`)}, ErrInvalidPayload},
		{Envelope{Event: EventPart, Data: json.RawMessage(`""`)}, ErrMissingField},
		{Envelope{Event: EventPart, Data: json.RawMessage(`null`)}, ErrMissingField},
		{Envelope{Event: EventRelayICECandidate, Data: json.RawMessage(`{"ice_candidate":{}}`)}, ErrMissingField},
		{Envelope{Event: EventRelayICECandidate, Data: json.RawMessage(`{"peer_id":"x","ice_candidate":null}`)}, ErrMissingField},
		{Envelope{Event: EventRelaySessionDescription, Data: json.RawMessage(`{"peer_id":"x"}`)}, ErrMissingField},
		{Envelope{Event: EventRelaySessionDescription, Data: json.RawMessage(`[1,2]`)}, ErrInvalidPayload},
	}
	for _, tc := range cases {
		if _, err := DecodeInbound(tc.env); !errors.Is(err, tc.want) {
			t.Fatalf("%s %s: err=%v, want %v", tc.env.Event, tc.env.Data, err, tc.want)
		}
	}
}

func TestEncodeOutboundWireShape(t *testing.T) {
	env, err := Encode(AddPeerMsg{PeerID: "p1", ShouldCreateOffer: true})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if env.Event != EventAddPeer {
		t.Fatalf("event=%q", env.Event)
	}
	if got := string(env.Data); got != `{"peer_id":"p1","should_create_offer":true,"userdata":null}` {
		t.Fatalf("data=%s", got)
	}
}

func TestMsgpackCodecCarriesNestedPayload(t *testing.T) {
	in := Envelope{
		Event: EventRelayICECandidate,
		Data:  json.RawMessage(`{"peer_id":"p1","ice_candidate":{"candidate":"c","sdpMLineIndex":0,"nested":{"list":[true,"x"]}}}`),
	}
	b, err := Msgpack.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Envelope
	if err := Msgpack.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	msg, err := DecodeInbound(out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	m := msg.(RelayICECandidateMsg)
	var got, want any
	_ = json.Unmarshal(m.ICECandidate, &got)
	_ = json.Unmarshal([]byte(`{"candidate":"c","sdpMLineIndex":0,"nested":{"list":[true,"x"]}}`), &want)
	if gb, _ := json.Marshal(got); string(gb) != mustJSON(t, want) {
		t.Fatalf("payload=%s", m.ICECandidate)
	}
}

func TestMsgpackCodecKeepsLargeIntegers(t *testing.T) {
	userdata := `{"big":18446744073709551615,"f":1.5,"id":9007199254740993,"neg":-9007199254740993}`
	env, err := Encode(AddPeerMsg{PeerID: "p1", Userdata: json.RawMessage(userdata)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := Msgpack.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Envelope
	if err := Msgpack.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	msg, err := DecodeOutbound(out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := string(msg.(AddPeerMsg).Userdata); got != userdata {
		t.Fatalf("userdata=%s, want %s", got, userdata)
	}
}

func TestMsgpackCodecAcceptsIntegerKeys(t *testing.T) {
	// Non-JS encoders may produce maps keyed by integers.
	b, err := msgpack.MarshalAsArray(msgpackEnvelope{
		Event: string(EventJoin),
		Data: map[any]any{
			"channel":  "room1",
			"userdata": map[any]any{1: "one"},
		},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var env Envelope
	if err := Msgpack.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	msg, err := DecodeInbound(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := string(msg.(JoinMsg).Userdata); got != `{"1":"one"}` {
		t.Fatalf("userdata=%s", got)
	}
}

func TestCodecFor(t *testing.T) {
	if CodecFor(SubprotocolMsgpack) != Msgpack {
		t.Fatalf("msgpack subprotocol should select msgpack")
	}
	if CodecFor("") != JSON || CodecFor("other") != JSON {
		t.Fatalf("unknown subprotocol should select json")
	}
}

func TestOutboundHelpers(t *testing.T) {
	ic := ICECandidateMsg{ICECandidate: json.RawMessage(`{"candidate":"candidate:1 1 udp 1 192.0.2.1 1 typ host","sdpMid":"0"}`)}
	c, err := ic.Candidate()
	if err != nil {
		t.Fatalf("candidate: %v", err)
	}
	if c.SDPMid == nil || *c.SDPMid != "0" {
		t.Fatalf("sdpMid=%v", c.SDPMid)
	}

	sd := SessionDescriptionMsg{SessionDescription: json.RawMessage(`{"type":"answer","sdp":"v=0"}`)}
	d, err := sd.Description()
	if err != nil {
		t.Fatalf("description: %v", err)
	}
	if d.SDP != "v=0" || d.Type.String() != "answer" {
		t.Fatalf("description=%+v", d)
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}
