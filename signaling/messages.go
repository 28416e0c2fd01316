package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	vrelay "github.com/BrownNPC/VoiceRelay"
	"github.com/coder/websocket"
	"github.com/pion/webrtc/v4"
)

type Event string

const (
	// Client -> Server {channel, userdata}
	//
	// Joins a channel. Every existing member receives addPeer for the newcomer,
	// and the newcomer receives addPeer for every existing member.
	EventJoin Event = "join"
	// Client -> Server {channel}
	//
	// Leaves a channel. Both sides of every remaining pair receive removePeer.
	EventPart Event = "part"
	// Client -> Server -> Peer {peer_id, ice_candidate}
	//
	// Forwarded to peer_id as iceCandidate.
	EventRelayICECandidate Event = "relayICECandidate"
	// Client -> Server -> Peer {peer_id, session_description}
	//
	// Forwarded to peer_id as sessionDescription.
	EventRelaySessionDescription Event = "relaySessionDescription"

	// Server -> Client {peer_id, should_create_offer, userdata}
	EventAddPeer Event = "addPeer"
	// Server -> Client {peer_id}
	EventRemovePeer Event = "removePeer"
	// Server -> Client {peer_id, ice_candidate}
	EventICECandidate Event = "iceCandidate"
	// Server -> Client {peer_id, session_description}
	EventSessionDescription Event = "sessionDescription"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrMissingField   = errors.New("missing required field")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Envelope is one frame on the wire. Data holds the event payload as JSON
// regardless of the codec used for the frame itself.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Message interface {
	Event() Event
}

// Inbound is a message sent by a client to the server.
type Inbound interface {
	Message
	inbound()
}

// Outbound is a message sent by the server to a client.
type Outbound interface {
	Message
	outbound()
}

type JoinMsg struct {
	Channel  vrelay.ChannelID `json:"channel"`
	Userdata json.RawMessage  `json:"userdata"`
}

type PartMsg struct {
	Channel vrelay.ChannelID `json:"channel"`
}

type RelayICECandidateMsg struct {
	PeerID       vrelay.ConnID   `json:"peer_id"`
	ICECandidate json.RawMessage `json:"ice_candidate"`
}

type RelaySessionDescriptionMsg struct {
	PeerID             vrelay.ConnID   `json:"peer_id"`
	SessionDescription json.RawMessage `json:"session_description"`
}

type AddPeerMsg struct {
	PeerID            vrelay.ConnID   `json:"peer_id"`
	ShouldCreateOffer bool            `json:"should_create_offer"`
	Userdata          json.RawMessage `json:"userdata"`
}

type RemovePeerMsg struct {
	PeerID vrelay.ConnID `json:"peer_id"`
}

type ICECandidateMsg struct {
	PeerID       vrelay.ConnID   `json:"peer_id"`
	ICECandidate json.RawMessage `json:"ice_candidate"`
}

type SessionDescriptionMsg struct {
	PeerID             vrelay.ConnID   `json:"peer_id"`
	SessionDescription json.RawMessage `json:"session_description"`
}

func (JoinMsg) Event() Event                    { return EventJoin }
func (PartMsg) Event() Event                    { return EventPart }
func (RelayICECandidateMsg) Event() Event       { return EventRelayICECandidate }
func (RelaySessionDescriptionMsg) Event() Event { return EventRelaySessionDescription }
func (AddPeerMsg) Event() Event                 { return EventAddPeer }
func (RemovePeerMsg) Event() Event              { return EventRemovePeer }
func (ICECandidateMsg) Event() Event            { return EventICECandidate }
func (SessionDescriptionMsg) Event() Event      { return EventSessionDescription }

func (JoinMsg) inbound()                    {}
func (PartMsg) inbound()                    {}
func (RelayICECandidateMsg) inbound()       {}
func (RelaySessionDescriptionMsg) inbound() {}
func (AddPeerMsg) outbound()                {}
func (RemovePeerMsg) outbound()             {}
func (ICECandidateMsg) outbound()           {}
func (SessionDescriptionMsg) outbound()     {}

// Candidate decodes the forwarded payload as a browser RTCIceCandidateInit.
func (m ICECandidateMsg) Candidate() (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(m.ICECandidate, &c); err != nil {
		return c, fmt.Errorf("signaling.Candidate: %w", err)
	}
	return c, nil
}

// Description decodes the forwarded payload as an RTCSessionDescription.
func (m SessionDescriptionMsg) Description() (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(m.SessionDescription, &sd); err != nil {
		return sd, fmt.Errorf("signaling.Description: %w", err)
	}
	return sd, nil
}

// Encode wraps msg in an Envelope.
func Encode(msg Message) (Envelope, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("signaling.Encode: failed to marshal %T %v", msg, err)
	}
	return Envelope{Event: msg.Event(), Data: b}, nil
}

// DecodeInbound parses a client frame into one of the inbound variants.
// Required fields are checked here so the hub never sees partial messages.
func DecodeInbound(env Envelope) (Inbound, error) {
	switch env.Event {
	case EventJoin:
		var m JoinMsg
		if err := unmarshalData(env, &m); err != nil {
			return nil, err
		}
		if m.Channel == "" {
			return nil, fmt.Errorf("signaling.DecodeInbound: %s: channel: %w", env.Event, ErrMissingField)
		}
		if absent(m.Userdata) {
			m.Userdata = json.RawMessage("null")
		}
		return m, nil
	case EventPart:
		var m PartMsg
		// The channel may be sent bare: emit("part", "room1").
		if data := bytes.TrimSpace(env.Data); len(data) > 0 && data[0] == '"' {
			var ch string
			if err := json.Unmarshal(data, &ch); err != nil {
				return nil, fmt.Errorf("signaling.DecodeInbound: %s: %w", env.Event, ErrInvalidPayload)
			}
			m.Channel = vrelay.ChannelID(ch)
		} else if err := unmarshalData(env, &m); err != nil {
			return nil, err
		}
		if m.Channel == "" {
			return nil, fmt.Errorf("signaling.DecodeInbound: %s: channel: %w", env.Event, ErrMissingField)
		}
		return m, nil
	case EventRelayICECandidate:
		var m RelayICECandidateMsg
		if err := unmarshalData(env, &m); err != nil {
			return nil, err
		}
		if m.PeerID == "" {
			return nil, fmt.Errorf("signaling.DecodeInbound: %s: peer_id: %w", env.Event, ErrMissingField)
		}
		if absent(m.ICECandidate) {
			return nil, fmt.Errorf("signaling.DecodeInbound: %s: ice_candidate: %w", env.Event, ErrMissingField)
		}
		return m, nil
	case EventRelaySessionDescription:
		var m RelaySessionDescriptionMsg
		if err := unmarshalData(env, &m); err != nil {
			return nil, err
		}
		if m.PeerID == "" {
			return nil, fmt.Errorf("signaling.DecodeInbound: %s: peer_id: %w", env.Event, ErrMissingField)
		}
		if absent(m.SessionDescription) {
			return nil, fmt.Errorf("signaling.DecodeInbound: %s: session_description: %w", env.Event, ErrMissingField)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("signaling.DecodeInbound: %q: %w", env.Event, ErrUnknownEvent)
	}
}

// DecodeOutbound parses a server frame. Used by clients.
func DecodeOutbound(env Envelope) (Outbound, error) {
	var (
		m   Outbound
		err error
	)
	switch env.Event {
	case EventAddPeer:
		var v AddPeerMsg
		err = unmarshalData(env, &v)
		m = v
	case EventRemovePeer:
		var v RemovePeerMsg
		err = unmarshalData(env, &v)
		m = v
	case EventICECandidate:
		var v ICECandidateMsg
		err = unmarshalData(env, &v)
		m = v
	case EventSessionDescription:
		var v SessionDescriptionMsg
		err = unmarshalData(env, &v)
		m = v
	default:
		return nil, fmt.Errorf("signaling.DecodeOutbound: %q: %w", env.Event, ErrUnknownEvent)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalData(env Envelope, v any) error {
	if absent(env.Data) {
		return fmt.Errorf("signaling.decode: %s: data: %w", env.Event, ErrMissingField)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("signaling.decode: %s: %w: %v", env.Event, ErrInvalidPayload, err)
	}
	return nil
}

func absent(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// Encode msg with codec and write it to conn.
// Error if encode or write fails.
func WriteMsg(ctx context.Context, conn *websocket.Conn, codec Codec, msg Message, timeout time.Duration) error {
	env, err := Encode(msg)
	if err != nil {
		return err
	}
	b, err := codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("signaling.WriteMsg: failed to marshal %T %v", msg, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// write to socket, return if error or timeout.
	if err := conn.Write(ctx, codec.MessageType(), b); err != nil {
		return fmt.Errorf("signaling.WriteMsg: failed to write %T %w", msg, err)
	}
	return nil
}

// Read one frame from conn and decode it with codec.
// Frames that cannot be decoded return an error wrapping ErrInvalidPayload;
// any other error means the connection is unusable.
func ReadEnvelope(ctx context.Context, conn *websocket.Conn, codec Codec) (Envelope, error) {
	t, b, err := conn.Read(ctx)
	if err != nil {
		return Envelope{}, fmt.Errorf("signaling.ReadEnvelope: %w", err)
	}
	if t != codec.MessageType() {
		return Envelope{}, fmt.Errorf("signaling.ReadEnvelope: unexpected frame type %v: %w", t, ErrInvalidPayload)
	}
	var env Envelope
	if err := codec.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("signaling.ReadEnvelope: %w: %v", ErrInvalidPayload, err)
	}
	return env, nil
}
