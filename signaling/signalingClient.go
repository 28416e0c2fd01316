package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	vrelay "github.com/BrownNPC/VoiceRelay"
	"github.com/coder/websocket"
	"github.com/pion/webrtc/v4"
)

// Client is a Go peer of the relay. It is not safe for concurrent Recv calls.
type Client struct {
	conn    *websocket.Conn
	codec   Codec
	timeout time.Duration
}

// Dial connects to a relay at url (ws:// or wss://, including the /ws path)
// and negotiates codec. A nil opts uses the websocket defaults.
func Dial(ctx context.Context, url string, codec Codec, opts *websocket.DialOptions) (*Client, error) {
	var o websocket.DialOptions
	if opts != nil {
		o = *opts
	}
	o.Subprotocols = []string{codec.Subprotocol()}

	conn, _, err := websocket.Dial(ctx, url, &o)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %v %v", url, err)
	}
	negotiated := CodecFor(conn.Subprotocol())
	if negotiated.Subprotocol() != codec.Subprotocol() {
		conn.Close(websocket.StatusProtocolError, "codec not negotiated")
		return nil, fmt.Errorf("signaling.Dial: server did not accept %s", codec.Subprotocol())
	}
	return &Client{conn: conn, codec: codec, timeout: 5 * time.Second}, nil
}

// Join a channel. userdata is marshalled to JSON and shown to the other members.
func (c *Client) Join(ctx context.Context, channel vrelay.ChannelID, userdata any) error {
	raw, err := json.Marshal(userdata)
	if err != nil {
		return fmt.Errorf("signaling.Join: %w", err)
	}
	return c.Send(ctx, JoinMsg{Channel: channel, Userdata: raw})
}

func (c *Client) Part(ctx context.Context, channel vrelay.ChannelID) error {
	return c.Send(ctx, PartMsg{Channel: channel})
}

func (c *Client) RelayICECandidate(ctx context.Context, peer vrelay.ConnID, candidate webrtc.ICECandidateInit) error {
	raw, err := json.Marshal(candidate)
	if err != nil {
		return fmt.Errorf("signaling.RelayICECandidate: %w", err)
	}
	return c.Send(ctx, RelayICECandidateMsg{PeerID: peer, ICECandidate: raw})
}

func (c *Client) RelaySessionDescription(ctx context.Context, peer vrelay.ConnID, sd webrtc.SessionDescription) error {
	raw, err := json.Marshal(sd)
	if err != nil {
		return fmt.Errorf("signaling.RelaySessionDescription: %w", err)
	}
	return c.Send(ctx, RelaySessionDescriptionMsg{PeerID: peer, SessionDescription: raw})
}

func (c *Client) Send(ctx context.Context, msg Inbound) error {
	return WriteMsg(ctx, c.conn, c.codec, msg, c.timeout)
}

// Recv blocks until the next server message. Frames the client cannot
// decode are skipped.
func (c *Client) Recv(ctx context.Context) (Outbound, error) {
	for {
		env, err := ReadEnvelope(ctx, c.conn, c.codec)
		if errors.Is(err, ErrInvalidPayload) {
			continue
		}
		if err != nil {
			return nil, err
		}
		msg, err := DecodeOutbound(env)
		if errors.Is(err, ErrUnknownEvent) {
			continue
		}
		return msg, err
	}
}

func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "disconnecting")
}
