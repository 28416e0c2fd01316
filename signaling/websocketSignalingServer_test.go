package signaling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	vrelay "github.com/BrownNPC/VoiceRelay"
	"github.com/coder/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type testRelay struct {
	hub *Hub
	srv *httptest.Server
	url string
}

func newTestRelay(t *testing.T, cfg ServerOptions) *testRelay {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(log, nil)
	s := NewWebsocketSignalingServer(log, hub, websocket.AcceptOptions{}, cfg)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return &testRelay{hub: hub, srv: srv, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

func (r *testRelay) dial(t *testing.T, ctx context.Context, codec Codec) *Client {
	t.Helper()
	c, err := Dial(ctx, r.url, codec, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// waitFor polls cond until it holds. The hub applies each connection's
// messages on that connection's goroutine, so tests sequence joins with it.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func recvAddPeer(t *testing.T, ctx context.Context, c *Client) AddPeerMsg {
	t.Helper()
	msg, err := c.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	ap, ok := msg.(AddPeerMsg)
	if !ok {
		t.Fatalf("got %T %+v, want AddPeerMsg", msg, msg)
	}
	return ap
}

func TestWebsocketJoinRelayAcrossCodecs(t *testing.T) {
	r := newTestRelay(t, ServerOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := r.dial(t, ctx, JSON)
	b := r.dial(t, ctx, Msgpack)

	if err := a.Join(ctx, "room1", map[string]string{"name": "a"}); err != nil {
		t.Fatalf("join a: %v", err)
	}
	waitFor(t, func() bool { return len(r.hub.MembersOf("room1")) == 1 })
	if err := b.Join(ctx, "room1", map[string]string{"name": "b"}); err != nil {
		t.Fatalf("join b: %v", err)
	}

	toA := recvAddPeer(t, ctx, a)
	toB := recvAddPeer(t, ctx, b)
	if toA.ShouldCreateOffer || string(toA.Userdata) != `{"name":"b"}` {
		t.Fatalf("a got %+v", toA)
	}
	if !toB.ShouldCreateOffer || string(toB.Userdata) != `{"name":"a"}` {
		t.Fatalf("b got %+v", toB)
	}
	aID, bID := toB.PeerID, toA.PeerID

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP}
	if err := b.RelaySessionDescription(ctx, aID, offer); err != nil {
		t.Fatalf("relay sd: %v", err)
	}
	msg, err := a.Recv(ctx)
	if err != nil {
		t.Fatalf("recv a: %v", err)
	}
	sd, ok := msg.(SessionDescriptionMsg)
	if !ok || sd.PeerID != bID {
		t.Fatalf("a got %+v", msg)
	}
	got, err := sd.Description()
	if err != nil || got.Type != webrtc.SDPTypeOffer || got.SDP != testSDP {
		t.Fatalf("description=%+v err=%v", got, err)
	}

	mid := "0"
	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host", SDPMid: &mid}
	if err := a.RelayICECandidate(ctx, bID, cand); err != nil {
		t.Fatalf("relay ice: %v", err)
	}
	msg, err = b.Recv(ctx)
	if err != nil {
		t.Fatalf("recv b: %v", err)
	}
	ic, ok := msg.(ICECandidateMsg)
	if !ok || ic.PeerID != aID {
		t.Fatalf("b got %+v", msg)
	}
	gotCand, err := ic.Candidate()
	if err != nil || gotCand.Candidate != cand.Candidate || gotCand.SDPMid == nil || *gotCand.SDPMid != "0" {
		t.Fatalf("candidate=%+v err=%v", gotCand, err)
	}
}

func TestWebsocketDisconnectNotifiesPeers(t *testing.T) {
	r := newTestRelay(t, ServerOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := r.dial(t, ctx, JSON)
	b := r.dial(t, ctx, JSON)
	if err := a.Join(ctx, "c1", nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := a.Join(ctx, "c2", nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, func() bool { return len(r.hub.MembersOf("c2")) == 1 })
	if err := b.Join(ctx, "c1", nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	aID := recvAddPeer(t, ctx, b).PeerID

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	msg, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if rp, ok := msg.(RemovePeerMsg); !ok || rp.PeerID != aID {
		t.Fatalf("b got %+v", msg)
	}
	waitFor(t, func() bool { return !r.hub.Connected(aID) })
	if got := r.hub.MembersOf("c2"); len(got) != 0 {
		t.Fatalf("c2 members=%v", got)
	}
}

func TestWebsocketMalformedInputKeepsConnection(t *testing.T) {
	r := newTestRelay(t, ServerOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := r.dial(t, ctx, JSON)
	b := r.dial(t, ctx, JSON)

	// Not JSON, wrong frame type, unknown event, missing field.
	if err := a.conn.Write(ctx, websocket.MessageText, []byte("{nope")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := a.conn.Write(ctx, websocket.MessageBinary, []byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := a.conn.Write(ctx, websocket.MessageText, []byte(`{"event":"shout","data":{}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := a.conn.Write(ctx, websocket.MessageText, []byte(`{"event":"join","data":{"userdata":1}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := a.Join(ctx, "room1", "a"); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, func() bool { return len(r.hub.MembersOf("room1")) == 1 })
	if err := b.Join(ctx, "room1", "b"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if ap := recvAddPeer(t, ctx, a); string(ap.Userdata) != `"b"` {
		t.Fatalf("a got %+v", ap)
	}
	if got := testutil.ToFloat64(r.hub.metrics.Dropped.WithLabelValues(DropMalformed)); got != 4 {
		t.Fatalf("malformed drops=%v, want 4", got)
	}
}

func TestWebsocketRelayToUnknownPeerIsSilent(t *testing.T) {
	r := newTestRelay(t, ServerOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := r.dial(t, ctx, JSON)
	if err := a.Send(ctx, RelayICECandidateMsg{PeerID: "gone", ICECandidate: json.RawMessage(`{"candidate":""}`)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, func() bool {
		return testutil.ToFloat64(r.hub.metrics.Dropped.WithLabelValues(DropUnknownPeer)) == 1
	})

	rctx, rcancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer rcancel()
	if msg, err := a.Recv(rctx); err == nil {
		t.Fatalf("a got %+v, want nothing", msg)
	}
}

func TestWebsocketStrictPayloads(t *testing.T) {
	r := newTestRelay(t, ServerOptions{StrictPayloads: true})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := r.dial(t, ctx, JSON)
	b := r.dial(t, ctx, JSON)
	if err := a.Join(ctx, "room1", nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, func() bool { return len(r.hub.MembersOf("room1")) == 1 })
	if err := b.Join(ctx, "room1", nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	aID := recvAddPeer(t, ctx, b).PeerID
	recvAddPeer(t, ctx, a)

	if err := b.RelayICECandidate(ctx, aID, webrtc.ICECandidateInit{Candidate: "candidate:garbage"}); err != nil {
		t.Fatalf("relay: %v", err)
	}
	if err := b.RelayICECandidate(ctx, aID, webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host"}); err != nil {
		t.Fatalf("relay: %v", err)
	}

	msg, err := a.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	ic, ok := msg.(ICECandidateMsg)
	if !ok {
		t.Fatalf("a got %T", msg)
	}
	if c, _ := ic.Candidate(); !strings.Contains(c.Candidate, "192.0.2.1") {
		t.Fatalf("a got %+v, want the valid candidate only", c)
	}
	if got := testutil.ToFloat64(r.hub.metrics.Dropped.WithLabelValues(DropInvalidPayload)); got != 1 {
		t.Fatalf("invalid_payload drops=%v, want 1", got)
	}
}

func TestWebsocketRateLimitClosesConnection(t *testing.T) {
	r := newTestRelay(t, ServerOptions{MessagesPerSecond: 1, MessageBurst: 2})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := r.dial(t, ctx, JSON)
	for i := 0; i < 5; i++ {
		// Writes may start failing once the server closes.
		_ = a.Part(ctx, vrelay.ChannelID("room"))
	}

	if _, err := a.Recv(ctx); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("err=%v, want policy violation close", err)
	}
	waitFor(t, func() bool { return r.hub.conns.Len() == 0 })
}

func TestWebsocketSendQueueOverflowDrops(t *testing.T) {
	m := NewMetrics(nil)
	p := &wsPeer{
		queue:   make(chan Outbound, 1),
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics: m,
	}
	p.Send(RemovePeerMsg{PeerID: "a"})
	p.Send(RemovePeerMsg{PeerID: "b"})

	if got := testutil.ToFloat64(m.Dropped.WithLabelValues(DropQueueFull)); got != 1 {
		t.Fatalf("queue_full drops=%v, want 1", got)
	}
	if got := (<-p.queue).(RemovePeerMsg).PeerID; got != "a" {
		t.Fatalf("queued=%s, want a", got)
	}
}
