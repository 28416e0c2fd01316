package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"

	vrelay "github.com/BrownNPC/VoiceRelay"
	"github.com/BrownNPC/VoiceRelay/internal"
)

// Hub tracks channel membership and relays negotiation messages between
// connections. Every operation holds mu for its whole duration, so each
// inbound event is applied to both registries atomically.
type Hub struct {
	mu       sync.Mutex
	conns    ConnectionRegistry
	channels *ChannelRegistry
	log      *slog.Logger
	metrics  *Metrics
}

// Uses Default logger if log is nil.
// metrics can be nil, in which case unregistered collectors are used.
func NewHub(log *slog.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Hub{
		channels: NewChannelRegistry(),
		log:      log,
		metrics:  metrics,
	}
}

// Connect registers a new connection and returns its id.
func (h *Hub) Connect(s Sender) vrelay.ConnID {
	h.mu.Lock()
	defer h.mu.Unlock()

	// mu is held, so the id stays unique until Register.
	id := internal.GenerateUniqueConnID(h.isUnique)
	if err := h.conns.Register(newConn(id, s)); err != nil {
		panic(err)
	}
	h.metrics.Connections.Set(float64(h.conns.Len()))
	h.log.Info("Connection accepted", "conn", id)
	return id
}

// Disconnect parts every channel the connection belongs to, then releases
// its id. Unknown ids are ignored.
func (h *Hub) Disconnect(id vrelay.ConnID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns.Lookup(id)
	if !ok {
		return
	}
	for _, ch := range c.Channels() {
		h.part(c, ch)
	}
	h.conns.Remove(id)
	h.metrics.Connections.Set(float64(h.conns.Len()))
	h.log.Info("Disconnected", "conn", id)
}

// Handle applies one inbound message from connection id.
func (h *Hub) Handle(id vrelay.ConnID, msg Inbound) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns.Lookup(id)
	if !ok {
		h.log.Debug("message from unknown connection", "conn", id, "event", msg.Event())
		return
	}
	h.metrics.Inbound.WithLabelValues(string(msg.Event())).Inc()

	switch m := msg.(type) {
	case JoinMsg:
		h.join(c, m.Channel, m.Userdata)
	case PartMsg:
		h.part(c, m.Channel)
	case RelayICECandidateMsg:
		h.relay(c, m.PeerID, ICECandidateMsg{PeerID: c.id, ICECandidate: m.ICECandidate})
	case RelaySessionDescriptionMsg:
		h.relay(c, m.PeerID, SessionDescriptionMsg{PeerID: c.id, SessionDescription: m.SessionDescription})
	}
}

func (h *Hub) Join(id vrelay.ConnID, channel vrelay.ChannelID, userdata json.RawMessage) {
	h.Handle(id, JoinMsg{Channel: channel, Userdata: userdata})
}

func (h *Hub) Part(id vrelay.ConnID, channel vrelay.ChannelID) {
	h.Handle(id, PartMsg{Channel: channel})
}

func (h *Hub) RelayICECandidate(id, peer vrelay.ConnID, candidate json.RawMessage) {
	h.Handle(id, RelayICECandidateMsg{PeerID: peer, ICECandidate: candidate})
}

func (h *Hub) RelaySessionDescription(id, peer vrelay.ConnID, description json.RawMessage) {
	h.Handle(id, RelaySessionDescriptionMsg{PeerID: peer, SessionDescription: description})
}

// MembersOf returns the connection ids in channel.
func (h *Hub) MembersOf(channel vrelay.ChannelID) []vrelay.ConnID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channels.MembersOf(channel)
}

// ChannelsOf returns the channels connection id has joined.
func (h *Hub) ChannelsOf(id vrelay.ConnID) []vrelay.ChannelID {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns.Lookup(id)
	if !ok {
		return nil
	}
	return c.Channels()
}

// Connected reports whether id is a live connection.
func (h *Hub) Connected(id vrelay.ConnID) bool {
	_, ok := h.conns.Lookup(id)
	return ok
}

// The newcomer creates the offer towards every existing member, so each
// pair negotiates exactly once.
func (h *Hub) join(c *Conn, channel vrelay.ChannelID, userdata json.RawMessage) {
	h.log.Debug("joining", "conn", c.id, "channel", channel, "userdata", userdata)

	prior, err := h.channels.Join(channel, c, userdata)
	if err != nil {
		h.metrics.drop(DropAlreadyJoined)
		h.log.Debug("join rejected", "conn", c.id, "channel", channel, "error", err)
		return
	}
	for _, m := range prior {
		h.send(m.conn, AddPeerMsg{PeerID: c.id, ShouldCreateOffer: false, Userdata: c.userdata})
		h.send(c, AddPeerMsg{PeerID: m.ID, ShouldCreateOffer: true, Userdata: m.Userdata})
	}
	h.metrics.Channels.Set(float64(h.channels.Len()))
}

func (h *Hub) part(c *Conn, channel vrelay.ChannelID) {
	h.log.Debug("part", "conn", c.id, "channel", channel)

	remaining, err := h.channels.Part(channel, c)
	if err != nil {
		h.metrics.drop(DropNotMember)
		h.log.Debug("part rejected", "conn", c.id, "channel", channel, "error", err)
		return
	}
	for _, m := range remaining {
		h.send(m.conn, RemovePeerMsg{PeerID: c.id})
		h.send(c, RemovePeerMsg{PeerID: m.ID})
	}
	h.metrics.Channels.Set(float64(h.channels.Len()))
}

// relay forwards msg to peer. No membership check is made.
func (h *Hub) relay(from *Conn, peer vrelay.ConnID, msg Outbound) {
	to, ok := h.conns.Lookup(peer)
	if !ok {
		h.metrics.drop(DropUnknownPeer)
		h.log.Debug("relay target not connected", "conn", from.id, "peer", peer, "event", msg.Event())
		return
	}
	h.log.Debug("relaying", "conn", from.id, "peer", peer, "event", msg.Event())
	h.send(to, msg)
}

func (h *Hub) send(c *Conn, msg Outbound) {
	h.metrics.Outbound.WithLabelValues(string(msg.Event())).Inc()
	c.sender.Send(msg)
}

// Returns false if a connection with id is live.
func (h *Hub) isUnique(id vrelay.ConnID) bool {
	_, ok := h.conns.Lookup(id)
	return !ok
}
