package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	vrelay "github.com/BrownNPC/VoiceRelay"
	"github.com/go4org/hashtriemap"
)

var ErrDuplicateConn = errors.New("connection id already registered")

// Sender delivers outbound messages to one client. Send must not block:
// delivery is fire-and-forget and a message that cannot be queued is dropped.
type Sender interface {
	Send(Outbound)
}

// Conn is the server-side handle of one live client.
//
// channels is a back-reference kept in lock-step with ChannelRegistry;
// only ChannelRegistry mutates it.
type Conn struct {
	id       vrelay.ConnID
	sender   Sender
	userdata json.RawMessage
	channels map[vrelay.ChannelID]struct{}
}

func newConn(id vrelay.ConnID, sender Sender) *Conn {
	return &Conn{
		id:       id,
		sender:   sender,
		userdata: json.RawMessage("null"),
		channels: make(map[vrelay.ChannelID]struct{}),
	}
}

func (c *Conn) ID() vrelay.ConnID { return c.id }

// Userdata is the payload of the connection's most recent join.
func (c *Conn) Userdata() json.RawMessage { return c.userdata }

// Channels returns the channels the connection belongs to, sorted.
func (c *Conn) Channels() []vrelay.ChannelID {
	out := make([]vrelay.ChannelID, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

// ConnectionRegistry maps connection ids to live connections.
type ConnectionRegistry struct {
	conns hashtriemap.HashTrieMap[vrelay.ConnID, *Conn]
	n     atomic.Int64
}

func (r *ConnectionRegistry) Register(c *Conn) error {
	if _, loaded := r.conns.LoadOrStore(c.id, c); loaded {
		return fmt.Errorf("signaling.Register: %s: %w", c.id, ErrDuplicateConn)
	}
	r.n.Add(1)
	return nil
}

// Lookup returns false when id is not live. This is expected for peers that
// have already disconnected.
func (r *ConnectionRegistry) Lookup(id vrelay.ConnID) (*Conn, bool) {
	return r.conns.Load(id)
}

// Remove is a no-op for unknown ids.
func (r *ConnectionRegistry) Remove(id vrelay.ConnID) {
	if _, ok := r.conns.LoadAndDelete(id); ok {
		r.n.Add(-1)
	}
}

func (r *ConnectionRegistry) Len() int {
	return int(r.n.Load())
}
