package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	vrelay "github.com/BrownNPC/VoiceRelay"
)

var (
	ErrAlreadyJoined = errors.New("already joined")
	ErrNotMember     = errors.New("not a member")
)

// Member is a snapshot of one channel member.
type Member struct {
	ID       vrelay.ConnID
	Userdata json.RawMessage
	conn     *Conn
}

// ChannelRegistry maps channels to their members. It also owns the
// per-connection channel set, so both sides of a membership change in the
// same call.
//
// ChannelRegistry is not safe for concurrent use; Hub serializes access.
type ChannelRegistry struct {
	channels map[vrelay.ChannelID]map[vrelay.ConnID]*Conn
}

func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{channels: make(map[vrelay.ChannelID]map[vrelay.ConnID]*Conn)}
}

// Join records userdata on c and adds it to channel. It returns the members
// that were present before c joined. A connection that is already a member
// is rejected with ErrAlreadyJoined; its userdata is still replaced.
func (r *ChannelRegistry) Join(channel vrelay.ChannelID, c *Conn, userdata json.RawMessage) ([]Member, error) {
	c.userdata = userdata

	if _, ok := c.channels[channel]; ok {
		return nil, fmt.Errorf("signaling.Join: %s in %q: %w", c.id, channel, ErrAlreadyJoined)
	}

	members, ok := r.channels[channel]
	if !ok {
		members = make(map[vrelay.ConnID]*Conn)
		r.channels[channel] = members
	}
	prior := snapshot(members)

	members[c.id] = c
	c.channels[channel] = struct{}{}
	return prior, nil
}

// Part removes c from channel and returns the members that remain.
// Empty channels are pruned.
func (r *ChannelRegistry) Part(channel vrelay.ChannelID, c *Conn) ([]Member, error) {
	if _, ok := c.channels[channel]; !ok {
		return nil, fmt.Errorf("signaling.Part: %s in %q: %w", c.id, channel, ErrNotMember)
	}

	delete(c.channels, channel)
	members := r.channels[channel]
	delete(members, c.id)
	if len(members) == 0 {
		delete(r.channels, channel)
		return nil, nil
	}
	return snapshot(members), nil
}

// MembersOf returns the ids in channel, sorted. Unknown channels are empty.
func (r *ChannelRegistry) MembersOf(channel vrelay.ChannelID) []vrelay.ConnID {
	members := r.channels[channel]
	out := make([]vrelay.ConnID, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of non-empty channels.
func (r *ChannelRegistry) Len() int {
	return len(r.channels)
}

func snapshot(members map[vrelay.ConnID]*Conn) []Member {
	out := make([]Member, 0, len(members))
	for id, c := range members {
		out = append(out, Member{ID: id, Userdata: c.userdata, conn: c})
	}
	slices.SortFunc(out, func(a, b Member) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}
