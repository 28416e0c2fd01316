package vrelay

// ChannelID names a group of connections. The first join creates it.
type ChannelID string

// ConnID identifies one live signaling connection.
type ConnID string
