// Package client multiplexes named rooms over a single connection
// owned by a connectionmanager.Manager: Client decodes inbound frames
// and routes them to the addressed Channel, Channel.Broadcast encodes
// outbound frames and hands them to Client's send queue.
package client

import (
	"sync"

	"github.com/driftwire/presence/eventsource"
)

// PeerState carries a peer_state payload: who sent it and what they sent.
type PeerState struct {
	PeerID string
	Data   any
}

// DataEvent carries a decoded application broadcast.
type DataEvent struct {
	PeerID string
	Event  string
	Data   any
}

// Channel is one named room. Its lifetime is a lease set — the Client
// destroys it when the last lease releases (see Client.Join and the
// leave function it returns).
type Channel struct {
	id string

	mu    sync.Mutex
	state any

	leases int

	peerOnline  *eventsource.Source[string]
	peerOffline *eventsource.Source[string]
	peerState   *eventsource.Source[PeerState]
	data        *eventsource.Source[DataEvent]
	joined      *eventsource.Source[struct{}]

	broadcastFn func(event string, data any) error
}

func newChannel(id string, broadcastFn func(event string, data any) error) *Channel {
	return &Channel{
		id:          id,
		peerOnline:  eventsource.New[string](),
		peerOffline: eventsource.New[string](),
		peerState:   eventsource.New[PeerState](),
		data:        eventsource.New[DataEvent](),
		joined:      eventsource.New[struct{}](),
		broadcastFn: broadcastFn,
	}
}

// ID returns the channel's room id.
func (c *Channel) ID() string { return c.id }

// State returns the channel's locally-held opaque state map.
func (c *Channel) State() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState replaces the locally-held state. It does not, by itself,
// notify peers — call Broadcast or rely on the join handshake's
// peer_state step to propagate it.
func (c *Channel) SetState(state any) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// Broadcast encodes {event, data} and enqueues a data frame addressed
// to this channel.
func (c *Channel) Broadcast(event string, data any) error {
	return c.broadcastFn(event, data)
}

func (c *Channel) PeerOnline() *eventsource.Source[string]    { return c.peerOnline }
func (c *Channel) PeerOffline() *eventsource.Source[string]   { return c.peerOffline }
func (c *Channel) PeerState() *eventsource.Source[PeerState]  { return c.peerState }
func (c *Channel) Data() *eventsource.Source[DataEvent]       { return c.data }
func (c *Channel) Joined() *eventsource.Source[struct{}]      { return c.joined }

func (c *Channel) addLease() {
	c.mu.Lock()
	c.leases++
	c.mu.Unlock()
}

// releaseLease decrements the lease count and reports whether this was
// the last one (the caller should destroy the channel).
func (c *Channel) releaseLease() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leases <= 0 {
		return false
	}
	c.leases--
	return c.leases == 0
}
