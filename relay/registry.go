// Package relay ties the engine together: a synchronizer reconciles the
// subscribed channel set against live push sockets, inbound chat flows
// through the command engine, and outbound replies go through the outbox.
package relay

import (
	"sync"
	"time"

	"github.com/onnwee/relaybot/telemetry"
)

// Socket is the part of a push connection the registry owns. The concrete
// type is pubsub.Conn; tests substitute a recorder.
type Socket interface {
	Stop()
}

// ChannelRuntime is the in-memory state for one served channel. It is
// rebuilt whenever the synchronizer reconciles and destroyed when the
// channel is unsubscribed; nothing here is persisted.
type ChannelRuntime struct {
	ChannelID  string
	ChannelURL string
	OwnerID    string

	// Last-known live stream id, used to detect online/offline edges.
	// Empty means offline.
	StreamID  string
	LiveSince time.Time

	socket Socket
}

// Registry owns the channel -> runtime map. All mutation goes through
// explicit insert/remove so shutdown and reconciliation are testable.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*ChannelRuntime
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*ChannelRuntime)}
}

// Lookup returns a copy of the channel's runtime state.
func (r *Registry) Lookup(channelID string) (ChannelRuntime, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.channels[channelID]
	if !ok {
		return ChannelRuntime{}, false
	}
	return *rt, true
}

// Replace installs a fresh runtime for the channel, stopping any previous
// socket first.
func (r *Registry) Replace(rt *ChannelRuntime, socket Socket) {
	r.mu.Lock()
	prev := r.channels[rt.ChannelID]
	rt.socket = socket
	r.channels[rt.ChannelID] = rt
	n := len(r.channels)
	r.mu.Unlock()
	if prev != nil && prev.socket != nil {
		prev.socket.Stop()
	}
	telemetry.SetConnectedChannels(n)
}

// Remove stops the channel's socket and discards its runtime.
func (r *Registry) Remove(channelID string) {
	r.mu.Lock()
	rt := r.channels[channelID]
	delete(r.channels, channelID)
	n := len(r.channels)
	r.mu.Unlock()
	if rt != nil && rt.socket != nil {
		rt.socket.Stop()
	}
	telemetry.SetConnectedChannels(n)
}

// IDs returns the currently registered channel ids.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.channels))
	for id := range r.channels {
		out = append(out, id)
	}
	return out
}

// SetLive records a live-state edge observed by the synchronizer.
func (r *Registry) SetLive(channelID, streamID string, since time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rt, ok := r.channels[channelID]; ok {
		rt.StreamID = streamID
		rt.LiveSince = since
	}
}

// Live implements the command engine's live-status lookup.
func (r *Registry) Live(channelID string) (bool, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.channels[channelID]
	if !ok || rt.StreamID == "" {
		return false, time.Time{}
	}
	return true, rt.LiveSince
}

// StopAll tears down every socket; used during shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	rts := make([]*ChannelRuntime, 0, len(r.channels))
	for _, rt := range r.channels {
		rts = append(rts, rt)
	}
	r.channels = make(map[string]*ChannelRuntime)
	r.mu.Unlock()
	for _, rt := range rts {
		if rt.socket != nil {
			rt.socket.Stop()
		}
	}
	telemetry.SetConnectedChannels(0)
}
