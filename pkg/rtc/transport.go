package rtc

import (
	"context"

	"peercounsel/pkg/session"
)

// ConnectionState is the simplified transport state shared by the ICE
// sub-state and the aggregate connection state.
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// Degraded reports whether the state must start failure recovery.
func (s ConnectionState) Degraded() bool {
	return s == StateDisconnected || s == StateFailed
}

// Kind is a media kind.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track is a local capture track with an enabled flag.
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
	Stopped() bool
}

// Sender is an outbound slot carrying at most one track.
type Sender interface {
	// Track returns nil once the track was replaced with nothing.
	Track() Track
	ReplaceTrack(t Track) error
}

// Channel is a message channel multiplexed over the transport.
type Channel interface {
	OnOpen(fn func())
	OnMessage(fn func(data []byte))
	OnClose(fn func())
	SendText(text string) error
	Close() error
}

// Transport is the peer connection a negotiator drives.
type Transport interface {
	// CreateOffer creates the local offer and installs it as local description.
	CreateOffer() (session.Description, error)
	// CreateAnswer creates the local answer and installs it as local description.
	CreateAnswer() (session.Description, error)
	SetRemoteDescription(d session.Description) error
	AddICECandidate(c session.Candidate) error
	OnICECandidate(fn func(session.Candidate))
	OnConnectionStateChange(fn func(ConnectionState))
	OnICEConnectionStateChange(fn func(ConnectionState))
	AddTrack(t Track) (Sender, error)
	// RemoveTrack detaches a sender returned by AddTrack.
	RemoveTrack(s Sender) error
	Senders() []Sender
	// ControlChannel returns the pre-negotiated control channel. Both sides
	// must call it before the offer/answer exchange.
	ControlChannel() (Channel, error)
	// CanReplaceTrack reports whether tracks can be swapped on a live sender.
	CanReplaceTrack() bool
	Close() error
}

// Capturer acquires fresh local capture tracks.
type Capturer interface {
	Acquire(ctx context.Context, kind Kind) (Track, error)
}
