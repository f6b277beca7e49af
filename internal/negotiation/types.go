// Package negotiation drives one WebRTC peer connection per remote
// participant through offer/answer exchange: deterministic glare
// resolution, early-candidate buffering, and bounded ICE-restart
// recovery on failure.
package negotiation

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrTiming marks a media-engine failure caused by operating in the
// wrong signaling state. Timing conflicts resolve themselves on the
// next negotiation round, so the engine swallows them.
var ErrTiming = errors.New("signaling state conflict")

// Description is one half of an SDP exchange.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is an opaque ICE candidate as carried on the wire.
type Candidate = json.RawMessage

// SignalingState mirrors the media engine's signaling state.
type SignalingState string

const (
	Stable          SignalingState = "stable"
	HaveLocalOffer  SignalingState = "have-local-offer"
	HaveRemoteOffer SignalingState = "have-remote-offer"
)

// ICEConnectionState mirrors the media engine's ICE connection state.
type ICEConnectionState string

const (
	ICENew          ICEConnectionState = "new"
	ICEChecking     ICEConnectionState = "checking"
	ICEConnected    ICEConnectionState = "connected"
	ICECompleted    ICEConnectionState = "completed"
	ICEFailed       ICEConnectionState = "failed"
	ICEDisconnected ICEConnectionState = "disconnected"
	ICEClosed       ICEConnectionState = "closed"
)

// ConnectionState mirrors the media engine's aggregate connection state.
type ConnectionState string

const (
	ConnNew          ConnectionState = "new"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnFailed       ConnectionState = "failed"
	ConnDisconnected ConnectionState = "disconnected"
	ConnClosed       ConnectionState = "closed"
)

// LocalTrack is a ready-to-send local media track. The capture layer
// produces these; the engine only needs the kind for sender reuse.
type LocalTrack interface {
	Kind() string
}

// RemoteTrack is an incoming media track surfaced to the owning session.
type RemoteTrack interface {
	ID() string
	Kind() string
}

// MediaSession is the engine's contract with the underlying peer
// connection. One session per connection attempt; a rebuild discards
// the session and asks the factory for a fresh one.
type MediaSession interface {
	CreateOffer(iceRestart bool) (Description, error)
	CreateAnswer() (Description, error)
	SetLocalDescription(Description) error
	SetRemoteDescription(Description) error
	// Rollback discards an in-flight local offer, returning the
	// signaling state to stable.
	Rollback() error
	AddRemoteCandidate(Candidate) error
	SignalingState() SignalingState
	AttachTrack(LocalTrack) error
	Close() error
}

// SessionObserver receives the media session's asynchronous events.
// The engine itself implements this.
type SessionObserver interface {
	OnLocalCandidate(Candidate)
	OnGatheringComplete()
	OnRemoteTrack(RemoteTrack)
	OnICEConnectionStateChange(ICEConnectionState)
	OnConnectionStateChange(ConnectionState)
}

// MediaFactory builds a fresh media session wired to the observer.
type MediaFactory func(SessionObserver) (MediaSession, error)

// Report describes a negotiation error surfaced to the owning session.
type Report struct {
	PeerID   string
	Stage    string
	Message  string
	Details  string
	Terminal bool
}

// Observer is the engine's view of its owning session: outbound
// signaling plus the user-facing callbacks. Implementations must not
// call back into the engine synchronously.
type Observer interface {
	SendOffer(peerID string, d Description)
	SendAnswer(peerID string, d Description)
	SendCandidate(peerID string, c Candidate)
	SendGatheringComplete(peerID string)
	OnTrack(peerID string, t RemoteTrack)
	OnConnectionError(r Report)
	OnIceRestart(peerID string, attempt int)
}

// Scheduler is the retry-timer contract, satisfied by retry.Scheduler.
type Scheduler interface {
	Schedule(key string, delay time.Duration, fn func())
	Cancel(key string)
}

// Role is a pair's glare-resolution role.
type Role int

const (
	Polite Role = iota
	Impolite
)

func (r Role) String() string {
	if r == Polite {
		return "polite"
	}
	return "impolite"
}

// RoleFor computes the local role for a pair. Both ends evaluate the
// same rule independently: the lexicographically smaller participant id
// is polite. The direction is arbitrary; only agreement matters.
func RoleFor(selfID, peerID string) Role {
	if selfID < peerID {
		return Polite
	}
	return Impolite
}
