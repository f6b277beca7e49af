// Package media adapts pion's RTCPeerConnection to the negotiation
// engine's MediaSession contract.
package media

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/rtcerr"

	"github.com/screenmesh/screenmesh/internal/config"
	"github.com/screenmesh/screenmesh/internal/negotiation"
)

// NewFactory returns a MediaFactory building peer connections with the
// configured ICE servers. The negotiation engine calls it once up front
// and again on every rebuild.
func NewFactory(cfg *config.Config, log *slog.Logger) negotiation.MediaFactory {
	if log == nil {
		log = slog.Default()
	}
	return func(obs negotiation.SessionObserver) (negotiation.MediaSession, error) {
		return newSession(cfg, obs, log)
	}
}

// Session wraps one *webrtc.PeerConnection.
type Session struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger
}

var _ negotiation.MediaSession = (*Session)(nil)

func newSession(cfg *config.Config, obs negotiation.SessionObserver, log *slog.Logger) (*Session, error) {
	iceServers := []webrtc.ICEServer{{URLs: cfg.STUNServers}}
	if turn := cfg.GetTURNServers(); len(turn) > 0 {
		user, pass := cfg.GetTURNCredentials()
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       turn,
			Username:   user,
			Credential: pass,
		})
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	s := &Session{pc: pc, log: log}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			obs.OnGatheringComplete()
			return
		}
		raw, err := encodeCandidate(c)
		if err != nil {
			log.Warn("candidate encode failed", "error", err)
			return
		}
		obs.OnLocalCandidate(raw)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		obs.OnICEConnectionStateChange(negotiation.ICEConnectionState(state.String()))
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		obs.OnConnectionStateChange(negotiation.ConnectionState(state.String()))
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		obs.OnRemoteTrack(&RemoteTrack{tr: tr})
	})

	return s, nil
}

// CreateOffer implements negotiation.MediaSession. Offers only carry
// the tracks actually attached; no receive-only transceivers are
// requested implicitly.
func (s *Session) CreateOffer(iceRestart bool) (negotiation.Description, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := s.pc.CreateOffer(opts)
	if err != nil {
		return negotiation.Description{}, classify(err)
	}
	return negotiation.Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer implements negotiation.MediaSession.
func (s *Session) CreateAnswer() (negotiation.Description, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return negotiation.Description{}, classify(err)
	}
	return negotiation.Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// SetLocalDescription implements negotiation.MediaSession.
func (s *Session) SetLocalDescription(d negotiation.Description) error {
	if err := s.pc.SetLocalDescription(toSessionDescription(d)); err != nil {
		return classify(err)
	}
	return nil
}

// SetRemoteDescription implements negotiation.MediaSession.
func (s *Session) SetRemoteDescription(d negotiation.Description) error {
	if err := s.pc.SetRemoteDescription(toSessionDescription(d)); err != nil {
		return classify(err)
	}
	return nil
}

// Rollback discards the in-flight local offer.
func (s *Session) Rollback() error {
	err := s.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
	if err != nil {
		return classify(err)
	}
	return nil
}

// AddRemoteCandidate implements negotiation.MediaSession.
func (s *Session) AddRemoteCandidate(c negotiation.Candidate) error {
	init, err := decodeCandidate(c)
	if err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		return classify(err)
	}
	return nil
}

// SignalingState implements negotiation.MediaSession.
func (s *Session) SignalingState() negotiation.SignalingState {
	switch s.pc.SignalingState() {
	case webrtc.SignalingStateStable:
		return negotiation.Stable
	case webrtc.SignalingStateHaveLocalOffer:
		return negotiation.HaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer:
		return negotiation.HaveRemoteOffer
	default:
		return negotiation.SignalingState(s.pc.SignalingState().String())
	}
}

// AttachTrack adds the track, reusing an existing sender of the same
// media kind so the offer's media-line order stays stable across
// stop/share cycles.
func (s *Session) AttachTrack(lt negotiation.LocalTrack) error {
	track, ok := lt.(*LocalTrack)
	if !ok {
		return fmt.Errorf("unsupported track type %T", lt)
	}

	for _, sender := range s.pc.GetSenders() {
		existing := sender.Track()
		if existing != nil && existing.Kind() == track.inner.Kind() {
			if err := sender.ReplaceTrack(track.inner); err != nil {
				return classify(err)
			}
			return nil
		}
	}

	if _, err := s.pc.AddTrack(track.inner); err != nil {
		return classify(err)
	}
	return nil
}

// Close implements negotiation.MediaSession.
func (s *Session) Close() error {
	return s.pc.Close()
}

func toSessionDescription(d negotiation.Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

// classify tags signaling-state conflicts as timing errors so the
// engine can swallow them.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var invalidState *rtcerr.InvalidStateError
	var invalidMod *rtcerr.InvalidModificationError
	if errors.As(err, &invalidState) || errors.As(err, &invalidMod) {
		return fmt.Errorf("%w: %v", negotiation.ErrTiming, err)
	}
	return err
}
