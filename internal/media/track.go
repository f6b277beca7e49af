package media

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/screenmesh/screenmesh/internal/negotiation"
)

// LocalTrack is a sample-fed outgoing track. The capture layer writes
// encoded frames through WriteFrame; everything else is pion plumbing.
type LocalTrack struct {
	inner *webrtc.TrackLocalStaticSample
}

// NewScreenTrack builds a VP8 video track for a screen share. streamID
// groups the track with the share announced over signaling.
func NewScreenTrack(streamID string) (*LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"screen",
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("new screen track: %w", err)
	}
	return &LocalTrack{inner: track}, nil
}

// Kind implements negotiation.LocalTrack.
func (t *LocalTrack) Kind() string {
	return t.inner.Kind().String()
}

// WriteFrame pushes one encoded frame with its display duration.
func (t *LocalTrack) WriteFrame(frame []byte, duration time.Duration) error {
	return t.inner.WriteSample(media.Sample{Data: frame, Duration: duration})
}

// RemoteTrack is an incoming track surfaced through the engine.
type RemoteTrack struct {
	tr *webrtc.TrackRemote
}

// ID implements negotiation.RemoteTrack.
func (t *RemoteTrack) ID() string { return t.tr.ID() }

// Kind implements negotiation.RemoteTrack.
func (t *RemoteTrack) Kind() string { return t.tr.Kind().String() }

// StreamID returns the share's stream id as announced by the sender.
func (t *RemoteTrack) StreamID() string { return t.tr.StreamID() }

// ReadRTP reads the next RTP packet's payload from the track.
func (t *RemoteTrack) ReadRTP() ([]byte, error) {
	pkt, _, err := t.tr.ReadRTP()
	if err != nil {
		return nil, err
	}
	return pkt.Payload, nil
}

func encodeCandidate(c *webrtc.ICECandidate) (negotiation.Candidate, error) {
	return json.Marshal(c.ToJSON())
}

func decodeCandidate(raw negotiation.Candidate) (webrtc.ICECandidateInit, error) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &init); err != nil {
		return webrtc.ICECandidateInit{}, err
	}
	return init, nil
}
