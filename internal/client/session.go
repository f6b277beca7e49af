package client

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/screenmesh/screenmesh/internal/config"
	"github.com/screenmesh/screenmesh/internal/nat"
	"github.com/screenmesh/screenmesh/internal/negotiation"
	"github.com/screenmesh/screenmesh/internal/session"
	"github.com/screenmesh/screenmesh/internal/signaling"
)

// transport is the outbound half of the server connection. *Conn
// satisfies it; tests substitute a fake.
type transport interface {
	Send(msg *signaling.Message)
}

// Session is one participant's view of a room. It owns a negotiation
// engine per remote peer and routes incoming signaling to them, while
// surfacing membership and media events to the UI layer.
type Session struct {
	transport  transport
	factory    negotiation.MediaFactory
	scheduler  negotiation.Scheduler
	retryDelay time.Duration
	maxRetries int
	log        *slog.Logger

	mu      sync.Mutex
	selfID  string
	room    *session.RoomSnapshot
	engines map[string]*negotiation.Engine
	track   negotiation.LocalTrack
	sharing bool

	// Event channels consumed by the UI layer.
	RoomCreated    chan *session.RoomSnapshot
	RoomJoined     chan *session.RoomSnapshot
	UserJoined     chan *session.MemberInfo
	UserLeft       chan string
	SharingStarted chan *session.StreamInfo
	SharingStopped chan string
	Tracks         chan negotiation.RemoteTrack
	NATDetected    chan *nat.Classification
	RoomsList      chan []session.RoomSummary
	RoomInfos      chan *session.RoomSnapshot
	Restarts       chan string
	Errors         chan string
}

// NewSession wires a session to its transport and media factory.
func NewSession(t transport, cfg *config.Config, factory negotiation.MediaFactory, scheduler negotiation.Scheduler, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		transport:  t,
		factory:    factory,
		scheduler:  scheduler,
		retryDelay: cfg.RetryDelay,
		maxRetries: cfg.MaxRetries,
		log:        log,
		engines:    make(map[string]*negotiation.Engine),

		RoomCreated:    make(chan *session.RoomSnapshot, 1),
		RoomJoined:     make(chan *session.RoomSnapshot, 1),
		UserJoined:     make(chan *session.MemberInfo, 16),
		UserLeft:       make(chan string, 16),
		SharingStarted: make(chan *session.StreamInfo, 16),
		SharingStopped: make(chan string, 16),
		Tracks:         make(chan negotiation.RemoteTrack, 16),
		NATDetected:    make(chan *nat.Classification, 1),
		RoomsList:      make(chan []session.RoomSummary, 1),
		RoomInfos:      make(chan *session.RoomSnapshot, 1),
		Restarts:       make(chan string, 16),
		Errors:         make(chan string, 16),
	}
}

// SelfID returns the participant id assigned by the server, or "" if
// no room has been entered yet.
func (s *Session) SelfID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfID
}

// Run consumes incoming messages until the channel closes.
func (s *Session) Run(in <-chan *signaling.Message) {
	for msg := range in {
		s.handle(msg)
	}
}

// ---- commands ----

// CreateRoom asks the server for a fresh room with this participant as
// owner.
func (s *Session) CreateRoom(name, nickname, password string, maxMembers int) {
	s.transport.Send(signaling.NewMessage(signaling.TypeCreateRoom, signaling.CreateRoomRequest{
		RoomName:   name,
		Nickname:   nickname,
		Password:   password,
		MaxMembers: maxMembers,
	}))
}

// JoinRoom enters an existing room by its code.
func (s *Session) JoinRoom(roomID, nickname, password string) {
	s.transport.Send(signaling.NewMessage(signaling.TypeJoinRoom, signaling.JoinRoomRequest{
		RoomID:   roomID,
		Nickname: nickname,
		Password: password,
	}))
}

// Leave exits the current room and tears down every peer connection.
func (s *Session) Leave() {
	s.transport.Send(signaling.NewMessage(signaling.TypeLeaveRoom, nil))

	s.mu.Lock()
	engines := s.takeEnginesLocked()
	s.room = nil
	s.selfID = ""
	s.sharing = false
	s.track = nil
	s.mu.Unlock()

	for _, e := range engines {
		e.Close()
	}
}

// StartSharing announces the share and opens a connection toward every
// current member.
func (s *Session) StartSharing(req signaling.StartSharingRequest, track negotiation.LocalTrack) {
	s.mu.Lock()
	s.track = track
	s.sharing = true
	var peers []string
	if s.room != nil {
		for _, m := range s.room.Members {
			if m.ID != s.selfID {
				peers = append(peers, m.ID)
			}
		}
	}
	s.mu.Unlock()

	s.transport.Send(signaling.NewMessage(signaling.TypeStartSharing, req))

	for _, peerID := range peers {
		eng := s.ensureEngine(peerID)
		if eng == nil {
			continue
		}
		if err := eng.AttachTrack(track); err != nil {
			continue
		}
		eng.Negotiate()
	}
}

// StopSharing ends the share. Peer connections stay up; the next share
// replaces the track in place.
func (s *Session) StopSharing() {
	s.mu.Lock()
	s.sharing = false
	s.track = nil
	s.mu.Unlock()

	s.transport.Send(signaling.NewMessage(signaling.TypeStopSharing, nil))
}

// DetectNAT asks the server to classify this client's NAT.
func (s *Session) DetectNAT() {
	s.transport.Send(signaling.NewMessage(signaling.TypeDetectNATType, nil))
}

// ListRooms requests the lobby listing.
func (s *Session) ListRooms() {
	s.transport.Send(signaling.NewMessage(signaling.TypeGetRooms, nil))
}

// RoomInfo requests a single room's snapshot without joining it.
func (s *Session) RoomInfo(roomID string) {
	s.transport.Send(signaling.NewMessage(signaling.TypeGetRoomInfo, signaling.GetRoomInfoRequest{RoomID: roomID}))
}

// Close tears down all peer connections without signaling a leave.
func (s *Session) Close() {
	s.mu.Lock()
	engines := s.takeEnginesLocked()
	s.mu.Unlock()

	for _, e := range engines {
		e.Close()
	}
}

// ---- inbound dispatch ----

func (s *Session) handle(msg *signaling.Message) {
	switch msg.Type {
	case signaling.TypeRoomCreated:
		var p signaling.RoomCreatedPayload
		if !s.decode(msg, &p) {
			return
		}
		s.mu.Lock()
		s.selfID = p.UserID
		s.room = &p.Room
		s.mu.Unlock()
		emit(s.RoomCreated, &p.Room)

	case signaling.TypeRoomJoined:
		var p signaling.RoomJoinedPayload
		if !s.decode(msg, &p) {
			return
		}
		s.mu.Lock()
		s.selfID = p.UserID
		s.room = &p.Room
		s.mu.Unlock()
		emit(s.RoomJoined, &p.Room)

	case signaling.TypeUserJoined:
		var p signaling.UserJoinedPayload
		if !s.decode(msg, &p) {
			return
		}
		s.mu.Lock()
		if s.room != nil {
			s.room.Members = append(s.room.Members, p.User)
		}
		sharing := s.sharing
		track := s.track
		s.mu.Unlock()

		emit(s.UserJoined, &p.User)

		// A sharer opens a connection toward every newcomer.
		if sharing {
			if eng := s.ensureEngine(p.User.ID); eng != nil {
				if err := eng.AttachTrack(track); err == nil {
					eng.Negotiate()
				}
			}
		}

	case signaling.TypeUserLeft:
		var p signaling.UserLeftPayload
		if !s.decode(msg, &p) {
			return
		}
		s.mu.Lock()
		eng := s.engines[p.UserID]
		delete(s.engines, p.UserID)
		if s.room != nil {
			s.dropMemberLocked(p.UserID)
			if p.NewOwnerID != "" {
				s.room.OwnerID = p.NewOwnerID
			}
		}
		s.mu.Unlock()
		if eng != nil {
			eng.Close()
		}
		emit(s.UserLeft, p.UserID)

	case signaling.TypeUserStartedSharing:
		var p signaling.UserStartedSharingPayload
		if !s.decode(msg, &p) {
			return
		}
		emit(s.SharingStarted, &p.Stream)

	case signaling.TypeUserStoppedSharing:
		var p signaling.UserStoppedSharingPayload
		if !s.decode(msg, &p) {
			return
		}
		emit(s.SharingStopped, p.StreamID)

	case signaling.TypeReceiveOffer:
		var p signaling.ReceiveDescriptionPayload
		if !s.decode(msg, &p) {
			return
		}
		if eng := s.ensureEngine(p.FromUserID); eng != nil {
			eng.HandleRemoteDescription(negotiation.Description{
				Type: p.Description.Type,
				SDP:  p.Description.SDP,
			})
		}

	case signaling.TypeReceiveAnswer:
		var p signaling.ReceiveDescriptionPayload
		if !s.decode(msg, &p) {
			return
		}
		s.mu.Lock()
		eng := s.engines[p.FromUserID]
		s.mu.Unlock()
		if eng == nil {
			s.log.Debug("answer for unknown pair dropped", "from", p.FromUserID)
			return
		}
		eng.HandleRemoteDescription(negotiation.Description{
			Type: p.Description.Type,
			SDP:  p.Description.SDP,
		})

	case signaling.TypeReceiveICE:
		var p signaling.ReceiveCandidatePayload
		if !s.decode(msg, &p) {
			return
		}
		if eng := s.ensureEngine(p.FromUserID); eng != nil {
			eng.HandleRemoteCandidate(negotiation.Candidate(p.Candidate))
		}

	case signaling.TypeNATTypeDetected:
		var p signaling.NATTypeDetectedPayload
		if !s.decode(msg, &p) {
			return
		}
		emit(s.NATDetected, &p.Classification)

	case signaling.TypeRoomsList:
		var p signaling.RoomsListPayload
		if !s.decode(msg, &p) {
			return
		}
		emit(s.RoomsList, p.Rooms)

	case signaling.TypeRoomInfo:
		var p signaling.RoomInfoPayload
		if !s.decode(msg, &p) {
			return
		}
		emit(s.RoomInfos, &p.Room)

	case signaling.TypeError:
		var p signaling.ErrorPayload
		if !s.decode(msg, &p) {
			return
		}
		emit(s.Errors, fmt.Sprintf("%s: %s", p.Code, p.Message))

	default:
		s.log.Debug("unhandled message type", "type", msg.Type)
	}
}

// ensureEngine returns the peer's engine, building one on first use.
func (s *Session) ensureEngine(peerID string) *negotiation.Engine {
	s.mu.Lock()
	if eng, ok := s.engines[peerID]; ok {
		s.mu.Unlock()
		return eng
	}
	selfID := s.selfID
	s.mu.Unlock()

	eng, err := negotiation.New(negotiation.Config{
		SelfID:     selfID,
		PeerID:     peerID,
		Factory:    s.factory,
		Observer:   s,
		Scheduler:  s.scheduler,
		RetryDelay: s.retryDelay,
		MaxRetries: s.maxRetries,
		Log:        s.log,
	})
	if err != nil {
		s.log.Error("engine creation failed", "peer", peerID, "error", err)
		emit(s.Errors, fmt.Sprintf("connection setup with %s failed: %v", peerID, err))
		return nil
	}

	s.mu.Lock()
	if existing, ok := s.engines[peerID]; ok {
		s.mu.Unlock()
		eng.Close()
		return existing
	}
	s.engines[peerID] = eng
	s.mu.Unlock()
	return eng
}

func (s *Session) takeEnginesLocked() []*negotiation.Engine {
	engines := make([]*negotiation.Engine, 0, len(s.engines))
	for _, e := range s.engines {
		engines = append(engines, e)
	}
	s.engines = make(map[string]*negotiation.Engine)
	return engines
}

func (s *Session) dropMemberLocked(userID string) {
	members := s.room.Members[:0]
	for _, m := range s.room.Members {
		if m.ID != userID {
			members = append(members, m)
		}
	}
	s.room.Members = members
}

func (s *Session) decode(msg *signaling.Message, into any) bool {
	if err := json.Unmarshal(msg.Payload, into); err != nil {
		s.log.Warn("bad payload from server", "type", msg.Type, "error", err)
		return false
	}
	return true
}

// emit delivers on a UI channel without ever blocking the signaling
// loop; a full channel drops the event.
func emit[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// ---- negotiation.Observer ----

func (s *Session) SendOffer(peerID string, d negotiation.Description) {
	s.transport.Send(signaling.NewMessage(signaling.TypeSendOffer, signaling.SendDescriptionPayload{
		TargetUserID: peerID,
		Description:  signaling.Description{Type: d.Type, SDP: d.SDP},
	}))
}

func (s *Session) SendAnswer(peerID string, d negotiation.Description) {
	s.transport.Send(signaling.NewMessage(signaling.TypeSendAnswer, signaling.SendDescriptionPayload{
		TargetUserID: peerID,
		Description:  signaling.Description{Type: d.Type, SDP: d.SDP},
	}))
}

func (s *Session) SendCandidate(peerID string, c negotiation.Candidate) {
	s.transport.Send(signaling.NewMessage(signaling.TypeSendICECandidate, signaling.SendCandidatePayload{
		TargetUserID: peerID,
		Candidate:    c,
	}))
}

func (s *Session) SendGatheringComplete(peerID string) {
	s.transport.Send(signaling.NewMessage(signaling.TypeGatheringComplete, signaling.GatheringCompletePayload{
		TargetUserID: peerID,
	}))
}

func (s *Session) OnTrack(peerID string, t negotiation.RemoteTrack) {
	s.log.Info("remote track received", "peer", peerID, "kind", t.Kind())
	emit(s.Tracks, t)
}

func (s *Session) OnConnectionError(r negotiation.Report) {
	emit(s.Errors, fmt.Sprintf("peer %s failed at %s: %s", r.PeerID, r.Stage, r.Message))
	if r.Terminal {
		// The engine has already closed itself; just forget it.
		s.mu.Lock()
		delete(s.engines, r.PeerID)
		s.mu.Unlock()
	}
}

func (s *Session) OnIceRestart(peerID string, attempt int) {
	s.log.Info("reconnecting to peer", "peer", peerID, "attempt", attempt)
	emit(s.Restarts, peerID)
}
