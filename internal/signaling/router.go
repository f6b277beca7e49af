package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/screenmesh/screenmesh/internal/coordinator"
	"github.com/screenmesh/screenmesh/internal/nat"
	"github.com/screenmesh/screenmesh/internal/session"
)

// Sender is one participant's outbound delivery path. *Client satisfies
// it; tests substitute fakes.
type Sender interface {
	Deliver(msg *Message)
}

// Router validates and relays all signaling traffic. A negotiation
// message is only forwarded when sender and target both exist and share
// a room; nothing is forwarded speculatively.
type Router struct {
	registry   *session.Registry
	coord      *coordinator.Coordinator
	classifier nat.Classifier
	log        *slog.Logger

	// coordinationOn gates pair registration on start_sharing.
	coordinationOn bool

	mu      sync.Mutex
	conns   map[string]Sender             // connection handle -> sender
	natInfo map[string]nat.Classification // participant id -> last probe
}

// NewRouter wires the router to its collaborators.
func NewRouter(registry *session.Registry, coord *coordinator.Coordinator, classifier nat.Classifier, coordinationOn bool, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		registry:       registry,
		coord:          coord,
		classifier:     classifier,
		log:            log,
		coordinationOn: coordinationOn,
		conns:          make(map[string]Sender),
		natInfo:        make(map[string]nat.Classification),
	}
}

// Attach registers a connection's delivery path.
func (r *Router) Attach(connHandle string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connHandle] = s
}

// Detach runs the disconnect path: the participant (if any) leaves
// their room exactly as if they had sent leave_room.
func (r *Router) Detach(connHandle string) {
	if p, ok := r.registry.ParticipantByConn(connHandle); ok {
		r.leave(p)
	}
	r.mu.Lock()
	delete(r.conns, connHandle)
	r.mu.Unlock()
}

// HandleCreateRoom services create_room.
func (r *Router) HandleCreateRoom(connHandle string, req CreateRoomRequest) {
	// One live participant per connection: an implicit leave first.
	if p, ok := r.registry.ParticipantByConn(connHandle); ok {
		r.leave(p)
	}

	snap, ownerID, err := r.registry.CreateRoom(session.CreateRoomRequest{
		Name:       req.RoomName,
		Nickname:   req.Nickname,
		Password:   req.Password,
		MaxMembers: req.MaxMembers,
	}, connHandle)
	if err != nil {
		r.sendError(connHandle, err)
		return
	}

	r.sendTo(connHandle, NewMessage(TypeRoomCreated, RoomCreatedPayload{Room: *snap, UserID: ownerID}))
}

// HandleJoinRoom services join_room.
func (r *Router) HandleJoinRoom(connHandle string, req JoinRoomRequest) {
	if p, ok := r.registry.ParticipantByConn(connHandle); ok {
		r.leave(p)
	}

	snap, participantID, err := r.registry.JoinRoom(req.RoomID, req.Nickname, req.Password, connHandle)
	if err != nil {
		r.sendError(connHandle, err)
		return
	}

	r.sendTo(connHandle, NewMessage(TypeRoomJoined, RoomJoinedPayload{Room: *snap, UserID: participantID}))

	joined, _ := r.registry.ParticipantByID(participantID)
	r.broadcast(req.RoomID, participantID, NewMessage(TypeUserJoined, UserJoinedPayload{
		RoomID: req.RoomID,
		User: session.MemberInfo{
			ID:        joined.ID,
			Nickname:  joined.Nickname,
			IsHost:    joined.IsHost,
			IsSharing: joined.IsSharing,
			StreamID:  joined.StreamID,
			JoinedAt:  joined.JoinedAt,
		},
	}))
}

// HandleLeaveRoom services leave_room.
func (r *Router) HandleLeaveRoom(connHandle string) {
	p, ok := r.registry.ParticipantByConn(connHandle)
	if !ok {
		r.sendError(connHandle, &session.Error{Code: session.CodeUserNotFound, Message: "not in a room"})
		return
	}
	r.leave(p)
}

// leave runs the shared leave flow: registry removal, coordination
// cleanup, and the user_left broadcast to the remaining members.
func (r *Router) leave(p session.Participant) {
	result, ok := r.registry.LeaveRoom(p.ID)
	if !ok {
		return
	}

	r.coord.CancelAll(p.ID)
	r.mu.Lock()
	delete(r.natInfo, p.ID)
	r.mu.Unlock()

	if result.RoomDeleted {
		return
	}
	r.broadcast(result.RoomID, p.ID, NewMessage(TypeUserLeft, UserLeftPayload{
		UserID:     p.ID,
		RoomID:     result.RoomID,
		NewOwnerID: result.NewOwnerID,
	}))
}

// HandleStartSharing services start_sharing. Besides the broadcast, the
// sharer is registered against every other member with the coordinator
// when either side's NAT requires synchronized release, so the pair's
// candidate policy is established before any candidate arrives.
func (r *Router) HandleStartSharing(connHandle string, req StartSharingRequest) {
	p, ok := r.registry.ParticipantByConn(connHandle)
	if !ok {
		r.sendError(connHandle, &session.Error{Code: session.CodeUserNotFound, Message: "not in a room"})
		return
	}

	info, err := r.registry.StartSharing(p.ID, session.ShareRequest{
		SourceName: req.SourceName,
		SourceKind: session.SourceKind(req.SourceKind),
		Width:      req.Width,
		Height:     req.Height,
		FrameRate:  req.FrameRate,
	})
	if err != nil {
		r.sendError(connHandle, err)
		return
	}

	if r.coordinationOn {
		r.registerCoordinationPairs(p.ID, p.RoomID)
	}

	r.broadcast(p.RoomID, p.ID, NewMessage(TypeUserStartedSharing, UserStartedSharingPayload{
		UserID: p.ID,
		Stream: *info,
	}))
}

func (r *Router) registerCoordinationPairs(sharerID, roomID string) {
	r.mu.Lock()
	sharerNAT, sharerKnown := r.natInfo[sharerID]
	r.mu.Unlock()

	for _, member := range r.registry.RoomMembers(roomID) {
		if member.ID == sharerID {
			continue
		}
		r.mu.Lock()
		memberNAT, memberKnown := r.natInfo[member.ID]
		r.mu.Unlock()

		needsSync := (sharerKnown && sharerNAT.RequiresSync) || (memberKnown && memberNAT.RequiresSync)
		if needsSync {
			r.coord.Register(sharerID, member.ID)
			r.log.Info("coordination enabled for pair", "sharer", sharerID, "member", member.ID)
		}
	}
}

// HandleStopSharing services stop_sharing.
func (r *Router) HandleStopSharing(connHandle string) {
	p, ok := r.registry.ParticipantByConn(connHandle)
	if !ok {
		r.sendError(connHandle, &session.Error{Code: session.CodeUserNotFound, Message: "not in a room"})
		return
	}

	streamID, roomID, err := r.registry.StopSharing(p.ID)
	if err != nil {
		r.sendError(connHandle, err)
		return
	}

	r.broadcast(roomID, p.ID, NewMessage(TypeUserStoppedSharing, UserStoppedSharingPayload{
		UserID:   p.ID,
		StreamID: streamID,
	}))
}

// HandleOffer services send_offer.
func (r *Router) HandleOffer(connHandle string, req SendDescriptionPayload) {
	r.relayDescription(connHandle, req, TypeReceiveOffer)
}

// HandleAnswer services send_answer.
func (r *Router) HandleAnswer(connHandle string, req SendDescriptionPayload) {
	r.relayDescription(connHandle, req, TypeReceiveAnswer)
}

func (r *Router) relayDescription(connHandle string, req SendDescriptionPayload, outType string) {
	from, target, err := r.authorizeRoute(connHandle, req.TargetUserID)
	if err != nil {
		r.sendError(connHandle, err)
		return
	}

	r.sendTo(target.ConnHandle, NewMessage(outType, ReceiveDescriptionPayload{
		FromUserID:  from.ID,
		Description: req.Description,
	}))
}

// HandleCandidate services send_ice_candidate. Candidates for pairs
// under coordination are buffered; everything else trickles through.
func (r *Router) HandleCandidate(connHandle string, req SendCandidatePayload) {
	from, target, err := r.authorizeRoute(connHandle, req.TargetUserID)
	if err != nil {
		r.sendError(connHandle, err)
		return
	}

	if forwardNow := r.coord.Add(from.ID, target.ID, req.Candidate); !forwardNow {
		r.log.Debug("candidate held for synchronized release", "from", from.ID, "to", target.ID)
		return
	}

	r.sendTo(target.ConnHandle, NewMessage(TypeReceiveICE, ReceiveCandidatePayload{
		FromUserID: from.ID,
		Candidate:  req.Candidate,
	}))
}

// HandleGatheringComplete services ice_gathering_complete.
func (r *Router) HandleGatheringComplete(connHandle string, req GatheringCompletePayload) {
	from, ok := r.registry.ParticipantByConn(connHandle)
	if !ok {
		r.log.Debug("gathering-complete from unknown connection", "conn", connHandle)
		return
	}
	r.coord.MarkReady(from.ID, req.TargetUserID, r.deliverCandidates)
}

// deliverCandidates is the coordinator's release path.
func (r *Router) deliverCandidates(fromID, toID string, candidates []json.RawMessage) {
	target, ok := r.registry.ParticipantByID(toID)
	if !ok {
		r.log.Debug("release target gone, dropping candidates", "to", toID)
		return
	}
	for _, c := range candidates {
		r.sendTo(target.ConnHandle, NewMessage(TypeReceiveICE, ReceiveCandidatePayload{
			FromUserID: fromID,
			Candidate:  c,
		}))
	}
}

// HandleDetectNAT services detect_nat_type using the connection's
// observed remote address.
func (r *Router) HandleDetectNAT(connHandle, remoteAddr string) {
	result, err := r.classifier.Classify(context.Background(), remoteAddr)
	if err != nil {
		r.sendError(connHandle, &session.Error{Code: session.CodeUnknown, Message: "NAT detection failed"})
		return
	}

	if p, ok := r.registry.ParticipantByConn(connHandle); ok {
		r.mu.Lock()
		r.natInfo[p.ID] = result
		r.mu.Unlock()
	}

	r.sendTo(connHandle, NewMessage(TypeNATTypeDetected, NATTypeDetectedPayload{Classification: result}))
}

// HandleGetRooms services get_rooms.
func (r *Router) HandleGetRooms(connHandle string) {
	r.sendTo(connHandle, NewMessage(TypeRoomsList, RoomsListPayload{Rooms: r.registry.ListRooms()}))
}

// HandleGetRoomInfo services get_room_info.
func (r *Router) HandleGetRoomInfo(connHandle string, req GetRoomInfoRequest) {
	snap := r.registry.Snapshot(req.RoomID)
	if snap == nil {
		r.sendError(connHandle, &session.Error{Code: session.CodeRoomNotFound, Message: "room not found"})
		return
	}
	r.sendTo(connHandle, NewMessage(TypeRoomInfo, RoomInfoPayload{Room: *snap}))
}

// authorizeRoute checks that the sending connection maps to a live
// participant, the target exists, and both share a room.
func (r *Router) authorizeRoute(connHandle, targetUserID string) (session.Participant, session.Participant, error) {
	from, ok := r.registry.ParticipantByConn(connHandle)
	if !ok {
		return session.Participant{}, session.Participant{}, &session.Error{
			Code: session.CodeUserNotFound, Message: "sender is not in a room",
		}
	}
	target, ok := r.registry.ParticipantByID(targetUserID)
	if !ok {
		return session.Participant{}, session.Participant{}, &session.Error{
			Code: session.CodeUserNotFound, Message: "target user not found",
		}
	}
	if from.RoomID != target.RoomID {
		return session.Participant{}, session.Participant{}, &session.Error{
			Code: session.CodeConnectionFailed, Message: "sender and target are not in the same room",
		}
	}
	return from, target, nil
}

// broadcast sends msg to every member of the room except the excluded
// participant.
func (r *Router) broadcast(roomID, exceptID string, msg *Message) {
	for _, member := range r.registry.RoomMembers(roomID) {
		if member.ID == exceptID {
			continue
		}
		r.sendTo(member.ConnHandle, msg)
	}
}

func (r *Router) sendTo(connHandle string, msg *Message) {
	r.mu.Lock()
	s, ok := r.conns[connHandle]
	r.mu.Unlock()
	if !ok {
		r.log.Debug("no sender for connection, dropping message", "conn", connHandle, "type", msg.Type)
		return
	}
	s.Deliver(msg)
}

func (r *Router) sendError(connHandle string, err error) {
	e := session.AsError(err)
	r.log.Warn("request rejected", "conn", connHandle, "code", e.Code, "message", e.Message)
	r.sendTo(connHandle, NewMessage(TypeError, ErrorPayload{Code: e.Code, Message: e.Message}))
}
