package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// CreateRoomRequest carries the validated-on-entry inputs for room
// creation. MaxMembers of zero means "use the registry default".
type CreateRoomRequest struct {
	Name       string
	Nickname   string
	Password   string
	MaxMembers int
}

// ShareRequest describes the source a participant wants to share.
type ShareRequest struct {
	SourceName string
	SourceKind SourceKind
	Width      int
	Height     int
	FrameRate  int
}

// Registry owns all rooms and participants. Every mutating operation is
// serialized under one lock; callers never observe a half-updated room.
type Registry struct {
	mu sync.Mutex

	rooms        map[string]*Room
	participants map[string]*Participant
	byConn       map[string]string // connection handle -> participant id

	defaultMaxMembers int
	log               *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(defaultMaxMembers int, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		rooms:             make(map[string]*Room),
		participants:      make(map[string]*Participant),
		byConn:            make(map[string]string),
		defaultMaxMembers: defaultMaxMembers,
		log:               log,
		now:               time.Now,
	}
}

// CreateRoom validates the request, generates a fresh room code and
// participant id, and creates the room with the owner as its only member.
func (r *Registry) CreateRoom(req CreateRoomRequest, connHandle string) (*RoomSnapshot, string, error) {
	name, verr := validateRoomName(req.Name)
	if verr != nil {
		return nil, "", verr
	}
	nickname, verr := validateNickname(req.Nickname)
	if verr != nil {
		return nil, "", verr
	}
	if verr := validatePassword(req.Password); verr != nil {
		return nil, "", verr
	}
	maxMembers := req.MaxMembers
	if maxMembers == 0 {
		maxMembers = r.defaultMaxMembers
	}
	if verr := validateMaxMembers(maxMembers); verr != nil {
		return nil, "", verr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	roomID := r.freshRoomCode()
	ownerID := NewParticipantID()
	now := r.now()

	room := &Room{
		ID:         roomID,
		Name:       name,
		OwnerID:    ownerID,
		password:   req.Password,
		MaxMembers: maxMembers,
		MemberIDs:  map[string]struct{}{ownerID: {}},
		Streams:    make(map[string]StreamInfo),
		CreatedAt:  now,
	}
	r.rooms[roomID] = room

	owner := &Participant{
		ID:           ownerID,
		Nickname:     nickname,
		RoomID:       roomID,
		IsHost:       true,
		ConnHandle:   connHandle,
		JoinedAt:     now,
		LastActiveAt: now,
	}
	r.participants[ownerID] = owner
	r.byConn[connHandle] = ownerID

	r.log.Info("room created", "roomId", roomID, "ownerId", ownerID)
	return r.snapshotLocked(room), ownerID, nil
}

// JoinRoom adds a new participant to an existing room. The join fails
// atomically: on any error no membership state is left behind.
func (r *Registry) JoinRoom(roomID, nickname, password, connHandle string) (*RoomSnapshot, string, error) {
	trimmed, verr := validateNickname(nickname)
	if verr != nil {
		return nil, "", verr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil, "", newError(CodeRoomNotFound, "room %s not found", roomID)
	}
	if room.hasPassword() && room.password != password {
		return nil, "", newError(CodeWrongPassword, "wrong password for room %s", roomID)
	}
	if len(room.MemberIDs) >= room.MaxMembers {
		return nil, "", newError(CodeRoomFull, "room %s is full", roomID)
	}

	participantID := NewParticipantID()
	now := r.now()

	room.MemberIDs[participantID] = struct{}{}
	p := &Participant{
		ID:           participantID,
		Nickname:     trimmed,
		RoomID:       roomID,
		ConnHandle:   connHandle,
		JoinedAt:     now,
		LastActiveAt: now,
	}
	r.participants[participantID] = p
	r.byConn[connHandle] = participantID

	r.log.Info("participant joined", "roomId", roomID, "participantId", participantID)
	return r.snapshotLocked(room), participantID, nil
}

// LeaveRoom removes a participant, removes all of their streams, deletes
// the room if it became empty, and transfers ownership otherwise. It is
// an idempotent no-op for unknown participants: ok is false and the
// result nil when the participant had already left.
func (r *Registry) LeaveRoom(participantID string) (*LeaveResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(participantID)
}

// LeaveByConn is the transport-disconnect path: it resolves the
// connection handle to its participant and runs the same leave flow.
func (r *Registry) LeaveByConn(connHandle string) (*LeaveResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	participantID, ok := r.byConn[connHandle]
	if !ok {
		return nil, false
	}
	return r.leaveLocked(participantID)
}

func (r *Registry) leaveLocked(participantID string) (*LeaveResult, bool) {
	p, ok := r.participants[participantID]
	if !ok {
		return nil, false
	}

	room := r.rooms[p.RoomID]
	delete(r.participants, participantID)
	delete(r.byConn, p.ConnHandle)

	if room == nil {
		return &LeaveResult{RoomID: p.RoomID, ParticipantID: participantID}, true
	}

	delete(room.MemberIDs, participantID)

	// All of one participant's streams are removed together.
	var removed []string
	for id, s := range room.Streams {
		if s.OwnerID == participantID {
			delete(room.Streams, id)
			removed = append(removed, id)
		}
	}

	result := &LeaveResult{
		RoomID:           room.ID,
		ParticipantID:    participantID,
		RemovedStreamIDs: removed,
	}

	if len(room.MemberIDs) == 0 {
		delete(r.rooms, room.ID)
		result.RoomDeleted = true
		r.log.Info("room deleted", "roomId", room.ID)
		return result, true
	}

	if room.OwnerID == participantID {
		next := r.earliestMemberLocked(room)
		if next != nil {
			room.OwnerID = next.ID
			next.IsHost = true
			next.LastActiveAt = r.now()
			result.NewOwnerID = next.ID
			r.log.Info("ownership transferred", "roomId", room.ID, "newOwnerId", next.ID)
		}
	}
	return result, true
}

// earliestMemberLocked picks the remaining member that joined first,
// breaking ties by id so the choice is stable.
func (r *Registry) earliestMemberLocked(room *Room) *Participant {
	var best *Participant
	for id := range room.MemberIDs {
		p := r.participants[id]
		if p == nil {
			continue
		}
		if best == nil || p.JoinedAt.Before(best.JoinedAt) ||
			(p.JoinedAt.Equal(best.JoinedAt) && p.ID < best.ID) {
			best = p
		}
	}
	return best
}

// StartSharing registers a new stream owned by the participant and marks
// them as sharing.
func (r *Registry) StartSharing(participantID string, req ShareRequest) (*StreamInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[participantID]
	if !ok {
		return nil, newError(CodeUserNotFound, "participant %s not found", participantID)
	}
	room := r.rooms[p.RoomID]
	if room == nil {
		return nil, newError(CodeRoomNotFound, "room %s not found", p.RoomID)
	}

	kind := req.SourceKind
	if kind != SourceWindow {
		kind = SourceScreen
	}

	info := StreamInfo{
		ID:         NewStreamID(),
		OwnerID:    participantID,
		Nickname:   p.Nickname,
		SourceName: req.SourceName,
		SourceKind: kind,
		Resolution: resolution(req.Width, req.Height),
		FPS:        req.FrameRate,
		StartedAt:  r.now(),
	}
	room.Streams[info.ID] = info

	p.IsSharing = true
	p.StreamID = info.ID
	p.LastActiveAt = r.now()

	r.log.Info("sharing started", "participantId", participantID, "streamId", info.ID)
	return &info, nil
}

// StopSharing removes the participant's stream. Returns the removed
// stream id and the room id.
func (r *Registry) StopSharing(participantID string) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[participantID]
	if !ok {
		return "", "", newError(CodeUserNotFound, "participant %s not found", participantID)
	}
	if p.StreamID == "" {
		return "", "", newError(CodeUnknown, "participant %s is not sharing", participantID)
	}

	streamID := p.StreamID
	if room := r.rooms[p.RoomID]; room != nil {
		delete(room.Streams, streamID)
	}
	p.IsSharing = false
	p.StreamID = ""
	p.LastActiveAt = r.now()

	r.log.Info("sharing stopped", "participantId", participantID, "streamId", streamID)
	return streamID, p.RoomID, nil
}

// ParticipantByID returns a copy of the participant record.
func (r *Registry) ParticipantByID(participantID string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[participantID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// ParticipantByConn resolves a connection handle to a participant copy.
func (r *Registry) ParticipantByConn(connHandle string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byConn[connHandle]
	if !ok {
		return Participant{}, false
	}
	p, ok := r.participants[id]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// RoomMembers returns copies of all participants in a room, ordered by
// join time.
func (r *Registry) RoomMembers(roomID string) []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[roomID]
	if room == nil {
		return nil
	}
	members := make([]Participant, 0, len(room.MemberIDs))
	for id := range room.MemberIDs {
		if p := r.participants[id]; p != nil {
			members = append(members, *p)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ID < members[j].ID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members
}

// Snapshot returns a read-only point-in-time view of a room, or nil if
// the room does not exist.
func (r *Registry) Snapshot(roomID string) *RoomSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[roomID]
	if room == nil {
		return nil
	}
	return r.snapshotLocked(room)
}

// ListRooms returns lobby summaries for all rooms.
func (r *Registry) ListRooms() []RoomSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RoomSummary, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, RoomSummary{
			ID:          room.ID,
			Name:        room.Name,
			MemberCount: len(room.MemberIDs),
			MaxMembers:  room.MaxMembers,
			HasPassword: room.hasPassword(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReapEmptyRooms deletes rooms with no members and returns how many were
// removed. Rooms are normally deleted the instant they empty, so this is
// a safety net, not the primary cleanup path.
func (r *Registry) ReapEmptyRooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	reaped := 0
	for id, room := range r.rooms {
		if len(room.MemberIDs) == 0 {
			delete(r.rooms, id)
			reaped++
			r.log.Info("reaped empty room", "roomId", id)
		}
	}
	return reaped
}

// StartReaper runs ReapEmptyRooms on the given interval until done is
// closed.
func (r *Registry) StartReaper(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.ReapEmptyRooms()
			case <-done:
				return
			}
		}
	}()
}

func (r *Registry) snapshotLocked(room *Room) *RoomSnapshot {
	members := make([]MemberInfo, 0, len(room.MemberIDs))
	for id := range room.MemberIDs {
		p := r.participants[id]
		if p == nil {
			continue
		}
		members = append(members, MemberInfo{
			ID:        p.ID,
			Nickname:  p.Nickname,
			IsHost:    p.IsHost,
			IsSharing: p.IsSharing,
			StreamID:  p.StreamID,
			JoinedAt:  p.JoinedAt,
		})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ID < members[j].ID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})

	streams := make([]StreamInfo, 0, len(room.Streams))
	for _, s := range room.Streams {
		streams = append(streams, s)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].ID < streams[j].ID })

	return &RoomSnapshot{
		ID:          room.ID,
		Name:        room.Name,
		OwnerID:     room.OwnerID,
		HasPassword: room.hasPassword(),
		MaxMembers:  room.MaxMembers,
		Members:     members,
		Streams:     streams,
		CreatedAt:   room.CreatedAt,
	}
}

func (r *Registry) freshRoomCode() string {
	for {
		code := NewRoomCode()
		if _, exists := r.rooms[code]; !exists {
			return code
		}
	}
}

func resolution(w, h int) string {
	if w <= 0 || h <= 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", w, h)
}
