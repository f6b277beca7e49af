package signaling

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/screenmesh/screenmesh/internal/coordinator"
	"github.com/screenmesh/screenmesh/internal/nat"
	"github.com/screenmesh/screenmesh/internal/session"
)

// fakeSender records everything the router delivers to one connection.
type fakeSender struct {
	mu   sync.Mutex
	msgs []*Message
}

func (f *fakeSender) Deliver(msg *Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
}

func (f *fakeSender) byType(msgType string) []*Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Message
	for _, m := range f.msgs {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSender) last() *Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		return nil
	}
	return f.msgs[len(f.msgs)-1]
}

type routerHarness struct {
	router *Router
	coord  *coordinator.Coordinator
}

func newHarness(t *testing.T, coordinationOn bool) *routerHarness {
	t.Helper()
	registry := session.NewRegistry(10, nil)
	coord := coordinator.New(30*time.Second, nil)
	classifier := &nat.HeuristicClassifier{CoordinationEnabled: coordinationOn}
	return &routerHarness{
		router: NewRouter(registry, coord, classifier, coordinationOn, nil),
		coord:  coord,
	}
}

// createRoom runs the create flow for a fresh connection and returns
// the assigned participant id.
func (h *routerHarness) createRoom(t *testing.T, conn string, s Sender, nickname string) (roomID, userID string) {
	t.Helper()
	h.router.Attach(conn, s)
	h.router.HandleCreateRoom(conn, CreateRoomRequest{RoomName: "demo", Nickname: nickname})

	fs := s.(*fakeSender)
	created := fs.byType(TypeRoomCreated)
	if len(created) != 1 {
		t.Fatalf("expected one room_created, got %d messages: %+v", len(created), fs.msgs)
	}
	var payload RoomCreatedPayload
	if err := json.Unmarshal(created[0].Payload, &payload); err != nil {
		t.Fatalf("room_created payload: %v", err)
	}
	return payload.Room.ID, payload.UserID
}

func (h *routerHarness) joinRoom(t *testing.T, conn string, s Sender, roomID, nickname string) (userID string) {
	t.Helper()
	h.router.Attach(conn, s)
	h.router.HandleJoinRoom(conn, JoinRoomRequest{RoomID: roomID, Nickname: nickname})

	fs := s.(*fakeSender)
	joined := fs.byType(TypeRoomJoined)
	if len(joined) != 1 {
		t.Fatalf("expected one room_joined, got %d messages: %+v", len(joined), fs.msgs)
	}
	var payload RoomJoinedPayload
	if err := json.Unmarshal(joined[0].Payload, &payload); err != nil {
		t.Fatalf("room_joined payload: %v", err)
	}
	return payload.UserID
}

func errorCode(t *testing.T, m *Message) session.Code {
	t.Helper()
	if m == nil || m.Type != TypeError {
		t.Fatalf("expected error message, got %+v", m)
	}
	var payload ErrorPayload
	if err := json.Unmarshal(m.Payload, &payload); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	return payload.Code
}

func TestCreateAndJoinNotifiesExistingMembers(t *testing.T) {
	h := newHarness(t, false)
	host := &fakeSender{}
	guest := &fakeSender{}

	roomID, hostID := h.createRoom(t, "conn-host", host, "ada")
	guestID := h.joinRoom(t, "conn-guest", guest, roomID, "bob")

	if hostID == guestID {
		t.Fatal("host and guest got the same participant id")
	}

	notices := host.byType(TypeUserJoined)
	if len(notices) != 1 {
		t.Fatalf("host expected one user_joined, got %d", len(notices))
	}
	var payload UserJoinedPayload
	json.Unmarshal(notices[0].Payload, &payload)
	if payload.User.ID != guestID || payload.User.Nickname != "bob" {
		t.Errorf("user_joined = %+v, want guest %s", payload.User, guestID)
	}
	// The joiner must not be told about their own join.
	if len(guest.byType(TypeUserJoined)) != 0 {
		t.Error("joiner received their own user_joined broadcast")
	}
}

func TestJoinUnknownRoomReturnsError(t *testing.T) {
	h := newHarness(t, false)
	s := &fakeSender{}
	h.router.Attach("conn-1", s)

	h.router.HandleJoinRoom("conn-1", JoinRoomRequest{RoomID: "ZZZZZZ", Nickname: "bob"})
	if code := errorCode(t, s.last()); code != session.CodeRoomNotFound {
		t.Errorf("code = %s, want ROOM_NOT_FOUND", code)
	}
}

func TestOfferRelayedOnlyWithinRoom(t *testing.T) {
	h := newHarness(t, false)
	host := &fakeSender{}
	guest := &fakeSender{}
	outsider := &fakeSender{}

	roomID, hostID := h.createRoom(t, "conn-host", host, "ada")
	h.joinRoom(t, "conn-guest", guest, roomID, "bob")
	_, outsiderID := h.createRoom(t, "conn-out", outsider, "eve")

	desc := Description{Type: "offer", SDP: "v=0..."}
	h.router.HandleOffer("conn-guest", SendDescriptionPayload{TargetUserID: hostID, Description: desc})

	offers := host.byType(TypeReceiveOffer)
	if len(offers) != 1 {
		t.Fatalf("host expected one receive_offer, got %d", len(offers))
	}
	var payload ReceiveDescriptionPayload
	json.Unmarshal(offers[0].Payload, &payload)
	if payload.Description.SDP != desc.SDP {
		t.Errorf("relayed SDP = %q, want %q", payload.Description.SDP, desc.SDP)
	}
	if payload.FromUserID == "" {
		t.Error("relay must carry the sender's id")
	}

	// Cross-room relay is refused.
	h.router.HandleOffer("conn-guest", SendDescriptionPayload{TargetUserID: outsiderID, Description: desc})
	if code := errorCode(t, guest.last()); code != session.CodeConnectionFailed {
		t.Errorf("cross-room code = %s, want CONNECTION_FAILED", code)
	}
	if len(outsider.byType(TypeReceiveOffer)) != 0 {
		t.Error("outsider must not receive cross-room offers")
	}
}

func TestRelayToUnknownTargetReturnsUserNotFound(t *testing.T) {
	h := newHarness(t, false)
	host := &fakeSender{}
	h.createRoom(t, "conn-host", host, "ada")

	h.router.HandleAnswer("conn-host", SendDescriptionPayload{
		TargetUserID: "nobody",
		Description:  Description{Type: "answer", SDP: "v=0"},
	})
	if code := errorCode(t, host.last()); code != session.CodeUserNotFound {
		t.Errorf("code = %s, want USER_NOT_FOUND", code)
	}
}

func TestCandidateTricklesWhenNotCoordinated(t *testing.T) {
	h := newHarness(t, false)
	host := &fakeSender{}
	guest := &fakeSender{}

	roomID, hostID := h.createRoom(t, "conn-host", host, "ada")
	h.joinRoom(t, "conn-guest", guest, roomID, "bob")

	h.router.HandleCandidate("conn-guest", SendCandidatePayload{
		TargetUserID: hostID,
		Candidate:    json.RawMessage(`{"candidate":"c1"}`),
	})

	relayed := host.byType(TypeReceiveICE)
	if len(relayed) != 1 {
		t.Fatalf("host expected one receive_ice_candidate, got %d", len(relayed))
	}
}

func TestCoordinatedCandidatesHeldUntilBothReady(t *testing.T) {
	h := newHarness(t, true)
	host := &fakeSender{}
	guest := &fakeSender{}

	roomID, hostID := h.createRoom(t, "conn-host", host, "ada")
	guestID := h.joinRoom(t, "conn-guest", guest, roomID, "bob")

	// Both members probe from a private address, so sharing registers
	// the pair for synchronized release.
	h.router.HandleDetectNAT("conn-host", "192.168.1.5:4000")
	h.router.HandleDetectNAT("conn-guest", "10.0.0.7:4000")
	h.router.HandleStartSharing("conn-host", StartSharingRequest{
		SourceName: "Display 1", SourceKind: "screen", Width: 1920, Height: 1080, FrameRate: 30,
	})

	if !h.coord.Registered(hostID, guestID) {
		t.Fatal("sharing between synced NATs should register the pair")
	}

	h.router.HandleCandidate("conn-host", SendCandidatePayload{TargetUserID: guestID, Candidate: json.RawMessage(`{"candidate":"h1"}`)})
	h.router.HandleCandidate("conn-guest", SendCandidatePayload{TargetUserID: hostID, Candidate: json.RawMessage(`{"candidate":"g1"}`)})

	if len(guest.byType(TypeReceiveICE)) != 0 || len(host.byType(TypeReceiveICE)) != 0 {
		t.Fatal("coordinated candidates must be held, not trickled")
	}

	h.router.HandleGatheringComplete("conn-host", GatheringCompletePayload{TargetUserID: guestID})
	h.router.HandleGatheringComplete("conn-guest", GatheringCompletePayload{TargetUserID: hostID})

	// Release runs on goroutines; wait for both sides.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(guest.byType(TypeReceiveICE)) == 1 && len(host.byType(TypeReceiveICE)) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("release did not reach both sides: host=%d guest=%d",
		len(host.byType(TypeReceiveICE)), len(guest.byType(TypeReceiveICE)))
}

func TestSharingLifecycleBroadcasts(t *testing.T) {
	h := newHarness(t, false)
	host := &fakeSender{}
	guest := &fakeSender{}

	roomID, hostID := h.createRoom(t, "conn-host", host, "ada")
	h.joinRoom(t, "conn-guest", guest, roomID, "bob")

	h.router.HandleStartSharing("conn-host", StartSharingRequest{
		SourceName: "Display 1", SourceKind: "screen", Width: 1280, Height: 720, FrameRate: 30,
	})

	started := guest.byType(TypeUserStartedSharing)
	if len(started) != 1 {
		t.Fatalf("guest expected one user_started_sharing, got %d", len(started))
	}
	var sp UserStartedSharingPayload
	json.Unmarshal(started[0].Payload, &sp)
	if sp.UserID != hostID || sp.Stream.Resolution != "1280x720" {
		t.Errorf("user_started_sharing = %+v", sp)
	}

	h.router.HandleStopSharing("conn-host")
	stopped := guest.byType(TypeUserStoppedSharing)
	if len(stopped) != 1 {
		t.Fatalf("guest expected one user_stopped_sharing, got %d", len(stopped))
	}
	var tp UserStoppedSharingPayload
	json.Unmarshal(stopped[0].Payload, &tp)
	if tp.StreamID != sp.Stream.ID {
		t.Errorf("stopped stream %s, want %s", tp.StreamID, sp.Stream.ID)
	}
}

func TestDetachRunsLeaveFlow(t *testing.T) {
	h := newHarness(t, true)
	host := &fakeSender{}
	guest := &fakeSender{}

	roomID, hostID := h.createRoom(t, "conn-host", host, "ada")
	guestID := h.joinRoom(t, "conn-guest", guest, roomID, "bob")

	h.coord.Register(hostID, guestID)
	h.router.Detach("conn-guest")

	left := host.byType(TypeUserLeft)
	if len(left) != 1 {
		t.Fatalf("host expected one user_left, got %d", len(left))
	}
	var payload UserLeftPayload
	json.Unmarshal(left[0].Payload, &payload)
	if payload.UserID != guestID {
		t.Errorf("user_left for %s, want %s", payload.UserID, guestID)
	}
	if h.coord.Registered(hostID, guestID) {
		t.Error("disconnect must cancel the participant's coordination records")
	}
}

func TestLeaveTransfersOwnership(t *testing.T) {
	h := newHarness(t, false)
	host := &fakeSender{}
	guest := &fakeSender{}

	roomID, _ := h.createRoom(t, "conn-host", host, "ada")
	guestID := h.joinRoom(t, "conn-guest", guest, roomID, "bob")

	h.router.HandleLeaveRoom("conn-host")

	left := guest.byType(TypeUserLeft)
	if len(left) != 1 {
		t.Fatalf("guest expected one user_left, got %d", len(left))
	}
	var payload UserLeftPayload
	json.Unmarshal(left[0].Payload, &payload)
	if payload.NewOwnerID != guestID {
		t.Errorf("new owner = %s, want %s", payload.NewOwnerID, guestID)
	}
}

func TestLeaveWithoutRoomReturnsError(t *testing.T) {
	h := newHarness(t, false)
	s := &fakeSender{}
	h.router.Attach("conn-1", s)

	h.router.HandleLeaveRoom("conn-1")
	if code := errorCode(t, s.last()); code != session.CodeUserNotFound {
		t.Errorf("code = %s, want USER_NOT_FOUND", code)
	}
}

func TestNATDetectionReportsHeuristicResult(t *testing.T) {
	h := newHarness(t, true)
	s := &fakeSender{}
	h.createRoom(t, "conn-1", s, "ada")

	h.router.HandleDetectNAT("conn-1", "203.0.113.9:51423")

	detected := s.byType(TypeNATTypeDetected)
	if len(detected) != 1 {
		t.Fatalf("expected one nat_type_detected, got %d", len(detected))
	}
	var payload NATTypeDetectedPayload
	json.Unmarshal(detected[0].Payload, &payload)
	if payload.Type != nat.FullCone {
		t.Errorf("type = %s, want %s", payload.Type, nat.FullCone)
	}
	if payload.RequiresSync {
		t.Error("public address must not require synchronized release")
	}
}

func TestGetRoomsListsOpenRooms(t *testing.T) {
	h := newHarness(t, false)
	host := &fakeSender{}
	viewer := &fakeSender{}

	h.createRoom(t, "conn-host", host, "ada")
	h.router.Attach("conn-viewer", viewer)
	h.router.HandleGetRooms("conn-viewer")

	list := viewer.byType(TypeRoomsList)
	if len(list) != 1 {
		t.Fatalf("expected one rooms_list, got %d", len(list))
	}
	var payload RoomsListPayload
	json.Unmarshal(list[0].Payload, &payload)
	if len(payload.Rooms) != 1 || payload.Rooms[0].MemberCount != 1 {
		t.Errorf("rooms_list = %+v", payload.Rooms)
	}
}

func TestGetRoomInfoUnknownRoom(t *testing.T) {
	h := newHarness(t, false)
	s := &fakeSender{}
	h.router.Attach("conn-1", s)

	h.router.HandleGetRoomInfo("conn-1", GetRoomInfoRequest{RoomID: "NOPE"})
	if code := errorCode(t, s.last()); code != session.CodeRoomNotFound {
		t.Errorf("code = %s, want ROOM_NOT_FOUND", code)
	}
}

func TestCreateRoomImplicitlyLeavesPreviousRoom(t *testing.T) {
	h := newHarness(t, false)
	host := &fakeSender{}
	guest := &fakeSender{}

	roomID, _ := h.createRoom(t, "conn-host", host, "ada")
	h.joinRoom(t, "conn-guest", guest, roomID, "bob")

	// The guest creates a new room without leaving first.
	h.router.HandleCreateRoom("conn-guest", CreateRoomRequest{RoomName: "second", Nickname: "bob"})

	if len(host.byType(TypeUserLeft)) != 1 {
		t.Error("previous room must see the guest leave")
	}
	if len(guest.byType(TypeRoomCreated)) != 1 {
		t.Error("guest should own the new room")
	}
}
