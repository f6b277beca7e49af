// Package signaling implements the coordination service: the websocket
// wire protocol, the per-connection pumps, and the router that owns
// session membership and negotiation-message relay.
package signaling

import (
	"encoding/json"

	"github.com/screenmesh/screenmesh/internal/nat"
	"github.com/screenmesh/screenmesh/internal/session"
)

// Client-to-server message types.
const (
	TypeCreateRoom        = "create_room"
	TypeJoinRoom          = "join_room"
	TypeLeaveRoom         = "leave_room"
	TypeStartSharing      = "start_sharing"
	TypeStopSharing       = "stop_sharing"
	TypeSendOffer         = "send_offer"
	TypeSendAnswer        = "send_answer"
	TypeSendICECandidate  = "send_ice_candidate"
	TypeDetectNATType     = "detect_nat_type"
	TypeGatheringComplete = "ice_gathering_complete"
	TypeGetRooms          = "get_rooms"
	TypeGetRoomInfo       = "get_room_info"
)

// Server-to-client message types.
const (
	TypeRoomCreated        = "room_created"
	TypeRoomJoined         = "room_joined"
	TypeUserJoined         = "user_joined"
	TypeUserLeft           = "user_left"
	TypeUserStartedSharing = "user_started_sharing"
	TypeUserStoppedSharing = "user_stopped_sharing"
	TypeReceiveOffer       = "receive_offer"
	TypeReceiveAnswer      = "receive_answer"
	TypeReceiveICE         = "receive_ice_candidate"
	TypeNATTypeDetected    = "nat_type_detected"
	TypeRoomsList          = "rooms_list"
	TypeRoomInfo           = "room_info"
	TypeError              = "error"
)

// Message is the envelope for all websocket traffic in both directions.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// client is the connection that sent the message. Used internally
	// by the hub and never serialized.
	client *Client
}

// NewMessage marshals payload into an envelope. Marshalling our own
// payload structs cannot fail, so errors are swallowed here.
func NewMessage(msgType string, payload any) *Message {
	raw, _ := json.Marshal(payload)
	return &Message{Type: msgType, Payload: raw}
}

// Description is one half of an SDP exchange.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ---- client -> server payloads ----

type CreateRoomRequest struct {
	RoomName   string `json:"roomName"`
	Nickname   string `json:"nickname"`
	Password   string `json:"password,omitempty"`
	MaxMembers int    `json:"maxMembers,omitempty"`
}

type JoinRoomRequest struct {
	RoomID   string `json:"roomId"`
	Nickname string `json:"nickname"`
	Password string `json:"password,omitempty"`
}

type StartSharingRequest struct {
	SourceName string `json:"sourceName"`
	SourceKind string `json:"sourceKind"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	FrameRate  int    `json:"frameRate"`
}

type SendDescriptionPayload struct {
	TargetUserID string      `json:"targetUserId"`
	Description  Description `json:"description"`
}

type SendCandidatePayload struct {
	TargetUserID string          `json:"targetUserId"`
	Candidate    json.RawMessage `json:"candidate"`
}

type GatheringCompletePayload struct {
	TargetUserID string `json:"targetUserId"`
}

type GetRoomInfoRequest struct {
	RoomID string `json:"roomId"`
}

// ---- server -> client payloads ----

type RoomCreatedPayload struct {
	Room   session.RoomSnapshot `json:"room"`
	UserID string               `json:"userId"`
}

type RoomJoinedPayload struct {
	Room   session.RoomSnapshot `json:"room"`
	UserID string               `json:"userId"`
}

type UserJoinedPayload struct {
	User   session.MemberInfo `json:"user"`
	RoomID string             `json:"roomId"`
}

type UserLeftPayload struct {
	UserID     string `json:"userId"`
	RoomID     string `json:"roomId"`
	NewOwnerID string `json:"newOwnerId,omitempty"`
}

type UserStartedSharingPayload struct {
	UserID string             `json:"userId"`
	Stream session.StreamInfo `json:"streamInfo"`
}

type UserStoppedSharingPayload struct {
	UserID   string `json:"userId"`
	StreamID string `json:"streamId"`
}

type ReceiveDescriptionPayload struct {
	FromUserID  string      `json:"fromUserId"`
	Description Description `json:"description"`
}

type ReceiveCandidatePayload struct {
	FromUserID string          `json:"fromUserId"`
	Candidate  json.RawMessage `json:"candidate"`
}

type NATTypeDetectedPayload struct {
	nat.Classification
}

type RoomsListPayload struct {
	Rooms []session.RoomSummary `json:"rooms"`
}

type RoomInfoPayload struct {
	Room session.RoomSnapshot `json:"room"`
}

type ErrorPayload struct {
	Code    session.Code `json:"code"`
	Message string       `json:"message"`
}
