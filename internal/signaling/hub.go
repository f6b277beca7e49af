package signaling

import (
	"encoding/json"
	"log/slog"
)

// Hub serializes all signaling activity through one goroutine. Every
// inbound message, connect, and disconnect flows through Run, so the
// router's handlers never race with each other for a given connection.
type Hub struct {
	Register   chan *Client
	Unregister chan *Client
	Inbound    chan *Message

	router *Router
	log    *slog.Logger
}

// NewHub creates a hub dispatching to the given router.
func NewHub(router *Router, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Inbound:    make(chan *Message, 256),
		router:     router,
		log:        log,
	}
}

// Run processes hub events until done is closed.
func (h *Hub) Run(done <-chan struct{}) {
	for {
		select {
		case client := <-h.Register:
			h.router.Attach(client.ID, client)
			h.log.Info("client connected", "client", client.ID, "remote", client.RemoteAddr)

		case client := <-h.Unregister:
			h.router.Detach(client.ID)
			client.shutdown()
			h.log.Info("client disconnected", "client", client.ID)

		case msg := <-h.Inbound:
			h.dispatch(msg)

		case <-done:
			return
		}
	}
}

func (h *Hub) dispatch(msg *Message) {
	c := msg.client
	switch msg.Type {
	case TypeCreateRoom:
		var req CreateRoomRequest
		if h.decode(c, msg.Payload, &req) {
			h.router.HandleCreateRoom(c.ID, req)
		}
	case TypeJoinRoom:
		var req JoinRoomRequest
		if h.decode(c, msg.Payload, &req) {
			h.router.HandleJoinRoom(c.ID, req)
		}
	case TypeLeaveRoom:
		h.router.HandleLeaveRoom(c.ID)
	case TypeStartSharing:
		var req StartSharingRequest
		if h.decode(c, msg.Payload, &req) {
			h.router.HandleStartSharing(c.ID, req)
		}
	case TypeStopSharing:
		h.router.HandleStopSharing(c.ID)
	case TypeSendOffer:
		var req SendDescriptionPayload
		if h.decode(c, msg.Payload, &req) {
			h.router.HandleOffer(c.ID, req)
		}
	case TypeSendAnswer:
		var req SendDescriptionPayload
		if h.decode(c, msg.Payload, &req) {
			h.router.HandleAnswer(c.ID, req)
		}
	case TypeSendICECandidate:
		var req SendCandidatePayload
		if h.decode(c, msg.Payload, &req) {
			h.router.HandleCandidate(c.ID, req)
		}
	case TypeGatheringComplete:
		var req GatheringCompletePayload
		if h.decode(c, msg.Payload, &req) {
			h.router.HandleGatheringComplete(c.ID, req)
		}
	case TypeDetectNATType:
		h.router.HandleDetectNAT(c.ID, c.RemoteAddr)
	case TypeGetRooms:
		h.router.HandleGetRooms(c.ID)
	case TypeGetRoomInfo:
		var req GetRoomInfoRequest
		if h.decode(c, msg.Payload, &req) {
			h.router.HandleGetRoomInfo(c.ID, req)
		}
	default:
		h.log.Warn("unknown message type", "client", c.ID, "type", msg.Type)
	}
}

func (h *Hub) decode(c *Client, raw json.RawMessage, into any) bool {
	if err := json.Unmarshal(raw, into); err != nil {
		h.log.Warn("bad payload", "client", c.ID, "error", err)
		return false
	}
	return true
}
