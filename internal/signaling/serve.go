package signaling

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Desktop clients connect without an Origin header and browsers are
	// not a supported client, so origin checking is disabled.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWs upgrades an HTTP request to a websocket connection and hands
// it to the hub.
func ServeWs(hub *Hub, log *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	client := &Client{
		ID:         uuid.NewString(),
		RemoteAddr: remoteAddr(r),
		hub:        hub,
		conn:       conn,
		send:       make(chan *Message, sendBuffer),
		done:       make(chan struct{}),
		log:        log,
	}
	hub.Register <- client

	go client.writePump()
	go client.readPump()
}

// remoteAddr prefers the X-Forwarded-For header so NAT classification
// sees the true client address behind a reverse proxy.
func remoteAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}
