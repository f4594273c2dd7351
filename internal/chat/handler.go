package chat

import (
	"net/http"
	"strings"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	myMiddleware "presence-chat/internal/middleware"
)

type Handler struct {
	hub      *Hub
	svc      Services
	upgrader websocket.Upgrader
}

// NewHandler accepts websocket upgrades from the given origins. An empty
// list allows every origin.
func NewHandler(hub *Hub, svc Services, allowedOrigins []string) *Handler {
	return &Handler{
		hub: hub,
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// ServeWs upgrades an authenticated request and runs the connection until it
// drops.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, email, ok := myMiddleware.Identity(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("[gateway] upgrade: %v", err)
		return
	}

	client := newClient(h.hub, conn)
	client.session = NewSession(h.svc, userID, email, client.emit, client.close)
	if err := client.session.Start(client.ctx); err != nil {
		glog.Errorf("[gateway] start session %s: %v", email, err)
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "store unavailable"))
		conn.Close()
		return
	}
	if !h.hub.Register(client) {
		client.close()
		conn.Close()
		client.session.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
