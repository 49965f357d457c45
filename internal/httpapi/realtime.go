package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rowmark/rowmark/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Auth happens via the JWT middleware, not the Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	realtimeReadLimit    = 64 << 10
	realtimeReadDeadline = 90 * time.Second
)

// clientMessage is what a connected client may send: scope key updates
// for its wake-up subscription.
type clientMessage struct {
	Event     string   `json:"event"`
	ScopeKeys []string `json:"scopeKeys,omitempty"`
}

// HandleRealtime upgrades to a websocket and registers the connection
// for sync wake-ups. The client declares its scope buckets either in
// the scopeKeys query param or with subscribe messages; pulls over the
// same client id re-index the connection automatically.
func (s *Server) HandleRealtime(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "clientId query param is required")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		log.Ctx(r.Context()).Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := realtime.NewWSConn(clientID, ws)
	initial := r.URL.Query()["scopeKeys"]
	unregister := s.Realtime.Register(conn, initial)
	defer func() {
		unregister()
		conn.Close()
	}()

	log.Ctx(r.Context()).Debug().
		Str("client_id", clientID).
		Int("scope_keys", len(initial)).
		Msg("realtime connection opened")

	ws.SetReadLimit(realtimeReadLimit)
	ws.SetReadDeadline(time.Now().Add(realtimeReadDeadline))

	for {
		var msg clientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client_id", clientID).Msg("realtime connection dropped")
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(realtimeReadDeadline))

		switch msg.Event {
		case "subscribe":
			s.Realtime.UpdateClientScopeKeys(clientID, msg.ScopeKeys)
		case "ping":
			conn.Send(realtime.EventHeartbeat, map[string]any{
				"timestamp": time.Now().UTC().UnixMilli(),
			})
		default:
			conn.Send(realtime.EventError, map[string]any{
				"message": "unknown event " + msg.Event,
			})
		}
	}
}
