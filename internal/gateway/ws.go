package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/ensemble-run/ensemble/internal/runtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway sits behind the deployment's own origin policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsRequest is one client frame: a turn to execute.
type wsRequest struct {
	Template  string `json:"template"`
	Input     string `json:"input"`
	SessionID string `json:"session_id,omitempty"`
	UserName  string `json:"user_name,omitempty"`
	System    string `json:"system,omitempty"`
}

// handleWS runs turns over a WebSocket: each client frame starts one
// turn, and the turn's stream events are written back as JSON frames.
// Turns on one connection run sequentially, matching the per-session
// ordering guarantee.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	auth := authFrom(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("ws read ended", "error", err)
			}
			return
		}
		if req.Template == "" || req.Input == "" {
			_ = conn.WriteJSON(map[string]string{"error": "template and input are required"})
			continue
		}

		events := s.runtime.StreamTurn(r.Context(), &runtime.TurnRequest{
			Template:       req.Template,
			Input:          req.Input,
			SessionID:      req.SessionID,
			UserName:       req.UserName,
			SystemOverride: req.System,
			Auth:           auth,
		})
		for event := range events {
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
