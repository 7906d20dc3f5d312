package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orelvisrguez/qr-attendance-sub000/internal/obs"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isLocalOrigin(origin)
	},
}

type projectorFrame struct {
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

const projectorWriteTimeout = 5 * time.Second

// projectorFeed pushes each rotated token value to the classroom display
// over a WebSocket. Only the owning instructor or an admin may connect; the
// raw value never reaches the dashboard event stream.
func (a *API) projectorFeed(w http.ResponseWriter, r *http.Request, sessionID string) {
	actor, ok := actorFromRequest(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	ch, err := a.svc.SubscribeTokens(r.Context(), sessionID, actor)
	if err != nil {
		handleAttendanceError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response
		return
	}
	defer conn.Close()

	obs.SubscriberConnected()
	defer obs.SubscriberGone()

	// Reader goroutine notices a closed peer; the feed itself is write-only.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case tok, ok := <-ch:
			if !ok {
				deadline := time.Now().Add(projectorWriteTimeout)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"), deadline)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(projectorWriteTimeout))
			if err := conn.WriteJSON(projectorFrame{
				SessionID: tok.SessionID,
				Seq:       tok.Seq,
				Value:     tok.Value,
				ExpiresAt: tok.ExpiresAt,
			}); err != nil {
				return
			}
		}
	}
}
