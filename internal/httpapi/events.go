package httpapi

import (
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handleEvents upgrades to a websocket and streams job lifecycle events
// until the client disconnects or the request context ends.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept already wrote the handshake failure response.
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	events, cancel := s.store.Subscribe()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}
