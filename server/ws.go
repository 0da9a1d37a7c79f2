package server

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const wsWriteTimeout = 10 * time.Second

// StreamOrders upgrades the connection and streams delivered order
// notifications to the subscriber until it disconnects. Frames a slow
// subscriber cannot keep up with are dropped, not queued unboundedly.
func (s *Server) StreamOrders(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch, cancel := s.broadcaster.Subscribe(32)
	defer cancel()

	// The stream is write-only; CloseRead surfaces client disconnects.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, env)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}
