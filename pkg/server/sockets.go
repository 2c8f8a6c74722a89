package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/davel-ai/gateway/pkg/relay"
)

// upgrade switches r to a websocket and starts its writer.
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*wsConn, bool) {
	if s.draining.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return nil, false
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return nil, false
	}
	ws.SetReadLimit(s.cfg.MaxMessageBytes)

	conn := newWSConn(uuid.NewString(), ws, s.cfg.SendBuffer, s.cfg.WriteTimeout, s.cfg.PingInterval, s.logger)
	s.track(conn)
	go conn.writeLoop()
	return conn, true
}

// readLoop calls onMessage for each data frame until the peer goes away
// or the socket is closed. Pongs keep the read deadline moving.
func (s *Server) readLoop(conn *wsConn, onMessage func([]byte)) {
	pongWait := s.cfg.PingInterval + s.cfg.WriteTimeout
	ws := conn.ws
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket closed", "connection_id", conn.ID(), "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if onMessage != nil {
			onMessage(data)
		}
	}
}

func (s *Server) release(conn *wsConn) {
	_ = conn.Close()
	conn.Wait()
	s.untrack(conn)
}

func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer s.release(conn)

	// Messages keep running after the socket goes away.
	msgCtx := context.WithoutCancel(r.Context())
	client := relay.ClientInfoFrom(r, conn.ID(), s.cfg.TrustProxyHeaders)

	if err := s.deps.Relay.Open(msgCtx, conn, client); err != nil {
		return
	}
	defer s.deps.Relay.Close(msgCtx, conn.ID())

	s.readLoop(conn, func(data []byte) {
		if s.draining.Load() {
			return
		}
		s.work.Add(1)
		go func() {
			defer s.work.Done()
			s.deps.Relay.HandleFrame(msgCtx, conn, client, data)
		}()
	})
}

func (s *Server) handleLogSocket(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer s.release(conn)

	ctx := context.WithoutCancel(r.Context())
	s.logs.Add(conn, r.URL.Query().Get("jobId"))
	s.metrics.RecordConnectionOpened(ctx, "logs")
	defer func() {
		s.logs.Remove(conn)
		s.metrics.RecordConnectionClosed(ctx, "logs")
	}()

	// Log sockets are server to client; client frames are ignored.
	s.readLoop(conn, nil)
}
