package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tokenfcs/internal/engine"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// StreamMessage is one frame sent to stream clients.
type StreamMessage struct {
	Type  string              `json:"type"` // stats|error
	Stats *engine.HolderStats `json:"stats,omitempty"`
	Error string              `json:"error,omitempty"`
}

// handleStream upgrades to a websocket and pushes weighted holder stats on
// connect, after every invalidation of the token and on the refresh interval.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("address")

	// Reject unknown tokens before upgrading so the client sees a status.
	first, err := s.svc.WeightedHolderStats(r.Context(), token)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("token", token).Msg("stream upgrade failed")
		return
	}

	id := uuid.NewString()
	gauge := s.svc.Metrics().StreamClients
	gauge.Inc()
	defer gauge.Dec()

	log.Info().Str("client", id).Str("token", token).Msg("stream client connected")
	defer log.Info().Str("client", id).Str("token", token).Msg("stream client disconnected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, unsubscribe := s.svc.Subscribe(token)
	defer unsubscribe()

	go readPump(conn, cancel)
	s.writePump(ctx, conn, token, first, updates)
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, token string, first *engine.HolderStats, updates <-chan struct{}) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	defer conn.Close()

	var refresh <-chan time.Time
	if s.opts.StreamRefresh > 0 {
		t := time.NewTicker(s.opts.StreamRefresh)
		defer t.Stop()
		refresh = t.C
	}

	if err := send(conn, StreamMessage{Type: "stats", Stats: first}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case <-updates:
			if err := s.push(ctx, conn, token); err != nil {
				return
			}
		case <-refresh:
			if err := s.push(ctx, conn, token); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// push recomputes stats and sends them. Service errors are sent as error
// frames and keep the stream open; only write failures end it.
func (s *Server) push(ctx context.Context, conn *websocket.Conn, token string) error {
	stats, err := s.svc.WeightedHolderStats(ctx, token)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Str("token", token).Msg("stream refresh failed")
		return send(conn, StreamMessage{Type: "error", Error: err.Error()})
	}
	return send(conn, StreamMessage{Type: "stats", Stats: stats})
}

func send(conn *websocket.Conn, msg StreamMessage) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// readPump drains client frames so pongs and close frames are processed,
// and cancels the stream when the connection ends.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
