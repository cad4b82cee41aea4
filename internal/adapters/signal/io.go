package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Verify/internal/config"
	"github.com/dkeye/Verify/internal/core"
	"github.com/dkeye/Verify/internal/domain"
)

const (
	wsSendBuffer = 32
	writeWait    = 5 * time.Second
)

// Admit decides whether a room may be joined at all, for example because
// it belongs to a live session.
type Admit func(ctx context.Context, room domain.RoomID) error

// WSServer attaches remote participants to the hub over WebSocket.
type WSServer struct {
	hub        *Hub
	limiter    *JoinRateLimiter
	admit      Admit
	readLimit  int64
	pingPeriod time.Duration
	upgrader   websocket.Upgrader
}

func NewWSServer(hub *Hub, cfg config.SignalConfig, admit Admit) *WSServer {
	ping := cfg.PingPeriod
	if ping <= 0 {
		ping = 54 * time.Second
	}
	return &WSServer{
		hub:        hub,
		limiter:    NewJoinRateLimiter(cfg.JoinLimit, cfg.JoinWindow),
		admit:      admit,
		readLimit:  cfg.ReadLimit,
		pingPeriod: ping,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type wsMember struct {
	conn *websocket.Conn
	peer core.PeerID
	send chan core.Payload

	mu     sync.RWMutex
	closed bool
}

func (m *wsMember) Peer() core.PeerID { return m.peer }

func (m *wsMember) TrySend(p core.Payload) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	select {
	case m.send <- p:
	default:
		return ErrBackpressure
	}
	return nil
}

func (m *wsMember) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.send)
	return nil
}

// Handle upgrades GET /api/ws/signal?room=R&peer=P. The caller identity
// is read from the "user_id" context key set by the auth middleware.
func (s *WSServer) Handle(c *gin.Context) {
	room := domain.RoomID(c.Query("room"))
	peer := core.PeerID(c.Query("peer"))
	if room == "" || peer == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": string(domain.KindInvalidArgument), "message": "room and peer are required"}})
		return
	}
	uid := domain.UserID(c.GetString("user_id"))
	if !s.limiter.Allow(uid) {
		log.Warn().Str("module", "signal").Str("user", string(uid)).Msg("join rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": gin.H{"kind": "rate_limited", "message": "too many joins"}})
		return
	}
	if s.admit != nil {
		if err := s.admit(c.Request.Context(), room); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": gin.H{"kind": string(domain.KindOf(err)), "message": domain.MessageOf(err)}})
			return
		}
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	m := &wsMember{conn: ws, peer: peer, send: make(chan core.Payload, wsSendBuffer)}
	if err := s.hub.add(room, m); err != nil {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go s.writePump(ctx, m)
	go s.readPump(ctx, cancel, room, m)
}

func (s *WSServer) writePump(ctx context.Context, m *wsMember) {
	ticker := time.NewTicker(s.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = m.conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-m.send:
			if !ok {
				_ = m.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			if err := m.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := m.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := m.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("ping failed")
				return
			}
		}
	}
}

func (s *WSServer) readPump(ctx context.Context, cancel context.CancelFunc, room domain.RoomID, m *wsMember) {
	defer func() {
		log.Info().Str("module", "signal").Str("room", string(room)).Str("peer", string(m.peer)).Msg("readPump closing")
		s.hub.remove(room, m)
		_ = m.Close()
		cancel()
	}()

	pongWait := s.pingPeriod * 10 / 9
	if s.readLimit > 0 {
		m.conn.SetReadLimit(s.readLimit)
	}
	_ = m.conn.SetReadDeadline(time.Now().Add(pongWait))
	m.conn.SetPongHandler(func(string) error {
		return m.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				log.Debug().Err(err).Str("module", "signal").Str("peer", string(m.peer)).Msg("readPump read error")
			}
			return
		}
		s.hub.relay(room, m, core.Payload(data))
	}
}
