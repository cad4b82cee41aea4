package signal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Verify/internal/core"
	"github.com/dkeye/Verify/internal/domain"
)

var _ core.Signaler = (*WSSignaler)(nil)

// WSSignaler joins rooms on a remote relay served by WSServer.
type WSSignaler struct {
	URL    string
	UserID domain.UserID
	Dialer *websocket.Dialer
}

func NewWSSignaler(rawURL string, user domain.UserID) *WSSignaler {
	return &WSSignaler{URL: rawURL, UserID: user, Dialer: websocket.DefaultDialer}
}

func (s *WSSignaler) Join(ctx context.Context, room domain.RoomID, peer core.PeerID) (core.SignalChannel, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("signal url: %w", err)
	}
	q := u.Query()
	q.Set("room", string(room))
	q.Set("peer", string(peer))
	u.RawQuery = q.Encode()

	header := http.Header{}
	if s.UserID != "" {
		header.Set("X-User-ID", string(s.UserID))
	}
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	ch := &wsClientChannel{
		conn: conn,
		recv: make(chan core.Payload, localBuffer),
		done: make(chan struct{}),
	}
	go ch.readLoop(room, peer)
	log.Info().Str("module", "signal").Str("room", string(room)).Str("peer", string(peer)).Msg("joined remote relay")
	return ch, nil
}

type wsClientChannel struct {
	conn *websocket.Conn
	recv chan core.Payload
	done chan struct{}

	writeMu sync.Mutex
	once    sync.Once
}

func (c *wsClientChannel) readLoop(room domain.RoomID, peer core.PeerID) {
	defer close(c.recv)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("module", "signal").Str("room", string(room)).Str("peer", string(peer)).Msg("relay read ended")
			return
		}
		select {
		case c.recv <- core.Payload(data):
		case <-c.done:
			return
		}
	}
}

func (c *wsClientChannel) Send(ctx context.Context, p core.Payload) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, p)
}

func (c *wsClientChannel) Recv() <-chan core.Payload { return c.recv }

func (c *wsClientChannel) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	return nil
}
