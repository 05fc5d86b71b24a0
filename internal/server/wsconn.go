package server

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/smsbridge/smsbridge/internal/config"
	"github.com/smsbridge/smsbridge/internal/registry"
	"github.com/smsbridge/smsbridge/internal/tenant"
	"go.uber.org/zap"
)

// CloseUnauthorized is sent when a relay connection presents a bad API key.
const CloseUnauthorized = 4001

const (
	apiKeyHeader  = "X-API-KEY"
	eventBuffer   = 16
	closeDeadline = time.Second
)

var (
	errConnClosed   = errors.New("connection closed")
	errBackpressure = errors.New("send buffer full")
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				// non-browser clients
				return true
			}
			return originSet[origin]
		},
	}
}

// wsConn adapts a gorilla connection to registry.Handle. Writes go through a
// buffered channel drained by writePump; reads are turned into router events
// by readPump.
type wsConn struct {
	id          string
	role        registry.Role
	tenant      tenant.ID
	connectedAt time.Time

	conn *websocket.Conn
	cfg  config.WebSocketConfig
	log  *zap.Logger

	send      chan []byte
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn, role registry.Role, id tenant.ID, cfg config.WebSocketConfig, log *zap.Logger) *wsConn {
	return &wsConn{
		id:          uuid.NewString(),
		role:        role,
		tenant:      id,
		connectedAt: time.Now(),
		conn:        conn,
		cfg:         cfg,
		log:         log,
		send:        make(chan []byte, cfg.SendBuffer),
		done:        make(chan struct{}),
	}
}

func (c *wsConn) ID() string          { return c.id }
func (c *wsConn) Role() registry.Role { return c.role }
func (c *wsConn) IsOpen() bool        { return !c.closed.Load() }

// Send queues data for the write pump. A full buffer means the peer is not
// keeping up; the connection is closed rather than blocking the sender.
func (c *wsConn) Send(data []byte) error {
	if c.closed.Load() {
		return errConnClosed
	}
	select {
	case <-c.done:
		return errConnClosed
	case c.send <- data:
		return nil
	default:
		c.log.Warn("send buffer full; closing connection", zap.String("conn_id", c.id))
		go c.Close(websocket.ClosePolicyViolation, "Send buffer full")
		return errBackpressure
	}
}

// Close sends a close frame with code and reason and tears the socket down.
// Only the first call has an effect.
func (c *wsConn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeDeadline)); err != nil &&
			!errors.Is(err, websocket.ErrCloseSent) {
			c.log.Debug("write close frame", zap.Error(err), zap.String("conn_id", c.id))
		}
		_ = c.conn.Close()
	})
}

// abort tears the socket down without a close frame, used once the transport
// itself has failed.
func (c *wsConn) abort() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.conn.Close()
	})
}

// readPump turns inbound frames into events. It always finishes with
// EventClosed followed by closing the channel.
func (c *wsConn) readPump(events chan<- Event) {
	defer func() {
		c.abort()
		events <- Event{Kind: EventClosed}
		close(events)
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && c.IsOpen() {
				c.log.Debug("websocket read ended", zap.Error(err), zap.String("conn_id", c.id))
			}
			return
		}
		events <- Event{Kind: EventFrame, Data: data}
	}
}

// writePump drains the send buffer and keeps the connection alive with pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("websocket write failed", zap.Error(err), zap.String("conn_id", c.id))
				c.abort()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.log.Debug("websocket ping failed", zap.Error(err), zap.String("conn_id", c.id))
				c.abort()
				return
			}
		}
	}
}

// handleWebSocket upgrades a relay connection and runs it until it closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	id, authErr := s.auth.Authenticate(r.Header.Get(apiKeyHeader))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	if authErr != nil {
		s.metrics.recordAuthRejection("websocket")
		s.log.Info("websocket rejected", zap.Error(authErr), zap.String("remote", r.RemoteAddr))
		msg := websocket.FormatCloseMessage(CloseUnauthorized, "Unauthorized")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeDeadline))
		_ = conn.Close()
		return
	}

	role := registry.ParseRole(r.URL.Query().Get("client"))
	wc := newWSConn(conn, role, id, s.cfg.WebSocket, s.log)

	events := make(chan Event, eventBuffer)
	events <- Event{Kind: EventConnected}

	s.conns.Add(1)
	defer s.conns.Done()

	go wc.writePump()
	go wc.readPump(events)
	s.router.Serve(s.connCtx, id, wc, events)
}
