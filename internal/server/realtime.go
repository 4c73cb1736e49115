package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/auth"
	"github.com/MarcoPoloResearchLab/inkwell/internal/gateway"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1 << 20
	handshakeTimeout  = 10 * time.Second
	defaultSendBuffer = 256
)

// realtimeEndpoint upgrades authenticated requests and pumps frames between
// the websocket and the gateway.
type realtimeEndpoint struct {
	gateway    *gateway.Gateway
	upgrader   websocket.Upgrader
	sendBuffer int
	logger     *zap.Logger
}

func newRealtimeEndpoint(gw *gateway.Gateway, origins []string, sendBuffer int, logger *zap.Logger) *realtimeEndpoint {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &realtimeEndpoint{
		gateway: gw,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: handshakeTimeout,
			CheckOrigin:      originChecker(origins),
		},
		sendBuffer: sendBuffer,
		logger:     logger,
	}
}

// originChecker allows requests without an Origin header (non-browser clients).
func originChecker(origins []string) func(*http.Request) bool {
	allowAll := false
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		if origin == "*" {
			allowAll = true
		}
		allowed[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[strings.TrimRight(origin, "/")]
		return ok
	}
}

// handle authenticates before the upgrade so a bad credential never yields a
// live connection.
func (e *realtimeEndpoint) handle(c *gin.Context) {
	token, err := auth.ExtractBearerToken(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	identity, err := e.gateway.Authenticate(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			e.logger.Info("realtime authentication failed", zap.Error(err))
		} else {
			e.logger.Warn("realtime authentication failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := e.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		e.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &realtimeClient{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, e.sendBuffer),
		done:   make(chan struct{}),
		logger: e.logger,
	}
	session := e.gateway.Attach(client, identity)
	go client.writePump()
	client.readPump(c.Request.Context(), session)
}

// realtimeClient implements gateway.Connection over a websocket.
type realtimeClient struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

func (c *realtimeClient) ID() string {
	return c.id
}

// Send enqueues without blocking. A full buffer or closed client drops the frame.
func (c *realtimeClient) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *realtimeClient) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *realtimeClient) readPump(ctx context.Context, session *gateway.Session) {
	defer func() {
		session.Close()
		c.shutdown()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error("failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Info("unexpected websocket close",
					zap.String("connection_id", c.id),
					zap.String("user_id", session.Identity().UserID),
					zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		session.Handle(ctx, message)
	}
}

func (c *realtimeClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.shutdown()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("websocket write failed", zap.String("connection_id", c.id), zap.Error(err))
				c.shutdown()
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.shutdown()
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}
