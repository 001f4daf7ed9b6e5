package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahaj/sitechat/pkg/apperr"
	"github.com/mahaj/sitechat/pkg/auth"
	"github.com/mahaj/sitechat/pkg/httpx"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	sendBuffer = 256
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	once   sync.Once
}

// drop closes the connection; the read pump then unregisters the client.
func (c *Client) drop() {
	c.once.Do(func() { _ = c.conn.Close() })
}

// readPump feeds client frames to the hub until the connection fails.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-ctx.Done():
		}
		c.drop()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.log.Debug().Err(err).Str("user_id", c.userID).Msg("websocket read")
			}
			return
		}
		c.hub.handleFrame(ctx, c, message)
	}
}

// writePump pumps frames from the hub to the websocket connection, one
// event per websocket message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.drop()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type wsHandler struct {
	ctx      context.Context
	hub      *Hub
	tokens   *auth.Tokens
	upgrader websocket.Upgrader
}

func newWSHandler(ctx context.Context, hub *Hub, tokens *auth.Tokens, origins []string) *wsHandler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &wsHandler{
		ctx:    ctx,
		hub:    hub,
		tokens: tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(allowed) == 0 || allowed[origin]
			},
		},
	}
}

// ServeHTTP authenticates with the bearer token (header or ?token=) and
// upgrades. A user receives events for every channel they belong to.
func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, err := auth.BearerToken(r)
	if err != nil {
		httpx.Error(w, r, apperr.Unauthenticated("token required"))
		return
	}
	claims, err := h.tokens.Validate(token)
	if err != nil {
		httpx.Error(w, r, apperr.Unauthenticated("invalid token"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.log.Debug().Err(err).Msg("websocket upgrade")
		return
	}

	client := &Client{hub: h.hub, conn: conn, send: make(chan []byte, sendBuffer), userID: claims.UserID}
	select {
	case h.hub.register <- client:
	case <-h.ctx.Done():
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(h.ctx)
}
