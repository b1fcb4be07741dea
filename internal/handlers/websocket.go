package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/call-signaling/internal/middleware"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/signaling"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client is one websocket connection. Outbound frames are queued and written
// by a single writer goroutine; Close asks that goroutine to flush and hang up.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	log  *logrus.Entry

	closing   chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, log *logrus.Entry) *Client {
	id := uuid.New().String()
	return &Client{
		id:      id,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		log:     log.WithField("conn_id", id),
		closing: make(chan struct{}),
	}
}

func (c *Client) ID() string {
	return c.id
}

// Send queues msg without blocking. A slow reader that lets its buffer fill
// up loses messages rather than stalling the sender.
func (c *Client) Send(msg models.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.closing:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closing) })
}

// HandleSignaling upgrades the request and serves one signaling connection.
// If JWTAuth accepted a token, the connection may only register as that
// token's endpoint.
func HandleSignaling(router *signaling.Router, maxMessageBytes int64, log *logrus.Logger) gin.HandlerFunc {
	entry := log.WithField("component", "transport")

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			entry.WithError(err).Warn("Failed to upgrade connection")
			return
		}

		identity := c.GetString(middleware.EndpointIDKey)
		client := newClient(conn, entry)
		peer := router.Attach(client, identity)

		client.log.WithFields(logrus.Fields{
			"remote_addr": c.ClientIP(),
			"identity":    identity,
		}).Debug("Connection opened")

		go client.writePump()
		go client.readPump(peer, maxMessageBytes)
	}
}

func (c *Client) readPump(peer *signaling.Peer, maxMessageBytes int64) {
	defer func() {
		c.Close()
		peer.Close()
		c.log.WithField("endpoint_id", peer.EndpointID()).Debug("Connection closed")
	}()

	if maxMessageBytes > 0 {
		c.conn.SetReadLimit(maxMessageBytes)
	}
	ctx := context.Background()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	// runs inside ReadMessage, on this goroutine
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		peer.KeepAlive(ctx)
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("WebSocket error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			_ = c.Send(models.ErrorMessage(models.CodeProtocolError, "", "binary frames are not supported"))
			continue
		}
		peer.Handle(ctx, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				c.log.WithError(err).Debug("Failed to write message")
				c.Close()
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.closing:
			c.flush()
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever was queued before Close, such as a forcedDisconnect.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}
