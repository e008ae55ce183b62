package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/skincarebot/utils/log"
)

// ErrSlowClient is returned when a client's send buffer is full. The client
// is disconnected and can reload the transcript on reconnect.
var ErrSlowClient = errors.New("websocket client too slow")

// Client is one WebSocket connection bound to a session.
type Client struct {
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	handle    Handle
	readLimit int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Message is the envelope of every server-to-client frame.
type Message struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	sendBuffer     = 256
	maxMessageSize = 16 * 1024 * 1024 // used when no read limit is given
)

// Handle processes one text frame read from a client.
type Handle func(ctx context.Context, c *Client, message []byte)

// NewClient creates a client for conn. Its context outlives the upgrade
// request and ends when the connection closes. Frames larger than readLimit
// close the connection; readLimit <= 0 uses maxMessageSize.
func NewClient(parent context.Context, conn *websocket.Conn, sessionID string, readLimit int64, handle Handle) *Client {
	if readLimit <= 0 {
		readLimit = maxMessageSize
	}
	ctx := log.WithSession(context.WithoutCancel(parent), sessionID)
	ctx, cancel := context.WithCancel(ctx)
	return &Client{
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		sessionID: sessionID,
		handle:    handle,
		readLimit: readLimit,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Run starts the read and write pumps.
func (c *Client) Run() {
	c.conn.SetCloseHandler(func(code int, text string) error {
		log.WithCtx(c.ctx).Debug("WebSocket closed by peer", zap.Int("code", code), zap.String("text", text))
		c.Close()
		return nil
	})
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()
}

// Close cancels the client context and closes the connection. Safe to call
// more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close()
	})
}

func (c *Client) IsClosed() bool {
	return c.ctx.Err() != nil
}

func (c *Client) Context() context.Context {
	return c.ctx
}

func (c *Client) SessionID() string {
	return c.sessionID
}

// SendMessage queues message without blocking.
func (c *Client) SendMessage(message []byte) error {
	if err := c.ctx.Err(); err != nil {
		return err
	}

	select {
	case c.send <- message:
		return nil
	default:
		log.WithCtx(c.ctx).Warn("Dropping slow WebSocket client")
		c.Close()
		return ErrSlowClient
	}
}

func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(c.readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.WithCtx(c.ctx).Warn("WebSocket read failed", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if msgType == websocket.TextMessage && c.handle != nil {
			c.handle(c.ctx, c, message)
		}
	}
}

// writePump is the only writer on the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.WithCtx(c.ctx).Warn("WebSocket write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.WithCtx(c.ctx).Debug("Ping failed", zap.Error(err))
				return
			}

		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
