/*
Package game contains the core logic of the trivia backend.

This file defines the Conn struct, one active WebSocket connection owned by the
Gateway. It manages the connection's lifecycle and its message communication
loops (ReadPump and WritePump). A Conn is ephemeral: it is destroyed on
disconnect and knows nothing about user identity.
*/
package game

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"triviad/internal/pkg/logx"
	"triviad/internal/pkg/wire"
)

const (
	// timeout duration for writing to the WebSocket connection.
	writeWait = 10 * time.Second

	// maximum time allowed for the server to wait for a Pong message from the client.
	pongWait = 60 * time.Second

	// frequency at which the server sends a Ping message.
	pingPeriod = (pongWait * 9) / 10

	// maximum allowed size (in bytes) of a message sent by the client.
	maxMessageSize = 65536

	// capacity of the per-connection outbound queue.
	sendQueueSize = 256
)

// Conn represents an active WebSocket connection and its opaque handle.
type Conn struct {
	// id is the internal connection handle assigned by the Gateway.
	id string

	// ip is the client source address, tracked for banning.
	ip string

	// ws is the underlying WebSocket connection object.
	ws *websocket.Conn

	// send is a buffered channel of pre-framed messages waiting to be written.
	send chan wire.Frame

	// gw is the owning Gateway.
	gw *Gateway

	// mu serializes enqueue against close; closed marks the send channel
	// closed so later queue calls become no-ops instead of panicking.
	mu     sync.Mutex
	closed bool

	// structured logger with connection context.
	logger zerolog.Logger
}

func newConn(id, ip string, ws *websocket.Conn, gw *Gateway) *Conn {
	connLogger := logx.Logger().With().
		Str("conn_id", id).
		Logger()

	return &Conn{
		id:     id,
		ip:     ip,
		ws:     ws,
		send:   make(chan wire.Frame, sendQueueSize),
		gw:     gw,
		logger: connLogger,
	}
}

// ID returns the connection's opaque handle.
func (c *Conn) ID() string {
	return c.id
}

// ReadPump reads frames from the WebSocket connection and forwards them to the
// Gateway's frame handler in receipt order. It handles heartbeats (Pong) and
// performs cleanup upon connection closure.
func (c *Conn) ReadPump() {
	defer c.cleanupOnDisconnect()

	c.ws.SetReadLimit(maxMessageSize)

	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info().Err(err).Msg("Error reading frame (client close/going away)")
			}
			break
		}

		if c.gw.handler != nil {
			c.gw.handler.HandleFrame(c.id, frame)
		}
	}
}

// cleanupOnDisconnect handles the necessary cleanup steps when the read pump terminates.
func (c *Conn) cleanupOnDisconnect() {
	c.logger.Info().Msg("Connection cleanup starting.")

	c.gw.remove(c)

	c.closeSend()

	if err := c.ws.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("Connection close error")
	}
}

// WritePump writes frames from the send channel to the WebSocket connection
// and keeps the transport heartbeat alive with periodic pings.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()

		if err := c.ws.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Connection close error in WritePump")
		}
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !c.writeQueuedFrame(frame, ok) {
				return
			}

		case <-ticker.C:
			if !c.writePingMessage() {
				return
			}
		}
	}
}

// writeQueuedFrame writes one frame pulled from the send channel. Compressed
// frames go out as binary messages, plain ones as text.
// Returns true if the WritePump loop should continue.
func (c *Conn) writeQueuedFrame(frame wire.Frame, ok bool) bool {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline")
		return false
	}

	if !ok {
		if err := c.ws.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
			c.logger.Debug().Err(err).Msg("Error writing close message")
		}
		return false
	}

	messageType := websocket.TextMessage
	if frame.Binary {
		messageType = websocket.BinaryMessage
	}

	if err := c.ws.WriteMessage(messageType, frame.Data); err != nil {
		c.logger.Error().Err(err).Msg("Error writing frame")
		return false
	}

	return true
}

// writePingMessage sends a periodic WebSocket Ping to maintain the heartbeat.
// Returns false if the WritePump loop should terminate due to write failure.
func (c *Conn) writePingMessage() bool {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline on ping")
		return false
	}

	if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Error().Err(err).Msg("Error writing ping")
		return false
	}

	return true
}

// queue attempts to enqueue a frame for delivery without blocking. Frames
// addressed to a connection whose send channel already closed are dropped;
// a kicked connection may stay registered until its read pump exits.
func (c *Conn) queue(frame wire.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- frame:
		return true
	default:
		c.logger.Warn().Int("queue_len", len(c.send)).Msg("Connection send queue full, dropping frame")
		return false
	}
}

// kick gracefully closes the connection by sending a custom WebSocket Close
// Frame with the given code and reason, then shutting down the send queue.
func (c *Conn) kick(code int, reason string) {
	c.logger.Warn().
		Int("close_code", code).
		Str("reason", reason).
		Msg("Force-closing connection.")

	closeMessage := websocket.FormatCloseMessage(code, reason)

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.ws.WriteMessage(websocket.CloseMessage, closeMessage); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to send close message.")
	}

	c.closeSend()
	c.ws.Close()
}

func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	close(c.send)
}
