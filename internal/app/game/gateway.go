/*
Package game contains the core logic of the trivia backend.

This file defines the Gateway, the connection layer. It owns every raw client
connection, assigns opaque connection handles, frames and compresses outbound
payloads, and tracks client source IPs for banning. The Gateway has no knowledge
of user identities; inbound frames are forwarded to a FrameHandler (the session
manager) for dispatch.
*/
package game

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"triviad/internal/pkg/logx"
	"triviad/internal/pkg/wire"
)

const (
	// BanTTL is how long an IP ban stays in effect.
	BanTTL = 30 * time.Minute

	// CloseReasonBanned is the close reason sent when a banned IP connects
	// or an open connection's IP gets banned.
	CloseReasonBanned = "banned"

	// WsCloseCodeSessionKicked is a custom WebSocket Close Code (4000-4999 range)
	// signalling that the session was replaced by a new connection.
	WsCloseCodeSessionKicked = 4001

	// WsCloseCodeBanned is a custom WebSocket Close Code signalling an IP ban.
	WsCloseCodeBanned = 4002
)

// FrameHandler consumes raw inbound frames and disconnect notifications.
// Frames from a single connection are delivered in receipt order.
type FrameHandler interface {
	HandleFrame(connID string, frame []byte)
	HandleDisconnect(connID string)
}

// Gateway owns all live connections and the IP ban table.
type Gateway struct {
	// mu protects conns and bans.
	mu sync.RWMutex

	// conns maps connection id to the live connection.
	conns map[string]*Conn

	// bans maps a banned source IP to its expiry time. Entries are checked only
	// at the connect gate and swept periodically; connections already open when
	// an IP is banned are closed explicitly, not filtered per message.
	bans map[string]time.Time

	// handler receives inbound frames and disconnects.
	handler FrameHandler

	logger zerolog.Logger
}

// NewGateway constructs a Gateway. A FrameHandler must be attached via
// SetHandler before connections are opened.
func NewGateway() *Gateway {
	gatewayLogger := logx.Logger().With().Str("component", "gateway").Logger()

	return &Gateway{
		conns:  make(map[string]*Conn),
		bans:   make(map[string]time.Time),
		logger: gatewayLogger,
	}
}

// SetHandler attaches the frame handler. Separate from the constructor because
// the session manager and the gateway reference each other.
func (g *Gateway) SetHandler(h FrameHandler) {
	g.handler = h
}

// IsBanned reports whether the given IP currently has an unexpired ban entry.
func (g *Gateway) IsBanned(ip string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	expiry, ok := g.bans[ip]
	return ok && time.Now().Before(expiry)
}

// Open registers a new raw connection and assigns it an internal handle.
// A connection from a banned IP is closed immediately with reason "banned".
func (g *Gateway) Open(ws *websocket.Conn, ip string) (*Conn, bool) {
	if g.IsBanned(ip) {
		g.logger.Warn().Str("ip", logx.AnonymizeIP(ip)).Msg("Connection from banned IP rejected.")

		closeMessage := websocket.FormatCloseMessage(WsCloseCodeBanned, CloseReasonBanned)
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		ws.WriteMessage(websocket.CloseMessage, closeMessage)
		ws.Close()
		return nil, false
	}

	conn := newConn(uuid.New().String(), ip, ws, g)

	g.mu.Lock()
	g.conns[conn.id] = conn
	total := len(g.conns)
	g.mu.Unlock()

	g.logger.Info().
		Str("conn_id", conn.id).
		Int("total_conns", total).
		Msg("Connection registered.")

	return conn, true
}

// Send encodes the message tuple and queues it for delivery to the given
// connection. It returns false when the connection is gone or its send
// queue is full; transient delivery failures never crash the session.
func (g *Gateway) Send(connID string, tuple []any) bool {
	g.mu.RLock()
	conn, ok := g.conns[connID]
	g.mu.RUnlock()

	if !ok {
		return false
	}

	frame, err := wire.Encode(tuple)
	if err != nil {
		g.logger.Error().Err(err).Str("conn_id", connID).Msg("Failed to encode outbound tuple.")
		return false
	}

	return conn.queue(frame)
}

// Broadcast fans the message tuple out to every open connection.
func (g *Gateway) Broadcast(tuple []any) {
	frame, err := wire.Encode(tuple)
	if err != nil {
		g.logger.Error().Err(err).Msg("Failed to encode broadcast tuple.")
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, conn := range g.conns {
		if !conn.queue(frame) {
			g.logger.Warn().Str("conn_id", conn.id).Msg("Broadcast dropped for connection with full queue.")
		}
	}
}

// Close force-closes the given connection with the session-kicked close code.
func (g *Gateway) Close(connID string, reason string) {
	g.mu.RLock()
	conn, ok := g.conns[connID]
	g.mu.RUnlock()

	if ok {
		conn.kick(WsCloseCodeSessionKicked, reason)
	}
}

// Ban records the connection's source IP in the ban table with a BanTTL expiry,
// then force-closes every currently open connection sharing that IP.
func (g *Gateway) Ban(connID string) {
	g.mu.Lock()
	conn, ok := g.conns[connID]
	if !ok {
		g.mu.Unlock()
		return
	}

	ip := conn.ip
	g.bans[ip] = time.Now().Add(BanTTL)

	sameIP := make([]*Conn, 0, 1)
	for _, c := range g.conns {
		if c.ip == ip {
			sameIP = append(sameIP, c)
		}
	}
	g.mu.Unlock()

	g.logger.Warn().
		Str("ip", logx.AnonymizeIP(ip)).
		Int("closed_conns", len(sameIP)).
		Msg("IP banned. Closing all connections sharing the address.")

	for _, c := range sameIP {
		c.kick(WsCloseCodeBanned, CloseReasonBanned)
	}
}

// SweepBans deletes expired ban entries. Driven by the periodic sweep schedule.
func (g *Gateway) SweepBans() {
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	for ip, expiry := range g.bans {
		if now.After(expiry) {
			delete(g.bans, ip)
		}
	}
}

// ConnCount returns the number of currently open connections.
func (g *Gateway) ConnCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// remove drops the connection from the registry and notifies the frame handler.
// Called exactly once per connection, from its read pump's cleanup.
func (g *Gateway) remove(c *Conn) {
	g.mu.Lock()
	if current, ok := g.conns[c.id]; ok && current == c {
		delete(g.conns, c.id)
	}
	g.mu.Unlock()

	if g.handler != nil {
		g.handler.HandleDisconnect(c.id)
	}
}
