/*
Package handler provides the HTTP handler function for WebSocket connection upgrading and initialization.

This file contains the HandleWebSocket function, which is responsible for rate limiting the
upgrade endpoint, upgrading the HTTP connection to WebSocket, and starting the connection pumps.
*/
package handler

import (
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"triviad/internal/pkg/errs"
	"triviad/internal/pkg/limiter"
	"triviad/internal/pkg/logx"
	"triviad/internal/pkg/resp"
)

// HandleWebSocket creates an HTTP HandlerFunc to process WebSocket connection requests.
func HandleWebSocket(upgrader websocket.Upgrader, rateLimiter *limiter.IPRateLimiter, deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		if ip == "" {
			ip = "unknown_ip"
		}

		if !rateLimiter.GetLimiter(ip).Allow() {
			logx.Warn("WebSocket connection rejected: Rate limit exceeded.", "ip", logx.AnonymizeIP(ip))
			rateLimitErr := errs.NewError(errs.ErrRateLimitExceeded)
			resp.RespondError(w, r, rateLimitErr)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Error(err, "Failed to upgrade connection to WebSocket")
			return
		}

		// A banned IP is accepted and immediately closed with the ban close
		// code, so the client learns the reason instead of seeing a failed
		// handshake.
		client, ok := deps.Gateway.Open(conn, ip)
		if !ok {
			return
		}

		go client.WritePump()

		logx.Info("WebSocket connection established", "conn_id", client.ID(), "ip", logx.AnonymizeIP(ip))

		client.ReadPump()
	}
}
