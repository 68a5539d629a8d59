// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcptransport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/rrtcp/rrtcp-go/pkg/rrerr"
)

// Subprotocol must be negotiated by both WebSocket peers.
const Subprotocol = "robotraconteur.robotraconteur.com"

// hijackResponse is the http.ResponseWriter for a WebSocket upgrade of an already accepted and sniffed connection.
// The websocket.Upgrader hijacks it immediately; error responses are written by writeHTTPError.
type hijackResponse struct {
	conn   net.Conn
	brw    *bufio.ReadWriter
	header http.Header
}

func (hr *hijackResponse) Header() http.Header {
	return hr.header
}

func (hr *hijackResponse) Write(p []byte) (int, error) {
	return hr.conn.Write(p)
}

func (hr *hijackResponse) WriteHeader(status int) {
	writeHTTPError(hr.conn, status, errors.New(http.StatusText(status)))
}

func (hr *hijackResponse) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return hr.conn, hr.brw, nil
}

// writeHTTPError answers a refused upgrade request.
func writeHTTPError(conn net.Conn, status int, reason error) {
	body := reason.Error()
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nSec-WebSocket-Version: 13\r\nContent-Type: text/plain\r\n"+
		"Content-Length: %d\r\nConnection: close\r\n\r\n%s", status, http.StatusText(status), len(body), body)

	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = conn.Write([]byte(resp))
}

func containsToken(tokens []string, token string) bool {
	for _, t := range tokens {
		if t == token {
			return true
		}
	}
	return false
}

// upgradeWebSocket performs the server side WebSocket handshake on a sniffed connection. The request is read from br,
// which still holds the sniffed bytes.
func (t *Transport) upgradeWebSocket(conn net.Conn, br *bufio.Reader) (net.Conn, error) {
	_ = conn.SetReadDeadline(time.Now().Add(t.conf.SniffTimeout))
	req, err := http.ReadRequest(br)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, rrerr.Wrap(rrerr.Protocol, err, "malformed WebSocket upgrade request")
	}

	if !websocket.IsWebSocketUpgrade(req) {
		writeHTTPError(conn, http.StatusBadRequest, errors.New("not a WebSocket upgrade request"))
		return nil, rrerr.New(rrerr.Protocol, "not a WebSocket upgrade request")
	}
	if !containsToken(websocket.Subprotocols(req), Subprotocol) {
		writeHTTPError(conn, http.StatusBadRequest, fmt.Errorf("subprotocol %s required", Subprotocol))
		return nil, rrerr.New(rrerr.Protocol, "WebSocket subprotocol missing")
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: t.conf.HandshakeTimeout,
		Subprotocols:     []string{Subprotocol},
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			allowed := originAllowed(t.conf.AllowedWebSocketOrigins, origin)
			if !allowed {
				log.WithFields(log.Fields{
					"origin": origin,
					"peer":   conn.RemoteAddr(),
				}).Info("Refusing WebSocket connection of a disallowed origin")
			}
			return allowed
		},
		Error: func(_ http.ResponseWriter, _ *http.Request, status int, reason error) {
			writeHTTPError(conn, status, reason)
		},
	}

	resp := &hijackResponse{
		conn:   conn,
		brw:    bufio.NewReadWriter(br, bufio.NewWriter(conn)),
		header: make(http.Header),
	}

	ws, err := upgrader.Upgrade(resp, req, nil)
	if err != nil {
		return nil, rrerr.Wrap(rrerr.Protocol, err, "")
	}
	return newWSConn(ws), nil
}

// dialWebSocket performs the client side WebSocket handshake over an already connected socket. For wss URLs, the
// transport TLS layer is established by the websocket.Dialer.
func dialWebSocket(ctx context.Context, conn net.Conn, pu *ParsedURL, tlsConf *tls.Config, timeout time.Duration) (net.Conn, error) {
	used := false
	dialer := websocket.Dialer{
		NetDialContext: func(context.Context, string, string) (net.Conn, error) {
			if used {
				return nil, errors.New("socket was already used")
			}
			used = true
			return conn, nil
		},
		TLSClientConfig:  tlsConf,
		HandshakeTimeout: timeout,
		Subprotocols:     []string{Subprotocol},
	}

	ws, resp, err := dialer.DialContext(ctx, pu.WebSocketURL(), nil)
	if err != nil {
		if resp != nil {
			return nil, rrerr.Wrap(rrerr.Connection, err, fmt.Sprintf("WebSocket handshake refused: %s", resp.Status))
		}
		return nil, rrerr.Wrap(rrerr.Connection, err, "")
	}

	if ws.Subprotocol() != Subprotocol {
		_ = ws.Close()
		return nil, rrerr.New(rrerr.Protocol, fmt.Sprintf("server selected subprotocol %q", ws.Subprotocol()))
	}
	return newWSConn(ws), nil
}
