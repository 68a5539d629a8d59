// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcptransport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Messages are exchanged over a net.Conn, which is either the raw TCP socket, a WebSocket adapter, or a TLS stream on
// top of one of them.

// bufferedConn reads through a bufio.Reader which may still hold bytes already received from the net.Conn, e.g., after
// sniffing the protocol or reading the STARTTLS request.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (bc *bufferedConn) Read(p []byte) (int, error) {
	return bc.r.Read(p)
}

// wsConn adapts a WebSocket connection to a net.Conn. Each Write is sent as one binary message; reads span message
// boundaries.
type wsConn struct {
	ws *websocket.Conn

	readMu sync.Mutex
	reader io.Reader

	writeMu sync.Mutex
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (wc *wsConn) Read(p []byte) (int, error) {
	wc.readMu.Lock()
	defer wc.readMu.Unlock()

	for {
		if wc.reader == nil {
			msgType, r, err := wc.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				return 0, errors.New("received a non-binary WebSocket message")
			}
			wc.reader = r
		}

		n, err := wc.reader.Read(p)
		if errors.Is(err, io.EOF) {
			wc.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (wc *wsConn) Write(p []byte) (int, error) {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()

	if err := wc.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (wc *wsConn) Close() error {
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = wc.ws.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	return wc.ws.Close()
}

func (wc *wsConn) LocalAddr() net.Addr {
	return wc.ws.LocalAddr()
}

func (wc *wsConn) RemoteAddr() net.Addr {
	return wc.ws.RemoteAddr()
}

func (wc *wsConn) SetDeadline(t time.Time) error {
	if err := wc.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return wc.ws.SetWriteDeadline(t)
}

func (wc *wsConn) SetReadDeadline(t time.Time) error {
	return wc.ws.SetReadDeadline(t)
}

func (wc *wsConn) SetWriteDeadline(t time.Time) error {
	return wc.ws.SetWriteDeadline(t)
}
