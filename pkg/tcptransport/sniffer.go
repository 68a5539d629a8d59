// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcptransport

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/rrtcp/rrtcp-go/pkg/message"
	"github.com/rrtcp/rrtcp-go/pkg/rrerr"
)

type protocolKind int

const (
	protocolUnknown protocolKind = iota
	protocolMessage
	protocolWebSocket
)

func (p protocolKind) String() string {
	switch p {
	case protocolMessage:
		return "message"
	case protocolWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// sniff peeks at an inbound connection's first four bytes. They remain buffered in br for the protocol's handler.
func sniff(conn net.Conn, br *bufio.Reader, timeout time.Duration) (protocolKind, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	magic, err := br.Peek(4)
	if err != nil {
		return protocolUnknown, rrerr.Wrap(rrerr.Protocol, err, "no protocol magic received")
	}

	switch string(magic) {
	case message.Magic:
		return protocolMessage, nil
	case "GET ", "GET\t":
		return protocolWebSocket, nil
	default:
		return protocolUnknown, rrerr.New(rrerr.Protocol, fmt.Sprintf("unknown protocol magic %q", magic))
	}
}
