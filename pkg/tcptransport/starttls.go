// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcptransport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rrtcp/rrtcp-go/pkg/message"
	"github.com/rrtcp/rrtcp-go/pkg/nodeid"
	"github.com/rrtcp/rrtcp-go/pkg/rrerr"
)

// tlsUpgradeState of a Connection's STARTTLS exchange.
type tlsUpgradeState int

const (
	tlsIdle tlsUpgradeState = iota
	tlsClientSentStartTLS
	tlsAwaitingServerAck
	tlsServerReceivedStartTLS
	tlsServerSentAck
	tlsHandshaking
	tlsSecured
	tlsFailed
)

func (s tlsUpgradeState) String() string {
	switch s {
	case tlsIdle:
		return "idle"
	case tlsClientSentStartTLS:
		return "client sent STARTTLS"
	case tlsAwaitingServerAck:
		return "awaiting server acknowledgement"
	case tlsServerReceivedStartTLS:
		return "server received STARTTLS"
	case tlsServerSentAck:
		return "server sent acknowledgement"
	case tlsHandshaking:
		return "handshaking"
	case tlsSecured:
		return "secured"
	case tlsFailed:
		return "failed"
	default:
		return fmt.Sprintf("tlsUpgradeState(%d)", int(s))
	}
}

func (c *Connection) setTLSState(state tlsUpgradeState) {
	c.mu.Lock()
	c.tlsState = state
	c.mu.Unlock()
}

func (c *Connection) currentTLSState() tlsUpgradeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tlsState
}

// secured switches the Connection onto the TLS stream after a successful handshake.
func (c *Connection) secured(tlsConn *tls.Conn, remote nodeid.NodeID, verified bool) {
	c.setStream(tlsConn, nil)

	c.mu.Lock()
	c.isTLS = true
	c.peerVerified = verified
	c.remoteNodeID = remote
	c.tlsState = tlsSecured
	c.mu.Unlock()
}

// classifyHandshakeError separates socket failures from failed TLS negotiations.
func classifyHandshakeError(err error) error {
	var rrErr *rrerr.Error
	if errors.As(err, &rrErr) {
		return rrErr
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return rrerr.Wrap(rrerr.Connection, err, "TLS handshake failed")
	}
	return rrerr.Wrap(rrerr.Authentication, err, "TLS handshake failed")
}

// checkTarget compares a peer's identity against the target of a URL.
func checkTarget(pu *ParsedURL, id nodeid.NodeID, name string) error {
	switch {
	case !pu.NodeID.IsAny() && id != pu.NodeID:
		return rrerr.New(rrerr.NodeNotFound, fmt.Sprintf("remote node is %v, not %v", id, pu.NodeID))
	case pu.NodeID.IsAny() && pu.NodeName != "" && name != pu.NodeName:
		return rrerr.New(rrerr.NodeNotFound, fmt.Sprintf("remote node is %q, not %q", name, pu.NodeName))
	default:
		return nil
	}
}

// clientStartTLS upgrades an outbound Connection to TLS and verifies the server's certificate against the NodeID.
func (c *Connection) clientStartTLS(ctx context.Context, pu *ParsedURL) (err error) {
	defer func() {
		if err != nil {
			c.setTLSState(tlsFailed)
		}
	}()

	node := c.transport.node
	mutual := c.transport.tls.isLoaded()
	deadline := time.Now().Add(c.transport.conf.HandshakeTimeout)

	req := message.NewStreamOp(opStartTLS)
	req.Header = message.Header{
		SenderNodeID:     node.NodeID(),
		SenderNodeName:   node.NodeName(),
		ReceiverNodeID:   pu.NodeID,
		ReceiverNodeName: pu.NodeName,
	}
	if mutual {
		req.First().AddString(elementMutualAuth, "true")
	}

	c.setTLSState(tlsClientSentStartTLS)
	if err = c.writeMessage(req, deadline); err != nil {
		return
	}

	c.setTLSState(tlsAwaitingServerAck)
	reply, err := c.readMessage(deadline)
	if err != nil {
		return
	}
	if entry := reply.First(); entry.Type != message.StreamOpRet || entry.MemberName != opStartTLS {
		return rrerr.New(rrerr.Protocol, fmt.Sprintf("expected a STARTTLS reply, got %v %s", entry.Type, entry.MemberName))
	}
	if err = reply.First().Err(); err != nil {
		return
	}
	if err = checkTarget(pu, reply.Header.SenderNodeID, reply.Header.SenderNodeName); err != nil {
		return
	}

	expected := pu.NodeID
	if expected.IsAny() {
		expected = reply.Header.SenderNodeID
	}
	if expected.IsAny() {
		return rrerr.New(rrerr.Protocol, "server did not identify itself")
	}

	serverMutual, _ := reply.First().StringElement(elementMutualAuth)
	cfg, err := c.transport.tls.clientConfig(mutual && serverMutual == "true")
	if err != nil {
		return
	}

	c.setTLSState(tlsHandshaking)
	tlsConn := tls.Client(&bufferedConn{Conn: c.stream, r: c.reader}, cfg)

	hsCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	if hsErr := tlsConn.HandshakeContext(hsCtx); hsErr != nil {
		return classifyHandshakeError(hsErr)
	}

	if err = verifyPeerIdentity(tlsConn.ConnectionState(), expected); err != nil {
		_ = tlsConn.Close()
		return
	}

	c.setRemote(expected, reply.Header.SenderNodeName)
	c.secured(tlsConn, expected, true)
	c.log().Debug("Secured connection with STARTTLS")
	return nil
}

// serverStartTLS answers a STARTTLS request. A request addressed to another node is refused while keeping the
// Connection open, which is signalled by a nil error and secured being false.
func (c *Connection) serverStartTLS(req *message.Message) (secured bool, err error) {
	defer func() {
		if err != nil {
			c.setTLSState(tlsFailed)
		}
	}()

	c.setTLSState(tlsServerReceivedStartTLS)

	if !c.transport.addressedToNode(req.Header) {
		c.setTLSState(tlsIdle)
		err = c.replyError(req, rrerr.New(rrerr.NodeNotFound, "requested node not found"))
		return
	}

	if !c.transport.tls.isLoaded() {
		if replyErr := c.replyError(req, rrerr.New(rrerr.Connection, "server has no node certificate")); replyErr != nil {
			c.log().WithError(replyErr).Debug("Refusing STARTTLS errored")
		}
		return false, rrerr.New(rrerr.Connection, "STARTTLS requested without a node certificate")
	}

	clientMutual, _ := req.First().StringElement(elementMutualAuth)
	mutual := clientMutual == "true"

	cfg, err := c.transport.tls.serverConfig(mutual)
	if err != nil {
		return
	}

	c.setRemote(req.Header.SenderNodeID, req.Header.SenderNodeName)

	reply := message.NewStreamOpRet(opStartTLS)
	reply.Header = c.replyHeader(req)
	reply.First().RequestID = req.First().RequestID
	if mutual {
		reply.First().AddString(elementMutualAuth, "true")
	}

	deadline := time.Now().Add(c.transport.conf.HandshakeTimeout)
	if err = c.writeMessage(reply, deadline); err != nil {
		return
	}
	c.setTLSState(tlsServerSentAck)

	c.setTLSState(tlsHandshaking)
	tlsConn := tls.Server(&bufferedConn{Conn: c.stream, r: c.reader}, cfg)

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	if hsErr := tlsConn.HandshakeContext(ctx); hsErr != nil {
		return false, classifyHandshakeError(hsErr)
	}

	verified := false
	if mutual {
		if err = verifyPeerIdentity(tlsConn.ConnectionState(), req.Header.SenderNodeID); err != nil {
			return
		}
		verified = true
	}

	c.secured(tlsConn, req.Header.SenderNodeID, verified)
	c.log().WithField("mutual", mutual).Debug("Secured inbound connection with STARTTLS")
	return true, nil
}
