// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcptransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/rrtcp/rrtcp-go/pkg/message"
	"github.com/rrtcp/rrtcp-go/pkg/rrerr"
)

// addressedToNode checks if a Message's receiver matches this node. Empty receiver fields match every node.
func (t *Transport) addressedToNode(h message.Header) bool {
	if !h.ReceiverNodeID.IsAny() && h.ReceiverNodeID != t.node.NodeID() {
		return false
	}
	if h.ReceiverNodeName != "" && h.ReceiverNodeName != t.node.NodeName() {
		return false
	}
	return true
}

// clientHandshake runs the outbound handshake: the optional WebSocket upgrade, the optional STARTTLS and finally
// CreateConnection.
func (c *Connection) clientHandshake(ctx context.Context, pu *ParsedURL) error {
	if pu.WebSocket {
		var tlsConf *tls.Config
		if pu.SecureWebSocket {
			var err error
			if tlsConf, err = c.transport.tls.webSocketConfig(pu.Host); err != nil {
				return err
			}
		}

		stream, err := dialWebSocket(ctx, c.raw, pu, tlsConf, c.transport.conf.HandshakeTimeout)
		if err != nil {
			return err
		}
		c.setStream(stream, nil)
		c.setWebSocket(pu.SecureWebSocket)
	}

	if pu.StartTLS {
		if err := c.clientStartTLS(ctx, pu); err != nil {
			return err
		}
	}

	return c.clientCreateConnection(pu)
}

func (c *Connection) clientCreateConnection(pu *ParsedURL) error {
	t := c.transport
	local := t.newEndpointID()

	receiverID := pu.NodeID
	if c.IsTLS() {
		receiverID = c.RemoteNodeID()
	}

	req := message.NewStreamOp(opCreateConnection)
	req.Header = message.Header{
		SenderNodeID:     t.node.NodeID(),
		SenderNodeName:   t.node.NodeName(),
		ReceiverNodeID:   receiverID,
		ReceiverNodeName: pu.NodeName,
		SenderEndpoint:   local,
	}

	deadline := time.Now().Add(t.conf.HandshakeTimeout)
	if err := c.writeMessage(req, deadline); err != nil {
		return err
	}

	reply, err := c.readMessage(deadline)
	if err != nil {
		return err
	}

	entry := reply.First()
	if entry.Type != message.StreamOpRet || entry.MemberName != opCreateConnection {
		return rrerr.New(rrerr.Protocol, fmt.Sprintf("expected a CreateConnection reply, got %v %s", entry.Type, entry.MemberName))
	}
	if err := entry.Err(); err != nil {
		return err
	}
	if err := checkTarget(pu, reply.Header.SenderNodeID, reply.Header.SenderNodeName); err != nil {
		return err
	}
	if c.IsTLS() && reply.Header.SenderNodeID != c.RemoteNodeID() {
		return rrerr.New(rrerr.Authentication, "remote node changed its identity after STARTTLS")
	}
	if reply.Header.ReceiverEndpoint != local || reply.Header.SenderEndpoint == 0 {
		return rrerr.New(rrerr.Protocol, "CreateConnection reply carries invalid endpoints")
	}

	c.setRemote(reply.Header.SenderNodeID, reply.Header.SenderNodeName)
	c.setEndpoints(local, reply.Header.SenderEndpoint)
	return nil
}

// serveIncoming drives an accepted connection from sniffing through its handshake until it is started.
func (t *Transport) serveIncoming(c *Connection) {
	kind, err := sniff(c.raw, c.reader, t.conf.SniffTimeout)
	if err != nil {
		c.shutdown(err)
		return
	}

	if kind == protocolWebSocket {
		if !t.conf.AcceptWebSockets {
			c.shutdown(rrerr.New(rrerr.Protocol, "WebSocket connections are not accepted"))
			return
		}

		stream, err := t.upgradeWebSocket(c.raw, c.reader)
		if err != nil {
			c.shutdown(err)
			return
		}
		c.setStream(stream, nil)
		c.setWebSocket(false)
	}

	if err := c.serverHandshake(); err != nil {
		c.shutdown(err)
		return
	}

	if c.start() {
		c.log().Info("Accepted connection")
	}
}

// serverHandshake processes STARTTLS and CreateConnection requests until the endpoints are assigned.
func (c *Connection) serverHandshake() error {
	t := c.transport

	for {
		req, err := c.readMessage(time.Now().Add(t.conf.ReceiveTimeout))
		if err != nil {
			return err
		}

		if !req.IsStreamOp() {
			return rrerr.New(rrerr.Protocol, "received a message before the endpoints were assigned")
		}
		entry := req.First()
		if entry.Type != message.StreamOp {
			return rrerr.New(rrerr.Protocol, fmt.Sprintf("unexpected %v %s", entry.Type, entry.MemberName))
		}

		switch entry.MemberName {
		case opStartTLS:
			if c.IsTLS() {
				return rrerr.New(rrerr.Protocol, "STARTTLS on an already secured connection")
			}
			if _, err := c.serverStartTLS(req); err != nil {
				return err
			}

		case opCreateConnection:
			done, err := c.serverCreateConnection(req)
			if err != nil || done {
				return err
			}

		default:
			if err := c.replyError(req, rrerr.New(rrerr.Protocol, fmt.Sprintf("unknown stream operation %s", entry.MemberName))); err != nil {
				return err
			}
		}
	}
}

// serverCreateConnection assigns the endpoints and registers the Connection. A request for another node is refused
// while keeping the Connection open.
func (c *Connection) serverCreateConnection(req *message.Message) (bool, error) {
	t := c.transport

	if t.conf.RequireTLS && !c.IsTLS() {
		authErr := rrerr.New(rrerr.Authentication, "this node requires TLS")
		if err := c.replyError(req, authErr); err != nil {
			c.log().WithError(err).Debug("Refusing CreateConnection errored")
		}
		return false, authErr
	}

	if !t.addressedToNode(req.Header) {
		return false, c.replyError(req, rrerr.New(rrerr.NodeNotFound, "requested node not found"))
	}

	if req.Header.SenderEndpoint == 0 {
		protoErr := rrerr.New(rrerr.Protocol, "CreateConnection without a sender endpoint")
		_ = c.replyError(req, protoErr)
		return false, protoErr
	}

	if c.IsTLS() && req.Header.SenderNodeID != c.RemoteNodeID() {
		authErr := rrerr.New(rrerr.Authentication, "remote node changed its identity after STARTTLS")
		_ = c.replyError(req, authErr)
		return false, authErr
	}

	local := t.newEndpointID()
	c.setEndpoints(local, req.Header.SenderEndpoint)
	c.setRemote(req.Header.SenderNodeID, req.Header.SenderNodeName)

	if err := t.register(c); err != nil {
		return false, err
	}

	reply := message.NewStreamOpRet(opCreateConnection)
	reply.Header = c.replyHeader(req)
	reply.Header.SenderEndpoint = local
	reply.First().RequestID = req.First().RequestID

	if err := c.writeMessage(reply, time.Now().Add(t.conf.HandshakeTimeout)); err != nil {
		return false, err
	}
	return true, nil
}
