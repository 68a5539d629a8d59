// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcptransport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/rrtcp/rrtcp-go/pkg/message"
	"github.com/rrtcp/rrtcp-go/pkg/nodeid"
	"github.com/rrtcp/rrtcp-go/pkg/rrerr"
)

// Stream operation names of the control plane.
const (
	opStartTLS         = "STARTTLS"
	opCreateConnection = "CreateConnection"

	elementMutualAuth = "mutualauth"
)

// outgoingQueueLen bounds the messages waiting for the writer.
const outgoingQueueLen = 64

// Connection is a single transport connection to a remote node.
//
// A Connection first runs its handshake on the calling goroutine. Afterwards, start spawns a reader and a writer.
// Outgoing messages are written in FIFO order by the writer, which also sends heartbeats.
type Connection struct {
	transport *Transport
	url       string
	server    bool

	// raw is the TCP socket, closed to abort everything.
	raw net.Conn
	// stream is the layer messages are exchanged on, read through reader.
	stream net.Conn
	reader *bufio.Reader

	mu             sync.Mutex
	localEndpoint  uint32
	remoteEndpoint uint32
	remoteNodeID   nodeid.NodeID
	remoteNodeName string
	webSocket      bool
	secureWS       bool
	isTLS          bool
	peerVerified   bool
	tlsState       tlsUpgradeState
	registered     bool
	running        bool
	closing        bool
	closeReason    error
	lastSend       time.Time

	outgoing  chan *message.Message
	stopSyn   chan struct{}
	readDone  chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newConnection(t *Transport, raw net.Conn, url string, server bool) *Connection {
	return &Connection{
		transport: t,
		url:       url,
		server:    server,
		raw:       raw,
		stream:    raw,
		reader:    bufio.NewReader(raw),
		outgoing:  make(chan *message.Message, outgoingQueueLen),
		stopSyn:   make(chan struct{}),
		readDone:  make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

func (c *Connection) log() *log.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	return log.WithFields(log.Fields{
		"peer":     c.raw.RemoteAddr(),
		"server":   c.server,
		"endpoint": c.localEndpoint,
		"remote":   c.remoteNodeID,
	})
}

func (c *Connection) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("Connection(%d, %v, %v)", c.localEndpoint, c.remoteNodeID, c.raw.RemoteAddr())
}

// setStream replaces the stream, e.g., after a WebSocket upgrade or a TLS handshake.
func (c *Connection) setStream(stream net.Conn, reader *bufio.Reader) {
	c.stream = stream
	if reader == nil {
		reader = bufio.NewReader(stream)
	}
	c.reader = reader
}

// LocalEndpoint id of this Connection, zero until assigned.
func (c *Connection) LocalEndpoint() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localEndpoint
}

// RemoteEndpoint id of this Connection, zero until assigned.
func (c *Connection) RemoteEndpoint() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteEndpoint
}

func (c *Connection) RemoteNodeID() nodeid.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteNodeID
}

func (c *Connection) RemoteNodeName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteNodeName
}

// URL this Connection was established to; empty for inbound connections.
func (c *Connection) URL() string {
	return c.url
}

func (c *Connection) IsTLS() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isTLS
}

func (c *Connection) IsPeerVerified() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerVerified
}

func (c *Connection) IsWebSocket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.webSocket
}

// IsSecureWebSocket if the WebSocket runs over an outer TLS layer, as for rrs+wss.
func (c *Connection) IsSecureWebSocket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secureWS
}

func (c *Connection) setWebSocket(secure bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.webSocket = true
	c.secureWS = secure
}

// PeerIdentity is the verified remote NodeID's string.
func (c *Connection) PeerIdentity() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.peerVerified {
		return "", rrerr.New(rrerr.Authentication, "peer identity was not verified")
	}
	return c.remoteNodeID.String(), nil
}

// IsConnected until the Connection starts closing.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closing
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Closed is closed after the Connection released its socket.
func (c *Connection) Closed() <-chan struct{} {
	return c.closed
}

func (c *Connection) endpoints() (local, remote uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localEndpoint, c.remoteEndpoint
}

func (c *Connection) setEndpoints(local, remote uint32) {
	c.mu.Lock()
	c.localEndpoint = local
	c.remoteEndpoint = remote
	c.mu.Unlock()
}

func (c *Connection) setRemote(id nodeid.NodeID, name string) {
	c.mu.Lock()
	c.remoteNodeID = id
	c.remoteNodeName = name
	c.mu.Unlock()
}

func (c *Connection) markRegistered() {
	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()
}

// readMessage reads the next non-heartbeat Message within the handshake phase.
func (c *Connection) readMessage(deadline time.Time) (*message.Message, error) {
	_ = c.stream.SetReadDeadline(deadline)
	defer func() { _ = c.stream.SetReadDeadline(time.Time{}) }()

	for {
		msg, err := message.ReadMessage(c.reader, c.transport.conf.MaxMessageSize)
		if err != nil {
			return nil, classifyReadError(err)
		}
		if !msg.IsHeartbeat() {
			return msg, nil
		}
	}
}

// writeMessage writes directly to the stream; outside the handshake phase only the writer may call this.
func (c *Connection) writeMessage(msg *message.Message, deadline time.Time) error {
	_ = c.stream.SetWriteDeadline(deadline)
	defer func() { _ = c.stream.SetWriteDeadline(time.Time{}) }()

	if err := message.WriteMessage(msg, c.stream); err != nil {
		return rrerr.Wrap(rrerr.Connection, err, "")
	}

	c.mu.Lock()
	c.lastSend = time.Now()
	c.mu.Unlock()
	return nil
}

func classifyReadError(err error) error {
	var rrErr *rrerr.Error
	if errors.As(err, &rrErr) {
		return rrErr
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return rrerr.Wrap(rrerr.Connection, err, "connection closed by peer")
	}
	return rrerr.Wrap(rrerr.Connection, err, "")
}

// replyError answers a StreamOp with an error.
func (c *Connection) replyError(req *message.Message, err *rrerr.Error) error {
	reply := message.NewStreamOpRet(req.First().MemberName)
	reply.Header = c.replyHeader(req)
	reply.First().RequestID = req.First().RequestID
	reply.First().SetError(err)
	return c.writeMessage(reply, time.Now().Add(c.transport.conf.HandshakeTimeout))
}

func (c *Connection) replyHeader(req *message.Message) message.Header {
	return message.Header{
		SenderNodeID:     c.transport.node.NodeID(),
		SenderNodeName:   c.transport.node.NodeName(),
		ReceiverNodeID:   req.Header.SenderNodeID,
		ReceiverNodeName: req.Header.SenderNodeName,
		SenderEndpoint:   req.Header.ReceiverEndpoint,
		ReceiverEndpoint: req.Header.SenderEndpoint,
	}
}

// start the reader and writer. It fails if the Connection was closed meanwhile.
func (c *Connection) start() bool {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return false
	}
	c.running = true
	c.lastSend = time.Now()
	c.mu.Unlock()

	go c.readLoop()
	go c.writeLoop()
	return true
}

// send queues a Message for the writer.
func (c *Connection) send(msg *message.Message) error {
	select {
	case <-c.stopSyn:
		return rrerr.New(rrerr.Connection, "connection was closed")
	default:
	}

	select {
	case c.outgoing <- msg:
		return nil
	case <-c.stopSyn:
		return rrerr.New(rrerr.Connection, "connection was closed")
	}
}

func (c *Connection) readLoop() {
	defer close(c.readDone)

	for {
		_ = c.stream.SetReadDeadline(time.Now().Add(c.transport.conf.ReceiveTimeout))
		msg, err := message.ReadMessage(c.reader, c.transport.conf.MaxMessageSize)
		if err != nil {
			if c.IsConnected() {
				c.shutdown(classifyReadError(err))
			}
			return
		}

		if msg.IsHeartbeat() {
			continue
		}
		if msg.IsStreamOp() {
			if err := c.handleStreamOp(msg); err != nil {
				c.shutdown(err)
				return
			}
			continue
		}

		local, remote := c.endpoints()
		if local == 0 || remote == 0 {
			c.shutdown(rrerr.New(rrerr.Protocol, "received a message before the endpoints were assigned"))
			return
		}
		if msg.Header.ReceiverEndpoint != local {
			c.log().WithField("message", msg).Debug("Dropping message addressed to another endpoint")
			continue
		}

		c.transport.node.MessageReceived(msg)
	}
}

// handleStreamOp of an established Connection. Handshake operations are not allowed anymore.
func (c *Connection) handleStreamOp(msg *message.Message) error {
	entry := msg.First()
	if entry.Type == message.StreamOpRet {
		c.log().WithField("op", entry.MemberName).Debug("Ignoring unexpected stream operation reply")
		return nil
	}

	switch entry.MemberName {
	case opStartTLS, opCreateConnection:
		return rrerr.New(rrerr.Protocol, fmt.Sprintf("%s after the connection was established", entry.MemberName))

	default:
		reply := message.NewStreamOpRet(entry.MemberName)
		reply.Header = c.replyHeader(msg)
		reply.First().RequestID = entry.RequestID
		reply.First().SetError(rrerr.New(rrerr.Protocol, fmt.Sprintf("unknown stream operation %s", entry.MemberName)))
		return c.send(reply)
	}
}

func (c *Connection) writeLoop() {
	period := c.transport.conf.HeartbeatPeriod
	heartbeat := time.NewTicker(period / 2)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.stopSyn:
			_ = c.stream.SetWriteDeadline(time.Now().Add(time.Second))
			if err := c.stream.Close(); err != nil {
				c.log().WithError(err).Debug("Closing stream errored")
			}
			_ = c.raw.Close()
			<-c.readDone
			c.finish()
			return

		case msg := <-c.outgoing:
			if err := c.writeMessage(msg, time.Now().Add(c.transport.conf.ReceiveTimeout)); err != nil {
				c.shutdown(err)
			}

		case <-heartbeat.C:
			c.mu.Lock()
			idle := time.Since(c.lastSend)
			local, remote := c.localEndpoint, c.remoteEndpoint
			c.mu.Unlock()

			if idle < period {
				continue
			}

			hb := &message.Message{Header: message.Header{
				SenderNodeID:     c.transport.node.NodeID(),
				SenderNodeName:   c.transport.node.NodeName(),
				ReceiverNodeID:   c.RemoteNodeID(),
				SenderEndpoint:   local,
				ReceiverEndpoint: remote,
			}}
			if err := c.writeMessage(hb, time.Now().Add(c.transport.conf.ReceiveTimeout)); err != nil {
				c.shutdown(err)
			}
		}
	}
}

// Close this Connection gracefully. It returns immediately; Closed signals the completion.
func (c *Connection) Close() {
	c.shutdown(nil)
}

func (c *Connection) shutdown(reason error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.closeReason = reason
	running := c.running
	c.mu.Unlock()

	if reason != nil {
		c.log().WithError(reason).Info("Closing connection")
	} else {
		c.log().Debug("Closing connection")
	}

	close(c.stopSyn)

	if !running {
		_ = c.raw.Close()
		c.finish()
	}
}

// Err is the reason this Connection was closed for, nil if it was closed deliberately or is still open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// forceClose aborts the socket regardless of any pending TLS or WebSocket shutdown.
func (c *Connection) forceClose() error {
	err := c.raw.Close()
	c.shutdown(rrerr.New(rrerr.Connection, "connection was force closed"))
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// abandon a Connection which was never handed out, e.g., a late winner of a race.
func (c *Connection) abandon() {
	_ = c.forceClose()
}

func (c *Connection) finish() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.transport.connectionClosed(c)
	})
}

// ConnectionInfo describes a Connection for introspection.
type ConnectionInfo struct {
	LocalEndpoint  uint32 `json:"local_endpoint"`
	RemoteEndpoint uint32 `json:"remote_endpoint"`
	RemoteNodeID   string `json:"remote_node_id"`
	RemoteNodeName string `json:"remote_node_name"`
	RemoteAddress  string `json:"remote_address"`
	URL            string `json:"url,omitempty"`
	Inbound        bool   `json:"inbound"`
	TLS            bool   `json:"tls"`
	PeerVerified   bool   `json:"peer_verified"`
	WebSocket      bool   `json:"websocket"`
	SecureWS       bool   `json:"secure_websocket"`
}

// Info snapshots this Connection's state.
func (c *Connection) Info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ConnectionInfo{
		LocalEndpoint:  c.localEndpoint,
		RemoteEndpoint: c.remoteEndpoint,
		RemoteNodeID:   c.remoteNodeID.String(),
		RemoteNodeName: c.remoteNodeName,
		RemoteAddress:  c.raw.RemoteAddr().String(),
		URL:            c.url,
		Inbound:        c.server,
		TLS:            c.isTLS,
		PeerVerified:   c.peerVerified,
		WebSocket:      c.webSocket,
		SecureWS:       c.secureWS,
	}
}
