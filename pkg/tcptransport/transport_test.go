// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcptransport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/rrtcp/rrtcp-go/pkg/discovery"
	"github.com/rrtcp/rrtcp-go/pkg/message"
	"github.com/rrtcp/rrtcp-go/pkg/netaddr"
	"github.com/rrtcp/rrtcp-go/pkg/nodeid"
	"github.com/rrtcp/rrtcp-go/pkg/rrerr"
	"github.com/rrtcp/rrtcp-go/pkg/tcptransport/internal/nodecert"
)

func randomTcpPort(t *testing.T) (port int) {
	if addr, err := net.ResolveTCPAddr("tcp4", "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	} else if l, err := net.ListenTCP("tcp4", addr); err != nil {
		t.Fatal(err)
	} else {
		port = l.Addr().(*net.TCPAddr).Port
		_ = l.Close()
	}
	return
}

type testNode struct {
	id   nodeid.NodeID
	name string

	received chan *message.Message
	closed   chan uint32

	mu       sync.Mutex
	detected []discovery.NodeInfo
}

func newTestNode(name string) *testNode {
	return &testNode{
		id:       nodeid.New(),
		name:     name,
		received: make(chan *message.Message, 16),
		closed:   make(chan uint32, 16),
	}
}

func (n *testNode) NodeID() nodeid.NodeID { return n.id }
func (n *testNode) NodeName() string      { return n.name }

func (n *testNode) MessageReceived(msg *message.Message) {
	n.received <- msg
}

func (n *testNode) TransportConnectionClosed(endpoint uint32) {
	n.closed <- endpoint
}

func (n *testNode) NodeDetected(info discovery.NodeInfo) {
	n.mu.Lock()
	n.detected = append(n.detected, info)
	n.mu.Unlock()
}

func testConfig() Config {
	conf := DefaultConfig()
	conf.ConnectTimeout = 2 * time.Second
	conf.HandshakeTimeout = 2 * time.Second
	conf.SniffTimeout = 2 * time.Second
	return conf
}

func newTestTransport(t *testing.T, name string, conf Config) (*Transport, *testNode) {
	node := newTestNode(name)
	tr := newTransport(node, conf, netaddr.Static{netip.MustParseAddr("127.0.0.1")}, net.DefaultResolver)
	t.Cleanup(tr.Close)
	return tr, node
}

func startTestServer(t *testing.T, name string, conf Config) (*Transport, *testNode) {
	tr, node := newTestTransport(t, name, conf)
	if err := tr.StartServer(0); err != nil {
		t.Fatal(err)
	}
	return tr, node
}

func nodeURL(scheme string, tr *Transport, id nodeid.NodeID) string {
	path := "/"
	if scheme == "rr+ws" || scheme == "rrs+ws" {
		path = "/ws"
	}
	return fmt.Sprintf("%s://127.0.0.1:%d%s?nodeid=%s", scheme, tr.Port(), path, id.Dashed())
}

func connectTest(t *testing.T, tr *Transport, url string) (*Connection, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return tr.Connect(ctx, url)
}

func receive(t *testing.T, node *testNode) *message.Message {
	select {
	case msg := <-node.received:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatalf("node %s received no message", node.name)
		return nil
	}
}

func applicationMessage(endpoint uint32, member string) *message.Message {
	return &message.Message{
		Header:  message.Header{SenderEndpoint: endpoint},
		Entries: []message.Entry{{Type: message.ApplicationBase, MemberName: member}},
	}
}

// exchange sends a message in both directions over an established Connection.
func exchange(t *testing.T, client *Transport, clientNode *testNode, conn *Connection, server *Transport, serverNode *testNode) {
	if err := client.SendMessage(applicationMessage(conn.LocalEndpoint(), "ping")); err != nil {
		t.Fatal(err)
	}

	ping := receive(t, serverNode)
	if ping.First().MemberName != "ping" {
		t.Fatalf("server received %v", ping)
	}
	if ping.Header.SenderNodeID != clientNode.id || ping.Header.ReceiverEndpoint == 0 {
		t.Fatalf("ping has header %+v", ping.Header)
	}

	if err := server.SendMessage(applicationMessage(ping.Header.ReceiverEndpoint, "pong")); err != nil {
		t.Fatal(err)
	}

	pong := receive(t, clientNode)
	if pong.First().MemberName != "pong" || pong.Header.ReceiverEndpoint != conn.LocalEndpoint() {
		t.Fatalf("client received %v", pong)
	}
}

func TestTransportConnect(t *testing.T) {
	server, serverNode := startTestServer(t, "server", testConfig())
	client, clientNode := newTestTransport(t, "client", testConfig())

	conn, err := connectTest(t, client, nodeURL("rr+tcp", server, serverNode.id))
	if err != nil {
		t.Fatal(err)
	}

	if conn.RemoteNodeID() != serverNode.id || conn.RemoteNodeName() != "server" {
		t.Fatalf("connected to %v %s", conn.RemoteNodeID(), conn.RemoteNodeName())
	}
	if conn.IsTLS() || conn.IsWebSocket() {
		t.Fatal("plain connection reports TLS or WebSocket")
	}

	exchange(t, client, clientNode, conn, server, serverNode)

	if n := len(client.Connections()); n != 1 {
		t.Fatalf("client has %d connections", n)
	}

	if err := client.CloseConnection(conn.LocalEndpoint()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-serverNode.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("server was not informed about the closed connection")
	}
	select {
	case ep := <-clientNode.closed:
		if ep != conn.LocalEndpoint() {
			t.Fatalf("client was informed about endpoint %d", ep)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client was not informed about the closed connection")
	}

	if _, err := client.Connection(conn.LocalEndpoint()); !rrerr.IsKind(err, rrerr.Connection) {
		t.Fatalf("closed connection is still registered: %v", err)
	}
}

func TestTransportConnectWithoutNodeID(t *testing.T) {
	server, serverNode := startTestServer(t, "server", testConfig())
	client, _ := newTestTransport(t, "client", testConfig())

	conn, err := connectTest(t, client, fmt.Sprintf("rr+tcp://127.0.0.1:%d/", server.Port()))
	if err != nil {
		t.Fatal(err)
	}
	if conn.RemoteNodeID() != serverNode.id {
		t.Fatalf("connected to %v", conn.RemoteNodeID())
	}
}

func TestTransportConnectErrors(t *testing.T) {
	server, _ := startTestServer(t, "server", testConfig())
	client, _ := newTestTransport(t, "client", testConfig())

	tests := []struct {
		name string
		url  string
		kind rrerr.Kind
	}{
		{"node not found", nodeURL("rr+tcp", server, nodeid.New()), rrerr.NodeNotFound},
		{"node name not found", fmt.Sprintf("rr+tcp://127.0.0.1:%d/?nodename=other", server.Port()), rrerr.NodeNotFound},
		{"refused", fmt.Sprintf("rr+tcp://127.0.0.1:%d/", randomTcpPort(t)), rrerr.Connection},
		{"unknown node over tls", nodeURL("rrs+tcp", server, nodeid.New()), rrerr.NodeNotFound},
		{"malformed", "http://127.0.0.1:80/", rrerr.InvalidArgument},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := connectTest(t, client, test.url); !rrerr.IsKind(err, test.kind) {
				t.Fatalf("expected a %v error, got %v", test.kind, err)
			}
		})
	}
}

func TestTransportStartTLSWithoutServerCertificate(t *testing.T) {
	server, serverNode := startTestServer(t, "server", testConfig())
	client, _ := newTestTransport(t, "client", testConfig())

	if server.IsTLSNodeCertificateLoaded() {
		t.Fatal("server has a certificate")
	}

	if _, err := connectTest(t, client, nodeURL("rrs+tcp", server, serverNode.id)); !rrerr.IsKind(err, rrerr.Connection) {
		t.Fatalf("expected a connection error, got %v", err)
	}
	if n := client.ConnectionCount(); n != 0 {
		t.Fatalf("client kept %d connections", n)
	}

	deadline := time.Now().Add(3 * time.Second)
	for server.ConnectionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("server kept %d connections", server.ConnectionCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTransportConnectRacesCandidates(t *testing.T) {
	server, serverNode := startTestServer(t, "server", testConfig())
	client, _ := newTestTransport(t, "client", testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := client.Connect(ctx,
		fmt.Sprintf("rr+tcp://127.0.0.1:%d/", randomTcpPort(t)),
		nodeURL("rr+tcp", server, serverNode.id),
		"not a url")
	if err != nil {
		t.Fatal(err)
	}
	if conn.RemoteNodeID() != serverNode.id {
		t.Fatalf("connected to %v", conn.RemoteNodeID())
	}
}

func TestTransportConnectAsync(t *testing.T) {
	server, serverNode := startTestServer(t, "server", testConfig())
	client, _ := newTestTransport(t, "client", testConfig())

	results := make(chan error, 2)
	client.ConnectAsync([]string{nodeURL("rr+tcp", server, serverNode.id)}, func(c *Connection, err error) {
		if err == nil && c.RemoteNodeID() != serverNode.id {
			err = fmt.Errorf("connected to %v", c.RemoteNodeID())
		}
		results <- err
	})

	select {
	case err := <-results:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not called")
	}

	select {
	case <-results:
		t.Fatal("handler was called twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransportRequireTLS(t *testing.T) {
	conf := testConfig()
	conf.RequireTLS = true

	server, serverNode := startTestServer(t, "server", conf)
	client, _ := newTestTransport(t, "client", testConfig())

	if _, err := connectTest(t, client, nodeURL("rr+tcp", server, serverNode.id)); !rrerr.IsKind(err, rrerr.Authentication) {
		t.Fatalf("expected an authentication error, got %v", err)
	}
}

func TestTransportWebSocket(t *testing.T) {
	server, serverNode := startTestServer(t, "server", testConfig())
	client, clientNode := newTestTransport(t, "client", testConfig())

	conn, err := connectTest(t, client, nodeURL("rr+ws", server, serverNode.id))
	if err != nil {
		t.Fatal(err)
	}
	if !conn.IsWebSocket() {
		t.Fatal("connection is no WebSocket")
	}
	if conn.IsSecureWebSocket() || conn.Info().SecureWS {
		t.Fatal("plain WebSocket is reported as secure")
	}

	exchange(t, client, clientNode, conn, server, serverNode)
}

func TestTransportWebSocketDisabled(t *testing.T) {
	conf := testConfig()
	conf.AcceptWebSockets = false

	server, serverNode := startTestServer(t, "server", conf)
	client, _ := newTestTransport(t, "client", testConfig())

	if _, err := connectTest(t, client, nodeURL("rr+ws", server, serverNode.id)); err == nil {
		t.Fatal("WebSocket connection was accepted")
	}
}

func issueCertificates(t *testing.T, transports map[*Transport]nodeid.NodeID) *nodecert.Authority {
	ca, err := nodecert.NewAuthority("Test Root CA")
	if err != nil {
		t.Fatal(err)
	}

	for tr, id := range transports {
		cert, err := ca.Issue(id)
		if err != nil {
			t.Fatal(err)
		}
		if err := tr.SetTLSNodeCertificate(cert); err != nil {
			t.Fatal(err)
		}
		tr.SetTLSRoots(ca.Pool())
	}
	return ca
}

func TestTransportStartTLS(t *testing.T) {
	for _, scheme := range []string{"rrs+tcp", "rrs+ws"} {
		t.Run(scheme, func(t *testing.T) {
			server, serverNode := startTestServer(t, "server", testConfig())
			client, clientNode := newTestTransport(t, "client", testConfig())
			issueCertificates(t, map[*Transport]nodeid.NodeID{server: serverNode.id, client: clientNode.id})

			conn, err := connectTest(t, client, nodeURL(scheme, server, serverNode.id))
			if err != nil {
				t.Fatal(err)
			}

			if !conn.IsTLS() || !conn.IsPeerVerified() {
				t.Fatal("connection is not secured")
			}
			if state := conn.currentTLSState(); state != tlsSecured {
				t.Fatalf("connection is in TLS state %v", state)
			}
			if identity, err := client.GetSecurePeerIdentity(conn.LocalEndpoint()); err != nil {
				t.Fatal(err)
			} else if identity != serverNode.id.String() {
				t.Fatalf("peer identity is %s", identity)
			}

			exchange(t, client, clientNode, conn, server, serverNode)

			// The server verified the client's certificate as well.
			serverEndpoint := conn.RemoteEndpoint()
			if secure, err := server.IsTransportConnectionSecure(serverEndpoint); err != nil || !secure {
				t.Fatalf("server side is not secure: %v", err)
			}
			if verified, err := server.IsSecurePeerIdentityVerified(serverEndpoint); err != nil || !verified {
				t.Fatalf("server side did not verify the client: %v", err)
			}
		})
	}
}

func TestTransportStartTLSServerOnly(t *testing.T) {
	server, serverNode := startTestServer(t, "server", testConfig())
	client, clientNode := newTestTransport(t, "client", testConfig())

	issueCertificates(t, map[*Transport]nodeid.NodeID{server: serverNode.id})
	client.SetTLSRoots(server.tls.roots)

	conn, err := connectTest(t, client, nodeURL("rrs+tcp", server, serverNode.id))
	if err != nil {
		t.Fatal(err)
	}
	if !conn.IsTLS() || !conn.IsPeerVerified() {
		t.Fatal("client did not verify the server")
	}

	exchange(t, client, clientNode, conn, server, serverNode)

	if verified, err := server.IsSecurePeerIdentityVerified(conn.RemoteEndpoint()); err != nil || verified {
		t.Fatalf("server claims a verified client without a client certificate: %v", err)
	}
	if _, err := server.GetSecurePeerIdentity(conn.RemoteEndpoint()); !rrerr.IsKind(err, rrerr.Authentication) {
		t.Fatalf("expected an authentication error, got %v", err)
	}
}

func TestTransportStartTLSTamperedCommonName(t *testing.T) {
	server, serverNode := startTestServer(t, "server", testConfig())
	client, _ := newTestTransport(t, "client", testConfig())

	ca := issueCertificates(t, map[*Transport]nodeid.NodeID{})
	client.SetTLSRoots(ca.Pool())
	server.SetTLSRoots(ca.Pool())

	// A valid certificate, but for another node.
	forged, err := ca.Issue(nodeid.New())
	if err != nil {
		t.Fatal(err)
	}
	if err := server.SetTLSNodeCertificate(forged); !rrerr.IsKind(err, rrerr.InvalidArgument) {
		t.Fatalf("foreign certificate was accepted: %v", err)
	}
	server.tls.mu.Lock()
	server.tls.cert = &forged
	server.tls.mu.Unlock()

	if _, err := connectTest(t, client, nodeURL("rrs+tcp", server, serverNode.id)); !rrerr.IsKind(err, rrerr.Authentication) {
		t.Fatalf("expected an authentication error, got %v", err)
	}
}

func TestTransportStartTLSUntrustedRoot(t *testing.T) {
	server, serverNode := startTestServer(t, "server", testConfig())
	client, _ := newTestTransport(t, "client", testConfig())

	issueCertificates(t, map[*Transport]nodeid.NodeID{server: serverNode.id})

	other, err := nodecert.NewAuthority("Other Root CA")
	if err != nil {
		t.Fatal(err)
	}
	client.SetTLSRoots(other.Pool())

	if _, err := connectTest(t, client, nodeURL("rrs+tcp", server, serverNode.id)); !rrerr.IsKind(err, rrerr.Authentication) {
		t.Fatalf("expected an authentication error, got %v", err)
	}
}

func TestTransportAdmissionControl(t *testing.T) {
	conf := testConfig()
	conf.MaxConnectionCount = 2
	conf.SniffTimeout = 30 * time.Second

	server, _ := startTestServer(t, "server", conf)
	addr := fmt.Sprintf("127.0.0.1:%d", server.Port())

	var conns []net.Conn
	defer func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}()
	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp4", addr)
		if err != nil {
			t.Fatal(err)
		}
		conns = append(conns, conn)
	}

	server.mu.Lock()
	a := server.acceptors[0]
	server.mu.Unlock()

	deadline := time.Now().Add(3 * time.Second)
	for a.currentState() != acceptPaused {
		if time.Now().After(deadline) {
			t.Fatalf("acceptor did not pause, %d connections", server.ConnectionCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := server.ConnectionCount(); n != 3 {
		t.Fatalf("server counts %d connections", n)
	}

	_ = conns[0].Close()
	_ = conns[1].Close()

	deadline = time.Now().Add(3 * time.Second)
	for a.currentState() != acceptRunning {
		if time.Now().After(deadline) {
			t.Fatalf("acceptor did not resume, %d connections", server.ConnectionCount())
		}
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)
	if n := a.rearmCount(); n != 1 {
		t.Fatalf("acceptor was re-armed %d times", n)
	}
}

func waitAcceptors(t *testing.T, acceptors []*acceptor, state acceptState) {
	deadline := time.Now().Add(3 * time.Second)
	for _, a := range acceptors {
		for a.currentState() != state {
			if time.Now().After(deadline) {
				t.Fatalf("%s acceptor is %v, expected %v", a.family, a.currentState(), state)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestTransportAdmissionControlPerFamily(t *testing.T) {
	if ln, err := net.Listen("tcp6", "[::1]:0"); err != nil {
		t.Skipf("no IPv6 loopback: %v", err)
	} else {
		_ = ln.Close()
	}

	conf := testConfig()
	conf.MaxConnectionCount = 2
	conf.SniffTimeout = 30 * time.Second

	node := newTestNode("server")
	server := newTransport(node, conf,
		netaddr.Static{netip.MustParseAddr("127.0.0.1"), netip.MustParseAddr("::1")}, net.DefaultResolver)
	t.Cleanup(server.Close)
	if err := server.StartServer(0); err != nil {
		t.Fatal(err)
	}

	server.mu.Lock()
	acceptors := append([]*acceptor(nil), server.acceptors...)
	server.mu.Unlock()
	if len(acceptors) != 2 {
		t.Fatalf("server runs %d acceptors", len(acceptors))
	}

	var conns []net.Conn
	defer func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}()
	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", server.Port()))
		if err != nil {
			t.Fatal(err)
		}
		conns = append(conns, conn)
	}

	// Connections on one family pause both.
	waitAcceptors(t, acceptors, acceptPaused)

	_ = conns[0].Close()
	_ = conns[1].Close()

	waitAcceptors(t, acceptors, acceptRunning)
	time.Sleep(100 * time.Millisecond)
	for _, a := range acceptors {
		if n := a.rearmCount(); n != 1 {
			t.Fatalf("%s acceptor was re-armed %d times", a.family, n)
		}
	}

	// The IPv6 acceptor serves connections again on its own.
	conn, err := net.Dial("tcp6", fmt.Sprintf("[::1]:%d", server.Port()))
	if err != nil {
		t.Fatal(err)
	}
	conns = append(conns, conn)

	deadline := time.Now().Add(3 * time.Second)
	for server.ConnectionCount() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("server counts %d connections", server.ConnectionCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTransportStartServer(t *testing.T) {
	tr, _ := newTestTransport(t, "server", testConfig())

	tests := []struct {
		name string
		port int
		kind rrerr.Kind
	}{
		{"reserved", ReservedPort, rrerr.InvalidArgument},
		{"negative", -1, rrerr.InvalidArgument},
		{"too large", 70000, rrerr.InvalidArgument},
	}
	for _, test := range tests {
		if err := tr.StartServer(test.port); !rrerr.IsKind(err, test.kind) {
			t.Fatalf("%s: expected a %v error, got %v", test.name, test.kind, err)
		}
	}

	port := randomTcpPort(t)
	if err := tr.StartServer(port); err != nil {
		t.Fatal(err)
	}
	if tr.Port() != port {
		t.Fatalf("server listens on port %d instead of %d", tr.Port(), port)
	}
	if err := tr.StartServer(0); !rrerr.IsKind(err, rrerr.InvalidArgument) {
		t.Fatalf("second server start was not refused: %v", err)
	}

	other, _ := newTestTransport(t, "other", testConfig())
	if err := other.StartServer(port); !rrerr.IsKind(err, rrerr.SystemResource) {
		t.Fatalf("expected a system resource error, got %v", err)
	}
	if other.Port() != 0 {
		t.Fatal("failed server reports a port")
	}
}

func TestTransportUnknownEndpoint(t *testing.T) {
	tr, _ := newTestTransport(t, "node", testConfig())

	if _, err := tr.IsTransportConnectionSecure(42); !rrerr.IsKind(err, rrerr.Connection) {
		t.Fatalf("IsTransportConnectionSecure: %v", err)
	}
	if _, err := tr.IsSecurePeerIdentityVerified(42); !rrerr.IsKind(err, rrerr.Connection) {
		t.Fatalf("IsSecurePeerIdentityVerified: %v", err)
	}
	if _, err := tr.GetSecurePeerIdentity(42); !rrerr.IsKind(err, rrerr.Connection) {
		t.Fatalf("GetSecurePeerIdentity: %v", err)
	}
	if err := tr.SendMessage(applicationMessage(42, "lost")); !rrerr.IsKind(err, rrerr.Connection) {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := tr.CloseConnection(42); !rrerr.IsKind(err, rrerr.Connection) {
		t.Fatalf("CloseConnection: %v", err)
	}
}

func TestTransportClose(t *testing.T) {
	server, serverNode := startTestServer(t, "server", testConfig())
	client, clientNode := newTestTransport(t, "client", testConfig())

	conn, err := connectTest(t, client, nodeURL("rr+tcp", server, serverNode.id))
	if err != nil {
		t.Fatal(err)
	}

	server.Close()
	server.Close()

	select {
	case <-conn.Closed():
	case <-time.After(3 * time.Second):
		t.Fatal("client connection survived the server's close")
	}
	select {
	case <-clientNode.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("client was not informed about the closed connection")
	}

	if err := server.StartServer(0); !rrerr.IsKind(err, rrerr.Connection) {
		t.Fatalf("closed transport started a server: %v", err)
	}
	if _, err := connectTest(t, server, nodeURL("rr+tcp", client, clientNode.id)); !rrerr.IsKind(err, rrerr.Connection) {
		t.Fatalf("closed transport connected: %v", err)
	}
}

func TestTransportAdoptAfterClose(t *testing.T) {
	tr, node := newTestTransport(t, "client", testConfig())
	c := pipeConnection(t, tr, 7)

	tr.Close()

	if err := tr.adopt(c); !rrerr.IsKind(err, rrerr.Connection) {
		t.Fatalf("expected a connection error, got %v", err)
	}
	if !c.isClosed() {
		t.Fatal("connection survived the closed transport")
	}
	if _, ok := tr.registry.lookup(7); ok {
		t.Fatal("connection is still registered")
	}

	select {
	case endpoint := <-node.closed:
		t.Fatalf("closed transport reported endpoint %d", endpoint)
	default:
	}
}

func TestTransportCloseCancelsConnect(t *testing.T) {
	// A listener which never answers the handshake.
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	conf := testConfig()
	conf.ConnectTimeout = 10 * time.Second
	conf.HandshakeTimeout = 10 * time.Second
	client, _ := newTestTransport(t, "client", conf)

	errs := make(chan error, 1)
	go func() {
		_, err := client.Connect(context.Background(), fmt.Sprintf("rr+tcp://%s/", ln.Addr()))
		errs <- err
	}()

	time.Sleep(100 * time.Millisecond)
	client.Close()

	select {
	case err := <-errs:
		if !rrerr.IsKind(err, rrerr.Connection) {
			t.Fatalf("expected a connection error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Connect was not cancelled by Close")
	}
}

func TestTransportNodeDetected(t *testing.T) {
	tr, node := newTestTransport(t, "node", testConfig())

	remote := nodeid.New()
	info := discovery.NodeInfo{NodeID: remote, NodeName: "remote", URLs: []string{"rr+tcp://10.0.0.1:4000/"}}
	tr.nodeDetected(info)
	tr.nodeDetected(info)

	if found, ok := tr.DiscoveredNode(remote); !ok || found.NodeName != "remote" {
		t.Fatalf("discovered node is %v, %t", found, ok)
	}
	if len(tr.DiscoveredNodes()) != 1 {
		t.Fatal("node was not merged")
	}

	node.mu.Lock()
	defer node.mu.Unlock()
	if len(node.detected) != 2 {
		t.Fatalf("node was informed %d times", len(node.detected))
	}
}

func TestTransportAnnouncerSchemes(t *testing.T) {
	tr, node := newTestTransport(t, "node", testConfig())
	ta := transportAnnouncer{tr}

	if schemes := ta.Schemes(); len(schemes) != 1 || schemes[0] != "rr+tcp" {
		t.Fatalf("schemes without a certificate are %v", schemes)
	}

	issueCertificates(t, map[*Transport]nodeid.NodeID{tr: node.id})
	if schemes := ta.Schemes(); len(schemes) != 2 || schemes[1] != "rrs+tcp" {
		t.Fatalf("schemes with a certificate are %v", schemes)
	}
}
