// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package tcptransport connects nodes over TCP, optionally secured by STARTTLS and optionally tunneled through
// WebSockets.
//
// A Transport accepts inbound connections on a shared IPv4 and IPv6 port and establishes outbound connections by
// racing all resolved candidates of the given URLs. Each established Connection is identified by its local endpoint
// id. Node discovery announces the Transport's URLs and reports other nodes to the Node.
package tcptransport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/rrtcp/rrtcp-go/pkg/discovery"
	"github.com/rrtcp/rrtcp-go/pkg/message"
	"github.com/rrtcp/rrtcp-go/pkg/netaddr"
	"github.com/rrtcp/rrtcp-go/pkg/nodeid"
	"github.com/rrtcp/rrtcp-go/pkg/rrerr"
)

const (
	// maintenancePeriod between two registry sweeps and directory expiries.
	maintenancePeriod = 5 * time.Second

	closeAllTimeout = 500 * time.Millisecond
	closeAllPoll    = 25 * time.Millisecond

	// listenRetries for an ephemeral port which is free for IPv4, but taken for IPv6.
	listenRetries = 5
)

// Transport manages all TCP connections of a Node.
type Transport struct {
	node     Node
	conf     Config
	enum     netaddr.Enumerator
	resolver hostResolver

	tls       *tlsContext
	registry  *registry
	closers   *closeListeners
	engine    *discovery.Engine
	directory *discovery.Directory

	nextEndpoint   atomic.Uint32
	maxConnections atomic.Int32
	closed         atomic.Bool

	mu        sync.Mutex
	acceptors []*acceptor
	port      int

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewTransport for a Node. The Config is validated first.
func NewTransport(node Node, conf Config) (*Transport, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return newTransport(node, conf, netaddr.System{}, net.DefaultResolver), nil
}

func newTransport(node Node, conf Config, enum netaddr.Enumerator, resolver hostResolver) *Transport {
	t := &Transport{
		node:      node,
		conf:      conf,
		enum:      enum,
		resolver:  resolver,
		registry:  newRegistry(),
		closers:   newCloseListeners(),
		directory: discovery.NewDirectory(conf.Discovery.NodeInfoTTL),
		stopSyn:   make(chan struct{}),
		stopAck:   make(chan struct{}),
	}

	t.tls = newTLSContext(&t.conf)
	t.registry.onRemoved = t.checkAdmission
	t.engine = discovery.NewEngine(conf.Discovery, transportAnnouncer{t}, enum, t.nodeDetected)
	t.nextEndpoint.Store(rand.Uint32())
	t.maxConnections.Store(int32(conf.MaxConnectionCount))

	go t.maintain()
	return t
}

func (t *Transport) log() *log.Entry {
	return log.WithField("transport", t.node.NodeID())
}

// newEndpointID returns a nonzero local endpoint id, unused by any registered Connection.
func (t *Transport) newEndpointID() uint32 {
	for {
		id := t.nextEndpoint.Add(1)
		if id == 0 {
			continue
		}
		if _, used := t.registry.lookup(id); !used {
			return id
		}
	}
}

func (t *Transport) register(c *Connection) error {
	if err := t.registry.register(c); err != nil {
		return err
	}
	c.markRegistered()
	return nil
}

// connectionClosed is called once by every Connection after it released its socket.
func (t *Transport) connectionClosed(c *Connection) {
	c.mu.Lock()
	registered, local := c.registered, c.localEndpoint
	c.mu.Unlock()

	if !registered {
		t.registry.removeIncoming(c)
		return
	}

	// A sweep may have erased the entry already.
	if t.registry.erase(local, c) {
		t.log().WithField("endpoint", local).Debug("Removed closed connection")
	}
	if !t.closed.Load() {
		t.node.TransportConnectionClosed(local)
	}
}

func (t *Transport) maintain() {
	defer close(t.stopAck)

	ticker := time.NewTicker(maintenancePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopSyn:
			return

		case <-ticker.C:
			t.registry.sweep()
			if n := t.directory.Expire(); n > 0 {
				t.log().WithField("nodes", n).Debug("Expired discovered nodes")
			}
		}
	}
}

// StartServer listens on the given port for both IPv4 and IPv6. Port zero selects an ephemeral port, shared by both
// families. Either all listeners are started or none.
func (t *Transport) StartServer(port int) error {
	if t.closed.Load() {
		return rrerr.New(rrerr.Connection, "transport was closed")
	}
	if port < 0 || port > 65535 {
		return rrerr.New(rrerr.InvalidArgument, fmt.Sprintf("port %d is out of range", port))
	}
	if port == ReservedPort && !t.conf.AllowReservedPort {
		return rrerr.New(rrerr.InvalidArgument, fmt.Sprintf("port %d is reserved for the port sharer", ReservedPort))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.acceptors) > 0 {
		return rrerr.New(rrerr.InvalidArgument, fmt.Sprintf("server is already listening on port %d", t.port))
	}

	families := []string{"tcp4", "tcp6"}
	if addrs, err := t.enum.LocalAddresses(); err != nil {
		t.log().WithError(err).Warn("Enumerating local addresses failed, listening on both families")
	} else if !netaddr.HasIPv6(addrs) {
		families = families[:1]
	} else if !netaddr.HasIPv4(addrs) {
		families = families[1:]
	}

	var (
		listeners []*net.TCPListener
		err       error
	)
	for try := 0; try < listenRetries; try++ {
		if listeners, err = t.listen(families, port); err == nil || port != 0 {
			break
		}
	}
	if err != nil {
		return err
	}

	t.port = listeners[0].Addr().(*net.TCPAddr).Port
	for i, ln := range listeners {
		a := newAcceptor(families[i], ln, t.accept, t.overLimit)
		t.acceptors = append(t.acceptors, a)
		go a.run()
	}

	t.log().WithFields(log.Fields{
		"port":     t.port,
		"families": families,
	}).Info("Started server")
	return nil
}

// listen on all families at the same port. On error, the already opened listeners are closed.
func (t *Transport) listen(families []string, port int) ([]*net.TCPListener, error) {
	lc := net.ListenConfig{Control: listenControl(t.conf.ReuseAddress)}
	hosts := map[string]string{"tcp4": "0.0.0.0", "tcp6": "::"}

	var listeners []*net.TCPListener
	for _, family := range families {
		ln, err := lc.Listen(context.Background(), family, net.JoinHostPort(hosts[family], strconv.Itoa(port)))
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return nil, rrerr.Wrap(rrerr.SystemResource, err, fmt.Sprintf("listening on %s port %d failed", family, port))
		}

		tcpLn := ln.(*net.TCPListener)
		listeners = append(listeners, tcpLn)
		if port == 0 {
			port = tcpLn.Addr().(*net.TCPAddr).Port
		}
	}
	return listeners, nil
}

// Port the server listens on, zero if it was not started.
func (t *Transport) Port() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port
}

func (t *Transport) accept(conn net.Conn) {
	if t.closed.Load() {
		_ = conn.Close()
		return
	}

	c := newConnection(t, conn, "", true)
	t.registry.addIncoming(c)
	c.log().Debug("Accepted TCP connection")

	go t.serveIncoming(c)
}

func (t *Transport) overLimit() bool {
	limit := t.maxConnections.Load()
	return limit > 0 && t.registry.count() > int(limit)
}

// checkAdmission resumes paused acceptors after the connection count dropped.
func (t *Transport) checkAdmission() {
	if t.overLimit() {
		return
	}

	t.mu.Lock()
	acceptors := t.acceptors
	t.mu.Unlock()

	for _, a := range acceptors {
		a.resume()
	}
}

// SetMaxConnectionCount limits the number of connections; zero disables the limit.
func (t *Transport) SetMaxConnectionCount(n int) error {
	if n < 0 {
		return rrerr.New(rrerr.InvalidArgument, "connection limit must not be negative")
	}
	t.maxConnections.Store(int32(n))
	t.checkAdmission()
	return nil
}

// MaxConnectionCount is the current connection limit, zero if disabled.
func (t *Transport) MaxConnectionCount() int {
	return int(t.maxConnections.Load())
}

// Connect to the first reachable candidate of the URLs. It blocks until the connection is established, every
// candidate failed, the ConnectTimeout hit, ctx was cancelled or the Transport closed.
func (t *Transport) Connect(ctx context.Context, urls ...string) (*Connection, error) {
	if t.closed.Load() {
		return nil, rrerr.New(rrerr.Connection, "transport was closed")
	}

	parsed, err := parseCandidateURLs(urls)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	closerID := t.closers.add(cancel)
	defer t.closers.remove(closerID)

	resolveCtx, resolveCancel := context.WithTimeout(ctx, t.conf.ConnectTimeout)
	candidates, err := resolveCandidates(resolveCtx, t.resolver, t.enum, parsed)
	resolveCancel()
	if err != nil {
		return nil, err
	}

	rc := newRacingConnector(t.conf.ConnectStagger, t.conf.ConnectTimeout, t.attempt, (*Connection).abandon)
	c, err := rc.run(ctx, candidates)
	if err != nil {
		return nil, err
	}

	if err := t.adopt(c); err != nil {
		return nil, err
	}

	c.log().WithField("url", c.URL()).Info("Established connection")
	return c, nil
}

// adopt registers and starts an established outbound Connection. A Close racing with the registration has already
// snapshotted the registry, so the Connection is closed here instead.
func (t *Transport) adopt(c *Connection) error {
	if err := t.register(c); err != nil {
		c.abandon()
		return err
	}
	if t.closed.Load() {
		c.abandon()
		return rrerr.New(rrerr.Connection, "transport was closed")
	}

	if !c.start() {
		t.registry.erase(c.LocalEndpoint(), c)
		return rrerr.Wrap(rrerr.Connection, c.Err(), "connection closed during its establishment")
	}
	return nil
}

// ConnectAsync runs Connect in the background and calls the handler once with its result.
func (t *Transport) ConnectAsync(urls []string, handler func(*Connection, error)) {
	go func() {
		c, err := t.Connect(context.Background(), urls...)
		handler(c, err)
	}()
}

// attempt one Candidate: dial, then run the client handshake. Dial errors are returned as they are, handshake
// errors wrapped as a handshakeError.
func (t *Transport) attempt(ctx context.Context, candidate Candidate) (*Connection, error) {
	dialer := net.Dialer{Control: dialControl}
	raw, err := dialer.DialContext(ctx, "tcp", candidate.Addr.String())
	if err != nil {
		return nil, err
	}

	c := newConnection(t, raw, candidate.URL.Raw, false)
	stop := context.AfterFunc(ctx, func() { _ = raw.Close() })

	if err := c.clientHandshake(ctx, candidate.URL); err != nil {
		stop()
		c.abandon()
		return nil, &handshakeError{err: err}
	}

	if !stop() {
		c.abandon()
		return nil, ctx.Err()
	}
	return c, nil
}

// connection looks up an established Connection by its local endpoint id.
func (t *Transport) connection(endpoint uint32) (*Connection, error) {
	c, ok := t.registry.lookup(endpoint)
	if !ok {
		return nil, rrerr.New(rrerr.Connection, fmt.Sprintf("transport connection to endpoint %d not found", endpoint))
	}
	return c, nil
}

// Connection by its local endpoint id.
func (t *Transport) Connection(endpoint uint32) (*Connection, error) {
	return t.connection(endpoint)
}

// SendMessage queues a Message on the Connection of its SenderEndpoint. Missing sender or receiver fields are
// filled in.
func (t *Transport) SendMessage(msg *message.Message) error {
	c, err := t.connection(msg.Header.SenderEndpoint)
	if err != nil {
		return err
	}

	_, remote := c.endpoints()
	if msg.Header.ReceiverEndpoint == 0 {
		msg.Header.ReceiverEndpoint = remote
	}
	if msg.Header.SenderNodeID.IsAny() {
		msg.Header.SenderNodeID = t.node.NodeID()
		msg.Header.SenderNodeName = t.node.NodeName()
	}
	if msg.Header.ReceiverNodeID.IsAny() {
		msg.Header.ReceiverNodeID = c.RemoteNodeID()
		msg.Header.ReceiverNodeName = c.RemoteNodeName()
	}

	return c.send(msg)
}

// CloseConnection of a local endpoint id.
func (t *Transport) CloseConnection(endpoint uint32) error {
	c, err := t.connection(endpoint)
	if err != nil {
		return err
	}
	c.Close()
	return nil
}

// Connections lists all established Connections.
func (t *Transport) Connections() []ConnectionInfo {
	conns := t.registry.snapshot()
	infos := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.Info())
	}
	return infos
}

// ConnectionCount of established and accepted Connections.
func (t *Transport) ConnectionCount() int {
	return t.registry.count()
}

// IsTransportConnectionSecure checks if an endpoint's Connection is secured by TLS.
func (t *Transport) IsTransportConnectionSecure(endpoint uint32) (bool, error) {
	c, err := t.connection(endpoint)
	if err != nil {
		return false, err
	}
	return c.IsTLS(), nil
}

// IsSecurePeerIdentityVerified checks if an endpoint's remote node presented a verified certificate.
func (t *Transport) IsSecurePeerIdentityVerified(endpoint uint32) (bool, error) {
	c, err := t.connection(endpoint)
	if err != nil {
		return false, err
	}
	return c.IsPeerVerified(), nil
}

// GetSecurePeerIdentity returns an endpoint's verified remote NodeID.
func (t *Transport) GetSecurePeerIdentity(endpoint uint32) (string, error) {
	c, err := t.connection(endpoint)
	if err != nil {
		return "", err
	}
	return c.PeerIdentity()
}

// LoadTLSNodeCertificate loads the configured node certificate. A failure is logged and returned, but leaves the
// Transport usable without TLS server support.
func (t *Transport) LoadTLSNodeCertificate() error {
	file := t.conf.NodeCertificate
	if file == "" {
		err := rrerr.New(rrerr.InvalidArgument, "no node certificate configured")
		t.log().WithError(err).Warn("Failed to load TLS node certificate")
		return err
	}

	if err := t.tls.load(file, t.conf.NodeCertificatePassword, t.node.NodeID()); err != nil {
		t.log().WithError(err).WithField("file", file).Warn("Failed to load TLS node certificate")
		return err
	}

	t.log().WithField("file", file).Info("Loaded TLS node certificate")
	return nil
}

// SetTLSNodeCertificate sets the node certificate directly. It must have been issued for this node.
func (t *Transport) SetTLSNodeCertificate(cert tls.Certificate) error {
	return t.tls.setCertificate(cert, t.node.NodeID())
}

// SetTLSRoots replaces the trusted root certificates.
func (t *Transport) SetTLSRoots(pool *x509.CertPool) {
	t.tls.setRoots(pool)
}

func (t *Transport) IsTLSNodeCertificateLoaded() bool {
	return t.tls.isLoaded()
}

func (t *Transport) nodeDetected(info discovery.NodeInfo) {
	merged, changed := t.directory.Update(info)
	if changed {
		t.log().WithFields(log.Fields{
			"node": merged.NodeID,
			"name": merged.NodeName,
			"urls": merged.URLs,
		}).Debug("Detected node")
	}

	if detector, ok := t.node.(NodeDetector); ok {
		detector.NodeDetected(merged)
	}
}

// EnableNodeDiscoveryListening starts receiving announces of other nodes.
func (t *Transport) EnableNodeDiscoveryListening() error {
	return t.engine.StartListening()
}

func (t *Transport) DisableNodeDiscoveryListening() {
	t.engine.StopListening()
}

// EnableNodeAnnounce starts announcing this node's URLs. Without a started server, nothing is announced.
func (t *Transport) EnableNodeAnnounce() error {
	return t.engine.StartBroadcasting()
}

func (t *Transport) DisableNodeAnnounce() {
	t.engine.StopBroadcasting()
}

// SendDiscoveryRequest asks all listening nodes to announce themselves.
func (t *Transport) SendDiscoveryRequest() {
	t.engine.SendRequest()
}

// DiscoveredNodes currently known from discovery.
func (t *Transport) DiscoveredNodes() []discovery.NodeInfo {
	return t.directory.Nodes()
}

// DiscoveredNode by its NodeID.
func (t *Transport) DiscoveredNode(id nodeid.NodeID) (discovery.NodeInfo, bool) {
	return t.directory.Get(id)
}

// Close the Transport with all its Connections. It may be called multiple times.
func (t *Transport) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.log().Info("Closing transport")

	t.mu.Lock()
	acceptors := t.acceptors
	t.acceptors = nil
	t.mu.Unlock()

	for _, a := range acceptors {
		a.stop()
	}

	t.engine.Close()

	close(t.stopSyn)
	<-t.stopAck

	t.registry.closeAll(closeAllTimeout, closeAllPoll)
	t.closers.fire()

	t.log().Info("Closed transport")
}

// transportAnnouncer provides the discovery engine with the Transport's current state.
type transportAnnouncer struct {
	t *Transport
}

func (ta transportAnnouncer) NodeID() nodeid.NodeID {
	return ta.t.node.NodeID()
}

func (ta transportAnnouncer) NodeName() string {
	return ta.t.node.NodeName()
}

func (ta transportAnnouncer) ListenPort() int {
	return ta.t.Port()
}

func (ta transportAnnouncer) Schemes() []string {
	if ta.t.tls.isLoaded() {
		return []string{"rr+tcp", "rrs+tcp"}
	}
	return []string{"rr+tcp"}
}

func (ta transportAnnouncer) ServiceStateNonce() string {
	if noncer, ok := ta.t.node.(ServiceStateNoncer); ok {
		return noncer.ServiceStateNonce()
	}
	return ""
}
