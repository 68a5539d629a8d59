// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv6"

	"github.com/rrtcp/rrtcp-go/pkg/netaddr"
	"github.com/rrtcp/rrtcp-go/pkg/nodeid"
	"github.com/rrtcp/rrtcp-go/pkg/rrerr"
)

// State of an Engine.
type State int

const (
	Idle State = iota
	Listening
	Broadcasting
	Both
)

func stateOf(listening, broadcasting bool) State {
	switch {
	case listening && broadcasting:
		return Both
	case listening:
		return Listening
	case broadcasting:
		return Broadcasting
	default:
		return Idle
	}
}

func (s State) listening() bool {
	return s == Listening || s == Both
}

func (s State) broadcasting() bool {
	return s == Broadcasting || s == Both
}

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Broadcasting:
		return "broadcasting"
	case Both:
		return "listening+broadcasting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Announcer provides the data of this node's announces.
type Announcer interface {
	NodeID() nodeid.NodeID
	NodeName() string

	// ListenPort of the node's server; zero suppresses announces.
	ListenPort() int
	// Schemes the node accepts connections for, e.g., "rr+tcp".
	Schemes() []string
	ServiceStateNonce() string
}

// sendFunc transmits one packet from a local address.
type sendFunc func(data []byte, src netip.Addr, dst netip.AddrPort) error

// Engine listens for and broadcasts discovery packets. Listening and broadcasting are toggled independently.
type Engine struct {
	conf      Config
	announcer Announcer
	enum      netaddr.Enumerator
	handler   func(NodeInfo)
	send      sendFunc

	mu    sync.Mutex
	state State

	v4      net.PacketConn
	v6      map[int]*ipv6.PacketConn
	sockSyn chan struct{}

	broadcastSyn chan struct{}
	carrier      *carrier

	ownNonce        string
	bursting        bool
	lastRequestSeen time.Time
	lastAnnounce    time.Time
	announcePending bool

	closed   bool
	closeSyn chan struct{}
	wg       sync.WaitGroup
}

// NewEngine creates an idle Engine. The handler is called for every valid announce of another node.
func NewEngine(conf Config, announcer Announcer, enum netaddr.Enumerator, handler func(NodeInfo)) *Engine {
	return &Engine{
		conf:      conf,
		announcer: announcer,
		enum:      enum,
		handler:   handler,
		send:      sendFresh,
		v6:        make(map[int]*ipv6.PacketConn),
		closeSyn:  make(chan struct{}),
	}
}

func (e *Engine) log() *log.Entry {
	return log.WithField("discovery", e.announcer.NodeID())
}

// State of this Engine.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// StartListening for announces of other nodes.
func (e *Engine) StartListening() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return rrerr.New(rrerr.Connection, "discovery was closed")
	}
	if e.state.listening() {
		return nil
	}

	if err := e.openSockets(); err != nil {
		return err
	}
	e.state = stateOf(true, e.state.broadcasting())
	e.log().WithField("flags", e.conf.ListenFlags).Info("Started listening for node announces")
	return nil
}

// StopListening for announces.
func (e *Engine) StopListening() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.listening() {
		return
	}
	e.state = stateOf(false, e.state.broadcasting())
	if e.state == Idle {
		e.closeSockets()
	}
	e.log().Info("Stopped listening for node announces")
}

// StartBroadcasting periodic announces. Requests of other nodes are answered while broadcasting.
func (e *Engine) StartBroadcasting() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return rrerr.New(rrerr.Connection, "discovery was closed")
	}
	if e.state.broadcasting() {
		return nil
	}

	if err := e.openSockets(); err != nil {
		e.log().WithError(err).Warn("Broadcasting without receiving discovery requests")
	}

	e.broadcastSyn = make(chan struct{})
	e.state = stateOf(e.state.listening(), true)

	if e.conf.MulticastCarrier {
		e.carrier = newCarrier(e.conf, e.handlePacket)
	}

	e.wg.Add(1)
	go e.broadcastLoop(e.broadcastSyn)

	e.log().WithFields(log.Fields{
		"flags":  e.conf.AnnounceFlags,
		"period": e.conf.AnnouncePeriod,
	}).Info("Started broadcasting node announces")
	return nil
}

// StopBroadcasting announces.
func (e *Engine) StopBroadcasting() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopBroadcasting()
}

func (e *Engine) stopBroadcasting() {
	if !e.state.broadcasting() {
		return
	}

	close(e.broadcastSyn)
	if e.carrier != nil {
		e.carrier.close()
		e.carrier = nil
	}

	e.state = stateOf(e.state.listening(), false)
	if e.state == Idle {
		e.closeSockets()
	}
	e.log().Info("Stopped broadcasting node announces")
}

// Close this Engine and wait for its goroutines.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.closeSyn)

	e.stopBroadcasting()
	e.state = Idle
	e.closeSockets()
	e.mu.Unlock()

	e.wg.Wait()
}

// openSockets for receiving, unless already open; e.mu must be held.
func (e *Engine) openSockets() error {
	if e.sockSyn != nil {
		return nil
	}

	var errs error
	if e.conf.ListenFlags&IPv4Broadcast != 0 {
		lc := net.ListenConfig{Control: udpControl}
		pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", e.conf.Port))
		if err != nil {
			errs = multierror.Append(errs, err)
		} else {
			e.v4 = pc
			e.wg.Add(1)
			go e.receive(pc)
		}
	}

	if err := e.sweep(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if e.v4 == nil && len(e.v6) == 0 {
		if errs == nil {
			return rrerr.New(rrerr.SystemResource, "no discovery socket could be opened")
		}
		return rrerr.Wrap(rrerr.SystemResource, errs, "opening discovery sockets failed")
	}
	if errs != nil {
		e.log().WithError(errs).Debug("Some discovery sockets could not be opened")
	}

	e.sockSyn = make(chan struct{})
	e.wg.Add(1)
	go e.sweepLoop(e.sockSyn)
	return nil
}

// sweep opens a socket for each new IPv6 scope id; e.mu must be held.
func (e *Engine) sweep() error {
	if len(e.conf.ListenFlags.groups()) == 0 {
		return nil
	}

	scopes, err := e.enum.IPv6ScopeIDs()
	if err != nil {
		return err
	}

	var errs error
	for _, scope := range scopes {
		if _, ok := e.v6[scope]; ok {
			continue
		}
		if err := e.openScope(scope); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("scope %d: %w", scope, err))
		}
	}
	return errs
}

// openScope opens an IPv6 socket joined to the configured groups on one interface; e.mu must be held.
func (e *Engine) openScope(scope int) error {
	ifi, err := net.InterfaceByIndex(scope)
	if err != nil {
		return err
	}

	lc := net.ListenConfig{Control: udpControl}
	pc, err := lc.ListenPacket(context.Background(), "udp6", fmt.Sprintf("[::]:%d", e.conf.Port))
	if err != nil {
		return err
	}

	p := ipv6.NewPacketConn(pc)
	joined := 0
	for _, group := range e.conf.ListenFlags.groups() {
		if err := p.JoinGroup(ifi, &net.UDPAddr{IP: group.AsSlice()}); err != nil {
			e.log().WithError(err).WithFields(log.Fields{
				"interface": ifi.Name,
				"group":     group,
			}).Trace("Joining multicast group failed")
			continue
		}
		joined++
	}
	if joined == 0 {
		_ = pc.Close()
		return fmt.Errorf("no multicast group joined on %s", ifi.Name)
	}

	e.v6[scope] = p
	e.wg.Add(1)
	go e.receive(pc)

	e.log().WithField("interface", ifi.Name).Debug("Opened IPv6 discovery socket")
	return nil
}

// closeSockets; e.mu must be held.
func (e *Engine) closeSockets() {
	if e.sockSyn == nil {
		return
	}
	close(e.sockSyn)
	e.sockSyn = nil

	if e.v4 != nil {
		_ = e.v4.Close()
		e.v4 = nil
	}
	for scope, p := range e.v6 {
		_ = p.Close()
		delete(e.v6, scope)
	}
}

func (e *Engine) sweepLoop(stop chan struct{}) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.conf.SweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return

		case <-ticker.C:
			e.mu.Lock()
			if e.sockSyn == stop {
				if err := e.sweep(); err != nil {
					e.log().WithError(err).Trace("Discovery sweep errored")
				}
			}
			e.mu.Unlock()
		}
	}
}

func (e *Engine) receive(pc net.PacketConn) {
	defer e.wg.Done()

	buf := make([]byte, 2*MaxPacketSize)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.log().WithError(err).Trace("Receiving discovery packet errored")
			continue
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		e.handlePacket(append([]byte(nil), buf[:n]...), udpAddr.AddrPort())
	}
}

// handlePacket processes a received packet. Invalid packets are dropped silently.
func (e *Engine) handlePacket(data []byte, src netip.AddrPort) {
	defer func() {
		if r := recover(); r != nil {
			e.log().WithField("panic", r).Trace("Handling discovery packet panicked")
		}
	}()

	pkt, err := ParsePacket(data)
	if err != nil {
		e.log().WithError(err).WithField("peer", src).Trace("Dropping malformed discovery packet")
		return
	}

	switch pkt.Kind {
	case KindRequest:
		e.handleRequest(pkt, src)
	case KindAnnounce:
		e.handleAnnounce(pkt, src.Addr())
	}
}

func (e *Engine) handleRequest(pkt Packet, src netip.AddrPort) {
	e.mu.Lock()
	if e.ownNonce != "" && pkt.Nonce == e.ownNonce {
		e.mu.Unlock()
		return
	}
	e.lastRequestSeen = time.Now()
	broadcasting := e.state.broadcasting()
	e.mu.Unlock()

	if broadcasting {
		e.log().WithField("peer", src).Trace("Answering discovery request")
		e.triggerAnnounce()
	}
}

func (e *Engine) handleAnnounce(pkt Packet, source netip.Addr) {
	if !e.State().listening() {
		return
	}
	if pkt.NodeID == e.announcer.NodeID() {
		return
	}

	claimed, _, err := urlHost(pkt.URL, pkt.NodeID)
	if err != nil {
		e.log().WithError(err).WithField("url", pkt.URL).Trace("Dropping announce with an invalid URL")
		return
	}
	if err := checkSpoof(claimed, source); err != nil {
		e.log().WithError(err).WithField("peer", source).Trace("Dropping spoofed announce")
		return
	}

	url := pkt.URL
	if claimed.Is6() && claimed.IsLinkLocalUnicast() && claimed.Zone() == "" && source.Zone() != "" {
		host := "[" + claimed.String() + "]"
		url = strings.Replace(url, host, "["+claimed.String()+"%25"+source.Zone()+"]", 1)
	}

	e.handler(NodeInfo{
		NodeID:            pkt.NodeID,
		NodeName:          pkt.NodeName,
		URLs:              []string{url},
		ServiceStateNonce: pkt.ServiceStateNonce,
		LastSeen:          time.Now(),
	})
}

// triggerAnnounce schedules an announce, keeping the minimum spacing.
func (e *Engine) triggerAnnounce() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.announcePending {
		return
	}
	e.announcePending = true

	wait := e.conf.AnnounceDebounce - time.Since(e.lastAnnounce)
	if wait < 0 {
		wait = 0
	}

	time.AfterFunc(wait, func() {
		e.mu.Lock()
		e.announcePending = false
		ok := !e.closed && e.state.broadcasting()
		e.mu.Unlock()

		if ok {
			e.Announce()
		}
	})
}

func (e *Engine) broadcastLoop(stop chan struct{}) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.conf.AnnouncePeriod)
	defer ticker.Stop()

	e.Announce()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.Announce()
		}
	}
}

// destinations of a packet sent from a local address. IPv6 packets are only sent from loopback and link-local
// addresses.
func destinations(src netip.Addr, flags Flags, port uint16) (dsts []netip.AddrPort) {
	switch {
	case src.Is4():
		if flags&IPv4Broadcast == 0 {
			return
		}
		if src.IsLoopback() {
			return []netip.AddrPort{netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port)}
		}
		return []netip.AddrPort{netip.AddrPortFrom(netip.AddrFrom4([4]byte{255, 255, 255, 255}), port)}

	case src.IsLoopback():
		if flags&NodeLocal != 0 {
			dsts = append(dsts, netip.AddrPortFrom(netip.IPv6Loopback(), port))
		}

	case src.IsLinkLocalUnicast() && src.Zone() != "":
		for _, group := range flags.groups() {
			dsts = append(dsts, netip.AddrPortFrom(group.WithZone(src.Zone()), port))
		}
	}
	return
}

// Announce this node once on all local addresses, one packet per address and scheme.
func (e *Engine) Announce() {
	port := e.announcer.ListenPort()
	if port <= 0 {
		return
	}

	addrs, err := e.enum.LocalAddresses()
	if err != nil {
		e.log().WithError(err).Trace("Enumerating local addresses failed")
		return
	}

	id := e.announcer.NodeID()
	var carrierPayload []byte

	for _, addr := range addrs {
		dsts := destinations(addr, e.conf.AnnounceFlags, uint16(e.conf.Port))
		if len(dsts) == 0 {
			continue
		}

		for _, scheme := range e.announcer.Schemes() {
			pkt := Packet{
				Kind:              KindAnnounce,
				NodeID:            id,
				NodeName:          e.announcer.NodeName(),
				URL:               AnnounceURL(scheme, addr, port, id),
				ServiceStateNonce: e.announcer.ServiceStateNonce(),
			}
			data, err := pkt.Marshal()
			if err != nil {
				e.log().WithError(err).Trace("Marshalling announce failed")
				continue
			}

			if carrierPayload == nil && addr.Is4() && !addr.IsLoopback() {
				carrierPayload = data
			}

			for _, dst := range dsts {
				if err := e.send(data, addr, dst); err != nil {
					e.log().WithError(err).WithFields(log.Fields{
						"source":      addr,
						"destination": dst,
					}).Trace("Sending announce failed")
				}
			}
		}
	}

	e.mu.Lock()
	e.lastAnnounce = time.Now()
	c := e.carrier
	e.mu.Unlock()

	if c != nil && carrierPayload != nil {
		c.update(carrierPayload)
	}
}

// SendRequest starts a burst of discovery requests, soliciting announces of all nodes. A running burst is not
// restarted.
func (e *Engine) SendRequest() {
	e.mu.Lock()
	if e.closed || e.bursting {
		e.mu.Unlock()
		return
	}
	e.bursting = true
	e.ownNonce = uuid.NewString()
	e.mu.Unlock()

	e.wg.Add(1)
	go e.requestBurst()
}

func (e *Engine) requestSpacing() time.Duration {
	spread := int64(e.conf.RequestSpacingMax - e.conf.RequestSpacingMin)
	if spread <= 0 {
		return e.conf.RequestSpacingMin
	}
	return e.conf.RequestSpacingMin + time.Duration(rand.Int64N(spread+1))
}

func (e *Engine) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-e.closeSyn:
		return false
	}
}

func (e *Engine) requestBurst() {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		e.bursting = false
		e.mu.Unlock()
	}()

	for {
		start := time.Now()
		for i := 0; i < e.conf.RequestBurst; i++ {
			if i > 0 && !e.sleep(e.requestSpacing()) {
				return
			}
			e.sendRequest()
		}

		e.mu.Lock()
		rearm := !e.lastRequestSeen.Before(start) && time.Since(e.lastRequestSeen) < e.conf.RearmWindow
		e.mu.Unlock()

		if !rearm {
			return
		}

		e.log().Debug("Re-arming discovery request burst after recent traffic")
		if !e.sleep(e.requestSpacing()) {
			return
		}
	}
}

func (e *Engine) sendRequest() {
	e.mu.Lock()
	nonce := e.ownNonce
	e.mu.Unlock()

	data, err := Packet{Kind: KindRequest, Nonce: nonce}.Marshal()
	if err != nil {
		e.log().WithError(err).Trace("Marshalling request failed")
		return
	}

	addrs, err := e.enum.LocalAddresses()
	if err != nil {
		e.log().WithError(err).Trace("Enumerating local addresses failed")
		return
	}

	for _, addr := range addrs {
		for _, dst := range destinations(addr, e.conf.AnnounceFlags, uint16(e.conf.Port)) {
			if err := e.send(data, addr, dst); err != nil {
				e.log().WithError(err).WithField("destination", dst).Trace("Sending request failed")
			}
		}
	}
}

// sendFresh sends a packet through a new socket bound to the source address.
func sendFresh(data []byte, src netip.Addr, dst netip.AddrPort) error {
	network := "udp4"
	if dst.Addr().Is6() {
		network = "udp6"
	}

	lc := net.ListenConfig{Control: udpControl}
	pc, err := lc.ListenPacket(context.Background(), network, netip.AddrPortFrom(src, 0).String())
	if err != nil {
		return err
	}
	defer pc.Close()

	if group := dst.Addr(); group.Is6() && group.IsMulticast() {
		p := ipv6.NewPacketConn(pc)
		if idx, err := strconv.Atoi(group.Zone()); err == nil {
			if ifi, err := net.InterfaceByIndex(idx); err == nil {
				if err := p.SetMulticastInterface(ifi); err != nil {
					return err
				}
			}
		}

		hops := 1
		if group.WithZone("") == GroupSiteLocal {
			hops = 8
		}
		if err := p.SetMulticastHopLimit(hops); err != nil {
			return err
		}
	}

	_, err = pc.WriteTo(data, net.UDPAddrFromAddrPort(dst))
	return err
}
