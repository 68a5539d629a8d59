// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rrtcp/rrtcp-go/pkg/netaddr"
	"github.com/rrtcp/rrtcp-go/pkg/nodeid"
)

type testAnnouncer struct {
	id   nodeid.NodeID
	port int
}

func (a testAnnouncer) NodeID() nodeid.NodeID     { return a.id }
func (a testAnnouncer) NodeName() string          { return "test.node" }
func (a testAnnouncer) ListenPort() int           { return a.port }
func (a testAnnouncer) Schemes() []string         { return []string{"rr+tcp", "rrs+tcp"} }
func (a testAnnouncer) ServiceStateNonce() string { return "state" }

type sent struct {
	data []byte
	src  netip.Addr
	dst  netip.AddrPort
}

type recorder struct {
	mu    sync.Mutex
	sent  []sent
	nodes []NodeInfo
}

func (r *recorder) send(data []byte, src netip.Addr, dst netip.AddrPort) error {
	r.mu.Lock()
	r.sent = append(r.sent, sent{data, src, dst})
	r.mu.Unlock()
	return nil
}

func (r *recorder) handle(info NodeInfo) {
	r.mu.Lock()
	r.nodes = append(r.nodes, info)
	r.mu.Unlock()
}

func (r *recorder) counts() (sent, nodes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent), len(r.nodes)
}

func newTestEngine(conf Config, enum netaddr.Enumerator) (*Engine, *recorder) {
	r := &recorder{}
	e := NewEngine(conf, testAnnouncer{id: testNode, port: 4000}, enum, r.handle)
	e.send = r.send
	return e, r
}

func announceFrom(t *testing.T, id nodeid.NodeID, addr string) []byte {
	data, err := Packet{
		Kind:     KindAnnounce,
		NodeID:   id,
		NodeName: "remote",
		URL:      AnnounceURL("rr+tcp", netip.MustParseAddr(addr), 5000, id),
	}.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestEngineHandleAnnounce(t *testing.T) {
	e, r := newTestEngine(DefaultConfig(), netaddr.Static{})
	e.state = Listening

	remote := nodeid.New()
	tests := []struct {
		name    string
		data    []byte
		source  string
		handled bool
	}{
		{"valid", announceFrom(t, remote, "10.0.5.5"), "10.0.5.5", true},
		{"same subnet", announceFrom(t, remote, "10.0.9.9"), "10.0.5.5", true},
		{"spoofed subnet", announceFrom(t, remote, "10.0.0.1"), "192.168.1.5", false},
		{"spoofed family", announceFrom(t, remote, "fe80::1"), "192.168.1.5", false},
		{"loopback source", announceFrom(t, remote, "10.0.0.1"), "127.0.0.1", true},
		{"own node", announceFrom(t, testNode, "10.0.5.5"), "10.0.5.5", false},
		{"garbage", []byte("hello world\n"), "10.0.5.5", false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, before := r.counts()
			e.handlePacket(test.data, netip.AddrPortFrom(netip.MustParseAddr(test.source), 48653))
			_, after := r.counts()

			if handled := after > before; handled != test.handled {
				t.Fatalf("announce handled = %t, expected %t", handled, test.handled)
			}
		})
	}
}

func TestEngineHandleAnnounceZone(t *testing.T) {
	e, r := newTestEngine(DefaultConfig(), netaddr.Static{})
	e.state = Listening

	e.handlePacket(announceFrom(t, nodeid.New(), "fe80::2"), netip.MustParseAddrPort("[fe80::2%7]:48653"))

	if _, n := r.counts(); n != 1 {
		t.Fatalf("%d nodes were handled", n)
	}
	if u := r.nodes[0].URLs[0]; !strings.Contains(u, "[fe80::2%257]") {
		t.Fatalf("URL %s lacks the source's zone", u)
	}
}

func TestEngineIgnoresAnnounceWhileNotListening(t *testing.T) {
	e, r := newTestEngine(DefaultConfig(), netaddr.Static{})
	e.state = Broadcasting

	e.handlePacket(announceFrom(t, nodeid.New(), "10.0.5.5"), netip.MustParseAddrPort("10.0.5.5:48653"))
	if _, n := r.counts(); n != 0 {
		t.Fatal("announce was handled while not listening")
	}
}

func TestEngineAnnounce(t *testing.T) {
	enum := netaddr.Static{
		netip.MustParseAddr("127.0.0.1"),
		netip.MustParseAddr("192.168.1.10"),
		netip.MustParseAddr("::1"),
		netip.MustParseAddr("fe80::1%3"),
		netip.MustParseAddr("2001:db8::1"),
	}
	e, r := newTestEngine(DefaultConfig(), enum)
	e.Announce()

	destinations := make(map[netip.AddrPort]int)
	for _, s := range r.sent {
		destinations[s.dst]++

		pkt, err := ParsePacket(s.data)
		if err != nil {
			t.Fatal(err)
		}
		if pkt.NodeID != testNode || pkt.ServiceStateNonce != "state" {
			t.Fatalf("unexpected announce %v", pkt)
		}
		if claimed, _, err := urlHost(pkt.URL, testNode); err != nil {
			t.Fatal(err)
		} else if claimed != s.src.WithZone("") {
			t.Fatalf("announce from %v claims %v", s.src, claimed)
		}
	}

	expected := map[string]int{
		"127.0.0.1:48653":       2,
		"255.255.255.255:48653": 2,
		"[::1]:48653":           2,
		"[ff01::ba86%3]:48653":  2,
		"[ff02::ba86%3]:48653":  2,
		"[ff05::ba86%3]:48653":  2,
	}
	if len(destinations) != len(expected) {
		t.Fatalf("announces were sent to %v", destinations)
	}
	for dst, n := range expected {
		if destinations[netip.MustParseAddrPort(dst)] != n {
			t.Fatalf("%d announces to %s, expected %d", destinations[netip.MustParseAddrPort(dst)], dst, n)
		}
	}
}

func TestEngineAnnounceWithoutPort(t *testing.T) {
	r := &recorder{}
	e := NewEngine(DefaultConfig(), testAnnouncer{id: testNode}, netaddr.Static{netip.MustParseAddr("127.0.0.1")}, r.handle)
	e.send = r.send

	e.Announce()
	if n, _ := r.counts(); n != 0 {
		t.Fatalf("%d announces were sent without a listening port", n)
	}
}

func TestEngineRequestAnswer(t *testing.T) {
	conf := DefaultConfig()
	conf.AnnounceDebounce = 0

	e, r := newTestEngine(conf, netaddr.Static{netip.MustParseAddr("127.0.0.1")})
	e.state = Broadcasting
	e.ownNonce = "mine"

	own, _ := Packet{Kind: KindRequest, Nonce: "mine"}.Marshal()
	e.handlePacket(own, netip.MustParseAddrPort("127.0.0.1:48653"))

	time.Sleep(100 * time.Millisecond)
	if n, _ := r.counts(); n != 0 {
		t.Fatal("own request was answered")
	}

	foreign, _ := Packet{Kind: KindRequest, Nonce: "theirs"}.Marshal()
	e.handlePacket(foreign, netip.MustParseAddrPort("127.0.0.1:48653"))

	deadline := time.Now().Add(time.Second)
	for {
		if n, _ := r.counts(); n == 2 {
			break
		} else if time.Now().After(deadline) {
			t.Fatalf("%d announces were sent after a request", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func burstConfig() Config {
	conf := DefaultConfig()
	conf.RequestSpacingMin = time.Millisecond
	conf.RequestSpacingMax = 2 * time.Millisecond
	conf.RearmWindow = 0
	return conf
}

func waitSent(t *testing.T, r *recorder, n int) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		if sent, _ := r.counts(); sent >= n {
			return
		} else if time.Now().After(deadline) {
			t.Fatalf("%d packets were sent, expected %d", sent, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEngineRequestBurst(t *testing.T) {
	e, r := newTestEngine(burstConfig(), netaddr.Static{netip.MustParseAddr("127.0.0.1")})
	defer e.Close()

	e.SendRequest()
	waitSent(t, r, 3)

	time.Sleep(50 * time.Millisecond)
	if n, _ := r.counts(); n != 3 {
		t.Fatalf("burst sent %d requests", n)
	}

	for _, s := range r.sent {
		if pkt, err := ParsePacket(s.data); err != nil {
			t.Fatal(err)
		} else if pkt.Kind != KindRequest || pkt.Nonce == "" {
			t.Fatalf("unexpected request %v", pkt)
		}
	}
}

func TestEngineRequestBurstRearm(t *testing.T) {
	conf := burstConfig()
	conf.RearmWindow = time.Second

	e, r := newTestEngine(conf, netaddr.Static{netip.MustParseAddr("127.0.0.1")})
	defer e.Close()

	foreign, _ := Packet{Kind: KindRequest, Nonce: "theirs"}.Marshal()
	var once sync.Once
	e.send = func(data []byte, src netip.Addr, dst netip.AddrPort) error {
		once.Do(func() { e.handlePacket(foreign, netip.MustParseAddrPort("127.0.0.1:48653")) })
		return r.send(data, src, dst)
	}

	e.SendRequest()
	waitSent(t, r, 6)

	time.Sleep(50 * time.Millisecond)
	if n, _ := r.counts(); n != 6 {
		t.Fatalf("re-armed bursts sent %d requests", n)
	}
}

func TestEngineListening(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := pc.LocalAddr().(*net.UDPAddr).Port
	_ = pc.Close()

	conf := DefaultConfig()
	conf.Port = port
	conf.ListenFlags = IPv4Broadcast

	r := &recorder{}
	e := NewEngine(conf, testAnnouncer{id: testNode, port: 4000}, netaddr.Static{}, r.handle)
	defer e.Close()

	if err := e.StartListening(); err != nil {
		t.Fatal(err)
	}
	if e.State() != Listening {
		t.Fatalf("engine is %v", e.State())
	}

	data := announceFrom(t, nodeid.New(), "127.0.0.1")
	dst := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := sendFresh(data, netip.MustParseAddr("127.0.0.1"), dst); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)

		if _, n := r.counts(); n > 0 {
			break
		} else if time.Now().After(deadline) {
			t.Fatal("no announce was received")
		}
	}

	e.StopListening()
	if e.State() != Idle {
		t.Fatalf("engine is %v after stopping", e.State())
	}
}
