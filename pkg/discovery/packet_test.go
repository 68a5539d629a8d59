// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/rrtcp/rrtcp-go/pkg/nodeid"
	"github.com/rrtcp/rrtcp-go/pkg/rrerr"
)

var testNode = nodeid.MustParse("{2d0f7a35-2b2a-4e30-9e56-1c2f4fb2f1a7}")

func TestAnnounceURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"192.168.1.10", "rr+tcp://192.168.1.10:4000/?nodeid="},
		{"::ffff:10.0.0.1", "rr+tcp://10.0.0.1:4000/?nodeid="},
		{"fe80::1%eth0", "rr+tcp://[fe80::1]:4000/?nodeid="},
		{"::1", "rr+tcp://[::1]:4000/?nodeid="},
	}

	for _, test := range tests {
		u := AnnounceURL("rr+tcp", netip.MustParseAddr(test.addr), 4000, testNode)
		if !strings.HasPrefix(u, test.want) {
			t.Fatalf("AnnounceURL for %s is %s, expected prefix %s", test.addr, u, test.want)
		}
		if !strings.HasSuffix(u, testNode.Dashed()+"&service="+serviceIndex) {
			t.Fatalf("AnnounceURL %s lacks the node query", u)
		}
	}
}

func TestPacketAnnounce(t *testing.T) {
	pkt := Packet{
		Kind:              KindAnnounce,
		NodeID:            testNode,
		NodeName:          "example.robot",
		URL:               AnnounceURL("rr+tcp", netip.MustParseAddr("10.0.0.5"), 4000, testNode),
		ServiceStateNonce: "abc123",
	}

	data, err := pkt.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), AnnounceMagic+"\n") {
		t.Fatalf("announce starts with %q", strings.SplitN(string(data), "\n", 2)[0])
	}

	parsed, err := ParsePacket(data)
	if err != nil {
		t.Fatal(err)
	}
	if parsed != pkt {
		t.Fatalf("parsed %v, expected %v", parsed, pkt)
	}
}

func TestPacketAnnounceOversizedNonce(t *testing.T) {
	pkt := Packet{
		Kind:              KindAnnounce,
		NodeID:            testNode,
		URL:               AnnounceURL("rr+tcp", netip.MustParseAddr("10.0.0.5"), 4000, testNode),
		ServiceStateNonce: strings.Repeat("x", MaxPacketSize),
	}

	data, err := pkt.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if len(data) > MaxPacketSize {
		t.Fatalf("packet of %d bytes exceeds the maximum", len(data))
	}

	parsed, err := ParsePacket(data)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.ServiceStateNonce != "" {
		t.Fatal("oversized nonce was not dropped")
	}
}

func TestPacketRequest(t *testing.T) {
	data, err := Packet{Kind: KindRequest, Nonce: "n0nce"}.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := ParsePacket(data)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Kind != KindRequest || parsed.Nonce != "n0nce" {
		t.Fatalf("parsed %v", parsed)
	}
}

func TestParsePacketInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"magic", "Some Other Packet\nfoo\nbar\n"},
		{"no url", AnnounceMagic + "\n" + testNode.String() + "\n"},
		{"node id", AnnounceMagic + "\n{not-a-node}\nrr+tcp://10.0.0.1:1/\n"},
		{"any node", AnnounceMagic + "\n" + nodeid.Any.String() + "\nrr+tcp://10.0.0.1:1/\n"},
		{"name", AnnounceMagic + "\n" + testNode.String() + ",bad name!\nrr+tcp://10.0.0.1:1/\n"},
		{"long url", AnnounceMagic + "\n" + testNode.String() + "\nrr+tcp://" + strings.Repeat("a", MaxURLLength) + "\n"},
		{"huge", AnnounceMagic + "\n" + strings.Repeat("x", MaxPacketSize)},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := ParsePacket([]byte(test.data)); !rrerr.IsKind(err, rrerr.Protocol) {
				t.Fatalf("expected a protocol error, got %v", err)
			}
		})
	}
}

func TestURLHost(t *testing.T) {
	other := nodeid.New()

	tests := []struct {
		url   string
		addr  string
		port  uint16
		valid bool
	}{
		{AnnounceURL("rr+tcp", netip.MustParseAddr("10.1.2.3"), 4000, testNode), "10.1.2.3", 4000, true},
		{AnnounceURL("rrs+tcp", netip.MustParseAddr("fe80::2"), 1234, testNode), "fe80::2", 1234, true},
		{AnnounceURL("rr+tcp", netip.MustParseAddr("10.1.2.3"), 4000, other), "", 0, false},
		{"rr+tcp://example.com:4000/", "", 0, false},
		{"rr+tcp://10.1.2.3/", "", 0, false},
	}

	for _, test := range tests {
		addr, port, err := urlHost(test.url, testNode)
		if (err == nil) != test.valid {
			t.Fatalf("urlHost(%s) errored: %v", test.url, err)
		}
		if !test.valid {
			continue
		}
		if addr != netip.MustParseAddr(test.addr) || port != test.port {
			t.Fatalf("urlHost(%s) = %v, %d", test.url, addr, port)
		}
	}
}
