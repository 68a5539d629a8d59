// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"fmt"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/rrtcp/rrtcp-go/pkg/nodeid"
	"github.com/rrtcp/rrtcp-go/pkg/rrerr"
)

// Magic strings of the first packet line.
const (
	AnnounceMagic = "Robot Raconteur Node Discovery Packet"
	RequestMagic  = "Robot Raconteur Discovery Request Packet"
)

const (
	// MaxPacketSize of a discovery packet.
	MaxPacketSize = 2048
	// MaxURLLength of an announced URL.
	MaxURLLength = 256

	serviceIndex = "RobotRaconteurServiceIndex"
	noncePrefix  = "ServiceStateNonce: "
)

// PacketKind distinguishes announces from requests.
type PacketKind int

const (
	KindAnnounce PacketKind = iota
	KindRequest
)

func (k PacketKind) String() string {
	if k == KindRequest {
		return "request"
	}
	return "announce"
}

// Packet is a parsed discovery packet. NodeID, NodeName, URL and ServiceStateNonce belong to announces, Nonce to
// requests.
type Packet struct {
	Kind PacketKind

	NodeID            nodeid.NodeID
	NodeName          string
	URL               string
	ServiceStateNonce string

	Nonce string
}

func (p Packet) String() string {
	if p.Kind == KindRequest {
		return fmt.Sprintf("Request(%s)", p.Nonce)
	}
	return fmt.Sprintf("Announce(%v, %q, %s)", p.NodeID, p.NodeName, p.URL)
}

// AnnounceURL for one local address and scheme. The address' zone is omitted; receivers apply their own.
func AnnounceURL(scheme string, addr netip.Addr, port int, id nodeid.NodeID) string {
	host := addr.WithZone("").Unmap().String()
	if addr.Is6() && !addr.Is4In6() {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s://%s:%d/?nodeid=%s&service=%s", scheme, host, port, id.Dashed(), serviceIndex)
}

// Marshal into the newline separated text form. An oversized announce first drops its ServiceStateNonce.
func (p Packet) Marshal() ([]byte, error) {
	var lines []string

	switch p.Kind {
	case KindRequest:
		lines = []string{RequestMagic, p.Nonce, ""}

	case KindAnnounce:
		if len(p.URL) > MaxURLLength {
			return nil, rrerr.New(rrerr.InvalidArgument, fmt.Sprintf("URL exceeds %d bytes", MaxURLLength))
		}

		ident := p.NodeID.String()
		if p.NodeName != "" {
			ident += "," + p.NodeName
		}
		lines = []string{AnnounceMagic, ident, p.URL}
		if p.ServiceStateNonce != "" {
			withNonce := append(append([]string(nil), lines...), noncePrefix+p.ServiceStateNonce)
			if data := strings.Join(withNonce, "\n") + "\n"; len(data) <= MaxPacketSize {
				return []byte(data), nil
			}
		}

	default:
		return nil, rrerr.New(rrerr.InvalidArgument, fmt.Sprintf("unknown packet kind %d", p.Kind))
	}

	data := strings.Join(lines, "\n") + "\n"
	if len(data) > MaxPacketSize {
		return nil, rrerr.New(rrerr.InvalidArgument, fmt.Sprintf("packet exceeds %d bytes", MaxPacketSize))
	}
	return []byte(data), nil
}

// ParsePacket parses and validates a received packet. Errors are Protocol errors.
func ParsePacket(data []byte) (p Packet, err error) {
	if len(data) > MaxPacketSize {
		err = rrerr.New(rrerr.Protocol, "packet is too large")
		return
	}

	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if len(lines) < 2 {
		err = rrerr.New(rrerr.Protocol, "packet is too short")
		return
	}

	switch lines[0] {
	case RequestMagic:
		p.Kind = KindRequest
		p.Nonce = strings.TrimSpace(lines[1])
		return

	case AnnounceMagic:
		p.Kind = KindAnnounce

	default:
		err = rrerr.New(rrerr.Protocol, "unknown packet magic")
		return
	}

	if len(lines) < 3 {
		err = rrerr.New(rrerr.Protocol, "announce lacks a URL")
		return
	}

	ident := strings.TrimSpace(lines[1])
	if idx := strings.IndexByte(ident, ','); idx >= 0 {
		p.NodeName = ident[idx+1:]
		ident = ident[:idx]
	}
	if p.NodeID, err = nodeid.Parse(ident); err != nil {
		err = rrerr.Wrap(rrerr.Protocol, err, "")
		return
	}
	if p.NodeID.IsAny() {
		err = rrerr.New(rrerr.Protocol, "announce of the nil NodeID")
		return
	}
	if !nodeid.ValidName(p.NodeName) {
		err = rrerr.New(rrerr.Protocol, fmt.Sprintf("invalid node name %q", p.NodeName))
		return
	}

	p.URL = strings.TrimSpace(lines[2])
	if p.URL == "" {
		err = rrerr.New(rrerr.Protocol, "announce lacks a URL")
		return
	} else if len(p.URL) > MaxURLLength {
		err = rrerr.New(rrerr.Protocol, fmt.Sprintf("URL exceeds %d bytes", MaxURLLength))
		return
	}

	for _, line := range lines[3:] {
		if strings.HasPrefix(line, noncePrefix) {
			p.ServiceStateNonce = strings.TrimSpace(strings.TrimPrefix(line, noncePrefix))
		}
	}
	return
}

// urlHost extracts an announced URL's host address and checks its nodeid query against the announced NodeID.
func urlHost(rawURL string, id nodeid.NodeID) (netip.Addr, uint16, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return netip.Addr{}, 0, err
	}

	addr, err := netip.ParseAddr(u.Hostname())
	if err != nil {
		return netip.Addr{}, 0, err
	}
	port, err := strconv.ParseUint(u.Port(), 10, 16)
	if err != nil {
		return netip.Addr{}, 0, err
	}

	if q := u.Query().Get("nodeid"); q != "" {
		if qid, err := nodeid.Parse(q); err != nil {
			return netip.Addr{}, 0, err
		} else if qid != id {
			return netip.Addr{}, 0, fmt.Errorf("URL names node %v instead of %v", qid, id)
		}
	}

	return addr.Unmap(), uint16(port), nil
}
