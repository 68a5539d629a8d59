// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcptransport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/rrtcp/rrtcp-go/pkg/nodeid"
	"github.com/rrtcp/rrtcp-go/pkg/rrerr"
)

// schemeKind describes the stream stack a URL scheme requests.
type schemeKind struct {
	starttls        bool
	websocket       bool
	secureWebSocket bool
}

var schemes = map[string]schemeKind{
	"tcp":     {},
	"rr+tcp":  {},
	"rrs+tcp": {starttls: true},
	"rr+ws":   {websocket: true},
	"rrs+ws":  {starttls: true, websocket: true},
	"rr+wss":  {websocket: true, secureWebSocket: true},
	"rrs+wss": {starttls: true, websocket: true, secureWebSocket: true},
}

// ParsedURL is a validated connection URL.
type ParsedURL struct {
	Raw    string
	Scheme string

	// Host without IPv6 brackets, possibly with a zone.
	Host string
	Port uint16
	Path string

	// NodeID and NodeName of the target node, if given as query parameters.
	NodeID   nodeid.NodeID
	NodeName string

	StartTLS        bool
	WebSocket       bool
	SecureWebSocket bool
}

// escapeZone allows both "[fe80::1%eth0]" and the RFC 6874 form "[fe80::1%25eth0]".
func escapeZone(s string) string {
	start := strings.Index(s, "[")
	end := strings.Index(s, "]")
	if start < 0 || end < start {
		return s
	}

	host := s[start:end]
	if i := strings.Index(host, "%"); i >= 0 && !strings.HasPrefix(host[i:], "%25") {
		host = host[:i] + "%25" + host[i+1:]
	}
	return s[:start] + host + s[end:]
}

// ParseURL validates a connection URL for this transport.
func ParseURL(raw string) (*ParsedURL, error) {
	u, err := url.Parse(escapeZone(raw))
	if err != nil {
		return nil, rrerr.Wrap(rrerr.InvalidArgument, err, fmt.Sprintf("malformed URL %q", raw))
	}

	kind, ok := schemes[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, rrerr.New(rrerr.InvalidArgument, fmt.Sprintf("invalid scheme %q for the TCP transport", u.Scheme))
	}

	pu := &ParsedURL{
		Raw:             raw,
		Scheme:          strings.ToLower(u.Scheme),
		Host:            u.Hostname(),
		Path:            u.Path,
		StartTLS:        kind.starttls,
		WebSocket:       kind.websocket,
		SecureWebSocket: kind.secureWebSocket,
	}

	if pu.Host == "" {
		return nil, rrerr.New(rrerr.InvalidArgument, fmt.Sprintf("URL %q has no host", raw))
	}

	if port, portErr := strconv.ParseUint(u.Port(), 10, 16); portErr != nil || port == 0 {
		return nil, rrerr.New(rrerr.InvalidArgument, fmt.Sprintf("URL %q has no valid port", raw))
	} else {
		pu.Port = uint16(port)
	}

	if !pu.WebSocket && pu.Path != "" && pu.Path != "/" {
		return nil, rrerr.New(rrerr.InvalidArgument, fmt.Sprintf("URL %q must have the root path", raw))
	}

	query := u.Query()
	if s := query.Get("nodeid"); s != "" {
		if pu.NodeID, err = nodeid.Parse(s); err != nil {
			return nil, rrerr.Wrap(rrerr.InvalidArgument, err, "")
		}
	}
	if s := query.Get("nodename"); s != "" {
		if !nodeid.ValidName(s) {
			return nil, rrerr.New(rrerr.InvalidArgument, fmt.Sprintf("invalid node name %q", s))
		}
		pu.NodeName = s
	}

	return pu, nil
}

// HostPort joins Host and Port, bracketing IPv6 hosts.
func (pu *ParsedURL) HostPort() string {
	return net.JoinHostPort(pu.Host, strconv.Itoa(int(pu.Port)))
}

// WebSocketURL is the ws:// or wss:// URL of a WebSocket scheme.
func (pu *ParsedURL) WebSocketURL() string {
	scheme := "ws"
	if pu.SecureWebSocket {
		scheme = "wss"
	}

	path := pu.Path
	if path == "" {
		path = "/"
	}

	host := pu.HostPort()
	if i := strings.Index(host, "%"); i >= 0 {
		host = host[:i] + "%25" + host[i+1:]
	}
	return scheme + "://" + host + path
}

func (pu *ParsedURL) String() string {
	return pu.Raw
}

// parseCandidateURLs parses a list of URLs. Invalid entries are skipped, unless the list consists of exactly one URL.
func parseCandidateURLs(urls []string) ([]*ParsedURL, error) {
	if len(urls) == 1 {
		pu, err := ParseURL(urls[0])
		if err != nil {
			return nil, err
		}
		return []*ParsedURL{pu}, nil
	}

	parsed := make([]*ParsedURL, 0, len(urls))
	for _, raw := range urls {
		if pu, err := ParseURL(raw); err != nil {
			log.WithFields(log.Fields{
				"url":   raw,
				"error": err,
			}).Debug("Skipping invalid candidate URL")
		} else {
			parsed = append(parsed, pu)
		}
	}

	if len(parsed) == 0 {
		return nil, rrerr.New(rrerr.Connection, "no valid candidate URL")
	}
	return parsed, nil
}
