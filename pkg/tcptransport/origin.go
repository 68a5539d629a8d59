// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcptransport

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rrtcp/rrtcp-go/pkg/rrerr"
)

// originRegexp matches "scheme://" and "scheme://host[:port]", where host may be a bracketed IPv6 address.
var originRegexp = regexp.MustCompile(`^([^:\s]+)://(?:((?:\[[A-Fa-f0-9:]+(?:%\w*)?\])|(?:[^\[\]:/?\s]+))(?::([^:/?\s]+))?)?$`)

type origin struct {
	scheme string
	host   string
	port   string
}

func parseOrigin(s string) (o origin, ok bool) {
	m := originRegexp.FindStringSubmatch(s)
	if m == nil {
		return
	}
	return origin{scheme: strings.ToLower(m[1]), host: strings.ToLower(m[2]), port: m[3]}, true
}

// ValidateOrigin checks an allow-list entry. Valid are a bare scheme ("file://"), an exact origin
// ("https://example.com:443") or a wildcard subdomain ("https://*.example.com").
func ValidateOrigin(s string) error {
	o, ok := parseOrigin(s)
	if !ok {
		return rrerr.New(rrerr.InvalidArgument, fmt.Sprintf("invalid WebSocket origin %q", s))
	}
	if strings.Contains(o.host, "*") && (!strings.HasPrefix(o.host, "*.") || strings.Count(o.host, "*") != 1) {
		return rrerr.New(rrerr.InvalidArgument, fmt.Sprintf("invalid WebSocket origin wildcard %q", s))
	}
	return nil
}

// originAllowed checks an Origin header against the allow-list. A missing Origin is sent by non-browser clients and
// is allowed.
func originAllowed(allowed []string, header string) bool {
	if header == "" {
		return true
	}

	o, ok := parseOrigin(header)
	if !ok {
		return false
	}

	for _, entry := range allowed {
		a, ok := parseOrigin(entry)
		if !ok {
			continue
		}

		switch {
		case a.scheme != o.scheme:
			continue

		case a.host == "":
			return true

		case a.port != o.port:
			continue

		case strings.HasPrefix(a.host, "*."):
			if suffix := a.host[1:]; strings.HasSuffix(o.host, suffix) && len(o.host) > len(suffix) {
				return true
			}

		case a.host == o.host:
			return true
		}
	}

	return false
}
