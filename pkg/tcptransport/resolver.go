// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcptransport

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/rrtcp/rrtcp-go/pkg/netaddr"
	"github.com/rrtcp/rrtcp-go/pkg/rrerr"
)

// hostResolver is satisfied by *net.Resolver.
type hostResolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Candidate is one socket endpoint to be tried for a URL.
type Candidate struct {
	URL  *ParsedURL
	Addr netip.AddrPort
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s@%v", c.URL.Scheme, c.Addr)
}

// resolveCandidates resolves the URLs' hosts into an ordered list of Candidates: first all IPv4, then all IPv6
// endpoints. Link-local IPv6 addresses without a zone are expanded to one Candidate per local scope id.
func resolveCandidates(ctx context.Context, res hostResolver, enum netaddr.Enumerator, urls []*ParsedURL) ([]Candidate, error) {
	var (
		ipv4, ipv6 []Candidate
		known      = make(map[string]struct{})
		lastErr    error

		scopeIDs     []int
		scopeIDsRead bool
	)

	add := func(list *[]Candidate, c Candidate) {
		key := c.URL.Scheme + " " + c.URL.Path + " " + c.Addr.String()
		if _, ok := known[key]; ok {
			return
		}
		known[key] = struct{}{}
		*list = append(*list, c)
	}

	for _, pu := range urls {
		var addrs []netip.Addr
		if addr, err := netip.ParseAddr(pu.Host); err == nil {
			addrs = []netip.Addr{addr}
		} else if addrs, err = res.LookupNetIP(ctx, "ip", pu.Host); err != nil {
			log.WithFields(log.Fields{
				"url":   pu,
				"error": err,
			}).Debug("Failed to resolve candidate host")
			lastErr = err
			continue
		}

		for _, addr := range addrs {
			addr = addr.Unmap()

			if addr.Is4() {
				add(&ipv4, Candidate{URL: pu, Addr: netip.AddrPortFrom(addr, pu.Port)})
				continue
			}

			if !addr.IsLinkLocalUnicast() || addr.Zone() != "" {
				add(&ipv6, Candidate{URL: pu, Addr: netip.AddrPortFrom(addr, pu.Port)})
				continue
			}

			if !scopeIDsRead {
				scopeIDsRead = true
				var err error
				if scopeIDs, err = enum.IPv6ScopeIDs(); err != nil {
					log.WithError(err).Warn("Failed to enumerate IPv6 scope ids")
				}
			}

			if len(scopeIDs) == 0 {
				add(&ipv6, Candidate{URL: pu, Addr: netip.AddrPortFrom(addr, pu.Port)})
				continue
			}
			for _, scope := range scopeIDs {
				scoped := addr.WithZone(strconv.Itoa(scope))
				add(&ipv6, Candidate{URL: pu, Addr: netip.AddrPortFrom(scoped, pu.Port)})
			}
		}
	}

	candidates := append(ipv4, ipv6...)
	if len(candidates) == 0 {
		if lastErr != nil {
			return nil, rrerr.Wrap(rrerr.Connection, lastErr, "could not resolve any candidate host")
		}
		return nil, rrerr.New(rrerr.Connection, "no candidate endpoints")
	}
	return candidates, nil
}
