// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package netaddr enumerates the local network adapters' addresses and IPv6 scope ids.
package netaddr

import (
	"net"
	"net/netip"
	"sort"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/rrtcp/rrtcp-go/pkg/rrerr"
)

// Enumerator lists local addresses. The transport and the discovery depend on this interface, which allows tests to
// fake a host's network setup.
type Enumerator interface {
	// LocalAddresses of all running interfaces. IPv6 link-local addresses carry their interface index as zone.
	LocalAddresses() ([]netip.Addr, error)

	// IPv6ScopeIDs lists the indices of all running interfaces with an IPv6 link-local address.
	IPv6ScopeIDs() ([]int, error)
}

// System is the Enumerator of the host.
type System struct{}

func (System) interfaces() ([]net.Interface, error) {
	ifis, err := net.Interfaces()
	if err != nil {
		return nil, rrerr.Wrap(rrerr.SystemResource, err, "could not enumerate network interfaces")
	}
	return ifis, nil
}

// LocalAddresses of all running interfaces.
func (s System) LocalAddresses() (addrs []netip.Addr, err error) {
	ifis, err := s.interfaces()
	if err != nil {
		return nil, err
	}

	for _, ifi := range ifis {
		if ifi.Flags&net.FlagUp == 0 {
			continue
		}

		ifAddrs, addrErr := ifi.Addrs()
		if addrErr != nil {
			log.WithFields(log.Fields{
				"interface": ifi.Name,
				"error":     addrErr,
			}).Debug("Skipping interface, failed to list addresses")
			continue
		}

		for _, ifAddr := range ifAddrs {
			ipNet, ok := ifAddr.(*net.IPNet)
			if !ok {
				continue
			}

			addr, ok := netip.AddrFromSlice(ipNet.IP)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			if addr.Is6() && addr.IsLinkLocalUnicast() {
				addr = addr.WithZone(strconv.Itoa(ifi.Index))
			}
			addrs = append(addrs, addr)
		}
	}

	return
}

// IPv6ScopeIDs of all running interfaces with a link-local IPv6 address, sorted ascending.
func (s System) IPv6ScopeIDs() ([]int, error) {
	addrs, err := s.LocalAddresses()
	if err != nil {
		return nil, err
	}
	return ScopeIDs(addrs), nil
}

// ScopeIDs extracts the distinct, numeric zones of the IPv6 link-local addresses.
func ScopeIDs(addrs []netip.Addr) []int {
	known := make(map[int]struct{})
	for _, addr := range addrs {
		if !addr.Is6() || !addr.IsLinkLocalUnicast() || addr.Zone() == "" {
			continue
		}
		if id, err := strconv.Atoi(addr.Zone()); err == nil && id > 0 {
			known[id] = struct{}{}
		}
	}

	ids := make([]int, 0, len(known))
	for id := range known {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// HasIPv4 checks if any of the addresses is an IPv4 address.
func HasIPv4(addrs []netip.Addr) bool {
	for _, addr := range addrs {
		if addr.Is4() {
			return true
		}
	}
	return false
}

// HasIPv6 checks if any of the addresses is an IPv6 address.
func HasIPv6(addrs []netip.Addr) bool {
	for _, addr := range addrs {
		if addr.Is6() {
			return true
		}
	}
	return false
}

// Static is an Enumerator with fixed addresses.
type Static []netip.Addr

// LocalAddresses returns the fixed addresses.
func (s Static) LocalAddresses() ([]netip.Addr, error) {
	return append([]netip.Addr(nil), s...), nil
}

// IPv6ScopeIDs derived from the fixed addresses' zones.
func (s Static) IPv6ScopeIDs() ([]int, error) {
	return ScopeIDs(s), nil
}
