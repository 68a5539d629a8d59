// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"fmt"
	"net/netip"
)

var siteLocalPrefix = netip.MustParsePrefix("fec0::/10")

func isSiteLocal(addr netip.Addr) bool {
	return addr.Is6() && siteLocalPrefix.Contains(addr.WithZone(""))
}

// checkSpoof compares the address claimed in an announce with the packet's source. Loopback sources are trusted;
// otherwise the families must match, IPv6 scoping must be consistent and IPv4 addresses must share the /16 prefix.
func checkSpoof(claimed, source netip.Addr) error {
	claimed, source = claimed.Unmap(), source.Unmap()

	if source.IsLoopback() {
		return nil
	}

	if claimed.Is4() != source.Is4() {
		return fmt.Errorf("claimed address %v and source %v differ in family", claimed, source)
	}

	if claimed.Is4() {
		c, s := claimed.As4(), source.As4()
		if c[0] != s[0] || c[1] != s[1] {
			return fmt.Errorf("claimed address %v is not in the source's %v subnet", claimed, source)
		}
		return nil
	}

	if claimed.IsLinkLocalUnicast() != source.IsLinkLocalUnicast() {
		return fmt.Errorf("claimed address %v and source %v differ in link-local scope", claimed, source)
	}
	if isSiteLocal(claimed) != isSiteLocal(source) {
		return fmt.Errorf("claimed address %v and source %v differ in site-local scope", claimed, source)
	}
	return nil
}
