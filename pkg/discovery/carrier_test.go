// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"net/netip"
	"testing"
)

func TestCarrierUpdateAfterClose(t *testing.T) {
	c := newCarrier(DefaultConfig(), func([]byte, netip.AddrPort) {})
	c.close()

	c.update([]byte("announce"))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopChan != nil || c.payload != nil {
		t.Fatal("closed carrier was restarted")
	}
}
