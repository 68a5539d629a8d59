// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"net/netip"
	"testing"
)

func TestCheckSpoof(t *testing.T) {
	tests := []struct {
		claimed string
		source  string
		valid   bool
	}{
		{"192.168.1.20", "192.168.1.20", true},
		{"192.168.7.20", "192.168.1.20", true},
		{"10.0.0.1", "192.168.1.20", false},
		{"10.0.0.1", "127.0.0.1", true},
		{"10.0.0.1", "::1", true},
		{"10.0.0.1", "fe80::1%2", false},
		{"fe80::1", "10.0.0.1", false},
		{"fe80::1", "fe80::2%2", true},
		{"2001:db8::1", "fe80::2%2", false},
		{"fec0::1", "fec0::2", true},
		{"fec0::1", "2001:db8::2", false},
		{"2001:db8::1", "2001:db8::2", true},
		{"10.0.0.1", "::ffff:10.0.3.4", true},
	}

	for _, test := range tests {
		err := checkSpoof(netip.MustParseAddr(test.claimed), netip.MustParseAddr(test.source))
		if (err == nil) != test.valid {
			t.Fatalf("checkSpoof(%s, %s) = %v, expected valid = %t", test.claimed, test.source, err, test.valid)
		}
	}
}
